package quota_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/quota/quotatest"
)

func TestMemoryLimitStore(t *testing.T) {
	quotatest.TestLimitStore(t, func(*testing.T) quota.LimitStore {
		return quota.NewMemoryLimitStore()
	})
}

func TestMemoryCurrentQuotaManager(t *testing.T) {
	quotatest.TestCurrentQuotaManager(t, func(*testing.T) quota.CurrentQuotaManager {
		return quota.NewMemoryCurrentQuotaManager()
	})
}

func TestForUser(t *testing.T) {
	r := quota.ForUser("bob@Example.com")
	if r.Value != "#private&bob@Example.com" || r.Domain != "example.com" {
		t.Errorf("unexpected root %+v", r)
	}
	if r := quota.ForUser("bob"); r.Domain != "" {
		t.Errorf("expected no domain, got %q", r.Domain)
	}
}

func TestParseLimit(t *testing.T) {
	for _, v := range []int64{quota.Unlimited, 0, 1, 1 << 40} {
		if _, err := quota.ParseLimit(v); err != nil {
			t.Errorf("ParseLimit(%d): %v", v, err)
		}
	}
	if _, err := quota.ParseLimit(-2); !errors.Is(err, quota.ErrInvalidLimit) {
		t.Errorf("expected ErrInvalidLimit, got %v", err)
	}
}

func TestQuota(t *testing.T) {
	tests := []struct {
		name        string
		q           quota.Quota[quota.CountLimit, quota.CountUsage]
		over        bool
		overWithOne bool
		ratio       float64
	}{
		{"unlimited", quota.Quota[quota.CountLimit, quota.CountUsage]{Used: 1000, Limit: quota.Unlimited}, false, false, 0},
		{"under", quota.Quota[quota.CountLimit, quota.CountUsage]{Used: 5, Limit: 10}, false, false, 0.5},
		{"at limit", quota.Quota[quota.CountLimit, quota.CountUsage]{Used: 10, Limit: 10}, false, true, 1},
		{"over", quota.Quota[quota.CountLimit, quota.CountUsage]{Used: 11, Limit: 10}, true, true, 1.1},
		{"zero limit", quota.Quota[quota.CountLimit, quota.CountUsage]{Used: 0, Limit: 0}, false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.IsOverQuota(); got != tt.over {
				t.Errorf("IsOverQuota = %v", got)
			}
			if got := tt.q.IsOverQuotaWithAdditionalValue(1); got != tt.overWithOne {
				t.Errorf("IsOverQuotaWithAdditionalValue(1) = %v", got)
			}
			if got := tt.q.Ratio(); got != tt.ratio {
				t.Errorf("Ratio = %v, want %v", got, tt.ratio)
			}
		})
	}
}

func TestMaxQuotaManager(t *testing.T) {
	ctx := context.Background()
	root := quota.ForUser("bob@example.com")

	t.Run("unlimited by default", func(t *testing.T) {
		m := quota.NewMaxQuotaManager(quota.NewMemoryLimitStore())
		if v, err := m.MaxMessage(ctx, root); err != nil || v != quota.Unlimited {
			t.Errorf("MaxMessage: %d, %v", v, err)
		}
	})

	t.Run("most specific wins", func(t *testing.T) {
		m := quota.NewMaxQuotaManager(quota.NewMemoryLimitStore())
		_ = m.SetGlobalMaxMessage(ctx, 1000)
		if v, _ := m.MaxMessage(ctx, root); v != 1000 {
			t.Errorf("global: %d", v)
		}
		_ = m.SetDomainMaxMessage(ctx, "example.com", 100)
		if v, _ := m.MaxMessage(ctx, root); v != 100 {
			t.Errorf("domain: %d", v)
		}
		_ = m.SetMaxMessage(ctx, root, 10)
		if v, _ := m.MaxMessage(ctx, root); v != 10 {
			t.Errorf("user: %d", v)
		}

		details, err := m.ListMaxMessageDetails(ctx, root)
		if err != nil {
			t.Fatalf("ListMaxMessageDetails: %v", err)
		}
		if len(details) != 3 || details[quota.ScopeGlobal] != 1000 || details[quota.ScopeDomain] != 100 || details[quota.ScopeUser] != 10 {
			t.Errorf("unexpected details %v", details)
		}

		_ = m.RemoveLimit(ctx, quota.LimitKey{Scope: quota.ScopeUser, Key: root.Value, Kind: quota.KindCount})
		if v, _ := m.MaxMessage(ctx, root); v != 100 {
			t.Errorf("after removal: %d", v)
		}
	})

	t.Run("explicit unlimited overrides", func(t *testing.T) {
		m := quota.NewMaxQuotaManager(quota.NewMemoryLimitStore())
		_ = m.SetGlobalMaxStorage(ctx, 1<<20)
		_ = m.SetMaxStorage(ctx, root, quota.Unlimited)
		if v, _ := m.MaxStorage(ctx, root); v != quota.Unlimited {
			t.Errorf("expected unlimited, got %d", v)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		m := quota.NewMaxQuotaManager(quota.NewMemoryLimitStore())
		if err := m.SetGlobalMaxMessage(ctx, -5); !errors.Is(err, quota.ErrInvalidLimit) {
			t.Errorf("expected ErrInvalidLimit, got %v", err)
		}
		if err := m.SetDomainMaxStorage(ctx, "", 5); !errors.Is(err, quota.ErrInvalidRoot) {
			t.Errorf("expected ErrInvalidRoot, got %v", err)
		}
	})
}

func TestManagerCheckAddition(t *testing.T) {
	ctx := context.Background()
	root := quota.ForUser("bob@example.com")
	m := quota.NewManager(nil, nil)
	_ = m.Max().SetMaxMessage(ctx, root, 2)
	_ = m.Max().SetMaxStorage(ctx, root, 100)

	if err := m.CheckAddition(ctx, root, 1, 60); err != nil {
		t.Fatalf("first addition: %v", err)
	}
	_ = m.Current().Increase(ctx, root, 1, 60)

	err := m.CheckAddition(ctx, root, 1, 60)
	var oqe *quota.OverQuotaError
	if !errors.As(err, &oqe) || oqe.Kind != quota.KindSize || oqe.Used != 60 || oqe.Limit != 100 {
		t.Fatalf("expected size over quota, got %v", err)
	}
	if !errors.Is(err, quota.ErrOverQuota) {
		t.Error("OverQuotaError must unwrap to ErrOverQuota")
	}

	_ = m.Current().Increase(ctx, root, 1, 1)
	if err := m.CheckAddition(ctx, root, 1, 1); !errors.As(err, &oqe) || oqe.Kind != quota.KindCount {
		t.Errorf("expected count over quota, got %v", err)
	}

	sq, err := m.StorageQuota(ctx, root)
	if err != nil || sq.Used != 61 || sq.Limit != 100 || sq.LimitByScope[quota.ScopeUser] != 100 {
		t.Errorf("StorageQuota: %+v, %v", sq, err)
	}
}

func TestThresholds(t *testing.T) {
	q := func(used int64) quota.Quota[quota.SizeLimit, quota.SizeUsage] {
		return quota.Quota[quota.SizeLimit, quota.SizeUsage]{Used: quota.SizeUsage(used), Limit: 100}
	}
	ts := quota.DefaultThresholds()
	tests := []struct {
		used int64
		want quota.Threshold
	}{
		{50, quota.NoThreshold},
		{80, quota.NoThreshold},
		{81, 0.8},
		{96, 0.95},
		{100, 0.99},
		{150, 0.99},
	}
	for _, tt := range tests {
		if got := ts.HighestExceeded(q(tt.used)); got != tt.want {
			t.Errorf("used %d: got %v, want %v", tt.used, got, tt.want)
		}
	}
	unlimited := quota.Quota[quota.SizeLimit, quota.SizeUsage]{Used: 1 << 30, Limit: quota.Unlimited}
	if got := ts.HighestExceeded(unlimited); got != quota.NoThreshold {
		t.Errorf("unlimited quota exceeded %v", got)
	}

	if _, err := quota.NewThreshold(0); err == nil {
		t.Error("expected 0 to be rejected")
	}
	if _, err := quota.NewThreshold(1.5); err == nil {
		t.Error("expected 1.5 to be rejected")
	}

	if quota.Compare(quota.NoThreshold, 0.8) != quota.HigherThresholdReached ||
		quota.Compare(0.95, 0.8) != quota.LowerThresholdReached ||
		quota.Compare(0.8, 0.8) != quota.NoChange {
		t.Error("unexpected evolution")
	}
}

func TestThresholdTracker(t *testing.T) {
	root := quota.ForUser("bob@example.com")
	tr := quota.NewThresholdTracker(nil)
	q := func(used int64) quota.Quota[quota.CountLimit, quota.CountUsage] {
		return quota.Quota[quota.CountLimit, quota.CountUsage]{Used: quota.CountUsage(used), Limit: 100}
	}

	if _, changed := tr.Observe(root, quota.KindCount, q(10)); changed {
		t.Error("no threshold crossed yet")
	}
	c, changed := tr.Observe(root, quota.KindCount, q(90))
	if !changed || c.Current != 0.8 || c.Evolution != quota.HigherThresholdReached {
		t.Errorf("unexpected change %+v", c)
	}
	if _, changed := tr.Observe(root, quota.KindCount, q(91)); changed {
		t.Error("same threshold must not be reported twice")
	}
	if _, changed := tr.Observe(root, quota.KindSize, q(91)); !changed {
		t.Error("kinds are tracked separately")
	}
	c, changed = tr.Observe(root, quota.KindCount, q(20))
	if !changed || c.Previous != 0.8 || c.Evolution != quota.LowerThresholdReached {
		t.Errorf("unexpected change %+v", c)
	}
}
