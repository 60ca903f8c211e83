// Package quotatest holds contract tests for quota storage implementations.
package quotatest

import (
	"context"
	"sync"
	"testing"

	"github.com/rbaliyan/mailcore/quota"
)

// TestLimitStore runs the LimitStore contract against stores built by
// factory.
func TestLimitStore(t *testing.T, factory func(t *testing.T) quota.LimitStore) {
	ctx := context.Background()
	global := quota.LimitKey{Scope: quota.ScopeGlobal, Kind: quota.KindCount}
	domain := quota.LimitKey{Scope: quota.ScopeDomain, Key: "example.com", Kind: quota.KindSize}

	t.Run("missing limit", func(t *testing.T) {
		s := factory(t)
		if _, ok, err := s.Limit(ctx, global); err != nil || ok {
			t.Errorf("Limit: ok=%v err=%v", ok, err)
		}
	})

	t.Run("set and get", func(t *testing.T) {
		s := factory(t)
		if err := s.SetLimit(ctx, global, 100); err != nil {
			t.Fatalf("SetLimit: %v", err)
		}
		if err := s.SetLimit(ctx, domain, quota.Unlimited); err != nil {
			t.Fatalf("SetLimit: %v", err)
		}
		if v, ok, err := s.Limit(ctx, global); err != nil || !ok || v != 100 {
			t.Errorf("global: %d, %v, %v", v, ok, err)
		}
		if v, ok, err := s.Limit(ctx, domain); err != nil || !ok || v != quota.Unlimited {
			t.Errorf("domain: %d, %v, %v", v, ok, err)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		s := factory(t)
		_ = s.SetLimit(ctx, global, 100)
		_ = s.SetLimit(ctx, global, 0)
		if v, ok, _ := s.Limit(ctx, global); !ok || v != 0 {
			t.Errorf("expected 0, got %d (%v)", v, ok)
		}
	})

	t.Run("kinds are independent", func(t *testing.T) {
		s := factory(t)
		_ = s.SetLimit(ctx, global, 100)
		size := global
		size.Kind = quota.KindSize
		if _, ok, _ := s.Limit(ctx, size); ok {
			t.Error("size limit must not be set")
		}
	})

	t.Run("remove", func(t *testing.T) {
		s := factory(t)
		_ = s.SetLimit(ctx, domain, 10)
		if err := s.RemoveLimit(ctx, domain); err != nil {
			t.Fatalf("RemoveLimit: %v", err)
		}
		if _, ok, _ := s.Limit(ctx, domain); ok {
			t.Error("limit still set")
		}
		if err := s.RemoveLimit(ctx, domain); err != nil {
			t.Errorf("removing twice: %v", err)
		}
	})
}

// TestCurrentQuotaManager runs the CurrentQuotaManager contract.
func TestCurrentQuotaManager(t *testing.T, factory func(t *testing.T) quota.CurrentQuotaManager) {
	ctx := context.Background()
	root := quota.ForUser("bob@example.com")

	t.Run("unknown root is empty", func(t *testing.T) {
		m := factory(t)
		q, err := m.Get(ctx, root)
		if err != nil || q != (quota.CurrentQuotas{}) {
			t.Errorf("Get: %+v, %v", q, err)
		}
	})

	t.Run("increase and decrease", func(t *testing.T) {
		m := factory(t)
		_ = m.Increase(ctx, root, 3, 300)
		_ = m.Increase(ctx, root, 1, 50)
		_ = m.Decrease(ctx, root, 2, 100)
		q, err := m.Get(ctx, root)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if q.Count != 2 || q.Size != 250 {
			t.Errorf("unexpected usage %+v", q)
		}
	})

	t.Run("decrease clamps at zero", func(t *testing.T) {
		m := factory(t)
		_ = m.Increase(ctx, root, 1, 10)
		if err := m.Decrease(ctx, root, 5, 500); err != nil {
			t.Fatalf("Decrease: %v", err)
		}
		q, _ := m.Get(ctx, root)
		if q.Count != 0 || q.Size != 0 {
			t.Errorf("expected zero usage, got %+v", q)
		}
	})

	t.Run("set", func(t *testing.T) {
		m := factory(t)
		_ = m.Increase(ctx, root, 7, 700)
		want := quota.CurrentQuotas{Count: 1, Size: 2}
		if err := m.Set(ctx, root, want); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if q, _ := m.Get(ctx, root); q != want {
			t.Errorf("got %+v, want %+v", q, want)
		}
	})

	t.Run("roots are independent", func(t *testing.T) {
		m := factory(t)
		_ = m.Increase(ctx, root, 1, 1)
		if q, _ := m.Get(ctx, quota.ForUser("alice@example.com")); q != (quota.CurrentQuotas{}) {
			t.Errorf("unexpected usage %+v", q)
		}
	})

	t.Run("concurrent increases", func(t *testing.T) {
		m := factory(t)
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = m.Increase(ctx, root, 1, 10)
			}()
		}
		wg.Wait()
		if q, _ := m.Get(ctx, root); q.Count != 20 || q.Size != 200 {
			t.Errorf("lost updates: %+v", q)
		}
	})
}
