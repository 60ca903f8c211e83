package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/quota/quotatest"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCurrentQuotaManagerContract(t *testing.T) {
	quotatest.TestCurrentQuotaManager(t, func(t *testing.T) quota.CurrentQuotaManager {
		_, client := newClient(t)
		return New(client)
	})
}

func TestLayout(t *testing.T) {
	ctx := context.Background()
	mr, client := newClient(t)
	m := New(client, WithKeyPrefix("q:"))
	root := quota.ForUser("bob@example.com")

	if err := m.Increase(ctx, root, 2, 42); err != nil {
		t.Fatalf("Increase: %v", err)
	}
	if got := mr.HGet("q:"+root.Value, "count"); got != "2" {
		t.Errorf("count field = %q", got)
	}
	if got := mr.HGet("q:"+root.Value, "size"); got != "42" {
		t.Errorf("size field = %q", got)
	}
}

func TestCorruptField(t *testing.T) {
	mr, client := newClient(t)
	root := quota.ForUser("bob@example.com")
	mr.HSet(DefaultKeyPrefix+root.Value, "count", "lots")

	if _, err := New(client).Get(context.Background(), root); err == nil {
		t.Error("expected corrupt usage to be reported")
	}
}
