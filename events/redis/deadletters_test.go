package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/mailcore/events"
	"github.com/rbaliyan/mailcore/events/eventstest"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDeadLetters(t *testing.T) {
	eventstest.TestDeadLetters(t, func(t *testing.T) events.DeadLetters {
		_, client := newClient(t)
		return New(client, eventstest.Serializer(t))
	})
}

func TestIndexFollowsGroups(t *testing.T) {
	ctx := context.Background()
	mr, client := newClient(t)
	dl := New(client, eventstest.Serializer(t), WithKeyPrefix("test:"))

	id, err := dl.Store(ctx, "G", eventstest.NewTestEvent("bob"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if ok, _ := mr.SIsMember("test:groups", "G"); !ok {
		t.Fatal("group should be indexed")
	}
	if !mr.Exists("test:group:G") {
		t.Fatal("group hash should exist")
	}

	if err := dl.Remove(ctx, "G", id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := mr.SIsMember("test:groups", "G"); ok {
		t.Error("empty group should leave the index")
	}
}

func TestUnknownTypeIsRejected(t *testing.T) {
	_, client := newClient(t)
	dl := New(client, events.NewSerializer())
	if _, err := dl.Store(context.Background(), "G", eventstest.NewTestEvent("bob")); err == nil {
		t.Error("expected an error for an unregistered event type")
	}
}
