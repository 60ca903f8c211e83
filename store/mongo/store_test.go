package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rbaliyan/mailcore/store"
	"github.com/rbaliyan/mailcore/store/storetest"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func connectTestClient(t *testing.T) *mongo.Client {
	t.Helper()
	uri := os.Getenv("MAILCORE_MONGO_URI")
	if uri == "" {
		t.Skip("MAILCORE_MONGO_URI not set")
	}
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func TestContract(t *testing.T) {
	client := connectTestClient(t)
	storetest.TestStore(t, func(t *testing.T) store.Store {
		db := fmt.Sprintf("mailcore_test_%d", time.Now().UnixNano())
		s := New(client, WithDatabase(db))
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		t.Cleanup(func() {
			_ = s.Close(context.Background())
			_ = client.Database(db).Drop(context.Background())
		})
		return s
	})
}

func TestNotConnected(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	if _, err := s.Mailboxes().List(ctx, "bob"); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := s.Messages().Get(ctx, "x", 1); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(ctx); err == nil {
		t.Error("Connect without client must fail")
	}
	if err := s.checkConnected(); !errors.Is(err, store.ErrNotConnected) {
		t.Error("failed Connect must leave the store disconnected")
	}
}

func TestOptions(t *testing.T) {
	o := newOptions(WithDatabase(""), WithMailboxCollection("boxes"), WithMessageCollection(""), WithTimeout(-1))
	if o.database != DefaultDatabase || o.mailboxCollection != "boxes" || o.messageCollection != DefaultMessageCollection {
		t.Errorf("unexpected names %+v", o)
	}
	if o.timeout != DefaultTimeout {
		t.Errorf("timeout = %v", o.timeout)
	}
}
