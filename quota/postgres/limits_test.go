package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/quota/quotatest"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("MAILCORE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILCORE_POSTGRES_DSN not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLimitStoreContract(t *testing.T) {
	db := openTestDB(t)
	quotatest.TestLimitStore(t, func(t *testing.T) quota.LimitStore {
		table := fmt.Sprintf("max_quota_test_%d", time.Now().UnixNano())
		s := New(db, WithTable(table))
		if err := s.Init(context.Background()); err != nil {
			t.Fatalf("Init: %v", err)
		}
		t.Cleanup(func() {
			_, _ = db.Exec("DROP TABLE IF EXISTS " + table)
		})
		return s
	})
}

func TestOptions(t *testing.T) {
	s := New(nil, WithTable(""), WithTimeout(0))
	if s.opts.table != DefaultTable || s.opts.timeout != DefaultTimeout {
		t.Errorf("zero values must keep defaults: %+v", s.opts)
	}
	if err := s.Init(context.Background()); err == nil {
		t.Error("Init without db must fail")
	}
}
