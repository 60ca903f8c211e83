package otel

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/blob/blobtest"
	"github.com/rbaliyan/mailcore/blob/memory"
)

func TestDAOContract(t *testing.T) {
	blobtest.TestDAO(t, func(t *testing.T) blob.DAO {
		d, err := New(memory.New(), WithServiceName("test"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return d
	})
}

func TestDisabled(t *testing.T) {
	blobtest.TestDAO(t, func(t *testing.T) blob.DAO {
		d, err := New(memory.New(), WithDisabled())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return d
	})
}

func TestInstrumentedReader(t *testing.T) {
	ctx := context.Background()
	d, err := New(memory.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.SaveStream(ctx, blob.DefaultBucket, "a", strings.NewReader("payload")); err != nil {
		t.Fatalf("SaveStream: %v", err)
	}

	rc, err := d.Read(ctx, blob.DefaultBucket, "a")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "payload" {
		t.Errorf("expected payload, got %q", data)
	}
	ir, ok := rc.(*instrumentedReader)
	if !ok {
		t.Fatalf("expected instrumented reader, got %T", rc)
	}
	if ir.bytes != int64(len("payload")) {
		t.Errorf("expected %d bytes counted, got %d", len("payload"), ir.bytes)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}

	_, err = d.Read(ctx, blob.DefaultBucket, "missing")
	if !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
