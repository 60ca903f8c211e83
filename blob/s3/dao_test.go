package s3

import (
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/rbaliyan/mailcore/blob"
)

func TestResolve(t *testing.T) {
	if got := resolve("mailcore-", "default"); got != "mailcore-default" {
		t.Errorf("expected mailcore-default, got %s", got)
	}
	if got := resolve("", "mail_archive"); got != "mail-archive" {
		t.Errorf("expected underscores replaced, got %s", got)
	}

	name, ok := unresolve("mailcore-", "mailcore-default")
	if !ok || name != blob.DefaultBucket {
		t.Errorf("expected default, got %q %v", name, ok)
	}
	if _, ok := unresolve("mailcore-", "someone-else"); ok {
		t.Error("foreign bucket should be skipped")
	}
}

func TestChunk(t *testing.T) {
	keys := make([]int, 2500)
	batches := chunk(keys, maxDeleteBatch)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 1000 || len(batches[1]) != 1000 || len(batches[2]) != 500 {
		t.Errorf("unexpected batch sizes %d %d %d", len(batches[0]), len(batches[1]), len(batches[2]))
	}
	if len(chunk([]int{}, 10)) != 0 {
		t.Error("expected no batches for empty input")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		code     string
		notFound bool
		noBucket bool
	}{
		{"NoSuchKey", true, false},
		{"NoSuchBucket", true, true},
		{"NotFound", true, false},
		{"AccessDenied", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := &smithy.GenericAPIError{Code: tt.code}
			if got := isNotFound(err); got != tt.notFound {
				t.Errorf("isNotFound = %v, want %v", got, tt.notFound)
			}
			if got := isNoSuchBucket(err); got != tt.noBucket {
				t.Errorf("isNoSuchBucket = %v, want %v", got, tt.noBucket)
			}
		})
	}

	d := &DAO{}
	err := d.wrap("read", "default", "x", &smithy.GenericAPIError{Code: "NoSuchKey"})
	if !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("expected wrapped error to match ErrNotFound, got %v", err)
	}
}
