// Package blobtest holds the behaviour every blob.DAO implementation must
// share. Backend packages run it against their own DAO.
package blobtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/rbaliyan/mailcore/blob"
)

// TestDAO runs the DAO contract. newDAO must return an empty DAO.
func TestDAO(t *testing.T, newDAO func(t *testing.T) blob.DAO) {
	ctx := context.Background()
	bucket := blob.DefaultBucket
	other := blob.BucketName("other")

	t.Run("save and read", func(t *testing.T) {
		dao := newDAO(t)
		if err := dao.Save(ctx, bucket, "a", []byte("hello")); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := dao.ReadBytes(ctx, bucket, "a")
		if err != nil {
			t.Fatalf("ReadBytes: %v", err)
		}
		if string(got) != "hello" {
			t.Errorf("expected hello, got %q", got)
		}

		rc, err := dao.Read(ctx, bucket, "a")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		defer rc.Close()
		streamed, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if string(streamed) != "hello" {
			t.Errorf("expected hello from stream, got %q", streamed)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		dao := newDAO(t)
		if err := dao.Save(ctx, bucket, "empty", nil); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := dao.ReadBytes(ctx, bucket, "empty")
		if err != nil {
			t.Fatalf("ReadBytes: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected empty payload, got %d bytes", len(got))
		}
	})

	t.Run("save overwrites", func(t *testing.T) {
		dao := newDAO(t)
		_ = dao.Save(ctx, bucket, "a", []byte("one"))
		if err := dao.Save(ctx, bucket, "a", []byte("two")); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, _ := dao.ReadBytes(ctx, bucket, "a")
		if string(got) != "two" {
			t.Errorf("expected two, got %q", got)
		}
	})

	t.Run("save stream", func(t *testing.T) {
		dao := newDAO(t)
		payload := bytes.Repeat([]byte("0123456789"), 10_000)
		if err := dao.SaveStream(ctx, bucket, "big", bytes.NewReader(payload)); err != nil {
			t.Fatalf("SaveStream: %v", err)
		}
		got, err := dao.ReadBytes(ctx, bucket, "big")
		if err != nil {
			t.Fatalf("ReadBytes: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("stream content mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	})

	t.Run("missing blob", func(t *testing.T) {
		dao := newDAO(t)
		_, err := dao.ReadBytes(ctx, bucket, "missing")
		if !errors.Is(err, blob.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = dao.Read(ctx, bucket, "missing")
		if !errors.Is(err, blob.ErrNotFound) {
			t.Errorf("expected ErrNotFound from Read, got %v", err)
		}
	})

	t.Run("buckets are isolated", func(t *testing.T) {
		dao := newDAO(t)
		_ = dao.Save(ctx, bucket, "a", []byte("default"))
		_ = dao.Save(ctx, other, "a", []byte("other"))
		got, _ := dao.ReadBytes(ctx, other, "a")
		if string(got) != "other" {
			t.Errorf("expected other, got %q", got)
		}
		got, _ = dao.ReadBytes(ctx, bucket, "a")
		if string(got) != "default" {
			t.Errorf("expected default, got %q", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		dao := newDAO(t)
		_ = dao.Save(ctx, bucket, "a", []byte("1"))
		_ = dao.Save(ctx, bucket, "b", []byte("2"))
		_ = dao.Save(ctx, bucket, "c", []byte("3"))
		if err := dao.Delete(ctx, bucket, "a", "b", "unknown"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		ids, err := dao.ListBlobs(ctx, bucket)
		if err != nil {
			t.Fatalf("ListBlobs: %v", err)
		}
		if len(ids) != 1 || ids[0] != "c" {
			t.Errorf("expected [c], got %v", ids)
		}
		if err := dao.Delete(ctx, other, "x"); err != nil {
			t.Errorf("delete in missing bucket: %v", err)
		}
	})

	t.Run("delete bucket", func(t *testing.T) {
		dao := newDAO(t)
		_ = dao.Save(ctx, bucket, "a", []byte("1"))
		_ = dao.Save(ctx, other, "a", []byte("1"))
		if err := dao.DeleteBucket(ctx, other); err != nil {
			t.Fatalf("DeleteBucket: %v", err)
		}
		if _, err := dao.ReadBytes(ctx, other, "a"); !errors.Is(err, blob.ErrNotFound) {
			t.Errorf("expected ErrNotFound after bucket deletion, got %v", err)
		}
		if _, err := dao.ReadBytes(ctx, bucket, "a"); err != nil {
			t.Errorf("other bucket affected: %v", err)
		}
		if err := dao.DeleteBucket(ctx, "never-created"); err != nil {
			t.Errorf("deleting missing bucket: %v", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		dao := newDAO(t)
		_ = dao.Save(ctx, bucket, "b", []byte("1"))
		_ = dao.Save(ctx, bucket, "a", []byte("1"))
		_ = dao.Save(ctx, other, "z", []byte("1"))

		buckets, err := dao.ListBuckets(ctx)
		if err != nil {
			t.Fatalf("ListBuckets: %v", err)
		}
		if !slices.Contains(buckets, bucket) || !slices.Contains(buckets, other) {
			t.Errorf("expected both buckets, got %v", buckets)
		}

		ids, err := dao.ListBlobs(ctx, bucket)
		if err != nil {
			t.Fatalf("ListBlobs: %v", err)
		}
		slices.Sort(ids)
		if strings.Join(toStrings(ids), ",") != "a,b" {
			t.Errorf("expected [a b], got %v", ids)
		}

		ids, err = dao.ListBlobs(ctx, "empty")
		if err != nil {
			t.Fatalf("ListBlobs on empty bucket: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no blobs, got %v", ids)
		}
	})
}

func toStrings(ids []blob.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
