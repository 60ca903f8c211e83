package blob_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/blob/memory"
)

func TestHasherSum(t *testing.T) {
	data := []byte("hello world")
	for _, h := range []blob.Hasher{blob.SHA256, blob.BLAKE3, blob.BLAKE2b} {
		t.Run(string(h), func(t *testing.T) {
			sum := h.Sum(data)
			if sum == "" {
				t.Fatal("empty digest")
			}
			if sum != h.Sum(data) {
				t.Error("digest is not stable")
			}
			if sum == h.Sum([]byte("hello world!")) {
				t.Error("different content produced the same digest")
			}

			w, done := h.Writer()
			_, _ = w.Write(data[:5])
			_, _ = w.Write(data[5:])
			if got := done(); got != sum {
				t.Errorf("streamed digest %s != %s", got, sum)
			}
		})
	}

	if blob.SHA256.Sum(data) == blob.BLAKE3.Sum(data) {
		t.Error("expected hashers to differ")
	}
}

func TestDeduplicating(t *testing.T) {
	ctx := context.Background()
	dao := memory.New()
	s, err := blob.NewDeduplicating(dao)
	if err != nil {
		t.Fatalf("NewDeduplicating: %v", err)
	}
	bucket := s.DefaultBucket()

	id1, err := s.Save(ctx, bucket, []byte("same"), blob.SizeBased)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	id2, err := s.SaveStream(ctx, bucket, bytes.NewReader([]byte("same")), blob.LowCost)
	if err != nil {
		t.Fatalf("SaveStream: %v", err)
	}
	if id1 != id2 {
		t.Errorf("same content should share an id: %s vs %s", id1, id2)
	}

	id3, _ := s.Save(ctx, bucket, []byte("different"), blob.SizeBased)
	if id3 == id1 {
		t.Error("different content should not share an id")
	}

	ids, _ := dao.ListBlobs(ctx, bucket)
	if len(ids) != 2 {
		t.Errorf("expected 2 stored blobs, got %d", len(ids))
	}

	if err := s.Delete(ctx, bucket, id1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := s.ReadBytes(ctx, bucket, id1, blob.SizeBased)
	if err != nil {
		t.Fatalf("blob should survive Delete: %v", err)
	}
	if string(got) != "same" {
		t.Errorf("expected same, got %q", got)
	}

	rc, err := s.Read(ctx, bucket, id3, blob.SizeBased)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	content, _ := io.ReadAll(rc)
	rc.Close()
	if string(content) != "different" {
		t.Errorf("expected different, got %q", content)
	}

	if err := s.DeleteBucket(ctx, bucket); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if _, err := s.ReadBytes(ctx, bucket, id3, blob.SizeBased); !blob.IsNotFound(err) {
		t.Errorf("expected not found after DeleteBucket, got %v", err)
	}
}

func TestPassThrough(t *testing.T) {
	ctx := context.Background()
	s, err := blob.NewPassThrough(memory.New(), blob.WithDefaultBucket("mail"))
	if err != nil {
		t.Fatalf("NewPassThrough: %v", err)
	}
	if s.DefaultBucket() != "mail" {
		t.Errorf("expected bucket mail, got %s", s.DefaultBucket())
	}

	id1, _ := s.Save(ctx, "mail", []byte("same"), blob.SizeBased)
	id2, _ := s.Save(ctx, "mail", []byte("same"), blob.SizeBased)
	if id1 == id2 {
		t.Error("pass-through ids must be unique")
	}

	if err := s.Delete(ctx, "mail", id1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.ReadBytes(ctx, "mail", id1, blob.SizeBased); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.ReadBytes(ctx, "mail", id2, blob.SizeBased); err != nil {
		t.Errorf("second blob should remain: %v", err)
	}
}

func TestStoreValidation(t *testing.T) {
	if _, err := blob.NewDeduplicating(nil); !errors.Is(err, blob.ErrDAORequired) {
		t.Errorf("expected ErrDAORequired, got %v", err)
	}
	s, _ := blob.NewPassThrough(memory.New())
	if _, err := s.Save(context.Background(), "Bad Bucket", nil, blob.SizeBased); !errors.Is(err, blob.ErrInvalidBucket) {
		t.Errorf("expected ErrInvalidBucket, got %v", err)
	}
}
