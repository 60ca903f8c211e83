package blob

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestBucketNameValidate(t *testing.T) {
	tests := []struct {
		name    BucketName
		wantErr bool
	}{
		{"default", false},
		{"mail-2024.archive_x", false},
		{"", true},
		{"Upper", true},
		{"with space", true},
		{"slash/name", true},
		{BucketName(strings.Repeat("a", 63)), false},
		{BucketName(strings.Repeat("a", 64)), true},
	}
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			err := tt.name.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestGenerationAwareID(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewGenerationAwareIDFactory(fixedClock(now))

	id := f.Of("abc")
	gen := f.CurrentGeneration(now)
	want := strings.Join([]string{strconv.FormatInt(gen, 10), "1", "abc"}, "_")
	if string(id) != want {
		t.Fatalf("expected %s, got %s", want, id)
	}

	parsed, err := f.ParseGenerationAware(string(id))
	if err != nil {
		t.Fatalf("ParseGenerationAware: %v", err)
	}
	if parsed.Generation != gen || parsed.Family != 1 || parsed.Delegate != "abc" {
		t.Errorf("unexpected parse result %+v", parsed)
	}

	t.Run("fresh id is not expired", func(t *testing.T) {
		if f.IsExpired(parsed, now) {
			t.Error("expected fresh id to be live")
		}
		if f.IsExpired(parsed, now.Add(DefaultGenerationDuration)) {
			t.Error("expected id to survive one generation")
		}
	})

	t.Run("expires after two generations", func(t *testing.T) {
		if !f.IsExpired(parsed, now.Add(2*DefaultGenerationDuration)) {
			t.Error("expected id to expire two generations later")
		}
	})

	t.Run("plain id has no generation", func(t *testing.T) {
		legacy, err := f.ParseGenerationAware("3f1c7a")
		if err != nil {
			t.Fatalf("ParseGenerationAware: %v", err)
		}
		if legacy.HasGeneration() {
			t.Errorf("expected no generation, got %+v", legacy)
		}
		if f.IsExpired(legacy, now.Add(100*DefaultGenerationDuration)) {
			t.Error("ids without generation never expire")
		}
		if legacy.ID() != "3f1c7a" {
			t.Errorf("expected bare delegate, got %s", legacy.ID())
		}
	})

	t.Run("random ids differ", func(t *testing.T) {
		if f.Random() == f.Random() {
			t.Error("expected distinct random ids")
		}
	})

	t.Run("empty string rejected", func(t *testing.T) {
		if _, err := f.Parse(""); err == nil {
			t.Error("expected error for empty id")
		}
	})
}
