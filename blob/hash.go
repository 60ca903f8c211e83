package blob

import (
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"lukechampine.com/blake3"
)

// Hasher names the content hash used by the deduplicating store.
type Hasher string

const (
	SHA256  Hasher = "sha256"
	BLAKE3  Hasher = "blake3"
	BLAKE2b Hasher = "blake2b"
)

// Valid reports whether h is a known hasher.
func (h Hasher) Valid() bool {
	switch h {
	case SHA256, BLAKE3, BLAKE2b:
		return true
	}
	return false
}

func (h Hasher) newHash() hash.Hash {
	switch h {
	case BLAKE3:
		return blake3.New(32, nil)
	case BLAKE2b:
		// Only fails for an oversized key.
		hh, _ := blake2b.New256(nil)
		return hh
	default:
		return sha256.New()
	}
}

// Sum returns the unpadded base64url digest of data.
func (h Hasher) Sum(data []byte) string {
	var sum [32]byte
	switch h {
	case BLAKE3:
		sum = blake3.Sum256(data)
	case BLAKE2b:
		sum = blake2b.Sum256(data)
	default:
		sum = sha256.Sum256(data)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Writer returns a writer that hashes what passes through it, and a function
// reporting the digest once writing is done.
func (h Hasher) Writer() (io.Writer, func() string) {
	hh := h.newHash()
	return hh, func() string {
		return base64.RawURLEncoding.EncodeToString(hh.Sum(nil))
	}
}
