package cachekey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// schema is mixed into every key; bump it when the encoding below changes so
// that stale artifacts are simply never found.
const schema = "kcache/v2"

// ErrInvalidKey is returned by Parse for malformed key text.
var ErrInvalidKey = errors.New("invalid cache key")

// Key is a fixed 256-bit content digest.
type Key [sha256.Size]byte

// New derives the key for one compilation request.
//
// Every field is length-prefixed so that moving bytes between the
// representation and the options can never produce the same stream.
func New(representation []byte, arch Arch, opts Options) Key {
	h := sha256.New()
	var word [8]byte

	writeBlob := func(b []byte) {
		binary.LittleEndian.PutUint64(word[:], uint64(len(b)))
		_, _ = h.Write(word[:])
		_, _ = h.Write(b)
	}

	writeBlob([]byte(schema))
	writeBlob(representation)
	major, minor := arch.words()
	binary.LittleEndian.PutUint64(word[:], major)
	_, _ = h.Write(word[:])
	binary.LittleEndian.PutUint64(word[:], minor)
	_, _ = h.Write(word[:])
	writeBlob(opts.Canonical())

	var out Key
	copy(out[:], h.Sum(nil))
	return out
}

// String returns the canonical textual encoding: lowercase hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 12 hex characters, for logs.
func (k Key) Short() string {
	return k.String()[:12]
}

// Hash64 folds the key into 64 bits.
func (k Key) Hash64() uint64 {
	return binary.LittleEndian.Uint64(k[:8])
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Parse decodes the textual encoding produced by String.
func Parse(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(len(k)) {
		return Key{}, fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidKey, s, len(s), hex.EncodedLen(len(k)))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, fmt.Errorf("%w: %q: %w", ErrInvalidKey, s, err)
	}
	if k.String() != s {
		return Key{}, fmt.Errorf("%w: %q is not lowercase", ErrInvalidKey, s)
	}
	return k, nil
}
