package artifactstore

import (
	"fmt"
	"strings"

	"kcache/internal/cachekey"
)

// Kind distinguishes the two artifacts a compilation produces for one key.
type Kind uint8

const (
	// KindText is the intermediate assembly text.
	KindText Kind = iota + 1
	// KindBinary is the final binary object.
	KindBinary
)

var kinds = [...]Kind{KindText, KindBinary}

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Suffix returns the file name suffix for k.
func (k Kind) Suffix() string {
	switch k {
	case KindText:
		return ".ptx"
	case KindBinary:
		return ".bin"
	default:
		return ""
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindBinary
}

// FileName returns the file name used for (key, kind).
func FileName(key cachekey.Key, kind Kind) string {
	return key.String() + kind.Suffix()
}

// ParseFileName recovers (key, kind) from a file name written by the store.
func ParseFileName(name string) (cachekey.Key, Kind, error) {
	for _, kind := range kinds {
		stem, ok := strings.CutSuffix(name, kind.Suffix())
		if !ok {
			continue
		}
		key, err := cachekey.Parse(stem)
		if err != nil {
			return cachekey.Key{}, 0, err
		}
		return key, kind, nil
	}
	return cachekey.Key{}, 0, fmt.Errorf("unknown artifact suffix in %q", name)
}
