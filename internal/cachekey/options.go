package cachekey

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Options are the compiler options that change the produced artifact.
type Options struct {
	// DisableOptimizations lowers both tools to -O0.
	DisableOptimizations bool `msgpack:"disable_opt" toml:"disable_optimizations"`
	// ToolkitDir is the preferred toolkit installation; its bin/ is searched
	// before PATH.
	ToolkitDir string `msgpack:"toolkit_dir" toml:"toolkit_dir"`
	// ExtraFlags are appended to the assembler command line. Order matters.
	ExtraFlags []string `msgpack:"extra_flags" toml:"extra_flags"`
}

// Canonical returns the deterministic byte form of o that participates in key
// derivation. A nil and an empty ExtraFlags slice encode identically.
func (o Options) Canonical() []byte {
	norm := o
	if len(norm.ExtraFlags) == 0 {
		norm.ExtraFlags = []string{}
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&norm); err != nil {
		// unreachable for this struct
		return []byte(err.Error())
	}
	return buf.Bytes()
}

// Equal reports whether o and other produce the same canonical form.
func (o Options) Equal(other Options) bool {
	return bytes.Equal(o.Canonical(), other.Canonical())
}
