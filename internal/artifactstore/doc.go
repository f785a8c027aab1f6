// Package artifactstore is the persistent, content-addressed mirror of
// compilation artifacts.
//
// A store is a directory holding one file per (key, kind). The file stem is the
// hex form of a cachekey.Key and the suffix names the kind:
//
//	<64 hex chars>.ptx   intermediate text
//	<64 hex chars>.bin   final binary
//
// File contents are the raw artifact bytes with no framing.
//
// Every file is read into memory once, when the store is opened. After that,
// Lookup never touches the disk and Add writes through synchronously. For best
// latency keep one small directory per model holding only the artifacts that
// model needs: once it is warm, a run performs no disk I/O at all.
//
// Opening never fails. A missing or unreadable directory yields an empty store
// that keeps artifacts in memory only; unreadable files are skipped. There is
// no eviction and no size bound.
package artifactstore
