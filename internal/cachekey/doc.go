// Package cachekey derives the content-addressed keys that name compilation
// artifacts.
//
// A key is a SHA-256 digest over the program representation, the target
// architecture and the compiler options. Nothing else participates: no
// pointers, no map iteration order, no process state. The same inputs give the
// same key in every process, which is what lets artifacts written by one run be
// found by the next.
//
//	key := cachekey.New(ir, cachekey.Arch{Major: 8, Minor: 6}, opts)
//	name := key.String() // 64 hex characters, used as the file stem
package cachekey
