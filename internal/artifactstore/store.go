package artifactstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"kcache/internal/cachekey"
)

var (
	// ErrDirectoryUnavailable means the store directory could not be listed.
	// The store then runs in memory only.
	ErrDirectoryUnavailable = errors.New("artifact directory unavailable")
	// ErrPersistentWrite means an artifact was cached in memory but could not
	// be written to disk.
	ErrPersistentWrite = errors.New("artifact write failed")
	// ErrUnknownKind is returned by Add for a kind other than KindText or KindBinary.
	ErrUnknownKind = errors.New("unknown artifact kind")
)

type slot struct {
	key  cachekey.Key
	kind Kind
}

// Store is an in-memory index over a directory of artifact files.
// It is safe for concurrent use.
type Store struct {
	dir        string
	persistent bool
	logger     *log.Logger

	mu    sync.RWMutex
	index map[slot][]byte

	// writeLocks order index replacement and the matching file write per
	// slot, so the last Add for a slot is also the file left on disk. Adds
	// for different slots write in parallel. Guarded by mu.
	writeLocks map[slot]*sync.Mutex

	hits          atomic.Uint64
	misses        atomic.Uint64
	writeFailures atomic.Uint64
}

type options struct {
	logger *log.Logger
	create bool
	jobs   int
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used for skipped files and write failures.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCreate makes Open create a missing directory.
func WithCreate(create bool) Option {
	return func(o *options) { o.create = create }
}

// WithJobs bounds the number of files read concurrently while opening.
func WithJobs(n int) Option {
	return func(o *options) { o.jobs = n }
}

// Open loads every artifact in dir. An empty dir gives a disabled,
// memory-only store.
func Open(dir string, opts ...Option) *Store {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	s := &Store{
		dir:    dir,
		logger: o.logger.With("component", "artifactstore"),
		index:  make(map[slot][]byte),

		writeLocks: make(map[slot]*sync.Mutex),
	}
	if dir == "" {
		s.logger.Debug("persistent cache disabled: no directory configured")
		return s
	}

	if o.create {
		if err := mkdir(dir); err != nil {
			s.logger.Warn("cannot create cache directory", "dir", dir, "err", err)
		}
	}

	res, err := Scan(dir, o.jobs)
	if err != nil {
		s.logger.Warn("persistent cache unavailable, continuing in memory", "err", err)
		return s
	}
	s.persistent = true
	for _, sk := range res.Skipped {
		s.logger.Warn("skipping cache file", "dir", dir, "file", sk.Name, "err", sk.Reason)
	}
	for _, a := range res.Artifacts {
		s.index[slot{key: a.Key, kind: a.Kind}] = a.Data
	}
	s.logger.Debug("persistent cache loaded", "dir", dir, "artifacts", len(res.Artifacts), "skipped", len(res.Skipped))
	return s
}

func mkdir(dirname string) error {
	st, err := os.Stat(dirname)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err = os.MkdirAll(dirname, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dirname, err)
		}
		return nil
	case err != nil:
		return err
	case !st.IsDir():
		return fmt.Errorf("%s is not a directory", dirname)
	}
	return nil
}

// Dir returns the directory the store was opened with.
func (s *Store) Dir() string { return s.dir }

// Persistent reports whether Add writes through to disk.
func (s *Store) Persistent() bool { return s.persistent }

// Lookup returns the artifact for (key, kind). It never reads the disk.
// The returned slice is shared and must not be modified.
func (s *Store) Lookup(key cachekey.Key, kind Kind) ([]byte, bool) {
	s.mu.RLock()
	data, ok := s.index[slot{key: key, kind: kind}]
	s.mu.RUnlock()
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return data, ok
}

// Add records data for (key, kind) and, for a persistent store, writes it to
// disk before returning. A write error wraps ErrPersistentWrite; the in-memory
// entry is kept regardless.
func (s *Store) Add(key cachekey.Key, kind Kind, data []byte) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	data = bytes.Clone(data)
	if data == nil {
		data = []byte{}
	}
	sl := slot{key: key, kind: kind}

	wl := s.writeLock(sl)
	wl.Lock()
	defer wl.Unlock()

	s.mu.Lock()
	prev, existed := s.index[sl]
	if existed && bytes.Equal(prev, data) {
		s.mu.Unlock()
		return nil
	}
	s.index[sl] = data
	s.mu.Unlock()

	if !s.persistent {
		return nil
	}
	path := filepath.Join(s.dir, FileName(key, kind))
	if err := writeFileAtomic(path, data); err != nil {
		s.writeFailures.Add(1)
		s.logger.Warn("cannot persist artifact", "key", key.Short(), "kind", kind, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrPersistentWrite, path, err)
	}
	return nil
}

func (s *Store) writeLock(sl slot) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.writeLocks[sl]
	if !ok {
		l = new(sync.Mutex)
		s.writeLocks[sl] = l
	}
	return l
}

// writeFileAtomic writes data next to path and renames it into place, so a
// concurrent Open never reads a half-written artifact.
func writeFileAtomic(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Entry describes one indexed artifact.
type Entry struct {
	Key  cachekey.Key
	Kind Kind
	Size int
}

// Entries lists the index sorted by key, then kind.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.index))
	for sl, data := range s.index {
		out = append(out, Entry{Key: sl.key, Kind: sl.kind, Size: len(data)})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Key[:], out[j].Key[:]); c != 0 {
			return c < 0
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Stats is a snapshot of store counters.
type Stats struct {
	Dir           string
	Persistent    bool
	Texts         int
	Binaries      int
	Bytes         int64
	Hits          uint64
	Misses        uint64
	WriteFailures uint64
}

// Entries returns the total number of indexed artifacts.
func (st Stats) Entries() int { return st.Texts + st.Binaries }

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Dir:           s.dir,
		Persistent:    s.persistent,
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		WriteFailures: s.writeFailures.Load(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sl, data := range s.index {
		switch sl.kind {
		case KindText:
			st.Texts++
		case KindBinary:
			st.Binaries++
		}
		st.Bytes += int64(len(data))
	}
	return st
}
