package compilecache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrCompileFailed wraps the error reported to the caller whose computation
// failed.
var ErrCompileFailed = errors.New("compilation failed")

// ComputeFunc produces the artifact for key.
type ComputeFunc[K comparable] func(key K) ([]byte, error)

// entry is the per-key state. Entries live behind pointers so that a waiter's
// reference survives any growth of the table.
type entry struct {
	mu       sync.Mutex
	cond     *sync.Cond
	done     bool
	failed   bool
	artifact []byte
}

func newEntry() *entry {
	e := &entry{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Cache is a concurrency-safe, grow-only map from key to artifact.
type Cache[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry

	hits     atomic.Uint64
	misses   atomic.Uint64
	waits    atomic.Uint64
	failures atomic.Uint64
}

// New returns an empty Cache.
func New[K comparable]() *Cache[K] {
	return &Cache[K]{entries: make(map[K]*entry)}
}

// GetOrCompile returns the artifact for key, running compute if no caller has
// done so yet.
//
// Only the caller that ran a failing compute sees a non-nil error. An empty
// result with a nil error means the key failed earlier.
func (c *Cache[K]) GetOrCompile(key K, compute ComputeFunc[K]) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = newEntry()
		c.entries[key] = e
	}
	c.mu.Unlock()

	if ok {
		return c.wait(e), nil
	}
	c.misses.Add(1)
	return c.compute(key, e, compute)
}

func (c *Cache[K]) wait(e *entry) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		c.hits.Add(1)
		return e.artifact
	}
	c.waits.Add(1)
	for !e.done {
		e.cond.Wait()
	}
	return e.artifact
}

func (c *Cache[K]) compute(key K, e *entry, compute ComputeFunc[K]) (artifact []byte, err error) {
	completed := false
	defer func() {
		if completed {
			return
		}
		// compute panicked: release the waiters before the panic unwinds.
		c.complete(e, nil)
	}()

	artifact, err = compute(key)
	if err != nil {
		artifact = nil
	}
	c.complete(e, artifact)
	completed = true

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}
	return artifact, nil
}

func (c *Cache[K]) complete(e *entry, artifact []byte) {
	if len(artifact) == 0 {
		artifact = nil
		c.failures.Add(1)
	}
	e.mu.Lock()
	e.artifact = artifact
	e.failed = artifact == nil
	e.done = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Lookup returns the artifact for key without computing it. done is false when
// the key was never requested or is still being computed.
func (c *Cache[K]) Lookup(key K) (artifact []byte, done bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.artifact, e.done
}

// Len returns the number of keys ever requested.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries  int    // distinct keys requested
	Pending  int    // keys whose computation has not finished
	Failed   int    // keys completed with the empty artifact
	Hits     uint64 // calls answered from a completed entry
	Misses   uint64 // calls that ran the computation
	Waits    uint64 // calls that blocked on another caller's computation
	Failures uint64 // computations that ended empty
}

// Stats returns the current counters.
func (c *Cache[K]) Stats() Stats {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	st := Stats{
		Entries:  len(entries),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Waits:    c.waits.Load(),
		Failures: c.failures.Load(),
	}
	for _, e := range entries {
		e.mu.Lock()
		switch {
		case !e.done:
			st.Pending++
		case e.failed:
			st.Failed++
		}
		e.mu.Unlock()
	}
	return st
}
