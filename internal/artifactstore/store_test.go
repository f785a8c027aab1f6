package artifactstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcache/internal/cachekey"
)

func quiet() Option { return WithLogger(log.New(io.Discard)) }

func testKey(s string) cachekey.Key {
	return cachekey.New([]byte(s), cachekey.Arch{Major: 8, Minor: 6}, cachekey.Options{})
}

func TestOpen_LoadsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	key := testKey("123")
	require.NoError(t, os.WriteFile(filepath.Join(dir, key.String()+".bin"), []byte{1, 2, 3, 4}, 0o600))

	s := Open(dir, quiet())
	require.True(t, s.Persistent())

	got, ok := s.Lookup(key, KindBinary)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, got)

	_, ok = s.Lookup(testKey("999"), KindBinary)
	require.False(t, ok)
	_, ok = s.Lookup(key, KindText)
	require.False(t, ok)
}

func TestAdd_RoundTripThroughFreshStore(t *testing.T) {
	dir := t.TempDir()
	key := testKey("kernel")
	ptx := []byte(".version 8.0\n.target sm_86\n")
	cubin := []byte{0x7f, 'E', 'L', 'F', 2, 1}

	s := Open(dir, quiet())
	require.NoError(t, s.Add(key, KindText, ptx))
	require.NoError(t, s.Add(key, KindBinary, cubin))

	onDisk, err := os.ReadFile(filepath.Join(dir, key.String()+".ptx"))
	require.NoError(t, err)
	require.Equal(t, ptx, onDisk)

	fresh := Open(dir, quiet())
	got, ok := fresh.Lookup(key, KindText)
	require.True(t, ok)
	require.Equal(t, ptx, got)
	got, ok = fresh.Lookup(key, KindBinary)
	require.True(t, ok)
	require.Equal(t, cubin, got)
	require.Len(t, fresh.Entries(), 2)
}

func TestAdd_CopiesInput(t *testing.T) {
	s := Open("", quiet())
	key := testKey("copy")
	buf := []byte("abc")
	require.NoError(t, s.Add(key, KindText, buf))
	buf[0] = 'x'
	got, _ := s.Lookup(key, KindText)
	require.Equal(t, []byte("abc"), got)
}

func TestAdd_ReplaceAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir, quiet())
	key := testKey("tuned")

	require.NoError(t, s.Add(key, KindBinary, []byte("v1")))
	path := filepath.Join(dir, FileName(key, KindBinary))
	st1, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Add(key, KindBinary, []byte("v1")))
	st2, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, os.SameFile(st1, st2), "identical re-add must not rewrite the file")

	require.NoError(t, s.Add(key, KindBinary, []byte("v2")))
	got, _ := s.Lookup(key, KindBinary)
	require.Equal(t, []byte("v2"), got)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), onDisk)
}

func TestAdd_UnknownKind(t *testing.T) {
	s := Open("", quiet())
	err := s.Add(testKey("x"), Kind(9), []byte("y"))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestOpen_MissingDirectoryDegradesToMemory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "absent")
	s := Open(dir, quiet())
	require.False(t, s.Persistent())

	key := testKey("mem")
	require.NoError(t, s.Add(key, KindText, []byte("ptx")))
	got, ok := s.Lookup(key, KindText)
	require.True(t, ok)
	require.Equal(t, []byte("ptx"), got)

	_, err := os.Stat(dir)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpen_CreateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s := Open(dir, quiet(), WithCreate(true))
	require.True(t, s.Persistent())
	require.NoError(t, s.Add(testKey("a"), KindText, []byte("a")))

	st, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, st.IsDir())
}

func TestOpen_DisabledWhenNoDirectory(t *testing.T) {
	s := Open("", quiet())
	require.False(t, s.Persistent())
	require.Empty(t, s.Entries())
	require.Equal(t, "", s.Dir())
}

func TestOpen_SkipsUnusableFiles(t *testing.T) {
	dir := t.TempDir()
	good := testKey("good")
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(good, KindText)), []byte("ok"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "123.bin"), []byte{1}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempPrefix+"abc"), []byte("partial"), 0o600))
	// A directory that looks like an artifact cannot be read as one.
	require.NoError(t, os.Mkdir(filepath.Join(dir, FileName(testKey("dir"), KindBinary)), 0o700))

	var logs bytes.Buffer
	s := Open(dir, WithLogger(log.New(&logs)), WithJobs(2))
	require.True(t, s.Persistent())
	require.Len(t, s.Entries(), 1)
	got, ok := s.Lookup(good, KindText)
	require.True(t, ok)
	require.Equal(t, []byte("ok"), got)

	require.Contains(t, logs.String(), "skipping cache file")
	require.Contains(t, logs.String(), "README")
	require.NotContains(t, logs.String(), tempPrefix+"abc")
}

func TestAdd_WriteFailureKeepsMemoryEntry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.Mkdir(dir, 0o700))

	var logs bytes.Buffer
	s := Open(dir, WithLogger(log.New(&logs)))
	require.True(t, s.Persistent())
	require.NoError(t, os.RemoveAll(dir))

	key := testKey("lost")
	err := s.Add(key, KindBinary, []byte("cubin"))
	require.ErrorIs(t, err, ErrPersistentWrite)

	got, ok := s.Lookup(key, KindBinary)
	require.True(t, ok)
	require.Equal(t, []byte("cubin"), got)
	require.Equal(t, uint64(1), s.Stats().WriteFailures)
	require.Contains(t, logs.String(), "cannot persist artifact")
}

func TestStore_ConcurrentAddAndLookup(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir, quiet())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := testKey(string(rune('a' + i)))
			assert.NoError(t, s.Add(key, KindText, []byte{byte(i)}))
			got, ok := s.Lookup(key, KindText)
			assert.True(t, ok)
			assert.Equal(t, []byte{byte(i)}, got)
		}(i)
	}
	wg.Wait()

	require.Len(t, Open(dir, quiet()).Entries(), 16)
}

func TestAdd_OtherSlotsNotBlockedByWrite(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir, quiet())
	busy := testKey("busy")

	// Simulate a slow write in progress for one slot.
	wl := s.writeLock(slot{key: busy, kind: KindBinary})
	wl.Lock()

	done := make(chan error, 2)
	go func() { done <- s.Add(testKey("free"), KindBinary, []byte("cubin")) }()
	go func() { done <- s.Add(busy, KindText, []byte("ptx")) }()
	for n := 0; n < 2; n++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			wl.Unlock()
			t.Fatal("Add for an unrelated slot waited on another slot's write")
		}
	}

	blocked := make(chan error, 1)
	go func() { blocked <- s.Add(busy, KindBinary, []byte("late")) }()
	select {
	case <-blocked:
		t.Fatal("Add for a slot with a write in progress did not wait")
	case <-time.After(50 * time.Millisecond):
	}
	wl.Unlock()
	require.NoError(t, <-blocked)

	got, err := os.ReadFile(filepath.Join(dir, FileName(busy, KindBinary)))
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), got)
}

func TestAdd_SameSlotLastWriteMatchesDisk(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir, quiet())
	key := testKey("contended")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Add(key, KindBinary, []byte{byte(i)}))
		}(i)
	}
	wg.Wait()

	mem, ok := s.Lookup(key, KindBinary)
	require.True(t, ok)
	disk, err := os.ReadFile(filepath.Join(dir, FileName(key, KindBinary)))
	require.NoError(t, err)
	require.Equal(t, mem, disk)
}

func TestStats(t *testing.T) {
	s := Open(t.TempDir(), quiet())
	k := testKey("s")
	require.NoError(t, s.Add(k, KindText, []byte("1234")))
	require.NoError(t, s.Add(k, KindBinary, []byte("12")))
	_, _ = s.Lookup(k, KindText)
	_, _ = s.Lookup(testKey("other"), KindText)

	st := s.Stats()
	require.True(t, st.Persistent)
	require.Equal(t, 1, st.Texts)
	require.Equal(t, 1, st.Binaries)
	require.Equal(t, 2, st.Entries())
	require.Equal(t, int64(6), st.Bytes)
	require.Equal(t, uint64(1), st.Hits)
	require.Equal(t, uint64(1), st.Misses)
}

func TestParseFileName(t *testing.T) {
	k := testKey("name")
	key, kind, err := ParseFileName(k.String() + ".ptx")
	require.NoError(t, err)
	require.Equal(t, k, key)
	require.Equal(t, KindText, kind)

	key, kind, err = ParseFileName(FileName(k, KindBinary))
	require.NoError(t, err)
	require.Equal(t, k, key)
	require.Equal(t, KindBinary, kind)

	for _, bad := range []string{"x.o", k.String(), "zz.ptx", "123.bin"} {
		_, _, err := ParseFileName(bad)
		require.Error(t, err, bad)
	}
}

func TestScan_ReportsDirectoryError(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "nope"), 1)
	require.ErrorIs(t, err, ErrDirectoryUnavailable)
}
