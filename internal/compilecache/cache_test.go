package compilecache

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCompile_SingleFlight(t *testing.T) {
	c := New[string]()
	const callers = 32

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(key string) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("cubin:" + key), nil
	}

	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := c.GetOrCompile("k", compute)
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	// Give every goroutine the chance to reach the entry before it completes.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := range results {
		require.Equal(t, []byte("cubin:k"), results[i], "caller %d", i)
	}
	st := c.Stats()
	require.Equal(t, 1, st.Entries)
	require.Equal(t, uint64(1), st.Misses)
	require.Equal(t, uint64(callers-1), st.Hits+st.Waits)
}

func TestGetOrCompile_TwoCallersShareResult(t *testing.T) {
	c := New[int]()
	var counter atomic.Int32
	compute := func(int) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		counter.Add(1)
		return []byte("X"), nil
	}

	var wg sync.WaitGroup
	out := make([][]byte, 2)
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.GetOrCompile(42, compute)
			assert.NoError(t, err)
			out[i] = res
		}(i)
	}
	wg.Wait()

	require.Equal(t, []byte("X"), out[0])
	require.Equal(t, []byte("X"), out[1])
	require.Equal(t, int32(1), counter.Load())
}

func TestGetOrCompile_DistinctKeysRunInParallel(t *testing.T) {
	c := New[int]()
	const keys = 8
	const delay = 100 * time.Millisecond

	start := time.Now()
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			_, err := c.GetOrCompile(k, func(int) ([]byte, error) {
				time.Sleep(delay)
				return []byte{byte(k)}, nil
			})
			assert.NoError(t, err)
		}(k)
	}
	wg.Wait()
	elapsed := time.Since(start)

	require.Less(t, elapsed, keys*delay/2, "computations for distinct keys were serialized")
	require.Equal(t, keys, c.Len())
}

func TestGetOrCompile_HungKeyDoesNotBlockOthers(t *testing.T) {
	c := New[string]()
	hang := make(chan struct{})
	defer close(hang)

	go func() {
		_, _ = c.GetOrCompile("stuck", func(string) ([]byte, error) {
			<-hang
			return []byte("late"), nil
		})
	}()
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)

	done := make(chan []byte, 1)
	go func() {
		out, _ := c.GetOrCompile("free", func(string) ([]byte, error) { return []byte("ok"), nil })
		done <- out
	}()
	select {
	case out := <-done:
		require.Equal(t, []byte("ok"), out)
	case <-time.After(time.Second):
		t.Fatal("unrelated key blocked behind an in-flight computation")
	}

	_, finished := c.Lookup("stuck")
	require.False(t, finished)
}

func TestGetOrCompile_FailureIsCachedAsEmpty(t *testing.T) {
	c := New[int]()
	boom := errors.New("ptxas exited with status 255")

	out, err := c.GetOrCompile(7, func(int) ([]byte, error) { return nil, boom })
	require.Empty(t, out)
	require.ErrorIs(t, err, ErrCompileFailed)
	require.ErrorIs(t, err, boom)

	called := false
	out, err = c.GetOrCompile(7, func(int) ([]byte, error) {
		called = true
		return []byte("should not run"), nil
	})
	require.NoError(t, err)
	require.Empty(t, out)
	require.False(t, called)

	artifact, done := c.Lookup(7)
	require.True(t, done)
	require.Nil(t, artifact)

	st := c.Stats()
	require.Equal(t, 1, st.Failed)
	require.Equal(t, uint64(1), st.Failures)
}

func TestGetOrCompile_FailureDiscardsPartialOutput(t *testing.T) {
	c := New[int]()
	_, err := c.GetOrCompile(1, func(int) ([]byte, error) {
		return []byte("partial"), errors.New("truncated")
	})
	require.Error(t, err)
	out, err := c.GetOrCompile(1, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestGetOrCompile_WaitersOfFailedKeyGetSentinel(t *testing.T) {
	c := New[int]()
	release := make(chan struct{})
	started := make(chan struct{})

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompile(3, func(int) ([]byte, error) {
			close(started)
			<-release
			return nil, errors.New("nope")
		})
		firstErr <- err
	}()
	<-started

	type result struct {
		out []byte
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		out, err := c.GetOrCompile(3, func(int) ([]byte, error) { return []byte("never"), nil })
		waiter <- result{out, err}
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)

	require.ErrorIs(t, <-firstErr, ErrCompileFailed)
	w := <-waiter
	require.NoError(t, w.err)
	require.Empty(t, w.out)
}

func TestGetOrCompile_PanicReleasesWaiters(t *testing.T) {
	c := New[string]()
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		defer func() { _ = recover() }()
		_, _ = c.GetOrCompile("p", func(string) ([]byte, error) {
			close(started)
			<-release
			panic("backend bug")
		})
	}()
	<-started

	waiter := make(chan []byte, 1)
	go func() {
		out, _ := c.GetOrCompile("p", nil)
		waiter <- out
	}()
	close(release)

	select {
	case out := <-waiter:
		require.Empty(t, out)
	case <-time.After(time.Second):
		t.Fatal("waiter stuck after compute panicked")
	}
	_, done := c.Lookup("p")
	require.True(t, done)
}

func TestGetOrCompile_PanicPropagates(t *testing.T) {
	c := New[int]()
	require.PanicsWithValue(t, "backend bug", func() {
		_, _ = c.GetOrCompile(1, func(int) ([]byte, error) { panic("backend bug") })
	})
}

func TestGetOrCompile_ArtifactIsImmutable(t *testing.T) {
	c := New[int]()
	first, err := c.GetOrCompile(1, func(int) ([]byte, error) { return []byte("abc"), nil })
	require.NoError(t, err)
	second, err := c.GetOrCompile(1, func(int) ([]byte, error) { return []byte("xyz"), nil })
	require.NoError(t, err)
	require.True(t, bytes.Equal(first, second))
	require.Equal(t, []byte("abc"), second)
}

func TestLookup_Absent(t *testing.T) {
	c := New[int]()
	out, done := c.Lookup(99)
	require.Nil(t, out)
	require.False(t, done)
	require.Zero(t, c.Len())
}

func TestCompositeKeys(t *testing.T) {
	type key struct {
		ptx   string
		major int
		minor int
	}
	c := New[key]()
	var calls atomic.Int32
	compute := func(k key) ([]byte, error) {
		calls.Add(1)
		return []byte(k.ptx), nil
	}
	_, _ = c.GetOrCompile(key{"a", 8, 6}, compute)
	_, _ = c.GetOrCompile(key{"a", 8, 6}, compute)
	_, _ = c.GetOrCompile(key{"a", 8, 0}, compute)
	_, _ = c.GetOrCompile(key{"b", 8, 6}, compute)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 3, c.Len())
}
