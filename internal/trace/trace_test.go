package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{LevelOff, LevelError, LevelStage, LevelArtifact, LevelDebug} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		require.Equal(t, l, got)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestLevel_ShouldEmit(t *testing.T) {
	require.False(t, LevelOff.ShouldEmit(ScopeCommand))
	require.False(t, LevelError.ShouldEmit(ScopeCommand))
	require.True(t, LevelStage.ShouldEmit(ScopeStage))
	require.False(t, LevelStage.ShouldEmit(ScopeArtifact))
	require.True(t, LevelArtifact.ShouldEmit(ScopeArtifact))
	require.False(t, LevelArtifact.ShouldEmit(ScopeIO))
	require.True(t, LevelDebug.ShouldEmit(ScopeIO))
}

func TestStreamTracer_FiltersByScope(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelStage, FormatText)

	span := Begin(tr, ScopeStage, "assemble", 0)
	Begin(tr, ScopeArtifact, "store.lookup", span.ID()).End("hit")
	span.WithExtra("key", "abc").End("done")

	out := buf.String()
	require.Contains(t, out, "→ assemble")
	require.Contains(t, out, "← assemble (done) {key=abc}")
	require.NotContains(t, out, "store.lookup")
}

func TestStreamTracer_NDJSON(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelDebug, FormatNDJSON)
	Point(tr, ScopeIO, "write", "ok", 7)

	var got map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got))
	require.Equal(t, "point", got["kind"])
	require.Equal(t, "io", got["scope"])
	require.Equal(t, "write", got["name"])
	require.EqualValues(t, 7, got["parent_id"])
}

func TestRingTracer_Wraps(t *testing.T) {
	r := NewRingTracer(3, LevelDebug)
	for _, name := range []string{"a", "b", "c", "d"} {
		r.Emit(&Event{Kind: KindPoint, Scope: ScopeStage, Name: name})
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "b", snap[0].Name)
	require.Equal(t, "d", snap[2].Name)

	var buf bytes.Buffer
	require.NoError(t, r.Dump(&buf, FormatText))
	require.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

func TestRingTracer_ErrorLevelKeepsEverything(t *testing.T) {
	r := NewRingTracer(8, LevelError)
	r.Emit(&Event{Kind: KindPoint, Scope: ScopeIO, Name: "x"})
	require.Len(t, r.Snapshot(), 1)
}

func TestNew(t *testing.T) {
	tr, err := New(Config{Level: LevelOff})
	require.NoError(t, err)
	require.False(t, tr.Enabled())

	var buf bytes.Buffer
	tr, err = New(Config{Level: LevelStage, Mode: ModeBoth, Output: &buf})
	require.NoError(t, err)
	multi, ok := tr.(*MultiTracer)
	require.True(t, ok)
	require.NotNil(t, multi.Ring())
	Begin(tr, ScopeCommand, "build", 0).End("")
	require.NotEmpty(t, buf.String())
	require.Len(t, multi.Ring().Snapshot(), 2)

	_, err = New(Config{Level: LevelStage, Mode: StorageMode(42)})
	require.Error(t, err)
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, Nop, FromContext(ctx))

	r := NewRingTracer(4, LevelDebug)
	ctx = WithTracer(ctx, r)
	require.Equal(t, Tracer(r), FromContext(ctx))

	span := Begin(r, ScopeCommand, "build", 0)
	ctx = WithSpan(ctx, span)
	require.Equal(t, span.ID(), ParentID(ctx))
}

func TestDisabledSpanIsSafe(t *testing.T) {
	s := Begin(Nop, ScopeCommand, "x", 0)
	require.Zero(t, s.ID())
	require.Zero(t, s.WithExtra("a", "b").End(""))
	var nilSpan *Span
	require.Zero(t, nilSpan.End(""))
}

func TestHeartbeat(t *testing.T) {
	r := NewRingTracer(64, LevelStage)
	h := StartHeartbeat(r, 5*time.Millisecond)
	require.NotNil(t, h)
	require.Eventually(t, func() bool { return len(r.Snapshot()) >= 2 }, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()
	require.Equal(t, KindHeartbeat, r.Snapshot()[0].Kind)

	require.Nil(t, StartHeartbeat(Nop, time.Millisecond))
}
