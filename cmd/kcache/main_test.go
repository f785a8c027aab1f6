package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcache/internal/artifactstore"
	"kcache/internal/buildpipeline"
	"kcache/internal/cachekey"
	"kcache/internal/config"
)

func withState(t *testing.T, cfg config.Config) {
	t.Helper()
	orig, origNoColor := state, color.NoColor
	state = runState{cfg: cfg, logger: log.New(io.Discard)}
	color.NoColor = true
	t.Cleanup(func() { state, color.NoColor = orig, origNoColor })
}

func TestReadUIMode(t *testing.T) {
	for in, want := range map[string]uiMode{"": uiModeAuto, "AUTO": uiModeAuto, "on": uiModeOn, " off ": uiModeOff} {
		got, err := readUIMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := readUIMode("sometimes")
	require.Error(t, err)
}

func TestOutputBase(t *testing.T) {
	assert.Equal(t, filepath.Join("kernels", "reduce"), outputBase(filepath.Join("kernels", "reduce.ll"), ""))
	assert.Equal(t, filepath.Join("out", "reduce"), outputBase(filepath.Join("kernels", "reduce.ll"), "out"))
}

func TestReadRequests_Deduplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "k.ll")
	require.NoError(t, os.WriteFile(path, []byte("define void @k()"), 0o600))

	reqs, err := readRequests([]string{path, path + "/../k.ll"}, cachekey.Arch{Major: 8, Minor: 6}, cachekey.Options{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, []byte("define void @k()"), reqs[0].IR)

	_, err = readRequests([]string{filepath.Join(dir, "missing.ll")}, cachekey.Arch{}, cachekey.Options{})
	require.Error(t, err)
}

func TestWriteOutputs(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "b.cubin")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))

	results := []buildpipeline.Result{
		{Name: filepath.Join("src", "a.ll"), PTX: []byte("ptx-a"), Cubin: []byte("cubin-a")},
		{Name: "b.ll", PTX: []byte("ptx-b"), Fallback: true},
		{Name: "c.ll", Err: errors.New("llc failed")},
	}
	require.NoError(t, writeOutputs(results, dir))

	got, err := os.ReadFile(filepath.Join(dir, "a.cubin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cubin-a"), got)
	got, err = os.ReadFile(filepath.Join(dir, "b.ptx"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ptx-b"), got)
	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, filepath.Join(dir, "c.ptx"))
}

func TestWriteOutputs_RejectsSharedBase(t *testing.T) {
	dir := t.TempDir()
	results := []buildpipeline.Result{
		{Name: filepath.Join("a", "k.ll"), PTX: []byte("ptx-a"), Cubin: []byte("cubin-a")},
		{Name: filepath.Join("b", "k.ll"), PTX: []byte("ptx-b"), Cubin: []byte("cubin-b")},
	}
	err := writeOutputs(results, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(dir, "k"))
	assert.NoFileExists(t, filepath.Join(dir, "k.ptx"))
	assert.NoFileExists(t, filepath.Join(dir, "k.cubin"))
}

func TestCheckOutputBases(t *testing.T) {
	a, b := filepath.Join("a", "k.ll"), filepath.Join("b", "k.ll")
	require.NoError(t, checkOutputBases([]string{a, b}, ""))
	require.Error(t, checkOutputBases([]string{a, b}, "out"))
	require.Error(t, checkOutputBases([]string{a, filepath.Join("a", "k.bc")}, ""))
	require.NoError(t, checkOutputBases([]string{a, "./" + a}, "out"))
}

func TestPrintResults(t *testing.T) {
	withState(t, config.Default())
	key := cachekey.New([]byte("ir"), cachekey.Arch{Major: 8, Minor: 6}, cachekey.Options{})
	results := []buildpipeline.Result{
		{Name: "a.ll", Key: key, Cubin: make([]byte, 2048), Sources: map[buildpipeline.Stage]buildpipeline.Source{
			buildpipeline.StageLower: buildpipeline.SourceDisk, buildpipeline.StageAssemble: buildpipeline.SourceDisk,
		}},
		{Name: "b.ll", Fallback: true, FallbackReason: errors.New("ptxas: bad\nmore detail")},
		{Name: "c.ll", Err: errors.New("boom")},
	}
	var buf bytes.Buffer
	printResults(&buf, results)
	out := buf.String()
	assert.Contains(t, out, "ok       a.ll ("+key.Short()+", 2.0 KiB, disk)")
	assert.Contains(t, out, "fallback b.ll (ptx only: ptxas: bad)")
	assert.NotContains(t, out, "more detail")
	assert.Contains(t, out, "error    c.ll: boom")
}

func TestCacheVerify(t *testing.T) {
	dir := t.TempDir()
	key := cachekey.New([]byte("ir"), cachekey.Arch{Major: 9, Minor: 0}, cachekey.Options{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifactstore.FileName(key, artifactstore.KindBinary)), []byte("ELF"), 0o600))

	cfg := config.Default()
	cfg.Cache.Dir = dir
	withState(t, cfg)

	var buf bytes.Buffer
	cacheVerifyCmd.SetOut(&buf)
	t.Cleanup(func() { cacheVerifyCmd.SetOut(nil) })

	require.NoError(t, cacheVerifyCmd.RunE(cacheVerifyCmd, nil))
	assert.Contains(t, buf.String(), "ok 1 artifacts")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	buf.Reset()
	err := cacheVerifyCmd.RunE(cacheVerifyCmd, nil)
	require.ErrorContains(t, err, "1 of 2 files are unusable")
	assert.Contains(t, buf.String(), "notes.txt")
}

func TestCacheCommandsNeedDirectory(t *testing.T) {
	withState(t, config.Default())
	require.ErrorIs(t, cacheLsCmd.RunE(cacheLsCmd, nil), errNoCacheDir)
	require.ErrorIs(t, cacheVerifyCmd.RunE(cacheVerifyCmd, nil), errNoCacheDir)
}

func TestRenderVersionJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderVersionJSON(&buf, versionInfo{Version: "1.0.0", GoVersion: "go1.25.1"}, true))
	assert.Contains(t, buf.String(), `"tool": "kcache"`)
	assert.Contains(t, buf.String(), `"git_commit": "unknown"`)
}
