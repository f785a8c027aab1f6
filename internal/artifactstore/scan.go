package artifactstore

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"kcache/internal/cachekey"
)

// tempPrefix marks files that are still being written.
const tempPrefix = ".tmp-"

// Artifact is one file found by Scan.
type Artifact struct {
	Key  cachekey.Key
	Kind Kind
	Path string
	Data []byte
}

// Skipped is a directory entry that Scan could not use.
type Skipped struct {
	Name   string
	Reason error
}

// ScanResult is what Scan found in a directory.
type ScanResult struct {
	Artifacts []Artifact
	Skipped   []Skipped
}

// Scan reads every artifact file in dir using up to jobs goroutines.
// Per-file failures are reported in ScanResult.Skipped; only a failure to list
// the directory itself is returned as an error.
func Scan(dir string, jobs int) (ScanResult, error) {
	var res ScanResult
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrDirectoryUnavailable, dir, err)
	}

	type candidate struct {
		name string
		key  cachekey.Key
		kind Kind
	}
	candidates := make([]candidate, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, tempPrefix) {
			continue
		}
		if de.IsDir() {
			res.Skipped = append(res.Skipped, Skipped{Name: name, Reason: fmt.Errorf("is a directory")})
			continue
		}
		key, kind, err := ParseFileName(name)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Name: name, Reason: err})
			continue
		}
		candidates = append(candidates, candidate{name: name, key: key, kind: kind})
	}

	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	// Slots are owned by one goroutine each, no lock needed.
	data := make([][]byte, len(candidates))
	readErrs := make([]error, len(candidates))

	var g errgroup.Group
	g.SetLimit(max(1, min(jobs, len(candidates))))
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			// #nosec G304 -- names come from listing the store directory
			b, err := os.ReadFile(filepath.Join(dir, c.name))
			data[i], readErrs[i] = b, err
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range candidates {
		if readErrs[i] != nil {
			res.Skipped = append(res.Skipped, Skipped{Name: c.name, Reason: readErrs[i]})
			continue
		}
		res.Artifacts = append(res.Artifacts, Artifact{
			Key:  c.key,
			Kind: c.kind,
			Path: filepath.Join(dir, c.name),
			Data: data[i],
		})
	}
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].Name < res.Skipped[j].Name })
	return res, nil
}
