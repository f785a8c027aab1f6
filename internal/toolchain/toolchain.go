// Package toolchain invokes the external tools that turn kernel IR into PTX and
// PTX into a cubin.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"kcache/internal/cachekey"
)

// ErrToolNotFound is returned when llc or ptxas cannot be located.
var ErrToolNotFound = errors.New("tool not found")

// Invoker performs the expensive translations. Implementations must be safe
// for concurrent use.
type Invoker interface {
	// Lower translates LLVM IR into PTX text.
	Lower(ctx context.Context, ir []byte, arch cachekey.Arch, opts cachekey.Options) ([]byte, error)
	// Assemble translates PTX text into a cubin.
	Assemble(ctx context.Context, ptx []byte, arch cachekey.Arch, opts cachekey.Options) ([]byte, error)
}

// Funcs adapts plain functions to Invoker.
type Funcs struct {
	LowerFunc    func(ctx context.Context, ir []byte, arch cachekey.Arch, opts cachekey.Options) ([]byte, error)
	AssembleFunc func(ctx context.Context, ptx []byte, arch cachekey.Arch, opts cachekey.Options) ([]byte, error)
}

// Lower implements Invoker.
func (f Funcs) Lower(ctx context.Context, ir []byte, arch cachekey.Arch, opts cachekey.Options) ([]byte, error) {
	if f.LowerFunc == nil {
		return nil, fmt.Errorf("lower: %w", ErrToolNotFound)
	}
	return f.LowerFunc(ctx, ir, arch, opts)
}

// Assemble implements Invoker.
func (f Funcs) Assemble(ctx context.Context, ptx []byte, arch cachekey.Arch, opts cachekey.Options) ([]byte, error) {
	if f.AssembleFunc == nil {
		return nil, fmt.Errorf("assemble: %w", ErrToolNotFound)
	}
	return f.AssembleFunc(ctx, ptx, arch, opts)
}

// Toolchain runs llc and ptxas as subprocesses.
type Toolchain struct {
	llc           string
	ptxas         string
	tmpRoot       string
	printCommands bool
	stdout        io.Writer
	logger        *log.Logger

	mu       sync.Mutex
	resolved map[toolRef]string
}

type toolRef struct {
	name       string
	toolkitDir string
}

// Option configures a Toolchain.
type Option func(*Toolchain)

// WithLLC overrides the llc executable (name or path). Empty keeps the default.
func WithLLC(path string) Option {
	return func(t *Toolchain) {
		if path != "" {
			t.llc = path
		}
	}
}

// WithPtxas overrides the ptxas executable (name or path). Empty keeps the
// default.
func WithPtxas(path string) Option {
	return func(t *Toolchain) {
		if path != "" {
			t.ptxas = path
		}
	}
}

// WithTempDir sets where per-invocation scratch directories are created.
func WithTempDir(dir string) Option { return func(t *Toolchain) { t.tmpRoot = dir } }

// WithPrintCommands echoes every command line to w before running it.
func WithPrintCommands(w io.Writer) Option {
	return func(t *Toolchain) {
		t.printCommands = w != nil
		t.stdout = w
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(t *Toolchain) { t.logger = l } }

// New returns a Toolchain using llc and ptxas from the toolkit or PATH.
func New(opts ...Option) *Toolchain {
	t := &Toolchain{llc: "llc", ptxas: "ptxas"}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = log.Default()
	}
	return t
}

// Lower implements Invoker with `llc -march=nvptx64`.
func (t *Toolchain) Lower(ctx context.Context, ir []byte, arch cachekey.Arch, opts cachekey.Options) ([]byte, error) {
	llc, err := t.resolve(t.llc, opts.ToolkitDir)
	if err != nil {
		return nil, err
	}
	args := []string{"-march=nvptx64", "-mcpu=" + arch.String(), optLevel(opts)}
	return t.translate(ctx, llc, ir, "in.ll", "out.ptx", args)
}

// Assemble implements Invoker with `ptxas`.
func (t *Toolchain) Assemble(ctx context.Context, ptx []byte, arch cachekey.Arch, opts cachekey.Options) ([]byte, error) {
	ptxas, err := t.resolve(t.ptxas, opts.ToolkitDir)
	if err != nil {
		return nil, err
	}
	args := []string{"--gpu-name", arch.String(), optLevel(opts)}
	args = append(args, opts.ExtraFlags...)
	return t.translate(ctx, ptxas, ptx, "in.ptx", "out.cubin", args)
}

func optLevel(opts cachekey.Options) string {
	if opts.DisableOptimizations {
		return "-O0"
	}
	return "-O3"
}

// translate writes input into a scratch directory, runs tool with
// `args... input -o output` and returns the output file contents.
func (t *Toolchain) translate(ctx context.Context, tool string, input []byte, inName, outName string, args []string) ([]byte, error) {
	tmpDir, err := os.MkdirTemp(t.tmpRoot, "kcache-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			t.logger.Warn("failed to remove scratch dir", "dir", tmpDir, "err", rmErr)
		}
	}()

	inPath := filepath.Join(tmpDir, inName)
	outPath := filepath.Join(tmpDir, outName)
	if err := os.WriteFile(inPath, input, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", inName, err)
	}
	args = append(append(args, inPath), "-o", outPath)
	if err := t.runCommand(ctx, tool, args...); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is inside our own scratch dir
	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("%s produced no output: %w", filepath.Base(tool), err)
	}
	return out, nil
}

func (t *Toolchain) runCommand(ctx context.Context, name string, args ...string) error {
	if t.printCommands {
		if _, err := fmt.Fprintf(t.stdout, "%s %s\n", name, strings.Join(args, " ")); err != nil {
			return fmt.Errorf("failed to print command: %w", err)
		}
	}
	t.logger.Debug("running tool", "tool", filepath.Base(name), "args", len(args))
	// #nosec G204 -- tool paths come from configuration
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
		return fmt.Errorf("%s: %s: %w", filepath.Base(name), msg, err)
	}
	return nil
}

// resolve looks a tool up once per (name, toolkit dir) for the Toolchain's
// lifetime. Failures are not remembered, so a tool installed mid-run is found.
func (t *Toolchain) resolve(name, toolkitDir string) (string, error) {
	ref := toolRef{name: name, toolkitDir: toolkitDir}
	t.mu.Lock()
	defer t.mu.Unlock()
	if path, ok := t.resolved[ref]; ok {
		return path, nil
	}
	path, err := lookTool(name, toolkitDir)
	if err != nil {
		return "", err
	}
	if t.resolved == nil {
		t.resolved = make(map[toolRef]string)
	}
	t.resolved[ref] = path
	t.logger.Debug("resolved tool", "name", name, "path", path)
	return path, nil
}

// lookTool resolves name: explicit paths are used as given, otherwise
// <toolkitDir>/bin is searched before PATH.
func lookTool(name, toolkitDir string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrToolNotFound, name, err)
		}
		return name, nil
	}
	if toolkitDir != "" {
		candidate := filepath.Join(toolkitDir, "bin", name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s (install the CUDA toolkit or set toolkit_dir)", ErrToolNotFound, name)
	}
	return path, nil
}
