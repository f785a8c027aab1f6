// Package buildpipeline turns kernel IR into a cubin through the two cache
// layers: the persistent artifact store and the in-process compile-once
// caches.
package buildpipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"kcache/internal/artifactstore"
	"kcache/internal/cachekey"
	"kcache/internal/compilecache"
	"kcache/internal/toolchain"
	"kcache/internal/trace"
)

// ErrLowerFailed is returned when no PTX could be produced for a request.
// Unlike a failed assembly there is nothing to fall back to.
var ErrLowerFailed = errors.New("lowering to PTX failed")

// assembleKey identifies one assembler invocation. Options are kept in their
// canonical encoding so the key stays comparable.
type assembleKey struct {
	ptx  string
	arch cachekey.Arch
	opts string
}

// Backend compiles kernels, sharing results across every caller in the
// process. Construct one at startup and pass it to all call sites.
type Backend struct {
	store   *artifactstore.Store
	invoker toolchain.Invoker
	logger  *log.Logger
	sink    ProgressSink

	texts  *compilecache.Cache[cachekey.Key]
	cubins *compilecache.Cache[assembleKey]

	fallbacks atomic.Uint64
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(b *Backend) { b.logger = l } }

// WithProgress sets the sink used by CompileTargetBinary.
func WithProgress(s ProgressSink) Option { return func(b *Backend) { b.sink = s } }

// New returns a Backend over store and invoker. A nil store means no
// persistence.
func New(store *artifactstore.Store, invoker toolchain.Invoker, opts ...Option) *Backend {
	b := &Backend{
		store:   store,
		invoker: invoker,
		texts:   compilecache.New[cachekey.Key](),
		cubins:  compilecache.New[assembleKey](),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.Default()
	}
	if b.store == nil {
		b.store = artifactstore.Open("", artifactstore.WithLogger(b.logger))
	}
	return b
}

// Store returns the persistent store.
func (b *Backend) Store() *artifactstore.Store { return b.store }

// CompileTargetBinary produces PTX and, when the assembler succeeds, a cubin
// for req. An error is returned only when no PTX could be produced; a failed
// assembly yields a Result with Fallback set.
func (b *Backend) CompileTargetBinary(ctx context.Context, req Request) (Result, error) {
	return b.compile(ctx, req, b.sink)
}

func (b *Backend) compile(ctx context.Context, req Request, sink ProgressSink) (Result, error) {
	tr := trace.FromContext(ctx)
	span := trace.Begin(tr, trace.ScopeStage, "compile "+req.Name, trace.ParentID(ctx))
	ctx = trace.WithSpan(ctx, span)

	key := cachekey.New(req.IR, req.Arch, req.Options)
	span.WithExtra("key", key.Short()).WithExtra("arch", req.Arch.String())
	res := Result{Name: req.Name, Key: key, Sources: make(map[Stage]Source, 2)}
	logger := b.logger.With("kernel", req.Name, "key", key.Short(), "arch", req.Arch.String())

	emit(sink, req.Name, StageLower, StatusWorking, "", nil, 0)
	start := time.Now()
	ptx, src, err := b.lower(ctx, key, req)
	res.Timings.Set(StageLower, time.Since(start))
	res.Sources[StageLower] = src
	if err != nil {
		emit(sink, req.Name, StageLower, StatusError, src, err, res.Timings.Duration(StageLower))
		span.End("lower failed")
		return res, err
	}
	res.PTX = ptx
	emit(sink, req.Name, StageLower, StatusDone, src, nil, res.Timings.Duration(StageLower))

	emit(sink, req.Name, StageAssemble, StatusWorking, "", nil, 0)
	start = time.Now()
	cubin, src, asmErr := b.assemble(ctx, key, ptx, req)
	res.Timings.Set(StageAssemble, time.Since(start))
	res.Sources[StageAssemble] = src
	elapsed := res.Timings.Duration(StageAssemble)

	if len(cubin) == 0 {
		b.fallbacks.Add(1)
		res.Fallback = true
		res.FallbackReason = asmErr
		if asmErr != nil {
			logger.Warn("ptxas failed, leaving compilation to the driver", "err", asmErr)
		} else {
			logger.Debug("assembly previously failed, leaving compilation to the driver")
		}
		emit(sink, req.Name, StageAssemble, StatusFallback, src, asmErr, elapsed)
		span.End("fallback")
		return res, nil
	}
	res.Cubin = cubin
	emit(sink, req.Name, StageAssemble, StatusDone, src, nil, elapsed)
	span.End(string(src))
	return res, nil
}

// lower returns the PTX for key, once per key per process.
func (b *Backend) lower(ctx context.Context, key cachekey.Key, req Request) ([]byte, Source, error) {
	src := SourceMemory
	ptx, err := b.texts.GetOrCompile(key, func(cachekey.Key) ([]byte, error) {
		if cached, ok := b.store.Lookup(key, artifactstore.KindText); ok && len(cached) > 0 {
			src = SourceDisk
			return cached, nil
		}
		src = SourceCompiled
		span := trace.Begin(trace.FromContext(ctx), trace.ScopeArtifact, "llc", trace.ParentID(ctx))
		// The result is shared with every other caller of this key, so a
		// cancelled caller must not cut it short.
		out, err := b.invoker.Lower(context.WithoutCancel(ctx), req.IR, req.Arch, req.Options)
		span.End(errString(err))
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, errors.New("llc produced empty output")
		}
		b.persist(key, artifactstore.KindText, out)
		return out, nil
	})
	if err != nil {
		return nil, SourceNone, fmt.Errorf("%w: %s: %w", ErrLowerFailed, req.Name, err)
	}
	if len(ptx) == 0 {
		return nil, SourceNone, fmt.Errorf("%w: %s: failed earlier in this process", ErrLowerFailed, req.Name)
	}
	return ptx, src, nil
}

// assemble returns the cubin for ptx, once per (ptx, arch, options) per
// process. An empty cubin means assembly is unavailable; err is non-nil only
// for the caller that ran the failing assembler.
func (b *Backend) assemble(ctx context.Context, key cachekey.Key, ptx []byte, req Request) ([]byte, Source, error) {
	ak := assembleKey{ptx: string(ptx), arch: req.Arch, opts: string(req.Options.Canonical())}
	src := SourceMemory
	cubin, err := b.cubins.GetOrCompile(ak, func(assembleKey) ([]byte, error) {
		if cached, ok := b.store.Lookup(key, artifactstore.KindBinary); ok && len(cached) > 0 {
			src = SourceDisk
			return cached, nil
		}
		src = SourceCompiled
		span := trace.Begin(trace.FromContext(ctx), trace.ScopeArtifact, "ptxas", trace.ParentID(ctx))
		out, err := b.invoker.Assemble(context.WithoutCancel(ctx), ptx, req.Arch, req.Options)
		span.End(errString(err))
		if err != nil {
			return nil, err
		}
		b.persist(key, artifactstore.KindBinary, out)
		return out, nil
	})
	if err != nil || len(cubin) == 0 {
		return nil, SourceNone, err
	}
	if src == SourceMemory {
		// Different IR can lower to identical PTX; record the cubin under
		// this request's key too so the next process finds it directly.
		if _, ok := b.store.Lookup(key, artifactstore.KindBinary); !ok {
			b.persist(key, artifactstore.KindBinary, cubin)
		}
	}
	return cubin, src, nil
}

// persist writes through to the store. Failures are logged by the store and
// never fail the compilation.
func (b *Backend) persist(key cachekey.Key, kind artifactstore.Kind, data []byte) {
	if len(data) == 0 {
		return
	}
	_ = b.store.Add(key, kind, data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Stats aggregates both cache layers.
type Stats struct {
	Lower     compilecache.Stats
	Assemble  compilecache.Stats
	Store     artifactstore.Stats
	Fallbacks uint64
}

// Stats returns the current counters.
func (b *Backend) Stats() Stats {
	return Stats{
		Lower:     b.texts.Stats(),
		Assemble:  b.cubins.Stats(),
		Store:     b.store.Stats(),
		Fallbacks: b.fallbacks.Load(),
	}
}
