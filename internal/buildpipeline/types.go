package buildpipeline

import (
	"time"

	"kcache/internal/cachekey"
)

// Stage describes a pipeline phase.
type Stage string

const (
	// StageLower turns IR into PTX.
	StageLower Stage = "lower"
	// StageAssemble turns PTX into a cubin.
	StageAssemble Stage = "assemble"
)

// Status captures progress state within a stage.
type Status string

const (
	// StatusQueued indicates the request is waiting to start.
	StatusQueued Status = "queued"
	// StatusWorking indicates the request is in this stage.
	StatusWorking Status = "working"
	// StatusDone indicates the stage finished.
	StatusDone Status = "done"
	// StatusFallback indicates no cubin was produced; the driver will JIT the PTX.
	StatusFallback Status = "fallback"
	// StatusError indicates the request failed.
	StatusError Status = "error"
)

// Source tells where a stage's artifact came from.
type Source string

const (
	// SourceCompiled means the external tool ran.
	SourceCompiled Source = "compiled"
	// SourceDisk means the persistent store had it.
	SourceDisk Source = "disk"
	// SourceMemory means another request in this process produced it.
	SourceMemory Source = "memory"
	// SourceNone means the stage produced nothing.
	SourceNone Source = "none"
)

// Event reports progress for one request.
type Event struct {
	Name    string
	Stage   Stage
	Status  Status
	Source  Source
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events. OnEvent may be called from several
// goroutines at once.
type ProgressSink interface {
	OnEvent(Event)
}

// Request is one kernel to compile.
type Request struct {
	Name    string // display name, usually the input path
	IR      []byte
	Arch    cachekey.Arch
	Options cachekey.Options
}

// Result is the outcome of one request.
type Result struct {
	Name string
	Key  cachekey.Key
	PTX  []byte
	// Cubin is empty when Fallback is set.
	Cubin []byte
	// Fallback means the PTX must be handed to the driver's JIT instead of a
	// cubin.
	Fallback bool
	// FallbackReason is the assembler error. Only the request that ran the
	// failing assembly carries it; later requests for the same PTX see
	// Fallback with a nil reason.
	FallbackReason error
	Sources        map[Stage]Source
	Timings        Timings
	// Err is set by BuildAll for requests that failed outright.
	Err error
}

// Timings holds stage durations.
type Timings struct {
	stages map[Stage]time.Duration
}

func (t *Timings) ensure() {
	if t.stages == nil {
		t.stages = make(map[Stage]time.Duration)
	}
}

// Set stores a duration for the given stage.
func (t *Timings) Set(stage Stage, dur time.Duration) {
	if t == nil {
		return
	}
	t.ensure()
	t.stages[stage] = dur
}

// Has reports whether a duration for stage is recorded.
func (t Timings) Has(stage Stage) bool {
	if t.stages == nil {
		return false
	}
	_, ok := t.stages[stage]
	return ok
}

// Duration returns the recorded duration for stage.
func (t Timings) Duration(stage Stage) time.Duration {
	if t.stages == nil {
		return 0
	}
	return t.stages[stage]
}

// Sum returns the sum of durations across the provided stages.
func (t Timings) Sum(stages ...Stage) time.Duration {
	if t.stages == nil {
		return 0
	}
	var total time.Duration
	for _, stage := range stages {
		total += t.stages[stage]
	}
	return total
}
