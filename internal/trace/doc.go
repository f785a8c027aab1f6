// Package trace records spans and point events for kcache operations.
//
// Tracing answers "where did the time go" and "what is stuck": every build,
// every compilation stage and every cache decision can be emitted as an
// event. Because a hung external tool blocks its key forever, a heartbeat can
// be enabled to show that the process is alive while a span never ends.
//
// # Usage
//
//	kcache build --trace=- --trace-level=artifact kernel.ll
//
// Tracers travel through context:
//
//	ctx = trace.WithTracer(ctx, tracer)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopeStage, "assemble", parent)
//	defer span.End("")
//
// # Levels
//
//   - LevelOff: nothing
//   - LevelError: nothing during normal operation, ring dumps only
//   - LevelStage: commands and pipeline stages
//   - LevelArtifact: per-key cache decisions
//   - LevelDebug: everything
package trace
