// Package compilecache memoizes expensive compilations in process memory with
// single-flight semantics.
//
// For every distinct key the compute function runs at most once for the life
// of the Cache. Concurrent callers for a key that is being computed block until
// it completes and then share its result. Computations for different keys run
// in parallel: the table lock is held only to find or insert an entry, never
// while computing.
//
// A failed computation is not retried. The entry completes with an empty
// artifact; the caller that ran the computation receives the error and every
// other caller for that key receives the empty artifact with a nil error.
// Callers treat an empty artifact as "compilation unavailable" and take their
// fallback path.
//
// There is no cancellation and no timeout. A computation that never returns
// blocks every present and future caller of its key forever; other keys are
// unaffected.
package compilecache
