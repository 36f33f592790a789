// Package metrics provides compile metrics collection.
//
// The Collector accumulates counters across jobs in one process. It is a leaf
// package with no internal dependencies: outcomes, failure reasons and
// diagnostic categories are passed as strings. A Collector can forward every
// observation to a PrometheusRecorder for export.
package metrics

import (
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time view of all metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Job lifecycle
	JobsStarted      int64
	JobsSucceeded    int64
	JobsFailed       int64
	FailuresByReason map[string]int64

	// Attempts
	Attempts          int64
	AttemptsByOutcome map[string]int64
	AttemptDuration   time.Duration

	// Retry controller decisions
	Reruns           int64
	RepairsRequested int64
	RepairFailures   int64
	TimeoutRetries   int64

	// Diagnostics
	DiagnosticsByCategory map[string]int64

	// Artifact storage
	StorageWriteSuccess int64
	StorageWriteFailure int64

	// Dimensions (informational, set at construction)
	Engine         string
	StorageBackend string
}

// Collector accumulates compile metrics.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	jobsStarted      int64
	jobsSucceeded    int64
	jobsFailed       int64
	failuresByReason map[string]int64

	attempts          int64
	attemptsByOutcome map[string]int64
	attemptDuration   time.Duration

	reruns           int64
	repairsRequested int64
	repairFailures   int64
	timeoutRetries   int64

	diagnosticsByCategory map[string]int64

	storageWriteSuccess int64
	storageWriteFailure int64

	engine         string
	storageBackend string

	prom *PrometheusRecorder
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(engine, storageBackend string) *Collector {
	return &Collector{
		failuresByReason:      make(map[string]int64),
		attemptsByOutcome:     make(map[string]int64),
		diagnosticsByCategory: make(map[string]int64),
		engine:                engine,
		storageBackend:        storageBackend,
	}
}

// WithPrometheus forwards subsequent observations to p.
// Call before the collector is shared.
func (c *Collector) WithPrometheus(p *PrometheusRecorder) *Collector {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	c.prom = p
	c.mu.Unlock()
	return c
}

// --- Job lifecycle ---

// IncJobStarted records a job leaving the pending state.
func (c *Collector) IncJobStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsStarted++
	c.mu.Unlock()
	c.prom.incJob("started")
}

// IncJobSucceeded records a job that produced an artifact.
func (c *Collector) IncJobSucceeded() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsSucceeded++
	c.mu.Unlock()
	c.prom.incJob("succeeded")
}

// IncJobFailed records a failed job and its failure reason.
func (c *Collector) IncJobFailed(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsFailed++
	c.failuresByReason[reason]++
	c.mu.Unlock()
	c.prom.incJobFailure(reason)
}

// --- Attempts ---

// ObserveAttempt records one classified attempt with its diagnostic categories.
func (c *Collector) ObserveAttempt(outcome string, d time.Duration, categories []string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.attempts++
	c.attemptsByOutcome[outcome]++
	c.attemptDuration += d
	for _, cat := range categories {
		c.diagnosticsByCategory[cat]++
	}
	c.mu.Unlock()
	c.prom.observeAttempt(outcome, d, categories)
}

// --- Retry controller decisions ---

// IncRerun records an automatic multi-pass rerun.
func (c *Collector) IncRerun() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.reruns++
	c.mu.Unlock()
	c.prom.incRetry("rerun")
}

// IncRepairRequested records a call to the repair collaborator.
func (c *Collector) IncRepairRequested() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.repairsRequested++
	c.mu.Unlock()
	c.prom.incRetry("repair")
}

// IncRepairFailure records a repair collaborator error.
func (c *Collector) IncRepairFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.repairFailures++
	c.mu.Unlock()
	c.prom.incRetry("repair_failed")
}

// IncTimeoutRetry records a retry after a timed-out attempt.
func (c *Collector) IncTimeoutRetry() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.timeoutRetries++
	c.mu.Unlock()
	c.prom.incRetry("timeout")
}

// --- Artifact storage ---
// Storage counters are per-call: persisting one attempt is one write.

// IncStorageWriteSuccess records a successful artifact write.
func (c *Collector) IncStorageWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storageWriteSuccess++
	c.mu.Unlock()
	c.prom.incStorageWrite("success")
}

// IncStorageWriteFailure records a failed artifact write.
func (c *Collector) IncStorageWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storageWriteFailure++
	c.mu.Unlock()
	c.prom.incStorageWrite("failure")
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		JobsStarted:      c.jobsStarted,
		JobsSucceeded:    c.jobsSucceeded,
		JobsFailed:       c.jobsFailed,
		FailuresByReason: copyCounts(c.failuresByReason),

		Attempts:          c.attempts,
		AttemptsByOutcome: copyCounts(c.attemptsByOutcome),
		AttemptDuration:   c.attemptDuration,

		Reruns:           c.reruns,
		RepairsRequested: c.repairsRequested,
		RepairFailures:   c.repairFailures,
		TimeoutRetries:   c.timeoutRetries,

		DiagnosticsByCategory: copyCounts(c.diagnosticsByCategory),

		StorageWriteSuccess: c.storageWriteSuccess,
		StorageWriteFailure: c.storageWriteFailure,

		Engine:         c.engine,
		StorageBackend: c.storageBackend,
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
