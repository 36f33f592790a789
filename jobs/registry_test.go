package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/artifacts"
	kilnlode "github.com/pithecene-io/kiln/lode"
	"github.com/pithecene-io/kiln/retry"
	"github.com/pithecene-io/kiln/sandbox"
	"github.com/pithecene-io/kiln/types"
)

const labelLog = "LaTeX Warning: Label(s) may have changed. Rerun to get cross-references right.\n"

func testSource() types.SourceTree {
	return types.NewSourceTree("main.tex", []byte("\\documentclass{article}\n\\begin{document}\nSee \\ref{x}.\n\\end{document}\n"))
}

func rendered(log string) *sandbox.Result {
	return &sandbox.Result{
		LogText:   log,
		Artifacts: map[string][]byte{"main.pdf": []byte("%PDF-1.7")},
		Aux:       map[string][]byte{"main.aux": []byte(`\relax`)},
	}
}

// cleanEngine renders every source without diagnostics.
var cleanEngine = sandbox.EngineFunc(func(context.Context, *types.SandboxSpec) (*sandbox.Result, error) {
	return rendered(""), nil
})

// blockingEngine holds each attempt until released or cancelled.
type blockingEngine struct {
	started  chan string
	release  chan struct{}
	inflight atomic.Int32
	peak     atomic.Int32
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{started: make(chan string, 16), release: make(chan struct{})}
}

func (e *blockingEngine) Run(ctx context.Context, spec *types.SandboxSpec) (*sandbox.Result, error) {
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	for {
		peak := e.peak.Load()
		if n <= peak || e.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	e.started <- spec.Entry
	select {
	case <-e.release:
		return rendered(""), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *blockingEngine) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-e.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for attempt to start")
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*adapter.JobCompletedEvent
	closed bool
}

func (n *fakeNotifier) Publish(_ context.Context, event *adapter.JobCompletedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func newTestRegistry(t *testing.T, config Config) *Registry {
	t.Helper()
	if config.Backoff == (retry.Policy{}) {
		config.Backoff = retry.NoDelay()
	}
	r, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitResult(t *testing.T, r *Registry, id string) *types.RunReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	report, err := r.Result(ctx, id, true)
	require.NoError(t, err)
	return report
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err, "engine is required")

	_, err = New(Config{Engine: cleanEngine, MaxConcurrent: -1})
	require.Error(t, err)

	r, err := New(Config{Engine: cleanEngine})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrent, cap(r.sem))
	assert.Equal(t, DefaultNotifyTimeout, r.config.NotifyTimeout)
}

func TestSubmit_CleanSource(t *testing.T) {
	r := newTestRegistry(t, Config{Engine: cleanEngine})

	id, err := r.Submit(Request{Source: testSource(), Budget: 2})
	require.NoError(t, err)
	require.Len(t, id, 26, "job ids are ULIDs")

	report := waitResult(t, r, id)
	assert.Equal(t, types.JobStatusSucceeded, report.Status)
	assert.Equal(t, 1, report.TotalAttempts)
	assert.Equal(t, id, report.JobID)
}

func TestSubmit_InvalidRequest(t *testing.T) {
	r := newTestRegistry(t, Config{Engine: cleanEngine})

	_, err := r.Submit(Request{Source: testSource(), Budget: -1})
	require.Error(t, err)

	_, err = r.Submit(Request{Source: types.SourceTree{Entry: "main.tex"}})
	require.Error(t, err)

	assert.Empty(t, r.List())
}

func TestSubmit_IdenticalSourcesAreIndependent(t *testing.T) {
	// First pass asks for a rerun; the rerun (with carried aux) is clean.
	var calls atomic.Int32
	engine := sandbox.EngineFunc(func(_ context.Context, spec *types.SandboxSpec) (*sandbox.Result, error) {
		calls.Add(1)
		if len(spec.Carry) == 0 {
			return rendered(labelLog), nil
		}
		return rendered(""), nil
	})
	r := newTestRegistry(t, Config{Engine: engine})

	first, err := r.Submit(Request{Source: testSource(), Budget: 1})
	require.NoError(t, err)
	firstReport := waitResult(t, r, first)

	second, err := r.Submit(Request{Source: testSource(), Budget: 1})
	require.NoError(t, err)
	secondReport := waitResult(t, r, second)

	assert.NotEqual(t, first, second)
	for _, report := range []*types.RunReport{firstReport, secondReport} {
		assert.Equal(t, types.JobStatusSucceeded, report.Status)
		assert.Equal(t, 2, report.TotalAttempts)
		assert.True(t, report.Attempts[1].Rerun)
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestCancel_Running(t *testing.T) {
	engine := newBlockingEngine()
	r := newTestRegistry(t, Config{Engine: engine})

	id, err := r.Submit(Request{Source: testSource(), Budget: 2})
	require.NoError(t, err)
	engine.waitStarted(t)

	snapshot, err := r.Result(t.Context(), id, false)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, snapshot.Status)

	require.NoError(t, r.Cancel(id))
	report := waitResult(t, r, id)
	assert.Equal(t, types.JobStatusFailed, report.Status)
	assert.Equal(t, types.FailureCancelled, report.Reason)
	assert.False(t, report.Environmental)

	require.NoError(t, r.Cancel(id), "cancelling a finished job is a no-op")
}

func TestCancel_Pending(t *testing.T) {
	engine := newBlockingEngine()
	r := newTestRegistry(t, Config{Engine: engine, MaxConcurrent: 1})

	running, err := r.Submit(Request{Source: testSource()})
	require.NoError(t, err)
	engine.waitStarted(t)

	pending, err := r.Submit(Request{Source: testSource()})
	require.NoError(t, err)
	snapshot, err := r.Result(t.Context(), pending, false)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, snapshot.Status)

	require.NoError(t, r.Cancel(pending))
	report := waitResult(t, r, pending)
	assert.Equal(t, types.FailureCancelled, report.Reason)
	assert.Equal(t, 0, report.TotalAttempts)

	close(engine.release)
	assert.Equal(t, types.JobStatusSucceeded, waitResult(t, r, running).Status)
}

func TestSubmit_DeadlineCancels(t *testing.T) {
	engine := newBlockingEngine()
	r := newTestRegistry(t, Config{Engine: engine})

	id, err := r.Submit(Request{Source: testSource(), Deadline: time.Now().Add(50 * time.Millisecond)})
	require.NoError(t, err)

	report := waitResult(t, r, id)
	assert.Equal(t, types.JobStatusFailed, report.Status)
	assert.Equal(t, types.FailureCancelled, report.Reason)
}

func TestSubmit_TimeLimitOverride(t *testing.T) {
	var limit atomic.Int64
	engine := sandbox.EngineFunc(func(_ context.Context, spec *types.SandboxSpec) (*sandbox.Result, error) {
		limit.Store(int64(spec.TimeLimit))
		return rendered(""), nil
	})
	r := newTestRegistry(t, Config{Engine: engine, Settings: types.SandboxSettings{TimeLimit: time.Minute}})

	id, err := r.Submit(Request{Source: testSource()})
	require.NoError(t, err)
	waitResult(t, r, id)
	assert.Equal(t, time.Minute, time.Duration(limit.Load()))

	id, err = r.Submit(Request{Source: testSource(), TimeLimit: 5 * time.Second})
	require.NoError(t, err)
	waitResult(t, r, id)
	assert.Equal(t, 5*time.Second, time.Duration(limit.Load()))
}

func TestMaxConcurrent(t *testing.T) {
	engine := newBlockingEngine()
	r := newTestRegistry(t, Config{Engine: engine, MaxConcurrent: 2})

	ids := make([]string, 5)
	for i := range ids {
		id, err := r.Submit(Request{Source: testSource()})
		require.NoError(t, err)
		ids[i] = id
	}
	engine.waitStarted(t)
	engine.waitStarted(t)
	close(engine.release)

	for _, id := range ids {
		assert.Equal(t, types.JobStatusSucceeded, waitResult(t, r, id).Status)
	}
	assert.LessOrEqual(t, engine.peak.Load(), int32(2))

	list := r.List()
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].JobID, list[i].JobID)
	}
}

func TestUnknownJob(t *testing.T) {
	r := newTestRegistry(t, Config{Engine: cleanEngine})

	_, err := r.Result(t.Context(), "nope", false)
	assert.True(t, errors.Is(err, ErrJobNotFound))
	assert.True(t, errors.Is(r.Cancel("nope"), ErrJobNotFound))
}

func TestResult_WaitHonoursContext(t *testing.T) {
	engine := newBlockingEngine()
	r := newTestRegistry(t, Config{Engine: engine})

	id, err := r.Submit(Request{Source: testSource()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Result(ctx, id, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReportsAndNotifier(t *testing.T) {
	factory := kilnlode.SharedFactory(lode.NewMemory())
	ledger, err := kilnlode.NewLedger(factory)
	require.NoError(t, err)
	manager := artifacts.NewManager(kilnlode.NewFileStore(factory), ledger)
	notifier := &fakeNotifier{}

	r := newTestRegistry(t, Config{
		Engine:   cleanEngine,
		Recorder: manager,
		Reports:  manager,
		Notifier: notifier,
	})

	id, err := r.Submit(Request{Source: testSource()})
	require.NoError(t, err)
	waitResult(t, r, id)

	stored, err := manager.ReadReport(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSucceeded, stored.Status)
	assert.Equal(t, []string{"jobs/" + id + "/attempt-001/main.pdf"}, stored.Artifacts)

	rec, err := ledger.Job(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", rec.Status)

	// Notification follows the result becoming visible.
	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.events) == 1
	}, 5*time.Second, 10*time.Millisecond)

	notifier.mu.Lock()
	event := notifier.events[0]
	notifier.mu.Unlock()
	assert.Equal(t, id, event.JobID)
	assert.Equal(t, "jobs/"+id+"/report.json", event.ReportKey)
	assert.Equal(t, adapter.EventTypeJobCompleted, event.EventType)
}

func TestShutdown(t *testing.T) {
	engine := newBlockingEngine()
	notifier := &fakeNotifier{}
	r, err := New(Config{Engine: engine, Notifier: notifier, Backoff: retry.NoDelay()})
	require.NoError(t, err)

	id, err := r.Submit(Request{Source: testSource()})
	require.NoError(t, err)
	engine.waitStarted(t)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	report, err := r.Result(t.Context(), id, false)
	require.NoError(t, err)
	assert.Equal(t, types.FailureCancelled, report.Reason)

	_, err = r.Submit(Request{Source: testSource()})
	assert.ErrorIs(t, err, ErrRegistryClosed)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.True(t, notifier.closed)
	assert.Len(t, notifier.events, 1)
}
