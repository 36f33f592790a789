// Package jobs runs compile jobs concurrently and tracks them by ID.
//
// Each submitted job runs its own retry controller on a dedicated goroutine.
// At most MaxConcurrent jobs run at once; the rest stay pending until a slot
// frees. The registry table is mutex-guarded: a job's RunState is written
// only by its goroutine and readers receive report snapshots.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/artifacts"
	"github.com/pithecene-io/kiln/lode"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/retry"
	"github.com/pithecene-io/kiln/runtime"
	"github.com/pithecene-io/kiln/sandbox"
	"github.com/pithecene-io/kiln/types"
)

// DefaultMaxConcurrent is the default number of jobs running at once.
const DefaultMaxConcurrent = 4

// DefaultNotifyTimeout bounds publishing one completion event, retries included.
const DefaultNotifyTimeout = 30 * time.Second

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrRegistryClosed is returned by Submit after Shutdown.
	ErrRegistryClosed = errors.New("job registry closed")
)

// ReportWriter persists final job reports.
type ReportWriter interface {
	WriteReport(ctx context.Context, report *types.RunReport) error
}

var _ ReportWriter = (*artifacts.Manager)(nil)

// Request is one compile submission.
type Request struct {
	// Source is the initial tree. It is copied on submit.
	Source types.SourceTree
	// Budget is the retry budget (>= 0).
	Budget int
	// TimeLimit overrides the per-attempt time limit when > 0.
	TimeLimit time.Duration
	// Deadline bounds the whole job when non-zero. Expiry cancels the job.
	Deadline time.Time
}

// Config configures a Registry.
type Config struct {
	// Engine runs compile attempts. Required.
	Engine sandbox.Engine
	// Repairer revises sources after content defects. May be nil.
	Repairer runtime.Repairer
	// Recorder persists attempts. May be nil.
	Recorder runtime.AttemptRecorder
	// Reports persists final reports. May be nil.
	Reports ReportWriter
	// Notifier receives a completion event per finished job. May be nil.
	// The registry closes it on Shutdown.
	Notifier adapter.Adapter
	// Settings are the default per-attempt sandbox settings.
	Settings types.SandboxSettings
	// MaxConcurrent caps running jobs (default DefaultMaxConcurrent).
	MaxConcurrent int
	// RepairTimeout bounds each repair call.
	RepairTimeout time.Duration
	// Backoff is the delay policy between timeout retries.
	Backoff retry.Policy
	// NotifyTimeout bounds each completion event (default DefaultNotifyTimeout).
	NotifyTimeout time.Duration
	Logger        *log.Logger
	Collector     *metrics.Collector
}

// job is one registry entry. report and err are guarded by Registry.mu.
type job struct {
	id     string
	state  *types.RunState
	cancel context.CancelFunc
	done   chan struct{}

	report *types.RunReport
	err    error
}

// Registry is the job table.
type Registry struct {
	config Config
	logger *log.Logger
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// New creates a registry.
func New(config Config) (*Registry, error) {
	if config.MaxConcurrent < 0 {
		return nil, fmt.Errorf("max concurrent must be >= 0, got %d", config.MaxConcurrent)
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = DefaultNotifyTimeout
	}
	// Validates engine and backoff once, up front.
	if _, err := runtime.NewController(controllerConfig(config, config.Settings, nil)); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		config: config,
		logger: logger,
		sem:    make(chan struct{}, config.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}, nil
}

func controllerConfig(config Config, settings types.SandboxSettings, observer runtime.AttemptObserver) runtime.ControllerConfig {
	return runtime.ControllerConfig{
		Engine:        config.Engine,
		Repairer:      config.Repairer,
		Recorder:      config.Recorder,
		Settings:      settings,
		RepairTimeout: config.RepairTimeout,
		Backoff:       config.Backoff,
		Logger:        config.Logger,
		Collector:     config.Collector,
		OnAttempt:     observer,
	}
}

// Submit validates the request and starts the job. Returns the job ID.
// Identical sources submitted twice run as independent jobs.
func (r *Registry) Submit(req Request) (string, error) {
	id := ulid.Make().String()
	state, err := types.NewRunState(id, req.Source, req.Budget)
	if err != nil {
		return "", fmt.Errorf("invalid job request: %w", err)
	}

	j := &job{
		id:     id,
		state:  state,
		done:   make(chan struct{}),
		report: runtime.BuildRunReport(state),
	}

	settings := r.config.Settings
	if req.TimeLimit > 0 {
		settings.TimeLimit = req.TimeLimit
	}
	controller, err := runtime.NewController(controllerConfig(r.config, settings, r.observer(j)))
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	ctx, cancel := context.WithCancel(r.ctx)
	if !req.Deadline.IsZero() {
		ctx, cancel = withDeadline(ctx, cancel, req.Deadline)
	}
	j.cancel = cancel
	r.jobs[id] = j
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.WithJob(id).Info("job submitted", map[string]any{
		"entry":  req.Source.Entry,
		"budget": req.Budget,
	})
	go r.run(ctx, j, controller)
	return id, nil
}

// withDeadline layers a deadline over a cancellable context; the returned
// cancel releases both.
func withDeadline(ctx context.Context, parent context.CancelFunc, deadline time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	return ctx, func() {
		cancel()
		parent()
	}
}

// observer publishes a report snapshot after every recorded attempt.
func (r *Registry) observer(j *job) runtime.AttemptObserver {
	return func(state *types.RunState, _ *types.CompileAttempt) {
		snapshot := runtime.BuildRunReport(state)
		r.mu.Lock()
		j.report = snapshot
		r.mu.Unlock()
	}
}

func (r *Registry) run(ctx context.Context, j *job, controller *runtime.Controller) {
	defer r.wg.Done()
	defer j.cancel()

	report, err := r.execute(ctx, j, controller)
	logger := r.logger.WithJob(j.id)

	// Persistence and notification outlive cancellation of the job itself.
	persistCtx := context.WithoutCancel(ctx)
	if err == nil && r.config.Reports != nil {
		if werr := r.config.Reports.WriteReport(persistCtx, report); werr != nil {
			logger.Error("failed to write report", map[string]any{
				"error":     werr.Error(),
				"transient": lode.Transient(werr),
			})
		}
	}

	r.mu.Lock()
	if err != nil {
		j.err = err
	} else {
		j.report = report
	}
	r.mu.Unlock()
	close(j.done)

	if err != nil {
		logger.Error("job aborted", map[string]any{"error": err.Error()})
		return
	}
	r.notify(persistCtx, report, logger)
}

// execute waits for a concurrency slot and runs the controller.
// A job cancelled while pending fails as cancelled without any attempt.
func (r *Registry) execute(ctx context.Context, j *job, controller *runtime.Controller) (*types.RunReport, error) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		if err := j.state.Fail(types.FailureCancelled); err != nil {
			return nil, err
		}
		return runtime.BuildRunReport(j.state), nil
	}

	r.mu.Lock()
	running := *j.report
	running.Status = types.JobStatusRunning
	running.Message = "job running (0 attempts so far)"
	j.report = &running
	r.mu.Unlock()

	return controller.Run(ctx, j.state)
}

func (r *Registry) notify(ctx context.Context, report *types.RunReport, logger *log.Logger) {
	if r.config.Notifier == nil {
		return
	}
	var reportKey string
	if r.config.Reports != nil {
		reportKey = artifacts.JobPrefix(report.JobID) + artifacts.ReportFile
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.NotifyTimeout)
	defer cancel()
	if err := r.config.Notifier.Publish(ctx, adapter.NewJobCompletedEvent(report, reportKey)); err != nil {
		logger.Warn("failed to publish completion event", map[string]any{"error": err.Error()})
	}
}

func (r *Registry) lookup(jobID string) (*job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return j, nil
}

// Result returns a snapshot of the job's report. With wait set it blocks
// until the job is terminal or ctx ends.
func (r *Registry) Result(ctx context.Context, jobID string, wait bool) (*types.RunReport, error) {
	j, err := r.lookup(jobID)
	if err != nil {
		return nil, err
	}
	if wait {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if j.err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, j.err)
	}
	snapshot := *j.report
	return &snapshot, nil
}

// Cancel requests cancellation of a job. Cancelling a finished job is a no-op.
func (r *Registry) Cancel(jobID string) error {
	j, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	j.cancel()
	return nil
}

// List returns report snapshots of all known jobs in submission order.
func (r *Registry) List() []*types.RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	reports := make([]*types.RunReport, 0, len(r.jobs))
	for _, j := range r.jobs {
		snapshot := *j.report
		reports = append(reports, &snapshot)
	}
	// ULIDs sort by creation time.
	sort.Slice(reports, func(a, b int) bool {
		return reports[a].JobID < reports[b].JobID
	})
	return reports
}

// Shutdown rejects new submissions, cancels every job and waits for their
// goroutines, then closes the notifier. Returns ctx.Err() if ctx ends first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.config.Notifier != nil {
		if err := r.config.Notifier.Close(); err != nil {
			return fmt.Errorf("failed to close notifier: %w", err)
		}
	}
	return nil
}
