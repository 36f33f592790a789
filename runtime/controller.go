// Package runtime drives compile jobs: it classifies attempts and decides
// whether to accept, rerun, repair, retry or fail.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/kiln/diag"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/retry"
	"github.com/pithecene-io/kiln/sandbox"
	"github.com/pithecene-io/kiln/types"
)

// DefaultRepairTimeout bounds one call to the repair collaborator.
const DefaultRepairTimeout = 5 * time.Minute

// Repairer revises a source tree after a content defect.
type Repairer interface {
	Repair(ctx context.Context, source types.SourceTree, diagnostics []types.Diagnostic) (types.SourceTree, error)
}

// RepairFunc adapts a function to Repairer.
type RepairFunc func(ctx context.Context, source types.SourceTree, diagnostics []types.Diagnostic) (types.SourceTree, error)

// Repair calls f.
func (f RepairFunc) Repair(ctx context.Context, source types.SourceTree, diagnostics []types.Diagnostic) (types.SourceTree, error) {
	return f(ctx, source, diagnostics)
}

// ErrNoRepairer is returned when a content defect occurs without a repair collaborator.
var ErrNoRepairer = errors.New("no repair collaborator configured")

// AttemptRecorder persists a classified attempt.
// Returns the store keys of the attempt's artifacts, primary output first.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, jobID string, attempt *types.CompileAttempt, result *sandbox.Result) ([]string, error)
}

// AttemptObserver is called after each attempt is appended to the run state.
// Called synchronously on the job goroutine; must not retain the state.
type AttemptObserver func(state *types.RunState, attempt *types.CompileAttempt)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// Engine runs compile attempts. Required.
	Engine sandbox.Engine
	// Repairer revises sources after content defects. If nil, every
	// repair fails and consumes budget.
	Repairer Repairer
	// Recorder persists attempts. If nil, attempts are kept in memory only.
	Recorder AttemptRecorder
	// Settings are the per-attempt sandbox settings.
	Settings types.SandboxSettings
	// RepairTimeout bounds each repair call (default DefaultRepairTimeout).
	RepairTimeout time.Duration
	// Backoff is the delay policy between timeout retries.
	Backoff retry.Policy
	// Logger receives job lifecycle entries. If nil, logging is disabled.
	Logger *log.Logger
	// Collector records metrics. If nil, no metrics are recorded.
	Collector *metrics.Collector
	// OnAttempt is an optional observer.
	OnAttempt AttemptObserver
}

// Controller is the retry controller for compile jobs.
// One Controller may run many jobs; each Run call owns its RunState.
type Controller struct {
	config ControllerConfig
	logger *log.Logger
}

// NewController creates a controller.
func NewController(config ControllerConfig) (*Controller, error) {
	if config.Engine == nil {
		return nil, errors.New("controller requires an engine")
	}
	if config.RepairTimeout <= 0 {
		config.RepairTimeout = DefaultRepairTimeout
	}
	if err := config.Backoff.Validate(); err != nil {
		if config.Backoff != (retry.Policy{}) {
			return nil, fmt.Errorf("invalid backoff policy: %w", err)
		}
		config.Backoff = retry.DefaultPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Controller{config: config, logger: logger}, nil
}

// jobRun is the mutable bookkeeping of one Run call.
type jobRun struct {
	state  *types.RunState
	logger *log.Logger

	source types.SourceTree
	carry  map[string][]byte
	rerun  bool

	rerunHashes    map[types.SourceHash]bool
	timeoutHashes  map[types.SourceHash]bool
	timeoutRetries int
}

// maxAttempts is the hard cap on attempts for one job.
func (j *jobRun) maxAttempts() int {
	return j.state.InitialBudget + 2
}

func (j *jobRun) capReached() bool {
	return j.state.AttemptCount() >= j.maxAttempts()
}

// Run drives a pending RunState to a terminal state and returns its report.
//
// Execution flow per attempt:
//  1. Build a fresh SandboxSpec from the current source and carried aux files
//  2. Run the engine
//  3. Parse diagnostics and classify
//  4. Persist and append the attempt
//  5. Accept, rerun, repair, retry or fail
//
// The returned error is non-nil only for controller bugs (state misuse);
// every job outcome, including cancellation, is reported in the RunReport.
func (c *Controller) Run(ctx context.Context, state *types.RunState) (*types.RunReport, error) {
	if err := state.Start(); err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", state.JobID, err)
	}
	c.config.Collector.IncJobStarted()

	j := &jobRun{
		state:         state,
		logger:        c.logger.WithJob(state.JobID),
		source:        state.Original.Clone(),
		rerunHashes:   make(map[types.SourceHash]bool),
		timeoutHashes: make(map[types.SourceHash]bool),
	}
	j.logger.Info("job started", map[string]any{
		"entry":  state.Original.Entry,
		"files":  len(state.Original.Files),
		"budget": state.InitialBudget,
	})

	if err := c.loop(ctx, j); err != nil {
		return nil, err
	}

	if state.Result == types.RunResultSuccess {
		c.config.Collector.IncJobSucceeded()
	} else {
		c.config.Collector.IncJobFailed(string(state.Reason))
	}
	j.logger.Info("job finished", map[string]any{
		"status":   state.Status,
		"reason":   state.Reason,
		"attempts": state.AttemptCount(),
		"budget":   state.Budget,
	})
	return BuildRunReport(state), nil
}

func (c *Controller) loop(ctx context.Context, j *jobRun) error {
	for {
		if ctx.Err() != nil {
			return j.state.Fail(types.FailureCancelled)
		}

		attempt, result, err := c.attempt(ctx, j)
		if err != nil {
			return err
		}

		done, err := c.decide(ctx, j, attempt, result)
		if err != nil || done {
			return err
		}
	}
}

// decide applies the retry rules to a classified attempt.
// Returns true when the state is terminal.
func (c *Controller) decide(ctx context.Context, j *jobRun, attempt *types.CompileAttempt, result *sandbox.Result) (bool, error) {
	state := j.state
	logger := j.logger.WithAttempt(attempt.Index)

	switch attempt.Outcome {
	case types.OutcomeSuccess:
		return true, state.Succeed()

	case types.OutcomeSucceededWithWarnings:
		if NeedsRerun(attempt.Diagnostics) && !j.rerunHashes[attempt.SourceHash] && !j.capReached() {
			j.rerunHashes[attempt.SourceHash] = true
			j.rerun = true
			j.carry = result.Aux
			c.config.Collector.IncRerun()
			logger.Info("rerunning for multi-pass resolution", map[string]any{"carried": len(j.carry)})
			return false, nil
		}
		return true, state.Succeed()

	case types.OutcomeContentDefect:
		if j.capReached() || !state.ConsumeBudget() {
			logger.Warn("retry budget exhausted", map[string]any{"attempts": state.AttemptCount()})
			return true, state.Fail(types.FailureContentDefect)
		}
		revised, err := c.repair(ctx, j.source, attempt.Diagnostics)
		if ctx.Err() != nil {
			return true, state.Fail(types.FailureCancelled)
		}
		if err != nil {
			c.config.Collector.IncRepairFailure()
			logger.Warn("repair failed, retrying unchanged source", map[string]any{"error": err.Error()})
			revised = j.source
		}
		if revised.Hash() == attempt.SourceHash && result != nil {
			j.carry = result.Aux
		} else {
			j.carry = nil
		}
		j.source = revised
		j.rerun = false
		return false, nil

	case types.OutcomeTimedOut:
		if j.timeoutHashes[attempt.SourceHash] || j.capReached() || !state.ConsumeBudget() {
			logger.Warn("not retrying timed out attempt", map[string]any{
				"repeat_timeout": j.timeoutHashes[attempt.SourceHash],
				"budget":         state.Budget,
			})
			return true, state.Fail(types.FailureTimedOut)
		}
		j.timeoutHashes[attempt.SourceHash] = true
		j.timeoutRetries++
		j.rerun = false
		c.config.Collector.IncTimeoutRetry()

		delay := c.config.Backoff.Delay(j.timeoutRetries)
		logger.Info("retrying timed out attempt", map[string]any{"delay_ms": delay.Milliseconds()})
		if !sleepCtx(ctx, delay) {
			return true, state.Fail(types.FailureCancelled)
		}
		return false, nil

	case types.OutcomeInfrastructureFailure:
		logger.Error("infrastructure failure", map[string]any{"error": attempt.InfraError})
		return true, state.Fail(types.FailureInfrastructure)

	case types.OutcomeCancelled:
		return true, state.Fail(types.FailureCancelled)
	}

	return true, fmt.Errorf("unhandled outcome %q", attempt.Outcome)
}

// attempt runs, classifies, persists and appends one attempt.
func (c *Controller) attempt(ctx context.Context, j *jobRun) (*types.CompileAttempt, *sandbox.Result, error) {
	state := j.state
	spec := types.NewSandboxSpec(j.source, j.carry, c.config.Settings)
	attempt := &types.CompileAttempt{
		Index:      state.NextIndex(),
		Source:     j.source.Clone(),
		SourceHash: j.source.Hash(),
		Rerun:      j.rerun,
		StartedAt:  time.Now(),
	}
	logger := j.logger.WithAttempt(attempt.Index)
	logger.Debug("attempt started", map[string]any{
		"source_hash": attempt.SourceHash.Short(),
		"rerun":       attempt.Rerun,
		"carried":     len(spec.Carry),
	})

	result, runErr := c.config.Engine.Run(ctx, spec)
	attempt.EndedAt = time.Now()

	in := ClassifyInput{Cancelled: ctx.Err() != nil}
	if !in.Cancelled && runErr != nil {
		in.InfraFailure = true
		var infra *sandbox.InfraError
		if errors.As(runErr, &infra) {
			attempt.InfraError = infra.Error()
		} else {
			attempt.InfraError = runErr.Error()
		}
	}
	if result != nil {
		attempt.ExitCode = result.ExitCode
		attempt.Stdout = result.Stdout
		attempt.Stderr = result.Stderr
		attempt.Diagnostics = diag.Parse(result.LogText, result.ExitCode)
		in.ExitCode = result.ExitCode
		in.TimedOut = result.TimedOut
		in.ArtifactProduced = result.HasArtifact(spec.PrimaryArtifact())
	}
	in.Diagnostics = attempt.Diagnostics
	attempt.Outcome = Classify(in)

	if c.config.Recorder != nil {
		// Persist even when the job was cancelled.
		keys, err := c.config.Recorder.RecordAttempt(context.WithoutCancel(ctx), state.JobID, attempt, result)
		if err != nil {
			c.config.Collector.IncStorageWriteFailure()
			logger.Error("failed to persist attempt", map[string]any{"error": err.Error()})
			if attempt.Outcome != types.OutcomeCancelled {
				attempt.Outcome = types.OutcomeInfrastructureFailure
				attempt.InfraError = fmt.Sprintf("artifact persistence failed: %v", err)
			}
		} else {
			c.config.Collector.IncStorageWriteSuccess()
			attempt.ArtifactPaths = keys
		}
	}

	if err := state.Append(attempt); err != nil {
		return nil, nil, fmt.Errorf("failed to record attempt %d: %w", attempt.Index, err)
	}

	categories := make([]string, 0, len(attempt.Diagnostics))
	for _, d := range attempt.Diagnostics {
		categories = append(categories, string(d.Category))
	}
	c.config.Collector.ObserveAttempt(string(attempt.Outcome), attempt.Duration(), categories)

	summary := diag.Summarize(attempt.Diagnostics)
	logger.Info("attempt classified", map[string]any{
		"outcome":     attempt.Outcome,
		"exit_code":   attempt.ExitCode,
		"duration_ms": attempt.Duration().Milliseconds(),
		"fatal":       summary.Fatal,
		"warnings":    summary.Warnings,
	})

	if c.config.OnAttempt != nil {
		c.config.OnAttempt(state, attempt)
	}
	return attempt, result, nil
}

// repair calls the repair collaborator under the repair timeout.
// The full diagnostic list is passed; symptoms are flagged on each entry.
func (c *Controller) repair(ctx context.Context, source types.SourceTree, diags []types.Diagnostic) (types.SourceTree, error) {
	if c.config.Repairer == nil {
		return types.SourceTree{}, ErrNoRepairer
	}
	c.config.Collector.IncRepairRequested()

	repairCtx, cancel := context.WithTimeout(ctx, c.config.RepairTimeout)
	defer cancel()

	revised, err := c.config.Repairer.Repair(repairCtx, source.Clone(), diags)
	if err != nil {
		return types.SourceTree{}, err
	}
	if err := revised.Validate(); err != nil {
		return types.SourceTree{}, fmt.Errorf("repair returned invalid source: %w", err)
	}
	return revised.Clone(), nil
}

// sleepCtx waits for d or until ctx ends. Returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
