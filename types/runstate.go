//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a compile job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// RunResult is the terminal result of a job.
type RunResult string

const (
	RunResultPending RunResult = "pending"
	RunResultSuccess RunResult = "success"
	RunResultFailure RunResult = "failure"
)

// FailureReason qualifies a failed job.
type FailureReason string

const (
	FailureNone           FailureReason = ""
	FailureContentDefect  FailureReason = "content-defect"
	FailureTimedOut       FailureReason = "timed-out"
	FailureInfrastructure FailureReason = "infrastructure"
	FailureCancelled      FailureReason = "cancelled"
)

// ErrAlreadyTerminal is returned when a terminal RunState is finished again.
var ErrAlreadyTerminal = errors.New("run state already terminal")

// ErrAttemptOrder is returned when an attempt breaks index contiguity.
var ErrAttemptOrder = errors.New("attempt index out of order")

// ErrUnclassifiedAttempt is returned when an attempt without outcome is appended.
var ErrUnclassifiedAttempt = errors.New("attempt has no outcome")

// RunState is the orchestration state of one compile job.
// Owned exclusively by the retry controller running the job.
type RunState struct {
	JobID string

	// Budget is the remaining retry budget; InitialBudget is what the job was submitted with.
	Budget        int
	InitialBudget int

	// Original is the source tree the job was submitted with, kept verbatim.
	Original SourceTree

	Attempts []*CompileAttempt

	Status JobStatus
	Result RunResult
	Reason FailureReason

	CreatedAt  time.Time
	FinishedAt time.Time
}

// NewRunState creates a pending run state.
func NewRunState(jobID string, source SourceTree, budget int) (*RunState, error) {
	if budget < 0 {
		return nil, fmt.Errorf("retry budget must be >= 0, got %d", budget)
	}
	if err := source.Validate(); err != nil {
		return nil, err
	}
	return &RunState{
		JobID:         jobID,
		Budget:        budget,
		InitialBudget: budget,
		Original:      source.Clone(),
		Status:        JobStatusPending,
		Result:        RunResultPending,
		CreatedAt:     time.Now(),
	}, nil
}

// AttemptCount returns the number of recorded attempts.
func (s *RunState) AttemptCount() int {
	return len(s.Attempts)
}

// LastAttempt returns the most recent attempt, or nil.
func (s *RunState) LastAttempt() *CompileAttempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	return s.Attempts[len(s.Attempts)-1]
}

// NextIndex returns the index the next attempt must carry.
func (s *RunState) NextIndex() int {
	return len(s.Attempts) + 1
}

// Start moves a pending state to running.
func (s *RunState) Start() error {
	if s.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	s.Status = JobStatusRunning
	return nil
}

// Append adds a classified attempt to the history.
func (s *RunState) Append(a *CompileAttempt) error {
	if s.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if a.Outcome == "" {
		return ErrUnclassifiedAttempt
	}
	if a.Index != s.NextIndex() {
		return fmt.Errorf("%w: got %d, want %d", ErrAttemptOrder, a.Index, s.NextIndex())
	}
	s.Attempts = append(s.Attempts, a)
	return nil
}

// ConsumeBudget decrements the budget by one. Returns false if none remains.
func (s *RunState) ConsumeBudget() bool {
	if s.Budget <= 0 {
		return false
	}
	s.Budget--
	return true
}

// Succeed sets the terminal success result.
func (s *RunState) Succeed() error {
	return s.finish(JobStatusSucceeded, RunResultSuccess, FailureNone)
}

// Fail sets the terminal failure result with a reason.
func (s *RunState) Fail(reason FailureReason) error {
	return s.finish(JobStatusFailed, RunResultFailure, reason)
}

func (s *RunState) finish(status JobStatus, result RunResult, reason FailureReason) error {
	if s.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	s.Status = status
	s.Result = result
	s.Reason = reason
	s.FinishedAt = time.Now()
	return nil
}
