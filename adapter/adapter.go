// Package adapter defines the job-completion notification boundary.
//
// Adapters publish a JobCompletedEvent to a downstream system when a compile
// job reaches a terminal state. The job registry owns adapter lifecycle;
// users provide configuration only.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/kiln/types"
)

// EventTypeJobCompleted is the only event type adapters publish.
const EventTypeJobCompleted = "job_completed"

// JobCompletedEvent is the payload published when a job finishes.
type JobCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "job_completed"
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	Result          string `json:"result"`
	Reason          string `json:"reason,omitempty"`
	Environmental   bool   `json:"environmental"`
	Message         string `json:"message"`
	Attempts        int    `json:"attempts"`
	// Artifacts are the store keys of the produced outputs on success.
	Artifacts []string `json:"artifacts,omitempty"`
	// ReportKey is the store key of the job's report.json.
	ReportKey  string `json:"report_key,omitempty"`
	Timestamp  string `json:"timestamp"` // RFC 3339
	DurationMs int64  `json:"duration_ms"`
}

// NewJobCompletedEvent builds the event for a terminal report.
func NewJobCompletedEvent(report *types.RunReport, reportKey string) *JobCompletedEvent {
	ts := report.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &JobCompletedEvent{
		ContractVersion: types.Version,
		EventType:       EventTypeJobCompleted,
		JobID:           report.JobID,
		Status:          string(report.Status),
		Result:          string(report.Result),
		Reason:          string(report.Reason),
		Environmental:   report.Environmental,
		Message:         report.Message,
		Attempts:        report.TotalAttempts,
		Artifacts:       report.Artifacts,
		ReportKey:       reportKey,
		Timestamp:       ts.UTC().Format(time.RFC3339),
		DurationMs:      report.DurationMs,
	}
}

// Adapter publishes job completion events to a downstream system.
type Adapter interface {
	// Publish sends a job completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *JobCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
