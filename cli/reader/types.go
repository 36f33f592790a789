// Package reader provides the read-side data access layer for the kiln CLI.
//
// Read-only commands (inspect, list, stats) go through a Reader; none of
// them touch the runtime. Reports and attempt files come from the artifact
// store, job listings from the job ledger.
package reader

import "time"

// Attempt log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// StatusIncomplete marks jobs with stored attempts but no final report,
// e.g. after the process running them was killed.
const StatusIncomplete = "incomplete"

// ListJobItem is one row of kiln list.
type ListJobItem struct {
	JobID      string     `json:"job_id" yaml:"job_id"`
	Status     string     `json:"status" yaml:"status"`
	Reason     string     `json:"reason" yaml:"reason"`
	Attempts   int        `json:"attempts" yaml:"attempts"`
	FinishedAt *time.Time `json:"finished_at" yaml:"finished_at"`
	Message    string     `json:"message" yaml:"message"`
}

// ListJobsOptions filters kiln list.
type ListJobsOptions struct {
	// Status keeps only jobs with this status (empty keeps all).
	Status string
	// Limit caps the number of rows (0 = no limit).
	Limit int
	// Incomplete includes jobs without a final report.
	Incomplete bool
}

// JobStats aggregates the job ledger.
type JobStats struct {
	Total         int            `json:"total" yaml:"total"`
	Succeeded     int            `json:"succeeded" yaml:"succeeded"`
	Failed        int            `json:"failed" yaml:"failed"`
	Environmental int            `json:"environmental" yaml:"environmental"`
	ByReason      map[string]int `json:"by_reason" yaml:"by_reason"`
	Attempts      int            `json:"attempts" yaml:"attempts"`
	MeanAttempts  float64        `json:"mean_attempts" yaml:"mean_attempts"`
}
