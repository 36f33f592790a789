// Package artifacts persists compile attempts and job reports.
//
// Store layout, per job:
//
//	jobs/<jobID>/attempt-001/source/<files...>
//	jobs/<jobID>/attempt-001/stdout.log
//	jobs/<jobID>/attempt-001/stderr.log
//	jobs/<jobID>/attempt-001/diagnostics.json
//	jobs/<jobID>/attempt-001/attempt.json
//	jobs/<jobID>/attempt-001/<jobname>.pdf
//	jobs/<jobID>/report.json
//
// Every key is written once; attempts never overwrite each other.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/kiln/lode"
	"github.com/pithecene-io/kiln/runtime"
	"github.com/pithecene-io/kiln/sandbox"
	"github.com/pithecene-io/kiln/types"
)

const (
	jobsPrefix = "jobs/"

	// ReportFile is the name of the per-job report.
	ReportFile = "report.json"
)

// ErrReportNotFound is returned by ReadReport for unknown or unfinished jobs.
var ErrReportNotFound = errors.New("report not found")

// Store is the key/value surface the manager writes through.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

var _ Store = (*lode.FileStore)(nil)

// Ledger indexes finished jobs.
type Ledger interface {
	Append(ctx context.Context, rec lode.JobRecord) error
}

var _ Ledger = (*lode.Ledger)(nil)

// Manager implements runtime.AttemptRecorder over a Store.
type Manager struct {
	store  Store
	ledger Ledger
}

var _ runtime.AttemptRecorder = (*Manager)(nil)

// NewManager creates a manager. ledger may be nil.
func NewManager(store Store, ledger Ledger) *Manager {
	return &Manager{store: store, ledger: ledger}
}

// JobPrefix returns the store prefix of a job.
func JobPrefix(jobID string) string {
	return jobsPrefix + jobID + "/"
}

// AttemptPrefix returns the store prefix of one attempt.
func AttemptPrefix(jobID string, index int) string {
	return fmt.Sprintf("%sattempt-%03d/", JobPrefix(jobID), index)
}

// attemptRecord is the attempt.json document.
type attemptRecord struct {
	JobID      string           `json:"job_id"`
	Index      int              `json:"index"`
	Outcome    types.Outcome    `json:"outcome"`
	Rerun      bool             `json:"rerun"`
	ExitCode   int              `json:"exit_code"`
	TimedOut   bool             `json:"timed_out"`
	SourceHash types.SourceHash `json:"source_hash"`
	Entry      string           `json:"entry"`
	Files      []string         `json:"files"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	DurationMs int64            `json:"duration_ms"`
	Artifacts  []string         `json:"artifacts,omitempty"`
	InfraError string           `json:"infra_error,omitempty"`
}

// RecordAttempt persists one attempt and returns the artifact keys,
// primary output first. result may be nil (infrastructure failure,
// cancellation before output).
func (m *Manager) RecordAttempt(ctx context.Context, jobID string, attempt *types.CompileAttempt, result *sandbox.Result) ([]string, error) {
	prefix := AttemptPrefix(jobID, attempt.Index)

	for _, p := range attempt.Source.Paths() {
		if err := m.store.Put(ctx, prefix+"source/"+p, attempt.Source.Files[p]); err != nil {
			return nil, fmt.Errorf("failed to persist source %s: %w", p, err)
		}
	}
	if err := m.store.Put(ctx, prefix+"stdout.log", attempt.Stdout); err != nil {
		return nil, fmt.Errorf("failed to persist stdout: %w", err)
	}
	if err := m.store.Put(ctx, prefix+"stderr.log", attempt.Stderr); err != nil {
		return nil, fmt.Errorf("failed to persist stderr: %w", err)
	}

	diags := attempt.Diagnostics
	if diags == nil {
		diags = []types.Diagnostic{}
	}
	if err := m.putJSON(ctx, prefix+"diagnostics.json", diags); err != nil {
		return nil, err
	}

	keys, err := m.putArtifacts(ctx, prefix, attempt, result)
	if err != nil {
		return nil, err
	}

	rec := attemptRecord{
		JobID:      jobID,
		Index:      attempt.Index,
		Outcome:    attempt.Outcome,
		Rerun:      attempt.Rerun,
		ExitCode:   attempt.ExitCode,
		TimedOut:   result != nil && result.TimedOut,
		SourceHash: attempt.SourceHash,
		Entry:      attempt.Source.Entry,
		Files:      attempt.Source.Paths(),
		StartedAt:  attempt.StartedAt,
		EndedAt:    attempt.EndedAt,
		DurationMs: attempt.Duration().Milliseconds(),
		Artifacts:  keys,
		InfraError: attempt.InfraError,
	}
	if err := m.putJSON(ctx, prefix+"attempt.json", rec); err != nil {
		return nil, err
	}
	return keys, nil
}

// putArtifacts writes rendered outputs. The primary document comes first;
// the rest follow in path order.
func (m *Manager) putArtifacts(ctx context.Context, prefix string, attempt *types.CompileAttempt, result *sandbox.Result) ([]string, error) {
	if result == nil || len(result.Artifacts) == 0 {
		return nil, nil
	}
	primary := attempt.Source.JobName() + ".pdf"

	names := make([]string, 0, len(result.Artifacts))
	for name := range result.Artifacts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == primary) != (names[j] == primary) {
			return names[i] == primary
		}
		return names[i] < names[j]
	})

	keys := make([]string, 0, len(names))
	for _, name := range names {
		key := prefix + path.Clean(name)
		if err := m.store.Put(ctx, key, result.Artifacts[name]); err != nil {
			return nil, fmt.Errorf("failed to persist artifact %s: %w", name, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// WriteReport persists the final report and appends the job to the ledger.
// The report's LastSource.Snapshot is set to the last attempt's source prefix.
func (m *Manager) WriteReport(ctx context.Context, report *types.RunReport) error {
	if report.TotalAttempts > 0 && report.LastSource != nil {
		report.LastSource.Snapshot = AttemptPrefix(report.JobID, report.TotalAttempts) + "source/"
	}
	if err := m.putJSON(ctx, JobPrefix(report.JobID)+ReportFile, report); err != nil {
		return err
	}
	if m.ledger == nil || !report.IsTerminal() {
		return nil
	}
	rec := lode.JobRecord{
		JobID:         report.JobID,
		Status:        string(report.Status),
		Result:        string(report.Result),
		Reason:        string(report.Reason),
		Environmental: report.Environmental,
		Attempts:      report.TotalAttempts,
		InitialBudget: report.InitialBudget,
		Message:       report.Message,
		CreatedAt:     report.CreatedAt,
		FinishedAt:    report.FinishedAt,
	}
	if err := m.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to index job %s: %w", report.JobID, err)
	}
	return nil
}

// ReadReport loads the report of a finished job.
func (m *Manager) ReadReport(ctx context.Context, jobID string) (*types.RunReport, error) {
	key := JobPrefix(jobID) + ReportFile
	ok, err := m.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrReportNotFound, jobID)
	}
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var report types.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report of job %s: %w", jobID, err)
	}
	return &report, nil
}

// ReadAttemptFile loads one file of an attempt (e.g. "stdout.log", "source/main.tex").
func (m *Manager) ReadAttemptFile(ctx context.Context, jobID string, index int, name string) ([]byte, error) {
	return m.store.Get(ctx, AttemptPrefix(jobID, index)+name)
}

// ListJobs returns the IDs of every job with persisted data, sorted.
// ULID job IDs therefore come back in submission order.
func (m *Manager) ListJobs(ctx context.Context) ([]string, error) {
	keys, err := m.store.List(ctx, jobsPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, jobsPrefix)
		if !ok {
			// Some stores return keys relative to the prefix.
			rest = key
		}
		id, _, found := strings.Cut(rest, "/")
		if !found || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Manager) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := m.store.Put(ctx, key, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}
