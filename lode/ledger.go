package lode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"
)

// LedgerDataset is the dataset ID of the job ledger.
const LedgerDataset = "kiln"

// RecordKindJob discriminates finished-job records in the ledger.
const RecordKindJob = "job"

// ErrJobRecordNotFound is returned when the ledger holds no record for a job.
var ErrJobRecordNotFound = errors.New("no ledger record for job")

// JobRecord is the ledger entry of one finished job.
type JobRecord struct {
	JobID         string
	Status        string
	Result        string
	Reason        string
	Environmental bool
	Attempts      int
	InitialBudget int
	Message       string
	CreatedAt     time.Time
	FinishedAt    time.Time
}

// Day is the partition value of the record (UTC date of FinishedAt).
func (r JobRecord) Day() string {
	return r.FinishedAt.UTC().Format("2006-01-02")
}

// toMap converts a record to its stored form. Partition keys (day,
// job_id) are plain fields, as the Hive layout requires.
func (r JobRecord) toMap() map[string]any {
	return map[string]any{
		"record_kind":    RecordKindJob,
		"day":            r.Day(),
		"job_id":         r.JobID,
		"status":         r.Status,
		"result":         r.Result,
		"reason":         r.Reason,
		"environmental":  r.Environmental,
		"attempts":       r.Attempts,
		"initial_budget": r.InitialBudget,
		"message":        r.Message,
		"created_at":     r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"finished_at":    r.FinishedAt.UTC().Format(time.RFC3339Nano),
	}
}

// jobRecordFromMap decodes a stored record. ok is false for other record kinds.
func jobRecordFromMap(m map[string]any) (JobRecord, bool) {
	if toString(m["record_kind"]) != RecordKindJob {
		return JobRecord{}, false
	}
	rec := JobRecord{
		JobID:         toString(m["job_id"]),
		Status:        toString(m["status"]),
		Result:        toString(m["result"]),
		Reason:        toString(m["reason"]),
		Attempts:      toInt(m["attempts"]),
		InitialBudget: toInt(m["initial_budget"]),
		Message:       toString(m["message"]),
	}
	rec.Environmental, _ = m["environmental"].(bool)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, toString(m["created_at"]))
	rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, toString(m["finished_at"]))
	return rec, rec.JobID != ""
}

// Ledger is an append-only index of finished jobs kept in a Lode dataset
// (Hive layout day/job_id, JSONL codec).
type Ledger struct {
	mu sync.Mutex
	ds lode.Dataset
}

// NewLedger opens the ledger dataset over factory.
func NewLedger(factory lode.StoreFactory) (*Ledger, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(LedgerDataset),
		factory,
		lode.WithHiveLayout("day", "job_id"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, LedgerDataset)
	}
	return &Ledger{ds: ds}, nil
}

// Append writes one job record as its own snapshot.
func (l *Ledger) Append(ctx context.Context, rec JobRecord) error {
	if rec.JobID == "" {
		return errors.New("ledger record requires a job id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.ds.Write(ctx, []any{rec.toMap()}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, fmt.Sprintf("%s/job_id=%s", LedgerDataset, rec.JobID))
	}
	return nil
}

// Jobs returns the latest record of every job, most recently finished first.
func (l *Ledger) Jobs(ctx context.Context) ([]JobRecord, error) {
	return l.query(ctx, "")
}

// Job returns the latest record of one job.
func (l *Ledger) Job(ctx context.Context, jobID string) (JobRecord, error) {
	recs, err := l.query(ctx, jobID)
	if err != nil {
		return JobRecord{}, err
	}
	if len(recs) == 0 {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrJobRecordNotFound, jobID)
	}
	return recs[0], nil
}

// query scans snapshots newest first. Manifest paths are a coarse
// pre-filter; record fields are authoritative.
func (l *Ledger) query(ctx context.Context, jobID string) ([]JobRecord, error) {
	snapshots, err := l.ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, LedgerDataset+"/snapshots")
	}

	seen := make(map[string]bool)
	var out []JobRecord
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotMatchesFilter(snap, "job_id", jobID) {
			continue
		}

		data, err := l.ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", LedgerDataset, snap.ID))
		}
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			rec, ok := jobRecordFromMap(m)
			if !ok || seen[rec.JobID] {
				continue
			}
			if jobID != "" && rec.JobID != jobID {
				continue
			}
			seen[rec.JobID] = true
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	return out, nil
}

// snapshotMatchesFilter checks if a snapshot's file paths match
// the given partition key=value filter.
func snapshotMatchesFilter(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks if a Hive-partitioned path contains an exact
// key=value segment, so job_id=a does not match job_id=ab.
func matchesPartitionValue(p, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(p, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt accepts the numeric forms a JSON round trip can produce.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
