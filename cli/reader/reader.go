package reader

import (
	"context"
	"fmt"

	"github.com/pithecene-io/kiln/artifacts"
	"github.com/pithecene-io/kiln/lode"
	"github.com/pithecene-io/kiln/types"
)

// Reader abstracts read-only data access for CLI commands.
type Reader interface {
	// InspectJob returns the final report of a job.
	InspectJob(ctx context.Context, jobID string) (*types.RunReport, error)
	// AttemptLog returns a raw stream of one attempt.
	AttemptLog(ctx context.Context, jobID string, index int, stream string) ([]byte, error)
	// ListJobs returns jobs, most recently finished first.
	ListJobs(ctx context.Context, opts ListJobsOptions) ([]ListJobItem, error)
	// StatsJobs aggregates every finished job.
	StatsJobs(ctx context.Context) (*JobStats, error)
}

// StoreReader reads from an artifact store and its job ledger.
type StoreReader struct {
	manager *artifacts.Manager
	ledger  *lode.Ledger
}

var _ Reader = (*StoreReader)(nil)

// New creates a reader over an existing manager and ledger.
func New(manager *artifacts.Manager, ledger *lode.Ledger) *StoreReader {
	return &StoreReader{manager: manager, ledger: ledger}
}

// Open builds a reader for the configured storage backend.
func Open(ctx context.Context, cfg lode.Config) (*StoreReader, error) {
	factory, err := lode.NewStoreFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ledger, err := lode.NewLedger(factory)
	if err != nil {
		return nil, err
	}
	return New(artifacts.NewManager(lode.NewFileStore(factory), ledger), ledger), nil
}

// InspectJob implements Reader.
func (r *StoreReader) InspectJob(ctx context.Context, jobID string) (*types.RunReport, error) {
	return r.manager.ReadReport(ctx, jobID)
}

// AttemptLog implements Reader.
func (r *StoreReader) AttemptLog(ctx context.Context, jobID string, index int, stream string) ([]byte, error) {
	stream, err := ParseStream(stream)
	if err != nil {
		return nil, err
	}
	if index < 1 {
		return nil, fmt.Errorf("attempt index must be >= 1, got %d", index)
	}
	return r.manager.ReadAttemptFile(ctx, jobID, index, stream+".log")
}

// ListJobs implements Reader. Incomplete jobs (attempts without a ledger
// record) are appended after finished ones, in submission order.
func (r *StoreReader) ListJobs(ctx context.Context, opts ListJobsOptions) ([]ListJobItem, error) {
	recs, err := r.ledger.Jobs(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]ListJobItem, 0, len(recs))
	known := make(map[string]bool, len(recs))
	for _, rec := range recs {
		known[rec.JobID] = true
		items = append(items, itemFromRecord(rec))
	}

	if opts.Incomplete {
		ids, err := r.manager.ListJobs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !known[id] {
				items = append(items, ListJobItem{JobID: id, Status: StatusIncomplete})
			}
		}
	}

	filtered := items[:0]
	for _, item := range items {
		if opts.Status != "" && item.Status != opts.Status {
			continue
		}
		filtered = append(filtered, item)
		if opts.Limit > 0 && len(filtered) == opts.Limit {
			break
		}
	}
	return filtered, nil
}

// StatsJobs implements Reader.
func (r *StoreReader) StatsJobs(ctx context.Context) (*JobStats, error) {
	recs, err := r.ledger.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	return aggregate(recs), nil
}
