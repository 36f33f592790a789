package reader

import (
	"fmt"
	"strings"

	"github.com/pithecene-io/kiln/lode"
)

// ParseStream validates an attempt log stream name.
func ParseStream(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", StreamStdout:
		return StreamStdout, nil
	case StreamStderr:
		return StreamStderr, nil
	default:
		return "", fmt.Errorf("invalid stream: %q (must be stdout or stderr)", s)
	}
}

// itemFromRecord converts a ledger record to a list row.
func itemFromRecord(rec lode.JobRecord) ListJobItem {
	item := ListJobItem{
		JobID:    rec.JobID,
		Status:   rec.Status,
		Reason:   rec.Reason,
		Attempts: rec.Attempts,
		Message:  rec.Message,
	}
	if !rec.FinishedAt.IsZero() {
		finished := rec.FinishedAt
		item.FinishedAt = &finished
	}
	return item
}

// aggregate builds stats from ledger records.
func aggregate(recs []lode.JobRecord) *JobStats {
	stats := &JobStats{ByReason: make(map[string]int)}
	for _, rec := range recs {
		stats.Total++
		stats.Attempts += rec.Attempts
		switch rec.Status {
		case "succeeded":
			stats.Succeeded++
		case "failed":
			stats.Failed++
			stats.ByReason[rec.Reason]++
		}
		if rec.Environmental {
			stats.Environmental++
		}
	}
	if stats.Total > 0 {
		stats.MeanAttempts = float64(stats.Attempts) / float64(stats.Total)
	}
	return stats
}
