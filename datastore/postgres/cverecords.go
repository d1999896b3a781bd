package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/internal/microbatch"
)

var (
	upsertCveRecordsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "upsertcverecords_total",
			Help:      "Total number of database queries issued in the UpsertCveRecords method.",
		},
		[]string{"query"},
	)
	upsertCveRecordsDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "upsertcverecords_duration_seconds",
			Help:      "The duration of all queries issued in the UpsertCveRecords method.",
		},
		[]string{"query"},
	)
)

// UpsertCveRecords implements datastore.Updater.
func (s *Store) UpsertCveRecords(ctx context.Context, source string, recs []stackaudit.CveRecord) (int64, error) {
	const (
		upsert = `
		INSERT INTO cve_record (
			cve_id, description, severity, cvss_score, cpe_matches, source, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (cve_id) DO UPDATE
		SET description = excluded.description,
		    severity = excluded.severity,
		    cvss_score = excluded.cvss_score,
		    cpe_matches = excluded.cpe_matches,
		    source = excluded.source,
		    updated_at = now();`
		count = `SELECT COUNT(*) FROM cve_record WHERE source = $1;`
	)
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.UpsertCveRecords")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("unable to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	start := time.Now()
	batch := microbatch.NewInsert(tx, 500, time.Minute)
	for i := range recs {
		rec := &recs[i]
		matches, err := json.Marshal(rec.CpeMatches)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize cpe matches for %q: %w", rec.CveID, err)
		}
		err = batch.Queue(ctx, upsert,
			rec.CveID, rec.Description, rec.Severity.String(), rec.CvssScore, matches, source,
		)
		if err != nil {
			return 0, fmt.Errorf("batch insert failed for %q: %w", rec.CveID, err)
		}
	}
	if err := batch.Done(ctx); err != nil {
		return 0, fmt.Errorf("final batch insert failed: %w", err)
	}
	upsertCveRecordsCounter.WithLabelValues("upsert").Add(1)
	upsertCveRecordsDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())

	var total int64
	if err := tx.QueryRow(ctx, count, source).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count cve records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	zlog.Debug(ctx).
		Str("source", source).
		Int("in", len(recs)).
		Int64("total", total).
		Msg("cve records upserted")
	return total, nil
}
