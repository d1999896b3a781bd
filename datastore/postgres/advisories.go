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
	upsertAdvisoriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "upsertadvisories_total",
			Help:      "Total number of database queries issued in the UpsertAdvisories method.",
		},
		[]string{"query"},
	)
	upsertAdvisoriesDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "upsertadvisories_duration_seconds",
			Help:      "The duration of all queries issued in the UpsertAdvisories method.",
		},
		[]string{"query"},
	)
	queryAdvisoriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "queryadvisories_total",
			Help:      "Total number of database queries issued in the QueryAdvisories method.",
		},
		[]string{"query"},
	)
	queryAdvisoriesDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "queryadvisories_duration_seconds",
			Help:      "The duration of all queries issued in the QueryAdvisories method.",
		},
		[]string{"query"},
	)
)

// UpsertAdvisories implements datastore.Updater.
//
// Rows are keyed by (ecosystem, advisory id); re-syncing identical input
// replaces rows in place and leaves the count unchanged.
func (s *Store) UpsertAdvisories(ctx context.Context, source string, advs []stackaudit.Advisory) (int64, error) {
	const (
		upsert = `
		INSERT INTO advisory (
			ecosystem, advisory_id, package_name, aliases, severity, summary, ranges, source, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (ecosystem, advisory_id) DO UPDATE
		SET package_name = excluded.package_name,
		    aliases = excluded.aliases,
		    severity = excluded.severity,
		    summary = excluded.summary,
		    ranges = excluded.ranges,
		    source = excluded.source,
		    updated_at = now();`
		count = `SELECT COUNT(*) FROM advisory WHERE source = $1;`
	)
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.UpsertAdvisories")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("unable to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	start := time.Now()
	batch := microbatch.NewInsert(tx, 500, time.Minute)
	for i := range advs {
		adv := &advs[i]
		ranges, err := json.Marshal(adv.AffectedRanges)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize ranges for %q: %w", adv.ID, err)
		}
		err = batch.Queue(ctx, upsert,
			adv.Ecosystem, adv.ID, adv.PackageName, adv.Aliases,
			adv.Severity.String(), adv.Summary, ranges, source,
		)
		if err != nil {
			return 0, fmt.Errorf("batch insert failed for advisory %q: %w", adv.ID, err)
		}
	}
	if err := batch.Done(ctx); err != nil {
		return 0, fmt.Errorf("final batch insert failed: %w", err)
	}
	upsertAdvisoriesCounter.WithLabelValues("upsert").Add(1)
	upsertAdvisoriesDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())

	var total int64
	if err := tx.QueryRow(ctx, count, source).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count advisories: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	zlog.Debug(ctx).
		Str("source", source).
		Int("in", len(advs)).
		Int64("total", total).
		Msg("advisories upserted")
	return total, nil
}

// QueryAdvisories implements datastore.Vulnerability.
func (s *Store) QueryAdvisories(ctx context.Context, ecosystem, packageName string) ([]stackaudit.Advisory, error) {
	// Served by advisory_package_idx.
	const query = `
	SELECT advisory_id, ecosystem, package_name, aliases, severity, summary, ranges
	FROM advisory
	WHERE ecosystem = $1 AND package_name = $2;`
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.QueryAdvisories")

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, ecosystem, packageName)
	if err != nil {
		return nil, fmt.Errorf("advisory query failed: %w", err)
	}
	defer rows.Close()
	queryAdvisoriesCounter.WithLabelValues("query").Add(1)
	queryAdvisoriesDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())

	var out []stackaudit.Advisory
	for rows.Next() {
		var adv stackaudit.Advisory
		var sev string
		var ranges []byte
		err := rows.Scan(&adv.ID, &adv.Ecosystem, &adv.PackageName, &adv.Aliases, &sev, &adv.Summary, &ranges)
		if err != nil {
			return nil, fmt.Errorf("failed to scan advisory: %w", err)
		}
		adv.Severity = stackaudit.ParseSeverity(sev)
		if err := json.Unmarshal(ranges, &adv.AffectedRanges); err != nil {
			return nil, fmt.Errorf("failed to deserialize ranges for %q: %w", adv.ID, err)
		}
		out = append(out, adv)
	}
	return out, rows.Err()
}
