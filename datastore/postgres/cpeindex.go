package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/internal/microbatch"
)

var (
	rebuildCpeIndexCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "rebuildcpeindex_total",
			Help:      "Total number of CPE index rebuilds, by outcome.",
		},
		[]string{"outcome"},
	)
	rebuildCpeIndexDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "rebuildcpeindex_duration_seconds",
			Help:      "The duration of CPE index rebuilds.",
		},
		[]string{"outcome"},
	)
	queryCpeCandidatesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "querycpecandidates_total",
			Help:      "Total number of database queries issued in the QueryCpeCandidates method.",
		},
		[]string{"query"},
	)
	queryCpeCandidatesDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackaudit",
			Subsystem: "vulnstore",
			Name:      "querycpecandidates_duration_seconds",
			Help:      "The duration of all queries issued in the QueryCpeCandidates method.",
		},
		[]string{"query"},
	)
)

// RebuildCpeIndex implements datastore.Updater.
//
// The index is regenerated wholesale inside one transaction: rows are
// loaded into a staging table which then replaces the live table by
// rename. Readers either see the old index or the new one, never a
// half-populated mix, and a failed rebuild leaves the old index
// authoritative.
func (s *Store) RebuildCpeIndex(ctx context.Context) (int64, error) {
	const (
		mkStaging = `
		DROP TABLE IF EXISTS cpe_index_staging;
		CREATE TABLE cpe_index_staging (LIKE cpe_index);`
		readRecords = `SELECT cve_id, severity, cvss_score, cpe_matches FROM cve_record;`
		insert      = `
		INSERT INTO cpe_index_staging (
			cve_id, severity, cvss_score, vendor, product, target_sw, version,
			vstart_incl, vstart_excl, vend_incl, vend_excl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`
		swap = `
		DROP TABLE cpe_index;
		ALTER TABLE cpe_index_staging RENAME TO cpe_index;
		CREATE INDEX cpe_index_product_idx ON cpe_index (product, target_sw);`
		count = `SELECT COUNT(*) FROM cpe_index;`
	)
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.RebuildCpeIndex")

	start := time.Now()
	outcome := "failure"
	defer func() {
		rebuildCpeIndexCounter.WithLabelValues(outcome).Add(1)
		rebuildCpeIndexDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("unable to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mkStaging); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	// Flatten every record's cpe matches into staging rows.
	rows, err := tx.Query(ctx, readRecords)
	if err != nil {
		return 0, fmt.Errorf("failed to read cve records: %w", err)
	}
	type flat struct {
		cveID string
		sev   string
		score float64
		match stackaudit.CpeMatch
	}
	var flats []flat
	for rows.Next() {
		var f flat
		var matches []byte
		if err := rows.Scan(&f.cveID, &f.sev, &f.score, &matches); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan cve record: %w", err)
		}
		var ms []stackaudit.CpeMatch
		if err := json.Unmarshal(matches, &ms); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to deserialize cpe matches for %q: %w", f.cveID, err)
		}
		for _, m := range ms {
			g := f
			g.match = m
			flats = append(flats, g)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("cve record read failed: %w", err)
	}

	batch := microbatch.NewInsert(tx, 2000, time.Minute)
	for i := range flats {
		f := &flats[i]
		m := &f.match
		err := batch.Queue(ctx, insert,
			f.cveID, f.sev, f.score,
			strings.ToLower(m.Vendor), strings.ToLower(m.Product), strings.ToLower(m.TargetSoftware), m.Version,
			m.VersionStartIncl, m.VersionStartExcl, m.VersionEndIncl, m.VersionEndExcl,
		)
		if err != nil {
			return 0, fmt.Errorf("staging insert failed: %w", err)
		}
	}
	if err := batch.Done(ctx); err != nil {
		return 0, fmt.Errorf("final staging insert failed: %w", err)
	}

	if _, err := tx.Exec(ctx, swap); err != nil {
		return 0, fmt.Errorf("failed to swap staging table: %w", err)
	}
	var total int64
	if err := tx.QueryRow(ctx, count).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count index entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit swap: %w", err)
	}
	outcome = "success"

	zlog.Info(ctx).
		Int64("entries", total).
		Dur("elapsed", time.Since(start)).
		Msg("cpe index rebuilt")
	return total, nil
}

// QueryCpeCandidates implements datastore.Vulnerability.
func (s *Store) QueryCpeCandidates(ctx context.Context, product string, targetSoftware []string) ([]stackaudit.CpeIndexEntry, error) {
	// Served by cpe_index_product_idx. Entries with a wildcard or absent
	// target never come back: matching unconstrained targets is the
	// dominant false-positive source.
	const query = `
	SELECT cve_id, severity, cvss_score, vendor, product, target_sw, version,
	       vstart_incl, vstart_excl, vend_incl, vend_excl
	FROM cpe_index
	WHERE product = $1 AND target_sw = ANY($2);`
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.QueryCpeCandidates")

	targets := make([]string, 0, len(targetSoftware))
	for _, t := range targetSoftware {
		targets = append(targets, strings.ToLower(t))
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, strings.ToLower(product), targets)
	if err != nil {
		return nil, fmt.Errorf("cpe candidate query failed: %w", err)
	}
	defer rows.Close()
	queryCpeCandidatesCounter.WithLabelValues("query").Add(1)
	queryCpeCandidatesDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())

	var out []stackaudit.CpeIndexEntry
	for rows.Next() {
		var e stackaudit.CpeIndexEntry
		var sev string
		err := rows.Scan(&e.CveID, &sev, &e.CvssScore,
			&e.Vendor, &e.Product, &e.TargetSoftware, &e.Version,
			&e.VersionStartIncl, &e.VersionStartExcl, &e.VersionEndIncl, &e.VersionEndExcl,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan index entry: %w", err)
		}
		e.Severity = stackaudit.ParseSeverity(sev)
		out = append(out, e)
	}
	return out, rows.Err()
}
