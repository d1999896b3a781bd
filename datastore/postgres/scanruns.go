package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/datastore"
	"github.com/stackaudit/stackaudit/internal/microbatch"
)

var (
	persistRunCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackaudit",
			Subsystem: "scanstore",
			Name:      "persistrun_total",
			Help:      "Total number of persisted scan runs, by outcome.",
		},
		[]string{"outcome"},
	)
	persistRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackaudit",
			Subsystem: "scanstore",
			Name:      "persistrun_duration_seconds",
			Help:      "The duration of scan run persistence.",
		},
		[]string{"outcome"},
	)
)

// CreateScanRun implements datastore.Scan.
func (s *Store) CreateScanRun(ctx context.Context, run *stackaudit.ScanRun) error {
	const insert = `INSERT INTO scan_run (id, status, started_at) VALUES ($1, $2, $3);`
	_, err := s.pool.Exec(ctx, insert, run.ID, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create scan run: %w", err)
	}
	return nil
}

// PersistRun implements datastore.Scan.
//
// The findings insert and the run's completion are one transaction: a
// failure anywhere rolls everything back and the previous run stays the
// latest completed one.
func (s *Store) PersistRun(ctx context.Context, run *stackaudit.ScanRun, findings []stackaudit.Finding) error {
	const (
		insert = `
		INSERT INTO finding (
			run_id, product_id, name, version, ecosystem, purl,
			source, source_id, severity, fixed_version, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`
		complete = `
		UPDATE scan_run
		SET status = $2, completed_at = $3, total_components = $4,
		    total_findings = $5, new_findings = $6, timing = $7
		WHERE id = $1;`
	)
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.PersistRun")

	start := time.Now()
	outcome := "failure"
	defer func() {
		persistRunCounter.WithLabelValues(outcome).Add(1)
		persistRunDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	timing, err := json.Marshal(timingSeconds(run.PerSourceTiming))
	if err != nil {
		return fmt.Errorf("failed to serialize timing: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("unable to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := microbatch.NewInsert(tx, 2000, time.Minute)
	for i := range findings {
		f := &findings[i]
		err := batch.Queue(ctx, insert,
			run.ID, f.ProductID, f.Component.Name, f.Component.Version,
			f.Component.Ecosystem, f.Component.PURL,
			string(f.Source), f.SourceID, f.Severity.String(), f.FixedVersion, string(f.Status),
		)
		if err != nil {
			return fmt.Errorf("finding insert failed: %w", err)
		}
	}
	if err := batch.Done(ctx); err != nil {
		return fmt.Errorf("final finding insert failed: %w", err)
	}

	_, err = tx.Exec(ctx, complete,
		run.ID, string(run.Status), run.CompletedAt, run.TotalComponents,
		run.TotalFindings, run.NewFindingsCount, timing,
	)
	if err != nil {
		return fmt.Errorf("failed to complete scan run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	outcome = "success"

	zlog.Info(ctx).
		Str("run", run.ID.String()).
		Int("findings", len(findings)).
		Msg("scan run persisted")
	return nil
}

// FailScanRun implements datastore.Scan.
func (s *Store) FailScanRun(ctx context.Context, id uuid.UUID, msg string) error {
	const update = `
	UPDATE scan_run SET status = 'failed', completed_at = now(), error = $2
	WHERE id = $1;`
	if _, err := s.pool.Exec(ctx, update, id, msg); err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return nil
}

// FailStaleRuns implements datastore.Scan.
func (s *Store) FailStaleRuns(ctx context.Context, msg string) (int64, error) {
	const update = `
	UPDATE scan_run SET status = 'failed', completed_at = now(), error = $1
	WHERE status = 'running';`
	tag, err := s.pool.Exec(ctx, update, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ScanRun implements datastore.Scan.
func (s *Store) ScanRun(ctx context.Context, id uuid.UUID) (*stackaudit.ScanRun, error) {
	const query = `
	SELECT id, status, started_at, completed_at, total_components,
	       total_findings, new_findings, timing, error
	FROM scan_run WHERE id = $1;`
	run, err := scanRunRow(s.pool.QueryRow(ctx, query, id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, datastore.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("scan run query failed: %w", err)
	}
	return run, nil
}

// ScanRuns implements datastore.Scan.
func (s *Store) ScanRuns(ctx context.Context, limit, offset int) ([]stackaudit.ScanRun, int64, error) {
	const (
		query = `
		SELECT id, status, started_at, completed_at, total_components,
		       total_findings, new_findings, timing, error
		FROM scan_run
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2;`
		count = `SELECT COUNT(*) FROM scan_run;`
	)
	var total int64
	if err := s.pool.QueryRow(ctx, count).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("scan run count failed: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("scan run query failed: %w", err)
	}
	defer rows.Close()

	var out []stackaudit.ScanRun
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan run row: %w", err)
		}
		out = append(out, *run)
	}
	return out, total, rows.Err()
}

// PreviousFindings implements datastore.Scan.
func (s *Store) PreviousFindings(ctx context.Context) (map[string]stackaudit.FindingStatus, error) {
	const query = `
	SELECT f.product_id, f.name, f.version, f.ecosystem, f.source_id, f.status
	FROM finding f
	JOIN (
		SELECT id FROM scan_run WHERE status = 'completed'
		ORDER BY started_at DESC LIMIT 1
	) latest ON f.run_id = latest.id;`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("previous findings query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]stackaudit.FindingStatus)
	for rows.Next() {
		var f stackaudit.Finding
		var status string
		err := rows.Scan(&f.ProductID, &f.Component.Name, &f.Component.Version,
			&f.Component.Ecosystem, &f.SourceID, &status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding key: %w", err)
		}
		out[f.NaturalKey()] = stackaudit.FindingStatus(status)
	}
	return out, rows.Err()
}

// ProductFindings implements datastore.Scan.
func (s *Store) ProductFindings(ctx context.Context, productID string) ([]stackaudit.Finding, error) {
	const query = `
	SELECT f.product_id, f.name, f.version, f.ecosystem, f.purl,
	       f.source, f.source_id, f.severity, f.fixed_version, f.status
	FROM finding f
	JOIN (
		SELECT id FROM scan_run WHERE status = 'completed'
		ORDER BY started_at DESC LIMIT 1
	) latest ON f.run_id = latest.id
	WHERE f.product_id = $1
	ORDER BY f.ecosystem, f.name, f.version, f.source_id;`

	rows, err := s.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("product findings query failed: %w", err)
	}
	defer rows.Close()

	var out []stackaudit.Finding
	for rows.Next() {
		var f stackaudit.Finding
		var source, sev, status string
		err := rows.Scan(&f.ProductID, &f.Component.Name, &f.Component.Version,
			&f.Component.Ecosystem, &f.Component.PURL,
			&source, &f.SourceID, &sev, &f.FixedVersion, &status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		f.Source = stackaudit.Source(source)
		f.Severity = stackaudit.ParseSeverity(sev)
		f.Status = stackaudit.FindingStatus(status)
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetFindingStatus implements datastore.Scan.
func (s *Store) SetFindingStatus(ctx context.Context, productID string, key stackaudit.ComponentKey, sourceID string, status stackaudit.FindingStatus) error {
	const update = `
	UPDATE finding SET status = $6
	WHERE run_id = (
		SELECT id FROM scan_run WHERE status = 'completed'
		ORDER BY started_at DESC LIMIT 1
	) AND product_id = $1 AND name = $2 AND version = $3 AND ecosystem = $4 AND source_id = $5;`

	tag, err := s.pool.Exec(ctx, update,
		productID, key.Name, key.Version, key.Ecosystem, sourceID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update finding status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datastore.ErrNotFound
	}
	return nil
}

func scanRunRow(row pgx.Row) (*stackaudit.ScanRun, error) {
	var run stackaudit.ScanRun
	var status string
	var timing []byte
	err := row.Scan(&run.ID, &status, &run.StartedAt, &run.CompletedAt,
		&run.TotalComponents, &run.TotalFindings, &run.NewFindingsCount,
		&timing, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Status = stackaudit.RunStatus(status)
	var secs map[stackaudit.Source]float64
	if err := json.Unmarshal(timing, &secs); err != nil {
		return nil, fmt.Errorf("failed to deserialize timing: %w", err)
	}
	if len(secs) != 0 {
		run.PerSourceTiming = make(stackaudit.SourceTiming, len(secs))
		for src, sec := range secs {
			run.PerSourceTiming[src] = time.Duration(sec * float64(time.Second))
		}
	}
	return &run, nil
}

func timingSeconds(t stackaudit.SourceTiming) map[stackaudit.Source]float64 {
	out := make(map[stackaudit.Source]float64, len(t))
	for src, d := range t {
		out[src] = d.Seconds()
	}
	return out
}
