// Package libscan exports the platform-wide correlation run: snapshotting
// declared components, matching them against the vulnerability store, and
// persisting the resulting findings as one scan run.
package libscan

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/datastore"
	"github.com/stackaudit/stackaudit/internal/dedupe"
	"github.com/stackaudit/stackaudit/internal/locksource"
	"github.com/stackaudit/stackaudit/internal/matcher"
	"github.com/stackaudit/stackaudit/sbom"
)

// ErrAlreadyRunning is reported when a scan is requested while another is
// in flight anywhere on the platform. It is a rejection, not a failure.
var ErrAlreadyRunning = errors.New("libscan: scan already running")

// The platform-wide run lock key. One scan at a time, across processes
// when the lock source is Postgres-backed.
const runLockKey = "scan.run"

// DefaultMaxDuration bounds a run before it is failed with a timeout.
const DefaultMaxDuration = 30 * time.Minute

var (
	scanCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackaudit",
			Subsystem: "libscan",
			Name:      "scans_total",
			Help:      "Total number of scan runs by terminal state.",
		},
		[]string{"outcome"},
	)
	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stackaudit",
			Subsystem: "libscan",
			Name:      "scan_duration_seconds",
			Help:      "Wall time of completed scan runs.",
		},
	)
)

// Options configures a Libscan.
type Options struct {
	// Store is the persistence layer. Required.
	Store datastore.Store
	// Locks guards the singleton run. Required; use locksource.Local
	// only in single-process deployments.
	Locks locksource.Source
	// SBOM supplies the per-product component declarations. Required.
	SBOM sbom.Source

	// Matcher carries the denylist and target-software mapping.
	Matcher matcher.Config
	// ScanConcurrency bounds the matching worker pool. Defaults to
	// GOMAXPROCS.
	ScanConcurrency int
	// MaxDuration bounds a run. Defaults to DefaultMaxDuration.
	MaxDuration time.Duration
}

// Libscan drives scan runs. Construct with New.
type Libscan struct {
	store       datastore.Store
	locks       locksource.Source
	sboms       sbom.Source
	cfg         matcher.Config
	concurrency int
	maxDuration time.Duration
}

// New validates opts and returns a Libscan.
func New(ctx context.Context, opts *Options) (*Libscan, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("libscan: no store configured")
	case opts.Locks == nil:
		return nil, errors.New("libscan: no lock source configured")
	case opts.SBOM == nil:
		return nil, errors.New("libscan: no sbom source configured")
	}
	l := &Libscan{
		store:       opts.Store,
		locks:       opts.Locks,
		sboms:       opts.SBOM,
		cfg:         opts.Matcher,
		concurrency: opts.ScanConcurrency,
		maxDuration: opts.MaxDuration,
	}
	if l.concurrency < 1 {
		l.concurrency = runtime.GOMAXPROCS(0)
	}
	if l.maxDuration <= 0 {
		l.maxDuration = DefaultMaxDuration
	}
	// A run left at "running" by a crashed process would otherwise
	// report a non-terminal state forever.
	n, err := l.store.FailStaleRuns(ctx, "interrupted: process restarted mid-run")
	if err != nil {
		return nil, fmt.Errorf("libscan: sweeping interrupted runs: %w", err)
	}
	if n > 0 {
		zlog.Info(ctx).Int64("runs", n).Msg("marked interrupted runs failed")
	}
	zlog.Debug(ctx).
		Int("concurrency", l.concurrency).
		Dur("max_duration", l.maxDuration).
		Msg("configured")
	return l, nil
}

// Scan starts a platform-wide run and returns its id. The run proceeds in
// the background; poll ScanStatus for the terminal state.
//
// ErrAlreadyRunning is reported while any run holds the platform lock,
// including runs started by other processes sharing the lock source.
func (l *Libscan) Scan(ctx context.Context) (uuid.UUID, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libscan/Libscan.Scan")

	lock := l.locks.NewLock()
	ok, err := lock.TryLock(ctx, runLockKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("libscan: acquiring run lock: %w", err)
	}
	if !ok {
		return uuid.Nil, ErrAlreadyRunning
	}

	run := &stackaudit.ScanRun{
		ID:        uuid.New(),
		Status:    stackaudit.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := l.store.CreateScanRun(ctx, run); err != nil {
		lock.Unlock()
		return uuid.Nil, err
	}
	ctx = zlog.ContextWithValues(ctx, "run_id", run.ID.String())
	zlog.Info(ctx).Msg("scan started")

	// The run outlives the request that triggered it.
	dctx := context.WithoutCancel(ctx)
	go func() {
		defer lock.Unlock()
		rctx, cancel := context.WithTimeout(dctx, l.maxDuration)
		defer cancel()

		start := time.Now()
		err := l.run(rctx, run)
		switch {
		case err == nil:
			scanCounter.WithLabelValues("completed").Inc()
			scanDuration.Observe(time.Since(start).Seconds())
			zlog.Info(dctx).
				Int("findings", run.TotalFindings).
				Int("new", run.NewFindingsCount).
				Msg("scan completed")
		default:
			scanCounter.WithLabelValues("failed").Inc()
			zlog.Error(dctx).Err(err).Msg("scan failed")
			if ferr := l.store.FailScanRun(dctx, run.ID, err.Error()); ferr != nil {
				zlog.Error(dctx).Err(ferr).Msg("failed to mark run failed")
			}
		}
	}()
	return run.ID, nil
}

// ScanStatus fetches the run's current record.
func (l *Libscan) ScanStatus(ctx context.Context, id uuid.UUID) (*stackaudit.ScanRun, error) {
	return l.store.ScanRun(ctx, id)
}

// History pages through prior runs, newest first.
func (l *Libscan) History(ctx context.Context, limit, offset int) ([]stackaudit.ScanRun, int64, error) {
	return l.store.ScanRuns(ctx, limit, offset)
}

// Run performs the whole correlation pass. On success the run row and its
// findings have been persisted in one transaction.
func (l *Libscan) run(ctx context.Context, run *stackaudit.ScanRun) error {
	ctx = zlog.ContextWithValues(ctx, "component", "libscan/Libscan.run")

	products, err := l.sboms.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshotting declarations: %w", err)
	}
	res := dedupe.Dedupe(products)
	zlog.Info(ctx).
		Int("products", len(products)).
		Int("distinct", len(res.Distinct)).
		Msg("deduplicated components")

	prev, err := l.store.PreviousFindings(ctx)
	if err != nil {
		return fmt.Errorf("loading previous findings: %w", err)
	}

	eng := matcher.New(l.store, l.cfg)
	results := make([][]stackaudit.MatchResult, len(res.Distinct))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(l.concurrency)
	for i := range res.Distinct {
		i := i
		eg.Go(func() error {
			c := &res.Distinct[i]
			ms, err := eng.Match(ectx, c)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				// A component failing to match yields zero findings and
				// never aborts the run.
				zlog.Warn(ectx).
					Err(err).
					Str("component", c.Key().String()).
					Msg("match failed")
				return nil
			}
			results[i] = ms
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("matching interrupted: %w", err)
	}

	var findings []stackaudit.Finding
	for i := range res.Distinct {
		c := &res.Distinct[i]
		for _, m := range results[i] {
			for _, owner := range res.Owners[c.Key()] {
				f := stackaudit.Finding{
					ProductID:    owner,
					Component:    *c,
					Source:       m.Source,
					SourceID:     m.SourceID,
					Severity:     m.Severity,
					FixedVersion: m.FixedVersion,
					Status:       stackaudit.StatusOpen,
				}
				// Operator dispositions follow the logical finding, not
				// the row.
				if st, ok := prev[f.NaturalKey()]; ok && st != stackaudit.StatusOpen {
					f.Status = st
				}
				findings = append(findings, f)
			}
		}
	}

	now := time.Now().UTC()
	run.Status = stackaudit.RunCompleted
	run.CompletedAt = &now
	run.TotalComponents = len(res.Distinct)
	run.TotalFindings = len(findings)
	run.NewFindingsCount = lo.CountBy(findings, func(f stackaudit.Finding) bool {
		_, ok := prev[f.NaturalKey()]
		return !ok
	})
	run.PerSourceTiming = eng.Timings()

	if err := l.store.PersistRun(ctx, run, findings); err != nil {
		return fmt.Errorf("persisting run: %w", err)
	}
	return nil
}
