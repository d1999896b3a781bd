package updates

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sync/semaphore"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/datastore"
	"github.com/stackaudit/stackaudit/internal/locksource"
)

const DefaultInterval = 6 * time.Hour

var DefaultBatchSize = runtime.NumCPU()

// TriggerResult reports what an on-demand trigger did for one source.
type TriggerResult string

const (
	TriggerStarted        TriggerResult = "started"
	TriggerAlreadyRunning TriggerResult = "already_running"
)

// Manager oversees the configuration and invocation of feed sources.
//
// The Manager may be used one-shot via Run, as a background job via
// Start, or both; each source syncs independently and one source's
// failure never blocks the others.
type Manager struct {
	store   datastore.Updater
	locks   locksource.Source
	sources []Source
	// max in-flight sources
	batchSize int
	// sync interval once Start is invoked
	interval time.Duration

	// last fingerprint and row count per source, process-local
	fpMu   sync.Mutex
	fps    map[string]Fingerprint
	counts map[string]int64
}

// ManagerOption adjusts a Manager under construction.
type ManagerOption func(*Manager)

// WithInterval sets the background sync period.
func WithInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = d }
}

// WithBatchSize caps concurrently syncing sources.
func WithBatchSize(n int) ManagerOption {
	return func(m *Manager) { m.batchSize = n }
}

// NewManager returns a manager ready to have its Start, Run or Trigger
// methods called.
func NewManager(ctx context.Context, store datastore.Updater, locks locksource.Source, sources []Source, opts ...ManagerOption) (*Manager, error) {
	if len(sources) == 0 {
		return nil, errors.New("updates: no sources configured")
	}
	m := &Manager{
		store:     store,
		locks:     locks,
		sources:   sources,
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		fps:       make(map[string]Fingerprint),
		counts:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start runs sources at the configured interval.
//
// Start is designed to be run as a goroutine. Cancel the provided
// context to end the sync loop.
func (m *Manager) Start(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "updates/Manager.Start")

	zlog.Info(ctx).Msg("starting initial sync")
	if err := m.Run(ctx); err != nil {
		zlog.Error(ctx).Err(err).Msg("errors during sync")
	}

	zlog.Info(ctx).Str("interval", m.interval.String()).Msg("starting background sync")
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := m.Run(ctx); err != nil {
				zlog.Error(ctx).Err(err).Msg("errors during sync")
			}
		}
	}
}

// Run syncs every configured source once, batchSize at a time.
//
// Run is safe to call at any time, regardless of whether background
// syncs are running: a source already being synced elsewhere is skipped,
// not re-run.
func (m *Manager) Run(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "updates/Manager.Run")
	zlog.Info(ctx).Int("total", len(m.sources)).Int("batchSize", m.batchSize).Msg("syncing sources")

	sem := semaphore.NewWeighted(int64(m.batchSize))
	errChan := make(chan error, len(m.sources))
	for i := range m.sources {
		if err := sem.Acquire(ctx, 1); err != nil {
			zlog.Error(ctx).Err(err).Msg("sem acquire failed, ending sync run")
			break
		}
		go func(src Source) {
			defer sem.Release(1)
			if err := ctx.Err(); err != nil {
				return
			}

			lock := m.locks.NewLock()
			ok, err := lock.TryLock(ctx, lockKey(src.Name()))
			if err != nil {
				errChan <- err
				return
			}
			if !ok {
				zlog.Debug(ctx).Str("source", src.Name()).Msg("source already syncing elsewhere, skipping")
				return
			}
			defer lock.Unlock()

			if err := m.driveSource(ctx, src); err != nil {
				errChan <- fmt.Errorf("%v: %w", src.Name(), err)
			}
		}(m.sources[i])
	}

	// Unconditionally wait for all in-flight goroutines; they are
	// guaranteed to release their sems.
	sem.Acquire(context.Background(), int64(m.batchSize))

	close(errChan)
	if len(errChan) != 0 {
		var b strings.Builder
		b.WriteString("sync errors:\n")
		for err := range errChan {
			fmt.Fprintf(&b, "%v\n", err)
		}
		return errors.New(b.String())
	}
	return nil
}

// Trigger starts an on-demand sync of every source, reporting per source
// whether a sync started or was already running. The syncs themselves
// proceed in the background.
func (m *Manager) Trigger(ctx context.Context) map[string]TriggerResult {
	ctx = zlog.ContextWithValues(ctx, "component", "updates/Manager.Trigger")

	out := make(map[string]TriggerResult, len(m.sources))
	for _, src := range m.sources {
		lock := m.locks.NewLock()
		ok, err := lock.TryLock(ctx, lockKey(src.Name()))
		switch {
		case err != nil:
			zlog.Error(ctx).Err(err).Str("source", src.Name()).Msg("lock error on trigger")
			out[src.Name()] = TriggerAlreadyRunning
		case !ok:
			out[src.Name()] = TriggerAlreadyRunning
		default:
			out[src.Name()] = TriggerStarted
			go func(src Source, lock locksource.Locker) {
				defer lock.Unlock()
				dctx := context.WithoutCancel(ctx)
				if err := m.driveSource(dctx, src); err != nil {
					zlog.Error(dctx).Err(err).Str("source", src.Name()).Msg("triggered sync failed")
				}
			}(src, lock)
		}
	}
	return out
}

// DriveSource performs the fetch, parse, and load of one source's feed.
func (m *Manager) driveSource(ctx context.Context, src Source) error {
	name := src.Name()
	ctx = zlog.ContextWithValues(ctx,
		"component", "updates/Manager.driveSource",
		"source", name,
	)
	zlog.Info(ctx).Msg("starting sync")
	defer zlog.Info(ctx).Msg("finished sync")

	start := time.Now()
	status := stackaudit.SyncStatus{
		Source:    name,
		Ecosystem: src.Ecosystem(),
		Status:    stackaudit.SyncOK,
	}
	fail := func(err error) error {
		status.LastSyncAt = time.Now()
		status.Status = stackaudit.SyncFailed
		status.DurationSeconds = time.Since(start).Seconds()
		status.ErrorMessage = err.Error()
		if rerr := m.store.RecordSyncStatus(ctx, status); rerr != nil {
			zlog.Error(ctx).Err(rerr).Msg("failed to record sync failure")
		}
		return err
	}

	m.fpMu.Lock()
	prevFP := m.fps[name]
	prevCount := m.counts[name]
	m.fpMu.Unlock()

	feed, newFP, err := src.Fetch(ctx, prevFP)
	switch {
	case err == nil:
	case errors.Is(err, Unchanged):
		zlog.Info(ctx).Msg("feed unchanged")
		// A no-op sync is still a successful sync; refresh the status
		// so last_sync_at reflects it.
		status.LastSyncAt = time.Now()
		status.AdvisoryCount = prevCount
		status.DurationSeconds = time.Since(start).Seconds()
		if err := m.store.RecordSyncStatus(ctx, status); err != nil {
			return fmt.Errorf("failed to record sync status: %w", err)
		}
		return nil
	default:
		return fail(fmt.Errorf("fetch failed: %w", err))
	}

	parsed, err := src.Parse(ctx, feed)
	if err != nil {
		return fail(fmt.Errorf("parse failed: %w", err))
	}

	var count int64
	switch {
	case len(parsed.CveRecords) != 0:
		count, err = m.store.UpsertCveRecords(ctx, name, parsed.CveRecords)
		if err != nil {
			return fail(fmt.Errorf("store update failed: %w", err))
		}
		// The flattened index is regenerated after every successful CVE
		// load; the swap is atomic so concurrent readers are unaffected.
		if _, err := m.store.RebuildCpeIndex(ctx); err != nil {
			return fail(fmt.Errorf("index rebuild failed: %w", err))
		}
	default:
		count, err = m.store.UpsertAdvisories(ctx, name, parsed.Advisories)
		if err != nil {
			return fail(fmt.Errorf("store update failed: %w", err))
		}
	}

	m.fpMu.Lock()
	m.fps[name] = newFP
	m.counts[name] = count
	m.fpMu.Unlock()

	status.LastSyncAt = time.Now()
	status.AdvisoryCount = count
	status.DurationSeconds = time.Since(start).Seconds()
	if err := m.store.RecordSyncStatus(ctx, status); err != nil {
		return fmt.Errorf("failed to record sync status: %w", err)
	}
	return nil
}

func lockKey(source string) string {
	return "sync." + source
}
