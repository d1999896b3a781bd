package updates

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/internal/locksource"
)

type fakeSource struct {
	name      string
	ecosystem string
	feed      *ParsedFeed
	fp        Fingerprint
	fetchErr  error
	parseErr  error
}

func (s *fakeSource) Name() string      { return s.name }
func (s *fakeSource) Ecosystem() string { return s.ecosystem }

func (s *fakeSource) Fetch(_ context.Context, prev Fingerprint) (io.ReadCloser, Fingerprint, error) {
	if s.fetchErr != nil {
		return nil, prev, s.fetchErr
	}
	if prev == s.fp {
		return nil, prev, Unchanged
	}
	return io.NopCloser(strings.NewReader("feed")), s.fp, nil
}

func (s *fakeSource) Parse(_ context.Context, rc io.ReadCloser) (*ParsedFeed, error) {
	rc.Close()
	if s.parseErr != nil {
		return nil, s.parseErr
	}
	return s.feed, nil
}

// fakeStore counts Updater calls per source.
type fakeStore struct {
	mu           sync.Mutex
	advUpserts   map[string]int
	cveUpserts   map[string]int
	rebuilds     int
	statuses     []stackaudit.SyncStatus
	upsertErrFor string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		advUpserts: make(map[string]int),
		cveUpserts: make(map[string]int),
	}
}

func (s *fakeStore) UpsertAdvisories(_ context.Context, source string, advs []stackaudit.Advisory) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if source == s.upsertErrFor {
		return 0, errors.New("upsert refused")
	}
	s.advUpserts[source]++
	return int64(len(advs)), nil
}

func (s *fakeStore) UpsertCveRecords(_ context.Context, source string, recs []stackaudit.CveRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cveUpserts[source]++
	return int64(len(recs)), nil
}

func (s *fakeStore) RebuildCpeIndex(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilds++
	return 0, nil
}

func (s *fakeStore) RecordSyncStatus(_ context.Context, st stackaudit.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
	return nil
}

func (s *fakeStore) SyncStatuses(context.Context) ([]stackaudit.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stackaudit.SyncStatus(nil), s.statuses...), nil
}

func (s *fakeStore) lastStatus(source string) (stackaudit.SyncStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.statuses) - 1; i >= 0; i-- {
		if s.statuses[i].Source == source {
			return s.statuses[i], true
		}
	}
	return stackaudit.SyncStatus{}, false
}

func advisoryFeed(pkg string) *ParsedFeed {
	return &ParsedFeed{Advisories: []stackaudit.Advisory{{
		ID:          "GHSA-test",
		Ecosystem:   "npm",
		PackageName: pkg,
		AffectedRanges: []stackaudit.AffectedRange{
			{Introduced: "0", Fixed: "1.0.0"},
		},
	}}}
}

func cveFeed() *ParsedFeed {
	return &ParsedFeed{CveRecords: []stackaudit.CveRecord{{
		CveID:      "CVE-2024-0001",
		CpeMatches: []stackaudit.CpeMatch{{Product: "lodash", TargetSoftware: "node.js", Version: "*"}},
	}}}
}

func TestRunSyncsEverySource(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	srcs := []Source{
		&fakeSource{name: "osv/npm", ecosystem: "npm", feed: advisoryFeed("lodash"), fp: "a"},
		&fakeSource{name: "ghsa/npm", ecosystem: "npm", feed: advisoryFeed("minimist"), fp: "b"},
		&fakeSource{name: "nvd", ecosystem: "cve", feed: cveFeed(), fp: "c"},
	}
	m, err := NewManager(ctx, store, locksource.Local(), srcs)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := store.advUpserts["osv/npm"] + store.advUpserts["ghsa/npm"]; got != 2 {
		t.Errorf("got %d advisory upserts, want 2", got)
	}
	if store.cveUpserts["nvd"] != 1 {
		t.Errorf("got %d cve upserts, want 1", store.cveUpserts["nvd"])
	}
	if store.rebuilds != 1 {
		t.Errorf("got %d index rebuilds, want 1", store.rebuilds)
	}
	for _, name := range []string{"osv/npm", "ghsa/npm", "nvd"} {
		st, ok := store.lastStatus(name)
		if !ok || st.Status != stackaudit.SyncOK {
			t.Errorf("source %q: status %+v, want ok", name, st)
		}
	}
}

func TestRunUnchangedFeedSkipsWriteButRefreshesStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	src := &fakeSource{name: "osv/npm", ecosystem: "npm", feed: advisoryFeed("lodash"), fp: "v1"}
	m, err := NewManager(ctx, store, locksource.Local(), []Source{src})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := m.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if store.advUpserts["osv/npm"] != 1 {
		t.Errorf("got %d upserts after unchanged re-run, want 1", store.advUpserts["osv/npm"])
	}
	// The no-op sync still records a fresh OK status so last_sync_at
	// reflects the most recent successful run.
	if len(store.statuses) != 2 {
		t.Fatalf("got %d status writes, want 2", len(store.statuses))
	}
	first, second := store.statuses[0], store.statuses[1]
	if second.Status != stackaudit.SyncOK || second.ErrorMessage != "" {
		t.Errorf("unchanged run status = %+v, want ok", second)
	}
	if second.AdvisoryCount != first.AdvisoryCount {
		t.Errorf("unchanged run count = %d, want previous %d", second.AdvisoryCount, first.AdvisoryCount)
	}
	if second.LastSyncAt.Before(first.LastSyncAt) {
		t.Error("unchanged run did not refresh last_sync_at")
	}
}

func TestRunIsolatesSourceFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	srcs := []Source{
		&fakeSource{name: "osv/npm", ecosystem: "npm", fetchErr: errors.New("remote hiccup")},
		&fakeSource{name: "osv/pypi", ecosystem: "PyPI", feed: advisoryFeed("requests"), fp: "a"},
	}
	m, err := NewManager(ctx, store, locksource.Local(), srcs)
	if err != nil {
		t.Fatal(err)
	}

	err = m.Run(ctx)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "osv/npm") {
		t.Errorf("error %q does not name the failed source", err)
	}
	if store.advUpserts["osv/pypi"] != 1 {
		t.Errorf("healthy source did not sync: %v", store.advUpserts)
	}
	st, ok := store.lastStatus("osv/npm")
	if !ok || st.Status != stackaudit.SyncFailed || st.ErrorMessage == "" {
		t.Errorf("failed source status = %+v, want failed with message", st)
	}
	if st, _ := store.lastStatus("osv/pypi"); st.Status != stackaudit.SyncOK {
		t.Errorf("healthy source status = %+v, want ok", st)
	}
}

func TestTriggerReportsAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	locks := locksource.Local()
	src := &fakeSource{name: "osv/npm", ecosystem: "npm", feed: advisoryFeed("lodash"), fp: "v1"}
	m, err := NewManager(ctx, store, locks, []Source{src})
	if err != nil {
		t.Fatal(err)
	}

	guard := locks.NewLock()
	ok, err := guard.TryLock(ctx, "sync.osv/npm")
	if err != nil || !ok {
		t.Fatalf("guard lock: ok=%v err=%v", ok, err)
	}
	if got := m.Trigger(ctx)["osv/npm"]; got != TriggerAlreadyRunning {
		t.Errorf("got %q, want %q", got, TriggerAlreadyRunning)
	}
	if err := guard.Unlock(); err != nil {
		t.Fatal(err)
	}

	if got := m.Trigger(ctx)["osv/npm"]; got != TriggerStarted {
		t.Errorf("got %q, want %q", got, TriggerStarted)
	}
	// The triggered sync runs in the background; wait for its status.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := store.lastStatus("osv/npm"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("triggered sync never recorded a status")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
