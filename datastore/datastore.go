// Package datastore holds the interfaces implemented by the persistence
// layer. Consumers take these interfaces; the postgres package returns
// the implementation.
package datastore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stackaudit/stackaudit"
)

// ErrNotFound is reported when a lookup names a row that does not exist.
var ErrNotFound = errors.New("datastore: not found")

// Vulnerability is the read side used by the matching engine.
type Vulnerability interface {
	// QueryAdvisories returns the advisories on file for a package,
	// served by the (ecosystem, package_name) index.
	QueryAdvisories(ctx context.Context, ecosystem, packageName string) ([]stackaudit.Advisory, error)
	// QueryCpeCandidates returns flattened CPE entries for a product
	// name restricted to the given target-software values, served by the
	// (product, target_sw) index. Callers must never pass an
	// unconstrained target list.
	QueryCpeCandidates(ctx context.Context, product string, targetSoftware []string) ([]stackaudit.CpeIndexEntry, error)
}

// Updater is the write side used by feed sync.
type Updater interface {
	// UpsertAdvisories replaces advisories keyed by (ecosystem, id) and
	// returns the count now on file for the source.
	UpsertAdvisories(ctx context.Context, source string, advs []stackaudit.Advisory) (int64, error)
	// UpsertCveRecords replaces CVE records keyed by CVE id and returns
	// the count now on file.
	UpsertCveRecords(ctx context.Context, source string, recs []stackaudit.CveRecord) (int64, error)
	// RebuildCpeIndex regenerates the flattened CPE index from the CVE
	// records on file. The rebuild is all-or-nothing: it builds into a
	// staging table and swaps atomically, so readers never observe a
	// half-populated index.
	RebuildCpeIndex(ctx context.Context) (int64, error)
	// RecordSyncStatus upserts the per-source sync record.
	RecordSyncStatus(ctx context.Context, s stackaudit.SyncStatus) error
	// SyncStatuses returns the last recorded status for every source.
	SyncStatuses(ctx context.Context) ([]stackaudit.SyncStatus, error)
}

// Scan persists run telemetry and findings.
type Scan interface {
	// CreateScanRun inserts the run row in its running state.
	CreateScanRun(ctx context.Context, run *stackaudit.ScanRun) error
	// PersistRun completes a run: findings insert and run completion
	// happen in one transaction, so a failed run never leaves a
	// partially-visible result set.
	PersistRun(ctx context.Context, run *stackaudit.ScanRun, findings []stackaudit.Finding) error
	// FailScanRun marks the run failed with the given message.
	FailScanRun(ctx context.Context, id uuid.UUID, msg string) error
	// FailStaleRuns marks every run still recorded as running as failed
	// and returns how many rows changed. A run left running by a dead
	// process never completes on its own; callers sweep at startup.
	FailStaleRuns(ctx context.Context, msg string) (int64, error)
	// ScanRun fetches one run by id.
	ScanRun(ctx context.Context, id uuid.UUID) (*stackaudit.ScanRun, error)
	// ScanRuns pages through prior runs, newest first, returning the
	// total count alongside.
	ScanRuns(ctx context.Context, limit, offset int) ([]stackaudit.ScanRun, int64, error)
	// PreviousFindings returns natural key → status for the most recent
	// completed run, for diffing and status carry-over.
	PreviousFindings(ctx context.Context) (map[string]stackaudit.FindingStatus, error)
	// ProductFindings returns the latest completed run's findings for
	// one product.
	ProductFindings(ctx context.Context, productID string) ([]stackaudit.Finding, error)
	// SetFindingStatus updates the disposition of one finding on the
	// latest completed run, identified by its natural key parts.
	SetFindingStatus(ctx context.Context, productID string, key stackaudit.ComponentKey, sourceID string, status stackaudit.FindingStatus) error
}

// Store is the full persistence surface.
type Store interface {
	Vulnerability
	Updater
	Scan
}
