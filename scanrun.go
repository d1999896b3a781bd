package stackaudit

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a ScanRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// SourceTiming records elapsed matching time per vulnerability source for
// one scan run.
type SourceTiming map[Source]time.Duration

// ScanRun is the telemetry record of one platform-wide correlation run.
type ScanRun struct {
	ID          uuid.UUID  `json:"id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// how many distinct components were matched
	TotalComponents int `json:"total_components"`
	// findings persisted across all products
	TotalFindings int `json:"total_findings"`
	// findings whose natural key was absent from the previous run
	NewFindingsCount int `json:"new_findings_count"`
	// per-source matching time
	PerSourceTiming SourceTiming `json:"per_source_timing,omitempty"`

	// set when Status is failed
	Error string `json:"error,omitempty"`
}

// SyncState is the lifecycle state of a feed sync.
type SyncState string

const (
	SyncOK      SyncState = "ok"
	SyncRunning SyncState = "running"
	SyncFailed  SyncState = "failed"
)

// SyncStatus is the last recorded sync outcome for one feed source.
//
// Failures never invalidate previously synced data: the store keeps
// serving the last successful sync for the source.
type SyncStatus struct {
	// the Source's Name
	Source string `json:"source"`
	// the ecosystem the source feeds, or "cve" for the CVE source
	Ecosystem string `json:"ecosystem"`

	LastSyncAt      time.Time `json:"last_sync_at"`
	Status          SyncState `json:"status"`
	AdvisoryCount   int64     `json:"advisory_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}
