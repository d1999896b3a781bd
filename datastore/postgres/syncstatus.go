package postgres

import (
	"context"
	"fmt"

	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
)

// RecordSyncStatus implements datastore.Updater.
func (s *Store) RecordSyncStatus(ctx context.Context, st stackaudit.SyncStatus) error {
	const upsert = `
	INSERT INTO sync_status (
		source, ecosystem, last_sync_at, status, advisory_count, duration_seconds, error_message
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (source) DO UPDATE
	SET ecosystem = excluded.ecosystem,
	    last_sync_at = excluded.last_sync_at,
	    status = excluded.status,
	    advisory_count = excluded.advisory_count,
	    duration_seconds = excluded.duration_seconds,
	    error_message = excluded.error_message;`
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.RecordSyncStatus")

	_, err := s.pool.Exec(ctx, upsert,
		st.Source, st.Ecosystem, st.LastSyncAt, string(st.Status),
		st.AdvisoryCount, st.DurationSeconds, st.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync status for %q: %w", st.Source, err)
	}
	return nil
}

// SyncStatuses implements datastore.Updater.
func (s *Store) SyncStatuses(ctx context.Context) ([]stackaudit.SyncStatus, error) {
	const query = `
	SELECT source, ecosystem, last_sync_at, status, advisory_count, duration_seconds, error_message
	FROM sync_status
	ORDER BY source;`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sync status query failed: %w", err)
	}
	defer rows.Close()

	var out []stackaudit.SyncStatus
	for rows.Next() {
		var st stackaudit.SyncStatus
		var state string
		err := rows.Scan(&st.Source, &st.Ecosystem, &st.LastSyncAt, &state,
			&st.AdvisoryCount, &st.DurationSeconds, &st.ErrorMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		st.Status = stackaudit.SyncState(state)
		out = append(out, st)
	}
	return out, rows.Err()
}
