// Package httpapi exposes scanning and feed synchronization over HTTP.
//
// All error responses are JSON bodies with a machine-readable code; see
// internal/jsonerr.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quay/zlog"

	"github.com/stackaudit/stackaudit"
	"github.com/stackaudit/stackaudit/datastore"
	"github.com/stackaudit/stackaudit/internal/jsonerr"
	"github.com/stackaudit/stackaudit/libscan"
	"github.com/stackaudit/stackaudit/updates"
)

// Scanner is the scan surface the API serves.
type Scanner interface {
	Scan(ctx context.Context) (uuid.UUID, error)
	ScanStatus(ctx context.Context, id uuid.UUID) (*stackaudit.ScanRun, error)
	History(ctx context.Context, limit, offset int) ([]stackaudit.ScanRun, int64, error)
}

// Syncer is the feed sync surface the API serves.
type Syncer interface {
	Trigger(ctx context.Context) map[string]updates.TriggerResult
}

// Findings is the read/disposition surface over persisted findings.
type Findings interface {
	ProductFindings(ctx context.Context, productID string) ([]stackaudit.Finding, error)
	SetFindingStatus(ctx context.Context, productID string, key stackaudit.ComponentKey, sourceID string, status stackaudit.FindingStatus) error
	SyncStatuses(ctx context.Context) ([]stackaudit.SyncStatus, error)
}

// New routes the API over the given collaborators.
func New(scanner Scanner, syncer Syncer, store Findings) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /scan", Scan(scanner))
	mux.Handle("GET /scan/{id}", ScanStatus(scanner))
	mux.Handle("GET /scan-history", ScanHistory(scanner))
	mux.Handle("POST /vulnerability-db/sync", Sync(syncer))
	mux.Handle("GET /vulnerability-db/status", SyncStatus(store))
	mux.Handle("GET /products/{id}/findings", ProductFindings(store))
	mux.Handle("PATCH /products/{id}/findings", SetFindingStatus(store))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Scan returns a handler kicking off a platform-wide scan run.
//
// A second trigger while a run is in flight is a rejection, not a
// failure: the response is 409 and no new run starts.
func Scan(scanner Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := scanner.Scan(ctx)
		switch {
		case err == nil:
		case errors.Is(err, libscan.ErrAlreadyRunning):
			resp := &jsonerr.Response{
				Code:    "scan-already-running",
				Message: "a scan is already in progress",
			}
			jsonerr.Error(w, resp, http.StatusConflict)
			return
		default:
			resp := &jsonerr.Response{
				Code:    "scan-error",
				Message: fmt.Sprintf("failed to start scan: %v", err),
			}
			jsonerr.Error(w, resp, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(ctx, w, map[string]string{"scan_id": id.String()})
	}
}

// ScanStatus returns a handler serving one run's record.
func ScanStatus(scanner Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			resp := &jsonerr.Response{
				Code:    "bad-request",
				Message: fmt.Sprintf("malformed scan id: %v", err),
			}
			jsonerr.Error(w, resp, http.StatusBadRequest)
			return
		}
		run, err := scanner.ScanStatus(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, datastore.ErrNotFound):
			resp := &jsonerr.Response{
				Code:    "not-found",
				Message: fmt.Sprintf("no scan run %q", id),
			}
			jsonerr.Error(w, resp, http.StatusNotFound)
			return
		default:
			resp := &jsonerr.Response{
				Code:    "internal-error",
				Message: fmt.Sprintf("failed to load scan run: %v", err),
			}
			jsonerr.Error(w, resp, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(ctx, w, run)
	}
}

// ScanHistory returns a handler paging through prior runs, newest first.
func ScanHistory(scanner Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)
		runs, total, err := scanner.History(ctx, limit, offset)
		if err != nil {
			resp := &jsonerr.Response{
				Code:    "internal-error",
				Message: fmt.Sprintf("failed to load history: %v", err),
			}
			jsonerr.Error(w, resp, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(ctx, w, map[string]interface{}{
			"total": total,
			"runs":  runs,
		})
	}
}

// Sync returns a handler triggering an on-demand feed sync. Sources
// already syncing report "already_running" and are left alone.
func Sync(syncer Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(ctx, w, map[string]interface{}{"sources": syncer.Trigger(ctx)})
	}
}

// SyncStatus returns a handler serving the last recorded status of every
// feed source.
func SyncStatus(store Findings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		statuses, err := store.SyncStatuses(ctx)
		if err != nil {
			resp := &jsonerr.Response{
				Code:    "internal-error",
				Message: fmt.Sprintf("failed to load sync statuses: %v", err),
			}
			jsonerr.Error(w, resp, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(ctx, w, map[string]interface{}{"sources": statuses})
	}
}

// ProductFindings returns a handler serving one product's findings from
// the latest completed run.
func ProductFindings(store Findings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		fs, err := store.ProductFindings(ctx, r.PathValue("id"))
		if err != nil {
			resp := &jsonerr.Response{
				Code:    "internal-error",
				Message: fmt.Sprintf("failed to load findings: %v", err),
			}
			jsonerr.Error(w, resp, http.StatusInternalServerError)
			return
		}
		if fs == nil {
			fs = []stackaudit.Finding{}
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(ctx, w, map[string]interface{}{"findings": fs})
	}
}

// statusPatch is the body of a finding disposition update.
type statusPatch struct {
	Name      string                   `json:"name"`
	Ecosystem string                   `json:"ecosystem"`
	Version   string                   `json:"version"`
	SourceID  string                   `json:"source_id"`
	Status    stackaudit.FindingStatus `json:"status"`
}

// SetFindingStatus returns a handler updating one finding's disposition
// on the latest completed run.
func SetFindingStatus(store Findings) http.HandlerFunc {
	valid := map[stackaudit.FindingStatus]struct{}{
		stackaudit.StatusOpen:      {},
		stackaudit.StatusMitigated: {},
		stackaudit.StatusDismissed: {},
		stackaudit.StatusClosed:    {},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var p statusPatch
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			resp := &jsonerr.Response{
				Code:    "bad-request",
				Message: fmt.Sprintf("could not deserialize patch: %v", err),
			}
			jsonerr.Error(w, resp, http.StatusBadRequest)
			return
		}
		if _, ok := valid[p.Status]; !ok {
			resp := &jsonerr.Response{
				Code:    "bad-request",
				Message: fmt.Sprintf("unknown status %q", p.Status),
			}
			jsonerr.Error(w, resp, http.StatusBadRequest)
			return
		}
		key := stackaudit.ComponentKey{Name: p.Name, Ecosystem: p.Ecosystem, Version: p.Version}
		err := store.SetFindingStatus(ctx, r.PathValue("id"), key, p.SourceID, p.Status)
		switch {
		case err == nil:
		case errors.Is(err, datastore.ErrNotFound):
			resp := &jsonerr.Response{
				Code:    "not-found",
				Message: "no such finding on the latest completed run",
			}
			jsonerr.Error(w, resp, http.StatusNotFound)
			return
		default:
			resp := &jsonerr.Response{
				Code:    "internal-error",
				Message: fmt.Sprintf("failed to update finding: %v", err),
			}
			jsonerr.Error(w, resp, http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn(ctx).Err(err).Msg("failed to write response")
	}
}
