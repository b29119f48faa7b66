package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"agrolink/relay/internal/events"
	"agrolink/relay/internal/ingest"
	"agrolink/relay/internal/store"
)

const (
	maxIngestBody = 1 << 20
	queryTimeout  = 5 * time.Second
)

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (a *App) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, errorResponse{Error: message})
}

// writeStoreError maps store failures to a status. The cause is surfaced to the caller.
func (a *App) writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.logger.Error(op, zap.Error(err))
	a.writeError(w, http.StatusInternalServerError, err.Error())
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() || a.store == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		a.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	res, err := a.ingest.Ingest(r.Context(), body)
	if err != nil {
		var ce *ingest.ClientInputError
		if errors.As(err, &ce) {
			a.writeError(w, http.StatusBadRequest, ce.Message)
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.writeJSON(w, http.StatusOK, res)
}

func (a *App) handleListReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), store.DefaultLimit)
	if err != nil || limit <= 0 {
		a.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > store.MaxLimit {
		limit = store.MaxLimit
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		a.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	nodeID := strings.TrimSpace(q.Get("node_id"))

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	readings, err := a.store.ListPaginated(ctx, limit, offset, nodeID)
	if err != nil {
		a.writeStoreError(w, "failed to list readings", err)
		return
	}
	a.writeJSON(w, http.StatusOK, readings)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	stats, err := a.store.AggregateStats(ctx)
	if err != nil {
		a.writeStoreError(w, "failed to aggregate stats", err)
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

func (a *App) handleListNodes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	nodes, err := a.store.DistinctNodes(ctx)
	if err != nil {
		a.writeStoreError(w, "failed to list nodes", err)
		return
	}
	a.writeJSON(w, http.StatusOK, nodes)
}

func (a *App) handleNodeLocation(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	loc, err := a.store.LatestLocation(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("no location for node %q", nodeID))
		return
	}
	if err != nil {
		a.writeStoreError(w, "failed to load node location", err)
		return
	}
	a.writeJSON(w, http.StatusOK, loc)
}

func (a *App) handleDeleteReading(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	ok, err := a.store.Delete(ctx, id)
	if err != nil {
		a.writeStoreError(w, "failed to delete reading", err)
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("reading %d not found", id))
		return
	}

	a.logger.Info("reading deleted", zap.Int64("id", id))
	if err := a.publisher.Publish(r.Context(), events.ReadingDeleted, events.DeletedPayload{ID: id}); err != nil {
		a.logger.Warn("broadcast failed", zap.String("event", events.ReadingDeleted), zap.Error(err))
	}

	success := true
	a.writeJSON(w, http.StatusOK, events.DeletedPayload{ID: id, Success: &success})
}

func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
