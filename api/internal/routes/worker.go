package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm-event-pipeline/shared/httpx"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
)

type WorkerDeps struct {
	Engine StreamEngine
	Logger logx.Logger
	// Wrap guards every privileged route, e.g. auth then audit.
	Wrap func(http.Handler) http.Handler
	// DrainWrap additionally guards routes that run handlers.
	DrainWrap func(http.Handler) http.Handler
}

type worker struct {
	WorkerDeps
}

func RegisterWorker(mux *http.ServeMux, deps WorkerDeps) {
	if deps.Wrap == nil {
		deps.Wrap = func(h http.Handler) http.Handler { return h }
	}
	if deps.DrainWrap == nil {
		deps.DrainWrap = func(h http.Handler) http.Handler { return h }
	}
	wk := &worker{WorkerDeps: deps}
	mux.Handle("GET /api/v1/streams/{topic}", deps.Wrap(http.HandlerFunc(wk.snapshot)))
	mux.Handle("POST /api/v1/streams/{topic}", deps.Wrap(deps.DrainWrap(http.HandlerFunc(wk.drain))))
	mux.Handle("GET /api/v1/streams/{topic}/dead-letters", deps.Wrap(http.HandlerFunc(wk.deadLetters)))
	mux.Handle("POST /api/v1/streams/{topic}/dead-letters/{id}/replay", deps.Wrap(http.HandlerFunc(wk.replay)))
}

type drainRequest struct {
	Limit    int    `json:"limit"`
	Group    string `json:"group"`
	Consumer string `json:"consumer"`
	BlockMS  int    `json:"block_ms"`
	Start    string `json:"start"`
}

func (wk *worker) snapshot(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	snap, err := wk.Engine.Snapshot(r.Context(), r.PathValue("topic"), strings.TrimSpace(r.URL.Query().Get("group")), limit)
	if err != nil {
		wk.fail(w, r, "snapshot_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (wk *worker) drain(w http.ResponseWriter, r *http.Request) {
	var req drainRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
		return
	}
	if req.Limit < 0 || req.Limit > maxLimit {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be between 0 and "+strconv.Itoa(maxLimit), nil)
		return
	}
	block := time.Duration(req.BlockMS) * time.Millisecond
	if req.BlockMS < 0 || block > maxBlock {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "block_ms must be between 0 and 30000", nil)
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultLimit
	}

	res, err := wk.Engine.Drain(r.Context(), r.PathValue("topic"), pipeline.DrainOptions{
		Group:    strings.TrimSpace(req.Group),
		Consumer: strings.TrimSpace(req.Consumer),
		MaxBatch: req.Limit,
		Block:    block,
		Start:    strings.TrimSpace(req.Start),
	})
	if err != nil {
		wk.fail(w, r, "drain_request_failed", err)
		return
	}
	if res.Failed == nil {
		res.Failed = []pipeline.EntryError{}
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (wk *worker) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	items, err := wk.Engine.DeadLetters(r.Context(), r.PathValue("topic"), limit)
	if err != nil {
		wk.fail(w, r, "dead_letters_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"topic": r.PathValue("topic"), "items": items})
}

func (wk *worker) replay(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	id, err := wk.Engine.Replay(r.Context(), topic, r.PathValue("id"))
	if err != nil {
		wk.fail(w, r, "replay_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"topic": topic, "id": id, "replayed_from": r.PathValue("id")})
}

func (wk *worker) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnknownTopic):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown topic", nil)
	case errors.Is(err, pipeline.ErrDeadLetterNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "dead letter not found", nil)
	case errors.Is(err, pipeline.ErrSweepInProgress):
		httpx.WriteError(w, r, http.StatusConflict, "CONFLICT", "a sweep of this topic is already running", nil)
	default:
		wk.Logger.Error(r.Context(), event, "stream request failed",
			slog.String("error_code", errorCode(err)),
			slog.String("topic", r.PathValue("topic")),
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, errorCode(err), "stream store unavailable", nil)
	}
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be between 1 and "+strconv.Itoa(maxLimit), nil)
		return 0, false
	}
	return n, true
}

func errorCode(err error) string {
	return string(pipeline.Classify(err))
}
