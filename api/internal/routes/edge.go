package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crm-event-pipeline/shared/authx"
	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/httpx"
	"crm-event-pipeline/shared/logx"
)

const WebhookSecretHeader = "X-Webhook-Secret"

// pixel is a transparent 1x1 GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type EdgeDeps struct {
	Producer      Enqueuer
	Logger        logx.Logger
	WebhookSecret string
	// EnqueueTimeout bounds tracking enqueues so a slow store never delays
	// the pixel or redirect.
	EnqueueTimeout time.Duration
	Now            func() time.Time
}

type edge struct {
	EdgeDeps
}

func RegisterEdge(mux *http.ServeMux, deps EdgeDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.EnqueueTimeout <= 0 {
		deps.EnqueueTimeout = 2 * time.Second
	}
	e := &edge{EdgeDeps: deps}
	mux.HandleFunc("GET /t/open", e.open)
	mux.HandleFunc("GET /t/click", e.click)
	mux.HandleFunc("POST /api/webhooks/new-user", e.newUser)
	mux.HandleFunc("POST /api/push/subscriptions", e.pushSubscribed)
	mux.HandleFunc("POST /api/push/events", e.pushEvent)
}

func (e *edge) open(w http.ResponseWriter, r *http.Request) {
	e.track(r, events.TypeEmailOpened, "")

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}

func (e *edge) click(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if !events.IsHTTPURL(target) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "url must be an absolute http(s) url", nil)
		return
	}
	e.track(r, events.TypeEmailClicked, target)

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// track enqueues an email engagement. Failures are logged only: the pixel and
// redirect responses never depend on the pipeline.
func (e *edge) track(r *http.Request, kind events.Type, url string) {
	q := r.URL.Query()
	payload := events.EmailEvent{
		Kind:       kind,
		CampaignID: strings.TrimSpace(q.Get("campaignId")),
		Recipient:  strings.TrimSpace(q.Get("recipient")),
		URL:        url,
		OccurredAt: e.Now().UTC(),
		UserAgent:  r.UserAgent(),
		IP:         httpx.ClientIP(r),
	}
	ctx, cancel := context.WithTimeout(r.Context(), e.EnqueueTimeout)
	defer cancel()
	if _, err := e.Producer.Enqueue(ctx, "", payload); err != nil {
		e.Logger.Warn(r.Context(), "tracking_enqueue_failed", "tracking event dropped",
			slog.String("error_code", errorCode(err)),
			slog.String("event_type", string(kind)),
			slog.String("campaign_id", payload.CampaignID),
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

type newUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

func (e *edge) newUser(w http.ResponseWriter, r *http.Request) {
	if e.WebhookSecret != "" && !authx.SecretEqual(e.WebhookSecret, r.Header.Get(WebhookSecretHeader)) {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid webhook secret", nil)
		return
	}
	var req newUserRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
		return
	}
	payload := events.NewUserEmail{
		Email: strings.TrimSpace(req.Email),
		Name:  strings.TrimSpace(req.Name),
		Group: strings.TrimSpace(req.Group),
	}
	if _, ok := e.enqueue(w, r, payload); !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"queued": true})
}

func (e *edge) pushSubscribed(w http.ResponseWriter, r *http.Request) {
	var payload events.PushSubscribed
	if err := httpx.DecodeJSON(w, r, &payload); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
		return
	}
	if payload.UserAgent == "" {
		payload.UserAgent = r.UserAgent()
	}
	id, ok := e.enqueue(w, r, payload)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": id})
}

func (e *edge) pushEvent(w http.ResponseWriter, r *http.Request) {
	var payload events.PushEvent
	if err := httpx.DecodeJSON(w, r, &payload); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
		return
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = e.Now().UTC()
	}
	id, ok := e.enqueue(w, r, payload)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": id})
}

// enqueue writes the error response itself and reports false on failure.
func (e *edge) enqueue(w http.ResponseWriter, r *http.Request, payload events.Payload) (string, bool) {
	id, err := e.Producer.Enqueue(r.Context(), "", payload)
	if err == nil {
		return id, true
	}
	var verr *events.ValidationError
	if errors.As(err, &verr) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", verr.Error(), map[string]any{"fields": verr.Fields})
		return "", false
	}
	e.Logger.Error(r.Context(), "enqueue_failed", "enqueue failed",
		slog.String("error_code", errorCode(err)),
		slog.String("event_type", string(payload.EventType())),
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "QUEUE_UNAVAILABLE", "event could not be queued", nil)
	return "", false
}
