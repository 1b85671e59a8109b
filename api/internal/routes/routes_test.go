package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-event-pipeline/shared/config"
	"crm-event-pipeline/shared/events"
	"crm-event-pipeline/shared/logx"
	"crm-event-pipeline/shared/pipeline"
	"crm-event-pipeline/shared/streamx"
)

type failingProducer struct{}

func (failingProducer) Enqueue(context.Context, string, events.Payload) (string, error) {
	return "", pipeline.ErrQueueUnavailable
}

type server struct {
	mux      *http.ServeMux
	streams  *streamx.Memory
	producer *pipeline.Producer
	engine   *pipeline.Engine

	mu     sync.Mutex
	opened []events.EmailEvent
}

func newServer(t *testing.T, producer Enqueuer) *server {
	t.Helper()
	s := &server{mux: http.NewServeMux(), streams: streamx.NewMemory(time.Now)}
	registry := pipeline.NewRegistry()
	pipeline.On(registry, events.TypeEmailOpened, func(_ context.Context, _ events.Envelope, p events.EmailEvent) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if p.Recipient == "bad@x.com" {
			return errors.New("rejected")
		}
		s.opened = append(s.opened, p)
		return nil
	})
	s.producer = pipeline.NewProducer(s.streams, pipeline.ProducerOptions{Logger: logx.Nop()})
	s.engine = pipeline.NewEngine(s.streams, registry, pipeline.EngineOptions{Logger: logx.Nop()})
	if producer == nil {
		producer = s.producer
	}
	RegisterEdge(s.mux, EdgeDeps{Producer: producer, Logger: logx.Nop(), WebhookSecret: "hook"})
	RegisterWorker(s.mux, WorkerDeps{Engine: s.engine, Logger: logx.Nop()})
	return s
}

func (s *server) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func (s *server) length(t *testing.T, topic string) int64 {
	t.Helper()
	n, err := s.streams.Len(context.Background(), topic)
	require.NoError(t, err)
	return n
}

func TestOpenPixelEnqueues(t *testing.T) {
	s := newServer(t, nil)
	rec := s.do(t, http.MethodGet, "/t/open?campaignId=c1&recipient=u1@x.com", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, pixel, rec.Body.Bytes())
	assert.Equal(t, int64(1), s.length(t, events.TopicEmail))
}

func TestOpenPixelSurvivesEnqueueFailure(t *testing.T) {
	s := newServer(t, failingProducer{})
	rec := s.do(t, http.MethodGet, "/t/open?campaignId=c1&recipient=u1@x.com", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))

	rec = s.do(t, http.MethodGet, "/t/open", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClickRedirects(t *testing.T) {
	s := newServer(t, failingProducer{})
	rec := s.do(t, http.MethodGet, "/t/click?campaignId=c1&recipient=u1@x.com&url=https%3A%2F%2Fexample.com%2Fsale", "", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/sale", rec.Header().Get("Location"))

	for _, target := range []string{"/t/click?campaignId=c1", "/t/click?url=javascript%3Aalert(1)", "/t/click?url=%2Frelative"} {
		rec = s.do(t, http.MethodGet, target, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestClickEnqueuesEvent(t *testing.T) {
	s := newServer(t, nil)
	rec := s.do(t, http.MethodGet, "/t/click?campaignId=c1&recipient=u1@x.com&url=https%3A%2F%2Fexample.com", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	entries, err := s.streams.Range(context.Background(), events.TopicEmail, "-", "+", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(events.TypeEmailClicked), entries[0].Values[events.FieldType])
}

func TestNewUserWebhook(t *testing.T) {
	s := newServer(t, nil)
	secret := map[string]string{WebhookSecretHeader: "hook"}

	rec := s.do(t, http.MethodPost, "/api/webhooks/new-user", `{"email":"a@b.com","name":"A B","group":"newsletter"}`, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queued":true}`, rec.Body.String())
	assert.Equal(t, int64(1), s.length(t, events.TopicUserRegistered))

	rec = s.do(t, http.MethodPost, "/api/webhooks/new-user", `{"name":"No Email"}`, secret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/webhooks/new-user", `{"email":"not-an-email"}`, secret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/webhooks/new-user", `{"email":"a@b.com"}`, map[string]string{WebhookSecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(1), s.length(t, events.TopicUserRegistered))
}

func TestNewUserWebhookQueueUnavailable(t *testing.T) {
	s := newServer(t, failingProducer{})
	rec := s.do(t, http.MethodPost, "/api/webhooks/new-user", `{"email":"a@b.com"}`, map[string]string{WebhookSecretHeader: "hook"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPushEndpoints(t *testing.T) {
	s := newServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/push/subscriptions", `{"endpoint":"https://push.example.com/1","p256dh":"k","auth":"a"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/push/events", `{"notificationId":"n1","status":"delivered"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(2), s.length(t, events.TopicPush))

	rec = s.do(t, http.MethodPost, "/api/push/events", `{"notificationId":"n1","status":"exploded"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/push/subscriptions", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDrainEndpointIsolatesFailures(t *testing.T) {
	s := newServer(t, nil)
	ctx := context.Background()
	for _, r := range []string{"a@x.com", "bad@x.com", "c@x.com"} {
		_, err := s.producer.Enqueue(ctx, "", events.EmailEvent{Kind: events.TypeEmailOpened, CampaignID: "c1", Recipient: r})
		require.NoError(t, err)
	}

	rec := s.do(t, http.MethodPost, "/api/v1/streams/EMAIL", `{"limit":10}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res pipeline.DrainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Processed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, pipeline.CodeHandler, res.Failed[0].Code)
	assert.Equal(t, int64(1), s.length(t, events.TopicEmail))
}

func TestDrainEndpointEmptyBodyAndErrors(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/streams/EMAIL", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"errors":[]`)

	rec = s.do(t, http.MethodPost, "/api/v1/streams/NOPE", `{"limit":1}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/streams/EMAIL", `{"limit":-1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/streams/EMAIL", `{"block_ms":60000}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotEndpoint(t *testing.T) {
	s := newServer(t, nil)
	_, err := s.producer.Enqueue(context.Background(), "", events.EmailEvent{Kind: events.TypeEmailOpened, CampaignID: "c1", Recipient: "a@x.com"})
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/v1/streams/EMAIL?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.Length)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, string(events.TypeEmailOpened), snap.Entries[0].Type)

	rec = s.do(t, http.MethodGet, "/api/v1/streams/EMAIL?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterReplayEndpoints(t *testing.T) {
	s := newServer(t, nil)
	ctx := context.Background()
	_, err := s.streams.Append(ctx, events.TopicEmail, map[string]string{
		events.FieldType:    string(events.TypeEmailOpened),
		events.FieldPayload: `{"campaignId":""}`,
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/v1/streams/EMAIL", `{"limit":10}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/streams/EMAIL/dead-letters", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Items []pipeline.DeadLetter `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Items, 1)
	assert.Equal(t, pipeline.CodeValidation, listed.Items[0].Code)

	rec = s.do(t, http.MethodPost, "/api/v1/streams/EMAIL/dead-letters/"+listed.Items[0].ID+"/replay", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), s.length(t, events.TopicEmail))

	rec = s.do(t, http.MethodPost, "/api/v1/streams/EMAIL/dead-letters/"+listed.Items[0].ID+"/replay", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerRoutesUseWrap(t *testing.T) {
	mux := http.NewServeMux()
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	}
	RegisterWorker(mux, WorkerDeps{Engine: nil, Logger: logx.Nop(), Wrap: deny})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/streams/EMAIL", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReadiness(t *testing.T) {
	mux := http.NewServeMux()
	healthy := true
	RegisterHealth(mux, HealthDeps{Service: "api", Checks: map[string]func(context.Context) error{
		"streams": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		},
	}})
	get := func(path string) int {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))

	mux = http.NewServeMux()
	RegisterHealth(mux, HealthDeps{Problems: []config.Problem{{Field: "X", Message: "bad"}}})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
