package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/relay/internal/config"
	"github.com/fairyhunter13/relay/internal/domain"
	"github.com/fairyhunter13/relay/internal/usecase"
)

// Stubs embed the port interface so only the methods a test exercises need
// a function; the rest panic loudly if reached.
type stubMessages struct {
	domain.MessageStore
	enqueue func(ctx domain.Context, q domain.Queue, msgs []domain.Message, logs domain.EnqueueLogsFn) error
	claim   func(ctx domain.Context, req domain.ClaimRequest, log domain.TransitionLogFn) (*domain.Message, error)
	ack     func(ctx domain.Context, id, token string, log domain.TransitionLogFn) (*domain.Message, error)
	touch   func(ctx domain.Context, id, token string, extendSecs, defaultAck int, log domain.TouchLogFn) (time.Time, error)
}

func (s *stubMessages) Enqueue(ctx domain.Context, q domain.Queue, msgs []domain.Message, logs domain.EnqueueLogsFn) error {
	return s.enqueue(ctx, q, msgs, logs)
}

func (s *stubMessages) Claim(ctx domain.Context, req domain.ClaimRequest, log domain.TransitionLogFn) (*domain.Message, error) {
	return s.claim(ctx, req, log)
}

func (s *stubMessages) Ack(ctx domain.Context, id, token string, log domain.TransitionLogFn) (*domain.Message, error) {
	return s.ack(ctx, id, token, log)
}

func (s *stubMessages) Touch(ctx domain.Context, id, token string, extendSecs, defaultAck int, log domain.TouchLogFn) (time.Time, error) {
	return s.touch(ctx, id, token, extendSecs, defaultAck, log)
}

type stubQueues struct {
	domain.QueueStore
	get func(ctx domain.Context, name string) (domain.Queue, error)
}

func (s *stubQueues) Get(ctx domain.Context, name string) (domain.Queue, error) {
	return s.get(ctx, name)
}

type stubActivity struct{ domain.ActivityStore }

func (stubActivity) Append(domain.Context, domain.ActivityLog) error { return nil }
func (stubActivity) BumpAnomaly(domain.Context, string, string) error {
	return nil
}

func defaultQueueStub() *stubQueues {
	return &stubQueues{get: func(_ domain.Context, name string) (domain.Queue, error) {
		if name != "default" {
			return domain.Queue{}, domain.ErrQueueNotFound
		}
		return domain.Queue{Name: "default", Type: domain.QueueStandard, AckTimeoutSeconds: 30, MaxAttempts: 3}, nil
	}}
}

func newTestServer(t *testing.T, msgs *stubMessages) *Server {
	t.Helper()
	cfg := config.Config{
		QueueName: "default", AckTimeoutSeconds: 30, MaxAttempts: 3,
		MaxPriorityLevels: 10, RequeueBatchSize: 100,
	}
	engine := usecase.NewEngine(cfg, msgs, defaultQueueStub(), stubActivity{}, usecase.NewEmitter(4), nil, nil)
	return NewServer(cfg, engine, nil)
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestEnqueueHandler(t *testing.T) {
	var stored []domain.Message
	msgs := &stubMessages{enqueue: func(_ domain.Context, _ domain.Queue, m []domain.Message, _ domain.EnqueueLogsFn) error {
		stored = m
		return nil
	}}
	s := newTestServer(t, msgs)

	rec := doJSON(t, s.EnqueueHandler(), http.MethodPost, "/queue/message",
		`{"type":"email","payload":{"to":"a@b.c"},"priority":5}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		ID    string `json:"id"`
		Queue string `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "default", resp.Queue)

	require.Len(t, stored, 1)
	assert.Equal(t, "email", stored[0].Type)
	assert.Equal(t, 5, stored[0].Priority)
	assert.Equal(t, domain.StatusQueued, stored[0].Status)
}

func TestEnqueueHandlerInvalidJSON(t *testing.T) {
	s := newTestServer(t, &stubMessages{})
	rec := doJSON(t, s.EnqueueHandler(), http.MethodPost, "/queue/message", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueHandlerUnknownQueue(t *testing.T) {
	s := newTestServer(t, &stubMessages{})
	rec := doJSON(t, s.EnqueueHandler(), http.MethodPost, "/queue/message", `{"queue":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "QUEUE_NOT_FOUND")
}

func TestEnqueueBatchHandlerEmptyRejected(t *testing.T) {
	s := newTestServer(t, &stubMessages{})
	rec := doJSON(t, s.EnqueueBatchHandler(), http.MethodPost, "/queue/batch", `{"messages":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestEnqueueBatchHandler(t *testing.T) {
	msgs := &stubMessages{enqueue: func(_ domain.Context, _ domain.Queue, _ []domain.Message, _ domain.EnqueueLogsFn) error {
		return nil
	}}
	s := newTestServer(t, msgs)

	rec := doJSON(t, s.EnqueueBatchHandler(), http.MethodPost, "/queue/batch",
		`{"messages":[{"type":"a"},{"type":"b"}]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Count   int      `json:"count"`
		IDs     []string `json:"ids"`
		BatchID string   `json:"batch_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.IDs, 2)
	assert.NotEmpty(t, resp.BatchID)
}

func TestDequeueHandlerMissIs404(t *testing.T) {
	msgs := &stubMessages{claim: func(_ domain.Context, _ domain.ClaimRequest, _ domain.TransitionLogFn) (*domain.Message, error) {
		return nil, nil
	}}
	s := newTestServer(t, msgs)

	rec := doJSON(t, s.DequeueHandler(), http.MethodGet, "/queue/message", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no message available")
}

func TestDequeueHandlerReturnsMessage(t *testing.T) {
	token := domain.NewLockToken()
	until := time.Now().Add(30 * time.Second).UTC()
	msgs := &stubMessages{claim: func(_ domain.Context, req domain.ClaimRequest, _ domain.TransitionLogFn) (*domain.Message, error) {
		assert.Equal(t, "worker-1", req.ConsumerID)
		assert.Equal(t, "email", req.Type)
		return &domain.Message{
			ID: domain.NewMessageID(), QueueName: "default", Type: "email",
			Payload: []byte(`{"k":1}`), Status: domain.StatusProcessing,
			AttemptCount: 1, LockToken: &token, LockedUntil: &until,
			CreatedAt: time.Now().UTC(),
		}, nil
	}}
	s := newTestServer(t, msgs)

	rec := doJSON(t, s.DequeueHandler(), http.MethodGet, "/queue/message?consumerId=worker-1&type=email", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dto map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "processing", dto["status"])
	assert.Equal(t, token, dto["lock_token"])
}

func TestDequeueHandlerBadTimeout(t *testing.T) {
	s := newTestServer(t, &stubMessages{})
	rec := doJSON(t, s.DequeueHandler(), http.MethodGet, "/queue/message?timeout=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAckHandler(t *testing.T) {
	msgs := &stubMessages{ack: func(_ domain.Context, id, token string, _ domain.TransitionLogFn) (*domain.Message, error) {
		return &domain.Message{ID: id, QueueName: "default", Status: domain.StatusAcknowledged}, nil
	}}
	s := newTestServer(t, msgs)

	rec := doJSON(t, s.AckHandler(), http.MethodPost, "/queue/ack",
		`{"message_id":"m1","lock_token":"tok","consumer_id":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acknowledged")
}

func TestAckHandlerMissingToken(t *testing.T) {
	s := newTestServer(t, &stubMessages{})
	rec := doJSON(t, s.AckHandler(), http.MethodPost, "/queue/ack", `{"message_id":"m1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAckHandlerLockLost409(t *testing.T) {
	winner := "other-token"
	msgs := &stubMessages{ack: func(_ domain.Context, id, _ string, _ domain.TransitionLogFn) (*domain.Message, error) {
		return &domain.Message{ID: id, Status: domain.StatusProcessing, LockToken: &winner},
			fmt.Errorf("op=messages.Ack id=%s: %w", id, domain.ErrLockLost)
	}}
	s := newTestServer(t, msgs)

	rec := doJSON(t, s.AckHandler(), http.MethodPost, "/queue/ack",
		`{"message_id":"m1","lock_token":"stale","consumer_id":"c1"}`)

	require.Equal(t, http.StatusConflict, rec.Code)
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "LOCK_LOST", body.Error)
	assert.NotEmpty(t, body.Message)
}

func TestNackHandler(t *testing.T) {
	s := newTestServer(t, &stubMessages{})
	nackStub := &nackMessages{}
	s.Engine = usecase.NewEngine(s.Cfg, nackStub, defaultQueueStub(), stubActivity{}, usecase.NewEmitter(4), nil, nil)

	router := chi.NewRouter()
	router.Post("/queue/message/{id}/nack", s.NackHandler())

	req := httptest.NewRequest(http.MethodPost, "/queue/message/m1/nack",
		strings.NewReader(`{"lock_token":"tok","error":"worker crashed","consumer_id":"c1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		AttemptCount int    `json:"attempt_count"`
		Dead         bool   `json:"dead"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m1", resp.ID)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, 1, resp.AttemptCount)
	assert.False(t, resp.Dead)
	assert.Equal(t, "worker crashed", nackStub.gotReason)
}

type nackMessages struct {
	domain.MessageStore
	gotReason string
}

func (s *nackMessages) Nack(_ domain.Context, id, _, reason string, _ int, _ domain.RetryLogFn) (*domain.Message, bool, error) {
	s.gotReason = reason
	last := reason
	return &domain.Message{ID: id, QueueName: "default", Status: domain.StatusQueued, AttemptCount: 1, LastError: &last}, false, nil
}

func TestTouchHandler(t *testing.T) {
	until := time.Now().Add(2 * time.Minute).UTC().Truncate(time.Second)
	msgs := &stubMessages{touch: func(_ domain.Context, _, _ string, extendSecs, _ int, _ domain.TouchLogFn) (time.Time, error) {
		assert.Equal(t, 120, extendSecs)
		return until, nil
	}}
	s := newTestServer(t, msgs)

	router := chi.NewRouter()
	router.Put("/queue/message/{id}/touch", s.TouchHandler())
	req := httptest.NewRequest(http.MethodPut, "/queue/message/m1/touch",
		strings.NewReader(`{"lock_token":"tok","extend_seconds":120}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		NewTimeoutAt int64  `json:"new_timeout_at"`
		LockToken    string `json:"lock_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, until.Unix(), resp.NewTimeoutAt)
	assert.Equal(t, "tok", resp.LockToken)
}

func TestHealthzHandler(t *testing.T) {
	s := newTestServer(t, &stubMessages{})
	rec := doJSON(t, s.HealthzHandler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestReadyzHandler(t *testing.T) {
	s := newTestServer(t, &stubMessages{})

	s.DBCheck = func(context.Context) error { return nil }
	rec := doJSON(t, s.ReadyzHandler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.DBCheck = func(context.Context) error { return errors.New("connection refused") }
	rec = doJSON(t, s.ReadyzHandler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}
