package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/relay/internal/config"
	"github.com/fairyhunter13/relay/internal/domain"
	"github.com/fairyhunter13/relay/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Engine  *usecase.Engine
	DBCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, engine *usecase.Engine, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Engine: engine, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type enqueueRequest struct {
	Queue             string          `json:"queue"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Priority          *int            `json:"priority"`
	AckTimeoutSeconds *int            `json:"ack_timeout_seconds" validate:"omitempty,gt=0"`
	MaxAttempts       *int            `json:"max_attempts" validate:"omitempty,gt=0"`
}

func (req enqueueRequest) item() usecase.EnqueueItem {
	return usecase.EnqueueItem{
		Type:              req.Type,
		Payload:           []byte(req.Payload),
		Priority:          req.Priority,
		AckTimeoutSeconds: req.AckTimeoutSeconds,
		MaxAttempts:       req.MaxAttempts,
	}
}

// EnqueueHandler handles POST /queue/message.
func (s *Server) EnqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		m, err := s.Engine.Enqueue(r.Context(), req.Queue, req.item())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": m.ID, "queue": m.QueueName})
	}
}

type enqueueBatchRequest struct {
	Queue    string           `json:"queue"`
	Messages []enqueueRequest `json:"messages" validate:"required,min=1,dive"`
}

// EnqueueBatchHandler handles POST /queue/batch.
func (s *Server) EnqueueBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueBatchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorEnvelope{Error: apiError{
				Code: "INVALID_ARGUMENT", Message: err.Error(),
			}})
			return
		}
		items := make([]usecase.EnqueueItem, len(req.Messages))
		for i, m := range req.Messages {
			items[i] = m.item()
		}
		msgs, batchID, err := s.Engine.EnqueueBatch(r.Context(), req.Queue, items)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		writeJSON(w, http.StatusCreated, map[string]any{"count": len(msgs), "ids": ids, "batch_id": batchID})
	}
}

// DequeueHandler handles GET /queue/message. A miss after the wait window is
// a 404, not an error envelope consumers would retry differently on.
func (s *Server) DequeueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := usecase.DequeueRequest{
			Queue:      q.Get("queue"),
			Type:       q.Get("type"),
			ConsumerID: q.Get("consumerId"),
		}
		if v := q.Get("timeout"); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil || secs < 0 {
				writeError(w, r, fmt.Errorf("%w: timeout must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			req.WaitTimeout = time.Duration(secs) * time.Second
		}
		if v := q.Get("ackTimeout"); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil || secs <= 0 {
				writeError(w, r, fmt.Errorf("%w: ackTimeout must be a positive integer", domain.ErrInvalidArgument), nil)
				return
			}
			req.AckTimeoutSeconds = secs
		}
		m, err := s.Engine.Dequeue(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if m == nil {
			writeJSON(w, http.StatusNotFound, errorEnvelope{Error: apiError{
				Code: "NOT_FOUND", Message: "no message available",
			}})
			return
		}
		writeJSON(w, http.StatusOK, toMessageDTO(*m))
	}
}

type ackRequest struct {
	MessageID  string `json:"message_id" validate:"required"`
	LockToken  string `json:"lock_token" validate:"required"`
	ConsumerID string `json:"consumer_id"`
}

// AckHandler handles POST /queue/ack.
func (s *Server) AckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		m, err := s.Engine.Ack(r.Context(), req.MessageID, req.LockToken, req.ConsumerID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": m.ID, "status": string(m.Status)})
	}
}

type nackRequest struct {
	LockToken  string `json:"lock_token" validate:"required"`
	Error      string `json:"error"`
	ConsumerID string `json:"consumer_id"`
}

// NackHandler handles POST /queue/message/{id}/nack.
func (s *Server) NackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req nackRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		m, dead, err := s.Engine.Nack(r.Context(), id, req.LockToken, req.Error, req.ConsumerID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            m.ID,
			"status":        string(m.Status),
			"attempt_count": m.AttemptCount,
			"dead":          dead,
		})
	}
}

type touchRequest struct {
	LockToken     string `json:"lock_token" validate:"required"`
	ExtendSeconds int    `json:"extend_seconds" validate:"omitempty,gt=0"`
	ConsumerID    string `json:"consumer_id"`
}

// TouchHandler handles PUT /queue/message/{id}/touch.
func (s *Server) TouchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req touchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		until, err := s.Engine.Touch(r.Context(), id, req.LockToken, req.ConsumerID, req.ExtendSeconds)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"new_timeout_at": until.Unix(),
			"lock_token":     req.LockToken,
		})
	}
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness by probing the store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
