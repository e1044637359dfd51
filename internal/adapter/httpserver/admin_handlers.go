package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/relay/internal/domain"
)

func parseStatusSegment(r *http.Request) (domain.Status, error) {
	st := domain.Status(chi.URLParam(r, "queueType"))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, string(st))
	}
	return st, nil
}

func parsePage(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// StatusHandler handles GET /queue/status: per-queue counts, optionally with
// a message sample.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		name := q.Get("queueName")
		includeMessages := q.Get("include_messages") == "true"

		var queues []queueDTO
		if name != "" {
			qc, err := s.Engine.GetQueue(r.Context(), name)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			queues = []queueDTO{toQueueDTO(qc.Queue, qc.Counts)}
		} else {
			all, err := s.Engine.ListQueues(r.Context())
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			for _, qc := range all {
				queues = append(queues, toQueueDTO(qc.Queue, qc.Counts))
			}
		}

		resp := map[string]any{"queues": queues, "timestamp": time.Now().Unix()}
		if includeMessages {
			filter := domain.MessageFilter{Queue: name, Limit: 50}
			msgs, _, err := s.Engine.ListMessages(r.Context(), filter)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			dtos := make([]messageDTO, len(msgs))
			for i, m := range msgs {
				dtos[i] = toMessageDTO(m)
			}
			resp["messages"] = dtos
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// QueueMetricsHandler handles GET /queue/metrics: broker counters as JSON,
// distinct from the Prometheus /metrics endpoint.
func (s *Server) QueueMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := s.Engine.ListQueues(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		totals := make(map[string]int64)
		perQueue := make(map[string]map[string]int64, len(all))
		for _, qc := range all {
			counts := make(map[string]int64, len(qc.Counts))
			for st, n := range qc.Counts {
				counts[string(st)] = n
				totals[string(st)] += n
			}
			perQueue[qc.Queue.Name] = counts
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"totals":      totals,
			"queues":      perQueue,
			"subscribers": s.Engine.Events().SubscriberCount(),
			"timestamp":   time.Now().Unix(),
		})
	}
}

// BrowseMessagesHandler handles GET /queue/{queueType}/messages. The path
// segment selects a status; queueName/type/consumerId narrow further.
func (s *Server) BrowseMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := parseStatusSegment(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		q := r.URL.Query()
		limit, offset := parsePage(r)
		filter := domain.MessageFilter{
			Queue:      q.Get("queueName"),
			Status:     st,
			Type:       q.Get("type"),
			ConsumerID: q.Get("consumerId"),
			SortBy:     q.Get("sortBy"),
			SortDesc:   q.Get("order") == "desc",
			Limit:      limit,
			Offset:     offset,
		}
		msgs, total, err := s.Engine.ListMessages(r.Context(), filter)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		dtos := make([]messageDTO, len(msgs))
		for i, m := range msgs {
			dtos[i] = toMessageDTO(m)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"messages":   dtos,
			"pagination": paginationDTO{Total: total, Limit: filter.Limit, Offset: filter.Offset},
		})
	}
}

type moveRequest struct {
	IDs          []string `json:"ids"`
	SourceQueue  string   `json:"source_queue"`
	SourceStatus string   `json:"source_status"`
	TargetQueue  string   `json:"target_queue"`
	TargetStatus string   `json:"target_status"`
}

// MoveHandler handles POST /queue/move.
func (s *Server) MoveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req moveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		msgs, err := s.Engine.MoveMessages(r.Context(), domain.MoveRequest{
			IDs:          req.IDs,
			SourceQueue:  req.SourceQueue,
			SourceStatus: domain.Status(req.SourceStatus),
			TargetQueue:  req.TargetQueue,
			TargetStatus: domain.Status(req.TargetStatus),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"movedCount": len(msgs)})
	}
}

// DeleteMessageHandler handles DELETE /queue/message/{id}.
func (s *Server) DeleteMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, err := s.Engine.DeleteMessage(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": m.ID, "queue": m.QueueName})
	}
}

// ClearByStatusHandler handles DELETE /queue/{queueType}/clear.
func (s *Server) ClearByStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := parseStatusSegment(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		queue := r.URL.Query().Get("queueName")
		if queue == "" {
			queue = s.Cfg.QueueName
		}
		n, err := s.Engine.PurgeQueue(r.Context(), queue, st)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": n, "queue": queue, "status": string(st)})
	}
}

// ClearAllHandler handles DELETE /queue/clear.
func (s *Server) ClearAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := r.URL.Query().Get("queueName")
		if queue == "" {
			queue = s.Cfg.QueueName
		}
		n, err := s.Engine.PurgeQueue(r.Context(), queue, "")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": n, "queue": queue})
	}
}

type createQueueRequest struct {
	Name              string `json:"name" validate:"required"`
	Type              string `json:"type"`
	AckTimeoutSeconds int    `json:"ack_timeout_seconds" validate:"omitempty,gt=0"`
	MaxAttempts       int    `json:"max_attempts" validate:"omitempty,gt=0"`
	PartitionSeconds  *int64 `json:"partition_interval_seconds" validate:"omitempty,gt=0"`
	RetentionSeconds  *int64 `json:"retention_interval_seconds" validate:"omitempty,gt=0"`
}

// CreateQueueHandler handles POST /queues.
func (s *Server) CreateQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createQueueRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		q := domain.Queue{
			Name:              req.Name,
			Type:              domain.QueueType(req.Type),
			AckTimeoutSeconds: req.AckTimeoutSeconds,
			MaxAttempts:       req.MaxAttempts,
		}
		if req.PartitionSeconds != nil {
			d := time.Duration(*req.PartitionSeconds) * time.Second
			q.PartitionInterval = &d
		}
		if req.RetentionSeconds != nil {
			d := time.Duration(*req.RetentionSeconds) * time.Second
			q.RetentionInterval = &d
		}
		created, err := s.Engine.CreateQueue(r.Context(), q)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toQueueDTO(created, nil))
	}
}

// ListQueuesHandler handles GET /queues.
func (s *Server) ListQueuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := s.Engine.ListQueues(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		dtos := make([]queueDTO, len(all))
		for i, qc := range all {
			dtos[i] = toQueueDTO(qc.Queue, qc.Counts)
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": dtos})
	}
}

// GetQueueHandler handles GET /queues/{name}.
func (s *Server) GetQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qc, err := s.Engine.GetQueue(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toQueueDTO(qc.Queue, qc.Counts))
	}
}

type updateQueueRequest struct {
	AckTimeoutSeconds *int   `json:"ack_timeout_seconds" validate:"omitempty,gt=0"`
	MaxAttempts       *int   `json:"max_attempts" validate:"omitempty,gt=0"`
	RetentionSeconds  *int64 `json:"retention_interval_seconds" validate:"omitempty,gt=0"`
}

// UpdateQueueHandler handles PUT /queues/{name}.
func (s *Server) UpdateQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateQueueRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		upd := domain.QueueUpdate{
			AckTimeoutSeconds: req.AckTimeoutSeconds,
			MaxAttempts:       req.MaxAttempts,
		}
		if req.RetentionSeconds != nil {
			d := time.Duration(*req.RetentionSeconds) * time.Second
			upd.RetentionInterval = &d
		}
		q, err := s.Engine.UpdateQueue(r.Context(), chi.URLParam(r, "name"), upd)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toQueueDTO(q, nil))
	}
}

// DeleteQueueHandler handles DELETE /queues/{name}.
func (s *Server) DeleteQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "true"
		if err := s.Engine.DeleteQueue(r.Context(), chi.URLParam(r, "name"), force); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// PurgeQueueHandler handles POST /queues/{name}/purge.
func (s *Server) PurgeQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		n, err := s.Engine.PurgeQueue(r.Context(), name, "")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": n, "queue": name})
	}
}
