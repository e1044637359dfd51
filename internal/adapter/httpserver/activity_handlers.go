package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/relay/internal/domain"
)

func parseEpochParam(v string) *time.Time {
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

// ActivityHandler handles GET /queue/activity.
func (s *Server) ActivityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, offset := parsePage(r)
		f := domain.ActivityFilter{
			Queue:         q.Get("queueName"),
			MessageID:     q.Get("messageId"),
			ConsumerID:    q.Get("consumerId"),
			Action:        domain.Action(q.Get("action")),
			AnomaliesOnly: q.Get("anomaliesOnly") == "true",
			Since:         parseEpochParam(q.Get("since")),
			Until:         parseEpochParam(q.Get("until")),
			Limit:         limit,
			Offset:        offset,
		}
		logs, total, err := s.Engine.ActivityLogs(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":       toActivityDTOs(logs),
			"pagination": paginationDTO{Total: total, Limit: f.Limit, Offset: f.Offset},
		})
	}
}

// MessageHistoryHandler handles GET /queue/activity/message/{id}.
func (s *Server) MessageHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		logs, err := s.Engine.MessageHistory(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "history": toActivityDTOs(logs)})
	}
}

// AnomaliesHandler handles GET /queue/activity/anomalies.
func (s *Server) AnomaliesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, offset := parsePage(r)
		f := domain.AnomalyFilter{
			Queue:    q.Get("queueName"),
			Type:     q.Get("type"),
			Severity: domain.Severity(q.Get("severity")),
			SortDesc: q.Get("order") != "asc",
			Limit:    limit,
			Offset:   offset,
		}
		logs, sum, err := s.Engine.Anomalies(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"anomalies": toActivityDTOs(logs),
			"summary": map[string]any{
				"total":       sum.Total,
				"by_type":     sum.ByType,
				"by_severity": sum.BySeverity,
			},
			"pagination": paginationDTO{Total: sum.Total, Limit: f.Limit, Offset: f.Offset},
		})
	}
}

// ConsumerStatsHandler handles GET /queue/activity/consumers.
func (s *Server) ConsumerStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Engine.ConsumerStats(r.Context(), r.URL.Query().Get("consumerId"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		dtos := make([]consumerStatsDTO, len(stats))
		for i, st := range stats {
			dtos[i] = toConsumerStatsDTO(st)
		}
		writeJSON(w, http.StatusOK, map[string]any{"consumers": dtos})
	}
}
