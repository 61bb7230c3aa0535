package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/jobstore"
	"github.com/zoras/llm-codes/internal/reconcile"
)

// streamJob serves the live reconciliation event stream over SSE. The job is
// resolved before any stream bytes go out so a missing job is still a plain
// 404.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.service.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("stream job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := reconcile.SinkFunc(func(event reconcile.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	if err := s.reconciler.Stream(r.Context(), jobID, sink); err != nil {
		s.logger.Error("stream ended with error", zap.String("job_id", jobID), zap.Error(err))
	}
}
