package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/registry"
	"github.com/go-chi/chi/v5"
)

type activeRequest struct {
	Active *bool `json:"active"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintln(w, "OK")
}

func (s *Server) listStreams(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}

	stream, err := s.reg.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stream)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}

	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: `body must be {"active": true|false}`,
			Code:  string(errors.ErrInvalidArgument),
		})
		return
	}

	if err := s.reg.SetActive(r.Context(), id, *req.Active); err != nil {
		s.writeError(w, err)
		return
	}

	stream, err := s.reg.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stream)
}

func (s *Server) getSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	fromRaw, toRaw := q.Get("from"), q.Get("to")
	if fromRaw == "" && toRaw == "" {
		points, err := s.charts.GetSeries(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, points)
		return
	}

	from, err := parseUnix(fromRaw, time.Unix(0, 0))
	if err != nil {
		s.badRequest(w, "from must be unix seconds")
		return
	}
	to, err := parseUnix(toRaw, time.Now())
	if err != nil {
		s.badRequest(w, "to must be unix seconds")
		return
	}

	points, err := s.charts.GetSeriesBetween(r.Context(), id, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}

	summary, err := s.charts.Summarize(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getPresence(w http.ResponseWriter, _ *http.Request) {
	if s.presence == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	notice, ok := s.presence.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, notice)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.reg.Subscribe(eventBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug().Str("subscription", sub.ID.String()).Msg("Event stream client connected")
	defer s.logger.Debug().Str("subscription", sub.ID.String()).Msg("Event stream client disconnected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to encode event")
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Field, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) streamID(w http.ResponseWriter, r *http.Request) (registry.StreamID, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, "stream id must be an integer")
		return 0, false
	}
	return registry.StreamID(n), true
}

func parseUnix(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: msg,
		Code:  string(errors.ErrInvalidArgument),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code, _ := errors.CodeOf(err)

	switch code {
	case errors.ErrUnknownStream:
		status = http.StatusNotFound
	case errors.ErrInvalidArgument:
		status = http.StatusBadRequest
	case errors.ErrStorageIO, errors.ErrSourceUnavailable:
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error().Err(err).Msg("Request failed")
	}

	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
