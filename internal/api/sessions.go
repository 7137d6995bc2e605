package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/collector"
	"github.com/JakeFAU/bookingwatch/internal/pipeline"
	"github.com/JakeFAU/bookingwatch/internal/session"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,200}$`)

type sessionKey struct{}

type createSessionRequest struct {
	URL         string                    `json:"url"`
	Fingerprint session.FingerprintInputs `json:"fingerprint"`
}

type createSessionResponse struct {
	SessionID   string `json:"session_id"`
	Fingerprint string `json:"fingerprint"`
	URL         string `json:"url"`
	Created     bool   `json:"created"`
}

type consoleRequest struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type messageRequest struct {
	Origin string `json:"origin"`
	Data   any    `json:"data"`
}

type analyzeRequest struct {
	Path string `json:"path"`
}

var accepted = map[string]string{"status": "accepted"}

// createSession handles POST /v1/sessions. It resolves the identity (honouring a session id
// already present in the URL), opens the session pipeline and returns the URL carrying the id.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	sess, err := s.resolver.Resolve(req.URL, req.Fingerprint)
	if err != nil {
		s.logger.Error("resolve session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}
	if !validSessionID.MatchString(sess.ID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	continued, err := session.WithSessionParam(req.URL, s.sessionParam, sess.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_, created, err := s.registry.Open(sess)
	if err != nil {
		s.logger.Error("open session", zap.String("session_id", sess.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createSessionResponse{
		SessionID:   sess.ID,
		Fingerprint: sess.Fingerprint,
		URL:         continued,
		Created:     created,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.Get(sessionID(r))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Remove(r.Context(), sessionID(r)) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ingestConsole(w http.ResponseWriter, r *http.Request) {
	var req consoleRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.withPipeline(r, func(p *pipeline.Pipeline) error {
		return p.Console(collector.ConsoleCall{Method: req.Method, Args: req.Args})
	})
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) ingestMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.withPipeline(r, func(p *pipeline.Pipeline) error {
		_, err := p.Message(r.Context(), collector.Message{Origin: req.Origin, Data: req.Data})
		return err
	})
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) ingestScreenshot(w http.ResponseWriter, r *http.Request) {
	raster, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "screenshot too large")
		return
	}
	if len(raster) == 0 {
		writeError(w, http.StatusBadRequest, "empty screenshot")
		return
	}
	reason := parseReason(r.URL.Query().Get("reason"))
	s.withPipeline(r, func(p *pipeline.Pipeline) error {
		_, err := p.Screenshot(r.Context(), raster, reason)
		return err
	})
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) analyzeStored(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := s.decode(w, r, &req); err != nil || strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	s.withPipeline(r, func(p *pipeline.Pipeline) error {
		_, err := p.AnalyzeStored(r.Context(), req.Path)
		return err
	})
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) ingestInteraction(w http.ResponseWriter, r *http.Request) {
	var evt tracker.Interaction
	if err := s.decode(w, r, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(evt.Type) == "" {
		writeError(w, http.StatusBadRequest, "interaction type required")
		return
	}
	// Ids are always server-assigned; stores ignore re-delivered ids.
	evt.ID = ""
	var id string
	s.withPipeline(r, func(p *pipeline.Pipeline) error {
		var err error
		id, err = p.Interaction(evt)
		return err
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"interaction_id": id})
}

func (s *Server) ingestStep(w http.ResponseWriter, r *http.Request) {
	var step tracker.BookingStep
	if err := s.decode(w, r, &step); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(step.Step) == "" {
		writeError(w, http.StatusBadRequest, "step required")
		return
	}
	s.withPipeline(r, func(p *pipeline.Pipeline) error {
		return p.Step(step)
	})
	writeJSON(w, http.StatusAccepted, accepted)
}

// withPipeline opens the session (creating it on first evidence) and runs fn. Pipeline errors
// are logged and never reach the caller.
func (s *Server) withPipeline(r *http.Request, fn func(p *pipeline.Pipeline) error) {
	id := sessionID(r)
	p, _, err := s.registry.Open(tracker.Session{ID: id})
	if err != nil {
		s.logger.Warn("open session", zap.String("session_id", id), zap.Error(err))
		return
	}
	if err := fn(p); err != nil {
		level := s.logger.Warn
		if errors.Is(err, pipeline.ErrSessionClosed) || errors.Is(err, collector.ErrCaptureBusy) ||
			errors.Is(err, collector.ErrCaptureSkipped) {
			level = s.logger.Debug
		}
		level("ingest dropped", zap.String("session_id", id), zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (s *Server) sessionIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "session_id")
		if !validSessionID.MatchString(id) {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(sessionID(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(dst)
}

func sessionID(r *http.Request) string {
	id, _ := r.Context().Value(sessionKey{}).(string)
	return id
}

func parseReason(raw string) tracker.ScreenshotReason {
	switch reason := tracker.ScreenshotReason(strings.TrimSpace(raw)); reason {
	case tracker.ReasonPageLoad, tracker.ReasonPeriodic, tracker.ReasonSignal, tracker.ReasonConfirmation:
		return reason
	default:
		return tracker.ReasonBeacon
	}
}
