package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"voiceform/internal/capture"
	"voiceform/internal/domain"
	"voiceform/internal/export"
	"voiceform/internal/ports"
	"voiceform/internal/template"
	"voiceform/internal/usecase"
)

const maxBodyBytes = 1 << 20

// Session is the part of the capture session the API drives.
type Session interface {
	Connect(ctx context.Context) error
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Reset(ctx context.Context) error
	ApplyTemplate(ctx context.Context, raw string) (domain.TemplateSpec, error)
	ApplySpec(ctx context.Context, spec domain.TemplateSpec) (domain.TemplateSpec, error)
	BeginEdit(ctx context.Context) error
	SetDraftField(ctx context.Context, key, value string) error
	SaveEdit(ctx context.Context) error
	DiscardEdit(ctx context.Context) error
	Export(ctx context.Context, exporter ports.Exporter) (domain.ExportDocument, error)
	Snapshot(ctx context.Context) (domain.SessionSnapshot, error)
}

type Server struct {
	session   Session
	events    *EventSink
	templates ports.TemplateStore
	exporters *export.Registry
	router    chi.Router
	addr      string
	log       zerolog.Logger
}

func NewServer(
	session Session,
	events *EventSink,
	templates ports.TemplateStore,
	exporters *export.Registry,
	addr string,
	logger zerolog.Logger,
) *Server {
	srv := &Server{
		session:   session,
		events:    events,
		templates: templates,
		exporters: exporters,
		addr:      addr,
		log:       logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(srv.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", srv.handleGetSession)
			r.Post("/connect", srv.handleConnect)
			r.Post("/start", srv.command(session.Start))
			r.Post("/pause", srv.command(session.Pause))
			r.Post("/reset", srv.command(session.Reset))
			r.Put("/template", srv.handleApplyTemplate)
			r.Post("/edit", srv.command(session.BeginEdit))
			r.Put("/edit/fields/{key}", srv.handleSetDraftField)
			r.Post("/edit/save", srv.command(session.SaveEdit))
			r.Post("/edit/discard", srv.command(session.DiscardEdit))
			r.Post("/export/{target}", srv.handleExport)
			r.Delete("/banner", srv.handleDismissBanner)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", srv.handleListTemplates)
			r.Post("/", srv.handleCreateTemplate)
			r.Get("/{id}", srv.handleGetTemplate)
			r.Put("/{id}", srv.handleUpdateTemplate)
			r.Delete("/{id}", srv.handleDeleteTemplate)
			r.Post("/{id}/duplicate", srv.handleDuplicateTemplate)
			r.Post("/{id}/apply", srv.handleApplyStoredTemplate)
		})
	})

	srv.router = r
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("starting HTTP API")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

type sessionResponse struct {
	domain.SessionSnapshot
	Notice    StateNotice `json:"notice"`
	Banner    *Banner     `json:"banner,omitempty"`
	Exporters []string    `json:"exporters"`
}

type templateRequest struct {
	Name   string               `json:"name"`
	Text   string               `json:"text,omitempty"`
	Blocks *domain.TemplateSpec `json:"blocks,omitempty"`
}

func (r templateRequest) spec() domain.TemplateSpec {
	if r.Blocks != nil {
		return *r.Blocks
	}
	return template.Parse(r.Text)
}

type fieldRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "voiceform",
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.writeSession(w, r, http.StatusOK)
}

// handleConnect is also the retry path: it clears the banner first.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.events.Dismiss()
	if err := s.session.Connect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSession(w, r, http.StatusAccepted)
}

func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeSession(w, r, http.StatusOK)
	}
}

func (s *Server) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "template too large"})
		return
	}
	if _, err := s.session.ApplyTemplate(r.Context(), string(raw)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSession(w, r, http.StatusOK)
}

func (s *Server) handleSetDraftField(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.session.SetDraftField(r.Context(), chi.URLParam(r, "key"), req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSession(w, r, http.StatusOK)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	exporter, err := s.exporters.Lookup(chi.URLParam(r, "target"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	doc, err := s.session.Export(r.Context(), exporter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDismissBanner(w http.ResponseWriter, r *http.Request) {
	s.events.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	records, err := s.templates.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	record, err := s.templates.Create(r.Context(), req.Name, req.spec())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	record, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	record, err := s.templates.Update(r.Context(), chi.URLParam(r, "id"), req.Name, req.spec())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDuplicateTemplate(w http.ResponseWriter, r *http.Request) {
	record, err := s.templates.Duplicate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleApplyStoredTemplate(w http.ResponseWriter, r *http.Request) {
	record, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.session.ApplySpec(r.Context(), record.Spec); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSession(w, r, http.StatusOK)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, status int) {
	snapshot, err := s.session.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := sessionResponse{
		SessionSnapshot: snapshot,
		Notice:          s.events.Notice(),
		Exporters:       s.exporters.Names(),
	}
	if banner, ok := s.events.Banner(); ok {
		resp.Banner = &banner
	}
	writeJSON(w, status, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]string{"error": err.Error()}
	var captureErr *capture.CaptureError
	if errors.As(err, &captureErr) {
		body["reason"] = string(captureErr.Reason)
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	var captureErr *capture.CaptureError
	switch {
	case errors.Is(err, ports.ErrTemplateNotFound), errors.Is(err, export.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, ports.ErrTemplateInvalid):
		return http.StatusBadRequest
	case errors.Is(err, usecase.ErrUnknownField):
		return http.StatusUnprocessableEntity
	case errors.Is(err, usecase.ErrNotReady),
		errors.Is(err, usecase.ErrInvalidTransition),
		errors.Is(err, usecase.ErrEditInProgress),
		errors.Is(err, usecase.ErrNotEditing):
		return http.StatusConflict
	case errors.As(err, &captureErr):
		if captureErr.Reason == capture.ReasonAlreadyActive {
			return http.StatusConflict
		}
		return http.StatusServiceUnavailable
	case errors.Is(err, usecase.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		if !errors.Is(err, io.EOF) {
			msg = fmt.Sprintf("invalid JSON body: %s", strings.TrimPrefix(err.Error(), "json: "))
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return false
	}
	return true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
