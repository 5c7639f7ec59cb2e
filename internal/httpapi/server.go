// Package httpapi exposes the dialogue engine over HTTP for debugging UIs
// and programmatic clients. The conversational contract itself lives in the
// engine; this layer only frames it.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"github.com/stellarlinkco/kotori/internal/engine"
	"github.com/stellarlinkco/kotori/internal/session"
)

// Engine is the slice of the executor the API needs. Kept narrow so tests
// can script it.
type Engine interface {
	StartSession(language, deckName string, temperature float64) string
	HandleTurn(ctx context.Context, sessionID, userText string) (*engine.TurnResult, error)
	GetState(sessionID string) (session.State, error)
	CloseSession(sessionID string) error
}

type Server struct {
	engine   Engine
	validate *validator.Validate
	router   chi.Router
}

func NewServer(eng Engine) *Server {
	s := &Server{
		engine:   eng,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/sessions", s.handleStartSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/turns", s.handleTurn)
			r.Get("/state", s.handleGetState)
			r.Delete("/", s.handleCloseSession)
		})
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until the context is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Printf("[httpapi] listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type startSessionRequest struct {
	Language    string  `json:"language" validate:"required"`
	DeckName    string  `json:"deck_name" validate:"required"`
	Temperature float64 `json:"temperature" validate:"omitempty,gt=0,lte=2"`
}

type turnRequest struct {
	Text string `json:"text" validate:"required"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := s.engine.StartSession(req.Language, req.DeckName, req.Temperature)
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.HandleTurn(r.Context(), chi.URLParam(r, "sessionID"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.GetState(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CloseSession(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Errorf("malformed request body: %w", err)))
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody(err))
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}
