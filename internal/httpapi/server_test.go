package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stellarlinkco/kotori/internal/engine"
	"github.com/stellarlinkco/kotori/internal/session"
)

type fakeEngine struct {
	sessions map[string]session.State
	turns    []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sessions: make(map[string]session.State)}
}

func (f *fakeEngine) StartSession(language, deckName string, temperature float64) string {
	id := fmt.Sprintf("s-%d", len(f.sessions)+1)
	f.sessions[id] = session.State{
		SessionID:   id,
		CurrentNode: session.NodeGreeting,
		Language:    language,
	}
	return id
}

func (f *fakeEngine) HandleTurn(ctx context.Context, sessionID, userText string) (*engine.TurnResult, error) {
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	f.turns = append(f.turns, userText)
	return &engine.TurnResult{Reply: "echo: " + userText, Node: session.NodeGreeting}, nil
}

func (f *fakeEngine) GetState(sessionID string) (session.State, error) {
	st, ok := f.sessions[sessionID]
	if !ok {
		return session.State{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	return st, nil
}

func (f *fakeEngine) CloseSession(sessionID string) error {
	if _, ok := f.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	delete(f.sessions, sessionID)
	return nil
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv := NewServer(newFakeEngine())

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions",
		map[string]any{"language": "english", "deck_name": "Kotori"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.SessionID == "" {
		t.Fatal("no session id returned")
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/turns",
		map[string]any{"text": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("turn status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "echo: hello") {
		t.Errorf("turn body = %s", rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+created.SessionID+"/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status = %d", rec.Code)
	}
	var state session.State
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.CurrentNode != session.NodeGreeting {
		t.Errorf("state node = %s", state.CurrentNode)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/sessions/"+created.SessionID+"/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close status = %d", rec.Code)
	}
}

func TestValidationErrors(t *testing.T) {
	srv := NewServer(newFakeEngine())

	// missing deck_name
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{"language": "english"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	// empty turn text
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/s-1/turns", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	srv := NewServer(newFakeEngine())
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/nope/turns", map[string]any{"text": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/nope/state", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("state status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := NewServer(newFakeEngine())
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
