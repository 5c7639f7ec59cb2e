package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
)

// Registry maps session ids to live contexts. It replaces the original's
// global singletons with explicit creation and eviction. Different sessions
// are fully independent; the registry only guards its own map.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Context
	byKey    map[string]string // transport key -> session id
	store    *Store            // optional archive, may be nil
}

func NewRegistry(store *Store) *Registry {
	return &Registry{
		sessions: make(map[string]*Context),
		byKey:    make(map[string]string),
		store:    store,
	}
}

func (r *Registry) Create(language, deckName string) *Context {
	sc := NewContext(language, deckName)
	r.mu.Lock()
	r.sessions[sc.ID] = sc
	r.mu.Unlock()
	return sc
}

func (r *Registry) Get(id string) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sc, nil
}

// GetOrCreateByKey returns the session bound to a transport key
// (channel:chat_id), creating one on first contact.
func (r *Registry) GetOrCreateByKey(key, language, deckName string) *Context {
	r.mu.Lock()
	if id, ok := r.byKey[key]; ok {
		if sc, ok := r.sessions[id]; ok && !sc.Closed {
			r.mu.Unlock()
			return sc
		}
	}
	sc := NewContext(language, deckName)
	r.sessions[sc.ID] = sc
	r.byKey[key] = sc.ID
	r.mu.Unlock()
	return sc
}

// Close terminates a session: the node becomes End, the context is archived
// if a store is configured, and the id is evicted from the registry.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	sc, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		for key, mapped := range r.byKey {
			if mapped == id {
				delete(r.byKey, key)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sc.Lock()
	sc.Node = NodeEnd
	sc.Closed = true
	sc.Unlock()

	if r.store != nil {
		if err := r.store.Archive(sc); err != nil {
			log.Printf("[session] archive %s warning: %v", id, err)
		}
	}
	return nil
}

// Sweep evicts sessions idle longer than maxIdle and returns how many were
// removed. Evicted sessions are archived like closed ones.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []string
	for id, sc := range r.sessions {
		if sc.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if err := r.Close(id); err == nil {
			log.Printf("[session] evicted idle session %s", id)
		}
	}
	return len(stale)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
