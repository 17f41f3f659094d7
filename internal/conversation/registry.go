package conversation

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"doc-chat/internal/llm"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry owns the live sessions of the process. A session lives from Create
// until Delete.
type Registry struct {
	deps     Deps
	defaults Settings

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Controller
}

// NewRegistry returns an empty registry. defaults fill unset fields of new sessions.
func NewRegistry(deps Deps, defaults Settings) *Registry {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Registry{deps: deps, defaults: defaults, sessions: make(map[uuid.UUID]*Controller)}
}

// Create starts a session. The provider must be available.
func (r *Registry) Create(settings Settings) (*Controller, error) {
	if settings.Provider == "" {
		settings.Provider = r.defaults.Provider
	}
	if settings.Tier == "" {
		settings.Tier = r.defaults.Tier
	}
	if settings.Memory == "" {
		settings.Memory = r.defaults.Memory
	}
	if settings.Collection == "" {
		settings.Collection = r.defaults.Collection
	}
	p, err := llm.ParseProvider(string(settings.Provider))
	if err != nil {
		return nil, err
	}
	settings.Provider = p
	if _, err := r.deps.Providers.Select(p); err != nil {
		return nil, err
	}

	c, err := NewController(NewSession(settings), r.deps)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[c.session.ID] = c
	r.mu.Unlock()
	r.deps.Log.Info("session created", "session_id", c.session.ID, "provider", p, "memory", c.session.Memory)
	return c, nil
}

func (r *Registry) Get(id uuid.UUID) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Delete ends a session. A session answering a question cannot be deleted.
func (r *Registry) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if c.State().Busy() {
		return ErrBusy
	}
	delete(r.sessions, id)
	r.deps.Log.Info("session deleted", "session_id", id)
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
