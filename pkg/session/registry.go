package session

import (
	"errors"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/pcipc/pkg/lifecycle"
)

// Registry tracks live sessions by ID.
type Registry struct {
	sessions cmap.ConcurrentMap[string, *Session]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: cmap.New[*Session]()}
}

// Add registers s.
func (r *Registry) Add(s *Session) { r.sessions.Set(s.ID(), s) }

// Remove forgets the session with the given ID.
func (r *Registry) Remove(id string) { r.sessions.Remove(id) }

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) { return r.sessions.Get(id) }

// Len returns the number of registered sessions.
func (r *Registry) Len() int { return r.sessions.Count() }

// States returns the state of every registered session.
func (r *Registry) States() map[string]lifecycle.State {
	out := make(map[string]lifecycle.State, r.sessions.Count())
	for item := range r.sessions.IterBuffered() {
		out[item.Key] = item.Val.State()
	}
	return out
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, s := range r.sessions.Items() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
