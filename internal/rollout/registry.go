package rollout

import (
	"sync"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// Registry enforces the one-attempt-per-backend rule. The backend handle is
// the serialization point: an attempt holds it from acquisition until its
// terminal transition, and a second acquisition in between is rejected with
// AttemptInProgress.
type Registry struct {
	mu       sync.Mutex
	inflight map[interfaces.BackendHandle]interfaces.AttemptID
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		inflight: make(map[interfaces.BackendHandle]interfaces.AttemptID),
	}
}

// Acquire registers the attempt as the sole rollout for the handle
func (r *Registry) Acquire(handle interfaces.BackendHandle, id interfaces.AttemptID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.inflight[handle]; ok {
		return NewError(ErrCodeAttemptInProgress,
			"attempt %s is already in flight for backend %s", holder, handle)
	}
	r.inflight[handle] = id
	return nil
}

// Release frees the handle if it is still held by the given attempt
func (r *Registry) Release(handle interfaces.BackendHandle, id interfaces.AttemptID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inflight[handle] == id {
		delete(r.inflight, handle)
	}
}

// InFlight returns the attempt currently holding the handle, if any
func (r *Registry) InFlight(handle interfaces.BackendHandle) (interfaces.AttemptID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.inflight[handle]
	return id, ok
}

// Active returns a snapshot of all in-flight attempts keyed by backend
func (r *Registry) Active() map[interfaces.BackendHandle]interfaces.AttemptID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[interfaces.BackendHandle]interfaces.AttemptID, len(r.inflight))
	for handle, id := range r.inflight {
		out[handle] = id
	}
	return out
}
