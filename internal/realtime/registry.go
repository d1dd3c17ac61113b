package realtime

import (
	"context"
	"sync"
)

// Registry enforces the one-live-connection-per-user policy. Register is an
// atomic swap that returns the previously registered connection id, so the
// caller can kick it; Deregister removes the mapping only while it still
// points at the disconnecting connection, so a slow disconnect never
// clobbers a newer registration.
type Registry interface {
	Register(ctx context.Context, userID, connID string) (previous string, err error)
	Deregister(ctx context.Context, userID, connID string) (removed bool, err error)
}

// MemoryRegistry is the process-local implementation. State is rebuilt from
// zero on restart; clients reconnect and re-register.
type MemoryRegistry struct {
	mu    sync.Mutex
	conns map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[string]string)}
}

func (r *MemoryRegistry) Register(_ context.Context, userID, connID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.conns[userID]
	r.conns[userID] = connID
	return previous, nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userID] != connID {
		return false, nil
	}
	delete(r.conns, userID)
	return true, nil
}
