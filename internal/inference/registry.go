package inference

import (
	"context"
	"sync"
)

const deliveryBuffer = 256

// delivery is the channel pair between the read pump and one stream
// consumer. frames closes when the connection is lost, which is the loss
// sentinel: a close observed on the channel is ordered after every frame
// routed before it. gone closes when the consumer detaches so a router
// blocked on a full buffer drops instead of waiting forever.
type delivery struct {
	frames chan *Frame
	gone   chan struct{}
}

// sessionRegistry holds the delivery channels of in-flight inferences and
// the user to session bindings. One lock covers both maps.
type sessionRegistry struct {
	mu         sync.RWMutex
	deliveries map[string]*delivery
	users      map[string]string
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		deliveries: make(map[string]*delivery),
		users:      make(map[string]string),
	}
}

// attach creates the session's delivery. A session carries at most one
// live delivery: a second attach while the first consumer is still
// streaming is refused, otherwise the engine's token sequence would be
// split between two consumers.
func (r *sessionRegistry) attach(sessionID string) (*delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deliveries[sessionID]; ok {
		return nil, false
	}
	d := &delivery{
		frames: make(chan *Frame, deliveryBuffer),
		gone:   make(chan struct{}),
	}
	r.deliveries[sessionID] = d
	return d, true
}

// detach removes the session's delivery. Safe when absent. Closing gone
// releases a router currently blocked on this delivery.
func (r *sessionRegistry) detach(sessionID string) {
	r.mu.Lock()
	d, ok := r.deliveries[sessionID]
	if ok {
		delete(r.deliveries, sessionID)
	}
	r.mu.Unlock()

	if ok {
		close(d.gone)
	}
}

// route hands a frame to the session's consumer in socket order. It blocks
// until the consumer takes the frame, the consumer detaches, or ctx ends.
// Returns false when the session has no delivery or the frame was dropped.
func (r *sessionRegistry) route(ctx context.Context, sessionID string, fr *Frame) bool {
	r.mu.RLock()
	d, ok := r.deliveries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case d.frames <- fr:
		return true
	case <-d.gone:
		return false
	case <-ctx.Done():
		return false
	}
}

// closeAll closes every delivery's frames channel and clears the map.
// Only the read pump calls it, after its loop has exited, so no route can
// race the close; every consumer observes the loss after all frames that
// were routed before it.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, d := range r.deliveries {
		close(d.frames)
		delete(r.deliveries, id)
	}
}

// active reports whether the session has a live consumer on this instance.
func (r *sessionRegistry) active(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.deliveries[sessionID]
	return ok
}

// rememberUser binds a user to their engine session.
func (r *sessionRegistry) rememberUser(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = sessionID
}

// lookupUser returns the session bound to a user, if any.
func (r *sessionRegistry) lookupUser(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.users[userID]
	return sessionID, ok
}

// forgetUser drops a user's session binding.
func (r *sessionRegistry) forgetUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
}
