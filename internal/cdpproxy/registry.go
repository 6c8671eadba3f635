package cdpproxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// Registry maps project ids to the upstream page each project owns. A target
// belongs to at most one project.
//
// Registrations run one at a time: each acquires a link in a lock chain and
// waits for the previous link to be released, so concurrent registrations
// never pick the same unclaimed target.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]target.ID
	owners  map[target.ID]string
	tail    chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	tail := make(chan struct{})
	close(tail)
	return &Registry{
		targets: make(map[string]target.ID),
		owners:  make(map[target.ID]string),
		tail:    tail,
	}
}

// Lookup returns the target registered for projectID.
func (r *Registry) Lookup(projectID string) (target.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.targets[projectID]
	return id, ok
}

// Owner returns the project that owns id.
func (r *Registry) Owner(id target.ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.owners[id]
	return p, ok
}

// Claimed reports whether any project owns id.
func (r *Registry) Claimed(id target.ID) bool {
	_, ok := r.Owner(id)
	return ok
}

// Set binds projectID to id, replacing the project's previous target.
// It fails with ErrTargetClaimed when id belongs to a different project.
func (r *Registry) Set(projectID string, id target.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[id]; ok && owner != projectID {
		return fmt.Errorf("%w: %s owned by %s", ErrTargetClaimed, id, owner)
	}
	if prev, ok := r.targets[projectID]; ok {
		delete(r.owners, prev)
	}
	r.targets[projectID] = id
	r.owners[id] = projectID
	return nil
}

// Clear drops every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = make(map[string]target.ID)
	r.owners = make(map[target.ID]string)
}

// Snapshot returns a copy of the project to target map.
func (r *Registry) Snapshot() map[string]target.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]target.ID, len(r.targets))
	for p, id := range r.targets {
		out[p] = id
	}
	return out
}

// Len returns the number of registered projects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// acquire appends a link to the lock chain and waits for its predecessor.
// The returned release must be called exactly once. If ctx ends first the
// link is released as soon as the predecessor is, keeping the chain intact.
func (r *Registry) acquire(ctx context.Context) (release func(), err error) {
	done := make(chan struct{})
	r.mu.Lock()
	prev := r.tail
	r.tail = done
	r.mu.Unlock()

	var once sync.Once
	release = func() { once.Do(func() { close(done) }) }

	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Wait blocks until the registration in flight when it was called, if any,
// has finished.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.RLock()
	tail := r.tail
	r.mu.RUnlock()
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
