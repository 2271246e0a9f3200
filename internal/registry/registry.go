// Package registry tracks the set of child PIDs spawned by this process that
// have not yet been reaped.
package registry

import (
	"context"
	"sort"
	"sync"
)

// closed is handed out for PIDs that are not tracked so waiters return
// immediately.
var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Registry is a concurrency-safe set of live child PIDs. Each entry carries a
// channel that is closed when the PID is removed, letting callers block on
// termination without polling.
type Registry struct {
	mu      sync.Mutex
	entries map[int]chan struct{}
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[int]chan struct{})}
}

// Add inserts pid. It reports whether the PID was newly tracked; adding a PID
// that is already present leaves the existing entry untouched.
func (r *Registry) Add(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[int]chan struct{})
	}
	if _, ok := r.entries[pid]; ok {
		return false
	}
	r.entries[pid] = make(chan struct{})
	return true
}

// Remove drops pid and wakes anyone waiting on it. It reports whether an
// entry was removed; removing an untracked PID is a no-op.
func (r *Registry) Remove(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	done, ok := r.entries[pid]
	if !ok {
		return false
	}
	delete(r.entries, pid)
	close(done)
	return true
}

// Contains reports whether pid is tracked.
func (r *Registry) Contains(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[pid]
	return ok
}

// Len returns the number of tracked PIDs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the tracked PIDs in ascending order. The slice is a copy
// and is safe to iterate while the registry changes underneath it.
func (r *Registry) Snapshot() []int {
	r.mu.Lock()
	pids := make([]int, 0, len(r.entries))
	for pid := range r.entries {
		pids = append(pids, pid)
	}
	r.mu.Unlock()
	sort.Ints(pids)
	return pids
}

// Done returns a channel that is closed once pid is no longer tracked.
func (r *Registry) Done(pid int) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if done, ok := r.entries[pid]; ok {
		return done
	}
	return closed
}

// Wait blocks until pid is no longer tracked or ctx is cancelled.
func (r *Registry) Wait(ctx context.Context, pid int) error {
	select {
	case <-r.Done(pid):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
