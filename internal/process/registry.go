package process

import (
	"maps"
	"slices"
	"sync"
)

// Registry maps the pids of asynchronously spawned children to their
// handles. Each pid appears at most once.
type Registry struct {
	mu       sync.Mutex
	children map[int]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{children: make(map[int]*Handle)}
}

// Insert registers h under pid, replacing a stale entry for a recycled pid.
func (r *Registry) Insert(pid int, h *Handle) {
	r.mu.Lock()
	r.children[pid] = h
	r.mu.Unlock()
}

// Remove drops pid and reports whether it was present.
func (r *Registry) Remove(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.children[pid]; !ok {
		return false
	}
	delete(r.children, pid)
	return true
}

// removeHandle drops pid only while it still maps to h.
func (r *Registry) removeHandle(pid int, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.children[pid] != h {
		return false
	}
	delete(r.children, pid)
	return true
}

// Lookup returns the handle registered under pid.
func (r *Registry) Lookup(pid int) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.children[pid]
	return h, ok
}

// Len returns the number of registered children.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

// Snapshot returns a copy of the registry.
func (r *Registry) Snapshot() map[int]*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.children)
}

// handles returns the registered handles ordered by pid.
func (r *Registry) handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.children))
	for _, pid := range slices.Sorted(maps.Keys(r.children)) {
		out = append(out, r.children[pid])
	}
	return out
}

// spawn runs start and registers its pid without releasing the lock in
// between, so a reap pass can never miss a freshly forked child.
func (r *Registry) spawn(h *Handle, start func() (int, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, err := start()
	if err != nil {
		return err
	}
	r.children[pid] = h
	return nil
}
