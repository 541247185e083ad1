// Package registry tracks which sessions a window currently knows about.
//
// Presence is the whole state: an owner pid is either registered or not.
// The set is rebuilt from empty on every reconnect, so it holds no history.
package registry

import (
	"slices"
	"sync"
)

// ChangeKind describes a registry mutation.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Removed
	Cleared
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Cleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Change is delivered to subscribers after each effective mutation. Owner is
// zero for Cleared.
type Change struct {
	Kind  ChangeKind
	Owner int
}

// Registry is a mutex-guarded set of session owner pids.
type Registry struct {
	mu     sync.Mutex
	owners map[int]struct{}
	subs   map[int]chan Change
	nextID int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		owners: make(map[int]struct{}),
		subs:   make(map[int]chan Change),
	}
}

// Add registers owner and reports whether it was newly added. Non-positive
// owners are never registered.
func (r *Registry) Add(owner int) bool {
	if owner <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[owner]; ok {
		return false
	}
	r.owners[owner] = struct{}{}
	r.publishLocked(Change{Kind: Added, Owner: owner})
	return true
}

// Remove drops owner and reports whether it was present.
func (r *Registry) Remove(owner int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[owner]; !ok {
		return false
	}
	delete(r.owners, owner)
	r.publishLocked(Change{Kind: Removed, Owner: owner})
	return true
}

// Reset empties the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.owners) == 0 {
		return
	}
	clear(r.owners)
	r.publishLocked(Change{Kind: Cleared})
}

// Contains reports whether owner is registered.
func (r *Registry) Contains(owner int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[owner]
	return ok
}

// Len returns the number of registered owners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}

// Snapshot returns the registered owners in ascending order.
func (r *Registry) Snapshot() []int {
	r.mu.Lock()
	out := make([]int, 0, len(r.owners))
	for owner := range r.owners {
		out = append(out, owner)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Subscribe returns a channel of changes and a function that cancels the
// subscription and closes the channel. Slow subscribers miss changes rather
// than blocking mutators; Snapshot is authoritative.
func (r *Registry) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publishLocked(change Change) {
	for _, ch := range r.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
