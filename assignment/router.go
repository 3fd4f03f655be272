// Package assignment maintains the authoritative service→identity mapping
// and each identity's currently known overlay address.
package assignment

import (
	"sort"
	"sync"

	rendezvous "github.com/dgryski/go-rendezvous"
)

// Entry is one service's assignment (owning identity and that identity's
// current address), as returned by LookupAll.
type Entry struct {
	Node string
	Addr string
}

// OnRotate is invoked after rotate persists a new assignment, so the Router
// can notify RelayNodes to refresh their advertised service lists.
type OnRotate func(service, newNode string)

// Router serves service→identity lookups and owns the single assignment
// lock guarding reads, rotations, and address updates.
type Router struct {
	mu          sync.Mutex
	assignments map[string]string // service -> node
	addresses   map[string]string // node -> current overlay address
	nodeNames   []string          // stable order for rotation

	onRotate  OnRotate
	onPersist func(map[string]string)
}

// New creates a Router seeded with the configured identity names (for
// rendezvous placement and rotation order) and any already-persisted
// assignments.
func New(nodeNames []string, initial map[string]string, onRotate OnRotate, onPersist func(map[string]string)) *Router {
	sorted := append([]string(nil), nodeNames...)
	sort.Strings(sorted)

	assignments := make(map[string]string, len(initial))
	for k, v := range initial {
		assignments[k] = v
	}

	return &Router{
		assignments: assignments,
		addresses:   make(map[string]string),
		nodeNames:   sorted,
		onRotate:    onRotate,
		onPersist:   onPersist,
	}
}

// EnsureAssigned guarantees service has an assignment, picking a
// deterministic default owner via rendezvous hashing when none is recorded
// yet. Returns the owning node.
func (r *Router) EnsureAssigned(service string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureAssignedLocked(service)
}

func (r *Router) ensureAssignedLocked(service string) string {
	if node, ok := r.assignments[service]; ok {
		return node
	}
	if len(r.nodeNames) == 0 {
		return ""
	}
	node := r.defaultOwner(service)
	r.assignments[service] = node
	r.persistLocked()
	return node
}

// defaultOwner picks the rendezvous-hash winner among the configured
// identity names for service, giving a deterministic initial placement that
// is stable under identity-list reordering (unlike `idx % len(nodes)`).
func (r *Router) defaultOwner(service string) string {
	rv := rendezvous.New(r.nodeNames, fnv1aHash)
	return rv.Lookup(service)
}

// SetAddress records an identity's current overlay address, updated
// whenever its sidecar reports ready or disconnects (addr=="" on drop).
// Address updates take the same lock as lookups and rotations; a caller
// may still act on an address that changes right after its Lookup returns.
func (r *Router) SetAddress(node, addr string) {
	r.mu.Lock()
	if addr == "" {
		delete(r.addresses, node)
	} else {
		r.addresses[node] = addr
	}
	r.mu.Unlock()
}

// Lookup returns the identity assigned to service and its current address
// (empty if unknown or offline).
func (r *Router) Lookup(service string) (node, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node = r.ensureAssignedLocked(service)
	addr = r.addresses[node]
	return node, addr
}

// LookupAll returns the full assignment map, each entry carrying the node
// name and its current address.
func (r *Router) LookupAll() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.assignments))
	for svc, node := range r.assignments {
		out[svc] = Entry{Node: node, Addr: r.addresses[node]}
	}
	return out
}

// Rotate cycles service's assignment to the next identity in stable name
// order, persists the change, and notifies onRotate.
func (r *Router) Rotate(service string) (newNode string) {
	r.mu.Lock()
	current := r.ensureAssignedLocked(service)
	newNode = r.nextNode(current)
	r.assignments[service] = newNode
	r.persistLocked()
	r.mu.Unlock()

	if r.onRotate != nil {
		r.onRotate(service, newNode)
	}
	return newNode
}

func (r *Router) nextNode(current string) string {
	if len(r.nodeNames) == 0 {
		return current
	}
	for i, n := range r.nodeNames {
		if n == current {
			return r.nodeNames[(i+1)%len(r.nodeNames)]
		}
	}
	return r.nodeNames[0]
}

func (r *Router) persistLocked() {
	if r.onPersist == nil {
		return
	}
	snapshot := make(map[string]string, len(r.assignments))
	for k, v := range r.assignments {
		snapshot[k] = v
	}
	r.onPersist(snapshot)
}

// fnv1aHash is the func(string) uint64 go-rendezvous requires to score
// nodes for a key; FNV-1a is sufficient here since the assignment only
// needs a stable, well-distributed hash, not a cryptographic one.
func fnv1aHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
