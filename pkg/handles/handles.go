// Package handles maps adapter objects (stack frames, variable containers)
// to the opaque integer references handed out to the client.
//
// A Tree keeps two generations of (parent, key) to handle bindings. After
// Reset the bindings of the last generation are remembered, so an object
// recreated under the same parent with the same key gets its old handle
// back. This is what keeps an expanded variable expanded across a step.
package handles

import (
	"errors"
	"fmt"

	"github.com/go-delve/ndap/pkg/logflags"
)

// Handle is a non-zero reference. The zero Handle means "no handle".
type Handle uint32

const startHandle Handle = 1000

type treeKey struct {
	parent Handle
	key    string
}

type entry[V any] struct {
	parent Handle
	key    string
	value  V
}

// Tree is a two-generation handle allocator. It is not safe for
// concurrent use.
type Tree[V any] struct {
	byHandle map[Handle]entry[V]
	current  map[treeKey]Handle
	previous map[treeKey]Handle
	next     Handle
	log      logflags.Logger
}

// NewTree returns an empty Tree. Handles are minted from 1001 onwards.
func NewTree[V any]() *Tree[V] {
	return &Tree[V]{
		byHandle: make(map[Handle]entry[V]),
		current:  make(map[treeKey]Handle),
		previous: make(map[treeKey]Handle),
		next:     startHandle,
		log:      logflags.SessionLogger(),
	}
}

// Reset starts a new generation. All handles become invalid, but their
// (parent, key) bindings are kept for one generation.
func (t *Tree[V]) Reset() {
	t.byHandle = make(map[Handle]entry[V])
	t.previous = t.current
	t.current = make(map[treeKey]Handle)
}

// Create stores value under (parent, key) and returns its handle. Parent
// must be zero or a handle valid in the current generation, Create panics
// otherwise.
func (t *Tree[V]) Create(parent Handle, key string, value V) Handle {
	if parent != 0 {
		if _, ok := t.byHandle[parent]; !ok {
			panic(fmt.Sprintf("invalid parent handle %d", parent))
		}
	}
	k := treeKey{parent, key}
	h, ok := t.previous[k]
	if !ok {
		h = t.mint()
	}
	if _, occupied := t.byHandle[h]; occupied {
		t.log.Errorf("Parent/key combination is not unique (%d/%s)", parent, key)
		h = t.mint()
	}
	t.byHandle[h] = entry[V]{parent, key, value}
	t.current[k] = h
	return h
}

func (t *Tree[V]) mint() Handle {
	t.next++
	return t.next
}

// Get returns the value stored under h.
func (t *Tree[V]) Get(h Handle) (V, bool) {
	e, ok := t.byHandle[h]
	return e.value, ok
}

// GetFullInfo returns the parent, key and value stored under h.
func (t *Tree[V]) GetFullInfo(h Handle) (parent Handle, key string, value V, ok bool) {
	e, ok := t.byHandle[h]
	return e.parent, e.key, e.value, ok
}

// Len returns the number of live handles.
func (t *Tree[V]) Len() int {
	return len(t.byHandle)
}

var errInvalidHandle = errors.New("Expected non-zero handle value")

// FromInt converts a reference received from the client to a Handle.
func FromInt(v int) (Handle, error) {
	if v <= 0 || int64(v) > int64(^uint32(0)) {
		return 0, errInvalidHandle
	}
	return Handle(v), nil
}

// ToInt converts h to the integer sent to the client. Zero stays zero.
func ToInt(h Handle) int {
	return int(h)
}
