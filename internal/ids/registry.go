// Package ids issues and tracks the opaque identifiers used by the
// orchestrator: simulations, simulation nodes, and vehicles.
package ids

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Kind partitions the identifier space. Uniqueness is enforced per kind.
type Kind int

const (
	KindSimulation Kind = iota
	KindNode
	KindVehicle
)

func (k Kind) String() string {
	switch k {
	case KindSimulation:
		return "simulation"
	case KindNode:
		return "node"
	case KindVehicle:
		return "vehicle"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) prefix() string {
	switch k {
	case KindSimulation:
		return "sim-"
	case KindNode:
		return "node-"
	default:
		return "veh-"
	}
}

var (
	// ErrInvalidID is returned for empty or malformed identifiers.
	ErrInvalidID = errors.New("invalid identifier")
	// ErrDuplicateID is returned when claiming an identifier that is live.
	ErrDuplicateID = errors.New("identifier already in use")
	// ErrExhausted is returned when the generator keeps colliding.
	ErrExhausted = errors.New("identifier generation exhausted")
)

const maxAllocateAttempts = 8

// Registry is a concurrency-safe set of live identifiers per kind.
type Registry struct {
	mu   sync.RWMutex
	live map[Kind]map[string]struct{}

	// newID is swapped in tests to force collisions.
	newID func() string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		live: map[Kind]map[string]struct{}{
			KindSimulation: {},
			KindNode:       {},
			KindVehicle:    {},
		},
		newID: uuid.NewString,
	}
}

// Allocate generates a fresh identifier of the given kind and marks it live.
func (r *Registry) Allocate(kind Kind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.live[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %s", ErrInvalidID, kind)
	}
	for i := 0; i < maxAllocateAttempts; i++ {
		id := kind.prefix() + r.newID()
		if _, taken := set[id]; taken {
			continue
		}
		set[id] = struct{}{}
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrExhausted, kind)
}

// Claim marks an externally chosen identifier live, failing if it already is.
func (r *Registry) Claim(kind Kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidID, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.live[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidID, kind)
	}
	if _, taken := set[id]; taken {
		return fmt.Errorf("%w: %s %q", ErrDuplicateID, kind, id)
	}
	set[id] = struct{}{}
	return nil
}

// Release frees an identifier. Releasing an unknown identifier is a no-op.
func (r *Registry) Release(kind Kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.live[kind]; ok {
		delete(set, id)
	}
}

// Exists reports whether id is live for kind.
func (r *Registry) Exists(kind Kind, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[kind][id]
	return ok
}

// ScopedVehicle builds the registry key for a vehicle, which is only unique
// inside its simulation.
func ScopedVehicle(simulationID, vehicleID string) string {
	return simulationID + "/" + vehicleID
}

// ReleaseVehicles frees every vehicle scoped to the simulation.
func (r *Registry) ReleaseVehicles(simulationID string) int {
	prefix := simulationID + "/"
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for id := range r.live[KindVehicle] {
		if strings.HasPrefix(id, prefix) {
			delete(r.live[KindVehicle], id)
			released++
		}
	}
	return released
}
