package ids

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestAllocateIsUniqueAndPrefixed(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := r.Allocate(KindSimulation)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if !strings.HasPrefix(id, "sim-") {
			t.Fatalf("Allocate(simulation) = %q, want sim- prefix", id)
		}
		if seen[id] {
			t.Fatalf("Allocate returned duplicate %q", id)
		}
		seen[id] = true
	}
	for id := range seen {
		if !r.Exists(KindSimulation, id) {
			t.Fatalf("Exists(%q) = false after Allocate", id)
		}
	}
}

func TestAllocateRetriesOnCollision(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	seq := []string{"a", "a", "b"}
	r.newID = func() string {
		next := seq[0]
		seq = seq[1:]
		return next
	}

	first, err := r.Allocate(KindNode)
	if err != nil || first != "node-a" {
		t.Fatalf("first Allocate = %q, %v", first, err)
	}
	second, err := r.Allocate(KindNode)
	if err != nil || second != "node-b" {
		t.Fatalf("second Allocate = %q, %v; want node-b", second, err)
	}
}

func TestAllocateExhausted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.newID = func() string { return "same" }

	if _, err := r.Allocate(KindVehicle); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := r.Allocate(KindVehicle); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Allocate error = %v, want ErrExhausted", err)
	}
}

func TestClaimAndRelease(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if err := r.Claim(KindNode, "node-west"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := r.Claim(KindNode, "node-west"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second Claim error = %v, want ErrDuplicateID", err)
	}
	// Kinds are independent namespaces.
	if err := r.Claim(KindSimulation, "node-west"); err != nil {
		t.Fatalf("Claim other kind: %v", err)
	}
	if err := r.Claim(KindNode, "  "); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Claim blank error = %v, want ErrInvalidID", err)
	}

	r.Release(KindNode, "node-west")
	r.Release(KindNode, "node-west")
	r.Release(KindNode, "never-existed")
	if r.Exists(KindNode, "node-west") {
		t.Fatalf("node-west still exists after release")
	}
	if !r.Exists(KindSimulation, "node-west") {
		t.Fatalf("release leaked into another kind")
	}
}

func TestReleaseVehiclesScopedToSimulation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, key := range []string{
		ScopedVehicle("sim-1", "ego"),
		ScopedVehicle("sim-1", "npc"),
		ScopedVehicle("sim-10", "ego"),
	} {
		if err := r.Claim(KindVehicle, key); err != nil {
			t.Fatalf("Claim %s: %v", key, err)
		}
	}

	if n := r.ReleaseVehicles("sim-1"); n != 2 {
		t.Fatalf("ReleaseVehicles = %d, want 2", n)
	}
	if !r.Exists(KindVehicle, ScopedVehicle("sim-10", "ego")) {
		t.Fatalf("ReleaseVehicles removed a vehicle of another simulation")
	}
}

func TestConcurrentAllocate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, err := r.Allocate(KindSimulation)
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %q", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
