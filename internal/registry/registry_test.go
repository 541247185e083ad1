package registry_test

import (
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"termbus/internal/registry"
)

func TestAddRemoveAreIdempotent(t *testing.T) {
	r := registry.New()
	if !r.Add(4242) {
		t.Fatal("first Add should report a change")
	}
	if r.Add(4242) {
		t.Fatal("duplicate Add should not report a change")
	}
	if r.Len() != 1 || !r.Contains(4242) {
		t.Fatalf("unexpected state: len=%d", r.Len())
	}
	if !r.Remove(4242) {
		t.Fatal("Remove of present owner should report a change")
	}
	if r.Remove(4242) {
		t.Fatal("Remove of absent owner should not report a change")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, len=%d", r.Len())
	}
}

func TestAddIgnoresNonPositiveOwners(t *testing.T) {
	r := registry.New()
	for _, owner := range []int{0, -1} {
		if r.Add(owner) {
			t.Fatalf("Add(%d) should be rejected", owner)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, len=%d", r.Len())
	}
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	r := registry.New()
	for _, owner := range []int{300, 100, 200} {
		r.Add(owner)
	}
	snap := r.Snapshot()
	if !slices.Equal(snap, []int{100, 200, 300}) {
		t.Fatalf("snapshot = %v", snap)
	}
	snap[0] = 999
	if r.Contains(999) {
		t.Fatal("snapshot must not alias registry state")
	}
}

// Any interleaving of join and leave events must leave exactly the set of
// owners whose last event was a join.
func TestConvergesUnderArbitraryOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 50; round++ {
		r := registry.New()
		want := make(map[int]bool)
		for step := 0; step < 200; step++ {
			owner := 1 + rng.IntN(20)
			if rng.IntN(2) == 0 {
				r.Add(owner)
				want[owner] = true
			} else {
				r.Remove(owner)
				want[owner] = false
			}
		}
		var expected []int
		for owner, present := range want {
			if present {
				expected = append(expected, owner)
			}
		}
		slices.Sort(expected)
		if got := r.Snapshot(); !slices.Equal(got, expected) {
			t.Fatalf("round %d: snapshot %v, want %v", round, got, expected)
		}
	}
}

func TestConcurrentMutation(t *testing.T) {
	r := registry.New()
	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			r.Add(owner)
			r.Add(owner)
			if owner%2 == 0 {
				r.Remove(owner)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 32 {
		t.Fatalf("len = %d, want 32", r.Len())
	}
}

func TestSubscribeReceivesEffectiveChanges(t *testing.T) {
	r := registry.New()
	changes, cancel := r.Subscribe(8)

	r.Add(4242)
	r.Add(4242)
	r.Remove(7)
	r.Reset()
	r.Reset()

	want := []registry.Change{
		{Kind: registry.Added, Owner: 4242},
		{Kind: registry.Cleared},
	}
	for i, w := range want {
		got := <-changes
		if got != w {
			t.Fatalf("change %d = %+v, want %+v", i, got, w)
		}
	}
	cancel()
	cancel()
	if _, ok := <-changes; ok {
		t.Fatal("expected channel closed after cancel")
	}
	r.Add(1)
}
