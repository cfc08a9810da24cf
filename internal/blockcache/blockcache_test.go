package blockcache

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestGetOrLoadCachesAfterFirstMiss(t *testing.T) {
	c := New(1<<20, nil)
	key := Key{ArchiveID: 1, EntryID: 2, Frame: 0}

	var calls atomic.Int64
	load := func() ([]byte, error) {
		calls.Add(1)
		return []byte("frame bytes"), nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.GetOrLoad(key, load)
		if err != nil {
			t.Fatal(err)
		}
		if string(v) != "frame bytes" {
			t.Fatalf("got %q", v)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}
}

func TestGetOrLoadDedupesConcurrentMisses(t *testing.T) {
	c := New(1<<20, nil)
	key := Key{ArchiveID: 7, EntryID: 1, Frame: 3}

	var calls atomic.Int64
	start := make(chan struct{})
	load := func() ([]byte, error) {
		calls.Add(1)
		<-start
		return []byte("payload"), nil
	}

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.GetOrLoad(key, load); err != nil {
				t.Error(err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("loader called %d times concurrently for the same key, want 1", calls.Load())
	}
}

func TestDistinctKeysDoNotCollide(t *testing.T) {
	c := New(1<<20, nil)
	if _, err := c.GetOrLoad(Key{1, 1, 0}, func() ([]byte, error) { return []byte("a"), nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrLoad(Key{1, 1, 1}, func() ([]byte, error) { return []byte("b"), nil }); err != nil {
		t.Fatal(err)
	}
	va, _ := c.Get(Key{1, 1, 0})
	vb, _ := c.Get(Key{1, 1, 1})
	if string(va) != "a" || string(vb) != "b" {
		t.Fatalf("got %q, %q", va, vb)
	}
}

func TestCapacityIsEnforcedInBytesNotItems(t *testing.T) {
	// Three 1000-byte values into a 2500-byte cache must evict, even
	// though tinylfu's own item-count sizing would happily hold all three
	// in a handful of slots.
	c := New(2500, nil)
	k1 := Key{ArchiveID: 1, EntryID: 1, Frame: 0}
	k2 := Key{ArchiveID: 1, EntryID: 1, Frame: 1}
	k3 := Key{ArchiveID: 1, EntryID: 1, Frame: 2}
	val := make([]byte, 1000)

	for _, k := range []Key{k1, k2, k3} {
		if _, err := c.GetOrLoad(k, func() ([]byte, error) { return val, nil }); err != nil {
			t.Fatal(err)
		}
	}

	_, _, bytesUsed := c.Stats()
	if bytesUsed > 2500 {
		t.Fatalf("bytesUsed = %d, want <= capacity 2500", bytesUsed)
	}
	if _, ok := c.Get(k1); ok {
		t.Fatal("expected the least-recently-used entry to have been evicted")
	}
	if _, ok := c.Get(k3); !ok {
		t.Fatal("expected the most recently inserted entry to remain cached")
	}
}

func TestWarmEntrySurvivesEvictionOfColdCandidate(t *testing.T) {
	c := New(2500, nil)
	k1 := Key{ArchiveID: 2, EntryID: 1, Frame: 0}
	k2 := Key{ArchiveID: 2, EntryID: 1, Frame: 1}
	k3 := Key{ArchiveID: 2, EntryID: 1, Frame: 2}
	val := func() ([]byte, error) { return make([]byte, 1000), nil }

	if _, err := c.GetOrLoad(k1, val); err != nil {
		t.Fatal(err)
	}
	// A hit marks k1 as worth protecting.
	if _, ok := c.Get(k1); !ok {
		t.Fatal("expected a hit on k1")
	}
	if _, err := c.GetOrLoad(k2, val); err != nil {
		t.Fatal(err)
	}
	// k3 is a cold, never-seen candidate; admitting it would require
	// evicting the now-warm k1, so it must be rejected rather than cached.
	if _, err := c.GetOrLoad(k3, val); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(k1); !ok {
		t.Fatal("expected warm k1 to survive eviction pressure from a cold candidate")
	}
}

func TestStatsTrackHitsAndMisses(t *testing.T) {
	c := New(1<<20, nil)
	key := Key{ArchiveID: 9, EntryID: 9, Frame: 9}
	c.Get(key) // miss
	c.GetOrLoad(key, func() ([]byte, error) { return []byte("x"), nil })
	c.Get(key) // hit

	hits, misses, bytesUsed := c.Stats()
	if hits < 1 {
		t.Errorf("hits = %d, want at least 1", hits)
	}
	if misses < 1 {
		t.Errorf("misses = %d, want at least 1", misses)
	}
	if bytesUsed != 1 {
		t.Errorf("bytesUsed = %d, want 1", bytesUsed)
	}
}
