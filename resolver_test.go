//go:build unix

package pmwcas

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRegion(t *testing.T, size int) *Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r, err := Map(f, size, true, Random, 1<<20)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testResolverConfig(region *Region) resolverConfig {
	return resolverConfig{spinRounds: 4, backoff: time.Millisecond, region: region}
}

func TestResolveIntermediate_NonIntermediateIsNoOp(t *testing.T) {
	cfg := testResolverConfig(nil)
	var cell atomic.Uint64
	cell.Store(uint64(Word(9)))
	got := cfg.ResolveIntermediate(&cell, Word(9))
	if got != Word(9) {
		t.Fatalf("got %v, want 9", got)
	}
}

func TestResolveIntermediate_CleansDirtyAfterBackoff(t *testing.T) {
	region := newTestRegion(t, 4096)
	cfg := testResolverConfig(region)

	addr := (*atomic.Uint64)(region.Direct(Oid(64)))
	dirty := Word(123).WithDirty()
	addr.Store(uint64(dirty))

	got := cfg.ResolveIntermediate(addr, dirty)
	if got.IsDirty() {
		t.Fatalf("expected dirty bit cleared, got %v", got)
	}
	if got.DecodeValue() != 123 {
		t.Fatalf("DecodeValue() = %d, want 123", got.DecodeValue())
	}
	if final := Word(addr.Load()); final.IsDirty() {
		t.Fatalf("addr still dirty after resolve: %v", final)
	}
}

func TestResolveIntermediate_StopsIfAnotherThreadCleanedFirst(t *testing.T) {
	region := newTestRegion(t, 4096)
	cfg := testResolverConfig(region)

	addr := (*atomic.Uint64)(region.Direct(Oid(128)))
	dirty := Word(7).WithDirty()
	addr.Store(uint64(dirty))

	// Simulate a concurrent helper clearing the flag before our spin ends.
	addr.Store(uint64(Word(7)))

	got := cfg.ResolveIntermediate(addr, dirty)
	if got != Word(7) {
		t.Fatalf("got %v, want 7", got)
	}
}

func TestResolveIntermediate_RestartsOnForeignDescriptor(t *testing.T) {
	region := newTestRegion(t, 4096)
	cfg := testResolverConfig(region)

	addr := (*atomic.Uint64)(region.Direct(Oid(192)))
	descWord := EncodeLocator(Oid(1024))
	addr.Store(uint64(descWord))

	// A descriptor word never resolves on its own; the owner must
	// finish. Simulate completion after the fact.
	go func() {
		time.Sleep(2 * time.Millisecond)
		addr.Store(uint64(Word(55)))
	}()

	got := cfg.ResolveIntermediate(addr, descWord)
	if got != Word(55) {
		t.Fatalf("got %v, want 55", got)
	}
}
