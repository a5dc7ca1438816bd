//go:build unix

package pmwcas

import (
	"sync/atomic"
)

// MemOrder is the caller-chosen ordering hint applied to a target's
// final visible-commit store (Target.redo). Go's memory model doesn't
// expose acquire/release granularity on scalar atomics the way C++
// does, since every sync/atomic op is already sequentially consistent,
// so this is a best-effort, documentation-level distinction rather than
// a mechanism that changes codegen. It exists so callers that reuse a
// PMwCAS-updated word for their own synchronization can state their
// intent at the call site.
type MemOrder uint32

const (
	// Relaxed applies no additional meaning beyond atomicity.
	Relaxed MemOrder = iota
	// Acquire marks this store as publishing data a concurrent reader
	// acquires through the target word.
	Acquire
	// Release marks this store as the release half of an acquire/release
	// pair synchronized through the target word.
	Release
	// AcqRel combines Acquire and Release.
	AcqRel
	// SeqCst requests the platform's strongest ordering (the default
	// sync/atomic already provides).
	SeqCst
)

// Target is one of a descriptor's K per-word slots: a pool-relative
// locator plus the old and new values a PMwCAS conditionally installs
// there, and the memory-order hint applied on redo's final store.
//
// Target is plain old data (no Go pointers) by design: instances live
// directly inside a pool's mmap'd region, overlaid via unsafe.Pointer
// the same way a Descriptor's status and count words are, so the
// padding field keeps its on-disk size stable across platforms.
type Target struct {
	Addr  Oid
	Old   Word
	New   Word
	Order MemOrder
	_     uint32 // padding, keeps sizeof(Target) == 32
}

// targetSize is sizeof(Target) on the wire, independent of the Go
// compiler's struct layout (no generic unsafe.Sizeof on a type with a
// blank trailing field is assumed here; it's asserted in word_test.go).
const targetSize = 32

// word resolves Addr to the live atomic cell inside region.
func (t *Target) word(region *Region) *atomic.Uint64 {
	return (*atomic.Uint64)(region.Direct(t.Addr))
}

// install attempts to CAS the target word from Old to a descriptor
// locator pointing at desc. Helping (via the Resolver) happens when the
// observed word is merely dirty, not itself a foreign descriptor. A
// foreign descriptor embedded by another thread means that thread is
// making progress on the same word, so this install simply fails and
// lets the caller retry at the descriptor level on its next attempt.
func (t *Target) install(cfg resolverConfig, desc Oid) bool {
	addr := t.word(cfg.region)
	descWord := EncodeLocator(desc)

	for attempt := 0; attempt <= cfg.spinRounds; attempt++ {
		if addr.CompareAndSwap(uint64(t.Old), uint64(descWord)) {
			return true
		}
		observed := Word(addr.Load())
		if observed == t.Old {
			// Lost the CAS to a transient reload; retry immediately.
			continue
		}
		if observed.IsDirty() && !observed.IsDescriptor() {
			cfg.metrics.recordInstallRetry()
			cleaned := cfg.ResolveIntermediate(addr, observed)
			if cleaned == t.Old {
				continue
			}
			return false
		}
		// Either a clean value != Old, or another descriptor already
		// sits here: this install cannot proceed.
		return false
	}
	return false
}

// flush persists this target's word via Region.SyncRange, a synchronous
// msync of the page holding it (flush and drain in one call). Used
// after all K installs succeed so the embedded
// descriptor pointers are durable before the commit-point persist,
// guaranteeing a recovering thread always finds a consistent locator.
func (t *Target) flush(region *Region) {
	_ = region.SyncRange(int(t.Addr), 8)
}

// redo stores New at the target, then flushes. Order is not consulted:
// the store is a sync/atomic store, sequentially consistent (see MemOrder).
func (t *Target) redo(region *Region) {
	addr := t.word(region)
	addr.Store(uint64(t.New))
	t.flush(region)
}

// undo restores Old at the target with a sync/atomic store, then flushes.
func (t *Target) undo(region *Region) {
	addr := t.word(region)
	addr.Store(uint64(t.Old))
	t.flush(region)
}

// recover reconciles this target's word at pool-open time against a
// descriptor found in a non-Completed state: if the word is merely
// dirty, clear the dirty bit and flush (a crash between a PCAS's two
// CASes, unrelated to this descriptor); else if it still points at
// desc, roll forward to New when succeeded, else roll back to Old.
func (t *Target) recover(region *Region, succeeded bool, desc Oid) {
	addr := t.word(region)
	v := Word(addr.Load())

	if v.IsDirty() && !v.IsDescriptor() {
		addr.Store(uint64(v.WithoutDirty()))
		t.flush(region)
		return
	}

	if v.IsDescriptor() && v.Locator() == desc {
		if succeeded {
			addr.Store(uint64(t.New))
		} else {
			addr.Store(uint64(t.Old))
		}
		t.flush(region)
	}
}
