//go:build unix

package pmwcas

import (
	"sync/atomic"
)

// Pcas performs a durable, linearizable single-word compare-and-swap on
// *addr: CAS expected → desired under a transient dirty marker, persist
// the word, then CAS the dirty marker off. On success, *addr == desired
// has been persisted before Pcas returns. On failure, the word's
// current value is returned as the first result (a dirty word is first
// resolved to clean; a descriptor-flagged word is returned as observed)
// and nothing is persisted on this call's behalf.
//
// cfg supplies the Resolver's R/B knobs so concurrent readers/writers
// on addr can cooperate, and the Region used to persist addr (nil is
// accepted for pure in-memory use in tests, which skips the persist
// step).
func Pcas(cfg resolverConfig, addr *atomic.Uint64, expected, desired Word) (Word, bool) {
	origExpected := expected
	dirty := desired.WithDirty()

	for {
		if addr.CompareAndSwap(uint64(expected), uint64(dirty)) {
			break
		}
		observed := Word(addr.Load())
		if observed.IsDirty() {
			observed = cfg.ResolveIntermediate(addr, observed)
		}
		if observed != origExpected {
			return observed, false
		}
		expected = observed
	}

	if cfg.region != nil {
		off := addrOffset(cfg.region, addr)
		_ = cfg.region.SyncRange(off, 8)
	}

	// Benign if this loses: some reader already helped clear the dirty
	// bit, leaving `desired` in place either way.
	addr.CompareAndSwap(uint64(dirty), uint64(desired))
	return desired, true
}

// Pload is a PMEM-aware read: it loads *addr and, if the observed word
// is intermediate, drives it to a stable value via the Resolver before
// returning.
func Pload(cfg resolverConfig, addr *atomic.Uint64) Word {
	v := Word(addr.Load())
	if v.IsIntermediate() {
		v = cfg.ResolveIntermediate(addr, v)
	}
	return v
}

func addrOffset(r *Region, addr *atomic.Uint64) int {
	return int(uintptrOf(addr) - r.base)
}
