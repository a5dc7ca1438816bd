//go:build unix

package pmwcas

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// resolverConfig carries the R/B knobs a Pool's descriptors share, so
// the Resolver doesn't need a back-reference to the whole Pool.
type resolverConfig struct {
	spinRounds int
	backoff    time.Duration
	region     *Region
	metrics    *Metrics
}

// ResolveIntermediate drives an observed intermediate word (one with
// the dirty or descriptor flag set) toward a stable, persisted value,
// cooperatively with whatever thread is mid-operation on it. On return
// the word at addr is either promoted to its next value with R
// cleared, or left unchanged because another thread already cleaned
// it. The returned Word is always clean: a word holding a descriptor
// locator is waited on until its owner replaces it.
//
// addr must point at a live Word inside cfg.region, or cfg.region may
// be nil when resolving a plain in-memory word, used by unit tests that
// exercise the state machine without a backing file.
func (cfg resolverConfig) ResolveIntermediate(addr *atomic.Uint64, cur Word) Word {
	for {
		if !cur.IsIntermediate() {
			return cur
		}

		// Bounded inner spin: give a fast installer a chance to finish
		// without this reader ever touching the scheduler.
		var clean Word
		resolved := false
		for i := 0; i < cfg.spinRounds; i++ {
			v := Word(addr.Load())
			if !v.IsIntermediate() {
				clean = v
				resolved = true
				break
			}
		}
		if resolved {
			return clean
		}

		time.Sleep(cfg.backoff)
		cfg.metrics.recordResolverWait()

		v := Word(addr.Load())
		if !v.IsIntermediate() {
			return v
		}

		if v.IsDescriptor() || v != cur {
			// Either some other thread is actively installing a new
			// descriptor here, or the word moved since we started.
			// Restart the outer loop against the fresher value.
			cur = v
			continue
		}

		// Dirty-only and unchanged: this reader helps by persisting the
		// value itself and promoting it to clean.
		if cfg.region != nil {
			_ = cfg.region.SyncRange(int(uintptr(unsafe.Pointer(addr))-cfg.region.base), 8)
		}
		dirty := uint64(v)
		clean64 := uint64(v.WithoutDirty())
		addr.CompareAndSwap(dirty, clean64)
		return v.WithoutDirty()
	}
}
