//go:build unix

package pmwcas

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// DescStatus is a descriptor's lifecycle state.
type DescStatus uint64

const (
	// StatusCompleted is the neutral state between operations.
	StatusCompleted DescStatus = iota
	// StatusFailed means a PMwCAS is in flight; if interrupted now,
	// recovery must roll back.
	StatusFailed
	// StatusSucceeded is the commit point: if interrupted now, recovery
	// must roll forward.
	StatusSucceeded
)

// headerSlotSize is the byte span of status+targetCount+descLocator,
// the minimum unit persisted during phase transitions and the prefix
// of every descriptor slot in the pool file.
const headerSlotSize = 24

// Descriptor is a thread's handle onto one slot of a pool's on-PMEM
// descriptor array. It holds no data of its own: status, targetCount,
// descLocator, and the K targets all live inside the pool's mmap'd
// region, reached through pointers computed once when CreatePool or
// OpenPool builds the handle, the same way store.go computes
// recordCountPtr. The Descriptor itself lives on the Go heap, so no live
// Go pointer is stored in memory the garbage collector never scans.
type Descriptor struct {
	status      *atomic.Uint64
	targetCount *atomic.Uint64
	descLocator *atomic.Uint64
	targetsBase unsafe.Pointer

	region *Region
	self   Oid
	k      int
	cfg    resolverConfig
}

func newDescriptorHandle(region *Region, self Oid, k int, cfg resolverConfig) *Descriptor {
	base := region.Direct(self)
	return &Descriptor{
		status:      (*atomic.Uint64)(base),
		targetCount: (*atomic.Uint64)(unsafe.Add(base, 8)),
		descLocator: (*atomic.Uint64)(unsafe.Add(base, 16)),
		targetsBase: unsafe.Add(base, headerSlotSize),
		region:      region,
		self:        self,
		k:           k,
		cfg:         cfg,
	}
}

func (d *Descriptor) target(i int) *Target {
	return (*Target)(unsafe.Add(d.targetsBase, uintptr(i)*targetSize))
}

// Add appends a target to the descriptor. Fails fast with
// ErrCapacityExceeded once K targets are already registered.
func (d *Descriptor) Add(addr Oid, old, new Word, order MemOrder) error {
	n := int(d.targetCount.Load())
	if n >= d.k {
		return fmt.Errorf("pmwcas: add target %d/%d: %w", n+1, d.k, ErrCapacityExceeded)
	}
	*d.target(n) = Target{Addr: addr, Old: old, New: new, Order: order}
	d.targetCount.Store(uint64(n + 1))
	return nil
}

// TargetCount returns the number of targets currently registered.
func (d *Descriptor) TargetCount() int {
	return int(d.targetCount.Load())
}

// Capacity returns K, the maximum number of targets this descriptor
// can carry.
func (d *Descriptor) Capacity() int {
	return d.k
}

// Status returns the descriptor's current lifecycle state.
func (d *Descriptor) Status() DescStatus {
	return DescStatus(d.status.Load())
}

// SelfLocator returns the descriptor-flagged word other targets embed
// while this descriptor owns them.
func (d *Descriptor) SelfLocator() Word {
	return Word(d.descLocator.Load())
}

// Reset clears the descriptor back to its neutral state without
// executing a PMwCAS, for reuse across independent operations from the
// same owning thread.
func (d *Descriptor) Reset() {
	d.targetCount.Store(0)
}

// PMwCAS executes the three-phase commit protocol over this
// descriptor's registered targets. Returns true iff all targets were
// durably swapped to their New values; on false every target is
// restored to Old (or was never installed).
//
// Zero targets is a documented no-op: returns true immediately without
// writing anything.
func (d *Descriptor) PMwCAS() bool {
	d.cfg.metrics.recordAttempt()

	n := int(d.targetCount.Load())
	if n == 0 {
		d.cfg.metrics.recordResult(true)
		return true
	}

	// Phase 1, prepare: if we crash from here, recovery rolls back.
	d.status.Store(uint64(StatusFailed))
	d.region.SyncRange(int(d.self), headerSlotSize)

	// Phase 2, install.
	embedded := n
	for i := 0; i < n; i++ {
		if !d.target(i).install(d.cfg, d.self) {
			embedded = i
			break
		}
	}

	if embedded < n {
		for i := 0; i < embedded; i++ {
			d.target(i).undo(d.region)
		}
		d.resetAfterCommit()
		d.cfg.metrics.recordResult(false)
		return false
	}

	// Commit point, phase 3: all targets hold desc locators. Flush each
	// embedded pointer for fault tolerance, then persist Succeeded: the
	// unique linearization point of this operation.
	for i := 0; i < n; i++ {
		d.target(i).flush(d.region)
	}
	d.status.Store(uint64(StatusSucceeded))
	d.region.SyncRange(int(d.self), headerSlotSize)

	// Phase 4, redo.
	for i := 0; i < n; i++ {
		d.target(i).redo(d.region)
	}
	d.resetAfterCommit()
	d.cfg.metrics.recordResult(true)
	return true
}

func (d *Descriptor) resetAfterCommit() {
	d.targetCount.Store(0)
	d.status.Store(uint64(StatusCompleted))
}

// initialize recomputes this descriptor's self-locator (addresses
// change between runs) and, if it was left in a non-Completed state by
// a crash, recovers every registered target by rolling forward
// (Succeeded) or back (anything else). Idempotent: calling it twice in
// a row is a no-op the second time, since the first call already leaves
// status == Completed.
func (d *Descriptor) initialize() {
	d.descLocator.Store(uint64(EncodeLocator(d.self)))

	if DescStatus(d.status.Load()) != StatusCompleted {
		succeeded := DescStatus(d.status.Load()) == StatusSucceeded
		n := int(d.targetCount.Load())
		for i := 0; i < n; i++ {
			d.target(i).recover(d.region, succeeded, d.self)
		}
	}

	d.status.Store(uint64(StatusCompleted))
	d.targetCount.Store(0)
	d.region.SyncRange(int(d.self), headerSlotSize)
}
