//go:build unix

package pmwcas

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Oid is a pool-relative byte offset: the PMEM-portable "object id" a
// Target locator carries instead of a raw virtual address, so a pool
// re-mmapped at a different base is self-describing after restart.
type Oid uint64

// pageSize is fetched once at process start and reused everywhere
// instead of asking the OS on every map/grow.
var pageSize = os.Getpagesize()

// DefaultMaxVA is the fallback virtual address reservation when no
// reserveVA is passed to Map. The actual reservation is clamped to at
// least the page-aligned file size.
const DefaultMaxVA = 1 << 30

// functions overridable for fault-injection in tests
var mmapFixedFunc = mmapFixed
var madviseFunc = madviseAt
var regionFinalizerFunc = regionFinalizer
var msyncFunc = func(addr, length uintptr, flags int) error {
	return unix.Msync(unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), flags)
}
var flockFunc = func(fd int, how int) error { return unix.Flock(fd, how) }

// pageAlign rounds n up to the nearest page boundary. n <= 0 clamps to
// one page.
func pageAlign(n int) int {
	if n <= 0 {
		return pageSize
	}
	return ((n-1)/pageSize + 1) * pageSize
}

// AccessPattern hints to the kernel how a Region will be read, via
// madvise(2).
type AccessPattern int

const (
	// Sequential: read front to back; kernel prefetches aggressively.
	Sequential AccessPattern = iota

	// Random: jump around; kernel skips read-ahead.
	Random
)

func (a AccessPattern) sysAdvice() int {
	switch a {
	case Random:
		return unix.MADV_RANDOM
	default:
		return unix.MADV_SEQUENTIAL
	}
}

// Region is a page-aligned, memory-mapped view of a file with a stable
// base address, standing in for a PMEM allocator's mapped pool on a
// system with no real persistent-memory device. A large virtual
// address range is reserved up front
// with PROT_NONE; the file is mapped over the start of that range with
// MAP_FIXED so Grow can extend the mapping without invalidating
// previously returned pointers.
//
// Owns the underlying *os.File. Safe for concurrent reads after Map
// returns.
type Region struct {
	file      *os.File
	base      uintptr
	maxVA     int
	size      atomic.Int64
	access    AccessPattern
	writeable bool
}

// Map opens a memory-mapped view of f starting at offset 0, reserving
// reserveVA bytes of virtual address space (0 selects DefaultMaxVA).
// If the file is smaller than size it is extended via Truncate.
//
// Caller must call Close when done.
func Map(f *os.File, size int, writable bool, access AccessPattern, reserveVA ...int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pmwcas: map: invalid size %d", size)
	}

	reserveSize := DefaultMaxVA
	if len(reserveVA) > 0 && reserveVA[0] > 0 {
		reserveSize = reserveVA[0]
	}

	aligned := pageAlign(size)
	if aligned > reserveSize {
		reserveSize = aligned
	}
	reserveSize = pageAlign(reserveSize)

	// Reserve a contiguous virtual address range with PROT_NONE. No
	// memory is consumed, it just pins an address range we can later
	// remap pieces of with MAP_FIXED.
	reserved, err := unix.Mmap(-1, 0, reserveSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pmwcas: reserve %d bytes VA: %w", reserveSize, err)
	}
	base := uintptr(unsafe.Pointer(&reserved[0]))

	info, err := f.Stat()
	if err != nil {
		munerr := unix.Munmap(reserved)
		return nil, errors.Join(fmt.Errorf("pmwcas: stat: %w", err), munerr)
	}

	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			munerr := unix.Munmap(reserved)
			return nil, errors.Join(fmt.Errorf("pmwcas: truncate: %w", err), munerr)
		}
	}

	if err := mmapFixedFunc(base, size, f, writable); err != nil {
		munerr := munmapAt(base, reserveSize)
		return nil, errors.Join(fmt.Errorf("pmwcas: mmap: %w", err), munerr)
	}

	if err := madviseFunc(base, size, access.sysAdvice()); err != nil {
		munerr := munmapAt(base, reserveSize)
		return nil, errors.Join(fmt.Errorf("pmwcas: madvise: %w", err), munerr)
	}

	r := &Region{
		base:      base,
		maxVA:     reserveSize,
		file:      f,
		writeable: writable,
		access:    access,
	}
	r.size.Store(int64(size))
	runtime.SetFinalizer(r, regionFinalizerFunc)
	return r, nil
}

// mmapFixed maps f over [addr, addr+length) with MAP_FIXED|MAP_SHARED.
// golang.org/x/sys/unix's Mmap wrapper always lets the kernel choose
// the address, so the MAP_FIXED placement goes through the raw
// syscall, still via the typed unix.SYS_MMAP/unix.Syscall6 surface
// rather than the untyped stdlib syscall package.
func mmapFixed(addr uintptr, length int, f *os.File, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	r, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(prot),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		f.Fd(),
		0,
	)
	if errno != 0 {
		return errno
	}
	if r != addr {
		return fmt.Errorf("pmwcas: mmap: expected address %#x, got %#x", addr, r)
	}
	return nil
}

func munmapAt(addr uintptr, length int) error {
	return unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(addr)), length))
}

func madviseAt(addr uintptr, length int, advice int) error {
	err := unix.Madvise(unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), advice)
	if err != nil && !errors.Is(err, unix.ENOSYS) {
		return err
	}
	return nil
}

// Sync flushes dirty pages back to the file via msync, blocking until
// the kernel confirms the write landed on stable storage. This is the
// durable drain a real PMEM device would give for free, provided here
// over an ordinary mmap'd file the same way the Go PMEM runtime fork
// (jerrinsg-go-pmem's pmemFlush.go msyncRange) does.
func (r *Region) Sync() error {
	sz := r.size.Load()
	if sz == 0 {
		return fmt.Errorf("pmwcas: sync: %w", ErrClosed)
	}
	if err := msyncFunc(r.base, uintptr(sz), unix.MS_SYNC); err != nil {
		return fmt.Errorf("pmwcas: sync: %w", err)
	}
	return nil
}

// SyncRange flushes and drains just [offset, offset+n), standing in for
// a cache-line-granular persist primitive. msync is page-granular, not
// cache-line-granular, so this rounds out to the containing pages,
// correct but coarser than a real CLWB-based persist, which
// Target.flush/Descriptor.PMwCAS rely on only for correctness, never
// for isolation between unrelated words.
func (r *Region) SyncRange(offset, n int) error {
	sz := r.size.Load()
	if sz == 0 {
		return fmt.Errorf("pmwcas: sync range: %w", ErrClosed)
	}
	start := offset &^ (pageSize - 1)
	end := offset + n
	if rem := end % pageSize; rem != 0 {
		end += pageSize - rem
	}
	if end > int(sz) {
		end = int(sz)
	}
	if err := msyncFunc(r.base+uintptr(start), uintptr(end-start), unix.MS_SYNC); err != nil {
		return fmt.Errorf("pmwcas: sync range: %w", err)
	}
	return nil
}

// Unmap releases the entire VA reservation. Idempotent.
func (r *Region) Unmap() error {
	if r.size.Load() == 0 && r.maxVA == 0 {
		return nil
	}
	err := munmapAt(r.base, r.maxVA)
	r.size.Store(0)
	r.maxVA = 0
	if err != nil {
		return fmt.Errorf("pmwcas: unmap: %w", err)
	}
	return nil
}

func regionFinalizer(r *Region) {
	if r.size.Load() != 0 || r.maxVA != 0 {
		_, _ = fmt.Fprintf(os.Stderr, "pmwcas: Region for %s was garbage collected without Close()\n", r.file.Name())
		_ = r.Close()
	}
}

// Close unmaps the region and closes the file descriptor.
func (r *Region) Close() error {
	runtime.SetFinalizer(r, nil)
	unmapErr := r.Unmap()
	closeErr := r.file.Close()
	if unmapErr != nil {
		return fmt.Errorf("pmwcas: close: %w", unmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("pmwcas: close: %w", closeErr)
	}
	return nil
}

// Grow remaps the file to at least minSize bytes (page-aligned) at the
// same base address using MAP_FIXED. No-op if already large enough.
// Because the base address never changes, pointers derived from
// previous Direct/Slice calls remain valid.
//
// Must be externally serialized by the caller: Region takes no lock,
// and Pool.Grow passes calls straight through to it.
func (r *Region) Grow(minSize int) error {
	cur := int(r.size.Load())
	if minSize <= cur {
		return nil
	}

	aligned := pageAlign(minSize)
	if aligned > r.maxVA {
		return fmt.Errorf("pmwcas: grow %d exceeds max VA reservation %d", aligned, r.maxVA)
	}

	if err := r.file.Truncate(int64(aligned)); err != nil {
		return fmt.Errorf("pmwcas: grow truncate: %w", err)
	}
	if err := mmapFixedFunc(r.base, aligned, r.file, r.writeable); err != nil {
		return fmt.Errorf("pmwcas: grow mmap: %w", err)
	}
	if err := madviseFunc(r.base, aligned, r.access.sysAdvice()); err != nil {
		return fmt.Errorf("pmwcas: grow madvise: %w", err)
	}

	r.size.Store(int64(aligned))
	return nil
}

// Mapped returns the size of the mapped region in bytes.
func (r *Region) Mapped() int {
	return int(r.size.Load())
}

// Base returns the region's stable virtual base address, the address
// Oid(0) resolves to.
func (r *Region) Base() uintptr {
	return r.base
}

// Slice returns the mmap byte range [off, off+n) from the stable base.
// No bounds check is made against the mapped size.
func (r *Region) Slice(offset, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.base+uintptr(offset))), n)
}

// Direct resolves an Oid to a live pointer within the region, the
// allocator interface's direct(oid) → ptr primitive.
func (r *Region) Direct(oid Oid) unsafe.Pointer {
	return unsafe.Pointer(r.base + uintptr(oid))
}

// OidOf computes the pool-relative Oid for a pointer previously
// obtained from Direct, the allocator interface's oid(ptr) → oid
// primitive.
func (r *Region) OidOf(ptr unsafe.Pointer) Oid {
	return Oid(uintptr(ptr) - r.base)
}

// uintptrOf returns the address of an atomic word, for computing its
// offset within a Region.
func uintptrOf(addr *atomic.Uint64) uintptr {
	return uintptr(unsafe.Pointer(addr))
}
