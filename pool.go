//go:build unix

package pmwcas

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

var statFileFunc = func(f *os.File) (os.FileInfo, error) { return f.Stat() }
var encodePoolHeaderFunc = EncodePoolHeader

// openPools tracks canonical paths with a live Pool in this process, so
// a second Open/Create against the same file fails fast instead of
// racing two independent mmap's of it: a pool file is never shared
// across concurrent processes, and within one process it must never be
// opened twice either.
var (
	openPoolsMu sync.Mutex
	openPools   = map[string]bool{}
)

// Pool is a process-wide container of descriptors backed by a single
// PMEM-mapped file. It hands out one descriptor per live thread
// (identified by an IDManager-assigned handle), running recovery for
// every slot at Open.
type Pool struct {
	region     *Region
	header     *PoolHeader
	descs      []*Descriptor
	path       string
	slotSize   int
	capacity   int
	maxThreads int
	writable   bool
	lockFile   *os.File
	cfg        poolConfig
}

// CreatePool creates a new pool file at path, sized for cfg's
// max_threads and K, and maps it. Fails if path already exists; use
// OpenPool to reopen an existing pool after a crash.
func CreatePool(path string, opts ...PoolOption) (*Pool, error) {
	cfg := applyOptions(opts)
	if err := validateCapacity(cfg.capacity); err != nil {
		return nil, err
	}

	canon, err := canonicalPath(path)
	if err != nil {
		return nil, fmt.Errorf("pmwcas: create %s: %w", path, err)
	}
	if err := claimPath(canon); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		releasePath(canon)
		return nil, fmt.Errorf("pmwcas: create %s: %w", path, err)
	}

	lockFile, err := acquireLockIfRequested(path, cfg)
	if err != nil {
		releasePath(canon)
		closeErr := f.Close()
		return nil, errors.Join(err, fmt.Errorf("pmwcas: close %s: %w", path, closeErr))
	}

	slotSize := alignUpLine(headerSlotSize + cfg.capacity*targetSize)
	fileSize := HeaderSize + slotSize*(cfg.maxThreads+1)

	region, err := Map(f, fileSize, true, Random, StoreReserveVA)
	if err != nil {
		releasePath(canon)
		closeErr := f.Close()
		return nil, errors.Join(fmt.Errorf("pmwcas: map %s: %w", path, err), closeErr)
	}

	h := &PoolHeader{
		Magic:         Magic,
		FormatVersion: Version,
		Capacity:      uint32(cfg.capacity),
		MaxThreads:    uint32(cfg.maxThreads),
		DirtyFlag:     boolToUint32(cfg.dirtyFlag),
	}
	if err := encodePoolHeaderFunc(region.Slice(0, HeaderSize), h); err != nil {
		releasePath(canon)
		closeErr := region.Close()
		return nil, errors.Join(fmt.Errorf("pmwcas: encode header: %w", err), closeErr)
	}

	p := &Pool{
		region:     region,
		header:     h,
		path:       path,
		slotSize:   slotSize,
		capacity:   cfg.capacity,
		maxThreads: cfg.maxThreads,
		writable:   true,
		lockFile:   lockFile,
		cfg:        cfg,
	}
	p.initDescriptors()
	p.region.Sync()
	return p, nil
}

// OpenPool opens an existing pool file at path, running a recovery
// scan over every descriptor slot before returning.
func OpenPool(path string, opts ...PoolOption) (*Pool, error) {
	cfg := applyOptions(opts)

	canon, err := canonicalPath(path)
	if err != nil {
		return nil, fmt.Errorf("pmwcas: open %s: %w", path, err)
	}
	if err := claimPath(canon); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		releasePath(canon)
		return nil, fmt.Errorf("pmwcas: open %s: %w", path, err)
	}

	lockFile, err := acquireLockIfRequested(path, cfg)
	if err != nil {
		releasePath(canon)
		closeErr := f.Close()
		return nil, errors.Join(err, fmt.Errorf("pmwcas: close %s: %w", path, closeErr))
	}

	info, err := statFileFunc(f)
	if err != nil {
		releasePath(canon)
		closeErr := f.Close()
		return nil, errors.Join(fmt.Errorf("pmwcas: stat %s: %w", path, err), closeErr)
	}
	fileSize := int(info.Size())
	if fileSize < HeaderSize {
		releasePath(canon)
		closeErr := f.Close()
		return nil, errors.Join(fmt.Errorf("pmwcas: file %s is too small (%d bytes)", path, fileSize), closeErr)
	}

	region, err := Map(f, fileSize, true, Random, StoreReserveVA)
	if err != nil {
		releasePath(canon)
		closeErr := f.Close()
		return nil, errors.Join(fmt.Errorf("pmwcas: map %s: %w", path, err), closeErr)
	}

	h, err := DecodePoolHeader(region.Slice(0, HeaderSize))
	if err != nil {
		releasePath(canon)
		closeErr := region.Close()
		return nil, errors.Join(fmt.Errorf("pmwcas: decode header: %w", err), closeErr)
	}

	if opt := findCapacityOverride(opts); opt && int(h.Capacity) != cfg.capacity {
		releasePath(canon)
		closeErr := region.Close()
		return nil, errors.Join(
			fmt.Errorf("pmwcas: open %s: requested K=%d but pool was created with K=%d: %w",
				path, cfg.capacity, h.Capacity, ErrCapacityMismatch),
			closeErr,
		)
	}
	cfg.capacity = int(h.Capacity)
	cfg.maxThreads = int(h.MaxThreads)
	cfg.dirtyFlag = h.DirtyFlag != 0

	p := &Pool{
		region:     region,
		header:     h,
		path:       path,
		slotSize:   alignUpLine(headerSlotSize + cfg.capacity*targetSize),
		capacity:   cfg.capacity,
		maxThreads: cfg.maxThreads,
		writable:   true,
		lockFile:   lockFile,
		cfg:        cfg,
	}
	p.initDescriptors()
	p.region.Sync()
	return p, nil
}

// initDescriptors builds the runtime wrapper for every slot and runs
// its recovery scan by invoking Descriptor.initialize on each one.
func (p *Pool) initDescriptors() {
	rcfg := resolverConfig{
		spinRounds: p.cfg.spinRounds,
		backoff:    p.cfg.backoff,
		region:     p.region,
		metrics:    p.cfg.metrics,
	}

	p.descs = make([]*Descriptor, p.maxThreads)
	for i := 0; i < p.maxThreads; i++ {
		off := HeaderSize + i*p.slotSize
		d := newDescriptorHandle(p.region, Oid(off), p.capacity, rcfg)
		d.initialize()
		p.descs[i] = d
	}
}

// Get returns the descriptor slot owned by threadID (see IDManager).
// Idempotent: repeated calls with the same threadID return the same
// *Descriptor.
func (p *Pool) Get(threadID int) (*Descriptor, error) {
	if p.region == nil {
		return nil, fmt.Errorf("pmwcas: get: %w", ErrClosed)
	}
	if threadID < 0 || threadID >= p.maxThreads {
		return nil, fmt.Errorf("pmwcas: get thread id %d: %w", threadID, ErrTooManyThreads)
	}
	p.cfg.metrics.descriptorCheckedOut()
	return p.descs[threadID], nil
}

// Capacity returns K, this pool's per-descriptor target capacity.
func (p *Pool) Capacity() int {
	return p.capacity
}

// MaxThreads returns the pool's descriptor-slot count.
func (p *Pool) MaxThreads() int {
	return p.maxThreads
}

// DataOffset returns the first Oid past the descriptor array, the
// natural place for a caller to carve out application words living in
// this same PMEM pool.
func (p *Pool) DataOffset() Oid {
	return Oid(HeaderSize + p.slotSize*(p.maxThreads+1))
}

// Grow extends the pool's mapped region to at least size bytes, for
// callers that keep application data in the same pool file past its
// descriptor array (see DataOffset).
func (p *Pool) Grow(size int) error {
	if p.region == nil {
		return fmt.Errorf("pmwcas: grow: %w", ErrClosed)
	}
	return p.region.Grow(size)
}

// Pload is a PMEM-aware read of the word at addr inside this pool's
// region, resolving any in-flight descriptor or dirty state it finds.
func (p *Pool) Pload(addr Oid) Word {
	rcfg := resolverConfig{spinRounds: p.cfg.spinRounds, backoff: p.cfg.backoff, region: p.region, metrics: p.cfg.metrics}
	return Pload(rcfg, (*atomic.Uint64)(p.region.Direct(addr)))
}

// Pcas is a durable single-word CAS on the word at addr inside this
// pool's region.
func (p *Pool) Pcas(addr Oid, expected, desired Word) (Word, bool) {
	rcfg := resolverConfig{spinRounds: p.cfg.spinRounds, backoff: p.cfg.backoff, region: p.region, metrics: p.cfg.metrics}
	return Pcas(rcfg, (*atomic.Uint64)(p.region.Direct(addr)), expected, desired)
}

// Close unmaps the pool's region and releases its writer lock. In-flight
// operations must have completed first; the Pool does not track them.
func (p *Pool) Close() error {
	if p.region == nil {
		return fmt.Errorf("pmwcas: close %s: %w", p.path, ErrClosed)
	}

	var syncErr error
	if p.writable {
		syncErr = p.region.Sync()
	}
	closeErr := p.region.Close()
	p.region = nil

	var lockErr error
	if p.lockFile != nil {
		lockErr = funlock(p.lockFile)
		if cerr := p.lockFile.Close(); lockErr == nil {
			lockErr = cerr
		}
	}

	if canon, err := canonicalPath(p.path); err == nil {
		releasePath(canon)
	}

	return errors.Join(syncErr, closeErr, lockErr)
}

func validateCapacity(k int) error {
	if k <= 0 || k > maxDescriptorCapacity {
		return fmt.Errorf("pmwcas: capacity %d out of range (1..%d): %w", k, maxDescriptorCapacity, ErrCapacityExceeded)
	}
	return nil
}

func alignUpLine(n int) int {
	if rem := n % PMEMLineSize; rem != 0 {
		return n + (PMEMLineSize - rem)
	}
	return n
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func acquireLockIfRequested(path string, cfg poolConfig) (*os.File, error) {
	if !cfg.oneWriter {
		return nil, nil
	}
	lf, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pmwcas: open lock file: %w", err)
	}
	if err := flockExclusive(lf); err != nil {
		_ = lf.Close()
		return nil, err
	}
	return lf, nil
}

func canonicalPath(path string) (string, error) {
	return filepath.Abs(path)
}

func claimPath(canon string) error {
	openPoolsMu.Lock()
	defer openPoolsMu.Unlock()
	if openPools[canon] {
		return fmt.Errorf("pmwcas: %s: %w", canon, ErrAlreadyOpen)
	}
	openPools[canon] = true
	return nil
}

func releasePath(canon string) {
	openPoolsMu.Lock()
	defer openPoolsMu.Unlock()
	delete(openPools, canon)
}

// findCapacityOverride reports whether WithCapacity was explicitly
// passed among opts, so OpenPool can distinguish "caller didn't care"
// from "caller asked for a specific K that must match the file."
func findCapacityOverride(opts []PoolOption) bool {
	probe := poolConfig{capacity: -1}
	for _, o := range opts {
		o(&probe)
	}
	return probe.capacity != -1
}
