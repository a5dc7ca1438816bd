package pmwcas

import "time"

// DefaultCapacity is the compile-time default for K, the number of
// target words a single PMwCAS descriptor can carry.
const DefaultCapacity = 4

// maxDescriptorCapacity bounds K so a descriptor's target array always
// fits within one PMEMLineSize-aligned slot at a practical size. K is
// meant to stay small, typically under 16 words per operation.
const maxDescriptorCapacity = 16

// PMEMLineSize is the alignment boundary descriptors are placed on,
// matching the cache-line size of the target persistent-memory platform.
const PMEMLineSize = 256

// DefaultSpinRounds is the bounded inner-spin budget (R) the Resolver
// and Target.install use before backing off.
const DefaultSpinRounds = 10

// DefaultBackoff is the Resolver's back-off sleep (B) after the inner
// spin budget is exhausted.
const DefaultBackoff = 4 * time.Microsecond

// Magic identifies a pmwcas descriptor pool file.
var Magic = [4]byte{'P', 'M', 'W', 'C'}

const MagicString = "PMWC"

// Version is the on-disk pool file format version.
const Version uint32 = 1

// HeaderSize is the size in bytes of the pool file header. It is one
// PMEMLineSize so the descriptor array that follows it starts on a line
// boundary of the page-aligned mapping.
const HeaderSize = PMEMLineSize

// StoreReserveVA is the default virtual address space reserved for a
// pool's mmap region.
const StoreReserveVA = 1 << 30
