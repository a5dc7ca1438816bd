//go:build unix

package pmwcas

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCreatePool_ThenGetIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path, WithCapacity(2), WithMaxThreads(4))
	require.NoError(t, err)
	defer p.Close()

	d, err := p.Get(0)
	require.NoError(t, err)
	require.Equal(t, 2, d.Capacity())

	same, err := p.Get(0)
	require.NoError(t, err)
	require.Same(t, d, same, "Get must be idempotent per thread id")
}

func TestCreatePool_RejectsDuplicateOpenInProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path)
	require.NoError(t, err)
	defer p.Close()

	_, err = OpenPool(path)
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestOpenPool_RejectsCapacityMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path, WithCapacity(2))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = OpenPool(path, WithCapacity(4))
	require.ErrorIs(t, err, ErrCapacityMismatch)
}

func TestOpenPool_RecoversCommittedDescriptorRollForward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path, WithCapacity(2), WithMaxThreads(2))
	require.NoError(t, err)

	d, err := p.Get(0)
	require.NoError(t, err)

	// The descriptor array doesn't leave room for user data, so grow the
	// region past its descriptor slots and use the new tail as a stand-in
	// value word living in the same PMEM pool.
	valueOid := p.DataOffset()
	require.NoError(t, p.Grow(int(valueOid)+8))
	addr := (*atomic.Uint64)(p.region.Direct(valueOid))
	addr.Store(uint64(Word(1)))

	require.NoError(t, d.Add(valueOid, Word(1), Word(2), Relaxed))

	// Force the crash point: targets installed and flushed, status
	// persisted Succeeded, but redo never ran, simulating a crash right
	// after the commit point, which recovery must roll forward.
	for i := 0; i < d.TargetCount(); i++ {
		require.True(t, d.target(i).install(d.cfg, d.self))
	}
	d.status.Store(uint64(StatusSucceeded))
	require.NoError(t, p.region.Sync())

	// Simulate the process dying without closing cleanly: skip Close's
	// final Sync/flock teardown and just drop the in-process tracking so
	// a fresh OpenPool is allowed.
	releasePath(mustCanon(t, path))
	require.NoError(t, p.region.Unmap())

	p2, err := OpenPool(path, WithCapacity(2), WithMaxThreads(2))
	require.NoError(t, err)
	defer p2.Close()

	got := p2.Pload(valueOid)
	require.Equal(t, Word(2), got, "recovery should roll the target forward to New")
}

func TestOpenPool_RecoversAbortedDescriptorRollBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path, WithCapacity(2), WithMaxThreads(2))
	require.NoError(t, err)

	d, err := p.Get(0)
	require.NoError(t, err)

	valueOid := p.DataOffset()
	require.NoError(t, p.Grow(int(valueOid)+8))
	addr := (*atomic.Uint64)(p.region.Direct(valueOid))
	addr.Store(uint64(Word(1)))

	require.NoError(t, d.Add(valueOid, Word(1), Word(2), Relaxed))

	// Crash point: prepare persisted Failed, install never ran.
	d.status.Store(uint64(StatusFailed))
	require.NoError(t, p.region.Sync())

	releasePath(mustCanon(t, path))
	require.NoError(t, p.region.Unmap())

	p2, err := OpenPool(path, WithCapacity(2), WithMaxThreads(2))
	require.NoError(t, err)
	defer p2.Close()

	got := p2.Pload(valueOid)
	require.Equal(t, Word(1), got, "recovery should leave an unstarted target at Old")
}

func TestPool_GetRejectsOutOfRangeThreadID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path, WithMaxThreads(2))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Get(2)
	require.ErrorIs(t, err, ErrTooManyThreads)
	_, err = p.Get(-1)
	require.ErrorIs(t, err, ErrTooManyThreads)
}

func TestPool_CloseIsReportedOnDoubleClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.True(t, errors.Is(p.Close(), ErrClosed))
}

// TestPool_ConcurrentPMwCASPreservesSum races real goroutines over the
// same pair of words, each retrying on a lost race with freshly
// reloaded expected values. If any worker's increment were silently
// dropped, the two words would diverge from threads*iterations and
// from each other.
func TestPool_ConcurrentPMwCASPreservesSum(t *testing.T) {
	const threads = 8
	const iterations = 200

	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path, WithCapacity(2), WithMaxThreads(threads))
	require.NoError(t, err)
	defer p.Close()

	wordA := p.DataOffset()
	wordB := wordA + 8
	require.NoError(t, p.Grow(int(wordB)+8))
	(*atomic.Uint64)(p.region.Direct(wordA)).Store(0)
	(*atomic.Uint64)(p.region.Direct(wordB)).Store(0)

	ids := NewIDManager(threads)
	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < threads; w++ {
		g.Go(func() error {
			id, err := ids.Acquire()
			if err != nil {
				return err
			}
			defer ids.Release(id)

			desc, err := p.Get(id)
			if err != nil {
				return err
			}

			for i := 0; i < iterations; i++ {
				oldA := p.Pload(wordA)
				oldB := p.Pload(wordB)
				for {
					desc.Reset()
					if err := desc.Add(wordA, oldA, Word(oldA.DecodeValue()+1), Relaxed); err != nil {
						return err
					}
					if err := desc.Add(wordB, oldB, Word(oldB.DecodeValue()+1), Relaxed); err != nil {
						return err
					}
					if ok := desc.PMwCAS(); ok {
						break
					}
					oldA = p.Pload(wordA)
					oldB = p.Pload(wordB)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	gotA := p.Pload(wordA).DecodeValue()
	gotB := p.Pload(wordB).DecodeValue()
	require.Equal(t, uint64(threads*iterations), gotA)
	require.Equal(t, uint64(threads*iterations), gotB)
	require.Equal(t, gotA, gotB, "both words must advance together under every interleaving")
}

// TestPool_ConcurrentReaderResolvesStuckWriter starts a writer that
// installs a target and then stalls before finishing the commit, while
// a second goroutine genuinely races it through Pload. The reader must
// take the Intermediate-State Resolver path and observe the target's
// final New value rather than a torn or stale read.
func TestPool_ConcurrentReaderResolvesStuckWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := CreatePool(path, WithCapacity(1), WithMaxThreads(2), WithSpinRounds(2), WithBackoff(time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	d, err := p.Get(0)
	require.NoError(t, err)

	valueOid := p.DataOffset()
	require.NoError(t, p.Grow(int(valueOid)+8))
	addr := (*atomic.Uint64)(p.region.Direct(valueOid))
	addr.Store(uint64(Word(1)))

	require.NoError(t, d.Add(valueOid, Word(1), Word(2), Relaxed))

	installed := make(chan struct{})
	results := make(chan Word, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.True(t, d.target(0).install(d.cfg, d.self))
		close(installed)
		time.Sleep(5 * time.Millisecond)
		d.target(0).flush(p.region)
		d.status.Store(uint64(StatusSucceeded))
		require.NoError(t, p.region.SyncRange(int(d.self), headerSlotSize))
		d.target(0).redo(p.region)
		d.resetAfterCommit()
	}()
	go func() {
		defer wg.Done()
		<-installed
		results <- p.Pload(valueOid)
	}()
	wg.Wait()
	close(results)

	got := <-results
	require.Equal(t, Word(2), got, "reader racing a stuck writer must resolve to the committed New value")
}

func mustCanon(t *testing.T, path string) string {
	t.Helper()
	canon, err := canonicalPath(path)
	require.NoError(t, err)
	return canon
}
