// Package plog implements a persistent, append-only replicated log: a
// partitioned, memory-mapped store for log entries plus a small
// node-state file for the current term and vote, reached through a
// single façade that serializes writers against readers with a
// cancellable async reader/writer lock.
package plog

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/coldraft/plog/code"
	applog "github.com/coldraft/plog/log"
	"github.com/coldraft/plog/utils"
)

// writerWeight is the full capacity of the underlying semaphore. A
// writer acquires all of it, excluding every reader; a reader acquires
// one unit, so up to writerWeight readers can hold the lock at once.
// This is the standard way to build a cancellable RWMutex on top of
// golang.org/x/sync/semaphore.Weighted.
const writerWeight = 1 << 30

// PersistentLog is the façade over a directory of partition files and a
// node-state file. All exported operations are safe for concurrent use.
type PersistentLog struct {
	dir  string
	opts Options

	lock  *semaphore.Weighted
	table *partitionTable

	nodeState *NodeState

	commitIndex atomic.Int64
	lastIndex   atomic.Int64

	onCommitted func(source *PersistentLog, startIndex, count int64)

	closed atomic.Bool
}

// Open opens (creating if absent) the log directory named by opts and
// reconstructs commitIndex and lastIndex from whatever partitions are
// already there.
func Open(opts Options) (*PersistentLog, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(opts.Location); err != nil {
		return nil, fmt.Errorf("create log directory: %w", code.ErrIO)
	}

	l := &PersistentLog{
		dir:   opts.Location,
		opts:  opts,
		lock:  semaphore.NewWeighted(writerWeight),
		table: newPartitionTable(opts.Location, opts.RecordsPerPartition, opts.MaxRecordSize),
	}

	commitIndex, lastIndex, err := l.table.scan()
	if err != nil {
		return nil, err
	}
	l.commitIndex.Store(commitIndex)
	l.lastIndex.Store(lastIndex)

	ns, err := OpenNodeState(opts.Location)
	if err != nil {
		return nil, err
	}
	l.nodeState = ns

	applog.Info().Str("location", opts.Location).Int64("lastIndex", lastIndex).Int64("commitIndex", commitIndex).Record("opened persistent log")
	return l, nil
}

func (l *PersistentLog) rlock(ctx context.Context) error {
	if err := l.lock.Acquire(ctx, 1); err != nil {
		return code.ErrCancelled
	}
	return nil
}

func (l *PersistentLog) runlock() { l.lock.Release(1) }

func (l *PersistentLog) wlock(ctx context.Context) error {
	if err := l.lock.Acquire(ctx, writerWeight); err != nil {
		return code.ErrCancelled
	}
	return nil
}

func (l *PersistentLog) wunlock() { l.lock.Release(writerWeight) }

// GetLastIndex returns the highest index written (committed=false) or
// the highest index known committed (committed=true).
func (l *PersistentLog) GetLastIndex(committed bool) int64 {
	if committed {
		return l.commitIndex.Load()
	}
	return l.lastIndex.Load()
}

// Term returns the current term.
func (l *PersistentLog) Term() int64 {
	return l.nodeState.Term()
}

// First returns the sentinel entry for index 0.
func (l *PersistentLog) First() *Entry {
	return Sentinel
}

// IsVotedFor reports whether ep may receive this node's vote in the
// current term.
func (l *PersistentLog) IsVotedFor(ep Endpoint) bool {
	return l.nodeState.isVotedFor(ep)
}

// OnCommitted registers a callback fired synchronously, before
// CommitAsync returns, whenever new entries are committed.
func (l *PersistentLog) OnCommitted(fn func(source *PersistentLog, startIndex, count int64)) {
	l.onCommitted = fn
}

// GetEntries returns the entries in [startIndex, endIndex], clamped to
// what is actually present. Index 0 always yields Sentinel unless a
// real entry was explicitly written there. The scan stops at the first
// missing slot it encounters past index 0.
func (l *PersistentLog) GetEntries(ctx context.Context, startIndex, endIndex int64) ([]*Entry, error) {
	if l.closed.Load() {
		return nil, code.ErrDisposed
	}
	if endIndex < startIndex {
		return nil, nil
	}
	if err := l.rlock(ctx); err != nil {
		return nil, err
	}
	defer l.runlock()

	if last := l.lastIndex.Load(); endIndex > last {
		endIndex = last
	}

	var out []*Entry
	for idx := startIndex; idx <= endIndex; idx++ {
		number := PartitionOf(idx, l.opts.RecordsPerPartition)
		slot := SlotOf(idx, l.opts.RecordsPerPartition)

		var entry *Entry
		if p := l.table.TryGet(number); p != nil {
			e, err := p.Read(ctx, slot)
			if err != nil {
				return out, err
			}
			entry = e
		}

		if entry == nil {
			if idx == 0 {
				entry = Sentinel
			} else {
				break
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// AppendAsync writes entries starting at startIndex, or at
// GetLastIndex(false)+1 if startIndex is nil, returning the index of
// the first entry written.
func (l *PersistentLog) AppendAsync(ctx context.Context, entries []*Entry, startIndex *int64) (int64, error) {
	if l.closed.Load() {
		return 0, code.ErrDisposed
	}
	if len(entries) == 0 {
		return 0, code.ErrEmptyEntrySet
	}
	if err := l.wlock(ctx); err != nil {
		return 0, err
	}
	defer l.wunlock()

	first := l.lastIndex.Load() + 1
	if startIndex != nil {
		first = *startIndex
	}

	for i, e := range entries {
		idx := first + int64(i)
		number := PartitionOf(idx, l.opts.RecordsPerPartition)
		slot := SlotOf(idx, l.opts.RecordsPerPartition)

		p, err := l.table.GetOrCreate(number)
		if err != nil {
			return 0, err
		}
		if err := p.Write(ctx, slot, e); err != nil {
			return 0, err
		}
		if idx > l.lastIndex.Load() {
			l.lastIndex.Store(idx)
		}
	}

	return first, nil
}

// committedCountForPartition returns the number of real entries of
// partition number considered committed once commitIndex has reached
// target. Partition 0's slot 0 holds no real entry (it is the
// sentinel's position), so its real range starts at global index 1.
func committedCountForPartition(number, recordsPerPartition, target int64) int64 {
	partitionFirst := number * recordsPerPartition
	low := partitionFirst
	if number == 0 {
		low = partitionFirst + 1
	}
	if target < low {
		return 0
	}
	partitionLast := partitionFirst + recordsPerPartition - 1
	capped := target
	if capped > partitionLast {
		capped = partitionLast
	}
	return capped - low + 1
}

// CommitAsync advances commitIndex to endIndex, or to GetLastIndex(false)
// if endIndex is nil, and fires OnCommitted with the range newly
// committed. Returns the number of entries newly committed.
func (l *PersistentLog) CommitAsync(ctx context.Context, endIndex *int64) (int64, error) {
	if l.closed.Load() {
		return 0, code.ErrDisposed
	}
	if err := l.wlock(ctx); err != nil {
		return 0, err
	}
	defer l.wunlock()

	last := l.lastIndex.Load()
	target := last
	if endIndex != nil {
		target = *endIndex
	}
	if target > last {
		target = last
	}

	current := l.commitIndex.Load()
	if target <= current {
		return 0, nil
	}

	touched := make(map[int64]*Partition)
	for idx := current + 1; idx <= target; idx++ {
		number := PartitionOf(idx, l.opts.RecordsPerPartition)
		p := l.table.TryGet(number)
		if p == nil {
			return 0, fmt.Errorf("commit target references unknown partition %d: %w", number, code.ErrIO)
		}
		touched[number] = p
	}

	// The partition holding target is flushed first. Its committed
	// count, once durable, always lands on exactly target in the
	// startup-scan max (see partitionTable.scan), so that single flush
	// is what actually makes this commit visible after a reopen. Doing
	// it first means a failure here leaves every touched partition's
	// on-disk state untouched and the commit cleanly aborted, matching
	// commitIndex never advancing below. A failure on a partition
	// flushed afterward can leave that partition's own counter behind
	// the now-durable target; the window that leaves is narrow and only
	// delays ForceCompactionAsync from reclaiming that partition until
	// a later commit catches its counter up, since reconstruction never
	// reads it as exceeding target.
	topNumber := PartitionOf(target, l.opts.RecordsPerPartition)
	order := make([]int64, 0, len(touched))
	order = append(order, topNumber)
	for number := range touched {
		if number != topNumber {
			order = append(order, number)
		}
	}

	for _, number := range order {
		p := touched[number]
		p.SetCommittedEntries(committedCountForPartition(number, l.opts.RecordsPerPartition, target))
		if err := p.FlushHeaders(); err != nil {
			return 0, err
		}
	}

	l.commitIndex.Store(target)
	count := target - current

	if l.onCommitted != nil {
		l.onCommitted(l, current+1, count)
	}
	return count, nil
}

// ForceCompactionAsync removes partitions whose every entry is both
// present and committed, starting from the lowest-numbered partition so
// the remaining partitions always form a contiguous range above the
// removed ones. It
// returns the number of real entries removed. Choosing which partitions
// are eligible beyond "fully committed and fully written" is left to
// callers that need a richer compaction policy.
func (l *PersistentLog) ForceCompactionAsync(ctx context.Context) (int64, error) {
	if l.closed.Load() {
		return 0, code.ErrDisposed
	}
	if err := l.wlock(ctx); err != nil {
		return 0, err
	}
	defer l.wunlock()

	removed := int64(0)
	for {
		number, ok := l.table.lowestPartitionNumber()
		if !ok {
			break
		}
		p := l.table.TryGet(number)
		if p == nil {
			break
		}

		capacity := l.opts.RecordsPerPartition
		sentinelBonus := int64(0)
		if number == 0 {
			capacity--
			sentinelBonus = 1
		}

		occupiedReal := p.OccupiedCount() - sentinelBonus
		committedReal := p.CommittedEntries()
		if occupiedReal < capacity || committedReal < occupiedReal {
			break
		}

		if err := l.table.remove(number); err != nil {
			return removed, err
		}
		removed += occupiedReal
		applog.Debug().Int64("partition", number).Int64("entries", occupiedReal).Record("removed fully committed partition")
	}
	return removed, nil
}

// IncrementTermAsync advances the current term by one and returns it.
func (l *PersistentLog) IncrementTermAsync(ctx context.Context) (int64, error) {
	if l.closed.Load() {
		return 0, code.ErrDisposed
	}
	if err := l.wlock(ctx); err != nil {
		return 0, err
	}
	defer l.wunlock()
	return l.nodeState.incrementTerm()
}

// UpdateTermAsync sets the current term directly, e.g. on discovering a
// higher term from a peer.
func (l *PersistentLog) UpdateTermAsync(ctx context.Context, term int64) error {
	if l.closed.Load() {
		return code.ErrDisposed
	}
	if err := l.wlock(ctx); err != nil {
		return err
	}
	defer l.wunlock()
	return l.nodeState.setTerm(term)
}

// UpdateVotedForAsync records the vote cast for the current term, or
// clears it if ep is nil.
func (l *PersistentLog) UpdateVotedForAsync(ctx context.Context, ep *Endpoint) error {
	if l.closed.Load() {
		return code.ErrDisposed
	}
	if err := l.wlock(ctx); err != nil {
		return err
	}
	defer l.wunlock()
	return l.nodeState.updateVotedFor(ep)
}

// Close flushes and releases every open partition and the node-state
// file. Safe to call more than once.
func (l *PersistentLog) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.wlock(context.Background()); err != nil {
		return err
	}
	defer l.wunlock()

	if err := l.nodeState.Close(); err != nil {
		return err
	}
	if err := l.table.closeAll(); err != nil {
		return err
	}
	applog.Info().Str("location", l.dir).Record("closed persistent log")
	return nil
}
