package plog

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldraft/plog/code"
)

func openTestLog(t *testing.T, recordsPerPartition, maxRecordSize int64) *PersistentLog {
	t.Helper()
	l, err := Open(Options{
		Location:            t.TempDir(),
		RecordsPerPartition: recordsPerPartition,
		MaxRecordSize:       maxRecordSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func ptr(n int64) *int64 { return &n }

// scenario 1: fresh empty directory.
func TestScenarioEmptyDirectory(t *testing.T) {
	l := openTestLog(t, 4, 256)

	require.EqualValues(t, 0, l.GetLastIndex(false))
	require.EqualValues(t, 0, l.GetLastIndex(true))

	got, err := l.GetEntries(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, []*Entry{Sentinel}, got)
}

// scenario 2: first real append starts at index 1, leaving slot 0 (the
// sentinel's position) empty.
func TestScenarioFirstAppendAtIndexOne(t *testing.T) {
	l := openTestLog(t, 4, 256)

	first, err := l.AppendAsync(context.Background(), []*Entry{
		NewEntry(1, "a", "text/plain", []byte("hi")),
	}, ptr(1))
	require.NoError(t, err)
	require.EqualValues(t, 1, first)
	require.EqualValues(t, 1, l.GetLastIndex(false))

	p := l.table.TryGet(0)
	require.NotNil(t, p)
	require.EqualValues(t, 0, p.IndexOffset())

	slot1, err := p.Read(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, slot1)

	slot0, err := p.Read(context.Background(), 0)
	require.NoError(t, err)
	require.Nil(t, slot0)
}

// scenario 3: filling out partition 0 and spilling into partition 1.
func TestScenarioSpillsIntoNextPartition(t *testing.T) {
	l := openTestLog(t, 4, 256)

	_, err := l.AppendAsync(context.Background(), []*Entry{
		NewEntry(1, "a", "text/plain", []byte("hi")),
	}, ptr(1))
	require.NoError(t, err)

	_, err = l.AppendAsync(context.Background(), []*Entry{
		NewEntry(2, "b", "text/plain", nil),
		NewEntry(2, "c", "text/plain", nil),
		NewEntry(3, "d", "text/plain", nil),
		NewEntry(3, "e", "text/plain", nil),
	}, ptr(2))
	require.NoError(t, err)

	require.EqualValues(t, 5, l.GetLastIndex(false))

	file1 := l.table.TryGet(1)
	require.NotNil(t, file1)
	require.EqualValues(t, 4, file1.IndexOffset())
}

// scenario 4: term increments persist across close/reopen.
func TestScenarioTermIncrementsPersist(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)

	term, err := l.IncrementTermAsync(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, term)

	term, err = l.IncrementTermAsync(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, term)

	require.NoError(t, l.Close())

	reopened, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 2, reopened.Term())
}

// scenario 5: a cast vote persists across close/reopen and excludes
// other candidates.
func TestScenarioVotePersists(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)

	ep := Endpoint{Address: net.ParseIP("127.0.0.1"), Port: 9000}
	require.NoError(t, l.UpdateVotedForAsync(context.Background(), &ep))
	require.NoError(t, l.Close())

	reopened, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)
	defer reopened.Close()

	require.True(t, reopened.IsVotedFor(ep))
	require.False(t, reopened.IsVotedFor(Endpoint{Address: net.ParseIP("127.0.0.1"), Port: 9001}))
}

// scenario 6: a crash that lands before the present flag is flushed
// must never be counted as a written entry, and decoding the entries
// that did land must never fail.
func TestScenarioCrashBeforePresentFlagNeverCountsOrFails(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)

	_, err = l.AppendAsync(context.Background(), []*Entry{
		NewEntry(1, "a", "text/plain", []byte("1")),
		NewEntry(1, "b", "text/plain", []byte("2")),
	}, ptr(1))
	require.NoError(t, err)

	p, err := l.table.GetOrCreate(PartitionOf(3, 4))
	require.NoError(t, err)
	region := p.slotRegion(SlotOf(3, 4))
	n, err := putString(region[1:], "c")
	require.NoError(t, err)
	off := 1 + n
	_, err = putString(region[off:], "text/plain")
	require.NoError(t, err)
	// region[0] is deliberately left 0: the present flag never landed.

	require.NoError(t, l.Close())

	reopened, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)
	defer reopened.Close()

	require.EqualValues(t, 2, reopened.GetLastIndex(false))

	got, err := reopened.GetEntries(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, Sentinel, got[0])
	require.Equal(t, "a", got[1].Name)
	require.Equal(t, "b", got[2].Name)
}

func TestGetEntriesReversedRangeReturnsEmpty(t *testing.T) {
	l := openTestLog(t, 4, 256)
	got, err := l.GetEntries(context.Background(), 5, 3)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAppendAsyncRejectsEmptyEntrySet(t *testing.T) {
	l := openTestLog(t, 4, 256)
	_, err := l.AppendAsync(context.Background(), nil, nil)
	require.ErrorIs(t, err, code.ErrEmptyEntrySet)
}

func TestEntryExactlyMaxRecordSizeSucceedsOneByteLargerFails(t *testing.T) {
	l := openTestLog(t, 4, 64)

	const overhead = 1 + 1 + 1 + 8 + 8 // present + empty name + empty contentType + term + length

	payload := make([]byte, 64-overhead)
	_, err := l.AppendAsync(context.Background(), []*Entry{NewEntry(1, "", "", payload)}, ptr(1))
	require.NoError(t, err)

	tooBig := make([]byte, 64-overhead+1)
	_, err = l.AppendAsync(context.Background(), []*Entry{NewEntry(1, "", "", tooBig)}, ptr(2))
	require.ErrorIs(t, err, code.ErrEntryTooLarge)
}

func TestLastSlotOfPartitionAndFirstSlotOfNextRoundTrip(t *testing.T) {
	l := openTestLog(t, 4, 256)

	_, err := l.AppendAsync(context.Background(), []*Entry{
		NewEntry(1, "last", "text/plain", []byte("end")),
	}, ptr(3))
	require.NoError(t, err)

	_, err = l.AppendAsync(context.Background(), []*Entry{
		NewEntry(1, "first", "text/plain", []byte("begin")),
	}, ptr(4))
	require.NoError(t, err)

	got, err := l.GetEntries(context.Background(), 3, 4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "last", got[0].Name)
	require.Equal(t, "first", got[1].Name)
}

func TestCommitAsyncAdvancesCommitIndexAndFiresCallbackOnce(t *testing.T) {
	l := openTestLog(t, 4, 256)

	_, err := l.AppendAsync(context.Background(), []*Entry{
		NewEntry(1, "a", "text/plain", []byte("1")),
		NewEntry(1, "b", "text/plain", []byte("2")),
		NewEntry(1, "c", "text/plain", []byte("3")),
	}, ptr(1))
	require.NoError(t, err)

	var gotStart, gotCount int64
	calls := 0
	l.OnCommitted(func(source *PersistentLog, startIndex, count int64) {
		calls++
		gotStart, gotCount = startIndex, count
	})

	n, err := l.CommitAsync(context.Background(), ptr(2))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.EqualValues(t, 2, l.GetLastIndex(true))
	require.Equal(t, 1, calls)
	require.EqualValues(t, 1, gotStart)
	require.EqualValues(t, 2, gotCount)

	// Re-committing to the same or earlier index is a no-op.
	n, err = l.CommitAsync(context.Background(), ptr(2))
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
	require.Equal(t, 1, calls)
}

func TestCommitAsyncDefaultsToLastIndex(t *testing.T) {
	l := openTestLog(t, 4, 256)

	_, err := l.AppendAsync(context.Background(), []*Entry{
		NewEntry(1, "a", "text/plain", []byte("1")),
		NewEntry(1, "b", "text/plain", []byte("2")),
	}, ptr(1))
	require.NoError(t, err)

	n, err := l.CommitAsync(context.Background(), nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.EqualValues(t, 2, l.GetLastIndex(true))
}

func TestForceCompactionRemovesOnlyFullyCommittedPrefixPartitions(t *testing.T) {
	l := openTestLog(t, 4, 256)

	entries := make([]*Entry, 5)
	for i := range entries {
		entries[i] = NewEntry(1, "e", "text/plain", []byte("v"))
	}
	// writes global indices 1..5: partition 0 gets indices 1-3 (full,
	// since its slot 0 is the sentinel's), partition 1 gets 4-5 (not
	// full).
	_, err := l.AppendAsync(context.Background(), entries, ptr(1))
	require.NoError(t, err)

	_, err = l.CommitAsync(context.Background(), nil)
	require.NoError(t, err)

	removed, err := l.ForceCompactionAsync(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)

	require.EqualValues(t, 5, l.GetLastIndex(false))
	got, err := l.GetEntries(context.Background(), 4, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

// Reopening after ForceCompactionAsync has removed the lowest
// partition(s) must still reconstruct lastIndex and commitIndex from
// whatever partition survives, not from a sum that assumes partition 0
// is still present.
func TestScanReconstructsIndexesAfterCompactionRemovesLowPartitions(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)

	entries := make([]*Entry, 5)
	for i := range entries {
		entries[i] = NewEntry(1, "e", "text/plain", []byte("v"))
	}
	_, err = l.AppendAsync(context.Background(), entries, ptr(1))
	require.NoError(t, err)

	_, err = l.CommitAsync(context.Background(), nil)
	require.NoError(t, err)

	removed, err := l.ForceCompactionAsync(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)

	require.NoError(t, l.Close())

	reopened, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)
	defer reopened.Close()

	require.EqualValues(t, 5, reopened.GetLastIndex(false))
	require.EqualValues(t, 5, reopened.GetLastIndex(true))

	got, err := reopened.GetEntries(context.Background(), 4, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestForceCompactionLeavesPartialLastPartitionAlone(t *testing.T) {
	l := openTestLog(t, 4, 256)

	_, err := l.AppendAsync(context.Background(), []*Entry{
		NewEntry(1, "a", "text/plain", nil),
	}, ptr(1))
	require.NoError(t, err)

	_, err = l.CommitAsync(context.Background(), nil)
	require.NoError(t, err)

	removed, err := l.ForceCompactionAsync(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, removed)
}

func TestOperationsFailAfterClose(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Location: dir, RecordsPerPartition: 4, MaxRecordSize: 256})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.AppendAsync(context.Background(), []*Entry{NewEntry(1, "a", "text/plain", nil)}, nil)
	require.ErrorIs(t, err, code.ErrDisposed)

	_, err = l.GetEntries(context.Background(), 0, 0)
	require.ErrorIs(t, err, code.ErrDisposed)
}

func TestAppendAsyncHonorsContextCancellation(t *testing.T) {
	l := openTestLog(t, 4, 256)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.AppendAsync(ctx, []*Entry{NewEntry(1, "a", "text/plain", nil)}, nil)
	require.ErrorIs(t, err, code.ErrCancelled)
}
