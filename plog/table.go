package plog

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/coldraft/plog/code"
)

const stateFileName = ".state"

// PartitionOf returns the partition number holding global index.
func PartitionOf(index, recordsPerPartition int64) int64 {
	return index / recordsPerPartition
}

// SlotOf returns the slot within its partition holding global index.
func SlotOf(index, recordsPerPartition int64) int64 {
	return index % recordsPerPartition
}

// partitionTable owns every open Partition and routes a global index to
// the partition that holds it.
type partitionTable struct {
	dir                 string
	recordsPerPartition int64
	maxRecordSize       int64

	mu         sync.Mutex
	partitions map[int64]*Partition
}

func newPartitionTable(dir string, recordsPerPartition, maxRecordSize int64) *partitionTable {
	return &partitionTable{
		dir:                 dir,
		recordsPerPartition: recordsPerPartition,
		maxRecordSize:       maxRecordSize,
		partitions:          make(map[int64]*Partition),
	}
}

// TryGet returns the partition for number if it is already open.
func (t *partitionTable) TryGet(number int64) *Partition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partitions[number]
}

// GetOrCreate opens the partition for number, creating its file if
// necessary.
func (t *partitionTable) GetOrCreate(number int64) (*Partition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.partitions[number]; ok {
		return p, nil
	}
	p, err := OpenPartition(t.dir, number, t.recordsPerPartition, t.maxRecordSize)
	if err != nil {
		return nil, err
	}
	t.partitions[number] = p
	return p, nil
}

func (t *partitionTable) lowestPartitionNumber() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	found := false
	var lowest int64
	for n := range t.partitions {
		if !found || n < lowest {
			lowest = n
			found = true
		}
	}
	return lowest, found
}

// remove closes and deletes the partition file for number.
func (t *partitionTable) remove(number int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[number]
	if !ok {
		return nil
	}
	path := p.path
	if err := p.Close(); err != nil {
		return err
	}
	delete(t.partitions, number)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove partition %d: %w", number, code.ErrIO)
	}
	return nil
}

func (t *partitionTable) closeAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for number, p := range t.partitions {
		if err := p.Close(); err != nil {
			return fmt.Errorf("close partition %d: %w", number, code.ErrIO)
		}
	}
	return nil
}

// parsePartitionFileName reports whether name is a partition file
// (a bare non-negative integer), rejecting the node-state file and
// anything else found in the log directory.
func parsePartitionFileName(name string) (int64, bool) {
	if name == stateFileName {
		return 0, false
	}
	n, err := strconv.ParseInt(name, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// scan walks the log directory, opening every partition file it finds
// and reconstructing commitIndex and lastIndex from their headers.
//
// Both are reconstructed as a maximum over partitions, not a sum:
// IndexOffset anchors a partition's slot 0 to its global index, so
// IndexOffset(p) + realCount - 1 gives the highest global index that
// partition accounts for on its own, independent of which lower-
// numbered partitions are still present. A sum instead assumes the
// surviving partitions are exactly {0,1,...,k}, which ForceCompaction
// breaks the moment it removes partition 0 -- summing OccupiedCount
// over whatever remains would silently reconstruct a lastIndex far
// below the true one after a reopen.
//
// Partition 0's slot 0 is the virtual Sentinel, never a real write, so
// its OccupiedCount already includes that slot (correct for lastIndex:
// IndexOffset(0) + OccupiedCount - 1 lands exactly on the highest real
// index, or 0 if there are none yet) while its CommittedEntries never
// does (there is nothing at slot 0 to commit), so reconstructing
// commitIndex needs the same +1 adjustment committedCountForPartition
// uses when writing that counter.
func (t *partitionTable) scan() (commitIndex, lastIndex int64, err error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("scan log directory: %w", code.ErrIO)
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		number, ok := parsePartitionFileName(de.Name())
		if !ok {
			continue
		}
		p, err := OpenPartition(t.dir, number, t.recordsPerPartition, t.maxRecordSize)
		if err != nil {
			return 0, 0, err
		}

		t.mu.Lock()
		t.partitions[number] = p
		t.mu.Unlock()

		if occupied := p.OccupiedCount(); occupied > 0 {
			if candidate := p.IndexOffset() + occupied - 1; candidate > lastIndex {
				lastIndex = candidate
			}
		}

		committedLowOffset := int64(0)
		if number == 0 {
			committedLowOffset = 1
		}
		if committed := p.CommittedEntries(); committed > 0 {
			if candidate := p.IndexOffset() + committedLowOffset + committed - 1; candidate > commitIndex {
				commitIndex = candidate
			}
		}
	}

	return commitIndex, lastIndex, nil
}
