package plog

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/atomic"

	"github.com/coldraft/plog/code"
	"github.com/coldraft/plog/internal/mmap"
)

// Partition file layout:
//
//	[0:8)   indexOffset      -- global index of this partition's slot 0
//	[8:16)  committedEntries -- count of entries known committed
//	[16:)   recordsPerPartition slots of maxRecordSize bytes each
//
// Slot layout:
//
//	[0:1)  present flag
//	       name (uvarint length, bytes)
//	       contentType (uvarint length, bytes)
//	       term (int64, little-endian)
//	       contentLength (int64, little-endian)
//	       payload (contentLength bytes)
const (
	partitionHeaderSize         = 16
	indexOffsetFieldOffset      = 0
	committedEntriesFieldOffset = 8
)

func partitionFileName(number int64) string {
	return strconv.FormatInt(number, 10)
}

// Partition is one fixed-capacity, memory-mapped record file. A single
// mmap spans the whole file; reads and writes slice into it directly
// rather than mapping a fresh view per call, since Linux mmap offsets
// must be page aligned and slot offsets generally are not.
type Partition struct {
	number              int64
	recordsPerPartition int64
	maxRecordSize       int64

	path string
	fd   *os.File
	data []byte

	closed atomic.Bool
}

func partitionFileSize(recordsPerPartition, maxRecordSize int64) int64 {
	return partitionHeaderSize + recordsPerPartition*maxRecordSize
}

// OpenPartition opens or creates the partition file for number under dir.
func OpenPartition(dir string, number, recordsPerPartition, maxRecordSize int64) (*Partition, error) {
	path := filepath.Join(dir, partitionFileName(number))
	size := partitionFileSize(recordsPerPartition, maxRecordSize)

	fd, created, err := mmap.OpenSized(path, size)
	if err != nil {
		return nil, fmt.Errorf("open partition %d: %w", number, code.ErrIO)
	}

	data, err := mmap.Map(fd, size)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("map partition %d: %w", number, code.ErrIO)
	}

	p := &Partition{
		number:              number,
		recordsPerPartition: recordsPerPartition,
		maxRecordSize:       maxRecordSize,
		path:                path,
		fd:                  fd,
		data:                data,
	}

	if created {
		binary.LittleEndian.PutUint64(p.data[indexOffsetFieldOffset:], uint64(number*recordsPerPartition))
		if err := p.FlushHeaders(); err != nil {
			p.Close()
			return nil, err
		}
	}

	return p, nil
}

// Number returns this partition's position in the partition table.
func (p *Partition) Number() int64 { return p.number }

// IndexOffset returns the global index of this partition's slot 0.
func (p *Partition) IndexOffset() int64 {
	return int64(binary.LittleEndian.Uint64(p.data[indexOffsetFieldOffset:]))
}

// CommittedEntries returns the count of entries in this partition known
// committed. Unlike OccupiedCount, it counts real entries only:
// partition 0's slot 0, the sentinel, is never included.
func (p *Partition) CommittedEntries() int64 {
	return int64(binary.LittleEndian.Uint64(p.data[committedEntriesFieldOffset:]))
}

// SetCommittedEntries updates the committed-entries counter in place. It
// does not flush; callers follow it with FlushHeaders to make the new
// value durable.
func (p *Partition) SetCommittedEntries(n int64) {
	binary.LittleEndian.PutUint64(p.data[committedEntriesFieldOffset:], uint64(n))
}

// FlushHeaders syncs the partition's mapped region to disk.
func (p *Partition) FlushHeaders() error {
	if err := mmap.Flush(p.data); err != nil {
		return fmt.Errorf("flush partition %d: %w", p.number, code.ErrIO)
	}
	return nil
}

func (p *Partition) slotRegion(slot int64) []byte {
	start := partitionHeaderSize + slot*p.maxRecordSize
	return p.data[start : start+p.maxRecordSize]
}

// OccupiedCount scans slots in order until the first whose present flag
// is unset and returns the count. Partition 0's slot 0 is never
// physically written by normal operation -- it is where the in-memory
// Sentinel would live -- so for partition 0 the scan starts counting at
// slot 1 but the sentinel's slot is always included in the result.
func (p *Partition) OccupiedCount() int64 {
	start := int64(0)
	count := int64(0)
	if p.number == 0 {
		start = 1
		count = 1
	}
	for slot := start; slot < p.recordsPerPartition; slot++ {
		if p.slotRegion(slot)[0] == 0 {
			break
		}
		count++
	}
	return count
}

// Read decodes the entry at slot, or returns (nil, nil) if the slot is
// empty.
func (p *Partition) Read(ctx context.Context, slot int64) (*Entry, error) {
	if p.closed.Load() {
		return nil, code.ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		return nil, code.ErrCancelled
	}

	region := p.slotRegion(slot)
	if region[0] == 0 {
		return nil, nil
	}

	off := 1
	name, n := getString(region[off:])
	off += n
	contentType, n := getString(region[off:])
	off += n

	term := int64(binary.LittleEndian.Uint64(region[off:]))
	off += 8
	length := int64(binary.LittleEndian.Uint64(region[off:]))
	off += 8

	start := partitionHeaderSize + slot*p.maxRecordSize
	contentStart := start + int64(off)

	return &Entry{
		Term:        term,
		Name:        name,
		ContentType: contentType,
		Length:      length,
		payload: partitionPayload{
			partition: p,
			offset:    contentStart,
			length:    length,
		},
	}, nil
}

// Write encodes e into slot, writing the present flag last (and
// flushing before and after) so a crash mid-write never leaves a slot
// that looks occupied but holds partial data.
func (p *Partition) Write(ctx context.Context, slot int64, e *Entry) error {
	if p.closed.Load() {
		return code.ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		return code.ErrCancelled
	}

	region := p.slotRegion(slot)
	if region[0] != 0 {
		// Rewriting an already-occupied slot, e.g. a Raft conflict
		// overwrite. Clear the present flag and flush before touching
		// any field so a crash mid-rewrite never leaves the old
		// record's flag set over new, half-written data.
		region[0] = 0
		if err := p.FlushHeaders(); err != nil {
			return err
		}
	}

	off := 1

	n, err := putString(region[off:], e.Name)
	if err != nil {
		return fmt.Errorf("write entry name: %w", code.ErrEntryTooLarge)
	}
	off += n

	n, err = putString(region[off:], e.ContentType)
	if err != nil {
		return fmt.Errorf("write entry content type: %w", code.ErrEntryTooLarge)
	}
	off += n

	if off+16 > len(region) {
		return fmt.Errorf("write entry header: %w", code.ErrEntryTooLarge)
	}
	binary.LittleEndian.PutUint64(region[off:], uint64(e.Term))
	off += 8
	lengthOff := off
	binary.LittleEndian.PutUint64(region[lengthOff:], 0)
	off += 8

	start := partitionHeaderSize + slot*p.maxRecordSize
	contentStart := start + int64(off)
	limit := start + int64(len(region))

	sw := &slotWriter{dst: p.data, pos: contentStart, limit: limit}
	if err := e.CopyToContext(ctx, sw); err != nil {
		return err
	}
	written := sw.pos - contentStart
	binary.LittleEndian.PutUint64(region[lengthOff:], uint64(written))

	if err := p.FlushHeaders(); err != nil {
		return err
	}

	region[0] = 1
	return p.FlushHeaders()
}

// readAt copies into buf from this partition's mapped region starting
// at offset, returning the slice of buf actually filled.
func (p *Partition) readAt(offset int64, buf []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, code.ErrDisposed
	}
	n := copy(buf, p.data[offset:offset+int64(len(buf))])
	return buf[:n], nil
}

// Close unmaps and closes the underlying file. Safe to call more than
// once.
func (p *Partition) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := mmap.Flush(p.data); err != nil {
		return fmt.Errorf("flush partition %d on close: %w", p.number, code.ErrIO)
	}
	if err := mmap.Unmap(p.data); err != nil {
		return fmt.Errorf("unmap partition %d: %w", p.number, code.ErrIO)
	}
	return p.fd.Close()
}

// slotWriter writes sequentially into a partition's mapped region,
// refusing to write past limit.
type slotWriter struct {
	dst   []byte
	pos   int64
	limit int64
}

func (w *slotWriter) Write(b []byte) (int, error) {
	if w.pos+int64(len(b)) > w.limit {
		return 0, fmt.Errorf("payload exceeds record slot: %w", code.ErrEntryTooLarge)
	}
	n := copy(w.dst[w.pos:], b)
	w.pos += int64(n)
	return n, nil
}

// putString writes a uvarint length prefix followed by s into buf,
// failing if it would not fit.
func putString(buf []byte, s string) (int, error) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	if n+len(s) > len(buf) {
		return 0, fmt.Errorf("string too large for slot")
	}
	copy(buf, lenBuf[:n])
	copy(buf[n:], s)
	return n + len(s), nil
}

// getString reads a uvarint-length-prefixed string from buf, returning
// the string and the number of bytes consumed.
func getString(buf []byte) (string, int) {
	l, n := binary.Uvarint(buf)
	s := string(buf[n : n+int(l)])
	return s, n + int(l)
}
