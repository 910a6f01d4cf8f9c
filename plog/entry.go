package plog

import (
	"context"
	"io"

	"github.com/coldraft/plog/code"
)

// stagingBufferSize bounds the chunk size used when streaming a payload
// from one mapped region into another, so a single huge entry never
// forces a matching in-memory allocation.
const stagingBufferSize = 32 * 1024

// Entry is a single immutable record in the log, identified externally
// by its 64-bit log index. Name and ContentType are bounded text;
// ContentType follows media-type syntax. Entries are safe to re-read any
// number of times while the partition that backs them remains open.
type Entry struct {
	Term        int64
	Name        string
	ContentType string
	Length      int64

	payload payloadSource
}

type payloadSource interface {
	copyTo(ctx context.Context, w io.Writer) error
}

// NewEntry builds an entry ready to append, backed by an in-memory
// payload the caller already holds.
func NewEntry(term int64, name, contentType string, payload []byte) *Entry {
	return &Entry{
		Term:        term,
		Name:        name,
		ContentType: contentType,
		Length:      int64(len(payload)),
		payload:     bytesPayload(payload),
	}
}

// CopyTo copies the entry's payload to w.
func (e *Entry) CopyTo(w io.Writer) error {
	return e.CopyToContext(context.Background(), w)
}

// CopyToContext copies the entry's payload to w, checking ctx at each
// staging-buffer boundary so a caller can cancel a large in-flight copy.
func (e *Entry) CopyToContext(ctx context.Context, w io.Writer) error {
	if e.payload == nil {
		return nil
	}
	return e.payload.copyTo(ctx, w)
}

// bytesPayload backs an entry constructed in memory, e.g. one about to
// be appended.
type bytesPayload []byte

func (b bytesPayload) copyTo(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return code.ErrCancelled
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// partitionPayload is a back reference into a partition's mapped region:
// the partition owns the mapping, the entry just remembers where its
// content lives. Reading after the partition closes fails with
// ErrDisposed rather than silently returning stale or unmapped memory.
type partitionPayload struct {
	partition *Partition
	offset    int64
	length    int64
}

func (p partitionPayload) copyTo(ctx context.Context, w io.Writer) error {
	remaining := p.length
	offset := p.offset
	var buf [stagingBufferSize]byte
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return code.ErrCancelled
		}
		n := stagingBufferSize
		if int64(n) > remaining {
			n = int(remaining)
		}
		chunk, err := p.partition.readAt(offset, buf[:n])
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		offset += int64(len(chunk))
		remaining -= int64(len(chunk))
	}
	return nil
}

// Sentinel is the singleton, zero-term, empty entry returned at index 0
// when no real entry has been written there.
var Sentinel = &Entry{payload: bytesPayload(nil)}
