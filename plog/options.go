package plog

import "fmt"

// minSlotOverhead is a lower bound on the non-payload bytes a slot must
// hold: the present flag, two empty length-prefixed strings, the term,
// and the content length.
const minSlotOverhead = 1 + 1 + 1 + 8 + 8

// Options are a persistent log's construction parameters.
type Options struct {
	// Location is the directory holding partition files and .state. It
	// is created if it does not already exist.
	Location string

	// RecordsPerPartition is the fixed number of entries each partition
	// file holds.
	RecordsPerPartition int64

	// MaxRecordSize bounds the serialized size of a single slot,
	// metadata included.
	MaxRecordSize int64
}

func (o Options) validate() error {
	if o.Location == "" {
		return fmt.Errorf("plog: location must not be empty")
	}
	if o.RecordsPerPartition <= 0 {
		return fmt.Errorf("plog: recordsPerPartition must be positive")
	}
	if o.MaxRecordSize <= minSlotOverhead {
		return fmt.Errorf("plog: maxRecordSize must exceed the minimum slot overhead of %d bytes", minSlotOverhead)
	}
	return nil
}
