package plog

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/atomic"

	"github.com/coldraft/plog/code"
	"github.com/coldraft/plog/internal/mmap"
)

// nodeStateSize is the fixed on-disk size of the .state file: term(8) +
// votedFor port(4) + votedFor address length(4), leaving ample room for
// an IPv4 or IPv6 address.
const nodeStateSize = 1024

const (
	termFieldOffset    = 0
	portFieldOffset    = 8
	addrLenFieldOffset = 12
	addrFieldOffset    = 16
)

// Endpoint identifies a peer that this node may have voted for.
type Endpoint struct {
	Address net.IP
	Port    int
}

// Equal reports whether e and o identify the same peer.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Address.Equal(o.Address) && e.Port == o.Port
}

// NodeState holds the current term and the vote cast for it, persisted
// to a single fixed-size memory-mapped file. Every mutator here assumes
// the caller already holds the owning log's write lock -- NodeState has
// no locking of its own.
type NodeState struct {
	fd   *os.File
	data []byte

	term     atomic.Int64
	votedFor Endpoint
	hasVote  bool

	closed atomic.Bool
}

// OpenNodeState opens or creates the .state file under dir.
func OpenNodeState(dir string) (*NodeState, error) {
	path := filepath.Join(dir, stateFileName)
	fd, _, err := mmap.OpenSized(path, nodeStateSize)
	if err != nil {
		return nil, fmt.Errorf("open node state: %w", code.ErrIO)
	}

	data, err := mmap.Map(fd, nodeStateSize)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("map node state: %w", code.ErrIO)
	}

	ns := &NodeState{fd: fd, data: data}
	ns.term.Store(int64(binary.LittleEndian.Uint64(data[termFieldOffset:])))

	addrLen := binary.LittleEndian.Uint32(data[addrLenFieldOffset:])
	if addrLen > 0 {
		port := binary.LittleEndian.Uint32(data[portFieldOffset:])
		addr := make(net.IP, addrLen)
		copy(addr, data[addrFieldOffset:addrFieldOffset+int(addrLen)])
		ns.votedFor = Endpoint{Address: addr, Port: int(port)}
		ns.hasVote = true
	}

	return ns, nil
}

// Term returns the current term.
func (ns *NodeState) Term() int64 {
	return ns.term.Load()
}

func (ns *NodeState) setTerm(term int64) error {
	binary.LittleEndian.PutUint64(ns.data[termFieldOffset:], uint64(term))
	if err := mmap.Flush(ns.data); err != nil {
		return fmt.Errorf("flush node state: %w", code.ErrIO)
	}
	ns.term.Store(term)
	return nil
}

func (ns *NodeState) incrementTerm() (int64, error) {
	next := ns.term.Load() + 1
	if err := ns.setTerm(next); err != nil {
		return 0, err
	}
	return next, nil
}

// isVotedFor reports whether ep is free to receive this node's vote in
// the current term: true if no vote has been cast yet, or if the
// existing vote already names ep.
func (ns *NodeState) isVotedFor(ep Endpoint) bool {
	if !ns.hasVote {
		return true
	}
	return ns.votedFor.Equal(ep)
}

// updateVotedFor records ep as the vote for the current term, or clears
// the vote if ep is nil.
func (ns *NodeState) updateVotedFor(ep *Endpoint) error {
	if ep == nil {
		binary.LittleEndian.PutUint32(ns.data[portFieldOffset:], 0)
		binary.LittleEndian.PutUint32(ns.data[addrLenFieldOffset:], 0)
		ns.hasVote = false
		ns.votedFor = Endpoint{}
	} else {
		addr := ep.Address.To4()
		if addr == nil {
			addr = ep.Address.To16()
		}
		if addrFieldOffset+len(addr) > len(ns.data) {
			return fmt.Errorf("voted-for address too large: %w", code.ErrIO)
		}
		binary.LittleEndian.PutUint32(ns.data[portFieldOffset:], uint32(ep.Port))
		binary.LittleEndian.PutUint32(ns.data[addrLenFieldOffset:], uint32(len(addr)))
		copy(ns.data[addrFieldOffset:], addr)
		ns.hasVote = true
		ns.votedFor = Endpoint{Address: append(net.IP{}, addr...), Port: ep.Port}
	}
	if err := mmap.Flush(ns.data); err != nil {
		return fmt.Errorf("flush node state: %w", code.ErrIO)
	}
	return nil
}

// Close unmaps and closes the node-state file. Safe to call more than
// once.
func (ns *NodeState) Close() error {
	if !ns.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := mmap.Flush(ns.data); err != nil {
		return fmt.Errorf("flush node state on close: %w", code.ErrIO)
	}
	if err := mmap.Unmap(ns.data); err != nil {
		return fmt.Errorf("unmap node state: %w", code.ErrIO)
	}
	return ns.fd.Close()
}
