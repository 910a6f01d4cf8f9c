package plog

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeStateTermPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	ns, err := OpenNodeState(dir)
	require.NoError(t, err)
	require.EqualValues(t, 0, ns.Term())

	term, err := ns.incrementTerm()
	require.NoError(t, err)
	require.EqualValues(t, 1, term)

	term, err = ns.incrementTerm()
	require.NoError(t, err)
	require.EqualValues(t, 2, term)
	require.NoError(t, ns.Close())

	reopened, err := OpenNodeState(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 2, reopened.Term())
}

func TestNodeStateVotedForPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	ns, err := OpenNodeState(dir)
	require.NoError(t, err)

	ep := Endpoint{Address: net.ParseIP("127.0.0.1"), Port: 9000}
	require.NoError(t, ns.updateVotedFor(&ep))
	require.True(t, ns.isVotedFor(ep))
	require.False(t, ns.isVotedFor(Endpoint{Address: net.ParseIP("127.0.0.1"), Port: 9001}))
	require.NoError(t, ns.Close())

	reopened, err := OpenNodeState(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.isVotedFor(ep))
	require.False(t, reopened.isVotedFor(Endpoint{Address: net.ParseIP("127.0.0.1"), Port: 9001}))
}

func TestNodeStateUpdateVotedForTwiceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ns, err := OpenNodeState(dir)
	require.NoError(t, err)
	defer ns.Close()

	ep := Endpoint{Address: net.ParseIP("10.0.0.5"), Port: 7000}
	require.NoError(t, ns.updateVotedFor(&ep))
	require.NoError(t, ns.updateVotedFor(&ep))
	require.True(t, ns.isVotedFor(ep))
}

func TestNodeStateNoVoteAllowsAnyCandidate(t *testing.T) {
	dir := t.TempDir()
	ns, err := OpenNodeState(dir)
	require.NoError(t, err)
	defer ns.Close()

	require.True(t, ns.isVotedFor(Endpoint{Address: net.ParseIP("1.2.3.4"), Port: 1}))
}
