package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/workflow"
)

var _ workflow.Recorder = (*Store)(nil)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "soundlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPeerLifecycle(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.PeerPaired(ctx, "phone", false))
	p, err := s.GetPeer(ctx, "phone")
	require.NoError(t, err)
	assert.Equal(t, 1, p.PairCount)
	assert.False(t, p.Initiator)
	assert.Nil(t, p.LastUnpairedAt)

	require.NoError(t, s.PeerUnpaired(ctx, "phone"))
	require.NoError(t, s.PeerPaired(ctx, "phone", true))

	p, err = s.GetPeer(ctx, "phone")
	require.NoError(t, err)
	assert.Equal(t, 2, p.PairCount)
	assert.True(t, p.Initiator)
	require.NotNil(t, p.LastUnpairedAt)
	assert.False(t, p.FirstPairedAt.After(p.LastPairedAt))

	_, err = s.GetPeer(ctx, "stranger")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	// unpairing an unknown peer is not an error
	assert.NoError(t, s.PeerUnpaired(ctx, "stranger"))
}

func TestListPeers(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	peers, err := s.ListPeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)

	require.NoError(t, s.PeerPaired(ctx, "b", false))
	require.NoError(t, s.PeerPaired(ctx, "a", true))

	peers, err = s.ListPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	ids := []string{peers[0].ID, peers[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestTransfers(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, rec := range []workflow.TransferRecord{
		{PeerID: "phone", Direction: workflow.DirectionOutbound, Tag: "DATA", Payload: "one", Outcome: workflow.OutcomeSuccess},
		{PeerID: "phone", Direction: workflow.DirectionInbound, Tag: "DATA", Payload: "two", Outcome: workflow.OutcomeReceived},
		{PeerID: "till", Direction: workflow.DirectionOutbound, Tag: "DATA", Payload: "three", Outcome: workflow.OutcomeFailed},
	} {
		rec.At = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.TransferLogged(ctx, rec))
	}

	all, err := s.ListTransfers(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "three", all[0].Payload, "newest first")
	assert.Equal(t, "one", all[2].Payload)

	phone, err := s.ListTransfers(ctx, "phone", 1)
	require.NoError(t, err)
	require.Len(t, phone, 1)
	assert.Equal(t, "two", phone[0].Payload)
	assert.Equal(t, workflow.DirectionInbound, phone[0].Direction)
	assert.WithinDuration(t, base.Add(time.Second), phone[0].At, time.Millisecond)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soundlink.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PeerPaired(ctx, "phone", true))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	peers, err := s.ListPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "phone", peers[0].ID)
}
