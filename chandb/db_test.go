package chandb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

func init() {
	logging.SetupTestLogs()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testChan(id lnutil.ChannelId) *channel.Chan {
	return &channel.Chan{
		Id:              id,
		Peer:            lnutil.PeerId{1, 2, 3},
		Capacity:        5000000,
		Status:          channel.StatusActive,
		WeInitiated:     true,
		State:           channel.CommitState{MyAmt: 5000000},
		TheirRevSecrets: make(map[uint64][32]byte),
	}
}

func TestCheckpointSupersede(t *testing.T) {
	s := openTestStore(t)
	id := lnutil.NewProvisionalChanId()
	c := testChan(id)

	require.NoError(t, s.WriteCheckpoint(c))

	c.State.CommitIdx = 1
	c.State.MyAmt = 4800000
	require.NoError(t, s.WriteCheckpoint(c))

	got, err := s.ReadChannel(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.State.CommitIdx)
	require.Equal(t, int64(4800000), got.State.MyAmt)

	// the superseded checkpoint is retained, not overwritten
	hist, err := s.Checkpoints(id)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, uint64(0), hist[0].State.CommitIdx)
	require.Equal(t, uint64(1), hist[1].State.CommitIdx)
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chan.db")

	s, err := Open(path)
	require.NoError(t, err)

	id := lnutil.NewProvisionalChanId()
	c := testChan(id)
	c.State.CommitIdx = 3
	c.TheirRevSecrets[2] = [32]byte{0xee}
	require.NoError(t, s.WriteCheckpoint(c))
	require.NoError(t, s.Close())

	// unclean restart: a fresh handle sees the committed state
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	chans, err := s2.ListChannels()
	require.NoError(t, err)
	require.Len(t, chans, 1)
	require.Equal(t, uint64(3), chans[0].State.CommitIdx)
	require.Equal(t, [32]byte{0xee}, chans[0].TheirRevSecrets[2])
}

func TestRekeyMovesHistory(t *testing.T) {
	s := openTestStore(t)
	provId := lnutil.NewProvisionalChanId()
	c := testChan(provId)
	require.NoError(t, s.WriteCheckpoint(c))

	op := lnutil.OutPoint{Txid: [32]byte{7}, Index: 0}
	newId := lnutil.ChanIdFromOutPoint(op)
	c.Id = newId
	c.FundingOp = op
	c.Status = channel.StatusFundingSigned
	require.NoError(t, s.WriteCheckpoint(c))

	require.NoError(t, s.Rekey(provId, newId))

	_, err := s.ReadChannel(provId)
	require.Error(t, err)

	got, err := s.ReadChannel(newId)
	require.NoError(t, err)
	require.Equal(t, channel.StatusFundingSigned, got.Status)

	hist, err := s.Checkpoints(newId)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	// rekey of an id that was never written is a no-op
	require.NoError(t, s.Rekey(lnutil.NewProvisionalChanId(), newId))
}

func TestArchiveRemovesFromLiveSet(t *testing.T) {
	s := openTestStore(t)
	id := lnutil.NewProvisionalChanId()
	c := testChan(id)
	require.NoError(t, s.WriteCheckpoint(c))
	c.Status = channel.StatusClosed
	require.NoError(t, s.WriteCheckpoint(c))

	require.NoError(t, s.Archive(id))

	chans, err := s.ListChannels()
	require.NoError(t, err)
	require.Empty(t, chans)

	// history stays reachable for forensics
	hist, err := s.Checkpoints(id)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, channel.StatusClosed, hist[1].Status)
}

func TestAuditLog(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteAudit("peer abc sent revoked commitment"))
	require.NoError(t, s.WriteAudit("peer def bad signature"))

	lines, err := s.Audits()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "revoked commitment")
	require.Contains(t, lines[1], "bad signature")
}
