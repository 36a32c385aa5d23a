package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/quorumkv/raftkv/pkg/raft"
	"github.com/stretchr/testify/require"
)

func tempBase(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "node1")
}

func TestOpenFreshCreatesSentinelEntry(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base)
	require.NoError(t, err)
	defer s.Close()

	state, err := s.Load()
	require.NoError(t, err)
	require.Len(t, state.Entries, 1)
	require.Nil(t, state.Entries[0].Data)
	require.Equal(t, uint64(0), state.CommitIndex)
}

func TestAppendAndReloadRecoversLog(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base)
	require.NoError(t, err)
	_, err = s.Load()
	require.NoError(t, err)

	_, err = s.AppendEntry(raft.Entry{Term: 1, Data: json.RawMessage(`{"op":"put"}`)})
	require.NoError(t, err)
	_, err = s.AppendEntry(raft.Entry{Term: 1, Data: json.RawMessage(`{"op":"del"}`)})
	require.NoError(t, err)
	require.NoError(t, s.SaveVote(1, "node1"))
	require.NoError(t, s.Close())

	s2, err := Open(base)
	require.NoError(t, err)
	defer s2.Close()
	state, err := s2.Load()
	require.NoError(t, err)
	require.Len(t, state.Entries, 3)
	require.Equal(t, uint64(1), state.CurrentTerm)
	require.Equal(t, "node1", state.VotedFor)
}

func TestTruncateFromDiscardsTail(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Load()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.AppendEntry(raft.Entry{Term: 1, Data: nil})
		require.NoError(t, err)
	}
	require.NoError(t, s.TruncateFrom(2))

	state, err := s.Load()
	require.NoError(t, err)
	require.Len(t, state.Entries, 2)
}

func TestTakeSnapshotAtomicSwap(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Load()
	require.NoError(t, err)

	_, err = s.AppendEntry(raft.Entry{Term: 1, Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, s.SaveConfig(1, 0, 1))

	tail := []raft.Entry{{Term: 2, Data: nil}}
	require.NoError(t, s.TakeSnapshot(5, json.RawMessage(`{"k":"v"}`), tail))

	state, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(5), state.SnapshotVersion)
	require.Equal(t, uint64(0), state.CommitIndex)
	require.Len(t, state.Entries, 2)
	require.JSONEq(t, `{"k":"v"}`, string(state.Snapshot))

	for _, suffix := range []string{logSuffix + tmpSuffix, confSuffix + tmpSuffix, snapshotSuffix + tmpSuffix} {
		_, err := os.Stat(base + suffix)
		require.True(t, os.IsNotExist(err), "leftover tmp file %s", suffix)
	}
}

func TestRecoveryPromotesOrphanedLogTmp(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base)
	require.NoError(t, err)
	_, err = s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash mid-snapshot: .log.tmp landed, conf/snapshot tmp too,
	// but the final rename of .log never happened.
	require.NoError(t, os.WriteFile(base+logSuffix+tmpSuffix, []byte(`{"term":9,"data":null}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(base+confSuffix+tmpSuffix, []byte(`{"commit_index":0,"snapshot_version":7,"last_applied":0,"current_term":9,"voted_for":""}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(base+snapshotSuffix+tmpSuffix, []byte(`{"a":1}`+"\n"), 0o644))

	s2, err := Open(base)
	require.NoError(t, err)
	defer s2.Close()
	state, err := s2.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(7), state.SnapshotVersion)
	require.Len(t, state.Entries, 1)
	require.Equal(t, uint64(9), state.Entries[0].Term)
}

func TestRecoveryDiscardsOrphanTmpWithoutLogTmp(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base)
	require.NoError(t, err)
	_, err = s.Load()
	require.NoError(t, err)
	require.NoError(t, s.SaveConfig(3, 1, 3))
	require.NoError(t, s.Close())

	// Simulate a crash between writing .snapshot.tmp and .log.tmp: the
	// commit point (.log.tmp) never landed, so recovery must discard the
	// orphans and keep the pre-snapshot state exactly as it was.
	require.NoError(t, os.WriteFile(base+snapshotSuffix+tmpSuffix, []byte(`{"a":1}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(base+confSuffix+tmpSuffix, []byte(`{"commit_index":0,"snapshot_version":99,"last_applied":0}`+"\n"), 0o644))

	s2, err := Open(base)
	require.NoError(t, err)
	defer s2.Close()

	for _, suffix := range []string{confSuffix + tmpSuffix, snapshotSuffix + tmpSuffix} {
		_, err := os.Stat(base + suffix)
		require.True(t, os.IsNotExist(err), "orphan tmp file %s should have been discarded", suffix)
	}

	state, err := s2.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.SnapshotVersion)
	require.Equal(t, uint64(3), state.CommitIndex)
}
