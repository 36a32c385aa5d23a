package raft

import (
	"context"
	"encoding/json"
)

// StateMachine is the pluggable command interpreter driven by committed log
// entries. Apply is called exactly once per committed entry, in index order.
// On load, Reset is called with the on-disk snapshot (if any) and then Apply
// with entries [1..commit_index].
type StateMachine interface {
	Reset(snapshot json.RawMessage)
	Snapshot() (json.RawMessage, error)
	Apply(commands []json.RawMessage)
	Query(q json.RawMessage) (json.RawMessage, error)
}

// Transport is a synchronous RPC client. Call returns
// ok==false for any failure (timeout, connection error, non-success status,
// malformed body); the caller must treat that as "no reply", never as
// success or failure of the underlying operation.
type Transport interface {
	Call(ctx context.Context, peer, service string, body any) (reply json.RawMessage, ok bool)
}

// RecoveredState is what PersistentStore.Load returns after applying the
// atomic-swap recovery rule on startup.
type RecoveredState struct {
	CurrentTerm     uint64
	VotedFor        string
	Entries         []Entry
	CommitIndex     uint64
	LastApplied     uint64
	SnapshotVersion uint64
	Snapshot        json.RawMessage // nil if no snapshot file exists yet
}

// PersistentStore is the crash-safe log/config/snapshot substrate.
// A Node is the sole owner of a given Store instance.
type PersistentStore interface {
	Load() (RecoveredState, error)
	AppendEntry(entry Entry) (offset int64, err error)
	TruncateFrom(index int) error
	SaveVote(term uint64, votedFor string) error
	SaveConfig(commitIndex, snapshotVersion, lastApplied uint64) error
	TakeSnapshot(snapshotVersion uint64, snapshot json.RawMessage, tail []Entry) error
}
