// Package raft implements a Raft-style replicated consensus engine: a
// shared-state Node, three role objects (Follower/Candidate/Leader), and
// the scheduler/store/transport substrate in sibling packages. Leader
// election, log replication, commit advancement, and snapshot installation
// are all implemented here rather than delegated to an embedded library.
package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quorumkv/raftkv/pkg/scheduler"
	"github.com/rs/zerolog"
)

// role is the interface every Follower/Candidate/Leader object satisfies.
// Each holds a back-reference to the Node it was spawned from and borrows it
// for its lifetime (no shared-ownership cycle: the Node owns the role).
type role interface {
	AppendEntries(args *AppendEntriesArgs) *AppendEntriesReply
	RequestVote(args *RequestVoteArgs) *RequestVoteReply
	AppendEntry(cmd json.RawMessage) *AppendEntryReply
	Results(q json.RawMessage) *ResultsReply
	Snapshot() *SnapshotReply
}

// Node is the shared Raft state machine: current term, vote, log, commit
// index, snapshot cursor, and the currently active role. A Node is
// goroutine-safe; each replica is backed by its own Node.
type Node struct {
	cfg       Config
	store     PersistentStore
	transport Transport
	machine   StateMachine
	sched     *scheduler.Scheduler
	log       zerolog.Logger

	mu              sync.Mutex
	currentTerm     uint64
	votedFor        string // also doubles as "recognized leader" for redirects
	entries         []Entry
	commitIndex     uint64
	lastApplied     uint64
	snapshotVersion uint64
	current         role
	roleKind        Role
	stopped         bool
}

// NewNode constructs a Node, loads persistent state, applies the committed
// prefix to the state machine, and becomes a Follower. It does not start
// timers until Start is called.
func NewNode(cfg Config, store PersistentStore, transport Transport, machine StateMachine, logger zerolog.Logger) (*Node, error) {
	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("raft: loading persistent state: %w", err)
	}

	n := &Node{
		cfg:             cfg,
		store:           store,
		transport:       transport,
		machine:         machine,
		sched:           scheduler.New(),
		log:             logger.With().Str("node", cfg.Name).Logger(),
		currentTerm:     state.CurrentTerm,
		votedFor:        state.VotedFor,
		entries:         state.Entries,
		commitIndex:     state.CommitIndex,
		lastApplied:     state.LastApplied,
		snapshotVersion: state.SnapshotVersion,
	}

	if state.Snapshot != nil {
		n.machine.Reset(state.Snapshot)
	}
	if n.commitIndex > 0 {
		cmds := make([]json.RawMessage, 0, n.commitIndex)
		for i := uint64(1); i <= n.commitIndex && int(i) < len(n.entries); i++ {
			cmds = append(cmds, n.entries[i].Data)
		}
		n.machine.Apply(cmds)
	}
	n.lastApplied = n.commitIndex

	return n, nil
}

// Start begins running as Follower. Safe to call once.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.asFollowerLocked()
}

// Stop halts the scheduler; the Node must not be used afterward.
func (n *Node) Stop() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	n.sched.Stop()
}

// Name returns this node's configured identity.
func (n *Node) Name() string { return n.cfg.Name }

// Peers returns the full replica set, including this node.
func (n *Node) Peers() []string { return n.cfg.Peers }

// Status is a point-in-time diagnostic snapshot, returned by the "show" RPC.
type Status struct {
	Name            string
	Role            Role
	CurrentTerm     uint64
	CommitIndex     uint64
	LastApplied     uint64
	SnapshotVersion uint64
	VotedFor        string
	Peers           []string
	Entries         []Entry
}

// Status returns a diagnostic snapshot of the Node's state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	entries := make([]Entry, len(n.entries))
	copy(entries, n.entries)
	return Status{
		Name:            n.cfg.Name,
		Role:            n.roleKind,
		CurrentTerm:     n.currentTerm,
		CommitIndex:     n.commitIndex,
		LastApplied:     n.lastApplied,
		SnapshotVersion: n.snapshotVersion,
		VotedFor:        n.votedFor,
		Peers:           n.cfg.Peers,
		Entries:         entries,
	}
}

// --- dispatch to the current role ---

// RequestVote handles an inbound request_vote RPC.
func (n *Node) RequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current.RequestVote(args)
}

// AppendEntries handles an inbound append_entries RPC.
func (n *Node) AppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current.AppendEntries(args)
}

// Submit handles a client append_entry submission; only a Leader accepts it.
// A Leader's AppendEntry implementation releases n.mu for the duration of
// its replication pass (one synchronous pass runs before the client gets an
// answer) and reacquires it before returning, so this method must not rely
// on a bare defer to balance the lock.
func (n *Node) Submit(cmd json.RawMessage) *AppendEntryReply {
	n.mu.Lock()
	reply := n.current.AppendEntry(cmd)
	n.mu.Unlock()
	return reply
}

// Query handles a client results (read) request; only a Leader answers it.
func (n *Node) Query(q json.RawMessage) *ResultsReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current.Results(q)
}

// TriggerSnapshot handles the diagnostic snapshot RPC.
func (n *Node) TriggerSnapshot() *SnapshotReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current.Snapshot()
}

// --- role transitions ---
// Each swaps the role object under the lock; stale timers/RPCs scheduled by
// the previous role observe the new role object on their next wake-up and
// must no-op harmlessly (guarded by role/term checks inside the role, not
// here).

func (n *Node) asFollowerLocked() {
	n.roleKind = RoleFollower
	n.log.Info().Msg("becoming follower")
	n.current = newFollower(n)
}

func (n *Node) asCandidateLocked() {
	n.roleKind = RoleCandidate
	n.log.Info().Msg("becoming candidate")
	n.current = newCandidate(n)
}

func (n *Node) asLeaderLocked() {
	n.roleKind = RoleLeader
	n.log.Info().Msg("becoming leader")
	n.current = newLeader(n)
}

// --- shared handlers, called by role methods while already holding n.mu ---

func (n *Node) lastLogTermLocked() uint64 {
	return n.entries[len(n.entries)-1].Term
}

func (n *Node) lastLogIndexLocked() uint64 {
	return uint64(len(n.entries) - 1)
}

// grantVoteLocked grants at most one vote per term, persisted; there is no
// "voted_for == self" carve-out — a node that already voted for itself
// cannot later vote for a different candidate in the same term.
func (n *Node) grantVoteLocked(req *RequestVoteArgs) *RequestVoteReply {
	upToDate := func() bool {
		lastTerm := n.lastLogTermLocked()
		logOK := lastTerm < req.LastLogTerm ||
			(lastTerm == req.LastLogTerm && n.lastLogIndexLocked() <= req.LastLogIndex)
		return logOK && n.snapshotVersion <= req.SnapshotVersion
	}

	n.observeTermLocked(req.Term)

	if req.Term == n.currentTerm {
		if n.votedFor == "" || n.votedFor == req.CandidateID {
			if upToDate() {
				n.persistVoteLocked(req.Term, req.CandidateID)
				return &RequestVoteReply{Term: n.currentTerm, VoteGranted: true, SnapshotVersion: n.snapshotVersion}
			}
		}
	}
	return &RequestVoteReply{Term: n.currentTerm, VoteGranted: false, SnapshotVersion: n.snapshotVersion}
}

// observeTermLocked implements the cross-cutting Raft rule: any RPC or
// reply carrying a higher term than ours means we step down to Follower in
// that term, with no vote cast yet. Returns true if a step-down happened.
func (n *Node) observeTermLocked(term uint64) bool {
	if term <= n.currentTerm {
		return false
	}
	n.persistVoteLocked(term, "")
	if n.roleKind != RoleFollower {
		n.asFollowerLocked()
	}
	return true
}

func (n *Node) persistVoteLocked(term uint64, votedFor string) {
	n.votedFor = votedFor
	n.currentTerm = term
	if err := n.store.SaveVote(term, votedFor); err != nil {
		n.log.Fatal().Err(err).Msg("persisting vote failed")
	}
}

// appendEntriesLocked follows the standard Raft decision order, with one
// refinement: PrevLogIndex/PrevLogTerm are only consulted on a replication
// message (Snapshot == nil), never on a snapshot-install message, instead of
// indexing an absent field. The returned bool reports
// whether req came from a leader this node now recognizes as legitimate
// (its term is at least ours and its snapshot_version is not behind) — the
// Candidate and Leader roles use it to decide whether to step down; the
// Follower refreshes its election timer on every append_entries regardless.
func (n *Node) appendEntriesLocked(req *AppendEntriesArgs) (*AppendEntriesReply, bool) {
	n.observeTermLocked(req.Term)

	if req.SnapshotVersion > n.snapshotVersion {
		if req.Snapshot != nil {
			n.machine.Reset(req.Snapshot)
			if err := n.store.TakeSnapshot(req.SnapshotVersion, req.Snapshot, nil); err != nil {
				n.log.Fatal().Err(err).Msg("installing snapshot failed")
			}
			n.entries = []Entry{{Term: n.currentTerm, Data: nil}}
			n.commitIndex = 0
			n.lastApplied = 0
			n.snapshotVersion = req.SnapshotVersion
		}
		// A snapshot-installing leader is accepted the same as a replicating
		// one, so client redirects point at it right away. Guarded on term
		// equality: a stale-term sender must not wind current_term back.
		if req.Term == n.currentTerm {
			n.persistVoteLocked(req.Term, req.LeaderID)
		}
		return &AppendEntriesReply{Term: n.currentTerm, Success: false, SnapshotVersion: n.snapshotVersion}, req.Term == n.currentTerm
	}
	if req.SnapshotVersion < n.snapshotVersion {
		return &AppendEntriesReply{Term: n.currentTerm, Success: false, SnapshotVersion: n.snapshotVersion}, false
	}
	if req.Term < n.currentTerm {
		return &AppendEntriesReply{Term: n.currentTerm, Success: false, SnapshotVersion: n.snapshotVersion}, false
	}

	// Accept this leader going forward; redirects point clients at it.
	n.persistVoteLocked(req.Term, req.LeaderID)

	if req.Snapshot != nil {
		// Snapshot already installed at this version: nothing to do.
		return &AppendEntriesReply{Term: n.currentTerm, Success: false, SnapshotVersion: n.snapshotVersion}, true
	}
	if req.PrevLogIndex >= uint64(len(n.entries)) {
		return &AppendEntriesReply{Term: n.currentTerm, Success: false, SnapshotVersion: n.snapshotVersion}, true
	}
	if n.entries[req.PrevLogIndex].Term != req.PrevLogTerm {
		return &AppendEntriesReply{Term: n.currentTerm, Success: false, SnapshotVersion: n.snapshotVersion}, true
	}

	if len(req.Entries) > 0 {
		n.appendEntryLocked(int(req.PrevLogIndex)+1, req.Entries)
	}

	if req.LeaderCommit > n.commitIndex {
		newCommit := req.LeaderCommit
		if max := uint64(len(n.entries) - 1); newCommit > max {
			newCommit = max
		}
		n.updateCommitIndexLocked(newCommit)
	}

	return &AppendEntriesReply{Term: n.currentTerm, Success: true, SnapshotVersion: n.snapshotVersion}, true
}

// appendEntryLocked implements the Log Matching rule: truncate at start only
// if there is an actual conflict there, then append, then flush.
func (n *Node) appendEntryLocked(start int, toAppend []Entry) {
	for len(toAppend) > 0 && start < len(n.entries) {
		cur := n.entries[start]
		if cur.Term != toAppend[0].Term || !bytes.Equal(cur.Data, toAppend[0].Data) {
			break
		}
		start++
		toAppend = toAppend[1:]
	}
	if len(toAppend) > 0 && start < len(n.entries) {
		if err := n.store.TruncateFrom(start); err != nil {
			n.log.Fatal().Err(err).Msg("truncating log failed")
		}
		n.entries = n.entries[:start]
	}
	for _, e := range toAppend {
		if _, err := n.store.AppendEntry(e); err != nil {
			n.log.Fatal().Err(err).Msg("appending log entry failed")
		}
		n.entries = append(n.entries, e)
	}
}

// submitLocked appends a new entry at the end of the log on behalf of a
// client append_entry call; only ever invoked while Leader.
func (n *Node) submitLocked(data json.RawMessage) int {
	index := len(n.entries)
	n.appendEntryLocked(index, []Entry{{Term: n.currentTerm, Data: data}})
	return index
}

// updateCommitIndexLocked advances commit_index and applies the newly
// committed entries to the state machine, in index order, exactly once
// each.
func (n *Node) updateCommitIndexLocked(commit uint64) {
	prev := n.commitIndex
	n.commitIndex = commit
	if commit > prev {
		cmds := make([]json.RawMessage, 0, commit-prev)
		for i := prev + 1; i <= commit; i++ {
			cmds = append(cmds, n.entries[i].Data)
		}
		n.machine.Apply(cmds)
		n.lastApplied = commit
	}
	if err := n.store.SaveConfig(n.commitIndex, n.snapshotVersion, n.lastApplied); err != nil {
		n.log.Fatal().Err(err).Msg("persisting config failed")
	}
}

// takeSnapshotLocked asks the state machine for a fresh snapshot image and
// compacts the log down to a fresh sentinel followed by the entries after
// commit_index.
func (n *Node) takeSnapshotLocked() {
	newVersion := n.snapshotVersion + n.commitIndex
	tail := append([]Entry{}, n.entries[n.commitIndex+1:]...)
	image, err := n.machine.Snapshot()
	if err != nil {
		n.log.Error().Err(err).Msg("state machine snapshot failed")
		return
	}
	if err := n.store.TakeSnapshot(newVersion, image, tail); err != nil {
		n.log.Fatal().Err(err).Msg("writing snapshot failed")
	}
	n.entries = append([]Entry{{Term: n.currentTerm, Data: nil}}, tail...)
	n.snapshotVersion = newVersion
	n.commitIndex = 0
	n.lastApplied = 0
	n.log.Info().Uint64("snapshot_version", newVersion).Msg("snapshot installed")
}

// call issues one outbound RPC and decodes the JSON reply into out. It must
// be invoked without holding n.mu — replication calls block on the network.
func (n *Node) call(peer, service string, body any, out any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, ok := n.transport.Call(ctx, peer, service, body)
	if !ok {
		return false
	}
	if out == nil {
		return true
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false
	}
	return true
}

func randomElectionTimeout(cfg Config) time.Duration {
	lo, hi := cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
