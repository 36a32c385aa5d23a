package raft

import (
	"encoding/json"
	"sync"
	"time"
)

// followerRole is the quiescent role: it only reacts to RPCs and to its own
// election timer. Inbound traffic refreshes lastMessage; the timer chain
// compares elapsed-since-lastMessage against the timeout on every wake-up
// instead of being rearmed per message, so there is exactly one pending
// timer per follower incarnation.
type followerRole struct {
	n           *Node
	timeout     time.Duration
	lastMessage time.Time
}

func newFollower(n *Node) *followerRole {
	f := &followerRole{n: n, timeout: randomElectionTimeout(n.cfg), lastMessage: time.Now()}
	f.scheduleTimeout(f.timeout)
	return f
}

// scheduleTimeout arms the election timer d from now. The closure compares
// n.current against f by identity so a stale timer from a role this node
// has since left is a harmless no-op; a live one either starts an election
// or re-arms for the remainder of the window.
func (f *followerRole) scheduleTimeout(d time.Duration) {
	n := f.n
	n.sched.Schedule(d, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.current != role(f) {
			return
		}
		elapsed := time.Since(f.lastMessage)
		if elapsed >= f.timeout {
			n.asCandidateLocked()
			return
		}
		f.scheduleTimeout(f.timeout - elapsed)
	})
}

func (f *followerRole) AppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	f.lastMessage = time.Now()
	reply, _ := f.n.appendEntriesLocked(args)
	return reply
}

func (f *followerRole) RequestVote(args *RequestVoteArgs) *RequestVoteReply {
	f.lastMessage = time.Now()
	return f.n.grantVoteLocked(args)
}

func (f *followerRole) AppendEntry(json.RawMessage) *AppendEntryReply {
	return &AppendEntryReply{Success: false, Redirect: f.n.votedFor}
}

func (f *followerRole) Results(json.RawMessage) *ResultsReply {
	return &ResultsReply{Success: false, Redirect: f.n.votedFor}
}

func (f *followerRole) Snapshot() *SnapshotReply {
	return &SnapshotReply{Success: false, Redirect: f.n.votedFor}
}

// candidateRole runs a single election attempt: persist a vote for self,
// request votes from every peer in parallel, and become Leader on a
// majority or Follower on a higher term observed along the way.
type candidateRole struct {
	n     *Node
	votes int
}

func newCandidate(n *Node) *candidateRole {
	c := &candidateRole{n: n}
	n.persistVoteLocked(n.currentTerm+1, n.cfg.Name)
	c.votes = 1 // votes for itself
	c.armElectionTimer()

	term := n.currentTerm
	lastLogIndex := n.lastLogIndexLocked()
	lastLogTerm := n.lastLogTermLocked()
	snapshotVersion := n.snapshotVersion

	for _, peer := range n.cfg.Peers {
		if peer == n.cfg.Name {
			continue
		}
		peer := peer
		go func() {
			reply := &RequestVoteReply{}
			ok := n.call(peer, "request_vote", &RequestVoteArgs{
				Term:            term,
				CandidateID:     n.cfg.Name,
				LastLogIndex:    lastLogIndex,
				LastLogTerm:     lastLogTerm,
				SnapshotVersion: snapshotVersion,
			}, reply)

			n.mu.Lock()
			defer n.mu.Unlock()
			if n.current != role(c) || n.currentTerm != term {
				return
			}
			if !ok {
				return
			}
			if reply.Term > n.currentTerm {
				n.observeTermLocked(reply.Term)
				return
			}
			if reply.VoteGranted {
				c.votes++
				if c.votes*2 > len(n.cfg.Peers) {
					n.asLeaderLocked()
				}
			}
		}()
	}

	return c
}

func (c *candidateRole) armElectionTimer() {
	n := c.n
	n.sched.Schedule(randomElectionTimeout(n.cfg), func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.current != role(c) {
			return
		}
		n.asCandidateLocked() // split vote: start a fresh election
	})
}

func (c *candidateRole) AppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n := c.n
	reply, accepted := n.appendEntriesLocked(args)
	if accepted && n.current == role(c) {
		// A legitimate leader exists for this (or a later) term: stand down.
		n.asFollowerLocked()
	}
	return reply
}

func (c *candidateRole) RequestVote(args *RequestVoteArgs) *RequestVoteReply {
	return c.n.grantVoteLocked(args)
}

func (c *candidateRole) AppendEntry(json.RawMessage) *AppendEntryReply {
	return &AppendEntryReply{Success: false}
}

func (c *candidateRole) Results(json.RawMessage) *ResultsReply {
	return &ResultsReply{Success: false}
}

func (c *candidateRole) Snapshot() *SnapshotReply {
	return &SnapshotReply{Success: false}
}

// replicaState is a leader's private view of one follower's progress.
// Touched only while n.mu is held, same as every other role method — the
// leader's heartbeat and a client Submit can both mutate it, so it lives
// behind the same lock rather than a separate one. snapshotIndex is the
// last snapshot_version this peer is known to have acknowledged; it, not
// nextIndex, decides whether a pass needs to resend a snapshot to this peer.
type replicaState struct {
	nextIndex     uint64
	matchIndex    uint64
	snapshotIndex uint64
}

// leaderRole drives periodic heartbeats/replication and answers client
// traffic. Commit advancement follows the majority-match-index rule, with
// the current-term restriction on direct commits.
type leaderRole struct {
	n     *Node
	peers map[string]*replicaState
}

func newLeader(n *Node) *leaderRole {
	l := &leaderRole{n: n, peers: make(map[string]*replicaState)}
	lastIndex := n.lastLogIndexLocked()
	for _, peer := range n.cfg.Peers {
		if peer == n.cfg.Name {
			continue
		}
		l.peers[peer] = &replicaState{nextIndex: lastIndex + 1, matchIndex: 0, snapshotIndex: n.snapshotVersion}
	}
	l.scheduleHeartbeat()
	l.scheduleHousekeeping()
	return l
}

func (l *leaderRole) scheduleHeartbeat() {
	n := l.n
	n.sched.Schedule(n.cfg.HeartbeatInterval, func() {
		n.mu.Lock()
		if n.current != role(l) {
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		l.replicateAll()

		n.mu.Lock()
		stillLeader := n.current == role(l)
		n.mu.Unlock()
		if stillLeader {
			l.scheduleHeartbeat()
		}
	})
}

func (l *leaderRole) scheduleHousekeeping() {
	n := l.n
	n.sched.Schedule(n.cfg.HousekeepingInterval, func() {
		n.mu.Lock()
		if n.current != role(l) {
			n.mu.Unlock()
			return
		}
		if n.commitIndex >= n.cfg.SnapshotThreshold {
			n.takeSnapshotLocked()
		}
		n.mu.Unlock()
		l.scheduleHousekeeping()
	})
}

// replicateAll sends one append_entries RPC to every peer, fire-and-forget.
// It must not be called while holding n.mu: the network calls block. Used
// by the heartbeat timer, which has nothing to wait on.
func (l *leaderRole) replicateAll() {
	for peer := range l.peers {
		peer := peer
		go l.replicateOne(peer)
	}
}

// replicatePassSync runs one replication pass and blocks until every peer
// has replied or failed, so the caller can inspect commit_index immediately
// afterward. Must not be called while holding n.mu.
func (l *leaderRole) replicatePassSync() {
	var wg sync.WaitGroup
	for peer := range l.peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.replicateOne(peer)
		}()
	}
	wg.Wait()
}

func (l *leaderRole) replicateOne(peer string) {
	n := l.n

	n.mu.Lock()
	if n.current != role(l) {
		n.mu.Unlock()
		return
	}
	st := l.peers[peer]
	term := n.currentTerm
	commitIndex := n.commitIndex
	snapshotVersion := n.snapshotVersion

	var args *AppendEntriesArgs
	if st.snapshotIndex != n.snapshotVersion {
		// This peer hasn't acknowledged our current snapshot cursor: it can
		// only catch up by installing the snapshot wholesale. Reset its
		// progress now — the install is sent optimistically regardless of
		// what the reply turns out to be.
		snap, err := n.machine.Snapshot()
		if err != nil {
			n.mu.Unlock()
			return
		}
		st.nextIndex = uint64(len(n.entries))
		st.matchIndex = 0
		args = &AppendEntriesArgs{Term: term, LeaderID: n.cfg.Name, Snapshot: snap, SnapshotVersion: snapshotVersion}
	} else {
		prevIndex := st.nextIndex - 1
		if prevIndex >= uint64(len(n.entries)) {
			n.mu.Unlock()
			return
		}
		entries := append([]Entry{}, n.entries[st.nextIndex:]...)
		args = &AppendEntriesArgs{
			Term:            term,
			LeaderID:        n.cfg.Name,
			PrevLogIndex:    prevIndex,
			PrevLogTerm:     n.entries[prevIndex].Term,
			Entries:         entries,
			LeaderCommit:    commitIndex,
			SnapshotVersion: snapshotVersion,
		}
	}
	n.mu.Unlock()

	reply := &AppendEntriesReply{}
	ok := n.call(peer, "append_entries", args, reply)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current != role(l) || n.currentTerm != term {
		return
	}
	if !ok {
		// No reply at all: back the prefix off one entry and let the next
		// pass retry from there.
		if args.Snapshot == nil && st.nextIndex > 1 {
			st.nextIndex--
		}
		return
	}
	if reply.Term > n.currentTerm {
		n.observeTermLocked(reply.Term)
		return
	}
	st.snapshotIndex = reply.SnapshotVersion
	if reply.Success {
		if len(args.Entries) > 0 {
			st.matchIndex = args.PrevLogIndex + uint64(len(args.Entries))
			st.nextIndex = st.matchIndex + 1
		}
		l.advanceCommitIndexLocked()
		return
	}
	if args.Snapshot != nil {
		// The install itself isn't a log-matching failure; next/match were
		// already reset when we decided to send it, and the peer's own
		// reply.SnapshotVersion just got recorded above. Nothing else to
		// back off — the next pass re-evaluates from the fresh cursor.
		return
	}
	if reply.SnapshotVersion > snapshotVersion {
		// Peer is somehow ahead; nothing useful to do until we hear from it
		// again on a future heartbeat.
		return
	}
	if st.nextIndex > 1 {
		st.nextIndex--
	}
}

// advanceCommitIndexLocked advances commit_index to N if a majority of
// match_index values (including the leader's own, which is always
// len(entries)-1) are >= N and entries[N].term == current_term.
func (l *leaderRole) advanceCommitIndexLocked() {
	n := l.n
	for N := uint64(len(n.entries) - 1); N > n.commitIndex; N-- {
		if n.entries[N].Term != n.currentTerm {
			continue
		}
		count := 1
		for _, st := range l.peers {
			if st.matchIndex >= N {
				count++
			}
		}
		if count*2 > len(n.cfg.Peers) {
			n.updateCommitIndexLocked(N)
			return
		}
	}
}

func (l *leaderRole) AppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n := l.n
	reply, accepted := n.appendEntriesLocked(args)
	if accepted && n.current == role(l) {
		// Another node proved it is the legitimate leader for this term.
		n.asFollowerLocked()
	}
	return reply
}

func (l *leaderRole) RequestVote(args *RequestVoteArgs) *RequestVoteReply {
	return l.n.grantVoteLocked(args)
}

// AppendEntry implements the client-submission rule: the
// entry is appended, one replication pass is run, and the reply reflects
// whether that pass alone carried commit_index past the new entry. It
// releases n.mu for the pass (the network calls block) and reacquires it
// before returning; Node.Submit does not use a bare defer for this reason.
func (l *leaderRole) AppendEntry(cmd json.RawMessage) *AppendEntryReply {
	n := l.n
	index := n.submitLocked(cmd)
	// A single-node cluster (or a leader that already has the new entry
	// acknowledged by nobody else yet) can satisfy majority on self alone;
	// check before the network round-trip so that case commits immediately.
	l.advanceCommitIndexLocked()

	n.mu.Unlock()
	l.replicatePassSync()
	n.mu.Lock()

	if n.current != role(l) {
		return &AppendEntryReply{Success: false, ID: uint64(index), Redirect: n.votedFor}
	}
	return &AppendEntryReply{Success: n.commitIndex >= uint64(index), ID: uint64(index)}
}

func (l *leaderRole) Results(q json.RawMessage) *ResultsReply {
	n := l.n
	data, err := n.machine.Query(q)
	if err != nil {
		return &ResultsReply{Success: false}
	}
	return &ResultsReply{Success: true, Data: data}
}

func (l *leaderRole) Snapshot() *SnapshotReply {
	l.n.takeSnapshotLocked()
	return &SnapshotReply{Success: true}
}
