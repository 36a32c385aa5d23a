package transport

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/quorumkv/raftkv/pkg/raft"
)

// LocalNetwork is an in-memory raft.Transport fabric for tests: every
// registered node is reachable by name, with optional partitions, message
// loss, and delay.
type LocalNetwork struct {
	mu         sync.RWMutex
	nodes      map[string]*raft.Node
	partitions map[string]map[string]bool
	dropRate   float64
	minDelay   time.Duration
	maxDelay   time.Duration
	rnd        *rand.Rand
}

// NewLocalNetwork returns an empty network with no loss or delay.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes:      make(map[string]*raft.Node),
		partitions: make(map[string]map[string]bool),
		rnd:        rand.New(rand.NewSource(1)),
	}
}

// Register makes node reachable under name.
func (n *LocalNetwork) Register(name string, node *raft.Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[name] = node
	if n.partitions[name] == nil {
		n.partitions[name] = make(map[string]bool)
	}
}

// Partition cuts name off from every other registered node, in both
// directions.
func (n *LocalNetwork) Partition(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.nodes {
		if other == name {
			continue
		}
		n.partitions[name][other] = true
		if n.partitions[other] == nil {
			n.partitions[other] = make(map[string]bool)
		}
		n.partitions[other][name] = true
	}
}

// Heal reconnects name to every other registered node.
func (n *LocalNetwork) Heal(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.nodes {
		delete(n.partitions[name], other)
		if n.partitions[other] != nil {
			delete(n.partitions[other], name)
		}
	}
}

// SetDropRate sets the fraction of messages silently dropped, in [0,1].
func (n *LocalNetwork) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDelay sets the random one-way delay range applied to every call.
func (n *LocalNetwork) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minDelay, n.maxDelay = min, max
}

func (n *LocalNetwork) isPartitioned(a, b string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.partitions[a][b]
}

func (n *LocalNetwork) delay() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.maxDelay <= n.minDelay {
		return n.minDelay
	}
	return n.minDelay + time.Duration(n.rnd.Int63n(int64(n.maxDelay-n.minDelay)))
}

func (n *LocalNetwork) shouldDrop() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rnd.Float64() < n.dropRate
}

// ForNode returns the raft.Transport view of the network as seen by from —
// every Call it makes is attributed to from for partition checks.
func (n *LocalNetwork) ForNode(from string) raft.Transport {
	return &localTransport{net: n, from: from}
}

type localTransport struct {
	net  *LocalNetwork
	from string
}

var _ raft.Transport = (*localTransport)(nil)

func (t *localTransport) Call(ctx context.Context, peer, service string, body any) (json.RawMessage, bool) {
	net := t.net
	if net.isPartitioned(t.from, peer) || net.shouldDrop() {
		return nil, false
	}

	net.mu.RLock()
	target, ok := net.nodes[peer]
	net.mu.RUnlock()
	if !ok {
		return nil, false
	}

	select {
	case <-time.After(net.delay()):
	case <-ctx.Done():
		return nil, false
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, false
	}

	var reply any
	switch service {
	case "request_vote":
		var args raft.RequestVoteArgs
		if json.Unmarshal(payload, &args) != nil {
			return nil, false
		}
		reply = target.RequestVote(&args)
	case "append_entries":
		var args raft.AppendEntriesArgs
		if json.Unmarshal(payload, &args) != nil {
			return nil, false
		}
		reply = target.AppendEntries(&args)
	case "append_entry":
		reply = target.Submit(json.RawMessage(payload))
	case "results":
		reply = target.Query(json.RawMessage(payload))
	case "snapshot":
		reply = target.TriggerSnapshot()
	default:
		return nil, false
	}

	if net.isPartitioned(t.from, peer) || net.shouldDrop() {
		return nil, false // the reply is dropped on the way back too
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		return nil, false
	}
	return raw, true
}
