// Package kv is an in-memory string-to-string state machine driven by
// committed log entries. It is the reference implementation of
// raft.StateMachine's reset/snapshot/apply/query contract; any
// deterministic command interpreter can be plugged in its place.
package kv

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quorumkv/raftkv/pkg/raft"
)

// Op names a KV command.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "del"
)

// Command is the opaque payload carried by a log entry's Data field.
type Command struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value string `json:"val,omitempty"`
}

// Query asks for the current value of a key.
type Query struct {
	Key string `json:"key"`
}

// QueryResult is the reply to a Query.
type QueryResult struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// Store is an in-memory map[string]string state machine.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ raft.StateMachine = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Reset replaces the in-memory map with the given snapshot image.
func (s *Store) Reset(snapshot json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make(map[string]string)
	if len(snapshot) > 0 {
		// Unmarshal failures leave the store empty rather than panicking —
		// a malformed snapshot is treated the same as "no snapshot".
		_ = json.Unmarshal(snapshot, &data)
	}
	s.data = data
}

// Snapshot returns a serializable image of the current map.
func (s *Store) Snapshot() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.data)
}

// Apply runs an ordered batch of committed commands.
func (s *Store) Apply(commands []json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range commands {
		if len(raw) == 0 {
			continue // the index-0 sentinel and no-op entries carry nil data
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Op {
		case OpPut:
			s.data[cmd.Key] = cmd.Value
		case OpDelete:
			delete(s.data, cmd.Key)
		}
	}
}

// Query answers a read-only lookup; it never mutates state.
func (s *Store) Query(q json.RawMessage) (json.RawMessage, error) {
	var query Query
	if err := json.Unmarshal(q, &query); err != nil {
		return nil, fmt.Errorf("kv: invalid query: %w", err)
	}
	s.mu.RLock()
	value, found := s.data[query.Key]
	s.mu.RUnlock()
	return json.Marshal(QueryResult{Value: value, Found: found})
}
