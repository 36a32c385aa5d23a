// Package store implements the crash-safe, newline-delimited-JSON
// persistent substrate for a raft node: three files per node,
// <base>.log / <base>.conf / <base>.snapshot, each shadowed by a ".tmp"
// counterpart during updates. The ".log.tmp" file's presence on disk is
// the single commit point of a snapshot install; recovery on open either
// promotes all three tmp files or discards the orphans.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/quorumkv/raftkv/pkg/raft"
)

const (
	logSuffix      = ".log"
	confSuffix     = ".conf"
	snapshotSuffix = ".snapshot"
	tmpSuffix      = ".tmp"
)

type confLine struct {
	CommitIndex     uint64 `json:"commit_index"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	LastApplied     uint64 `json:"last_applied"`
	CurrentTerm     uint64 `json:"current_term"`
	VotedFor        string `json:"voted_for"`
}

var _ raft.PersistentStore = (*Store)(nil)

// Store is the exclusive owner of one node's on-disk state. A Store must
// not be shared between nodes.
type Store struct {
	mu      sync.Mutex
	base    string
	logFile *os.File
	offsets []int64 // offsets[i] is the byte offset entry i starts at

	commitIndex     uint64
	snapshotVersion uint64
	lastApplied     uint64
	currentTerm     uint64
	votedFor        string
}

// Open recovers <base>.{log,conf,snapshot} per the atomic-swap rule and
// returns a ready Store. Any I/O failure here is fatal to the node; the
// caller is expected to propagate it and exit.
func Open(base string) (*Store, error) {
	if err := fixBackups(base); err != nil {
		return nil, fmt.Errorf("store: recovering %s: %w", base, err)
	}

	s := &Store{base: base}

	f, err := os.OpenFile(base+logSuffix, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: opening log: %w", err)
	}
	s.logFile = f

	if err := s.loadConf(); err != nil {
		return nil, fmt.Errorf("store: loading conf: %w", err)
	}

	return s, nil
}

// fixBackups implements the recovery rule: ".log.tmp" presence is the
// commit point of a snapshot install. If it exists, the install is taken
// as intended and all three tmp files are promoted, conf and snapshot
// first; otherwise any orphan conf/snapshot tmps are discarded.
func fixBackups(base string) error {
	logTmp := base + logSuffix + tmpSuffix
	if _, err := os.Stat(logTmp); err == nil {
		if err := promote(base + confSuffix); err != nil {
			return err
		}
		if err := promote(base + snapshotSuffix); err != nil {
			return err
		}
		return promote(base + logSuffix)
	} else if !os.IsNotExist(err) {
		return err
	}

	for _, suffix := range []string{confSuffix, snapshotSuffix} {
		tmp := base + suffix + tmpSuffix
		if _, err := os.Stat(tmp); err == nil {
			if err := os.Remove(tmp); err != nil {
				return err
			}
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// promote swaps src+".tmp" onto src: remove src if present, rename the
// tmp file onto it. A missing tmp file is not an error —
// only the .log.tmp file is guaranteed to exist in every recovery path.
func promote(path string) error {
	tmp := path + tmpSuffix
	if _, err := os.Stat(tmp); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) loadConf() error {
	data, err := os.ReadFile(s.base + confSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var c confLine
	if err := json.Unmarshal(firstLine(data), &c); err != nil {
		return err
	}
	s.commitIndex = c.CommitIndex
	s.snapshotVersion = c.SnapshotVersion
	s.lastApplied = c.LastApplied
	s.currentTerm = c.CurrentTerm
	s.votedFor = c.VotedFor
	return nil
}

func firstLine(data []byte) []byte {
	for i, b := range data {
		if b == '\n' {
			return data[:i]
		}
	}
	return data
}

// Load reads back the full recovered state: conf, log entries, and snapshot
// (if one exists). If the log is empty, the in-memory log is the sentinel
// entry {term: current_term, data: nil}.
func (s *Store) Load() (raft.RecoveredState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, offsets, err := readEntries(s.logFile)
	if err != nil {
		return raft.RecoveredState{}, err
	}
	s.offsets = offsets

	if len(entries) == 0 {
		entries = []raft.Entry{{Term: s.currentTerm, Data: nil}}
		if _, err := s.logFile.Seek(0, 2); err != nil {
			return raft.RecoveredState{}, err
		}
		off, err := s.writeEntryLocked(entries[0])
		if err != nil {
			return raft.RecoveredState{}, err
		}
		s.offsets = []int64{off}
	}

	snapshot, err := os.ReadFile(s.base + snapshotSuffix)
	var snapRaw json.RawMessage
	if err == nil && len(snapshot) > 0 {
		snapRaw = json.RawMessage(firstLine(snapshot))
	} else if err != nil && !os.IsNotExist(err) {
		return raft.RecoveredState{}, err
	}

	return raft.RecoveredState{
		CurrentTerm:     s.currentTerm,
		VotedFor:        s.votedFor,
		Entries:         entries,
		CommitIndex:     s.commitIndex,
		LastApplied:     s.lastApplied,
		SnapshotVersion: s.snapshotVersion,
		Snapshot:        snapRaw,
	}, nil
}

func readEntries(f *os.File) ([]raft.Entry, []int64, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, nil, err
	}
	var entries []raft.Entry
	var offsets []int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		offsets = append(offsets, offset)
		offset += int64(len(line)) + 1
		var e raft.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, nil, fmt.Errorf("store: corrupt log line: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if _, err := f.Seek(0, 2); err != nil {
		return nil, nil, err
	}
	return entries, offsets, nil
}

// AppendEntry durably writes one entry at the end of the log and returns
// the byte offset it was written at.
func (s *Store) AppendEntry(entry raft.Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, err := s.writeEntryLocked(entry)
	if err != nil {
		return 0, err
	}
	s.offsets = append(s.offsets, off)
	return off, nil
}

func (s *Store) writeEntryLocked(entry raft.Entry) (int64, error) {
	off, err := s.logFile.Seek(0, 2)
	if err != nil {
		return 0, err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')
	if _, err := s.logFile.Write(line); err != nil {
		return 0, err
	}
	if err := s.logFile.Sync(); err != nil {
		return 0, err
	}
	return off, nil
}

// TruncateFrom rewinds the log file to the offset entry[index] started at,
// discarding index and everything after it.
func (s *Store) TruncateFrom(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= len(s.offsets) {
		return nil
	}
	off := s.offsets[index]
	if err := s.logFile.Truncate(off); err != nil {
		return err
	}
	s.offsets = s.offsets[:index]
	return nil
}

// SaveVote persists current_term/voted_for. voted_for must survive restart
// (a term grants at most one vote); it is stored alongside current_term in
// the conf file.
func (s *Store) SaveVote(term uint64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm = term
	s.votedFor = votedFor
	return s.saveConfLocked()
}

// SaveConfig persists commit_index/snapshot_version/last_applied.
func (s *Store) SaveConfig(commitIndex, snapshotVersion, lastApplied uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitIndex = commitIndex
	s.snapshotVersion = snapshotVersion
	s.lastApplied = lastApplied
	return s.saveConfLocked()
}

func (s *Store) saveConfLocked() error {
	line, err := json.Marshal(confLine{
		CommitIndex:     s.commitIndex,
		SnapshotVersion: s.snapshotVersion,
		LastApplied:     s.lastApplied,
		CurrentTerm:     s.currentTerm,
		VotedFor:        s.votedFor,
	})
	if err != nil {
		return err
	}
	return atomicWriteFile(s.base+confSuffix, append(line, '\n'))
}

// TakeSnapshot writes the three .tmp files, then atomically swaps
// snapshot, conf, then log — in that order, so ".log.tmp" existing on disk
// is always the last thing written and therefore the correct commit-point
// marker for recovery. The new log file holds the sentinel entry
// {term: current_term, data: nil} at index 0, followed by tail.
func (s *Store) TakeSnapshot(snapshotVersion uint64, snapshot json.RawMessage, tail []raft.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.base+snapshotSuffix+tmpSuffix, append(append([]byte{}, snapshot...), '\n'), 0o644); err != nil {
		return err
	}

	confBytes, err := json.Marshal(confLine{
		SnapshotVersion: snapshotVersion,
		CommitIndex:     0,
		LastApplied:     0,
		CurrentTerm:     s.currentTerm,
		VotedFor:        s.votedFor,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.base+confSuffix+tmpSuffix, append(confBytes, '\n'), 0o644); err != nil {
		return err
	}

	var buf []byte
	offsets := make([]int64, 0, len(tail)+1)
	var off int64
	for _, e := range append([]raft.Entry{{Term: s.currentTerm, Data: nil}}, tail...) {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		offsets = append(offsets, off)
		off += int64(len(line))
		buf = append(buf, line...)
	}
	if err := os.WriteFile(s.base+logSuffix+tmpSuffix, buf, 0o644); err != nil {
		return err
	}

	if err := promote(s.base + snapshotSuffix); err != nil {
		return err
	}
	if err := promote(s.base + confSuffix); err != nil {
		return err
	}
	if err := s.logFile.Close(); err != nil {
		return err
	}
	if err := promote(s.base + logSuffix); err != nil {
		return err
	}
	f, err := os.OpenFile(s.base+logSuffix, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	s.logFile = f
	s.offsets = offsets
	s.commitIndex = 0
	s.lastApplied = 0
	s.snapshotVersion = snapshotVersion

	return nil
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return promote(path)
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logFile.Close()
}
