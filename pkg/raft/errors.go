package raft

import "errors"

var (
	ErrNotLeader   = errors.New("raft: not the leader")
	ErrNodeStopped = errors.New("raft: node has been stopped")
)
