// Package raftapi defines the narrow surfaces the Raft protocol layer and
// the consuming state machine need from a log.Log, so those collaborators
// can be built against a stable interface instead of the concrete storage
// package.
package raftapi

import (
	"github.com/ttaaoo/raftlogd/internal/log"
)

// StateMachine is driven by the Raft protocol layer once an entry commits:
// it receives exclusive ownership of the Commit and must terminate it with
// exactly one of Close or Clean.
type StateMachine interface {
	Apply(commit *log.Commit) error
}

// RaftFacade is everything the Raft protocol layer needs from the log: a
// single append path, random-access reads, suffix truncation for conflicting
// entries, and the index bounds it reports in AppendEntries/InstallSnapshot
// exchanges.
type RaftFacade interface {
	Append(e log.Entry) (uint64, error)
	Get(index uint64) (log.Entry, bool, error)
	Truncate(index uint64) error
	FirstIndex() uint64
	LastIndex() uint64
	Flush() error
	MakeCommit(index uint64, sessionID string) (*log.Commit, error)
	Iterator(from uint64) *log.Iterator
}

var _ RaftFacade = (*log.Log)(nil)
