package log

import (
	"runtime"
	"sync/atomic"
	"time"
)

// CommitState is the lifecycle state of a Commit handle.
type CommitState int32

const (
	CommitOpen CommitState = iota
	CommitClosed
	CommitCleaned
)

// Commit is a reference-counted view of an applied entry passed to the
// state machine. The Log constructs it and transfers exclusive
// access to the state machine, which must terminate it with exactly one of
// Close or Clean.
type Commit struct {
	state     int32 // atomic CommitState
	index     uint64
	term      uint64
	at        time.Time
	sessionID string
	entry     Entry

	cleaner *Cleaner
	metrics *Metrics
}

func newCommit(e Entry, at time.Time, sessionID string, cleaner *Cleaner, metrics *Metrics) *Commit {
	c := &Commit{
		state: int32(CommitOpen), index: e.Index, term: e.Term,
		at: at, sessionID: sessionID, entry: e,
		cleaner: cleaner, metrics: metrics,
	}
	runtime.SetFinalizer(c, leakedCommit)
	return c
}

// leakedCommit runs if a Commit is garbage-collected while still Open: the
// state machine never called close() or clean(). This is reported as a
// detectable leak, not silently ignored.
func leakedCommit(c *Commit) {
	if CommitState(atomic.LoadInt32(&c.state)) == CommitOpen {
		if c.metrics != nil {
			c.metrics.commitLeaks.Inc()
		}
		if c.cleaner != nil && c.cleaner.log != nil {
			c.cleaner.log.Warn().Uint64("index", c.index).Msg("commit handle leaked without close or clean")
		}
	}
}

func (c *Commit) checkOpen() error {
	if CommitState(atomic.LoadInt32(&c.state)) != CommitOpen {
		return ErrInvalidState
	}
	return nil
}

func (c *Commit) Index() (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.index, nil
}

func (c *Commit) Term() (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.term, nil
}

func (c *Commit) Time() (time.Time, error) {
	if err := c.checkOpen(); err != nil {
		return time.Time{}, err
	}
	return c.at, nil
}

func (c *Commit) Session() (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	return c.sessionID, nil
}

func (c *Commit) Operation() (Entry, error) {
	if err := c.checkOpen(); err != nil {
		return Entry{}, err
	}
	return c.entry, nil
}

// Close terminates the handle leaving the entry live: the typical outcome
// for reads, or commands whose effects depend on a later compaction.
func (c *Commit) Close() error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(CommitOpen), int32(CommitClosed)) {
		return ErrInvalidState
	}
	runtime.SetFinalizer(c, nil)
	return nil
}

// Clean terminates the handle and marks the entry eligible for removal: it
// calls the Cleaner with this index, then closes. If the Cleaner fails
// (e.g. the entry's window has already moved past it), the handle stays
// Open so the caller can retry or fall back to Close.
func (c *Commit) Clean() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.cleaner != nil {
		if err := c.cleaner.Clean(c.index); err != nil {
			return err
		}
	}
	if !atomic.CompareAndSwapInt32(&c.state, int32(CommitOpen), int32(CommitCleaned)) {
		return ErrInvalidState
	}
	runtime.SetFinalizer(c, nil)
	return nil
}

func (c *Commit) State() CommitState {
	return CommitState(atomic.LoadInt32(&c.state))
}
