package log

import "github.com/rs/zerolog"

// Cleaner tracks per-entry liveness and marks entries eligible for
// removal. It never deletes anything itself; it flips bits that the
// Compactor later reads to decide what to rewrite.
type Cleaner struct {
	mgr *SegmentManager
	log *zerolog.Logger
}

func newCleaner(mgr *SegmentManager, logger *zerolog.Logger) *Cleaner {
	return &Cleaner{mgr: mgr, log: logger}
}

// Clean locates the segment owning index and flips its cleaner bit.
// It is idempotent and safe to call from the state machine's apply loop via
// Commit.clean().
func (c *Cleaner) Clean(index uint64) error {
	seg := c.mgr.Segment(index)
	if seg == nil {
		return ErrOutOfRange
	}
	if err := seg.MarkClean(index); err != nil {
		return err
	}
	c.log.Debug().Uint64("index", index).Uint64("segment_id", seg.ID()).Msg("entry marked clean")
	return nil
}

// EligibleForMinor reports whether seg's clean ratio has crossed the
// compaction threshold and it carries no live tombstones.
func (c *Cleaner) EligibleForMinor(seg *Segment, threshold float64, kindOf func(relOffset uint32) (EntryKind, bool)) bool {
	if !seg.Sealed() {
		return false
	}
	if seg.cleanRatio() < threshold {
		return false
	}
	return !seg.hasLiveTombstone(kindOf)
}
