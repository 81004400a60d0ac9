package log

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Compactor runs the two compaction pipelines: minor compaction rewrites
// a single sealed, tombstone-free segment once its clean ratio crosses
// the configured threshold; major compaction periodically sweeps every
// sealed segment, including ones minor compaction can never touch because
// they still carry a live tombstone.
type Compactor struct {
	mgr     *SegmentManager
	cleaner *Cleaner
	cfg     Config
	log     *zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	majorMu      sync.Mutex
	majorRunning bool
}

func newCompactor(mgr *SegmentManager, cleaner *Cleaner, cfg Config) *Compactor {
	return &Compactor{mgr: mgr, cleaner: cleaner, cfg: cfg, log: cfg.Logger, stopCh: make(chan struct{})}
}

// Start launches the minor and major compaction timers as background
// goroutines. It is not idempotent: each call starts another pair of loops.
func (c *Compactor) Start() {
	c.wg.Add(2)
	go c.loop(c.cfg.MinorInterval, c.RunMinorOnce)
	go c.loop(c.cfg.MajorInterval, c.RunMajorOnce)
}

func (c *Compactor) loop(interval time.Duration, run func() error) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if err := run(); err != nil {
				c.log.Warn().Err(err).Msg("compaction pass failed")
			}
		}
	}
}

// Stop signals both loops to exit and waits for them to reach a boundary
// (a pass in flight finishes its current segment before the loop observes
// the stop signal).
func (c *Compactor) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// kindOf decodes the entry kind stored at relOffset in seg, used to decide
// tombstone-carrying status without the cleaner bitset tracking kinds
// itself.
func (c *Compactor) kindOf(seg *Segment) func(relOffset uint32) (EntryKind, bool) {
	return func(relOffset uint32) (EntryKind, bool) {
		e, ok, err := seg.Get(seg.FirstIndex() + uint64(relOffset))
		if err != nil || !ok {
			return 0, false
		}
		return e.Kind, true
	}
}

// eligibleSegments returns sealed, non-tail segments sorted oldest first:
// the lowest segment id is compacted before anything younger.
func (c *Compactor) eligibleSegments(requireMinorEligible bool) []*Segment {
	all := c.mgr.Segments()
	tail := c.mgr.LastSegment()

	var out []*Segment
	for _, seg := range all {
		if seg == tail || !seg.Sealed() {
			continue
		}
		if requireMinorEligible && !c.cleaner.EligibleForMinor(seg, c.cfg.CompactionThreshold, c.kindOf(seg)) {
			continue
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RunMinorOnce compacts every currently-eligible segment once, bounded by
// cfg.CompactionThreads workers, skipping any segment a running major pass
// already owns: a running major pass suppresses minors outright.
func (c *Compactor) RunMinorOnce() error {
	segs := c.eligibleSegments(true)
	if len(segs) == 0 {
		return nil
	}

	c.majorMu.Lock()
	majorBusy := c.majorRunning
	c.majorMu.Unlock()
	if majorBusy {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.CompactionThreads)
	for _, seg := range segs {
		seg := seg
		g.Go(func() error {
			ok, err := c.compactSegment(seg, false)
			if err != nil {
				c.cfg.Metric.minorCompactions.WithLabelValues("error").Inc()
				return err
			}
			if ok {
				c.cfg.Metric.minorCompactions.WithLabelValues("ok").Inc()
			} else {
				c.cfg.Metric.minorCompactions.WithLabelValues("skipped").Inc()
			}
			return nil
		})
	}
	err := g.Wait()
	c.updateLiveRatio()
	return err
}

// RunMajorOnce sweeps every sealed, non-tail segment, including ones that
// still carry a live tombstone. It marks the pass as in progress so
// concurrent minor passes back off, rather than racing to rewrite the same
// segment twice.
func (c *Compactor) RunMajorOnce() error {
	c.majorMu.Lock()
	c.majorRunning = true
	c.majorMu.Unlock()
	defer func() {
		c.majorMu.Lock()
		c.majorRunning = false
		c.majorMu.Unlock()
	}()

	segs := c.eligibleSegments(false)
	if len(segs) == 0 {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.CompactionThreads)
	for _, seg := range segs {
		seg := seg
		g.Go(func() error {
			ok, err := c.compactSegment(seg, true)
			if err != nil {
				c.cfg.Metric.majorCompactions.WithLabelValues("error").Inc()
				return err
			}
			if ok {
				c.cfg.Metric.majorCompactions.WithLabelValues("ok").Inc()
			} else {
				c.cfg.Metric.majorCompactions.WithLabelValues("skipped").Inc()
			}
			return nil
		})
	}
	err := g.Wait()
	c.updateLiveRatio()
	return err
}

// compactSegment rewrites seg into a fresh version carrying only the entries
// the pass is allowed to keep, replacing it atomically in the manager.
// A minor pass (dropTombstones=false) drops cleaned entries but carries
// cleaned tombstone-carrying entries forward, with their clean bits, so a
// later major pass can reclaim them together with what they invalidate;
// minor never removes a tombstone. A major pass drops every
// cleaned entry, tombstones included. ok=false means the segment had
// nothing to drop and was left untouched.
func (c *Compactor) compactSegment(seg *Segment, dropTombstones bool) (ok bool, err error) {
	select {
	case <-c.stopCh:
		return false, nil // stopping: leave the remaining segments for later
	default:
	}
	count := seg.EntryCount()
	type kept struct {
		rel   uint32
		clean bool
	}
	keep := make([]kept, 0, count)
	dropped := 0
	for i := uint32(0); i < count; i++ {
		if !seg.clean.IsClean(i) {
			keep = append(keep, kept{rel: i})
			continue
		}
		if !dropTombstones {
			if kind, known := c.kindOf(seg)(i); known && kind.isTombstoneCarrying() {
				keep = append(keep, kept{rel: i, clean: true})
				continue
			}
		}
		dropped++
	}
	if dropped == 0 {
		return false, nil // nothing to reclaim
	}

	// Stage the rewrite under .tmp names; it becomes visible only after the
	// rename below. A crash before then leaves the old segment untouched
	// and the startup sweep discards the stage. An earlier failed pass may
	// have left its stage behind; clear it so O_EXCL creation succeeds.
	logPath, idxPath, cleanPath := segmentPaths(seg.dir, seg.name, seg.id, seg.version+1)
	os.Remove(logPath + ".tmp")
	os.Remove(idxPath + ".tmp")
	os.Remove(cleanPath + ".tmp")
	staged, err := createStagedSegment(seg.dir, seg.name, seg.id, seg.version+1, seg.firstIndex, c.cfg)
	if err != nil {
		return false, err
	}
	discard := func() {
		staged.Remove()
	}
	for _, k := range keep {
		e, got, rerr := seg.Get(seg.firstIndex + uint64(k.rel))
		if rerr != nil {
			discard()
			return false, rerr
		}
		if !got {
			continue // already a hole in the source
		}
		if err := staged.writeCompacted(k.rel, e); err != nil {
			discard()
			return false, err
		}
		if k.clean {
			if err := staged.clean.Mark(k.rel); err != nil {
				discard()
				return false, err
			}
		}
	}
	// The rewrite keeps the source's span even when every record was
	// dropped: the segment still covers the same index interval.
	staged.entryCount = count
	staged.clean.Grow(count)
	if err := staged.finalizeCompacted(); err != nil {
		discard()
		return false, err
	}
	if err := staged.Close(); err != nil {
		return false, err
	}
	if err := promoteStaged(seg.dir, seg.name, seg.id, seg.version+1); err != nil {
		return false, err
	}

	replacement, err := openSegment(seg.dir, seg.name, seg.id, seg.version+1, false)
	if err != nil {
		return false, err
	}
	if _, err := c.mgr.Replace(seg.ID(), seg.ID(), replacement); err != nil {
		replacement.Remove()
		return false, err
	}
	if err := seg.Remove(); err != nil {
		c.log.Warn().Err(err).Uint64("segment_id", seg.ID()).Msg("failed to remove superseded segment files")
	}
	c.log.Info().Uint64("segment_id", seg.ID()).Uint32("version", seg.version+1).
		Int("kept", len(keep)).Int("dropped", dropped).Msg("segment compacted")
	return true, nil
}

func (c *Compactor) updateLiveRatio() {
	segs := c.mgr.Segments()
	var total, live uint32
	for _, seg := range segs {
		total += seg.PresentCount()
		live += seg.LiveCount()
	}
	if total == 0 {
		c.cfg.Metric.liveRatio.Set(1)
		return
	}
	c.cfg.Metric.liveRatio.Set(float64(live) / float64(total))
}
