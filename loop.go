package zadacha

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// MustStopProcessing asks the running batch to stop between members so a
// freshly enqueued cancelation gets its turn. The loop resets the flag
// after every batch.
type MustStopProcessing struct {
	flag atomic.Bool
}

func (m *MustStopProcessing) Get() bool { return m.flag.Load() }
func (m *MustStopProcessing) MustStop() { m.flag.Store(true) }
func (m *MustStopProcessing) Reset()    { m.flag.Store(false) }

// Breakpoint identifies a loop position tests synchronize on. The loop
// only reports breakpoints when a channel was installed, and then blocks
// until the test receives, which is what makes stepping deterministic.
type Breakpoint byte

const (
	BreakpointLoopStarted Breakpoint = iota
	BreakpointBatchCreated
	BreakpointBatchProcessed
	BreakpointQueueDrained
)

func (s *Scheduler) breakpoint(b Breakpoint) {
	if s.breakpoints != nil {
		s.breakpoints <- b
	}
}

type failurePoint byte

const (
	pointInsideBatch failurePoint = iota
	pointBeforeCommit
)

type plannedFailure struct {
	iteration uint64
	point     failurePoint
}

var errPlannedFailure = errors.New("zadacha: planned failure")

// plannedFailure fires a pre-installed failure for the current iteration,
// once. Without installed failures this is a nil map lookup skipped early.
func (s *Scheduler) plannedFailure(point failurePoint) error {
	if len(s.plannedFailures) == 0 {
		return nil
	}
	key := plannedFailure{iteration: s.iteration.Load(), point: point}
	if _, ok := s.plannedFailures[key]; ok {
		delete(s.plannedFailures, key)
		return errPlannedFailure
	}
	return nil
}

// Run drives the loop until the context is canceled. Exactly one Run per
// scheduler: it is the single writer for task state transitions. A non-nil
// return means storage failed and the process should come down.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.CleanupEnabled {
		c := cron.New()
		if _, err := c.AddFunc(s.opts.CleanupSchedule, func() { s.cleanupTaskQueue(ctx) }); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	s.log.InfoCtx(ctx, "scheduler loop running")
	s.breakpoint(BreakpointLoopStarted)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wakeUp:
		}
		for ctx.Err() == nil {
			processed, err := s.tick(ctx)
			if err != nil {
				s.log.ErrorCtx(ctx, "scheduler loop stopped on a storage error", "err", err)
				return err
			}
			if !processed {
				s.breakpoint(BreakpointQueueDrained)
				break
			}
		}
	}
}

// tick selects and processes one batch, reporting whether there was one.
func (s *Scheduler) tick(ctx context.Context) (bool, error) {
	snap := s.store.Snapshot()
	b, err := s.createNextBatch(snap)
	snap.Close()
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}

	s.iteration.Add(1)
	SchedulerTicks.Inc()
	s.breakpoint(BreakpointBatchCreated)
	if err := s.processBatch(ctx, b); err != nil {
		return false, err
	}
	s.breakpoint(BreakpointBatchProcessed)
	return true, nil
}
