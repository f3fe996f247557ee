package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Scheduler watches session alarms and ticks each due session, running at
// most a fixed number of sessions at once.
type Scheduler struct {
	engine *Engine
	sweep  time.Duration
	sem    *semaphore.Weighted
	logger *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewScheduler(e *Engine, sweep time.Duration, maxConcurrent int) *Scheduler {
	if sweep <= 0 {
		sweep = time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Scheduler{
		engine:   e,
		sweep:    sweep,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   e.logger.With("component", "scheduler"),
		inflight: map[string]struct{}{},
	}
}

// Run sweeps for due alarms until ctx is cancelled, then waits for running
// ticks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "sweep", s.sweep.String())
	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce ticks every session that is due now and waits for them.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	n := s.dispatch(ctx)
	s.wg.Wait()
	return n
}

func (s *Scheduler) dispatch(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	now := s.engine.now()
	due, err := s.engine.store.DueAlarms(ctx, now)
	if err != nil {
		s.logger.Error("list due alarms", "err", err)
		return 0
	}
	started := 0
	for _, session := range due {
		if !s.begin(session) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.end(session)
			break
		}
		lease, claimed, err := s.engine.store.Claim(ctx, session, now, s.engine.cfg.TickLease)
		if err != nil || !claimed {
			if err != nil {
				s.logger.Error("claim session", "session", session, "err", err)
			}
			s.sem.Release(1)
			s.end(session)
			continue
		}
		sess, err := s.engine.store.Session(session)
		if err != nil {
			s.sem.Release(1)
			s.end(session)
			continue
		}
		started++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.end(session)
			report, err := s.engine.runClaimed(ctx, sess, lease)
			if err != nil {
				s.logger.Error("tick failed", "session", session, "err", err)
				return
			}
			s.logger.Debug("session ticked", "session", session, "evaluated", report.Evaluated)
		}()
	}
	return started
}

func (s *Scheduler) begin(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[session]; ok {
		return false
	}
	s.inflight[session] = struct{}{}
	return true
}

func (s *Scheduler) end(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, session)
}
