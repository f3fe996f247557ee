package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/store"
	"github.com/ggonzalez94/defi-sentinel/internal/trigger"
)

type TickReport struct {
	Session    string      `json:"session"`
	StartedAt  time.Time   `json:"started_at"`
	DurationMS int64       `json:"duration_ms"`
	Evaluated  int         `json:"evaluated"`
	Results    []Result    `json:"results"`
	Alarm      AlarmReport `json:"alarm"`
}

type AlarmReport struct {
	Armed  bool       `json:"armed"`
	WakeAt *time.Time `json:"wake_at,omitempty"`
}

// Tick claims the session lease, evaluates every active trigger once and
// reschedules the session alarm.
func (e *Engine) Tick(ctx context.Context, session string) (TickReport, error) {
	sess, err := e.session(session)
	if err != nil {
		return TickReport{}, err
	}
	lease, claimed, err := e.store.Claim(ctx, sess.ID(), e.now(), e.cfg.TickLease)
	if err != nil {
		return TickReport{}, clierr.Wrap(clierr.CodeInternal, "claim session", err)
	}
	if !claimed {
		return TickReport{}, clierr.New(clierr.CodeBlocked, fmt.Sprintf("a tick is already running for session %s", sess.ID()))
	}
	return e.runClaimed(ctx, sess, lease)
}

// leasedSession is the session view a tick writes through. Hold renews the
// tick's lease and fails once another tick has replaced it.
type leasedSession struct {
	*store.Session
	store *store.Store
	lease store.Lease
	ttl   time.Duration
	now   func() time.Time
}

func (l *leasedSession) Hold(ctx context.Context) (time.Time, error) {
	lease, err := l.store.Renew(ctx, l.lease, l.now(), l.ttl)
	if err != nil {
		return time.Time{}, err
	}
	l.lease = lease
	return lease.Until, nil
}

// runClaimed runs one tick on a session whose lease the caller holds, and
// releases the lease when done.
func (e *Engine) runClaimed(ctx context.Context, sess *store.Session, lease store.Lease) (TickReport, error) {
	ls := &leasedSession{Session: sess, store: e.store, lease: lease, ttl: e.cfg.TickLease, now: e.now}
	defer func() {
		if err := e.store.Release(context.WithoutCancel(ctx), ls.lease); err != nil {
			e.logger.Error("release session lease", "session", sess.ID(), "err", err)
		}
	}()
	return e.runTick(ctx, ls)
}

func (e *Engine) runTick(ctx context.Context, sess *leasedSession) (TickReport, error) {
	started := e.now().UTC()
	report := TickReport{Session: sess.ID(), StartedAt: started, Results: []Result{}}
	logger := e.logger.With("session", sess.ID())

	triggers, err := sess.ListActive(ctx)
	if err != nil {
		return report, clierr.Wrap(clierr.CodeInternal, "list active triggers", err)
	}
	prices := NewPriceBook(e.oracle, e.cfg.CallTimeout)
	for _, t := range triggers {
		if ctx.Err() != nil {
			break
		}
		res := e.evaluateIsolated(ctx, sess, t, prices)
		report.Evaluated++
		report.Results = append(report.Results, res)
	}

	end := e.now().UTC()
	alarm, err := sess.Settle(context.WithoutCancel(ctx), started, e.nextWake(ctx, sess.Session, end))
	if err != nil {
		return report, clierr.Wrap(clierr.CodeInternal, "reschedule session alarm", err)
	}
	if alarm.Armed() {
		wake := alarm.WakeAt
		report.Alarm = AlarmReport{Armed: true, WakeAt: &wake}
	}
	report.DurationMS = end.Sub(started).Milliseconds()
	logger.Debug("tick finished", "evaluated", report.Evaluated, "duration_ms", report.DurationMS, "armed", report.Alarm.Armed)
	return report, nil
}

// evaluateIsolated keeps one misbehaving trigger from aborting the tick.
func (e *Engine) evaluateIsolated(ctx context.Context, sess *leasedSession, t trigger.Trigger, prices *PriceBook) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("trigger evaluation panicked",
				"session", sess.ID(), "trigger", t.ID, "kind", string(t.Kind),
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = Result{TriggerID: t.ID, Kind: t.Kind, Action: ActionError, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return e.evaluator.Evaluate(ctx, sess, t, prices)
}

// nextWake is one poll interval after end, or the earliest future DCA
// purchase when that comes sooner.
func (e *Engine) nextWake(ctx context.Context, sess *store.Session, end time.Time) time.Time {
	next := end.Add(e.cfg.PollInterval)
	triggers, err := sess.ListActive(ctx)
	if err != nil {
		return next
	}
	for _, t := range triggers {
		if t.Kind != trigger.KindDCA || t.DCA == nil {
			continue
		}
		if due := t.DCA.NextExecutionAt; due.After(end) && due.Before(next) {
			next = due
		}
	}
	return next
}
