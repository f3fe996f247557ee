package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/gateway"
	"github.com/ggonzalez94/defi-sentinel/internal/oracle"
	"github.com/ggonzalez94/defi-sentinel/internal/policy"
	"github.com/ggonzalez94/defi-sentinel/internal/risk"
	"github.com/ggonzalez94/defi-sentinel/internal/store"
	"github.com/ggonzalez94/defi-sentinel/internal/trigger"
)

const (
	eth    = "coingecko:ethereum"
	usdc   = "coingecko:usd-coin"
	wallet = "0x1111111111111111111111111111111111111111"
)

var start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  map[string]int
	hook   func(token string)
}

func (f *fakeOracle) set(token string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[token] = price
}

func (f *fakeOracle) callsFor(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[token]
}

func (f *fakeOracle) PriceUSD(_ context.Context, token string) (oracle.Quote, error) {
	f.mu.Lock()
	f.calls[token]++
	price, ok := f.prices[token]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(token)
	}
	if !ok {
		return oracle.Quote{}, clierr.New(clierr.CodePriceUnavailable, "no price for "+token)
	}
	return oracle.Quote{Token: token, PriceUSD: price, FetchedAt: start}, nil
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []gateway.SwapRequest
	fail     error
	hook     func(req gateway.SwapRequest)
	// block holds every call until its context ends.
	block bool
}

func (f *fakeGateway) SubmitSwap(ctx context.Context, req gateway.SwapRequest) (gateway.Receipt, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	fail := f.fail
	hook := f.hook
	block := f.block
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if block {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return gateway.Receipt{}, err
	}
	if fail != nil {
		return gateway.Receipt{}, fail
	}
	return gateway.Receipt{TxRef: fmt.Sprintf("0xtx%d", n)}, nil
}

func (f *fakeGateway) sent() []gateway.SwapRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.SwapRequest(nil), f.requests...)
}

type harness struct {
	engine  *Engine
	store   *store.Store
	oracle  *fakeOracle
	gateway *fakeGateway
	clock   *fakeClock
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "sentinel.db"), filepath.Join(dir, "sentinel.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{
		Limits:         risk.DefaultLimits(),
		PollInterval:   30 * time.Second,
		TickLease:      time.Minute,
		CallTimeout:    time.Second,
		MinDCAInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &harness{
		store:   st,
		oracle:  &fakeOracle{prices: map[string]float64{}, calls: map[string]int{}},
		gateway: &fakeGateway{},
		clock:   &fakeClock{now: start},
	}
	h.engine = New(st, h.oracle, h.gateway, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.engine.now = h.clock.Now
	return h
}

func (h *harness) tick(t *testing.T, session string) TickReport {
	t.Helper()
	report, err := h.engine.Tick(context.Background(), session)
	require.NoError(t, err)
	return report
}

func (h *harness) get(t *testing.T, session, id string) trigger.Trigger {
	t.Helper()
	sess, err := h.store.Session(session)
	require.NoError(t, err)
	got, err := sess.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (h *harness) counters(t *testing.T, session string) risk.Counters {
	t.Helper()
	sess, err := h.store.Session(session)
	require.NoError(t, err)
	c, err := sess.Counters(context.Background(), wallet)
	require.NoError(t, err)
	return c
}

func (h *harness) history(t *testing.T, session string) []trigger.Execution {
	t.Helper()
	out, err := h.engine.ListHistory(context.Background(), session, 0)
	require.NoError(t, err)
	return out
}

func stopLoss(target, amount float64) trigger.Request {
	return trigger.Request{
		Kind:           trigger.KindStopLoss,
		Token:          eth,
		TargetPriceUSD: target,
		Wallet:         wallet,
		AutoSwap: &trigger.AutoSwap{
			AmountIn:  amount,
			FromToken: eth,
			ToToken:   usdc,
			Chain:     "base",
		},
	}
}

func priceAlert(token string, target float64) trigger.Request {
	return trigger.Request{
		Kind:           trigger.KindPriceAlert,
		Token:          token,
		Condition:      trigger.ConditionAbove,
		TargetPriceUSD: target,
	}
}

func TestPriceAlertFiresOnceAboveTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", priceAlert(eth, 3000))
	require.NoError(t, err)

	h.oracle.set(eth, 2999)
	report := h.tick(t, "alice")
	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionNone, report.Results[0].Action)
	assert.True(t, h.get(t, "alice", created.ID).Active)

	h.oracle.set(eth, 3000)
	report = h.tick(t, "alice")
	assert.Equal(t, ActionNone, report.Results[0].Action, "equal price never fires")

	h.oracle.set(eth, 3001)
	report = h.tick(t, "alice")
	assert.Equal(t, ActionFired, report.Results[0].Action)
	assert.False(t, report.Alarm.Armed, "no active triggers left")

	got := h.get(t, "alice", created.ID)
	assert.False(t, got.Active)
	assert.Equal(t, trigger.OutcomeFired, got.Outcome)
	require.NotNil(t, got.Threshold.TriggeredPrice)
	assert.Equal(t, 3001.0, *got.Threshold.TriggeredPrice)

	report = h.tick(t, "alice")
	assert.Zero(t, report.Evaluated)
	history := h.history(t, "alice")
	require.Len(t, history, 1)
	assert.Equal(t, trigger.OutcomeFired, history[0].Outcome)
	assert.Empty(t, h.gateway.sent(), "alerts never swap")
}

func TestDailyCountLimitDeniesWithoutSpendingRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)

	sess, err := h.store.Session("alice")
	require.NoError(t, err)
	_, err = sess.Commit(ctx, store.Commit{
		TriggerID: created.ID,
		Wallet:    created.Wallet,
		Counters: func(risk.Counters) risk.Counters {
			return risk.Counters{DailyTxCount: 10, DailyVolumeUSD: 100, LastTxAt: start.Add(-time.Hour), WindowStart: start.Add(-2 * time.Hour)}
		},
	})
	require.NoError(t, err)

	h.oracle.set(eth, 1900)
	for i := 0; i < 4; i++ {
		report := h.tick(t, "alice")
		assert.Equal(t, ActionRiskDenied, report.Results[0].Action)
	}

	got := h.get(t, "alice", created.ID)
	assert.True(t, got.Active)
	assert.Zero(t, got.RetryCount)
	require.NotNil(t, got.RiskDenial)
	assert.Equal(t, string(risk.ReasonDailyCountExceeded), got.RiskDenial.Reason)
	assert.Equal(t, trigger.StateRiskLimited, got.State())
	assert.Empty(t, h.gateway.sent())
	assert.Equal(t, 10, h.counters(t, "alice").DailyTxCount)
}

func TestDCACompletesAfterTotalPurchases(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollInterval = 2 * time.Hour })
	ctx := context.Background()
	total := 2
	created, err := h.engine.CreateTrigger(ctx, "alice", trigger.Request{
		Kind:              trigger.KindDCA,
		Token:             eth,
		FromToken:         usdc,
		AmountPerPurchase: 100,
		Chain:             "base",
		Interval:          time.Hour,
		TotalPurchases:    &total,
		Wallet:            wallet,
	})
	require.NoError(t, err)
	h.oracle.set(usdc, 1)
	h.oracle.set(eth, 2000)

	report := h.tick(t, "alice")
	assert.Equal(t, ActionExecuted, report.Results[0].Action)
	assert.Equal(t, 2000.0, report.Results[0].PriceUSD)
	got := h.get(t, "alice", created.ID)
	assert.Equal(t, 1, got.DCA.CompletedPurchases)
	assert.Equal(t, start.Add(time.Hour), got.DCA.NextExecutionAt)
	require.NotNil(t, report.Alarm.WakeAt)
	assert.Equal(t, start.Add(time.Hour), *report.Alarm.WakeAt, "alarm moves up to the next purchase")

	h.clock.Advance(30 * time.Minute)
	report = h.tick(t, "alice")
	assert.Equal(t, ActionNone, report.Results[0].Action)
	require.NotNil(t, report.Alarm.WakeAt)
	assert.Equal(t, start.Add(time.Hour), *report.Alarm.WakeAt)

	h.clock.Advance(30 * time.Minute)
	report = h.tick(t, "alice")
	assert.Equal(t, ActionExecuted, report.Results[0].Action)

	got = h.get(t, "alice", created.ID)
	assert.False(t, got.Active)
	assert.Equal(t, trigger.OutcomeCompleted, got.Outcome)
	assert.Equal(t, 2, got.DCA.CompletedPurchases)

	sent := h.gateway.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, created.ID+"#1", sent[0].ClientRef)
	assert.Equal(t, created.ID+"#2", sent[1].ClientRef)
	assert.Equal(t, "eip155:8453", sent[0].Chain)

	c := h.counters(t, "alice")
	assert.Equal(t, 2, c.DailyTxCount)
	assert.InDelta(t, 200, c.DailyVolumeUSD, 1e-9)
	history := h.history(t, "alice")
	require.Len(t, history, 2)
	for _, row := range history {
		assert.Equal(t, eth, row.Token)
		assert.Equal(t, 2000.0, row.PriceUSD, "purchases record the bought token's price")
	}
}

func TestGatewayFailuresExhaustRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)
	h.gateway.fail = clierr.New(clierr.CodeExecutionFailed, "swap rejected: slippage")

	want := []Action{ActionExecutionFailed, ActionExecutionFailed, ActionFailed}
	for i, action := range want {
		report := h.tick(t, "alice")
		require.Len(t, report.Results, 1, "tick %d", i+1)
		assert.Equal(t, action, report.Results[0].Action, "tick %d", i+1)
	}

	got := h.get(t, "alice", created.ID)
	assert.False(t, got.Active)
	assert.Equal(t, trigger.OutcomeFailed, got.Outcome)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastError, "slippage")
	assert.Zero(t, h.counters(t, "alice"), "failed swaps are never credited")

	sent := h.gateway.sent()
	require.Len(t, sent, 3)
	for _, req := range sent {
		assert.Equal(t, created.ID, req.ClientRef, "retries reuse the purchase key")
	}
	history := h.history(t, "alice")
	require.Len(t, history, 1)
	assert.Equal(t, trigger.OutcomeFailed, history[0].Outcome)
	assert.False(t, history[0].SwapExecuted)
}

func TestStopLossExecutesAtMostOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)

	report := h.tick(t, "alice")
	assert.Equal(t, ActionExecuted, report.Results[0].Action)
	assert.Equal(t, "0xtx1", report.Results[0].TxRef)
	assert.InDelta(t, 190, report.Results[0].ValueUSD, 1e-9)

	h.clock.Advance(time.Hour)
	report = h.tick(t, "alice")
	assert.Zero(t, report.Evaluated)
	assert.Len(t, h.gateway.sent(), 1)

	got := h.get(t, "alice", created.ID)
	assert.True(t, got.Threshold.SwapExecuted)
	assert.Equal(t, "0xtx1", got.Threshold.TxRef)
	c := h.counters(t, "alice")
	assert.Equal(t, 1, c.DailyTxCount)
	assert.Equal(t, start, c.LastTxAt)
}

func TestDeclaredFromTokenPriceSkipsOracle(t *testing.T) {
	h := newHarness(t)
	req := stopLoss(2000, 0.1)
	req.AutoSwap.FromToken = "coingecko:wrapped-ether"
	req.AutoSwap.FromTokenPriceUSD = 1500
	_, err := h.engine.CreateTrigger(context.Background(), "alice", req)
	require.NoError(t, err)
	h.oracle.set(eth, 1900)

	report := h.tick(t, "alice")
	assert.Equal(t, ActionExecuted, report.Results[0].Action)
	assert.InDelta(t, 150, report.Results[0].ValueUSD, 1e-9)
	assert.Zero(t, h.oracle.callsFor("coingecko:wrapped-ether"))
}

func TestPriceFailureSkipsOnlyAffectedTriggers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	missingA, err := h.engine.CreateTrigger(ctx, "alice", priceAlert("coingecko:missing", 1))
	require.NoError(t, err)
	_, err = h.engine.CreateTrigger(ctx, "alice", priceAlert("coingecko:missing", 2))
	require.NoError(t, err)
	ok, err := h.engine.CreateTrigger(ctx, "alice", priceAlert(eth, 3000))
	require.NoError(t, err)
	h.oracle.set(eth, 3100)

	report := h.tick(t, "alice")
	require.Len(t, report.Results, 3)
	assert.Equal(t, ActionPriceUnavailable, report.Results[0].Action)
	assert.Equal(t, ActionPriceUnavailable, report.Results[1].Action)
	assert.Equal(t, ActionFired, report.Results[2].Action)
	assert.Equal(t, 1, h.oracle.callsFor("coingecko:missing"), "failed lookups are memoized per tick")

	got := h.get(t, "alice", missingA.ID)
	assert.True(t, got.Active)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.False(t, h.get(t, "alice", ok.ID).Active)
	assert.True(t, report.Alarm.Armed)
}

func TestPanicInOneTriggerDoesNotAbortTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateTrigger(ctx, "alice", priceAlert("coingecko:boom", 1))
	require.NoError(t, err)
	_, err = h.engine.CreateTrigger(ctx, "alice", priceAlert(eth, 3000))
	require.NoError(t, err)
	h.oracle.set(eth, 3100)
	h.oracle.hook = func(token string) {
		if token == "coingecko:boom" {
			panic("oracle exploded")
		}
	}

	report := h.tick(t, "alice")
	require.Len(t, report.Results, 2)
	assert.Equal(t, ActionError, report.Results[0].Action)
	assert.Contains(t, report.Results[0].Detail, "oracle exploded")
	assert.Equal(t, ActionFired, report.Results[1].Action)

	// The lease was released, so the next tick can run.
	h.tick(t, "alice")
}

func TestCancelBeforeSubmissionSkipsSwap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)
	h.oracle.hook = func(string) {
		_, err := h.engine.CancelTrigger(ctx, "alice", created.ID)
		require.NoError(t, err)
	}

	report := h.tick(t, "alice")
	assert.Equal(t, ActionSkipped, report.Results[0].Action)
	assert.Empty(t, h.gateway.sent())
	got := h.get(t, "alice", created.ID)
	assert.Equal(t, trigger.OutcomeCancelled, got.Outcome)
	assert.Zero(t, h.counters(t, "alice"))
}

func TestCancelDuringSubmissionStillCreditsTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)
	h.gateway.hook = func(gateway.SwapRequest) {
		_, err := h.engine.CancelTrigger(ctx, "alice", created.ID)
		require.NoError(t, err)
	}

	report := h.tick(t, "alice")
	assert.Equal(t, ActionExecuted, report.Results[0].Action)
	assert.Contains(t, report.Results[0].Detail, "cancelled after submission")

	got := h.get(t, "alice", created.ID)
	assert.False(t, got.Active)
	assert.Equal(t, trigger.OutcomeCancelled, got.Outcome, "first outcome wins")
	assert.True(t, got.Threshold.SwapExecuted)
	assert.Equal(t, 1, h.counters(t, "alice").DailyTxCount)
	assert.Len(t, h.history(t, "alice"), 1)
}

func TestUnknownKindIsSkippedAndKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.store.Session("alice")
	require.NoError(t, err)
	_, err = sess.Create(ctx, trigger.Trigger{ID: "trg_legacy", Kind: "trailing_stop", Active: true, CreatedAt: start, UpdatedAt: start})
	require.NoError(t, err)

	report := h.tick(t, "alice")
	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionSkipped, report.Results[0].Action)
	assert.True(t, h.get(t, "alice", "trg_legacy").Active)

	views, err := h.engine.ListTriggers(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, trigger.StateUnknown, views[0].State)
	assert.Contains(t, views[0].Reason, "not supported")
}

func TestTickRefusedWhileLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateTrigger(ctx, "alice", priceAlert(eth, 3000))
	require.NoError(t, err)

	_, claimed, err := h.store.Claim(ctx, "alice", start, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = h.engine.Tick(ctx, "alice")
	require.Error(t, err)
	assert.True(t, clierr.HasCode(err, clierr.CodeBlocked))

	status, err := h.engine.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)

	h.clock.Advance(time.Minute)
	h.oracle.set(eth, 2900)
	h.tick(t, "alice")
}

func TestStatusReportsAlarmState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status, err := h.engine.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "idle", status.State)
	assert.Nil(t, status.WakeAt)

	total := 1
	_, err = h.engine.CreateTrigger(ctx, "alice", trigger.Request{
		Kind:              trigger.KindDCA,
		Token:             eth,
		FromToken:         usdc,
		AmountPerPurchase: 50,
		Chain:             "base",
		Interval:          time.Hour,
		StartAt:           start.Add(10 * time.Minute),
		TotalPurchases:    &total,
		Wallet:            wallet,
	})
	require.NoError(t, err)

	status, err = h.engine.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "armed", status.State)
	require.NotNil(t, status.WakeAt)
	assert.Equal(t, start.Add(30*time.Second), *status.WakeAt, "wake is capped at one poll interval")
	assert.Equal(t, 1, status.ActiveTriggers)
}

func TestSchedulerRunOnceTicksDueSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, session := range []string{"alice", "bob"} {
		_, err := h.engine.CreateTrigger(ctx, session, priceAlert(eth, 3000))
		require.NoError(t, err)
	}
	total := 1
	_, err := h.engine.CreateTrigger(ctx, "carol", trigger.Request{
		Kind:              trigger.KindDCA,
		Token:             eth,
		FromToken:         usdc,
		AmountPerPurchase: 50,
		Chain:             "base",
		Interval:          time.Hour,
		StartAt:           start.Add(time.Hour),
		TotalPurchases:    &total,
		Wallet:            wallet,
	})
	require.NoError(t, err)
	h.oracle.set(eth, 3100)

	sched := NewScheduler(h.engine, time.Second, 2)
	assert.Equal(t, 2, sched.RunOnce(ctx))

	for _, session := range []string{"alice", "bob"} {
		views, err := h.engine.ListTriggers(ctx, session)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, trigger.StateFired, views[0].State, session)
	}
	assert.Zero(t, sched.RunOnce(ctx), "nothing else is due")

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, sched.RunOnce(ctx), "carol wakes after one poll interval")
}

func TestCreateTriggerRespectsChainAllowlist(t *testing.T) {
	chains, err := policy.NewChains([]string{"base"})
	require.NoError(t, err)
	h := newHarness(t, func(c *Config) { c.Chains = chains })
	ctx := context.Background()

	req := stopLoss(2000, 0.1)
	req.AutoSwap.Chain = "arbitrum"
	_, err = h.engine.CreateTrigger(ctx, "alice", req)
	require.Error(t, err)
	assert.True(t, clierr.HasCode(err, clierr.CodeBlocked))

	_, err = h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
}

func TestCreateTriggerRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateTrigger(context.Background(), "alice", priceAlert(eth, -5))
	require.Error(t, err)
	assert.True(t, clierr.HasCode(err, clierr.CodeInvalidPayload))

	views, err := h.engine.ListTriggers(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestCancelTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CancelTrigger(ctx, "alice", "trg_missing")
	require.Error(t, err)
	assert.True(t, clierr.HasCode(err, clierr.CodeNotFound))

	created, err := h.engine.CreateTrigger(ctx, "alice", priceAlert(eth, 3000))
	require.NoError(t, err)
	got, err := h.engine.CancelTrigger(ctx, "alice", created.ID)
	require.NoError(t, err)
	assert.Equal(t, trigger.OutcomeCancelled, got.Outcome)

	h.clock.Advance(time.Minute)
	again, err := h.engine.CancelTrigger(ctx, "alice", created.ID)
	require.NoError(t, err)
	assert.Equal(t, got.UpdatedAt, again.UpdatedAt)

	_, err = h.engine.CancelTrigger(ctx, "bob", created.ID)
	assert.True(t, clierr.HasCode(err, clierr.CodeNotFound), "sessions are isolated")
}

func TestWalletLimitsReportsRemaining(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)
	h.tick(t, "alice")
	h.clock.Advance(20 * time.Second)

	view, err := h.engine.WalletLimits(ctx, "alice", strings.ToLower(wallet))
	require.NoError(t, err)
	require.NotNil(t, view.RemainingTransactions)
	assert.Equal(t, 9, *view.RemainingTransactions)
	require.NotNil(t, view.RemainingVolumeUSD)
	assert.InDelta(t, 4810, *view.RemainingVolumeUSD, 1e-9)
	assert.Equal(t, int64(40), view.CooldownRemainingSeconds)
	assert.Equal(t, int64(60), view.Limits.CooldownSeconds)
}

func TestOverrunTickCannotCreditSwapTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)

	// The first submission stalls past the lease and a second tick takes
	// the session over.
	var (
		overran bool
		second  TickReport
	)
	h.gateway.hook = func(gateway.SwapRequest) {
		if overran {
			return
		}
		overran = true
		h.clock.Advance(2 * time.Minute)
		second = h.tick(t, "alice")
	}

	first := h.tick(t, "alice")
	require.Len(t, second.Results, 1)
	assert.Equal(t, ActionExecuted, second.Results[0].Action)
	require.Len(t, first.Results, 1)
	assert.Equal(t, ActionSkipped, first.Results[0].Action)
	assert.Contains(t, first.Results[0].Detail, "already recorded")

	sent := h.gateway.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].ClientRef, sent[1].ClientRef, "a resubmission carries the same idempotency key")

	got := h.get(t, "alice", created.ID)
	assert.Equal(t, trigger.OutcomeFired, got.Outcome)
	assert.Equal(t, "0xtx2", got.Threshold.TxRef)
	assert.Nil(t, got.Submission)
	assert.Len(t, h.history(t, "alice"), 1)
	assert.Equal(t, 1, h.counters(t, "alice").DailyTxCount)
}

func TestLostLeaseSkipsSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)
	var once sync.Once
	h.oracle.hook = func(string) {
		once.Do(func() {
			h.clock.Advance(2 * time.Minute)
			_, claimed, err := h.store.Claim(ctx, "alice", h.clock.Now(), time.Minute)
			require.NoError(t, err)
			require.True(t, claimed)
		})
	}

	report := h.tick(t, "alice")
	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionSkipped, report.Results[0].Action)
	assert.Contains(t, report.Results[0].Detail, "lease lost")
	assert.Empty(t, h.gateway.sent())
	assert.True(t, h.get(t, "alice", created.ID).Active)

	// The stale tick released nothing it did not own.
	_, err = h.engine.Tick(ctx, "alice")
	assert.True(t, clierr.HasCode(err, clierr.CodeBlocked))
}

func TestInFlightSubmissionIsNotRepeated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)
	sess, err := h.store.Session("alice")
	require.NoError(t, err)
	_, err = sess.Update(ctx, created.ID, func(cur *trigger.Trigger) error {
		cur.Submission = &trigger.Submission{Ref: created.ID, At: start, Until: start.Add(time.Minute)}
		return nil
	})
	require.NoError(t, err)

	report := h.tick(t, "alice")
	assert.Equal(t, ActionSkipped, report.Results[0].Action)
	assert.Empty(t, h.gateway.sent())

	// Once the submitting tick's lease is over, the outcome is presumed lost
	// and the purchase is resubmitted under the same key.
	h.clock.Advance(2 * time.Minute)
	report = h.tick(t, "alice")
	assert.Equal(t, ActionExecuted, report.Results[0].Action)
	sent := h.gateway.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, created.ID, sent[0].ClientRef)
}

func TestShutdownDuringSubmissionDoesNotSpendRetry(t *testing.T) {
	h := newHarness(t)
	created, err := h.engine.CreateTrigger(context.Background(), "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.gateway.hook = func(gateway.SwapRequest) { cancel() }

	report, err := h.engine.Tick(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionExecuted, report.Results[0].Action)

	got := h.get(t, "alice", created.ID)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.Equal(t, trigger.OutcomeFired, got.Outcome)
	assert.Equal(t, 1, h.counters(t, "alice").DailyTxCount)
}

func TestGatewayTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.CallTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	created, err := h.engine.CreateTrigger(ctx, "alice", stopLoss(2000, 0.1))
	require.NoError(t, err)
	h.oracle.set(eth, 1900)
	h.gateway.block = true

	report := h.tick(t, "alice")
	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionExecutionFailed, report.Results[0].Action)

	got := h.get(t, "alice", created.ID)
	assert.True(t, got.Active)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "deadline exceeded")
	assert.Nil(t, got.Submission)
	assert.Zero(t, h.counters(t, "alice"))
	assert.Empty(t, h.history(t, "alice"))
}

func TestTickIsIdempotentWhenNothingChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateTrigger(ctx, "alice", priceAlert(eth, 3000))
	require.NoError(t, err)
	_, err = h.engine.CreateTrigger(ctx, "alice", stopLoss(1500, 0.1))
	require.NoError(t, err)
	_, err = h.engine.CreateTrigger(ctx, "alice", trigger.Request{
		Kind:              trigger.KindDCA,
		Token:             eth,
		FromToken:         usdc,
		AmountPerPurchase: 50,
		Chain:             "base",
		Interval:          time.Hour,
		StartAt:           start.Add(time.Hour),
		Wallet:            wallet,
	})
	require.NoError(t, err)
	h.oracle.set(eth, 2500)
	h.oracle.set(usdc, 1)

	sess, err := h.store.Session("alice")
	require.NoError(t, err)
	snapshot := func() string {
		rows, err := sess.List(ctx)
		require.NoError(t, err)
		counters := h.counters(t, "alice")
		buf, err := json.Marshal(struct {
			Triggers []trigger.Trigger
			Counters risk.Counters
		}{rows, counters})
		require.NoError(t, err)
		return string(buf)
	}

	before := snapshot()
	h.tick(t, "alice")
	h.clock.Advance(10 * time.Second)
	h.tick(t, "alice")
	assert.Equal(t, before, snapshot())
	assert.Empty(t, h.gateway.sent())
	assert.Empty(t, h.history(t, "alice"))
}
