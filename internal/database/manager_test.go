package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gompminer/internal/database/postgres"
	"github.com/bardlex/gompminer/pkg/circuit"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

type fakeLive struct {
	mu       sync.Mutex
	states   []string
	jobs     int
	counters map[string]int64
	rates    []float64
	err      error
	calls    int
}

func (f *fakeLive) record() error {
	f.calls++
	return f.err
}

func (f *fakeLive) SetState(_ context.Context, _, _, state string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return f.record()
}

func (f *fakeLive) SetCurrentJob(context.Context, string, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs++
	return f.record()
}

func (f *fakeLive) IncrementShare(_ context.Context, identity, status string, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counters == nil {
		f.counters = make(map[string]int64)
	}
	f.counters[identity+":"+status]++
	return f.counters[identity+":"+status], f.record()
}

func (f *fakeLive) SetHashrate(_ context.Context, _ string, hashrate float64, _ time.Time, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = append(f.rates, hashrate)
	return f.record()
}

func (f *fakeLive) Health(context.Context) error { return nil }
func (f *fakeLive) Close() error                 { return nil }

type fakeLedger struct {
	mu         sync.Mutex
	nextID     int64
	open       map[int64]*postgres.Session
	closed     map[int64]string
	authorized map[int64]string
	shares     []*postgres.Share
	shareErrs  []error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		open:       make(map[int64]*postgres.Session),
		closed:     make(map[int64]string),
		authorized: make(map[int64]string),
	}
}

func (f *fakeLedger) OpenSession(_ context.Context, s *postgres.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = f.nextID
	f.open[s.ID] = s
	return nil
}

func (f *fakeLedger) MarkAuthorized(_ context.Context, id int64, identity, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized[id] = identity
	return nil
}

func (f *fakeLedger) CloseSession(_ context.Context, id int64, reason string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = reason
	return nil
}

func (f *fakeLedger) CreateShare(_ context.Context, s *postgres.Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.shareErrs) > 0 {
		err := f.shareErrs[0]
		f.shareErrs = f.shareErrs[1:]
		if err != nil {
			return err
		}
	}
	f.shares = append(f.shares, s)
	return nil
}

func (f *fakeLedger) Health(context.Context) error { return nil }
func (f *fakeLedger) Close() error                 { return nil }

type fakeSeries struct {
	mu          sync.Mutex
	shares      []string
	hashrates   []float64
	connections []string
	diffs       []float64
	flushes     int
}

func (f *fakeSeries) WriteShareMetric(_, _, status string, _, _ float64, _ bool, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares = append(f.shares, status)
}

func (f *fakeSeries) WriteHashrateMetric(_ string, hashrate float64, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashrates = append(f.hashrates, hashrate)
}

func (f *fakeSeries) WriteConnectionMetric(_, _, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections = append(f.connections, state)
}

func (f *fakeSeries) WriteDifficultyMetric(_, _ string, difficulty float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs = append(f.diffs, difficulty)
}

func (f *fakeSeries) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *fakeSeries) Health(context.Context) error { return nil }
func (f *fakeSeries) Close()                       {}

func testShare(status string) *postgres.Share {
	return &postgres.Share{
		ID:          fmt.Sprintf("share-%s-%d", status, time.Now().UnixNano()),
		Identity:    "BTC.addr",
		JobID:       "job1",
		Status:      status,
		Difficulty:  2,
		SubmittedAt: time.Now(),
		LatencyMS:   12.5,
	}
}

func TestManager_SessionLifecycle(t *testing.T) {
	live, ledger, series := &fakeLive{}, newFakeLedger(), &fakeSeries{}
	m := New(live, ledger, series, log.NewNop())
	ctx := context.Background()
	now := time.Now()

	if err := m.RecordConnected(ctx, "pool:3333", "BTC.addr", now); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordAuthorized(ctx, "pool:3333", "BTC:addr", "ab01", now); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordShare(ctx, "pool:3333", testShare("accepted")); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordDisconnected(ctx, "pool:3333", "BTC:addr", "eof", now); err != nil {
		t.Fatal(err)
	}

	if ledger.authorized[1] != "BTC:addr" {
		t.Errorf("authorized = %v", ledger.authorized)
	}
	if ledger.closed[1] != "eof" {
		t.Errorf("closed = %v", ledger.closed)
	}
	if len(ledger.shares) != 1 || ledger.shares[0].SessionID == nil || *ledger.shares[0].SessionID != 1 {
		t.Errorf("share should be linked to session 1: %+v", ledger.shares)
	}
	if got := live.states; len(got) != 3 || got[0] != "connected" || got[2] != "disconnected" {
		t.Errorf("live states = %v", got)
	}
	if live.counters["BTC.addr:accepted"] != 1 {
		t.Errorf("counters = %v", live.counters)
	}
	if len(series.shares) != 1 || len(series.connections) != 3 {
		t.Errorf("series = %+v", series)
	}

	// A share after the disconnect has no session.
	share := testShare("rejected")
	if err := m.RecordShare(ctx, "pool:3333", share); err != nil {
		t.Fatal(err)
	}
	if share.SessionID != nil {
		t.Errorf("share after disconnect linked to session %d", *share.SessionID)
	}
}

func TestManager_DisabledSinks(t *testing.T) {
	m := New(nil, nil, nil, log.NewNop())
	ctx := context.Background()
	now := time.Now()

	if err := m.RecordConnected(ctx, "p", "i", now); err != nil {
		t.Error(err)
	}
	if err := m.RecordAuthorized(ctx, "p", "i", "", now); err != nil {
		t.Error(err)
	}
	m.RecordState(ctx, "p", "i", "reconnecting", now)
	m.RecordJob(ctx, "i", map[string]string{"job_id": "1"})
	m.RecordDifficulty("p", "i", 16)
	m.RecordHashrate(ctx, "i", 100, 1, now)
	if err := m.RecordShare(ctx, "p", testShare("accepted")); err != nil {
		t.Error(err)
	}
	if err := m.RecordDisconnected(ctx, "p", "i", "stop", now); err != nil {
		t.Error(err)
	}
	if err := m.Health(ctx); err != nil {
		t.Error(err)
	}
	if err := m.Close(); err != nil {
		t.Error(err)
	}
}

func TestManager_RecordShareRetries(t *testing.T) {
	ledger := newFakeLedger()
	ledger.shareErrs = []error{fmt.Errorf("connection reset by peer"), nil}
	m := New(nil, ledger, nil, log.NewNop())
	m.retryConfig.BaseDelay = time.Millisecond

	if err := m.RecordShare(context.Background(), "p", testShare("accepted")); err != nil {
		t.Fatalf("RecordShare() error = %v", err)
	}
	if len(ledger.shares) != 1 {
		t.Errorf("shares = %d, want 1 after retry", len(ledger.shares))
	}
}

func TestManager_RecordShareFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.shareErrs = []error{fmt.Errorf("duplicate key")}
	m := New(nil, ledger, nil, log.NewNop())

	err := m.RecordShare(context.Background(), "p", testShare("accepted"))
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Errorf("RecordShare() error = %v, want database error", err)
	}
}

func TestManager_LiveBreakerOpens(t *testing.T) {
	live := &fakeLive{err: fmt.Errorf("redis down")}
	m := New(live, nil, nil, log.NewNop())
	ctx := context.Background()

	maxFailures := circuit.DefaultConfig().MaxFailures
	for range maxFailures + 5 {
		m.RecordHashrate(ctx, "i", 1, 1, time.Now())
	}

	if live.calls != maxFailures {
		t.Errorf("redis called %d times, want %d before the circuit opened", live.calls, maxFailures)
	}
	if m.liveBreaker.GetState() != circuit.StateOpen {
		t.Errorf("breaker state = %s, want open", m.liveBreaker.GetState())
	}
}

func TestManager_PeriodicFlush(t *testing.T) {
	series := &fakeSeries{}
	m := New(nil, nil, series, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	m.StartPeriodicTasks(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		series.mu.Lock()
		n := series.flushes
		series.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	series.mu.Lock()
	defer series.mu.Unlock()
	if series.flushes < 2 {
		t.Errorf("flushes = %d, want at least 2", series.flushes)
	}
}

func TestConfig_Enabled(t *testing.T) {
	var nilCfg *Config
	if nilCfg.Enabled() || (&Config{}).Enabled() {
		t.Error("empty config should not be enabled")
	}
	if !(&Config{Influx: nil, Redis: nil, Postgres: &postgres.Config{}}).Enabled() {
		t.Error("config with postgres should be enabled")
	}
}
