package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompminer/internal/config"
	"github.com/bardlex/gompminer/internal/database/postgres"
	"github.com/bardlex/gompminer/internal/messaging"
	"github.com/bardlex/gompminer/internal/mining"
	"github.com/bardlex/gompminer/internal/stratum"
	"github.com/bardlex/gompminer/pkg/log"
)

const testAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func TestFormatHashrate(t *testing.T) {
	tests := []struct {
		hps  float64
		want string
	}{
		{0, "0.00 H/s"},
		{999, "999.00 H/s"},
		{1500, "1.50 kH/s"},
		{2.5e6, "2.50 MH/s"},
		{1e9, "1.00 GH/s"},
		{3.2e12, "3.20 TH/s"},
		{4e15, "4000.00 TH/s"},
	}
	for _, tt := range tests {
		if got := formatHashrate(tt.hps); got != tt.want {
			t.Errorf("formatHashrate(%g) = %q, want %q", tt.hps, got, tt.want)
		}
	}
}

func TestConsolePrinter(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	p := newConsolePrinter(&buf)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	p.HandleEvent(stratum.Event{Type: stratum.EventAuthorized, Time: now, Identity: "BTC.addr", Pool: "pool:3333"})
	p.HandleEvent(stratum.Event{Type: stratum.EventNewJob, Time: now, Job: &mining.Job{JobID: "j1", CleanJobs: false}})
	p.HandleEvent(stratum.Event{Type: stratum.EventNewJob, Time: now, Job: &mining.Job{JobID: "j2", CleanJobs: true}})
	p.HandleEvent(stratum.Event{Type: stratum.EventShareAccepted, Time: now, Share: &stratum.ShareRecord{
		Difficulty: 1, HashDifficulty: 3, Latency: 42 * time.Millisecond,
	}})
	p.HandleEvent(stratum.Event{Type: stratum.EventShareRejected, Time: now, Share: &stratum.ShareRecord{
		Difficulty: 1, Error: "Job not found",
	}})
	p.HandleEvent(stratum.Event{Type: stratum.EventDisconnected, Time: now, Err: errors.New("eof")})
	p.summary(stratum.ShareCounters{Submitted: 2, Accepted: 1, Rejected: 1, Invalid: 1})

	out := buf.String()
	for _, want := range []string{
		"[03:04:05] authorized as BTC.addr on pool:3333",
		"new block, job j2",
		"accepted diff 1 (3) 42ms",
		"rejected diff 1: Job not found",
		"disconnected: eof",
		"shares: 1 accepted 1 rejected 0 stale",
		"1 shares failed local validation",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "j1") {
		t.Errorf("non-clean job should not be printed:\n%s", out)
	}
}

type fakeStore struct {
	calls  []string
	shares []*postgres.Share
	en1    string
	reason string
	err    error
}

func (f *fakeStore) RecordConnected(_ context.Context, _, identity string, _ time.Time) error {
	f.calls = append(f.calls, "connected:"+identity)
	return f.err
}

func (f *fakeStore) RecordAuthorized(_ context.Context, _, identity, en1 string, _ time.Time) error {
	f.calls = append(f.calls, "authorized:"+identity)
	f.en1 = en1
	return f.err
}

func (f *fakeStore) RecordDisconnected(_ context.Context, _, _, reason string, _ time.Time) error {
	f.calls = append(f.calls, "disconnected")
	f.reason = reason
	return f.err
}

func (f *fakeStore) RecordState(_ context.Context, _, _, state string, _ time.Time) {
	f.calls = append(f.calls, "state:"+state)
}

func (f *fakeStore) RecordJob(context.Context, string, any) {
	f.calls = append(f.calls, "job")
}

func (f *fakeStore) RecordDifficulty(_, _ string, _ float64) {
	f.calls = append(f.calls, "difficulty")
}

func (f *fakeStore) RecordHashrate(context.Context, string, float64, int, time.Time) {
	f.calls = append(f.calls, "hashrate")
}

func (f *fakeStore) RecordShare(_ context.Context, _ string, share *postgres.Share) error {
	f.shares = append(f.shares, share)
	return f.err
}

type published struct {
	topic, key string
	value      any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, key, v})
	return nil
}

func (f *fakePublisher) PublishProto(_ context.Context, topic, key string, msg proto.Message, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, key, msg})
	return nil
}

func (f *fakePublisher) topics() []string {
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.topic)
	}
	return out
}

func TestRecorder_Lifecycle(t *testing.T) {
	st, pub := &fakeStore{}, &fakePublisher{}
	rec := newRecorder(st, pub, log.NewNop(), "BTC.addr", 2)
	rec.extraNonce1 = func() string { return "f000000f" }
	now := time.Now()

	rec.HandleEvent(stratum.Event{Type: stratum.EventConnected, Time: now, Pool: "pool:3333"})
	rec.HandleEvent(stratum.Event{Type: stratum.EventAuthorized, Time: now, Pool: "pool:3333", Identity: "BTC:addr"})
	rec.HandleEvent(stratum.Event{Type: stratum.EventStateChanged, Time: now, Pool: "pool:3333",
		PrevState: stratum.StateSubscribed, State: stratum.StateAuthorized})
	rec.HandleEvent(stratum.Event{Type: stratum.EventNewJob, Time: now, Pool: "pool:3333",
		Job: &mining.Job{JobID: "bf", CleanJobs: true}})
	rec.HandleEvent(stratum.Event{Type: stratum.EventDifficulty, Time: now, Difficulty: 8})
	rec.HandleEvent(stratum.Event{Type: stratum.EventHashrate, Time: now, Hashrate: 1234})
	rec.HandleEvent(stratum.Event{Type: stratum.EventDisconnected, Time: now, Err: errors.New("connection reset")})

	want := []string{
		"connected:BTC.addr",
		"authorized:BTC:addr",
		"state:authorized",
		"job",
		"difficulty",
		"hashrate",
		"disconnected",
	}
	if strings.Join(st.calls, ",") != strings.Join(want, ",") {
		t.Errorf("store calls = %v, want %v", st.calls, want)
	}
	if st.en1 != "f000000f" {
		t.Errorf("extranonce1 = %q", st.en1)
	}
	if st.reason != "connection reset" {
		t.Errorf("disconnect reason = %q", st.reason)
	}

	topics := strings.Join(pub.topics(), ",")
	wantTopics := strings.Join([]string{messaging.TopicState, messaging.TopicJobs, messaging.TopicHashrate}, ",")
	if topics != wantTopics {
		t.Errorf("topics = %s, want %s", topics, wantTopics)
	}

	state, ok := pub.msgs[0].value.(*structpb.Struct)
	if !ok {
		t.Fatalf("state message is %T", pub.msgs[0].value)
	}
	if got := state.GetFields()["to"].GetStringValue(); got != "authorized" {
		t.Errorf("state to = %q", got)
	}
	// The identity learned from the authorized event is used afterwards.
	if pub.msgs[0].key != "BTC:addr" {
		t.Errorf("state key = %q", pub.msgs[0].key)
	}
	job := pub.msgs[1].value.(*messaging.JobMessage)
	if job.JobID != "bf" || !job.CleanJobs || job.Pool != "pool:3333" {
		t.Errorf("job message = %+v", job)
	}
}

func TestRecorder_Shares(t *testing.T) {
	st, pub := &fakeStore{}, &fakePublisher{}
	rec := newRecorder(st, pub, log.NewNop(), "BTC.addr", 1)
	now := time.Now()

	rec.HandleEvent(stratum.Event{Type: stratum.EventShareAccepted, Time: now, Pool: "p", Share: &stratum.ShareRecord{
		ID: "s1", JobID: "j", Identity: "BTC.addr", Status: stratum.ShareAccepted,
		Difficulty: 4, HashDifficulty: 9, Latency: 1500 * time.Microsecond,
	}})
	rec.HandleEvent(stratum.Event{Type: stratum.EventShareAccepted, Time: now, Pool: "p", Share: &stratum.ShareRecord{
		ID: "s2", JobID: "j", Identity: "BTC.addr", Status: stratum.ShareAccepted, BlockCandidate: true,
	}})
	rec.HandleEvent(stratum.Event{Type: stratum.EventShareRejected, Time: now, Pool: "p", Share: &stratum.ShareRecord{
		ID: "s3", JobID: "j", Identity: "BTC.addr", Status: stratum.ShareRejected, ErrorCode: 23, Error: "Low difficulty share",
	}})
	rec.HandleEvent(stratum.Event{Type: stratum.EventShareRejected, Time: now})

	if len(st.shares) != 3 {
		t.Fatalf("stored shares = %d, want 3", len(st.shares))
	}
	if s := st.shares[0]; s.LatencyMS != 1.5 || s.Status != "accepted" || s.HashDifficulty != 9 {
		t.Errorf("share 0 = %+v", s)
	}
	if s := st.shares[2]; s.ErrorCode != 23 || s.Error != "Low difficulty share" || s.Status != "rejected" {
		t.Errorf("share 2 = %+v", s)
	}

	want := strings.Join([]string{
		messaging.TopicShares,
		messaging.TopicShares, messaging.TopicBlocks,
		messaging.TopicShares,
	}, ",")
	if got := strings.Join(pub.topics(), ","); got != want {
		t.Errorf("topics = %s, want %s", got, want)
	}
	if msg := pub.msgs[3].value.(*messaging.ShareMessage); msg.ErrorMessage != "Low difficulty share" || msg.Pool != "p" {
		t.Errorf("rejected share message = %+v", msg)
	}
}

func TestRecorder_NilSinks(t *testing.T) {
	rec := newRecorder(nil, &fakePublisher{}, log.NewNop(), "i", 1)
	rec.HandleEvent(stratum.Event{Type: stratum.EventConnected})
	rec.HandleEvent(stratum.Event{Type: stratum.EventShareAccepted, Share: &stratum.ShareRecord{ID: "x"}})

	rec = newRecorder(&fakeStore{err: errors.New("down")}, nil, log.NewNop(), "i", 1)
	rec.HandleEvent(stratum.Event{Type: stratum.EventHashrate, Hashrate: 1})
	rec.HandleEvent(stratum.Event{Type: stratum.EventConnected})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.URL = "stratum+ssl://pool.example.com:4333"
	cfg.Pool.User = "BTC." + testAddress
	cfg.Pool.Worker = "rig"
	cfg.Miner.Workers = 3
	cfg.Miner.BatchSize = 4096
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func TestClientConfig(t *testing.T) {
	cfg := testConfig(t)

	ccfg, err := clientConfig(cfg)
	if err != nil {
		t.Fatalf("clientConfig() error = %v", err)
	}
	if !ccfg.Endpoint.TLS || ccfg.Endpoint.Host != "pool.example.com" || ccfg.Endpoint.Port != 4333 {
		t.Errorf("endpoint = %+v", ccfg.Endpoint)
	}
	if ccfg.Session.Identity != "BTC."+testAddress+".rig" {
		t.Errorf("identity = %s", ccfg.Session.Identity)
	}
	if !ccfg.Session.RetryAlternate {
		t.Error("alternate separator retry should default on")
	}
	if ccfg.Engine.Workers != 3 || ccfg.Engine.BatchSize != 4096 {
		t.Errorf("engine = %+v", ccfg.Engine)
	}
	if ccfg.Reconnect.BaseDelay != time.Second || ccfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("reconnect = %+v", ccfg.Reconnect)
	}

	cfg.Pool.URL = "http://nope"
	if _, err := clientConfig(cfg); err == nil {
		t.Error("clientConfig() should reject a non-stratum URL")
	}
}

func TestDatabaseConfig(t *testing.T) {
	cfg := testConfig(t)
	if databaseConfig(cfg).Enabled() {
		t.Error("no sink URLs should leave the database disabled")
	}

	cfg.Sinks.RedisURL = "redis://localhost:6379/0"
	cfg.Sinks.InfluxURL = "http://localhost:8086"
	db := databaseConfig(cfg)
	if db.Redis == nil || db.Influx == nil || db.Postgres != nil {
		t.Errorf("database config = %+v", db)
	}
	if db.Influx.Bucket != "mining" {
		t.Errorf("influx bucket = %s", db.Influx.Bucket)
	}
}

func TestCommand_Flags(t *testing.T) {
	t.Setenv("POOL_URL", "")
	t.Setenv("POOL_USER", "")
	t.Setenv("GOMPMINER_CONFIG", "")

	var got *config.Config
	cmd := newCommand(func(_ context.Context, cfg *config.Config) error {
		got = cfg
		return nil
	})

	err := cmd.Run(context.Background(), []string{
		"gompminer",
		"-o", "pool.example.com:3333",
		"-u", "BTC." + testAddress,
		"-w", "rig7",
		"-t", "5",
		"--suggest-difficulty", "64",
		"--log-level", "debug",
		"-q",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got == nil {
		t.Fatal("run function was not called")
	}
	if got.Pool.URL != "pool.example.com:3333" || got.Identity() != "BTC."+testAddress+".rig7" {
		t.Errorf("pool = %+v", got.Pool)
	}
	if got.Miner.Workers != 5 || got.Pool.SuggestDifficulty != 64 {
		t.Errorf("workers = %d, suggest = %g", got.Miner.Workers, got.Pool.SuggestDifficulty)
	}
	if got.Log.Level != "debug" || got.Log.Console {
		t.Errorf("log = %+v", got.Log)
	}
	if got.Version == "" {
		t.Error("version should be set")
	}
}

func TestCommand_InvalidConfig(t *testing.T) {
	t.Setenv("POOL_URL", "")
	t.Setenv("POOL_USER", "")
	t.Setenv("GOMPMINER_CONFIG", "")

	called := false
	cmd := newCommand(func(context.Context, *config.Config) error {
		called = true
		return nil
	})
	if err := cmd.Run(context.Background(), []string{"gompminer", "-u", "someone"}); err == nil {
		t.Error("Run() without a pool URL should fail")
	}
	if called {
		t.Error("run function called with an invalid config")
	}
}

func TestCommand_WriteConfig(t *testing.T) {
	out := filepath.Join(t.TempDir(), "gompminer.toml")
	cmd := newCommand(func(context.Context, *config.Config) error {
		t.Error("write-config should not start the miner")
		return nil
	})
	if err := cmd.Run(context.Background(), []string{"gompminer", "write-config", "--out", out}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	cfg := &config.Config{}
	if err := config.LoadFile(out, cfg); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Miner.BatchSize != config.Default().Miner.BatchSize {
		t.Errorf("batch size = %d", cfg.Miner.BatchSize)
	}
}
