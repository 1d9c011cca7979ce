package redis

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	c := &Client{prefix: "test"}
	day := time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC)

	if got := c.ShareCounterKey("BTC.addr", "accepted", day); got != "test:shares:BTC.addr:accepted:20240309" {
		t.Errorf("ShareCounterKey() = %s", got)
	}
	if got := c.key("miner", "BTC.addr"); got != "test:miner:BTC.addr" {
		t.Errorf("key() = %s", got)
	}
}

func TestHashrateMembers(t *testing.T) {
	at := time.Unix(1700000000, 5)
	a := hashrateMember(at, 1500.5)
	b := hashrateMember(at.Add(time.Second), 1500.5)
	if a == b {
		t.Fatal("samples with equal rates must not collide")
	}

	if v, ok := parseHashrateMember(a); !ok || v != 1500.5 {
		t.Errorf("parseHashrateMember(%q) = %v, %v", a, v, ok)
	}
	if _, ok := parseHashrateMember("garbage"); ok {
		t.Error("parseHashrateMember should reject a member without a timestamp")
	}

	tests := []struct {
		name   string
		values []string
		want   float64
	}{
		{"empty", nil, 0},
		{"one", []string{hashrateMember(at, 10)}, 10},
		{"mean", []string{hashrateMember(at, 10), hashrateMember(at, 30)}, 20},
		{"skips bad", []string{hashrateMember(at, 10), "bad", "1:x"}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := averageMembers(tt.values); got != tt.want {
				t.Errorf("averageMembers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	c, err := NewClient(&Config{URL: url, KeyPrefix: "gompminer-test"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	identity := "test." + time.Now().Format("150405.000000")
	now := time.Now()

	if err := c.SetState(ctx, identity, "pool:3333", "authorized", now); err != nil {
		t.Fatal(err)
	}
	state, err := c.GetState(ctx, identity)
	if err != nil || state["state"] != "authorized" {
		t.Errorf("GetState() = %v, %v", state, err)
	}

	for range 3 {
		if _, err := c.IncrementShare(ctx, identity, "accepted", now); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := c.GetCounter(ctx, c.ShareCounterKey(identity, "accepted", now)); n != 3 {
		t.Errorf("accepted counter = %d, want 3", n)
	}

	_ = c.SetHashrate(ctx, identity, 100, now, time.Minute)
	_ = c.SetHashrate(ctx, identity, 300, now.Add(time.Millisecond), time.Minute)
	if avg, err := c.GetAverageHashrate(ctx, identity, time.Minute); err != nil || avg != 200 {
		t.Errorf("GetAverageHashrate() = %v, %v, want 200", avg, err)
	}

	type job struct{ ID string }
	if err := c.SetCurrentJob(ctx, identity, job{ID: "j1"}); err != nil {
		t.Fatal(err)
	}
	var got job
	if err := c.GetCurrentJob(ctx, identity, &got); err != nil || got.ID != "j1" {
		t.Errorf("GetCurrentJob() = %+v, %v", got, err)
	}
}
