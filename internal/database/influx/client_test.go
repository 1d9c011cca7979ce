package influx

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestPoints(t *testing.T) {
	at := time.Unix(1700000000, 0)

	t.Run("share", func(t *testing.T) {
		p := SharePoint("BTC.addr", "pool:3333", "accepted", 8, 120.5, true, 1500*time.Microsecond, at)
		if p.Name() != "shares" || !p.Time().Equal(at) {
			t.Fatalf("point = %s at %v", p.Name(), p.Time())
		}
		tg := tags(p)
		if tg["identity"] != "BTC.addr" || tg["status"] != "accepted" || tg["block"] != "true" || tg["pool"] != "pool:3333" {
			t.Errorf("tags = %v", tg)
		}
		f := fields(p)
		if f["difficulty"] != 8.0 || f["hash_difficulty"] != 120.5 || f["latency_ms"] != 1.5 || f["count"] != int64(1) {
			t.Errorf("fields = %v", f)
		}
	})

	t.Run("hashrate", func(t *testing.T) {
		p := HashratePoint("BTC.addr", 1e6, 4, at)
		if f := fields(p); f["hashrate"] != 1e6 || f["workers"] != int64(4) {
			t.Errorf("fields = %v", f)
		}
	})

	t.Run("connection", func(t *testing.T) {
		p := ConnectionPoint("BTC.addr", "pool:3333", "reconnecting", at)
		if p.Name() != "connection" || tags(p)["state"] != "reconnecting" {
			t.Errorf("point = %s %v", p.Name(), tags(p))
		}
	})

	t.Run("difficulty", func(t *testing.T) {
		p := DifficultyPoint("BTC.addr", "pool:3333", 1024, at)
		if fields(p)["difficulty"] != 1024.0 {
			t.Errorf("fields = %v", fields(p))
		}
	})
}

func TestQueries(t *testing.T) {
	q := HashrateHistoryQuery("mining", `BTC.a"b`, time.Hour, time.Minute)
	for _, want := range []string{`from(bucket: "mining")`, "range(start: -1h0m0s)", `r.identity == "BTC.a\"b"`, "every: 1m0s"} {
		if !strings.Contains(q, want) {
			t.Errorf("hashrate query missing %q:\n%s", want, q)
		}
	}

	q = ShareStatsQuery("mining", "BTC.addr", 24*time.Hour)
	if !strings.Contains(q, `group(columns: ["status"])`) || !strings.Contains(q, `r._measurement == "shares"`) {
		t.Errorf("share stats query:\n%s", q)
	}
}

func TestShareStats_Finish(t *testing.T) {
	s := &ShareStats{Accepted: 3, Rejected: 1}
	s.finish()
	if s.Total != 4 || s.AcceptedPercent != 75 {
		t.Errorf("stats = %+v", s)
	}

	empty := &ShareStats{}
	empty.finish()
	if empty.AcceptedPercent != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestClient_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping InfluxDB integration test in short mode")
	}
	url := os.Getenv("INFLUX_TEST_URL")
	if url == "" {
		t.Skip("INFLUX_TEST_URL not set")
	}

	c, err := NewClient(&Config{
		URL:    url,
		Token:  os.Getenv("INFLUX_TEST_TOKEN"),
		Org:    "gomp",
		Bucket: "mining",
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	c.WriteHashrateMetric("test.live", 1000, 1)
	c.WriteShareMetric("test.live", "pool:3333", "accepted", 1, 2, false, time.Millisecond)
	c.Flush()

	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
