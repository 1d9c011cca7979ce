// Package influx writes the miner's time series (hashrate, shares, connection
// state) to InfluxDB and reads back simple aggregates.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Errors returns the channel of asynchronous write errors.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Mining metrics

// SharePoint builds a "shares" point for one submission result.
func SharePoint(identity, pool, status string, difficulty, hashDifficulty float64, blockCandidate bool, latency time.Duration, at time.Time) *write.Point {
	tags := map[string]string{
		"identity": identity,
		"pool":     pool,
		"status":   status,
		"block":    strconv.FormatBool(blockCandidate),
	}

	fields := map[string]interface{}{
		"difficulty":      difficulty,
		"hash_difficulty": hashDifficulty,
		"latency_ms":      float64(latency) / float64(time.Millisecond),
		"count":           int64(1),
	}

	return write.NewPoint("shares", tags, fields, at)
}

// HashratePoint builds a "hashrate" point.
func HashratePoint(identity string, hashrate float64, workers int, at time.Time) *write.Point {
	tags := map[string]string{
		"identity": identity,
	}

	fields := map[string]interface{}{
		"hashrate": hashrate,
		"workers":  int64(workers),
	}

	return write.NewPoint("hashrate", tags, fields, at)
}

// ConnectionPoint builds a "connection" point for a state transition.
func ConnectionPoint(identity, pool, state string, at time.Time) *write.Point {
	tags := map[string]string{
		"identity": identity,
		"pool":     pool,
		"state":    state,
	}

	fields := map[string]interface{}{
		"count": int64(1),
	}

	return write.NewPoint("connection", tags, fields, at)
}

// DifficultyPoint builds a "difficulty" point for a pool target change.
func DifficultyPoint(identity, pool string, difficulty float64, at time.Time) *write.Point {
	tags := map[string]string{
		"identity": identity,
		"pool":     pool,
	}

	fields := map[string]interface{}{
		"difficulty": difficulty,
	}

	return write.NewPoint("difficulty", tags, fields, at)
}

// WritePoint queues p for the asynchronous writer.
func (c *Client) WritePoint(p *write.Point) {
	c.writeAPI.WritePoint(p)
}

// WriteShareMetric writes a share submission metric
func (c *Client) WriteShareMetric(identity, pool, status string, difficulty, hashDifficulty float64, blockCandidate bool, latency time.Duration) {
	c.WritePoint(SharePoint(identity, pool, status, difficulty, hashDifficulty, blockCandidate, latency, time.Now()))
}

// WriteHashrateMetric writes a hashrate measurement
func (c *Client) WriteHashrateMetric(identity string, hashrate float64, workers int) {
	c.WritePoint(HashratePoint(identity, hashrate, workers, time.Now()))
}

// WriteConnectionMetric writes a connection state transition
func (c *Client) WriteConnectionMetric(identity, pool, state string) {
	c.WritePoint(ConnectionPoint(identity, pool, state, time.Now()))
}

// WriteDifficultyMetric writes a pool difficulty change
func (c *Client) WriteDifficultyMetric(identity, pool string, difficulty float64) {
	c.WritePoint(DifficultyPoint(identity, pool, difficulty, time.Now()))
}

// Query methods

// HashrateHistoryQuery is the Flux query behind GetHashrateHistory.
func HashrateHistoryQuery(bucket, identity string, duration, every time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r.identity == %q)
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: %s, fn: mean, createEmpty: false)
	`, bucket, duration.String(), identity, every.String())
}

// GetHashrateHistory retrieves hashrate history for an identity
func (c *Client) GetHashrateHistory(ctx context.Context, identity string, duration time.Duration) ([]HashrateSample, error) {
	result, err := c.queryAPI.Query(ctx, HashrateHistoryQuery(c.bucket, identity, duration, time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashrateSample
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashrateSample{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// ShareStatsQuery is the Flux query behind GetShareStats.
func ShareStatsQuery(bucket, identity string, duration time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.identity == %q)
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, bucket, duration.String(), identity)
}

// GetShareStats retrieves share statistics for a time period
func (c *Client) GetShareStats(ctx context.Context, identity string, duration time.Duration) (*ShareStats, error) {
	result, err := c.queryAPI.Query(ctx, ShareStatsQuery(c.bucket, identity, duration))
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		switch record.ValueByKey("status") {
		case "accepted":
			stats.Accepted = count
		case "rejected":
			stats.Rejected = count
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.finish()
	return stats, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Data structures

// HashrateSample represents a hashrate measurement at a point in time
type HashrateSample struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	Total           int64   `json:"total"`
	Accepted        int64   `json:"accepted"`
	Rejected        int64   `json:"rejected"`
	AcceptedPercent float64 `json:"accepted_percent"`
}

func (s *ShareStats) finish() {
	s.Total = s.Accepted + s.Rejected
	if s.Total > 0 {
		s.AcceptedPercent = float64(s.Accepted) / float64(s.Total) * 100
	}
}
