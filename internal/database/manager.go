// Package database coordinates the miner's optional storage sinks: Redis for
// live state, PostgreSQL for the share ledger and InfluxDB for time series.
// Any of them may be disabled; calls to a disabled sink are no-ops.
package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompminer/internal/database/influx"
	"github.com/bardlex/gompminer/internal/database/postgres"
	"github.com/bardlex/gompminer/internal/database/redis"
	"github.com/bardlex/gompminer/pkg/circuit"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

// HashrateWindow is how long Redis keeps hashrate samples.
const HashrateWindow = 10 * time.Minute

// LiveState is the Redis side of the manager.
type LiveState interface {
	SetState(ctx context.Context, identity, pool, state string, at time.Time) error
	SetCurrentJob(ctx context.Context, identity string, job any) error
	IncrementShare(ctx context.Context, identity, status string, at time.Time) (int64, error)
	SetHashrate(ctx context.Context, identity string, hashrate float64, at time.Time, window time.Duration) error
	Health(ctx context.Context) error
	Close() error
}

// Ledger is the PostgreSQL side of the manager.
type Ledger interface {
	OpenSession(ctx context.Context, session *postgres.Session) error
	MarkAuthorized(ctx context.Context, sessionID int64, identity, extraNonce1 string, at time.Time) error
	CloseSession(ctx context.Context, sessionID int64, reason string, at time.Time) error
	CreateShare(ctx context.Context, share *postgres.Share) error
	Health(ctx context.Context) error
	Close() error
}

// Series is the InfluxDB side of the manager.
type Series interface {
	WriteShareMetric(identity, pool, status string, difficulty, hashDifficulty float64, blockCandidate bool, latency time.Duration)
	WriteHashrateMetric(identity string, hashrate float64, workers int)
	WriteConnectionMetric(identity, pool, state string)
	WriteDifficultyMetric(identity, pool string, difficulty float64)
	Flush()
	Health(ctx context.Context) error
	Close()
}

// Manager fans miner data out to whichever sinks are configured.
type Manager struct {
	live   LiveState
	ledger Ledger
	series Series

	liveBreaker   *circuit.Breaker
	ledgerBreaker *circuit.Breaker
	retryConfig   *retry.Config
	logger        *log.Logger

	sessionID atomic.Int64 // ledger row of the current connection, 0 if none
}

// Config holds configuration for all database systems. A nil entry disables that sink.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// Enabled reports whether any sink is configured.
func (c *Config) Enabled() bool {
	return c != nil && (c.Postgres != nil || c.Redis != nil || c.Influx != nil)
}

// NewManager connects to every configured sink. On failure the sinks already
// opened are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	var (
		live   LiveState
		ledger Ledger
		series Series
	)

	closeOpened := func() {
		if live != nil {
			_ = live.Close()
		}
		if ledger != nil {
			_ = ledger.Close()
		}
	}

	if cfg.Redis != nil {
		c, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis")
		}
		live = c
	}

	if cfg.Postgres != nil {
		l, err := postgres.NewLedger(ctx, cfg.Postgres)
		if err != nil {
			closeOpened()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL")
		}
		ledger = l
	}

	if cfg.Influx != nil {
		c, err := influx.NewClient(cfg.Influx)
		if err != nil {
			closeOpened()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB")
		}
		series = c
		go func() {
			for err := range c.Errors() {
				logger.WithComponent("influx").WithError(err).Warn("write failed")
			}
		}()
	}

	return New(live, ledger, series, logger), nil
}

// New builds a manager over already opened sinks. Any of them may be nil.
func New(live LiveState, ledger Ledger, series Series, logger *log.Logger) *Manager {
	logger = logger.WithComponent("database")
	m := &Manager{
		live:          live,
		ledger:        ledger,
		series:        series,
		liveBreaker:   circuit.New("redis", nil),
		ledgerBreaker: circuit.New("postgres", nil),
		retryConfig:   retry.DatabaseConfig(),
		logger:        logger,
	}
	onChange := func(name string, from, to circuit.State) {
		logger.Warn("sink circuit changed state", "sink", name, "from", from.String(), "to", to.String())
	}
	m.liveBreaker.OnStateChange(onChange)
	m.ledgerBreaker.OnStateChange(onChange)
	return m
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.ledger != nil {
		if err := m.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.live != nil {
		if err := m.live.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.series != nil {
		m.series.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all configured sinks
func (m *Manager) Health(ctx context.Context) error {
	if m.ledger != nil {
		if err := m.ledger.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.live != nil {
		if err := m.live.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.series != nil {
		if err := m.series.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// best runs a best-effort Redis write. Failures are logged, never returned.
func (m *Manager) best(ctx context.Context, op string, fn func() error) {
	if m.live == nil {
		return
	}
	if err := m.liveBreaker.Execute(ctx, fn); err != nil && !circuit.IsOpen(err) {
		m.logger.WithError(err).Debug("redis write failed", "operation", op)
	}
}

// High-level operations

// RecordConnected opens a ledger session for a fresh connection.
func (m *Manager) RecordConnected(ctx context.Context, pool, identity string, at time.Time) error {
	m.sessionID.Store(0)
	m.best(ctx, "state", func() error { return m.live.SetState(ctx, identity, pool, "connected", at) })
	if m.series != nil {
		m.series.WriteConnectionMetric(identity, pool, "connected")
	}

	if m.ledger == nil {
		return nil
	}
	sess := &postgres.Session{Pool: pool, Identity: identity, ConnectedAt: at}
	err := m.ledgerBreaker.Execute(ctx, func() error {
		return m.ledger.OpenSession(ctx, sess)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "open_session",
			"failed to record connection").WithContext("pool", pool)
	}
	m.sessionID.Store(sess.ID)
	return nil
}

// RecordAuthorized marks the current session authorized.
func (m *Manager) RecordAuthorized(ctx context.Context, pool, identity, extraNonce1 string, at time.Time) error {
	m.best(ctx, "state", func() error { return m.live.SetState(ctx, identity, pool, "authorized", at) })
	if m.series != nil {
		m.series.WriteConnectionMetric(identity, pool, "authorized")
	}

	id := m.sessionID.Load()
	if m.ledger == nil || id == 0 {
		return nil
	}
	return m.ledgerBreaker.Execute(ctx, func() error {
		return m.ledger.MarkAuthorized(ctx, id, identity, extraNonce1, at)
	})
}

// RecordDisconnected closes the current session.
func (m *Manager) RecordDisconnected(ctx context.Context, pool, identity, reason string, at time.Time) error {
	m.best(ctx, "state", func() error { return m.live.SetState(ctx, identity, pool, "disconnected", at) })
	if m.series != nil {
		m.series.WriteConnectionMetric(identity, pool, "disconnected")
	}

	id := m.sessionID.Swap(0)
	if m.ledger == nil || id == 0 {
		return nil
	}
	return m.ledgerBreaker.Execute(ctx, func() error {
		return m.ledger.CloseSession(ctx, id, reason, at)
	})
}

// RecordState stores a connection state transition.
func (m *Manager) RecordState(ctx context.Context, pool, identity, state string, at time.Time) {
	m.best(ctx, "state", func() error { return m.live.SetState(ctx, identity, pool, state, at) })
	if m.series != nil {
		m.series.WriteConnectionMetric(identity, pool, state)
	}
}

// RecordJob stores the job currently being hashed.
func (m *Manager) RecordJob(ctx context.Context, identity string, job any) {
	m.best(ctx, "job", func() error { return m.live.SetCurrentJob(ctx, identity, job) })
}

// RecordDifficulty stores a pool difficulty change.
func (m *Manager) RecordDifficulty(pool, identity string, difficulty float64) {
	if m.series != nil {
		m.series.WriteDifficultyMetric(identity, pool, difficulty)
	}
}

// RecordHashrate stores a hashrate sample.
func (m *Manager) RecordHashrate(ctx context.Context, identity string, hashrate float64, workers int, at time.Time) {
	m.best(ctx, "hashrate", func() error {
		return m.live.SetHashrate(ctx, identity, hashrate, at, HashrateWindow)
	})
	if m.series != nil {
		m.series.WriteHashrateMetric(identity, hashrate, workers)
	}
}

// RecordShare stores a share result. The ledger write is retried; Redis and
// InfluxDB are best effort.
func (m *Manager) RecordShare(ctx context.Context, pool string, share *postgres.Share) error {
	m.best(ctx, "share_counter", func() error {
		_, err := m.live.IncrementShare(ctx, share.Identity, share.Status, share.SubmittedAt)
		return err
	})
	if m.series != nil {
		latency := time.Duration(share.LatencyMS * float64(time.Millisecond))
		m.series.WriteShareMetric(share.Identity, pool, share.Status, share.Difficulty,
			share.HashDifficulty, share.BlockCandidate, latency)
	}

	if m.ledger == nil {
		return nil
	}
	if id := m.sessionID.Load(); id != 0 && share.SessionID == nil {
		share.SessionID = &id
	}
	return m.ledgerBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.ledger.CreateShare(ctx, share); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("share_id", share.ID).
					WithContext("job_id", share.JobID)
			}
			return nil
		})
	})
}

// StartPeriodicTasks flushes InfluxDB writes every interval until ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, interval time.Duration) {
	if m.series == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.series.Flush()
			}
		}
	}()
}
