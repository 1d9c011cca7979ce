// Package main implements gompminer, a Stratum V1 mining client.
// It connects to one pool, hashes the pool's jobs on the CPU and submits shares,
// optionally recording everything to Redis, PostgreSQL, InfluxDB and Kafka.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/bardlex/gompminer/internal/bitcoin"
	"github.com/bardlex/gompminer/internal/config"
	"github.com/bardlex/gompminer/internal/database"
	"github.com/bardlex/gompminer/internal/database/influx"
	"github.com/bardlex/gompminer/internal/database/postgres"
	"github.com/bardlex/gompminer/internal/database/redis"
	"github.com/bardlex/gompminer/internal/messaging"
	"github.com/bardlex/gompminer/internal/mining"
	"github.com/bardlex/gompminer/internal/stratum"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

var version = "dev"

func main() {
	if err := newCommand(run).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("gompminer: %v", err))
		os.Exit(1)
	}
}

// newCommand builds the CLI. runFn receives the loaded configuration.
func newCommand(runFn func(context.Context, *config.Config) error) *cli.Command {
	return &cli.Command{
		Name:    "gompminer",
		Usage:   "Stratum V1 SHA-256d mining client",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file", Sources: cli.EnvVars("GOMPMINER_CONFIG")},
			&cli.StringFlag{Name: "url", Aliases: []string{"o"}, Usage: "pool URL, e.g. stratum+tcp://pool:3333"},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "pool user, COIN.address"},
			&cli.StringFlag{Name: "worker", Aliases: []string{"w"}, Usage: "worker name appended to the user"},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "pool password"},
			&cli.IntFlag{Name: "threads", Aliases: []string{"t"}, Usage: "hash workers"},
			&cli.FloatFlag{Name: "suggest-difficulty", Usage: "send mining.suggest_difficulty"},
			&cli.BoolFlag{Name: "tls-insecure", Usage: "skip pool certificate verification"},
			&cli.BoolFlag{Name: "follow-redirects", Usage: "allow client.reconnect to change host"},
			&cli.StringFlag{Name: "log-level", Usage: "debug | info | warn | error"},
			&cli.StringFlag{Name: "log-format", Usage: "json | text"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "no console share lines"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"), flagOverrides(cmd))
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			cfg.Version = version
			return runFn(ctx, cfg)
		},
		Commands: []*cli.Command{
			{
				Name:  "write-config",
				Usage: "print a default config file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "write to this file instead of stdout"},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					data, err := config.Encode(config.Default())
					if err != nil {
						return err
					}
					if out := cmd.String("out"); out != "" {
						return os.WriteFile(out, data, 0o600)
					}
					_, err = os.Stdout.Write(data)
					return err
				},
			},
		},
	}
}

// flagOverrides applies the flags that were given on the command line.
func flagOverrides(cmd *cli.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		if cmd.IsSet("url") {
			cfg.Pool.URL = cmd.String("url")
		}
		if cmd.IsSet("user") {
			cfg.Pool.User = cmd.String("user")
		}
		if cmd.IsSet("worker") {
			cfg.Pool.Worker = cmd.String("worker")
		}
		if cmd.IsSet("password") {
			cfg.Pool.Password = cmd.String("password")
		}
		if cmd.IsSet("threads") {
			cfg.Miner.Workers = int(cmd.Int("threads"))
		}
		if cmd.IsSet("suggest-difficulty") {
			cfg.Pool.SuggestDifficulty = float64(cmd.Float("suggest-difficulty"))
		}
		if cmd.IsSet("tls-insecure") {
			cfg.Pool.TLSInsecure = cmd.Bool("tls-insecure")
		}
		if cmd.IsSet("follow-redirects") {
			cfg.Pool.FollowRedirects = cmd.Bool("follow-redirects")
		}
		if cmd.IsSet("log-level") {
			cfg.Log.Level = cmd.String("log-level")
		}
		if cmd.IsSet("log-format") {
			cfg.Log.Format = cmd.String("log-format")
		}
		if cmd.IsSet("quiet") {
			cfg.Log.Console = !cmd.Bool("quiet")
		}
	}
}

// clientConfig maps the file/env configuration onto the client's.
func clientConfig(cfg *config.Config) (stratum.Config, error) {
	ep, err := stratum.ParseEndpoint(cfg.Pool.URL)
	if err != nil {
		return stratum.Config{}, err
	}
	return stratum.Config{
		Endpoint: ep,
		Session: stratum.SessionConfig{
			UserAgent:         cfg.Pool.UserAgent,
			Identity:          cfg.Identity(),
			Password:          cfg.Pool.Password,
			RetryAlternate:    cfg.RetryAlternate(),
			SuggestDifficulty: cfg.Pool.SuggestDifficulty,
		},
		TLSInsecure:     cfg.Pool.TLSInsecure,
		FollowRedirects: cfg.Pool.FollowRedirects,
		DialTimeout:     cfg.Pool.DialTimeout.Duration,
		RequestTimeout:  cfg.Pool.RequestTimeout.Duration,
		MaxTimeSkew:     cfg.Miner.MaxTimeSkew.Duration,
		Reconnect: &retry.Config{
			BaseDelay:  cfg.Pool.ReconnectBaseDelay.Duration,
			MaxDelay:   cfg.Pool.ReconnectMaxDelay.Duration,
			Multiplier: 2.0,
		},
		Engine: mining.Config{
			Workers:          cfg.Miner.Workers,
			BatchSize:        uint32(cfg.Miner.BatchSize),
			HashrateInterval: cfg.Miner.HashrateInterval.Duration,
		},
	}, nil
}

// databaseConfig enables each storage sink whose address is set.
func databaseConfig(cfg *config.Config) *database.Config {
	db := &database.Config{}
	if cfg.Sinks.RedisURL != "" {
		db.Redis = &redis.Config{
			URL:          cfg.Sinks.RedisURL,
			PoolSize:     4,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.Sinks.PostgresURL != "" {
		db.Postgres = &postgres.Config{
			URL:          cfg.Sinks.PostgresURL,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.Sinks.InfluxURL != "" {
		db.Influx = &influx.Config{
			URL:    cfg.Sinks.InfluxURL,
			Token:  cfg.Sinks.InfluxToken,
			Org:    cfg.Sinks.InfluxOrg,
			Bucket: cfg.Sinks.InfluxBucket,
		}
	}
	return db
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.Log.Level, cfg.Log.Format)

	ccfg, err := clientConfig(cfg)
	if err != nil {
		return err
	}
	logger.Info("starting gompminer",
		"version", cfg.Version,
		"pool", ccfg.Endpoint.String(),
		"identity", ccfg.Session.Identity,
		"workers", cfg.Miner.Workers,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := stratum.NewClient(ccfg, logger)

	// Optional sinks
	var (
		st  store
		pub publisher
	)
	if dbCfg := databaseConfig(cfg); dbCfg.Enabled() {
		manager, err := database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := manager.Close(); err != nil {
				logger.WithError(err).Error("failed to close database sinks")
			}
		}()
		manager.StartPeriodicTasks(ctx, 10*time.Second)
		st = manager
	}
	if len(cfg.Sinks.KafkaBrokers) > 0 {
		kafka := messaging.NewKafkaClient(cfg.Sinks.KafkaBrokers, logger)
		defer func() {
			if err := kafka.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka producers")
			}
		}()
		pub = kafka
	}
	if st != nil || pub != nil {
		rec := newRecorder(st, pub, logger, ccfg.Session.Identity, cfg.Miner.Workers)
		rec.extraNonce1 = func() string {
			en1, _, err := client.Registry().SessionParams()
			if err != nil {
				return ""
			}
			return hex.EncodeToString(en1)
		}
		client.Handle(rec)
	}

	var console *consolePrinter
	if cfg.Log.Console {
		console = newConsolePrinter(os.Stderr)
		client.Handle(console)
	}

	onBlock := func(tip chainhash.Hash) {
		if client.Registry().MarkStale(tip) {
			logger.Info("new block on the node, pausing until the pool sends a job", "tip", tip.String())
		}
	}
	switch {
	case cfg.Bitcoin.ZMQAddr != "":
		watcher, err := bitcoin.NewBlockWatcher(cfg.Bitcoin.ZMQAddr, logger, onBlock)
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("block watcher stopped")
			}
		}()
	case cfg.Bitcoin.RPCHost != "":
		node, err := bitcoin.NewRPCClient(cfg.Bitcoin.RPCHost, cfg.Bitcoin.RPCUser, cfg.Bitcoin.RPCPassword)
		if err != nil {
			return err
		}
		defer node.Close()
		if info, err := node.MiningInfo(ctx); err == nil {
			logger.Info("connected to node", "height", info.Blocks, "network_difficulty", info.Difficulty)
		}
		poller := bitcoin.NewTipPoller(node, cfg.Bitcoin.RPCPollInterval.Duration, logger, onBlock)
		go func() { _ = poller.Run(ctx) }()
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
		client.Disconnect()
		err = <-errCh
	case err = <-errCh:
	}

	counters := client.Counters()
	logger.Info("gompminer stopped",
		"submitted", counters.Submitted,
		"accepted", counters.Accepted,
		"rejected", counters.Rejected,
		"stale", counters.Stale,
		"invalid", counters.Invalid,
	)
	if console != nil {
		console.summary(counters)
	}
	return err
}
