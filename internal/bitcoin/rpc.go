package bitcoin

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/gompminer/pkg/circuit"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

// RPCClient is a read-only view of a Bitcoin Core node over JSON-RPC. The
// miner only asks it for the chain tip.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates an HTTP POST mode client for host ("ip:port").
// No connection is made until the first call.
func NewRPCClient(host, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host)
	}

	return &RPCClient{
		client: client,
		circuitBreaker: circuit.New("bitcoind", &circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 1,
			Timeout:         30 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}, nil
}

// Close shuts down the RPC client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// BestBlockHash returns the hash of the node's chain tip.
func (c *RPCClient) BestBlockHash(ctx context.Context) (chainhash.Hash, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (chainhash.Hash, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (chainhash.Hash, error) {
			hash, err := c.client.GetBestBlockHashAsync().Receive()
			if err != nil {
				return chainhash.Hash{}, errors.Wrap(err, errors.ErrorTypeNetwork, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			return *hash, nil
		})
	})
}

// MiningInfo returns the node's height and network difficulty.
func (c *RPCClient) MiningInfo(ctx context.Context) (*btcjson.GetMiningInfoResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetMiningInfoResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetMiningInfoResult, error) {
			info, err := c.client.GetMiningInfoAsync().Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "get_mining_info",
					"failed to retrieve mining information")
			}
			return info, nil
		})
	})
}

// TipSource reports the current chain tip.
type TipSource interface {
	BestBlockHash(ctx context.Context) (chainhash.Hash, error)
}

// TipPoller asks a node for its best block at a fixed interval and calls
// onBlock whenever the answer changes. The first answer only sets the baseline.
type TipPoller struct {
	source   TipSource
	interval time.Duration
	logger   *log.Logger
	onBlock  func(chainhash.Hash)

	last chainhash.Hash
	seen bool
}

// NewTipPoller creates a poller over source.
func NewTipPoller(source TipSource, interval time.Duration, logger *log.Logger, onBlock func(chainhash.Hash)) *TipPoller {
	return &TipPoller{
		source:   source,
		interval: interval,
		logger:   logger.WithComponent("rpc"),
		onBlock:  onBlock,
	}
}

// Run polls until ctx is done.
func (p *TipPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs one check. It reports whether a new tip was seen.
func (p *TipPoller) Poll(ctx context.Context) bool {
	tip, err := p.source.BestBlockHash(ctx)
	if err != nil {
		if !circuit.IsOpen(err) && ctx.Err() == nil {
			p.logger.WithError(err).Warn("failed to poll best block")
		}
		return false
	}

	if !p.seen {
		p.last, p.seen = tip, true
		p.logger.Info("node tip", "hash", tip.String())
		return false
	}
	if tip == p.last {
		return false
	}

	p.last = tip
	p.logger.Info("new block from node", "hash", tip.String())
	if p.onBlock != nil {
		p.onBlock(tip)
	}
	return true
}
