package bitcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gompminer/pkg/log"
)

// TopicHashBlock is the Bitcoin Core ZMQ topic announcing a new chain tip.
const TopicHashBlock = "hashblock"

const pollInterval = 250 * time.Millisecond

// BlockWatcher follows a local node's hashblock feed so the miner can stop
// hashing on a job whose parent is no longer the chain tip.
type BlockWatcher struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
	onBlock  func(chainhash.Hash)
}

// NewBlockWatcher creates a SUB socket for endpoint. onBlock receives each new
// tip hash in internal byte order.
func NewBlockWatcher(endpoint string, logger *log.Logger, onBlock func(chainhash.Hash)) (*BlockWatcher, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &BlockWatcher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
		onBlock:  onBlock,
	}, nil
}

// Run connects, subscribes to hashblock and dispatches notifications until ctx is done.
func (w *BlockWatcher) Run(ctx context.Context) error {
	if err := w.socket.SetSubscribe(TopicHashBlock); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", TopicHashBlock, err)
	}
	if err := w.socket.Connect(w.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", w.endpoint, err)
	}
	w.logger.Info("connected to ZMQ endpoint", "endpoint", w.endpoint)

	poller := zmq.NewPoller()
	poller.Add(w.socket, zmq.POLLIN)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ZMQ watcher stopping")
			return ctx.Err()
		default:
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return err
			}
			w.logger.Warn("ZMQ poll failed", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := w.socket.RecvMessageBytes(0)
		if err != nil {
			w.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}
		if len(msg) < 2 {
			w.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		if err := w.HandleMessage(string(msg[0]), msg[1]); err != nil {
			w.logger.Warn("failed to handle ZMQ message", "topic", string(msg[0]), "error", err)
		}
	}
}

// HandleMessage decodes one ZMQ notification.
func (w *BlockWatcher) HandleMessage(topic string, data []byte) error {
	switch topic {
	case TopicHashBlock:
		if len(data) != chainhash.HashSize {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}

		// Bitcoin Core publishes the hash in display order.
		var hash chainhash.Hash
		for i := range chainhash.HashSize {
			hash[i] = data[chainhash.HashSize-1-i]
		}
		w.logger.Info("new block notification", "hash", hash.String())

		if w.onBlock != nil {
			w.onBlock(hash)
		}
	default:
		w.logger.Debug("ignoring ZMQ topic", "topic", topic)
	}
	return nil
}

// Close closes the ZMQ socket
func (w *BlockWatcher) Close() error {
	if w.socket != nil {
		return w.socket.Close()
	}
	return nil
}
