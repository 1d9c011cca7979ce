package stratum

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

// ConnState is the client connection state machine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateAuthorized
	StateReconnecting
)

// String returns string representation of the state
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Default ports when a pool URL omits one.
const (
	DefaultTCPPort = 3333
	DefaultTLSPort = 443
)

// Endpoint is a parsed pool address.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint in URL form.
func (e Endpoint) String() string {
	scheme := "stratum+tcp"
	if e.TLS {
		scheme = "stratum+ssl"
	}
	return scheme + "://" + e.Address()
}

// ParseEndpoint accepts host:port, stratum+tcp://host:port,
// stratum+ssl://host:port and stratum+tls://host:port.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("pool url is empty")
	}

	var ep Endpoint
	hostport := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid pool url %q: %w", raw, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "stratum+tcp", "stratum", "tcp":
		case "stratum+ssl", "stratum+tls", "ssl", "tls":
			ep.TLS = true
		default:
			return Endpoint{}, fmt.Errorf("unsupported pool url scheme %q", u.Scheme)
		}
		hostport = u.Host
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port given.
		host = strings.Trim(hostport, "[]")
		portStr = ""
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("pool url %q has no host", raw)
	}
	ep.Host = host

	switch {
	case portStr != "":
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port in pool url %q", raw)
		}
		ep.Port = port
	case ep.TLS:
		ep.Port = DefaultTLSPort
	default:
		ep.Port = DefaultTCPPort
	}
	return ep, nil
}

// Dial opens a TCP or TLS connection to ep within timeout.
func Dial(ctx context.Context, ep Endpoint, timeout time.Duration, tlsInsecure bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	var (
		conn net.Conn
		err  error
	)
	if ep.TLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName:         ep.Host,
				InsecureSkipVerify: tlsInsecure, //nolint:gosec // opt-in for pools with self-signed certificates
				MinVersion:         tls.VersionTLS12,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", ep.Address())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", ep.Address())
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "dial", "failed to connect to pool").
			WithContext("endpoint", ep.String())
	}
	return conn, nil
}

// Backoff tracks reconnect attempts: delay(n) = min(MaxDelay, BaseDelay * 2^n).
type Backoff struct {
	config   *retry.Config
	attempts int
}

// NewBackoff uses retry.ReconnectConfig when config is nil.
func NewBackoff(config *retry.Config) *Backoff {
	if config == nil {
		config = retry.ReconnectConfig()
	}
	return &Backoff{config: config}
}

// Delay returns the delay for a given attempt number without changing state.
func (b *Backoff) Delay(attempt int) time.Duration {
	return b.config.Delay(attempt)
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.config.Delay(b.attempts)
	b.attempts++
	return d
}

// Reset is called after a successful handshake.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of consecutive failed cycles.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Sender writes one message to the pool.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// connection is one live socket with its writer goroutine.
type connection struct {
	id       uint64
	conn     net.Conn
	logger   *log.Logger
	outbound chan *Message
	done     chan struct{}
	once     sync.Once
	writeTO  time.Duration
}

func newConnection(id uint64, conn net.Conn, logger *log.Logger, writeTimeout time.Duration) *connection {
	return &connection{
		id:       id,
		conn:     conn,
		logger:   logger.WithFields("conn_id", id, "remote_addr", conn.RemoteAddr().String()),
		outbound: make(chan *Message, 100),
		done:     make(chan struct{}),
		writeTO:  writeTimeout,
	}
}

// Send queues msg for the writer.
func (c *connection) Send(ctx context.Context, msg *Message) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop drains outbound until the connection closes. A write error closes it.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbound:
			if c.writeTO > 0 {
				if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTO)); err != nil {
					c.logger.WithError(err).Warn("failed to set write deadline")
				}
			}
			if err := EncodeLine(c.conn, msg); err != nil {
				c.logger.WithError(err).Warn("failed to write message")
				c.Close()
				return
			}
			if c.logger.Enabled(context.Background(), slog.LevelDebug) {
				if data, err := MarshalMessage(msg); err == nil {
					c.logger.LogStratumMessage("out", string(data))
				}
			}
		}
	}
}

// Close closes the socket. It reports whether this call did the closing.
func (c *connection) Close() bool {
	closed := false
	c.once.Do(func() {
		closed = true
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close error", "error", err)
		}
	})
	return closed
}

// Done is closed when the connection has been closed.
func (c *connection) Done() <-chan struct{} {
	return c.done
}
