package stratum

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

// DefaultRequestTimeout is how long a request may wait for its response.
const DefaultRequestTimeout = 30 * time.Second

// Sentinel errors returned to callers awaiting a pool response.
var (
	ErrRequestTimeout   = errors.New(errors.ErrorTypeTimeout, "request", "no response from pool within the request timeout")
	ErrConnectionClosed = errors.New(errors.ErrorTypeNetwork, "request", "connection closed before the pool responded")
	ErrNotAuthorized    = errors.New(errors.ErrorTypeHandshake, "submit", "client is not authorized")
	ErrUnauthorized     = errors.New(errors.ErrorTypeHandshake, "authorize", "pool refused every identity format")
)

// Response is the pool's answer to one request.
type Response struct {
	Result any
	Error  *Error
}

// OK reports whether the pool answered true without an error.
func (r *Response) OK() bool {
	return r.Error == nil && ParseBoolResult(r.Result)
}

// Call is one in-flight request.
type Call struct {
	ID       uint64
	Method   string
	IssuedAt time.Time

	done chan struct{}
	once sync.Once
	resp *Response
	err  error
}

func (c *Call) complete(resp *Response, err error) bool {
	completed := false
	c.once.Do(func() {
		c.resp, c.err = resp, err
		close(c.done)
		completed = true
	})
	return completed
}

// Done is closed once the call is resolved or rejected.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx ends.
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator matches responses to requests by id. Ids start at 1 and are never
// reused for the lifetime of the Correlator, across reconnects included.
type Correlator struct {
	nextID  atomic.Uint64
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	pending map[uint64]*Call
}

// NewCorrelator creates a correlator. A non-positive timeout selects DefaultRequestTimeout.
func NewCorrelator(timeout time.Duration, logger *log.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Correlator{
		timeout: timeout,
		logger:  logger.WithComponent("correlator"),
		pending: make(map[uint64]*Call),
	}
}

// Send assigns the next id, registers the call and writes the request through s.
// If the write fails the call is rejected and the error returned.
func (c *Correlator) Send(ctx context.Context, s Sender, method string, params []any) (*Call, error) {
	call := &Call{
		ID:       c.nextID.Add(1),
		Method:   method,
		IssuedAt: time.Now(),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[call.ID] = call
	c.mu.Unlock()

	if err := s.Send(ctx, NewRequest(call.ID, method, params)); err != nil {
		c.Reject(call.ID, err)
		return call, err
	}
	return call, nil
}

// Resolve completes the call with the pool's response. An unknown id is logged and ignored.
func (c *Correlator) Resolve(id uint64, result any, rpcErr *Error) bool {
	call := c.take(id)
	if call == nil {
		c.logger.Warn("unexpected response", "id", id)
		return false
	}
	return call.complete(&Response{Result: result, Error: rpcErr}, nil)
}

// Reject fails one pending call.
func (c *Correlator) Reject(id uint64, err error) bool {
	call := c.take(id)
	if call == nil {
		return false
	}
	return call.complete(nil, err)
}

// RejectAll fails every pending call with err and returns how many there were.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[uint64]*Call)
	c.mu.Unlock()

	for _, call := range calls {
		call.complete(nil, err)
	}
	return len(calls)
}

// Sweep rejects calls older than the request timeout with ErrRequestTimeout.
// The connection is left alone.
func (c *Correlator) Sweep(now time.Time) int {
	var expired []*Call

	c.mu.Lock()
	for id, call := range c.pending {
		if now.Sub(call.IssuedAt) >= c.timeout {
			expired = append(expired, call)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, call := range expired {
		c.logger.Warn("request timed out", "id", call.ID, "method", call.Method)
		call.complete(nil, ErrRequestTimeout)
	}
	return len(expired)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Correlator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Pending returns the number of in-flight calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id uint64) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}
