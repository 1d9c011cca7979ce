package stratum

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompminer/internal/mining"
	"github.com/bardlex/gompminer/internal/validation"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

// Client defaults.
const (
	DefaultDialTimeout   = 30 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultSweepInterval = time.Second
	DefaultUserAgent     = "gompminer/1.0"
)

// Config holds client settings
type Config struct {
	Endpoint        Endpoint
	Session         SessionConfig
	TLSInsecure     bool
	FollowRedirects bool // let client.reconnect move to another host
	DialTimeout     time.Duration
	RequestTimeout  time.Duration
	WriteTimeout    time.Duration
	SweepInterval   time.Duration
	MaxTimeSkew     time.Duration
	Reconnect       *retry.Config
	Engine          mining.Config
}

// Client is one mining session against one pool: it owns the connection, the
// job registry, the hash engine and share submission. Run drives it; Disconnect
// stops it for good.
type Client struct {
	config     Config
	logger     *log.Logger
	registry   *mining.Registry
	engine     *mining.Engine
	correlator *Correlator
	submitter  *Submitter
	backoff    *Backoff
	events     *dispatcher

	state   atomic.Int32
	stopped atomic.Bool
	connSeq atomic.Uint64
	running atomic.Bool

	mu            sync.Mutex
	cancel        context.CancelFunc
	conn          *connection
	session       *Session
	endpoint      Endpoint
	reconnectWait *time.Duration
}

// NewClient creates a client. Zero config fields take their defaults.
func NewClient(config Config, logger *log.Logger) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Session.UserAgent == "" {
		config.Session.UserAgent = DefaultUserAgent
	}

	logger = logger.WithPool(config.Endpoint.String(), config.Session.Identity)
	registry := mining.NewRegistry()
	correlator := NewCorrelator(config.RequestTimeout, logger)
	validator := validation.NewShareValidator(registry, config.MaxTimeSkew)

	c := &Client{
		config:     config,
		logger:     logger.WithComponent("client"),
		registry:   registry,
		engine:     mining.NewEngine(registry, config.Engine, logger),
		correlator: correlator,
		submitter:  NewSubmitter(correlator, validator, registry, logger),
		backoff:    NewBackoff(config.Reconnect),
		events:     newDispatcher(logger),
		endpoint:   config.Endpoint,
	}
	c.engine.OnHashrate(func(rate float64) {
		c.emit(Event{Type: EventHashrate, Hashrate: rate})
	})
	return c
}

// Handle registers h for every event. Call before Run.
func (c *Client) Handle(h EventHandler) {
	c.events.add(h)
}

// State returns the connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// Counters returns the share counters.
func (c *Client) Counters() ShareCounters {
	return c.submitter.Counters()
}

// Registry exposes the job registry, e.g. for a block watcher.
func (c *Client) Registry() *mining.Registry {
	return c.registry
}

// Hashrate returns the latest hashrate sample in hashes per second.
func (c *Client) Hashrate() float64 {
	return c.engine.Hashrate()
}

// Endpoint returns the pool the client is currently pointed at.
func (c *Client) Endpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Run connects, mines and reconnects until ctx is done or Disconnect is
// called. Transport and handshake failures are logged and retried with
// backoff; they are never returned. Run may be called once.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New(errors.ErrorTypeInternal, "run", "client already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.stopped.Load() {
		return nil
	}

	stopEvents := make(chan struct{})
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		c.events.run(stopEvents)
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.correlator.RunSweeper(ctx, c.config.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		if err := c.engine.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("hash engine stopped")
		}
	}()
	go func() {
		defer wg.Done()
		c.submitLoop(ctx)
	}()

	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("pool session ended")
		}
		if ctx.Err() != nil || c.stopped.Load() {
			break
		}

		c.setState(StateReconnecting)
		delay := c.nextDelay()
		c.logger.Info("reconnecting", "delay", delay, "attempt", c.backoff.Attempts())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.stopped.Store(true)
	c.setState(StateDisconnected)
	cancel()
	wg.Wait()

	close(stopEvents)
	<-eventsDone
	return nil
}

// Disconnect stops the client: it cancels any pending reconnect, closes the
// socket, rejects pending requests and halts hashing. Safe to call more than once.
func (c *Client) Disconnect() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	cancel, cn := c.cancel, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cn != nil {
		cn.Close()
	}
	c.correlator.RejectAll(ErrConnectionClosed)
	c.registry.Clear()
	c.setState(StateDisconnected)
}

// Submit sends one candidate on the current connection.
func (c *Client) Submit(ctx context.Context, cand *mining.Candidate) (*ShareRecord, error) {
	c.mu.Lock()
	cn, session := c.conn, c.session
	c.mu.Unlock()

	if cn == nil || session == nil || !session.IsAuthorized() || c.State() != StateAuthorized {
		return nil, ErrNotAuthorized
	}
	return c.submitter.Submit(ctx, cn, session.Identity(), cand)
}

// runOnce is one connect, handshake and serve cycle.
func (c *Client) runOnce(ctx context.Context) error {
	ep := c.Endpoint()
	c.setState(StateConnecting)

	netConn, err := Dial(ctx, ep, c.config.DialTimeout, c.config.TLSInsecure)
	if err != nil {
		return err
	}

	cn := newConnection(c.connSeq.Add(1), netConn, c.logger, c.config.WriteTimeout)
	session := NewSession(c.config.Session, c.logger)

	c.mu.Lock()
	c.conn, c.session = cn, session
	c.mu.Unlock()
	if c.stopped.Load() {
		cn.Close()
		return nil
	}

	cn.logger.LogConnection("connected", ep.Address())
	c.setState(StateConnected)
	c.emit(Event{Type: EventConnected})

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	go cn.writeLoop()

	readDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readDone)
		defer connCancel()
		readErr = c.readLoop(connCtx, cn, session)
	}()

	err = session.Handshake(connCtx, c.correlator, cn, c.setState)
	if err != nil && ctx.Err() == nil && connCtx.Err() != nil {
		// The reader ended first; its error is the real cause.
		<-readDone
		if readErr != nil {
			err = readErr
		}
	}
	if err == nil {
		err = c.activate(session)
	}
	if err == nil {
		select {
		case <-readDone:
			err = readErr
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.teardown(cn, readDone, err)
	return err
}

// activate hands the session parameters to the registry, which starts hashing.
func (c *Client) activate(session *Session) error {
	params := session.Params()
	en1, err := params.ExtraNonce1Bytes()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "subscribe", "invalid extranonce1")
	}
	c.registry.SetSessionParams(en1, params.ExtraNonce2Size)
	c.backoff.Reset()
	c.emit(Event{Type: EventAuthorized, Identity: session.Identity()})
	return nil
}

func (c *Client) teardown(cn *connection, readDone <-chan struct{}, cause error) {
	cn.Close()
	<-readDone

	if n := c.correlator.RejectAll(ErrConnectionClosed); n > 0 {
		c.logger.Debug("rejected pending requests", "count", n)
	}
	c.registry.Clear()

	c.mu.Lock()
	if c.conn == cn {
		c.conn, c.session = nil, nil
	}
	c.mu.Unlock()

	cn.logger.LogConnection("disconnected", cn.conn.RemoteAddr().String())
	c.emit(Event{Type: EventDisconnected, Err: cause})
}

// readLoop decodes lines and dispatches them in wire order.
func (c *Client) readLoop(ctx context.Context, cn *connection, session *Session) error {
	defer cn.Close()

	dec := NewDecoder(cn.conn)
	for {
		line, err := dec.Next()
		if errors.Is(err, ErrLineTooLong) {
			cn.logger.Warn("discarding oversized message", "max_bytes", MaxLineSize)
			continue
		}
		if err != nil {
			select {
			case <-cn.Done():
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return errors.New(errors.ErrorTypeNetwork, "read", "pool closed the connection")
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "read", "failed to read from pool")
		}

		cn.logger.LogStratumMessage("in", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			cn.logger.WithError(err).Warn("discarding malformed message")
			continue
		}
		c.dispatch(ctx, cn, session, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, cn *connection, session *Session, msg *Message) {
	switch {
	case msg.IsNotification():
		c.handleNotification(ctx, cn, session, msg)
	case msg.IsResponse():
		id, ok := msg.ResponseID()
		if !ok {
			cn.logger.Warn("response with non-numeric id", "id", msg.ID)
			return
		}
		c.correlator.Resolve(id, msg.Result, msg.Error)
	default:
		cn.logger.Warn("message has neither id nor method")
	}
}

func (c *Client) handleNotification(ctx context.Context, cn *connection, session *Session, msg *Message) {
	logger := cn.logger.WithFields("method", msg.Method)

	switch msg.Method {
	case MethodNotify:
		job, err := ParseNotify(msg.Params)
		if err != nil {
			logger.WithError(err).Warn("invalid job")
			return
		}
		if err := c.registry.SetJob(job); err != nil {
			logger.WithError(err).Warn("invalid job")
			return
		}
		logger.LogJobReceived(job.JobID, job.CleanJobs, len(job.MerkleBranch))
		c.emit(Event{Type: EventNewJob, Job: job})

	case MethodSetDifficulty:
		d, err := ParseSetDifficulty(msg.Params)
		if err == nil {
			err = c.registry.SetDifficulty(d)
		}
		if err != nil {
			logger.WithError(err).Warn("invalid difficulty")
			return
		}
		logger.Info("difficulty changed", "difficulty", d)
		c.emit(Event{Type: EventDifficulty, Difficulty: d})

	case MethodSetExtranonce:
		params, err := ParseSetExtranonce(msg.Params)
		if err != nil {
			logger.WithError(err).Warn("invalid extranonce")
			return
		}
		session.SetParams(params)
		if session.IsAuthorized() {
			en1, _ := params.ExtraNonce1Bytes()
			c.registry.SetSessionParams(en1, params.ExtraNonce2Size)
		}
		logger.Info("extranonce changed",
			"extranonce1", params.ExtraNonce1,
			"extranonce2_size", params.ExtraNonce2Size)

	case MethodReconnect:
		req, err := ParseReconnect(msg.Params)
		if err != nil {
			logger.WithError(err).Warn("invalid reconnect request")
			return
		}
		c.redirect(req)
		cn.Close()

	case MethodShowMessage:
		var text string
		if len(msg.Params) > 0 {
			text, _ = msg.Params[0].(string)
		}
		logger.Info("pool message", "message", text)
		c.emit(Event{Type: EventPoolMessage, Message: text})

	case MethodGetVersion:
		if msg.ID == nil {
			return
		}
		if err := cn.Send(ctx, NewResponse(msg.ID, c.config.Session.UserAgent)); err != nil {
			logger.WithError(err).Debug("failed to answer version request")
		}

	default:
		logger.Debug("ignoring unknown method")
	}
}

// redirect applies client.reconnect. A new host is only followed when
// FollowRedirects is set; port and wait always apply.
func (c *Client) redirect(req *ReconnectRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Host != "" && req.Host != c.endpoint.Host {
		if c.config.FollowRedirects {
			c.endpoint.Host = req.Host
		} else {
			c.logger.Warn("ignoring reconnect to another host", "host", req.Host)
		}
	}
	if req.Port != 0 {
		c.endpoint.Port = req.Port
	}
	wait := req.Wait
	c.reconnectWait = &wait

	c.logger.Info("pool requested reconnect", "endpoint", c.endpoint.String(), "wait", wait)
}

func (c *Client) nextDelay() time.Duration {
	c.mu.Lock()
	wait := c.reconnectWait
	c.reconnectWait = nil
	c.mu.Unlock()

	if wait != nil {
		return *wait
	}
	return c.backoff.Next()
}

// submitLoop submits candidates one at a time, each validated against the
// registry state current when its turn comes.
func (c *Client) submitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cand := <-c.engine.Candidates():
			rec, err := c.Submit(ctx, &cand)
			if rec == nil {
				if errors.Is(err, ErrNotAuthorized) {
					c.logger.Debug("dropping candidate while not authorized", "job_id", cand.JobID)
				}
				continue
			}
			ev := Event{Type: EventShareAccepted, Share: rec, Identity: rec.Identity}
			if rec.Status != ShareAccepted {
				ev.Type = EventShareRejected
			}
			c.emit(ev)
		}
	}
}

// setState moves the state machine. After Disconnect only Disconnected is accepted.
func (c *Client) setState(s ConnState) {
	if c.stopped.Load() && s != StateDisconnected {
		return
	}
	prev := ConnState(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.LogStateChange(prev.String(), s.String())
	c.emit(Event{Type: EventStateChanged, State: s, PrevState: prev})
}

func (c *Client) emit(ev Event) {
	if ev.Pool == "" {
		ev.Pool = c.Endpoint().String()
	}
	c.events.emit(ev)
}
