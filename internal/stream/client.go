package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/papertrade/marketstream/internal/events"
	"github.com/papertrade/marketstream/internal/metrics"
)

// Client is the streaming client's public surface.
type Client interface {
	// Connect establishes the connection and blocks until authentication
	// completes, the attempt fails, ctx is done, or Disconnect rejects the
	// attempt. Idempotent: returns nil immediately when already streaming;
	// joins the in-flight attempt when one exists. A transport error during
	// the attempt rejects the call with that error while automatic recovery
	// continues in the background. When called from an event handler the
	// call cannot block; it starts or joins an attempt and returns nil.
	Connect(ctx context.Context) error

	// Disconnect cancels pending timers, closes the transport, and moves to
	// the disconnected state. The subscription ledger is preserved. A connect
	// pending at the time of the call fails with ErrDisconnected. Safe to
	// call from an event handler.
	Disconnect() error

	// Subscribe adds symbols to a channel. Only symbols not already tracked
	// produce an outbound command; an all-duplicate call is a no-op.
	Subscribe(channel string, symbols []string) error

	// Unsubscribe removes symbols from a channel. Only symbols actually
	// tracked produce an outbound command.
	Unsubscribe(channel string, symbols []string) error

	// On registers a handler for a named event.
	On(event string, fn events.Handler) events.Handle

	// Off removes a previously registered handler.
	Off(h events.Handle) bool

	// State returns the current connection state.
	State() State

	// Stats returns current client counters.
	Stats() ClientStats

	// Close tears the client down: disconnects, stops the run loop, and
	// clears the subscription ledger. The client cannot be reused.
	Close() error
}

// Option customizes a client.
type Option func(*client)

// WithMetrics wires Prometheus instrumentation into the client.
func WithMetrics(m *metrics.StreamMetrics) Option {
	return func(c *client) {
		c.metrics = m
	}
}

// withDialer replaces the transport dialer. Used by tests.
func withDialer(d dialFunc) Option {
	return func(c *client) {
		c.dial = d
	}
}

// Mailbox messages. Everything that can mutate connection state arrives at
// the run loop through one of these.
type (
	connectMsg      struct{ reply chan error }
	disconnectMsg   struct{ done chan struct{} }
	subscriptionMsg struct {
		action  string
		channel string
		symbols []string
	}
	dialDoneMsg struct {
		gen  uint64
		conn transport
		err  error
	}
	frameMsg struct {
		gen  uint64
		data []byte
	}
	transportClosedMsg struct {
		gen uint64
		err error
	}
	pongMsg struct{ gen uint64 }
)

// statsCounter is the shared counter block behind Stats(). The run loop (and
// its dispatcher) writes; Stats() reads.
type statsCounter struct {
	mu sync.Mutex
	s  ClientStats
}

func (sc *statsCounter) update(f func(*ClientStats)) {
	sc.mu.Lock()
	f(&sc.s)
	sc.mu.Unlock()
}

func (sc *statsCounter) snapshot() ClientStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.s
}

// client implements Client. All fields below the mailbox are owned by the
// run loop and never touched from other goroutines.
type client struct {
	cfg     Config
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.StreamMetrics
	dial    dialFunc
	stats   *statsCounter

	mailbox   chan any
	closed    chan struct{} // closed by Close(); stops the run loop
	done      chan struct{} // closed when the run loop has exited
	closeOnce sync.Once
	loopGoid  atomic.Uint64 // run-loop goroutine id; detects reentrant calls

	// Run-loop owned state.
	state    State
	conn     transport
	gen      uint64 // connection generation; stale transport events are discarded
	attempts int
	waiters  []chan error
	subs     *subscriptions
	hb       *heartbeat
	auth     *authenticator
	disp     *dispatcher

	reconnectTimer *time.Timer
	hbTicker       *time.Ticker
}

// New creates a streaming client and starts its run loop.
func New(cfg Config, logger *slog.Logger, opts ...Option) Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	c := &client{
		cfg:     cfg,
		logger:  logger,
		bus:     events.New(logger),
		dial:    dialWebSocket,
		stats:   &statsCounter{},
		mailbox: make(chan any, cfg.BufferSize),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateDisconnected,
		subs:    newSubscriptions(),
		hb:      newHeartbeat(cfg.PingInterval, cfg.StalenessThreshold),
		auth:    newAuthenticator(cfg.Credentials),
	}
	c.stats.update(func(s *ClientStats) { s.State = StateDisconnected })

	for _, opt := range opts {
		opt(c)
	}

	c.disp = newDispatcher(c.bus, c, logger, c.metrics, c.stats)

	go c.run()
	return c
}

// Connect implements Client. Event handlers run on the loop goroutine, which
// cannot service its own mailbox: a reentrant call is applied inline and
// returns without waiting for authentication.
func (c *client) Connect(ctx context.Context) error {
	if c.onLoop() {
		if c.state == StateDisconnected || c.state == StateFailed {
			c.attempts = 0
			c.startDial()
		}
		return nil
	}

	reply := make(chan error, 1)
	if !c.post(connectMsg{reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// Disconnect implements Client.
func (c *client) Disconnect() error {
	if c.onLoop() {
		c.handleDisconnect()
		return nil
	}

	done := make(chan struct{})
	if !c.post(disconnectMsg{done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Subscribe implements Client. The command is queued to the run loop, which
// preserves caller order; network failures surface as events, never here.
func (c *client) Subscribe(channel string, symbols []string) error {
	msg := subscriptionMsg{action: "subscribe", channel: channel, symbols: symbols}
	if c.onLoop() {
		c.handleSubscription(msg)
		return nil
	}
	if !c.post(msg) {
		return ErrClosed
	}
	return nil
}

// Unsubscribe implements Client.
func (c *client) Unsubscribe(channel string, symbols []string) error {
	msg := subscriptionMsg{action: "unsubscribe", channel: channel, symbols: symbols}
	if c.onLoop() {
		c.handleSubscription(msg)
		return nil
	}
	if !c.post(msg) {
		return ErrClosed
	}
	return nil
}

// On implements Client.
func (c *client) On(event string, fn events.Handler) events.Handle {
	return c.bus.Subscribe(event, fn)
}

// Off implements Client.
func (c *client) Off(h events.Handle) bool {
	return c.bus.Unsubscribe(h)
}

// State implements Client.
func (c *client) State() State {
	return c.stats.snapshot().State
}

// Stats implements Client.
func (c *client) Stats() ClientStats {
	return c.stats.snapshot()
}

// Close implements Client.
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	if c.onLoop() {
		// The loop tears down once the current handler returns; waiting
		// here would prevent exactly that.
		return nil
	}
	<-c.done
	return nil
}

// post queues a message for the run loop. Returns false when the client is
// closed.
func (c *client) post(msg any) bool {
	select {
	case c.mailbox <- msg:
		return true
	case <-c.closed:
		return false
	}
}

// run is the single goroutine that owns all connection state. Every state
// transition, timer fire, and inbound frame is handled here, one at a time.
func (c *client) run() {
	defer close(c.done)
	c.loopGoid.Store(goid())

	for {
		select {
		case <-c.closed:
			c.teardown()
			return
		case msg := <-c.mailbox:
			c.handle(msg)
		case <-c.reconnectC():
			c.reconnectTimer = nil
			if c.state == StateReconnectWaiting {
				c.startDial()
			}
		case <-c.heartbeatC():
			c.heartbeatTick()
		}
	}
}

// reconnectC returns the pending reconnect timer channel, or nil (blocks
// forever) when no retry is scheduled.
func (c *client) reconnectC() <-chan time.Time {
	if c.reconnectTimer == nil {
		return nil
	}
	return c.reconnectTimer.C
}

// heartbeatC returns the heartbeat tick channel, or nil while not streaming.
func (c *client) heartbeatC() <-chan time.Time {
	if c.hbTicker == nil {
		return nil
	}
	return c.hbTicker.C
}

func (c *client) handle(msg any) {
	switch m := msg.(type) {
	case connectMsg:
		c.handleConnect(m)
	case disconnectMsg:
		c.handleDisconnect()
		close(m.done)
	case subscriptionMsg:
		c.handleSubscription(m)
	case dialDoneMsg:
		c.handleDialDone(m)
	case frameMsg:
		if m.gen != c.gen {
			return
		}
		c.stats.update(func(s *ClientStats) { s.FramesReceived++ })
		c.metrics.FrameReceived()
		c.hb.observe(time.Now())
		c.disp.dispatch(m.data)
	case transportClosedMsg:
		if m.gen != c.gen {
			return
		}
		c.logger.Warn("transport closed unexpectedly", "error", m.err)
		c.bus.Emit(EventError, m.err)
		c.handleConnectionFailure(m.err)
	case pongMsg:
		if m.gen == c.gen {
			c.hb.observe(time.Now())
		}
	}
}

func (c *client) handleConnect(m connectMsg) {
	switch c.state {
	case StateStreaming:
		m.reply <- nil
	case StateConnecting, StateAuthenticating, StateReconnectWaiting:
		// An attempt is already in flight; join it.
		c.waiters = append(c.waiters, m.reply)
	case StateDisconnected, StateFailed:
		// Manual connect starts a fresh attempt sequence.
		c.attempts = 0
		c.waiters = append(c.waiters, m.reply)
		c.startDial()
	}
}

func (c *client) handleDisconnect() {
	c.stopReconnectTimer()
	c.stopHeartbeat()
	c.closeConn()
	c.setState(StateDisconnected)
	c.metrics.SetConnected(false)
	c.failWaiters(ErrDisconnected)
}

// teardown runs once when Close stops the loop.
func (c *client) teardown() {
	c.handleDisconnect()
	c.subs.clear()
	c.stats.update(func(s *ClientStats) { s.Subscriptions = 0 })
}

func (c *client) handleSubscription(m subscriptionMsg) {
	var delta []string
	if m.action == "subscribe" {
		delta = c.subs.add(m.channel, m.symbols)
	} else {
		delta = c.subs.remove(m.channel, m.symbols)
	}
	c.stats.update(func(s *ClientStats) { s.Subscriptions = c.subs.count() })

	if len(delta) == 0 {
		return
	}
	if c.state != StateStreaming || c.conn == nil {
		// Ledger updated; the delta reaches the server on the next replay.
		return
	}
	c.sendSubscription(m.action, m.channel, delta)
}

// startDial begins a connection attempt. The dial itself runs off-loop; its
// result is serialized back through the mailbox.
func (c *client) startDial() {
	c.setState(StateConnecting)
	c.gen++
	gen := c.gen

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conn, err := c.dial(ctx, c.cfg.endpoint(), c.cfg.WriteTimeout, func() {
			c.post(pongMsg{gen: gen})
		})
		if !c.post(dialDoneMsg{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *client) handleDialDone(m dialDoneMsg) {
	if m.gen != c.gen || c.state != StateConnecting {
		// A disconnect or newer attempt superseded this dial.
		if m.conn != nil {
			m.conn.Close()
		}
		return
	}

	if m.err != nil {
		c.logger.Warn("dial failed", "error", m.err)
		c.bus.Emit(EventError, m.err)
		c.handleConnectionFailure(m.err)
		return
	}

	c.conn = m.conn
	c.setState(StateAuthenticating)
	go c.readLoop(m.conn, m.gen)

	if err := c.auth.authenticate(m.conn); err != nil {
		c.logger.Warn("auth send failed", "error", err)
		c.bus.Emit(EventError, err)
		c.handleConnectionFailure(err)
	}
}

// readLoop pumps frames from one transport generation into the mailbox.
func (c *client) readLoop(t transport, gen uint64) {
	for {
		data, err := t.ReadFrame()
		if err != nil {
			c.post(transportClosedMsg{gen: gen, err: err})
			return
		}
		if !c.post(frameMsg{gen: gen, data: data}) {
			return
		}
	}
}

// onAuthenticated implements controlSink. Runs on the loop goroutine via the
// dispatcher, so it may mutate state directly.
func (c *client) onAuthenticated() {
	if c.state != StateAuthenticating {
		return
	}

	c.setState(StateStreaming)
	c.attempts = 0
	c.hb.start(time.Now())
	c.hbTicker = time.NewTicker(c.cfg.PingInterval)
	c.metrics.SetConnected(true)

	c.logger.Info("authenticated", "endpoint", c.cfg.endpoint())
	c.bus.Emit(EventAuthenticated, nil)
	c.resolveWaiters()
	c.resubscribeAll()
}

// resubscribeAll replays the full subscription ledger, one command per
// channel that tracks at least one symbol. The ledger itself is never
// mutated here.
func (c *client) resubscribeAll() {
	for channel, symbols := range c.subs.snapshot() {
		c.sendSubscription("subscribe", channel, symbols)
	}
}

func (c *client) sendSubscription(action, channel string, symbols []string) {
	data, err := subscriptionCommand(action, channel, symbols)
	if err != nil {
		c.logger.Error("marshal subscription command", "error", err)
		return
	}
	if err := c.conn.Send(data); err != nil {
		// The read loop observes the broken transport and drives recovery.
		c.logger.Warn("send subscription command", "action", action, "channel", channel, "error", err)
		return
	}
	c.logger.Debug("sent subscription command", "action", action, "channel", channel, "symbols", symbols)
}

// handleConnectionFailure is the shared path for dial errors, auth-send
// failures, and unexpected transport closes. Any Connect call pending on the
// attempt is rejected with err; it then either schedules a backoff retry or,
// with the attempt budget spent, enters the terminal failed state.
func (c *client) handleConnectionFailure(err error) {
	c.stopHeartbeat()
	c.closeConn()
	c.metrics.SetConnected(false)
	c.failWaiters(err)

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.enterFailed()
		return
	}

	delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, c.attempts)
	c.attempts++
	c.setState(StateReconnectWaiting)
	c.stats.update(func(s *ClientStats) {
		s.Reconnects++
		s.ReconnectAttempts = c.attempts
	})
	c.metrics.ReconnectScheduled()

	c.logger.Info("reconnect scheduled", "attempt", c.attempts, "delay", delay)
	c.stopReconnectTimer()
	c.reconnectTimer = time.NewTimer(delay)
}

// enterFailed stops automatic recovery. The terminal event fires exactly
// once per failure; only a manual Connect leaves this state.
func (c *client) enterFailed() {
	c.setState(StateFailed)
	c.logger.Error("reconnect attempts exhausted", "attempts", c.attempts)
	c.failWaiters(ErrMaxAttempts)
	c.bus.Emit(EventFailed, ErrMaxAttempts)
}

// heartbeatTick runs the periodic liveness probe.
func (c *client) heartbeatTick() {
	if c.state != StateStreaming {
		return
	}
	if c.conn == nil {
		c.stopHeartbeat()
		return
	}

	now := time.Now()
	if c.hb.stale(now) {
		// Proactive health decision, not a counted failure: the next
		// reconnect sequence starts at attempt zero.
		c.logger.Warn("connection stale, forcing reconnect",
			"silence", now.Sub(c.hb.lastSignal),
			"threshold", c.cfg.StalenessThreshold,
		)
		c.bus.Emit(EventError, ErrStale)
		c.stopHeartbeat()
		c.closeConn()
		c.metrics.SetConnected(false)
		c.metrics.ReconnectScheduled()
		c.attempts = 0
		c.stats.update(func(s *ClientStats) {
			s.Reconnects++
			s.ReconnectAttempts = 0
		})
		c.startDial()
		return
	}

	data, err := json.Marshal(pingCommand{Action: "ping"})
	if err != nil {
		return
	}
	if err := c.conn.Send(data); err != nil {
		c.logger.Debug("ping send failed", "error", err)
	}
}

// closeConn closes the current transport and bumps the generation so frames
// and close notifications still in flight are discarded.
func (c *client) closeConn() {
	c.gen++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *client) stopHeartbeat() {
	c.hb.stop()
	if c.hbTicker != nil {
		c.hbTicker.Stop()
		c.hbTicker = nil
	}
}

func (c *client) stopReconnectTimer() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *client) setState(s State) {
	c.state = s
	c.stats.update(func(st *ClientStats) { st.State = s })
}

func (c *client) resolveWaiters() {
	for _, w := range c.waiters {
		w <- nil
	}
	c.waiters = nil
}

func (c *client) failWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

// onLoop reports whether the caller is the run-loop goroutine, i.e. an event
// handler invoked by dispatch. Such calls must not round-trip through the
// mailbox: the loop cannot service it while the handler runs.
func (c *client) onLoop() bool {
	return goid() == c.loopGoid.Load()
}

// goid parses the current goroutine's id from the runtime stack header
// ("goroutine 12 [running]:").
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseUint(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}

// backoffDelay computes min(maxDelay, baseDelay * 2^attempt).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt >= 63 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
