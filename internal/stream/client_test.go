package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is an in-memory transport. Sent commands are recorded;
// inbound frames are injected through push. With autoAuth set, an auth
// command is immediately answered with the authenticated ack, which lets
// tests drive the full handshake without a server.
type fakeTransport struct {
	autoAuth bool

	mu   sync.Mutex
	sent [][]byte

	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport(autoAuth bool) *fakeTransport {
	return &fakeTransport{
		autoAuth: autoAuth,
		frames:   make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (ft *fakeTransport) Send(data []byte) error {
	select {
	case <-ft.closed:
		return errors.New("transport closed")
	default:
	}

	ft.mu.Lock()
	ft.sent = append(ft.sent, append([]byte(nil), data...))
	ft.mu.Unlock()

	if ft.autoAuth && bytes.Contains(data, []byte(`"action":"auth"`)) {
		ft.push(`[{"T":"success","msg":"authenticated"}]`)
	}
	return nil
}

func (ft *fakeTransport) push(frame string) {
	select {
	case ft.frames <- []byte(frame):
	case <-ft.closed:
	}
}

func (ft *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case f := <-ft.frames:
		return f, nil
	case <-ft.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (ft *fakeTransport) Close() error {
	ft.once.Do(func() { close(ft.closed) })
	return nil
}

// commands decodes every recorded Send as a JSON object.
func (ft *fakeTransport) commands() []map[string]any {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	out := make([]map[string]any, 0, len(ft.sent))
	for _, data := range ft.sent {
		var cmd map[string]any
		if json.Unmarshal(data, &cmd) == nil {
			out = append(out, cmd)
		}
	}
	return out
}

// commandCount counts recorded sends with the given action.
func (ft *fakeTransport) commandCount(action string) int {
	n := 0
	for _, cmd := range ft.commands() {
		if cmd["action"] == action {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeTransports, optionally failing the first few
// dials to exercise the retry path. With hold set, every dial blocks until
// the channel is closed, which keeps a connection attempt in flight.
type fakeDialer struct {
	autoAuth bool
	hold     chan struct{}

	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeTransport
}

func (fd *fakeDialer) dial(ctx context.Context, url string, writeTimeout time.Duration, onPong func()) (transport, error) {
	if fd.hold != nil {
		select {
		case <-fd.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()

	fd.dials++
	if fd.failures > 0 {
		fd.failures--
		return nil, errors.New("dial refused")
	}
	ft := newFakeTransport(fd.autoAuth)
	fd.conns = append(fd.conns, ft)
	return ft, nil
}

func (fd *fakeDialer) dialCount() int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.dials
}

func (fd *fakeDialer) conn(i int) *fakeTransport {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if i < 0 {
		i += len(fd.conns)
	}
	return fd.conns[i]
}

func testConfig() Config {
	return Config{
		Credentials:          Credentials{Key: "key-id", Secret: "key-secret"},
		URL:                  "ws://fake.test/v2/iex",
		PingInterval:         time.Hour, // keep the heartbeat quiet unless a test wants it
		StalenessThreshold:   2 * time.Hour,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		WriteTimeout:         time.Second,
		BufferSize:           64,
	}
}

func newTestClient(t *testing.T, cfg Config, fd *fakeDialer) Client {
	t.Helper()
	c := New(cfg, discardLogger(), withDialer(fd.dial))
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func connectStreaming(t *testing.T, c Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State(); got != StateStreaming {
		t.Fatalf("state after connect = %s, want %s", got, StateStreaming)
	}
}

func TestClient_ConnectAuthenticates(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)

	connectStreaming(t, c)

	cmds := fd.conn(0).commands()
	if len(cmds) == 0 || cmds[0]["action"] != "auth" {
		t.Fatalf("first command = %v, want auth", cmds)
	}
	if cmds[0]["key"] != "key-id" || cmds[0]["secret"] != "key-secret" {
		t.Errorf("auth command = %v, want configured credentials", cmds[0])
	}
	if n := c.Stats().ReconnectAttempts; n != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0 after clean connect", n)
	}
}

func TestClient_ConnectIdempotentWhileStreaming(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)

	connectStreaming(t, c)
	connectStreaming(t, c)

	if n := fd.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1 for a repeat connect", n)
	}
}

func TestClient_SubscribeSendsOnlyNewSymbols(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)
	connectStreaming(t, c)

	conn := fd.conn(0)
	if err := c.Subscribe(ChannelQuotes, []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return conn.commandCount("subscribe") == 1
	}, "subscribe command never sent")

	var cmd map[string]any
	for _, m := range conn.commands() {
		if m["action"] == "subscribe" {
			cmd = m
		}
	}
	want := []any{"AAPL", "MSFT"}
	if !reflect.DeepEqual(cmd["quotes"], want) {
		t.Errorf("subscribe symbols = %v, want %v", cmd["quotes"], want)
	}

	// Repeat subscription is a ledger no-op and sends nothing.
	if err := c.Subscribe(ChannelQuotes, []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return c.Stats().Subscriptions == 2
	}, "subscription count never settled")
	time.Sleep(20 * time.Millisecond)
	if n := conn.commandCount("subscribe"); n != 1 {
		t.Errorf("subscribe commands = %d, want 1 after duplicate call", n)
	}
}

func TestClient_UnsubscribeSendsOnlyTrackedSymbols(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)
	connectStreaming(t, c)

	conn := fd.conn(0)
	c.Subscribe(ChannelBars, []string{"AAPL", "MSFT"})
	waitFor(t, time.Second, func() bool {
		return conn.commandCount("subscribe") == 1
	}, "subscribe command never sent")

	// TSLA was never tracked; only MSFT goes out.
	c.Unsubscribe(ChannelBars, []string{"MSFT", "TSLA"})
	waitFor(t, time.Second, func() bool {
		return conn.commandCount("unsubscribe") == 1
	}, "unsubscribe command never sent")

	var cmd map[string]any
	for _, m := range conn.commands() {
		if m["action"] == "unsubscribe" {
			cmd = m
		}
	}
	if !reflect.DeepEqual(cmd["bars"], []any{"MSFT"}) {
		t.Errorf("unsubscribe symbols = %v, want [MSFT]", cmd["bars"])
	}

	// Nothing tracked, nothing sent.
	c.Unsubscribe(ChannelBars, []string{"GOOG"})
	waitFor(t, time.Second, func() bool {
		return c.Stats().Subscriptions == 1
	}, "subscription count never settled")
	time.Sleep(20 * time.Millisecond)
	if n := conn.commandCount("unsubscribe"); n != 1 {
		t.Errorf("unsubscribe commands = %d, want 1", n)
	}
}

func TestClient_ResubscribesAfterReconnect(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)
	connectStreaming(t, c)

	c.Subscribe(ChannelTrades, []string{"AAPL"})
	c.Subscribe(ChannelQuotes, []string{"SPY"})
	waitFor(t, time.Second, func() bool {
		return fd.conn(0).commandCount("subscribe") == 2
	}, "initial subscribe commands never sent")

	// Drop the transport; the client must recover and replay the ledger.
	fd.conn(0).Close()
	waitFor(t, 5*time.Second, func() bool {
		return fd.dialCount() == 2 && c.State() == StateStreaming
	}, "client never reconnected")

	conn := fd.conn(1)
	waitFor(t, time.Second, func() bool {
		return conn.commandCount("subscribe") == 2
	}, "ledger not replayed after reconnect")

	replayed := map[string][]any{}
	for _, cmd := range conn.commands() {
		if cmd["action"] != "subscribe" {
			continue
		}
		for _, ch := range []string{ChannelTrades, ChannelQuotes} {
			if v, ok := cmd[ch]; ok {
				replayed[ch] = v.([]any)
			}
		}
	}
	if !reflect.DeepEqual(replayed[ChannelTrades], []any{"AAPL"}) {
		t.Errorf("replayed trades = %v, want [AAPL]", replayed[ChannelTrades])
	}
	if !reflect.DeepEqual(replayed[ChannelQuotes], []any{"SPY"}) {
		t.Errorf("replayed quotes = %v, want [SPY]", replayed[ChannelQuotes])
	}
}

func TestClient_FailsAfterMaxAttempts(t *testing.T) {
	fd := &fakeDialer{failures: 1 << 20}
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	c := newTestClient(t, cfg, fd)

	var failedEvents atomic.Int32
	c.On(EventFailed, func(any) { failedEvents.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The pending call is rejected with the first dial error; the retry
	// schedule runs on in the background until the budget is spent.
	if err := c.Connect(ctx); err == nil || errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("Connect = %v, want the dial error", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return c.State() == StateFailed
	}, "client never entered failed state")
	// Initial dial plus one retry per allowed attempt.
	if n := fd.dialCount(); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
	waitFor(t, time.Second, func() bool {
		return failedEvents.Load() == 1
	}, "failed event not emitted exactly once")
}

func TestClient_DialErrorRejectsPendingConnect(t *testing.T) {
	fd := &fakeDialer{autoAuth: true, failures: 1}
	c := newTestClient(t, testConfig(), fd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	if err == nil {
		t.Fatal("Connect = nil, want rejection with the dial error")
	}
	if errors.Is(err, ErrMaxAttempts) || errors.Is(err, ErrDisconnected) {
		t.Fatalf("Connect = %v, want the transport error itself", err)
	}

	// Automatic recovery is unaffected by the rejection.
	waitFor(t, 5*time.Second, func() bool {
		return fd.dialCount() >= 2 && c.State() == StateStreaming
	}, "background retry never recovered the stream")
}

func TestClient_ManualConnectLeavesFailedState(t *testing.T) {
	fd := &fakeDialer{autoAuth: true, failures: 1 << 20}
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	c := newTestClient(t, cfg, fd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect = nil, want rejection with the dial error")
	}
	waitFor(t, 5*time.Second, func() bool {
		return c.State() == StateFailed
	}, "client never entered failed state")

	// Let the dialer succeed and connect again by hand.
	fd.mu.Lock()
	fd.failures = 0
	fd.mu.Unlock()

	connectStreaming(t, c)
	if n := c.Stats().ReconnectAttempts; n != 0 {
		t.Errorf("ReconnectAttempts = %d, want reset to 0", n)
	}
}

func TestClient_DisconnectRejectsPendingConnect(t *testing.T) {
	// Hold the dial open so the connect attempt stays in flight.
	fd := &fakeDialer{failures: 1 << 20, hold: make(chan struct{})}
	c := newTestClient(t, testConfig(), fd)
	t.Cleanup(func() { close(fd.hold) })

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background())
	}()

	waitFor(t, 5*time.Second, func() bool {
		return c.State() == StateConnecting
	}, "client never entered connecting state")

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("pending Connect = %v, want ErrDisconnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending Connect never returned")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestClient_DisconnectPreservesLedger(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)
	connectStreaming(t, c)

	c.Subscribe(ChannelTrades, []string{"AAPL"})
	waitFor(t, time.Second, func() bool {
		return c.Stats().Subscriptions == 1
	}, "subscription never recorded")

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if n := c.Stats().Subscriptions; n != 1 {
		t.Errorf("Subscriptions after disconnect = %d, want 1", n)
	}

	// Reconnect replays the preserved ledger.
	connectStreaming(t, c)
	conn := fd.conn(1)
	waitFor(t, time.Second, func() bool {
		return conn.commandCount("subscribe") == 1
	}, "ledger not replayed after manual reconnect")
}

func TestClient_StaleConnectionForcesImmediateReconnect(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.StalenessThreshold = 30 * time.Millisecond
	c := newTestClient(t, cfg, fd)

	var staleSeen atomic.Bool
	c.On(EventError, func(payload any) {
		if err, ok := payload.(error); ok && errors.Is(err, ErrStale) {
			staleSeen.Store(true)
		}
	})

	connectStreaming(t, c)

	// No inbound traffic and no pongs: the monitor declares the connection
	// dead and redials without waiting out a backoff.
	waitFor(t, 5*time.Second, func() bool {
		return fd.dialCount() >= 2 && c.State() == StateStreaming
	}, "stale connection never replaced")

	if !staleSeen.Load() {
		t.Error("stale error event never emitted")
	}
	if n := c.Stats().ReconnectAttempts; n != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0 for a health-driven reconnect", n)
	}
	if fd.conn(0).commandCount("ping") == 0 {
		t.Error("no ping probes sent before the staleness trip")
	}
}

func TestClient_RecordsFlowToHandlers(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)
	connectStreaming(t, c)

	var mu sync.Mutex
	var trades []Trade
	c.On(EventTrade, func(payload any) {
		mu.Lock()
		trades = append(trades, payload.(Trade))
		mu.Unlock()
	})

	fd.conn(0).push(`[{"T":"t","S":"AAPL","i":1,"p":187.23,"s":100},{"T":"t","S":"MSFT","i":2,"p":410.5,"s":10}]`)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trades) == 2
	}, "trade events never arrived")

	mu.Lock()
	defer mu.Unlock()
	if trades[0].Symbol != "AAPL" || trades[1].Symbol != "MSFT" {
		t.Errorf("trades = %v, want AAPL then MSFT", trades)
	}
	if s := c.Stats(); s.FramesReceived < 1 || s.RecordsDispatched < 2 {
		t.Errorf("stats = %+v, want counted frame and records", s)
	}
}

func TestClient_DisconnectFromEventHandler(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)
	connectStreaming(t, c)

	// Handlers run on the loop goroutine; the call must not wait on the
	// mailbox it would itself have to service.
	done := make(chan struct{})
	c.On(EventTrade, func(any) {
		if err := c.Disconnect(); err != nil {
			t.Errorf("Disconnect from handler: %v", err)
		}
		close(done)
	})

	fd.conn(0).push(`[{"T":"t","S":"AAPL","p":187.2}]`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect from an event handler never returned")
	}
	waitFor(t, time.Second, func() bool {
		return c.State() == StateDisconnected
	}, "client never disconnected")
}

func TestClient_HandlerDrivenReconnect(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := newTestClient(t, testConfig(), fd)
	connectStreaming(t, c)

	c.Subscribe(ChannelTrades, []string{"AAPL"})
	waitFor(t, time.Second, func() bool {
		return fd.conn(0).commandCount("subscribe") == 1
	}, "subscribe command never sent")

	done := make(chan struct{})
	h := c.On(EventTrade, func(any) {
		defer close(done)
		if err := c.Disconnect(); err != nil {
			t.Errorf("Disconnect from handler: %v", err)
		}
		if err := c.Connect(context.Background()); err != nil {
			t.Errorf("Connect from handler: %v", err)
		}
	})

	fd.conn(0).push(`[{"T":"t","S":"AAPL","p":187.2}]`)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never returned")
	}
	c.Off(h)

	// The inline connect redials and the preserved ledger is replayed.
	waitFor(t, 5*time.Second, func() bool {
		return fd.dialCount() == 2 && c.State() == StateStreaming
	}, "handler-driven reconnect never completed")
	waitFor(t, time.Second, func() bool {
		return fd.conn(1).commandCount("subscribe") == 1
	}, "ledger not replayed after handler-driven reconnect")
}

func TestClient_CloseStopsClient(t *testing.T) {
	fd := &fakeDialer{autoAuth: true}
	c := New(testConfig(), discardLogger(), withDialer(fd.dial))
	connectStreaming(t, c)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if err := c.Subscribe(ChannelTrades, []string{"AAPL"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 60 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, max},  // 64s capped
		{40, max}, // far past the cap
		{63, max}, // shift guard
		{80, max},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, max, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// mockFeedServer is a real WebSocket endpoint speaking the feed protocol:
// connected banner, auth ack, then a subscription ack and one trade after a
// subscribe command.
func mockFeedServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"success","msg":"connected"}]`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd map[string]any
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			switch cmd["action"] {
			case "auth":
				conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"success","msg":"authenticated"}]`))
			case "subscribe":
				conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"subscription","trades":["AAPL"]}]`))
				conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"t","S":"AAPL","i":52983525029461,"x":"V","p":187.23,"s":100,"z":"C"}]`))
			}
		}
	}))
}

func TestClient_AgainstWebSocketServer(t *testing.T) {
	srv := mockFeedServer(t)
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(cfg, discardLogger())
	defer c.Close()

	var mu sync.Mutex
	var gotTrade *Trade
	var gotAck *SubscriptionAck
	c.On(EventTrade, func(payload any) {
		tr := payload.(Trade)
		mu.Lock()
		gotTrade = &tr
		mu.Unlock()
	})
	c.On(EventSubscription, func(payload any) {
		ack := payload.(SubscriptionAck)
		mu.Lock()
		gotAck = &ack
		mu.Unlock()
	})

	connectStreaming(t, c)
	if err := c.Subscribe(ChannelTrades, []string{"AAPL"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotTrade != nil && gotAck != nil
	}, "trade never arrived from the mock feed")

	mu.Lock()
	defer mu.Unlock()
	if gotTrade.Symbol != "AAPL" || gotTrade.Price != 187.23 || gotTrade.Size != 100 {
		t.Errorf("trade = %+v", gotTrade)
	}
	if !reflect.DeepEqual(gotAck.Trades, []string{"AAPL"}) {
		t.Errorf("ack trades = %v, want [AAPL]", gotAck.Trades)
	}
}
