// Package transport maintains the live event channel to the payment
// notification source. It delivers typed payment events to subscribers and
// survives network interruption with capped exponential backoff. No business
// logic lives here.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pos-terminal/internal/models"
	"pos-terminal/internal/util"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State of the channel as seen by subscribers.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	// StateUnavailable is entered after the reconnect attempt budget is
	// exhausted; the transport stops retrying until Connect is called again.
	StateUnavailable State = "UNAVAILABLE"
)

// SubscribeAll registers a handler for every event type.
const SubscribeAll = "*"

// Handler receives one payment event. Handlers run on the read loop
// goroutine in registration order; a panicking handler does not prevent
// the others from running.
type Handler func(models.PaymentEvent)

// StateHandler observes connection state changes (for the UI indicator).
type StateHandler func(State)

// Config for the transport. Zero values fall back to conservative defaults.
type Config struct {
	URL               string
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BackoffBase <= 0 {
		out.BackoffBase = 500 * time.Millisecond
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 10
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	return out
}

type subscription struct {
	id int
	fn Handler
}

// Transport is a reconnecting websocket client. Safe for concurrent use.
type Transport struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	attempts    int
	cancel      context.CancelFunc
	nextSubID   int
	subs        map[string][]subscription
	stateSubs   []stateSubscription
	intentional bool
}

type stateSubscription struct {
	id int
	fn StateHandler
}

// New creates a disconnected transport.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg.withDefaults(),
		logger: util.GetLogger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:  StateDisconnected,
		subs:   make(map[string][]subscription),
	}
}

// State returns the current channel state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect starts the connection loop. Calling it while connected or
// connecting is a no-op; calling it from Unavailable restarts the budget.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return
	}
	t.intentional = false
	t.attempts = 0
	t.setStateLocked(StateConnecting)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx)
}

// Disconnect closes the channel cleanly and suppresses auto-reconnect.
func (t *Transport) Disconnect(reason string) {
	t.mu.Lock()
	t.intentional = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		_ = t.conn.Close()
		t.conn = nil
	}
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	t.logger.Info("Transport disconnected", zap.String("reason", reason))
}

// Subscribe registers a handler for one event type (or SubscribeAll) and
// returns a capability that removes it. Handlers for a type run in
// registration order; SubscribeAll handlers run after the typed ones.
func (t *Transport) Subscribe(eventType string, fn Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSubID++
	id := t.nextSubID
	t.subs[eventType] = append(t.subs[eventType], subscription{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.subs[eventType]
		for i, s := range list {
			if s.id == id {
				t.subs[eventType] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers a state observer and returns its remover.
func (t *Transport) OnStateChange(fn StateHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSubID++
	id := t.nextSubID
	t.stateSubs = append(t.stateSubs, stateSubscription{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.stateSubs {
			if s.id == id {
				t.stateSubs = append(t.stateSubs[:i], t.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// Send writes a message best-effort. Payment confirmation is receive-only,
// so a send while disconnected is logged and dropped, never raised.
func (t *Transport) Send(v interface{}) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.logger.Warn("Send skipped: transport not connected")
		return
	}
	if err := conn.WriteJSON(v); err != nil {
		t.logger.Warn("Send failed", zap.Error(err))
	}
}

func (t *Transport) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		attempt := t.attempts
		t.mu.Unlock()

		if attempt >= t.cfg.MaxAttempts {
			t.logger.Error("Transport unavailable: reconnect budget exhausted",
				zap.Int("attempts", attempt))
			t.mu.Lock()
			t.cancel = nil
			t.setStateLocked(StateUnavailable)
			t.mu.Unlock()
			return
		}

		if attempt > 0 {
			util.TransportReconnectsTotal.Inc()
			select {
			case <-time.After(t.backoff(attempt)):
			case <-ctx.Done():
				return
			}
		}

		conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
		if err != nil {
			t.mu.Lock()
			t.attempts++
			t.setStateLocked(StateConnecting)
			t.mu.Unlock()
			t.logger.Warn("Transport dial failed",
				zap.String("url", t.cfg.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.attempts = 0
		t.setStateLocked(StateConnected)
		t.mu.Unlock()
		util.TransportConnected.Set(1)
		t.logger.Info("Transport connected", zap.String("url", t.cfg.URL))

		t.readLoop(ctx, conn)

		util.TransportConnected.Set(0)
		t.mu.Lock()
		t.conn = nil
		intentional := t.intentional
		if !intentional {
			t.attempts++
			t.setStateLocked(StateConnecting)
		}
		t.mu.Unlock()

		if intentional {
			return
		}
		t.logger.Warn("Transport connection lost, reconnecting")
	}
}

// readLoop pumps messages until the connection dies. A heartbeat ping goes
// out on a fixed interval; a missed pong trips the read deadline and the
// loop exits through the read error path.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	deadline := t.cfg.HeartbeatInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		t.handleMessage(raw)
	}
}

// handleMessage decodes the tagged envelope and dispatches. Malformed
// payloads are dropped with a diagnostic, never allowed to kill the loop.
func (t *Transport) handleMessage(raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.logger.Warn("Dropping malformed message", zap.Error(err))
		return
	}

	switch env.Type {
	case models.EventTypePushConfirmed, models.EventTypePushFailed, models.EventTypeInboundReceived:
		var ev models.PaymentEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.logger.Warn("Dropping malformed payment event",
				zap.String("type", env.Type), zap.Error(err))
			return
		}
		ev.Type = env.Type
		if ev.Timestamp.IsZero() {
			ev.Timestamp = env.Timestamp
		}
		t.dispatch(ev)
	default:
		t.logger.Debug("Ignoring event type", zap.String("type", env.Type))
	}
}

func (t *Transport) dispatch(ev models.PaymentEvent) {
	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.subs[ev.Type])+len(t.subs[SubscribeAll]))
	for _, s := range t.subs[ev.Type] {
		handlers = append(handlers, s.fn)
	}
	for _, s := range t.subs[SubscribeAll] {
		handlers = append(handlers, s.fn)
	}
	t.mu.Unlock()

	for _, fn := range handlers {
		t.invoke(fn, ev)
	}
}

func (t *Transport) invoke(fn Handler, ev models.PaymentEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Event handler panicked",
				zap.String("type", ev.Type), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// setStateLocked requires t.mu held. Observers run without the lock.
func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	observers := make([]StateHandler, len(t.stateSubs))
	for i, sub := range t.stateSubs {
		observers[i] = sub.fn
	}
	go func() {
		for _, fn := range observers {
			fn(s)
		}
	}()
}

func (t *Transport) backoff(attempt int) time.Duration {
	d := t.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.cfg.BackoffMax {
			return t.cfg.BackoffMax
		}
	}
	if d > t.cfg.BackoffMax {
		d = t.cfg.BackoffMax
	}
	return d
}
