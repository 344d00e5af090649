package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
)

// ConnectionState tracks where a managed connection is in its lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 50 * time.Second

	backoffBase          = 1 * time.Second
	backoffCap           = 60 * time.Second
	maxReconnectAttempts = 10
)

// backoffDelay returns the wait before reconnect attempt n (0-based):
// base doubled per attempt, capped.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Handler consumes one frame from a connection. Handlers run synchronously on
// the read loop, so frames on one connection are always processed in arrival
// order. A returned error is logged and the loop keeps reading.
type Handler func(ctx context.Context, raw []byte) error

// SubscribeEncoder builds the wire frame for a subscribe or unsubscribe of
// the given keys. Nil means the CLOB market-channel shape.
type SubscribeEncoder func(keys []string, subscribe bool) any

type clobSubscription struct {
	AssetsIDs []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

func defaultSubscribeEncoder(keys []string, subscribe bool) any {
	op := "subscribe"
	if !subscribe {
		op = "unsubscribe"
	}
	return clobSubscription{AssetsIDs: keys, Operation: op}
}

// ConnConfig registers one named connection with the supervisor.
type ConnConfig struct {
	Name    string
	URL     string
	Encode  SubscribeEncoder // nil for the default shape
	Handler Handler
}

type managedConn struct {
	cfg   ConnConfig
	state int32 // atomic ConnectionState

	mu         sync.Mutex // guards ws and subscribed
	ws         *websocket.Conn
	subscribed map[string]struct{}
}

func (m *managedConn) setState(s ConnectionState) {
	atomic.StoreInt32(&m.state, int32(s))
	var v float64
	if s == StateConnected {
		v = 1
	}
	observ.SetGauge("ws_connected", v, map[string]string{"conn": m.cfg.Name})
}

func (m *managedConn) getState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&m.state))
}

// writeJSON marshals v and writes it under the write deadline. Callers must
// hold m.mu.
func (m *managedConn) writeJSON(v any) error {
	if m.ws == nil {
		return errors.New("not connected")
	}
	m.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.ws.WriteJSON(v)
}

// Supervisor owns a set of named WebSocket connections, reconnecting each
// with exponential backoff and replaying its subscriptions after a drop. A
// connection that fails maxReconnectAttempts times in a row is marked down
// permanently; the other connections are unaffected.
type Supervisor struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewSupervisor() *Supervisor {
	return &Supervisor{conns: map[string]*managedConn{}}
}

// Register adds a connection before Start. Duplicate names are rejected.
func (s *Supervisor) Register(cfg ConnConfig) error {
	if cfg.Name == "" || cfg.URL == "" {
		return errors.New("connection needs a name and url")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("connection %s needs a handler", cfg.Name)
	}
	if cfg.Encode == nil {
		cfg.Encode = defaultSubscribeEncoder
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}
	if _, ok := s.conns[cfg.Name]; ok {
		return fmt.Errorf("connection %s already registered", cfg.Name)
	}
	s.conns[cfg.Name] = &managedConn{
		cfg:        cfg,
		subscribed: map[string]struct{}{},
	}
	return nil
}

// Start launches one connect loop per registered connection.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for _, mc := range s.conns {
		mc := mc
		s.group.Go(func() error {
			s.connectLoop(ctx, mc)
			return nil
		})
	}
	return nil
}

// Stop tears down all connections and waits for the loops to exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	group := s.group
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}

// IsConnected reports whether the named connection is currently up.
func (s *Supervisor) IsConnected(name string) bool {
	mc := s.conn(name)
	return mc != nil && mc.getState() == StateConnected
}

// Subscribe adds keys to the connection's standing set and sends a subscribe
// frame. It returns false when the connection is down or the write fails;
// the keys are not queued for later.
func (s *Supervisor) Subscribe(name string, keys ...string) bool {
	return s.sendSubscription(name, keys, true)
}

// Unsubscribe removes keys from the standing set so they are not replayed on
// reconnect, and sends an unsubscribe frame when connected.
func (s *Supervisor) Unsubscribe(name string, keys ...string) bool {
	return s.sendSubscription(name, keys, false)
}

func (s *Supervisor) sendSubscription(name string, keys []string, subscribe bool) bool {
	mc := s.conn(name)
	if mc == nil || len(keys) == 0 {
		return false
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if subscribe {
		if mc.getState() != StateConnected || mc.ws == nil {
			return false
		}
		for _, k := range keys {
			mc.subscribed[k] = struct{}{}
		}
	} else {
		for _, k := range keys {
			delete(mc.subscribed, k)
		}
		if mc.getState() != StateConnected || mc.ws == nil {
			return false
		}
	}

	if err := mc.writeJSON(mc.cfg.Encode(keys, subscribe)); err != nil {
		observ.Log("ws_subscribe_write_failed", map[string]any{
			"conn": name, "subscribe": subscribe, "error": err.Error(),
		})
		return false
	}
	return true
}

// SubscribedKeys returns a snapshot of the standing subscription set.
func (s *Supervisor) SubscribedKeys(name string) []string {
	mc := s.conn(name)
	if mc == nil {
		return nil
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]string, 0, len(mc.subscribed))
	for k := range mc.subscribed {
		out = append(out, k)
	}
	return out
}

func (s *Supervisor) conn(name string) *managedConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[name]
}

// connectLoop handles the connect / consume / backoff cycle for one
// connection.
func (s *Supervisor) connectLoop(ctx context.Context, mc *managedConn) {
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			mc.setState(StateDisconnected)
			return
		default:
		}

		mc.setState(StateConnecting)
		connected, err := s.connectAndConsume(ctx, mc)
		mc.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		if connected {
			attempts = 0
		}

		attempts++
		if attempts > maxReconnectAttempts {
			observ.Log("ws_permanently_down", map[string]any{
				"conn": mc.cfg.Name, "attempts": attempts - 1, "error": errString(err),
			})
			return
		}

		delay := backoffDelay(attempts - 1)
		observ.Log("ws_reconnecting", map[string]any{
			"conn": mc.cfg.Name, "attempt": attempts, "delay_ms": delay.Milliseconds(), "error": errString(err),
		})
		observ.IncCounter("ws_reconnects_total", map[string]string{"conn": mc.cfg.Name})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// connectAndConsume dials, replays the subscription set, and reads frames
// until the connection drops. The bool reports whether the dial succeeded.
func (s *Supervisor) connectAndConsume(ctx context.Context, mc *managedConn) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, mc.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", mc.cfg.URL, err)
	}

	mc.mu.Lock()
	mc.ws = ws
	replay := make([]string, 0, len(mc.subscribed))
	for k := range mc.subscribed {
		replay = append(replay, k)
	}
	mc.mu.Unlock()

	mc.setState(StateConnected)
	observ.Log("ws_connected", map[string]any{"conn": mc.cfg.Name, "url": mc.cfg.URL})

	if len(replay) > 0 {
		mc.mu.Lock()
		err := mc.writeJSON(mc.cfg.Encode(replay, true))
		mc.mu.Unlock()
		if err != nil {
			s.teardown(mc, ws)
			return true, fmt.Errorf("replay subscriptions: %w", err)
		}
		observ.Log("ws_subscriptions_replayed", map[string]any{
			"conn": mc.cfg.Name, "count": len(replay),
		})
	}

	// Closing the socket on ctx cancellation unblocks ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()
	go s.pingLoop(mc, ws, done)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.teardown(mc, ws)
			return true, fmt.Errorf("read: %w", err)
		}
		if !json.Valid(raw) {
			observ.Log("ws_frame_invalid", map[string]any{"conn": mc.cfg.Name, "bytes": len(raw)})
			observ.IncCounter("ws_frames_dropped_total", map[string]string{"conn": mc.cfg.Name})
			continue
		}
		s.dispatch(ctx, mc, raw)
	}
}

func (s *Supervisor) pingLoop(mc *managedConn, ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				observ.Log("ws_ping_failed", map[string]any{"conn": mc.cfg.Name, "error": err.Error()})
				return
			}
		}
	}
}

// dispatch runs the handler for one frame. Handler errors and panics are
// contained; the read loop never dies because of a bad frame.
func (s *Supervisor) dispatch(ctx context.Context, mc *managedConn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			observ.Log("ws_handler_panic", map[string]any{"conn": mc.cfg.Name, "panic": fmt.Sprint(r)})
		}
	}()
	if err := mc.cfg.Handler(ctx, raw); err != nil {
		observ.Log("ws_handler_error", map[string]any{"conn": mc.cfg.Name, "error": err.Error()})
		observ.IncCounter("ws_handler_errors_total", map[string]string{"conn": mc.cfg.Name})
	}
}

func (s *Supervisor) teardown(mc *managedConn, ws *websocket.Conn) {
	ws.Close()
	mc.mu.Lock()
	if mc.ws == ws {
		mc.ws = nil
	}
	mc.mu.Unlock()
}
