package pettracer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pettracer-community/bridge/internal/device"
)

// Default timeouts and intervals for the realtime connection.
const (
	// defaultHandshakeTimeout is the maximum time for the websocket dial.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultReadTimeout bounds each read; server heartbeats arrive every
	// 10s, so a silent 30s window means the connection is dead.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for individual frame writes.
	defaultWriteTimeout = 5 * time.Second

	// defaultHeartbeatInterval is how often the client sends its own
	// heartbeat, matching the negotiated heart-beat header.
	defaultHeartbeatInterval = 10 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection
	// attempts.
	defaultReconnectInterval = 5 * time.Second

	// defaultMaxReconnectInterval caps the exponential backoff.
	defaultMaxReconnectInterval = 5 * time.Minute
)

// STOMP destinations on the portal broker.
const (
	destQueueMessages = "/user/queue/messages"
	destQueuePortal   = "/user/queue/portal"
	destAppSubscribe  = "/app/subscribe"
)

// SessionState tracks where the realtime connection is in its lifecycle.
type SessionState int32

// Session lifecycle states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingStompConnected
	StateSubscribed
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingStompConnected:
		return "awaiting_stomp_connected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// SessionConfig holds realtime connection configuration.
type SessionConfig struct {
	// Host is the websocket host, e.g. "pt.pettracer.com".
	Host string

	// Insecure switches to ws:// for plain-text test servers.
	Insecure bool

	// ReconnectInterval is the initial delay between reconnection
	// attempts. Default: 5 seconds.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff.
	// Default: 5 minutes.
	MaxReconnectInterval time.Duration

	// HeartbeatInterval is the client heartbeat period.
	// Default: 10 seconds.
	HeartbeatInterval time.Duration

	// ReadTimeout is the per-read deadline. Default: 30 seconds.
	ReadTimeout time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
}

// nextBackoff doubles the delay up to the configured cap.
func (c SessionConfig) nextBackoff(d time.Duration) time.Duration {
	return min(d*2, c.MaxReconnectInterval)
}

// Session maintains the realtime SockJS/STOMP connection to the portal.
//
// Thread Safety:
//   - Start and Stop are safe for concurrent use; Stop is idempotent.
//   - Device deltas are merged into the cache and fanned out through the
//     dispatcher on the session's read goroutine.
//
// Auto-Reconnection:
//   - Any connection failure triggers a reconnect with exponential
//     backoff from ReconnectInterval up to MaxReconnectInterval.
//   - The backoff resets once a connection reaches the subscribed state.
//   - Reconnection stops only when Stop() is called or the context is
//     cancelled.
type Session struct {
	cfg        SessionConfig
	auth       *AuthManager
	cache      *device.Cache
	dispatcher *Dispatcher
	logger     Logger

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	reconnectsTotal atomic.Uint64
	messagesRx      atomic.Uint64
}

// NewSession creates a realtime session. It does not connect until
// Start is called.
func NewSession(cfg SessionConfig, auth *AuthManager, cache *device.Cache, dispatcher *Dispatcher, logger Logger) *Session {
	cfg.applyDefaults()
	if logger == nil {
		logger = noopLogger{}
	}
	return &Session{
		cfg:        cfg,
		auth:       auth,
		cache:      cache,
		dispatcher: dispatcher,
		logger:     logger,
		done:       newCloseOnce(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Reconnects returns the number of reconnection attempts made so far.
func (s *Session) Reconnects() uint64 {
	return s.reconnectsTotal.Load()
}

// MessagesReceived returns the number of STOMP MESSAGE frames processed.
func (s *Session) MessagesReceived() uint64 {
	return s.messagesRx.Load()
}

// Start launches the connection loop. Calling Start twice is a no-op;
// a stopped session cannot be restarted.
func (s *Session) Start(ctx context.Context) error {
	select {
	case <-s.done.Done():
		return ErrSessionStopped
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop tears the session down and waits for the connection loop to
// exit. Safe to call more than once.
func (s *Session) Stop() {
	s.setState(StateDisconnecting)
	s.done.Close()

	// Unblock any in-flight read.
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	s.setState(StateDisconnected)
}

// run is the reconnect loop: connect, serve until failure, back off,
// repeat. Backoff resets after any connection that reached subscribed.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.cfg.ReconnectInterval

	for {
		if s.stopping(ctx) {
			return
		}

		subscribed, err := s.connectAndServe(ctx)
		if s.stopping(ctx) {
			return
		}
		if err != nil {
			s.logger.Error("realtime connection failed", "error", err, "retry_in", backoff)
		} else {
			s.logger.Warn("realtime connection closed", "retry_in", backoff)
		}

		if subscribed {
			backoff = s.cfg.ReconnectInterval
		}

		if !s.sleep(ctx, backoff) {
			return
		}

		s.reconnectsTotal.Add(1)
		if !subscribed {
			backoff = s.cfg.nextBackoff(backoff)
		}
	}
}

// stopping reports whether Stop was called or the context is done.
func (s *Session) stopping(ctx context.Context) bool {
	select {
	case <-s.done.Done():
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits for the given duration, returning false if interrupted by
// shutdown.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.done.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// connectAndServe establishes one websocket connection and serves it
// until it fails or shutdown is requested. The returned flag reports
// whether the connection reached the subscribed state.
func (s *Session) connectAndServe(ctx context.Context) (subscribed bool, err error) {
	s.setState(StateConnecting)
	defer s.setState(StateDisconnected)

	token, err := s.auth.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("obtain token: %w", err)
	}

	endpoint := s.sessionURL(token)
	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.Host, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	s.logger.Info("realtime connection established", "host", s.cfg.Host)

	// Client-side heartbeat; stops with the connection.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	s.wg.Add(1)
	go s.heartbeatLoop(conn, heartbeatDone)

	for {
		if s.stopping(ctx) {
			return subscribed, nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return subscribed, fmt.Errorf("set read deadline: %w", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.stopping(ctx) {
				return subscribed, nil
			}
			return subscribed, fmt.Errorf("read: %w", err)
		}

		frame := DecodeSockFrame(string(raw))
		switch frame.Type {
		case SockFrameOpen:
			if err := s.sendStompConnect(conn, token); err != nil {
				return subscribed, err
			}
			s.setState(StateAwaitingStompConnected)

		case SockFrameHeartbeat:
			if s.State() == StateConnecting {
				return subscribed, fmt.Errorf("heartbeat before open frame: %w", ErrProtocolViolation)
			}
			// Deadline already reset above; nothing else to do.

		case SockFrameClose:
			s.logger.Warn("server closed realtime session", "reason", frame.Reason)
			return subscribed, nil

		case SockFrameMessages:
			if s.State() == StateConnecting {
				return subscribed, fmt.Errorf("message batch before open frame: %w", ErrProtocolViolation)
			}
			for _, msg := range frame.Messages {
				ok, err := s.handleStomp(conn, msg)
				if err != nil {
					return subscribed, err
				}
				if ok {
					subscribed = true
				}
			}

		default:
			if s.State() == StateConnecting {
				return subscribed, fmt.Errorf("unexpected frame before open: %w", ErrProtocolViolation)
			}
			s.logger.Debug("dropping malformed frame", "payload", string(raw))
		}
	}
}

// heartbeatLoop sends a bare newline heartbeat at the negotiated
// interval until the connection is torn down.
func (s *Session) heartbeatLoop(conn *websocket.Conn, connDone <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeSock(conn, "\n"); err != nil {
				s.logger.Debug("heartbeat write failed", "error", err)
				return
			}
		case <-connDone:
			return
		case <-s.done.Done():
			return
		}
	}
}

// handleStomp processes one STOMP frame from a SockJS message batch.
// The returned flag is true when this frame completed the subscription
// handshake.
func (s *Session) handleStomp(conn *websocket.Conn, text string) (bool, error) {
	frame := DecodeStompFrame(text)
	switch frame.Type {
	case StompConnected:
		if err := s.subscribe(conn); err != nil {
			return false, err
		}
		s.setState(StateSubscribed)
		s.logger.Info("realtime session subscribed")
		return true, nil

	case StompMessage:
		s.messagesRx.Add(1)
		s.handleDelta(frame)
		return false, nil

	case StompError:
		// The broker reports protocol-level complaints here; surfaced
		// for diagnosis but the connection rides on.
		s.logger.Error("stomp error frame", "message", frame.Headers["message"], "body", frame.Body)
		return false, nil

	default:
		s.logger.Debug("ignoring stomp frame", "command", frame.Command)
		return false, nil
	}
}

// sendStompConnect performs the STOMP handshake over the open SockJS
// transport.
func (s *Session) sendStompConnect(conn *websocket.Conn, token string) error {
	frame := EncodeStompFrame(stompCmdConnect, map[string]string{
		"accept-version": "1.1,1.2",
		"heart-beat":     "10000,10000",
		"Authorization":  "Bearer " + token,
	}, "")
	return s.writeSock(conn, frame)
}

// subscribe issues the two queue subscriptions and then announces which
// devices we want deltas for. An empty cache skips the announcement;
// the next reconnect after seeding picks the devices up.
func (s *Session) subscribe(conn *websocket.Conn) error {
	for i, dest := range []string{destQueueMessages, destQueuePortal} {
		frame := EncodeStompFrame(stompCmdSubscribe, map[string]string{
			"id":          "sub-" + strconv.Itoa(i),
			"destination": dest,
		}, "")
		if err := s.writeSock(conn, frame); err != nil {
			return fmt.Errorf("subscribe %s: %w", dest, err)
		}
	}

	ids := s.cache.IDs()
	if len(ids) == 0 {
		s.logger.Warn("no devices in cache, skipping device subscription")
		return nil
	}

	deviceIDs := make([]any, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			deviceIDs = append(deviceIDs, n)
		} else {
			deviceIDs = append(deviceIDs, id)
		}
	}
	body, err := json.Marshal(map[string]any{"deviceIds": deviceIDs})
	if err != nil {
		return fmt.Errorf("encode device subscription: %w", err)
	}

	frame := EncodeStompFrame(stompCmdSend, map[string]string{
		"destination": destAppSubscribe,
	}, string(body))
	if err := s.writeSock(conn, frame); err != nil {
		return fmt.Errorf("send device subscription: %w", err)
	}
	s.logger.Debug("device subscription sent", "devices", len(deviceIDs))
	return nil
}

// handleDelta decodes a MESSAGE body, remaps its wire keys, merges it
// into the cache, and notifies subscribers. Subscribers hear about
// every identified delta, even when the id is not cached; the cache
// itself never invents records from deltas.
func (s *Session) handleDelta(frame StompFrame) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(frame.Body), &payload); err != nil {
		s.logger.Warn("undecodable delta payload", "error", err,
			"destination", frame.Headers["destination"])
		return
	}

	id, ok := payloadDeviceID(payload)
	if !ok {
		s.logger.Warn("delta without device id", "destination", frame.Headers["destination"])
		return
	}

	fields, unknown := remapCollarDelta(payload)
	if len(unknown) > 0 {
		s.logger.Debug("ignoring unknown wire keys", "device_id", id, "keys", unknown)
	}
	if len(fields) == 0 {
		return
	}

	if _, merged := s.cache.Merge(id, fields); !merged {
		s.logger.Warn("delta for unknown device", "device_id", id)
	}

	s.dispatcher.Notify(id, fields)
}

// writeSock wraps a frame in the SockJS send envelope and writes it.
func (s *Session) writeSock(conn *websocket.Conn, frame string) error {
	payload, err := EncodeSockSend(frame)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// sessionURL builds the SockJS endpoint URL: a random 3-digit server id
// and an 8-character session id, with the bearer token as a query
// parameter because the portal does not read websocket headers.
func (s *Session) sessionURL(token string) string {
	scheme := "wss"
	if s.cfg.Insecure {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/sc/%s/%s/websocket?access_token=%s",
		scheme, s.cfg.Host, randomServerID(), randomSessionID(), url.QueryEscape(token))
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomServerID() string {
	return fmt.Sprintf("%03d", rand.Intn(1000))
}

func randomSessionID() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = sessionIDAlphabet[rand.Intn(len(sessionIDAlphabet))]
	}
	return string(b)
}
