package stream

import (
	"math"
	"net/url"
	"sync"
	"time"

	"lecture-attendance-go/internal/config"
	"lecture-attendance-go/internal/metrics"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Handler receives every decoded message from a channel, in arrival order.
type Handler func(Message)

// Source is the bidirectional message transport consumed by the session
// controller. Channel is the production implementation; FakeChannel is the
// explicitly-selected demo mode.
type Source interface {
	Connect(token string)
	Send(v interface{})
	AddHandler(h Handler) int
	RemoveHandler(id int)
	WaitOpen(timeout time.Duration) bool
	Close()
	Connected() bool
}

type handlerEntry struct {
	id int
	fn Handler
}

// Channel wraps a WebSocket connection with automatic reconnect/backoff,
// heterogeneous payload decoding and an observer registry. Connection and
// send failures never propagate to callers; they surface as log records and
// synthesized messages.
type Channel struct {
	endpoint string
	cfg      config.StreamConfig
	dialer   *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	handlers  []handlerEntry
	nextID    int
	token     string
	attempts  int
	closed    bool
	reconnect *time.Timer
	opened    chan struct{}
}

// NewChannel creates a channel for the given full endpoint URL, e.g.
// "ws://host:8081/ws/lecture?lecture_id=42". It does not connect.
func NewChannel(endpoint string, cfg config.StreamConfig) *Channel {
	return &Channel{
		endpoint: endpoint,
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		opened:   make(chan struct{}, 1),
		closed:   true,
	}
}

// Connect opens the connection, appending the token as a query credential
// when present. Safe to call again after Close.
func (c *Channel) Connect(token string) {
	c.mu.Lock()
	c.token = token
	c.closed = false
	c.attempts = 0
	select {
	case <-c.opened: // drain a stale open signal from a previous run
	default:
	}
	c.mu.Unlock()
	go c.open()
}

func (c *Channel) dialURL() string {
	if c.token == "" {
		return c.endpoint
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		log.Warnf("Stream endpoint '%s' is not a valid URL: %v", c.endpoint, err)
		return c.endpoint
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Channel) open() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	target := c.dialURL()
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(target, nil)
	if err != nil {
		log.Warnf("Stream dial failed for %s: %v", c.endpoint, err)
		c.dispatch(Message{Kind: KindLog, Text: "connect failed: " + err.Error()})
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	select {
	case c.opened <- struct{}{}:
	default:
	}
	c.mu.Unlock()

	log.Infof("Stream channel open: %s", c.endpoint)
	go c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if closed {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("Stream read error: %v", err)
			} else {
				log.Infof("Stream closed: %v", err)
			}
			c.dispatch(Message{Kind: KindLog, Text: "stream closed: " + err.Error()})
			c.scheduleReconnect()
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.dispatch(DecodeText(payload))
		case websocket.BinaryMessage:
			c.dispatch(DecodeBinary(payload))
		default:
			// Control frames are handled by gorilla internally.
		}
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delay := backoffDelay(c.attempts, c.cfg)
	c.attempts++
	metrics.Reconnects.Inc()
	log.Infof("Scheduling stream reconnect attempt %d in %s", c.attempts, delay)
	c.reconnect = time.AfterFunc(delay, c.open)
}

// backoffDelay computes the reconnect delay for the given attempt count:
// base × factor^attempt, capped.
func backoffDelay(attempt int, cfg config.StreamConfig) time.Duration {
	base := float64(cfg.BackoffBaseMs)
	ms := base * math.Pow(cfg.BackoffFactor, float64(attempt))
	if capMs := float64(cfg.BackoffCapMs); ms > capMs {
		ms = capMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Send serializes v as JSON and transmits it while the channel is open.
// Fire-and-forget: when the channel is not open the message is dropped with
// a log record, never an error to the caller.
func (c *Channel) Send(v interface{}) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		log.Warn("Stream channel not open, dropping outbound message")
		return
	}
	c.writeMu.Lock()
	err := conn.WriteJSON(v)
	c.writeMu.Unlock()
	if err != nil {
		log.Warnf("Stream send failed: %v", err)
	}
}

// SendBinary transmits raw bytes (the sender's JPEG frames) while open.
func (c *Channel) SendBinary(payload []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		log.Warnf("Stream binary send failed: %v", err)
	}
}

// AddHandler registers an observer and returns its registration id.
// Handlers are invoked in registration order for every decoded message.
func (c *Channel) AddHandler(h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers = append(c.handlers, handlerEntry{id: c.nextID, fn: h})
	return c.nextID
}

// RemoveHandler deregisters the observer with the given id.
func (c *Channel) RemoveHandler(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.handlers {
		if e.id == id {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers))
	copy(entries, c.handlers)
	c.mu.Unlock()
	for _, e := range entries {
		e.fn(msg)
	}
}

// WaitOpen blocks until the connection is established or the timeout
// elapses. Callers proceed regardless of the result so the UI never hangs
// on a slow handshake.
func (c *Channel) WaitOpen(timeout time.Duration) bool {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	select {
	case <-c.opened:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Connected reports whether the underlying socket is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close disables reconnection, cancels any pending reconnect timer and
// releases the underlying connection.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
