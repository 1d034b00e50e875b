// Package ws maintains resilient WebSocket connections to upstream
// cable endpoints. Dials go through the upstream's circuit breaker,
// reconnects use exponential backoff with jitter, and channel
// subscriptions are replayed after every reconnect.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkrall/relaycore/internal/breaker"
	"github.com/dkrall/relaycore/internal/config"
	"github.com/dkrall/relaycore/internal/metrics"
)

// ConnState describes the lifecycle state of an upstream connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateSuspended
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// dialTimeout bounds a single WebSocket dial attempt.
const dialTimeout = 10 * time.Second

// sendBufferSize is the outbound frame queue depth per connection. Frames
// are dropped (with a warning) when the queue is full rather than blocking
// the caller.
const sendBufferSize = 256

// MessageHandler receives inbound channel messages.
type MessageHandler func(upstream, channel string, payload []byte)

// Status is a point-in-time snapshot of one connection, served by the
// admin API.
type Status struct {
	Upstream      string    `json:"upstream"`
	URL           string    `json:"url"`
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	Attempts      int       `json:"reconnect_attempts"`
	LastError     string    `json:"last_error,omitempty"`
	Subscriptions []string  `json:"subscriptions"`
}

// Conn is a single managed connection to an upstream cable endpoint.
type Conn struct {
	upstream string
	url      string
	cfg      config.WSConfig
	backoff  Backoff
	breaker  *breaker.Breaker
	handler  MessageHandler
	logger   *slog.Logger

	sendCh   chan []byte
	stopCh   chan struct{}
	resumeCh chan struct{}
	done     chan struct{}

	mu          sync.Mutex
	ws          *websocket.Conn
	state       ConnState
	attempts    int
	connectedAt time.Time
	lastError   string
	subs        map[string]bool
}

func newConn(upstream, wsURL string, channels []string, cfg config.WSConfig, b *breaker.Breaker, handler MessageHandler, logger *slog.Logger) *Conn {
	subs := make(map[string]bool, len(channels))
	for _, ch := range channels {
		subs[ch] = true
	}
	return &Conn{
		upstream: upstream,
		url:      wsURL,
		cfg:      cfg,
		backoff: Backoff{
			Base:   cfg.ReconnectBaseDelay,
			Max:    cfg.ReconnectMaxDelay,
			Jitter: cfg.ReconnectJitter,
		},
		breaker:  b,
		handler:  handler,
		logger:   logger.With("upstream", upstream),
		sendCh:   make(chan []byte, sendBufferSize),
		stopCh:   make(chan struct{}),
		resumeCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
		subs:     subs,
	}
}

// Start launches the connection loop.
func (c *Conn) Start() {
	go c.run()
}

// Stop terminates the connection loop and closes the socket.
func (c *Conn) Stop() {
	close(c.stopCh)
	c.closeSocket()
	<-c.done
}

// Resume restarts the reconnect loop after the connection was suspended
// for exhausting its reconnect budget. No-op in other states.
func (c *Conn) Resume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

// Kick forces the current session to drop so the loop reconnects with a
// fresh socket. Used by the admin reconnect endpoint.
func (c *Conn) Kick() {
	c.closeSocket()
	c.Resume()
}

// Subscribe adds a channel to the subscription set and, when connected,
// sends the subscribe frame immediately. The subscription is replayed
// after every reconnect.
func (c *Conn) Subscribe(channel string) {
	c.mu.Lock()
	already := c.subs[channel]
	c.subs[channel] = true
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !already && connected {
		c.enqueue(subscribeFrame(channel))
	}
}

// Unsubscribe removes a channel from the subscription set and, when
// connected, tells the upstream to stop streaming it.
func (c *Conn) Unsubscribe(channel string) {
	c.mu.Lock()
	had := c.subs[channel]
	delete(c.subs, channel)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if had && connected {
		c.enqueue(unsubscribeFrame(channel))
	}
}

// Send publishes a message to a channel. Returns an error when the
// connection is not established.
func (c *Conn) Send(channel string, data []byte) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return errors.New("not connected")
	}
	c.enqueue(messageFrame(channel, data))
	return nil
}

// Status returns a snapshot of the connection for the admin API.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		subs = append(subs, ch)
	}
	sort.Strings(subs)

	s := Status{
		Upstream:      c.upstream,
		URL:           c.url,
		State:         c.state.String(),
		Attempts:      c.attempts,
		LastError:     c.lastError,
		Subscriptions: subs,
	}
	if c.state == StateConnected {
		s.ConnectedAt = c.connectedAt
	}
	return s
}

func (c *Conn) run() {
	defer close(c.done)

	attempt := 0
	for {
		select {
		case <-c.stopCh:
			c.setState(StateClosed)
			return
		default:
		}

		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		ws, err := c.dial()
		if err != nil {
			attempt++
			c.recordFailure(attempt, err)

			if attempt >= c.cfg.MaxReconnectAttempts {
				c.setState(StateSuspended)
				c.logger.Error("reconnect budget exhausted, suspending connection",
					"attempts", attempt)
				select {
				case <-c.resumeCh:
					attempt = 0
					continue
				case <-c.stopCh:
					c.setState(StateClosed)
					return
				}
			}

			delay := c.backoff.Delay(attempt)
			// When the breaker is open, honor its cool-down instead of
			// hammering it with probes that get rejected anyway.
			var oe *breaker.OpenError
			if errors.As(err, &oe) && oe.RetryAfter > delay {
				delay = oe.RetryAfter
			}
			select {
			case <-time.After(delay):
			case <-c.stopCh:
				c.setState(StateClosed)
				return
			}
			continue
		}

		attempt = 0
		c.setConnected(ws)
		c.logger.Info("websocket connected", "url", c.url)
		c.replaySubscriptions()

		err = c.session(ws)
		metrics.WSConnections.WithLabelValues(c.upstream).Set(0)

		select {
		case <-c.stopCh:
			c.setState(StateClosed)
			return
		default:
		}

		attempt = 1
		c.recordFailure(attempt, err)
	}
}

// dial opens the WebSocket through the circuit breaker so a flapping
// upstream is probed instead of hammered.
func (c *Conn) dial() (*websocket.Conn, error) {
	var ws *websocket.Conn
	err := c.breaker.Execute(context.Background(), func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, resp, err := websocket.DefaultDialer.DialContext(dctx, c.url, nil)
		if err != nil {
			return err
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		ws = conn
		return nil
	})
	return ws, err
}

// session runs the read loop and the write pump until either fails or the
// connection is stopped. Always returns the error that ended the session.
// The socket is closed before returning so a flapping upstream cannot
// accumulate dead descriptors across reconnect cycles.
func (c *Conn) session(ws *websocket.Conn) error {
	defer ws.Close()

	writerDone := make(chan struct{})
	go c.writePump(ws, writerDone)
	defer close(writerDone)

	ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		metrics.WSMessages.WithLabelValues(c.upstream, "in").Inc()
		c.handleIncoming(data)
	}
}

// writePump drains the send queue and emits keepalive pings. It owns all
// writes to the socket; gorilla/websocket allows only one concurrent writer.
func (c *Conn) writePump(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.sendCh:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.Close()
				return
			}
			metrics.WSMessages.WithLabelValues(c.upstream, "out").Inc()
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		case <-done:
			return
		case <-c.stopCh:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			ws.Close()
			return
		}
	}
}

// inboundFrame is the upstream cable protocol envelope.
type inboundFrame struct {
	Type       string          `json:"type"`
	Identifier string          `json:"identifier"`
	Message    json.RawMessage `json:"message"`
}

func (c *Conn) handleIncoming(data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		c.logger.Warn("dropping unparseable frame", "error", err)
		return
	}

	switch in.Type {
	case "ping", "welcome":
		return
	case "confirm_subscription":
		c.logger.Debug("subscription confirmed", "identifier", in.Identifier)
		return
	case "reject_subscription":
		c.logger.Warn("subscription rejected", "identifier", in.Identifier)
		return
	}

	if in.Message == nil || c.handler == nil {
		return
	}
	channel := channelFromIdentifier(in.Identifier)
	c.handler(c.upstream, channel, in.Message)
}

func (c *Conn) replaySubscriptions() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	sort.Strings(channels)
	for _, ch := range channels {
		c.enqueue(subscribeFrame(ch))
	}
}

func (c *Conn) enqueue(frame []byte) {
	select {
	case c.sendCh <- frame:
	default:
		c.logger.Warn("send queue full, dropping frame")
	}
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) setConnected(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.attempts = 0
	c.lastError = ""
	c.mu.Unlock()
	metrics.WSConnections.WithLabelValues(c.upstream).Set(1)
}

func (c *Conn) recordFailure(attempt int, err error) {
	metrics.WSReconnects.WithLabelValues(c.upstream).Inc()
	c.mu.Lock()
	c.attempts = attempt
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()
	c.logger.Warn("websocket connection failed", "attempt", attempt, "error", err)
}

func (c *Conn) closeSocket() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}
