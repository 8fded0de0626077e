package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/errors"
	"warroom-agent/pkg/metrics"
)

// Handler receives the raw payload of one inbound event
type Handler func(payload json.RawMessage)

// Bus is the send/subscribe surface every component shares. One channel
// per process multiplexes signaling, metrics and war-room events.
type Bus interface {
	Send(eventType string, payload interface{}) error
	// Subscribe registers a handler for an event type and returns its
	// disposer
	Subscribe(eventType string, handler Handler) func()
	// OnConnect registers a handler invoked after every successful
	// (re)connect; reconnected is false for the first connect
	OnConnect(handler func(reconnected bool)) func()
	IsConnected() bool
}

// Conn is the subset of the websocket connection the channel uses,
// extracted so tests can substitute an in-memory peer.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a connection to the signaling endpoint
type DialFunc func(url string, header http.Header) (Conn, error)

func defaultDial(url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds channel configuration
type Config struct {
	URL         string
	BearerToken string
	// Backoff decides the wait between reconnect attempts; defaults to a
	// fixed 5s interval
	Backoff BackoffPolicy
	// MaxReconnectAttempts of 0 means unbounded
	MaxReconnectAttempts int
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	SendBufferSize       int
	// Dial is injectable for tests; defaults to a gorilla websocket dial
	Dial DialFunc
}

// Channel is the persistent bidirectional event channel to the coach
// backend. It survives connection churn by redialing on the configured
// backoff until Close is called.
type Channel struct {
	logger *logrus.Entry
	config Config
	dial   DialFunc

	mutex     sync.RWMutex
	conn      Conn
	connected bool
	closed    bool
	send      chan []byte

	sessionDone chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	handlers        map[string]map[int]Handler
	connectHandlers map[int]func(bool)
	nextHandlerID   int
}

// NewChannel creates a channel; Connect must be called to open it
func NewChannel(config Config, logger *logrus.Logger) *Channel {
	if config.Backoff == nil {
		config.Backoff = NewFixedBackoff(5 * time.Second)
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	dial := config.Dial
	if dial == nil {
		dial = defaultDial
	}

	return &Channel{
		logger:          logger.WithField("component", "telemetry_channel"),
		config:          config,
		dial:            dial,
		send:            make(chan []byte, config.SendBufferSize),
		done:            make(chan struct{}),
		handlers:        make(map[string]map[int]Handler),
		connectHandlers: make(map[int]func(bool)),
	}
}

// Connect opens the channel, retrying on the backoff policy until the
// first dial succeeds, the context is cancelled, or the attempt budget is
// exhausted. Once open, the channel keeps itself alive until Close.
func (c *Channel) Connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return errors.ErrChannelClosed
	}
	if c.connected {
		c.mutex.Unlock()
		return errors.ErrAlreadyConnected
	}
	c.mutex.Unlock()

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return err
	}

	c.startSession(conn, false)
	go c.supervise(ctx)
	return nil
}

// dialWithRetry dials until success, cancellation or attempt exhaustion
func (c *Channel) dialWithRetry(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if c.config.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.config.BearerToken)
	}

	attempt := 0
	for {
		select {
		case <-c.done:
			return nil, errors.ErrChannelClosed
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "channel connect cancelled")
		default:
		}

		attempt++
		conn, err := c.dial(c.config.URL, header)
		if err == nil {
			return conn, nil
		}

		metrics.RecordChannelReconnect()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"url":     c.config.URL,
		}).Warn("Channel dial failed")

		if c.config.MaxReconnectAttempts > 0 && attempt >= c.config.MaxReconnectAttempts {
			return nil, errors.Wrap(err, "channel reconnect attempts exhausted", map[string]interface{}{
				"attempts": attempt,
			})
		}

		delay := c.config.Backoff.Delay(attempt)
		select {
		case <-time.After(delay):
		case <-c.done:
			return nil, errors.ErrChannelClosed
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "channel connect cancelled")
		}
	}
}

// startSession installs a fresh connection and starts its pumps
func (c *Channel) startSession(conn Conn, reconnected bool) {
	sessionDone := make(chan struct{})

	c.mutex.Lock()
	c.conn = conn
	c.connected = true
	c.sessionDone = sessionDone
	c.mutex.Unlock()

	metrics.SetChannelConnected(true)
	c.logger.WithField("reconnected", reconnected).Info("Telemetry channel connected")

	go c.readPump(conn, sessionDone)
	go c.writePump(conn, sessionDone)

	c.notifyConnect(reconnected)
}

// supervise redials whenever the active session dies
func (c *Channel) supervise(ctx context.Context) {
	for {
		c.mutex.RLock()
		sessionDone := c.sessionDone
		c.mutex.RUnlock()

		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.Close()
			return
		case <-sessionDone:
		}

		c.mutex.Lock()
		c.connected = false
		c.mutex.Unlock()
		metrics.SetChannelConnected(false)

		select {
		case <-c.done:
			return
		default:
		}

		c.logger.Warn("Telemetry channel lost, reconnecting")
		conn, err := c.dialWithRetry(ctx)
		if err != nil {
			c.logger.WithError(err).Error("Channel reconnect abandoned")
			c.Close()
			return
		}
		c.startSession(conn, true)
	}
}

// readPump reads inbound envelopes and dispatches them until the
// connection fails
func (c *Channel) readPump(conn Conn, sessionDone chan struct{}) {
	defer close(sessionDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.WithError(err).Debug("Channel read failed")
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
			// Protocol errors are dropped, never allowed to crash the
			// registry
			metrics.RecordDroppedEvent("malformed")
			c.logger.WithError(err).Warn("Dropping malformed inbound message")
			continue
		}

		metrics.RecordChannelEvent("in", envelope.Type)
		c.dispatch(envelope)
	}
}

// writePump writes outbound frames and keepalive pings until the session ends
func (c *Channel) writePump(conn Conn, sessionDone chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.WithError(err).Debug("Channel write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch fans an envelope out to its subscribers. The handler list is
// copied before iterating so a handler that unsubscribes itself cannot
// corrupt iteration.
func (c *Channel) dispatch(envelope Envelope) {
	c.mutex.RLock()
	registered := c.handlers[envelope.Type]
	snapshot := make([]Handler, 0, len(registered))
	for _, handler := range registered {
		snapshot = append(snapshot, handler)
	}
	c.mutex.RUnlock()

	if len(snapshot) == 0 {
		metrics.RecordDroppedEvent("unrouted")
		c.logger.WithField("type", envelope.Type).Debug("No subscriber for inbound event")
		return
	}

	for _, handler := range snapshot {
		handler(envelope.Payload)
	}
}

// Send marshals an envelope and queues it for transmission
func (c *Channel) Send(eventType string, payload interface{}) error {
	c.mutex.RLock()
	connected := c.connected
	closed := c.closed
	c.mutex.RUnlock()

	if closed || !connected {
		return errors.Wrap(errors.ErrChannelClosed, "cannot send event", map[string]interface{}{
			"type": eventType,
		})
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to marshal event payload", map[string]interface{}{
				"type": eventType,
			})
		}
		raw = data
	}

	frame, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return errors.Wrap(err, "failed to marshal event envelope")
	}

	select {
	case c.send <- frame:
		metrics.RecordChannelEvent("out", eventType)
		return nil
	default:
		c.logger.WithField("type", eventType).Warn("Send buffer full, dropping event")
		return errors.New("send buffer full", map[string]interface{}{
			"type": eventType,
		})
	}
}

// Subscribe registers a handler for one inbound event type
func (c *Channel) Subscribe(eventType string, handler Handler) func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[int]Handler)
	}
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[eventType][id] = handler

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.handlers[eventType], id)
	}
}

// OnConnect registers a handler invoked after every successful (re)connect
func (c *Channel) OnConnect(handler func(reconnected bool)) func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	id := c.nextHandlerID
	c.nextHandlerID++
	c.connectHandlers[id] = handler

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.connectHandlers, id)
	}
}

func (c *Channel) notifyConnect(reconnected bool) {
	c.mutex.RLock()
	snapshot := make([]func(bool), 0, len(c.connectHandlers))
	for _, handler := range c.connectHandlers {
		snapshot = append(snapshot, handler)
	}
	c.mutex.RUnlock()

	for _, handler := range snapshot {
		handler(reconnected)
	}
}

// IsConnected reports whether the channel currently has a live connection
func (c *Channel) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected
}

// Close tears the channel down permanently; idempotent
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.closed = true
		c.connected = false
		conn := c.conn
		c.mutex.Unlock()

		close(c.done)
		if conn != nil {
			conn.Close()
		}

		metrics.SetChannelConnected(false)
		c.logger.Info("Telemetry channel closed")
	})
}
