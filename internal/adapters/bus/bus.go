// Package bus is the typed client of the external relay. It translates
// between the coordinator's signaling.Message and the relay's topic frames,
// and owns nothing but the websocket: no peer state lives here.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meetlink/meetlink/internal/domain"
	"github.com/meetlink/meetlink/internal/signaling"
)

var (
	ErrNotConnected      = errors.New("relay not connected")
	ErrClosed            = errors.New("bus closed")
	ErrAlreadySubscribed = errors.New("bus already subscribed")
)

const defaultWriteTimeout = 5 * time.Second

// frame is the relay's envelope. Client to relay carries an action
// (subscribe or publish); relay to client carries only topic and body.
type frame struct {
	Action string          `json:"action,omitempty"`
	Topic  string          `json:"topic"`
	Body   json.RawMessage `json:"body,omitempty"`
}

func topicFor(sid domain.SessionID) string { return "signal." + string(sid) }

// Client is a single-session relay connection. Publishes fail immediately
// while the transport is down; lost messages are not replayed. Reconnection
// uses a fixed backoff until the subscribe context ends.
type Client struct {
	url          string
	token        string
	backoff      time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	topic  string

	onMessage   func(signaling.Message)
	onTransport func(error)
	onReconnect func()
}

func New(relayURL, bearerToken string, backoff, writeTimeout time.Duration) *Client {
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Client{url: relayURL, token: bearerToken, backoff: backoff, writeTimeout: writeTimeout}
}

func (c *Client) OnTransportError(fn func(error)) { c.onTransport = fn }
func (c *Client) OnReconnected(fn func())         { c.onReconnect = fn }

// Subscribe dials the relay, registers for the session topic and starts the
// read loop. It returns once the first connection is established; later
// outages are handled by the internal redial loop.
func (c *Client) Subscribe(ctx context.Context, sid domain.SessionID, onMessage func(signaling.Message)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.topic != "" {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.topic = topicFor(sid)
	c.onMessage = onMessage
	c.mu.Unlock()

	conn, err := c.dialAndSubscribe(ctx)
	if err != nil {
		c.mu.Lock()
		c.topic = ""
		c.mu.Unlock()
		return err
	}
	c.setConn(conn)
	go c.readLoop(ctx, conn)
	return nil
}

func (c *Client) dialAndSubscribe(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	sub := frame{Action: "subscribe", Topic: c.topic}
	if err := c.writeFrame(conn, sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	return conn, nil
}

// Publish encodes and sends one message to the session topic, best-effort.
func (c *Client) Publish(sid domain.SessionID, msg signaling.Message) error {
	body, err := signaling.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.writeFrame(c.conn, frame{Action: "publish", Topic: topicFor(sid), Body: body}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close is idempotent. It drops the connection and stops the redial loop.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop pumps frames until the connection drops, then redials with a
// fixed backoff. Frames that fail to decode are logged and dropped; they
// never reach the coordinator.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		err := c.pump(conn)
		c.dropConn(conn)
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		log.Warn().Err(err).Str("module", "bus").Str("topic", c.topic).Msg("relay connection lost")
		if c.onTransport != nil {
			c.onTransport(err)
		}

		conn = c.redial(ctx)
		if conn == nil {
			return
		}
		c.setConn(conn)
		if c.onReconnect != nil {
			c.onReconnect()
		}
	}
}

func (c *Client) pump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "bus").Msg("malformed relay frame dropped")
			continue
		}
		msg, err := signaling.Decode(f.Body)
		if err != nil {
			log.Warn().Err(err).Str("module", "bus").Str("topic", f.Topic).Msg("malformed signal dropped")
			continue
		}
		c.onMessage(msg)
	}
}

// redial retries at a fixed interval; there is deliberately no growth and no
// replay of messages missed during the outage.
func (c *Client) redial(ctx context.Context) *websocket.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff):
		}
		if c.isClosed() {
			return nil
		}
		conn, err := c.dialAndSubscribe(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "bus").Str("topic", c.topic).Msg("redial failed")
			continue
		}
		log.Info().Str("module", "bus").Str("topic", c.topic).Msg("relay reconnected")
		return conn
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
