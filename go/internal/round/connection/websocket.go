package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the websocket transport.
type WebSocketConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
}

// DefaultWebSocketConfig returns default websocket configuration for url.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   1 << 20, // round payloads carry every participant
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
}

// WebSocketDialer dials the push server over a websocket. Frames are JSON
// text messages of the form {"event": ..., "data": ...}.
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
}

func NewWebSocketDialer(config WebSocketConfig) *WebSocketDialer {
	return &WebSocketDialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
	}
}

// Dial opens a websocket and starts its keepalive pinger.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.config.URL, d.config.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.config.URL, err)
	}

	c := &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		config: d.config,
		done:   make(chan struct{}),
	}

	if d.config.MaxMessageSize > 0 {
		conn.SetReadLimit(d.config.MaxMessageSize)
	}
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if d.config.PingInterval > 0 {
		go c.pingLoop()
	}

	log.Debug().Str("connection_id", c.id).Str("url", d.config.URL).Msg("websocket connected")
	return c, nil
}

type wsConn struct {
	id     string
	conn   *websocket.Conn
	config WebSocketConfig

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Receive(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			return Message{}, fmt.Errorf("read message: %w", err)
		}
		c.extendReadDeadline()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			log.Warn().Str("connection_id", c.id).Bytes("frame", data).Msg("dropping malformed frame")
			continue
		}
		return msg, nil
	}
}

func (c *wsConn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(c.writeDeadline())
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(c.writeDeadline())
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(c.writeDeadline())
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *wsConn) extendReadDeadline() {
	if c.config.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

func (c *wsConn) writeDeadline() time.Time {
	if c.config.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.config.WriteTimeout)
}
