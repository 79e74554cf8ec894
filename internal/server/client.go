package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	closeWait = time.Second
	pongWait  = 60 * time.Second
)

var errClientClosed = errors.New("client connection closed")

// Client is one upgraded WebSocket. It implements registry.Transport; data
// frames go through writeMu because gorilla allows a single writer. Control
// frames use WriteControl, which gorilla allows alongside other methods.
type Client struct {
	conn *websocket.Conn
	srv  *Server
	addr string
	log  *zap.Logger

	rateLimiter *rateLimiter

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	rc          *registry.Connection
	lastInbound atomic.Int64
}

func newClient(conn *websocket.Conn, srv *Server, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(srv.cfg.MaxMessageSize)
	}
	c := &Client{
		conn:        conn,
		srv:         srv,
		addr:        addr,
		log:         srv.log.With(zap.String("remote_addr", addr)),
		rateLimiter: newRateLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval, srv.now),
		closed:      make(chan struct{}),
	}
	c.lastInbound.Store(srv.now().UnixNano())
	return c
}

// WriteFrame writes one text frame, honouring the earlier of ctx's deadline
// and the default write wait.
func (c *Client) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame with code and reason, then closes the socket.
// When a data write is in flight, typically to a peer that stopped reading,
// the close frame is skipped and closing the socket fails that write. Only
// the first call has any effect.
func (c *Client) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		if c.writeMu.TryLock() {
			msg := websocket.FormatCloseMessage(code, reason)
			if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)); werr != nil && !isExpectedCloseError(werr) {
				c.log.Debug("writing close frame", zap.Error(werr))
			}
			c.writeMu.Unlock()
		} else {
			c.log.Debug("write in flight, closing without close frame", zap.Int("code", code))
		}

		if cerr := c.conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	})
	return err
}

// reject closes a connection that was never admitted.
func (c *Client) reject(code int, reason string) {
	if err := c.Close(code, reason); err != nil {
		c.log.Debug("closing rejected connection", zap.Error(err))
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		c.markInbound()
		c.srv.dispatch.Touch(c.rc)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Client) markInbound() {
	c.lastInbound.Store(c.srv.now().UnixNano())
}

// handleReadError logs the read error at the right level. Every read error
// ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", zap.Int64("max_bytes", c.srv.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Info("unexpected websocket close", zap.Error(err))
	default:
		c.log.Info("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the message may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("rate limit exceeded, discarding message",
			zap.Int64("user_id", int64(c.rc.UserID)),
			zap.Int("burst", c.srv.cfg.RateLimit.Burst),
			zap.Duration("refill_interval", c.srv.cfg.RateLimit.RefillInterval))
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.srv.wg.Done()
		c.srv.dispatch.DisconnectConn(c.rc.ID)
		_ = c.Close(websocket.CloseNormalClosure, "")
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.markInbound()
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("extending read deadline", zap.Error(err))
		}

		if !c.checkRateLimit() {
			continue
		}

		c.srv.dispatch.HandleInbound(c.srv.ctx, c.rc, raw)
	}
}

// keepalive pings a quiet client every interval: an application ping
// envelope through the send queue and a WebSocket ping control frame.
func (c *Client) keepalive(interval time.Duration) {
	defer c.srv.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-c.srv.ctx.Done():
			return
		case <-ticker.C:
			idle := c.srv.now().Sub(time.Unix(0, c.lastInbound.Load()))
			if idle < interval {
				continue
			}
			if err := c.srv.dispatch.Ping(c.rc); err != nil {
				c.log.Debug("queueing ping envelope", zap.Error(err))
			}
			if !c.writePing() {
				return
			}
		}
	}
}

func (c *Client) writePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("writing ping frame", zap.Error(err))
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
