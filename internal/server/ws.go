package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/stepwise/internal/bus"
	"github.com/xkilldash9x/stepwise/internal/propagation"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

// Frame types sent to websocket clients.
const (
	FrameSnapshot = "snapshot"
	FrameAck      = "ack"
	FrameError    = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidMessage     = "invalid_message"
	CodeRateLimited        = "rate_limited"
	CodeInvalidScenario    = "invalid_scenario"
	CodeInvalidSpeed       = "invalid_speed"
	CodeInvalidMode        = "invalid_mode"
	CodeBroadcastInFlight  = "broadcast_in_flight"
	CodeUnknownNode        = "unknown_node"
	CodeUnsupportedCommand = "unsupported_command"
	CodeStopped            = "stopped"
	CodeInternal           = "internal"
)

// Frame is one outbound websocket message.
type Frame struct {
	Type     string             `json:"type"`
	Cmd      string             `json:"cmd,omitempty"`
	Snapshot *timeline.Snapshot `json:"snapshot,omitempty"`
	Result   *Result            `json:"result,omitempty"`
	Code     string             `json:"code,omitempty"`
	Error    string             `json:"error,omitempty"`
}

type client struct {
	s       *Server
	sess    *Session
	conn    *websocket.Conn
	logger  *zap.Logger
	limiter *rate.Limiter

	send      chan Frame
	readDone  chan struct{}
	writeDone chan struct{}
}

func (s *Server) handleWebSocket(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if !s.track() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("Websocket upgrade failed.", zap.Error(err))
		return nil
	}

	msgs, unsubscribe := s.bus.Subscribe(sess.ID)
	defer unsubscribe()

	cl := &client{
		s:         s,
		sess:      sess,
		conn:      conn,
		logger:    s.logger.With(zap.String("session_id", sess.ID), zap.String("remote", c.RealIP())),
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.CommandRate), s.cfg.CommandBurst),
		send:      make(chan Frame, 16),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	cl.logger.Debug("Websocket connected.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.writePump(msgs, sess.Current())
	cl.readPump(ctx)
	<-cl.writeDone
	cl.logger.Debug("Websocket disconnected.")
	return nil
}

// readPump applies inbound commands until the connection fails.
func (c *client) readPump(ctx context.Context) {
	defer close(c.readDone)

	pongWait := c.s.cfg.PingInterval * 10 / 9
	c.conn.SetReadLimit(c.s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Websocket read error.", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.queue(Frame{Type: FrameError, Code: CodeRateLimited, Error: "too many commands"})
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Cmd == "" {
			c.queue(Frame{Type: FrameError, Code: CodeInvalidMessage, Error: "expected a JSON command"})
			continue
		}
		cmd.Cmd = strings.ToLower(strings.TrimSpace(cmd.Cmd))

		res, err := c.sess.Apply(ctx, cmd)
		if err != nil {
			c.logger.Debug("Command rejected.", zap.String("cmd", cmd.Cmd), zap.Error(err))
			c.queue(Frame{Type: FrameError, Cmd: cmd.Cmd, Code: errorCode(err), Error: err.Error()})
			continue
		}
		f := Frame{Type: FrameAck, Cmd: cmd.Cmd}
		if res.Tx != nil || res.View != nil {
			f.Result = &res
		}
		c.queue(f)
	}
}

func (c *client) queue(f Frame) {
	select {
	case c.send <- f:
	case <-c.writeDone:
	}
}

// writePump is the only goroutine writing to the connection. It starts with
// the session's current snapshot and then forwards newer ones from the bus.
// A command's ack may be written before or after the snapshots it caused.
func (c *client) writePump(msgs <-chan bus.Message, first timeline.Snapshot) {
	ticker := time.NewTicker(c.s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	lastSeq := first.Seq
	if err := c.write(Frame{Type: FrameSnapshot, Snapshot: &first}); err != nil {
		return
	}
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.close(websocket.CloseGoingAway, "server shutting down")
				return
			}
			snap := msg.Snapshot
			c.s.bus.Acknowledge(msg)
			// Already covered by the first frame.
			if snap.Seq <= lastSeq {
				continue
			}
			lastSeq = snap.Seq
			if err := c.write(Frame{Type: FrameSnapshot, Snapshot: &snap}); err != nil {
				return
			}
		case f := <-c.send:
			if err := c.write(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.sess.Done():
			select {
			case <-c.s.closing:
				c.close(websocket.CloseGoingAway, "server shutting down")
			default:
				c.close(websocket.CloseNormalClosure, "session closed")
			}
			return
		case <-c.s.closing:
			c.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.readDone:
			return
		}
	}
}

func (c *client) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("Failed to encode frame.", zap.Error(err))
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("Websocket write failed.", zap.Error(err))
		return err
	}
	return nil
}

func (c *client) close(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.s.cfg.WriteTimeout))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, timeline.ErrInvalidScenario):
		return CodeInvalidScenario
	case errors.Is(err, timeline.ErrInvalidSpeed):
		return CodeInvalidSpeed
	case errors.Is(err, timeline.ErrInvalidMode):
		return CodeInvalidMode
	case errors.Is(err, propagation.ErrBroadcastInFlight):
		return CodeBroadcastInFlight
	case errors.Is(err, propagation.ErrUnknownNode):
		return CodeUnknownNode
	case errors.Is(err, ErrUnsupportedCommand):
		return CodeUnsupportedCommand
	case errors.Is(err, timeline.ErrStopped), errors.Is(err, context.Canceled):
		return CodeStopped
	default:
		return CodeInternal
	}
}

func sameOrigin(r *http.Request) bool {
	u, err := url.Parse(r.Header.Get("Origin"))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
