package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcore-backend/pkg/constants"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/protocol"
)

// client is one websocket connection. readPump serves invocations in arrival
// order; writePump is the only writer to conn.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	userID uuid.UUID
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, id string, userID uuid.UUID) *client {
	return &client{
		hub:    h,
		conn:   conn,
		id:     id,
		userID: userID,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue never blocks. A full buffer closes the client.
func (c *client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrUnknownConnection
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.hub.recordError("send_buffer_full")
		c.hub.log.Warn("Closing slow WebSocket client",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.userID.String()))
		c.close()
		return ErrSendBufferFull
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.hub.remove(c)
		c.conn.Close()
	}()

	pongWait := c.hub.cfg.PingInterval + constants.WebSocketWriteWait
	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("WebSocket connection closed",
					zap.String("connection_id", c.id),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		frame, err := protocol.Decode(message)
		if err != nil || frame.Type != protocol.FrameInvoke {
			c.hub.recordError("invalid_frame")
			c.hub.log.Warn("Invalid frame from WebSocket",
				zap.String("connection_id", c.id),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}
		c.hub.record("invoke", "in")
		c.invoke(frame)
	}
}

func (c *client) invoke(frame *protocol.Frame) {
	ctx := logger.WithRequestID(c.hub.ctx, frame.ID)
	ctx, cancel := context.WithTimeout(ctx, constants.DefaultTimeout)
	defer cancel()

	var (
		result any
		ferr   *protocol.FrameError
	)
	fn, ok := c.hub.method(frame.Method)
	if !ok {
		ferr = &protocol.FrameError{Code: string(apperrors.ErrCodeNotFound), Message: "unknown method " + frame.Method}
	} else {
		var err error
		result, err = c.call(ctx, fn, frame)
		if err != nil {
			ferr = frameError(err)
			c.hub.log.Debug("Invocation failed",
				zap.String("method", frame.Method),
				zap.String("connection_id", c.id),
				zap.String("code", ferr.Code),
				zap.Error(err))
		}
	}

	out, err := protocol.NewResult(frame.ID, result, ferr)
	if err != nil {
		c.hub.log.Error("Failed to encode result", zap.String("method", frame.Method), zap.Error(err))
		out, _ = protocol.NewResult(frame.ID, nil, &protocol.FrameError{
			Code:    string(apperrors.ErrCodeInternal),
			Message: "failed to encode result",
		})
	}
	if err := c.enqueue(out); err == nil {
		c.hub.record("result", "out")
	}
}

func (c *client) call(ctx context.Context, fn Method, frame *protocol.Frame) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.hub.log.Error("Method panicked",
				zap.String("method", frame.Method),
				zap.Any("panic", p))
			err = apperrors.InternalError("internal error")
		}
	}()
	return fn(ctx, Caller{UserID: c.userID, ConnectionID: c.id}, frame.Args)
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func frameError(err error) *protocol.FrameError {
	appErr := apperrors.GetAppError(err)
	if appErr.Code == apperrors.ErrCodeInternal || appErr.Code == apperrors.ErrCodeDatabase {
		return &protocol.FrameError{Code: string(apperrors.ErrCodeInternal), Message: "internal error"}
	}
	return &protocol.FrameError{Code: string(appErr.Code), Message: appErr.Message}
}
