package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callbridge-backend/internal/config"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/protocol"
	"callbridge-backend/internal/service/signaling"
	"callbridge-backend/pkg/constants"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// SignalingHub accepts WebSocket signaling connections and dispatches client
// messages into the signaling service. One connection serves all of a user's
// calls.
type SignalingHub struct {
	signaling *signaling.Service
	metrics   *metrics.Metrics // nil when metrics are disabled

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// SignalingClient represents a WebSocket client for signaling
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	connID string

	// mu guards closed and the send into the channel; a broadcast that
	// captured this client before Unbind may call Send after teardown
	mu     sync.Mutex
	closed bool
}

var signalingUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// empty origins are rejected; browsers always send one
		origin := r.Header.Get("Origin")
		return origin != "" && config.AllowedOrigins()[origin]
	},
}

// NewSignalingHub creates a new signaling hub
func NewSignalingHub(signalingService *signaling.Service, maxConnections int, appMetrics *metrics.Metrics) *SignalingHub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &SignalingHub{
		signaling:      signalingService,
		metrics:        appMetrics,
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// ServeWS handles WebSocket requests for signaling
func (h *SignalingHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections; released when the
	// read pump exits
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// Get user ID from context (set by auth middleware)
	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := signalingUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		connID: uuid.NewString(),
	}

	h.signaling.HandleConnect(c.Request.Context(), userID, client.connID, client)
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(len(h.semaphore))
	}

	go client.writePump()
	go client.readPump()
}

// Send implements registry.Sender. It never blocks; a full outbound queue
// means the connection cannot keep up and the payload is dropped. After
// teardown it returns an error instead of touching the closed channel.
func (c *SignalingClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// closeSend marks the client closed and closes the outbound queue, which
// stops writePump. Idempotent.
func (c *SignalingClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads messages from WebSocket
func (c *SignalingClient) readPump() {
	defer func() {
		c.hub.signaling.HandleDisconnect(context.Background(), c.connID)
		c.closeSend()
		c.conn.Close()
		<-c.hub.semaphore
		if c.hub.metrics != nil {
			c.hub.metrics.SetWebSocketConnections(len(c.hub.semaphore))
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		c.hub.signaling.Heartbeat(context.Background(), c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError(apperrors.ValidationError("Invalid message format"))
			continue
		}

		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(msg.Type, "inbound")
		}

		if err := c.handleMessage(&msg); err != nil {
			c.sendError(err)
		}
	}
}

// handleMessage dispatches one client message into the signaling service
func (c *SignalingClient) handleMessage(msg *protocol.ClientMessage) error {
	ctx := context.Background()

	switch msg.Type {
	case protocol.ClientJoin:
		_, err := c.hub.signaling.JoinCall(ctx, msg.CallID, c.userID, c.connID)
		return err

	case protocol.ClientLeave:
		return c.hub.signaling.LeaveCall(ctx, msg.CallID, c.userID)

	case protocol.ClientOffer:
		c.recordRelay(msg.Type)
		return c.hub.signaling.SendOffer(ctx, c.userID, &domain.Offer{
			CallID:   msg.CallID,
			ToUserID: msg.ToUserID,
			SDP:      msg.SDP,
		})

	case protocol.ClientAnswer:
		c.recordRelay(msg.Type)
		return c.hub.signaling.SendAnswer(ctx, c.userID, &domain.Answer{
			CallID:   msg.CallID,
			ToUserID: msg.ToUserID,
			SDP:      msg.SDP,
		})

	case protocol.ClientIceCandidate:
		c.recordRelay(msg.Type)
		return c.hub.signaling.SendIceCandidate(ctx, c.userID, &domain.IceCandidate{
			CallID:        msg.CallID,
			ToUserID:      msg.ToUserID,
			Candidate:     msg.Candidate,
			SDPMid:        msg.SDPMid,
			SDPMLineIndex: msg.SDPMLineIndex,
		})

	case protocol.ClientMediaState:
		if msg.Media == nil {
			return apperrors.MissingFieldError("media")
		}
		return c.hub.signaling.UpdateMediaState(ctx, msg.CallID, c.userID, msg.Media)

	case protocol.ClientQuality:
		if msg.Stats == nil {
			return apperrors.MissingFieldError("stats")
		}
		return c.hub.signaling.ReportQuality(ctx, msg.CallID, c.userID, msg.Stats)

	default:
		return apperrors.ValidationError("Unknown message type")
	}
}

func (c *SignalingClient) recordRelay(signalType string) {
	if c.hub.metrics != nil {
		c.hub.metrics.RecordSignalRelayed(signalType)
	}
}

// sendError reports a rejected operation back to this connection only
func (c *SignalingClient) sendError(err error) {
	appErr := apperrors.GetAppError(err)
	if c.hub.metrics != nil {
		c.hub.metrics.RecordWebSocketError(string(appErr.Code))
	}
	payload := protocol.Marshal(protocol.ServerError, protocol.ErrorEvent{
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
	if sendErr := c.Send(payload); sendErr != nil {
		logger.Debug("Failed to deliver error event",
			zap.String("user_id", c.userID.String()),
			zap.Error(sendErr))
	}
}

// writePump writes messages to WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
