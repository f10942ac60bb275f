package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"ticket-queue/internal/services"
	"ticket-queue/models"
	"ticket-queue/utils"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pocketbase/pocketbase/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

type EventHub interface {
	Join(ctx context.Context, sub services.Subscriber) error
	Leave(id string)
	StatusCheck(ctx context.Context, clientID, resourceID string) (*models.StatusReport, error)
}

// StreamHandler pushes queue events to websocket clients.
type StreamHandler struct {
	hub      EventHub
	buffer   int
	upgrader websocket.Upgrader
}

func NewStreamHandler(hub EventHub, buffer int) *StreamHandler {
	return &StreamHandler{
		hub:    hub,
		buffer: buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

type streamRequest struct {
	Type       string `json:"type"`
	ClientID   string `json:"client_id"`
	ResourceID string `json:"resource_id"`
}

type streamClient struct {
	hub  EventHub
	conn *websocket.Conn
	sub  *services.ChannelSubscriber
}

// Stream - GET /api/v1/queue/stream
func (h *StreamHandler) Stream(e *core.RequestEvent) error {
	conn, err := h.upgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		// the upgrader already answered the request
		slog.Warn("Websocket upgrade failed", "error", err)
		return nil
	}

	id, err := utils.GenerateCode(8)
	if err != nil {
		conn.Close()
		return err
	}

	client := &streamClient{
		hub:  h.hub,
		conn: conn,
		sub:  services.NewChannelSubscriber("ws:"+id, h.buffer),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.hub.Join(ctx, client.sub); err != nil {
		slog.Warn("Failed to send initial snapshot", "subscriber", client.sub.ID(), "error", err)
	}
	defer h.hub.Leave(client.sub.ID())

	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()
	client.readPump(ctx)
	cancel()
	<-done

	slog.Info("Subscriber left", "subscriber", client.sub.ID())
	return nil
}

// readPump answers status requests until the connection drops.
func (c *streamClient) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req streamRequest
		if err := json.Unmarshal(message, &req); err != nil || req.Type != string(models.EventStatus) {
			slog.Debug("Ignoring stream message", "subscriber", c.sub.ID())
			continue
		}

		report, err := c.hub.StatusCheck(ctx, req.ClientID, req.ResourceID)
		if err != nil {
			slog.Warn("Status check failed", "subscriber", c.sub.ID(), "error", err)
			continue
		}
		c.sub.Deliver(models.NewStatusEvent(report, time.Now()))
	}
}

func (c *streamClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
