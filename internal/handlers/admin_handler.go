package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"ticket-queue/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type QueueControl interface {
	Metrics(ctx context.Context) (*models.QueueMetrics, error)
	Tick(ctx context.Context) error
	Evict(ctx context.Context, key models.EntryKey) (bool, error)
	PendingReclaims() int
}

type SubscriberCounter interface {
	SubscriberCount() int
}

// AdminHandler serves the operator endpoints. Routes are guarded by the
// admin key middleware.
type AdminHandler struct {
	control     QueueControl
	subscribers SubscriberCounter
}

func NewAdminHandler(control QueueControl, subscribers SubscriberCounter) *AdminHandler {
	return &AdminHandler{control: control, subscribers: subscribers}
}

// GetQueueDashboard - GET /api/v1/admin/queue-dashboard
func (h *AdminHandler) GetQueueDashboard(e *core.RequestEvent) error {
	metrics, err := h.control.Metrics(e.Request.Context())
	if err != nil {
		return apis.NewBadRequestError("Failed to load queue metrics", err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"queue":            metrics,
		"subscribers":      h.subscribers.SubscriberCount(),
		"pending_reclaims": h.control.PendingReclaims(),
	})
}

// ForceTick - POST /api/v1/admin/force-tick
func (h *AdminHandler) ForceTick(e *core.RequestEvent) error {
	if err := h.control.Tick(e.Request.Context()); err != nil {
		return apis.NewBadRequestError("Queue processing failed", err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Queue processing triggered"})
}

// RemoveFromQueue - POST /api/v1/admin/remove-from-queue
func (h *AdminHandler) RemoveFromQueue(e *core.RequestEvent) error {
	var req struct {
		ClientID   string `json:"client_id"`
		ResourceID string `json:"resource_id"`
		Reason     string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	key := models.NewEntryKey(req.ClientID, req.ResourceID)
	removed, err := h.control.Evict(e.Request.Context(), key)
	if err != nil {
		return apiError(err)
	}
	if !removed {
		return apis.NewNotFoundError("Entry not in queue", nil)
	}

	slog.Info("Admin removed entry from queue", "client_id", req.ClientID, "resource_id", req.ResourceID, "reason", req.Reason)
	return e.JSON(http.StatusOK, map[string]any{"message": "User removed from queue"})
}
