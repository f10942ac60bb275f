package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"ticket-queue/internal/status"
	"ticket-queue/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type BookingAPI interface {
	SubmitBooking(ctx context.Context, clientID, resourceID string) (*models.BookingResult, error)
	CompleteBooking(ctx context.Context, clientID, resourceID string) error
	RequestStatus(ctx context.Context, clientID, resourceID string) (*models.StatusReport, error)
}

type BookingHandler struct {
	bookings BookingAPI
}

func NewBookingHandler(bookings BookingAPI) *BookingHandler {
	return &BookingHandler{bookings: bookings}
}

type entryRequest struct {
	ClientID   string `json:"client_id"`
	ResourceID string `json:"resource_id"`
}

// Submit - POST /api/v1/booking
func (h *BookingHandler) Submit(e *core.RequestEvent) error {
	var req entryRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	result, err := h.bookings.SubmitBooking(e.Request.Context(), req.ClientID, req.ResourceID)
	if err != nil {
		return apiError(err)
	}

	message := "User added to queue"
	if result.AlreadyQueued {
		message = "User already in queue"
	}
	return e.JSON(http.StatusOK, map[string]any{
		"message": message,
		"booking": result,
	})
}

// Complete - POST /api/v1/booking/complete, called once payment succeeded
func (h *BookingHandler) Complete(e *core.RequestEvent) error {
	var req entryRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	if err := h.bookings.CompleteBooking(e.Request.Context(), req.ClientID, req.ResourceID); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "Payment processed"})
}

// Status - GET /api/v1/booking/status?client_id=&resource_id=
func (h *BookingHandler) Status(e *core.RequestEvent) error {
	query := e.Request.URL.Query()
	report, err := h.bookings.RequestStatus(e.Request.Context(), query.Get("client_id"), query.Get("resource_id"))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, report)
}

// apiError maps domain errors to API responses.
func apiError(err error) error {
	switch {
	case errors.Is(err, status.ErrInvalidKey):
		return apis.NewBadRequestError("client_id and resource_id are required", nil)
	case errors.Is(err, status.ErrNotHeadOfQueue):
		return apis.NewApiError(http.StatusConflict, "Not first in queue", nil)
	case errors.Is(err, status.ErrDuplicateBooking):
		return apis.NewApiError(http.StatusConflict, "Booking already exists", nil)
	case errors.Is(err, status.ErrDuplicateEntry):
		return apis.NewApiError(http.StatusConflict, "Already in queue", nil)
	case errors.Is(err, status.ErrScoringUnavailable), errors.Is(err, status.ErrCircuitOpen):
		return apis.NewApiError(http.StatusServiceUnavailable, "Scoring is unavailable, try again later", nil)
	case errors.Is(err, status.ErrRateLimited):
		return apis.NewTooManyRequestsError("Too many requests", nil)
	default:
		slog.Error("Request failed", "error", err)
		return apis.NewInternalServerError("Something went wrong", nil)
	}
}
