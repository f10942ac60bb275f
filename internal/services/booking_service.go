package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"
	"time"
)

// BookingService is the inbound surface used by the HTTP handlers and the
// CLI.
type BookingService struct {
	queue      *RankedQueue
	scorer     Scorer
	bookings   BookingStore
	bus        *NotificationBus
	reconciler *Reconciler
	monitor    *monitoring.Monitor
}

func NewBookingService(queue *RankedQueue, scorer Scorer, bookings BookingStore, bus *NotificationBus, reconciler *Reconciler, monitor *monitoring.Monitor) *BookingService {
	return &BookingService{
		queue:      queue,
		scorer:     scorer,
		bookings:   bookings,
		bus:        bus,
		reconciler: reconciler,
		monitor:    monitor,
	}
}

// SubmitBooking scores the client and puts it in the queue. A key that is
// already queued is not an error: the result carries AlreadyQueued.
func (s *BookingService) SubmitBooking(ctx context.Context, clientID, resourceID string) (*models.BookingResult, error) {
	key := models.NewEntryKey(clientID, resourceID)
	if !key.Valid() {
		return nil, status.ErrInvalidKey
	}

	if s.bookings != nil {
		exists, err := s.bookings.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if exists {
			s.monitor.TrackQueueOperation("enqueue", "duplicate_booking")
			return nil, status.ErrDuplicateBooking
		}
	}

	score, err := s.scorer.Score(ctx, clientID, resourceID)
	if err != nil {
		s.monitor.TrackQueueOperation("enqueue", "scoring_failed")
		slog.Warn("Scoring failed", "client_id", clientID, "resource_id", resourceID, "error", err)
		return nil, wrapScoringError(err)
	}

	result := &models.BookingResult{ClientID: clientID, ResourceID: resourceID, Score: score}

	// The record is written first so a queued entry always has one. It is
	// deleted again when the entry does not make it into the queue.
	var booking *models.Booking
	if s.bookings != nil {
		booking = &models.Booking{
			ClientID:   clientID,
			ResourceID: resourceID,
			Score:      score,
			Status:     models.BookingWaiting,
			Created:    time.Now(),
		}
		if err := s.bookings.Create(ctx, booking); err != nil {
			s.monitor.TrackQueueOperation("enqueue", "error")
			return nil, fmt.Errorf("persist booking: %w", err)
		}
	}

	err = s.queue.Enqueue(ctx, key, score)
	if err != nil {
		s.discardBooking(ctx, booking)
	}
	switch {
	case errors.Is(err, status.ErrDuplicateEntry):
		s.monitor.TrackQueueOperation("enqueue", "already_queued")
		result.AlreadyQueued = true
		result.Queue, err = s.queue.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return result, nil
	case err != nil:
		s.monitor.TrackQueueOperation("enqueue", "error")
		return nil, err
	}

	s.monitor.TrackQueueOperation("enqueue", "success")
	slog.Info("Entry queued",
		"client_id", clientID,
		"resource_id", resourceID,
		"score", score,
		"state", models.EntryWaiting,
	)

	result.Queue, err = s.queue.Snapshot(ctx)
	if err != nil {
		// the entry is queued; the next state change carries a fresh snapshot
		slog.Warn("Failed to load snapshot after enqueue", "error", err)
		return result, nil
	}
	s.monitor.SetQueueLength(len(result.Queue))
	s.bus.BroadcastQueueUpdate(result.Queue)
	return result, nil
}

// discardBooking deletes a record whose entry was never queued.
func (s *BookingService) discardBooking(ctx context.Context, booking *models.Booking) {
	if booking == nil || booking.ID == "" {
		return
	}
	if err := s.bookings.Delete(ctx, booking.ID); err != nil {
		slog.Error("Failed to delete unqueued booking", "booking_id", booking.ID, "client_id", booking.ClientID, "resource_id", booking.ResourceID, "error", err)
	}
}

// CompleteBooking reports a successful payment for the head of the queue.
func (s *BookingService) CompleteBooking(ctx context.Context, clientID, resourceID string) error {
	return s.reconciler.Complete(ctx, models.NewEntryKey(clientID, resourceID))
}

func (s *BookingService) RequestStatus(ctx context.Context, clientID, resourceID string) (*models.StatusReport, error) {
	return s.bus.StatusCheck(ctx, clientID, resourceID)
}

// Snapshot is the current queue, head first.
func (s *BookingService) Snapshot(ctx context.Context) ([]models.QueueEntry, error) {
	return s.queue.Snapshot(ctx)
}
