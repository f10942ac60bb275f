package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"ticket-queue/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

const bookingsCollection = "bookings"

// BookingStore persists one booking record per entry.
type BookingStore interface {
	Exists(ctx context.Context, key models.EntryKey) (bool, error)
	Create(ctx context.Context, booking *models.Booking) error
	Delete(ctx context.Context, id string) error
	SetStatus(ctx context.Context, key models.EntryKey, status models.BookingStatus) error
}

type recordApp interface {
	FindCollectionByNameOrId(nameOrId string) (*core.Collection, error)
	FindFirstRecordByFilter(collectionModelOrIdentifier any, filter string, params ...dbx.Params) (*core.Record, error)
	CountRecords(collectionModelOrIdentifier any, exprs ...dbx.Expression) (int64, error)
	FindRecordById(collectionModelOrIdentifier any, recordId string, optFilters ...func(q *dbx.SelectQuery) error) (*core.Record, error)
	SaveWithContext(ctx context.Context, model core.Model) error
	DeleteWithContext(ctx context.Context, model core.Model) error
}

// RecordBookingStore keeps bookings in the PocketBase bookings collection.
type RecordBookingStore struct {
	app recordApp
}

func NewRecordBookingStore(app core.App) *RecordBookingStore {
	return &RecordBookingStore{app: app}
}

// Exists reports whether key has a booking that is still waiting or was
// already paid for. Expired and removed bookings may be retried.
func (s *RecordBookingStore) Exists(ctx context.Context, key models.EntryKey) (bool, error) {
	count, err := s.app.CountRecords(bookingsCollection,
		dbx.HashExp{"client_id": key.ClientID, "resource_id": key.ResourceID},
		dbx.In("status", string(models.BookingWaiting), string(models.BookingCompleted)),
	)
	if err != nil {
		return false, fmt.Errorf("booking: count: %w", err)
	}
	return count > 0, nil
}

func (s *RecordBookingStore) Create(ctx context.Context, booking *models.Booking) error {
	collection, err := s.app.FindCollectionByNameOrId(bookingsCollection)
	if err != nil {
		return fmt.Errorf("booking: find collection: %w", err)
	}

	record := core.NewRecord(collection)
	record.Set("client_id", booking.ClientID)
	record.Set("resource_id", booking.ResourceID)
	record.Set("score", booking.Score)
	record.Set("status", string(booking.Status))

	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("booking: save: %w", err)
	}

	booking.ID = record.Id
	booking.Created = record.GetDateTime("created").Time()
	return nil
}

func (s *RecordBookingStore) Delete(ctx context.Context, id string) error {
	record, err := s.app.FindRecordById(bookingsCollection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("booking: find %s: %w", id, err)
	}
	if err := s.app.DeleteWithContext(ctx, record); err != nil {
		return fmt.Errorf("booking: delete %s: %w", id, err)
	}
	return nil
}

// SetStatus updates the waiting booking of key. A key without a waiting
// booking is left alone.
func (s *RecordBookingStore) SetStatus(ctx context.Context, key models.EntryKey, status models.BookingStatus) error {
	record, err := s.app.FindFirstRecordByFilter(bookingsCollection,
		"client_id = {:clientId} && resource_id = {:resourceId} && status = {:status}",
		dbx.Params{
			"clientId":   key.ClientID,
			"resourceId": key.ResourceID,
			"status":     string(models.BookingWaiting),
		},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("booking: find %s: %w", key, err)
	}

	record.Set("status", string(status))
	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("booking: update %s: %w", key, err)
	}
	return nil
}
