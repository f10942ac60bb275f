package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"
	"time"
)

// Subscriber receives pushed events. Deliver must never block; it reports
// false when the event was dropped.
type Subscriber interface {
	ID() string
	Deliver(event models.Event) bool
}

// Publisher fans events out to an external broadcast channel.
type Publisher interface {
	Publish(event models.Event) bool
}

// Broadcaster is what the reconciler needs to announce state changes.
type Broadcaster interface {
	BroadcastQueueUpdate(snapshot []models.QueueEntry)
	BroadcastTurnGranted(key models.EntryKey, expiresAt time.Time)
}

// NotificationBus delivers queue and turn events to every connected
// subscriber on a best-effort basis and answers status queries.
type NotificationBus struct {
	queue     *RankedQueue
	sessions  *SessionStore
	publisher Publisher
	monitor   *monitoring.Monitor
	now       func() time.Time

	mu          sync.RWMutex
	subscribers map[string]Subscriber
}

func NewNotificationBus(queue *RankedQueue, sessions *SessionStore, publisher Publisher, monitor *monitoring.Monitor) *NotificationBus {
	return &NotificationBus{
		queue:       queue,
		sessions:    sessions,
		publisher:   publisher,
		monitor:     monitor,
		now:         time.Now,
		subscribers: make(map[string]Subscriber),
	}
}

func (b *NotificationBus) BroadcastQueueUpdate(snapshot []models.QueueEntry) {
	b.broadcast(models.NewQueueUpdate(snapshot, b.now()))
}

func (b *NotificationBus) BroadcastTurnGranted(key models.EntryKey, expiresAt time.Time) {
	b.broadcast(models.NewTurnGranted(key, expiresAt, b.now()))
}

// Join registers sub and sends it, and only it, the current snapshot.
func (b *NotificationBus) Join(ctx context.Context, sub Subscriber) error {
	b.mu.Lock()
	b.subscribers[sub.ID()] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	slog.Info("Subscriber joined", "subscriber", sub.ID(), "subscribers", count)
	return b.SendSnapshot(ctx, sub)
}

func (b *NotificationBus) Leave(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

func (b *NotificationBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// SendSnapshot delivers the current snapshot to sub without registering it.
func (b *NotificationBus) SendSnapshot(ctx context.Context, sub Subscriber) error {
	snapshot, err := b.queue.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("notification: snapshot for %s: %w", sub.ID(), err)
	}
	b.deliver(sub, models.NewQueueUpdate(snapshot, b.now()))
	return nil
}

// StatusCheck reports the current turn and queue for one entry. It never
// mutates queue or session state.
func (b *NotificationBus) StatusCheck(ctx context.Context, clientID, resourceID string) (*models.StatusReport, error) {
	key := models.NewEntryKey(clientID, resourceID)
	if !key.Valid() {
		return nil, status.ErrInvalidKey
	}

	snapshot, err := b.queue.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("notification: status snapshot: %w", err)
	}
	session, err := b.sessions.ActiveFor(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("notification: status session: %w", err)
	}

	report := &models.StatusReport{
		ClientID:   clientID,
		ResourceID: resourceID,
		Snapshot:   snapshot,
	}
	for i, entry := range snapshot {
		if entry.Key() == key {
			report.Position = i + 1
			break
		}
	}
	if session != nil {
		report.ActiveTurn = &models.TurnGranted{
			ClientID:   clientID,
			ResourceID: resourceID,
			ExpiresAt:  session.ExpiresAt,
		}
		report.TurnExpired = session.ExpiredAt(b.now())
	}
	return report, nil
}

func (b *NotificationBus) broadcast(event models.Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}

	if b.publisher != nil {
		if b.publisher.Publish(event) {
			b.monitor.TrackDelivery(string(event.Type), "published")
		} else {
			b.monitor.TrackDelivery(string(event.Type), "dropped")
		}
	}
}

func (b *NotificationBus) deliver(sub Subscriber, event models.Event) {
	if sub.Deliver(event) {
		b.monitor.TrackDelivery(string(event.Type), "sent")
		return
	}
	b.monitor.TrackDelivery(string(event.Type), "dropped")
	slog.Warn("Dropped event for slow subscriber", "subscriber", sub.ID(), "type", event.Type)
}

// ChannelSubscriber buffers events for a consumer goroutine, such as a
// websocket writer.
type ChannelSubscriber struct {
	id     string
	events chan models.Event
}

func NewChannelSubscriber(id string, buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSubscriber{id: id, events: make(chan models.Event, buffer)}
}

func (s *ChannelSubscriber) ID() string { return s.id }

func (s *ChannelSubscriber) Deliver(event models.Event) bool {
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *ChannelSubscriber) Events() <-chan models.Event {
	return s.events
}
