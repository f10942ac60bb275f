package services

import (
	"context"
	"sync"
	"testing"
	"ticket-queue/models"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	delay   time.Duration
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

// fakeTimers records scheduled callbacks; tests fire them by hand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{delay: d, fire: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) all() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTimer(nil), f.timers...)
}

func (f *fakeTimers) last() *fakeTimer {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *recordingBroadcaster) BroadcastQueueUpdate(snapshot []models.QueueEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, models.NewQueueUpdate(snapshot, time.Time{}))
}

func (b *recordingBroadcaster) BroadcastTurnGranted(key models.EntryKey, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, models.NewTurnGranted(key, expiresAt, time.Time{}))
}

func (b *recordingBroadcaster) Events() []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Event(nil), b.events...)
}

func (b *recordingBroadcaster) Reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

func (b *recordingBroadcaster) TurnsGranted() []models.EntryKey {
	var keys []models.EntryKey
	for _, e := range b.Events() {
		if e.Type == models.EventTurnGranted {
			keys = append(keys, models.NewEntryKey(e.Turn.ClientID, e.Turn.ResourceID))
		}
	}
	return keys
}

type recordingTracker struct {
	mu       sync.Mutex
	statuses map[models.EntryKey]models.BookingStatus
	history  map[models.EntryKey][]models.BookingStatus
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{
		statuses: make(map[models.EntryKey]models.BookingStatus),
		history:  make(map[models.EntryKey][]models.BookingStatus),
	}
}

func (r *recordingTracker) SetStatus(_ context.Context, key models.EntryKey, status models.BookingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[key] = status
	r.history[key] = append(r.history[key], status)
	return nil
}

func (r *recordingTracker) Status(key models.EntryKey) models.BookingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[key]
}

// History returns every status recorded for key, oldest first.
func (r *recordingTracker) History(key models.EntryKey) []models.BookingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.BookingStatus(nil), r.history[key]...)
}

type staticScorer map[string]float64

func (s staticScorer) Score(_ context.Context, clientID, _ string) (float64, error) {
	return s[clientID], nil
}

func clientsOf(entries []models.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ClientID)
	}
	return out
}
