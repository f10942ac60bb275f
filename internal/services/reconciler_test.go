package services

import (
	"context"
	"sync"
	"testing"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcilerFixture struct {
	mr         *miniredis.Miniredis
	queue      *RankedQueue
	sessions   *SessionStore
	reconciler *Reconciler
	events     *recordingBroadcaster
	bookings   *recordingTracker
	clock      *testClock
	timers     *fakeTimers
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	mr, client := newTestRedis(t)
	keys := NewQueueKeys("test")
	clock := newTestClock()
	timers := &fakeTimers{}

	queue := NewRankedQueue(client, keys)
	sessions := NewSessionStore(client, keys, 5*time.Second)
	sessions.now = clock.Now
	events := &recordingBroadcaster{}
	bookings := newRecordingTracker()

	r := NewReconciler(queue, sessions, events, bookings, nil, ReconcilerConfig{
		TurnTTL:          60 * time.Second,
		TickInterval:     5 * time.Second,
		TickTimeout:      time.Second,
		AnnounceDebounce: 10 * time.Second,
	})
	r.now = clock.Now
	r.afterFunc = timers.afterFunc

	return &reconcilerFixture{
		mr:         mr,
		queue:      queue,
		sessions:   sessions,
		reconciler: r,
		events:     events,
		bookings:   bookings,
		clock:      clock,
		timers:     timers,
	}
}

// restart replaces the reconciler with a fresh one over the same Redis
// state, as a new process would see it.
func (f *reconcilerFixture) restart() {
	f.reconciler.Shutdown()
	r := NewReconciler(f.queue, f.sessions, f.events, f.bookings, nil, f.reconciler.config)
	r.now = f.clock.Now
	r.afterFunc = f.timers.afterFunc
	f.reconciler = r
}

func (f *reconcilerFixture) enqueue(t *testing.T, client string, score float64) models.EntryKey {
	t.Helper()
	key := models.NewEntryKey(client, "E1")
	require.NoError(t, f.queue.Enqueue(context.Background(), key, score))
	return key
}

func (f *reconcilerFixture) activeTurn(t *testing.T) *models.TurnSession {
	t.Helper()
	session, err := f.sessions.Active(context.Background())
	require.NoError(t, err)
	return session
}

func TestReconciler_EmptyQueueGrantsNothing(t *testing.T) {
	f := newReconcilerFixture(t)

	require.NoError(t, f.reconciler.Tick(context.Background()))

	assert.Nil(t, f.activeTurn(t))
	assert.Empty(t, f.events.Events())
	assert.Empty(t, f.timers.all())
}

func TestReconciler_CompletionHandsTurnToNextHead(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)
	b := f.enqueue(t, "B", 5)

	require.NoError(t, f.reconciler.Tick(ctx))
	turn := f.activeTurn(t)
	require.NotNil(t, turn)
	assert.Equal(t, a, turn.Key)
	assert.Equal(t, []models.EntryKey{a}, f.events.TurnsGranted())
	assert.Equal(t, 60*time.Second, f.timers.last().delay)

	f.events.Reset()
	require.NoError(t, f.reconciler.Complete(ctx, a))

	events := f.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventQueueUpdate, events[0].Type)
	assert.Equal(t, []string{"B"}, clientsOf(events[0].Queue))
	assert.Equal(t, models.EventTurnGranted, events[1].Type)
	assert.Equal(t, "B", events[1].Turn.ClientID)
	assert.Equal(t, f.clock.Now().Add(60*time.Second), events[1].Turn.ExpiresAt)
	assert.Equal(t, models.BookingCompleted, f.bookings.Status(a))

	turn = f.activeTurn(t)
	require.NotNil(t, turn)
	assert.Equal(t, b, turn.Key)

	f.events.Reset()
	require.NoError(t, f.reconciler.Complete(ctx, b))
	events = f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventQueueUpdate, events[0].Type)
	assert.Empty(t, events[0].Queue)
	assert.Nil(t, f.activeTurn(t))
	assert.Equal(t, 0, f.reconciler.PendingReclaims())
}

func TestReconciler_ExpiryEvictsHeadThroughTimer(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)

	require.NoError(t, f.reconciler.Tick(ctx))
	timer := f.timers.last()
	require.NotNil(t, timer)

	f.clock.Advance(60 * time.Second)
	f.events.Reset()
	timer.fire()

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventQueueUpdate, events[0].Type)
	assert.Empty(t, events[0].Queue)
	assert.Nil(t, f.activeTurn(t))
	assert.Equal(t, models.BookingExpired, f.bookings.Status(a))

	ok, err := f.queue.Contains(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconciler_ExpiryEvictsHeadOnTick(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)
	f.enqueue(t, "B", 5)

	require.NoError(t, f.reconciler.Tick(ctx))
	first := f.timers.last()

	f.clock.Advance(61 * time.Second)
	f.events.Reset()
	require.NoError(t, f.reconciler.Tick(ctx))

	assert.True(t, first.stopped)
	events := f.events.Events()
	require.Len(t, events, 1, "expiry only broadcasts; the next tick grants")
	assert.Equal(t, []string{"B"}, clientsOf(events[0].Queue))
	assert.Equal(t, models.BookingExpired, f.bookings.Status(a))

	require.NoError(t, f.reconciler.Tick(ctx))
	turn := f.activeTurn(t)
	require.NotNil(t, turn)
	assert.Equal(t, "B", turn.Key.ClientID)
}

func TestReconciler_ReannouncementIsDebounced(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)

	require.NoError(t, f.reconciler.Tick(ctx))
	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.reconciler.Tick(ctx))
	assert.Len(t, f.events.TurnsGranted(), 1)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.reconciler.Tick(ctx))
	granted := f.events.Events()
	require.Len(t, granted, 2)
	assert.True(t, granted[0].Turn.ExpiresAt.Equal(granted[1].Turn.ExpiresAt), "reannouncing never extends the turn")

	assert.Len(t, f.timers.all(), 1, "one reclaim per grant")
	assert.Equal(t, a, f.activeTurn(t).Key)
}

func TestReconciler_CompleteRejectsNonHead(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	f.enqueue(t, "A", 10)
	b := f.enqueue(t, "B", 5)
	require.NoError(t, f.reconciler.Tick(ctx))
	f.events.Reset()

	err := f.reconciler.Complete(ctx, b)
	assert.ErrorIs(t, err, status.ErrNotHeadOfQueue)

	assert.Empty(t, f.events.Events())
	snapshot, err := f.queue.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, clientsOf(snapshot))
	assert.Equal(t, "A", f.activeTurn(t).Key.ClientID)
	assert.Empty(t, f.bookings.Status(b))
}

func TestReconciler_CompleteOnEmptyQueue(t *testing.T) {
	f := newReconcilerFixture(t)

	err := f.reconciler.Complete(context.Background(), models.NewEntryKey("A", "E1"))
	assert.ErrorIs(t, err, status.ErrNotHeadOfQueue)

	err = f.reconciler.Complete(context.Background(), models.NewEntryKey("", ""))
	assert.ErrorIs(t, err, status.ErrInvalidKey)
}

func TestReconciler_CompleteBeforeGrant(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)
	f.enqueue(t, "B", 5)

	// the head may pay before the first tick reaches it
	require.NoError(t, f.reconciler.Complete(ctx, a))

	turn := f.activeTurn(t)
	require.NotNil(t, turn)
	assert.Equal(t, "B", turn.Key.ClientID)
}

func TestReconciler_StaleTimerIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)
	b := f.enqueue(t, "B", 5)

	require.NoError(t, f.reconciler.Tick(ctx))
	stale := f.timers.last()

	require.NoError(t, f.reconciler.Complete(ctx, a))
	assert.True(t, stale.stopped)

	// a timer that already fired races the cancellation
	f.clock.Advance(60 * time.Second)
	f.events.Reset()
	stale.fire()

	assert.Empty(t, f.events.Events())
	turn := f.activeTurn(t)
	require.NotNil(t, turn)
	assert.Equal(t, b, turn.Key)
	ok, _ := f.queue.Contains(ctx, b)
	assert.True(t, ok)
	assert.Equal(t, models.BookingCompleted, f.bookings.Status(a))
}

func TestReconciler_TimerAfterTickExpiryIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	f.enqueue(t, "A", 10)
	f.enqueue(t, "B", 5)

	require.NoError(t, f.reconciler.Tick(ctx))
	timer := f.timers.last()

	f.clock.Advance(60 * time.Second)
	require.NoError(t, f.reconciler.Tick(ctx))
	require.NoError(t, f.reconciler.Tick(ctx))
	f.events.Reset()

	timer.fire()
	assert.Empty(t, f.events.Events(), "eviction runs once per grant")
	assert.Equal(t, "B", f.activeTurn(t).Key.ClientID)
}

func TestReconciler_AtMostOneTurn(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	for i, client := range []string{"A", "B", "C"} {
		f.enqueue(t, client, float64(10-i))
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, f.reconciler.Tick(ctx))
		f.clock.Advance(time.Second)
	}

	assert.Len(t, f.events.TurnsGranted(), 1)
	assert.Equal(t, 1, f.reconciler.PendingReclaims())
	n := len(f.mr.Keys())
	assert.Equal(t, 5, n, "ranked, index, seq, a single turn record and its grant marker")
}

func TestReconciler_RestartDoesNotRegrantExpiredTurn(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)
	b := f.enqueue(t, "B", 5)
	require.NoError(t, f.reconciler.Tick(ctx))
	require.Equal(t, a, f.activeTurn(t).Key)

	// down for longer than the turn and its grace period
	f.restart()
	f.clock.Advance(70 * time.Second)
	f.mr.FastForward(70 * time.Second)
	require.Nil(t, f.activeTurn(t))
	f.events.Reset()

	require.NoError(t, f.reconciler.Tick(ctx))

	assert.Empty(t, f.events.TurnsGranted())
	assert.Nil(t, f.activeTurn(t))
	ok, _ := f.queue.Contains(ctx, a)
	assert.False(t, ok)
	assert.Equal(t, models.BookingExpired, f.bookings.Status(a))
	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"B"}, clientsOf(events[0].Queue))

	require.NoError(t, f.reconciler.Tick(ctx))
	assert.Equal(t, []models.EntryKey{b}, f.events.TurnsGranted())
	assert.Equal(t, b, f.activeTurn(t).Key)
}

func TestReconciler_LostTurnRecordKeepsOriginalExpiry(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)
	b := f.enqueue(t, "B", 5)
	require.NoError(t, f.reconciler.Tick(ctx))
	granted := f.activeTurn(t)

	f.restart()
	f.clock.Advance(20 * time.Second)
	f.mr.Del(f.queue.Keys().Session)
	f.events.Reset()

	require.NoError(t, f.reconciler.Tick(ctx))
	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTurnGranted, events[0].Type)
	assert.Equal(t, "A", events[0].Turn.ClientID)
	assert.True(t, granted.ExpiresAt.Equal(events[0].Turn.ExpiresAt), "the turn is not renewed")
	timer := f.timers.last()
	assert.Equal(t, 40*time.Second, timer.delay)

	f.events.Reset()
	require.NoError(t, f.reconciler.Tick(ctx))
	assert.Empty(t, f.events.Events())
	assert.Equal(t, 1, f.reconciler.PendingReclaims())

	f.clock.Advance(40 * time.Second)
	timer.fire()
	ok, _ := f.queue.Contains(ctx, a)
	assert.False(t, ok)
	assert.Equal(t, models.BookingExpired, f.bookings.Status(a))

	require.NoError(t, f.reconciler.Tick(ctx))
	assert.Equal(t, []models.EntryKey{b}, f.events.TurnsGranted())
}

// Completion, the reclaim timer and the tick all race for the same expired
// turn. Exactly one of them finalizes it and the next head gets one turn.
func TestReconciler_ConcurrentFinalizationOfExpiredTurn(t *testing.T) {
	for i := 0; i < 25; i++ {
		ctx := context.Background()
		f := newReconcilerFixture(t)
		a := f.enqueue(t, "A", 10)
		b := f.enqueue(t, "B", 5)
		require.NoError(t, f.reconciler.Tick(ctx))
		timer := f.timers.last()
		f.clock.Advance(61 * time.Second)
		f.events.Reset()

		var (
			wg          sync.WaitGroup
			completeErr error
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			completeErr = f.reconciler.Complete(ctx, a)
		}()
		go func() {
			defer wg.Done()
			timer.fire()
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.reconciler.Tick(ctx))
		}()
		wg.Wait()

		history := f.bookings.History(a)
		require.Len(t, history, 1, "run %d", i)
		if completeErr == nil {
			assert.Equal(t, models.BookingCompleted, history[0])
		} else {
			assert.ErrorIs(t, completeErr, status.ErrNotHeadOfQueue)
			assert.Equal(t, models.BookingExpired, history[0])
		}

		ok, _ := f.queue.Contains(ctx, a)
		assert.False(t, ok)
		ok, _ = f.queue.Contains(ctx, b)
		assert.True(t, ok, "run %d", i)
		assert.LessOrEqual(t, len(f.events.TurnsGranted()), 1)

		require.NoError(t, f.reconciler.Tick(ctx))
		assert.Equal(t, []models.EntryKey{b}, f.events.TurnsGranted(), "run %d", i)
	}
}

func TestReconciler_StaleTurnIsCleared(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	// a turn whose entry vanished outside the reconciler
	ghost := models.NewEntryKey("ghost", "E1")
	_, err := f.sessions.Grant(ctx, ghost, time.Minute)
	require.NoError(t, err)
	a := f.enqueue(t, "A", 10)

	require.NoError(t, f.reconciler.Tick(ctx))

	turn := f.activeTurn(t)
	require.NotNil(t, turn)
	assert.Equal(t, a, turn.Key)
	assert.Equal(t, []models.EntryKey{a}, f.events.TurnsGranted())
}

func TestReconciler_StaleTurnOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	_, err := f.sessions.Grant(ctx, models.NewEntryKey("ghost", "E1"), time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Tick(ctx))
	assert.Nil(t, f.activeTurn(t))
}

func TestReconciler_EvictReleasesTurn(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)
	f.enqueue(t, "B", 5)
	require.NoError(t, f.reconciler.Tick(ctx))
	timer := f.timers.last()
	f.events.Reset()

	removed, err := f.reconciler.Evict(ctx, a)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, timer.stopped)
	assert.Nil(t, f.activeTurn(t))
	assert.Equal(t, models.BookingRemoved, f.bookings.Status(a))

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"B"}, clientsOf(events[0].Queue))

	require.NoError(t, f.reconciler.Tick(ctx))
	assert.Equal(t, "B", f.activeTurn(t).Key.ClientID)

	removed, err = f.reconciler.Evict(ctx, a)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestReconciler_RegrantAfterRemovalAnnouncesAgain(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	a := f.enqueue(t, "A", 10)
	require.NoError(t, f.reconciler.Tick(ctx))

	_, err := f.reconciler.Evict(ctx, a)
	require.NoError(t, err)
	f.enqueue(t, "A", 10)
	require.NoError(t, f.reconciler.Tick(ctx))

	assert.Len(t, f.events.TurnsGranted(), 2)
}

func TestReconciler_StartAndShutdown(t *testing.T) {
	f := newReconcilerFixture(t)
	f.reconciler.config.TickInterval = 10 * time.Millisecond
	f.enqueue(t, "A", 10)

	f.reconciler.Start(context.Background())

	assert.Eventually(t, func() bool {
		return len(f.events.TurnsGranted()) == 1
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.reconciler.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return")
	}

	for _, timer := range f.timers.all() {
		assert.True(t, timer.stopped)
	}
	assert.Equal(t, 0, f.reconciler.PendingReclaims())
}

func TestNotificationMemo_ShouldReannounce(t *testing.T) {
	clock := newTestClock()
	a := models.NewEntryKey("A", "E1")
	memo := notificationMemo{lastEmittedKey: a, lastEmittedAt: clock.Now()}

	assert.False(t, memo.shouldReannounce(a, clock.Now().Add(9*time.Second), 10*time.Second))
	assert.True(t, memo.shouldReannounce(a, clock.Now().Add(10*time.Second), 10*time.Second))
	assert.True(t, memo.shouldReannounce(models.NewEntryKey("B", "E1"), clock.Now(), 10*time.Second))

	memo.forget(a)
	assert.True(t, memo.shouldReannounce(a, clock.Now(), 10*time.Second))
}

func TestReconciler_Metrics(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	metrics, err := f.reconciler.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, metrics.TotalInQueue)
	assert.Nil(t, metrics.Head)
	assert.Nil(t, metrics.ActiveTurn)

	f.enqueue(t, "A", 10)
	f.enqueue(t, "B", 5)
	require.NoError(t, f.reconciler.Tick(ctx))

	metrics, err = f.reconciler.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.TotalInQueue)
	require.NotNil(t, metrics.Head)
	assert.Equal(t, "A", metrics.Head.ClientID)
	require.NotNil(t, metrics.ActiveTurn)
	assert.Equal(t, "A", metrics.ActiveTurn.Key.ClientID)
}
