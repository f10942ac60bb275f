package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"
	"time"
)

type ReconcilerConfig struct {
	TurnTTL          time.Duration
	TickInterval     time.Duration
	TickTimeout      time.Duration
	AnnounceDebounce time.Duration
}

// BookingTracker records the outcome of a turn on the persisted booking.
type BookingTracker interface {
	SetStatus(ctx context.Context, key models.EntryKey, status models.BookingStatus) error
}

type stopper interface {
	Stop() bool
}

// notificationMemo suppresses redundant turn announcements. Losing it only
// costs one extra broadcast.
type notificationMemo struct {
	lastGrantedKey models.EntryKey
	lastEmittedKey models.EntryKey
	lastEmittedAt  time.Time
}

func (m *notificationMemo) shouldReannounce(key models.EntryKey, now time.Time, debounce time.Duration) bool {
	return m.lastEmittedKey != key || now.Sub(m.lastEmittedAt) >= debounce
}

func (m *notificationMemo) forget(key models.EntryKey) {
	if m.lastGrantedKey == key {
		m.lastGrantedKey = models.EntryKey{}
	}
	if m.lastEmittedKey == key {
		m.lastEmittedKey = models.EntryKey{}
		m.lastEmittedAt = time.Time{}
	}
}

// reclaimTask is a deferred eviction for one grant. token ties it to the
// grant it was armed for.
type reclaimTask struct {
	token     string
	grantedAt time.Time
	timer     stopper
}

// Reconciler drives every turn transition. The periodic tick, reclaim
// timers, completions and admin evictions all serialize on mu.
type Reconciler struct {
	queue    *RankedQueue
	sessions *SessionStore
	bus      Broadcaster
	bookings BookingTracker
	monitor  *monitoring.Monitor
	config   ReconcilerConfig

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu       sync.Mutex
	memo     notificationMemo
	reclaims map[models.EntryKey]*reclaimTask

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReconciler(queue *RankedQueue, sessions *SessionStore, bus Broadcaster, bookings BookingTracker, monitor *monitoring.Monitor, cfg ReconcilerConfig) *Reconciler {
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 3 * time.Second
	}
	return &Reconciler{
		queue:    queue,
		sessions: sessions,
		bus:      bus,
		bookings: bookings,
		monitor:  monitor,
		config:   cfg,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		reclaims: make(map[models.EntryKey]*reclaimTask),
		stopChan: make(chan struct{}),
	}
}

// Start runs the tick loop in the background until ctx is done or Shutdown
// is called. Ticks never overlap.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	slog.Info("Reconciler started", "interval", r.config.TickInterval, "turn_ttl", r.config.TurnTTL)

	r.runTick(ctx)
	for {
		select {
		case <-ticker.C:
			r.runTick(ctx)
		case <-r.stopChan:
			slog.Info("Reconciler stopping")
			return
		case <-ctx.Done():
			slog.Info("Reconciler stopping", "reason", ctx.Err())
			return
		}
	}
}

func (r *Reconciler) runTick(parent context.Context) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Reconciler tick panicked", "panic", p)
			r.monitor.TrackQueueOperation("tick", "panic")
		}
	}()

	ctx, cancel := context.WithTimeout(parent, r.config.TickTimeout)
	defer cancel()

	if err := r.Tick(ctx); err != nil {
		slog.Error("Reconciler tick failed", "error", err)
		r.monitor.TrackQueueOperation("tick", "error")
	}
}

// Shutdown stops the loop, waits for it and cancels every pending reclaim.
// The next process evicts turns that expired meanwhile from their grant
// markers; they are never granted again.
func (r *Reconciler) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, task := range r.reclaims {
		task.timer.Stop()
		delete(r.reclaims, key)
	}
}

// Tick inspects the queue head once, granting or reclaiming its turn.
func (r *Reconciler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { r.monitor.ObserveTick(time.Since(start)) }()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileHead(ctx)
}

func (r *Reconciler) reconcileHead(ctx context.Context) error {
	head, err := r.queue.PeekHead(ctx)
	if err != nil {
		return err
	}

	session, err := r.sessions.Active(ctx)
	if err != nil {
		return err
	}

	if head == nil {
		if session != nil {
			return r.clearStale(ctx, session)
		}
		r.monitor.SetTurnActive(false)
		return nil
	}

	key := head.Key()
	now := r.now()
	switch {
	case session == nil:
		return r.grant(ctx, key)
	case session.Key != key:
		return r.guardMismatch(ctx, key, session)
	case session.ExpiredAt(now):
		return r.expire(ctx, session, "tick")
	default:
		r.armReclaim(session)
		if r.memo.shouldReannounce(key, now, r.config.AnnounceDebounce) {
			r.announce(key, session.ExpiresAt, now)
		}
		return nil
	}
}

func (r *Reconciler) grant(ctx context.Context, key models.EntryKey) error {
	session, err := r.sessions.Grant(ctx, key, r.config.TurnTTL)
	if errors.Is(err, status.ErrSessionAlreadyActive) {
		slog.Error("Turn already active while granting, skipping", "client_id", key.ClientID, "resource_id", key.ResourceID)
		r.monitor.TrackInvariantViolation("session_already_active")
		return nil
	}
	if errors.Is(err, status.ErrTurnAlreadyGranted) {
		return r.resume(ctx, key)
	}
	if err != nil {
		r.monitor.TrackQueueOperation("grant", "error")
		return err
	}

	r.monitor.TrackQueueOperation("grant", "success")
	r.monitor.SetTurnActive(true)
	slog.Info("Turn granted",
		"client_id", key.ClientID,
		"resource_id", key.ResourceID,
		"state", models.EntryGranted,
		"expires_at", session.ExpiresAt,
	)

	if r.memo.lastGrantedKey != key {
		r.announce(key, session.ExpiresAt, r.now())
	}
	r.memo.lastGrantedKey = key
	r.armReclaim(session)
	return nil
}

// resume takes over a grant whose turn record lapsed, typically while no
// reconciler was running. The recorded expiry still applies.
func (r *Reconciler) resume(ctx context.Context, key models.EntryKey) error {
	previous, err := r.sessions.GrantRecord(ctx, key)
	if err != nil {
		return err
	}
	if previous == nil {
		// the marker went away between the grant attempt and the lookup
		return nil
	}

	now := r.now()
	if previous.ExpiredAt(now) {
		return r.expire(ctx, previous, "recovery")
	}

	slog.Warn("Resuming turn whose record lapsed",
		"client_id", key.ClientID,
		"resource_id", key.ResourceID,
		"expires_at", previous.ExpiresAt,
	)
	r.monitor.SetTurnActive(true)
	r.memo.lastGrantedKey = key
	r.armReclaim(previous)
	if r.memo.shouldReannounce(key, now, r.config.AnnounceDebounce) {
		r.announce(key, previous.ExpiresAt, now)
	}
	return nil
}

func (r *Reconciler) announce(key models.EntryKey, expiresAt, now time.Time) {
	r.bus.BroadcastTurnGranted(key, expiresAt)
	r.memo.lastEmittedKey = key
	r.memo.lastEmittedAt = now
}

// armReclaim schedules eviction at the session's expiry unless a task for
// the same grant is already pending.
func (r *Reconciler) armReclaim(session *models.TurnSession) {
	key := session.Key
	if task, ok := r.reclaims[key]; ok {
		if task.token == session.Token {
			return
		}
		task.timer.Stop()
	}

	delay := session.ExpiresAt.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	token := session.Token
	task := &reclaimTask{token: token, grantedAt: session.GrantedAt}
	task.timer = r.afterFunc(delay, func() { r.reclaim(key, token) })
	r.reclaims[key] = task
}

func (r *Reconciler) cancelReclaim(key models.EntryKey) *reclaimTask {
	task, ok := r.reclaims[key]
	if !ok {
		return nil
	}
	task.timer.Stop()
	delete(r.reclaims, key)
	return task
}

// reclaim is the timer callback. A task cancelled or superseded since it
// was armed does nothing.
func (r *Reconciler) reclaim(key models.EntryKey, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.reclaims[key]
	if !ok || task.token != token {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.TickTimeout)
	defer cancel()

	session := &models.TurnSession{Key: key, Token: token, GrantedAt: task.grantedAt}
	if err := r.expire(ctx, session, "timer"); err != nil {
		slog.Error("Deferred reclaim failed, next tick retries", "client_id", key.ClientID, "resource_id", key.ResourceID, "error", err)
	}
}

// expire evicts an uncompleted turn. The eviction script only succeeds while
// the turn record still carries the grant's token, so it runs at most once
// per grant and never after a completion.
func (r *Reconciler) expire(ctx context.Context, session *models.TurnSession, trigger string) error {
	key := session.Key
	r.cancelReclaim(key)

	evicted, err := r.queue.EvictTurn(ctx, key, session.Token)
	if err != nil {
		r.monitor.TrackQueueOperation("expire", "error")
		return err
	}
	if !evicted {
		slog.Debug("Turn already finalized", "client_id", key.ClientID, "resource_id", key.ResourceID, "trigger", trigger)
		return nil
	}

	r.memo.forget(key)
	r.monitor.TrackQueueOperation("expire", "success")
	r.monitor.SetTurnActive(false)
	if !session.GrantedAt.IsZero() {
		r.monitor.TrackTurnHold(string(models.EntryExpired), r.now().Sub(session.GrantedAt))
	}
	slog.Info("Turn expired",
		"client_id", key.ClientID,
		"resource_id", key.ResourceID,
		"state", models.EntryExpired,
		"trigger", trigger,
	)

	r.markBooking(ctx, key, models.BookingExpired)
	r.broadcastSnapshot(ctx)
	return nil
}

// guardMismatch handles a turn that does not belong to the head. The head
// is pinned while a turn is held, so this only happens when the turn record
// outlived its entry.
func (r *Reconciler) guardMismatch(ctx context.Context, head models.EntryKey, session *models.TurnSession) error {
	queued, err := r.queue.Contains(ctx, session.Key)
	if err != nil {
		return err
	}
	if queued {
		r.monitor.TrackInvariantViolation("head_mismatch")
		slog.Error("Active turn does not belong to queue head, skipping tick",
			"turn_client_id", session.Key.ClientID,
			"turn_resource_id", session.Key.ResourceID,
			"head_client_id", head.ClientID,
			"head_resource_id", head.ResourceID,
		)
		return nil
	}

	if err := r.clearStale(ctx, session); err != nil {
		return err
	}
	return r.grant(ctx, head)
}

func (r *Reconciler) clearStale(ctx context.Context, session *models.TurnSession) error {
	r.monitor.TrackInvariantViolation("stale_session")
	slog.Warn("Clearing turn whose entry left the queue",
		"client_id", session.Key.ClientID,
		"resource_id", session.Key.ResourceID,
	)
	r.cancelReclaim(session.Key)
	r.memo.forget(session.Key)
	if _, err := r.sessions.Clear(ctx, session.Key); err != nil {
		return err
	}
	r.monitor.SetTurnActive(false)
	return nil
}

// Complete finishes the turn of key after a successful payment. Only the
// current head may complete; anyone else gets ErrNotHeadOfQueue and the
// queue is left untouched. The next head is granted right away.
func (r *Reconciler) Complete(ctx context.Context, key models.EntryKey) error {
	if !key.Valid() {
		return status.ErrInvalidKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.queue.CompleteHead(ctx, key)
	if err != nil {
		r.monitor.TrackQueueOperation("complete", "error")
		return err
	}
	switch result {
	case CompleteEmpty:
		r.monitor.TrackQueueOperation("complete", "rejected")
		return fmt.Errorf("%w: queue is empty", status.ErrNotHeadOfQueue)
	case CompleteNotHead:
		r.monitor.TrackQueueOperation("complete", "rejected")
		return status.ErrNotHeadOfQueue
	}

	if task := r.cancelReclaim(key); task != nil {
		r.monitor.TrackTurnHold(string(models.EntryCompleted), r.now().Sub(task.grantedAt))
	}
	r.memo.forget(key)
	r.monitor.TrackQueueOperation("complete", "success")
	r.monitor.SetTurnActive(false)
	slog.Info("Turn completed", "client_id", key.ClientID, "resource_id", key.ResourceID, "state", models.EntryCompleted)

	r.markBooking(ctx, key, models.BookingCompleted)
	r.broadcastSnapshot(ctx)

	if err := r.reconcileHead(ctx); err != nil {
		slog.Warn("Failed to grant next turn after completion", "error", err)
	}
	return nil
}

// Evict removes key from the queue regardless of its position, releasing
// its turn if it holds one.
func (r *Reconciler) Evict(ctx context.Context, key models.EntryKey) (bool, error) {
	if !key.Valid() {
		return false, status.ErrInvalidKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed, err := r.queue.Remove(ctx, key)
	if err != nil {
		return false, err
	}
	cleared, err := r.sessions.Clear(ctx, key)
	if err != nil {
		slog.Error("Failed to clear turn of evicted entry", "client_id", key.ClientID, "resource_id", key.ResourceID, "error", err)
	}
	r.cancelReclaim(key)
	r.memo.forget(key)
	if cleared {
		r.monitor.SetTurnActive(false)
	}

	if removed {
		r.monitor.TrackQueueOperation("evict", "success")
		slog.Info("Entry removed from queue", "client_id", key.ClientID, "resource_id", key.ResourceID, "state", models.EntryRemoved)
		r.markBooking(ctx, key, models.BookingRemoved)
		r.broadcastSnapshot(ctx)
	}
	return removed, nil
}

// Metrics summarizes the queue for the admin dashboard.
func (r *Reconciler) Metrics(ctx context.Context) (*models.QueueMetrics, error) {
	snapshot, err := r.queue.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	session, err := r.sessions.Active(ctx)
	if err != nil {
		return nil, err
	}

	metrics := &models.QueueMetrics{
		TotalInQueue: len(snapshot),
		ActiveTurn:   session,
		LastUpdated:  r.now(),
	}
	if len(snapshot) > 0 {
		head := snapshot[0]
		metrics.Head = &head
	}
	return metrics, nil
}

// PendingReclaims reports how many deferred evictions are armed.
func (r *Reconciler) PendingReclaims() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reclaims)
}

func (r *Reconciler) broadcastSnapshot(ctx context.Context) {
	snapshot, err := r.queue.Snapshot(ctx)
	if err != nil {
		slog.Error("Failed to load snapshot for broadcast", "error", err)
		return
	}
	r.monitor.SetQueueLength(len(snapshot))
	r.bus.BroadcastQueueUpdate(snapshot)
}

func (r *Reconciler) markBooking(ctx context.Context, key models.EntryKey, bookingStatus models.BookingStatus) {
	if r.bookings == nil {
		return
	}
	if err := r.bookings.SetStatus(ctx, key, bookingStatus); err != nil {
		slog.Warn("Failed to update booking record", "client_id", key.ClientID, "resource_id", key.ResourceID, "status", bookingStatus, "error", err)
	}
}
