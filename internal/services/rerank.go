package services

import (
	"context"
	"log/slog"
	"ticket-queue/monitoring"
	"time"

	"github.com/robfig/cron/v3"
)

// RerankJob refreshes the score of every waiting entry. Scores drift as
// clients gain score records after they booked.
type RerankJob struct {
	queue    *RankedQueue
	sessions *SessionStore
	scorer   Scorer
	bus      Broadcaster
	monitor  *monitoring.Monitor
	timeout  time.Duration
}

func NewRerankJob(queue *RankedQueue, sessions *SessionStore, scorer Scorer, bus Broadcaster, monitor *monitoring.Monitor, timeout time.Duration) *RerankJob {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &RerankJob{
		queue:    queue,
		sessions: sessions,
		scorer:   scorer,
		bus:      bus,
		monitor:  monitor,
		timeout:  timeout,
	}
}

// Run rescores the queue once. It does nothing while a turn is held so the
// order a client saw when its turn was granted stays stable. It returns the
// number of entries whose score changed.
func (j *RerankJob) Run(ctx context.Context) (int, error) {
	session, err := j.sessions.Active(ctx)
	if err != nil {
		return 0, err
	}
	if session != nil {
		slog.Debug("Skipping rerank while a turn is active", "client_id", session.Key.ClientID)
		return 0, nil
	}

	snapshot, err := j.queue.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, entry := range snapshot {
		score, err := j.scorer.Score(ctx, entry.ClientID, entry.ResourceID)
		if err != nil {
			slog.Warn("Rerank scoring failed, keeping score", "client_id", entry.ClientID, "resource_id", entry.ResourceID, "error", err)
			continue
		}
		if score == entry.Score {
			continue
		}
		updated, err := j.queue.Rescore(ctx, entry.Key(), score)
		if err != nil {
			return changed, err
		}
		if updated {
			changed++
		}
	}

	j.monitor.TrackQueueOperation("rerank", "success")
	if changed == 0 {
		return 0, nil
	}

	slog.Info("Queue reranked", "changed", changed, "entries", len(snapshot))
	fresh, err := j.queue.Snapshot(ctx)
	if err != nil {
		return changed, err
	}
	j.bus.BroadcastQueueUpdate(fresh)
	return changed, nil
}

// Schedule runs the job on a cron spec with seconds, e.g. "0 */5 * * * *".
// Overlapping runs are skipped. The caller stops the returned scheduler.
func (j *RerankJob) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()

		if _, err := j.Run(ctx); err != nil {
			j.monitor.TrackQueueOperation("rerank", "error")
			slog.Error("Rerank failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	slog.Info("Rerank scheduler started", "schedule", spec)
	return c, nil
}
