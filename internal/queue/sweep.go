package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/tomnet/tom/internal/job"
	"github.com/tomnet/tom/internal/metrics"
	"github.com/tomnet/tom/internal/tomerr"
)

// Sweep re-queues ACTIVE jobs whose last heartbeat is older than the worker
// liveness window, consuming one retry each; jobs with no retries left are
// failed terminally. Pending-entry idle time is only a pre-filter: a
// long-running job with fresh heartbeats is never swept. Every worker runs
// the sweep; XCLAIM arbitrates so a given entry is requeued exactly once.
func (q *Queue) Sweep(ctx context.Context, liveness time.Duration) (int, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream(),
		Group:  group,
		Idle:   liveness,
		Start:  "-",
		End:    "+",
		Count:  64,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep pending: %w", err)
	}

	swept := 0
	for _, p := range pending {
		// Claiming transfers ownership of the entry to the sweeper; a racing
		// sweeper gets nothing back and moves on.
		msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream(),
			Group:    group,
			Consumer: "sweeper",
			MinIdle:  liveness,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(msgs) == 0 {
			continue
		}
		id, _ := msgs[0].Values["job_id"].(string)
		if id == "" {
			q.ack(ctx, p.ID)
			continue
		}

		j, err := q.Poll(ctx, id)
		if err != nil {
			// Envelope expired or corrupt; drop the orphaned entry.
			q.ack(ctx, p.ID)
			continue
		}
		if j.Status != job.StatusActive || time.Since(j.HeartbeatAt) < liveness {
			// Terminal, or the worker is alive and heartbeating. Terminal
			// entries were acked on transition; anything left here is done.
			if j.Status.Terminal() {
				q.ack(ctx, p.ID)
			}
			continue
		}

		res, err := requeueScript.Run(ctx, q.rdb, []string{q.jobKey(id), q.stream()},
			j.ConsumerID, id, group, p.ID).Int()
		if err != nil {
			return swept, fmt.Errorf("sweep requeue %s: %w", id, err)
		}
		if res == 1 {
			metrics.JobsRequeued.WithLabelValues("liveness").Inc()
			log.Printf(ctx, "requeued job %s: worker %s liveness expired", id, j.ConsumerID)
		} else {
			errJSON := fmt.Sprintf(`{"kind":%q,"message":"worker %s liveness expired and no retries remain"}`,
				tomerr.KindInternal, j.ConsumerID)
			if _, err := failScript.Run(ctx, q.rdb, []string{q.jobKey(id)},
				errJSON, int(q.retention.Seconds()), j.ConsumerID).Int(); err != nil {
				return swept, fmt.Errorf("sweep fail %s: %w", id, err)
			}
			q.ack(ctx, p.ID)
			metrics.JobsCompleted.WithLabelValues(string(job.StatusFailed)).Inc()
		}
		swept++
	}
	return swept, nil
}

// RunSweeper runs Sweep at half the liveness window until ctx is canceled.
func (q *Queue) RunSweeper(ctx context.Context, liveness time.Duration) {
	ticker := time.NewTicker(liveness / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Sweep(ctx, liveness); err != nil {
				log.Errorf(ctx, err, "liveness sweep failed")
			}
		}
	}
}
