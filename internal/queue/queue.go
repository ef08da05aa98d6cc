// Package queue implements the job lifecycle on top of the shared Redis
// store. Job envelopes live in hashes, the work queue is a Redis stream with
// a consumer group, and every state transition is guarded by a small Lua
// script so transitions stay monotone no matter how many controllers and
// workers race on the same job.
//
// Durability order: the envelope is written before the queue notification,
// so a job visible to a worker is always visible to poll.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tomnet/tom/internal/job"
	"github.com/tomnet/tom/internal/metrics"
	"github.com/tomnet/tom/internal/tomerr"
)

const (
	group = "tom-workers"

	// Wait polling backoff bounds.
	waitInitial = 50 * time.Millisecond
	waitCap     = time.Second

	// Requeue backoff bounds for transient failures.
	requeueInitial = 500 * time.Millisecond
	requeueCap     = 5 * time.Second
)

type (
	// Queue coordinates job state between controllers and workers.
	Queue struct {
		rdb       *redis.Client
		prefix    string
		retention time.Duration
	}

	// Delivery is one fetched job plus the stream bookkeeping needed to
	// acknowledge it. All terminal transitions for a fetched job go through
	// its Delivery.
	Delivery struct {
		Job *job.Job

		q     *Queue
		msgID string
	}
)

// activateScript moves a queued job to ACTIVE and stamps the consumer.
// Returns 0 when the job is no longer eligible (terminal or abort requested
// while queued), in which case the caller acks and drops the message.
var activateScript = redis.NewScript(`
local s = redis.call("HGET", KEYS[1], "status")
if s ~= "QUEUED" then return 0 end
if redis.call("HGET", KEYS[1], "abort") == "1" then
	redis.call("HSET", KEYS[1], "status", "ABORTED")
	return 0
end
redis.call("HSET", KEYS[1], "status", "ACTIVE", "consumer_id", ARGV[1], "acquired_at", ARGV[2], "heartbeat_at", ARGV[2])
redis.call("HINCRBY", KEYS[1], "attempts", 1)
return 1`)

// completeScript finishes an ACTIVE job. A second complete is a no-op (0);
// completing a job in any other state, or from a consumer that no longer
// owns it (liveness sweep reassigned it), is rejected (-1).
var completeScript = redis.NewScript(`
local s = redis.call("HGET", KEYS[1], "status")
if s == "COMPLETE" then return 0 end
if s ~= "ACTIVE" then return -1 end
if ARGV[3] ~= "" and redis.call("HGET", KEYS[1], "consumer_id") ~= ARGV[3] then return -1 end
redis.call("HSET", KEYS[1], "status", "COMPLETE", "result", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1`)

// failScript terminally fails an ACTIVE job, with the same ownership guard
// as completeScript.
var failScript = redis.NewScript(`
local s = redis.call("HGET", KEYS[1], "status")
if s == "FAILED" then return 0 end
if s ~= "ACTIVE" then return -1 end
if ARGV[3] ~= "" and redis.call("HGET", KEYS[1], "consumer_id") ~= ARGV[3] then return -1 end
redis.call("HSET", KEYS[1], "status", "FAILED", "error", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1`)

// requeueScript returns an ACTIVE job to QUEUED, consuming one retry, and in
// the same transaction pushes a fresh stream entry and acknowledges the old
// one. The three moves are atomic so there is no window in which a QUEUED job
// has no stream entry left to deliver it. Returns 0 when the job has no
// retries left or left ACTIVE in the meantime.
var requeueScript = redis.NewScript(`
local s = redis.call("HGET", KEYS[1], "status")
if s ~= "ACTIVE" then return 0 end
if ARGV[1] ~= "" and redis.call("HGET", KEYS[1], "consumer_id") ~= ARGV[1] then return 0 end
local r = tonumber(redis.call("HGET", KEYS[1], "retries_remaining"))
if r == nil or r <= 0 then return 0 end
redis.call("HSET", KEYS[1], "status", "QUEUED", "consumer_id", "", "heartbeat_at", "")
redis.call("HINCRBY", KEYS[1], "retries_remaining", -1)
redis.call("XADD", KEYS[2], "*", "job_id", ARGV[2])
redis.call("XACK", KEYS[2], ARGV[3], ARGV[4])
return 1`)

// abortScript requests a cooperative abort. Queued and failed jobs flip to
// ABORTED immediately; active jobs keep running until the worker's next
// checkpoint observes the flag.
var abortScript = redis.NewScript(`
local s = redis.call("HGET", KEYS[1], "status")
if s == "QUEUED" or s == "FAILED" then
	redis.call("HSET", KEYS[1], "status", "ABORTED", "abort", "1")
	return 1
end
if s == "ACTIVE" then
	redis.call("HSET", KEYS[1], "abort", "1")
	return 1
end
return 0`)

// markAbortedScript finalizes a cooperative abort at a worker checkpoint.
var markAbortedScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "ACTIVE" then return 0 end
if ARGV[1] ~= "" and redis.call("HGET", KEYS[1], "consumer_id") ~= ARGV[1] then return 0 end
redis.call("HSET", KEYS[1], "status", "ABORTED")
return 1`)

// New constructs a Queue and ensures the stream's consumer group exists.
func New(ctx context.Context, rdb *redis.Client, prefix string, retention time.Duration) (*Queue, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "tom"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	q := &Queue{rdb: rdb, prefix: prefix, retention: retention}
	err := rdb.XGroupCreateMkStream(ctx, q.stream(), group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

func isBusyGroup(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr) && len(rerr.Error()) >= 9 && rerr.Error()[:9] == "BUSYGROUP"
}

func (q *Queue) stream() string          { return q.prefix + ":jobs" }
func (q *Queue) jobKey(id string) string { return q.prefix + ":job:" + id }

// Enqueue persists a new job envelope and pushes its id onto the queue.
// The envelope write completes before the queue notification so the job is
// never observable on the queue without being pollable.
func (q *Queue) Enqueue(ctx context.Context, payload job.Payload, meta job.Metadata) (string, error) {
	id := uuid.NewString()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	fields := map[string]any{
		"status":            string(job.StatusQueued),
		"attempts":          0,
		"retries_remaining": payload.Retries,
		"payload":           payloadJSON,
		"metadata":          metaJSON,
		"created_at":        now.Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, q.jobKey(id), fields).Err(); err != nil {
		return "", fmt.Errorf("store job envelope: %w", err)
	}
	if err := q.push(ctx, id); err != nil {
		return "", err
	}
	metrics.JobsEnqueued.Inc()
	return id, nil
}

func (q *Queue) push(ctx context.Context, id string) error {
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(),
		Values: map[string]any{"job_id": id},
	}).Err(); err != nil {
		return fmt.Errorf("push job %s: %w", id, err)
	}
	return nil
}

// Fetch blocks up to block for the next queued job and transitions it to
// ACTIVE. It returns (nil, nil) when the block window elapses with nothing
// eligible. Messages whose jobs turned terminal while queued are acked and
// skipped.
func (q *Queue) Fetch(ctx context.Context, consumerID string, block time.Duration) (*Delivery, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerID,
		Streams:  []string{q.stream(), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch from queue: %w", err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			id, _ := msg.Values["job_id"].(string)
			if id == "" {
				q.ack(ctx, msg.ID)
				continue
			}
			now := time.Now().UTC().Format(time.RFC3339Nano)
			res, err := activateScript.Run(ctx, q.rdb, []string{q.jobKey(id)}, consumerID, now).Int()
			if err != nil {
				return nil, fmt.Errorf("activate job %s: %w", id, err)
			}
			if res == 0 {
				q.ack(ctx, msg.ID)
				continue
			}
			j, err := q.Poll(ctx, id)
			if err != nil {
				return nil, err
			}
			return &Delivery{Job: j, q: q, msgID: msg.ID}, nil
		}
	}
	return nil, nil
}

func (q *Queue) ack(ctx context.Context, msgID string) {
	_ = q.rdb.XAck(ctx, q.stream(), group, msgID).Err()
}

// Complete publishes the result of an ACTIVE job. Completing an already
// completed job is a no-op and leaves the stored result unchanged.
func (d *Delivery) Complete(ctx context.Context, result job.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := completeScript.Run(ctx, d.q.rdb, []string{d.q.jobKey(d.Job.ID)},
		resultJSON, int(d.q.retention.Seconds()), d.Job.ConsumerID).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", d.Job.ID, err)
	}
	if res < 0 {
		return fmt.Errorf("complete job %s: not active", d.Job.ID)
	}
	d.q.ack(ctx, d.msgID)
	if res == 1 {
		metrics.JobsCompleted.WithLabelValues(string(job.StatusComplete)).Inc()
	}
	return nil
}

// Fail records a failure. Transient failures with retries remaining return
// the job to the queue after a short backoff; fatal failures and exhausted
// budgets are terminal. The first return value reports whether the job was
// requeued.
func (d *Delivery) Fail(ctx context.Context, jobErr job.Error, hint tomerr.RetryHint) (bool, error) {
	key := d.q.jobKey(d.Job.ID)

	if hint == tomerr.RetryTransient {
		// Backoff before the requeue transition, growing with the attempt
		// count. The job stays ACTIVE and owned for the duration, so a worker
		// crash during the wait is ordinary worker death: the stream entry is
		// still pending and the liveness sweep recovers the job.
		select {
		case <-ctx.Done():
		case <-time.After(requeueDelay(d.Job.Attempts)):
		}
		res, err := requeueScript.Run(ctx, d.q.rdb, []string{key, d.q.stream()},
			d.Job.ConsumerID, d.Job.ID, group, d.msgID).Int()
		if err != nil {
			return false, fmt.Errorf("requeue job %s: %w", d.Job.ID, err)
		}
		if res == 1 {
			metrics.JobsRequeued.WithLabelValues("transient").Inc()
			return true, nil
		}
	}

	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return false, fmt.Errorf("marshal job error: %w", err)
	}
	res, err := failScript.Run(ctx, d.q.rdb, []string{key},
		errJSON, int(d.q.retention.Seconds()), d.Job.ConsumerID).Int()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", d.Job.ID, err)
	}
	d.q.ack(ctx, d.msgID)
	if res == 1 {
		metrics.JobsCompleted.WithLabelValues(string(job.StatusFailed)).Inc()
	}
	return false, nil
}

// Heartbeat publishes a liveness tick for the in-flight job.
func (d *Delivery) Heartbeat(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := d.q.rdb.HSet(ctx, d.q.jobKey(d.Job.ID), "heartbeat_at", now).Err(); err != nil {
		return fmt.Errorf("heartbeat job %s: %w", d.Job.ID, err)
	}
	return nil
}

// AbortRequested reports whether a cooperative abort was requested. Workers
// call this at checkpoints (between commands and between cache phases).
func (d *Delivery) AbortRequested(ctx context.Context) (bool, error) {
	v, err := d.q.rdb.HGet(ctx, d.q.jobKey(d.Job.ID), "abort").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check abort for job %s: %w", d.Job.ID, err)
	}
	return v == "1", nil
}

// MarkAborted finalizes a cooperative abort observed at a checkpoint.
func (d *Delivery) MarkAborted(ctx context.Context) error {
	res, err := markAbortedScript.Run(ctx, d.q.rdb, []string{d.q.jobKey(d.Job.ID)}, d.Job.ConsumerID).Int()
	if err != nil {
		return fmt.Errorf("mark job %s aborted: %w", d.Job.ID, err)
	}
	d.q.ack(ctx, d.msgID)
	if res == 1 {
		metrics.JobsCompleted.WithLabelValues(string(job.StatusAborted)).Inc()
	}
	return nil
}

// Abort requests cancellation of a job. Queued and failed jobs abort
// immediately; active jobs abort at the worker's next checkpoint.
func (q *Queue) Abort(ctx context.Context, id string) (*job.Job, error) {
	res, err := abortScript.Run(ctx, q.rdb, []string{q.jobKey(id)}).Int()
	if err != nil {
		return nil, fmt.Errorf("abort job %s: %w", id, err)
	}
	if res == 0 {
		j, err := q.Poll(ctx, id)
		if err != nil {
			return nil, err
		}
		return j, tomerr.New(tomerr.KindValidation, "job %s is %s and cannot be aborted", id, j.Status)
	}
	return q.Poll(ctx, id)
}

// Poll reads a job snapshot. It is idempotent and safe to call at any time.
func (q *Queue) Poll(ctx context.Context, id string) (*job.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("poll job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, tomerr.New(tomerr.KindNotFound, "job %s not found", id)
	}
	return unmarshalJob(id, fields)
}

// Wait polls until the job reaches a terminal status or the deadline
// expires, backing off exponentially between polls. On deadline expiry the
// last snapshot is returned together with a TIMEOUT_ERROR; the job itself is
// left untouched and remains visible to later polls.
func (q *Queue) Wait(ctx context.Context, id string, deadline time.Duration) (*job.Job, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	delay := waitInitial
	for {
		j, err := q.Poll(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-timer.C:
			return j, tomerr.New(tomerr.KindTimeoutError, "job %s still %s after %s", id, j.Status, deadline)
		case <-time.After(delay):
		}
		if delay *= 2; delay > waitCap {
			delay = waitCap
		}
	}
}

// Depth returns the number of entries on the work stream.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.stream()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// requeueDelay grows with the attempt count so repeated failures back off.
func requeueDelay(attempts int) time.Duration {
	d := requeueInitial
	for i := 1; i < attempts; i++ {
		if d *= 2; d >= requeueCap {
			return requeueCap
		}
	}
	return d
}

func unmarshalJob(id string, fields map[string]string) (*job.Job, error) {
	j := &job.Job{ID: id, Status: job.Status(fields["status"])}
	j.Attempts = atoi(fields["attempts"])
	j.RetriesRemaining = atoi(fields["retries_remaining"])
	j.ConsumerID = fields["consumer_id"]
	j.AbortRequested = fields["abort"] == "1"
	if v := fields["payload"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Payload); err != nil {
			return nil, fmt.Errorf("job %s payload corrupt: %w", id, err)
		}
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Metadata); err != nil {
			return nil, fmt.Errorf("job %s metadata corrupt: %w", id, err)
		}
	}
	if v := fields["result"]; v != "" {
		j.Result = &job.Result{}
		if err := json.Unmarshal([]byte(v), j.Result); err != nil {
			return nil, fmt.Errorf("job %s result corrupt: %w", id, err)
		}
	}
	if v := fields["error"]; v != "" {
		j.Error = &job.Error{}
		if err := json.Unmarshal([]byte(v), j.Error); err != nil {
			return nil, fmt.Errorf("job %s error corrupt: %w", id, err)
		}
	}
	j.CreatedAt = parseTime(fields["created_at"])
	j.AcquiredAt = parseTime(fields["acquired_at"])
	j.HeartbeatAt = parseTime(fields["heartbeat_at"])
	return j, nil
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
