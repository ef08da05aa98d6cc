// Package monitoring exposes the broker's operational state: which workers
// are alive, which commands failed recently, and per-device execution
// counters. Worker presence rides a Pulse replicated map so every process
// sees membership changes without polling; failed commands go to a capped
// Pulse stream the controller tails into memory.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
	"goa.design/pulse/streaming"
	"goa.design/pulse/streaming/options"

	"github.com/tomnet/tom/internal/tomerr"
)

const (
	workersMapName   = "tom:workers"
	failureStream    = "tom:failed"
	failureEventName = "command_failed"
	statsPrefix      = "tom:stats:device:"
)

type (
	// WorkerInfo is one worker's registry entry.
	WorkerInfo struct {
		ID        string    `json:"id"`
		Hostname  string    `json:"hostname"`
		PID       int       `json:"pid"`
		StartedAt time.Time `json:"started_at"`
		LastSeen  time.Time `json:"last_seen"`
	}

	// Registry is the shared worker membership map.
	Registry struct {
		m  *rmap.Map
		id string

		mu   sync.Mutex
		info WorkerInfo
	}
)

// JoinRegistry joins the worker map. Controller processes pass an empty id
// and get a read-only view.
func JoinRegistry(ctx context.Context, rdb *redis.Client, id string) (*Registry, error) {
	m, err := rmap.Join(ctx, workersMapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("join worker registry: %w", err)
	}
	r := &Registry{m: m, id: id}
	if id != "" {
		host, _ := os.Hostname()
		r.info = WorkerInfo{ID: id, Hostname: host, PID: os.Getpid(), StartedAt: time.Now().UTC()}
	}
	return r, nil
}

// Announce publishes or refreshes this worker's entry.
func (r *Registry) Announce(ctx context.Context) error {
	if r.id == "" {
		return nil
	}
	r.mu.Lock()
	r.info.LastSeen = time.Now().UTC()
	data, err := json.Marshal(r.info)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := r.m.Set(ctx, r.id, string(data)); err != nil {
		return fmt.Errorf("announce worker %s: %w", r.id, err)
	}
	return nil
}

// RunHeartbeat refreshes the entry at the given interval until ctx is
// canceled, then removes it.
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Leave(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			_ = r.Announce(ctx)
		}
	}
}

// Leave removes this worker's entry.
func (r *Registry) Leave(ctx context.Context) {
	if r.id != "" {
		_, _ = r.m.Delete(ctx, r.id)
	}
}

// Workers returns the current membership sorted by id. Entries whose
// last_seen is older than stale are skipped; pass zero to keep everything.
func (r *Registry) Workers(stale time.Duration) []WorkerInfo {
	var out []WorkerInfo
	for _, key := range r.m.Keys() {
		val, ok := r.m.Get(key)
		if !ok {
			continue
		}
		var info WorkerInfo
		if err := json.Unmarshal([]byte(val), &info); err != nil {
			continue
		}
		if stale > 0 && time.Since(info.LastSeen) > stale {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if out == nil {
		out = []WorkerInfo{}
	}
	return out
}

// Close detaches from the map without removing entries.
func (r *Registry) Close() { r.m.Close() }

type (
	// FailureEvent records one command that failed on a device.
	FailureEvent struct {
		JobID   string      `json:"job_id"`
		Device  string      `json:"device"`
		Command string      `json:"command"`
		Kind    tomerr.Kind `json:"kind"`
		Message string      `json:"message"`
		At      time.Time   `json:"at"`
	}

	// FailurePublisher writes failure events to the shared stream.
	FailurePublisher struct {
		stream *streaming.Stream
	}

	// FailureLog tails the failure stream into a bounded in-memory ring for
	// the monitoring API.
	FailureLog struct {
		sink *streaming.Sink

		mu   sync.Mutex
		ring []FailureEvent
		max  int
	}
)

func openFailureStream(rdb *redis.Client, maxLen int) (*streaming.Stream, error) {
	stream, err := streaming.NewStream(failureStream, rdb, options.WithStreamMaxLen(maxLen))
	if err != nil {
		return nil, fmt.Errorf("open failure stream: %w", err)
	}
	return stream, nil
}

// NewFailurePublisher opens the failure stream for writing. The stream is
// capped; old failures age out on their own.
func NewFailurePublisher(rdb *redis.Client, maxLen int) (*FailurePublisher, error) {
	stream, err := openFailureStream(rdb, maxLen)
	if err != nil {
		return nil, err
	}
	return &FailurePublisher{stream: stream}, nil
}

// Publish records a failure. Publishing is best-effort observability; the
// caller's job lifecycle must not depend on it.
func (p *FailurePublisher) Publish(ctx context.Context, ev FailureEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := p.stream.Add(ctx, failureEventName, data); err != nil {
		return fmt.Errorf("publish failure event: %w", err)
	}
	return nil
}

// TailFailures subscribes to the failure stream starting at the oldest
// retained event and keeps the most recent max events in memory.
func TailFailures(ctx context.Context, rdb *redis.Client, sinkName string, max int) (*FailureLog, error) {
	stream, err := openFailureStream(rdb, max)
	if err != nil {
		return nil, err
	}
	sink, err := stream.NewSink(ctx, sinkName, options.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("create failure sink: %w", err)
	}
	l := &FailureLog{sink: sink, max: max}
	go l.consume(ctx, sink.Subscribe())
	return l, nil
}

func (l *FailureLog) consume(ctx context.Context, events <-chan *streaming.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var fe FailureEvent
			if err := json.Unmarshal(ev.Payload, &fe); err == nil {
				l.append(fe)
			}
			_ = l.sink.Ack(ctx, ev)
		}
	}
}

func (l *FailureLog) append(ev FailureEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = append(l.ring, ev)
	if len(l.ring) > l.max {
		l.ring = l.ring[len(l.ring)-l.max:]
	}
}

// Recent returns the tailed failures, newest last.
func (l *FailureLog) Recent() []FailureEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FailureEvent, len(l.ring))
	copy(out, l.ring)
	return out
}

// Close stops the tail.
func (l *FailureLog) Close(ctx context.Context) { l.sink.Close(ctx) }

// DeviceStats maintains per-device execution counters in Redis hashes.
type DeviceStats struct {
	rdb *redis.Client
}

// NewDeviceStats returns a stats recorder backed by rdb.
func NewDeviceStats(rdb *redis.Client) *DeviceStats {
	return &DeviceStats{rdb: rdb}
}

func statsKey(host string) string { return statsPrefix + host }

// RecordSuccess counts one successfully executed command on host.
func (s *DeviceStats) RecordSuccess(ctx context.Context, host string) {
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, statsKey(host), "executed", 1)
	pipe.HSet(ctx, statsKey(host), "last_ok_at", time.Now().UTC().Format(time.RFC3339))
	_, _ = pipe.Exec(ctx)
}

// RecordFailure counts one failed command on host.
func (s *DeviceStats) RecordFailure(ctx context.Context, host string, kind tomerr.Kind) {
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, statsKey(host), "failed", 1)
	pipe.HIncrBy(ctx, statsKey(host), "failed_"+strings.ToLower(string(kind)), 1)
	pipe.HSet(ctx, statsKey(host), "last_fail_at", time.Now().UTC().Format(time.RFC3339))
	_, _ = pipe.Exec(ctx)
}

// Device returns the counters for one host; missing hosts yield an empty map.
func (s *DeviceStats) Device(ctx context.Context, host string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, statsKey(host)).Result()
}

// All returns counters for every tracked host.
func (s *DeviceStats) All(ctx context.Context) (map[string]map[string]string, error) {
	out := map[string]map[string]string{}
	iter := s.rdb.Scan(ctx, 0, statsPrefix+"*", 128).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		stats, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(key, statsPrefix)] = stats
	}
	return out, iter.Err()
}
