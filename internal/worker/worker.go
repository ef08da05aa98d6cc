// Package worker executes jobs: it fetches work from the queue, satisfies
// what it can from the response cache, opens one transport session per job
// for the remainder, and publishes results back through the queue. Workers
// are horizontally scalable; all coordination happens through the shared
// Redis store (queue, device leases, worker registry).
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/tomnet/tom/internal/cache"
	"github.com/tomnet/tom/internal/config"
	"github.com/tomnet/tom/internal/credentials"
	"github.com/tomnet/tom/internal/gate"
	"github.com/tomnet/tom/internal/job"
	"github.com/tomnet/tom/internal/metrics"
	"github.com/tomnet/tom/internal/monitoring"
	"github.com/tomnet/tom/internal/queue"
	"github.com/tomnet/tom/internal/tomerr"
	"github.com/tomnet/tom/internal/transport"
)

const fetchBlock = 5 * time.Second

// Worker runs the execution loops of one worker process.
type Worker struct {
	cfg      *config.Worker
	id       string
	q        *queue.Queue
	gate     *gate.Gate
	cache    *cache.Cache
	creds    credentials.Plugin
	registry *monitoring.Registry
	failures *monitoring.FailurePublisher
	stats    *monitoring.DeviceStats
}

// New wires a worker from its configuration document and a shared Redis
// client.
func New(ctx context.Context, cfg *config.Worker, rdb *redis.Client) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	id := "worker-" + uuid.NewString()[:8]

	q, err := queue.New(ctx, rdb, cfg.Cache.KeyPrefix, time.Duration(cfg.JobRetentionS)*time.Second)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(rdb, cfg.Cache.KeyPrefix, cfg.LeaseTTL())
	if err != nil {
		return nil, err
	}
	c, err := cache.New(rdb, cfg.Cache)
	if err != nil {
		return nil, err
	}
	creds, err := credentials.Open(cfg.CredentialPlugin, cfg.PluginOptions(cfg.CredentialPlugin))
	if err != nil {
		return nil, err
	}
	registry, err := monitoring.JoinRegistry(ctx, rdb, id)
	if err != nil {
		return nil, err
	}
	failures, err := monitoring.NewFailurePublisher(rdb, 1000)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:      cfg,
		id:       id,
		q:        q,
		gate:     g,
		cache:    c,
		creds:    creds,
		registry: registry,
		failures: failures,
		stats:    monitoring.NewDeviceStats(rdb),
	}, nil
}

// ID returns the worker's queue consumer id.
func (w *Worker) ID() string { return w.id }

// Run executes jobs until ctx is canceled, then drains in-flight jobs for up
// to the configured shutdown grace.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.registry.Announce(ctx); err != nil {
		return err
	}
	go w.registry.RunHeartbeat(ctx, w.cfg.Heartbeat())
	go w.q.RunSweeper(ctx, w.cfg.Liveness())

	log.Printf(ctx, "worker %s running %d loops", w.id, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLoop(ctx)
		}()
	}

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace()):
		log.Printf(ctx, "worker %s shutdown grace expired with jobs in flight", w.id)
	}
	w.registry.Leave(context.WithoutCancel(ctx))
	return nil
}

func (w *Worker) runLoop(ctx context.Context) {
	for {
		d, err := w.q.Fetch(ctx, w.id, fetchBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf(ctx, err, "fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if d == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		// In-flight jobs survive shutdown initiation; the grace window in
		// Run bounds how long.
		jobCtx := context.WithoutCancel(ctx)
		w.execute(jobCtx, d)
	}
}

// execute runs one job end to end: cache partition, credential resolution,
// lease, transport session, per-command execution, terminal transition.
func (w *Worker) execute(ctx context.Context, d *queue.Delivery) {
	p := d.Job.Payload
	ctx = log.With(ctx, log.KV{K: "job_id", V: d.Job.ID}, log.KV{K: "device", V: p.Host})
	started := time.Now()

	timeout := time.Duration(p.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopHB := w.startHeartbeat(ctx, d)
	defer stopHB()

	result := job.Result{
		Data: map[string]string{},
		Meta: job.ResultMeta{Cache: map[string]job.CacheMeta{}},
	}

	// Phase one: serve what we can from the cache.
	misses := make([]string, 0, len(p.Commands))
	for _, cmd := range p.Commands {
		switch {
		case !p.UseCache:
			misses = append(misses, cmd)
			result.Meta.Cache[cmd] = job.CacheMeta{Status: job.CacheBypass}
			metrics.CacheLookups.WithLabelValues("bypass").Inc()
		case p.CacheRefresh:
			misses = append(misses, cmd)
			result.Meta.Cache[cmd] = job.CacheMeta{Status: job.CacheRefresh}
		default:
			entry, ok, err := w.cache.Get(ctx, p.Host, cmd)
			if err != nil {
				w.fail(ctx, d, tomerr.Wrap(tomerr.KindInternal, err))
				return
			}
			if ok {
				result.Data[cmd] = entry.RawOutput
				result.Meta.Cache[cmd] = job.CacheMeta{
					Status:     job.CacheHit,
					CachedAt:   entry.CachedAt,
					AgeSeconds: entry.Age(),
				}
			} else {
				misses = append(misses, cmd)
				result.Meta.Cache[cmd] = job.CacheMeta{Status: job.CacheMiss}
			}
		}
	}

	// Abort checkpoint between the cache phase and the transport phase.
	if w.checkAbort(ctx, d) {
		return
	}

	if len(misses) > 0 {
		if err := w.executeMisses(ctx, d, misses, &result); err != nil {
			return
		}
	}

	if err := d.Complete(ctx, result); err != nil {
		log.Errorf(ctx, err, "complete failed")
		return
	}
	metrics.JobDuration.Observe(time.Since(started).Seconds())
	log.Printf(ctx, "job complete: %d commands, %d from cache",
		len(p.Commands), len(p.Commands)-len(misses))
}

// executeMisses opens the transport session and runs the uncached commands
// in declared order. A non-nil return means the job already reached a
// terminal state (failed, aborted, or requeued).
func (w *Worker) executeMisses(ctx context.Context, d *queue.Delivery, misses []string, result *job.Result) error {
	p := d.Job.Payload

	cred, err := w.resolveCredential(ctx, p)
	if err != nil {
		w.fail(ctx, d, err)
		return err
	}

	maxWait := time.Duration(p.MaxQueueWaitS) * time.Second
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	lease, err := w.gate.Acquire(ctx, p.Host, w.id, maxWait)
	if err != nil {
		w.fail(ctx, d, err)
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	leaseCtx, cancelKeepAlive := context.WithCancel(ctx)
	defer cancelKeepAlive()
	lost := lease.KeepAlive(leaseCtx)

	adapter, err := transport.Get(p.Adapter)
	if err != nil {
		w.fail(ctx, d, tomerr.Wrap(tomerr.KindInternal, err))
		return err
	}
	sess, err := adapter.Open(ctx, transport.Target{
		Host:    p.Host,
		Port:    p.Port,
		Driver:  p.AdapterDriver,
		Options: p.AdapterOptions,
	}, cred)
	if err != nil {
		w.recordFailure(ctx, d, "", err)
		w.fail(ctx, d, err)
		return err
	}
	defer sess.Close()

	cmdTimeout := time.Duration(p.TimeoutS) * time.Second
	if cmdTimeout <= 0 {
		cmdTimeout = 60 * time.Second
	}
	for _, cmd := range misses {
		if w.checkAbort(ctx, d) {
			return fmt.Errorf("aborted")
		}
		select {
		case <-lost:
			// Involuntary abort: the lease expired under us, another worker
			// may already be talking to the device.
			err := tomerr.New(tomerr.KindGatingError, "device lease for %s lost mid-session", p.Host)
			w.recordFailure(ctx, d, cmd, err)
			w.fail(ctx, d, err)
			return err
		default:
		}

		out, err := sess.Send(ctx, cmd, cmdTimeout)
		if err != nil {
			w.recordFailure(ctx, d, cmd, err)
			w.fail(ctx, d, err)
			return err
		}
		result.Data[cmd] = out
		w.stats.RecordSuccess(ctx, p.Host)
		metrics.CommandsExecuted.WithLabelValues(p.Adapter).Inc()

		// Successful outputs are cached immediately so a later failure in
		// the same session does not waste them.
		if p.UseCache {
			if err := w.cache.Put(ctx, p.Host, cmd, out, p.CacheTTLS); err != nil {
				log.Errorf(ctx, err, "cache store failed")
			}
		}
	}
	return nil
}

// resolveCredential picks explicit request credentials when the caller sent
// them, otherwise asks the plugin. Plugin misses become AUTH_FAILURE: the
// job cannot authenticate and retrying will not change that.
func (w *Worker) resolveCredential(ctx context.Context, p job.Payload) (credentials.Pair, error) {
	if p.Username != "" {
		return credentials.Pair{Username: p.Username, Password: p.Password}, nil
	}
	pair, err := w.creds.Get(ctx, p.CredentialRef)
	if err != nil {
		if tomerr.KindOf(err) == tomerr.KindNotFound {
			return credentials.Pair{}, tomerr.New(tomerr.KindAuthFailure,
				"credential %q is not resolvable", p.CredentialRef)
		}
		return credentials.Pair{}, tomerr.Wrap(tomerr.KindInternal, err)
	}
	return pair, nil
}

// startHeartbeat publishes job liveness at the configured heartbeat interval
// until the returned stop function is called.
func (w *Worker) startHeartbeat(ctx context.Context, d *queue.Delivery) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.cfg.Heartbeat())
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := d.Heartbeat(hbCtx); err != nil {
					log.Errorf(hbCtx, err, "heartbeat failed")
				}
			}
		}
	}()
	return cancel
}

// checkAbort observes a cooperative abort request and finalizes it.
func (w *Worker) checkAbort(ctx context.Context, d *queue.Delivery) bool {
	requested, err := d.AbortRequested(ctx)
	if err != nil {
		log.Errorf(ctx, err, "abort check failed")
		return false
	}
	if !requested {
		return false
	}
	if err := d.MarkAborted(ctx); err != nil {
		log.Errorf(ctx, err, "abort finalize failed")
	}
	log.Printf(ctx, "job aborted at checkpoint")
	return true
}

// fail classifies err and records the terminal or requeued outcome.
func (w *Worker) fail(ctx context.Context, d *queue.Delivery, err error) {
	jobErr := job.Error{Kind: tomerr.KindOf(err), Message: tomerr.DetailOf(err)}
	requeued, ferr := d.Fail(ctx, jobErr, tomerr.HintOf(err))
	if ferr != nil {
		log.Errorf(ctx, ferr, "fail transition failed")
		return
	}
	if requeued {
		log.Printf(ctx, "job requeued after transient %s: %s", jobErr.Kind, jobErr.Message)
	} else {
		log.Errorf(ctx, err, "job failed terminally")
	}
}

// recordFailure feeds the monitoring surfaces; it never affects the job
// lifecycle.
func (w *Worker) recordFailure(ctx context.Context, d *queue.Delivery, cmd string, err error) {
	p := d.Job.Payload
	w.stats.RecordFailure(ctx, p.Host, tomerr.KindOf(err))
	if perr := w.failures.Publish(ctx, monitoring.FailureEvent{
		JobID:   d.Job.ID,
		Device:  p.Host,
		Command: cmd,
		Kind:    tomerr.KindOf(err),
		Message: tomerr.DetailOf(err),
	}); perr != nil {
		log.Errorf(ctx, perr, "failure publish failed")
	}
}
