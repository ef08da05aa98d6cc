package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnet/tom/internal/cache"
	"github.com/tomnet/tom/internal/config"
	"github.com/tomnet/tom/internal/credentials"
	"github.com/tomnet/tom/internal/gate"
	"github.com/tomnet/tom/internal/job"
	"github.com/tomnet/tom/internal/monitoring"
	"github.com/tomnet/tom/internal/queue"
	"github.com/tomnet/tom/internal/redistest"
	"github.com/tomnet/tom/internal/tomerr"
	"github.com/tomnet/tom/internal/transport"
)

// fakeAdapter scripts command outcomes per test.
type fakeAdapter struct {
	mu     sync.Mutex
	send   func(cmd string) (string, error)
	opened int
}

func (f *fakeAdapter) Open(context.Context, transport.Target, credentials.Pair) (transport.Session, error) {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return &fakeSession{adapter: f}, nil
}

func (f *fakeAdapter) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeAdapter) script(fn func(cmd string) (string, error)) {
	f.mu.Lock()
	f.send = fn
	f.mu.Unlock()
}

type fakeSession struct{ adapter *fakeAdapter }

func (s *fakeSession) Send(_ context.Context, cmd string, _ time.Duration) (string, error) {
	s.adapter.mu.Lock()
	fn := s.adapter.send
	s.adapter.mu.Unlock()
	return fn(cmd)
}

func (s *fakeSession) Close() error { return nil }

var testAdapter = &fakeAdapter{}

func init() {
	transport.Register("fake", testAdapter)
}

// mapCreds is an in-memory credential plugin.
type mapCreds map[string]credentials.Pair

func (m mapCreds) Get(_ context.Context, id string) (credentials.Pair, error) {
	p, ok := m[id]
	if !ok {
		return credentials.Pair{}, tomerr.New(tomerr.KindNotFound, "credential id %q not found", id)
	}
	return p, nil
}

func (m mapCreds) ListIDs(context.Context) ([]string, error) { return []string{"lab"}, nil }

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	rdb := redistest.Client(t)
	ctx := t.Context()
	cfg := config.DefaultWorker()

	q, err := queue.New(ctx, rdb, "tom", time.Hour)
	require.NoError(t, err)
	g, err := gate.New(rdb, "tom", 30*time.Second)
	require.NoError(t, err)
	c, err := cache.New(rdb, cfg.Cache)
	require.NoError(t, err)
	registry, err := monitoring.JoinRegistry(ctx, rdb, "worker-test")
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	failures, err := monitoring.NewFailurePublisher(rdb, 100)
	require.NoError(t, err)

	return &Worker{
		cfg:      cfg,
		id:       "worker-test",
		q:        q,
		gate:     g,
		cache:    c,
		creds:    mapCreds{"lab": {Username: "admin", Password: "secret"}},
		registry: registry,
		failures: failures,
		stats:    monitoring.NewDeviceStats(rdb),
	}
}

func basePayload() job.Payload {
	return job.Payload{
		Host:          "dev1",
		Port:          22,
		Adapter:       "fake",
		AdapterDriver: "cisco_ios",
		Commands:      []string{"show version", "show clock"},
		CredentialRef: "lab",
		TimeoutS:      10,
		MaxQueueWaitS: 5,
		UseCache:      true,
	}
}

func fetchAndExecute(t *testing.T, w *Worker, id string) *job.Job {
	t.Helper()
	ctx := t.Context()
	d, err := w.q.Fetch(ctx, w.id, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, id, d.Job.ID)
	w.execute(ctx, d)
	j, err := w.q.Poll(ctx, id)
	require.NoError(t, err)
	return j
}

func TestExecuteCompletesAndCaches(t *testing.T) {
	w := newTestWorker(t)
	ctx := t.Context()
	testAdapter.script(func(cmd string) (string, error) {
		return "output of " + cmd, nil
	})

	p := basePayload()
	id, err := w.q.Enqueue(ctx, p, job.Metadata{Commands: p.Commands})
	require.NoError(t, err)

	before := testAdapter.openCount()
	j := fetchAndExecute(t, w, id)
	require.Equal(t, job.StatusComplete, j.Status)
	assert.Equal(t, "output of show version", j.Result.Data["show version"])
	assert.Equal(t, job.CacheMiss, j.Result.Meta.Cache["show clock"].Status)
	assert.Equal(t, before+1, testAdapter.openCount())

	// Second identical job is served entirely from cache: no session opened.
	id2, err := w.q.Enqueue(ctx, p, job.Metadata{Commands: p.Commands})
	require.NoError(t, err)
	j2 := fetchAndExecute(t, w, id2)
	require.Equal(t, job.StatusComplete, j2.Status)
	assert.Equal(t, job.CacheHit, j2.Result.Meta.Cache["show version"].Status)
	assert.Equal(t, "output of show clock", j2.Result.Data["show clock"])
	assert.Equal(t, before+1, testAdapter.openCount())
}

func TestExecuteBypassesDisabledCacheUse(t *testing.T) {
	w := newTestWorker(t)
	ctx := t.Context()
	testAdapter.script(func(cmd string) (string, error) { return "fresh", nil })

	p := basePayload()
	p.UseCache = false
	id, err := w.q.Enqueue(ctx, p, job.Metadata{Commands: p.Commands})
	require.NoError(t, err)

	j := fetchAndExecute(t, w, id)
	require.Equal(t, job.StatusComplete, j.Status)
	assert.Equal(t, job.CacheBypass, j.Result.Meta.Cache["show version"].Status)

	// Nothing was stored: a caching job afterwards misses.
	entry, ok, err := w.cache.Get(ctx, "dev1", "show version")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, entry)
}

func TestExecuteFatalFailureDoesNotRetry(t *testing.T) {
	w := newTestWorker(t)
	ctx := t.Context()
	testAdapter.script(func(cmd string) (string, error) {
		return "", tomerr.New(tomerr.KindAuthFailure, "ssh authentication failed")
	})

	p := basePayload()
	p.Retries = 3
	id, err := w.q.Enqueue(ctx, p, job.Metadata{Commands: p.Commands})
	require.NoError(t, err)

	j := fetchAndExecute(t, w, id)
	require.Equal(t, job.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, tomerr.KindAuthFailure, j.Error.Kind)
	assert.Equal(t, 3, j.RetriesRemaining, "fatal failures must not consume retries")
}

func TestExecuteTransientFailureRequeuesThenSucceeds(t *testing.T) {
	w := newTestWorker(t)
	ctx := t.Context()
	calls := 0
	testAdapter.script(func(cmd string) (string, error) {
		calls++
		if calls == 1 {
			return "", tomerr.New(tomerr.KindTransportError, "connection reset")
		}
		return "recovered", nil
	})

	p := basePayload()
	p.Commands = []string{"show version"}
	p.Retries = 2
	id, err := w.q.Enqueue(ctx, p, job.Metadata{Commands: p.Commands})
	require.NoError(t, err)

	j := fetchAndExecute(t, w, id)
	require.Equal(t, job.StatusQueued, j.Status)
	assert.Equal(t, 1, j.RetriesRemaining)

	// The requeued job is fetchable again after the backoff.
	deadline := time.Now().Add(10 * time.Second)
	var d2 *queue.Delivery
	for time.Now().Before(deadline) {
		d2, err = w.q.Fetch(ctx, w.id, time.Second)
		require.NoError(t, err)
		if d2 != nil {
			break
		}
	}
	require.NotNil(t, d2)
	w.execute(ctx, d2)

	j, err = w.q.Poll(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.StatusComplete, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, "recovered", j.Result.Data["show version"])
}

func TestExecuteMissingCredentialIsAuthFailure(t *testing.T) {
	w := newTestWorker(t)
	ctx := t.Context()
	testAdapter.script(func(cmd string) (string, error) { return "unreachable", nil })

	p := basePayload()
	p.CredentialRef = "vault"
	id, err := w.q.Enqueue(ctx, p, job.Metadata{Commands: p.Commands})
	require.NoError(t, err)

	j := fetchAndExecute(t, w, id)
	require.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, tomerr.KindAuthFailure, j.Error.Kind)
}

func TestExecuteExplicitCredentialsSkipPlugin(t *testing.T) {
	w := newTestWorker(t)
	ctx := t.Context()
	testAdapter.script(func(cmd string) (string, error) { return "ok", nil })

	p := basePayload()
	p.CredentialRef = ""
	p.Username = "override"
	p.Password = "pw"
	id, err := w.q.Enqueue(ctx, p, job.Metadata{Commands: p.Commands})
	require.NoError(t, err)

	j := fetchAndExecute(t, w, id)
	require.Equal(t, job.StatusComplete, j.Status)
}

func TestResolveCredential(t *testing.T) {
	w := newTestWorker(t)
	pair, err := w.resolveCredential(t.Context(), job.Payload{CredentialRef: "lab"})
	require.NoError(t, err)
	assert.Equal(t, "admin", pair.Username)

	_, err = w.resolveCredential(t.Context(), job.Payload{CredentialRef: "nope"})
	require.Error(t, err)
	assert.Equal(t, tomerr.KindAuthFailure, tomerr.KindOf(err))
	assert.Equal(t, tomerr.RetryFatal, tomerr.HintOf(err))
}
