// Package gate enforces single-occupancy access to network devices across
// the whole worker fleet. A lease is a named key in the shared Redis store
// acquired with SET NX and a TTL; release and renewal are compare-and-act
// scripts so that a lease reclaimed after TTL expiry is never freed or
// extended by its previous holder.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomnet/tom/internal/metrics"
	"github.com/tomnet/tom/internal/tomerr"
)

const (
	// Backoff schedule for contended acquisitions.
	retryInitial = 500 * time.Millisecond
	retryCap     = 5 * time.Second
	retryJitter  = 0.25
)

// ErrLeaseLost is returned by Renew when the lease key no longer belongs to
// the holder. Workers treat it as an involuntary abort of the command.
var ErrLeaseLost = errors.New("device lease lost")

var (
	// releaseScript deletes the lease only when the holder still owns it.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	// renewScript extends the lease only when the holder still owns it.
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type (
	// Gate hands out device leases backed by the shared Redis store.
	Gate struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
	}

	// Lease is a held device lock. Release is idempotent and must be called
	// on every exit path of the operation that acquired it.
	Lease struct {
		DeviceKey  string
		HolderID   string
		AcquiredAt time.Time

		gate     *Gate
		released bool
	}
)

// New constructs a Gate. prefix segregates lease keys from other broker keys
// in the same Redis database; ttl is the lease duration.
func New(rdb *redis.Client, prefix string, ttl time.Duration) (*Gate, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive")
	}
	return &Gate{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

// TTL returns the configured lease duration.
func (g *Gate) TTL() time.Duration { return g.ttl }

func (g *Gate) key(deviceKey string) string {
	return g.prefix + ":lease:" + deviceKey
}

// Acquire obtains the lease for deviceKey, waiting up to maxWait with a
// jittered exponential backoff when the device is busy. It returns a
// GATING_ERROR (transient) when the wait budget runs out, and the context
// error when ctx is canceled first.
func (g *Gate) Acquire(ctx context.Context, deviceKey, holderID string, maxWait time.Duration) (*Lease, error) {
	if deviceKey == "" {
		return nil, fmt.Errorf("device key is required")
	}
	if holderID == "" {
		return nil, fmt.Errorf("holder id is required")
	}

	start := time.Now()
	delay := retryInitial
	for {
		ok, err := g.rdb.SetNX(ctx, g.key(deviceKey), holderID, g.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease for %s: %w", deviceKey, err)
		}
		if ok {
			metrics.LeaseWait.Observe(time.Since(start).Seconds())
			metrics.DeviceLeaseActive.WithLabelValues(deviceKey).Set(1)
			return &Lease{
				DeviceKey:  deviceKey,
				HolderID:   holderID,
				AcquiredAt: time.Now().UTC(),
				gate:       g,
			}, nil
		}

		wait := jitter(delay)
		if time.Since(start)+wait > maxWait {
			return nil, tomerr.New(tomerr.KindGatingError,
				"device %s is busy, gave up after %s", deviceKey, time.Since(start).Round(time.Millisecond))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if delay *= 2; delay > retryCap {
			delay = retryCap
		}
	}
}

// Renew extends the lease by the gate's TTL. It returns ErrLeaseLost when the
// key was reclaimed by another holder or expired.
func (l *Lease) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.gate.rdb,
		[]string{l.gate.key(l.DeviceKey)}, l.HolderID, l.gate.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease for %s: %w", l.DeviceKey, err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release frees the lease if this holder still owns it. Releasing an already
// released or expired lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true
	metrics.DeviceLeaseActive.WithLabelValues(l.DeviceKey).Set(0)
	if _, err := releaseScript.Run(ctx, l.gate.rdb,
		[]string{l.gate.key(l.DeviceKey)}, l.HolderID).Int(); err != nil {
		return fmt.Errorf("release lease for %s: %w", l.DeviceKey, err)
	}
	return nil
}

// KeepAlive renews the lease at half-TTL intervals until ctx is canceled.
// The returned channel is closed if renewal fails, signalling the owner to
// abort the in-flight command.
func (l *Lease) KeepAlive(ctx context.Context) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.gate.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Renew(ctx); err != nil {
					close(lost)
					return
				}
			}
		}
	}()
	return lost
}

// jitter spreads the delay by ±25% so contending workers do not retry in
// lockstep.
func jitter(d time.Duration) time.Duration {
	f := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
