// Package job defines the broker's unit of work and its lifecycle states.
// The queue package persists these types to Redis; the controller and worker
// exchange them through it. Job state in Redis is the single source of truth,
// no component keeps a mirror beyond the scope of one request.
package job

import (
	"time"

	"github.com/tomnet/tom/internal/tomerr"
)

// Status is a job lifecycle state. Transitions are monotone: once a job
// reaches a terminal status it never leaves it.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusQueued   Status = "QUEUED"
	StatusActive   Status = "ACTIVE"
	StatusComplete Status = "COMPLETE"
	StatusFailed   Status = "FAILED"
	StatusAborted  Status = "ABORTED"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusAborted
}

type (
	// Payload is everything a worker needs to execute a job. It transits the
	// queue as JSON. Username and Password are only populated when the caller
	// explicitly supplied per-request credentials; otherwise CredentialRef
	// names the secret to resolve worker-side so the pair never touches Redis.
	Payload struct {
		Host           string            `json:"host"`
		Port           int               `json:"port"`
		Adapter        string            `json:"adapter"`
		AdapterDriver  string            `json:"adapter_driver"`
		Commands       []string          `json:"commands"`
		CredentialRef  string            `json:"credential_ref,omitempty"`
		Username       string            `json:"username,omitempty"`
		Password       string            `json:"password,omitempty"`
		AdapterOptions map[string]string `json:"adapter_options,omitempty"`
		TimeoutS       int               `json:"timeout_s"`
		MaxQueueWaitS  int               `json:"max_queue_wait_s"`
		Retries        int               `json:"retries"`
		UseCache       bool              `json:"use_cache"`
		CacheTTLS      int               `json:"cache_ttl_s,omitempty"`
		CacheRefresh   bool              `json:"cache_refresh,omitempty"`
	}

	// CommandSpec carries per-command parsing control for multi-command jobs.
	// Unset fields inherit the request-level values at parse time.
	CommandSpec struct {
		Command    string `json:"command"`
		Parse      *bool  `json:"parse,omitempty"`
		Parser     string `json:"parser,omitempty"`
		Template   string `json:"template,omitempty"`
		IncludeRaw *bool  `json:"include_raw,omitempty"`
	}

	// Metadata is bookkeeping preserved for retrieval-time operations such as
	// re-parsing a completed job with a different template.
	Metadata struct {
		DeviceName   string        `json:"device_name,omitempty"`
		DeviceType   string        `json:"device_type,omitempty"`
		Commands     []string      `json:"commands"`
		Parse        bool          `json:"parse,omitempty"`
		Parser       string        `json:"parser,omitempty"`
		Template     string        `json:"template,omitempty"`
		IncludeRaw   bool          `json:"include_raw,omitempty"`
		CommandSpecs []CommandSpec `json:"command_specs,omitempty"`
	}

	// CacheMeta records how one command's output was obtained.
	CacheMeta struct {
		Status     CacheStatus `json:"cache_status"`
		CachedAt   int64       `json:"cached_at,omitempty"`
		AgeSeconds int64       `json:"age_seconds,omitempty"`
	}

	// ResultMeta aggregates per-command bookkeeping for a completed job.
	ResultMeta struct {
		Cache map[string]CacheMeta `json:"cache"`
	}

	// Result holds the outcome of a COMPLETE job. Data maps command text to
	// raw output; declared command order is preserved via Metadata.Commands.
	Result struct {
		Data map[string]string `json:"data"`
		Meta ResultMeta        `json:"meta"`
	}

	// Error is the structured failure recorded on a FAILED job.
	Error struct {
		Kind    tomerr.Kind `json:"kind"`
		Message string      `json:"message"`
	}

	// Job is the queue's view of one unit of work.
	Job struct {
		ID               string    `json:"job_id"`
		Status           Status    `json:"status"`
		Attempts         int       `json:"attempts"`
		RetriesRemaining int       `json:"retries_remaining"`
		Payload          Payload   `json:"payload"`
		Metadata         Metadata  `json:"metadata"`
		Result           *Result   `json:"result,omitempty"`
		Error            *Error    `json:"error,omitempty"`
		CreatedAt        time.Time `json:"created_at"`
		AcquiredAt       time.Time `json:"acquired_at,omitzero"`
		HeartbeatAt      time.Time `json:"heartbeat_at,omitzero"`
		ConsumerID       string    `json:"consumer_id,omitempty"`
		AbortRequested   bool      `json:"abort_requested,omitempty"`
	}
)

// CacheStatus classifies how a command's output relates to the response cache.
type CacheStatus string

const (
	CacheHit     CacheStatus = "HIT"
	CacheMiss    CacheStatus = "MISS"
	CacheRefresh CacheStatus = "REFRESH"
	CacheBypass  CacheStatus = "BYPASS"
)

// CanTransition reports whether moving from s to next follows the lifecycle
// state machine. Requeue after a transient failure or a liveness sweep is the
// ACTIVE -> QUEUED edge.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusNew:
		return next == StatusQueued
	case StatusQueued:
		return next == StatusActive || next == StatusAborted
	case StatusActive:
		return next == StatusComplete || next == StatusFailed ||
			next == StatusQueued || next == StatusAborted
	case StatusFailed:
		return next == StatusAborted
	default:
		return false
	}
}
