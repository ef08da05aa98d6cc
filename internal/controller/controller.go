// Package controller implements the broker's HTTP surface: job submission
// and retrieval, inventory and template inspection, cache administration and
// monitoring views. The controller owns no job state; everything it serves is
// read from or written to the shared Redis store through the queue, cache and
// monitoring packages.
package controller

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/tomnet/tom/internal/cache"
	"github.com/tomnet/tom/internal/config"
	"github.com/tomnet/tom/internal/controller/auth"
	"github.com/tomnet/tom/internal/credentials"
	"github.com/tomnet/tom/internal/inventory"
	"github.com/tomnet/tom/internal/metrics"
	"github.com/tomnet/tom/internal/monitoring"
	"github.com/tomnet/tom/internal/parser"
	"github.com/tomnet/tom/internal/queue"
	"github.com/tomnet/tom/internal/tomerr"
)

// Controller wires the HTTP handlers to the shared store and plugins.
type Controller struct {
	cfg      *config.Controller
	rdb      *redis.Client
	q        *queue.Queue
	cache    *cache.Cache
	inv      inventory.Plugin
	creds    credentials.Plugin
	parser   *parser.Dispatcher
	auth     *auth.Authenticator
	registry *monitoring.Registry
	failures *monitoring.FailureLog
	stats    *monitoring.DeviceStats
	limiter  *rate.Limiter
}

// New constructs a Controller and its plugin set from configuration.
func New(ctx context.Context, cfg *config.Controller, rdb *redis.Client) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	q, err := queue.New(ctx, rdb, cfg.Cache.KeyPrefix, cfg.JobRetention())
	if err != nil {
		return nil, err
	}
	respCache, err := cache.New(rdb, cfg.Cache)
	if err != nil {
		return nil, err
	}
	inv, err := inventory.Open(cfg.InventoryType, cfg.PluginOptions(cfg.InventoryType))
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	var creds credentials.Plugin
	if cfg.CredentialPlugin != "" {
		creds, err = credentials.Open(cfg.CredentialPlugin, cfg.PluginOptions(cfg.CredentialPlugin))
		if err != nil {
			return nil, fmt.Errorf("open credentials: %w", err)
		}
	}
	authn, err := auth.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Empty id joins the worker registry as a read-only viewer.
	registry, err := monitoring.JoinRegistry(ctx, rdb, "")
	if err != nil {
		return nil, err
	}
	failures, err := monitoring.TailFailures(ctx, rdb, "controller-failures", 200)
	if err != nil {
		registry.Close()
		return nil, err
	}
	c := &Controller{
		cfg:      cfg,
		rdb:      rdb,
		q:        q,
		cache:    respCache,
		inv:      inv,
		creds:    creds,
		parser:   parser.New(cfg.CustomTemplatesDir),
		auth:     authn,
		registry: registry,
		failures: failures,
		stats:    monitoring.NewDeviceStats(rdb),
	}
	if cfg.RateLimitRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)+1)
	}
	return c, nil
}

// Close releases the controller's Redis subscriptions.
func (c *Controller) Close(ctx context.Context) {
	c.failures.Close(ctx)
	c.registry.Close()
}

// Router builds the gin engine with all routes mounted.
func (c *Controller) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(), countRequests())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	checker := health.NewChecker(redisPinger{rdb: c.rdb})
	r.GET("/healthz", gin.WrapF(health.Handler(checker)))
	r.GET("/livez", func(gc *gin.Context) { gc.Status(http.StatusOK) })

	api := r.Group("/api", c.auth.Middleware())
	if c.limiter != nil {
		api.Use(c.throttle())
	}

	api.POST("/device/:name/send_command", c.handleSendCommand)
	api.POST("/device/:name/send_commands", c.handleSendCommands)
	api.POST("/raw/send_via_shell", c.handleRaw("shell"))
	api.POST("/raw/send_via_exec", c.handleRaw("exec"))

	api.GET("/job/:id", c.handleGetJob)
	api.DELETE("/job/:id", c.handleAbortJob)

	api.GET("/inventory/export", c.handleInventoryExport)
	api.GET("/inventory/export/raw", c.handleInventoryExportRaw)
	api.GET("/inventory/fields", c.handleInventoryFields)
	api.GET("/inventory/filters", c.handleInventoryFilters)
	api.GET("/inventory/:name", c.handleInventoryDevice)

	api.GET("/templates/match", c.handleTemplateMatch)
	api.GET("/templates/:engine", c.handleTemplateList)
	api.POST("/parse/test", c.handleParseTest)

	api.GET("/credentials", c.handleCredentials)

	api.GET("/cache", c.handleCacheSummary)
	api.DELETE("/cache", c.handleCacheInvalidateAll)
	api.GET("/cache/:device", c.handleCacheDevice)
	api.DELETE("/cache/:device", c.handleCacheInvalidateDevice)

	api.GET("/monitoring/workers", c.handleMonitoringWorkers)
	api.GET("/monitoring/failures", c.handleMonitoringFailures)
	api.GET("/monitoring/devices", c.handleMonitoringDevices)
	api.GET("/monitoring/queue", c.handleMonitoringQueue)

	api.GET("/auth/debug", c.handleAuthDebug)

	return r
}

// redisPinger reports Redis connectivity on the health endpoint.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Name() string                   { return "redis" }
func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// requestLog annotates the request context so handler logs carry the route.
func requestLog() gin.HandlerFunc {
	return func(gc *gin.Context) {
		ctx := log.With(gc.Request.Context(),
			log.KV{K: "method", V: gc.Request.Method},
			log.KV{K: "route", V: gc.FullPath()},
		)
		gc.Request = gc.Request.WithContext(ctx)
		gc.Next()
	}
}

func countRequests() gin.HandlerFunc {
	return func(gc *gin.Context) {
		gc.Next()
		route := gc.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(gc.Writer.Status())).Inc()
	}
}

func (c *Controller) throttle() gin.HandlerFunc {
	return func(gc *gin.Context) {
		if !c.limiter.Allow() {
			gc.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":  "RATE_LIMITED",
				"detail": "request rate limit exceeded",
			})
			return
		}
		gc.Next()
	}
}

// respondError writes the uniform error envelope.
func respondError(gc *gin.Context, err error) {
	kind := tomerr.KindOf(err)
	gc.JSON(tomerr.HTTPStatus(kind), gin.H{
		"error":  kind,
		"detail": tomerr.DetailOf(err),
	})
}

func (c *Controller) handleAuthDebug(gc *gin.Context) {
	p, ok := auth.FromContext(gc)
	if !ok {
		respondError(gc, tomerr.New(tomerr.KindAuthRequired, "no principal on request"))
		return
	}
	gc.JSON(http.StatusOK, p)
}
