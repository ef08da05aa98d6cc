package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomnet/tom/internal/credentials"
	"github.com/tomnet/tom/internal/inventory"
	"github.com/tomnet/tom/internal/parser"
	"github.com/tomnet/tom/internal/tomerr"
)

// filterFromQuery builds an inventory filter from the query string. The
// reserved "filter" key names a predefined filter; every other key is an
// inline field regex.
func filterFromQuery(gc *gin.Context) inventory.Filter {
	f := inventory.Filter{Fields: map[string]string{}}
	for key, vals := range gc.Request.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		if key == "filter" {
			f.Named = vals[0]
			continue
		}
		f.Fields[key] = vals[0]
	}
	return f
}

func (c *Controller) handleInventoryDevice(gc *gin.Context) {
	dev, err := c.inv.GetDevice(gc.Request.Context(), gc.Param("name"))
	if err != nil {
		respondError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, dev)
}

func (c *Controller) handleInventoryExport(gc *gin.Context) {
	devs, err := c.inv.ListDevices(gc.Request.Context(), filterFromQuery(gc))
	if err != nil {
		respondError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{"devices": devs, "count": len(devs)})
}

func (c *Controller) handleInventoryExportRaw(gc *gin.Context) {
	records, err := c.inv.ListRaw(gc.Request.Context(), filterFromQuery(gc))
	if err != nil {
		respondError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{"devices": records, "count": len(records)})
}

func (c *Controller) handleInventoryFields(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{"fields": c.inv.FilterableFields()})
}

func (c *Controller) handleInventoryFilters(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{"filters": c.inv.NamedFilters()})
}

func (c *Controller) handleTemplateList(gc *gin.Context) {
	engine := gc.Param("engine")
	names, err := c.parser.List(parser.Engine(engine))
	if err != nil {
		respondError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{"engine": engine, "templates": names})
}

// handleTemplateMatch reports which template the index would choose for a
// (hostname, platform, command) triple without running it.
func (c *Controller) handleTemplateMatch(gc *gin.Context) {
	engine := gc.DefaultQuery("engine", string(parser.EngineTextFSM))
	ref, err := c.parser.Find(parser.Engine(engine),
		gc.Query("hostname"), gc.Query("platform"), gc.Query("command"))
	if err != nil {
		respondError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{
		"engine":          ref.Engine,
		"template_name":   ref.Name,
		"template_source": ref.Source,
	})
}

// handleParseTest parses caller-supplied text against a chosen template so
// operators can iterate on templates without touching a device.
func (c *Controller) handleParseTest(gc *gin.Context) {
	var req struct {
		Parser     string `json:"parser"`
		Template   string `json:"template"`
		Inline     string `json:"inline"`
		Hostname   string `json:"hostname"`
		Platform   string `json:"platform"`
		Command    string `json:"command"`
		Text       string `json:"text"`
		IncludeRaw bool   `json:"include_raw"`
	}
	if err := gc.ShouldBindJSON(&req); err != nil {
		respondError(gc, tomerr.New(tomerr.KindValidation, "malformed request body: %s", err))
		return
	}
	if req.Text == "" {
		respondError(gc, tomerr.New(tomerr.KindValidation, "text is required"))
		return
	}
	if req.Parser == "" {
		req.Parser = string(parser.EngineTextFSM)
	}
	res, err := c.parser.Parse(parser.Request{
		Engine:     parser.Engine(req.Parser),
		Template:   req.Template,
		Inline:     req.Inline,
		Hostname:   req.Hostname,
		Platform:   req.Platform,
		Command:    req.Command,
		Raw:        req.Text,
		IncludeRaw: req.IncludeRaw,
	})
	if err != nil {
		respondError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, res)
}

// handleCredentials lists credential ids. Names only; the secret material
// never leaves the credential plugin.
func (c *Controller) handleCredentials(gc *gin.Context) {
	if c.creds == nil {
		gc.JSON(http.StatusOK, gin.H{"ids": []string{}, "plugins": credentials.Names()})
		return
	}
	ids, err := c.creds.ListIDs(gc.Request.Context())
	if err != nil {
		respondError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{"ids": ids})
}

func (c *Controller) handleCacheSummary(gc *gin.Context) {
	summaries, err := c.cache.Summaries(gc.Request.Context())
	if err != nil {
		respondError(gc, tomerr.Wrap(tomerr.KindInternal, err))
		return
	}
	gc.JSON(http.StatusOK, gin.H{"enabled": c.cache.Enabled(), "devices": summaries})
}

func (c *Controller) handleCacheDevice(gc *gin.Context) {
	device := gc.Param("device")
	summaries, err := c.cache.Summaries(gc.Request.Context())
	if err != nil {
		respondError(gc, tomerr.Wrap(tomerr.KindInternal, err))
		return
	}
	for _, s := range summaries {
		if s.Device == device {
			gc.JSON(http.StatusOK, s)
			return
		}
	}
	respondError(gc, tomerr.New(tomerr.KindNotFound, "no cached entries for device %q", device))
}

func (c *Controller) handleCacheInvalidateAll(gc *gin.Context) {
	removed, err := c.cache.InvalidateAll(gc.Request.Context())
	if err != nil {
		respondError(gc, tomerr.Wrap(tomerr.KindInternal, err))
		return
	}
	gc.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (c *Controller) handleCacheInvalidateDevice(gc *gin.Context) {
	removed, err := c.cache.InvalidateDevice(gc.Request.Context(), gc.Param("device"))
	if err != nil {
		respondError(gc, tomerr.Wrap(tomerr.KindInternal, err))
		return
	}
	gc.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (c *Controller) handleMonitoringWorkers(gc *gin.Context) {
	stale := 300 * time.Second
	if v := gc.Query("stale_s"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(gc, tomerr.New(tomerr.KindValidation, "stale_s must be a non-negative integer"))
			return
		}
		stale = time.Duration(n) * time.Second
	}
	workers := c.registry.Workers(stale)
	gc.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (c *Controller) handleMonitoringFailures(gc *gin.Context) {
	events := c.failures.Recent()
	gc.JSON(http.StatusOK, gin.H{"failures": events, "count": len(events)})
}

func (c *Controller) handleMonitoringDevices(gc *gin.Context) {
	stats, err := c.stats.All(gc.Request.Context())
	if err != nil {
		respondError(gc, tomerr.Wrap(tomerr.KindInternal, err))
		return
	}
	gc.JSON(http.StatusOK, gin.H{"devices": stats})
}

func (c *Controller) handleMonitoringQueue(gc *gin.Context) {
	depth, err := c.q.Depth(gc.Request.Context())
	if err != nil {
		respondError(gc, tomerr.Wrap(tomerr.KindInternal, err))
		return
	}
	gc.JSON(http.StatusOK, gin.H{"depth": depth})
}
