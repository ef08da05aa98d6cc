package controller

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"goa.design/clue/log"

	"github.com/tomnet/tom/internal/inventory"
	"github.com/tomnet/tom/internal/job"
	"github.com/tomnet/tom/internal/parser"
	"github.com/tomnet/tom/internal/tomerr"
)

const (
	defaultTimeoutS      = 60
	defaultMaxQueueWaitS = 30
)

type (
	// commandRequest is the request body shared by the device and raw
	// submission endpoints. Raw submissions additionally carry connection
	// coordinates since they bypass the inventory.
	commandRequest struct {
		Command      string            `json:"command"`
		Commands     []string          `json:"commands"`
		CommandSpecs []job.CommandSpec `json:"command_specs"`

		Wait      bool `json:"wait"`
		RawOutput bool `json:"raw_output"`
		TimeoutS  int  `json:"timeout"`

		UseCache     bool `json:"use_cache"`
		CacheTTLS    int  `json:"cache_ttl"`
		CacheRefresh bool `json:"cache_refresh"`

		Parse      bool   `json:"parse"`
		Parser     string `json:"parser"`
		Template   string `json:"template"`
		IncludeRaw bool   `json:"include_raw"`

		Username     string `json:"username"`
		Password     string `json:"password"`
		CredentialID string `json:"credential_id"`

		Retries       int `json:"retries"`
		MaxQueueWaitS int `json:"max_queue_wait"`

		// Raw-endpoint coordinates, ignored on device routes.
		Host           string            `json:"host"`
		Port           int               `json:"port"`
		Driver         string            `json:"driver"`
		AdapterOptions map[string]string `json:"adapter_options"`
	}

	// commandParse is the parse outcome for one command on a JobResponse.
	commandParse struct {
		Command string       `json:"command"`
		Parsed  any          `json:"parsed,omitempty"`
		Raw     string       `json:"raw,omitempty"`
		Meta    *parser.Meta `json:"_metadata,omitempty"`
		Error   tomerr.Kind  `json:"error,omitempty"`
		Detail  string       `json:"detail,omitempty"`
	}

	// jobResponse is the JSON envelope for all job-bearing endpoints.
	jobResponse struct {
		JobID     string         `json:"job_id"`
		Status    job.Status     `json:"status"`
		Attempts  int            `json:"attempts,omitempty"`
		CreatedAt time.Time      `json:"created_at,omitzero"`
		Result    *job.Result    `json:"result,omitempty"`
		Error     *job.Error     `json:"error,omitempty"`
		Parsed    []commandParse `json:"parsed,omitempty"`
	}
)

func (c *Controller) handleSendCommand(gc *gin.Context) {
	var req commandRequest
	if err := gc.ShouldBindJSON(&req); err != nil {
		respondError(gc, tomerr.New(tomerr.KindValidation, "malformed request body: %s", err))
		return
	}
	if req.Command == "" || len(req.Commands) > 0 || len(req.CommandSpecs) > 0 {
		respondError(gc, tomerr.New(tomerr.KindValidation, "send_command takes exactly one command"))
		return
	}
	req.Commands = []string{req.Command}
	c.submitForDevice(gc, gc.Param("name"), &req)
}

func (c *Controller) handleSendCommands(gc *gin.Context) {
	var req commandRequest
	if err := gc.ShouldBindJSON(&req); err != nil {
		respondError(gc, tomerr.New(tomerr.KindValidation, "malformed request body: %s", err))
		return
	}
	// Per-command specs are an alternative to the plain command list.
	if len(req.CommandSpecs) > 0 {
		if len(req.Commands) > 0 || req.Command != "" {
			respondError(gc, tomerr.New(tomerr.KindValidation, "command_specs and commands are mutually exclusive"))
			return
		}
		for _, spec := range req.CommandSpecs {
			req.Commands = append(req.Commands, spec.Command)
		}
	}
	c.submitForDevice(gc, gc.Param("name"), &req)
}

// handleRaw submits against inline connection coordinates, bypassing the
// inventory. adapter selects the transport family.
func (c *Controller) handleRaw(adapter string) gin.HandlerFunc {
	return func(gc *gin.Context) {
		var req commandRequest
		if err := gc.ShouldBindJSON(&req); err != nil {
			respondError(gc, tomerr.New(tomerr.KindValidation, "malformed request body: %s", err))
			return
		}
		if req.Host == "" {
			respondError(gc, tomerr.New(tomerr.KindValidation, "host is required"))
			return
		}
		if req.Command != "" {
			req.Commands = append([]string{req.Command}, req.Commands...)
		}
		dev := &inventory.DeviceDescriptor{
			Name:           req.Host,
			Host:           req.Host,
			Port:           req.Port,
			Adapter:        adapter,
			AdapterDriver:  req.Driver,
			CredentialID:   req.CredentialID,
			AdapterOptions: req.AdapterOptions,
		}
		if err := dev.Validate(); err != nil {
			respondError(gc, err)
			return
		}
		c.submit(gc, dev, &req)
	}
}

func (c *Controller) submitForDevice(gc *gin.Context, name string, req *commandRequest) {
	if name == "" {
		respondError(gc, tomerr.New(tomerr.KindValidation, "device name is required"))
		return
	}
	dev, err := c.inv.GetDevice(gc.Request.Context(), name)
	if err != nil {
		respondError(gc, err)
		return
	}
	if err := dev.Validate(); err != nil {
		respondError(gc, err)
		return
	}
	if req.CredentialID != "" {
		dev.CredentialID = req.CredentialID
	}
	c.submit(gc, dev, req)
}

func (c *Controller) submit(gc *gin.Context, dev *inventory.DeviceDescriptor, req *commandRequest) {
	ctx := gc.Request.Context()
	if err := validateRequest(req); err != nil {
		respondError(gc, err)
		return
	}

	payload := job.Payload{
		Host:           dev.Host,
		Port:           dev.Port,
		Adapter:        dev.Adapter,
		AdapterDriver:  dev.AdapterDriver,
		Commands:       req.Commands,
		CredentialRef:  dev.CredentialID,
		Username:       req.Username,
		Password:       req.Password,
		AdapterOptions: dev.AdapterOptions,
		TimeoutS:       req.TimeoutS,
		MaxQueueWaitS:  req.MaxQueueWaitS,
		Retries:        req.Retries,
		UseCache:       req.UseCache,
		CacheTTLS:      c.cache.ClampTTL(req.CacheTTLS),
		CacheRefresh:   req.CacheRefresh,
	}
	if payload.Adapter == "" {
		payload.Adapter = "shell"
	}
	// Explicit per-request credentials take precedence over the ref.
	if payload.Username != "" {
		payload.CredentialRef = ""
	}
	meta := job.Metadata{
		DeviceName:   dev.Name,
		DeviceType:   dev.AdapterDriver,
		Commands:     req.Commands,
		Parse:        req.Parse,
		Parser:       req.Parser,
		Template:     req.Template,
		IncludeRaw:   req.IncludeRaw,
		CommandSpecs: req.CommandSpecs,
	}

	id, err := c.q.Enqueue(ctx, payload, meta)
	if err != nil {
		respondError(gc, tomerr.Wrap(tomerr.KindInternal, err))
		return
	}
	log.Printf(ctx, "job %s queued for %s (%d commands)", id, dev.Name, len(req.Commands))

	if !req.Wait {
		gc.JSON(http.StatusOK, jobResponse{JobID: id, Status: job.StatusQueued})
		return
	}

	j, err := c.q.Wait(ctx, id, waitDeadline(req))
	if err != nil {
		// Deadline expiry leaves the job where it is; the snapshot tells the
		// client what to poll for.
		if tomerr.KindOf(err) == tomerr.KindTimeoutError && j != nil {
			c.respondTimeout(gc, j, req, err)
			return
		}
		respondError(gc, err)
		return
	}
	c.respondJob(gc, j, req.RawOutput, settingsFromMetadata(j.Metadata))
}

func (c *Controller) respondTimeout(gc *gin.Context, j *job.Job, req *commandRequest, err error) {
	if req.RawOutput {
		gc.String(http.StatusGatewayTimeout, "ERROR %s: %s\n", tomerr.KindTimeoutError, tomerr.DetailOf(err))
		return
	}
	gc.JSON(http.StatusGatewayTimeout, jobResponse{
		JobID:    j.ID,
		Status:   j.Status,
		Attempts: j.Attempts,
		Error:    &job.Error{Kind: tomerr.KindTimeoutError, Message: tomerr.DetailOf(err)},
	})
}

// respondJob renders a job snapshot, running the parse stage when requested
// and the job completed.
func (c *Controller) respondJob(gc *gin.Context, j *job.Job, rawMode bool, settings parseSettings) {
	if rawMode {
		c.respondRawText(gc, j)
		return
	}
	resp := jobResponse{
		JobID:     j.ID,
		Status:    j.Status,
		Attempts:  j.Attempts,
		CreatedAt: j.CreatedAt,
		Result:    j.Result,
		Error:     j.Error,
	}
	if settings.Parse {
		if j.Status == job.StatusComplete && j.Result != nil {
			resp.Parsed = c.parseResult(j, settings)
		} else {
			log.Warnf(gc.Request.Context(), "parse requested for job %s in status %s; returning raw only", j.ID, j.Status)
		}
	}
	gc.JSON(http.StatusOK, resp)
}

// respondRawText renders the plain-text mode: command outputs in declared
// order separated by delimiter lines, or a plain-text error line.
func (c *Controller) respondRawText(gc *gin.Context, j *job.Job) {
	if j.Status != job.StatusComplete || j.Result == nil {
		kind := tomerr.KindInternal
		msg := "job " + j.ID + " is " + string(j.Status)
		if j.Error != nil {
			kind, msg = j.Error.Kind, j.Error.Message
		}
		gc.String(tomerr.HTTPStatus(kind), "ERROR %s: %s\n", kind, msg)
		return
	}
	var b strings.Builder
	for _, cmd := range j.Metadata.Commands {
		b.WriteString("### " + cmd + " ###\n")
		b.WriteString(j.Result.Data[cmd])
		if !strings.HasSuffix(j.Result.Data[cmd], "\n") {
			b.WriteByte('\n')
		}
	}
	gc.String(http.StatusOK, "%s", b.String())
}

func validateRequest(req *commandRequest) error {
	if len(req.Commands) == 0 {
		return tomerr.New(tomerr.KindValidation, "at least one command is required")
	}
	for _, cmd := range req.Commands {
		if strings.TrimSpace(cmd) == "" {
			return tomerr.New(tomerr.KindValidation, "commands must be non-empty")
		}
		// JSON decoding swaps invalid bytes for U+FFFD, so check for both.
		if !utf8.ValidString(cmd) || strings.ContainsRune(cmd, utf8.RuneError) {
			return tomerr.New(tomerr.KindValidation, "command text must be valid UTF-8")
		}
	}
	if (req.Username == "") != (req.Password == "") {
		return tomerr.New(tomerr.KindValidation, "username and password must be supplied together")
	}
	if req.Username != "" && req.CredentialID != "" {
		return tomerr.New(tomerr.KindValidation, "explicit credentials and credential_id are mutually exclusive")
	}
	if req.RawOutput && !req.Wait {
		return tomerr.New(tomerr.KindValidation, "raw_output requires wait=true")
	}
	if req.RawOutput && req.Parse {
		return tomerr.New(tomerr.KindValidation, "raw_output and parse are mutually exclusive")
	}
	if req.TimeoutS < 0 || req.Retries < 0 || req.MaxQueueWaitS < 0 || req.CacheTTLS < 0 {
		return tomerr.New(tomerr.KindValidation, "timeout, retries, max_queue_wait and cache_ttl must be non-negative")
	}
	if req.Parser != "" && !parser.ValidEngine(req.Parser) {
		return tomerr.New(tomerr.KindValidation, "unknown parser engine %q", req.Parser)
	}
	for _, spec := range req.CommandSpecs {
		if spec.Parser != "" && !parser.ValidEngine(spec.Parser) {
			return tomerr.New(tomerr.KindValidation, "unknown parser engine %q for command %q", spec.Parser, spec.Command)
		}
	}
	return nil
}

// waitDeadline bounds the synchronous wait: queue admission plus execution.
func waitDeadline(req *commandRequest) time.Duration {
	timeout := req.TimeoutS
	if timeout == 0 {
		timeout = defaultTimeoutS
	}
	queueWait := req.MaxQueueWaitS
	if queueWait == 0 {
		queueWait = defaultMaxQueueWaitS
	}
	return time.Duration(timeout+queueWait) * time.Second
}
