package controller

import (
	"github.com/gin-gonic/gin"

	"github.com/tomnet/tom/internal/job"
	"github.com/tomnet/tom/internal/parser"
	"github.com/tomnet/tom/internal/tomerr"
)

// parseSettings is the request-level parse configuration. Per-command specs
// override individual fields for their command.
type parseSettings struct {
	Parse      bool
	Parser     string
	Template   string
	IncludeRaw bool
}

func settingsFromMetadata(m job.Metadata) parseSettings {
	return parseSettings{
		Parse:      m.Parse,
		Parser:     m.Parser,
		Template:   m.Template,
		IncludeRaw: m.IncludeRaw,
	}
}

// handleGetJob returns a job snapshot. Parsing can be requested (or
// re-requested with different settings) at retrieval time via query
// parameters; the stored raw output is parsed on the fly.
func (c *Controller) handleGetJob(gc *gin.Context) {
	j, err := c.q.Poll(gc.Request.Context(), gc.Param("id"))
	if err != nil {
		respondError(gc, err)
		return
	}
	settings := settingsFromMetadata(j.Metadata)
	if v, ok := gc.GetQuery("parse"); ok {
		settings.Parse = v == "true" || v == "1"
	}
	if v, ok := gc.GetQuery("parser"); ok {
		if !parser.ValidEngine(v) {
			respondError(gc, tomerr.New(tomerr.KindValidation, "unknown parser engine %q", v))
			return
		}
		settings.Parser = v
	}
	if v, ok := gc.GetQuery("template"); ok {
		settings.Template = v
	}
	if v, ok := gc.GetQuery("include_raw"); ok {
		settings.IncludeRaw = v == "true" || v == "1"
	}
	c.respondJob(gc, j, false, settings)
}

// handleAbortJob requests cooperative cancellation. Queued and failed jobs
// flip immediately; active jobs abort at the worker's next checkpoint.
func (c *Controller) handleAbortJob(gc *gin.Context) {
	j, err := c.q.Abort(gc.Request.Context(), gc.Param("id"))
	if err != nil {
		respondError(gc, err)
		return
	}
	c.respondJob(gc, j, false, parseSettings{})
}

// parseResult runs the configured parser over each command's stored output.
// Parse failures are reported per command; they never fail the response.
func (c *Controller) parseResult(j *job.Job, settings parseSettings) []commandParse {
	specs := map[string]job.CommandSpec{}
	for _, s := range j.Metadata.CommandSpecs {
		specs[s.Command] = s
	}
	out := make([]commandParse, 0, len(j.Metadata.Commands))
	for _, cmd := range j.Metadata.Commands {
		eff := settings
		if spec, ok := specs[cmd]; ok {
			if spec.Parse != nil {
				eff.Parse = *spec.Parse
			}
			if spec.Parser != "" {
				eff.Parser = spec.Parser
			}
			if spec.Template != "" {
				eff.Template = spec.Template
			}
			if spec.IncludeRaw != nil {
				eff.IncludeRaw = *spec.IncludeRaw
			}
		}
		if !eff.Parse {
			continue
		}
		raw := j.Result.Data[cmd]
		engine := eff.Parser
		if engine == "" {
			engine = string(parser.EngineTextFSM)
		}
		res, err := c.parser.Parse(parser.Request{
			Engine:     parser.Engine(engine),
			Template:   eff.Template,
			Hostname:   j.Metadata.DeviceName,
			Platform:   j.Metadata.DeviceType,
			Command:    cmd,
			Raw:        raw,
			IncludeRaw: eff.IncludeRaw,
		})
		if err != nil {
			// Raw output is retained so a parse failure loses nothing.
			out = append(out, commandParse{
				Command: cmd,
				Raw:     raw,
				Error:   tomerr.KindOf(err),
				Detail:  tomerr.DetailOf(err),
			})
			continue
		}
		entry := commandParse{Command: cmd, Parsed: res.Parsed, Meta: &res.Meta}
		if eff.IncludeRaw {
			entry.Raw = res.Raw
		}
		out = append(out, entry)
	}
	return out
}
