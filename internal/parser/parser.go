// Package parser implements template-directed structured extraction of device
// command output. Two engines are supported: "textfsm" (flat records, regex
// per field) and "ttp" (nested structure, pattern lines with placeholders).
// Templates resolve through a precedence chain: an explicit filename in the
// request, inline template text, a custom on-disk index, then the bundled
// built-in index. Indexes and templates are re-read from disk on every parse
// so operators can drop in templates without a restart.
package parser

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tomnet/tom/internal/tomerr"
)

//go:embed builtin
var builtinFS embed.FS

// Engine names a template language.
type Engine string

const (
	EngineTextFSM Engine = "textfsm"
	EngineTTP     Engine = "ttp"
)

// ValidEngine reports whether s names a supported engine.
func ValidEngine(s string) bool {
	return Engine(s) == EngineTextFSM || Engine(s) == EngineTTP
}

// Source says where a resolved template came from.
type Source string

const (
	SourceExplicit Source = "EXPLICIT"
	SourceInline   Source = "INLINE"
	SourceCustom   Source = "CUSTOM"
	SourceBuiltin  Source = "BUILTIN"
)

type (
	// TemplateRef is a resolved template ready to execute.
	TemplateRef struct {
		Engine Engine
		Name   string
		Source Source
		Text   string
	}

	// Request carries one parse invocation. Template (a filename) takes
	// precedence over Inline, which takes precedence over index resolution
	// via Hostname/Platform/Command.
	Request struct {
		Engine     Engine
		Template   string
		Inline     string
		Hostname   string
		Platform   string
		Command    string
		Raw        string
		IncludeRaw bool
	}

	// Meta reports which template served a parse.
	Meta struct {
		TemplateSource Source `json:"template_source"`
		TemplateName   string `json:"template_name,omitempty"`
	}

	// Result is the parse response envelope. Parsed is []map[string]any for
	// textfsm and map[string]any for ttp.
	Result struct {
		Parsed any    `json:"parsed"`
		Raw    string `json:"raw,omitempty"`
		Meta   Meta   `json:"_metadata"`
	}

	// Dispatcher resolves and runs templates. CustomDir may be empty, in
	// which case only explicit, inline and built-in resolution apply.
	Dispatcher struct {
		customDir string
	}
)

// New returns a dispatcher rooted at customDir (layout:
// <customDir>/<engine>/<template files> plus an optional per-engine index).
func New(customDir string) *Dispatcher {
	return &Dispatcher{customDir: customDir}
}

// Parse resolves the template for req and runs it over req.Raw.
func (d *Dispatcher) Parse(req Request) (*Result, error) {
	ref, err := d.Resolve(req)
	if err != nil {
		return nil, err
	}
	parsed, err := Execute(ref, req.Raw)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Parsed: parsed,
		Meta:   Meta{TemplateSource: ref.Source, TemplateName: ref.Name},
	}
	if req.IncludeRaw {
		res.Raw = req.Raw
	}
	return res, nil
}

// Execute compiles and runs a resolved template against raw output.
func Execute(ref TemplateRef, raw string) (any, error) {
	switch ref.Engine {
	case EngineTextFSM:
		t, err := compileTextFSM(ref.Text)
		if err != nil {
			return nil, err
		}
		return t.run(raw)
	case EngineTTP:
		t, err := compileTTP(ref.Text)
		if err != nil {
			return nil, err
		}
		return t.run(raw)
	default:
		return nil, tomerr.New(tomerr.KindValidation, "unknown parser engine %q", ref.Engine)
	}
}

// Resolve walks the template precedence chain for req.
func (d *Dispatcher) Resolve(req Request) (TemplateRef, error) {
	if !ValidEngine(string(req.Engine)) {
		return TemplateRef{}, tomerr.New(tomerr.KindValidation, "unknown parser engine %q", req.Engine)
	}
	if req.Template != "" {
		return d.explicit(req.Engine, req.Template)
	}
	if req.Inline != "" {
		if req.Engine != EngineTTP {
			return TemplateRef{}, tomerr.New(tomerr.KindValidation,
				"inline templates are only supported by the %s engine", EngineTTP)
		}
		return TemplateRef{Engine: req.Engine, Source: SourceInline, Text: req.Inline}, nil
	}
	return d.Find(req.Engine, req.Hostname, req.Platform, req.Command)
}

// explicit loads a template by filename, custom directory first so a custom
// template with the same filename shadows the bundled one.
func (d *Dispatcher) explicit(engine Engine, name string) (TemplateRef, error) {
	if filepath.Base(name) != name {
		return TemplateRef{}, tomerr.New(tomerr.KindValidation, "template name %q must be a bare filename", name)
	}
	if d.customDir != "" {
		if text, err := os.ReadFile(filepath.Join(d.customDir, string(engine), name)); err == nil {
			return TemplateRef{Engine: engine, Name: name, Source: SourceExplicit, Text: string(text)}, nil
		}
	}
	if engine == EngineTextFSM {
		if text, err := builtinFS.ReadFile("builtin/" + name); err == nil {
			return TemplateRef{Engine: engine, Name: name, Source: SourceExplicit, Text: string(text)}, nil
		}
	}
	return TemplateRef{}, tomerr.New(tomerr.KindTemplateNotFound, "template %q not found for engine %s", name, engine)
}

// Find resolves a template by matching (hostname, platform, command) against
// the custom index, then the built-in index. Only the textfsm engine ships a
// built-in library.
func (d *Dispatcher) Find(engine Engine, hostname, platform, command string) (TemplateRef, error) {
	if !ValidEngine(string(engine)) {
		return TemplateRef{}, tomerr.New(tomerr.KindValidation, "unknown parser engine %q", engine)
	}
	if d.customDir != "" {
		dir := filepath.Join(d.customDir, string(engine))
		if data, err := os.ReadFile(filepath.Join(dir, "index")); err == nil {
			entries, err := parseIndex(bytes.NewReader(data))
			if err != nil {
				return TemplateRef{}, err
			}
			for _, e := range entries {
				if !e.Matches(hostname, platform, command) {
					continue
				}
				text, err := os.ReadFile(filepath.Join(dir, e.Template))
				if err != nil {
					return TemplateRef{}, tomerr.New(tomerr.KindTemplateNotFound,
						"index names template %q but it is not readable", e.Template)
				}
				return TemplateRef{Engine: engine, Name: e.Template, Source: SourceCustom, Text: string(text)}, nil
			}
		}
	}
	if engine == EngineTextFSM {
		data, err := builtinFS.ReadFile("builtin/index")
		if err != nil {
			return TemplateRef{}, fmt.Errorf("builtin index: %w", err)
		}
		entries, err := parseIndex(bytes.NewReader(data))
		if err != nil {
			return TemplateRef{}, err
		}
		for _, e := range entries {
			if !e.Matches(hostname, platform, command) {
				continue
			}
			text, err := builtinFS.ReadFile("builtin/" + e.Template)
			if err != nil {
				return TemplateRef{}, fmt.Errorf("builtin template %s: %w", e.Template, err)
			}
			return TemplateRef{Engine: engine, Name: e.Template, Source: SourceBuiltin, Text: string(text)}, nil
		}
	}
	return TemplateRef{}, tomerr.New(tomerr.KindTemplateNotFound,
		"no %s template matches platform %q command %q", engine, platform, command)
}

// List returns the template filenames available to an engine, custom and
// built-in merged, sorted and de-duplicated.
func (d *Dispatcher) List(engine Engine) ([]string, error) {
	if !ValidEngine(string(engine)) {
		return nil, tomerr.New(tomerr.KindValidation, "unknown parser engine %q", engine)
	}
	seen := map[string]bool{}
	var names []string
	add := func(name string) {
		if name == "index" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	if d.customDir != "" {
		if ents, err := os.ReadDir(filepath.Join(d.customDir, string(engine))); err == nil {
			for _, ent := range ents {
				if !ent.IsDir() {
					add(ent.Name())
				}
			}
		}
	}
	if engine == EngineTextFSM {
		ents, err := builtinFS.ReadDir("builtin")
		if err != nil {
			return nil, fmt.Errorf("builtin dir: %w", err)
		}
		for _, ent := range ents {
			add(ent.Name())
		}
	}
	sort.Strings(names)
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// NormalizeCommand collapses runs of whitespace so index command regexes see
// a canonical form.
func NormalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}
