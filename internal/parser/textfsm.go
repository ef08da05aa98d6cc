package parser

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/tomnet/tom/internal/tomerr"
)

// Engine T: templates declare typed values with per-field regexes and a set
// of states whose rules consume input line by line, emitting one record per
// Record action. The output is a flat sequence of field-name -> string maps.

type (
	// fsmValue is one declared template value.
	fsmValue struct {
		name     string
		pattern  string
		filldown bool
		required bool
		list     bool
	}

	// fsmRule is one `^pattern -> action` rule inside a state.
	fsmRule struct {
		re        *regexp.Regexp
		record    bool
		clear     bool
		cont      bool // Continue: keep matching rules on the same line
		errOut    bool
		nextState string
	}

	// fsmTemplate is a compiled Engine T template.
	fsmTemplate struct {
		values []fsmValue
		states map[string][]fsmRule
	}
)

var (
	fsmValueRe = regexp.MustCompile(`^Value(?:\s+([A-Za-z,]+))?\s+(\w+)\s+\((.+)\)\s*$`)
	fsmStateRe = regexp.MustCompile(`^(\w+)\s*$`)
	fsmVarRef  = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)
)

// compileTextFSM parses and compiles an Engine T template.
func compileTextFSM(text string) (*fsmTemplate, error) {
	t := &fsmTemplate{states: map[string][]fsmRule{}}
	valuesByName := map[string]fsmValue{}

	var state string
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if m := fsmValueRe.FindStringSubmatch(line); m != nil && state == "" {
			v := fsmValue{name: m[2], pattern: m[3]}
			for _, opt := range strings.Split(m[1], ",") {
				switch strings.TrimSpace(opt) {
				case "Filldown":
					v.filldown = true
				case "Required":
					v.required = true
				case "List":
					v.list = true
				case "", "Key":
					// Key has no runtime effect on record emission.
				default:
					return nil, tomerr.New(tomerr.KindParseError,
						"template line %d: unknown value option %q", lineNo, opt)
				}
			}
			t.values = append(t.values, v)
			valuesByName[v.name] = v
			continue
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if state == "" {
				return nil, tomerr.New(tomerr.KindParseError,
					"template line %d: rule outside a state", lineNo)
			}
			rule, err := compileFSMRule(trimmed, valuesByName)
			if err != nil {
				return nil, tomerr.New(tomerr.KindParseError, "template line %d: %s", lineNo, err)
			}
			t.states[state] = append(t.states[state], rule)
			continue
		}

		if m := fsmStateRe.FindStringSubmatch(trimmed); m != nil {
			state = m[1]
			if _, dup := t.states[state]; dup {
				return nil, tomerr.New(tomerr.KindParseError,
					"template line %d: duplicate state %q", lineNo, state)
			}
			t.states[state] = nil
			continue
		}

		return nil, tomerr.New(tomerr.KindParseError, "template line %d: unparsable line", lineNo)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if _, ok := t.states["Start"]; !ok {
		return nil, tomerr.New(tomerr.KindParseError, "template has no Start state")
	}
	return t, nil
}

func compileFSMRule(text string, values map[string]fsmValue) (fsmRule, error) {
	pattern := text
	action := ""
	if idx := strings.Index(text, " -> "); idx >= 0 {
		pattern = strings.TrimRight(text[:idx], " ")
		action = strings.TrimSpace(text[idx+4:])
	}

	// Substitute ${Name} references with named capture groups.
	var substErr error
	expanded := fsmVarRef.ReplaceAllStringFunc(pattern, func(ref string) string {
		name := strings.Trim(ref, "${}")
		v, ok := values[name]
		if !ok {
			substErr = fmt.Errorf("reference to undeclared value %q", name)
			return ref
		}
		return fmt.Sprintf("(?P<%s>%s)", v.name, v.pattern)
	})
	if substErr != nil {
		return fsmRule{}, substErr
	}
	re, err := regexp.Compile(expanded)
	if err != nil {
		return fsmRule{}, fmt.Errorf("bad rule pattern: %w", err)
	}

	rule := fsmRule{re: re}
	// Compound actions join a line op and a record op with a dot, as in
	// `Continue.Record`.
	action = strings.ReplaceAll(action, ".", " ")
	for _, word := range strings.Fields(action) {
		switch word {
		case "Record":
			rule.record = true
		case "Next":
			// Default behavior.
		case "Continue":
			rule.cont = true
		case "Clear":
			rule.clear = true
		case "Error":
			rule.errOut = true
		default:
			rule.nextState = word
		}
	}
	return rule, nil
}

// run executes the template against raw output and returns the emitted
// records.
func (t *fsmTemplate) run(raw string) ([]map[string]any, error) {
	row := newFSMRow(t.values)
	var records []map[string]any

	state := "Start"
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
	rules:
		for _, rule := range t.states[state] {
			m := rule.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if rule.errOut {
				return nil, tomerr.New(tomerr.KindParseError, "template error state on line %q", line)
			}
			row.capture(rule.re, m)
			if rule.clear {
				row.clear(false)
			}
			if rule.record {
				if rec := row.emit(); rec != nil {
					records = append(records, rec)
				}
			}
			if rule.nextState != "" {
				state = rule.nextState
			}
			if !rule.cont {
				break rules
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan output: %w", err)
	}
	// Implicit record at end of input for any pending captures.
	if rec := row.emit(); rec != nil {
		records = append(records, rec)
	}
	if records == nil {
		records = []map[string]any{}
	}
	return records, nil
}

// fsmRow tracks current value assignments between Record actions.
type fsmRow struct {
	values  []fsmValue
	scalars map[string]string
	lists   map[string][]string
	touched map[string]bool
}

func newFSMRow(values []fsmValue) *fsmRow {
	return &fsmRow{
		values:  values,
		scalars: map[string]string{},
		lists:   map[string][]string{},
		touched: map[string]bool{},
	}
}

func (r *fsmRow) capture(re *regexp.Regexp, match []string) {
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" || match[i] == "" {
			continue
		}
		r.touched[name] = true
		for _, v := range r.values {
			if v.name != name {
				continue
			}
			if v.list {
				r.lists[name] = append(r.lists[name], match[i])
			} else {
				r.scalars[name] = match[i]
			}
		}
	}
}

// emit returns the current row as a record, or nil when nothing was captured
// or a Required value is missing. Non-Filldown values reset afterwards.
func (r *fsmRow) emit() map[string]any {
	if len(r.touched) == 0 {
		return nil
	}
	for _, v := range r.values {
		if v.required && r.scalars[v.name] == "" && len(r.lists[v.name]) == 0 {
			r.clear(false)
			return nil
		}
	}
	rec := make(map[string]any, len(r.values))
	for _, v := range r.values {
		if v.list {
			vals := r.lists[v.name]
			if vals == nil {
				vals = []string{}
			}
			rec[v.name] = vals
		} else {
			rec[v.name] = r.scalars[v.name]
		}
	}
	r.clear(false)
	return rec
}

// clear resets captured values; filldown values survive unless all is set.
func (r *fsmRow) clear(all bool) {
	for _, v := range r.values {
		if v.filldown && !all {
			continue
		}
		delete(r.scalars, v.name)
		delete(r.lists, v.name)
	}
	r.touched = map[string]bool{}
}
