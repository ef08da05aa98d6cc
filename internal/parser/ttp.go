package parser

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/tomnet/tom/internal/tomerr"
)

// Engine P: hierarchical pattern templates. Template lines mirror device
// output with {{ name }} placeholders; <group> blocks nest and emit lists of
// records under the group name, producing a nested structure rather than
// Engine T's flat record sequence.

type (
	// ttpPattern is one compiled template line.
	ttpPattern struct {
		re   *regexp.Regexp
		vars []string
	}

	// ttpGroup is one <group> block; the zero-name root holds top-level
	// patterns and all first-level groups.
	ttpGroup struct {
		name     string
		parent   *ttpGroup
		patterns []*ttpPattern
		children []*ttpGroup

		current map[string]any
	}

	// ttpTemplate is a compiled Engine P template.
	ttpTemplate struct {
		root *ttpGroup
	}
)

var (
	ttpGroupOpen   = regexp.MustCompile(`^\s*<group(?:\s+name="([\w.]+)")?\s*>\s*$`)
	ttpGroupClose  = regexp.MustCompile(`^\s*</group>\s*$`)
	ttpPlaceholder = regexp.MustCompile(`\{\{\s*(\w+)(?:\s*\|\s*(\w+))?\s*\}\}`)
)

// compileTTP parses and compiles an Engine P template.
func compileTTP(text string) (*ttpTemplate, error) {
	root := &ttpGroup{}
	cur := root

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "##") {
			continue
		}
		if m := ttpGroupOpen.FindStringSubmatch(line); m != nil {
			if m[1] == "" {
				return nil, tomerr.New(tomerr.KindParseError,
					"template line %d: group requires a name attribute", lineNo)
			}
			g := &ttpGroup{name: m[1], parent: cur}
			cur.children = append(cur.children, g)
			cur = g
			continue
		}
		if ttpGroupClose.MatchString(line) {
			if cur.parent == nil {
				return nil, tomerr.New(tomerr.KindParseError,
					"template line %d: unmatched </group>", lineNo)
			}
			cur = cur.parent
			continue
		}
		p, err := compileTTPPattern(line)
		if err != nil {
			return nil, tomerr.New(tomerr.KindParseError, "template line %d: %s", lineNo, err)
		}
		cur.patterns = append(cur.patterns, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if cur != root {
		return nil, tomerr.New(tomerr.KindParseError, "template group %q never closed", cur.name)
	}
	return &ttpTemplate{root: root}, nil
}

// compileTTPPattern turns one template line into a regex. Literal text is
// matched verbatim (leading indentation loosely), placeholders become capture
// groups whose shape the optional filter controls.
func compileTTPPattern(line string) (*ttpPattern, error) {
	trimmed := strings.TrimLeft(line, " \t")
	var (
		sb   strings.Builder
		vars []string
	)
	sb.WriteString(`^\s*`)
	rest := trimmed
	for {
		loc := ttpPlaceholder.FindStringSubmatchIndex(rest)
		if loc == nil {
			sb.WriteString(regexp.QuoteMeta(rest))
			break
		}
		sb.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		name := rest[loc[2]:loc[3]]
		filter := ""
		if loc[4] >= 0 {
			filter = rest[loc[4]:loc[5]]
		}
		shape, err := ttpFilterShape(filter)
		if err != nil {
			return nil, err
		}
		sb.WriteString("(" + shape + ")")
		vars = append(vars, name)
		rest = rest[loc[1]:]
	}
	sb.WriteString(`\s*$`)
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("bad pattern: %w", err)
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("pattern has no placeholders")
	}
	return &ttpPattern{re: re, vars: vars}, nil
}

func ttpFilterShape(filter string) (string, error) {
	switch filter {
	case "", "WORD":
		return `\S+`, nil
	case "ORPHRASE":
		return `\S+(?: \S+)*`, nil
	case "DIGIT":
		return `\d+`, nil
	case "IP":
		return `\d+\.\d+\.\d+\.\d+`, nil
	default:
		return "", fmt.Errorf("unknown placeholder filter %q", filter)
	}
}

// run executes the template against raw output and returns the nested result.
func (t *ttpTemplate) run(raw string) (map[string]any, error) {
	t.root.reset()
	t.root.current = map[string]any{}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		g, p, m := t.root.match(line)
		if g == nil {
			continue
		}
		// The first pattern of a group opens a fresh record.
		if g.name != "" && p == g.patterns[0] {
			g.finalize()
			g.current = map[string]any{}
		}
		if g.current == nil {
			// A non-leading line matched before the group opened; start a
			// record anyway so the capture is not dropped.
			g.current = map[string]any{}
		}
		for i, name := range p.vars {
			g.current[name] = m[i+1]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan output: %w", err)
	}
	for _, c := range t.root.children {
		c.finalize()
	}
	return t.root.current, nil
}

// match finds the first pattern in the tree matching line, depth-first.
func (g *ttpGroup) match(line string) (*ttpGroup, *ttpPattern, []string) {
	for _, p := range g.patterns {
		if m := p.re.FindStringSubmatch(line); m != nil {
			return g, p, m
		}
	}
	for _, c := range g.children {
		if mg, mp, m := c.match(line); mg != nil {
			return mg, mp, m
		}
	}
	return nil, nil, nil
}

// finalize pushes the group's in-progress record into its parent, closing
// child records first so nesting resolves bottom-up.
func (g *ttpGroup) finalize() {
	for _, c := range g.children {
		c.finalize()
	}
	if g.current == nil || g.name == "" {
		return
	}
	parent := g.parent
	if parent.current == nil {
		parent.current = map[string]any{}
	}
	list, _ := parent.current[g.name].([]any)
	parent.current[g.name] = append(list, g.current)
	g.current = nil
}

func (g *ttpGroup) reset() {
	g.current = nil
	for _, c := range g.children {
		c.reset()
	}
}
