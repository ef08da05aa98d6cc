package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/tomnet/tom/internal/tomerr"
)

// IndexEntry is one row of a template index. The three matcher fields are
// regular expressions matched case-insensitively and anchored at both ends.
type IndexEntry struct {
	Template string
	Hostname string
	Platform string
	Command  string
}

// parseIndex reads a CSV template index with header
// `Template, Hostname, Platform, Command`. Row order is preserved; resolution
// takes the first matching row.
func parseIndex(r io.Reader) ([]IndexEntry, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []IndexEntry
	for i, row := range rows {
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) != 4 {
			return nil, tomerr.New(tomerr.KindParseError, "index row %d: want 4 fields, got %d", i+1, len(row))
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "Template") {
			continue
		}
		e := IndexEntry{
			Template: strings.TrimSpace(row[0]),
			Hostname: strings.TrimSpace(row[1]),
			Platform: strings.TrimSpace(row[2]),
			Command:  strings.TrimSpace(row[3]),
		}
		if e.Hostname == "" {
			e.Hostname = ".*"
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Matches reports whether the entry applies to the given device and command.
func (e IndexEntry) Matches(hostname, platform, command string) bool {
	return matchAnchored(e.Hostname, hostname) &&
		matchAnchored(e.Platform, platform) &&
		matchAnchored(e.Command, command)
}

func matchAnchored(pattern, s string) bool {
	re, err := regexp.Compile(`(?i)^(?:` + pattern + `)$`)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
