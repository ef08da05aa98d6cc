package credentials

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tomnet/tom/internal/tomerr"
)

func init() {
	Register("yamlfile", func(opts map[string]string) (Plugin, error) {
		path := opts["path"]
		if path == "" {
			return nil, fmt.Errorf("credentials yamlfile: option %q is required", "path")
		}
		return LoadYAMLFile(path)
	})
}

// YAMLFile serves credentials from a YAML document mapping ids to
// username/password pairs, loaded once at startup.
type YAMLFile struct {
	pairs map[string]Pair
}

type yamlPair struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadYAMLFile reads and validates a YAML credential store.
func LoadYAMLFile(path string) (*YAMLFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credentials yamlfile: %w", err)
	}
	var doc map[string]yamlPair
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("credentials yamlfile %s: %w", path, err)
	}
	pairs := make(map[string]Pair, len(doc))
	for id, p := range doc {
		if p.Username == "" {
			return nil, fmt.Errorf("credentials yamlfile %s: id %q has no username", path, id)
		}
		pairs[id] = Pair{Username: p.Username, Password: p.Password}
	}
	return &YAMLFile{pairs: pairs}, nil
}

// Get implements Plugin.
func (p *YAMLFile) Get(_ context.Context, id string) (Pair, error) {
	pair, ok := p.pairs[id]
	if !ok {
		return Pair{}, tomerr.New(tomerr.KindNotFound, "credential id %q not found", id)
	}
	return pair, nil
}

// ListIDs implements Plugin.
func (p *YAMLFile) ListIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(p.pairs))
	for id := range p.pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
