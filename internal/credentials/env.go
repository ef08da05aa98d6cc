package credentials

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/tomnet/tom/internal/tomerr"
)

func init() {
	Register("env", func(opts map[string]string) (Plugin, error) {
		prefix := opts["prefix"]
		if prefix == "" {
			prefix = "TOM_CRED_"
		}
		return &Env{prefix: prefix}, nil
	})
}

// Env resolves credentials from process environment variables. For a
// credential id X it reads <prefix>X_USERNAME and <prefix>X_PASSWORD, with
// the id upcased. Useful for container deployments where secrets arrive via
// the environment.
type Env struct {
	prefix string
}

func (p *Env) varNames(id string) (string, string) {
	base := p.prefix + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
	return base + "_USERNAME", base + "_PASSWORD"
}

// Get implements Plugin.
func (p *Env) Get(_ context.Context, id string) (Pair, error) {
	userVar, passVar := p.varNames(id)
	user := os.Getenv(userVar)
	if user == "" {
		return Pair{}, tomerr.New(tomerr.KindNotFound, "credential id %q not found (no %s)", id, userVar)
	}
	return Pair{Username: user, Password: os.Getenv(passVar)}, nil
}

// ListIDs implements Plugin. Ids are reported lowercased with underscores,
// the inverse of the Get mapping up to the dash/underscore fold.
func (p *Env) ListIDs(_ context.Context) ([]string, error) {
	var ids []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, p.prefix) || !strings.HasSuffix(name, "_USERNAME") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, p.prefix), "_USERNAME")
		ids = append(ids, strings.ToLower(id))
	}
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
