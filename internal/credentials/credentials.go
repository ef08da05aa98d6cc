// Package credentials defines the credential plugin contract and the
// built-in backends. A credential is a username/password pair; the password
// is secret material that lives in worker memory only for the duration of a
// transport session and is redacted from every printable surface.
package credentials

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type (
	// Pair is one resolved credential.
	Pair struct {
		Username string
		Password string
	}

	// Plugin resolves credential ids to secret pairs.
	Plugin interface {
		Get(ctx context.Context, id string) (Pair, error)
		ListIDs(ctx context.Context) ([]string, error)
	}

	// Factory builds a plugin from its namespaced option map.
	Factory func(opts map[string]string) (Plugin, error)
)

// String implements fmt.Stringer so a Pair printed by accident never leaks
// the password.
func (p Pair) String() string {
	return fmt.Sprintf("%s:<redacted>", p.Username)
}

// GoString mirrors String for %#v formatting.
func (p Pair) GoString() string { return p.String() }

var (
	regMu    sync.Mutex
	registry = map[string]Factory{}
)

// Register makes a plugin constructor available under name.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("credentials: duplicate plugin %q", name))
	}
	registry[name] = f
}

// Open constructs the plugin registered under name.
func Open(name string, opts map[string]string) (Plugin, error) {
	regMu.Lock()
	f, ok := registry[name]
	regMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("credentials: unknown plugin %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return f(opts)
}

// Names lists the registered plugin names, sorted.
func Names() []string {
	regMu.Lock()
	defer regMu.Unlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
