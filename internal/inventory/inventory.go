// Package inventory defines the device inventory plugin contract and the
// built-in plugin implementations. A single plugin instance, chosen by name
// at startup, serves the whole process; plugins are compiled in and
// registered explicitly, there is no runtime discovery.
package inventory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tomnet/tom/internal/tomerr"
)

type (
	// DeviceDescriptor is everything needed to open a transport session to a
	// device. Host is mandatory; a plugin yielding a device name must be able
	// to produce a complete descriptor for it.
	DeviceDescriptor struct {
		Name           string            `json:"name"`
		Host           string            `json:"host"`
		Port           int               `json:"port"`
		Adapter        string            `json:"adapter"`
		AdapterDriver  string            `json:"adapter_driver"`
		CredentialID   string            `json:"credential_id,omitempty"`
		AdapterOptions map[string]string `json:"adapter_options,omitempty"`
	}

	// Filter selects a subset of the inventory. Fields maps field names to
	// case-insensitive regexes, all of which must match. A non-empty Named
	// filter overrides Fields entirely.
	Filter struct {
		Named  string
		Fields map[string]string
	}

	// Plugin is the inventory capability set consumed by the controller.
	Plugin interface {
		GetDevice(ctx context.Context, name string) (*DeviceDescriptor, error)
		ListDevices(ctx context.Context, f Filter) ([]DeviceDescriptor, error)
		ListRaw(ctx context.Context, f Filter) ([]map[string]any, error)
		FilterableFields() []string
		NamedFilters() map[string]string
	}

	// Factory builds a plugin from its namespaced option map.
	Factory func(opts map[string]string) (Plugin, error)
)

var (
	regMu    sync.Mutex
	registry = map[string]Factory{}
)

// Register makes a plugin constructor available under name. It panics on
// duplicates; registration happens from init functions of the built-in
// plugin files.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("inventory: duplicate plugin %q", name))
	}
	registry[name] = f
}

// Open constructs the plugin registered under name.
func Open(name string, opts map[string]string) (Plugin, error) {
	regMu.Lock()
	f, ok := registry[name]
	regMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inventory: unknown plugin %q (have %s)", name, strings.Join(Names(), ", "))
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

// Validate checks the descriptor invariants shared by all plugins.
func (d *DeviceDescriptor) Validate() error {
	if d.Host == "" {
		return tomerr.New(tomerr.KindInternal, "inventory entry %q has no host", d.Name)
	}
	if d.Port == 0 {
		d.Port = 22
	}
	return nil
}

// Combine merges a config-level filter with a per-request one; both must
// match. A named filter on either side wins over field filters.
func Combine(base, req Filter) Filter {
	if req.Named != "" {
		return Filter{Named: req.Named}
	}
	if base.Named != "" {
		return Filter{Named: base.Named}
	}
	merged := Filter{Fields: map[string]string{}}
	for k, v := range base.Fields {
		merged.Fields[k] = v
	}
	for k, v := range req.Fields {
		merged.Fields[k] = v
	}
	return merged
}

// matchFields applies field regexes to a flattened record, case-insensitively,
// requiring every field to match.
func matchFields(fields map[string]string, record map[string]any) (bool, error) {
	for name, pattern := range fields {
		re, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			return false, tomerr.New(tomerr.KindValidation, "bad filter regex for field %q: %s", name, err)
		}
		v, ok := record[name]
		if !ok {
			return false, nil
		}
		if !re.MatchString(fmt.Sprint(v)) {
			return false, nil
		}
	}
	return true, nil
}
