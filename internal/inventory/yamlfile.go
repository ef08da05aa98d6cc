package inventory

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
			return nil, fmt.Errorf("inventory yamlfile: option %q is required", "path")
		}
		return LoadYAMLFile(path)
	})
}

type (
	yamlDevice struct {
		Host           string            `yaml:"host"`
		Port           int               `yaml:"port"`
		Adapter        string            `yaml:"adapter"`
		AdapterDriver  string            `yaml:"adapter_driver"`
		CredentialID   string            `yaml:"credential_id"`
		AdapterOptions map[string]string `yaml:"adapter_options"`
		Extra          map[string]any    `yaml:",inline"`
	}

	yamlNamedFilter struct {
		Description string            `yaml:"description"`
		Fields      map[string]string `yaml:"fields"`
	}

	yamlInventory struct {
		Devices map[string]yamlDevice      `yaml:"devices"`
		Filters map[string]yamlNamedFilter `yaml:"filters"`
	}

	// YAMLFile serves the inventory from a YAML document loaded once at
	// startup. The file maps device names to descriptors and may declare
	// named filters.
	YAMLFile struct {
		devices map[string]yamlDevice
		filters map[string]yamlNamedFilter
	}
)

// LoadYAMLFile reads and validates a YAML inventory.
func LoadYAMLFile(path string) (*YAMLFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("inventory yamlfile: %w", err)
	}
	var doc yamlInventory
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("inventory yamlfile %s: %w", path, err)
	}
	for name, d := range doc.Devices {
		if d.Host == "" {
			return nil, fmt.Errorf("inventory yamlfile %s: device %q has no host", path, name)
		}
	}
	return &YAMLFile{devices: doc.Devices, filters: doc.Filters}, nil
}

func (p *YAMLFile) descriptor(name string, d yamlDevice) *DeviceDescriptor {
	desc := &DeviceDescriptor{
		Name:           name,
		Host:           d.Host,
		Port:           d.Port,
		Adapter:        d.Adapter,
		AdapterDriver:  d.AdapterDriver,
		CredentialID:   d.CredentialID,
		AdapterOptions: d.AdapterOptions,
	}
	if desc.Port == 0 {
		desc.Port = 22
	}
	return desc
}

// GetDevice implements Plugin.
func (p *YAMLFile) GetDevice(_ context.Context, name string) (*DeviceDescriptor, error) {
	d, ok := p.devices[name]
	if !ok {
		return nil, tomerr.New(tomerr.KindNotFound, "device %q not in inventory", name)
	}
	return p.descriptor(name, d), nil
}

// ListDevices implements Plugin.
func (p *YAMLFile) ListDevices(ctx context.Context, f Filter) ([]DeviceDescriptor, error) {
	raw, err := p.ListRaw(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceDescriptor, 0, len(raw))
	for _, rec := range raw {
		name := rec["name"].(string)
		out = append(out, *p.descriptor(name, p.devices[name]))
	}
	return out, nil
}

// ListRaw implements Plugin. The native representation is the YAML record
// flattened with the device name, so extra fields declared in the file are
// filterable and exported as-is.
func (p *YAMLFile) ListRaw(_ context.Context, f Filter) ([]map[string]any, error) {
	fields, err := p.resolveFilter(f)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(p.devices))
	for n := range p.devices {
		names = append(names, n)
	}
	sort.Strings(names)

	out := []map[string]any{}
	for _, name := range names {
		rec := p.record(name, p.devices[name])
		ok, err := matchFields(fields, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *YAMLFile) record(name string, d yamlDevice) map[string]any {
	rec := map[string]any{
		"name":           name,
		"host":           d.Host,
		"port":           d.Port,
		"adapter":        d.Adapter,
		"adapter_driver": d.AdapterDriver,
		"credential_id":  d.CredentialID,
	}
	for k, v := range d.Extra {
		rec[k] = v
	}
	return rec
}

func (p *YAMLFile) resolveFilter(f Filter) (map[string]string, error) {
	if f.Named == "" {
		return f.Fields, nil
	}
	nf, ok := p.filters[f.Named]
	if !ok {
		return nil, tomerr.New(tomerr.KindNotFound, "named filter %q not defined", f.Named)
	}
	return nf.Fields, nil
}

// FilterableFields implements Plugin.
func (p *YAMLFile) FilterableFields() []string {
	seen := map[string]bool{
		"name": true, "host": true, "port": true,
		"adapter": true, "adapter_driver": true, "credential_id": true,
	}
	for _, d := range p.devices {
		for k := range d.Extra {
			seen[k] = true
		}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// NamedFilters implements Plugin.
func (p *YAMLFile) NamedFilters() map[string]string {
	out := make(map[string]string, len(p.filters))
	for name, f := range p.filters {
		out[name] = f.Description
	}
	return out
}
