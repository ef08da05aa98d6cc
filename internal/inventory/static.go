package inventory

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tomnet/tom/internal/tomerr"
)

func init() {
	Register("static", func(opts map[string]string) (Plugin, error) {
		doc := opts["devices"]
		if doc == "" {
			return NewStatic(nil), nil
		}
		var devices map[string]yamlDevice
		if err := yaml.Unmarshal([]byte(doc), &devices); err != nil {
			return nil, fmt.Errorf("inventory static: bad devices option: %w", err)
		}
		p := NewStatic(nil)
		for name, d := range devices {
			if d.Host == "" {
				return nil, fmt.Errorf("inventory static: device %q has no host", name)
			}
			desc := &DeviceDescriptor{
				Name:           name,
				Host:           d.Host,
				Port:           d.Port,
				Adapter:        d.Adapter,
				AdapterDriver:  d.AdapterDriver,
				CredentialID:   d.CredentialID,
				AdapterOptions: d.AdapterOptions,
			}
			p.Add(desc)
		}
		return p, nil
	})
}

// Static is an in-memory inventory. It backs the "static" plugin, whose
// device set comes from the plugin option map, and doubles as a test
// double for packages that need an inventory without touching disk.
type Static struct {
	devices map[string]*DeviceDescriptor
}

// NewStatic builds a Static from descriptors.
func NewStatic(devices []DeviceDescriptor) *Static {
	p := &Static{devices: map[string]*DeviceDescriptor{}}
	for i := range devices {
		d := devices[i]
		p.Add(&d)
	}
	return p
}

// Add inserts or replaces a device. Port defaults to 22.
func (p *Static) Add(d *DeviceDescriptor) {
	if d.Port == 0 {
		d.Port = 22
	}
	p.devices[d.Name] = d
}

// GetDevice implements Plugin.
func (p *Static) GetDevice(_ context.Context, name string) (*DeviceDescriptor, error) {
	d, ok := p.devices[name]
	if !ok {
		return nil, tomerr.New(tomerr.KindNotFound, "device %q not in inventory", name)
	}
	dup := *d
	return &dup, nil
}

// ListDevices implements Plugin.
func (p *Static) ListDevices(ctx context.Context, f Filter) ([]DeviceDescriptor, error) {
	raw, err := p.ListRaw(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceDescriptor, 0, len(raw))
	for _, rec := range raw {
		out = append(out, *p.devices[rec["name"].(string)])
	}
	return out, nil
}

// ListRaw implements Plugin.
func (p *Static) ListRaw(_ context.Context, f Filter) ([]map[string]any, error) {
	if f.Named != "" {
		return nil, tomerr.New(tomerr.KindNotFound, "named filter %q not defined", f.Named)
	}
	names := make([]string, 0, len(p.devices))
	for n := range p.devices {
		names = append(names, n)
	}
	sort.Strings(names)

	out := []map[string]any{}
	for _, name := range names {
		d := p.devices[name]
		rec := map[string]any{
			"name":           d.Name,
			"host":           d.Host,
			"port":           d.Port,
			"adapter":        d.Adapter,
			"adapter_driver": d.AdapterDriver,
			"credential_id":  d.CredentialID,
		}
		ok, err := matchFields(f.Fields, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FilterableFields implements Plugin.
func (p *Static) FilterableFields() []string {
	return []string{"adapter", "adapter_driver", "credential_id", "host", "name", "port"}
}

// NamedFilters implements Plugin. Static inventories define none.
func (p *Static) NamedFilters() map[string]string { return map[string]string{} }
