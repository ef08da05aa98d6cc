package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnet/tom/internal/tomerr"
)

const sampleInventory = `devices:
  rtr1:
    host: 10.0.0.1
    adapter: shell
    adapter_driver: cisco_ios
    credential_id: lab
    site: nyc
  rtr2:
    host: 10.0.0.2
    port: 2222
    adapter: shell
    adapter_driver: cisco_nxos
    credential_id: lab
    site: sfo
  srv1:
    host: 10.0.1.1
    adapter: exec
    adapter_driver: linux
    credential_id: unix
    site: nyc
filters:
  nyc:
    description: devices in the NYC site
    fields:
      site: ^nyc$
`

func loadSample(t *testing.T) Plugin {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleInventory), 0o644))
	p, err := Open("yamlfile", map[string]string{"path": path})
	require.NoError(t, err)
	return p
}

func TestYAMLFileGetDevice(t *testing.T) {
	p := loadSample(t)
	ctx := t.Context()

	d, err := p.GetDevice(ctx, "rtr1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", d.Host)
	assert.Equal(t, 22, d.Port, "port defaults to 22")
	assert.Equal(t, "cisco_ios", d.AdapterDriver)

	d, err = p.GetDevice(ctx, "rtr2")
	require.NoError(t, err)
	assert.Equal(t, 2222, d.Port)

	_, err = p.GetDevice(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, tomerr.KindNotFound, tomerr.KindOf(err))
}

func TestYAMLFileFilters(t *testing.T) {
	p := loadSample(t)
	ctx := t.Context()

	all, err := p.ListDevices(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Inline field filters AND together, matching case-insensitively.
	got, err := p.ListDevices(ctx, Filter{Fields: map[string]string{
		"adapter_driver": "CISCO_.*",
		"site":           "nyc",
	}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rtr1", got[0].Name)

	// A named filter overrides inline fields entirely.
	got, err = p.ListDevices(ctx, Filter{
		Named:  "nyc",
		Fields: map[string]string{"adapter_driver": "cisco_nxos"},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = p.ListDevices(ctx, Filter{Named: "nowhere"})
	require.Error(t, err)
	assert.Equal(t, tomerr.KindNotFound, tomerr.KindOf(err))

	_, err = p.ListDevices(ctx, Filter{Fields: map[string]string{"site": "("}})
	require.Error(t, err)
	assert.Equal(t, tomerr.KindValidation, tomerr.KindOf(err))
}

func TestYAMLFileRawExportKeepsExtraFields(t *testing.T) {
	p := loadSample(t)
	raw, err := p.ListRaw(t.Context(), Filter{Fields: map[string]string{"name": "srv1"}})
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, "nyc", raw[0]["site"])

	assert.Contains(t, p.FilterableFields(), "site")
	assert.Equal(t, map[string]string{"nyc": "devices in the NYC site"}, p.NamedFilters())
}

func TestYAMLFileRejectsMissingHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  bad:\n    adapter: shell\n"), 0o644))
	_, err := Open("yamlfile", map[string]string{"path": path})
	require.Error(t, err)
}

func TestStaticPluginFromOptions(t *testing.T) {
	p, err := Open("static", map[string]string{"devices": `
rtr1:
  host: 192.0.2.1
  adapter: shell
  adapter_driver: arista_eos
`})
	require.NoError(t, err)

	d, err := p.GetDevice(t.Context(), "rtr1")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", d.Host)
	assert.Equal(t, 22, d.Port)

	got, err := p.ListDevices(t.Context(), Filter{Fields: map[string]string{"adapter_driver": "arista"}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpenUnknownPlugin(t *testing.T) {
	_, err := Open("netbox", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
}

func TestCombineFilters(t *testing.T) {
	base := Filter{Fields: map[string]string{"site": "nyc"}}
	req := Filter{Fields: map[string]string{"adapter_driver": "cisco_ios"}}
	merged := Combine(base, req)
	assert.Equal(t, map[string]string{"site": "nyc", "adapter_driver": "cisco_ios"}, merged.Fields)

	named := Combine(base, Filter{Named: "nyc"})
	assert.Equal(t, "nyc", named.Named)
	assert.Empty(t, named.Fields)
}
