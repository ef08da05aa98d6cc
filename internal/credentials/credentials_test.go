package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnet/tom/internal/tomerr"
)

func TestPairStringRedactsPassword(t *testing.T) {
	p := Pair{Username: "admin", Password: "hunter2"}
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", p, p, p), "hunter2")
	assert.Contains(t, p.String(), "admin")
}

func TestYAMLFilePlugin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`lab:
  username: admin
  password: secret
unix:
  username: ops
`), 0o644))

	p, err := Open("yamlfile", map[string]string{"path": path})
	require.NoError(t, err)

	pair, err := p.Get(t.Context(), "lab")
	require.NoError(t, err)
	assert.Equal(t, Pair{Username: "admin", Password: "secret"}, pair)

	_, err = p.Get(t.Context(), "vault")
	require.Error(t, err)
	assert.Equal(t, tomerr.KindNotFound, tomerr.KindOf(err))

	ids, err := p.ListIDs(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"lab", "unix"}, ids)
}

func TestYAMLFileRejectsMissingUsername(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bad:\n  password: x\n"), 0o644))
	_, err := Open("yamlfile", map[string]string{"path": path})
	require.Error(t, err)
}

func TestEnvPlugin(t *testing.T) {
	t.Setenv("TOM_CRED_LAB_CORE_USERNAME", "admin")
	t.Setenv("TOM_CRED_LAB_CORE_PASSWORD", "secret")

	p, err := Open("env", nil)
	require.NoError(t, err)

	pair, err := p.Get(t.Context(), "lab-core")
	require.NoError(t, err)
	assert.Equal(t, "admin", pair.Username)
	assert.Equal(t, "secret", pair.Password)

	_, err = p.Get(t.Context(), "missing")
	require.Error(t, err)
	assert.Equal(t, tomerr.KindNotFound, tomerr.KindOf(err))

	ids, err := p.ListIDs(t.Context())
	require.NoError(t, err)
	assert.Contains(t, ids, "lab_core")
}
