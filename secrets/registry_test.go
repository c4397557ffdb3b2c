package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDriver struct {
	id       string
	config   map[string]any
	setupErr error
	setups   int
	state    *State
}

func (d *stubDriver) Setup(ctx context.Context, newState StateFactory) error {
	d.setups++
	d.state = newState()
	return d.setupErr
}

func (d *stubDriver) List(ctx context.Context, req *ListSecrets) (*ListSecretResponse, error) {
	return &ListSecretResponse{}, nil
}

func (d *stubDriver) Get(ctx context.Context, req *GetSecret) (*GetSecretResponse, error) {
	return &GetSecretResponse{}, nil
}

func (d *stubDriver) Create(ctx context.Context, req *CreateSecret) error { return nil }

func (d *stubDriver) Delete(ctx context.Context, req *DeleteSecret) error { return nil }

func stubFactory(id string, config map[string]any) (SecretStoreDriver, error) {
	return &stubDriver{id: id, config: config}, nil
}

func failingFactory(id string, config map[string]any) (SecretStoreDriver, error) {
	return nil, errors.New("missing region")
}

func writeDescriptor(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o600))
}

func TestRegistry_RegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("stub", stubFactory)
	assert.Panics(t, func() { r.RegisterFactory("stub", stubFactory) })
	assert.Panics(t, func() { r.RegisterFactory("nil", nil) })
}

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("zeta", stubFactory)
	r.RegisterFactory("alpha", stubFactory)
	assert.Equal(t, []string{"alpha", "zeta"}, r.Types())
}

func TestDiscover_Builtin(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("stub", stubFactory)
	r.RegisterFactory("broken", failingFactory)

	backends, err := r.Discover("")
	require.NoError(t, err)
	require.Len(t, backends, 1)
	assert.Equal(t, "stub", backends["stub"].(*stubDriver).id)
}

func TestDiscover_Descriptors(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "a.yaml", "name: primary\ntype: stub\nconfig:\n  path: /var/lib/secrets\n  retries: 3\n")
	writeDescriptor(t, dir, "b.json", `{"name": "secondary", "type": "stub"}`)
	writeDescriptor(t, dir, "c.yml", "name: cloud\ntype: broken\n")
	writeDescriptor(t, dir, "d.yaml", "name: ghost\ntype: unregistered\n")
	writeDescriptor(t, dir, "e.yaml", "name: primary\ntype: stub\n")
	writeDescriptor(t, dir, "README.md", "not a descriptor")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o700))

	r := NewRegistry()
	r.RegisterFactory("stub", stubFactory)
	r.RegisterFactory("broken", failingFactory)

	backends, err := r.Discover(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"primary", "secondary"}, identifiers(backends))

	primary := backends["primary"].(*stubDriver)
	assert.Equal(t, "/var/lib/secrets", primary.config["path"])
	assert.Equal(t, float64(3), primary.config["retries"])
	assert.NotNil(t, backends["secondary"].(*stubDriver).config)
	assert.Zero(t, primary.setups, "discovery must not initialize backends")
}

func TestDiscover_FactoryPanicIsIsolated(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "a.yaml", "name: ok\ntype: stub\n")
	writeDescriptor(t, dir, "b.yaml", "name: bad\ntype: panics\n")

	r := NewRegistry()
	r.RegisterFactory("stub", stubFactory)
	r.RegisterFactory("panics", func(string, map[string]any) (SecretStoreDriver, error) { panic("boom") })

	backends, err := r.Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, identifiers(backends))
}

func TestDiscover_MalformedDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid yaml", content: "name: [unterminated\n"},
		{name: "missing type", content: "name: primary\n"},
		{name: "unknown field", content: "name: primary\ntype: stub\nextra: true\n"},
		{name: "bad identifier", content: "name: '../escape'\ntype: stub\n"},
		{name: "empty", content: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeDescriptor(t, dir, "plugin.yaml", tt.content)

			r := NewRegistry()
			r.RegisterFactory("stub", stubFactory)
			_, err := r.Discover(dir)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDiscovery)
			var discoveryErr *DiscoveryError
			require.ErrorAs(t, err, &discoveryErr)
			assert.Equal(t, filepath.Join(dir, "plugin.yaml"), discoveryErr.Path)
		})
	}
}

func TestDiscover_MissingDirectory(t *testing.T) {
	_, err := NewRegistry().Discover(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrDiscovery)
}
