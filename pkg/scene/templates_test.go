package scene

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestYAML = `templates:
  - id: empty-parcel
    name: Empty parcel
    files:
      scene.json: |
        {"main": "bin/game.js", "scene": {"parcels": ["0,0"], "base": "0,0"}}
      src/game.ts: ""
`

func TestLoadTemplateManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML), 0o644))

	store := NewStore()
	require.NoError(t, store.LoadTemplateManifest(path))

	templates := store.Templates()
	require.Len(t, templates, 2)
	assert.Equal(t, "empty-parcel", templates[0].ID)
	assert.Equal(t, DefaultTemplateID, templates[1].ID)

	created, err := store.CreateFromTemplate("empty-parcel", "Test")
	require.NoError(t, err)
	assert.Contains(t, created.Files, "scene.json")
}

func TestTemplatesReturnsCopies(t *testing.T) {
	store := NewStore()

	listed := store.Templates()
	require.NotEmpty(t, listed)
	listed[0].Files["scene.json"] = "tampered"

	created, err := store.CreateFromTemplate(listed[0].ID, "Test")
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", created.Files["scene.json"])
}

func TestLoadTemplateManifestRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	bad := "templates:\n  - name: nameless\n    files:\n      a: b\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	store := NewStore()
	require.Error(t, store.LoadTemplateManifest(path))
}

func TestLoadTemplateManifestMissingFile(t *testing.T) {
	store := NewStore()
	require.Error(t, store.LoadTemplateManifest(filepath.Join(t.TempDir(), "nope.yaml")))
}
