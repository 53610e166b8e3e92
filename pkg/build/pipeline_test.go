package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sceneforge/pkg/export"
	"github.com/go-go-golems/sceneforge/pkg/scene"
)

const testDescriptor = `{
  "main": "bin/game.js",
  "scene": {"parcels": ["0,0"], "base": "0,0"}
}`

func testFiles() scene.FileSet {
	return scene.FileSet{
		"scene.json":  testDescriptor,
		"src/game.ts": "export function main() {}",
	}
}

func testPipeline(t *testing.T, compiler string) *Pipeline {
	t.Helper()
	shared := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shared, "marker"), []byte("x"), 0o644))

	return NewPipeline(Config{
		WorkspaceRoot:    t.TempDir(),
		SharedModulesDir: shared,
		CompilerCommand:  []string{"/bin/sh", "-c", compiler},
		Timeout:          10 * time.Second,
	})
}

func TestBuildSuccess(t *testing.T) {
	p := testPipeline(t, "mkdir -p bin && printf 'compiled' > bin/game.js")

	built, failure, err := p.Build(context.Background(), "scene-1", testFiles())
	require.NoError(t, err)
	require.Nil(t, failure)
	assert.Equal(t, []byte("compiled"), built["bin/game.js"])
	assert.Equal(t, []byte(testDescriptor), built["scene.json"])
	// Source files do not travel into the built set.
	assert.NotContains(t, built, "src/game.ts")
}

func TestBuildCollectsAssets(t *testing.T) {
	p := testPipeline(t, "mkdir -p bin && printf 'compiled' > bin/game.js")
	files := testFiles()
	files["models/Robot.glb"] = "binary-ish"

	built, failure, err := p.Build(context.Background(), "scene-1", files)
	require.NoError(t, err)
	require.Nil(t, failure)
	assert.Equal(t, []byte("binary-ish"), built["models/robot.glb"])
}

func TestBuildDirectoryScopedAssetGlobs(t *testing.T) {
	shared := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shared, "marker"), []byte("x"), 0o644))
	p := NewPipeline(Config{
		WorkspaceRoot:    t.TempDir(),
		SharedModulesDir: shared,
		CompilerCommand:  []string{"/bin/sh", "-c", "mkdir -p bin && printf 'compiled' > bin/game.js"},
		Timeout:          10 * time.Second,
		AssetGlobs:       []string{"models/*.glb"},
	})

	files := testFiles()
	files["models/robot.glb"] = "wanted"
	files["scratch/robot.glb"] = "unwanted"

	built, failure, err := p.Build(context.Background(), "scene-1", files)
	require.NoError(t, err)
	require.Nil(t, failure)
	assert.Equal(t, []byte("wanted"), built["models/robot.glb"])
	assert.NotContains(t, built, "scratch/robot.glb")
}

func TestBuildLinksSharedDependencies(t *testing.T) {
	p := testPipeline(t, "test -f node_modules/marker && mkdir -p bin && printf 'ok' > bin/game.js")

	built, failure, err := p.Build(context.Background(), "scene-1", testFiles())
	require.NoError(t, err)
	require.Nil(t, failure)
	assert.Equal(t, []byte("ok"), built["bin/game.js"])
}

func TestBuildCompilerFailure(t *testing.T) {
	p := testPipeline(t, "echo 'TS2304: cannot find name' >&2; exit 1")

	built, failure, err := p.Build(context.Background(), "scene-1", testFiles())
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Nil(t, built)
	assert.False(t, failure.TimedOut)
	assert.Contains(t, failure.Diagnostic, "TS2304")
}

func TestBuildMissingOutput(t *testing.T) {
	p := testPipeline(t, "true")

	built, failure, err := p.Build(context.Background(), "scene-1", testFiles())
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Nil(t, built)
	assert.Contains(t, failure.Diagnostic, "bin/game.js")
}

func TestBuildTimeout(t *testing.T) {
	p := testPipeline(t, "sleep 30")
	p.cfg.Timeout = 200 * time.Millisecond

	built, failure, err := p.Build(context.Background(), "scene-1", testFiles())
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Nil(t, built)
	assert.True(t, failure.TimedOut)
}

func TestBuildMissingDescriptor(t *testing.T) {
	p := testPipeline(t, "true")

	_, _, err := p.Build(context.Background(), "scene-1", scene.FileSet{
		"src/game.ts": "export {}",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, export.ErrMissingDescriptor))
}

func TestBuildRejectsEscapingPaths(t *testing.T) {
	p := testPipeline(t, "true")
	files := testFiles()
	files["../outside.txt"] = "nope"

	_, _, err := p.Build(context.Background(), "scene-1", files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestBuildCleansUpWorkspace(t *testing.T) {
	root := t.TempDir()
	shared := t.TempDir()
	p := NewPipeline(Config{
		WorkspaceRoot:    root,
		SharedModulesDir: shared,
		CompilerCommand:  []string{"/bin/sh", "-c", "mkdir -p bin && printf 'x' > bin/game.js"},
		Timeout:          10 * time.Second,
	})

	_, failure, err := p.Build(context.Background(), "scene-1", testFiles())
	require.NoError(t, err)
	require.Nil(t, failure)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnsureSharedDependenciesMissing(t *testing.T) {
	p := NewPipeline(Config{
		WorkspaceRoot:    t.TempDir(),
		SharedModulesDir: filepath.Join(t.TempDir(), "does-not-exist"),
	})

	err := p.EnsureSharedDependencies()
	require.Error(t, err)
	// The check is latched: later calls report the same failure.
	assert.Equal(t, err, p.EnsureSharedDependencies())
}
