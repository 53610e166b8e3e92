package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sceneforge/pkg/export"
	"github.com/go-go-golems/sceneforge/pkg/scene"
)

// Failure is a structured build failure. It is a value, not an error:
// compiler failures are an expected outcome that drives the retry state
// machine, while environment failures (workspace setup, missing shared
// dependency set) propagate as errors.
type Failure struct {
	// Diagnostic is the captured compiler output, or the timeout reason.
	Diagnostic string
	TimedOut   bool
}

func (f *Failure) String() string {
	if f.TimedOut {
		return fmt.Sprintf("build timed out: %s", f.Diagnostic)
	}
	return f.Diagnostic
}

// Config configures the build pipeline. Zero values fall back to defaults.
type Config struct {
	// WorkspaceRoot is where per-build workspaces are created. Defaults to
	// the system temp directory.
	WorkspaceRoot string

	// SharedModulesDir is the pre-provisioned read-only dependency set that
	// gets linked into every workspace instead of re-resolving dependencies
	// per build. It must exist before the first build; absence is a startup
	// failure, not a lazily discovered one.
	SharedModulesDir string

	// CompilerCommand is the external build tool invocation, run with the
	// workspace as working directory. The command must skip dependency
	// installation; the shared set is already linked in.
	CompilerCommand []string

	// Timeout bounds a single compiler run. A timeout is an ordinary build
	// failure and consumes a retry like any other.
	Timeout time.Duration

	// OutputPath is the fixed relative path the compiler leaves the single
	// bundled output at.
	OutputPath string

	// AssetGlobs selects non-source files to carry into the built file set
	// alongside the compiled output. Matched against normalized paths.
	AssetGlobs []string
}

const modulesLinkName = "node_modules"

func (c *Config) applyDefaults() {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = os.TempDir()
	}
	if len(c.CompilerCommand) == 0 {
		c.CompilerCommand = []string{"npm", "run", "build", "--", "--skip-install"}
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.OutputPath == "" {
		c.OutputPath = "bin/game.js"
	}
	if len(c.AssetGlobs) == 0 {
		c.AssetGlobs = []string{
			"*.png", "*.jpg", "*.jpeg", "*.gif",
			"*.glb", "*.gltf", "*.bin",
			"*.mp3", "*.ogg", "*.wav",
		}
	}
}

// Pipeline materializes file sets in isolated workspaces and runs the
// external compiler against them. Workspaces never outlive a build and
// never leak state across scenes.
type Pipeline struct {
	cfg Config

	initOnce sync.Once
	initErr  error
}

func NewPipeline(cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{cfg: cfg}
}

// EnsureSharedDependencies verifies the shared dependency set once. Call at
// startup: a missing set aborts the process instead of failing mid-build.
func (p *Pipeline) EnsureSharedDependencies() error {
	p.initOnce.Do(func() {
		if p.cfg.SharedModulesDir == "" {
			p.initErr = errors.New("shared dependency set not configured")
			return
		}
		info, err := os.Stat(p.cfg.SharedModulesDir)
		if err != nil {
			p.initErr = errors.Wrapf(err, "shared dependency set %s unavailable", p.cfg.SharedModulesDir)
			return
		}
		if !info.IsDir() {
			p.initErr = errors.Errorf("shared dependency set %s is not a directory", p.cfg.SharedModulesDir)
		}
	})
	return p.initErr
}

// Build compiles a file set. The scene id is used for diagnostics and
// workspace naming only.
//
// Returns (builtFiles, nil, nil) on success, (nil, failure, nil) when the
// compiler fails or times out, and (nil, nil, err) for environment
// failures. The workspace is removed on every exit path.
func (p *Pipeline) Build(ctx context.Context, sceneID string, files scene.FileSet) (scene.BinarySet, *Failure, error) {
	if err := p.EnsureSharedDependencies(); err != nil {
		return nil, nil, err
	}
	if _, ok := export.FindDescriptorSource(files); !ok {
		return nil, nil, errors.Wrapf(export.ErrMissingDescriptor, "scene %s", sceneID)
	}

	workspace, err := os.MkdirTemp(p.cfg.WorkspaceRoot, fmt.Sprintf("scene-build-%s-", sceneID))
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not create build workspace")
	}
	defer func() {
		if removeErr := os.RemoveAll(workspace); removeErr != nil {
			log.Warn().Err(removeErr).Str("workspace", workspace).Msg("could not remove build workspace")
		}
	}()

	if err := materialize(workspace, files); err != nil {
		return nil, nil, err
	}

	if err := os.Symlink(p.cfg.SharedModulesDir, filepath.Join(workspace, modulesLinkName)); err != nil {
		return nil, nil, errors.Wrap(err, "could not link shared dependency set")
	}

	start := time.Now()
	failure := p.runCompiler(ctx, workspace)
	if failure != nil {
		log.Info().
			Str("scene_id", sceneID).
			Dur("duration", time.Since(start)).
			Bool("timed_out", failure.TimedOut).
			Msg("build failed")
		return nil, failure, nil
	}

	built, failure, err := p.collectOutput(workspace, files)
	if err != nil || failure != nil {
		return nil, failure, err
	}

	log.Info().
		Str("scene_id", sceneID).
		Dur("duration", time.Since(start)).
		Int("output_files", len(built)).
		Msg("build succeeded")
	return built, nil, nil
}

// materialize writes the file set into the workspace, recreating the
// directory structure implied by the paths. Paths that would escape the
// workspace are rejected.
func materialize(workspace string, files scene.FileSet) error {
	for path, content := range files {
		relative := filepath.FromSlash(strings.TrimLeft(strings.ReplaceAll(path, "\\", "/"), "/"))
		if relative == "" || relative == "." {
			return errors.Errorf("invalid file path %q", path)
		}
		target := filepath.Join(workspace, relative)
		if !strings.HasPrefix(target, workspace+string(filepath.Separator)) {
			return errors.Errorf("file path %q escapes the build workspace", path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "could not create directory for %s", path)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "could not write %s", path)
		}
	}
	return nil
}

func (p *Pipeline) runCompiler(ctx context.Context, workspace string) *Failure {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.cfg.CompilerCommand[0], p.cfg.CompilerCommand[1:]...)
	cmd.Dir = workspace
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return &Failure{
			Diagnostic: fmt.Sprintf("compiler exceeded the %s timeout\n%s", p.cfg.Timeout, output.String()),
			TimedOut:   true,
		}
	}

	diagnostic := output.String()
	if diagnostic == "" {
		diagnostic = err.Error()
	}
	return &Failure{Diagnostic: diagnostic}
}

// collectOutput reads back the compiled bundle plus the descriptor and any
// asset files. A missing bundle is a build failure, not an environment one:
// the compiler exited cleanly but did not produce what it was supposed to.
func (p *Pipeline) collectOutput(workspace string, files scene.FileSet) (scene.BinarySet, *Failure, error) {
	built := scene.BinarySet{}

	outputTarget := filepath.Join(workspace, filepath.FromSlash(p.cfg.OutputPath))
	data, err := os.ReadFile(outputTarget)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Failure{
				Diagnostic: fmt.Sprintf("compiler finished but produced no output at %s", p.cfg.OutputPath),
			}, nil
		}
		return nil, nil, errors.Wrapf(err, "could not read compiled output %s", p.cfg.OutputPath)
	}
	built[p.cfg.OutputPath] = data

	for path := range files {
		normalized := export.NormalizePath(path)
		if normalized != export.DescriptorPath && !p.isAsset(normalized) {
			continue
		}
		// Read back at the path the file was materialized under; the
		// normalized form only names the entry in the built set.
		onDisk := filepath.FromSlash(strings.TrimLeft(strings.ReplaceAll(path, "\\", "/"), "/"))
		data, err := os.ReadFile(filepath.Join(workspace, onDisk))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "could not read back %s", normalized)
		}
		built[normalized] = data
	}

	return built, nil, nil
}

func (p *Pipeline) isAsset(normalizedPath string) bool {
	for _, pattern := range p.cfg.AssetGlobs {
		if ok, err := glob.Match(pattern, normalizedPath); err == nil && ok {
			return true
		}
	}
	return false
}
