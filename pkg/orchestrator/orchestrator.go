package orchestrator

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sceneforge/pkg/build"
	"github.com/go-go-golems/sceneforge/pkg/events"
	"github.com/go-go-golems/sceneforge/pkg/generation"
	"github.com/go-go-golems/sceneforge/pkg/scene"
)

// CollaboratorError marks a failed collaborator round. It lets callers
// distinguish upstream model failures from local ones.
type CollaboratorError struct {
	Err error
}

func (e *CollaboratorError) Error() string {
	return "collaborator request failed: " + e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Builder is the build pipeline surface the orchestrator needs. Satisfied
// by *build.Pipeline.
type Builder interface {
	Build(ctx context.Context, sceneID string, files scene.FileSet) (scene.BinarySet, *build.Failure, error)
}

// DefaultMaxRetries is the corrective-round bound used when the
// configuration does not pick one.
const DefaultMaxRetries = 2

type Config struct {
	// MaxRetries is how many corrective rounds follow a failed build
	// before the failing revision is committed as-is. Zero disables
	// corrective rounds; negative means DefaultMaxRetries.
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// Result reports one completed Apply. Scene is the committed state. When
// BuildFailed is set the files were committed without build output and
// Diagnostic holds the last compiler output.
type Result struct {
	Scene       *scene.Scene
	Retries     int
	BuildFailed bool
	Diagnostic  string
	Explanation string
}

// Orchestrator runs the generate, merge, build loop for one prompt and
// commits exactly one user/assistant entry pair per call, no matter how
// many corrective rounds the build takes.
type Orchestrator struct {
	store     *scene.Store
	generator generation.Generator
	builder   Builder
	publisher message.Publisher
	cfg       Config
}

func New(store *scene.Store, generator generation.Generator, builder Builder, publisher message.Publisher, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:     store,
		generator: generator,
		builder:   builder,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Apply drives a prompt through the collaborator and the build pipeline,
// retrying with compiler diagnostics, then commits. Collaborator and
// environment failures abort without committing anything; build failures
// never do.
//
// Concurrent Apply calls for the same scene serialize on the scene's
// mutation lock.
func (o *Orchestrator) Apply(ctx context.Context, sceneID string, prompt string) (*Result, error) {
	lock := o.store.Lock(sceneID)
	lock.Lock()
	defer lock.Unlock()

	current, ok := o.store.Get(sceneID)
	if !ok {
		return nil, errors.Wrap(scene.ErrSceneNotFound, sceneID)
	}

	// Snapshot attached to the user entry: the files before any of this
	// prompt's changes.
	baseline := current.Files.Clone()

	state := StateRequesting
	working := current.Files.Clone()
	requestPrompt := prompt
	retriesLeft := o.cfg.MaxRetries
	retries := 0
	start := time.Now()

	var merged scene.FileSet
	var built scene.BinarySet
	var explanation string
	var lastFailure *build.Failure

	for !state.Terminal() {
		resp, err := o.generator.Generate(ctx, generation.Request{
			Prompt:  requestPrompt,
			Files:   working,
			History: current.Conversation,
		})
		if err != nil {
			return nil, &CollaboratorError{Err: err}
		}
		explanation = resp.Explanation

		state, err = Next(state, EventProposalReceived, retriesLeft)
		if err != nil {
			return nil, err
		}

		merged = working.Clone()
		for path, content := range resp.Files {
			merged[path] = content
		}

		state, err = Next(state, EventMerged, retriesLeft)
		if err != nil {
			return nil, err
		}

		var failure *build.Failure
		built, failure, err = o.builder.Build(ctx, sceneID, merged)
		if err != nil {
			return nil, errors.Wrap(err, "build environment failed")
		}

		if failure == nil {
			state, err = Next(state, EventBuildSucceeded, retriesLeft)
			if err != nil {
				return nil, err
			}
			continue
		}

		lastFailure = failure
		state, err = Next(state, EventBuildFailed, retriesLeft)
		if err != nil {
			return nil, err
		}
		if state == StateRetry {
			log.Info().
				Str("scene_id", sceneID).
				Int("retries_left", retriesLeft).
				Bool("timed_out", failure.TimedOut).
				Msg("build failed, asking collaborator for a fix")

			requestPrompt, err = generation.RenderRetryPrompt(prompt, failure.Diagnostic)
			if err != nil {
				return nil, err
			}
			// The failing revision becomes the working set so the
			// collaborator sees the code it has to fix.
			working = merged
			retriesLeft--
			retries++
		}
	}

	result, err := o.commit(sceneID, prompt, state, baseline, merged, built, explanation, lastFailure)
	if err != nil {
		return nil, err
	}
	result.Retries = retries

	log.Info().
		Str("scene_id", sceneID).
		Dur("duration", time.Since(start)).
		Int("retries", retries).
		Bool("build_failed", result.BuildFailed).
		Msg("prompt applied")

	o.publish(sceneID, result.Scene)

	return result, nil
}

func (o *Orchestrator) commit(sceneID string, prompt string, state State, baseline scene.FileSet, merged scene.FileSet, built scene.BinarySet, explanation string, failure *build.Failure) (*Result, error) {
	if _, err := o.store.UpdateFiles(sceneID, merged); err != nil {
		return nil, err
	}

	result := &Result{Explanation: explanation}

	if state == StateCommittedSuccess {
		if _, err := o.store.SetBuiltFiles(sceneID, built); err != nil {
			return nil, err
		}
	} else {
		result.BuildFailed = true
		result.Diagnostic = failure.Diagnostic
		explanation = explanation + "\n\nWarning: this change did not compile:\n" + failure.Diagnostic
	}

	if _, err := o.store.AppendEntry(sceneID, scene.NewEntry(scene.RoleUser, prompt, baseline)); err != nil {
		return nil, err
	}
	committed, err := o.store.AppendEntry(sceneID, scene.NewEntry(scene.RoleAssistant, explanation, merged))
	if err != nil {
		return nil, err
	}
	result.Scene = committed

	return result, nil
}

func (o *Orchestrator) publish(sceneID string, committed *scene.Scene) {
	if o.publisher == nil {
		return
	}
	entryID := ""
	if n := len(committed.Conversation); n > 0 {
		entryID = committed.Conversation[n-1].ID.String()
	}
	err := events.PublishSceneUpdated(o.publisher, events.SceneUpdated{
		SceneID: sceneID,
		EntryID: entryID,
		Reason:  events.ReasonGeneration,
	})
	if err != nil {
		log.Warn().Err(err).Str("scene_id", sceneID).Msg("could not publish scene update")
	}
}
