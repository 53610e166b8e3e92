package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sceneforge/pkg/build"
	"github.com/go-go-golems/sceneforge/pkg/events"
	"github.com/go-go-golems/sceneforge/pkg/generation"
	"github.com/go-go-golems/sceneforge/pkg/scene"
)

type stubBuilder struct {
	// failures[i] is returned for call i; nil means that call succeeds.
	failures []*build.Failure

	inputs []scene.FileSet
	envErr error
}

func (b *stubBuilder) Build(_ context.Context, _ string, files scene.FileSet) (scene.BinarySet, *build.Failure, error) {
	index := len(b.inputs)
	b.inputs = append(b.inputs, files.Clone())
	if b.envErr != nil {
		return nil, nil, b.envErr
	}
	if index < len(b.failures) && b.failures[index] != nil {
		return nil, b.failures[index], nil
	}
	return scene.BinarySet{"bin/game.js": []byte("compiled")}, nil, nil
}

type recordingPublisher struct {
	topics   []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		p.topics = append(p.topics, topic)
		p.payloads = append(p.payloads, msg.Payload)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newTestScene(t *testing.T, store *scene.Store) *scene.Scene {
	t.Helper()
	s, err := store.CreateFromTemplate(scene.DefaultTemplateID, "Test Scene")
	require.NoError(t, err)
	return s
}

func response(path string, content string, explanation string) *generation.Response {
	return &generation.Response{
		Files:       scene.FileSet{path: content},
		Explanation: explanation,
	}
}

func TestApplyFirstTrySuccess(t *testing.T) {
	store := scene.NewStore()
	s := newTestScene(t, store)
	before := s.Files.Clone()

	gen := &generation.Scripted{Responses: []*generation.Response{
		response("src/game.ts", "v1", "rotated the cube"),
	}}
	builder := &stubBuilder{}
	publisher := &recordingPublisher{}
	o := New(store, gen, builder, publisher, Config{})

	result, err := o.Apply(context.Background(), s.ID, "make it spin")
	require.NoError(t, err)

	assert.Equal(t, 0, result.Retries)
	assert.False(t, result.BuildFailed)
	assert.Equal(t, "rotated the cube", result.Explanation)

	committed, ok := store.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "v1", committed.Files["src/game.ts"])
	assert.Equal(t, []byte("compiled"), committed.BuiltFiles["bin/game.js"])

	require.Len(t, committed.Conversation, 2)
	user, assistant := committed.Conversation[0], committed.Conversation[1]
	assert.Equal(t, scene.RoleUser, user.Role)
	assert.Equal(t, "make it spin", user.Content)
	assert.Equal(t, before, user.FilesSnapshot)
	assert.Equal(t, scene.RoleAssistant, assistant.Role)
	assert.Equal(t, "rotated the cube", assistant.Content)
	assert.Equal(t, "v1", assistant.FilesSnapshot["src/game.ts"])

	require.Len(t, publisher.topics, 1)
	assert.Equal(t, events.TopicSceneUpdated, publisher.topics[0])
}

func TestApplyRetriesUntilSuccess(t *testing.T) {
	store := scene.NewStore()
	s := newTestScene(t, store)

	gen := &generation.Scripted{Responses: []*generation.Response{
		response("src/game.ts", "broken-1", "first attempt"),
		response("src/game.ts", "broken-2", "second attempt"),
		response("src/game.ts", "fixed", "third attempt"),
	}}
	builder := &stubBuilder{failures: []*build.Failure{
		{Diagnostic: "TS2304: cannot find name 'Quaternon'"},
		{Diagnostic: "TS1005: ';' expected"},
		nil,
	}}
	o := New(store, gen, builder, nil, Config{MaxRetries: 2})

	result, err := o.Apply(context.Background(), s.ID, "add a spinning door")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Retries)
	assert.False(t, result.BuildFailed)

	// The corrective rounds restate the intent and carry the diagnostic.
	require.Len(t, gen.Requests, 3)
	assert.Contains(t, gen.Requests[1].Prompt, "add a spinning door")
	assert.Contains(t, gen.Requests[1].Prompt, "Quaternon")
	// The collaborator sees its own failing revision on retry.
	assert.Equal(t, "broken-1", gen.Requests[1].Files["src/game.ts"])

	committed, ok := store.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "fixed", committed.Files["src/game.ts"])
	assert.NotEmpty(t, committed.BuiltFiles)

	// One entry pair regardless of how many rounds it took.
	require.Len(t, committed.Conversation, 2)
	assert.Equal(t, "add a spinning door", committed.Conversation[0].Content)
}

func TestApplyExhaustedRetriesCommitsWithoutBuild(t *testing.T) {
	store := scene.NewStore()
	s := newTestScene(t, store)

	gen := &generation.Scripted{Responses: []*generation.Response{
		response("src/game.ts", "broken-1", "e1"),
		response("src/game.ts", "broken-2", "e2"),
		response("src/game.ts", "broken-3", "e3"),
	}}
	builder := &stubBuilder{failures: []*build.Failure{
		{Diagnostic: "error 1"},
		{Diagnostic: "error 2"},
		{Diagnostic: "error 3"},
	}}
	o := New(store, gen, builder, nil, Config{MaxRetries: 2})

	result, err := o.Apply(context.Background(), s.ID, "break things")
	require.NoError(t, err)

	assert.True(t, result.BuildFailed)
	assert.Equal(t, "error 3", result.Diagnostic)
	assert.Equal(t, 2, result.Retries)

	committed, ok := store.Get(s.ID)
	require.True(t, ok)
	// The last revision is committed so the user can inspect it, but no
	// build output exists.
	assert.Equal(t, "broken-3", committed.Files["src/game.ts"])
	assert.Empty(t, committed.BuiltFiles)

	require.Len(t, committed.Conversation, 2)
	assistant := committed.Conversation[1]
	assert.Contains(t, assistant.Content, "e3")
	assert.Contains(t, assistant.Content, "Warning")
	assert.Contains(t, assistant.Content, "error 3")
}

func TestApplyZeroRetriesCommitsFirstFailure(t *testing.T) {
	store := scene.NewStore()
	s := newTestScene(t, store)

	gen := &generation.Scripted{Responses: []*generation.Response{
		response("src/game.ts", "broken", "e1"),
	}}
	builder := &stubBuilder{failures: []*build.Failure{
		{Diagnostic: "error 1"},
	}}
	o := New(store, gen, builder, nil, Config{MaxRetries: 0})

	result, err := o.Apply(context.Background(), s.ID, "break it")
	require.NoError(t, err)

	assert.True(t, result.BuildFailed)
	assert.Equal(t, 0, result.Retries)
	// No corrective round happened: one collaborator call, one build.
	assert.Len(t, gen.Requests, 1)
	assert.Len(t, builder.inputs, 1)
}

func TestApplyNegativeRetriesUsesDefault(t *testing.T) {
	store := scene.NewStore()
	s := newTestScene(t, store)

	gen := &generation.Scripted{Responses: []*generation.Response{
		response("src/game.ts", "b1", "e1"),
		response("src/game.ts", "b2", "e2"),
		response("src/game.ts", "b3", "e3"),
	}}
	builder := &stubBuilder{failures: []*build.Failure{
		{Diagnostic: "error 1"},
		{Diagnostic: "error 2"},
		{Diagnostic: "error 3"},
	}}
	o := New(store, gen, builder, nil, Config{MaxRetries: -1})

	result, err := o.Apply(context.Background(), s.ID, "break it")
	require.NoError(t, err)
	assert.True(t, result.BuildFailed)
	assert.Equal(t, DefaultMaxRetries, result.Retries)
}

func TestApplyCollaboratorFailureCommitsNothing(t *testing.T) {
	store := scene.NewStore()
	s := newTestScene(t, store)
	before, _ := store.Get(s.ID)

	gen := &generation.Scripted{Errors: []error{errors.New("rate limited")}}
	o := New(store, gen, &stubBuilder{}, nil, Config{})

	_, err := o.Apply(context.Background(), s.ID, "make it spin")
	require.Error(t, err)

	after, ok := store.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, before.Files, after.Files)
	assert.Empty(t, after.Conversation)
}

func TestApplyEnvironmentFailureCommitsNothing(t *testing.T) {
	store := scene.NewStore()
	s := newTestScene(t, store)

	gen := &generation.Scripted{Responses: []*generation.Response{
		response("src/game.ts", "v1", "e1"),
	}}
	builder := &stubBuilder{envErr: errors.New("workspace disk full")}
	o := New(store, gen, builder, nil, Config{})

	_, err := o.Apply(context.Background(), s.ID, "make it spin")
	require.Error(t, err)

	after, ok := store.Get(s.ID)
	require.True(t, ok)
	assert.Empty(t, after.Conversation)
	assert.NotEqual(t, "v1", after.Files["src/game.ts"])
}

type slowBuilder struct {
	delay time.Duration
}

func (b *slowBuilder) Build(_ context.Context, _ string, _ scene.FileSet) (scene.BinarySet, *build.Failure, error) {
	time.Sleep(b.delay)
	return scene.BinarySet{"bin/game.js": []byte("compiled")}, nil, nil
}

func TestApplySerializesPerScene(t *testing.T) {
	store := scene.NewStore()
	s := newTestScene(t, store)

	// Each response adds its own file, so a lost update would drop one of
	// them from the final file set.
	gen := &generation.Scripted{Responses: []*generation.Response{
		response("first.ts", "one", "added first"),
		response("second.ts", "two", "added second"),
	}}
	o := New(store, gen, &slowBuilder{delay: 50 * time.Millisecond}, nil, Config{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	prompts := []string{"add first", "add second"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Apply(context.Background(), s.ID, prompts[i])
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	committed, ok := store.Get(s.ID)
	require.True(t, ok)
	// Both commits landed: the second run merged onto the first run's files.
	assert.Equal(t, "one", committed.Files["first.ts"])
	assert.Equal(t, "two", committed.Files["second.ts"])

	require.Len(t, committed.Conversation, 4)
	var seen []string
	for _, entry := range committed.Conversation {
		if entry.Role == scene.RoleUser {
			seen = append(seen, entry.Content)
		}
	}
	assert.ElementsMatch(t, prompts, seen)
}

func TestApplyUnknownScene(t *testing.T) {
	store := scene.NewStore()
	o := New(store, &generation.Scripted{}, &stubBuilder{}, nil, Config{})

	_, err := o.Apply(context.Background(), "no-such-scene", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, scene.ErrSceneNotFound))
}

func TestNextRejectsInvalidTransitions(t *testing.T) {
	_, err := Next(StateRequesting, EventBuildSucceeded, 0)
	require.Error(t, err)

	state, err := Next(StateBuilding, EventBuildFailed, 1)
	require.NoError(t, err)
	assert.Equal(t, StateRetry, state)

	state, err = Next(StateBuilding, EventBuildFailed, 0)
	require.NoError(t, err)
	assert.Equal(t, StateCommittedWithBuildError, state)
	assert.True(t, state.Terminal())
}
