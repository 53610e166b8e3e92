package generation

import (
	"context"

	"github.com/go-go-golems/sceneforge/pkg/scene"
)

// Request is a single generation round handed to the collaborator: the
// user's intent, the files it should transform, and the prior conversation
// for context.
type Request struct {
	Prompt  string
	Files   scene.FileSet
	History []*scene.ConversationEntry
}

// Response is the collaborator's proposal. Files only names the files the
// collaborator wants changed or added; everything else in the scene is left
// alone by the caller's merge.
type Response struct {
	Files       scene.FileSet
	Explanation string
}

// Generator produces file changes from natural-language intent. The
// production implementation talks to a remote model; tests use Scripted.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
