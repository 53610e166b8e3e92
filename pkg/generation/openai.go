package generation

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/go-go-golems/sceneforge/pkg/scene"
)

// ErrBadResponse covers model replies that cannot be turned into a file
// change set. Callers treat it like any other collaborator failure.
var ErrBadResponse = errors.New("collaborator returned an unusable response")

// OpenAIGenerator talks to an OpenAI-compatible chat completion endpoint.
type OpenAIGenerator struct {
	client  *go_openai.Client
	model   string
	timeout time.Duration
}

type OpenAIOption func(*OpenAIGenerator)

func WithModel(model string) OpenAIOption {
	return func(g *OpenAIGenerator) {
		g.model = model
	}
}

func WithTimeout(timeout time.Duration) OpenAIOption {
	return func(g *OpenAIGenerator) {
		g.timeout = timeout
	}
}

func NewOpenAIGenerator(apiKey string, options ...OpenAIOption) *OpenAIGenerator {
	g := &OpenAIGenerator{
		client:  go_openai.NewClient(apiKey),
		model:   go_openai.GPT4TurboPreview,
		timeout: 120 * time.Second,
	}
	for _, option := range options {
		option(g)
	}
	return g
}

func NewOpenAIGeneratorWithConfig(config go_openai.ClientConfig, options ...OpenAIOption) *OpenAIGenerator {
	g := NewOpenAIGenerator("", options...)
	g.client = go_openai.NewClientWithConfig(config)
	return g
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	messages, err := g.buildMessages(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	completion, err := g.client.CreateChatCompletion(ctx, go_openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
	})
	if err != nil {
		return nil, errors.Wrap(err, "chat completion failed")
	}
	if len(completion.Choices) == 0 {
		return nil, errors.Wrap(ErrBadResponse, "no choices returned")
	}

	content := completion.Choices[0].Message.Content
	log.Debug().
		Str("model", g.model).
		Dur("duration", time.Since(start)).
		Int("response_length", len(content)).
		Msg("chat completion finished")

	return ParseResponse(content)
}

func (g *OpenAIGenerator) buildMessages(req Request) ([]go_openai.ChatCompletionMessage, error) {
	messages := []go_openai.ChatCompletionMessage{
		{Role: go_openai.ChatMessageRoleSystem, Content: systemPrompt},
	}

	for _, entry := range req.History {
		role := go_openai.ChatMessageRoleUser
		if entry.Role == scene.RoleAssistant {
			role = go_openai.ChatMessageRoleAssistant
		}
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    role,
			Content: entry.Content,
		})
	}

	userPrompt, err := RenderUserPrompt(req.Prompt, req.Files)
	if err != nil {
		return nil, err
	}
	messages = append(messages, go_openai.ChatCompletionMessage{
		Role:    go_openai.ChatMessageRoleUser,
		Content: userPrompt,
	})
	return messages, nil
}

type rawResponse struct {
	Files       map[string]string `json:"files"`
	Explanation string            `json:"explanation"`
}

// ParseResponse turns a model reply into a change set. Models are told to
// answer with a fenced json block; replies that are bare json without the
// fence are accepted too.
func ParseResponse(content string) (*Response, error) {
	payload := extractFencedJSON(content)
	if payload == "" {
		payload = extractBareJSON(content)
	}
	if payload == "" {
		return nil, errors.Wrap(ErrBadResponse, "no json payload found")
	}

	var raw rawResponse
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, errors.Wrapf(ErrBadResponse, "could not decode json payload: %s", err)
	}
	if len(raw.Files) == 0 {
		return nil, errors.Wrap(ErrBadResponse, "response contains no file changes")
	}

	return &Response{
		Files:       scene.FileSet(raw.Files),
		Explanation: raw.Explanation,
	}, nil
}

// extractFencedJSON walks the reply as markdown and returns the first fenced
// code block tagged json (or untagged, as some models drop the language).
func extractFencedJSON(content string) string {
	source := []byte(content)
	root := goldmark.DefaultParser().Parse(text.NewReader(source))

	var payload string
	_ = ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || payload != "" {
			return ast.WalkContinue, nil
		}
		block, ok := node.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		language := string(block.Language(source))
		if language != "" && language != "json" {
			return ast.WalkContinue, nil
		}

		var sb strings.Builder
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			segment := lines.At(i)
			sb.Write(segment.Value(source))
		}
		payload = sb.String()
		return ast.WalkStop, nil
	})
	return strings.TrimSpace(payload)
}

func extractBareJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
