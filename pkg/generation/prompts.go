package generation

import (
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sceneforge/pkg/scene"
)

const systemPrompt = `You are a 3D scene programmer. You modify TypeScript scene projects
based on user requests.

Rules:
- Reply with a single fenced json code block and nothing else.
- The json object has two keys: "files" (map of file path to full new
  content) and "explanation" (short summary of what you changed).
- Only include files you changed or added. Never include unchanged files.
- Keep scene.json valid: it must keep a "main" entry point and at least
  one parcel.
- Do not invent dependencies; the project's dependency set is fixed.`

const userPromptTemplate = `{{ .Prompt }}

Current project files:
{{ range .Files }}
--- {{ .Path }} ---
{{ .Content }}
{{ end }}`

const retryPromptTemplate = `Your previous change did not compile. Fix it while still doing this:

{{ .Intent }}

Compiler output:
{{ .Diagnostic | trunc 4000 }}

Reply with the same fenced json format as before, containing the corrected files.`

type promptFile struct {
	Path    string
	Content string
}

func parseTemplate(name string, text string) *template.Template {
	return template.Must(template.New(name).Funcs(sprig.TxtFuncMap()).Parse(text))
}

var (
	userTemplate  = parseTemplate("user", userPromptTemplate)
	retryTemplate = parseTemplate("retry", retryPromptTemplate)
)

// RenderUserPrompt lays out the intent together with the full current file
// set, in a stable order.
func RenderUserPrompt(prompt string, files scene.FileSet) (string, error) {
	ordered := make([]promptFile, 0, len(files))
	for path, content := range files {
		ordered = append(ordered, promptFile{Path: path, Content: content})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Path < ordered[j].Path })

	var sb strings.Builder
	err := userTemplate.Execute(&sb, map[string]interface{}{
		"Prompt": prompt,
		"Files":  ordered,
	})
	if err != nil {
		return "", errors.Wrap(err, "could not render user prompt")
	}
	return sb.String(), nil
}

// RenderRetryPrompt asks for a corrected revision after a failed build. The
// original intent is restated so the model fixes the error without dropping
// the user's request.
func RenderRetryPrompt(intent string, diagnostic string) (string, error) {
	var sb strings.Builder
	err := retryTemplate.Execute(&sb, map[string]interface{}{
		"Intent":     intent,
		"Diagnostic": diagnostic,
	})
	if err != nil {
		return "", errors.Wrap(err, "could not render retry prompt")
	}
	return sb.String(), nil
}
