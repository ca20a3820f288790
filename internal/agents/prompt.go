package agents

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/p-blackswan/storyforge/internal/prd"
)

var storyPrompt = template.Must(template.New("story").Funcs(template.FuncMap{
	"trim": strings.TrimSpace,
}).Parse(`You are implementing one user story{{if .Project}} for the project "{{.Project}}"{{end}}.

Story {{.Story.ID}}: {{.Story.Title}}
{{- with trim .Story.Description}}

{{.}}
{{- end}}
{{- if .Story.AcceptanceCriteria}}

Acceptance criteria:
{{- range .Story.AcceptanceCriteria}}
- {{.}}
{{- end}}
{{- end}}
{{- with trim .Story.Notes}}

Notes:
{{.}}
{{- end}}

Work only on this story. Keep the existing tests passing and add tests for the new behavior.
Do not commit; the build commits your changes when you exit.
Exit with a non-zero status if you cannot complete the story.
`))

// StoryPrompt renders the prompt an agent receives for story. project may
// be empty.
func StoryPrompt(project string, story prd.Story) (string, error) {
	var buf bytes.Buffer
	err := storyPrompt.Execute(&buf, struct {
		Project string
		Story   prd.Story
	}{project, story})
	if err != nil {
		return "", fmt.Errorf("render story prompt: %w", err)
	}
	return buf.String(), nil
}
