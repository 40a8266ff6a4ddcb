package agent

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/conveyordev/conveyor/internal/types"
)

// promptData feeds the stage templates.
type promptData struct {
	Title      string
	ItemID     string
	Inputs     []inputDoc
	Phase      *types.PhaseDescriptor
	TaskBranch string
}

type inputDoc struct {
	Name string
	Body string
}

var stageTemplates = map[types.Status]*template.Template{
	types.StatusBacklog: template.Must(template.New("framing").Parse(
		`You are framing a product idea for development.

**Item:** {{.ItemID}}: {{.Title}}
{{template "inputs" .}}
Write a product framing: the problem, who has it, and what success looks
like. Be concrete and short.`)),

	types.StatusProductDev: template.Must(template.New("product-design").Parse(
		`You are writing the product design for a framed item.

**Item:** {{.ItemID}}: {{.Title}}
{{template "inputs" .}}
Write the product design: user-facing behavior, scope boundaries, and the
acceptance criteria a reviewer will check.`)),

	types.StatusProductDesign: template.Must(template.New("technical-design").Parse(
		`You are writing the technical design for an approved product design.

**Item:** {{.ItemID}}: {{.Title}}
{{template "inputs" .}}
Write the technical design. If the work is too large for one pull request,
split it into phases and include a fenced block:

` + "```" + `conveyor-phases
[{"order":1,"name":"...","description":"..."}, ...]
` + "```" + `

Each phase must be independently mergeable.`)),

	types.StatusTechnicalDesign: template.Must(template.New("implementation").Parse(
		`You are implementing an approved technical design.

**Item:** {{.ItemID}}: {{.Title}}
{{- if .Phase}}
**Phase {{.Phase.Order}}: {{.Phase.Name}}**
{{.Phase.Description}}
Work on branch {{.TaskBranch}}.
{{- end}}
{{template "inputs" .}}
Implement the design{{if .Phase}} for this phase only{{end}} and open a
pull request. Summarize what you changed and why.`)),

	types.StatusImplementation: template.Must(template.New("next-phase").Parse(
		`You are continuing a multi-phase implementation.

**Item:** {{.ItemID}}: {{.Title}}
{{- if .Phase}}
**Phase {{.Phase.Order}}: {{.Phase.Name}}**
{{.Phase.Description}}
Work on branch {{.TaskBranch}}; earlier phases are already merged there.
{{- end}}
{{template "inputs" .}}
Implement this phase and open a pull request.`)),
}

const inputsTemplate = `{{define "inputs"}}{{range .Inputs}}
**{{.Name}}:**
{{.Body}}
{{end}}{{end}}`

func init() {
	for _, tmpl := range stageTemplates {
		template.Must(tmpl.Parse(inputsTemplate))
	}
}

// BuildPrompt renders the stage prompt for a request.
func BuildPrompt(req *Request) (string, error) {
	tmpl, ok := stageTemplates[req.Stage]
	if !ok {
		return "", fmt.Errorf("no agent prompt for stage %q", req.Stage)
	}

	data := promptData{
		Title:      req.Item.Title,
		ItemID:     req.Item.ID,
		Phase:      req.Phase,
		TaskBranch: req.TaskBranch,
	}
	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data.Inputs = append(data.Inputs, inputDoc{Name: name, Body: req.Inputs[name]})
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", req.Stage, err)
	}
	return sb.String(), nil
}
