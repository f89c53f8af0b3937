package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/pkg/models"
)

// createPresentationTool renders a slide deck as a self-contained HTML file
// in the workspace.
type createPresentationTool struct{}

// NewCreatePresentationTool creates the create_presentation tool.
func NewCreatePresentationTool() agent.Tool { return &createPresentationTool{} }

func (t *createPresentationTool) Name() string { return "create_presentation" }

func (t *createPresentationTool) Description() string {
	return "Create an HTML slide deck in the workspace. Each slide has a title and Markdown-ish body lines."
}

func (t *createPresentationTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Output file path, e.g. deck.html"},
			"title": {"type": "string"},
			"slides": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"title": {"type": "string"},
						"bullets": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["title"]
				},
				"minItems": 1
			}
		},
		"required": ["path", "title", "slides"]
	}`)
}

func (t *createPresentationTool) Examples() string {
	return `<function_calls>
<invoke name="create_presentation">
<parameter name="path">deck.html</parameter>
<parameter name="title">Quarterly Review</parameter>
<parameter name="slides">[{"title":"Agenda","bullets":["Results","Plans"]}]</parameter>
</invoke>
</function_calls>`
}

func (t *createPresentationTool) Capabilities() agent.Capabilities {
	return agent.Caps(agent.CapRequiresSandbox)
}
func (t *createPresentationTool) ParallelSafe() bool { return false }

type slideInput struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

func (t *createPresentationTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc.Sandbox == nil {
		return agent.Failure("no sandbox available for this project"), nil
	}
	path, _ := args["path"].(string)
	title, _ := args["title"].(string)

	raw, err := json.Marshal(args["slides"])
	if err != nil {
		return agent.Failure(fmt.Sprintf("invalid slides: %v", err)), nil
	}
	var slides []slideInput
	if err := json.Unmarshal(raw, &slides); err != nil {
		return agent.Failure(fmt.Sprintf("invalid slides: %v", err)), nil
	}
	if len(slides) == 0 {
		return agent.Failure("slides must not be empty"), nil
	}

	deck := renderDeck(title, slides)
	if err := tc.Sandbox.WriteFile(ctx, path, []byte(deck)); err != nil {
		return agent.Failure(fmt.Sprintf("write %s: %v", path, err)), nil
	}

	result := agent.Success(fmt.Sprintf("created %d-slide deck at %s", len(slides), path))
	result.Attachments = []models.Attachment{{Kind: "presentation", Ref: path}}
	return result, nil
}

func renderDeck(title string, slides []slideInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<!doctype html>
<html lang="en">
<head>
<meta charset="UTF-8" />
<title>%s</title>
<style>
  body { margin: 0; font-family: system-ui, sans-serif; }
  section.slide {
    min-height: 100vh;
    display: flex;
    flex-direction: column;
    justify-content: center;
    padding: 0 10vw;
    box-sizing: border-box;
    border-bottom: 1px solid #ddd;
  }
  section.slide h2 { font-size: 2.5rem; margin-bottom: 1rem; }
  section.slide li { font-size: 1.4rem; line-height: 1.8; }
</style>
</head>
<body>
`, html.EscapeString(title))

	for _, slide := range slides {
		sb.WriteString("<section class=\"slide\">\n")
		fmt.Fprintf(&sb, "<h2>%s</h2>\n", html.EscapeString(slide.Title))
		if len(slide.Bullets) > 0 {
			sb.WriteString("<ul>\n")
			for _, bullet := range slide.Bullets {
				fmt.Fprintf(&sb, "<li>%s</li>\n", html.EscapeString(bullet))
			}
			sb.WriteString("</ul>\n")
		}
		sb.WriteString("</section>\n")
	}
	sb.WriteString("</body>\n</html>\n")
	return sb.String()
}
