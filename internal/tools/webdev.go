package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/pkg/models"
)

// createWebProjectTool scaffolds a Vite web project inside the sandbox and
// installs its dependencies.
type createWebProjectTool struct{}

// NewCreateWebProjectTool creates the create_web_project tool.
func NewCreateWebProjectTool() agent.Tool { return &createWebProjectTool{} }

func (t *createWebProjectTool) Name() string { return "create_web_project" }

func (t *createWebProjectTool) Description() string {
	return "Scaffold a new web project (Vite, vanilla or react template) in the workspace and install dependencies."
}

func (t *createWebProjectTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Project directory name"},
			"template": {"type": "string", "enum": ["vanilla", "react"], "description": "Project template, default vanilla"},
			"title": {"type": "string", "description": "Page title"}
		},
		"required": ["name"]
	}`)
}

func (t *createWebProjectTool) Examples() string {
	return `<function_calls>
<invoke name="create_web_project">
<parameter name="name">landing-page</parameter>
<parameter name="template">vanilla</parameter>
</invoke>
</function_calls>`
}

func (t *createWebProjectTool) Capabilities() agent.Capabilities {
	return agent.Caps(agent.CapRequiresSandbox, agent.CapBuild)
}
func (t *createWebProjectTool) ParallelSafe() bool { return false }

func (t *createWebProjectTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc.Sandbox == nil {
		return agent.Failure("no sandbox available for this project"), nil
	}
	name, _ := args["name"].(string)
	if strings.ContainsAny(name, "/\\ ") || name == "" {
		return agent.Failure(fmt.Sprintf("invalid project name %q", name)), nil
	}
	template, _ := args["template"].(string)
	if template == "" {
		template = "vanilla"
	}
	title, _ := args["title"].(string)
	if title == "" {
		title = name
	}

	for path, contents := range scaffoldFiles(name, template, title) {
		if err := tc.Sandbox.WriteFile(ctx, path, []byte(contents)); err != nil {
			return agent.Failure(fmt.Sprintf("write %s: %v", path, err)), nil
		}
	}

	output, exitCode, err := tc.Sandbox.Exec(ctx, "build", "cd "+shellQuote(name)+" && npm install")
	if err != nil {
		return nil, fmt.Errorf("npm install: %w", err)
	}
	if exitCode != 0 {
		return agent.Failure(fmt.Sprintf("npm install failed (exit %d)\n%s", exitCode, output)), nil
	}

	result := agent.Success(fmt.Sprintf("scaffolded %s project in %s/ and installed dependencies", template, name))
	result.Attachments = []models.Attachment{{Kind: "project", Ref: name}}
	return result, nil
}

func scaffoldFiles(name, template, title string) map[string]string {
	files := map[string]string{
		name + "/package.json": fmt.Sprintf(`{
  "name": %q,
  "private": true,
  "version": "0.1.0",
  "type": "module",
  "scripts": {
    "dev": "vite",
    "build": "vite build",
    "preview": "vite preview"
  },
  "devDependencies": {
    "vite": "^5.0.0"
  }
}
`, name),
		name + "/index.html": fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>%s</title>
  </head>
  <body>
    <div id="app"></div>
    <script type="module" src="/src/main.js"></script>
  </body>
</html>
`, title),
		name + "/src/main.js": `import './style.css'

document.querySelector('#app').innerHTML = '<h1>' + document.title + '</h1>'
`,
		name + "/src/style.css": `:root {
  font-family: system-ui, sans-serif;
}
body {
  margin: 0;
  display: grid;
  place-items: center;
  min-height: 100vh;
}
`,
	}

	if template == "react" {
		files[name+"/package.json"] = fmt.Sprintf(`{
  "name": %q,
  "private": true,
  "version": "0.1.0",
  "type": "module",
  "scripts": {
    "dev": "vite",
    "build": "vite build",
    "preview": "vite preview"
  },
  "dependencies": {
    "react": "^18.2.0",
    "react-dom": "^18.2.0"
  },
  "devDependencies": {
    "@vitejs/plugin-react": "^4.2.0",
    "vite": "^5.0.0"
  }
}
`, name)
		files[name+"/vite.config.js"] = `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({
  plugins: [react()],
})
`
		delete(files, name+"/src/main.js")
		files[name+"/src/main.jsx"] = `import React from 'react'
import ReactDOM from 'react-dom/client'
import './style.css'

ReactDOM.createRoot(document.getElementById('app')).render(
  <React.StrictMode>
    <h1>{document.title}</h1>
  </React.StrictMode>,
)
`
		files[name+"/index.html"] = strings.Replace(files[name+"/index.html"], "/src/main.js", "/src/main.jsx", 1)
	}
	return files
}
