package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/observability"
)

// fakeSandbox is an in-memory SandboxHandle for tool tests.
type fakeSandbox struct {
	files    map[string][]byte
	execs    []string
	output   string
	exitCode int
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: make(map[string][]byte)}
}

func (f *fakeSandbox) Exec(_ context.Context, _, command string) (string, int, error) {
	f.execs = append(f.execs, command)
	return f.output, f.exitCode, nil
}

func (f *fakeSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	f.files[path] = data
	return nil
}

func (f *fakeSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func TestTerminalToolsTerminate(t *testing.T) {
	tc := &agent.ToolContext{}
	for _, tool := range []agent.Tool{NewAskTool(), NewCompleteTool(), NewBrowserTakeoverTool()} {
		res, err := tool.Invoke(context.Background(), map[string]any{"text": "done"}, tc)
		if err != nil {
			t.Fatalf("%s: Invoke: %v", tool.Name(), err)
		}
		if !res.Success || !res.Terminate() {
			t.Errorf("%s: result = %+v, want successful terminal result", tool.Name(), res)
		}
		if res.Output != "done" {
			t.Errorf("%s: output = %q, want %q", tool.Name(), res.Output, "done")
		}
		if !tool.Capabilities().Has(agent.CapTerminal) {
			t.Errorf("%s: missing terminal capability", tool.Name())
		}
	}
}

func TestExecuteCommand(t *testing.T) {
	sb := newFakeSandbox()
	sb.output = "a.txt\nb.txt"
	tc := &agent.ToolContext{Sandbox: sb}

	tool := NewExecuteCommandTool()
	res, err := tool.Invoke(context.Background(), map[string]any{"command": "ls /workspace"}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || res.Output != "a.txt\nb.txt" {
		t.Errorf("result = %+v, want sandbox output", res)
	}
	if len(sb.execs) != 1 || sb.execs[0] != "ls /workspace" {
		t.Errorf("execs = %v, want the command passed through", sb.execs)
	}
}

func TestExecuteCommandNonZeroExit(t *testing.T) {
	sb := newFakeSandbox()
	sb.output = "not found"
	sb.exitCode = 127
	tc := &agent.ToolContext{Sandbox: sb}

	res, err := NewExecuteCommandTool().Invoke(context.Background(), map[string]any{"command": "nope"}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("non-zero exit reported success")
	}
	if !strings.Contains(res.Output, "exit code 127") {
		t.Errorf("output = %q, want the exit code", res.Output)
	}
}

func TestExecuteCommandWithoutSandbox(t *testing.T) {
	res, err := NewExecuteCommandTool().Invoke(context.Background(), map[string]any{"command": "ls"}, &agent.ToolContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("missing sandbox reported success")
	}
}

func TestFileTools(t *testing.T) {
	sb := newFakeSandbox()
	tc := &agent.ToolContext{Sandbox: sb}
	ctx := context.Background()

	res, err := NewCreateFileTool().Invoke(ctx, map[string]any{
		"path": "src/main.py", "contents": `print("hello")`,
	}, tc)
	if err != nil || !res.Success {
		t.Fatalf("create_file = %+v, %v", res, err)
	}
	if len(res.Attachments) != 1 || res.Attachments[0].Ref != "src/main.py" {
		t.Errorf("attachments = %v, want the created file", res.Attachments)
	}

	res, err = NewReadFileTool().Invoke(ctx, map[string]any{"path": "src/main.py"}, tc)
	if err != nil || !res.Success {
		t.Fatalf("read_file = %+v, %v", res, err)
	}
	if res.Output != `print("hello")` {
		t.Errorf("read output = %q", res.Output)
	}

	res, err = NewStrReplaceTool().Invoke(ctx, map[string]any{
		"path":    "src/main.py",
		"old_str": `print("hello")`,
		"new_str": `print("hello, world")`,
	}, tc)
	if err != nil || !res.Success {
		t.Fatalf("str_replace = %+v, %v", res, err)
	}
	if got := string(sb.files["src/main.py"]); got != `print("hello, world")` {
		t.Errorf("file after replace = %q", got)
	}
}

func TestStrReplaceRequiresUniqueMatch(t *testing.T) {
	sb := newFakeSandbox()
	sb.files["f.txt"] = []byte("x x")
	tc := &agent.ToolContext{Sandbox: sb}

	res, err := NewStrReplaceTool().Invoke(context.Background(), map[string]any{
		"path": "f.txt", "old_str": "x", "new_str": "y",
	}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("ambiguous match accepted")
	}

	res, err = NewStrReplaceTool().Invoke(context.Background(), map[string]any{
		"path": "f.txt", "old_str": "missing", "new_str": "y",
	}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("absent match accepted")
	}
}

func TestWebSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"query":"golang"`) {
			t.Errorf("request body = %s, want the query", body)
		}
		fmt.Fprint(w, `{
			"answer": "Go is a programming language.",
			"results": [
				{"title": "The Go Programming Language", "url": "https://go.dev", "content": "Build simple, secure, scalable systems."}
			]
		}`)
	}))
	defer server.Close()

	tool := NewWebSearchTool(WebConfig{TavilyAPIKey: "test-key", TavilyURL: server.URL})
	res, err := tool.Invoke(context.Background(), map[string]any{"query": "golang"}, &agent.ToolContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("web_search failed: %s", res.Output)
	}
	for _, want := range []string{"Go is a programming language.", "https://go.dev", "The Go Programming Language"} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("output missing %q:\n%s", want, res.Output)
		}
	}
}

func TestWebSearchWithoutKey(t *testing.T) {
	tool := NewWebSearchTool(WebConfig{})
	res, err := tool.Invoke(context.Background(), map[string]any{"query": "x"}, &agent.ToolContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("unconfigured web_search reported success")
	}
}

func TestScrapeWebpage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<!doctype html>
<html><head><title>Test Article</title></head>
<body>
<article>
<h1>Test Article</h1>
<p>This is the first paragraph of the article, with enough words to be treated as real content by the extractor rather than boilerplate.</p>
<p>And a second paragraph that keeps the content going so readability has something substantial to score and keep.</p>
</article>
</body></html>`)
	}))
	defer server.Close()

	tool := NewScrapeWebpageTool(WebConfig{})
	res, err := tool.Invoke(context.Background(), map[string]any{"url": server.URL}, &agent.ToolContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("scrape failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "first paragraph") {
		t.Errorf("output missing article text:\n%s", res.Output)
	}
}

func TestScrapeWebpageRejectsBadURL(t *testing.T) {
	tool := NewScrapeWebpageTool(WebConfig{})
	res, err := tool.Invoke(context.Background(), map[string]any{"url": "not a url"}, &agent.ToolContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("invalid url accepted")
	}
}

func TestCreateWebProjectScaffold(t *testing.T) {
	sb := newFakeSandbox()
	tc := &agent.ToolContext{Sandbox: sb}

	res, err := NewCreateWebProjectTool().Invoke(context.Background(), map[string]any{
		"name": "site", "template": "react",
	}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("create_web_project failed: %s", res.Output)
	}
	for _, path := range []string{"site/package.json", "site/index.html", "site/src/main.jsx", "site/vite.config.js"} {
		if _, ok := sb.files[path]; !ok {
			t.Errorf("missing scaffold file %s", path)
		}
	}
	if !strings.Contains(string(sb.files["site/package.json"]), `"react"`) {
		t.Error("react template did not add react dependency")
	}
	if len(sb.execs) == 0 || !strings.Contains(sb.execs[len(sb.execs)-1], "npm install") {
		t.Errorf("execs = %v, want npm install", sb.execs)
	}
}

func TestCreatePresentation(t *testing.T) {
	sb := newFakeSandbox()
	tc := &agent.ToolContext{Sandbox: sb}

	res, err := NewCreatePresentationTool().Invoke(context.Background(), map[string]any{
		"path":  "deck.html",
		"title": "Quarterly Review",
		"slides": []any{
			map[string]any{"title": "Agenda", "bullets": []any{"Results", "Plans <script>"}},
		},
	}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("create_presentation failed: %s", res.Output)
	}

	deck := string(sb.files["deck.html"])
	if !strings.Contains(deck, "Quarterly Review") || !strings.Contains(deck, "<h2>Agenda</h2>") {
		t.Errorf("deck missing title or slide:\n%s", deck)
	}
	if strings.Contains(deck, "<script>") {
		t.Error("bullet content not escaped")
	}
}

func TestAllToolsRegister(t *testing.T) {
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	registry := agent.NewRegistry(agent.RegistryOptions{}, logger, nil)
	if err := Register(registry, WebConfig{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := len(registry.Enabled(nil)); got != len(All(WebConfig{})) {
		t.Errorf("registered %d tools, want %d", got, len(All(WebConfig{})))
	}
}
