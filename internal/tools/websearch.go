package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/loomworks/loom/internal/agent"
)

const defaultTavilyURL = "https://api.tavily.com/search"

// WebConfig configures the web search and scrape tools.
type WebConfig struct {
	// TavilyAPIKey authorizes search requests. Empty disables web_search.
	TavilyAPIKey string

	// TavilyURL overrides the search endpoint, for tests.
	TavilyURL string

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client

	// MaxContentBytes caps scraped page content fed back to the model.
	MaxContentBytes int
}

func (c *WebConfig) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// webSearchTool queries the Tavily search API.
type webSearchTool struct {
	cfg WebConfig
}

// NewWebSearchTool creates the web_search tool.
func NewWebSearchTool(cfg WebConfig) agent.Tool {
	if cfg.TavilyURL == "" {
		cfg.TavilyURL = defaultTavilyURL
	}
	return &webSearchTool{cfg: cfg}
}

func (t *webSearchTool) Name() string { return "web_search" }

func (t *webSearchTool) Description() string {
	return "Search the web and return result titles, URLs, and snippets. Use scrape_webpage to read a result in full."
}

func (t *webSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"required": ["query"]
	}`)
}

func (t *webSearchTool) Examples() string {
	return `<function_calls>
<invoke name="web_search">
<parameter name="query">golang context cancellation patterns</parameter>
</invoke>
</function_calls>`
}

func (t *webSearchTool) Capabilities() agent.Capabilities { return nil }
func (t *webSearchTool) ParallelSafe() bool               { return true }

type tavilyResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type tavilyResponse struct {
	Answer  string         `json:"answer"`
	Results []tavilyResult `json:"results"`
}

func (t *webSearchTool) Invoke(ctx context.Context, args map[string]any, _ *agent.ToolContext) (*agent.ToolResult, error) {
	if t.cfg.TavilyAPIKey == "" {
		return agent.Failure("web search is not configured (missing API key)"), nil
	}
	query, _ := args["query"].(string)
	maxResults := 5
	if n, ok := args["max_results"].(float64); ok && n > 0 {
		maxResults = int(n)
	}

	body, err := json.Marshal(map[string]any{
		"api_key":     t.cfg.TavilyAPIKey,
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.TavilyURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.cfg.client().Do(req)
	if err != nil {
		return agent.Failure(fmt.Sprintf("search request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return agent.Failure(fmt.Sprintf("search returned %d: %s", resp.StatusCode, data)), nil
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return agent.Failure(fmt.Sprintf("decode search response: %v", err)), nil
	}

	var sb strings.Builder
	if parsed.Answer != "" {
		sb.WriteString(parsed.Answer)
		sb.WriteString("\n\n")
	}
	for i, result := range parsed.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, result.Title, result.URL, result.Content)
	}
	if sb.Len() == 0 {
		return agent.Success("no results"), nil
	}
	return agent.Success(sb.String()), nil
}

// scrapeWebpageTool fetches a URL and extracts its readable content as
// Markdown.
type scrapeWebpageTool struct {
	cfg WebConfig
}

// NewScrapeWebpageTool creates the scrape_webpage tool.
func NewScrapeWebpageTool(cfg WebConfig) agent.Tool {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 64 * 1024
	}
	return &scrapeWebpageTool{cfg: cfg}
}

func (t *scrapeWebpageTool) Name() string { return "scrape_webpage" }

func (t *scrapeWebpageTool) Description() string {
	return "Fetch a web page and return its main content converted to Markdown."
}

func (t *scrapeWebpageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string"}
		},
		"required": ["url"]
	}`)
}

func (t *scrapeWebpageTool) Examples() string {
	return `<function_calls>
<invoke name="scrape_webpage">
<parameter name="url">https://go.dev/blog/context</parameter>
</invoke>
</function_calls>`
}

func (t *scrapeWebpageTool) Capabilities() agent.Capabilities { return nil }
func (t *scrapeWebpageTool) ParallelSafe() bool               { return true }

func (t *scrapeWebpageTool) Invoke(ctx context.Context, args map[string]any, _ *agent.ToolContext) (*agent.ToolResult, error) {
	rawURL, _ := args["url"].(string)
	pageURL, err := url.Parse(rawURL)
	if err != nil || pageURL.Scheme == "" {
		return agent.Failure(fmt.Sprintf("invalid url %q", rawURL)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "loom-agent/1.0")

	resp, err := t.cfg.client().Do(req)
	if err != nil {
		return agent.Failure(fmt.Sprintf("fetch %s: %v", rawURL, err)), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return agent.Failure(fmt.Sprintf("fetch %s: status %d", rawURL, resp.StatusCode)), nil
	}

	html, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return agent.Failure(fmt.Sprintf("read %s: %v", rawURL, err)), nil
	}

	title, content := extractReadable(html, pageURL)
	markdown, err := md.NewConverter("", true, nil).ConvertString(content)
	if err != nil {
		// Fall back to the raw extraction when conversion chokes.
		markdown = content
	}
	if len(markdown) > t.cfg.MaxContentBytes {
		markdown = markdown[:t.cfg.MaxContentBytes] + "\n\n[truncated]"
	}

	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "# %s\n\n", title)
	}
	sb.WriteString(markdown)
	return agent.Success(sb.String()), nil
}

// extractReadable pulls the main article out of a page, falling back to a
// goquery body scrape when readability finds nothing.
func extractReadable(html []byte, pageURL *url.URL) (title, content string) {
	article, err := readability.FromReader(bytes.NewReader(html), pageURL)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		return article.Title, article.Content
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", string(html)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, nav, footer").Remove()
	body, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(body) == "" {
		return title, string(html)
	}
	return title, body
}
