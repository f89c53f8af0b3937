package tools

import "github.com/loomworks/loom/internal/agent"

// All returns the built-in tool set in registration order.
func All(web WebConfig) []agent.Tool {
	return []agent.Tool{
		NewAskTool(),
		NewCompleteTool(),
		NewBrowserTakeoverTool(),
		NewExecuteCommandTool(),
		NewCreateFileTool(),
		NewReadFileTool(),
		NewStrReplaceTool(),
		NewDeleteFileTool(),
		NewWebSearchTool(web),
		NewScrapeWebpageTool(web),
		NewCreateWebProjectTool(),
		NewCreatePresentationTool(),
	}
}

// Register adds the built-in tools to a registry.
func Register(registry *agent.Registry, web WebConfig) error {
	for _, tool := range All(web) {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
