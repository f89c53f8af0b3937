package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

// XMLParser incrementally extracts tool calls from assistant text in XML
// tool-call style:
//
//	<function_calls>
//	  <invoke name="tool_name">
//	    <parameter name="key">value</parameter>
//	  </invoke>
//	</function_calls>
//
// Feed the parser each streamed delta; an invoke block is finalized and
// returned exactly once, as soon as its closing tag has been seen. Parameter
// values stay strings here; schema-driven coercion happens at dispatch.
type XMLParser struct {
	buf strings.Builder
	pos int
}

var (
	invokeOpenRe = regexp.MustCompile(`<invoke\s+name="([^"]+)"\s*>`)
	parameterRe  = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
)

const invokeClose = "</invoke>"

// NewXMLParser creates an empty parser.
func NewXMLParser() *XMLParser {
	return &XMLParser{}
}

// Feed appends a streamed text delta and returns any tool calls whose
// invoke blocks completed with this delta, in textual order.
func (p *XMLParser) Feed(delta string) []models.ToolCall {
	p.buf.WriteString(delta)
	return p.drain()
}

// Finish returns tool calls completed by any remaining buffered text. Call
// once after the stream ends.
func (p *XMLParser) Finish() []models.ToolCall {
	return p.drain()
}

func (p *XMLParser) drain() []models.ToolCall {
	var calls []models.ToolCall
	text := p.buf.String()

	for {
		rest := text[p.pos:]
		open := invokeOpenRe.FindStringSubmatchIndex(rest)
		if open == nil {
			return calls
		}
		closeIdx := strings.Index(rest[open[1]:], invokeClose)
		if closeIdx < 0 {
			// Close tag not streamed yet; leave the block buffered.
			return calls
		}

		name := rest[open[2]:open[3]]
		body := rest[open[1] : open[1]+closeIdx]
		calls = append(calls, models.ToolCall{
			ID:   "call_" + uuid.NewString(),
			Name: name,
			Args: parseParameters(body),
		})
		p.pos += open[1] + closeIdx + len(invokeClose)
	}
}

// parseParameters turns the invoke body's parameter tags into a JSON object
// of string values.
func parseParameters(body string) json.RawMessage {
	args := map[string]string{}
	for _, match := range parameterRe.FindAllStringSubmatch(body, -1) {
		args[match[1]] = strings.TrimSpace(match[2])
	}
	data, _ := json.Marshal(args)
	return data
}

// XMLExamplesSection renders the prompt section carrying tool usage
// examples for XML tool-call mode.
func XMLExamplesSection(tools []Tool) string {
	var sb strings.Builder
	sb.WriteString("\n\nYou can invoke tools by emitting blocks of the form:\n")
	sb.WriteString("<function_calls>\n<invoke name=\"tool_name\">\n<parameter name=\"param\">value</parameter>\n</invoke>\n</function_calls>\n")
	sb.WriteString("\nAvailable tools:\n")
	for _, tool := range tools {
		sb.WriteString("\n## ")
		sb.WriteString(tool.Name())
		sb.WriteString("\n")
		sb.WriteString(tool.Description())
		sb.WriteString("\n")
		if examples := tool.Examples(); examples != "" {
			sb.WriteString(examples)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
