package agent

import (
	"encoding/json"
	"testing"
)

func TestXMLParserFinalizesOnCloseTag(t *testing.T) {
	p := NewXMLParser()

	if calls := p.Feed(`<function_calls><invoke name="execute_command">`); len(calls) != 0 {
		t.Fatalf("calls before close tag = %v, want none", calls)
	}
	if calls := p.Feed(`<parameter name="command">ls /workspace</parameter>`); len(calls) != 0 {
		t.Fatalf("calls before close tag = %v, want none", calls)
	}

	calls := p.Feed(`</invoke></function_calls>`)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "execute_command" {
		t.Errorf("name = %q, want execute_command", calls[0].Name)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args["command"] != "ls /workspace" {
		t.Errorf("command = %q, want ls /workspace", args["command"])
	}

	if extra := p.Finish(); len(extra) != 0 {
		t.Errorf("Finish returned %v after the block was already emitted", extra)
	}
}

func TestXMLParserSplitAcrossDeltas(t *testing.T) {
	p := NewXMLParser()
	text := `<function_calls><invoke name="read_file"><parameter name="path">/a/b.txt</parameter></invoke></function_calls>`

	var calls []string
	for i := 0; i < len(text); i += 7 {
		end := i + 7
		if end > len(text) {
			end = len(text)
		}
		for _, call := range p.Feed(text[i:end]) {
			calls = append(calls, call.Name)
		}
	}
	if len(calls) != 1 || calls[0] != "read_file" {
		t.Fatalf("calls = %v, want [read_file]", calls)
	}
}

func TestXMLParserJSONStringParameter(t *testing.T) {
	p := NewXMLParser()
	text := `<function_calls><invoke name="create_tasks"><parameter name="sections">[{"title":"Plan","tasks":["a","b"]}]</parameter></invoke></function_calls>`

	calls := p.Feed(text)
	if len(calls) != 1 || calls[0].Name != "create_tasks" {
		t.Fatalf("calls = %v, want one create_tasks call", calls)
	}

	// The parser keeps parameter values as strings; schema coercion turns
	// the JSON string into structured sections at dispatch.
	var args map[string]string
	if err := json.Unmarshal(calls[0].Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	var sections []map[string]any
	if err := json.Unmarshal([]byte(args["sections"]), &sections); err != nil {
		t.Fatalf("sections parameter is not JSON: %v", err)
	}
	if len(sections) != 1 || sections[0]["title"] != "Plan" {
		t.Errorf("sections = %v, want one Plan section", sections)
	}
}

func TestXMLParserMultipleInvokes(t *testing.T) {
	p := NewXMLParser()
	text := `<function_calls>` +
		`<invoke name="first_tool"><parameter name="x">1</parameter></invoke>` +
		`<invoke name="second_tool"><parameter name="y">2</parameter></invoke>` +
		`</function_calls>`

	calls := p.Feed(text)
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "first_tool" || calls[1].Name != "second_tool" {
		t.Errorf("call order = [%s %s], want textual order", calls[0].Name, calls[1].Name)
	}
	if calls[0].ID == calls[1].ID || calls[0].ID == "" {
		t.Errorf("call ids must be unique and non-empty: %q %q", calls[0].ID, calls[1].ID)
	}
}

func TestXMLParserIgnoresPlainText(t *testing.T) {
	p := NewXMLParser()
	if calls := p.Feed("I will now list the files for you."); len(calls) != 0 {
		t.Fatalf("plain text produced calls: %v", calls)
	}
	if calls := p.Finish(); len(calls) != 0 {
		t.Fatalf("Finish on plain text produced calls: %v", calls)
	}
}

func TestXMLParserTrimsParameterWhitespace(t *testing.T) {
	p := NewXMLParser()
	text := "<invoke name=\"echo\"><parameter name=\"text\">\n  hello\n</parameter></invoke>"
	calls := p.Feed(text)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args["text"] != "hello" {
		t.Errorf("text = %q, want trimmed %q", args["text"], "hello")
	}
}
