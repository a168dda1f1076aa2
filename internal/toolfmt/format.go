package toolfmt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Sentinels delimit tool blocks inside assistant content. Clients split on
// them to render tool traffic separately from prose.
const (
	ToolStart         = "<!-- TOOL_START -->"
	ToolEnd           = "<!-- TOOL_END -->"
	ToolResponseStart = "<!-- TOOL_RESPONSE_START -->"
	ToolResponseEnd   = "<!-- TOOL_RESPONSE_END -->"
)

// UnknownToolName is used when a tool call fragment has no function name.
const UnknownToolName = "unknown_tool"

const noArguments = "Arguments: (none)"

// FormatToolCall renders the block announcing a tool invocation.
func FormatToolCall(name, arguments string) string {
	return fmt.Sprintf("\n\n%s\n🔧 Using tool: %s\n\nTool: %s\n%s\n%s\n",
		ToolStart, name, name, renderArguments(arguments), ToolEnd)
}

func renderArguments(arguments string) string {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" || trimmed == "{}" {
		return noArguments
	}
	v, err := decodeOrderedJSON(arguments)
	if err != nil {
		return "Arguments: " + arguments
	}
	if isEmptyValue(v) {
		return noArguments
	}
	body, err := indentJSON(v)
	if err != nil {
		return "Arguments: " + arguments
	}
	return "Arguments:\n" + body
}

// isEmptyValue reports whether v is falsy: null, false, zero, "" or an empty
// container.
func isEmptyValue(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case bool:
		return !typed
	case string:
		return typed == ""
	case json.Number:
		f, err := typed.Float64()
		return err == nil && f == 0
	case []any:
		return len(typed) == 0
	case *Object:
		return typed.Len() == 0
	}
	return false
}

// FormatToolResponse renders the block for one tool response. Structured
// payloads are pretty-printed as JSON; anything else is embedded as written.
func FormatToolResponse(raw string) string {
	return formatPayload(Normalize(raw))
}

// FormatToolResponseWith is FormatToolResponse reporting the decoding
// strategy to rec.
func FormatToolResponseWith(raw string, rec Recorder) string {
	return formatPayload(NormalizeWith(raw, rec))
}

func formatPayload(p Payload) string {
	body := p.Raw
	if p.Structured() {
		if rendered, err := indentJSON(p.Value); err == nil {
			body = rendered
		}
	}
	return fmt.Sprintf("\n\n%s\n🔧 Tool response:\n\n%s\n%s\n", ToolResponseStart, body, ToolResponseEnd)
}

// ToolCallParts pulls the function name and argument text out of an
// OpenAI-style tool call fragment. Arguments are normally a JSON-encoded
// string, but some endpoints inline the object; both come back as text.
func ToolCallParts(raw json.RawMessage) (name, arguments string) {
	name = gjson.GetBytes(raw, "function.name").String()
	if name == "" {
		name = UnknownToolName
	}
	args := gjson.GetBytes(raw, "function.arguments")
	switch {
	case !args.Exists():
		arguments = "{}"
	case args.Type == gjson.String:
		arguments = args.String()
	default:
		arguments = args.Raw
	}
	return name, arguments
}

// FormatToolCallFragment formats a raw tool call fragment.
func FormatToolCallFragment(raw json.RawMessage) string {
	return FormatToolCall(ToolCallParts(raw))
}

// StripToolSegments removes every sentinel-delimited tool block from content,
// leaving the prose with blank-line runs collapsed. An unterminated block runs
// to the end of the content.
func StripToolSegments(content string) string {
	content = stripBetween(content, ToolResponseStart, ToolResponseEnd)
	content = stripBetween(content, ToolStart, ToolEnd)
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(content)
}

func stripBetween(content, start, end string) string {
	var sb strings.Builder
	for {
		i := strings.Index(content, start)
		if i < 0 {
			sb.WriteString(content)
			return sb.String()
		}
		sb.WriteString(content[:i])
		rest := content[i+len(start):]
		j := strings.Index(rest, end)
		if j < 0 {
			return sb.String()
		}
		content = rest[j+len(end):]
	}
}
