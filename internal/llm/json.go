package llm

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/resilience"
)

// ExtractJSON returns the first JSON object or array embedded in a model
// reply, stripping Markdown code fences and surrounding prose.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			text = strings.TrimSpace(rest[:j])
		}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return ""
	}
	return text[start : end+1]
}

// DecodeJSON extracts and unmarshals a JSON reply into T. An unparseable
// reply is PermanentInput.
func DecodeJSON[T any](op, text string) (T, error) {
	var out T
	raw := ExtractJSON(text)
	if raw == "" {
		return out, resilience.E(resilience.PermanentInput, op, eris.Errorf("no JSON in model reply: %.120q", text))
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, resilience.E(resilience.PermanentInput, op, eris.Wrap(err, "decode model reply"))
	}
	return out, nil
}
