package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"loopline/internal/domain"
)

// streamEvent mirrors the NDJSON envelope the agent CLI emits with
// --output-format stream-json. Fields we do not consume stay unmapped.
type streamEvent struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseLine classifies one line of agent output into a log entry kind and
// display payload. ok=false means the line carries nothing worth logging.
// Lines that are not JSON at all are passed through as raw output.
func ParseLine(line string) (kind, payload string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", "", false
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return domain.LogRawOutput, clip(trimmed, 300), true
	}

	switch ev.Type {
	case "assistant":
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "tool_use":
				return domain.LogAgentAction, describeTool(block), true
			case "text":
				if text := strings.TrimSpace(block.Text); text != "" {
					return domain.LogRawOutput, clip(text, 300), true
				}
			}
		}
		return "", "", false
	case "result":
		if text := strings.TrimSpace(ev.Result); text != "" {
			return domain.LogAgentAction, "[result] " + clip(text, 300), true
		}
		return "", "", false
	default:
		// system/init, user tool_result echoes, rate limit noise
		return "", "", false
	}
}

func describeTool(block contentBlock) string {
	var input map[string]any
	_ = json.Unmarshal(block.Input, &input)
	target := ""
	for _, key := range []string{"file_path", "pattern", "command"} {
		if v, ok := input[key].(string); ok && v != "" {
			target = v
			break
		}
	}
	if target == "" {
		return fmt.Sprintf("[%s]", block.Name)
	}
	return fmt.Sprintf("[%s] %s", block.Name, clip(target, 120))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
