package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseArguments decodes a JSON object, repairing common model mistakes such
// as trailing commas, single quotes or a missing closing brace.
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return orEmpty(args), nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return orEmpty(args), nil
}

// ParseActionInput reads free-text tool input. JSON objects are decoded,
// anything else becomes {"input": raw}.
func ParseActionInput(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if fenced := strings.Trim(trimmed, "`"); fenced != trimmed {
		trimmed = strings.TrimSpace(strings.TrimPrefix(fenced, "json"))
	}
	if strings.HasPrefix(trimmed, "{") {
		if args, err := ParseArguments(trimmed); err == nil {
			return args
		}
	}
	return map[string]any{"input": unquote(strings.TrimSpace(raw))}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func orEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// StringArg returns args[key] as a string. Non-string values are JSON encoded.
func StringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
