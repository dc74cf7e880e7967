package hookgate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// FormatMessage renders a decoded payload for delivery. The json format
// pretty-prints with two-space indentation and, unless allowUnicode is set,
// escapes non-ASCII characters. The yaml format is rendered with yaml.v3,
// which quotes as needed and always emits UTF-8.
func FormatMessage(format string, allowUnicode bool, data any) (string, error) {
	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(data); err != nil {
			return "", fmt.Errorf("failed to encode payload as JSON: %w", err)
		}
		out := strings.TrimRight(buf.String(), "\n")
		if !allowUnicode {
			out = escapeNonASCII(out)
		}
		return out, nil

	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return "", fmt.Errorf("failed to encode payload as YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return "", fmt.Errorf("failed to finish YAML encoding: %w", err)
		}
		return strings.TrimRight(buf.String(), "\n"), nil

	default:
		return "", fmt.Errorf("unknown message format %q", format)
	}
}

// ExtractMessageText pulls the "message" value out of a JSON payload, the
// shape many webhook producers use. Returns ok=false when the payload has no
// "message" key.
//
// A string value is used as-is. A list value is flattened by joining the
// string `content` fields of its items (or the `text` fields of segment
// objects inside a list-valued content) with newlines. Anything else is
// re-encoded as indented JSON.
func ExtractMessageText(payload map[string]any, allowUnicode bool) (string, bool) {
	value, ok := payload["message"]
	if !ok {
		return "", false
	}

	switch v := value.(type) {
	case string:
		return v, true

	case []any:
		var parts []string
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch content := obj["content"].(type) {
			case string:
				parts = append(parts, content)
			case []any:
				for _, seg := range content {
					if segObj, ok := seg.(map[string]any); ok {
						if text, ok := segObj["text"].(string); ok {
							parts = append(parts, text)
						}
					}
				}
			}
		}
		if len(parts) > 0 {
			var kept []string
			for _, p := range parts {
				if p != "" {
					kept = append(kept, p)
				}
			}
			return strings.TrimSpace(strings.Join(kept, "\n")), true
		}
		// No recognizable content fields: forward the whole list as JSON.
		return encodeExtracted(v, allowUnicode), true

	default:
		return encodeExtracted(v, allowUnicode), true
	}
}

func encodeExtracted(value any, allowUnicode bool) string {
	out, err := FormatMessage(FormatJSON, allowUnicode, value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return out
}

// escapeNonASCII replaces every rune above 0x7f with its \uXXXX escape,
// mirroring ensure_ascii JSON output. Runes outside the BMP become surrogate
// pairs, as JSON requires.
func escapeNonASCII(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < 0x80:
			b.WriteRune(r)
		case r <= 0xffff:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			r -= 0x10000
			fmt.Fprintf(&b, `\u%04x\u%04x`, 0xd800+(r>>10), 0xdc00+(r&0x3ff))
		}
	}
	return b.String()
}
