// Package masking redacts sensitive values before they land in audit
// metadata. Claims and PII are logged masked, never in the clear.
package masking

import "strings"

const maskToken = "****"

// MaskValue redacts a sensitive string while keeping a short suffix so an
// auditor can correlate entries.
func MaskValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskMap returns a copy of input with every string value masked. Nested
// maps and slices are masked recursively.
func MaskMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskAny(value)
	}
	if len(masked) == 0 {
		return nil
	}
	return masked
}

func maskAny(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskValue(cast)
	case map[string]any:
		return MaskMap(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskAny(item))
		}
		return out
	default:
		return value
	}
}
