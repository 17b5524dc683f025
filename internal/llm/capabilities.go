package llm

import "strings"

// SupportsToolCalling reports whether a model supports tool calling,
// using a blacklist approach: most modern models support it, so only
// known unsupported ones are excluded.
func SupportsToolCalling(modelName string) bool {
	lower := strings.ToLower(modelName)

	// Strip provider prefixes (e.g., "Pro/deepseek-ai/DeepSeek-V3")
	parts := strings.Split(lower, "/")
	baseName := parts[len(parts)-1]

	// Blacklist: models known NOT to support tool calling.
	// Uses exact match to avoid blocking future variants (e.g. "o1-mini-turbo").
	noToolModels := map[string]bool{
		"o1-mini":    true,
		"o1-preview": true,
	}

	return !noToolModels[baseName]
}
