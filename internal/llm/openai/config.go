package openai

import "fmt"

// DefaultMaxRetries is the stream creation retry budget callers
// normally pass.
const DefaultMaxRetries = 1

// Config holds the OpenAI connection settings.
type Config struct {
	APIKey     string // API key for authentication
	BaseURL    string // Base URL (default: https://api.openai.com/v1)
	Model      string // Model name, e.g. gpt-4o-mini
	MaxRetries int    // Stream creation retries on transient errors, 0 = none
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("openai: API key is required, set OPENAI_API_KEY in .env or the environment")
	}
	if c.Model == "" {
		return fmt.Errorf("openai: model cannot be empty")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("openai: max retries cannot be negative, got %d", c.MaxRetries)
	}
	return nil
}
