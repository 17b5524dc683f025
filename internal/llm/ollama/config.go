package ollama

import "fmt"

// Config holds the Ollama connection settings.
type Config struct {
	BaseURL string // API base URL (default: http://localhost:11434/api)
	Model   string // Model name, e.g. mistral-small3.1
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("ollama: base URL cannot be empty")
	}
	if c.Model == "" {
		return fmt.Errorf("ollama: model cannot be empty")
	}
	return nil
}
