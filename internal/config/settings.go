// Package config loads runtime settings from the environment, an optional
// YAML settings file, and built-in defaults, in that precedence order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in llm_provider.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Defaults applied when neither the environment nor the settings file
// supplies a value.
const (
	DefaultOllamaAPIURL = "http://localhost:11434/api"
	DefaultOpenAIAPIURL = "https://api.openai.com/v1"
	DefaultOllamaModel  = "mistral-small3.1"
	DefaultOpenAIModel  = "gpt-4o-mini"

	DefaultMaxToolCallIteration = 5
	DefaultMaxWorkingTime       = 30 * time.Second
)

// Settings holds every recognized runtime option.
type Settings struct {
	OllamaAPIURL string `yaml:"ollama_api_url"`
	OpenAIAPIURL string `yaml:"openai_api_url"`
	OllamaModel  string `yaml:"ollama_model"`
	OpenAIModel  string `yaml:"openai_model"`
	OpenAIAPIKey string `yaml:"openai_api_key"`
	LLMProvider  string `yaml:"llm_provider"`

	HatchEnvsDir string `yaml:"hatch_envs_dir"`

	MaxToolCallIteration int           `yaml:"max_tool_call_iteration"`
	MaxWorkingTime       time.Duration `yaml:"-"`
	MaxWorkingTimeSecs   int           `yaml:"max_working_time"`

	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`
}

// Model returns the model identifier for the active provider.
func (s *Settings) Model() string {
	if s.LLMProvider == ProviderOpenAI {
		return s.OpenAIModel
	}
	return s.OllamaModel
}

// APIURL returns the base URL for the active provider.
func (s *Settings) APIURL() string {
	if s.LLMProvider == ProviderOpenAI {
		return s.OpenAIAPIURL
	}
	return s.OllamaAPIURL
}

// Load assembles Settings: defaults, then the first settings file found,
// then environment variables. The returned value is ready to use; an error
// means a malformed settings file or an invalid numeric option.
func Load() (*Settings, error) {
	s := &Settings{
		OllamaAPIURL:         DefaultOllamaAPIURL,
		OpenAIAPIURL:         DefaultOpenAIAPIURL,
		OllamaModel:          DefaultOllamaModel,
		OpenAIModel:          DefaultOpenAIModel,
		LLMProvider:          ProviderOllama,
		MaxToolCallIteration: DefaultMaxToolCallIteration,
		MaxWorkingTime:       DefaultMaxWorkingTime,
		LogLevel:             "info",
	}
	if home, err := os.UserHomeDir(); err == nil {
		s.HatchEnvsDir = filepath.Join(home, ".hatch", "envs")
	}

	if path := findSettingsFile(); path != "" {
		if err := s.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := s.applyEnv(); err != nil {
		return nil, err
	}

	if s.LLMProvider != ProviderOllama && s.LLMProvider != ProviderOpenAI {
		return nil, fmt.Errorf("config: unknown llm_provider %q", s.LLMProvider)
	}
	return s, nil
}

// findSettingsFile probes $HATCHLING_CONFIG, ./hatchling.yaml, then
// ~/.hatch/hatchling.yaml.
func findSettingsFile() string {
	if p := os.Getenv("HATCHLING_CONFIG"); p != "" {
		return p
	}
	candidates := []string{"hatchling.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".hatch", "hatchling.yaml"))
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

func (s *Settings) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read settings file %q: %w", path, err)
	}
	// Decode over the defaults; absent keys keep their current values.
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("config: parse settings file %q: %w", path, err)
	}
	if s.MaxWorkingTimeSecs > 0 {
		s.MaxWorkingTime = time.Duration(s.MaxWorkingTimeSecs) * time.Second
	}
	return nil
}

func (s *Settings) applyEnv() error {
	setStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setStr(&s.OllamaAPIURL, "OLLAMA_API_URL", "OLLAMA_HOST_API")
	setStr(&s.OpenAIAPIURL, "OPENAI_API_URL")
	setStr(&s.OllamaModel, "OLLAMA_MODEL", "DEFAULT_MODEL")
	setStr(&s.OpenAIModel, "OPENAI_MODEL")
	setStr(&s.OpenAIAPIKey, "OPENAI_API_KEY")
	setStr(&s.LLMProvider, "LLM_PROVIDER")
	setStr(&s.HatchEnvsDir, "HATCH_ENVS_DIR")
	setStr(&s.LogLevel, "LOG_LEVEL")
	setStr(&s.LogDir, "LOG_DIR")

	if v := os.Getenv("MAX_TOOL_CALL_ITERATION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("config: invalid MAX_TOOL_CALL_ITERATION %q", v)
		}
		s.MaxToolCallIteration = n
	}
	if v := os.Getenv("MAX_WORKING_TIME"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("config: invalid MAX_WORKING_TIME %q", v)
		}
		s.MaxWorkingTime = time.Duration(secs * float64(time.Second))
	}
	return nil
}
