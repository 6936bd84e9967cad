package llm

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	envKeyToken        = "OPENAI_API_TOKEN"
	envKeyProxyAddress = "OPENAI_PROXY_ADDRESS"
	envKeyProxyPort    = "OPENAI_PROXY_PORT"
)

// ProxyConfig is the optional HTTP proxy the upstream connection is tunneled through.
type ProxyConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Enabled reports whether both an address and a port are configured.
func (p ProxyConfig) Enabled() bool {
	return len(p.Address) > 0 && p.Port != 0
}

// Config holds the plugin settings. The adapter only reads it.
type Config struct {
	// Token is the OpenAI API key sent as a bearer token
	Token string `yaml:"token"`
	// Model is used by the insertion and completion modes
	Model string `yaml:"model"`
	// EditModel is used by the edition mode
	EditModel string `yaml:"edit_model"`
	// ChatModel is used by the chat_completion mode
	ChatModel string `yaml:"chat_model"`

	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
	TopP             float64 `yaml:"top_p"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty"`

	Proxy ProxyConfig `yaml:"proxy"`

	// Placeholder marks the insertion point inside the selected text
	Placeholder string `yaml:"placeholder"`
	// AssistantRole is the system message that opens every chat request
	AssistantRole string `yaml:"assistant_role"`
	// MinimumSelectionLength guards the non-chat modes against empty selections
	MinimumSelectionLength int `yaml:"minimum_selection_length"`
	// Markdown toggles markdown rendering of the chat output
	Markdown bool `yaml:"markdown"`
}

// DefaultConfig returns the settings shipped with the plugin.
func DefaultConfig() Config {
	return Config{
		Model:                  "gpt-3.5-turbo-instruct",
		EditModel:              "text-davinci-edit-001",
		ChatModel:              "gpt-3.5-turbo",
		Temperature:            0.7,
		MaxTokens:              256,
		TopP:                   1,
		FrequencyPenalty:       0,
		PresencePenalty:        0,
		Placeholder:            "[insert]",
		AssistantRole:          "You are a senior code assistant",
		MinimumSelectionLength: 20,
		Markdown:               true,
	}
}

// LoadConfig reads the settings file at path on top of DefaultConfig and then
// applies environment overrides. A missing file is not an error.
// JSON settings files are accepted since YAML is a superset of JSON.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("llm.LoadConfig: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("llm.LoadConfig: parse %q: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envKeyToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(envKeyProxyAddress); v != "" {
		c.Proxy.Address = v
	}
	if v := os.Getenv(envKeyProxyPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("llm.LoadConfig: %s: %w", envKeyProxyPort, err)
		}
		c.Proxy.Port = port
	}
	return nil
}

// Get returns the setting stored under the settings-file key, or nil when the
// key is unknown.
func (c Config) Get(key string) any {
	switch key {
	case "token":
		return c.Token
	case "model":
		return c.Model
	case "edit_model":
		return c.EditModel
	case "chat_model":
		return c.ChatModel
	case "temperature":
		return c.Temperature
	case "max_tokens":
		return c.MaxTokens
	case "top_p":
		return c.TopP
	case "frequency_penalty":
		return c.FrequencyPenalty
	case "presence_penalty":
		return c.PresencePenalty
	case "proxy":
		return c.Proxy
	case "placeholder":
		return c.Placeholder
	case "assistant_role":
		return c.AssistantRole
	case "minimum_selection_length":
		return c.MinimumSelectionLength
	case "markdown":
		return c.Markdown
	}
	return nil
}
