package main

import (
	"fmt"
	"os"
	"time"

	"github.com/avandelay-labs/graphrag-webui/internal/handlers"
	"github.com/avandelay-labs/graphrag-webui/internal/services"
	"gopkg.in/yaml.v3"
)

type titleGenConfig interface {
	titleGen(prompt string) (handlers.TitleGenerator, error)
}

// BaseTitleGenConfig contains the common fields for all title generator
// configurations.
type BaseTitleGenConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type backendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
	UserID string `yaml:"userId"`
}

type config struct {
	Port          string         `yaml:"port"`
	Backend       backendConfig  `yaml:"backend"`
	ResponseMode  string         `yaml:"responseMode"`
	Streaming     *bool          `yaml:"streaming"`
	FlushInterval string         `yaml:"flushInterval"`
	TitlePrompt   string         `yaml:"titlePrompt"`
	TitleGen      titleGenConfig `yaml:"titleGenerator"`
}

type ollamaConfig struct {
	BaseTitleGenConfig `yaml:",inline"`
	Host               string `yaml:"host"`
}

type openaiConfig struct {
	BaseTitleGenConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	BaseURL            string `yaml:"baseUrl"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string         `yaml:"port"`
		Backend       backendConfig  `yaml:"backend"`
		ResponseMode  string         `yaml:"responseMode"`
		Streaming     *bool          `yaml:"streaming"`
		FlushInterval string         `yaml:"flushInterval"`
		TitlePrompt   string         `yaml:"titlePrompt"`
		TitleGen      map[string]any `yaml:"titleGenerator"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.Backend = rawConfig.Backend
	c.ResponseMode = rawConfig.ResponseMode
	c.Streaming = rawConfig.Streaming
	c.FlushInterval = rawConfig.FlushInterval
	c.TitlePrompt = rawConfig.TitlePrompt

	if rawConfig.TitleGen == nil {
		return fmt.Errorf("titleGenerator is required")
	}

	provider, ok := rawConfig.TitleGen["provider"].(string)
	if !ok {
		return fmt.Errorf("titleGenerator provider is required")
	}

	rawYAML, err := yaml.Marshal(rawConfig.TitleGen)
	if err != nil {
		return err
	}

	var tg titleGenConfig
	switch provider {
	case "ollama":
		tg = &ollamaConfig{}
	case "openai":
		tg = &openaiConfig{}
	default:
		return fmt.Errorf("unknown titleGenerator provider: %s", provider)
	}

	if err := yaml.Unmarshal(rawYAML, tg); err != nil {
		return err
	}

	c.TitleGen = tg
	return nil
}

// apiKey resolves the backend bearer token, falling back to the environment.
func (b backendConfig) apiKey() string {
	if b.APIKey != "" {
		return b.APIKey
	}
	return os.Getenv("GRAPHRAG_API_KEY")
}

// userID resolves the backend user identity, falling back to the environment.
func (b backendConfig) userID() string {
	if b.UserID != "" {
		return b.UserID
	}
	return os.Getenv("GRAPHRAG_USER_ID")
}

// flushInterval parses the configured snapshot cadence; zero means default.
func (c config) flushInterval() (time.Duration, error) {
	if c.FlushInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.FlushInterval)
}

// streamingEnabled defaults to true when unset.
func (c config) streamingEnabled() bool {
	if c.Streaming == nil {
		return true
	}
	return *c.Streaming
}

func (o ollamaConfig) titleGen(prompt string) (handlers.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, prompt), nil
}

func (o openaiConfig) titleGen(prompt string) (handlers.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, prompt), nil
}
