package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/assistant"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/logging"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (assistant.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string         `yaml:"port"`
	SystemPrompt string         `yaml:"systemPrompt"`
	PingInterval time.Duration  `yaml:"pingInterval"`
	LLM          llmConfig      `yaml:"llm"`
	Store        storeConfig    `yaml:"store"`
	Log          logging.Config `yaml:"log"`
}

type storeConfig struct {
	// Type is memory or bolt. Empty means memory.
	Type string `yaml:"type"`
	// Path of the bolt database. Empty means store.db in the config directory.
	Path string `yaml:"path"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const (
	defaultPort = "8000"

	configDirName  = "sentimara"
	configFileName = "assistant.yaml"
	storeFileName  = "store.db"

	defaultSystemPrompt = "You are Sentimara, a helpful assistant. Answer clearly and concisely."
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		SystemPrompt string         `yaml:"systemPrompt"`
		PingInterval time.Duration  `yaml:"pingInterval"`
		LLM          map[string]any `yaml:"llm"`
		Store        storeConfig    `yaml:"store"`
		Log          logging.Config `yaml:"log"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.PingInterval = rawConfig.PingInterval
	c.Store = rawConfig.Store
	c.Log = rawConfig.Log

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// loadConfig reads the configuration file at path, or assistant.yaml in the user config directory when
// path is empty. Unlike the UI server, the assistant needs an LLM provider, so the file is required.
func loadConfig(path string) (config, string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return config{}, "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dataDir := filepath.Join(cfgDir, configDirName)
	if path == "" {
		path = filepath.Join(dataDir, configFileName)
	}

	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, "", fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return config{}, "", fmt.Errorf("config file %s is empty", path)
		}
		return config{}, "", fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = os.Getenv("PORT")
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = assistant.DefaultPingInterval
	}

	return cfg, dataDir, nil
}

func (s storeConfig) store(dataDir string) (assistant.Store, io.Closer, error) {
	switch s.Type {
	case "", "memory":
		return services.NewMemory(), nopCloser{}, nil
	case "bolt":
		path := s.Path
		if path == "" {
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return nil, nil, fmt.Errorf("error creating data directory: %w", err)
			}
			path = filepath.Join(dataDir, storeFileName)
		}
		db, err := services.NewBoltDB(path)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type: %s", s.Type)
	}
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (assistant.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters)
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (assistant.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, _ *slog.Logger) (assistant.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, systemPrompt, a.MaxTokens), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
