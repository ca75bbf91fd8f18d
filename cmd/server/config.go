package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/logging"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port                string                    `yaml:"port"`
	ConversationService conversationServiceConfig `yaml:"conversationService"`
	Page                pageConfig                `yaml:"page"`
	Log                 logging.Config            `yaml:"log"`
}

type conversationServiceConfig struct {
	BaseURL     string   `yaml:"baseURL"`
	DocumentIDs []string `yaml:"documentIDs"`
	Temperature *float64 `yaml:"temperature"`
}

type pageConfig struct {
	SessionTimeout  time.Duration `yaml:"sessionTimeout"`
	TTL             time.Duration `yaml:"ttl"`
	JanitorInterval time.Duration `yaml:"janitorInterval"`
}

const (
	defaultPort            = "8080"
	defaultServiceURL      = "http://localhost:8000"
	defaultJanitorInterval = time.Minute

	configDirName  = "sentimara"
	configFileName = "config.yaml"
)

// loadConfig reads the configuration file at path. An empty path selects config.yaml in the user config
// directory, which may be absent; then the defaults apply. Unset values are filled from the environment
// and then from the defaults.
func loadConfig(path string) (config, error) {
	explicit := path != ""
	if !explicit {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, configDirName, configFileName)
	}

	cfg := config{}
	cfgFile, err := os.Open(path)
	switch {
	case err == nil:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *config) applyEnv() {
	if c.ConversationService.BaseURL == "" {
		c.ConversationService.BaseURL = os.Getenv("SENTIMARA_SERVICE_URL")
	}
	if c.Port == "" {
		c.Port = os.Getenv("PORT")
	}
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.ConversationService.BaseURL == "" {
		c.ConversationService.BaseURL = defaultServiceURL
	}
	if c.ConversationService.DocumentIDs == nil {
		c.ConversationService.DocumentIDs = []string{}
	}
	if c.ConversationService.Temperature == nil {
		t := services.DefaultTemperature
		c.ConversationService.Temperature = &t
	}
	if c.Page.JanitorInterval <= 0 {
		c.Page.JanitorInterval = defaultJanitorInterval
	}
}
