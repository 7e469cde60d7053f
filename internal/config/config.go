package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir      string
	DBPath       string
	HTTPAddr     string
	UserChainDir string

	// ProjectChainDir is searched after the user dir, so a repo can carry
	// its own chain definitions.
	ProjectChainDir string

	ApprovalTimeout time.Duration
	ApprovalPoll    time.Duration
	StreamPoll      time.Duration

	// RetentionGrace is how long terminal runs keep their in-memory event
	// log and thread binding before eviction.
	RetentionGrace time.Duration

	OpenAIKey   string
	OpenAIModel string

	LogFile string
}

// fileConfig is the shape of ~/.forge/config.yaml. Durations are strings
// in time.ParseDuration syntax ("500ms", "30m").
type fileConfig struct {
	DBPath          string `yaml:"db_path"`
	HTTPAddr        string `yaml:"http_addr"`
	ApprovalTimeout string `yaml:"approval_timeout"`
	ApprovalPoll    string `yaml:"approval_poll"`
	StreamPoll      string `yaml:"stream_poll"`
	RetentionGrace  string `yaml:"retention_grace"`
	OpenAIKey       string `yaml:"openai_key"`
	OpenAIModel     string `yaml:"openai_model"`
	LogFile         string `yaml:"log_file"`
}

// New builds the configuration from defaults, the optional
// ~/.forge/config.yaml, and environment overrides, in that order.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("FORGE_DATA_DIR", filepath.Join(homeDir, ".forge"))

	c := &Config{
		DataDir:         dataDir,
		HTTPAddr:        ":8080",
		ApprovalTimeout: 30 * time.Minute,
		ApprovalPoll:    500 * time.Millisecond,
		StreamPoll:      50 * time.Millisecond,
		RetentionGrace:  5 * time.Minute,
		OpenAIModel:     "gpt-4o",
	}

	if err := c.loadFile(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}

	c.HTTPAddr = getEnv("FORGE_HTTP_ADDR", c.HTTPAddr)
	c.OpenAIKey = getEnv("FORGE_OPENAI_API_KEY", c.OpenAIKey)
	c.OpenAIModel = getEnv("FORGE_OPENAI_MODEL", c.OpenAIModel)

	if c.DBPath == "" {
		c.DBPath = filepath.Join(dataDir, "forge.db")
	}
	c.UserChainDir = filepath.Join(dataDir, "chains")
	c.ProjectChainDir = ".forge/chains"

	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if f.DBPath != "" {
		c.DBPath = f.DBPath
	}
	if f.HTTPAddr != "" {
		c.HTTPAddr = f.HTTPAddr
	}
	if f.OpenAIKey != "" {
		c.OpenAIKey = f.OpenAIKey
	}
	if f.OpenAIModel != "" {
		c.OpenAIModel = f.OpenAIModel
	}
	if f.LogFile != "" {
		c.LogFile = f.LogFile
	}

	for _, d := range []struct {
		raw  string
		dest *time.Duration
	}{
		{f.ApprovalTimeout, &c.ApprovalTimeout},
		{f.ApprovalPoll, &c.ApprovalPoll},
		{f.StreamPoll, &c.StreamPoll},
		{f.RetentionGrace, &c.RetentionGrace},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q in %s: %w", d.raw, path, err)
		}
		*d.dest = parsed
	}

	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserChainDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ArtifactsDir(), 0755)
}

func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

func (c *Config) ChainDirs() []string {
	return []string{c.UserChainDir, c.ProjectChainDir}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
