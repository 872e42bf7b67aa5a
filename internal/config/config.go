package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models sushibar.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret      string `yaml:"jwt_secret"`
		SessionMinutes int    `yaml:"session_minutes"`
	} `yaml:"auth"`
	Studio struct {
		DefaultServer  string `yaml:"default_server"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"studio"`
	Redis struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`
	Trees struct {
		Dir string `yaml:"dir"`
	} `yaml:"trees"`
}

// Load reads and validates config from the workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sushibar init or write one from the default template", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Studio.DefaultServer == "" {
		return fmt.Errorf("config.studio.default_server is required")
	}
	if u, err := url.Parse(c.Studio.DefaultServer); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.studio.default_server must be an absolute URL")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required")
	}
	if c.Auth.SessionMinutes < 0 {
		return fmt.Errorf("config.auth.session_minutes must be >= 0")
	}
	if c.Studio.TimeoutSeconds < 0 {
		return fmt.Errorf("config.studio.timeout_seconds must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sushibar.yml")
}

// TreesDir returns the tree cache root, defaulting under the workspace.
func (c *Config) TreesDir(workspace string) string {
	if c.Trees.Dir != "" {
		return c.Trees.Dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".sushibar", "trees")
}

// Default returns the default Config struct for a studio server.
func Default(studioServer string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(studioServer)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(studioServer string) string {
	return fmt.Sprintf(defaultTemplate, studioServer)
}

const defaultTemplate = `server:
  addr: ":8000"
  base_path: /api

auth:
  jwt_secret: change-me
  session_minutes: 720

studio:
  default_server: %s
  timeout_seconds: 30

redis:
  addr: "localhost:6379"
  db: 0

trees:
  dir: ""
`
