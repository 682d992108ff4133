package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FeedPoll  = "poll"
	FeedRedis = "redis"
)

// Config models board.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"project" json:"project"`
	Members []MemberConfig `yaml:"members" json:"members"`
	Feed    FeedConfig     `yaml:"feed" json:"feed"`
	Server  ServerConfig   `yaml:"server" json:"server"`
}

type MemberConfig struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Email     string `yaml:"email,omitempty" json:"email,omitempty"`
	AvatarURL string `yaml:"avatar_url,omitempty" json:"avatar_url,omitempty"`
	Role      string `yaml:"role" json:"role"`
}

type FeedConfig struct {
	Backend        string `yaml:"backend" json:"backend"`
	RedisURL       string `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
	ChannelPrefix  string `yaml:"channel_prefix,omitempty" json:"channel_prefix,omitempty"`
	PollIntervalMS int    `yaml:"poll_interval_ms,omitempty" json:"poll_interval_ms,omitempty"`
	Batch          int    `yaml:"batch,omitempty" json:"batch,omitempty"`
}

// PollInterval converts the configured milliseconds; zero means default.
func (f FeedConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMS) * time.Millisecond
}

type ServerConfig struct {
	Addr             string `yaml:"addr,omitempty" json:"addr,omitempty"`
	BasePath         string `yaml:"base_path,omitempty" json:"base_path,omitempty"`
	JWTSecret        string `yaml:"jwt_secret,omitempty" json:"-"`
	AllowActorHeader bool   `yaml:"allow_actor_header" json:"allow_actor_header"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with boardctl project create", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.ID) == "" {
		return fmt.Errorf("config.project.id is required")
	}
	seen := map[string]struct{}{}
	for i, m := range c.Members {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("config.members[%d].id is required", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("config.members has duplicate id %s", m.ID)
		}
		seen[m.ID] = struct{}{}
		switch m.Role {
		case "", "leader", "member":
		default:
			return fmt.Errorf("member %s has unknown role %q", m.ID, m.Role)
		}
	}
	switch c.Feed.Backend {
	case "", FeedPoll:
	case FeedRedis:
		if strings.TrimSpace(c.Feed.RedisURL) == "" {
			return fmt.Errorf("config.feed.redis_url is required for the redis backend")
		}
		if _, err := url.Parse(c.Feed.RedisURL); err != nil {
			return fmt.Errorf("config.feed.redis_url: %w", err)
		}
	default:
		return fmt.Errorf("config.feed.backend must be poll or redis")
	}
	if c.Feed.PollIntervalMS < 0 {
		return fmt.Errorf("config.feed.poll_interval_ms must not be negative")
	}
	if c.Feed.Batch < 0 {
		return fmt.Errorf("config.feed.batch must not be negative")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "board.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Write stores cfg as YAML at the workspace path.
func Write(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

const defaultTemplate = `project:
  id: %s
  name: %s

members: []

feed:
  backend: poll
  channel_prefix: boardsync:items
  poll_interval_ms: 1000
  batch: 100

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_actor_header: true
`
