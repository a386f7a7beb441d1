package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRetention     = 14 * 24 * time.Hour
	DefaultReminderDelay = 3 * 24 * time.Hour
)

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// GitHubConfig points at a GitHub Enterprise instance; empty values mean github.com.
type GitHubConfig struct {
	APIURL string `yaml:"api_url"`
	GitURL string `yaml:"git_url"`
}

type WorkspaceConfig struct {
	CacheDir string `yaml:"cache_dir"`
}

type QueueConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	Workers        int           `yaml:"workers"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type ReclaimConfig struct {
	Retention time.Duration `yaml:"retention"`
}

type ReminderConfig struct {
	Delay time.Duration `yaml:"delay"`
}

type RepositoryConfig struct {
	Name string `yaml:"name"`
	Fork string `yaml:"fork"`
}

type BranchConfig struct {
	Name     string `yaml:"name"`
	Sequence int    `yaml:"sequence"`
	Active   *bool  `yaml:"active"`
	FPTarget *bool  `yaml:"fp_target"`
}

// IsActive defaults to true when unset.
func (b BranchConfig) IsActive() bool {
	return b.Active == nil || *b.Active
}

// AcceptsForwardPorts defaults to true when unset.
func (b BranchConfig) AcceptsForwardPorts() bool {
	return b.FPTarget == nil || *b.FPTarget
}

type ProjectConfig struct {
	Name         string             `yaml:"name"`
	Token        string             `yaml:"token"`
	TokenEnv     string             `yaml:"token_env"`
	Repositories []RepositoryConfig `yaml:"repositories"`
	Branches     []BranchConfig     `yaml:"branches"`
}

// GitHubToken resolves the project's token, preferring the environment variable.
func (p ProjectConfig) GitHubToken() string {
	if p.TokenEnv != "" {
		if v := os.Getenv(p.TokenEnv); v != "" {
			return v
		}
	}
	return p.Token
}

type Config struct {
	HTTP      *HTTPConfig     `yaml:"http"`
	DB        DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	GitHub    GitHubConfig    `yaml:"github"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Queue     QueueConfig     `yaml:"queue"`
	Reclaim   ReclaimConfig   `yaml:"reclaim"`
	Reminder  ReminderConfig  `yaml:"reminder"`
	Projects  []ProjectConfig `yaml:"projects"`
}

func (c Config) HTTPAddr() string {
	if c.HTTP == nil || c.HTTP.Addr == "" {
		return ":8080"
	}
	return c.HTTP.Addr
}

func (c Config) Project(name string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

func (db DatabaseConfig) ConnString() string {
	host := db.Host
	if host == "" {
		host = "localhost"
	}

	port := db.Port
	if port == 0 {
		port = 5432
	}

	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User,
		db.Password,
		host,
		port,
		db.Name,
		sslMode,
	)
}

func (c *Config) applyDefaults() {
	if c.Workspace.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.Workspace.CacheDir = dir + "/fwbot"
		} else {
			c.Workspace.CacheDir = os.TempDir() + "/fwbot"
		}
	}
	if c.Queue.Interval == 0 {
		c.Queue.Interval = time.Minute
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.BackoffInitial == 0 {
		c.Queue.BackoffInitial = time.Minute
	}
	if c.Queue.BackoffMax == 0 {
		c.Queue.BackoffMax = 6 * time.Hour
	}
	if c.Reclaim.Retention == 0 {
		c.Reclaim.Retention = DefaultRetention
	}
	if c.Reminder.Delay == 0 {
		c.Reminder.Delay = DefaultReminderDelay
	}
}

func (c *Config) validate() error {
	if c.DB.User == "" || c.DB.Password == "" {
		return fmt.Errorf("database user and password must be set in config")
	}

	seen := make(map[string]struct{}, len(c.Projects))
	for _, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("project name must be set")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate project %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		branches := make(map[string]struct{}, len(p.Branches))
		for _, b := range p.Branches {
			if _, dup := branches[b.Name]; dup {
				return fmt.Errorf("project %s: duplicate branch %q", p.Name, b.Name)
			}
			branches[b.Name] = struct{}{}
		}
		for _, r := range p.Repositories {
			if r.Fork != "" && !validOwnerRepo(r.Fork) {
				return fmt.Errorf("project %s: repository %s: fork must be owner/repo, got %q", p.Name, r.Name, r.Fork)
			}
		}
	}
	return nil
}

func validOwnerRepo(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i > 0 && i < len(s)-1
		}
	}
	return false
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &Config{}, fmt.Errorf("unmarshal config yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return &Config{}, err
	}

	return cfg, nil
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// #nosec G304 -- config file path is provided via command line flag
	data, err := os.ReadFile(path)
	if err != nil {
		return &Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	return Parse(data)
}
