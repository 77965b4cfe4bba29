package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"gopkg.in/yaml.v3"
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Bridge holds the ACP server settings.
type Bridge struct {
	MaxSessions    int           `yaml:"max_sessions"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SmartSearch    bool          `yaml:"smart_search"`
	RespectIgnore  bool          `yaml:"respect_ignore"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HistoryCap     int           `yaml:"history_cap"`
	HistoryWindow  int           `yaml:"history_window"`
	MemoryLimitMB  int           `yaml:"memory_limit_mb"`
	MaxSteps       int           `yaml:"max_steps"`
	PermissionMode string        `yaml:"permission_mode"`
	Debug          bool          `yaml:"debug"`
	LogLevel       string        `yaml:"log_level"`
	Listen         string        `yaml:"listen"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Bridge               Bridge           `yaml:"bridge"`
}

func DefaultBridge() Bridge {
	return Bridge{
		MaxSessions:    10,
		IdleTimeout:    30 * time.Minute,
		SweepInterval:  time.Minute,
		SmartSearch:    true,
		RespectIgnore:  true,
		RequestTimeout: 30 * time.Second,
		HistoryCap:     100,
		HistoryWindow:  20,
		MemoryLimitMB:  512,
		MaxSteps:       25,
		PermissionMode: "prompt",
		LogLevel:       "info",
		Listen:         ":8080",
	}
}

// Default is the configuration used before any file is read.
func Default() *Config {
	cfg := &Config{Bridge: DefaultBridge()}
	// .compell holds sessions and config and is never exposed to tools
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".compell", ".compell/**")
	return cfg
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	home, _ := os.UserHomeDir()
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	return LoadFrom(home, wd)
}

// LoadFrom reads <home>/.compell/config.yaml and then <wd>/.compell/config.yaml
// over the defaults. Either directory may be empty.
func LoadFrom(home, wd string) (*Config, error) {
	cfg := Default()
	if home != "" {
		userConfigPath := filepath.Join(home, ".compell", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}
	if wd != "" {
		projectConfigPath := filepath.Join(wd, ".compell", "config.yaml")
		if _, err := os.Stat(projectConfigPath); err == nil {
			if err := loadFromFile(projectConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading project config")
			}
		}
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file replace what is already set; absent ones
	// keep the earlier value.
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnv overrides bridge settings from ACP_* variables. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	b := &c.Bridge
	ints := []struct {
		key string
		dst *int
	}{
		{"ACP_MAX_SESSIONS", &b.MaxSessions},
		{"ACP_HISTORY_CAP", &b.HistoryCap},
		{"ACP_HISTORY_WINDOW", &b.HistoryWindow},
		{"ACP_MEMORY_LIMIT_MB", &b.MemoryLimitMB},
		{"ACP_MAX_STEPS", &b.MaxSteps},
	}
	for _, v := range ints {
		if s := getenv(v.key); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", v.key)
			}
			*v.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ACP_SESSION_TIMEOUT", &b.IdleTimeout},
		{"ACP_TIMEOUT", &b.RequestTimeout},
	}
	for _, v := range durations {
		if s := getenv(v.key); s != "" {
			d, err := parseDuration(s)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", v.key)
			}
			*v.dst = d
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"ACP_SMART_SEARCH", &b.SmartSearch},
		{"ACP_RESPECT_GITIGNORE", &b.RespectIgnore},
		{"ACP_DEBUG", &b.Debug},
	}
	for _, v := range bools {
		if s := getenv(v.key); s != "" {
			on, err := strconv.ParseBool(s)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", v.key)
			}
			*v.dst = on
		}
	}

	if s := getenv("ACP_PERMISSION_MODE"); s != "" {
		b.PermissionMode = s
	}
	if s := getenv("ACP_LOG_LEVEL"); s != "" {
		b.LogLevel = s
	}
	if s := getenv("ACP_LISTEN"); s != "" {
		b.Listen = s
	}
	return nil
}

// parseDuration accepts Go durations and bare milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// Validate rejects settings the bridge cannot run with.
func (b Bridge) Validate() error {
	switch {
	case b.MaxSessions <= 0:
		return errors.New("bridge.max_sessions must be positive, got %d", b.MaxSessions)
	case b.IdleTimeout <= 0:
		return errors.New("bridge.idle_timeout must be positive")
	case b.SweepInterval <= 0:
		return errors.New("bridge.sweep_interval must be positive")
	case b.RequestTimeout <= 0:
		return errors.New("bridge.request_timeout must be positive")
	case b.HistoryCap <= 0:
		return errors.New("bridge.history_cap must be positive, got %d", b.HistoryCap)
	case b.HistoryWindow <= 0 || b.HistoryWindow > b.HistoryCap:
		return errors.New("bridge.history_window must be between 1 and history_cap (%d), got %d", b.HistoryCap, b.HistoryWindow)
	case b.MemoryLimitMB < 0:
		return errors.New("bridge.memory_limit_mb must not be negative")
	case b.MaxSteps <= 0:
		return errors.New("bridge.max_steps must be positive")
	}
	switch strings.ToLower(b.PermissionMode) {
	case "auto", "prompt", "":
	default:
		return errors.New("bridge.permission_mode must be auto or prompt, got %q", b.PermissionMode)
	}
	return nil
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}
