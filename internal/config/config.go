package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// AppName is used for XDG directory paths.
const AppName = "aegis"

const (
	DefaultScanTimeout    = 3600
	DefaultMaxConcurrent  = 4
	DefaultMaxOutputBytes = 4 << 20
	DefaultKillGraceMS    = 2000
	DefaultToolTimeout    = 300
)

// Validation errors returned by Config.Validate.
var (
	ErrInvalidPort          = errors.New("server port must be between 1 and 65535")
	ErrEmptyProjectsDir     = errors.New("projects directory cannot be empty")
	ErrInvalidScanTimeout   = errors.New("scan timeout must be positive")
	ErrInvalidMaxConcurrent = errors.New("scan max_concurrent must be positive")
	ErrInvalidLogLevel      = errors.New("logging level must be debug, info, warn or error")
	ErrInvalidMetricsPath   = errors.New("metrics path must start with '/'")
)

// ErrInvalidToolPath marks a tool whose configured path could not be read
// as a string. The tool is reported as not available.
var ErrInvalidToolPath = errors.New("tool path is not a string")

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedOrigins are extra host patterns accepted on WebSocket
	// upgrades. Same-origin requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ProjectsConfig struct {
	Directory string `yaml:"directory"`
}

type ReportsConfig struct {
	PDFFont string `yaml:"pdf_font"`
}

type ScanConfig struct {
	Timeout         int `yaml:"timeout"`
	MaxConcurrent   int `yaml:"max_concurrent"`
	SpawnIntervalMS int `yaml:"spawn_interval_ms"`
	MaxOutputBytes  int `yaml:"max_output_bytes"`
	KillGraceMS     int `yaml:"kill_grace_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ToolConfig configures one external program. Path may be empty, in which
// case the default binary is looked up on PATH.
type ToolConfig struct {
	Path     string `yaml:"path"`
	Timeout  int    `yaml:"timeout"`
	Wordlist string `yaml:"wordlist,omitempty"`

	pathErr  error
	problems []string
}

// UnmarshalYAML decodes each field on its own so a malformed value only
// affects that field. Problems are kept for Load to report.
func (tc *ToolConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		tc.problems = append(tc.problems, fmt.Sprintf("line %d: expected a mapping, ignoring entry", node.Line))
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "path":
			if err := val.Decode(&tc.Path); err != nil {
				tc.Path = ""
				tc.pathErr = fmt.Errorf("%w (line %d)", ErrInvalidToolPath, val.Line)
				tc.problems = append(tc.problems, fmt.Sprintf("line %d: path is not a string, tool disabled", val.Line))
			}
		case "timeout":
			var n int
			if err := val.Decode(&n); err != nil {
				tc.problems = append(tc.problems, fmt.Sprintf("line %d: timeout %q is not a number of seconds, using default", val.Line, val.Value))
				continue
			}
			tc.Timeout = n
		case "wordlist":
			if err := val.Decode(&tc.Wordlist); err != nil {
				tc.Wordlist = ""
				tc.problems = append(tc.problems, fmt.Sprintf("line %d: wordlist is not a string, using default", val.Line))
			}
		}
	}
	return nil
}

type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Database DatabaseConfig        `yaml:"database"`
	Projects ProjectsConfig        `yaml:"projects"`
	Reports  ReportsConfig         `yaml:"reports"`
	Scan     ScanConfig            `yaml:"scan"`
	Logging  LoggingConfig         `yaml:"logging"`
	Metrics  MetricsConfig         `yaml:"metrics"`
	Tools    map[string]ToolConfig `yaml:"tools"`

	// Warnings lists values Load ignored in favour of defaults.
	Warnings []string `yaml:"-"`
}

// DataDir returns the XDG data directory for aegis.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// DefaultPath returns the config file location under the XDG config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DataDir(), "aegis.db"),
		},
		Projects: ProjectsConfig{
			Directory: filepath.Join(DataDir(), "projects"),
		},
		Scan: ScanConfig{
			Timeout:        DefaultScanTimeout,
			MaxConcurrent:  DefaultMaxConcurrent,
			MaxOutputBytes: DefaultMaxOutputBytes,
			KillGraceMS:    DefaultKillGraceMS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tools: map[string]ToolConfig{
			"nmap":     {Timeout: 300},
			"nikto":    {Timeout: 600},
			"nuclei":   {Timeout: 300},
			"gobuster": {Timeout: 300, Wordlist: "/usr/share/wordlists/dirb/common.txt"},
			"sqlmap":   {Timeout: 600},
			"tls":      {Timeout: 30},
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Tool entries are merged key by key so a partial tools section keeps
	// the defaults for tools it does not mention.
	base := cfg.Tools
	cfg.Tools = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Tools)) {
		tc := cfg.Tools[name]
		for _, p := range tc.problems {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("tools.%s: %s", name, p))
		}
		tc.problems = nil
		def := base[name]
		if tc.Timeout == 0 {
			tc.Timeout = def.Timeout
		}
		if tc.Wordlist == "" {
			tc.Wordlist = def.Wordlist
		}
		base[name] = tc
	}
	cfg.Tools = base

	return cfg, nil
}

// Validate checks settings that cannot be silently corrected.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ErrInvalidPort
	}
	if c.Projects.Directory == "" {
		return ErrEmptyProjectsDir
	}
	if c.Scan.Timeout <= 0 {
		return ErrInvalidScanTimeout
	}
	if c.Scan.MaxConcurrent <= 0 {
		return ErrInvalidMaxConcurrent
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	if c.Metrics.Enabled && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/') {
		return ErrInvalidMetricsPath
	}
	return nil
}

// ToolTimeout returns the timeout for a tool. Missing or non-positive
// values fall back to DefaultToolTimeout.
func (c *Config) ToolTimeout(name string) time.Duration {
	if tc, ok := c.Tools[name]; ok && tc.Timeout > 0 {
		return time.Duration(tc.Timeout) * time.Second
	}
	return DefaultToolTimeout * time.Second
}

// ToolPath returns the configured program path for a tool, or "". The
// error is ErrInvalidToolPath when the configured value was unusable.
func (c *Config) ToolPath(name string) (string, error) {
	tc := c.Tools[name]
	return tc.Path, tc.pathErr
}

// ToolWordlist returns the configured wordlist for a tool, or "".
func (c *Config) ToolWordlist(name string) string {
	return c.Tools[name].Wordlist
}

// ScanTimeout is the global wall-clock budget of one scan.
func (c *Config) ScanTimeout() time.Duration {
	if c.Scan.Timeout <= 0 {
		return DefaultScanTimeout * time.Second
	}
	return time.Duration(c.Scan.Timeout) * time.Second
}

// MaxConcurrent bounds how many tools of one scan run at once.
func (c *Config) MaxConcurrent() int {
	if c.Scan.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return c.Scan.MaxConcurrent
}

// SpawnInterval is the minimum delay between two tool launches.
func (c *Config) SpawnInterval() time.Duration {
	if c.Scan.SpawnIntervalMS <= 0 {
		return 0
	}
	return time.Duration(c.Scan.SpawnIntervalMS) * time.Millisecond
}

// MaxOutputBytes bounds the stdout retained per tool.
func (c *Config) MaxOutputBytes() int {
	if c.Scan.MaxOutputBytes <= 0 {
		return DefaultMaxOutputBytes
	}
	return c.Scan.MaxOutputBytes
}

// KillGrace is the delay between SIGTERM and SIGKILL on termination.
func (c *Config) KillGrace() time.Duration {
	if c.Scan.KillGraceMS <= 0 {
		return DefaultKillGraceMS * time.Millisecond
	}
	return time.Duration(c.Scan.KillGraceMS) * time.Millisecond
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
