// Package config handles daemon configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	domtrack "github.com/hazyhaar/domtrack"
)

// Config is the top-level daemon configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Pages   []PageConfig  `yaml:"pages"`
	Tracker TrackerConfig `yaml:"tracker"`
	Store   StoreConfig   `yaml:"store"`
	HTTP    HTTPConfig    `yaml:"http"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote      string        `yaml:"remote"` // ws:// devtools URL; empty launches locally
	Headless    *bool         `yaml:"headless"`
	NavTimeout  time.Duration `yaml:"nav_timeout"`
	UserAgent   string        `yaml:"user_agent"`
	WindowW     int           `yaml:"window_width"`
	WindowH     int           `yaml:"window_height"`
}

// PageConfig defines one page to track.
type PageConfig struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	SessionID string `yaml:"session_id"` // defaults to ID
}

// TrackerConfig mirrors the tracker's tunables.
type TrackerConfig struct {
	Threshold    float64       `yaml:"threshold"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	MaxTracked   int           `yaml:"max_tracked"`
	MaxAncestors int           `yaml:"max_ancestors"`
	TrackTags    []string      `yaml:"track_tags"`
	RescanPerSec float64       `yaml:"rescan_per_sec"`
}

// StoreConfig controls session persistence.
type StoreConfig struct {
	Path string `yaml:"path"` // empty disables persistence
}

// HTTPConfig controls the HTTP surface.
type HTTPConfig struct {
	Listen       string `yaml:"listen"`
	Username     string `yaml:"username"`      // empty disables basic auth
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// MCPConfig controls the MCP stdio surface.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.Headless == nil {
		v := true
		c.Browser.Headless = &v
	}
	if c.Browser.NavTimeout <= 0 {
		c.Browser.NavTimeout = 30 * time.Second
	}
	if c.Browser.WindowW <= 0 {
		c.Browser.WindowW = 1280
	}
	if c.Browser.WindowH <= 0 {
		c.Browser.WindowH = 800
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8077"
	}
	for i := range c.Pages {
		if c.Pages[i].SessionID == "" {
			c.Pages[i].SessionID = c.Pages[i].ID
		}
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for i, p := range c.Pages {
		if p.ID == "" {
			return fmt.Errorf("config: pages[%d]: missing id", i)
		}
		if p.URL == "" {
			return fmt.Errorf("config: page %s: missing url", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate page id %s", p.ID)
		}
		seen[p.ID] = true
	}
	if c.HTTP.Username != "" && c.HTTP.PasswordHash == "" {
		return fmt.Errorf("config: http.username set without password_hash")
	}
	return nil
}

// TrackerConfig converts the YAML tunables into a tracker Config for
// one page. Zero fields fall through to the tracker's own defaults.
func (c *Config) TrackerConfig(sessionID string) domtrack.Config {
	return domtrack.Config{
		SessionID:    sessionID,
		Threshold:    c.Tracker.Threshold,
		GracePeriod:  c.Tracker.GracePeriod,
		FlushTimeout: c.Tracker.FlushTimeout,
		MaxTracked:   c.Tracker.MaxTracked,
		MaxAncestors: c.Tracker.MaxAncestors,
		TrackTags:    c.Tracker.TrackTags,
		RescanPerSec: c.Tracker.RescanPerSec,
	}
}
