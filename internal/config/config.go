package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brogergvhs/noveld/internal/site"
	"github.com/brogergvhs/noveld/internal/util"
)

const (
	defaultConcurrency  = 8
	defaultImageWorkers = 4
	defaultTimeout      = 30 * time.Second
)

type Config struct {
	Output       string        `yaml:"output"`
	Concurrency  int           `yaml:"concurrency"`
	ImageWorkers int           `yaml:"image_workers"`
	SitesDir     string        `yaml:"sites_dir,omitempty"`
	UserAgent    string        `yaml:"user_agent,omitempty"`
	Timeout      util.Duration `yaml:"timeout"`
	Debug        bool          `yaml:"debug"`
	History      bool          `yaml:"history"`
	HistoryDir   string        `yaml:"history_dir,omitempty"`

	// Auth is keyed by site name.
	Auth map[string]site.Auth `yaml:"auth,omitempty"`
}

type Options struct {
	IgnoreConfig bool
	Debug        bool
	NoHistory    bool
	Output       string
	Concurrency  int
	ImageWorkers int
	SitesDir     string
	UserAgent    string
	Timeout      time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Output:       ".",
		Concurrency:  defaultConcurrency,
		ImageWorkers: defaultImageWorkers,
		Timeout:      util.DurationFrom(defaultTimeout),
		History:      true,
	}
}

func SaveYAML(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func loadYAML(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := DefaultConfig()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}

	return c, nil
}

// LoadMerged loads the active profile and applies CLI overrides. The second
// result says where the config came from.
func LoadMerged(opts Options) (*Config, string, error) {
	if opts.IgnoreConfig {
		cfg := DefaultConfig()
		mergeConfig(cfg, opts)
		normalizeDefaults(cfg)
		return cfg, "(ignored config)", nil
	}

	activePath, err := ActiveConfigPath()
	if err == ErrNoConfig || activePath == "" {
		cfg := DefaultConfig()
		mergeConfig(cfg, opts)
		normalizeDefaults(cfg)
		return cfg, "(default config in memory)\nRun `noveld config init` to create an actual config\n", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := loadYAML(activePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config %s: %w", activePath, err)
	}

	mergeConfig(cfg, opts)
	normalizeDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("config %s: %w", activePath, err)
	}

	return cfg, activePath, nil
}

func mergeConfig(c *Config, o Options) {
	if o.Output != "" {
		c.Output = o.Output
	}
	if o.Concurrency != 0 {
		c.Concurrency = o.Concurrency
	}
	if o.ImageWorkers != 0 {
		c.ImageWorkers = o.ImageWorkers
	}
	if o.SitesDir != "" {
		c.SitesDir = o.SitesDir
	}
	if o.UserAgent != "" {
		c.UserAgent = o.UserAgent
	}
	if o.Timeout > 0 {
		c.Timeout = util.DurationFrom(o.Timeout)
	}
	if o.Debug {
		c.Debug = true
	}
	if o.NoHistory {
		c.History = false
	}
}

func normalizeDefaults(c *Config) {
	if c.Output == "" {
		c.Output = "."
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.ImageWorkers == 0 {
		c.ImageWorkers = defaultImageWorkers
	}
	if c.Timeout.IsZero() {
		c.Timeout = util.DurationFrom(defaultTimeout)
	}
	if c.SitesDir == "" {
		c.SitesDir = SitesDir()
	}
	if c.HistoryDir == "" {
		c.HistoryDir = DataDir()
	}
}

func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.ImageWorkers < 0 {
		return fmt.Errorf("image_workers must not be negative, got %d", c.ImageWorkers)
	}
	return nil
}

// AuthFor returns the credentials configured for a site.
func (c *Config) AuthFor(siteName string) site.Auth {
	return c.Auth[siteName]
}

func (c *Config) Print() {
	fmt.Printf(" -output: %s\n", c.Output)
	fmt.Printf(" -concurrency: %d\n", c.Concurrency)
	fmt.Printf(" -image_workers: %d\n", c.ImageWorkers)
	fmt.Printf(" -timeout: %s\n", c.Timeout.Duration)
	if c.SitesDir != "" {
		fmt.Printf(" -sites_dir: %s\n", c.SitesDir)
	}
	if c.UserAgent != "" {
		fmt.Printf(" -user_agent: %s\n", c.UserAgent)
	}
	if c.Debug {
		fmt.Printf(" -debug: %t\n", c.Debug)
	}
	fmt.Printf(" -history: %t\n", c.History)
	if c.HistoryDir != "" {
		fmt.Printf(" -history_dir: %s\n", c.HistoryDir)
	}
	if len(c.Auth) > 0 {
		names := make([]string, 0, len(c.Auth))
		for name := range c.Auth {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a := c.Auth[name]
			fmt.Printf(" -auth.%s: token=%t cookies=%d\n", name, a.Token != "", len(a.Cookies))
		}
	}
}
