package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Config is the static configuration read from config.yaml. Runtime behavior
// knobs are not here; see Settings.
type Config struct {
	Account   Account   `yaml:"account"`
	Source    Source    `yaml:"source"`
	LLM       LLM       `yaml:"llm"`
	Webhook   Webhook   `yaml:"webhook"`
	Scheduler Scheduler `yaml:"scheduler"`
	Output    Output    `yaml:"output"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

type Account struct {
	Username string `yaml:"username"`
	Timezone string `yaml:"timezone"`
}

type Source struct {
	Kind      string `yaml:"kind"`
	APIURL    string `yaml:"api_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	FeedURL   string `yaml:"feed_url"`
}

type LLM struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	OllamaURL      string `yaml:"ollama_url"`
	OpenAIModel    string `yaml:"openai_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	MaxTokens      int    `yaml:"max_tokens"`
	TargetLanguage string `yaml:"target_language"`
}

type Webhook struct {
	URL       string `yaml:"url"`
	SecretEnv string `yaml:"secret_env"`
}

type Scheduler struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Timezone     string        `yaml:"timezone"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for postwatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "postwatch")
}

// DataDir returns the XDG data directory for postwatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "postwatch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/postwatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'postwatch init' to create a default config",
		xdgConfig,
	)
}

// LoadEnv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Account: Account{
			Username: "realDonaldTrump",
			Timezone: "America/New_York",
		},
		Source: Source{
			Kind:      "api",
			APIURL:    "https://api.scrapecreators.com",
			APIKeyEnv: "SCRAPECREATORS_API_KEY",
		},
		LLM: LLM{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      1024,
			TargetLanguage: "Chinese",
		},
		Webhook:   Webhook{SecretEnv: "WEBHOOK_SECRET"},
		Scheduler: Scheduler{TickInterval: 5 * time.Second, Timezone: "Local"},
		Server:    Server{Port: 8000},
		Logging:   Logging{Level: "INFO", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	switch cfg.Source.Kind {
	case "api", "feed":
	default:
		return nil, fmt.Errorf("parsing config: unknown source kind %q", cfg.Source.Kind)
	}
	if cfg.Source.Kind == "feed" && cfg.Source.FeedURL == "" {
		return nil, fmt.Errorf("parsing config: source.feed_url is required for feed sources")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return nil, fmt.Errorf("parsing config: scheduler.tick_interval must be positive")
	}
	if _, err := cfg.ReportLocation(); err != nil {
		return nil, err
	}
	if _, err := cfg.AuthorLocation(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// ReportLocation is the timezone report times and windows are evaluated in.
func (c *Config) ReportLocation() (*time.Location, error) {
	return loadLocation("scheduler.timezone", c.Scheduler.Timezone)
}

// AuthorLocation is the tracked author's timezone.
func (c *Config) AuthorLocation() (*time.Location, error) {
	return loadLocation("account.timezone", c.Account.Timezone)
}

// WebhookSecret resolves the webhook signing secret from the environment.
func (c *Config) WebhookSecret() string {
	if c.Webhook.SecretEnv == "" {
		return ""
	}
	return os.Getenv(c.Webhook.SecretEnv)
}

// NewLogger builds the process logger described by the logging section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadLocation(field, name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %s: %w", field, err)
	}
	return loc, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
