package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/wesm/threadsync/internal/models"
	"github.com/wesm/threadsync/internal/tags"
	"gopkg.in/yaml.v3"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "THREADSYNC_GITHUB_TOKEN"
	// EnvDiscordToken is the environment variable name for the Discord bot token
	EnvDiscordToken = "THREADSYNC_DISCORD_TOKEN"
	// EnvWebhookSecret is the environment variable name for the webhook secret
	EnvWebhookSecret = "THREADSYNC_WEBHOOK_SECRET"
	// EnvRedisURL is the environment variable name for the redis cache URL
	EnvRedisURL = "THREADSYNC_REDIS_URL"
)

// Cache backends.
const (
	CacheFile   = "file"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	// GitHub API token (can be set via THREADSYNC_GITHUB_TOKEN)
	GitHubToken string `json:"github_token" yaml:"github_token"`
	// Secret shared with the GitHub webhook (can be set via THREADSYNC_WEBHOOK_SECRET)
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`
	// GitHub login the bridge writes as; its own actions are not mirrored back
	BotLogin string `json:"bot_login" yaml:"bot_login"`

	// Discord bot token (can be set via THREADSYNC_DISCORD_TOKEN)
	DiscordToken   string `json:"discord_token" yaml:"discord_token"`
	ForumChannelID string `json:"forum_channel_id" yaml:"forum_channel_id"`

	// Repository for chat events that carry no repository, in the format "owner/name"
	DefaultRepository string `json:"default_repository" yaml:"default_repository"`
	// List of synced repositories in the format "owner/name"
	Repositories []string `json:"repositories" yaml:"repositories"`
	// Selector tag name per repository, keyed by "owner/name"
	RepoTagNames map[string]string `json:"repo_tag_names,omitempty" yaml:"repo_tag_names,omitempty"`

	ListenAddress string `json:"listen_address" yaml:"listen_address"`
	WebhookPath   string `json:"webhook_path" yaml:"webhook_path"`
	Workers       int    `json:"workers" yaml:"workers"`

	SyncLabel           string `json:"sync_label" yaml:"sync_label"`
	RepoTagEmoji        string `json:"repo_tag_emoji" yaml:"repo_tag_emoji"`
	ClosedTagName       string `json:"closed_tag_name" yaml:"closed_tag_name"`
	ClosedTagEmoji      string `json:"closed_tag_emoji" yaml:"closed_tag_emoji"`
	LegacyClosedTagName string `json:"legacy_closed_tag_name" yaml:"legacy_closed_tag_name"`

	// One of "file", "sqlite" or "redis"
	CacheBackend string `json:"cache_backend" yaml:"cache_backend"`
	// Path to the JSON cache file
	CachePath string `json:"cache_path" yaml:"cache_path"`
	// Path to the SQLite database file
	DatabasePath string `json:"database_path" yaml:"database_path"`
	// Redis URL (can be set via THREADSYNC_REDIS_URL)
	RedisURL string `json:"redis_url" yaml:"redis_url"`

	// Durations in time.ParseDuration syntax
	CacheFlushDelay   string `json:"cache_flush_delay" yaml:"cache_flush_delay"`
	ThreadSettleDelay string `json:"thread_settle_delay" yaml:"thread_settle_delay"`
	ThreadCreateDelay string `json:"thread_create_delay" yaml:"thread_create_delay"`
	PinFetchTimeout   string `json:"pin_fetch_timeout" yaml:"pin_fetch_timeout"`

	// "debug", "info", "warn" or "error"
	LogLevel string `json:"log_level" yaml:"log_level"`
	// "text" or "json"
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// LoadConfig loads the configuration from a JSON or YAML file. A .env
// file next to it is loaded into the environment first; variables that
// are already set win.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &config)
	} else {
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	configDir := filepath.Dir(path)
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	config.applyEnv()
	config.applyDefaults()

	// Make file paths absolute if they're relative
	config.CachePath = resolvePath(configDir, config.CachePath)
	config.DatabasePath = resolvePath(configDir, config.DatabasePath)

	return &config, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		EnvGithubToken:   &c.GitHubToken,
		EnvDiscordToken:  &c.DiscordToken,
		EnvWebhookSecret: &c.WebhookSecret,
		EnvRedisURL:      &c.RedisURL,
	}
	for name, field := range overrides {
		if value := os.Getenv(name); value != "" {
			*field = value
		}
	}
}

func (c *Config) applyDefaults() {
	defaults := map[*string]string{
		&c.ListenAddress:       ":8080",
		&c.WebhookPath:         "/webhook",
		&c.SyncLabel:           tags.DefaultSyncLabel,
		&c.RepoTagEmoji:        tags.DefaultRepoTagEmoji,
		&c.ClosedTagName:       tags.DefaultClosedTagName,
		&c.ClosedTagEmoji:      tags.DefaultClosedTagEmoji,
		&c.LegacyClosedTagName: tags.DefaultLegacyClosedTagName,
		&c.CacheBackend:        CacheFile,
		&c.CachePath:           "thread_cache.json",
		&c.DatabasePath:        "threadsync.db",
		&c.LogLevel:            "info",
		&c.LogFormat:           "text",
	}
	for field, value := range defaults {
		if *field == "" {
			*field = value
		}
	}
	if c.Workers == 0 {
		c.Workers = 5
	}
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.GitHubToken == "" {
		errs = append(errs, fmt.Errorf("github_token is required (or set %s)", EnvGithubToken))
	}
	if c.DiscordToken == "" {
		errs = append(errs, fmt.Errorf("discord_token is required (or set %s)", EnvDiscordToken))
	}
	if c.ForumChannelID == "" {
		errs = append(errs, errors.New("forum_channel_id is required"))
	}
	if c.DefaultRepository != "" {
		if _, err := models.ParseRepoRef(c.DefaultRepository); err != nil {
			errs = append(errs, fmt.Errorf("default_repository: %w", err))
		}
	}
	if _, err := c.Repos(); err != nil {
		errs = append(errs, err)
	}
	switch c.CacheBackend {
	case CacheFile, CacheSQLite:
	case CacheRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("redis_url is required for the redis cache (or set %s)", EnvRedisURL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache_backend %q", c.CacheBackend))
	}
	for name, value := range map[string]string{
		"cache_flush_delay":   c.CacheFlushDelay,
		"thread_settle_delay": c.ThreadSettleDelay,
		"thread_create_delay": c.ThreadCreateDelay,
		"pin_fetch_timeout":   c.PinFetchTimeout,
	} {
		if _, err := parseDuration(value, 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// DefaultRepo returns the parsed default repository, or the zero
// RepoRef if none is configured.
func (c *Config) DefaultRepo() models.RepoRef {
	repo, err := models.ParseRepoRef(c.DefaultRepository)
	if err != nil {
		return models.RepoRef{}
	}
	return repo
}

// Repos returns the parsed repository list, including the default
// repository.
func (c *Config) Repos() ([]models.RepoRef, error) {
	var repos []models.RepoRef
	seen := make(map[string]bool)
	add := func(repo models.RepoRef) {
		key := strings.ToLower(repo.String())
		if !seen[key] {
			seen[key] = true
			repos = append(repos, repo)
		}
	}

	for _, repoStr := range c.Repositories {
		repo, err := models.ParseRepoRef(repoStr)
		if err != nil {
			return nil, fmt.Errorf("repositories: %w", err)
		}
		add(repo)
	}
	if repo := c.DefaultRepo(); !repo.IsZero() {
		add(repo)
	}
	return repos, nil
}

// Policy returns the structural tag names for repos.
func (c *Config) Policy(repos []models.RepoRef) tags.Policy {
	policy := tags.Policy{
		SyncLabel:           c.SyncLabel,
		RepoTagEmoji:        c.RepoTagEmoji,
		ClosedTagName:       c.ClosedTagName,
		ClosedTagEmoji:      c.ClosedTagEmoji,
		LegacyClosedTagName: c.LegacyClosedTagName,
		Repositories:        repos,
	}
	if len(c.RepoTagNames) > 0 {
		policy.RepoTagNames = make(map[string]string, len(c.RepoTagNames))
		for repo, name := range c.RepoTagNames {
			policy.RepoTagNames[strings.ToLower(repo)] = name
		}
	}
	return policy.WithDefaults()
}

// CacheFlushDelayOrDefault returns cache_flush_delay, defaulting to 5s.
func (c *Config) CacheFlushDelayOrDefault() time.Duration {
	d, _ := parseDuration(c.CacheFlushDelay, 5*time.Second)
	return d
}

// ThreadSettleDelayOrDefault returns thread_settle_delay, defaulting to fallback.
func (c *Config) ThreadSettleDelayOrDefault(fallback time.Duration) time.Duration {
	d, _ := parseDuration(c.ThreadSettleDelay, fallback)
	return d
}

// ThreadCreateDelayOrDefault returns thread_create_delay, defaulting to fallback.
func (c *Config) ThreadCreateDelayOrDefault(fallback time.Duration) time.Duration {
	d, _ := parseDuration(c.ThreadCreateDelay, fallback)
	return d
}

// PinFetchTimeoutOrDefault returns pin_fetch_timeout, defaulting to fallback.
func (c *Config) PinFetchTimeoutOrDefault(fallback time.Duration) time.Duration {
	d, _ := parseDuration(c.PinFetchTimeout, fallback)
	return d
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, err
	}
	if d < 0 {
		return fallback, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

// SaveConfig saves the configuration as JSON, or as YAML when path ends
// in .yaml or .yml
func SaveConfig(config *Config, path string) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := &Config{
		BotLogin:          "threadsync[bot]",
		ForumChannelID:    "",
		DefaultRepository: "example/repo",
		Repositories:      []string{"example/repo"},
		ListenAddress:     ":8080",
		WebhookPath:       "/webhook",
		Workers:           5,
		CacheBackend:      CacheFile,
		CachePath:         "thread_cache.json",
		DatabasePath:      "threadsync.db",
		CacheFlushDelay:   "5s",
		ThreadSettleDelay: "2s",
		ThreadCreateDelay: "5s",
		PinFetchTimeout:   "20s",
		LogLevel:          "info",
		LogFormat:         "text",
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}
