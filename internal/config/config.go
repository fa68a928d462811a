// Package config provides YAML-based configuration loading for pipemedic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pipemedic configuration, loaded from pipemedic.yaml
// with environment-variable overrides for secrets and deployment settings.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	GitLab        GitLabConfig        `yaml:"gitlab"`
	SonarQube     SonarQubeConfig     `yaml:"sonarqube"`
	LLM           LLMConfig           `yaml:"llm"`
	Limits        LimitsConfig        `yaml:"limits"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port          int    `yaml:"port"`
	WebhookSecret string `yaml:"webhook_secret"` // optional X-Gitlab-Token check
}

// DatabaseConfig holds the session store connection settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "mysql" or "sqlite"
	DSN    string `yaml:"dsn"`
}

// GitLabConfig holds the GitLab API connection settings.
type GitLabConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// SonarQubeConfig holds the SonarQube API connection settings.
type SonarQubeConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider        string `yaml:"provider"` // "bedrock", "anthropic", or "mock"
	ModelID         string `yaml:"model_id"`
	MaxTokens       int    `yaml:"max_tokens"`
	AWSRegion       string `yaml:"aws_region"`
	AWSAccessKey    string `yaml:"aws_access_key"`
	AWSSecretKey    string `yaml:"aws_secret_key"`
	AWSSessionToken string `yaml:"aws_session_token"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// LimitsConfig bounds session and analysis behavior.
type LimitsConfig struct {
	MaxLogSize            int `yaml:"max_log_size"`
	MaxFixAttempts        int `yaml:"max_fix_attempts"`
	SessionTimeoutMinutes int `yaml:"session_timeout_minutes"`
}

// NotificationsConfig holds the operator notification channels. Both are
// optional; with neither configured, events are logged only.
type NotificationsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot credentials for event notifications.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord bot credentials for event notifications.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A missing file is not an error: environment overrides alone can carry a
// full deployment configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envOverride sets *dst from the named environment variable when it is set.
func envOverride(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

// applyEnv overlays environment variables onto the file-loaded values.
// Secrets are expected to arrive this way in deployments.
func (c *Config) applyEnv() {
	envOverride(&c.Database.Driver, "DATABASE_DRIVER")
	envOverride(&c.Database.DSN, "DATABASE_DSN")
	envOverride(&c.GitLab.URL, "GITLAB_URL")
	envOverride(&c.GitLab.Token, "GITLAB_TOKEN")
	envOverride(&c.Server.WebhookSecret, "GITLAB_WEBHOOK_SECRET")
	envOverride(&c.SonarQube.URL, "SONARQUBE_URL")
	envOverride(&c.SonarQube.Token, "SONARQUBE_TOKEN")
	envOverride(&c.LLM.Provider, "LLM_PROVIDER")
	envOverride(&c.LLM.ModelID, "MODEL_ID")
	envOverride(&c.LLM.AWSRegion, "AWS_REGION")
	envOverride(&c.LLM.AWSAccessKey, "AWS_ACCESS_KEY_ID")
	envOverride(&c.LLM.AWSSecretKey, "AWS_SECRET_ACCESS_KEY")
	envOverride(&c.LLM.AWSSessionToken, "AWS_SESSION_TOKEN")
	envOverride(&c.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&c.Notifications.Slack.BotToken, "SLACK_BOT_TOKEN")
	envOverride(&c.Notifications.Slack.Channel, "SLACK_CHANNEL")
	envOverride(&c.Notifications.Discord.BotToken, "DISCORD_BOT_TOKEN")
	envOverride(&c.Notifications.Discord.Channel, "DISCORD_CHANNEL")

	if v, ok := os.LookupEnv("PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.GitLab.URL == "" {
		c.GitLab.URL = "http://gitlab"
	}
	if c.SonarQube.URL == "" {
		c.SonarQube.URL = "http://sonarqube:9000"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "bedrock"
	}
	if c.LLM.ModelID == "" {
		c.LLM.ModelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.AWSRegion == "" {
		c.LLM.AWSRegion = "us-west-2"
	}
	if c.Limits.MaxLogSize == 0 {
		c.Limits.MaxLogSize = 30000
	}
	if c.Limits.MaxFixAttempts == 0 {
		c.Limits.MaxFixAttempts = 5
	}
	if c.Limits.SessionTimeoutMinutes == 0 {
		c.Limits.SessionTimeoutMinutes = 180
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	switch c.LLM.Provider {
	case "bedrock", "anthropic", "mock":
	default:
		errs = append(errs, fmt.Sprintf("llm.provider %q is not supported (bedrock, anthropic, mock)", c.LLM.Provider))
	}
	if c.LLM.Provider == "anthropic" && c.LLM.AnthropicAPIKey == "" {
		errs = append(errs, "llm.anthropic_api_key is required for the anthropic provider")
	}
	if c.Limits.MaxFixAttempts < 1 {
		errs = append(errs, "limits.max_fix_attempts must be at least 1")
	}
	if c.Limits.SessionTimeoutMinutes < 1 {
		errs = append(errs, "limits.session_timeout_minutes must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
