// Copyright 2024-2026 Aiku AI

// Package config loads and upgrades the relay configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/feedback-relay/pkg/relay"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	NetworkTelegram   = "telegram"
	NetworkMattermost = "mattermost"
	NetworkMatrix     = "matrix"

	BackendDatabase = "database"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

type Config struct {
	Network     NetworkConfig     `yaml:"network"`
	Relay       RelayConfig       `yaml:"relay"`
	Database    dbutil.Config     `yaml:"database"`
	Correlation CorrelationConfig `yaml:"correlation"`
	AdminAPI    AdminAPIConfig    `yaml:"admin_api"`
	Logging     zeroconfig.Config `yaml:"logging"`

	messages relay.Messages `yaml:"-"`
}

type NetworkConfig struct {
	Type       string           `yaml:"type"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Matrix     MatrixConfig     `yaml:"matrix"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	APIEndpoint string `yaml:"api_endpoint"`
	GroupChatID int64  `yaml:"group_chat_id"`
	PollTimeout int    `yaml:"poll_timeout"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
	// BotPrefix is a username prefix for echo prevention. Posts from
	// usernames starting with it are never relayed.
	BotPrefix string `yaml:"bot_prefix"`
}

type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

type RelayConfig struct {
	ForwardHeader  string `yaml:"forward_header"`
	ReplyHeader    string `yaml:"reply_header"`
	NotFoundNotice string `yaml:"not_found_notice"`
	DeliveryFailed string `yaml:"delivery_failed"`
	WelcomeMessage string `yaml:"welcome_message"`
}

type CorrelationConfig struct {
	Backend  string                `yaml:"backend"`
	LinkTTL  time.Duration         `yaml:"link_ttl"`
	DynamoDB DynamoDBConfig        `yaml:"dynamodb"`
	Breaker  relay.BreakerSettings `yaml:"breaker"`
}

type DynamoDBConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type AdminAPIConfig struct {
	Address      string `yaml:"address"`
	SharedSecret string `yaml:"shared_secret"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "network", "type")
	helper.Copy(up.Str, "network", "telegram", "token")
	helper.Copy(up.Str, "network", "telegram", "api_endpoint")
	helper.Copy(up.Int, "network", "telegram", "group_chat_id")
	helper.Copy(up.Int, "network", "telegram", "poll_timeout")
	helper.Copy(up.Str, "network", "mattermost", "server_url")
	helper.Copy(up.Str, "network", "mattermost", "token")
	helper.Copy(up.Str, "network", "mattermost", "channel_id")
	helper.Copy(up.Str, "network", "mattermost", "bot_prefix")
	helper.Copy(up.Str, "network", "matrix", "homeserver")
	helper.Copy(up.Str, "network", "matrix", "user_id")
	helper.Copy(up.Str, "network", "matrix", "access_token")
	helper.Copy(up.Str, "network", "matrix", "room_id")

	helper.Copy(up.Str, "relay", "forward_header")
	helper.Copy(up.Str, "relay", "reply_header")
	helper.Copy(up.Str, "relay", "not_found_notice")
	helper.Copy(up.Str, "relay", "delivery_failed")
	helper.Copy(up.Str, "relay", "welcome_message")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "conn_max_idle_time")
	helper.Copy(up.Str|up.Null, "database", "conn_max_lifetime")

	helper.Copy(up.Str, "correlation", "backend")
	helper.Copy(up.Str, "correlation", "link_ttl")
	helper.Copy(up.Str, "correlation", "dynamodb", "table")
	helper.Copy(up.Str, "correlation", "dynamodb", "region")
	helper.Copy(up.Str, "correlation", "dynamodb", "endpoint")
	helper.Copy(up.Int, "correlation", "breaker", "max_requests")
	helper.Copy(up.Str, "correlation", "breaker", "interval")
	helper.Copy(up.Str, "correlation", "breaker", "timeout")
	helper.Copy(up.Int, "correlation", "breaker", "min_requests")
	helper.Copy(up.Float|up.Int, "correlation", "breaker", "failure_ratio")

	helper.Copy(up.Str, "admin_api", "address")
	helper.Copy(up.Str, "admin_api", "shared_secret")

	helper.Copy(up.Map, "logging")
}

// Upgrader copies values from an existing config onto the current example.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"relay"},
			{"database"},
			{"correlation"},
			{"admin_api"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// Load reads the config at path, upgrades it to the current format and
// parses it. If save is set, the upgraded file is written back.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates and post-processes raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected network and backend are fully configured.
func (c *Config) Validate() error {
	var errs []error
	switch c.Network.Type {
	case NetworkTelegram:
		if c.Network.Telegram.Token == "" {
			errs = append(errs, errors.New("network.telegram.token is required"))
		}
		if c.Network.Telegram.GroupChatID == 0 {
			errs = append(errs, errors.New("network.telegram.group_chat_id is required"))
		}
	case NetworkMattermost:
		mm := c.Network.Mattermost
		if mm.ServerURL == "" || mm.Token == "" || mm.ChannelID == "" {
			errs = append(errs, errors.New("network.mattermost requires server_url, token and channel_id"))
		}
	case NetworkMatrix:
		mx := c.Network.Matrix
		if mx.Homeserver == "" || mx.UserID == "" || mx.AccessToken == "" || mx.RoomID == "" {
			errs = append(errs, errors.New("network.matrix requires homeserver, user_id, access_token and room_id"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown network type %q", c.Network.Type))
	}

	switch c.Correlation.Backend {
	case BackendDatabase, BackendMemory:
	case BackendDynamoDB:
		if strings.TrimSpace(c.Correlation.DynamoDB.Table) == "" {
			errs = append(errs, errors.New("correlation.dynamodb.table is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown correlation backend %q", c.Correlation.Backend))
	}
	if r := c.Correlation.Breaker.FailureRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("correlation.breaker.failure_ratio must be between 0 and 1, got %v", r))
	}
	if c.Database.Type == "" {
		errs = append(errs, errors.New("database.type is required"))
	}
	return errors.Join(errs...)
}

// PostProcess parses the relay text templates.
func (c *Config) PostProcess() error {
	c.messages = relay.DefaultMessages()
	var err error
	if c.Relay.ForwardHeader != "" {
		c.messages.ForwardHeader, err = template.New("forward_header").Parse(c.Relay.ForwardHeader)
		if err != nil {
			return fmt.Errorf("invalid relay.forward_header: %w", err)
		}
	}
	if c.Relay.DeliveryFailed != "" {
		c.messages.DeliveryFailed, err = template.New("delivery_failed").Parse(c.Relay.DeliveryFailed)
		if err != nil {
			return fmt.Errorf("invalid relay.delivery_failed: %w", err)
		}
	}
	if c.Relay.ReplyHeader != "" {
		c.messages.ReplyHeader = c.Relay.ReplyHeader
	}
	if c.Relay.NotFoundNotice != "" {
		c.messages.NotFound = c.Relay.NotFoundNotice
	}
	c.messages.Welcome = c.Relay.WelcomeMessage
	return nil
}

// Messages returns the texts built by PostProcess.
func (c *Config) Messages() relay.Messages {
	return c.messages
}

// BreakerSettings returns the configured breaker settings with defaults
// filled in for zero values.
func (c *Config) BreakerSettings() relay.BreakerSettings {
	def := relay.DefaultBreakerSettings()
	bs := c.Correlation.Breaker
	if bs.MaxRequests == 0 {
		bs.MaxRequests = def.MaxRequests
	}
	if bs.Interval == 0 {
		bs.Interval = def.Interval
	}
	if bs.Timeout == 0 {
		bs.Timeout = def.Timeout
	}
	if bs.MinRequests == 0 {
		bs.MinRequests = def.MinRequests
	}
	if bs.FailureRatio == 0 {
		bs.FailureRatio = def.FailureRatio
	}
	return bs
}
