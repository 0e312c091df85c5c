package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string       `mapstructure:"mode"`
	LogLevel string       `mapstructure:"log_level"`
	Hub      HubConfig    `mapstructure:"hub"`
	Client   ClientConfig `mapstructure:"client"`
	Call     CallConfig   `mapstructure:"call"`
	Media    MediaConfig  `mapstructure:"media"`
}

type HubConfig struct {
	Port          int              `mapstructure:"port"`
	ReadLimit     int64            `mapstructure:"read_limit"`
	PingPeriod    time.Duration    `mapstructure:"ping_period"`
	SendBuffer    int              `mapstructure:"send_buffer"`
	Secret        string           `mapstructure:"secret"`
	PublicURL     string           `mapstructure:"public_url"`
	RelayTokenTTL time.Duration    `mapstructure:"relay_token_ttl"`
	RateLimit     int              `mapstructure:"rate_limit"`
	RateWindow    time.Duration    `mapstructure:"rate_window"`
	SlowBudget    int              `mapstructure:"slow_budget"`
	EmptyRoomTTL  time.Duration    `mapstructure:"empty_room_ttl"`
	Catalog       []domain.Product `mapstructure:"catalog"`
}

type ClientConfig struct {
	Listen    string `mapstructure:"listen"`
	HubURL    string `mapstructure:"hub_url"`
	Username  string `mapstructure:"username"`
	StatePath string `mapstructure:"state_path"`
	// Provider is "direct" or "relay".
	Provider       string        `mapstructure:"provider"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
	// SendBuffer is the outbound queue of the room channel, in frames.
	SendBuffer int `mapstructure:"send_buffer"`
}

type CallConfig struct {
	// NegotiationTimeout of 0 disables the timeout.
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
}

type MediaConfig struct {
	// Capture is "mic" or "silence".
	Capture    string   `mapstructure:"capture"`
	ICEServers []string `mapstructure:"ice_servers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("hub.port", 8080)
	v.SetDefault("hub.read_limit", 65536)
	v.SetDefault("hub.ping_period", "54s")
	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.secret", "change-me")
	v.SetDefault("hub.public_url", "ws://localhost:8080")
	v.SetDefault("hub.relay_token_ttl", "2m")
	v.SetDefault("hub.rate_limit", 20)
	v.SetDefault("hub.rate_window", "1s")
	v.SetDefault("hub.slow_budget", 8)
	v.SetDefault("hub.empty_room_ttl", "2m")

	v.SetDefault("client.listen", "127.0.0.1:8090")
	v.SetDefault("client.hub_url", "http://localhost:8080")
	v.SetDefault("client.username", "guest")
	v.SetDefault("client.state_path", "coshop.db")
	v.SetDefault("client.provider", "direct")
	v.SetDefault("client.request_timeout", "10s")
	v.SetDefault("client.reconnect_min", "500ms")
	v.SetDefault("client.reconnect_max", "15s")
	v.SetDefault("client.send_buffer", 32)

	v.SetDefault("call.negotiation_timeout", "30s")

	v.SetDefault("media.capture", "mic")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. A missing file is not an error.
// Every key can be overridden by COSHOP_<SECTION>_<KEY>.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("COSHOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("hub_port", cfg.Hub.Port).Str("provider", cfg.Client.Provider).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Client.Provider {
	case "direct", "relay":
	default:
		return fmt.Errorf("client.provider: unknown provider %q", c.Client.Provider)
	}
	switch c.Media.Capture {
	case "mic", "silence":
	default:
		return fmt.Errorf("media.capture: unknown capture %q", c.Media.Capture)
	}
	if c.Call.NegotiationTimeout < 0 {
		return fmt.Errorf("call.negotiation_timeout must not be negative")
	}
	if c.Client.SendBuffer < 1 {
		return fmt.Errorf("client.send_buffer must be at least 1")
	}
	return nil
}
