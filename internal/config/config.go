package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type WSConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
}

type AuthConfig struct {
	// Secrets are tried in order; put the newest first.
	Secrets    []string `mapstructure:"secrets"`
	CookieName string   `mapstructure:"cookie_name"`
}

type StoreConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
	// SeedPairs pre-accepts "userA:userB" relationships in the memory store.
	SeedPairs []string `mapstructure:"seed_pairs"`
}

type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
	// PresencePrefix namespaces the per-user connection counters.
	PresencePrefix string `mapstructure:"presence_prefix"`
}

type RateLimitConfig struct {
	MaxMessages   int           `mapstructure:"max_messages"`
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Grace         time.Duration `mapstructure:"grace"`
}

type MessagingConfig struct {
	MaxTextLen int `mapstructure:"max_text_len"`
}

type MediaConfig struct {
	RTCMinPort    uint16        `mapstructure:"rtc_min_port"`
	RTCMaxPort    uint16        `mapstructure:"rtc_max_port"`
	AnnouncedIP   string        `mapstructure:"announced_ip"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type Config struct {
	Mode           string          `mapstructure:"mode"`
	Port           int             `mapstructure:"port"`
	LogLevel       string          `mapstructure:"log_level"`
	Secret         string          `mapstructure:"secret"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	WS             WSConfig        `mapstructure:"ws"`
	Auth           AuthConfig      `mapstructure:"auth"`
	Store          StoreConfig     `mapstructure:"store"`
	Redis          RedisConfig     `mapstructure:"redis"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Messaging      MessagingConfig `mapstructure:"messaging"`
	Media          MediaConfig     `mapstructure:"media"`
	Call           CallConfig      `mapstructure:"call"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("ws.read_limit", 65536)
	v.SetDefault("ws.ping_period", "25s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.write_wait", "5s")
	v.SetDefault("ws.send_buffer", 64)

	v.SetDefault("auth.secrets", []string{})
	v.SetDefault("auth.cookie_name", "token")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.seed_pairs", []string{})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "tether:events")
	v.SetDefault("redis.presence_prefix", "tether:presence:")

	v.SetDefault("rate_limit.max_messages", 30)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.sweep_interval", "60s")
	v.SetDefault("rate_limit.grace", "60s")

	v.SetDefault("messaging.max_text_len", 1000)

	v.SetDefault("media.rtc_min_port", 20000)
	v.SetDefault("media.rtc_max_port", 21000)
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
		"stun:stun3.l.google.com:19302",
		"stun:stun4.l.google.com:19302",
	})
	v.SetDefault("media.gather_timeout", "5s")

	v.SetDefault("call.ring_timeout", "45s")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Any key can
// be overridden from the environment, e.g. TETHER_STORE_DSN.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("TETHER")
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Secret == "" {
		return fmt.Errorf("config: secret is required for the session cookie store")
	}
	if len(c.Auth.Secrets) == 0 {
		return fmt.Errorf("config: auth.secrets must name at least one secret")
	}
	if c.RateLimit.MaxMessages <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: rate_limit needs a positive max_messages and window")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"rate_limit.sweep_interval", c.RateLimit.SweepInterval},
		{"ws.ping_period", c.WS.PingPeriod},
		{"ws.pong_wait", c.WS.PongWait},
		{"ws.write_wait", c.WS.WriteWait},
		{"store.timeout", c.Store.Timeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("config: %s must be positive", d.key)
		}
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		return fmt.Errorf("config: ws.ping_period must be shorter than ws.pong_wait")
	}
	if c.Messaging.MaxTextLen <= 0 {
		return fmt.Errorf("config: messaging.max_text_len must be positive")
	}
	if c.Media.RTCMinPort > c.Media.RTCMaxPort {
		return fmt.Errorf("config: media.rtc_min_port is above rtc_max_port")
	}
	return nil
}
