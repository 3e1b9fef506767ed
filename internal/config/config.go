package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	StaticPath       string        `mapstructure:"static_path"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	Secret           string        `mapstructure:"secret"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
	LogLevel         string        `mapstructure:"log_level"`
	Client           ClientConfig  `mapstructure:"client"`
}

// ClientConfig drives a mesh participant.
type ClientConfig struct {
	ServerURL  string   `mapstructure:"server_url"`
	Room       string   `mapstructure:"room"`
	Identity   string   `mapstructure:"identity"`
	Name       string   `mapstructure:"name"`
	ICEServers []string `mapstructure:"ice_servers"`
	DebugAddr  string   `mapstructure:"debug_addr"`

	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	GraceWindow     time.Duration `mapstructure:"grace_window"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	HealthWindow    int           `mapstructure:"health_window"`

	Thresholds Thresholds `mapstructure:"thresholds"`
}

// Band is one quality threshold: a sample breaches it when any metric is
// strictly greater than the bound.
type Band struct {
	PacketLoss float64       `mapstructure:"packet_loss"`
	RTT        time.Duration `mapstructure:"rtt"`
	Jitter     time.Duration `mapstructure:"jitter"`
}

type Thresholds struct {
	Good Band `mapstructure:"good"`
	Fair Band `mapstructure:"fair"`
	Poor Band `mapstructure:"poor"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")
	v.SetDefault("log_level", "info")

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.room", "main")
	v.SetDefault("client.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun.cloudflare.com:3478",
	})
	v.SetDefault("client.debug_addr", "127.0.0.1:9090")
	v.SetDefault("client.probe_timeout", "3s")
	v.SetDefault("client.grace_window", "5s")
	v.SetDefault("client.reconnect_delay", "2s")
	v.SetDefault("client.monitor_interval", "5s")
	v.SetDefault("client.health_window", 12)

	v.SetDefault("client.thresholds.good.packet_loss", 1.0)
	v.SetDefault("client.thresholds.good.rtt", "100ms")
	v.SetDefault("client.thresholds.good.jitter", "20ms")
	v.SetDefault("client.thresholds.fair.packet_loss", 2.0)
	v.SetDefault("client.thresholds.fair.rtt", "150ms")
	v.SetDefault("client.thresholds.fair.jitter", "30ms")
	v.SetDefault("client.thresholds.poor.packet_loss", 5.0)
	v.SetDefault("client.thresholds.poor.rtt", "300ms")
	v.SetDefault("client.thresholds.poor.jitter", "50ms")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults.
func Load() (*Config, error) {
	return LoadWithFlags(nil, nil)
}

// LoadWithFlags is Load plus command line overrides. bindings maps config
// keys to flag names; when it is nil every flag is bound under its own name.
func LoadWithFlags(fs *pflag.FlagSet, bindings map[string]string) (*Config, error) {
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
	v.SetEnvPrefix("STUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := bindFlags(v, fs, bindings); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings map[string]string) error {
	if fs == nil {
		return nil
	}
	if bindings == nil {
		if err := v.BindPFlags(fs); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
		return nil
	}
	for key, name := range bindings {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q for key %s", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks that timers are positive and bands are ordered.
func (c ClientConfig) Validate() error {
	if c.ProbeTimeout <= 0 || c.GraceWindow <= 0 || c.ReconnectDelay <= 0 || c.MonitorInterval <= 0 {
		return fmt.Errorf("client timers must be positive")
	}
	if c.HealthWindow < 2 {
		return fmt.Errorf("client.health_window must be at least 2, got %d", c.HealthWindow)
	}
	t := c.Thresholds
	if t.Good.PacketLoss > t.Fair.PacketLoss || t.Fair.PacketLoss > t.Poor.PacketLoss ||
		t.Good.RTT > t.Fair.RTT || t.Fair.RTT > t.Poor.RTT ||
		t.Good.Jitter > t.Fair.Jitter || t.Fair.Jitter > t.Poor.Jitter {
		return fmt.Errorf("client.thresholds must be ordered good <= fair <= poor")
	}
	return nil
}

// Level maps log_level onto zerolog, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
