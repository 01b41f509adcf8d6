package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	ServerID   string `mapstructure:"server_id"`
	StaticPath string `mapstructure:"static_path"`
	// Secret signs the device-token cookie store.
	Secret string `mapstructure:"secret"`

	WS        WSConfig        `mapstructure:"ws"`
	Rate      RateConfig      `mapstructure:"rate"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Media     MediaConfig     `mapstructure:"media"`
	Session   SessionConfig   `mapstructure:"session"`
	Router    RouterConfig    `mapstructure:"router"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type WSConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type MediaConfig struct {
	WorkerCap        int           `mapstructure:"worker_cap"`
	RTCMinPort       uint16        `mapstructure:"rtc_min_port"`
	RTCMaxPort       uint16        `mapstructure:"rtc_max_port"`
	AnnouncedIPs     []string      `mapstructure:"announced_ips"`
	ICEServers       []ICEServer   `mapstructure:"ice_servers"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type SessionConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type RouterConfig struct {
	// IdleTTL closes a router unused that long; 0 keeps it forever.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type AdmissionConfig struct {
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
}

type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("server_id", "")
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")

	v.SetDefault("ws.read_limit", 65536)
	v.SetDefault("ws.ping_period", "25s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.write_wait", "5s")
	v.SetDefault("ws.send_buffer", 64)

	v.SetDefault("rate.limit", 50)
	v.SetDefault("rate.interval", "1s")
	v.SetDefault("cors.allowed_origins", []string{})

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("media.worker_cap", 5)
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 50000)
	v.SetDefault("media.announced_ips", []string{})
	v.SetDefault("media.ice_servers", []map[string]any{})
	v.SetDefault("media.operation_timeout", "10s")

	v.SetDefault("session.stale_after", "1h")
	v.SetDefault("router.idle_ttl", "0s")
	v.SetDefault("admission.pending_timeout", "0s")
	v.SetDefault("stats.interval", "1s")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "huddle.db")
}

// Flags registers the command-line overrides bound by Load.
func Flags(fs *pflag.FlagSet) {
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("mode", "release", "gin mode: debug or release")
	fs.String("log-level", "info", "log level")
	fs.String("server-id", "", "address recorded on sessions, defaults to the first announced IP")
	fs.String("storage-driver", "memory", "memory or sqlite")
	fs.String("storage-dsn", "huddle.db", "sqlite database path")
}

var flagKeys = map[string]string{
	"port":           "port",
	"mode":           "mode",
	"log-level":      "log_level",
	"server-id":      "server_id",
	"storage-driver": "storage.driver",
	"storage-dsn":    "storage.dsn",
}

// Load reads config/config.<CONFIG_ENV>.yaml, then HUDDLE_* env vars, then changed flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ServerID == "" && len(cfg.Media.AnnouncedIPs) > 0 {
		cfg.ServerID = cfg.Media.AnnouncedIPs[0]
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("storage", cfg.Storage.Driver).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Media.RTCMinPort > c.Media.RTCMaxPort {
		return fmt.Errorf("media.rtc_min_port %d above media.rtc_max_port %d", c.Media.RTCMinPort, c.Media.RTCMaxPort)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}
