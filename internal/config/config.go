package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type ListenIP struct {
	IP          string `mapstructure:"ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
}

type Codec struct {
	Kind       string         `mapstructure:"kind"`
	MimeType   string         `mapstructure:"mime_type"`
	ClockRate  uint32         `mapstructure:"clock_rate"`
	Channels   uint16         `mapstructure:"channels"`
	Parameters map[string]any `mapstructure:"parameters"`
}

type Media struct {
	RTCMinPort                      int           `mapstructure:"rtc_min_port"`
	RTCMaxPort                      int           `mapstructure:"rtc_max_port"`
	ListenIPs                       []ListenIP    `mapstructure:"listen_ips"`
	InitialAvailableOutgoingBitrate uint32        `mapstructure:"initial_available_outgoing_bitrate"`
	ObserverInterval                time.Duration `mapstructure:"observer_interval"`
	ObserverThreshold               int           `mapstructure:"observer_threshold"`
	ObserverMaxEntries              int           `mapstructure:"observer_max_entries"`
	Codecs                          []Codec       `mapstructure:"codecs"`
}

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	LogLevel         string        `mapstructure:"log_level"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
	EmptyRoomTTL     time.Duration `mapstructure:"empty_room_ttl"`
	WorkerDiedGrace  time.Duration `mapstructure:"worker_died_grace"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
	Media            Media         `mapstructure:"media"`
}

func DefaultCodecs() []map[string]any {
	return []map[string]any{
		{"kind": "audio", "mime_type": "audio/opus", "clock_rate": 48000, "channels": 2},
		{"kind": "video", "mime_type": "video/VP8", "clock_rate": 90000,
			"parameters": map[string]any{"x-google-start-bitrate": 1000}},
		{"kind": "video", "mime_type": "video/h264", "clock_rate": 90000,
			"parameters": map[string]any{"packetization-mode": 1, "profile-level-id": "4d0032", "level-asymmetry-allowed": 1, "x-google-start-bitrate": 1000}},
		{"kind": "video", "mime_type": "video/h264", "clock_rate": 90000,
			"parameters": map[string]any{"packetization-mode": 1, "profile-level-id": "42e01f", "level-asymmetry-allowed": 1, "x-google-start-bitrate": 1000}},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "25s")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("empty_room_ttl", "0s")
	v.SetDefault("worker_died_grace", "2s")
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")

	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 40200)
	v.SetDefault("media.listen_ips", []map[string]any{{"ip": "0.0.0.0", "announced_ip": "127.0.0.1"}})
	v.SetDefault("media.initial_available_outgoing_bitrate", 800000)
	v.SetDefault("media.observer_interval", "800ms")
	v.SetDefault("media.observer_threshold", -80)
	v.SetDefault("media.observer_max_entries", 1)
	v.SetDefault("media.codecs", DefaultCodecs())
}

// Load reads path, or config/config.<CONFIG_ENV>.yaml when path is empty.
// A missing file falls back to defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	setDefaults(v)
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "VOICE_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", path).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", path).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyLegacyIPs(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Int("rtc_min_port", cfg.Media.RTCMinPort).Int("rtc_max_port", cfg.Media.RTCMaxPort).Msg("config ready")
	return &cfg, nil
}

// applyLegacyIPs lets PRIVATE_IP / PUBLIC_IP override the first listen IP.
func applyLegacyIPs(cfg *Config) {
	private, public := os.Getenv("PRIVATE_IP"), os.Getenv("PUBLIC_IP")
	if private == "" && public == "" {
		return
	}
	if len(cfg.Media.ListenIPs) == 0 {
		cfg.Media.ListenIPs = []ListenIP{{IP: "0.0.0.0"}}
	}
	if private != "" {
		cfg.Media.ListenIPs[0].IP = private
	}
	if public != "" {
		cfg.Media.ListenIPs[0].AnnouncedIP = public
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Media.RTCMinPort <= 0 || c.Media.RTCMaxPort > 65535 || c.Media.RTCMinPort > c.Media.RTCMaxPort {
		return fmt.Errorf("invalid rtc port range %d-%d", c.Media.RTCMinPort, c.Media.RTCMaxPort)
	}
	if len(c.Media.ListenIPs) == 0 {
		return fmt.Errorf("no media listen ips")
	}
	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("no media codecs")
	}
	if c.Media.ObserverThreshold < -127 || c.Media.ObserverThreshold > 0 {
		return fmt.Errorf("observer threshold %d outside -127..0", c.Media.ObserverThreshold)
	}
	if c.PingPeriod <= 0 {
		return fmt.Errorf("ping_period must be positive")
	}
	return nil
}
