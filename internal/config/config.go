package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "VOICE"

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	LogLevel     string        `mapstructure:"log_level"`
	RoomCapacity int           `mapstructure:"room_capacity"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
	Backpressure string        `mapstructure:"backpressure"`
	Secret       string        `mapstructure:"secret"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). A missing
// file is not an error: defaults and VOICE_* env vars still apply.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFrom(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFrom(fileName string) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("room_capacity", 2)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("join_limit", 5)
	v.SetDefault("join_interval", "10s")
	v.SetDefault("secret", "")
	v.SetDefault("backpressure", "kick")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", cfg.PingPeriod, cfg.PongWait)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Int("capacity", cfg.RoomCapacity).Msg("server config")
	return &cfg, nil
}

type PeerConfig struct {
	Server             string        `mapstructure:"server"`
	Room               string        `mapstructure:"room"`
	Name               string        `mapstructure:"name"`
	RTPIn              string        `mapstructure:"rtp-in"`
	RTPOut             string        `mapstructure:"rtp-out"`
	ICEServers         []string      `mapstructure:"ice-servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation-timeout"`
	LogLevel           string        `mapstructure:"log-level"`
}

// PeerFlags registers the peer command line flags on fs.
func PeerFlags(fs *pflag.FlagSet) {
	fs.String("server", "ws://localhost:8080/ws", "signaling server WebSocket URL")
	fs.String("room", "", "room id to join")
	fs.String("name", "", "display name")
	fs.String("rtp-in", "127.0.0.1:5004", "UDP address to read local Opus RTP from")
	fs.String("rtp-out", "", "UDP address remote audio RTP is forwarded to (empty discards it)")
	fs.StringSlice("ice-servers", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	fs.Duration("negotiation-timeout", 30*time.Second, "give up on a peer that has not connected after this long (0 disables)")
	fs.String("log-level", "info", "log level")
}

// LoadPeer resolves peer settings from flags and VOICE_* env vars.
func LoadPeer(fs *pflag.FlagSet) (*PeerConfig, error) {
	v := newViper()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	var cfg PeerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse peer config: %w", err)
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("room is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}
