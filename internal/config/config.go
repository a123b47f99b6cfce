package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env    string       `yaml:"env" env:"ENV" env-default:"local"`
	HTTP   HTTPConfig   `yaml:"http"`
	Relay  RelayConfig  `yaml:"relay"`
	WebRTC WebRTCConfig `yaml:"webrtc"`
	Client ClientConfig `yaml:"client"`
}

type HTTPConfig struct {
	Address         string   `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowOrigins    []string `yaml:"allow_origins" env:"HTTP_ALLOW_ORIGINS" env-default:""`
	ReadBufferSize  int      `yaml:"read_buffer_size" env-default:"0"`
	WriteBufferSize int      `yaml:"write_buffer_size" env-default:"0"`
}

// RelayConfig tunes the signaling relay and its websocket connections.
type RelayConfig struct {
	RosterInterval time.Duration `yaml:"roster_interval" env:"RELAY_ROSTER_INTERVAL" env-default:"30s"`
	EventBuffer    int           `yaml:"event_buffer" env-default:"0"`
	MaxMessageSize int64         `yaml:"max_message_size" env-default:"0"`
	WriteWait      time.Duration `yaml:"write_wait" env-default:"10s"`
	PongWait       time.Duration `yaml:"pong_wait" env-default:"60s"`
	PingPeriod     time.Duration `yaml:"ping_period" env-default:"0s"`
	RateLimit      float64       `yaml:"rate_limit" env-default:"0"`
	RateBurst      int           `yaml:"rate_burst" env-default:"0"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"WEBRTC_STUN_SERVERS" env-default:""`
}

// ClientConfig drives cmd/peer.
type ClientConfig struct {
	ServerURL          string        `yaml:"server_url" env:"CLIENT_SERVER_URL" env-default:""`
	Room               string        `yaml:"room" env:"CLIENT_ROOM" env-default:""`
	Username           string        `yaml:"username" env:"CLIENT_USERNAME" env-default:""`
	Media              string        `yaml:"media" env:"CLIENT_MEDIA" env-default:"silence"`
	RecoveryDelay      time.Duration `yaml:"recovery_delay" env-default:"2s"`
	StallTimeout       time.Duration `yaml:"stall_timeout" env-default:"10s"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" env-default:"20s"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay" env-default:"2s"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	cfg, err := LoadPath(configPath)
	if err != nil {
		panic("cannot read config: " + err.Error())
	}

	return cfg
}

// LoadPath reads the YAML file at configPath, applies env overrides and fills
// in defaults.
func LoadPath(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return &cfg, nil
}

// LoadEnv builds a config from environment variables only.
func LoadEnv() (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return &cfg, nil
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.Env == "" {
		c.Env = "local"
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.HTTP.AllowOrigins) == 0 {
		c.HTTP.AllowOrigins = []string{"http://localhost:3000"}
	}
	if c.HTTP.ReadBufferSize <= 0 {
		c.HTTP.ReadBufferSize = 1024
	}
	if c.HTTP.WriteBufferSize <= 0 {
		c.HTTP.WriteBufferSize = 1024
	}

	if c.Relay.RosterInterval <= 0 {
		c.Relay.RosterInterval = 30 * time.Second
	}
	if c.Relay.EventBuffer <= 0 {
		c.Relay.EventBuffer = 64
	}
	if c.Relay.MaxMessageSize <= 0 {
		c.Relay.MaxMessageSize = 64 * 1024
	}
	if c.Relay.WriteWait <= 0 {
		c.Relay.WriteWait = 10 * time.Second
	}
	if c.Relay.PongWait <= 0 {
		c.Relay.PongWait = 60 * time.Second
	}
	if c.Relay.PingPeriod <= 0 || c.Relay.PingPeriod >= c.Relay.PongWait {
		c.Relay.PingPeriod = (c.Relay.PongWait * 9) / 10
	}
	if c.Relay.RateLimit <= 0 {
		c.Relay.RateLimit = 50
	}
	if c.Relay.RateBurst <= 0 {
		c.Relay.RateBurst = 100
	}

	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}

	if c.Client.ServerURL == "" {
		c.Client.ServerURL = "ws://localhost:8080/ws"
	}
	if c.Client.Username == "" {
		c.Client.Username = "Anonymous"
	}
	if c.Client.Media == "" {
		c.Client.Media = "silence"
	}
	if c.Client.RecoveryDelay <= 0 {
		c.Client.RecoveryDelay = 2 * time.Second
	}
	// Negative timeouts disable the check.
	if c.Client.StallTimeout == 0 {
		c.Client.StallTimeout = 10 * time.Second
	}
	if c.Client.NegotiationTimeout == 0 {
		c.Client.NegotiationTimeout = 20 * time.Second
	}
	if c.Client.ReconnectDelay <= 0 {
		c.Client.ReconnectDelay = 2 * time.Second
	}
}
