package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Phemex   Phemex   `mapstructure:"phemex"`
	Listener Listener `mapstructure:"listener"`
	Relay    Relay    `mapstructure:"relay"`
	Security Security `mapstructure:"security"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Phemex holds the configuration for the Phemex REST and WebSocket APIs.
// ApiKey and SecretKey are only read when the listener is started with the
// config credential source.
type Phemex struct {
	RestURL           string  `mapstructure:"rest_url"`
	WsURL             string  `mapstructure:"ws_url"`
	ApiKey            string  `mapstructure:"apiKey"`
	SecretKey         string  `mapstructure:"secretKey"`
	RateLimit         float64 `mapstructure:"rate_limit"`
	RateLimitBurst    int     `mapstructure:"rate_limit_burst"`
	RestExpirySeconds int64   `mapstructure:"rest_expiry_seconds"`
	WsExpirySeconds   int64   `mapstructure:"ws_expiry_seconds"`
}

// Listener holds the configuration for the streaming ingestion session.
type Listener struct {
	UserID                 uint          `mapstructure:"user_id"`
	Broker                 string        `mapstructure:"broker"`
	Symbol                 string        `mapstructure:"symbol"`
	Streams                []string      `mapstructure:"streams"`
	TickSymbol             string        `mapstructure:"tick_symbol"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	DeadAfterIntervals     int           `mapstructure:"dead_after_intervals"`
	AuthTimeout            time.Duration `mapstructure:"auth_timeout"`
	StaleAfter             time.Duration `mapstructure:"stale_after"`
	ReconnectInitial       time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax           time.Duration `mapstructure:"reconnect_max"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	InboxSize              int           `mapstructure:"inbox_size"`
}

// Relay holds the configuration for the downstream pub/sub broadcaster.
type Relay struct {
	URL       string        `mapstructure:"url"`
	Channel   string        `mapstructure:"channel"`
	Event     string        `mapstructure:"event"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Security holds the key used to encrypt broker secrets at rest.
type Security struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// Server holds the configuration for the HTTP servers.
type Server struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

// SetDefaults registers the default value of every optional key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("phemex.rest_url", "https://api.phemex.com")
	v.SetDefault("phemex.ws_url", "wss://ws.phemex.com")
	v.SetDefault("phemex.rate_limit", 10) // requests per second
	v.SetDefault("phemex.rate_limit_burst", 5)
	v.SetDefault("phemex.rest_expiry_seconds", 60)
	v.SetDefault("phemex.ws_expiry_seconds", 120)

	v.SetDefault("listener.broker", "Phemex")
	v.SetDefault("listener.symbol", "BTCUSD")
	v.SetDefault("listener.streams", []string{"trade", "order", "position"})
	v.SetDefault("listener.heartbeat_interval", 5*time.Second)
	v.SetDefault("listener.dead_after_intervals", 3)
	v.SetDefault("listener.auth_timeout", 10*time.Second)
	v.SetDefault("listener.stale_after", 5*time.Minute)
	v.SetDefault("listener.reconnect_initial", time.Second)
	v.SetDefault("listener.reconnect_max", 30*time.Second)
	v.SetDefault("listener.max_consecutive_failures", 10)
	v.SetDefault("listener.inbox_size", 256)

	v.SetDefault("relay.channel", "btc-price")
	v.SetDefault("relay.event", "btcPrice")
	v.SetDefault("relay.queue_size", 64)
	v.SetDefault("relay.timeout", 3*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9100)
	v.SetDefault("database.dsn", "trader.db")
}
