package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete agent configuration
type Config struct {
	Identity  IdentityConfig  `json:"identity"`
	Channel   ChannelConfig   `json:"channel"`
	Peer      PeerConfig      `json:"peer"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Registry  RegistryConfig  `json:"registry"`
	Messaging MessagingConfig `json:"messaging"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
}

// IdentityConfig identifies the caller against the coach backend.
// The bearer token is issued by the external identity provider.
type IdentityConfig struct {
	UserID      string `json:"user_id" env:"WARROOM_USER_ID"`
	DisplayName string `json:"display_name" env:"WARROOM_DISPLAY_NAME"`
	Role        string `json:"role" env:"WARROOM_ROLE" default:"rep"`
	BearerToken string `json:"-" env:"WARROOM_BEARER_TOKEN"`
}

// ChannelConfig holds telemetry channel configuration
type ChannelConfig struct {
	URL               string        `json:"url" env:"WARROOM_CHANNEL_URL" default:"wss://localhost:8443/ws"`
	ReconnectInterval time.Duration `json:"reconnect_interval" env:"WARROOM_CHANNEL_RECONNECT_INTERVAL" default:"5s"`
	// MaxReconnectAttempts of 0 means unbounded
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" env:"WARROOM_CHANNEL_MAX_RECONNECT_ATTEMPTS" default:"0"`
	WriteTimeout         time.Duration `json:"write_timeout" env:"WARROOM_CHANNEL_WRITE_TIMEOUT" default:"10s"`
	PingInterval         time.Duration `json:"ping_interval" env:"WARROOM_CHANNEL_PING_INTERVAL" default:"30s"`
	SendBufferSize       int           `json:"send_buffer_size" env:"WARROOM_CHANNEL_SEND_BUFFER" default:"256"`
}

// PeerConfig holds peer media connection configuration
type PeerConfig struct {
	ReconnectInterval time.Duration `json:"reconnect_interval" env:"WARROOM_PEER_RECONNECT_INTERVAL" default:"5s"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout" env:"WARROOM_PEER_HANDSHAKE_TIMEOUT" default:"15s"`
	STUNServers       []string      `json:"stun_servers" env:"WARROOM_STUN_SERVERS"`
	MediaPortMin      int           `json:"media_port_min" env:"WARROOM_MEDIA_PORT_MIN" default:"16384"`
	MediaPortMax      int           `json:"media_port_max" env:"WARROOM_MEDIA_PORT_MAX" default:"32768"`
}

// AnalysisConfig holds voice analysis configuration
type AnalysisConfig struct {
	TickInterval time.Duration `json:"tick_interval" env:"WARROOM_ANALYSIS_TICK" default:"100ms"`
	SampleRate   int           `json:"sample_rate" env:"WARROOM_SAMPLE_RATE" default:"44100"`
	FFTSize      int           `json:"fft_size" env:"WARROOM_FFT_SIZE" default:"2048"`
}

// RegistryConfig holds war room registry configuration
type RegistryConfig struct {
	// MaxSpectatorsPerCall of 0 means unbounded
	MaxSpectatorsPerCall int           `json:"max_spectators_per_call" env:"WARROOM_MAX_SPECTATORS" default:"0"`
	EndedGracePeriod     time.Duration `json:"ended_grace_period" env:"WARROOM_ENDED_GRACE" default:"5s"`
	BattleGracePeriod    time.Duration `json:"battle_grace_period" env:"WARROOM_BATTLE_GRACE" default:"5s"`
}

// MessagingConfig holds the optional AMQP analytics publisher configuration
type MessagingConfig struct {
	AMQPUrl      string `json:"-" env:"AMQP_URL"`
	Exchange     string `json:"exchange" env:"AMQP_EXCHANGE" default:"warroom.analytics"`
	RoutingKey   string `json:"routing_key" env:"AMQP_ROUTING_KEY" default:"voice.metrics"`
	SampleEveryN int    `json:"sample_every_n" env:"AMQP_SAMPLE_EVERY_N" default:"10"`
}

// HTTPConfig holds the local metrics endpoint configuration
type HTTPConfig struct {
	Enabled     bool   `json:"enabled" env:"WARROOM_HTTP_ENABLED" default:"true"`
	ListenAddr  string `json:"listen_addr" env:"WARROOM_HTTP_ADDR" default:":9099"`
	MetricsPath string `json:"metrics_path" env:"WARROOM_METRICS_PATH" default:"/metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"LOG_FORMAT" default:"text"`
}

// Load loads the configuration from environment variables, consulting a
// .env file when present.
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	var loadedFrom string
	for _, envFile := range []string{".env", "../.env"} {
		if _, statErr := os.Stat(envFile); statErr == nil {
			if loadErr := godotenv.Load(envFile); loadErr == nil {
				loadedFrom, _ = filepath.Abs(envFile)
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{
		Identity: IdentityConfig{
			UserID:      getEnv("WARROOM_USER_ID", ""),
			DisplayName: getEnv("WARROOM_DISPLAY_NAME", ""),
			Role:        getEnv("WARROOM_ROLE", "rep"),
			BearerToken: getEnv("WARROOM_BEARER_TOKEN", ""),
		},
		Channel: ChannelConfig{
			URL:                  getEnv("WARROOM_CHANNEL_URL", "wss://localhost:8443/ws"),
			ReconnectInterval:    getEnvDuration("WARROOM_CHANNEL_RECONNECT_INTERVAL", 5*time.Second),
			MaxReconnectAttempts: getEnvInt("WARROOM_CHANNEL_MAX_RECONNECT_ATTEMPTS", 0),
			WriteTimeout:         getEnvDuration("WARROOM_CHANNEL_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:         getEnvDuration("WARROOM_CHANNEL_PING_INTERVAL", 30*time.Second),
			SendBufferSize:       getEnvInt("WARROOM_CHANNEL_SEND_BUFFER", 256),
		},
		Peer: PeerConfig{
			ReconnectInterval: getEnvDuration("WARROOM_PEER_RECONNECT_INTERVAL", 5*time.Second),
			HandshakeTimeout:  getEnvDuration("WARROOM_PEER_HANDSHAKE_TIMEOUT", 15*time.Second),
			STUNServers:       getEnvList("WARROOM_STUN_SERVERS"),
			MediaPortMin:      getEnvInt("WARROOM_MEDIA_PORT_MIN", 16384),
			MediaPortMax:      getEnvInt("WARROOM_MEDIA_PORT_MAX", 32768),
		},
		Analysis: AnalysisConfig{
			TickInterval: getEnvDuration("WARROOM_ANALYSIS_TICK", 100*time.Millisecond),
			SampleRate:   getEnvInt("WARROOM_SAMPLE_RATE", 44100),
			FFTSize:      getEnvInt("WARROOM_FFT_SIZE", 2048),
		},
		Registry: RegistryConfig{
			MaxSpectatorsPerCall: getEnvInt("WARROOM_MAX_SPECTATORS", 0),
			EndedGracePeriod:     getEnvDuration("WARROOM_ENDED_GRACE", 5*time.Second),
			BattleGracePeriod:    getEnvDuration("WARROOM_BATTLE_GRACE", 5*time.Second),
		},
		Messaging: MessagingConfig{
			AMQPUrl:      getEnv("AMQP_URL", ""),
			Exchange:     getEnv("AMQP_EXCHANGE", "warroom.analytics"),
			RoutingKey:   getEnv("AMQP_ROUTING_KEY", "voice.metrics"),
			SampleEveryN: getEnvInt("AMQP_SAMPLE_EVERY_N", 10),
		},
		HTTP: HTTPConfig{
			Enabled:     getEnvBool("WARROOM_HTTP_ENABLED", true),
			ListenAddr:  getEnv("WARROOM_HTTP_ADDR", ":9099"),
			MetricsPath: getEnv("WARROOM_METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := validate(logger, config); err != nil {
		return nil, err
	}

	return config, nil
}

func validate(logger *logrus.Logger, config *Config) error {
	if config.Channel.ReconnectInterval <= 0 {
		logger.Warn("Non-positive channel reconnect interval, falling back to 5s")
		config.Channel.ReconnectInterval = 5 * time.Second
	}
	if config.Peer.ReconnectInterval <= 0 {
		logger.Warn("Non-positive peer reconnect interval, falling back to 5s")
		config.Peer.ReconnectInterval = 5 * time.Second
	}
	if config.Analysis.TickInterval <= 0 {
		config.Analysis.TickInterval = 100 * time.Millisecond
	}
	if config.Analysis.SampleRate <= 0 {
		config.Analysis.SampleRate = 44100
	}
	if config.Analysis.FFTSize <= 0 || config.Analysis.FFTSize&(config.Analysis.FFTSize-1) != 0 {
		logger.WithField("fft_size", config.Analysis.FFTSize).Warn("FFT size must be a power of two, falling back to 2048")
		config.Analysis.FFTSize = 2048
	}
	if config.Peer.MediaPortMin >= config.Peer.MediaPortMax {
		logger.Warn("Invalid media port range, falling back to 16384-32768")
		config.Peer.MediaPortMin = 16384
		config.Peer.MediaPortMax = 32768
	}
	if config.Messaging.SampleEveryN <= 0 {
		config.Messaging.SampleEveryN = 10
	}
	return nil
}

// ApplyLogging configures the logger from the logging configuration
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		logger.WithField("level", c.Logging.Level).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// getEnvList retrieves a comma-separated environment variable as a slice
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
