// Package config provides the configuration structure for the
// voice-clone-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Engine kinds.
const (
	EngineKindHTTP = "http"
	EngineKindExec = "exec"
)

// Defaults applied by ApplyDefaults.
const (
	defaultHost                  = "0.0.0.0"
	defaultPort                  = 8000
	defaultMaxRequestBytes       = 100 << 20
	defaultReadTimeoutSeconds    = 60
	writeTimeoutMarginSeconds    = 30
	defaultShutdownTimeoutSecond = 30
	defaultServiceName           = "voice-clone-api"
	defaultServiceVersion        = "1.0.0"
	defaultMaxDurationSeconds    = 300
	defaultEngineKind            = EngineKindHTTP
	defaultEngineSampleRate      = 44100
	defaultEngineServiceURL      = "http://127.0.0.1:7860"
	defaultEngineTimeoutSeconds  = 600
	defaultEngineBinaryPath      = "python3"
	defaultAcquireTimeoutSeconds = 30
	defaultMaxQueueDepth         = 16
	defaultMaxDiffusionSteps     = 1000
	defaultConversionSubject     = "voice.conversion.requested"
	defaultObjectStoreBucket     = "VOICE_CLONE_AUDIO"
	defaultBaseLogsDir           = "logs"
)

// Validation errors.
var (
	// ErrInvalidPort indicates the listen port is outside 1..65535.
	ErrInvalidPort = errors.New("server port must be between 1 and 65535")
	// ErrUnknownEngineKind indicates engine.kind names no known adapter.
	ErrUnknownEngineKind = errors.New("unknown engine kind")
	// ErrEngineURLEmpty indicates the http engine has no service URL.
	ErrEngineURLEmpty = errors.New("engine service_url cannot be empty for the http engine")
	// ErrEngineBinaryEmpty indicates the exec engine has no binary.
	ErrEngineBinaryEmpty = errors.New("engine binary_path cannot be empty for the exec engine")
	// ErrNonPositiveLimit indicates a size, duration or rate setting is not positive.
	ErrNonPositiveLimit = errors.New("limit must be positive")
	// ErrWriteTimeoutTooShort indicates a response could be cut off while the
	// request is still waiting for or running on the engine.
	ErrWriteTimeoutTooShort = errors.New("server write_timeout_seconds must cover gateway wait plus engine timeout")
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                   string   `toml:"host"`
	Port                   int      `toml:"port"`
	MaxRequestBytes        int64    `toml:"max_request_bytes"`
	ReadTimeoutSeconds     int      `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int      `toml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds"`
	RateLimitPerMinute     int      `toml:"rate_limit_per_minute"`
	CORSAllowedOrigins     []string `toml:"cors_allowed_origins"`
}

// ServiceConfig identifies the service in health responses.
type ServiceConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// AudioConfig bounds uploaded audio.
type AudioConfig struct {
	MaxDurationSeconds int `toml:"max_duration_seconds"`
}

// EngineConfig selects and configures the inference engine adapter.
type EngineConfig struct {
	Kind           string `toml:"kind"`
	ModelPath      string `toml:"model_path"`
	ConfigPath     string `toml:"config_path"`
	SampleRate     int    `toml:"sample_rate"`
	ServiceURL     string `toml:"service_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	BinaryPath     string `toml:"binary_path"`
	ScriptPath     string `toml:"script_path"`
	FP16           bool   `toml:"fp16"`
}

// GatewayConfig bounds waiting for the engine.
type GatewayConfig struct {
	AcquireTimeoutSeconds int `toml:"acquire_timeout_seconds"`
	MaxQueueDepth         int `toml:"max_queue_depth"`
}

// ConversionConfig bounds request parameters.
type ConversionConfig struct {
	MaxDiffusionSteps int `toml:"max_diffusion_steps"`
}

// NATSConfig holds the configuration for the asynchronous job surface. An
// empty URL disables it.
type NATSConfig struct {
	URL               string `toml:"url"`
	ConversionSubject string `toml:"conversion_subject"`
	QueueGroup        string `toml:"queue_group"`
	ObjectStoreBucket string `toml:"object_store_bucket"`
	DeleteInputs      bool   `toml:"delete_inputs"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Service    ServiceConfig    `toml:"service"`
	Audio      AudioConfig      `toml:"audio"`
	Engine     EngineConfig     `toml:"engine"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Conversion ConversionConfig `toml:"conversion"`
	NATS       NATSConfig       `toml:"nats"`
	Paths      PathsConfig      `toml:"paths"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile loads the configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.Host, defaultHost)
	setInt(&c.Server.Port, defaultPort)

	if c.Server.MaxRequestBytes == 0 {
		c.Server.MaxRequestBytes = defaultMaxRequestBytes
	}

	setInt(&c.Server.ReadTimeoutSeconds, defaultReadTimeoutSeconds)
	setInt(&c.Server.ShutdownTimeoutSeconds, defaultShutdownTimeoutSecond)

	setString(&c.Service.Name, defaultServiceName)
	setString(&c.Service.Version, defaultServiceVersion)

	setInt(&c.Audio.MaxDurationSeconds, defaultMaxDurationSeconds)

	c.Engine.Kind = strings.ToLower(strings.TrimSpace(c.Engine.Kind))
	setString(&c.Engine.Kind, defaultEngineKind)
	setInt(&c.Engine.SampleRate, defaultEngineSampleRate)
	setInt(&c.Engine.TimeoutSeconds, defaultEngineTimeoutSeconds)

	if c.Engine.Kind == EngineKindHTTP {
		setString(&c.Engine.ServiceURL, defaultEngineServiceURL)
	}

	if c.Engine.Kind == EngineKindExec {
		setString(&c.Engine.BinaryPath, defaultEngineBinaryPath)
	}

	setInt(&c.Gateway.AcquireTimeoutSeconds, defaultAcquireTimeoutSeconds)
	setInt(&c.Gateway.MaxQueueDepth, defaultMaxQueueDepth)

	// The response is written only after the gate wait and the engine run.
	setInt(
		&c.Server.WriteTimeoutSeconds,
		c.Gateway.AcquireTimeoutSeconds+c.Engine.TimeoutSeconds+writeTimeoutMarginSeconds,
	)
	setInt(&c.Conversion.MaxDiffusionSteps, defaultMaxDiffusionSteps)

	setString(&c.NATS.ConversionSubject, defaultConversionSubject)
	setString(&c.NATS.ObjectStoreBucket, defaultObjectStoreBucket)

	setString(&c.Paths.BaseLogsDir, defaultBaseLogsDir)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Server.Port)
	}

	positive := map[string]int64{
		"server.max_request_bytes":        c.Server.MaxRequestBytes,
		"server.read_timeout_seconds":     int64(c.Server.ReadTimeoutSeconds),
		"server.write_timeout_seconds":    int64(c.Server.WriteTimeoutSeconds),
		"server.shutdown_timeout_seconds": int64(c.Server.ShutdownTimeoutSeconds),
		"audio.max_duration_seconds":      int64(c.Audio.MaxDurationSeconds),
		"engine.sample_rate":              int64(c.Engine.SampleRate),
		"engine.timeout_seconds":          int64(c.Engine.TimeoutSeconds),
		"gateway.acquire_timeout_seconds": int64(c.Gateway.AcquireTimeoutSeconds),
		"conversion.max_diffusion_steps":  int64(c.Conversion.MaxDiffusionSteps),
	}

	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%w: %s = %d", ErrNonPositiveLimit, name, value)
		}
	}

	conversionBound := c.Gateway.AcquireTimeoutSeconds + c.Engine.TimeoutSeconds
	if c.Server.WriteTimeoutSeconds <= conversionBound {
		return fmt.Errorf("%w: %ds <= %ds acquire + %ds engine", ErrWriteTimeoutTooShort,
			c.Server.WriteTimeoutSeconds, c.Gateway.AcquireTimeoutSeconds, c.Engine.TimeoutSeconds)
	}

	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("%w: server.rate_limit_per_minute = %d", ErrNonPositiveLimit, c.Server.RateLimitPerMinute)
	}

	switch c.Engine.Kind {
	case EngineKindHTTP:
		if c.Engine.ServiceURL == "" {
			return ErrEngineURLEmpty
		}
	case EngineKindExec:
		if c.Engine.BinaryPath == "" {
			return ErrEngineBinaryEmpty
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngineKind, c.Engine.Kind)
	}

	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeout returns the read timeout as a duration.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the write timeout as a duration.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound as a duration.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// MaxDuration returns the longest accepted upload.
func (a AudioConfig) MaxDuration() time.Duration {
	return time.Duration(a.MaxDurationSeconds) * time.Second
}

// Timeout returns the per-conversion engine timeout.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// AcquireTimeout returns the bounded wait for the engine.
func (g GatewayConfig) AcquireTimeout() time.Duration {
	return time.Duration(g.AcquireTimeoutSeconds) * time.Second
}

// Enabled reports whether the job surface is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
