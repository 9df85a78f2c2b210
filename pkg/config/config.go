package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/edgeflare/scoot/pkg/broker/mqtt"
	"github.com/edgeflare/scoot/pkg/broker/nats"
	"github.com/edgeflare/scoot/pkg/command"
	"github.com/edgeflare/scoot/pkg/db"
	"github.com/edgeflare/scoot/pkg/httputil/middleware"
	"github.com/edgeflare/scoot/pkg/telemetry"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X ...config.Version=...".
var Version = "dev"

const EnvPrefix = "SCOOT"

// Config holds application-wide configuration
type Config struct {
	Broker   BrokerConfig  `mapstructure:"broker"`
	Topics   TopicsConfig  `mapstructure:"topics"`
	Command  CommandConfig `mapstructure:"command"`
	Database db.Config     `mapstructure:"database"`
	Ingest   IngestConfig  `mapstructure:"ingest"`
	API      APIConfig     `mapstructure:"api"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	Relay    RelayConfig   `mapstructure:"relay"`
}

// BrokerConfig selects and configures the broker transport.
type BrokerConfig struct {
	// Kind is "mqtt" or "nats".
	Kind string      `mapstructure:"kind"`
	MQTT mqtt.Config `mapstructure:"mqtt"`
	NATS nats.Config `mapstructure:"nats"`
}

type TopicsConfig struct {
	Command    string `mapstructure:"command"`
	Response   string `mapstructure:"response"`
	Telemetry  string `mapstructure:"telemetry"`
	DeadLetter string `mapstructure:"deadLetter"`
}

type CommandConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	Enabled              bool                   `mapstructure:"enabled"`
	RetryInitialInterval time.Duration          `mapstructure:"retryInitialInterval"`
	RetryMaxElapsed      time.Duration          `mapstructure:"retryMaxElapsed"`
	Influx               telemetry.InfluxConfig `mapstructure:"influx"`
}

type APIConfig struct {
	ListenAddr string                 `mapstructure:"listenAddr"`
	TLSCert    string                 `mapstructure:"tlsCert"`
	TLSKey     string                 `mapstructure:"tlsKey"`
	CORS       middleware.CORSOptions `mapstructure:"cors"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RelayConfig configures the edge relay controller.
type RelayConfig struct {
	// Actuator is "memory" or "sysfs".
	Actuator string     `mapstructure:"actuator"`
	GPIO     GPIOConfig `mapstructure:"gpio"`
}

type GPIOConfig struct {
	Root      string `mapstructure:"root"`
	Pin       int    `mapstructure:"pin"`
	ActiveLow bool   `mapstructure:"activeLow"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

// defaultActuator drives real GPIO on Linux ARM boards, where the relay
// controller is deployed, and a memory relay elsewhere.
func defaultActuator(goos, goarch string) string {
	if goos == "linux" && (goarch == "arm" || goarch == "arm64") {
		return "sysfs"
	}
	return "memory"
}

// SetDefaults registers every key with its default so that environment
// variables can override any of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.kind", "mqtt")
	v.SetDefault("broker.mqtt.servers", []string{mqtt.DefaultBroker})
	v.SetDefault("broker.mqtt.clientID", "")
	v.SetDefault("broker.mqtt.username", "")
	v.SetDefault("broker.mqtt.password", "")
	v.SetDefault("broker.mqtt.keepAlive", mqtt.DefaultKeepAlive)
	v.SetDefault("broker.mqtt.connectTimeout", mqtt.DefaultConnectTimeout)
	v.SetDefault("broker.mqtt.publishTimeout", mqtt.DefaultPublishTimeout)
	v.SetDefault("broker.mqtt.maxReconnectInterval", time.Minute)
	v.SetDefault("broker.mqtt.connectRetries", mqtt.DefaultConnectRetries)
	v.SetDefault("broker.mqtt.cleanSession", false)
	v.SetDefault("broker.mqtt.orderMatters", false)
	v.SetDefault("broker.nats.servers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("broker.nats.name", "scoot")
	v.SetDefault("broker.nats.username", "")
	v.SetDefault("broker.nats.password", "")
	v.SetDefault("broker.nats.connectTimeout", 10*time.Second)
	v.SetDefault("broker.nats.publishTimeout", 5*time.Second)

	v.SetDefault("topics.command", "scooter/command")
	v.SetDefault("topics.response", "scooter/response")
	v.SetDefault("topics.telemetry", "scooter/telemetry")
	v.SetDefault("topics.deadLetter", "")

	v.SetDefault("command.timeout", command.DefaultTimeout)

	v.SetDefault("database.connString", "")
	v.SetDefault("database.maxConns", 4)
	v.SetDefault("database.connectRetries", 5)
	v.SetDefault("database.migrate", true)

	v.SetDefault("ingest.enabled", true)
	v.SetDefault("ingest.retryInitialInterval", telemetry.DefaultRetryInitialInterval)
	v.SetDefault("ingest.retryMaxElapsed", telemetry.DefaultRetryMaxElapsed)
	v.SetDefault("ingest.influx.url", "")
	v.SetDefault("ingest.influx.token", "")
	v.SetDefault("ingest.influx.org", "")
	v.SetDefault("ingest.influx.bucket", "")
	v.SetDefault("ingest.influx.measurement", telemetry.DefaultMeasurement)
	v.SetDefault("ingest.influx.flushInterval", time.Second)

	cors := middleware.DefaultCORSOptions()
	v.SetDefault("api.listenAddr", ":8080")
	v.SetDefault("api.tlsCert", "")
	v.SetDefault("api.tlsKey", "")
	v.SetDefault("api.cors.allowedOrigins", cors.AllowedOrigins)
	v.SetDefault("api.cors.allowedMethods", cors.AllowedMethods)
	v.SetDefault("api.cors.allowedHeaders", cors.AllowedHeaders)
	v.SetDefault("api.cors.allowCredentials", cors.AllowCredentials)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")

	v.SetDefault("relay.actuator", defaultActuator(runtime.GOOS, runtime.GOARCH))
	v.SetDefault("relay.gpio.root", "/sys/class/gpio")
	v.SetDefault("relay.gpio.pin", 17)
	v.SetDefault("relay.gpio.activeLow", false)
}

// NewViper returns a viper instance with defaults, the SCOOT_ environment
// prefix and the config file search path. Keys map to environment variables
// by upper-casing and replacing "." with "_", e.g. SCOOT_DATABASE_CONNSTRING.
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("scoot")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	return LoadViper(NewViper(cfgFile))
}

// LoadViper reads the config file configured on v, if any, and decodes it.
// Flags bound to v take precedence over the file and the environment.
func LoadViper(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return Decode(v)
}

// Decode decodes every setting of v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings(v)); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// settings resolves every known key through v.Get so that environment
// overrides are applied, then nests the result by key path.
func settings(v *viper.Viper) map[string]any {
	out := map[string]any{}
	for _, key := range v.AllKeys() {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v.Get(key)
	}
	return out
}

// MQTTConfig returns the MQTT settings for one process role ("server" or
// "relay"). Without a configured clientID a persistent session gets an id
// derived from the role and hostname, so it resumes after a restart and the
// broker redelivers unacknowledged messages. Server and relay on one host
// get distinct ids.
func (c *Config) MQTTConfig(role string) (mqtt.Config, error) {
	mc := c.Broker.MQTT
	if mc.ClientID != "" || mc.CleanSession {
		return mc, nil
	}
	id, err := mqtt.StableClientID(role)
	if err != nil {
		return mc, err
	}
	mc.ClientID = id
	return mc, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "mqtt", "nats":
	default:
		return fmt.Errorf("%w: broker.kind must be mqtt or nats, got %q", ErrInvalidConfig, c.Broker.Kind)
	}
	switch c.Relay.Actuator {
	case "memory", "sysfs":
	default:
		return fmt.Errorf("%w: relay.actuator must be memory or sysfs, got %q", ErrInvalidConfig, c.Relay.Actuator)
	}
	if c.Topics.Command == "" || c.Topics.Response == "" || c.Topics.Telemetry == "" {
		return fmt.Errorf("%w: topics.command, topics.response and topics.telemetry are required", ErrInvalidConfig)
	}
	if c.Command.Timeout <= 0 {
		return fmt.Errorf("%w: command.timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
