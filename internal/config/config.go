package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/sensord/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultInterval        = 5 * time.Minute
	DefaultWorkers         = 2
	DefaultLogLevel        = "info"
	DefaultDatabasePath    = "/var/lib/sensord/samples.db"
	DefaultStateBackend    = StateSQLite
	DefaultSourceKind      = SourceSimulated
	DefaultSourceRate      = 1.0
	DefaultMQTTTopicPrefix = "sensord/streams"
	DefaultEnvPrefix       = "SENSORD"

	configName = "sensord"
	configType = "toml"
)

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
	LogLevel string        `mapstructure:"log_level"`
	Database string        `mapstructure:"database"`
	PIDDir   string        `mapstructure:"pid_dir"`
	State    StateConfig   `mapstructure:"state"`
	Source   SourceConfig  `mapstructure:"source"`
	MQTT     MQTTConfig    `mapstructure:"mqtt"`
	HTTP     HTTPConfig    `mapstructure:"http"`
}

type StateConfig struct {
	Backend StateBackend `mapstructure:"backend"`
	File    string       `mapstructure:"file"`
}

type SourceConfig struct {
	Kind SourceKind `mapstructure:"kind"`
	Rate float64    `mapstructure:"rate"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

var _ Provider = (*Config)(nil)

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"interval":          "interval",
	"workers":           "workers",
	"log-level":         "log_level",
	"database":          "database",
	"pid-dir":           "pid_dir",
	"state-backend":     "state.backend",
	"state-file":        "state.file",
	"source":            "source.kind",
	"rate":              "source.rate",
	"mqtt-broker":       "mqtt.broker",
	"mqtt-topic-prefix": "mqtt.topic_prefix",
	"mqtt-client-id":    "mqtt.client_id",
	"http-listen":       "http.listen",
}

// Load reads configuration from flags, environment and the config file,
// in that order of precedence, on top of the defaults.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		args:      os.Args[1:],
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	// Define flags
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to the configuration file")
	debugFlag := fs.Bool("debug", false, "Enable debug logging")
	fs.Duration("interval", DefaultInterval, "Interval between persisted samples")
	fs.Int("workers", DefaultWorkers, "Concurrent storage writers per batch")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("database", DefaultDatabasePath, "Path to the samples database")
	fs.String("pid-dir", os.TempDir(), "Directory for the PID file")
	fs.String("state-backend", string(DefaultStateBackend), "Activation state backend (sqlite, yaml, memory)")
	fs.String("state-file", "", "Activation state file for the yaml backend")
	fs.String("source", string(DefaultSourceKind), "Sensor source (simulated, mqtt)")
	fs.Float64("rate", DefaultSourceRate, "Simulated readings per second per stream")
	fs.String("mqtt-broker", "", "MQTT broker address (host:port)")
	fs.String("mqtt-topic-prefix", DefaultMQTTTopicPrefix, "MQTT topic prefix for stream readings")
	fs.String("mqtt-client-id", "", "MQTT client identifier")
	fs.String("http-listen", "", "HTTP API listen address, empty to disable")

	// Parse flags
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load configuration from file
	configPath := o.configPath
	if *configFlag != "" {
		configPath = *configFlag
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	if *debugFlag {
		v.Set("log_level", string(LogLevelDebug))
	}

	// Unmarshal the configuration
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if cfg.State.Backend == StateYAML && cfg.State.File == "" {
		cfg.State.File = filepath.Join(filepath.Dir(cfg.Database), "state.yaml")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("database", DefaultDatabasePath)
	v.SetDefault("pid_dir", os.TempDir())
	v.SetDefault("state.backend", string(DefaultStateBackend))
	v.SetDefault("state.file", "")
	v.SetDefault("source.kind", string(DefaultSourceKind))
	v.SetDefault("source.rate", DefaultSourceRate)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic_prefix", DefaultMQTTTopicPrefix)
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("http.listen", "")
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.Workers < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value int
		}{
			Field: "workers",
			Value: c.Workers,
		})
	}
	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Database == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "database path must not be empty")
	}
	if !c.State.Backend.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown state backend "+string(c.State.Backend))
	}
	if !c.Source.Kind.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown source "+string(c.Source.Kind))
	}
	if c.Source.Kind == SourceSimulated && c.Source.Rate <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "source rate must be positive")
	}
	if c.Source.Kind == SourceMQTT && c.MQTT.Broker == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "mqtt source requires a broker address")
	}

	return nil
}

func (c *Config) GetInterval() time.Duration { return c.Interval }
func (c *Config) GetWorkers() int { return c.Workers }
func (c *Config) GetLogLevel() string { return strings.ToLower(c.LogLevel) }
func (c *Config) GetDatabasePath() string { return c.Database }
func (c *Config) GetStateBackend() StateBackend { return c.State.Backend }
func (c *Config) GetStateFile() string { return c.State.File }
func (c *Config) GetSourceKind() SourceKind { return c.Source.Kind }
func (c *Config) GetSourceRate() float64 { return c.Source.Rate }
func (c *Config) GetMQTTBroker() string { return c.MQTT.Broker }
func (c *Config) GetMQTTTopicPrefix() string { return c.MQTT.TopicPrefix }
func (c *Config) GetMQTTClientID() string { return c.MQTT.ClientID }
func (c *Config) GetHTTPListen() string { return c.HTTP.Listen }
func (c *Config) GetPIDDir() string { return c.PIDDir }
