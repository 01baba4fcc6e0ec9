package config

import "time"

// Provider defines the interface for accessing configuration values.
// All configuration values are immutable after initial loading.
type Provider interface {
	// GetInterval returns the persistence interval
	GetInterval() time.Duration

	// GetWorkers returns the number of concurrent storage writers per batch
	GetWorkers() int

	// GetLogLevel returns the configured logging level
	GetLogLevel() string

	// GetDatabasePath returns the path to the samples database
	GetDatabasePath() string

	// GetStateBackend returns where stream activation state is kept
	GetStateBackend() StateBackend

	// GetStateFile returns the YAML state file path
	GetStateFile() string

	// GetSourceKind returns the configured sensor source
	GetSourceKind() SourceKind

	// GetSourceRate returns simulated readings per second per stream
	GetSourceRate() float64

	// GetMQTTBroker returns the MQTT broker address as host:port
	GetMQTTBroker() string

	// GetMQTTTopicPrefix returns the topic prefix streams are published under
	GetMQTTTopicPrefix() string

	// GetMQTTClientID returns the MQTT client identifier, empty for a generated one
	GetMQTTClientID() string

	// GetHTTPListen returns the HTTP API listen address, empty when disabled
	GetHTTPListen() string

	// GetPIDDir returns the directory holding the PID file
	GetPIDDir() string
}

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	args       []string
	configPath string
	envPrefix  string
}

// WithArgs overrides the command line arguments parsed for flags.
// Default is os.Args[1:].
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		return nil
	}
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "SENSORD"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// StateBackend selects the activation state store
type StateBackend string

const (
	StateSQLite StateBackend = "sqlite"
	StateYAML   StateBackend = "yaml"
	StateMemory StateBackend = "memory"
)

// IsValid returns whether the backend is known
func (b StateBackend) IsValid() bool {
	switch b {
	case StateSQLite, StateYAML, StateMemory:
		return true
	default:
		return false
	}
}

// SourceKind selects the sensor source implementation
type SourceKind string

const (
	SourceSimulated SourceKind = "simulated"
	SourceMQTT      SourceKind = "mqtt"
)

// IsValid returns whether the source kind is known
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceSimulated, SourceMQTT:
		return true
	default:
		return false
	}
}
