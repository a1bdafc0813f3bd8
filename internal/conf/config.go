// conf/config.go

// Package conf loads assetview settings from a YAML file, ASSETVIEW_* environment
// variables and command-line flags, in increasing order of precedence.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/catalogkit/assetview/internal/logger"
)

// Settings contains all configuration options for assetview
type Settings struct {
	Debug bool `mapstructure:"debug"` // true to enable debug mode

	Logging logger.LoggingConfig `mapstructure:"logging"`

	Pool         PoolSettings         `mapstructure:"pool"`
	Loader       LoaderSettings       `mapstructure:"loader"`
	Resolver     ResolverSettings     `mapstructure:"resolver"`
	Regeneration RegenerationSettings `mapstructure:"regeneration"`
	PhaseCache   PhaseCacheSettings   `mapstructure:"phasecache"`
	AssetCheck   AssetCheckSettings   `mapstructure:"assetcheck"`

	WebServer WebServerSettings `mapstructure:"webserver"`
	MQTT      MQTTSettings      `mapstructure:"mqtt"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	Sentry    SentrySettings    `mapstructure:"sentry"`
}

// PoolSettings bounds the shared visibility watcher pool
type PoolSettings struct {
	MaxEntries int     `mapstructure:"max_entries"` // maximum distinct watcher configurations
	Threshold  float64 `mapstructure:"threshold"`   // default intersection ratio, 0..1
	RootMargin string  `mapstructure:"root_margin"` // default margin, e.g. "50px"
}

// LoaderSettings controls deferred asset loading
type LoaderSettings struct {
	SafetyTimeout   time.Duration `mapstructure:"safety_timeout"`   // start loading without a visibility signal after this
	PriorityTimeout time.Duration `mapstructure:"priority_timeout"` // shorter safety timeout for prioritized slots
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`    // per fetch deadline
}

// ResolverSettings controls variant selection and error recovery
type ResolverSettings struct {
	PlaceholderURL    string        `mapstructure:"placeholder_url"`     // terminal placeholder asset
	StaticFallbackURL string        `mapstructure:"static_fallback_url"` // optional site wide static fallback
	RetryDelay        time.Duration `mapstructure:"retry_delay"`         // delay before the single timed retry
	DeviceClass       string        `mapstructure:"device_class"`        // mobile, tablet or desktop for responsive slots
}

// RegenerationSettings controls the regeneration event bridge
type RegenerationSettings struct {
	DebounceWindow time.Duration `mapstructure:"debounce_window"` // coalesce bursts per product
	ReadyPhases    []string      `mapstructure:"ready_phases"`    // phases that trigger re-resolution
	BufferSize     int           `mapstructure:"buffer_size"`     // event bus channel size
	Workers        int           `mapstructure:"workers"`         // event bus workers
}

// PhaseCacheSettings controls the phase query cache
type PhaseCacheSettings struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	SourceURL       string        `mapstructure:"source_url"` // regeneration pipeline API, empty disables fetching
}

// AssetCheckSettings controls the HTTP asset probe
type AssetCheckSettings struct {
	Enabled       bool          `mapstructure:"enabled"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ValidationTTL time.Duration `mapstructure:"validation_ttl"` // how long a probe result is trusted
	RateLimit     float64       `mapstructure:"rate_limit"`     // requests per second, 0 disables limiting
	Burst         int           `mapstructure:"burst"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"` // parallel probes
	UserAgent     string        `mapstructure:"user_agent"`
	BaseURL       string        `mapstructure:"base_url"` // resolves relative asset URLs; empty skips them
}

// WebServerSettings controls the HTTP API
type WebServerSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// MQTTSettings controls the regeneration event subscription over MQTT
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"` // e.g. tcp://localhost:1883
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos"`
}

// TelemetrySettings controls the prometheus endpoint
type TelemetrySettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // separate listener; empty serves /metrics on the web server
}

// SentrySettings controls error reporting
type SentrySettings struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

const envPrefix = "ASSETVIEW"

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables using the
// global viper instance, which cobra flags are bound to.
func Load() (*Settings, error) {
	settings, err := LoadFrom(viper.GetViper())
	if err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// LoadFrom reads settings using the given viper instance
func LoadFrom(v *viper.Viper) (*Settings, error) {
	if err := initViper(v); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

// initViper sets defaults, environment handling and reads the config file.
// A missing config file is not an error; defaults apply.
func initViper(v *viper.Viper) error {
	setDefaultConfig(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range defaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// defaultConfigPaths lists directories searched for config.yaml
func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "assetview"))
	}
	return append(paths, "/etc/assetview")
}

// GetSettings returns the settings loaded by the last successful Load
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
