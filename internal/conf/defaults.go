// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/catalogkit/assetview/internal/logger"
)

// Default values shared with the components that fall back to them when
// constructed without settings.
const (
	DefaultPoolMaxEntries    = 10
	DefaultSafetyTimeout     = 1200 * time.Millisecond
	DefaultPriorityTimeout   = 800 * time.Millisecond
	DefaultRetryDelay        = time.Second
	DefaultPlaceholderURL    = "/placeholder-product.jpg"
	DefaultDebounceWindow    = 300 * time.Millisecond
	DefaultPhaseCacheTTL     = 30 * time.Minute
	DefaultValidationTTL     = 15 * time.Minute
	DefaultCleanupInterval   = 10 * time.Minute
	DefaultDeviceClass       = "desktop"
	DefaultRegenerationTopic = "catalog/products/regenerated"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", logger.DefaultFileEnabled)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)

	v.SetDefault("pool.max_entries", DefaultPoolMaxEntries)
	v.SetDefault("pool.threshold", 0.0)
	v.SetDefault("pool.root_margin", "0px")

	v.SetDefault("loader.safety_timeout", DefaultSafetyTimeout)
	v.SetDefault("loader.priority_timeout", DefaultPriorityTimeout)
	v.SetDefault("loader.fetch_timeout", 10*time.Second)

	v.SetDefault("resolver.placeholder_url", DefaultPlaceholderURL)
	v.SetDefault("resolver.static_fallback_url", "")
	v.SetDefault("resolver.retry_delay", DefaultRetryDelay)
	v.SetDefault("resolver.device_class", DefaultDeviceClass)

	v.SetDefault("regeneration.debounce_window", DefaultDebounceWindow)
	v.SetDefault("regeneration.ready_phases", []string{"thumbnails_ready", "thumbnails_skipped"})
	v.SetDefault("regeneration.buffer_size", 1000)
	v.SetDefault("regeneration.workers", 2)

	v.SetDefault("phasecache.ttl", DefaultPhaseCacheTTL)
	v.SetDefault("phasecache.cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("phasecache.fetch_timeout", 5*time.Second)
	v.SetDefault("phasecache.source_url", "")

	v.SetDefault("assetcheck.enabled", true)
	v.SetDefault("assetcheck.timeout", 5*time.Second)
	v.SetDefault("assetcheck.validation_ttl", DefaultValidationTTL)
	v.SetDefault("assetcheck.rate_limit", 20.0)
	v.SetDefault("assetcheck.burst", 10)
	v.SetDefault("assetcheck.max_concurrent", 8)
	v.SetDefault("assetcheck.user_agent", "assetview/1.0")
	v.SetDefault("assetcheck.base_url", "")

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", ":8080")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", DefaultRegenerationTopic)
	v.SetDefault("mqtt.client_id", "assetview")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.listen", "")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}

// Defaults returns the default settings without reading files or the
// environment.
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		// defaults are static; failing to decode them is a programming error
		panic(err)
	}
	return s
}
