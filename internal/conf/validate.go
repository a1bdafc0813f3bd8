// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// rootMarginPattern accepts one to four CSS lengths in px or %
var rootMarginPattern = regexp.MustCompile(`^-?\d+(\.\d+)?(px|%)?( -?\d+(\.\d+)?(px|%)?){0,3}$`)

var validDeviceClasses = map[string]bool{"mobile": true, "tablet": true, "desktop": true}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validatePoolSettings,
		validateLoaderSettings,
		validateResolverSettings,
		validateRegenerationSettings,
		validatePhaseCacheSettings,
		validateAssetCheckSettings,
		validateMQTTSettings,
		validateSentrySettings,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validatePoolSettings(s *Settings) []string {
	var errs []string
	if s.Pool.MaxEntries < 1 {
		errs = append(errs, "pool.max_entries must be at least 1")
	}
	if s.Pool.Threshold < 0 || s.Pool.Threshold > 1 {
		errs = append(errs, "pool.threshold must be between 0 and 1")
	}
	if !ValidRootMargin(s.Pool.RootMargin) {
		errs = append(errs, fmt.Sprintf("pool.root_margin %q is not a valid margin", s.Pool.RootMargin))
	}
	return errs
}

func validateLoaderSettings(s *Settings) []string {
	var errs []string
	if s.Loader.SafetyTimeout <= 0 {
		errs = append(errs, "loader.safety_timeout must be positive")
	}
	if s.Loader.PriorityTimeout <= 0 {
		errs = append(errs, "loader.priority_timeout must be positive")
	}
	if s.Loader.FetchTimeout <= 0 {
		errs = append(errs, "loader.fetch_timeout must be positive")
	}
	return errs
}

func validateResolverSettings(s *Settings) []string {
	var errs []string
	if s.Resolver.PlaceholderURL == "" {
		errs = append(errs, "resolver.placeholder_url must not be empty")
	}
	if s.Resolver.RetryDelay < 0 {
		errs = append(errs, "resolver.retry_delay must not be negative")
	}
	if !validDeviceClasses[s.Resolver.DeviceClass] {
		errs = append(errs, fmt.Sprintf("resolver.device_class %q must be mobile, tablet or desktop", s.Resolver.DeviceClass))
	}
	return errs
}

func validateRegenerationSettings(s *Settings) []string {
	var errs []string
	if s.Regeneration.DebounceWindow < 0 {
		errs = append(errs, "regeneration.debounce_window must not be negative")
	}
	if len(s.Regeneration.ReadyPhases) == 0 {
		errs = append(errs, "regeneration.ready_phases must list at least one phase")
	}
	if s.Regeneration.BufferSize < 1 {
		errs = append(errs, "regeneration.buffer_size must be at least 1")
	}
	if s.Regeneration.Workers < 1 {
		errs = append(errs, "regeneration.workers must be at least 1")
	}
	return errs
}

func validatePhaseCacheSettings(s *Settings) []string {
	var errs []string
	if s.PhaseCache.TTL <= 0 {
		errs = append(errs, "phasecache.ttl must be positive")
	}
	if s.PhaseCache.SourceURL != "" {
		u, err := url.Parse(s.PhaseCache.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("phasecache.source_url %q must be an http(s) URL", s.PhaseCache.SourceURL))
		}
	}
	return errs
}

func validateAssetCheckSettings(s *Settings) []string {
	if !s.AssetCheck.Enabled {
		return nil
	}
	var errs []string
	if s.AssetCheck.Timeout <= 0 {
		errs = append(errs, "assetcheck.timeout must be positive")
	}
	if s.AssetCheck.RateLimit < 0 {
		errs = append(errs, "assetcheck.rate_limit must not be negative")
	}
	if s.AssetCheck.BaseURL != "" {
		u, err := url.Parse(s.AssetCheck.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("assetcheck.base_url %q must be an http(s) URL", s.AssetCheck.BaseURL))
		}
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string
	u, err := url.Parse(s.MQTT.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mqtt.broker %q must be a URL such as tcp://host:1883", s.MQTT.Broker))
	}
	if strings.TrimSpace(s.MQTT.Topic) == "" {
		errs = append(errs, "mqtt.topic must not be empty")
	}
	if s.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}
	return errs
}

func validateSentrySettings(s *Settings) []string {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return []string{"sentry.dsn is required when sentry is enabled"}
	}
	return nil
}

// ValidRootMargin reports whether margin is a CSS style margin list such as
// "0px", "50px 0px" or "10% 0 10% 0". Empty means no margin.
func ValidRootMargin(margin string) bool {
	if margin == "" {
		return true
	}
	return rootMarginPattern.MatchString(strings.TrimSpace(margin))
}
