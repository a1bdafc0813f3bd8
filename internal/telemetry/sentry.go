// Package telemetry connects the error builder to Sentry. Reporting is opt-in
// and every event passes a privacy filter before it leaves the process.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/logger"
)

// FlushTimeout bounds how long Close waits for queued events
const FlushTimeout = 2 * time.Second

var (
	mu          sync.Mutex
	initialized bool
)

// Options override the SDK setup, mainly for tests
type Options struct {
	Transport sentry.Transport
	Logger    logger.Logger
}

// InitSentry initializes the Sentry SDK and installs it as the error
// builder's telemetry reporter. It is a no-op when Sentry is disabled. The
// returned function flushes pending events and uninstalls the reporter.
func InitSentry(settings *conf.Settings, version string, opts Options) (closeFn func(), err error) {
	if settings == nil || !settings.Sentry.Enabled {
		return func() {}, nil
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("telemetry")
	}

	mu.Lock()
	defer mu.Unlock()

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		Transport:        opts.Transport,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          fmt.Sprintf("assetview@%s", version),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sentry initialization failed: %w", err)
	}
	initialized = true
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	log.Info("error reporting enabled", logger.String("release", "assetview@"+version))

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if !initialized {
			return
		}
		errors.SetTelemetryReporter(nil)
		sentry.Flush(FlushTimeout)
		initialized = false
	}, nil
}

// applyPrivacyFilters strips host and user identifying data from an event
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
