package telemetry

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/logger"
)

// These tests mutate the global Sentry hub and telemetry reporter, so they
// do not run in parallel.

func enabledSettings() *conf.Settings {
	s := conf.Defaults()
	s.Sentry.Enabled = true
	s.Sentry.DSN = ""
	return s
}

func TestInitSentryDisabledIsNoop(t *testing.T) {
	closeFn, err := InitSentry(conf.Defaults(), "test", Options{Logger: logger.NewDiscardLogger()})
	require.NoError(t, err)
	require.NotNil(t, closeFn)
	closeFn()

	assert.Nil(t, errors.GetTelemetryReporter())
}

func TestInitSentryNilSettings(t *testing.T) {
	closeFn, err := InitSentry(nil, "test", Options{})
	require.NoError(t, err)
	closeFn()
}

func TestInitSentryReportsBuiltErrors(t *testing.T) {
	transport := NewMockTransport()
	closeFn, err := InitSentry(enabledSettings(), "1.2.3", Options{
		Transport: transport,
		Logger:    logger.NewDiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(closeFn)

	require.NotNil(t, errors.GetTelemetryReporter())

	_ = errors.Newf("fetch failed for https://cdn.example.com/a.jpg?token=secret").
		Component("assetcheck").
		Category(errors.CategoryImageFetch).
		Build()

	events := transport.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "assetview@1.2.3", ev.Release)
	assert.Equal(t, "assetcheck", ev.Tags["component"])
	assert.NotContains(t, ev.Message, "secret")
	assert.Equal(t, sentry.LevelWarning, ev.Level)
}

func TestInitSentryStripsIdentifyingData(t *testing.T) {
	transport := NewMockTransport()
	closeFn, err := InitSentry(enabledSettings(), "dev", Options{
		Transport: transport,
		Logger:    logger.NewDiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(closeFn)

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: "42", Email: "someone@example.com"})
	})
	t.Cleanup(func() {
		sentry.ConfigureScope(func(scope *sentry.Scope) { scope.SetUser(sentry.User{}) })
	})

	sentry.CaptureMessage("hello")

	events := transport.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Empty(t, ev.User.ID)
	assert.Empty(t, ev.User.Email)
	assert.Empty(t, ev.ServerName)
	assert.NotContains(t, ev.Contexts, "device")
	assert.NotContains(t, ev.Contexts, "os")
	assert.NotContains(t, ev.Contexts, "runtime")
}

func TestCloseUninstallsReporter(t *testing.T) {
	closeFn, err := InitSentry(enabledSettings(), "dev", Options{
		Transport: NewMockTransport(),
		Logger:    logger.NewDiscardLogger(),
	})
	require.NoError(t, err)
	require.NotNil(t, errors.GetTelemetryReporter())

	closeFn()
	assert.Nil(t, errors.GetTelemetryReporter())

	// second call is harmless
	closeFn()
}

func TestApplyPrivacyFilters(t *testing.T) {
	ev := &sentry.Event{
		ServerName: "host-1",
		User:       sentry.User{IPAddress: "10.0.0.1"},
		Contexts: map[string]sentry.Context{
			"device":    {"arch": "amd64"},
			"operation": {"value": "fetch"},
		},
		Tags: map[string]string{"hostname": "host-1", "component": "pool"},
	}

	out := applyPrivacyFilters(ev)
	assert.Empty(t, out.ServerName)
	assert.Empty(t, out.User.IPAddress)
	assert.NotContains(t, out.Contexts, "device")
	assert.Contains(t, out.Contexts, "operation")
	assert.NotContains(t, out.Tags, "hostname")
	assert.Equal(t, "pool", out.Tags["component"])
}
