package serve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/catalogkit/assetview/internal/api"
	"github.com/catalogkit/assetview/internal/buildinfo"
	"github.com/catalogkit/assetview/internal/conf"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	settings := conf.Defaults()
	settings.WebServer.Enabled = false
	settings.Telemetry.Enabled = false

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.NoError(t, Run(ctx, settings, buildinfo.NewContext("test", "", "")))
}

func TestRunRejectsInvalidServerConfig(t *testing.T) {
	settings := conf.Defaults()
	settings.Telemetry.Enabled = false
	// a render window longer than the write timeout cannot be served
	settings.Resolver.RetryDelay = api.DefaultWriteTimeout
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	require.Error(t, Run(ctx, settings, buildinfo.NewContext("test", "", "")))
}

func TestFlagsBindToConfigKeys(t *testing.T) {
	cmd := Command(conf.Defaults(), buildinfo.NewContext("test", "", ""))
	for _, name := range []string{"listen", "mqtt", "broker", "telemetry-listen"} {
		require.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
