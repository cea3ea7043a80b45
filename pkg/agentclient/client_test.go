package agentclient_test

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/otelfleet/otaagent/pkg/agentclient"
	"github.com/otelfleet/otaagent/pkg/logutil"
	"github.com/otelfleet/otaagent/pkg/services/agent"
	"github.com/otelfleet/otaagent/pkg/settings"
	"github.com/otelfleet/otaagent/pkg/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func newClient(t *testing.T, env *testutil.TestEnv, logs *logutil.RingBuffer) *agentclient.Client {
	t.Helper()
	a := agent.NewAgentServer(env.Logger, env.Machine, env.Gatherer, logs)
	r := mux.NewRouter()
	a.ConfigureHTTP(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return agentclient.New(agentclient.Config{ServerURL: srv.URL, HTTPClient: srv.Client()})
}

func TestClientQueries(t *testing.T) {
	env := testutil.NewTestEnv(t)
	logs := logutil.NewRingBuffer(8)
	slog.New(logs.Handler(slog.LevelInfo)).Warn("disk almost full")
	c := newClient(t, env, logs)
	env.Start()
	env.WaitForState(t, "poll", waitFor)

	info, err := c.Info(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, env.Server.URL, info.Config.Network.ServerAddress)
	assert.Equal(t, testutil.DefaultFirmware().ProductUID, info.Firmware.ProductUID)

	st, err := c.State(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "poll", st.CurrentState)

	entries, err := c.Log(t.Context())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "warning", entries[0].Level)

	history, err := c.History(t.Context())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestClientProbe(t *testing.T) {
	env := testutil.NewTestEnv(t)
	c := newClient(t, env, logutil.NewRingBuffer(8))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.ExtraPoll = 30 })
	env.Start()
	env.WaitForState(t, "poll", waitFor)

	res, err := c.Probe(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, agentclient.ProbeResponse{TryAgainIn: 30}, res)

	_, err = c.Probe(t.Context(), "ftp://nowhere")
	var apiErr *agentclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "must start with http")
}

func TestClientAbortWithoutDownload(t *testing.T) {
	env := testutil.NewTestEnv(t)
	c := newClient(t, env, logutil.NewRingBuffer(8))
	env.Start()
	env.WaitForState(t, "poll", waitFor)

	_, err := c.AbortDownload(t.Context())
	var apiErr *agentclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, &agentclient.APIError{
		StatusCode: http.StatusBadRequest,
		Message:    "there is no download to be aborted",
	}, apiErr)
}

func TestClientInstallAndPolling(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithSettings(func(s *settings.Settings) {
		s.Polling.Enabled = false
	}))
	c := newClient(t, env, logutil.NewRingBuffer(8))
	env.Start()
	env.WaitForState(t, "park", waitFor)

	_, err := c.LocalInstall(t.Context(), filepath.Join(t.TempDir(), "missing.uhupkg"))
	var apiErr *agentclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)

	res, err := c.ResumePolling(t.Context())
	require.NoError(t, err)
	assert.False(t, res.Busy)
	env.WaitForState(t, "poll", waitFor)

	_, err = c.PausePolling(t.Context())
	require.NoError(t, err)
	env.WaitForState(t, "park", waitFor)
}
