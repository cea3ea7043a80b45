package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/logutil"
	"github.com/otelfleet/otaagent/pkg/server"
	"github.com/otelfleet/otaagent/pkg/settings"
	"github.com/otelfleet/otaagent/pkg/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(t *testing.T) settings.Settings {
	t.Helper()
	dir := t.TempDir()
	s := settings.Default()
	s.Polling.Enabled = false
	s.Network.ListenSocket = "127.0.0.1:0"
	s.Storage.RuntimeSettings = filepath.Join(dir, "runtime.yaml")
	s.Storage.HistoryPath = filepath.Join(dir, "history")
	s.Update.DownloadDir = filepath.Join(dir, "downloads")
	s.Firmware.MetadataPath = testutil.WriteFirmware(t, testutil.DefaultFirmware())
	return s
}

func TestAgentServesControlAPI(t *testing.T) {
	agent, err := server.New(server.Config{
		Version:  "test",
		Settings: testSettings(t),
		Logs:     logutil.NewRingBuffer(16),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	url := "http://" + agent.HTTPAddr().String()
	var state struct {
		Busy         bool   `json:"busy"`
		CurrentState string `json:"current-state"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/state")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK &&
			json.NewDecoder(resp.Body).Decode(&state) == nil &&
			state.CurrentState == "park"
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, state.Busy)

	resp, err := http.Get(url + "/info")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestInvalidListenSocket(t *testing.T) {
	s := testSettings(t)
	s.Network.ListenSocket = "no-port"
	_, err := server.New(server.Config{Settings: s})
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindConfig))
}
