package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/pebble/v2"
	"github.com/otelfleet/otaagent/pkg/client"
	"github.com/otelfleet/otaagent/pkg/firmware"
	"github.com/otelfleet/otaagent/pkg/installmode"
	"github.com/otelfleet/otaagent/pkg/metrics"
	"github.com/otelfleet/otaagent/pkg/settings"
	"github.com/otelfleet/otaagent/pkg/statemachine"
	"github.com/otelfleet/otaagent/pkg/storage"
	otapebble "github.com/otelfleet/otaagent/pkg/storage/pebble"
	"github.com/otelfleet/otaagent/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Epoch is where every test clock starts.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// TestEnv wires a state machine to a fake update server, a temporary
// firmware directory and in-memory storage.
type TestEnv struct {
	db     *pebble.DB
	Broker storage.KVBroker

	Server      *FakeUpdateServer
	Firmware    FakeFirmware
	FirmwareDir string

	Settings    settings.Settings
	Runtime     *settings.RuntimeStore
	RuntimePath string

	Registry *installmode.Registry
	Pipeline *transfer.Pipeline
	History  *statemachine.History
	Metrics  *metrics.Metrics
	Gatherer *prometheus.Registry
	Rebooter *MockRebooter
	Clock    *Clock
	Machine  *statemachine.Machine
	Logger   *slog.Logger

	initialRuntime *settings.RuntimeSettings

	t       *testing.T
	cancel  context.CancelFunc
	stopped chan struct{}
	runErr  error
}

type EnvOption func(*TestEnv)

// WithSettings adjusts the settings before the machine is built.
func WithSettings(fn func(s *settings.Settings)) EnvOption {
	return func(e *TestEnv) { fn(&e.Settings) }
}

func WithFirmware(fn func(fw *FakeFirmware)) EnvOption {
	return func(e *TestEnv) { fn(&e.Firmware) }
}

// WithRuntime seeds the persisted runtime settings. Without it the last
// poll is at Epoch, so no probe is due for a polling interval.
func WithRuntime(r settings.RuntimeSettings) EnvOption {
	return func(e *TestEnv) { e.initialRuntime = &r }
}

// NewTestEnv builds the environment. The machine is not running until
// Start is called.
func NewTestEnv(t *testing.T, opts ...EnvOption) *TestEnv {
	t.Helper()

	db, err := otapebble.Open("")
	require.NoError(t, err)

	logger := slog.Default()
	srv := NewFakeUpdateServer(t)
	env := &TestEnv{
		db:          db,
		Broker:      otapebble.NewKVBroker(db),
		Server:      srv,
		Firmware:    DefaultFirmware(),
		Settings:    settings.Default(),
		RuntimePath: filepath.Join(t.TempDir(), "runtime.yaml"),
		Rebooter:    NewMockRebooter(),
		Clock:       NewClock(Epoch),
		Logger:      logger,
		t:           t,
	}
	env.Settings.Network.ServerAddress = srv.URL
	env.Settings.Polling.Interval = time.Hour
	env.Settings.Polling.ExtraInterval = 5 * time.Minute
	env.Settings.Update.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	env.Settings.Update.ObjectRetries = 1
	env.Settings.Update.ChunkSize = 64
	env.Settings.Storage.RuntimeSettings = env.RuntimePath

	for _, opt := range opts {
		opt(env)
	}

	epoch := Epoch
	initial := settings.RuntimeSettings{}
	initial.Polling.LastPoll = &epoch
	if env.initialRuntime != nil {
		initial = *env.initialRuntime
	}
	data, err := initial.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.RuntimePath, data, 0o644))
	env.Runtime, err = settings.OpenRuntime(env.RuntimePath, false)
	require.NoError(t, err)

	env.FirmwareDir = WriteFirmware(t, env.Firmware)
	env.Gatherer = prometheus.NewRegistry()
	env.Metrics = metrics.New(env.Gatherer)
	env.Registry = installmode.DefaultRegistry()
	env.Pipeline = transfer.New(transfer.Config{
		Logger:      logger,
		DownloadDir: env.Settings.Update.DownloadDir,
		ChunkSize:   env.Settings.Update.ChunkSize,
		Retries:     env.Settings.Update.ObjectRetries,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Metrics:     env.Metrics,
	})
	env.History = statemachine.NewHistory(
		otapebble.NewPebbleBroker[statemachine.HistoryEntry](logger, db), 0)

	env.Machine, err = statemachine.New(statemachine.Config{
		Logger:   logger,
		Version:  "test",
		Settings: env.Settings,
		Runtime:  env.Runtime,
		Firmware: firmware.NewProvider(logger, env.FirmwareDir),
		Client:   client.New(client.Config{Logger: logger, HTTPClient: srv.Client()}),
		Registry: env.Registry,
		Pipeline: env.Pipeline,
		History:  env.History,
		Rebooter: env.Rebooter,
		Metrics:  env.Metrics,
		Now:      env.Clock.Now,
		Jitter:   func(time.Duration) time.Duration { return 0 },
	})
	require.NoError(t, err)

	t.Cleanup(env.Close)
	return env
}

// Start runs the machine in the background until the test ends.
func (e *TestEnv) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.stopped = make(chan struct{})
	go func() {
		defer close(e.stopped)
		e.runErr = e.Machine.Run(ctx)
	}()
}

// Stopped is closed when Run returns.
func (e *TestEnv) Stopped() <-chan struct{} {
	return e.stopped
}

// RunErr is the result of Run, valid once Stopped is closed.
func (e *TestEnv) RunErr() error {
	return e.runErr
}

// WaitForState polls the machine status until it reports state.
func (e *TestEnv) WaitForState(t *testing.T, state string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Machine.Status().CurrentState == state
	}, timeout, 5*time.Millisecond, "state %s not reached, current %s", state, e.Machine.Status().CurrentState)
}

// Close stops the machine and releases storage.
func (e *TestEnv) Close() {
	if e.cancel != nil {
		e.cancel()
		select {
		case <-e.stopped:
		case <-time.After(5 * time.Second):
			e.t.Error("state machine did not stop")
		}
		e.cancel = nil
	}
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
}
