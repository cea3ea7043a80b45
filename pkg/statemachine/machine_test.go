package statemachine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/settings"
	"github.com/otelfleet/otaagent/pkg/statemachine"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
	"github.com/otelfleet/otaagent/pkg/util/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func product() string {
	return testutil.DefaultFirmware().ProductUID
}

func copyPackage(t *testing.T, productUID string, target string, content []byte) *testutil.Package {
	t.Helper()
	return testutil.NewPackage(t, productUID, nil, testutil.PackageObject{
		Filename: "app.conf",
		Mode:     "copy",
		Content:  content,
		Extra:    map[string]any{"target-path": target},
	})
}

func packageUID(t *testing.T, p *testutil.Package) string {
	t.Helper()
	pkg, err := updatepackage.Parse(p.Raw, nil)
	require.NoError(t, err)
	return pkg.UID()
}

func busyState(t *testing.T, err error) string {
	t.Helper()
	var busy *agenterr.BusyError
	require.True(t, errors.As(err, &busy), "expected busy error, got %v", err)
	return busy.State
}

func TestFailedProbeRetriesAtExtraInterval(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithRuntime(settings.RuntimeSettings{
		Polling: settings.RuntimePolling{LastPoll: at(-time.Hour)},
	}))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.FailProbes = 1 })
	env.Start()

	require.Eventually(t, func() bool {
		return env.Runtime.Get().Polling.Retries == 1
	}, waitFor, 5*time.Millisecond)
	env.WaitForState(t, "poll", waitFor)

	r := env.Runtime.Get().Polling
	assert.True(t, r.LastPoll.Equal(testutil.Epoch))
	assert.Equal(t, testutil.Epoch.Add(300*time.Second), statemachine.NextPoll(env.Settings.Polling, r, env.Clock.Now()))

	env.Clock.Advance(300 * time.Second)
	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	assert.False(t, res.UpdateAvailable)

	r = env.Runtime.Get().Polling
	assert.Zero(t, r.Retries)
	assert.True(t, r.LastPoll.Equal(testutil.Epoch.Add(300*time.Second)))
	assert.Equal(t, testutil.Epoch.Add(3900*time.Second), statemachine.NextPoll(env.Settings.Polling, r, env.Clock.Now()))

	probes := env.Server.Probes()
	require.Len(t, probes, 2)
	assert.Equal(t, "0", probes[0].Retries)
	assert.Equal(t, "1", probes[1].Retries)
	assert.Equal(t, product(), probes[0].Body["product-uid"])

	persisted, err := settings.OpenRuntime(env.RuntimePath, true)
	require.NoError(t, err)
	assert.Zero(t, persisted.Get().Polling.Retries)
	assert.True(t, persisted.Get().Polling.LastPoll.Equal(testutil.Epoch.Add(300*time.Second)))
}

func TestFailedProbeBacksOffWhenRuntimeIsNotWritable(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithRuntime(settings.RuntimeSettings{
		Polling: settings.RuntimePolling{LastPoll: at(-time.Hour)},
	}))
	dir := filepath.Dir(env.RuntimePath)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.FailProbes = 1000 })
	env.Start()

	require.Eventually(t, func() bool {
		return env.Runtime.Get().Polling.Retries == 1
	}, waitFor, 5*time.Millisecond)
	env.WaitForState(t, "poll", waitFor)
	time.Sleep(200 * time.Millisecond)

	assert.Len(t, env.Server.Probes(), 1)
	r := env.Runtime.Get().Polling
	assert.Equal(t, 1, r.Retries)
	assert.True(t, r.LastPoll.Equal(testutil.Epoch))
	assert.Equal(t, testutil.Epoch.Add(300*time.Second), statemachine.NextPoll(env.Settings.Polling, r, env.Clock.Now()))
}

func TestFirstPollIsScheduled(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithRuntime(settings.RuntimeSettings{}))
	env.Start()

	require.Eventually(t, func() bool {
		return len(env.Server.Probes()) == 1
	}, waitFor, 5*time.Millisecond)
	env.WaitForState(t, "poll", waitFor)
	r := env.Runtime.Get().Polling
	require.NotNil(t, r.FirstPoll)
	assert.True(t, r.FirstPoll.Equal(testutil.Epoch))
	assert.True(t, r.LastPoll.Equal(testutil.Epoch))
}

func TestParkRequiresResume(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithSettings(func(s *settings.Settings) {
		s.Polling.Enabled = false
	}), testutil.WithRuntime(settings.RuntimeSettings{
		Polling: settings.RuntimePolling{Now: true},
	}))
	env.Start()
	env.WaitForState(t, "park", waitFor)

	env.Clock.Advance(30 * 24 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "park", env.Machine.Status().CurrentState)
	assert.Empty(t, env.Server.Probes())

	require.NoError(t, env.Machine.Resume(t.Context()))
	require.Eventually(t, func() bool {
		return len(env.Server.Probes()) == 1
	}, waitFor, 5*time.Millisecond)
	env.WaitForState(t, "poll", waitFor)
}

func TestPauseParks(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Start()
	env.WaitForState(t, "poll", waitFor)

	require.NoError(t, env.Machine.Pause(t.Context()))
	env.WaitForState(t, "park", waitFor)

	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err, "an explicit probe is served while parked")
	assert.False(t, res.UpdateAvailable)
	env.WaitForState(t, "park", waitFor)

	require.NoError(t, env.Machine.Resume(t.Context()))
	env.WaitForState(t, "poll", waitFor)
}

func TestSettingsChangedDisablesPolling(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Start()
	env.WaitForState(t, "poll", waitFor)

	s := env.Machine.Settings()
	s.Polling.Enabled = false
	require.NoError(t, env.Machine.SettingsChanged(t.Context(), s))
	env.WaitForState(t, "park", waitFor)
	assert.False(t, env.Machine.Info(t.Context()).Config.Polling.Enabled)
}

func TestProbeNoUpdate(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Start()

	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, statemachine.ProbeResult{}, res)
	assert.Equal(t, 1.0, promtest.ToFloat64(env.Metrics.Probes.WithLabelValues("no_update")))
}

func TestProbeExtraPoll(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.ExtraPoll = 120 })
	env.Start()

	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	assert.False(t, res.UpdateAvailable)
	assert.EqualValues(t, 120, res.TryAgainIn)

	r := env.Runtime.Get().Polling
	require.NotNil(t, r.ExtraInterval)
	assert.Equal(t, 120*time.Second, *r.ExtraInterval)
	assert.Equal(t, testutil.Epoch.Add(120*time.Second), statemachine.NextPoll(env.Settings.Polling, r, env.Clock.Now()))
}

func TestProbeServerOverride(t *testing.T) {
	env := testutil.NewTestEnv(t)
	other := testutil.NewFakeUpdateServer(t)
	env.Start()

	_, err := env.Machine.Probe(t.Context(), other.URL)
	require.NoError(t, err)
	assert.Len(t, other.Probes(), 1)
	assert.Empty(t, env.Server.Probes())
	assert.Equal(t, env.Server.URL, env.Machine.Info(t.Context()).Config.Network.ServerAddress)

	_, err = env.Machine.Probe(t.Context(), "ftp://example.com")
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindConfig))
}

func TestConcurrentProbesShareExchange(t *testing.T) {
	env := testutil.NewTestEnv(t)
	gate := make(chan struct{})
	env.Server.Set(func(s *testutil.FakeUpdateServer) {
		s.ProbeGate = gate
		s.ExtraPoll = 30
	})
	env.Start()
	env.WaitForState(t, "poll", waitFor)

	var wg sync.WaitGroup
	results := make([]statemachine.ProbeResult, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = env.Machine.Probe(context.Background(), "")
	}()
	env.WaitForState(t, "probe", waitFor)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = env.Machine.Probe(context.Background(), "")
	}()
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.EqualValues(t, 30, results[i].TryAgainIn)
	}
	assert.Len(t, env.Server.Probes(), 1)
}

func TestServerOverrideWaitsForScheduledProbe(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithRuntime(settings.RuntimeSettings{
		Polling: settings.RuntimePolling{LastPoll: at(-time.Hour)},
	}))
	gate := make(chan struct{})
	env.Server.Set(func(s *testutil.FakeUpdateServer) {
		s.ProbeGate = gate
		s.ExtraPoll = 30
	})
	other := testutil.NewFakeUpdateServer(t)
	other.Set(func(s *testutil.FakeUpdateServer) { s.ExtraPoll = 7 })
	env.Start()
	require.Eventually(t, func() bool {
		return len(env.Server.Probes()) == 1
	}, waitFor, 5*time.Millisecond)

	done := make(chan struct{})
	var (
		res statemachine.ProbeResult
		err error
	)
	go func() {
		defer close(done)
		res, err = env.Machine.Probe(context.Background(), other.URL)
	}()
	time.Sleep(100 * time.Millisecond)
	close(gate)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("probe did not return")
	}
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.TryAgainIn)
	assert.Len(t, other.Probes(), 1)
	assert.Len(t, env.Server.Probes(), 1)
}

func TestProbeFailureIsReturned(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.FailProbes = 1 })
	env.Start()

	_, err := env.Machine.Probe(t.Context(), "")
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindProbe))
	assert.Equal(t, 1, env.Runtime.Get().Polling.Retries)
	assert.Equal(t, 1.0, promtest.ToFloat64(env.Metrics.PollingRetries))
}

func TestProductMismatchNeverDownloads(t *testing.T) {
	env := testutil.NewTestEnv(t)
	p := copyPackage(t, "another-product", filepath.Join(t.TempDir(), "app.conf"), []byte("x"))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package = p })
	env.Start()

	_, err := env.Machine.Probe(t.Context(), "")
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindValidation))
	env.WaitForState(t, "poll", waitFor)

	assert.Zero(t, env.Runtime.Get().Polling.Retries, "validation errors do not count as failed probes")
	assert.Empty(t, env.Server.ObjectRequests())
	assert.Empty(t, env.Server.Reports())
}

func TestUnsupportedInstallModeRejected(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithSettings(func(s *settings.Settings) {
		s.Update.SupportedInstallModes = []string{"raw"}
	}))
	p := copyPackage(t, product(), filepath.Join(t.TempDir(), "app.conf"), []byte("x"))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package = p })
	env.Start()

	_, err := env.Machine.Probe(t.Context(), "")
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindValidation))
	assert.Empty(t, env.Server.ObjectRequests())
}

func TestSignedPackages(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	env := testutil.NewTestEnv(t,
		testutil.WithFirmware(func(fw *testutil.FakeFirmware) {
			fw.PublicKey = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		}),
		testutil.WithSettings(func(s *settings.Settings) {
			s.Update.AutoDownloadWhenAvailable = false
		}),
	)
	p := copyPackage(t, product(), filepath.Join(t.TempDir(), "app.conf"), []byte("x"))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package = p })
	env.Start()

	_, err = env.Machine.Probe(t.Context(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, updatepackage.ErrMissingSignature)

	sig, err := updatepackage.Sign(p.Raw, priv)
	require.NoError(t, err)
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package.Signature = sig })
	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)
}

func TestAutoDownloadDisabled(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithSettings(func(s *settings.Settings) {
		s.Update.AutoDownloadWhenAvailable = false
	}))
	p := copyPackage(t, product(), filepath.Join(t.TempDir(), "app.conf"), []byte("x"))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package = p })
	env.Start()

	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)
	env.WaitForState(t, "poll", waitFor)
	assert.Empty(t, env.Server.ObjectRequests())
}

func TestAppliedPackageIsSkipped(t *testing.T) {
	p := copyPackage(t, product(), filepath.Join(t.TempDir(), "app.conf"), []byte("x"))
	epoch := testutil.Epoch
	env := testutil.NewTestEnv(t, testutil.WithRuntime(settings.RuntimeSettings{
		Polling: settings.RuntimePolling{LastPoll: &epoch},
		Update:  settings.RuntimeUpdate{AppliedPackageUID: packageUID(t, p)},
	}))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package = p })
	env.Start()

	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	assert.False(t, res.UpdateAvailable)
	env.WaitForState(t, "poll", waitFor)
	assert.Empty(t, env.Server.ObjectRequests())
}

func TestRemoteUpdateToReboot(t *testing.T) {
	env := testutil.NewTestEnv(t)
	target := filepath.Join(t.TempDir(), "etc", "app.conf")
	content := []byte("key=value\n")
	p := copyPackage(t, product(), target, content)
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package = p })
	env.Start()

	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)

	select {
	case <-env.Rebooter.Rebooted:
	case <-time.After(waitFor):
		t.Fatal("device was not rebooted")
	}
	select {
	case <-env.Stopped():
	case <-time.After(waitFor):
		t.Fatal("state machine kept running after reboot")
	}
	require.NoError(t, env.RunErr())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Equal(t, []string{"downloading", "downloaded", "installing", "installed", "rebooting"}, env.Server.ReportStatuses())
	report := env.Server.Reports()[0]
	assert.Equal(t, packageUID(t, p), report["package-uid"])
	assert.Equal(t, product(), report["product-uid"])

	rt := env.Runtime.Get()
	assert.Equal(t, packageUID(t, p), rt.Update.AppliedPackageUID)
	assert.True(t, rt.Polling.Now, "the next boot probes immediately")

	status := env.Machine.Status()
	assert.True(t, status.Busy)
	assert.Equal(t, "reboot", status.CurrentState)

	history, err := env.Machine.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "installed", history[0].Result)
	assert.Equal(t, "1.2", history[0].Version)
	assert.False(t, history[0].Local)

	entries, err := os.ReadDir(env.Settings.Update.DownloadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged objects are cleared after install")

	assert.Equal(t, 1.0, promtest.ToFloat64(env.Metrics.Installs.WithLabelValues("ok")))
	assert.Equal(t, float64(len(content)), promtest.ToFloat64(env.Metrics.TransferBytes))
	n, err := promtest.GatherAndCount(env.Gatherer, "otaagent_installs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBusyDuringDownload(t *testing.T) {
	env := testutil.NewTestEnv(t)
	gate := make(chan struct{})
	p := copyPackage(t, product(), filepath.Join(t.TempDir(), "app.conf"), []byte("payload"))
	env.Server.Set(func(s *testutil.FakeUpdateServer) {
		s.Package = p
		s.ObjectGate = gate
	})
	env.Start()

	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	require.True(t, res.UpdateAvailable)
	env.WaitForState(t, "download", waitFor)

	status := env.Machine.Status()
	assert.True(t, status.Busy)
	require.Len(t, status.Download, 1)
	assert.Equal(t, "app.conf", status.Download[0].Filename)

	_, err = env.Machine.Probe(t.Context(), "")
	assert.Equal(t, "download", busyState(t, err))

	archive := p.WriteArchive(t, testutil.CompressionNone)
	err = env.Machine.LocalInstall(t.Context(), archive)
	assert.Equal(t, "download", busyState(t, err))

	require.NoError(t, env.Machine.AbortDownload())
	close(gate)
	env.WaitForState(t, "poll", waitFor)

	assert.ErrorIs(t, env.Machine.AbortDownload(), agenterr.ErrNoDownloadInProgress)
	assert.Equal(t, []string{"downloading", "error"}, env.Server.ReportStatuses())
	assert.Equal(t, "downloading", env.Server.Reports()[1]["previous-state"])
	assert.Empty(t, env.Runtime.Get().Update.AppliedPackageUID)
	assert.Equal(t, 1.0, promtest.ToFloat64(env.Metrics.DownloadAborts))
	assert.Zero(t, env.Rebooter.Count())
}

func TestAbortAfterObjectsVerifiedIsRefused(t *testing.T) {
	env := testutil.NewTestEnv(t)
	gate := make(chan struct{})
	target := filepath.Join(t.TempDir(), "app.conf")
	p := copyPackage(t, product(), target, []byte("payload"))
	env.Server.Set(func(s *testutil.FakeUpdateServer) {
		s.Package = p
		s.ReportGate = gate
		s.GatedReport = "downloaded"
	})
	env.Start()

	res, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	require.True(t, res.UpdateAvailable)
	require.Eventually(t, func() bool {
		statuses := env.Server.ReportStatuses()
		return len(statuses) > 0 && statuses[len(statuses)-1] == "downloaded"
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, "download", env.Machine.Status().CurrentState)
	assert.ErrorIs(t, env.Machine.AbortDownload(), agenterr.ErrNoDownloadInProgress)
	assert.Zero(t, promtest.ToFloat64(env.Metrics.DownloadAborts))
	close(gate)

	select {
	case <-env.Rebooter.Rebooted:
	case <-time.After(waitFor):
		t.Fatal("device was not rebooted")
	}
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestAbortWithoutDownloadChangesNothing(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Start()
	env.WaitForState(t, "poll", waitFor)
	before := env.Runtime.Get()

	assert.ErrorIs(t, env.Machine.AbortDownload(), agenterr.ErrNoDownloadInProgress)
	assert.Equal(t, "poll", env.Machine.Status().CurrentState)
	assert.Equal(t, before, env.Runtime.Get())
	assert.Zero(t, promtest.ToFloat64(env.Metrics.DownloadAborts))
}

func TestInstallFailureReturnsToEntryPoint(t *testing.T) {
	env := testutil.NewTestEnv(t)
	p := testutil.NewPackage(t, product(), nil, testutil.PackageObject{
		Filename: "rootfs.img",
		Mode:     "raw",
		Target:   filepath.Join(t.TempDir(), "missing", "mmcblk0p2"),
		Content:  []byte("image"),
	})
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package = p })
	env.Start()

	_, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(env.Server.ReportStatuses()) == 4
	}, waitFor, 5*time.Millisecond)
	env.WaitForState(t, "poll", waitFor)

	assert.Equal(t, []string{"downloading", "downloaded", "installing", "error"}, env.Server.ReportStatuses())
	assert.Equal(t, "installing", env.Server.Reports()[3]["previous-state"])
	assert.Empty(t, env.Runtime.Get().Update.AppliedPackageUID)
	assert.Zero(t, env.Rebooter.Count())

	history, err := env.Machine.History(t.Context())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "failed", history[0].Result)
	assert.NotEmpty(t, history[0].Error)
}

func TestRebootFailureReturnsToEntryPoint(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Rebooter.FailNextReboot = true
	p := copyPackage(t, product(), filepath.Join(t.TempDir(), "app.conf"), []byte("x"))
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Package = p })
	env.Start()

	_, err := env.Machine.Probe(t.Context(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(env.Server.ReportStatuses()) == 6
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "error", env.Server.ReportStatuses()[5])
	assert.Equal(t, "rebooting", env.Server.Reports()[5]["previous-state"])
	assert.Equal(t, packageUID(t, p), env.Runtime.Get().Update.AppliedPackageUID)
}

func TestLocalInstallFromPark(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithSettings(func(s *settings.Settings) {
		s.Polling.Enabled = false
	}))
	target := filepath.Join(t.TempDir(), "app.conf")
	p := copyPackage(t, product(), target, []byte("local"))
	path := p.WriteArchive(t, testutil.CompressionZstd)
	env.Start()
	env.WaitForState(t, "park", waitFor)

	require.NoError(t, env.Machine.LocalInstall(t.Context(), path))
	select {
	case <-env.Rebooter.Rebooted:
	case <-time.After(waitFor):
		t.Fatal("device was not rebooted")
	}

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), got)
	assert.Empty(t, env.Server.Reports(), "local installs are not reported")
	assert.Empty(t, env.Server.Probes())

	history, err := env.Machine.History(t.Context())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Local)
}

func TestLocalInstallRejectsInvalidPackage(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.WithSettings(func(s *settings.Settings) {
		s.Polling.Enabled = false
	}))
	env.Start()
	env.WaitForState(t, "park", waitFor)

	err := env.Machine.LocalInstall(t.Context(), filepath.Join(t.TempDir(), "missing.uhupkg"))
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindValidation))

	p := copyPackage(t, "another-product", filepath.Join(t.TempDir(), "app.conf"), []byte("x"))
	err = env.Machine.LocalInstall(t.Context(), p.WriteArchive(t, testutil.CompressionGzip))
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindValidation))

	assert.Equal(t, "park", env.Machine.Status().CurrentState)
}

func TestRemoteInstall(t *testing.T) {
	env := testutil.NewTestEnv(t)
	target := filepath.Join(t.TempDir(), "app.conf")
	p := copyPackage(t, product(), target, []byte("remote"))
	archive, err := os.ReadFile(p.WriteArchive(t, testutil.CompressionNone))
	require.NoError(t, err)
	env.Server.Set(func(s *testutil.FakeUpdateServer) { s.Files["update.uhupkg"] = archive })
	env.Start()

	require.NoError(t, env.Machine.RemoteInstall(t.Context(), env.Server.URL+"/files/update.uhupkg"))
	select {
	case <-env.Rebooter.Rebooted:
	case <-time.After(waitFor):
		t.Fatal("device was not rebooted")
	}
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), got)

	err = env.Machine.RemoteInstall(t.Context(), env.Server.URL+"/files/missing")
	assert.Equal(t, "reboot", busyState(t, err))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, []string{"park", "entry_point", "poll", "probe", "download", "install", "reboot"}, statemachine.StateNames())
	assert.True(t, statemachine.StateInstall.Busy())
	assert.False(t, statemachine.StateProbe.Busy())
}

func TestRemoteInstallFetchFailure(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Start()
	env.WaitForState(t, "poll", waitFor)

	err := env.Machine.RemoteInstall(t.Context(), env.Server.URL+"/files/missing")
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindTransfer))
	assert.Equal(t, "poll", env.Machine.Status().CurrentState)

	entries, err := os.ReadDir(filepath.Join(env.Settings.Update.DownloadDir, "packages"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
