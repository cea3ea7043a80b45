package statemachine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/client"
	"github.com/otelfleet/otaagent/pkg/firmware"
	"github.com/otelfleet/otaagent/pkg/installmode"
	"github.com/otelfleet/otaagent/pkg/metrics"
	"github.com/otelfleet/otaagent/pkg/settings"
	"github.com/otelfleet/otaagent/pkg/transfer"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
	"github.com/otelfleet/otaagent/pkg/util"
)

// packagesDir holds package files fetched for remote installs, below the
// download dir so that clearing staged objects removes them too.
const packagesDir = "packages"

// ErrInterrupted is returned to probe callers when another request
// preempted the probe in flight.
var ErrInterrupted = errors.New("interrupted by another request")

type Config struct {
	Logger   *slog.Logger
	Version  string
	Settings settings.Settings
	Runtime  *settings.RuntimeStore
	Firmware *firmware.Provider
	Client   *client.Client
	Registry *installmode.Registry
	Pipeline *transfer.Pipeline
	// History is optional; without it installs are not recorded.
	History  *History
	Rebooter Rebooter
	Metrics  *metrics.Metrics

	Now    func() time.Time
	Jitter func(max time.Duration) time.Duration
}

// ProbeResult is the answer to an explicit probe request.
type ProbeResult struct {
	UpdateAvailable bool `json:"update-available"`
	// TryAgainIn is in seconds.
	TryAgainIn int64 `json:"try-again-in,omitempty"`
}

type Status struct {
	Busy         bool                      `json:"busy"`
	CurrentState string                    `json:"current-state"`
	Download     []transfer.ObjectProgress `json:"download,omitempty"`
}

type Info struct {
	Version         string                   `json:"version"`
	Config          settings.Settings        `json:"config"`
	RuntimeSettings settings.RuntimeSettings `json:"runtime-settings"`
	Firmware        firmware.Metadata        `json:"firmware"`
}

// Machine drives the update cycle. A single goroutine started by Run owns
// transitions; the other methods are safe for concurrent use.
type Machine struct {
	logger   *slog.Logger
	version  string
	runtime  *settings.RuntimeStore
	firmware *firmware.Provider
	client   *client.Client
	registry *installmode.Registry
	pipeline *transfer.Pipeline
	history  *History
	rebooter Rebooter
	metrics  *metrics.Metrics
	now      func() time.Time
	jitter   func(time.Duration) time.Duration

	requests chan request

	mu         sync.Mutex
	settings   settings.Settings
	paused     bool
	state      State
	session    *transfer.Session
	fwSnapshot firmware.Metadata
}

func New(cfg Config) (*Machine, error) {
	switch {
	case cfg.Runtime == nil:
		return nil, agenterr.Newf(agenterr.KindConfig, "state machine", "runtime settings store is required")
	case cfg.Firmware == nil:
		return nil, agenterr.Newf(agenterr.KindConfig, "state machine", "firmware provider is required")
	case cfg.Client == nil:
		return nil, agenterr.Newf(agenterr.KindConfig, "state machine", "update client is required")
	case cfg.Registry == nil:
		return nil, agenterr.Newf(agenterr.KindConfig, "state machine", "install mode registry is required")
	case cfg.Pipeline == nil:
		return nil, agenterr.Newf(agenterr.KindConfig, "state machine", "transfer pipeline is required")
	}
	m := &Machine{
		logger:   cfg.Logger,
		version:  cfg.Version,
		runtime:  cfg.Runtime,
		firmware: cfg.Firmware,
		client:   cfg.Client,
		registry: cfg.Registry,
		pipeline: cfg.Pipeline,
		history:  cfg.History,
		rebooter: cfg.Rebooter,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		jitter:   cfg.Jitter,
		requests: make(chan request),
		settings: cfg.Settings,
		state:    StateEntryPoint,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.rebooter == nil {
		m.rebooter = CommandRebooter{}
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.jitter == nil {
		m.jitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		}
	}
	if !cfg.Settings.Polling.Enabled {
		m.state = StatePark
	}
	return m, nil
}

type requestKind int

const (
	reqProbe requestKind = iota
	reqInstall
	reqWake
)

type request struct {
	kind   requestKind
	server string
	update *pendingUpdate
	reply  chan response
}

type response struct {
	probe ProbeResult
	err   error
}

type step struct {
	state State
	// server overrides the configured server for a single probe.
	server string
	update *pendingUpdate
}

type stepResult struct {
	next  step
	probe ProbeResult
	err   error
}

// pendingUpdate is a validated package on its way through download,
// install and reboot.
type pendingUpdate struct {
	pkg     *updatepackage.UpdatePackage
	set     int
	objects []updatepackage.Object
	plan    *installmode.Plan
	source  transfer.Source
	// server is empty for local installs, which are not reported.
	server  string
	fw      firmware.Metadata
	session *transfer.Session
}

// Run drives the state machine until ctx is done or a reboot was
// requested.
func (m *Machine) Run(ctx context.Context) error {
	cur := step{state: m.State()}
	var waiters []chan response
	for {
		m.enter(cur)
		stepCtx, cancel := context.WithCancel(ctx)
		done := make(chan stepResult, 1)
		go func(s step) {
			done <- m.handle(stepCtx, s)
		}(cur)

		var (
			preempt        *step
			preemptWaiters []chan response
		)
	wait:
		for {
			select {
			case res := <-done:
				cancel()
				for _, w := range waiters {
					w <- response{probe: res.probe, err: res.err}
				}
				waiters = nil
				if preempt != nil {
					cur = *preempt
					waiters = preemptWaiters
				} else {
					cur = res.next
				}
				break wait
			case req := <-m.requests:
				target := cur.state
				if preempt != nil {
					target = preempt.state
				}
				switch req.kind {
				case reqProbe:
					switch {
					case target.Busy():
						req.reply <- response{err: &agenterr.BusyError{State: target.String()}}
					case preempt != nil && preempt.state == StateProbe:
						if !m.sameServer(preempt.server, req.server) {
							// another server is already queued
							req.reply <- response{err: &agenterr.BusyError{State: StateProbe.String()}}
							continue
						}
						preemptWaiters = append(preemptWaiters, req.reply)
					case preempt == nil && cur.state == StateProbe:
						if !m.sameServer(cur.server, req.server) {
							// runs once the probe in flight is done
							preempt = &step{state: StateProbe, server: req.server}
							preemptWaiters = []chan response{req.reply}
							continue
						}
						waiters = append(waiters, req.reply)
					default:
						preempt = &step{state: StateProbe, server: req.server}
						preemptWaiters = []chan response{req.reply}
						cancel()
					}
				case reqInstall:
					if target.Busy() {
						req.reply <- response{err: &agenterr.BusyError{State: target.String()}}
						continue
					}
					for _, w := range preemptWaiters {
						w <- response{err: agenterr.Probe("probe", ErrInterrupted)}
					}
					preempt = &step{state: StateDownload, update: req.update}
					preemptWaiters = nil
					req.reply <- response{}
					cancel()
				case reqWake:
					if preempt == nil {
						if next, ok := m.wake(cur.state); ok {
							preempt = &step{state: next}
							cancel()
						}
					}
					req.reply <- response{}
				}
			case <-ctx.Done():
				cancel()
				<-done
				for _, w := range append(waiters, preemptWaiters...) {
					w <- response{err: ctx.Err()}
				}
				m.setSession(nil)
				return nil
			}
		}
		if cur.state == stateExit {
			m.logger.Info("reboot requested, state machine stopped")
			return nil
		}
	}
}

// wake decides whether a settings or pause change moves the machine out
// of an idle state.
func (m *Machine) wake(s State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.settings.Polling.Enabled && !m.paused
	switch {
	case s == StatePark && active:
		return StateEntryPoint, true
	case (s == StatePoll || s == StateEntryPoint) && !active:
		return StatePark, true
	case s == StatePoll:
		// recompute the wake time with the new settings
		return StateEntryPoint, true
	}
	return s, false
}

func (m *Machine) enter(s step) {
	m.mu.Lock()
	prev := m.state
	m.state = s.state
	m.session = nil
	if s.state == StateDownload && s.update != nil {
		m.session = s.update.session
	}
	m.mu.Unlock()
	if prev != s.state {
		m.logger.With("from", prev.String(), "to", s.state.String()).Debug("state transition")
	}
	m.metrics.SetState(s.state.String(), StateNames())
}

// sameServer reports whether two probe targets resolve to the same
// server, an empty one meaning the configured server.
func (m *Machine) sameServer(a, b string) bool {
	if a == b {
		return true
	}
	configured := m.Settings().Network.ServerAddress
	if a == "" {
		a = configured
	}
	if b == "" {
		b = configured
	}
	return a == b
}

// detachSession ends the abortable part of a download. It reports false
// when an abort already reached sess.
func (m *Machine) detachSession(sess *transfer.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == sess {
		m.session = nil
	}
	return !sess.Cancelled()
}

func (m *Machine) setSession(sess *transfer.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = sess
}

func (m *Machine) call(ctx context.Context, req request) (ProbeResult, error) {
	req.reply = make(chan response, 1)
	select {
	case m.requests <- req:
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.probe, r.err
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	}
}

// Probe forces a probe, optionally against another server, and waits for
// its outcome. It fails with a *agenterr.BusyError while an update is in
// progress.
func (m *Machine) Probe(ctx context.Context, server string) (ProbeResult, error) {
	if server != "" {
		if err := settings.ValidateServerAddress(server); err != nil {
			return ProbeResult{}, err
		}
	}
	return m.call(ctx, request{kind: reqProbe, server: server})
}

// LocalInstall validates the package file at path and starts installing
// it. Packages that do not fit this device are rejected before any state
// change.
func (m *Machine) LocalInstall(ctx context.Context, path string) error {
	if st := m.Status(); st.Busy {
		return &agenterr.BusyError{State: st.CurrentState}
	}
	archive, err := updatepackage.OpenArchive(path)
	if err != nil {
		return err
	}
	fw, err := m.loadFirmware(ctx)
	if err != nil {
		return agenterr.Validation("firmware metadata", err)
	}
	upd, err := m.prepare(archive.Package, fw)
	if err != nil {
		return err
	}
	upd.source = &transfer.ArchiveSource{Archive: archive}
	m.logger.With("path", path, "package-uid", archive.Package.UID()).Info("local install requested")
	_, err = m.call(ctx, request{kind: reqInstall, update: upd})
	return err
}

// RemoteInstall downloads a package file from url and installs it like
// LocalInstall.
func (m *Machine) RemoteInstall(ctx context.Context, url string) (err error) {
	if st := m.Status(); st.Busy {
		return &agenterr.BusyError{State: st.CurrentState}
	}
	dir := filepath.Join(m.pipeline.Dir(), packagesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return agenterr.Transfer("create package dir", err)
	}
	rc, _, err := m.client.Fetch(ctx, url, 0)
	if err != nil {
		return agenterr.Transfer("fetch package", err)
	}
	defer rc.Close()
	path := filepath.Join(dir, util.NewUUID()+".pkg")
	if err := atomic.WriteFile(path, rc); err != nil {
		return agenterr.Transfer("fetch package", err)
	}
	defer func() {
		if err != nil {
			os.Remove(path)
		}
	}()
	return m.LocalInstall(ctx, path)
}

// AbortDownload cancels the download in progress. Without one it returns
// agenterr.ErrNoDownloadInProgress and changes nothing.
func (m *Machine) AbortDownload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDownload || m.session == nil {
		return agenterr.ErrNoDownloadInProgress
	}
	m.session.Cancel()
	m.metrics.DownloadAborts.Inc()
	m.logger.With("session", m.session.ID).Info("download abort requested")
	return nil
}

// Pause parks the machine once the current activity finishes.
func (m *Machine) Pause(ctx context.Context) error {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	_, err := m.call(ctx, request{kind: reqWake})
	return err
}

// Resume leaves Park and enables polling, even when disabled by settings.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	m.paused = false
	m.settings.Polling.Enabled = true
	m.mu.Unlock()
	_, err := m.call(ctx, request{kind: reqWake})
	return err
}

// SettingsChanged applies reloaded settings. A pending poll is
// rescheduled from the persisted counters.
func (m *Machine) SettingsChanged(ctx context.Context, s settings.Settings) error {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	_, err := m.call(ctx, request{kind: reqWake})
	return err
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Busy:         m.state.Busy(),
		CurrentState: m.state.String(),
	}
	if m.session != nil {
		st.Download = m.session.Progress()
	}
	return st
}

func (m *Machine) Settings() settings.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Info reloads the firmware metadata, falling back to the last snapshot.
func (m *Machine) Info(ctx context.Context) Info {
	fw, err := m.loadFirmware(ctx)
	if err != nil {
		m.logger.With("err", err).Warn("failed to load firmware metadata")
		m.mu.Lock()
		fw = m.fwSnapshot
		m.mu.Unlock()
	}
	return Info{
		Version:         m.version,
		Config:          m.Settings(),
		RuntimeSettings: m.runtime.Get(),
		Firmware:        fw,
	}
}

// History returns recorded installs, newest first.
func (m *Machine) History(ctx context.Context) ([]HistoryEntry, error) {
	if m.history == nil {
		return []HistoryEntry{}, nil
	}
	return m.history.List(ctx)
}

func (m *Machine) loadFirmware(ctx context.Context) (firmware.Metadata, error) {
	fw, err := m.firmware.Load(ctx)
	if err != nil {
		return fw, err
	}
	m.mu.Lock()
	m.fwSnapshot = fw
	m.mu.Unlock()
	return fw, nil
}

func (m *Machine) persist(fn func(r *settings.RuntimeSettings)) {
	if err := m.runtime.Update(fn); err != nil {
		m.logger.With("err", err).Error("failed to persist runtime settings")
	}
	m.metrics.PollingRetries.Set(float64(m.runtime.Get().Polling.Retries))
}
