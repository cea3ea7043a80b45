package statemachine

import (
	"context"
	"errors"
	"time"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/client"
	"github.com/otelfleet/otaagent/pkg/firmware"
	"github.com/otelfleet/otaagent/pkg/settings"
	"github.com/otelfleet/otaagent/pkg/transfer"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
)

// Report statuses understood by the update server.
const (
	reportDownloading = "downloading"
	reportDownloaded  = "downloaded"
	reportInstalling  = "installing"
	reportInstalled   = "installed"
	reportRebooting   = "rebooting"
	reportError       = "error"
)

func (m *Machine) handle(ctx context.Context, s step) stepResult {
	switch s.state {
	case StatePark:
		return m.park(ctx)
	case StateEntryPoint:
		return m.entryPoint()
	case StatePoll:
		return m.poll(ctx)
	case StateProbe:
		return m.probe(ctx, s)
	case StateDownload:
		return m.download(ctx, s)
	case StateInstall:
		return m.install(ctx, s)
	case StateReboot:
		return m.reboot(ctx, s)
	}
	return stepResult{next: step{state: StateEntryPoint}}
}

func goTo(s State) stepResult {
	return stepResult{next: step{state: s}}
}

// park only answers control requests; it is left through preemption.
func (m *Machine) park(ctx context.Context) stepResult {
	m.logger.Info("polling is disabled, parked")
	<-ctx.Done()
	return goTo(StateEntryPoint)
}

func (m *Machine) entryPoint() stepResult {
	m.mu.Lock()
	active := m.settings.Polling.Enabled && !m.paused
	m.mu.Unlock()
	if !active {
		return goTo(StatePark)
	}
	return goTo(StatePoll)
}

func (m *Machine) poll(ctx context.Context) stepResult {
	p := m.Settings().Polling
	now := m.now()
	if needsFirstPoll(m.runtime.Get().Polling) {
		first := now.Add(m.jitter(p.Interval))
		m.persist(func(r *settings.RuntimeSettings) {
			r.Polling.FirstPoll = &first
			r.Polling.Retries = 0
		})
	}
	next := NextPoll(p, m.runtime.Get().Polling, now)
	wait := next.Sub(now)
	if wait > 0 {
		m.logger.With("next-poll", next, "in", wait).Debug("waiting for next poll")
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return goTo(StateEntryPoint)
		case <-t.C:
		}
	}
	return goTo(StateProbe)
}

func (m *Machine) probe(ctx context.Context, s step) stepResult {
	cfg := m.Settings()
	server := s.server
	if server == "" {
		server = cfg.Network.ServerAddress
	}
	l := m.logger.With("server", server)

	fw, err := m.loadFirmware(ctx)
	if err != nil {
		return m.probeFailed(agenterr.Probe("firmware metadata", err))
	}
	resp, err := m.client.Probe(ctx, server, m.runtime.Get().Polling.Retries, fw)
	if ctx.Err() != nil {
		return stepResult{next: step{state: StateEntryPoint}, err: agenterr.Probe("probe", ErrInterrupted)}
	}
	if err != nil && !agenterr.Is(err, agenterr.KindValidation) {
		return m.probeFailed(err)
	}

	now := m.now()
	m.persist(func(r *settings.RuntimeSettings) {
		r.Polling.Retries = 0
		r.Polling.LastPoll = &now
		r.Polling.Now = false
		r.Polling.ExtraInterval = nil
		if err == nil && resp.Kind == client.ExtraPoll {
			extra := resp.ExtraPoll
			r.Polling.ExtraInterval = &extra
		}
	})
	if err != nil {
		m.metrics.Probes.WithLabelValues("invalid").Inc()
		l.With("err", err).Error("update metadata rejected")
		return stepResult{next: step{state: StateEntryPoint}, err: err}
	}

	switch resp.Kind {
	case client.NoUpdate:
		m.metrics.Probes.WithLabelValues("no_update").Inc()
		l.Info("no update available")
		return goTo(StateEntryPoint)
	case client.ExtraPoll:
		m.metrics.Probes.WithLabelValues("extra_poll").Inc()
		l.With("in", resp.ExtraPoll).Info("server requested an extra poll")
		return stepResult{
			next:  step{state: StateEntryPoint},
			probe: ProbeResult{TryAgainIn: int64(resp.ExtraPoll / time.Second)},
		}
	}

	m.metrics.Probes.WithLabelValues("update").Inc()
	pkg := resp.Package
	l = l.With("package-uid", pkg.UID(), "version", pkg.Metadata.Version)
	if m.runtime.Get().Update.AppliedPackageUID == pkg.UID() {
		l.Info("update already applied")
		return goTo(StateEntryPoint)
	}
	upd, err := m.prepare(pkg, fw)
	if err != nil {
		l.With("err", err).Error("update rejected")
		return stepResult{next: step{state: StateEntryPoint}, err: err}
	}
	upd.server = server
	upd.source = &transfer.RemoteSource{
		Client:     m.client,
		Server:     server,
		ProductUID: pkg.Metadata.ProductUID,
		PackageUID: pkg.UID(),
	}
	result := ProbeResult{UpdateAvailable: true}
	if !cfg.Update.AutoDownloadWhenAvailable {
		l.Info("update available, automatic download is disabled")
		return stepResult{next: step{state: StateEntryPoint}, probe: result}
	}
	l.Info("update available")
	return stepResult{next: step{state: StateDownload, update: upd}, probe: result}
}

func (m *Machine) probeFailed(err error) stepResult {
	m.metrics.Probes.WithLabelValues("error").Inc()
	now := m.now()
	m.persist(func(r *settings.RuntimeSettings) {
		r.Polling.Retries++
		r.Polling.LastPoll = &now
		r.Polling.Now = false
	})
	m.logger.With("err", err, "retries", m.runtime.Get().Polling.Retries).Warn("probe failed")
	return stepResult{next: step{state: StateEntryPoint}, err: err}
}

// prepare validates pkg for this device and resolves its install plan.
func (m *Machine) prepare(pkg *updatepackage.UpdatePackage, fw firmware.Metadata) (*pendingUpdate, error) {
	cfg := m.Settings()
	if err := pkg.Validate(fw, cfg.Update.SupportedInstallModes); err != nil {
		return nil, err
	}
	pem, err := m.firmware.PublicKey()
	if err != nil {
		return nil, agenterr.Validation("public key", err)
	}
	if pem != nil {
		key, err := updatepackage.ParsePublicKey(pem)
		if err != nil {
			return nil, agenterr.Validation("public key", err)
		}
		if err := pkg.Verify(key); err != nil {
			return nil, err
		}
	}
	set := m.targetSet(pkg)
	objects := pkg.Objects(set)
	plan, err := m.registry.Resolve(objects)
	if err != nil {
		return nil, err
	}
	return &pendingUpdate{
		pkg:     pkg,
		set:     set,
		objects: objects,
		plan:    plan,
		fw:      fw,
		session: transfer.NewSession(objects),
	}, nil
}

// targetSet picks the installation set not in use, for A/B layouts.
func (m *Machine) targetSet(pkg *updatepackage.UpdatePackage) int {
	n := len(pkg.Metadata.Objects)
	if n <= 1 {
		return 0
	}
	return (m.runtime.Get().Update.InstallationSet + 1) % n
}

func (m *Machine) download(ctx context.Context, s step) stepResult {
	u := s.update
	l := m.logger.With("package-uid", u.pkg.UID(), "session", u.session.ID)
	l.With("objects", len(u.objects)).Info("downloading update")
	m.report(ctx, u, reportDownloading, "", "")

	err := m.pipeline.Download(ctx, u.session, u.source, u.objects)
	if err == nil && !m.detachSession(u.session) {
		err = agenterr.Transfer("download", agenterr.ErrCancelled)
	}
	if err != nil {
		if errors.Is(err, agenterr.ErrCancelled) {
			m.metrics.Downloads.WithLabelValues("aborted").Inc()
			l.Info("download aborted")
		} else {
			m.metrics.Downloads.WithLabelValues("error").Inc()
			l.With("err", err).Error("download failed")
		}
		m.report(ctx, u, reportError, reportDownloading, err.Error())
		return goTo(StateEntryPoint)
	}
	m.metrics.Downloads.WithLabelValues("ok").Inc()
	m.report(ctx, u, reportDownloaded, "", "")

	if u.server != "" && !m.Settings().Update.AutoInstallAfterDownload {
		l.Info("download finished, automatic install is disabled")
		return goTo(StateEntryPoint)
	}
	return stepResult{next: step{state: StateInstall, update: u}}
}

func (m *Machine) install(ctx context.Context, s step) stepResult {
	u := s.update
	l := m.logger.With("package-uid", u.pkg.UID(), "installation-set", u.set)
	l.Info("installing update")
	m.report(ctx, u, reportInstalling, "", "")

	entry := HistoryEntry{
		PackageUID:      u.pkg.UID(),
		Version:         u.pkg.Metadata.Version,
		InstallationSet: u.set,
		Local:           u.server == "",
	}
	if err := m.pipeline.Install(ctx, u.plan); err != nil {
		m.metrics.Installs.WithLabelValues("error").Inc()
		l.With("err", err).Error("install failed")
		entry.Result = "failed"
		entry.Error = err.Error()
		m.record(ctx, entry)
		m.report(ctx, u, reportError, reportInstalling, err.Error())
		return goTo(StateEntryPoint)
	}

	m.persist(func(r *settings.RuntimeSettings) {
		r.Update.AppliedPackageUID = u.pkg.UID()
		r.Update.InstallationSet = u.set
		r.Polling.Now = true
	})
	entry.Result = "installed"
	m.record(ctx, entry)
	if err := m.pipeline.Clear(); err != nil {
		l.With("err", err).Warn("failed to clear download dir")
	}
	m.metrics.Installs.WithLabelValues("ok").Inc()
	m.report(ctx, u, reportInstalled, "", "")
	l.Info("update installed")

	if !m.Settings().Update.AutoRebootAfterInstall {
		l.Info("automatic reboot is disabled")
		return goTo(StateEntryPoint)
	}
	return stepResult{next: step{state: StateReboot, update: u}}
}

func (m *Machine) reboot(ctx context.Context, s step) stepResult {
	m.report(ctx, s.update, reportRebooting, "", "")
	m.logger.Info("rebooting")
	if err := m.rebooter.Reboot(ctx); err != nil {
		m.logger.With("err", err).Error("reboot failed")
		m.report(ctx, s.update, reportError, reportRebooting, err.Error())
		return goTo(StateEntryPoint)
	}
	return goTo(stateExit)
}

func (m *Machine) record(ctx context.Context, e HistoryEntry) {
	if m.history == nil {
		return
	}
	e.FinishedAt = m.now()
	if err := m.history.Append(ctx, e); err != nil {
		m.logger.With("err", err).Warn("failed to record install history")
	}
}

// report is best effort and skipped for local installs.
func (m *Machine) report(ctx context.Context, u *pendingUpdate, status, previous, message string) {
	if u == nil || u.server == "" {
		return
	}
	err := m.client.Report(ctx, u.server, client.Report{
		Status:        status,
		PackageUID:    u.pkg.UID(),
		PreviousState: previous,
		ErrorMessage:  message,
		Firmware:      u.fw,
	})
	if err != nil {
		m.logger.With("err", err, "status", status).Warn("failed to report state")
	}
}
