package server

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/middleware"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/client"
	"github.com/otelfleet/otaagent/pkg/firmware"
	"github.com/otelfleet/otaagent/pkg/installmode"
	"github.com/otelfleet/otaagent/pkg/logutil"
	"github.com/otelfleet/otaagent/pkg/metrics"
	"github.com/otelfleet/otaagent/pkg/services/agent"
	storagesvc "github.com/otelfleet/otaagent/pkg/services/storage"
	"github.com/otelfleet/otaagent/pkg/settings"
	"github.com/otelfleet/otaagent/pkg/statemachine"
	"github.com/otelfleet/otaagent/pkg/storage"
	"github.com/otelfleet/otaagent/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// The various modules that make up the agent
const (
	All             = "all"
	Storage         = "storage"
	StateMachine    = "state-machine"
	SettingsWatcher = "settings-watcher"
	ServerService   = "server"
)

// Config is what the agent is started with.
type Config struct {
	Version string
	// SettingsPath is watched for changes when set.
	SettingsPath string
	Settings     settings.Settings
	// Logs backs the /log endpoint.
	Logs *logutil.RingBuffer
}

type OTAAgent struct {
	logger *slog.Logger
	cfg    Config

	mm   *modules.Manager
	deps map[string][]string

	store    *storagesvc.StorageService
	registry *prometheus.Registry
	machine  *statemachine.Machine

	serviceMap map[string]services.Service
	server     *server.Server
	serverConf server.Config
	goKitLog   log.Logger
}

func New(cfg Config) (*OTAAgent, error) {
	l := slog.Default()
	if cfg.Logs == nil {
		cfg.Logs = logutil.Buffer()
	}
	a := &OTAAgent{
		logger:   l,
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		goKitLog: logutil.NewGoKitLogger(l.With("component", "dskit")),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	host, port, err := splitListenSocket(cfg.Settings.Network.ListenSocket)
	if err != nil {
		return nil, err
	}
	conf := server.Config{
		HTTPListenAddress:             host,
		HTTPListenPort:                port,
		DoNotAddDefaultHTTPMiddleware: true,
		MetricsNamespace:              "otaagent",
		Registerer:                    a.registry,
		Gatherer:                      a.registry,
		Log:                           a.goKitLog,
	}

	srv, err := server.New(conf)
	if err != nil {
		return nil, err
	}
	a.server = srv
	a.serverConf = conf

	if err := a.setupModuleManager(); err != nil {
		return nil, err
	}
	return a, nil
}

func splitListenSocket(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, agenterr.Config("network.listen-socket", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, agenterr.Config("network.listen-socket", fmt.Errorf("invalid port %q", p))
	}
	return host, port, nil
}

func (o *OTAAgent) setupModuleManager() error {
	mm := modules.NewManager(o.goKitLog)
	mm.RegisterModule(All, nil)

	mm.RegisterModule(Storage, func() (services.Service, error) {
		path := o.cfg.Settings.Storage.HistoryPath
		if o.cfg.Settings.Storage.ReadOnly {
			path = ""
		}
		storeSvc, err := storagesvc.NewStorageService(
			o.logger.With("service", Storage),
			path,
		)
		if err != nil {
			return nil, err
		}
		o.store = storeSvc
		return storeSvc, nil
	}, modules.UserInvisibleModule)

	mm.RegisterModule(StateMachine, func() (services.Service, error) {
		machine, err := o.newMachine()
		if err != nil {
			return nil, err
		}
		o.machine = machine
		srv := agent.NewAgentServer(
			o.logger.With("service", StateMachine),
			machine,
			o.registry,
			o.cfg.Logs,
		)
		srv.ConfigureHTTP(o.server.HTTP)
		return srv, nil
	})

	mm.RegisterModule(SettingsWatcher, func() (services.Service, error) {
		return settings.NewWatcher(
			o.logger.With("service", SettingsWatcher),
			o.cfg.SettingsPath,
			installmode.DefaultRegistry().Modes(),
			func(ctx context.Context, s settings.Settings) {
				if err := o.machine.SettingsChanged(ctx, s); err != nil {
					o.logger.With("err", err).Warn("failed to apply settings")
				}
			},
		), nil
	})

	mm.RegisterModule(ServerService, func() (services.Service, error) {
		servicesToWaitFor := func() []services.Service {
			svs := []services.Service(nil)
			for m, s := range o.serviceMap {
				// Server should not wait for itself.
				if m != ServerService {
					svs = append(svs, s)
				}
			}
			return svs
		}
		defaultHTTPMiddleware := []middleware.Interface{}
		o.server.HTTPServer.Handler = middleware.Merge(defaultHTTPMiddleware...).Wrap(o.server.HTTP)
		s := o.newServerService(servicesToWaitFor)
		handler := otelhttp.NewHandler(o.server.HTTPServer.Handler, "otaagent")
		if origins := o.cfg.Settings.Network.CORSAllowedOrigins; len(origins) > 0 {
			handler = cors.New(cors.Options{
				AllowedOrigins: origins,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			}).Handler(handler)
		}
		o.server.HTTPServer.Handler = h2c.NewHandler(handler, &http2.Server{})
		return s, nil
	}, modules.UserInvisibleModule)

	deps := map[string][]string{
		All:           {ServerService},
		ServerService: {StateMachine},
		StateMachine:  {Storage},
	}
	if o.cfg.SettingsPath != "" {
		deps[All] = append(deps[All], SettingsWatcher)
		deps[SettingsWatcher] = []string{StateMachine}
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	o.mm = mm
	o.deps = deps
	return nil
}

func (o *OTAAgent) newMachine() (*statemachine.Machine, error) {
	s := o.cfg.Settings
	m := metrics.New(o.registry)

	runtime, err := settings.OpenRuntime(s.Storage.RuntimeSettings, s.Storage.ReadOnly)
	if err != nil {
		return nil, agenterr.Config("storage.runtime-settings", err)
	}
	pipeline := transfer.New(transfer.Config{
		Logger:      o.logger.With("component", "transfer"),
		DownloadDir: s.Update.DownloadDir,
		ChunkSize:   s.Update.ChunkSize,
		Retries:     s.Update.ObjectRetries,
		RateLimit:   s.Update.DownloadRateLimit,
		Metrics:     m,
	})
	history := statemachine.NewHistory(
		storage.NewJSONBroker[statemachine.HistoryEntry](o.logger.With("store", "history"), o.store),
		0,
	)
	return statemachine.New(statemachine.Config{
		Logger:   o.logger.With("component", "state-machine"),
		Version:  o.cfg.Version,
		Settings: s,
		Runtime:  runtime,
		Firmware: firmware.NewProvider(o.logger.With("component", "firmware"), s.Firmware.MetadataPath),
		Client:   client.New(client.Config{Logger: o.logger.With("component", "client")}),
		Registry: installmode.DefaultRegistry(),
		Pipeline: pipeline,
		History:  history,
		Metrics:  m,
	})
}

func (o *OTAAgent) Run(ctx context.Context) error {
	svcMap, err := o.mm.InitModuleServices(All)
	if err != nil {
		return err
	}
	o.serviceMap = svcMap

	mgr, err := services.NewManager(slices.Collect(maps.Values(svcMap))...)
	if err != nil {
		o.logger.With("err", err).Error("failed to start service manager")
		return err
	}

	servicesFailed := func(service services.Service) {
		mgr.StopAsync()

		for m, s := range svcMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					o.logger.With(
						"module", m,
					).With(
						"error", service.FailureCase(),
					).Info("received stop signal via return error")
				} else {
					o.logger.With(
						"module", m,
					).With(
						"error", service.FailureCase(),
					).Error("module failed")
				}
				return
			}
		}
		o.logger.With("module", "unknown").With("error", service.FailureCase()).Error("module failed")
	}

	mgr.AddListener(services.NewManagerListener(
		func() {},
		func() {},
		servicesFailed,
	))

	handler := signals.NewHandler(o.goKitLog)
	stopSignals := sync.OnceFunc(handler.Stop)
	go func() {
		handler.Loop()
		mgr.StopAsync()
	}()
	stopAfter := context.AfterFunc(ctx, stopSignals)
	defer stopAfter()
	printRoutes(o.server.HTTP, o.logger)
	var stopErr error
	if err := mgr.StartAsync(context.Background()); err == nil {
		stopErr = mgr.AwaitStopped(context.Background())
	}
	stopSignals()

	if stopErr != nil {
		return stopErr
	}

	if failed := mgr.ServicesByState()[services.Failed]; len(failed) > 0 {
		for _, f := range failed {
			if f.FailureCase() != modules.ErrStopProcess {
				// Details were reported via failure listener before
				return fmt.Errorf("services failed")
			}
		}
	}
	return nil
}

// newServerService constructs service from Server component.
// servicesToWaitFor is called when server is stopping, and should return all
// services that need to terminate before server actually stops.
func (o *OTAAgent) newServerService(servicesToWaitFor func() []services.Service) services.Service {
	l := o.logger.With("service", "server")
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			l.With("http-addr", net.JoinHostPort(o.serverConf.HTTPListenAddress, strconv.Itoa(o.serverConf.HTTPListenPort))).Info("running")
			serverDone <- o.server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server stopped unexpectedly: %w", err)
			}
			return nil
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		o.server.Shutdown()

		<-serverDone
		l.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}

// HTTPAddr is the address the control API listens on.
func (o *OTAAgent) HTTPAddr() net.Addr {
	return o.server.HTTPListenAddr()
}
