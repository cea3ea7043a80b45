package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/logutil"
	otaservices "github.com/otelfleet/otaagent/pkg/services"
	"github.com/otelfleet/otaagent/pkg/statemachine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodySize = 4 << 10

// AgentServer runs the update state machine and exposes the local control
// API for it.
type AgentServer struct {
	logger   *slog.Logger
	machine  *statemachine.Machine
	gatherer prometheus.Gatherer
	logs     *logutil.RingBuffer

	services.Service
}

func NewAgentServer(
	logger *slog.Logger,
	machine *statemachine.Machine,
	gatherer prometheus.Gatherer,
	logs *logutil.RingBuffer,
) *AgentServer {
	a := &AgentServer{
		logger:   logger,
		machine:  machine,
		gatherer: gatherer,
		logs:     logs,
	}
	a.Service = services.NewBasicService(nil, a.running, nil)
	return a
}

// running returns modules.ErrStopProcess once the machine hands over to a
// reboot, which stops the other modules.
func (a *AgentServer) running(ctx context.Context) error {
	if err := a.machine.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return modules.ErrStopProcess
	}
	return nil
}

func (a *AgentServer) ConfigureHTTP(mux *mux.Router) {
	a.logger.Info("configuring routes")
	mux.HandleFunc("/info", a.info).Methods(http.MethodGet)
	mux.HandleFunc("/probe", a.probe).Methods(http.MethodPost)
	mux.HandleFunc("/local_install", a.localInstall).Methods(http.MethodPost)
	mux.HandleFunc("/remote_install", a.remoteInstall).Methods(http.MethodPost)
	mux.HandleFunc("/update/download/abort", a.abortDownload).Methods(http.MethodPost)
	mux.HandleFunc("/log", a.log).Methods(http.MethodGet, http.MethodPost)
	mux.HandleFunc("/state", a.state).Methods(http.MethodGet)
	mux.HandleFunc("/history", a.history).Methods(http.MethodGet)
	mux.HandleFunc("/polling/pause", a.pause).Methods(http.MethodPost)
	mux.HandleFunc("/polling/resume", a.resume).Methods(http.MethodPost)
	if a.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// StateResponse is the body of state, install and polling responses.
type StateResponse struct {
	Busy         bool   `json:"busy"`
	CurrentState string `json:"current-state"`
	Error        string `json:"error,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *AgentServer) info(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.machine.Info(r.Context()))
}

func (a *AgentServer) probe(w http.ResponseWriter, r *http.Request) {
	server, err := readText(r)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, MessageResponse{Error: err.Error()})
		return
	}
	res, err := a.machine.Probe(r.Context(), server)
	var busy *agenterr.BusyError
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, res)
	case errors.As(err, &busy):
		a.writeJSON(w, http.StatusAccepted, StateResponse{Busy: true, CurrentState: busy.State})
	default:
		a.writeJSON(w, statusFor(err), MessageResponse{Error: err.Error()})
	}
}

func (a *AgentServer) localInstall(w http.ResponseWriter, r *http.Request) {
	a.install(w, r, a.machine.LocalInstall)
}

func (a *AgentServer) remoteInstall(w http.ResponseWriter, r *http.Request) {
	a.install(w, r, a.machine.RemoteInstall)
}

func (a *AgentServer) install(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	arg, err := readText(r)
	if err == nil && arg == "" {
		err = errors.New("request body is empty")
	}
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, MessageResponse{Error: err.Error()})
		return
	}
	err = fn(r.Context(), arg)
	st := a.machine.Status()
	resp := StateResponse{Busy: st.Busy, CurrentState: st.CurrentState}
	var busy *agenterr.BusyError
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, StateResponse{CurrentState: st.CurrentState})
	case errors.As(err, &busy):
		resp.Busy = true
		resp.CurrentState = busy.State
		a.writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		a.logger.With("err", err, "path", r.URL.Path).Warn("install request rejected")
		resp.Error = err.Error()
		a.writeJSON(w, http.StatusUnprocessableEntity, resp)
	}
}

func (a *AgentServer) abortDownload(w http.ResponseWriter, _ *http.Request) {
	if err := a.machine.AbortDownload(); err != nil {
		a.writeJSON(w, http.StatusBadRequest, MessageResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "request accepted, download aborted"})
}

func (a *AgentServer) log(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.logs.Entries())
}

func (a *AgentServer) state(w http.ResponseWriter, _ *http.Request) {
	st := a.machine.Status()
	a.writeJSON(w, http.StatusOK, st)
}

func (a *AgentServer) history(w http.ResponseWriter, r *http.Request) {
	entries, err := a.machine.History(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, MessageResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *AgentServer) pause(w http.ResponseWriter, r *http.Request) {
	a.polling(w, r, a.machine.Pause)
}

func (a *AgentServer) resume(w http.ResponseWriter, r *http.Request) {
	a.polling(w, r, a.machine.Resume)
}

func (a *AgentServer) polling(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, MessageResponse{Error: err.Error()})
		return
	}
	st := a.machine.Status()
	a.writeJSON(w, http.StatusOK, StateResponse{Busy: st.Busy, CurrentState: st.CurrentState})
}

func (a *AgentServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.With("err", err).Warn("failed to write response")
	}
}

func readText(r *http.Request) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func statusFor(err error) int {
	switch agenterr.KindOf(err) {
	case agenterr.KindConfig:
		return http.StatusBadRequest
	case agenterr.KindValidation:
		return http.StatusUnprocessableEntity
	case agenterr.KindProbe, agenterr.KindTransfer:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

var _ otaservices.HTTPExtension = (*AgentServer)(nil)
