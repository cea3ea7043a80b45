// Package agentclient talks to the control API of a running agent.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/otelfleet/otaagent/pkg/logutil"
	"github.com/otelfleet/otaagent/pkg/services/agent"
	"github.com/otelfleet/otaagent/pkg/statemachine"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 5 * time.Minute

// Config holds the configuration for creating a control API client.
type Config struct {
	Logger *slog.Logger

	// ServerURL is the base URL of the agent, e.g. "http://localhost:8080".
	ServerURL string

	// HTTPClient is the HTTP client to use. If nil, a client with an
	// instrumented transport is used.
	HTTPClient *http.Client
}

type Client struct {
	logger     *slog.Logger
	serverURL  string
	httpClient *http.Client
}

// APIError is returned for responses outside the documented success codes.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent answered %d", e.StatusCode)
	}
	return fmt.Sprintf("agent answered %d: %s", e.StatusCode, e.Message)
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serverURL := cfg.ServerURL
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	return &Client{
		logger:     logger,
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: httpClient,
	}
}

// ProbeResponse merges the answers of /probe: either the probe outcome or
// the state that kept the agent busy.
type ProbeResponse struct {
	Busy            bool   `json:"busy,omitempty"`
	CurrentState    string `json:"current-state,omitempty"`
	UpdateAvailable bool   `json:"update-available"`
	TryAgainIn      int64  `json:"try-again-in,omitempty"`
}

func (c *Client) Info(ctx context.Context) (statemachine.Info, error) {
	var info statemachine.Info
	err := c.do(ctx, http.MethodGet, "/info", "", &info, http.StatusOK)
	return info, err
}

// Probe asks the agent to probe now, against server when it is not empty.
func (c *Client) Probe(ctx context.Context, server string) (ProbeResponse, error) {
	var res ProbeResponse
	err := c.do(ctx, http.MethodPost, "/probe", server, &res, http.StatusOK, http.StatusAccepted)
	return res, err
}

func (c *Client) LocalInstall(ctx context.Context, path string) (agent.StateResponse, error) {
	return c.install(ctx, "/local_install", path)
}

func (c *Client) RemoteInstall(ctx context.Context, url string) (agent.StateResponse, error) {
	return c.install(ctx, "/remote_install", url)
}

func (c *Client) install(ctx context.Context, path, arg string) (agent.StateResponse, error) {
	var res agent.StateResponse
	if err := c.do(ctx, http.MethodPost, path, arg, &res, http.StatusOK, http.StatusUnprocessableEntity); err != nil {
		return res, err
	}
	switch {
	case res.Error != "":
		return res, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: res.Error}
	case res.Busy:
		return res, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: "agent is busy in state " + res.CurrentState}
	}
	return res, nil
}

// AbortDownload returns the agent's confirmation message.
func (c *Client) AbortDownload(ctx context.Context) (string, error) {
	var res agent.MessageResponse
	err := c.do(ctx, http.MethodPost, "/update/download/abort", "", &res, http.StatusOK)
	return res.Message, err
}

func (c *Client) Log(ctx context.Context) ([]logutil.Entry, error) {
	var entries []logutil.Entry
	err := c.do(ctx, http.MethodGet, "/log", "", &entries, http.StatusOK)
	return entries, err
}

func (c *Client) State(ctx context.Context) (statemachine.Status, error) {
	var st statemachine.Status
	err := c.do(ctx, http.MethodGet, "/state", "", &st, http.StatusOK)
	return st, err
}

func (c *Client) History(ctx context.Context) ([]statemachine.HistoryEntry, error) {
	var entries []statemachine.HistoryEntry
	err := c.do(ctx, http.MethodGet, "/history", "", &entries, http.StatusOK)
	return entries, err
}

func (c *Client) PausePolling(ctx context.Context) (agent.StateResponse, error) {
	var res agent.StateResponse
	err := c.do(ctx, http.MethodPost, "/polling/pause", "", &res, http.StatusOK)
	return res, err
}

func (c *Client) ResumePolling(ctx context.Context) (agent.StateResponse, error) {
	var res agent.StateResponse
	err := c.do(ctx, http.MethodPost, "/polling/resume", "", &res, http.StatusOK)
	return res, err
}

// do decodes the body into out when the status is one of ok, and into an
// *APIError otherwise.
func (c *Client) do(ctx context.Context, method, path, body string, out any, ok ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	c.logger.With("method", method, "path", path).Debug("calling agent")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for _, code := range ok {
		if resp.StatusCode == code {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s response: %w", path, err)
			}
			return nil
		}
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var msg agent.MessageResponse
	if json.Unmarshal(data, &msg) == nil && msg.Error != "" {
		apiErr.Message = msg.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
