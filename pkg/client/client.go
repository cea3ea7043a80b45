// Package client talks to an update server: it probes for updates, fetches
// package objects and reports installation progress.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/firmware"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	UserAgent      = "otaagent/1"
	APIContentType = "application/vnd.updatehub-v1+json"

	headerAPIContentType = "Api-Content-Type"
	headerAPIRetries     = "Api-Retries"
	headerExtraPoll      = "Add-Extra-Poll"
	headerSignature      = "UH-Signature"

	defaultTimeout = 10 * time.Second
	// maxMetadataSize bounds the probe response body.
	maxMetadataSize = 4 << 20
)

// ErrUnexpectedStatus is wrapped by errors for non-success responses.
var ErrUnexpectedStatus = errors.New("unexpected status code")

// Config holds the configuration for creating an update server client.
type Config struct {
	// Logger for client operations.
	Logger *slog.Logger

	// HTTPClient is the HTTP client to use. If nil, a client with an
	// instrumented transport is used.
	HTTPClient *http.Client
}

// Client is an update server API client. It is safe for concurrent use;
// each call names the server it talks to.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = defaultTimeout
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(transport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:     logger,
		httpClient: httpClient,
	}
}

// ProbeKind is the outcome of a probe exchange.
type ProbeKind int

const (
	NoUpdate ProbeKind = iota
	// ExtraPoll means the server asked to be probed again later.
	ExtraPoll
	UpdateAvailable
)

func (k ProbeKind) String() string {
	switch k {
	case ExtraPoll:
		return "extra-poll"
	case UpdateAvailable:
		return "update-available"
	default:
		return "no-update"
	}
}

// ProbeResponse is the decoded answer to a probe.
type ProbeResponse struct {
	Kind ProbeKind
	// ExtraPoll is set when Kind is ExtraPoll.
	ExtraPoll time.Duration
	// Package is set when Kind is UpdateAvailable.
	Package *updatepackage.UpdatePackage
}

// Probe asks server whether an update is available for the device
// described by fw. Transport and protocol failures are probe errors;
// unparsable metadata is a validation error.
func (c *Client) Probe(ctx context.Context, server string, retries int, fw firmware.Metadata) (ProbeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	body, err := json.Marshal(fw)
	if err != nil {
		return ProbeResponse{}, agenterr.Probe("encode firmware metadata", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, joinURL(server, "upgrades"), bytes.NewReader(body))
	if err != nil {
		return ProbeResponse{}, agenterr.Probe("upgrades", err)
	}
	req.Header.Set(headerAPIRetries, strconv.Itoa(retries))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProbeResponse{}, agenterr.Probe("upgrades", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ProbeResponse{Kind: NoUpdate}, nil
	case http.StatusOK:
	default:
		return ProbeResponse{}, agenterr.Probe("upgrades", fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}

	if v := resp.Header.Get(headerExtraPoll); v != "" {
		secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil && secs >= 0 {
			return ProbeResponse{Kind: ExtraPoll, ExtraPoll: time.Duration(secs) * time.Second}, nil
		}
		c.logger.With("value", v).Warn("ignoring malformed extra poll header")
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return ProbeResponse{}, agenterr.Probe("read update metadata", err)
	}
	var sig []byte
	if v := resp.Header.Get(headerSignature); v != "" {
		sig = []byte(v)
	}
	pkg, err := updatepackage.Parse(raw, sig)
	if err != nil {
		return ProbeResponse{}, err
	}
	return ProbeResponse{Kind: UpdateAvailable, Package: pkg}, nil
}

// FetchObject requests an object's bytes starting at offset. The caller
// closes the returned body. The returned offset is where the body starts,
// which is 0 when the server ignored the range request.
func (c *Client) FetchObject(
	ctx context.Context,
	server, productUID, packageUID, sha256sum string,
	offset int64,
) (io.ReadCloser, int64, error) {
	url := joinURL(server, "products", productUID, "packages", packageUID, "objects", sha256sum)
	return c.fetch(ctx, url, offset)
}

// Fetch performs a GET on an absolute url, resuming at offset.
func (c *Client) Fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, int64, error) {
	return c.fetch(ctx, url, offset)
}

func (c *Client) fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, 0, nil
	case http.StatusPartialContent:
		return resp.Body, offset, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return io.NopCloser(bytes.NewReader(nil)), offset, nil
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("GET %s: %w: %d", url, ErrUnexpectedStatus, resp.StatusCode)
	}
}

// Report describes a state transition sent to the server.
type Report struct {
	Status        string
	PackageUID    string
	PreviousState string
	ErrorMessage  string
	Firmware      firmware.Metadata
}

type reportPayload struct {
	Status string `json:"status"`
	firmware.Metadata
	PackageUID    string `json:"package-uid"`
	PreviousState string `json:"previous-state,omitempty"`
	ErrorMessage  string `json:"error-message,omitempty"`
}

// Report posts a state report.
func (c *Client) Report(ctx context.Context, server string, r Report) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	body, err := json.Marshal(reportPayload{
		Status:        r.Status,
		Metadata:      r.Firmware,
		PackageUID:    r.PackageUID,
		PreviousState: r.PreviousState,
		ErrorMessage:  r.ErrorMessage,
	})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, joinURL(server, "report"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("report %s: %w: %d", r.Status, ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIContentType, APIContentType)
	return req, nil
}

func joinURL(server string, parts ...string) string {
	return strings.TrimRight(server, "/") + "/" + strings.Join(parts, "/")
}
