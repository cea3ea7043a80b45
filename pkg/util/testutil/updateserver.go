package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// ProbeRequest records one probe received by FakeUpdateServer.
type ProbeRequest struct {
	Retries  string
	Body     map[string]any
	Header   http.Header
	Received time.Time
}

// FakeUpdateServer implements the update server side of the probe,
// object and report exchanges for tests.
type FakeUpdateServer struct {
	*httptest.Server

	mu sync.Mutex

	// Package is offered on probe. A nil Package answers 404.
	Package *Package
	// ExtraPoll, when positive, answers probes with an Add-Extra-Poll header.
	ExtraPoll int
	// FailProbes makes the next N probes answer 500.
	FailProbes int
	// ProbeGate, when set, holds probe responses until it is closed.
	ProbeGate chan struct{}
	// ReportGate, when set, holds reports whose status is GatedReport
	// until it is closed. The report is recorded before it is held.
	ReportGate  chan struct{}
	GatedReport string
	// ObjectGate, when set, holds object responses until it is closed.
	ObjectGate chan struct{}
	// CorruptObjects serves altered bytes for the listed digests.
	CorruptObjects map[string]bool
	// FailObjects makes the next N object requests answer 503.
	FailObjects int
	// TruncateObjects makes the next N full object responses stop halfway.
	TruncateObjects int
	// Files are served at /files/{name} for direct downloads.
	Files map[string][]byte

	probes         []ProbeRequest
	reports        []map[string]any
	objectRequests []string
}

func NewFakeUpdateServer(t *testing.T) *FakeUpdateServer {
	t.Helper()
	s := &FakeUpdateServer{
		CorruptObjects: map[string]bool{},
		Files:          map[string][]byte{},
	}
	r := mux.NewRouter()
	r.HandleFunc("/upgrades", s.handleProbe).Methods(http.MethodPost)
	r.HandleFunc("/report", s.handleReport).Methods(http.MethodPost)
	r.HandleFunc("/products/{product}/packages/{package}/objects/{object}", s.handleObject).Methods(http.MethodGet)
	r.HandleFunc("/files/{name}", s.handleFile).Methods(http.MethodGet)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *FakeUpdateServer) Set(fn func(s *FakeUpdateServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *FakeUpdateServer) Probes() []ProbeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProbeRequest, len(s.probes))
	copy(out, s.probes)
	return out
}

// ReportStatuses returns the status field of each report, in order.
func (s *FakeUpdateServer) ReportStatuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, r := range s.reports {
		out = append(out, r["status"].(string))
	}
	return out
}

func (s *FakeUpdateServer) Reports() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.reports))
	copy(out, s.reports)
	return out
}

// ObjectRequests lists "<digest> <range>" for each object request.
func (s *FakeUpdateServer) ObjectRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.objectRequests))
	copy(out, s.objectRequests)
	return out
}

func (s *FakeUpdateServer) handleProbe(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	data, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(data, &body)

	s.mu.Lock()
	s.probes = append(s.probes, ProbeRequest{
		Retries:  r.Header.Get("Api-Retries"),
		Body:     body,
		Header:   r.Header.Clone(),
		Received: time.Now(),
	})
	fail := s.FailProbes > 0
	if fail {
		s.FailProbes--
	}
	pkg, extra, gate := s.Package, s.ExtraPoll, s.ProbeGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case fail:
		w.WriteHeader(http.StatusInternalServerError)
	case extra > 0:
		w.Header().Set("Add-Extra-Poll", strconv.Itoa(extra))
		w.WriteHeader(http.StatusOK)
	case pkg == nil:
		w.WriteHeader(http.StatusNotFound)
	default:
		if pkg.Signature != nil {
			w.Header().Set("UH-Signature", string(pkg.Signature))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(pkg.Raw)
	}
}

func (s *FakeUpdateServer) handleReport(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.reports = append(s.reports, body)
	gate := s.ReportGate
	if body["status"] != s.GatedReport {
		gate = nil
	}
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *FakeUpdateServer) handleObject(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["object"]
	s.mu.Lock()
	s.objectRequests = append(s.objectRequests, strings.TrimSpace(digest+" "+r.Header.Get("Range")))
	gate := s.ObjectGate
	fail := s.FailObjects > 0
	if fail {
		s.FailObjects--
	}
	var content []byte
	if s.Package != nil {
		content = s.Package.Contents[digest]
	}
	corrupt := s.CorruptObjects[digest]
	truncate := !fail && r.Header.Get("Range") == "" && s.TruncateObjects > 0
	if truncate {
		s.TruncateObjects--
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if content == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if corrupt {
		content = bytes.Clone(content)
		content[len(content)-1] ^= 0xff
	}
	if truncate {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:len(content)/2])
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
}

func (s *FakeUpdateServer) handleFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	content, ok := s.Files[mux.Vars(r)["name"]]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
}
