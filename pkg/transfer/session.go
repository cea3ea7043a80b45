package transfer

import (
	"sync"
	"sync/atomic"

	"github.com/otelfleet/otaagent/pkg/updatepackage"
	"github.com/otelfleet/otaagent/pkg/util"
)

// ObjectProgress tracks one object of a download.
type ObjectProgress struct {
	Filename  string `json:"filename"`
	Sha256sum string `json:"sha256sum"`
	Size      int64  `json:"size"`
	Written   int64  `json:"written"`
	Verified  bool   `json:"verified"`
}

// Session is a single download of a package's objects. It is never
// persisted; cancellation is cooperative and observed between chunks.
type Session struct {
	ID string

	cancelled atomic.Bool

	mu       sync.Mutex
	order    []string
	progress map[string]*ObjectProgress
}

func NewSession(objects []updatepackage.Object) *Session {
	s := &Session{
		ID:       util.NewUUID(),
		progress: map[string]*ObjectProgress{},
	}
	for _, o := range objects {
		if _, ok := s.progress[o.Sha256sum]; ok {
			continue
		}
		s.order = append(s.order, o.Sha256sum)
		s.progress[o.Sha256sum] = &ObjectProgress{
			Filename:  o.Filename,
			Sha256sum: o.Sha256sum,
			Size:      o.Size,
		}
	}
	return s
}

// Cancel requests the download to stop. It is safe to call more than once
// and from any goroutine.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

func (s *Session) Progress() []ObjectProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ObjectProgress, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, *s.progress[k])
	}
	return out
}

func (s *Session) setWritten(sha string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.progress[sha]; ok {
		p.Written = n
		p.Verified = false
	}
}

func (s *Session) setVerified(sha string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.progress[sha]; ok {
		p.Written = p.Size
		p.Verified = true
	}
}

func (s *Session) verified(sha string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[sha]
	return ok && p.Verified
}
