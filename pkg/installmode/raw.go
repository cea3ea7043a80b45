package installmode

import (
	"errors"
	"fmt"
	"os"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
)

const defaultRawChunkSize = 128 << 10

type rawInstaller struct {
	target    string
	chunkSize int64
	seek      int64
	truncate  bool
}

// NewRaw writes object bytes verbatim to a block device or file, in
// chunk-size writes at sequential offsets starting at seek.
func NewRaw(obj updatepackage.Object) (Installer, error) {
	if obj.Target == "" {
		return nil, errors.New("raw: target is required")
	}
	if obj.ChunkSize < 0 || obj.Seek < 0 {
		return nil, errors.New("raw: chunk-size and seek must not be negative")
	}
	chunk := obj.ChunkSize
	if chunk == 0 {
		chunk = defaultRawChunkSize
	}
	return &rawInstaller{
		target:    obj.Target,
		chunkSize: chunk,
		seek:      obj.Seek,
		truncate:  obj.Truncate,
	}, nil
}

func (r *rawInstaller) Open() (Handler, error) {
	flags := os.O_WRONLY
	if r.truncate {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(r.target, flags, 0o644)
	if err != nil {
		return nil, agenterr.Install("raw", err)
	}
	return &rawHandler{
		f:      f,
		offset: r.seek,
		buf:    make([]byte, 0, r.chunkSize),
	}, nil
}

type rawHandler struct {
	f      *os.File
	offset int64
	buf    []byte
}

func (h *rawHandler) Receive(chunk []byte) (int, error) {
	n := 0
	for len(chunk) > 0 {
		free := cap(h.buf) - len(h.buf)
		take := min(free, len(chunk))
		h.buf = append(h.buf, chunk[:take]...)
		chunk = chunk[take:]
		n += take
		if len(h.buf) == cap(h.buf) {
			if err := h.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (h *rawHandler) flush() error {
	if len(h.buf) == 0 {
		return nil
	}
	written, err := h.f.WriteAt(h.buf, h.offset)
	h.offset += int64(written)
	if err != nil {
		return agenterr.Install("raw", fmt.Errorf("write at %d: %w", h.offset, err))
	}
	h.buf = h.buf[:0]
	return nil
}

func (h *rawHandler) Finalize() error {
	if err := h.flush(); err != nil {
		h.f.Close()
		return err
	}
	if err := h.f.Sync(); err != nil {
		h.f.Close()
		return agenterr.Install("raw", err)
	}
	return h.f.Close()
}

// Abort stops writing. Bytes already on the target are not rolled back.
func (h *rawHandler) Abort() error {
	return h.f.Close()
}
