package installmode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/natefinch/atomic"
	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
)

type copyInstaller struct {
	dest string
	perm os.FileMode
}

// NewCopy stages object bytes next to the destination and replaces it
// atomically on Finalize. The destination is target-path, or target when
// no path is given.
func NewCopy(obj updatepackage.Object) (Installer, error) {
	dest := obj.TargetPath
	if dest == "" {
		dest = obj.Target
	}
	if dest == "" {
		return nil, errors.New("copy: target-path is required")
	}
	perm := os.FileMode(0o644)
	if obj.TargetPermissions != nil && obj.TargetPermissions.Mode != "" {
		m, err := strconv.ParseUint(obj.TargetPermissions.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("copy: invalid target-mode %q: %w", obj.TargetPermissions.Mode, err)
		}
		perm = os.FileMode(m)
	}
	return &copyInstaller{dest: dest, perm: perm}, nil
}

func (c *copyInstaller) Open() (Handler, error) {
	dir := filepath.Dir(c.dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, agenterr.Install("copy", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(c.dest)+".*")
	if err != nil {
		return nil, agenterr.Install("copy", err)
	}
	return &copyHandler{dest: c.dest, perm: c.perm, tmp: f}, nil
}

type copyHandler struct {
	dest string
	perm os.FileMode
	tmp  *os.File
}

func (h *copyHandler) Receive(chunk []byte) (int, error) {
	n, err := h.tmp.Write(chunk)
	if err != nil {
		return n, agenterr.Install("copy", err)
	}
	return n, nil
}

func (h *copyHandler) Finalize() error {
	name := h.tmp.Name()
	defer os.Remove(name)
	if err := h.tmp.Sync(); err != nil {
		h.tmp.Close()
		return agenterr.Install("copy", err)
	}
	if err := h.tmp.Chmod(h.perm); err != nil {
		h.tmp.Close()
		return agenterr.Install("copy", err)
	}
	if err := h.tmp.Close(); err != nil {
		return agenterr.Install("copy", err)
	}
	if err := atomic.ReplaceFile(name, h.dest); err != nil {
		return agenterr.Install("copy", err)
	}
	return nil
}

// Abort discards the staged file, leaving the destination untouched.
func (h *copyHandler) Abort() error {
	h.tmp.Close()
	return os.Remove(h.tmp.Name())
}
