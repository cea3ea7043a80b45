package installmode

import (
	"github.com/otelfleet/otaagent/pkg/updatepackage"
)

type testInstaller struct{}

// NewTest accepts any object and discards its bytes.
func NewTest(updatepackage.Object) (Installer, error) {
	return testInstaller{}, nil
}

func (testInstaller) Open() (Handler, error) {
	return &discardHandler{}, nil
}

type discardHandler struct {
	received int64
}

func (d *discardHandler) Receive(chunk []byte) (int, error) {
	d.received += int64(len(chunk))
	return len(chunk), nil
}

func (d *discardHandler) Finalize() error { return nil }

func (d *discardHandler) Abort() error { return nil }
