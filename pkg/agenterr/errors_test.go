package agenterr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tcs := []struct {
		name string
		err  error
		kind agenterr.Kind
	}{
		{name: "plain", err: base, kind: agenterr.KindUnknown},
		{name: "probe", err: agenterr.Probe("upgrades", base), kind: agenterr.KindProbe},
		{name: "wrapped transfer", err: fmt.Errorf("object a: %w", agenterr.Transfer("fetch", base)), kind: agenterr.KindTransfer},
		{name: "validation", err: agenterr.Validation("product", base), kind: agenterr.KindValidation},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, agenterr.KindOf(tc.err))
			assert.ErrorIs(t, tc.err, base)
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := agenterr.Newf(agenterr.KindInstall, "raw", "target %s missing", "/dev/mmcblk0p2")
	assert.Equal(t, "install error: raw: target /dev/mmcblk0p2 missing", err.Error())
	assert.True(t, agenterr.Is(err, agenterr.KindInstall))
	assert.False(t, agenterr.Is(nil, agenterr.KindInstall))
}

func TestBusy(t *testing.T) {
	err := fmt.Errorf("probe: %w", &agenterr.BusyError{State: "download"})
	assert.True(t, agenterr.IsBusy(err))
	assert.False(t, agenterr.IsBusy(agenterr.ErrNoDownloadInProgress))
}
