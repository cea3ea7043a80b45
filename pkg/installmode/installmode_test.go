package installmode_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/installmode"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(t *testing.T, h installmode.Handler, data []byte, chunk int) {
	t.Helper()
	for len(data) > 0 {
		n := min(chunk, len(data))
		written, err := h.Receive(data[:n])
		require.NoError(t, err)
		require.Equal(t, n, written)
		data = data[n:]
	}
}

func TestResolve(t *testing.T) {
	reg := installmode.DefaultRegistry()
	assert.Equal(t, []string{"copy", "raw", "test"}, reg.Modes())

	plan, err := reg.Resolve([]updatepackage.Object{
		{Filename: "a", Mode: "raw", Target: "/dev/null"},
		{Filename: "b", Mode: "copy", TargetPath: "/etc/b"},
		{Filename: "c", Mode: "test"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "b", plan.Steps[1].Object.Filename)

	tcs := map[string]updatepackage.Object{
		"unknown mode":   {Filename: "x", Mode: "ubifs"},
		"raw no target":  {Filename: "x", Mode: "raw"},
		"copy no target": {Filename: "x", Mode: "copy"},
		"copy bad perm":  {Filename: "x", Mode: "copy", TargetPath: "/etc/x", TargetPermissions: &updatepackage.TargetPermissions{Mode: "rwx"}},
		"raw negative":   {Filename: "x", Mode: "raw", Target: "/dev/null", Seek: -1},
	}
	for name, obj := range tcs {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve([]updatepackage.Object{obj})
			require.Error(t, err)
			assert.True(t, agenterr.Is(err, agenterr.KindValidation))
		})
	}
}

func TestRawWritesAtSeek(t *testing.T) {
	target := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(target, bytes.Repeat([]byte{0xff}, 64), 0o644))

	inst, err := installmode.NewRaw(updatepackage.Object{Target: target, ChunkSize: 7, Seek: 8})
	require.NoError(t, err)
	h, err := inst.Open()
	require.NoError(t, err)
	payload := []byte("0123456789abcdefghij")
	feed(t, h, payload, 3)
	require.NoError(t, h.Finalize())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Len(t, got, 64)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 8), got[:8])
	assert.Equal(t, payload, got[8:28])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 36), got[28:])
}

func TestRawTruncate(t *testing.T) {
	target := filepath.Join(t.TempDir(), "fresh.img")
	inst, err := installmode.NewRaw(updatepackage.Object{Target: target, Truncate: true})
	require.NoError(t, err)
	h, err := inst.Open()
	require.NoError(t, err)
	feed(t, h, []byte("hello"), 5)
	require.NoError(t, h.Finalize())
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestRawMissingTarget(t *testing.T) {
	inst, err := installmode.NewRaw(updatepackage.Object{Target: filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	_, err = inst.Open()
	require.Error(t, err)
	assert.True(t, agenterr.Is(err, agenterr.KindInstall))
}

func TestCopyAtomicReplace(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "etc", "app.conf")
	inst, err := installmode.NewCopy(updatepackage.Object{
		TargetPath:        dest,
		TargetPermissions: &updatepackage.TargetPermissions{Mode: "0600"},
	})
	require.NoError(t, err)

	h, err := inst.Open()
	require.NoError(t, err)
	feed(t, h, []byte("new contents"), 4)
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "destination must not exist before finalize")
	require.NoError(t, h.Finalize())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new contents", string(got))
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCopyAbortLeavesDestination(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "app.conf")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))
	inst, err := installmode.NewCopy(updatepackage.Object{Target: dest})
	require.NoError(t, err)
	h, err := inst.Open()
	require.NoError(t, err)
	feed(t, h, []byte("partial"), 3)
	require.NoError(t, h.Abort())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDryRun(t *testing.T) {
	inst, err := installmode.NewTest(updatepackage.Object{})
	require.NoError(t, err)
	h, err := inst.Open()
	require.NoError(t, err)
	feed(t, h, []byte("anything"), 2)
	assert.NoError(t, h.Finalize())
	assert.NoError(t, h.Abort())
}
