package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// FakeFirmware describes the metadata directory written by WriteFirmware.
type FakeFirmware struct {
	ProductUID       string
	Version          string
	Hardware         string
	DeviceIdentity   map[string]string
	DeviceAttributes map[string]string
	// Scripts writes hooks as executables instead of plain files.
	Scripts   bool
	PublicKey []byte
}

func DefaultFirmware() FakeFirmware {
	return FakeFirmware{
		ProductUID:       "229ffd7e08721d716163fc81a2dbaf6c90d449f0a3b009b6a2defe8a0b0d7381",
		Version:          "1.1",
		Hardware:         "board",
		DeviceIdentity:   map[string]string{"id1": "value1", "id2": "value2"},
		DeviceAttributes: map[string]string{"attr1": "attrvalue1", "attr2": "attrvalue2"},
	}
}

// WriteFirmware creates a firmware metadata directory and returns its path.
func WriteFirmware(t *testing.T, fw FakeFirmware) string {
	t.Helper()
	dir := t.TempDir()
	writeHook(t, dir, "product-uid", fw.ProductUID, fw.Scripts)
	writeHook(t, dir, "version", fw.Version, fw.Scripts)
	writeHook(t, dir, "hardware", fw.Hardware, fw.Scripts)
	writeKeyValues(t, filepath.Join(dir, "device-identity.d"), fw.DeviceIdentity, fw.Scripts)
	writeKeyValues(t, filepath.Join(dir, "device-attributes.d"), fw.DeviceAttributes, fw.Scripts)
	if fw.PublicKey != nil {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "key.pub"), fw.PublicKey, 0o644))
	}
	return dir
}

func writeKeyValues(t *testing.T, dir string, kv map[string]string, script bool) {
	t.Helper()
	if len(kv) == 0 {
		return
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	i := 0
	for k, v := range kv {
		writeHook(t, dir, fmt.Sprintf("%02d-%s", i, k), fmt.Sprintf("%s=%s", k, v), script)
		i++
	}
}

func writeHook(t *testing.T, dir, name, value string, script bool) {
	t.Helper()
	path := filepath.Join(dir, name)
	if !script {
		require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0o644))
		return
	}
	body := fmt.Sprintf("#!/bin/sh\necho '%s'\n", strings.ReplaceAll(value, "'", ""))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}
