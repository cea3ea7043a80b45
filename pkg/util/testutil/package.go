package testutil

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

// PackageObject is an object to embed in a generated update package.
type PackageObject struct {
	Filename string
	Mode     string
	Target   string
	// Extra holds additional metadata fields such as "target-path".
	Extra   map[string]any
	Content []byte
}

// Package is a generated update package.
type Package struct {
	Raw       []byte
	Signature []byte
	// Contents maps object digests to their bytes.
	Contents map[string][]byte
	Digests  []string
}

func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewPackage builds single installation set metadata for productUID.
func NewPackage(t *testing.T, productUID string, hardware any, objects ...PackageObject) *Package {
	t.Helper()
	p := &Package{Contents: map[string][]byte{}}
	set := []map[string]any{}
	for _, o := range objects {
		digest := Sha256Hex(o.Content)
		entry := map[string]any{
			"filename":  o.Filename,
			"mode":      o.Mode,
			"sha256sum": digest,
			"size":      len(o.Content),
		}
		if o.Target != "" {
			entry["target"] = o.Target
		}
		for k, v := range o.Extra {
			entry[k] = v
		}
		set = append(set, entry)
		p.Contents[digest] = o.Content
		p.Digests = append(p.Digests, digest)
	}
	if hardware == nil {
		hardware = "any"
	}
	raw, err := json.Marshal(map[string]any{
		"product":            productUID,
		"version":            "1.2",
		"supported-hardware": hardware,
		"objects":            [][]map[string]any{set},
	})
	require.NoError(t, err)
	p.Raw = raw
	return p
}

// WriteArchive writes p as a local package file and returns its path.
func (p *Package) WriteArchive(t *testing.T, compression Compression) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "update.uhupkg")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var w io.Writer = f
	var closer io.Closer
	switch compression {
	case CompressionGzip:
		gz := gzip.NewWriter(f)
		w, closer = gz, gz
	case CompressionZstd:
		zw, err := zstd.NewWriter(f)
		require.NoError(t, err)
		w, closer = zw, zw
	}

	tw := tar.NewWriter(w)
	writeEntry(t, tw, "metadata", p.Raw)
	if p.Signature != nil {
		writeEntry(t, tw, "signature", p.Signature)
	}
	for _, d := range p.Digests {
		writeEntry(t, tw, d, p.Contents[d])
	}
	require.NoError(t, tw.Close())
	if closer != nil {
		require.NoError(t, closer.Close())
	}
	return path
}

func writeEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}
