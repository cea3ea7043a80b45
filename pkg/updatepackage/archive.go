package updatepackage

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/otelfleet/otaagent/pkg/agenterr"
)

const (
	MetadataEntry  = "metadata"
	SignatureEntry = "signature"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Archive is a local update package: a tar stream, optionally gzip or zstd
// compressed, holding the metadata, an optional signature and one entry per
// object named by its sha256sum.
type Archive struct {
	path    string
	Package *UpdatePackage
}

// OpenArchive reads the metadata of the package at path. Any failure to
// read or decode it is a validation error.
func OpenArchive(path string) (*Archive, error) {
	var raw, sig []byte
	err := walkArchive(path, func(hdr *tar.Header, r io.Reader) (bool, error) {
		var err error
		switch hdr.Name {
		case MetadataEntry:
			raw, err = io.ReadAll(r)
		case SignatureEntry:
			sig, err = io.ReadAll(r)
		}
		return raw != nil && sig != nil, err
	})
	if err != nil {
		return nil, agenterr.Validation("open package", err)
	}
	if raw == nil {
		return nil, agenterr.Validation("open package", fmt.Errorf("%s: no %s entry", path, MetadataEntry))
	}
	pkg, err := Parse(raw, sig)
	if err != nil {
		return nil, err
	}
	return &Archive{path: path, Package: pkg}, nil
}

func (a *Archive) Path() string {
	return a.path
}

// ErrObjectNotFound is returned by Object when the archive has no entry for a digest.
var ErrObjectNotFound = errors.New("object not found in package")

// Object streams the entry for sha256sum into w.
func (a *Archive) Object(sha256sum string, w io.Writer) (int64, error) {
	var n int64
	found := false
	err := walkArchive(a.path, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if hdr.Name != sha256sum {
			return false, nil
		}
		found = true
		var err error
		n, err = io.Copy(w, r)
		return true, err
	})
	if err != nil {
		return n, err
	}
	if !found {
		return 0, fmt.Errorf("%s: %w", sha256sum, ErrObjectNotFound)
	}
	return n, nil
}

// walkArchive calls fn for each regular entry until fn reports done.
func walkArchive(path string, fn func(hdr *tar.Header, r io.Reader) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, closeFn, err := decompress(bufio.NewReader(f))
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read package: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		done, err := fn(hdr, tr)
		if err != nil || done {
			return err
		}
	}
}

func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return gz, func() { gz.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}
