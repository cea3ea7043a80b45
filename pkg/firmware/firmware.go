package firmware

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/otelfleet/otaagent/pkg/ident"
)

const (
	productUIDHook      = "product-uid"
	versionHook         = "version"
	hardwareHook        = "hardware"
	deviceIdentityDir   = "device-identity.d"
	deviceAttributesDir = "device-attributes.d"
	publicKeyFile       = "key.pub"
	defaultHookTimeout  = 10 * time.Second
)

// Metadata describes the running firmware, as sent to the update server.
type Metadata struct {
	ProductUID       string            `json:"product-uid"`
	Version          string            `json:"version"`
	Hardware         string            `json:"hardware"`
	DeviceIdentity   map[string]string `json:"device-identity"`
	DeviceAttributes map[string]string `json:"device-attributes"`
}

// Provider builds Metadata from a directory of hooks. A hook is either a
// plain file whose contents are the value or an executable printing it.
type Provider struct {
	logger      *slog.Logger
	path        string
	hookTimeout time.Duration
}

func NewProvider(logger *slog.Logger, path string) *Provider {
	return &Provider{
		logger:      logger,
		path:        path,
		hookTimeout: defaultHookTimeout,
	}
}

func (p *Provider) Path() string {
	return p.path
}

func (p *Provider) Load(ctx context.Context) (Metadata, error) {
	md := Metadata{}
	var err error
	if md.ProductUID, err = p.value(ctx, productUIDHook); err != nil {
		return md, err
	}
	if md.ProductUID == "" {
		return md, fmt.Errorf("firmware metadata: empty %s", productUIDHook)
	}
	if md.Version, err = p.value(ctx, versionHook); err != nil {
		return md, err
	}
	if md.Hardware, err = p.value(ctx, hardwareHook); err != nil {
		return md, err
	}
	if md.DeviceIdentity, err = p.keyValues(ctx, deviceIdentityDir); err != nil {
		return md, err
	}
	if md.DeviceAttributes, err = p.keyValues(ctx, deviceAttributesDir); err != nil {
		return md, err
	}
	if len(md.DeviceIdentity) == 0 {
		id, err := ident.IdFromMac(sha256.New(), md.ProductUID)
		if err != nil {
			return md, fmt.Errorf("firmware metadata: derive device identity: %w", err)
		}
		md.DeviceIdentity = map[string]string{ident.IdentityKeyMAC: id.UniqueIdentifier().UUID}
		p.logger.Debug("no device identity hooks, using interface addresses")
	}
	return md, nil
}

// PublicKey returns the PEM encoded key used to verify update signatures,
// or nil when none is installed.
func (p *Provider) PublicKey() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(p.path, publicKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (p *Provider) value(ctx context.Context, name string) (string, error) {
	out, err := p.run(ctx, filepath.Join(p.path, name))
	if err != nil {
		return "", fmt.Errorf("firmware metadata: %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *Provider) keyValues(ctx context.Context, dir string) (map[string]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.path, dir))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firmware metadata: %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	kv := map[string]string{}
	for _, name := range names {
		out, err := p.run(ctx, filepath.Join(p.path, dir, name))
		if err != nil {
			return nil, fmt.Errorf("firmware metadata: %s/%s: %w", dir, name, err)
		}
		for k, v := range ParseKeyValues(out) {
			kv[k] = v
		}
	}
	return kv, nil
}

func (p *Provider) run(ctx context.Context, path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o111 == 0 {
		return os.ReadFile(path)
	}
	ctx, cancel := context.WithTimeout(ctx, p.hookTimeout)
	defer cancel()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ParseKeyValues reads "key=value" lines, ignoring blanks and malformed lines.
func ParseKeyValues(data []byte) map[string]string {
	kv := map[string]string{}
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return kv
}
