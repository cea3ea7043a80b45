package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath          = "/etc/otaagent.yaml"
	MinimumPollInterval  = 60 * time.Second
	DefaultServerAddress = "https://api.updatehub.io"
)

type Settings struct {
	Polling  Polling  `yaml:"polling" json:"polling"`
	Network  Network  `yaml:"network" json:"network"`
	Storage  Storage  `yaml:"storage" json:"storage"`
	Update   Update   `yaml:"update" json:"update"`
	Firmware Firmware `yaml:"firmware" json:"firmware"`
}

type Polling struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	// ExtraInterval is the delay between retries after a failed probe.
	ExtraInterval time.Duration `yaml:"extra-interval" json:"extra-interval"`
	// RetryCeiling bounds how many consecutive failed probes are retried
	// on ExtraInterval before falling back to Interval.
	RetryCeiling int `yaml:"retry-ceiling" json:"retry-ceiling"`
}

type Network struct {
	ServerAddress      string   `yaml:"server-address" json:"server-address"`
	ListenSocket       string   `yaml:"listen-socket" json:"listen-socket"`
	CORSAllowedOrigins []string `yaml:"cors-allowed-origins,omitempty" json:"cors-allowed-origins,omitempty"`
}

type Storage struct {
	ReadOnly        bool   `yaml:"read-only" json:"read-only"`
	RuntimeSettings string `yaml:"runtime-settings" json:"runtime-settings"`
	HistoryPath     string `yaml:"history-path" json:"history-path"`
}

type Update struct {
	DownloadDir               string   `yaml:"download-dir" json:"download-dir"`
	AutoDownloadWhenAvailable bool     `yaml:"auto-download-when-available" json:"auto-download-when-available"`
	AutoInstallAfterDownload  bool     `yaml:"auto-install-after-download" json:"auto-install-after-download"`
	AutoRebootAfterInstall    bool     `yaml:"auto-reboot-after-install" json:"auto-reboot-after-install"`
	SupportedInstallModes     []string `yaml:"supported-install-modes" json:"supported-install-modes"`
	// DownloadRateLimit is in bytes per second, 0 disables throttling.
	DownloadRateLimit int `yaml:"download-rate-limit" json:"download-rate-limit"`
	ObjectRetries     int `yaml:"object-retries" json:"object-retries"`
	ChunkSize         int `yaml:"chunk-size" json:"chunk-size"`
}

type Firmware struct {
	MetadataPath string `yaml:"metadata-path" json:"metadata-path"`
}

func Default() Settings {
	return Settings{
		Polling: Polling{
			Enabled:       true,
			Interval:      24 * time.Hour,
			ExtraInterval: 5 * time.Minute,
			RetryCeiling:  5,
		},
		Network: Network{
			ServerAddress: DefaultServerAddress,
			ListenSocket:  "localhost:8080",
		},
		Storage: Storage{
			RuntimeSettings: "/var/lib/otaagent/runtime.yaml",
			HistoryPath:     "/var/lib/otaagent/history",
		},
		Update: Update{
			DownloadDir:               "/tmp/otaagent",
			AutoDownloadWhenAvailable: true,
			AutoInstallAfterDownload:  true,
			AutoRebootAfterInstall:    true,
			SupportedInstallModes:     []string{"copy", "raw", "test"},
			ObjectRetries:             3,
			ChunkSize:                 128 << 10,
		},
		Firmware: Firmware{
			MetadataPath: "/usr/share/otaagent",
		},
	}
}

// Load reads settings from path on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, agenterr.Config("read settings", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Settings, error) {
	s := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, agenterr.Config("parse settings", err)
	}
	return s, nil
}

func (s Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Validate checks invariants. When knownModes is given every supported
// install mode must appear in it.
func (s Settings) Validate(knownModes ...string) error {
	if s.Polling.Enabled && s.Polling.Interval < MinimumPollInterval {
		return agenterr.Config("polling.interval", fmt.Errorf("must be at least %s, got %s", MinimumPollInterval, s.Polling.Interval))
	}
	if s.Polling.ExtraInterval <= 0 {
		return agenterr.Config("polling.extra-interval", fmt.Errorf("must be positive, got %s", s.Polling.ExtraInterval))
	}
	if s.Polling.RetryCeiling < 0 {
		return agenterr.Config("polling.retry-ceiling", fmt.Errorf("must not be negative, got %d", s.Polling.RetryCeiling))
	}
	if err := ValidateServerAddress(s.Network.ServerAddress); err != nil {
		return err
	}
	if s.Update.DownloadDir == "" {
		return agenterr.Config("update.download-dir", errors.New("must be set"))
	}
	if s.Update.ChunkSize <= 0 {
		return agenterr.Config("update.chunk-size", fmt.Errorf("must be positive, got %d", s.Update.ChunkSize))
	}
	if len(s.Update.SupportedInstallModes) == 0 {
		return agenterr.Config("update.supported-install-modes", errors.New("must not be empty"))
	}
	if len(knownModes) > 0 {
		if unknown, _ := lo.Difference(s.Update.SupportedInstallModes, knownModes); len(unknown) > 0 {
			return agenterr.Config("update.supported-install-modes", fmt.Errorf("unknown install modes %s", strings.Join(unknown, ",")))
		}
	}
	return nil
}

func ValidateServerAddress(addr string) error {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		return agenterr.Config("network.server-address", fmt.Errorf("%q must start with http:// or https://", addr))
	}
	return nil
}
