package updatepackage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/firmware"
	"github.com/samber/lo"
)

// UpdatePackage is the update metadata offered by a server or carried in a
// local package, together with the exact bytes it was decoded from.
type UpdatePackage struct {
	Raw       []byte
	Signature []byte
	Metadata  Metadata
}

type Metadata struct {
	ProductUID        string            `json:"product"`
	Version           string            `json:"version"`
	SupportedHardware SupportedHardware `json:"supported-hardware"`
	// Objects holds one ordered object list per installation set.
	Objects [][]Object `json:"objects"`
}

type Object struct {
	Filename   string `json:"filename"`
	Mode       string `json:"mode"`
	Sha256sum  string `json:"sha256sum"`
	Size       int64  `json:"size"`
	Target     string `json:"target,omitempty"`
	TargetType string `json:"target-type,omitempty"`
	TargetPath string `json:"target-path,omitempty"`

	ChunkSize         int64              `json:"chunk-size,omitempty"`
	Seek              int64              `json:"seek,omitempty"`
	Truncate          bool               `json:"truncate,omitempty"`
	TargetPermissions *TargetPermissions `json:"target-permissions,omitempty"`
}

type TargetPermissions struct {
	Mode string `json:"target-mode,omitempty"`
}

// SupportedHardware is either the literal "any" or a list of identifiers.
type SupportedHardware struct {
	Any  bool
	List []string
}

func (s SupportedHardware) MarshalJSON() ([]byte, error) {
	if s.Any {
		return json.Marshal("any")
	}
	return json.Marshal(s.List)
}

func (s *SupportedHardware) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str != "any" {
			return fmt.Errorf("supported-hardware: unexpected value %q", str)
		}
		*s = SupportedHardware{Any: true}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("supported-hardware: %w", err)
	}
	*s = SupportedHardware{List: list}
	return nil
}

func (s SupportedHardware) Supports(hardware string) bool {
	return s.Any || slices.Contains(s.List, hardware)
}

// Parse decodes update metadata. Malformed metadata is a validation error.
func Parse(raw []byte, signature []byte) (*UpdatePackage, error) {
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, agenterr.Validation("parse metadata", err)
	}
	if len(md.Objects) == 0 || len(md.Objects[0]) == 0 {
		return nil, agenterr.Validation("parse metadata", errors.New("package has no objects"))
	}
	for i, set := range md.Objects {
		if len(set) != len(md.Objects[0]) {
			return nil, agenterr.Validation("parse metadata", fmt.Errorf("installation set %d has %d objects, expected %d", i, len(set), len(md.Objects[0])))
		}
		for _, o := range set {
			if _, err := hex.DecodeString(o.Sha256sum); err != nil || len(o.Sha256sum) != sha256.Size*2 {
				return nil, agenterr.Validation("parse metadata", fmt.Errorf("object %s: invalid sha256sum %q", o.Filename, o.Sha256sum))
			}
		}
	}
	return &UpdatePackage{
		Raw:       raw,
		Signature: signature,
		Metadata:  md,
	}, nil
}

// UID is the hex sha256 of the raw metadata.
func (u *UpdatePackage) UID() string {
	sum := sha256.Sum256(u.Raw)
	return hex.EncodeToString(sum[:])
}

// Objects returns the object list for an installation set, wrapping around
// when the package carries fewer sets.
func (u *UpdatePackage) Objects(set int) []Object {
	sets := u.Metadata.Objects
	if set < 0 {
		set = 0
	}
	return sets[set%len(sets)]
}

// AllObjects returns every distinct object across installation sets, keyed
// by digest, in first-seen order.
func (u *UpdatePackage) AllObjects() []Object {
	return lo.UniqBy(lo.Flatten(u.Metadata.Objects), func(o Object) string {
		return o.Sha256sum
	})
}

// Validate checks that the package targets this device and only uses
// install modes it supports.
func (u *UpdatePackage) Validate(fw firmware.Metadata, supportedModes []string) error {
	md := u.Metadata
	if md.ProductUID != fw.ProductUID {
		return agenterr.Validation("product", fmt.Errorf("package product %q does not match device product %q", md.ProductUID, fw.ProductUID))
	}
	if !md.SupportedHardware.Supports(fw.Hardware) {
		return agenterr.Validation("hardware", fmt.Errorf("hardware %q is not supported by the package", fw.Hardware))
	}
	for _, o := range lo.Flatten(md.Objects) {
		if !slices.Contains(supportedModes, o.Mode) {
			return agenterr.Validation("mode", fmt.Errorf("object %s: install mode %q is not supported", o.Filename, o.Mode))
		}
	}
	return nil
}
