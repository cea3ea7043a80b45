package ident

import (
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"net"
	"sort"
	"strings"
)

const (
	// IdentityKeyMAC is the device-identity key used when no identity hooks
	// are installed.
	IdentityKeyMAC = "id"
)

type ID struct {
	UUID     string
	Metadata map[string]string
}

type Identity interface {
	UniqueIdentifier() ID
}

type macID struct {
	rawMac []string
	name   string

	hasher hash.Hash
}

var _ Identity = (*macID)(nil)

func (m *macID) uuid() string {
	m.hasher.Reset()
	m.hasher.Write([]byte(m.name))
	m.hasher.Write([]byte(strings.Join(m.rawMac, "")))
	return hex.EncodeToString(m.hasher.Sum([]byte{}))
}

func (m *macID) UniqueIdentifier() ID {
	return ID{
		UUID: m.uuid(),
		Metadata: map[string]string{
			"macs": strings.Join(m.rawMac, ","),
		},
	}
}

// IdFromMac derives a stable device id from the hardware addresses of the
// host's interfaces, salted with name.
func IdFromMac(
	hasher hash.Hash,
	name string,
) (Identity, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	return IdFromInterfaces(hasher, name, interfaces), nil
}

func IdFromInterfaces(hasher hash.Hash, name string, interfaces []net.Interface) Identity {
	var macs []string
	for _, intf := range interfaces {
		if len(intf.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, intf.HardwareAddr.String())
	}
	sort.Strings(macs)
	slog.With("macs", len(macs)).Debug(fmt.Sprintf("got mac addresses : %s", strings.Join(macs, ",")))

	return &macID{
		rawMac: macs,
		name:   name,
		hasher: hasher,
	}
}
