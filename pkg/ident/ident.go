// Package ident derives a stable instance identity for the agent. The
// identity survives restarts and reinstalls as long as the host's network
// hardware does, which is what the origin keys delivery tracking on.
package ident

import (
	"encoding/hex"
	"hash"
	"net"
	"sort"
	"strings"
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
	}
}

// IdFromMac hashes the host's sorted MAC addresses together with name into
// a deterministic identifier. Two hosts with the same config file still get
// distinct identities.
func IdFromMac(hasher hash.Hash, name string) (Identity, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var macs []string
	for _, intf := range interfaces {
		macs = append(macs, intf.HardwareAddr.String())
	}
	sort.Strings(macs)

	return &macID{
		rawMac: macs,
		name:   name,
		hasher: hasher,
	}, nil
}
