package deploy

import (
	"bytes"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrNoCertificate = errors.New("bundle contains no certificate")
	ErrMultipleKeys  = errors.New("bundle contains more than one private key")
	ErrEmptyBundle   = errors.New("bundle contains no PEM blocks")
	ErrUnknownRole   = errors.New("unknown output role")
)

// keyBlockTypes covers the private key variants a bundle may carry: plain
// PKCS1, EC, PKCS8, and password-protected PKCS8.
var keyBlockTypes = map[string]bool{
	"PRIVATE KEY":           true,
	"RSA PRIVATE KEY":       true,
	"EC PRIVATE KEY":        true,
	"ENCRYPTED PRIVATE KEY": true,
}

// Bundle is a parsed certificate payload: exactly one leaf certificate,
// zero or one private key, and the trust chain in source order.
type Bundle struct {
	Leaf  []byte
	Key   []byte
	Chain [][]byte
}

// ParseBundle splits a PEM payload by boundary markers. The first
// certificate block is the leaf; subsequent certificates form the chain in
// the order they appear.
func ParseBundle(payload []byte) (*Bundle, error) {
	b := &Bundle{}
	rest := payload
	blocks := 0
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks++
		encoded := normalizeBlock(block)
		switch {
		case block.Type == "CERTIFICATE":
			if b.Leaf == nil {
				b.Leaf = encoded
			} else {
				b.Chain = append(b.Chain, encoded)
			}
		case keyBlockTypes[block.Type]:
			if b.Key != nil {
				return nil, ErrMultipleKeys
			}
			b.Key = encoded
		default:
			// Unrecognized block types (params, CSRs) are dropped rather
			// than written to an output file.
		}
	}
	if blocks == 0 {
		return nil, ErrEmptyBundle
	}
	if b.Leaf == nil {
		return nil, ErrNoCertificate
	}
	return b, nil
}

func normalizeBlock(block *pem.Block) []byte {
	return bytes.TrimRight(pem.EncodeToMemory(block), "\n")
}

// HasKey reports whether the bundle carries a private key.
func (b *Bundle) HasKey() bool { return len(b.Key) > 0 }

// HasChain reports whether the bundle carries trust-chain entries.
func (b *Bundle) HasChain() bool { return len(b.Chain) > 0 }

// Render composes the content for one output role, newline-joined. The
// second return is false when the role has nothing to render (key role on a
// keyless bundle, chain role on an empty chain).
func (b *Bundle) Render(role Role) ([]byte, bool, error) {
	var parts [][]byte
	switch role {
	case RoleCombined:
		parts = append(parts, b.Leaf)
		if b.HasKey() {
			parts = append(parts, b.Key)
		}
		parts = append(parts, b.Chain...)
	case RoleCert:
		parts = append(parts, b.Leaf)
	case RoleKey:
		if !b.HasKey() {
			return nil, false, nil
		}
		parts = append(parts, b.Key)
	case RoleChain:
		if !b.HasChain() {
			return nil, false, nil
		}
		parts = append(parts, b.Chain...)
	case RoleFullchain:
		parts = append(parts, b.Leaf)
		parts = append(parts, b.Chain...)
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	joined := bytes.Join(parts, []byte("\n"))
	return append(joined, '\n'), true, nil
}
