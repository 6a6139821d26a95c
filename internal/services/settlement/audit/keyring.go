package audit

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Keyring holds the configured root secrets and the id of the one used for
// new entries. Retired ids stay listed so older entries still verify.
type Keyring struct {
	roots  map[string][]byte
	active string
}

// NewKeyring checks that activeKeyID names one of roots.
func NewKeyring(roots map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("audit keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active audit key id is required")
	}
	if _, ok := roots[activeKeyID]; !ok {
		return nil, fmt.Errorf("active audit key id %q is not configured", activeKeyID)
	}
	return &Keyring{roots: roots, active: activeKeyID}, nil
}

// ParseKeys reads a comma-separated list of id=secret pairs.
func ParseKeys(raw string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		value = strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid audit key entry %q", entry)
		}
		keys[id] = []byte(value)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("audit keys are required")
	}
	return keys, nil
}

// sealer seals and checks entries of one chain. Its keys are bound to the
// chain id, so a seal never verifies on another chain.
type sealer struct {
	active string
	keys   map[string][]byte
}

// sealerFor derives every root secret into a chain-bound key up front.
func (k *Keyring) sealerFor(chainID string) (sealer, error) {
	if k == nil {
		return sealer{}, fmt.Errorf("audit keyring is not configured")
	}
	chainID = strings.TrimSpace(chainID)
	if chainID == "" {
		return sealer{}, fmt.Errorf("chain id is required")
	}
	s := sealer{active: k.active, keys: make(map[string][]byte, len(k.roots))}
	for id, root := range k.roots {
		key, err := hkdf.Key(sha256.New, root, nil, "audit-chain:"+chainID, sha256.Size)
		if err != nil {
			return sealer{}, fmt.Errorf("derive chain key %s: %w", id, err)
		}
		s.keys[id] = key
	}
	return s, nil
}

// seal stamps e with the active key's MAC over its hash.
func (s sealer) seal(e *Entry) {
	e.SignatureKeyID = s.active
	e.Signature = mac(s.keys[s.active], e.Hash)
}

// check reports why an entry's seal does not hold, or nil.
func (s sealer) check(e Entry) error {
	key, ok := s.keys[strings.TrimSpace(e.SignatureKeyID)]
	if !ok {
		return fmt.Errorf("sealed with unknown key %q", e.SignatureKeyID)
	}
	if !hmac.Equal([]byte(mac(key, e.Hash)), []byte(e.Signature)) {
		return fmt.Errorf("seal mismatch")
	}
	return nil
}

func mac(key []byte, hash string) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(hash))
	return hex.EncodeToString(m.Sum(nil))
}
