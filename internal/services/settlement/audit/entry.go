// Package audit maintains the append-only, hash-linked settlement log.
//
// Each entry's hash covers its payload, its predecessor's hash and its own
// sequence number, and is signed with an HMAC key derived per chain. Editing
// any stored entry breaks its own hash and every link after it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/fairstake/internal/platform/errors"
)

// DefaultChainID names the settlement chain.
const DefaultChainID = "settlement"

var (
	// ErrTamperDetected reports entries whose stored hash, link or signature
	// does not match a recomputation.
	ErrTamperDetected = apperrors.New(apperrors.CodeAuditTamperDetected, "audit chain tamper detected")

	// ErrChainForked reports a competing append for the same sequence number.
	ErrChainForked = apperrors.New(apperrors.CodeAuditChainForked, "audit chain forked")
)

// Entry is one link of the chain.
type Entry struct {
	Seq            uint64
	EventType      string
	Payload        []byte
	PrevHash       string
	Hash           string
	Signature      string
	SignatureKeyID string
	CreatedAt      time.Time
}

// ComputeHash returns hex(SHA-256(payload ∥ prevHash ∥ decimal(seq))).
func ComputeHash(payload []byte, prevHash string, seq uint64) string {
	h := sha256.New()
	_, _ = h.Write(payload)
	_, _ = h.Write([]byte(prevHash))
	_, _ = h.Write([]byte(strconv.FormatUint(seq, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
