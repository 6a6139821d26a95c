package fairness

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// ServerSeedBytes is the entropy of a server seed (256 bits).
	ServerSeedBytes = 32
	// ClientSeedBytes is the entropy of a generated client seed.
	ClientSeedBytes = 16
)

// NewServerSeed generates a hex-encoded server seed using crypto/rand.
func NewServerSeed() (string, error) {
	return randomHex(ServerSeedBytes)
}

// NewClientSeed generates a hex-encoded client seed for players that did not
// supply their own.
func NewClientSeed() (string, error) {
	return randomHex(ClientSeedBytes)
}

// HashSeed returns the public commitment for a server seed.
func HashSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		return "", fmt.Errorf("read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
