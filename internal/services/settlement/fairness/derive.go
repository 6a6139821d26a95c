package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Inputs are the values a result is derived from.
type Inputs struct {
	ServerSeed string
	ClientSeed string
	Nonce      uint64
	Variant    Variant
}

// Digest computes the HMAC that every result is reduced from.
func Digest(in Inputs) []byte {
	mac := hmac.New(sha256.New, []byte(in.ServerSeed))
	_, _ = mac.Write([]byte(in.ClientSeed))
	_, _ = mac.Write([]byte{':'})
	_, _ = mac.Write([]byte(HashSeed(in.ServerSeed)))
	_, _ = mac.Write([]byte{':'})
	_, _ = mac.Write([]byte(strconv.FormatUint(in.Nonce, 10)))
	_, _ = mac.Write([]byte{':'})
	_, _ = mac.Write([]byte(in.Variant))
	return mac.Sum(nil)
}

// Derivation is a derived result together with the digest that produced it.
type Derivation struct {
	Result decimal.Decimal
	Digest string
}

// DeriveResult maps the inputs to the variant's result. The only failure is
// an unknown variant, which is a caller bug.
func DeriveResult(in Inputs) (Derivation, error) {
	digest := Digest(in)
	result, err := reduce(in.Variant, digest)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{Result: result, Digest: hex.EncodeToString(digest)}, nil
}

// VerifyRequest carries everything a player needs to audit a settled wager.
type VerifyRequest struct {
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          uint64
	Variant        Variant
	ClaimedResult  decimal.Decimal
}

// Verify recomputes the seed hash and the result and compares both with the
// published values. Mismatches are reported as ErrHashMismatch and never
// corrected.
func Verify(req VerifyRequest) error {
	if !req.Variant.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidVariant, string(req.Variant))
	}
	if !hmac.Equal([]byte(HashSeed(req.ServerSeed)), []byte(req.ServerSeedHash)) {
		return fmt.Errorf("%w: server seed does not match published hash", ErrHashMismatch)
	}
	derived, err := DeriveResult(Inputs{
		ServerSeed: req.ServerSeed,
		ClientSeed: req.ClientSeed,
		Nonce:      req.Nonce,
		Variant:    req.Variant,
	})
	if err != nil {
		return err
	}
	diff := derived.Result.Sub(req.ClaimedResult).Abs()
	if diff.GreaterThan(req.Variant.Tolerance()) {
		return fmt.Errorf("%w: claimed result %s, derived %s", ErrHashMismatch, req.ClaimedResult, derived.Result)
	}
	return nil
}
