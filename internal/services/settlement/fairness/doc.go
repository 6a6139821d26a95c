// Package fairness implements the provably-fair outcome derivation.
//
// A wager is settled in two phases. At commit time a secret server seed is
// generated and only its SHA-256 hash is published. At reveal time the seed
// is disclosed and the result is derived from the server seed, its public
// hash, the client seed, the per-owner nonce and the game variant:
//
//	digest = HMAC-SHA256(key=serverSeed, msg=clientSeed ":" serverSeedHash ":" nonce ":" variant)
//
// The digest is reduced to the variant's output domain with integer modular
// arithmetic on the full 256-bit value. Anyone holding the revealed seed can
// recompute the digest and check the published result with Verify.
//
// Everything in this package is pure: no clocks, no randomness other than
// NewServerSeed/NewClientSeed, no I/O.
package fairness
