// Package errors provides structured error handling for settlement services.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Fairness errors
	CodeHashMismatch       Code = "HASH_MISMATCH"
	CodeDuplicateRequestID Code = "DUPLICATE_REQUEST_ID"
	CodeNonceReuse         Code = "NONCE_REUSE"
	CodeUnknownCommitment  Code = "UNKNOWN_COMMITMENT"
	CodeAlreadyExpired     Code = "ALREADY_EXPIRED"
	CodeInvalidVariant     Code = "INVALID_VARIANT"
	CodeInvalidChoice      Code = "INVALID_CHOICE"
	CodeInvalidStake       Code = "INVALID_STAKE"

	// Ledger errors
	CodeInvalidCredit           Code = "INVALID_CREDIT"
	CodeUnknownStream           Code = "UNKNOWN_STREAM"
	CodeBalanceOverflow         Code = "BALANCE_OVERFLOW"
	CodeCycleAlreadyDistributed Code = "CYCLE_ALREADY_DISTRIBUTED"

	// Referral errors
	CodeChainLookupFailure Code = "CHAIN_LOOKUP_FAILURE"
	CodeCycleDetected      Code = "REFERRAL_CYCLE_DETECTED"
	CodeUplineAssigned     Code = "UPLINE_ALREADY_ASSIGNED"

	// Audit errors
	CodeAuditTamperDetected Code = "AUDIT_TAMPER_DETECTED"
	CodeAuditChainForked    Code = "AUDIT_CHAIN_FORKED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// Critical reports whether the code marks an integrity failure that must be
// surfaced and never retried or repaired.
func (c Code) Critical() bool {
	switch c {
	case CodeHashMismatch, CodeAuditTamperDetected:
		return true
	default:
		return false
	}
}
