package fairness

import apperrors "github.com/louisbranch/fairstake/internal/platform/errors"

var (
	// ErrHashMismatch reports a server seed that does not hash to its
	// commitment, or a claimed result that does not match the derivation.
	ErrHashMismatch = apperrors.New(apperrors.CodeHashMismatch, "fairness verification failed")

	// ErrDuplicateRequestID reports a replayed commit request. The prior
	// commitment is returned alongside it.
	ErrDuplicateRequestID = apperrors.New(apperrors.CodeDuplicateRequestID, "request id already used")

	// ErrNonceReuse reports an attempt to store a second commitment with an
	// owner's existing nonce.
	ErrNonceReuse = apperrors.New(apperrors.CodeNonceReuse, "nonce already used for owner")

	// ErrUnknownCommitment reports a reveal of a commitment that does not exist.
	ErrUnknownCommitment = apperrors.New(apperrors.CodeUnknownCommitment, "unknown commitment")

	// ErrAlreadyExpired reports a reveal after the commitment's reveal window.
	ErrAlreadyExpired = apperrors.New(apperrors.CodeAlreadyExpired, "commitment expired")

	// ErrInvalidVariant reports a variant outside the closed set.
	ErrInvalidVariant = apperrors.New(apperrors.CodeInvalidVariant, "unknown game variant")

	// ErrInvalidChoice reports a player choice the variant cannot settle.
	ErrInvalidChoice = apperrors.New(apperrors.CodeInvalidChoice, "invalid player choice")

	// ErrInvalidStake reports a non-positive stake.
	ErrInvalidStake = apperrors.New(apperrors.CodeInvalidStake, "stake must be positive")
)
