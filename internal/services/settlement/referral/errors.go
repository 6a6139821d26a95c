package referral

import apperrors "github.com/louisbranch/fairstake/internal/platform/errors"

var (
	// ErrChainLookupFailure reports an upline that could not be resolved. It
	// ends a walk without undoing the levels already visited.
	ErrChainLookupFailure = apperrors.New(apperrors.CodeChainLookupFailure, "upline lookup failed")

	// ErrCycleDetected reports a referral chain that revisits an account.
	ErrCycleDetected = apperrors.New(apperrors.CodeCycleDetected, "referral cycle detected")

	// ErrUplineAssigned reports a second upline assignment for an account.
	ErrUplineAssigned = apperrors.New(apperrors.CodeUplineAssigned, "upline already assigned")
)
