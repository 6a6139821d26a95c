package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/fairstake/internal/platform/errors"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
)

// Lookup resolves an account's direct upline. An empty id means the account
// is a root.
type Lookup interface {
	UplineOf(ctx context.Context, accountID string) (string, error)
}

// Termination explains why a walk stopped.
type Termination string

const (
	TerminatedRoot          Termination = "root"
	TerminatedDepth         Termination = "depth"
	TerminatedLookupFailure Termination = "lookup_failure"
)

// WalkResult summarizes a finished walk.
type WalkResult struct {
	Levels      int
	Termination Termination
	// LookupErr wraps ErrChainLookupFailure when Termination is
	// TerminatedLookupFailure.
	LookupErr error
}

// VisitFunc handles one upline at level (1-based). Returning an error stops
// the walk and surfaces the error.
type VisitFunc func(ctx context.Context, level int, uplineID string) error

// Walker climbs referral chains level by level up to a fixed depth.
type Walker struct {
	lookup   Lookup
	maxDepth int
}

// NewWalker builds a walker bounded at maxDepth levels.
func NewWalker(lookup Lookup, maxDepth int) *Walker {
	if maxDepth <= 0 {
		maxDepth = MaxLevels
	}
	return &Walker{lookup: lookup, maxDepth: maxDepth}
}

// Walk visits the uplines of start in order. A failed lookup truncates the
// walk and is reported on the result, not as an error. A revisited account
// fails the walk with ErrCycleDetected after the levels already visited.
func (w *Walker) Walk(ctx context.Context, start string, visit VisitFunc) (WalkResult, error) {
	if w == nil || w.lookup == nil {
		return WalkResult{}, fmt.Errorf("upline lookup is not configured")
	}
	start = strings.TrimSpace(start)
	if start == "" {
		return WalkResult{}, fmt.Errorf("start account id is required")
	}

	visited := map[string]struct{}{start: {}}
	current := start
	var result WalkResult
	for level := 1; ; level++ {
		if level > w.maxDepth {
			result.Termination = TerminatedDepth
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		upline, err := w.lookup.UplineOf(ctx, current)
		if err != nil {
			result.Termination = TerminatedLookupFailure
			result.LookupErr = apperrors.Wrap(apperrors.CodeChainLookupFailure, "upline of "+current, err)
			return result, nil
		}
		upline = strings.TrimSpace(upline)
		if upline == "" {
			result.Termination = TerminatedRoot
			return result, nil
		}
		if _, seen := visited[upline]; seen {
			return result, fmt.Errorf("%w: %s reached again at level %d", ErrCycleDetected, upline, level)
		}
		visited[upline] = struct{}{}

		if visit != nil {
			if err := visit(ctx, level, upline); err != nil {
				return result, err
			}
		}
		result.Levels = level
		current = upline
	}
}

// EdgeStore persists referral edges. Every registered account has a row;
// roots store an empty upline.
type EdgeStore interface {
	Lookup
	// InsertReferralEdge stores the edge and returns ErrUplineAssigned when
	// the account is already registered.
	InsertReferralEdge(ctx context.Context, accountID, uplineID string) error
}

// Registry registers accounts in the referral forest.
type Registry struct {
	store EdgeStore
}

// NewRegistry builds a registry over store.
func NewRegistry(store EdgeStore) *Registry {
	return &Registry{store: store}
}

// Register adds accountID under uplineID, or as a root when uplineID is
// empty. The upline must already be registered and an account is registered
// once, so the forest cannot gain a cycle through this path.
func (r *Registry) Register(ctx context.Context, accountID, uplineID string) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("referral store is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	uplineID = strings.TrimSpace(uplineID)
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	if accountID == uplineID {
		return fmt.Errorf("%w: %s cannot refer itself", ErrCycleDetected, accountID)
	}

	if _, err := r.store.UplineOf(ctx, accountID); err == nil {
		return fmt.Errorf("%w: %s", ErrUplineAssigned, accountID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check account %s: %w", accountID, err)
	}
	if uplineID != "" {
		if _, err := r.store.UplineOf(ctx, uplineID); err != nil {
			return fmt.Errorf("check upline %s: %w", uplineID, err)
		}
	}
	return r.store.InsertReferralEdge(ctx, accountID, uplineID)
}
