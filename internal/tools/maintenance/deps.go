package maintenance

import (
	"context"

	"github.com/louisbranch/fairstake/internal/services/settlement/audit"
	"github.com/louisbranch/fairstake/internal/services/settlement/fairness"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
	"github.com/louisbranch/fairstake/internal/services/settlement/vault"
)

// auditVerifier recomputes a range of the audit chain.
type auditVerifier interface {
	VerifyRange(ctx context.Context, from, to uint64) (audit.Report, error)
}

// outcomeReader loads a settled commitment and its outcome.
type outcomeReader interface {
	GetCommitment(ctx context.Context, id string) (fairness.Commitment, error)
	GetOutcome(ctx context.Context, commitmentID string) (fairness.Outcome, error)
}

// expirySweeper expires commitments past their reveal window.
type expirySweeper interface {
	SweepExpired(ctx context.Context) ([]string, error)
}

// inboxWriter queues boundary events for the settlement loop.
type inboxWriter interface {
	EnqueueInbox(ctx context.Context, evt storage.InboxEvent) error
}

// committer issues commitments with hidden server seeds.
type committer interface {
	Commit(ctx context.Context, req vault.CommitRequest) (fairness.Commitment, error)
}
