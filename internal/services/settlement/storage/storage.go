// Package storage defines persistence contracts shared by settlement
// components that are not owned by a single domain package.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/fairstake/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// InboxStatus is the processing state of a boundary event.
type InboxStatus string

const (
	InboxPending   InboxStatus = "pending"
	InboxProcessed InboxStatus = "processed"
	InboxDead      InboxStatus = "dead"
)

// InboxEvent is one boundary event waiting to be dispatched.
type InboxEvent struct {
	ID          string
	EventType   string
	PayloadJSON []byte
	Status      InboxStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// InboxStore persists boundary events written by external collaborators.
type InboxStore interface {
	// EnqueueInbox stores a pending event. Re-enqueueing an existing id is a
	// no-op.
	EnqueueInbox(ctx context.Context, evt InboxEvent) error
	ListPendingInbox(ctx context.Context, limit int) ([]InboxEvent, error)
	GetInboxEvent(ctx context.Context, id string) (InboxEvent, error)
	MarkInboxProcessed(ctx context.Context, id string, at time.Time) error
	// MarkInboxFailed records a failed attempt. When dead is true the event
	// leaves the pending set.
	MarkInboxFailed(ctx context.Context, id, lastError string, dead bool, at time.Time) error
}

// EventClaimStore deduplicates side effects keyed by an event reference.
type EventClaimStore interface {
	// ClaimEvent records key as processed. It returns false when the key was
	// already claimed.
	ClaimEvent(ctx context.Context, key string, at time.Time) (bool, error)
}
