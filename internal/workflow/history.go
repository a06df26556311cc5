package workflow

import (
	"context"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
)

// Recorder appends immutable history entries. There is deliberately no update
// or delete method anywhere in the history contract; the store's history
// surface is append-and-read only.
type Recorder struct{}

// Append validates and writes one history entry through the given querier,
// so entries land in the same transaction as the transition they describe.
func (Recorder) Append(ctx context.Context, q Querier, entry *HistoryEntry) error {
	if entry.InstanceID == "" {
		return apperrors.InvalidInput("instance_id", "history entry requires an instance id")
	}
	if !entry.Kind.Valid() {
		return apperrors.InvalidInput("kind", "unrecognized history event kind")
	}
	if entry.Actor == "" {
		return apperrors.InvalidInput("actor", "history entry requires an actor")
	}
	return q.AppendHistory(ctx, entry)
}

// ListByInstance returns the instance's audit trail, oldest first.
func (Recorder) ListByInstance(ctx context.Context, q Querier, instanceID string) ([]*HistoryEntry, error) {
	return q.ListHistoryByInstance(ctx, instanceID)
}
