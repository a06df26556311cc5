package postgres

import (
	"context"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// AppendHistory inserts one history entry. The table carries a
// delete/update-prevention trigger, so insert is the only mutation the store
// exposes.
func (q *queries) AppendHistory(ctx context.Context, entry *workflow.HistoryEntry) error {
	query := `
		INSERT INTO approval_history
		    (instance_id, request_id, kind, actor, comment, recorded_at)
		VALUES ($1, $2, $3::history_event, $4, $5, $6)
		RETURNING id, seq
	`

	err := q.conn.QueryRow(ctx, query,
		entry.InstanceID,
		entry.RequestID,
		entry.Kind,
		entry.Actor,
		entry.Comment,
		entry.RecordedAt,
	).Scan(&entry.ID, &entry.Seq)
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append history entry")
}

// ListHistoryByInstance returns the instance's audit trail ordered by
// timestamp, then insertion sequence.
func (q *queries) ListHistoryByInstance(ctx context.Context, instanceID string) ([]*workflow.HistoryEntry, error) {
	query := `
		SELECT id, instance_id, request_id, kind, actor, comment,
		       recorded_at, seq
		FROM approval_history
		WHERE instance_id = $1
		ORDER BY recorded_at ASC, seq ASC
	`

	rows, err := q.conn.Query(ctx, query, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list history")
	}
	defer rows.Close()

	var entries []*workflow.HistoryEntry
	for rows.Next() {
		entry := &workflow.HistoryEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.InstanceID,
			&entry.RequestID,
			&entry.Kind,
			&entry.Actor,
			&entry.Comment,
			&entry.RecordedAt,
			&entry.Seq,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan history entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
