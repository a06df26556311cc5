package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// CreateRequest inserts an approval request.
func (q *queries) CreateRequest(ctx context.Context, req *workflow.ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests
		    (instance_id, step_order, approver, is_optional, status,
		     auto_approve_after_hours, escalate_after_hours,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::request_status,
		        $6, $7,
		        $8, $8)
		RETURNING id
	`

	err := q.conn.QueryRow(ctx, query,
		req.InstanceID,
		req.StepOrder,
		req.Approver,
		req.Optional,
		req.Status,
		req.AutoApproveAfterHours,
		req.EscalateAfterHours,
		req.CreatedAt,
	).Scan(&req.ID)
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval request")
}

// GetRequest retrieves a request by primary key.
func (q *queries) GetRequest(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	query := selectRequest + ` WHERE id = $1`

	req, err := scanRequest(q.conn.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// GetRequestForUpdate locks the request row until the enclosing transaction
// ends.
func (q *queries) GetRequestForUpdate(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	query := selectRequest + ` WHERE id = $1 FOR UPDATE`

	req, err := scanRequest(q.conn.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// ListRequestsByInstance returns all requests for an instance ordered by step
// order.
func (q *queries) ListRequestsByInstance(ctx context.Context, instanceID string) ([]*workflow.ApprovalRequest, error) {
	query := selectRequest + `
		WHERE instance_id = $1
		ORDER BY step_order ASC, approver ASC
	`

	rows, err := q.conn.Query(ctx, query, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	return scanRequestRows(rows)
}

// ListPendingForApprover returns pending requests assigned to the approver
// whose owning instance is still pending, oldest first.
func (q *queries) ListPendingForApprover(ctx context.Context, approver string) ([]*workflow.ApprovalRequest, error) {
	query := `
		SELECT r.id, r.instance_id, r.step_order, r.approver, r.is_optional,
		       r.status, r.comment, r.auto_approve_after_hours,
		       r.escalate_after_hours, r.escalated_at, r.decided_at,
		       r.created_at, r.updated_at
		FROM approval_requests r
		JOIN approval_instances i ON i.id = r.instance_id
		WHERE r.approver = $1
		  AND r.status = 'pending'::request_status
		  AND i.status = 'pending'::instance_status
		ORDER BY r.created_at ASC
	`

	rows, err := q.conn.Query(ctx, query, approver)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanRequestRows(rows)
}

// SetRequestDecision records the outcome of a decision on a request.
func (q *queries) SetRequestDecision(ctx context.Context, id string, status workflow.RequestStatus, comment *string, decidedAt time.Time) error {
	query := `
		UPDATE approval_requests
		SET status     = $2::request_status,
		    comment    = $3,
		    decided_at = $4,
		    updated_at = $4
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.conn.QueryRow(ctx, query, id, status, comment, decidedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_request", id)
	}
	return err
}

// SkipPendingRequests marks every pending request on the instance skipped.
func (q *queries) SkipPendingRequests(ctx context.Context, instanceID string) (int, error) {
	query := `
		UPDATE approval_requests
		SET status     = 'skipped'::request_status,
		    updated_at = NOW()
		WHERE instance_id = $1
		  AND status = 'pending'::request_status
	`

	tag, err := q.conn.Exec(ctx, query, instanceID)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to skip pending requests")
	}
	return int(tag.RowsAffected()), nil
}

// MarkRequestEscalated stamps escalated_at so the sweeper escalates each
// request at most once.
func (q *queries) MarkRequestEscalated(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE approval_requests
		SET escalated_at = $2,
		    updated_at   = $2
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.conn.QueryRow(ctx, query, id, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_request", id)
	}
	return err
}

// ListTimeoutCandidates returns pending requests on pending instances with an
// auto-approve or unfired escalation window configured. Elapsed-time
// evaluation happens in the scheduler to keep SQL simple.
func (q *queries) ListTimeoutCandidates(ctx context.Context) ([]*workflow.ApprovalRequest, error) {
	query := `
		SELECT r.id, r.instance_id, r.step_order, r.approver, r.is_optional,
		       r.status, r.comment, r.auto_approve_after_hours,
		       r.escalate_after_hours, r.escalated_at, r.decided_at,
		       r.created_at, r.updated_at
		FROM approval_requests r
		JOIN approval_instances i ON i.id = r.instance_id
		WHERE r.status = 'pending'::request_status
		  AND i.status = 'pending'::instance_status
		  AND (r.auto_approve_after_hours IS NOT NULL
		       OR (r.escalate_after_hours IS NOT NULL AND r.escalated_at IS NULL))
		ORDER BY r.created_at ASC
	`

	rows, err := q.conn.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list timeout candidates")
	}
	defer rows.Close()

	return scanRequestRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectRequest = `
	SELECT id, instance_id, step_order, approver, is_optional,
	       status, comment, auto_approve_after_hours,
	       escalate_after_hours, escalated_at, decided_at,
	       created_at, updated_at
	FROM approval_requests
`

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*workflow.ApprovalRequest, error) {
	req := &workflow.ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.InstanceID,
		&req.StepOrder,
		&req.Approver,
		&req.Optional,
		&req.Status,
		&req.Comment,
		&req.AutoApproveAfterHours,
		&req.EscalateAfterHours,
		&req.EscalatedAt,
		&req.DecidedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func scanRequestRows(rows pgx.Rows) ([]*workflow.ApprovalRequest, error) {
	var reqs []*workflow.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}
