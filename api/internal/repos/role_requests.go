package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/shared/clockx"
	"github.com/wolfhound389/Regparkovka/shared/events"
)

type RoleRequestsRepo struct {
	pool  *pgxpool.Pool
	clock clockx.Clock
}

func NewRoleRequestsRepo(pool *pgxpool.Pool, clock clockx.Clock) *RoleRequestsRepo {
	if clock == nil {
		clock = clockx.System()
	}
	return &RoleRequestsRepo{pool: pool, clock: clock}
}

const roleRequestColumns = `request_id, user_id, requested_role, status, created_at, decided_at, decided_by`

func scanRoleRequest(row pgx.Row) (models.RoleRequest, error) {
	var rr models.RoleRequest
	err := row.Scan(
		&rr.RequestID, &rr.UserID, &rr.RequestedRole, &rr.Status,
		&rr.CreatedAt, &rr.DecidedAt, &rr.DecidedBy,
	)
	return rr, err
}

// Create opens an elevation request. One pending request per user; the
// partial unique index backstops the check.
func (r *RoleRequestsRepo) Create(ctx context.Context, userID uuid.UUID, requestedRole string) (models.RoleRequest, error) {
	if !models.ValidRole(requestedRole) {
		return models.RoleRequest{}, ErrInvalidRole
	}
	request, err := scanRoleRequest(r.pool.QueryRow(ctx, `
		INSERT INTO role_requests (request_id, user_id, requested_role, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) WHERE status = 'pending' DO NOTHING
		RETURNING `+roleRequestColumns+`
	`, uuid.New(), userID, requestedRole, models.RoleRequestPending, r.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RoleRequest{}, ErrRoleRequestPending
	}
	return request, err
}

func (r *RoleRequestsRepo) ListPending(ctx context.Context) ([]models.RoleRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+roleRequestColumns+` FROM role_requests
		WHERE status = $1
		ORDER BY created_at
	`, models.RoleRequestPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []models.RoleRequest
	for rows.Next() {
		request, err := scanRoleRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// Decide settles a pending request. Approval applies the role to the user
// in the same transaction and tells the requester either way.
func (r *RoleRequestsRepo) Decide(ctx context.Context, outbox *OutboxRepo, requestID uuid.UUID, approve bool, deciderID uuid.UUID) (models.RoleRequest, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.RoleRequest{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	request, err := scanRoleRequest(tx.QueryRow(ctx, `
		SELECT `+roleRequestColumns+` FROM role_requests WHERE request_id = $1 FOR UPDATE
	`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrRoleRequestNotFound
		}
		return models.RoleRequest{}, err
	}
	if request.Status != models.RoleRequestPending {
		err = ErrInvalidStatus
		return models.RoleRequest{}, err
	}

	status := models.RoleRequestRejected
	if approve {
		status = models.RoleRequestApproved
	}
	now := r.clock.Now()

	request, err = scanRoleRequest(tx.QueryRow(ctx, `
		UPDATE role_requests
		SET status = $2, decided_at = $3, decided_by = $4
		WHERE request_id = $1
		RETURNING `+roleRequestColumns+`
	`, requestID, status, now, deciderID))
	if err != nil {
		return models.RoleRequest{}, err
	}

	if approve {
		if _, err = tx.Exec(ctx, `
			UPDATE users SET role = $2 WHERE user_id = $1
		`, request.UserID, request.RequestedRole); err != nil {
			return models.RoleRequest{}, err
		}
	}

	if outbox != nil {
		var event models.OutboxEvent
		event, err = NewNotificationEvent(now, events.NotifyRoleDecided, request.UserID, "role_request", request.RequestID, map[string]any{
			"requested_role": request.RequestedRole,
			"approved":       approve,
		})
		if err != nil {
			return models.RoleRequest{}, err
		}
		if _, err = outbox.Insert(ctx, tx, event); err != nil {
			return models.RoleRequest{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.RoleRequest{}, err
	}
	return request, nil
}
