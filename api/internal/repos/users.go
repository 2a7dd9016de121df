package repos

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/shared/clockx"
	"github.com/wolfhound389/Regparkovka/shared/events"
)

type UsersRepo struct {
	pool  *pgxpool.Pool
	clock clockx.Clock
}

func NewUsersRepo(pool *pgxpool.Pool, clock clockx.Clock) *UsersRepo {
	if clock == nil {
		clock = clockx.System()
	}
	return &UsersRepo{pool: pool, clock: clock}
}

const userColumns = `user_id, subject, email, display_name, phone, role, on_shift, on_break, shift_started_at, break_started_at, total_break_sec, created_at, last_login_at`

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(
		&user.UserID, &user.Subject, &user.Email, &user.DisplayName, &user.Phone, &user.Role,
		&user.OnShift, &user.OnBreak, &user.ShiftStartedAt, &user.BreakStartedAt, &user.TotalBreakSec,
		&user.CreatedAt, &user.LastLoginAt,
	)
	return user, err
}

// UpsertFromOIDC records a login. The role is seeded on first insert only;
// afterwards it is owned by role requests and admin actions, not the token.
// Empty claims never blank out previously stored values.
func (r *UsersRepo) UpsertFromOIDC(ctx context.Context, subject string, email string, displayName string, role string) (models.User, error) {
	if !models.ValidRole(role) {
		role = models.RoleDriver
	}
	now := r.clock.Now()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (subject, email, display_name, phone, role, created_at, last_login_at)
		VALUES ($1, $2, $3, '', $4, $5, $5)
		ON CONFLICT (subject) DO UPDATE SET
			email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE users.email END,
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE users.display_name END,
			last_login_at = EXCLUDED.last_login_at
		RETURNING `+userColumns+`
	`, strings.TrimSpace(subject), strings.TrimSpace(email), strings.TrimSpace(displayName), role, now)
	return scanUser(row)
}

func (r *UsersRepo) GetByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE user_id = $1
	`, userID)
	return scanUser(row)
}

func (r *UsersRepo) GetBySubject(ctx context.Context, subject string) (models.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE subject = $1
	`, subject)
	return scanUser(row)
}

func (r *UsersRepo) SetRole(ctx context.Context, userID uuid.UUID, role string) (models.User, error) {
	if !models.ValidRole(role) {
		return models.User{}, ErrInvalidRole
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE users SET role = $2 WHERE user_id = $1
		RETURNING `+userColumns+`
	`, userID, role)
	return scanUser(row)
}

func (r *UsersRepo) UpdatePhone(ctx context.Context, userID uuid.UUID, phone string) (models.User, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE users SET phone = $2 WHERE user_id = $1
		RETURNING `+userColumns+`
	`, userID, strings.TrimSpace(phone))
	return scanUser(row)
}

// StartShift is idempotent: a driver already on shift gets changed=false.
// Break bookkeeping resets with the new shift. When a transfer driver comes
// on duty the given recipients are told the pool audience grew.
func (r *UsersRepo) StartShift(ctx context.Context, outbox *OutboxRepo, userID uuid.UUID, notifyRecipients []uuid.UUID) (models.User, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.User{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		return models.User{}, false, err
	}
	if user.OnShift {
		if err = tx.Commit(ctx); err != nil {
			return models.User{}, false, err
		}
		return user, false, nil
	}

	now := r.clock.Now()
	row := tx.QueryRow(ctx, `
		UPDATE users
		SET on_shift = TRUE, on_break = FALSE, shift_started_at = $2, break_started_at = NULL, total_break_sec = 0
		WHERE user_id = $1
		RETURNING `+userColumns+`
	`, userID, now)
	user, err = scanUser(row)
	if err != nil {
		return models.User{}, false, err
	}

	if outbox != nil && user.Role == models.RoleDriverTransfer {
		if err = insertShiftIntents(ctx, tx, outbox, now, events.NotifyShiftStarted, user, notifyRecipients); err != nil {
			return models.User{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

// EndShift closes an open break too, so total_break_sec stays honest.
func (r *UsersRepo) EndShift(ctx context.Context, outbox *OutboxRepo, userID uuid.UUID, notifyRecipients []uuid.UUID) (models.User, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.User{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		return models.User{}, false, err
	}
	if !user.OnShift {
		if err = tx.Commit(ctx); err != nil {
			return models.User{}, false, err
		}
		return user, false, nil
	}

	now := r.clock.Now()
	extraBreak := int64(0)
	if user.OnBreak {
		if err = closeOpenBreak(ctx, tx, userID, now); err != nil {
			return models.User{}, false, err
		}
		if user.BreakStartedAt != nil {
			extraBreak = int64(now.Sub(*user.BreakStartedAt).Seconds())
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE users
		SET on_shift = FALSE, on_break = FALSE, shift_started_at = NULL, break_started_at = NULL,
			total_break_sec = total_break_sec + $2
		WHERE user_id = $1
		RETURNING `+userColumns+`
	`, userID, extraBreak)
	user, err = scanUser(row)
	if err != nil {
		return models.User{}, false, err
	}

	if outbox != nil && user.Role == models.RoleDriverTransfer {
		if err = insertShiftIntents(ctx, tx, outbox, now, events.NotifyShiftEnded, user, notifyRecipients); err != nil {
			return models.User{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

func (r *UsersRepo) StartBreak(ctx context.Context, userID uuid.UUID) (models.User, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.User{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		return models.User{}, false, err
	}
	if !user.OnShift {
		err = ErrNotOnShift
		return models.User{}, false, err
	}
	if user.OnBreak {
		if err = tx.Commit(ctx); err != nil {
			return models.User{}, false, err
		}
		return user, false, nil
	}

	now := r.clock.Now()
	if _, err = tx.Exec(ctx, `
		INSERT INTO breaks (break_id, user_id, started_at) VALUES ($1, $2, $3)
	`, uuid.New(), userID, now); err != nil {
		return models.User{}, false, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE users SET on_break = TRUE, break_started_at = $2
		WHERE user_id = $1
		RETURNING `+userColumns+`
	`, userID, now)
	user, err = scanUser(row)
	if err != nil {
		return models.User{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

func (r *UsersRepo) EndBreak(ctx context.Context, userID uuid.UUID) (models.User, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.User{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		return models.User{}, false, err
	}
	if !user.OnBreak {
		if err = tx.Commit(ctx); err != nil {
			return models.User{}, false, err
		}
		return user, false, nil
	}

	now := r.clock.Now()
	if err = closeOpenBreak(ctx, tx, userID, now); err != nil {
		return models.User{}, false, err
	}
	elapsed := int64(0)
	if user.BreakStartedAt != nil {
		elapsed = int64(now.Sub(*user.BreakStartedAt).Seconds())
	}

	row := tx.QueryRow(ctx, `
		UPDATE users
		SET on_break = FALSE, break_started_at = NULL, total_break_sec = total_break_sec + $2
		WHERE user_id = $1
		RETURNING `+userColumns+`
	`, userID, elapsed)
	user, err = scanUser(row)
	if err != nil {
		return models.User{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

// TransferDriverSnapshot is the offer audience: transfer drivers on shift
// and not on break. Broadcasts iterate this snapshot, never a live query.
func (r *UsersRepo) TransferDriverSnapshot(ctx context.Context) ([]models.User, error) {
	return r.listUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE role = $1 AND on_shift AND NOT on_break
		ORDER BY display_name, user_id
	`, models.RoleDriverTransfer)
}

// OperatorSnapshot lists operator and admin accounts for alert fanout.
func (r *UsersRepo) OperatorSnapshot(ctx context.Context) ([]models.User, error) {
	return r.listUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE role = ANY($1)
		ORDER BY display_name, user_id
	`, []string{models.RoleOperator, models.RoleAdmin})
}

// ShiftReport lists everyone currently on shift with break totals.
func (r *UsersRepo) ShiftReport(ctx context.Context) ([]models.User, error) {
	return r.listUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE on_shift
		ORDER BY role, display_name, user_id
	`)
}

func (r *UsersRepo) ListUsers(ctx context.Context, limit int, offset int) ([]models.User, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.listUsers(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
}

func (r *UsersRepo) listUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func lockUser(ctx context.Context, db DBTX, userID uuid.UUID) (models.User, error) {
	row := db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE user_id = $1 FOR UPDATE
	`, userID)
	return scanUser(row)
}

func closeOpenBreak(ctx context.Context, db DBTX, userID uuid.UUID, endedAt time.Time) error {
	_, err := db.Exec(ctx, `
		UPDATE breaks
		SET ended_at = $2, duration_sec = CAST(EXTRACT(EPOCH FROM ($2 - started_at)) AS BIGINT)
		WHERE user_id = $1 AND ended_at IS NULL
	`, userID, endedAt)
	return err
}

func insertShiftIntents(ctx context.Context, db DBTX, outbox *OutboxRepo, now time.Time, kind string, user models.User, recipients []uuid.UUID) error {
	body := map[string]any{
		"user_id":      user.UserID,
		"display_name": user.DisplayName,
		"role":         user.Role,
	}
	for _, recipient := range recipients {
		event, err := NewNotificationEvent(now, kind, recipient, "user", user.UserID, body)
		if err != nil {
			return err
		}
		if _, err := outbox.Insert(ctx, db, event); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
