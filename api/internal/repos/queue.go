package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/shared/clockx"
	"github.com/wolfhound389/Regparkovka/shared/events"
	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

type QueueRepo struct {
	pool     *pgxpool.Pool
	clock    clockx.Clock
	capacity int
}

func NewQueueRepo(pool *pgxpool.Pool, clock clockx.Clock, capacity int) *QueueRepo {
	if clock == nil {
		clock = clockx.System()
	}
	if capacity <= 0 {
		capacity = 50
	}
	return &QueueRepo{pool: pool, clock: clock, capacity: capacity}
}

const queueColumns = `entry_id, driver_id, vehicle_class, status, offered_spot, notified_at, created_at, updated_at`

func scanQueueEntry(row pgx.Row) (models.QueueEntry, error) {
	var e models.QueueEntry
	err := row.Scan(
		&e.EntryID, &e.DriverID, &e.VehicleClass, &e.Status,
		&e.OfferedSpot, &e.NotifiedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

// ArrivalResult is either a direct seat or a queue slot, never both.
type ArrivalResult struct {
	Parking  *models.Parking
	Entry    *models.QueueEntry
	Position int
}

// Arrive seats the driver if a spot is free, otherwise appends a waiting
// queue entry. One transaction covers the full decision so a freed spot
// cannot slip between the check and the insert.
func (r *QueueRepo) Arrive(ctx context.Context, outbox *OutboxRepo, driverID uuid.UUID, vehicleClass string) (ArrivalResult, error) {
	if !models.ValidVehicleClass(vehicleClass) {
		return ArrivalResult{}, ErrInvalidVehicleClass
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ArrivalResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = activeParkingByDriver(ctx, tx, driverID, false); err == nil {
		err = ErrAlreadyParked
		return ArrivalResult{}, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return ArrivalResult{}, err
	}

	if _, err = activeQueueEntryByDriver(ctx, tx, driverID, false); err == nil {
		err = ErrAlreadyQueued
		return ArrivalResult{}, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return ArrivalResult{}, err
	}

	now := r.clock.Now()
	parking, err := allocateOccupancy(ctx, tx, r.capacity, driverID, vehicleClass, now, 0)
	if err == nil {
		if err = tx.Commit(ctx); err != nil {
			return ArrivalResult{}, err
		}
		return ArrivalResult{Parking: &parking}, nil
	}
	if !errors.Is(err, ErrNoSpotAvailable) {
		return ArrivalResult{}, err
	}

	entry, err := scanQueueEntry(tx.QueryRow(ctx, `
		INSERT INTO queue_entries (entry_id, driver_id, vehicle_class, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+queueColumns+`
	`, uuid.New(), driverID, vehicleClass, workflow.QueueStatusWaiting, now))
	if err != nil {
		return ArrivalResult{}, err
	}

	position, err := queuePositionOf(ctx, tx, entry)
	if err != nil {
		return ArrivalResult{}, err
	}

	if err = insertQueueStreamEvent(ctx, tx, outbox, now, workflow.QueueEventJoined, entry, map[string]any{
		"driver_id": entry.DriverID,
		"position":  position,
	}); err != nil {
		return ArrivalResult{}, err
	}
	if err = insertQueueIntent(ctx, tx, outbox, now, events.NotifyQueuePosition, entry, map[string]any{
		"position": position,
	}); err != nil {
		return ArrivalResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return ArrivalResult{}, err
	}
	return ArrivalResult{Entry: &entry, Position: position}, nil
}

// ConfirmArrival turns an offer into a seat. The offered spot is preferred;
// if it was lost to a crash window any free spot serves. When the lot is
// full again the entry returns to waiting with its original created_at, so
// the driver keeps their place in line.
func (r *QueueRepo) ConfirmArrival(ctx context.Context, outbox *OutboxRepo, driverID uuid.UUID) (models.Parking, models.QueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Parking{}, models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	entry, err := activeQueueEntryByDriver(ctx, tx, driverID, true)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotInQueue
		}
		return models.Parking{}, models.QueueEntry{}, err
	}
	if entry.Status != workflow.QueueStatusNotified {
		err = ErrInvalidStatus
		return models.Parking{}, models.QueueEntry{}, err
	}

	now := r.clock.Now()
	preferred := 0
	if entry.OfferedSpot != nil {
		preferred = *entry.OfferedSpot
	}

	parking, allocErr := allocateOccupancy(ctx, tx, r.capacity, driverID, entry.VehicleClass, now, preferred)
	if allocErr != nil && !errors.Is(allocErr, ErrNoSpotAvailable) {
		err = allocErr
		return models.Parking{}, models.QueueEntry{}, err
	}

	if errors.Is(allocErr, ErrNoSpotAvailable) {
		entry, err = scanQueueEntry(tx.QueryRow(ctx, `
			UPDATE queue_entries
			SET status = $2, offered_spot = NULL, notified_at = NULL, updated_at = $3
			WHERE entry_id = $1
			RETURNING `+queueColumns+`
		`, entry.EntryID, workflow.QueueStatusWaiting, now))
		if err != nil {
			return models.Parking{}, models.QueueEntry{}, err
		}
		if err = insertQueueStreamEvent(ctx, tx, outbox, now, workflow.QueueEventOfferReturned, entry, map[string]any{
			"driver_id": entry.DriverID,
		}); err != nil {
			return models.Parking{}, models.QueueEntry{}, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Parking{}, models.QueueEntry{}, err
		}
		return models.Parking{}, entry, ErrNoSpotAvailable
	}

	entry, err = scanQueueEntry(tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $2, offered_spot = $3, updated_at = $4
		WHERE entry_id = $1
		RETURNING `+queueColumns+`
	`, entry.EntryID, workflow.QueueStatusPromoted, parking.SpotNumber, now))
	if err != nil {
		return models.Parking{}, models.QueueEntry{}, err
	}

	if err = insertQueueStreamEvent(ctx, tx, outbox, now, workflow.QueueEventPromoted, entry, map[string]any{
		"driver_id":   entry.DriverID,
		"spot_number": parking.SpotNumber,
	}); err != nil {
		return models.Parking{}, models.QueueEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Parking{}, models.QueueEntry{}, err
	}
	return parking, entry, nil
}

// Leave is the driver's own exit and only works from waiting. A notified
// entry holds a reserved spot, so an operator has to cancel it instead.
func (r *QueueRepo) Leave(ctx context.Context, outbox *OutboxRepo, driverID uuid.UUID) (models.QueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	entry, err := activeQueueEntryByDriver(ctx, tx, driverID, true)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotInQueue
		}
		return models.QueueEntry{}, err
	}
	if entry.Status != workflow.QueueStatusWaiting {
		err = ErrInvalidStatus
		return models.QueueEntry{}, err
	}

	now := r.clock.Now()
	entry, err = cancelQueueEntry(ctx, tx, outbox, entry, now)
	if err != nil {
		return models.QueueEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// CancelEntry is the operator escape hatch for any live entry. Cancelling a
// notified entry frees its reserved spot and offers it to the next head.
func (r *QueueRepo) CancelEntry(ctx context.Context, outbox *OutboxRepo, entryID uuid.UUID) (models.QueueEntry, *models.QueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	entry, err := scanQueueEntry(tx.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM queue_entries WHERE entry_id = $1 FOR UPDATE
	`, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotInQueue
		}
		return models.QueueEntry{}, nil, err
	}
	if workflow.IsTerminalQueueStatus(entry.Status) {
		err = ErrInvalidStatus
		return models.QueueEntry{}, nil, err
	}

	now := r.clock.Now()
	freedSpot := 0
	if entry.Status == workflow.QueueStatusNotified && entry.OfferedSpot != nil {
		freedSpot = *entry.OfferedSpot
	}

	entry, err = cancelQueueEntry(ctx, tx, outbox, entry, now)
	if err != nil {
		return models.QueueEntry{}, nil, err
	}

	var promoted *models.QueueEntry
	if freedSpot > 0 {
		promoted, err = promoteHead(ctx, tx, outbox, freedSpot, now)
		if err != nil {
			return models.QueueEntry{}, nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, nil, err
	}
	return entry, promoted, nil
}

// EntryForDriver returns the driver's live entry and computed position.
func (r *QueueRepo) EntryForDriver(ctx context.Context, driverID uuid.UUID) (models.QueueEntry, int, error) {
	entry, err := activeQueueEntryByDriver(ctx, r.pool, driverID, false)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotInQueue
		}
		return models.QueueEntry{}, 0, err
	}
	position, err := queuePositionOf(ctx, r.pool, entry)
	if err != nil {
		return models.QueueEntry{}, 0, err
	}
	return entry, position, nil
}

// ListActive returns live entries in queue order; index+1 is the position.
func (r *QueueRepo) ListActive(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE status IN ('waiting', 'notified')
		ORDER BY created_at, entry_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *QueueRepo) Depth(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_entries WHERE status IN ('waiting', 'notified')
	`).Scan(&n)
	return n, err
}

func activeQueueEntryByDriver(ctx context.Context, db DBTX, driverID uuid.UUID, forUpdate bool) (models.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_entries WHERE driver_id = $1 AND status IN ('waiting', 'notified')`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanQueueEntry(db.QueryRow(ctx, query, driverID))
}

func queuePositionOf(ctx context.Context, db DBTX, entry models.QueueEntry) (int, error) {
	var earlier int
	err := db.QueryRow(ctx, `
		SELECT count(*) FROM queue_entries
		WHERE status IN ('waiting', 'notified') AND (created_at, entry_id) < ($1, $2)
	`, entry.CreatedAt, entry.EntryID).Scan(&earlier)
	return earlier + 1, err
}

func cancelQueueEntry(ctx context.Context, db DBTX, outbox *OutboxRepo, entry models.QueueEntry, now time.Time) (models.QueueEntry, error) {
	entry, err := scanQueueEntry(db.QueryRow(ctx, `
		UPDATE queue_entries SET status = $2, updated_at = $3
		WHERE entry_id = $1
		RETURNING `+queueColumns+`
	`, entry.EntryID, workflow.QueueStatusCancelled, now))
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := insertQueueStreamEvent(ctx, db, outbox, now, workflow.QueueEventLeft, entry, map[string]any{
		"driver_id": entry.DriverID,
	}); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// promoteHead offers a freed spot to the earliest waiting entry. At most one
// open offer may reference a spot, so a spot freed while already offered is
// left alone.
func promoteHead(ctx context.Context, db DBTX, outbox *OutboxRepo, spotNumber int, now time.Time) (*models.QueueEntry, error) {
	var alreadyOffered bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_entries WHERE status = 'notified' AND offered_spot = $1
		)
	`, spotNumber).Scan(&alreadyOffered)
	if err != nil {
		return nil, err
	}
	if alreadyOffered {
		return nil, nil
	}

	head, err := scanQueueEntry(db.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE status = 'waiting'
		ORDER BY created_at, entry_id
		LIMIT 1
		FOR UPDATE
	`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	head, err = scanQueueEntry(db.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $2, offered_spot = $3, notified_at = $4, updated_at = $4
		WHERE entry_id = $1
		RETURNING `+queueColumns+`
	`, head.EntryID, workflow.QueueStatusNotified, spotNumber, now))
	if err != nil {
		return nil, err
	}

	if err := insertQueueStreamEvent(ctx, db, outbox, now, workflow.QueueEventSpotOffered, head, map[string]any{
		"driver_id":   head.DriverID,
		"spot_number": spotNumber,
	}); err != nil {
		return nil, err
	}
	if err := insertQueueIntent(ctx, db, outbox, now, events.NotifySpotReady, head, map[string]any{
		"spot_number": spotNumber,
	}); err != nil {
		return nil, err
	}
	return &head, nil
}

func insertQueueStreamEvent(ctx context.Context, db DBTX, outbox *OutboxRepo, now time.Time, eventType string, entry models.QueueEntry, body map[string]any) error {
	if outbox == nil {
		return nil
	}
	event, err := NewStreamEvent(now, events.TopicQueueEvents, "queue_entry", entry.EntryID, eventType, body)
	if err != nil {
		return err
	}
	_, err = outbox.Insert(ctx, db, event)
	return err
}

func insertQueueIntent(ctx context.Context, db DBTX, outbox *OutboxRepo, now time.Time, kind string, entry models.QueueEntry, body map[string]any) error {
	if outbox == nil {
		return nil
	}
	event, err := NewNotificationEvent(now, kind, entry.DriverID, "queue_entry", entry.EntryID, body)
	if err != nil {
		return err
	}
	_, err = outbox.Insert(ctx, db, event)
	return err
}
