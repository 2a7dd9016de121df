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
)

type ParkingsRepo struct {
	pool     *pgxpool.Pool
	clock    clockx.Clock
	capacity int
}

func NewParkingsRepo(pool *pgxpool.Pool, clock clockx.Clock, capacity int) *ParkingsRepo {
	if clock == nil {
		clock = clockx.System()
	}
	if capacity <= 0 {
		capacity = 50
	}
	return &ParkingsRepo{pool: pool, clock: clock, capacity: capacity}
}

func (r *ParkingsRepo) Capacity() int { return r.capacity }

const parkingColumns = `parking_id, spot_number, driver_id, vehicle_class, arrived_at, departed_at, departure_building, departure_gate, created_at, updated_at`

func scanParking(row pgx.Row) (models.Parking, error) {
	var p models.Parking
	err := row.Scan(
		&p.ParkingID, &p.SpotNumber, &p.DriverID, &p.VehicleClass, &p.ArrivedAt,
		&p.DepartedAt, &p.DepartureBuilding, &p.DepartureGate, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// Park seats a driver on the lowest free spot. Spots under an open queue
// offer are not free: the offer must not be stolen by a walk-in.
func (r *ParkingsRepo) Park(ctx context.Context, driverID uuid.UUID, vehicleClass string) (models.Parking, error) {
	if !models.ValidVehicleClass(vehicleClass) {
		return models.Parking{}, ErrInvalidVehicleClass
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Parking{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = activeParkingByDriver(ctx, tx, driverID, false); err == nil {
		err = ErrAlreadyParked
		return models.Parking{}, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return models.Parking{}, err
	}

	parking, err := allocateOccupancy(ctx, tx, r.capacity, driverID, vehicleClass, r.clock.Now(), 0)
	if err != nil {
		return models.Parking{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Parking{}, err
	}
	return parking, nil
}

// Release departs the driver's occupancy and, in the same transaction,
// offers the freed spot to the queue head. A pending or in-progress task
// pins the vehicle on the spot until it is completed or cancelled.
func (r *ParkingsRepo) Release(ctx context.Context, outbox *OutboxRepo, driverID uuid.UUID, building *string, gate *int) (models.Parking, *models.QueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Parking{}, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	parking, err := activeParkingByDriver(ctx, tx, driverID, true)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotOccupied
		}
		return models.Parking{}, nil, err
	}

	parking, promoted, err := r.releaseLocked(ctx, tx, outbox, parking, building, gate)
	if err != nil {
		return models.Parking{}, nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Parking{}, nil, err
	}
	return parking, promoted, nil
}

// ReleaseSpot is the operator-side release, keyed by spot number.
func (r *ParkingsRepo) ReleaseSpot(ctx context.Context, outbox *OutboxRepo, spotNumber int, building *string, gate *int) (models.Parking, *models.QueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Parking{}, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	parking, err := activeParkingBySpot(ctx, tx, spotNumber, true)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotOccupied
		}
		return models.Parking{}, nil, err
	}

	parking, promoted, err := r.releaseLocked(ctx, tx, outbox, parking, building, gate)
	if err != nil {
		return models.Parking{}, nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Parking{}, nil, err
	}
	return parking, promoted, nil
}

func (r *ParkingsRepo) releaseLocked(ctx context.Context, tx pgx.Tx, outbox *OutboxRepo, parking models.Parking, building *string, gate *int) (models.Parking, *models.QueueEntry, error) {
	var active bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE parking_id = $1 AND status IN ('pending', 'in_progress')
		)
	`, parking.ParkingID).Scan(&active)
	if err != nil {
		return models.Parking{}, nil, err
	}
	if active {
		return models.Parking{}, nil, ErrTaskStillActive
	}

	now := r.clock.Now()
	parking, err = departOccupancy(ctx, tx, parking.ParkingID, now, building, gate)
	if err != nil {
		return models.Parking{}, nil, err
	}

	promoted, err := promoteHead(ctx, tx, outbox, parking.SpotNumber, now)
	if err != nil {
		return models.Parking{}, nil, err
	}
	return parking, promoted, nil
}

func (r *ParkingsRepo) ActiveByDriver(ctx context.Context, driverID uuid.UUID) (models.Parking, error) {
	parking, err := activeParkingByDriver(ctx, r.pool, driverID, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Parking{}, ErrNotOccupied
	}
	return parking, err
}

func (r *ParkingsRepo) ActiveBySpot(ctx context.Context, spotNumber int) (models.Parking, error) {
	parking, err := activeParkingBySpot(ctx, r.pool, spotNumber, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Parking{}, ErrNotOccupied
	}
	return parking, err
}

// ActiveOccupancies lists the occupied spots in spot order for the board.
func (r *ParkingsRepo) ActiveOccupancies(ctx context.Context) ([]models.Parking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+parkingColumns+` FROM parkings
		WHERE departed_at IS NULL
		ORDER BY spot_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parkings []models.Parking
	for rows.Next() {
		p, err := scanParking(rows)
		if err != nil {
			return nil, err
		}
		parkings = append(parkings, p)
	}
	return parkings, rows.Err()
}

// OfferedSpots lists spots reserved by open queue offers.
func (r *ParkingsRepo) OfferedSpots(ctx context.Context) ([]int, error) {
	return offeredSpots(ctx, r.pool)
}

func (r *ParkingsRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM parkings WHERE departed_at IS NULL
	`).Scan(&n)
	return n, err
}

func activeParkingByDriver(ctx context.Context, db DBTX, driverID uuid.UUID, forUpdate bool) (models.Parking, error) {
	query := `SELECT ` + parkingColumns + ` FROM parkings WHERE driver_id = $1 AND departed_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanParking(db.QueryRow(ctx, query, driverID))
}

func activeParkingBySpot(ctx context.Context, db DBTX, spotNumber int, forUpdate bool) (models.Parking, error) {
	query := `SELECT ` + parkingColumns + ` FROM parkings WHERE spot_number = $1 AND departed_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanParking(db.QueryRow(ctx, query, spotNumber))
}

func offeredSpots(ctx context.Context, db DBTX) ([]int, error) {
	rows, err := db.Query(ctx, `
		SELECT offered_spot FROM queue_entries
		WHERE status = 'notified' AND offered_spot IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spots []int
	for rows.Next() {
		var spot int
		if err := rows.Scan(&spot); err != nil {
			return nil, err
		}
		spots = append(spots, spot)
	}
	return spots, rows.Err()
}

// freeSpots locks the active occupancy set and returns the free spot numbers
// in ascending order, minus spots held by open offers.
func freeSpots(ctx context.Context, db DBTX, capacity int) ([]int, error) {
	rows, err := db.Query(ctx, `
		SELECT spot_number FROM parkings WHERE departed_at IS NULL FOR UPDATE
	`)
	if err != nil {
		return nil, err
	}
	taken := make(map[int]bool, capacity)
	for rows.Next() {
		var spot int
		if err := rows.Scan(&spot); err != nil {
			rows.Close()
			return nil, err
		}
		taken[spot] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	offered, err := offeredSpots(ctx, db)
	if err != nil {
		return nil, err
	}
	for _, spot := range offered {
		taken[spot] = true
	}

	free := make([]int, 0, capacity)
	for spot := 1; spot <= capacity; spot++ {
		if !taken[spot] {
			free = append(free, spot)
		}
	}
	return free, nil
}

// allocateOccupancy inserts an occupancy on the first insertable candidate.
// preferredSpot (when > 0) is tried first even if an offer reserves it; that
// is how a notified driver lands on their own offered spot. The partial
// unique index backstops the scan, so a lost race just moves to the next
// candidate instead of double-seating a spot.
func allocateOccupancy(ctx context.Context, db DBTX, capacity int, driverID uuid.UUID, vehicleClass string, now time.Time, preferredSpot int) (models.Parking, error) {
	free, err := freeSpots(ctx, db, capacity)
	if err != nil {
		return models.Parking{}, err
	}

	candidates := make([]int, 0, len(free)+1)
	if preferredSpot > 0 {
		candidates = append(candidates, preferredSpot)
	}
	for _, spot := range free {
		if spot != preferredSpot {
			candidates = append(candidates, spot)
		}
	}

	for _, spot := range candidates {
		parking, created, err := insertOccupancy(ctx, db, spot, driverID, vehicleClass, now)
		if err != nil {
			return models.Parking{}, err
		}
		if created {
			return parking, nil
		}
	}
	return models.Parking{}, ErrNoSpotAvailable
}

func insertOccupancy(ctx context.Context, db DBTX, spotNumber int, driverID uuid.UUID, vehicleClass string, now time.Time) (models.Parking, bool, error) {
	parking, err := scanParking(db.QueryRow(ctx, `
		INSERT INTO parkings (parking_id, spot_number, driver_id, vehicle_class, arrived_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $5)
		ON CONFLICT (spot_number) WHERE departed_at IS NULL DO NOTHING
		RETURNING `+parkingColumns+`
	`, uuid.New(), spotNumber, driverID, vehicleClass, now))
	if err == nil {
		return parking, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Parking{}, false, nil
	}
	return models.Parking{}, false, err
}

func departOccupancy(ctx context.Context, db DBTX, parkingID uuid.UUID, now time.Time, building *string, gate *int) (models.Parking, error) {
	return scanParking(db.QueryRow(ctx, `
		UPDATE parkings
		SET departed_at = $2, departure_building = $3, departure_gate = $4, updated_at = $2
		WHERE parking_id = $1 AND departed_at IS NULL
		RETURNING `+parkingColumns+`
	`, parkingID, now, building, gate))
}
