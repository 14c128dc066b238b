package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/cab-dispatch/internal/models"
)

// PostgresStore persists bookings. UpdateIf relies on the conditional
// UPDATE's row count for arbitration, so it stays correct with multiple
// dispatcher processes sharing one database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing handle (tests).
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Create(ctx context.Context, b *models.Booking) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(
		id, rider_id, cab_class,
		pickup_address, pickup_lat, pickup_lng,
		drop_address, drop_lat, drop_lng,
		feature, mode, scheduled_at, distance_km, estimated_fare,
		driver_id, otp, otp_verified, hold_ref, hold_status,
		status, cancel_reason, created_at, updated_at
	) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		b.ID, b.RiderID, b.CabClass,
		b.Pickup.Address, b.Pickup.Lat, b.Pickup.Lng,
		b.Drop.Address, b.Drop.Lat, b.Drop.Lng,
		b.Feature, string(b.Mode), b.ScheduledAt, b.DistanceKm, b.EstimatedFare,
		b.DriverID, b.OTP, b.OTPVerified, b.HoldRef, string(b.HoldStatus),
		string(b.Status), b.CancelReason, b.CreatedAt, b.UpdatedAt)
	return err
}

const bookingColumns = `id, rider_id, cab_class,
	pickup_address, pickup_lat, pickup_lng,
	drop_address, drop_lat, drop_lng,
	feature, mode, scheduled_at, distance_km, estimated_fare, final_fare,
	driver_id, otp, otp_verified, hold_ref, hold_status,
	status, cancel_reason, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id=$1 AND deleted_at IS NULL`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// UpdateIf performs the guarded status transition in a single statement:
// UPDATE ... WHERE id=$1 AND status = ANY(expected). A zero row count means
// the caller lost the race.
func (p *PostgresStore) UpdateIf(ctx context.Context, id string, expected []models.BookingStatus, next models.BookingStatus, upd BookingUpdate) (bool, error) {
	sets := []string{"status=$2", "updated_at=$3"}
	args := []interface{}{id, string(next), time.Now()}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.DriverID != nil {
		add("driver_id", *upd.DriverID)
	}
	if upd.OTP != nil {
		add("otp", *upd.OTP)
	}
	if upd.OTPVerified != nil {
		add("otp_verified", *upd.OTPVerified)
	}
	if upd.HoldRef != nil {
		add("hold_ref", *upd.HoldRef)
	}
	if upd.HoldStatus != nil {
		add("hold_status", string(*upd.HoldStatus))
	}
	if upd.FinalFare != nil {
		add("final_fare", *upd.FinalFare)
	}
	if upd.DistanceKm != nil {
		add("distance_km", *upd.DistanceKm)
	}
	if upd.CancelReason != nil {
		add("cancel_reason", *upd.CancelReason)
	}
	exp := make([]string, 0, len(expected))
	for _, s := range expected {
		exp = append(exp, string(s))
	}
	args = append(args, pq.Array(exp))
	q := fmt.Sprintf(`UPDATE bookings SET %s WHERE id=$1 AND status = ANY($%d) AND deleted_at IS NULL`,
		strings.Join(sets, ", "), len(args))
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListScheduledDue(ctx context.Context, now time.Time) ([]*models.Booking, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE status=$1 AND scheduled_at <= $2 AND deleted_at IS NULL`,
		string(models.StatusScheduled), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	var mode, holdStatus, status string
	var scheduledAt sql.NullTime
	var finalFare sql.NullFloat64
	err := row.Scan(
		&b.ID, &b.RiderID, &b.CabClass,
		&b.Pickup.Address, &b.Pickup.Lat, &b.Pickup.Lng,
		&b.Drop.Address, &b.Drop.Lat, &b.Drop.Lng,
		&b.Feature, &mode, &scheduledAt, &b.DistanceKm, &b.EstimatedFare, &finalFare,
		&b.DriverID, &b.OTP, &b.OTPVerified, &b.HoldRef, &holdStatus,
		&status, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Mode = models.BookingMode(mode)
	b.HoldStatus = models.HoldStatus(holdStatus)
	b.Status = models.BookingStatus(status)
	if scheduledAt.Valid {
		t := scheduledAt.Time
		b.ScheduledAt = &t
	}
	if finalFare.Valid {
		b.FinalFare = finalFare.Float64
	}
	return &b, nil
}
