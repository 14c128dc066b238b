package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

// BookingUpdate lists the fields a conditional update may set alongside the
// status change. Nil pointers are left untouched.
type BookingUpdate struct {
	DriverID     *string
	OTP          *string
	OTPVerified  *bool
	HoldRef      *string
	HoldStatus   *models.HoldStatus
	FinalFare    *float64
	DistanceKm   *float64
	CancelReason *string
}

// BookingStore defines persistence for bookings. UpdateIf is the atomic
// compare-and-swap every lifecycle transition goes through: it applies the
// status change and extra fields only when the current status is one of
// expected, and reports whether it won.
type BookingStore interface {
	Create(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id string) (*models.Booking, error)
	UpdateIf(ctx context.Context, id string, expected []models.BookingStatus, next models.BookingStatus, upd BookingUpdate) (bool, error)
	ListScheduledDue(ctx context.Context, now time.Time) ([]*models.Booking, error)
}

// DriverStore is the external driver/vehicle collaborator: availability and
// position are the only fields this core mutates.
type DriverStore interface {
	Get(ctx context.Context, id string) (models.Driver, bool, error)
	SetAvailability(ctx context.Context, id string, available bool) error
	UpdatePosition(ctx context.Context, id string, lat, lng float64) error
	Upsert(ctx context.Context, d models.Driver) error
}

// MemoryStore is a mutex-guarded BookingStore. The mutex gives UpdateIf the
// same winner-takes-all semantics the postgres conditional UPDATE has.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*models.Booking)}
}

func (m *MemoryStore) Create(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, id string, expected []models.BookingStatus, next models.BookingStatus, upd BookingUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range expected {
		if b.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	b.Status = next
	applyUpdate(b, upd)
	b.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ListScheduledDue(ctx context.Context, now time.Time) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Booking
	for _, b := range m.bookings {
		if b.Status == models.StatusScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func applyUpdate(b *models.Booking, upd BookingUpdate) {
	if upd.DriverID != nil {
		b.DriverID = *upd.DriverID
	}
	if upd.OTP != nil {
		b.OTP = *upd.OTP
	}
	if upd.OTPVerified != nil {
		b.OTPVerified = *upd.OTPVerified
	}
	if upd.HoldRef != nil {
		b.HoldRef = *upd.HoldRef
	}
	if upd.HoldStatus != nil {
		b.HoldStatus = *upd.HoldStatus
	}
	if upd.FinalFare != nil {
		b.FinalFare = *upd.FinalFare
	}
	if upd.DistanceKm != nil {
		b.DistanceKm = *upd.DistanceKm
	}
	if upd.CancelReason != nil {
		b.CancelReason = *upd.CancelReason
	}
}
