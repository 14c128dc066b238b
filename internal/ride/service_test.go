package ride

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cab-dispatch/internal/dispatch"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/payment"
	"github.com/example/cab-dispatch/internal/storage"
)

// fakeProvider records provider calls; optionally fails them.
type fakeProvider struct {
	mu            sync.Mutex
	authorizes    int
	captures      []int64
	releases      int
	failAuthorize bool
	failCapture   bool
}

func (f *fakeProvider) Authorize(ctx context.Context, amountMinor int64, currency, payerRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAuthorize {
		return "", errors.New("card declined")
	}
	f.authorizes++
	return "pi_test_1", nil
}

func (f *fakeProvider) Capture(ctx context.Context, ref string, amountMinor int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCapture {
		return errors.New("capture declined")
	}
	f.captures = append(f.captures, amountMinor)
	return nil
}

func (f *fakeProvider) Release(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeProvider) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorizes, len(f.captures), f.releases
}

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	drivers  *geo.Index
	provider *fakeProvider
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := geo.NewIndex()
	store := storage.NewMemoryStore()
	provider := &fakeProvider{}
	svc := &Service{
		Bookings: store,
		Drivers:  idx,
		Geo:      idx,
		Payments: &payment.Coordinator{
			Provider: provider,
			Currency: "inr",
			Rule: func() models.PenaltyRule {
				return models.PenaltyRule{DeductionPercent: 10, MinimumAmount: 50}
			},
		},
		Broadcast: &dispatch.Broadcaster{
			Rounds:  dispatch.NewRounds(),
			Push:    dispatch.NopNotifier{},
			Logger:  logger,
			Timeout: timeout,
			Mode:    dispatch.ModeBroadcast,
		},
		Notify: dispatch.NopNotifier{},
		Rates: map[string]models.CabClassRate{
			"mini":  {Class: "mini", BaseFare: 20, PerKm: 10},
			"sedan": {Class: "sedan", BaseFare: 30, PerKm: 14},
		},
		RadiusKm: 5,
		Logger:   logger,
	}
	return &harness{svc: svc, store: store, drivers: idx, provider: provider}
}

func (h *harness) addDriver(t *testing.T, id, class string, features ...string) {
	t.Helper()
	err := h.drivers.Upsert(context.Background(), models.Driver{
		ID: id, CabClass: class,
		Loc:       &models.Coord{Lat: 12.9720, Lng: 77.5950},
		Available: true, Online: true,
		Features: features,
	})
	require.NoError(t, err)
}

func immediateRequest(class string) CreateRequest {
	return CreateRequest{
		RiderID:  "rider-1",
		CabClass: class,
		Pickup:   models.Location{Address: "MG Road", Lat: 12.9716, Lng: 77.5946},
		Drop:     models.Location{Address: "Airport", Lat: 13.1986, Lng: 77.7066},
	}
}

func TestCreateNoDriverAvailable(t *testing.T) {
	h := newHarness(t, time.Minute)
	_, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.ErrorIs(t, err, ErrNoDriverAvailable)
	// nothing persisted
	assert.Equal(t, 0, h.svc.Broadcast.Rounds.OpenCount())
}

func TestCreateUnknownCabClass(t *testing.T) {
	h := newHarness(t, time.Minute)
	_, err := h.svc.Create(context.Background(), immediateRequest("limo"))
	require.ErrorIs(t, err, ErrUnknownCabClass)
}

func TestCreateOpensDispatchRound(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")

	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSearching, b.Status)
	assert.Greater(t, b.EstimatedFare, 20.0)
	assert.Equal(t, 1, h.svc.Broadcast.Rounds.OpenCount())

	stored, err := h.store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.ModeImmediate, stored.Mode)
}

func TestAcceptRaceExactlyOneWinner(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")
	h.addDriver(t, "d2", "mini")

	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)

	type result struct {
		driverID string
		err      error
	}
	results := make(chan result, 2)
	start := make(chan struct{})
	for _, id := range []string{"d1", "d2"} {
		go func(id string) {
			<-start
			_, err := h.svc.Accept(context.Background(), b.ID, id)
			results <- result{driverID: id, err: err}
		}(id)
	}
	close(start)

	var wins, conflicts int
	var winner string
	for i := 0; i < 2; i++ {
		r := <-results
		switch {
		case r.err == nil:
			wins++
			winner = r.driverID
		case errors.Is(r.err, ErrBookingAlreadyTaken):
			conflicts++
		default:
			t.Fatalf("unexpected error from %s: %v", r.driverID, r.err)
		}
	}
	require.Equal(t, 1, wins, "exactly one driver must win")
	require.Equal(t, 1, conflicts)

	stored, err := h.store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	assert.Equal(t, winner, stored.DriverID)
	assert.Len(t, stored.OTP, 6)
	assert.Equal(t, models.HoldPending, stored.HoldStatus)
	assert.NotEmpty(t, stored.HoldRef)

	// exactly one hold; the loser caused no provider traffic
	auths, caps, rels := h.provider.counts()
	assert.Equal(t, 1, auths)
	assert.Equal(t, 0, caps)
	assert.Equal(t, 0, rels)

	// winner is busy, loser still available
	win, _, _ := h.drivers.Get(context.Background(), winner)
	assert.False(t, win.Available)
	loser := "d1"
	if winner == "d1" {
		loser = "d2"
	}
	lost, _, _ := h.drivers.Get(context.Background(), loser)
	assert.True(t, lost.Available)

	// round torn down
	assert.Equal(t, 0, h.svc.Broadcast.Rounds.OpenCount())
}

func TestAcceptHoldFailureRollsBack(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")
	h.addDriver(t, "d2", "mini")

	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)

	h.provider.failAuthorize = true
	_, err = h.svc.Accept(context.Background(), b.ID, "d1")
	require.ErrorIs(t, err, payment.ErrHoldFailed)

	stored, err := h.store.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSearching, stored.Status)
	assert.Empty(t, stored.DriverID)
	assert.Empty(t, stored.OTP)

	// driver never got marked busy
	d, _, _ := h.drivers.Get(context.Background(), "d1")
	assert.True(t, d.Available)

	// the booking stays re-offerable
	h.provider.failAuthorize = false
	out, err := h.svc.Accept(context.Background(), b.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, out.Status)
	assert.Equal(t, "d2", out.DriverID)
}

func TestAcceptRejectsIneligibleDriver(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")
	h.addDriver(t, "s1", "sedan")

	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)

	_, err = h.svc.Accept(context.Background(), b.ID, "s1")
	require.ErrorIs(t, err, ErrDriverNotEligible)

	_, err = h.svc.Accept(context.Background(), b.ID, "ghost")
	require.ErrorIs(t, err, ErrDriverNotEligible)
}

func TestAcceptRejectsDriverWithoutFeature(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "ramp", "mini", "wheelchair_ramp")
	h.addDriver(t, "plain", "mini")

	req := immediateRequest("mini")
	req.Feature = "wheelchair_ramp"
	b, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = h.svc.Accept(context.Background(), b.ID, "plain")
	require.ErrorIs(t, err, ErrDriverNotEligible)

	out, err := h.svc.Accept(context.Background(), b.ID, "ramp")
	require.NoError(t, err)
	assert.Equal(t, "ramp", out.DriverID)
}

func TestAcceptUnknownBooking(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")
	_, err := h.svc.Accept(context.Background(), "nope", "d1")
	require.ErrorIs(t, err, ErrBookingNotFound)
}

func TestIgnoreLeavesBookingOpen(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")
	h.addDriver(t, "d2", "mini")

	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)

	h.svc.Ignore(b.ID, "d1")

	stored, _ := h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusSearching, stored.Status)

	// the other driver can still take it
	_, err = h.svc.Accept(context.Background(), b.ID, "d2")
	require.NoError(t, err)
}

func TestRoundTimeoutCancelsBooking(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	h.addDriver(t, "d1", "mini")

	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), b.ID)
		return err == nil && stored.Status == models.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	stored, _ := h.store.Get(context.Background(), b.ID)
	assert.Equal(t, ReasonNoDriver, stored.CancelReason)

	// an expired booking can no longer be accepted
	_, err = h.svc.Accept(context.Background(), b.ID, "d1")
	require.ErrorIs(t, err, ErrBookingAlreadyTaken)
}

func acceptedBooking(t *testing.T, h *harness, driverID string) *models.Booking {
	t.Helper()
	h.addDriver(t, driverID, "mini")
	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)
	out, err := h.svc.Accept(context.Background(), b.ID, driverID)
	require.NoError(t, err)
	return out
}

func TestVerifyOTP(t *testing.T) {
	h := newHarness(t, time.Minute)
	b := acceptedBooking(t, h, "d1")

	wrong := "000000"
	if b.OTP == wrong {
		wrong = "000001"
	}
	err := h.svc.VerifyOTP(context.Background(), b.ID, "d1", wrong)
	require.ErrorIs(t, err, ErrInvalidOtp)

	// still accepted after the failed attempt
	stored, _ := h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusAccepted, stored.Status)

	require.NoError(t, h.svc.VerifyOTP(context.Background(), b.ID, "d1", b.OTP))
	stored, _ = h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusInProgress, stored.Status)
	assert.True(t, stored.OTPVerified)

	// the code is consumed: resubmitting the right string fails as an OTP
	// error, not a lifecycle one
	err = h.svc.VerifyOTP(context.Background(), b.ID, "d1", b.OTP)
	require.ErrorIs(t, err, ErrInvalidOtp)
}

func TestVerifyOTPWrongDriver(t *testing.T) {
	h := newHarness(t, time.Minute)
	b := acceptedBooking(t, h, "d1")
	err := h.svc.VerifyOTP(context.Background(), b.ID, "intruder", b.OTP)
	require.ErrorIs(t, err, ErrInvalidOtp)
}

func TestCompleteCapturesAndFreesDriver(t *testing.T) {
	h := newHarness(t, time.Minute)
	b := acceptedBooking(t, h, "d1")
	require.NoError(t, h.svc.VerifyOTP(context.Background(), b.ID, "d1", b.OTP))

	out, err := h.svc.Complete(context.Background(), b.ID, "d1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, b.EstimatedFare, out.FinalFare)
	assert.Equal(t, models.HoldCaptured, out.HoldStatus)

	auths, caps, _ := h.provider.counts()
	assert.Equal(t, 1, auths)
	assert.Equal(t, 1, caps)

	d, _, _ := h.drivers.Get(context.Background(), "d1")
	assert.True(t, d.Available)
}

func TestCompleteWithAdjustedFare(t *testing.T) {
	h := newHarness(t, time.Minute)
	b := acceptedBooking(t, h, "d1")
	require.NoError(t, h.svc.VerifyOTP(context.Background(), b.ID, "d1", b.OTP))

	out, err := h.svc.Complete(context.Background(), b.ID, "d1", 34.5, 400.50)
	require.NoError(t, err)
	assert.Equal(t, 400.50, out.FinalFare)
	assert.Equal(t, 34.5, out.DistanceKm)
}

func TestCompleteRequiresInProgress(t *testing.T) {
	h := newHarness(t, time.Minute)
	b := acceptedBooking(t, h, "d1")

	_, err := h.svc.Complete(context.Background(), b.ID, "d1", 0, 0)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	require.NoError(t, h.svc.VerifyOTP(context.Background(), b.ID, "d1", b.OTP))
	_, err = h.svc.Complete(context.Background(), b.ID, "someone-else", 0, 0)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCancelWhileSearchingIsFree(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")
	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)

	penalty, err := h.svc.Cancel(context.Background(), b.ID, ByRider, "")
	require.NoError(t, err)
	assert.Zero(t, penalty)

	stored, _ := h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, "rider_cancelled", stored.CancelReason)

	// the provider was never touched
	auths, caps, rels := h.provider.counts()
	assert.Zero(t, auths+caps+rels)
	assert.Equal(t, 0, h.svc.Broadcast.Rounds.OpenCount())
}

func TestCancelAfterAcceptChargesPenalty(t *testing.T) {
	h := newHarness(t, time.Minute)
	b := acceptedBooking(t, h, "d1")

	penalty, err := h.svc.Cancel(context.Background(), b.ID, ByRider, "change of plans")
	require.NoError(t, err)
	// 10% of the estimate is below the 50 floor for short rides; either way
	// the rule is max(fare*10%, 50)
	want := b.EstimatedFare * 0.10
	if want < 50 {
		want = 50
	}
	assert.InDelta(t, want, penalty, 0.01)

	stored, _ := h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, models.HoldPartiallyCaptured, stored.HoldStatus)
	assert.Equal(t, "change of plans", stored.CancelReason)

	d, _, _ := h.drivers.Get(context.Background(), "d1")
	assert.True(t, d.Available, "cancelled driver goes back in the pool")
}

func TestCancelWithZeroPenaltyReleasesHold(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.svc.Payments.Rule = func() models.PenaltyRule { return models.PenaltyRule{} }
	b := acceptedBooking(t, h, "d1")

	penalty, err := h.svc.Cancel(context.Background(), b.ID, ByRider, "")
	require.NoError(t, err)
	assert.Zero(t, penalty)

	auths, caps, rels := h.provider.counts()
	assert.Equal(t, 1, auths)
	assert.Equal(t, 0, caps, "a free cancellation must not capture anything")
	assert.Equal(t, 1, rels, "the outstanding hold must actually be released")

	stored, _ := h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, models.HoldReleased, stored.HoldStatus)
}

// holdWriteFailingStore fails only the write that carries the hold
// reference.
type holdWriteFailingStore struct {
	*storage.MemoryStore
	fail bool
}

func (s *holdWriteFailingStore) UpdateIf(ctx context.Context, id string, expected []models.BookingStatus, next models.BookingStatus, upd storage.BookingUpdate) (bool, error) {
	if s.fail && upd.HoldRef != nil {
		return false, errors.New("store write failed")
	}
	return s.MemoryStore.UpdateIf(ctx, id, expected, next, upd)
}

func TestAcceptReleasesHoldWhenPersistFails(t *testing.T) {
	h := newHarness(t, time.Minute)
	fs := &holdWriteFailingStore{MemoryStore: h.store, fail: true}
	h.svc.Bookings = fs
	h.addDriver(t, "d1", "mini")

	b, err := h.svc.Create(context.Background(), immediateRequest("mini"))
	require.NoError(t, err)

	_, err = h.svc.Accept(context.Background(), b.ID, "d1")
	require.Error(t, err)

	auths, caps, rels := h.provider.counts()
	assert.Equal(t, 1, auths)
	assert.Zero(t, caps)
	assert.Equal(t, 1, rels, "a hold the store cannot record must be unwound")

	stored, _ := h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusSearching, stored.Status)
	assert.Empty(t, stored.DriverID)
	assert.Empty(t, stored.HoldRef)

	d, _, _ := h.drivers.Get(context.Background(), "d1")
	assert.True(t, d.Available)

	// once the store recovers, the booking is still acceptable
	fs.fail = false
	out, err := h.svc.Accept(context.Background(), b.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, out.Status)
	assert.Equal(t, models.HoldPending, out.HoldStatus)
}

func TestCancelCompletedBookingFails(t *testing.T) {
	h := newHarness(t, time.Minute)
	b := acceptedBooking(t, h, "d1")
	require.NoError(t, h.svc.VerifyOTP(context.Background(), b.ID, "d1", b.OTP))
	_, err := h.svc.Complete(context.Background(), b.ID, "d1", 0, 0)
	require.NoError(t, err)

	_, err = h.svc.Cancel(context.Background(), b.ID, ByRider, "")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestScheduledBookingPromotion(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")

	at := time.Now().Add(20 * time.Millisecond)
	req := immediateRequest("mini")
	req.Mode = models.ModeScheduled
	req.ScheduledAt = &at

	b, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, b.Status)
	assert.Equal(t, 0, h.svc.Broadcast.Rounds.OpenCount(), "no dispatch before the scheduled time")

	// not due yet: promotion is a no-op
	h.svc.PromoteScheduled(context.Background())
	stored, _ := h.store.Get(context.Background(), b.ID)
	if stored.Status == models.StatusScheduled {
		time.Sleep(30 * time.Millisecond)
		h.svc.PromoteScheduled(context.Background())
	}

	stored, _ = h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusSearching, stored.Status)
	assert.Equal(t, 1, h.svc.Broadcast.Rounds.OpenCount())
}

func TestScheduledRequiresFutureTime(t *testing.T) {
	h := newHarness(t, time.Minute)
	past := time.Now().Add(-time.Minute)
	req := immediateRequest("mini")
	req.Mode = models.ModeScheduled
	req.ScheduledAt = &past
	_, err := h.svc.Create(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestPromoteScheduledSkipsWhenNoCandidates(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", "mini")

	at := time.Now().Add(time.Millisecond)
	req := immediateRequest("mini")
	req.Mode = models.ModeScheduled
	req.ScheduledAt = &at
	b, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, h.drivers.SetAvailability(context.Background(), "d1", false))
	time.Sleep(5 * time.Millisecond)

	h.svc.PromoteScheduled(context.Background())
	stored, _ := h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusScheduled, stored.Status, "stays scheduled until a driver is in range")

	require.NoError(t, h.drivers.SetAvailability(context.Background(), "d1", true))
	h.svc.PromoteScheduled(context.Background())
	stored, _ = h.store.Get(context.Background(), b.ID)
	assert.Equal(t, models.StatusSearching, stored.Status)
}
