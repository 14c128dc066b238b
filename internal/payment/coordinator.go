package payment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/cab-dispatch/internal/fare"
	"github.com/example/cab-dispatch/internal/models"
)

var (
	ErrHoldFailed    = errors.New("payment hold failed")
	ErrCaptureFailed = errors.New("payment capture failed")
)

// Provider is the external payment collaborator. All amounts are in minor
// units (paise for INR).
type Provider interface {
	Authorize(ctx context.Context, amountMinor int64, currency, payerRef string) (string, error)
	Capture(ctx context.Context, ref string, amountMinor int64) error
	Release(ctx context.Context, ref string) error
}

// Coordinator keeps booking payment state in lock-step with the provider.
// Rule returns the active cancellation penalty configuration; it is a
// function so an externally managed rule can be swapped in without
// restarting.
type Coordinator struct {
	Provider Provider
	Currency string
	Rule     func() models.PenaltyRule
}

// HoldFare authorizes the estimated fare with manual capture and returns the
// hold reference. Called exactly once per booking, at acceptance.
func (c *Coordinator) HoldFare(ctx context.Context, b *models.Booking) (string, error) {
	ref, err := c.Provider.Authorize(ctx, MinorUnits(b.EstimatedFare), c.Currency, b.RiderID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHoldFailed, err)
	}
	return ref, nil
}

// CaptureFinal captures the final fare from the hold. Settled holds are a
// no-op so a retried completion cannot double-charge.
func (c *Coordinator) CaptureFinal(ctx context.Context, b *models.Booking, finalFare float64) error {
	if b.HoldStatus.Settled() {
		return nil
	}
	if b.HoldRef == "" {
		return fmt.Errorf("%w: no hold on booking %s", ErrCaptureFailed, b.ID)
	}
	amount := MinorUnits(finalFare)
	if finalFare == b.EstimatedFare {
		amount = 0 // full capture
	}
	if err := c.Provider.Capture(ctx, b.HoldRef, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return nil
}

// CapturePenalty partially captures the cancellation penalty from the hold
// and returns the amount. A booking with no hold cancels free of charge. A
// rule that computes zero must never reach the provider: amount zero means
// "capture the full authorization" there.
func (c *Coordinator) CapturePenalty(ctx context.Context, b *models.Booking) (float64, error) {
	if b.HoldRef == "" || b.HoldStatus.Settled() {
		return 0, nil
	}
	penalty := Penalty(c.Rule(), b.EstimatedFare)
	if penalty <= 0 {
		return 0, nil
	}
	if err := c.Provider.Capture(ctx, b.HoldRef, MinorUnits(penalty)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return penalty, nil
}

// Release cancels an outstanding hold. No-op when there is nothing pending.
func (c *Coordinator) Release(ctx context.Context, b *models.Booking) error {
	if b.HoldRef == "" || b.HoldStatus.Settled() {
		return nil
	}
	return c.Provider.Release(ctx, b.HoldRef)
}

// Penalty applies the active rule: max(fare × percent/100, minimum).
func Penalty(rule models.PenaltyRule, estimatedFare float64) float64 {
	p := estimatedFare * rule.DeductionPercent / 100
	if p < rule.MinimumAmount {
		p = rule.MinimumAmount
	}
	return fare.Round2(p)
}

// MinorUnits converts a major-unit amount to provider minor units.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
