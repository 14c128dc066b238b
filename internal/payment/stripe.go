package payment

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeProvider drives manual-capture PaymentIntents for the
// authorize/capture/release flow.
type StripeProvider struct{}

// NewStripeProvider initializes the stripe client with the given API key.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{}
}

// Authorize creates a PaymentIntent with capture_method=manual so the funds
// are reserved, not transferred. Returns the PaymentIntent ID.
func (s *StripeProvider) Authorize(ctx context.Context, amountMinor int64, currency, payerRef string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	if payerRef != "" {
		params.Customer = stripe.String(payerRef)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a held PaymentIntent. amountMinor > 0 captures a partial
// amount (penalties); zero captures the full authorization.
func (s *StripeProvider) Capture(ctx context.Context, ref string, amountMinor int64) error {
	var params *stripe.PaymentIntentCaptureParams
	if amountMinor > 0 {
		params = &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amountMinor)}
	}
	_, err := paymentintent.Capture(ref, params)
	return err
}

// Release cancels the PaymentIntent, unreserving the funds.
func (s *StripeProvider) Release(ctx context.Context, ref string) error {
	_, err := paymentintent.Cancel(ref, nil)
	return err
}
