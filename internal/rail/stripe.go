package rail

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// zeroDecimal lists ISO currencies whose minor unit equals the major unit.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// StripeRail executes charges as confirmed Stripe PaymentIntents.
type StripeRail struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeRail creates a rail backed by the Stripe API.
func NewStripeRail(apiKey string, logger *slog.Logger) *StripeRail {
	if logger == nil {
		logger = slog.Default()
	}
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeRail{api: api, logger: logger}
}

func (r *StripeRail) Name() string { return "stripe" }

func (r *StripeRail) Execute(ctx context.Context, c *Charge) (*Receipt, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minorUnits(c.Amount, c.Currency)),
		Currency: stripe.String(strings.ToLower(c.Currency)),
		Confirm:  stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	if c.Description != "" {
		params.Description = stripe.String(c.Description)
	}
	params.AddMetadata("transaction_id", c.TransactionID)
	params.AddMetadata("organization_id", c.OrgID)
	params.AddMetadata("agent_did", c.AgentDID)
	params.AddMetadata("merchant_id", c.MerchantID)

	pi, err := r.api.PaymentIntents.New(params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Type == stripe.ErrorTypeCard {
			r.logger.Warn("stripe declined charge",
				"transaction", c.TransactionID, "code", stripeErr.Code)
			return nil, fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Code)
		}
		return nil, fmt.Errorf("rail: stripe payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: intent status %s", ErrDeclined, pi.Status)
	}

	return &Receipt{
		Reference: pi.ID,
		Status:    string(pi.Status),
		SettledAt: time.Now(),
	}, nil
}

// minorUnits converts a major-unit amount to the currency's minor unit.
func minorUnits(amount float64, currency string) int64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}

var _ Rail = (*StripeRail)(nil)
