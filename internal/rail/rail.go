// Package rail executes approved transactions against a payment
// backend. Authorization decides; the rail moves money. A mandate is
// presented exactly once at execution, which is where its single-use
// nonce is consumed.
package rail

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrDeclined        = errors.New("rail: charge declined")
	ErrNotApproved     = errors.New("rail: transaction is not in APPROVED state")
	ErrMandateMismatch = errors.New("rail: mandate was not issued for this transaction")
)

// Charge is one payment to execute.
type Charge struct {
	TransactionID string  `json:"transactionId"`
	OrgID         string  `json:"organizationId"`
	AgentDID      string  `json:"agentDid"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	MerchantID    string  `json:"merchantId"`
	Description   string  `json:"description,omitempty"`
}

// Receipt is the rail's proof of execution.
type Receipt struct {
	Reference string    `json:"reference"` // rail-side id, e.g. a PaymentIntent id
	Status    string    `json:"status"`
	SettledAt time.Time `json:"settledAt"`
}

// Rail is a payment backend.
type Rail interface {
	Name() string
	Execute(ctx context.Context, c *Charge) (*Receipt, error)
}
