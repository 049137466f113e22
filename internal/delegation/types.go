// Package delegation issues and verifies delegation tokens: signed
// grants of constrained authority from one agent to another, chainable
// up to a depth limit with monotonically tightening constraints.
package delegation

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTokenNotFound    = errors.New("delegation token not found")
	ErrTokenRevoked     = errors.New("delegation token is revoked")
	ErrTokenExpired     = errors.New("delegation token is expired")
	ErrNotRefinement    = errors.New("child constraints loosen parent constraints")
	ErrDepthExceeded    = errors.New("delegation depth limit exceeded")
	ErrSubDelegation    = errors.New("parent token forbids sub-delegation")
	ErrWrongIssuer      = errors.New("issuer is not the parent token recipient")
	ErrSelfDelegation   = errors.New("issuer and recipient must differ")
	ErrIssuerNotAllowed = errors.New("issuer agent cannot delegate")
)

// Reason codes returned by constraint evaluation and chain verification.
const (
	CodeAmountExceedsCap     = "AMOUNT_EXCEEDS_CAP"
	CodeDailySpendExceeded   = "DAILY_SPEND_EXCEEDED"
	CodeWeeklySpendExceeded  = "WEEKLY_SPEND_EXCEEDED"
	CodeMonthlySpendExceeded = "MONTHLY_SPEND_EXCEEDED"
	CodeTotalSpendExceeded   = "TOTAL_SPEND_EXCEEDED"
	CodeUsageCountExceeded   = "USAGE_COUNT_EXCEEDED"
	CodeCurrencyNotAllowed   = "CURRENCY_NOT_ALLOWED"
	CodeMerchantBlocked      = "MERCHANT_BLOCKED"
	CodeMerchantNotAllowed   = "MERCHANT_NOT_ALLOWED"
	CodeCategoryBlocked      = "CATEGORY_BLOCKED"
	CodeCategoryNotAllowed   = "CATEGORY_NOT_ALLOWED"
	CodeNotYetValid          = "NOT_YET_VALID"
	CodeExpired              = "EXPIRED"
	CodeOutsideDays          = "OUTSIDE_ALLOWED_DAYS"
	CodeOutsideHours         = "OUTSIDE_ALLOWED_HOURS"
	CodeReasonRequired       = "REASON_REQUIRED"

	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeTokenRevoked   = "TOKEN_REVOKED"
	CodeChainBroken    = "CHAIN_BROKEN"
	CodeDepthExceeded  = "DEPTH_EXCEEDED"
	CodeWrongRecipient = "WRONG_RECIPIENT"
	CodeBadSignature   = "BAD_SIGNATURE"
	CodeEmptyChain     = "EMPTY_CHAIN"
)

// Token is the stored record of an issued delegation.
type Token struct {
	ID           string       `json:"id"`
	OrgID        string       `json:"organizationId"`
	IssuerDID    string       `json:"issuerDid"`
	RecipientDID string       `json:"recipientDid"`
	ParentID     string       `json:"parentTokenId,omitempty"`
	Depth        int          `json:"depth"`
	Constraints  *Constraints `json:"constraints,omitempty"`
	IssuedAt     time.Time    `json:"issuedAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`

	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	RevocationReason string     `json:"revocationReason,omitempty"`

	// ChainHash binds this token to its parent's signed form.
	ChainHash   string `json:"chainHash,omitempty"`
	TokenHash   string `json:"tokenHash"`
	SignedToken string `json:"signedToken"`
	KeyID       string `json:"keyId"`
}

// ChainResult is the outcome of verifying a full delegation chain.
type ChainResult struct {
	OK                   bool         `json:"ok"`
	RootIssuer           string       `json:"rootIssuer,omitempty"`
	Depth                int          `json:"depth"`
	EffectiveConstraints *Constraints `json:"effectiveConstraints,omitempty"`
	ReasonCodes          []string     `json:"reasonCodes,omitempty"`
}
