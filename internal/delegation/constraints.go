package delegation

import (
	"strings"
	"time"
)

// Constraints bound what a delegated agent may do. A nil field means
// unconstrained. Carried by delegation tokens and merged down chains.
type Constraints struct {
	// Numeric caps
	MaxAmount          *float64 `json:"maxAmount,omitempty"`
	MaxDailySpend      *float64 `json:"maxDailySpend,omitempty"`
	MaxWeeklySpend     *float64 `json:"maxWeeklySpend,omitempty"`
	MaxMonthlySpend    *float64 `json:"maxMonthlySpend,omitempty"`
	MaxTotalSpend      *float64 `json:"maxTotalSpend,omitempty"`
	MaxUsageCount      *int     `json:"maxUsageCount,omitempty"`
	MaxDelegationDepth *int     `json:"maxDelegationDepth,omitempty"`

	// Set caps
	AllowedMerchants  []string `json:"allowedMerchants,omitempty"`
	BlockedMerchants  []string `json:"blockedMerchants,omitempty"`
	AllowedCategories []string `json:"allowedCategories,omitempty"`
	BlockedCategories []string `json:"blockedCategories,omitempty"`
	AllowedCurrencies []string `json:"allowedCurrencies,omitempty"`
	AllowedDays       []string `json:"allowedDays,omitempty"` // lowercase weekday names
	AllowedHoursStart *int     `json:"allowedHoursStart,omitempty"`
	AllowedHoursEnd   *int     `json:"allowedHoursEnd,omitempty"`
	Timezone          string   `json:"timezone,omitempty"`

	// Temporal
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`

	// Booleans
	CanSubDelegate *bool `json:"canSubDelegate,omitempty"`
	RequireReason  *bool `json:"requireReason,omitempty"`

	// Free-form
	SemanticConstraint string         `json:"semanticConstraint,omitempty"`
	Custom             map[string]any `json:"custom,omitempty"`
}

// Merge combines parent and child constraints into the effective set.
// The semantics are total and deterministic: numeric upper bounds take
// the min, time lower bounds the max, allow-sets intersect, block-sets
// union, booleans AND, semantic clauses concatenate.
func Merge(parent, child *Constraints) *Constraints {
	if parent == nil && child == nil {
		return nil
	}
	if parent == nil {
		cp := *child
		return &cp
	}
	if child == nil {
		cp := *parent
		return &cp
	}

	out := &Constraints{
		MaxAmount:          minFloat(parent.MaxAmount, child.MaxAmount),
		MaxDailySpend:      minFloat(parent.MaxDailySpend, child.MaxDailySpend),
		MaxWeeklySpend:     minFloat(parent.MaxWeeklySpend, child.MaxWeeklySpend),
		MaxMonthlySpend:    minFloat(parent.MaxMonthlySpend, child.MaxMonthlySpend),
		MaxTotalSpend:      minFloat(parent.MaxTotalSpend, child.MaxTotalSpend),
		MaxUsageCount:      minInt(parent.MaxUsageCount, child.MaxUsageCount),
		MaxDelegationDepth: minInt(parent.MaxDelegationDepth, child.MaxDelegationDepth),

		AllowedMerchants:  intersect(parent.AllowedMerchants, child.AllowedMerchants),
		BlockedMerchants:  union(parent.BlockedMerchants, child.BlockedMerchants),
		AllowedCategories: intersect(parent.AllowedCategories, child.AllowedCategories),
		BlockedCategories: union(parent.BlockedCategories, child.BlockedCategories),
		AllowedCurrencies: intersect(parent.AllowedCurrencies, child.AllowedCurrencies),
		AllowedDays:       intersect(parent.AllowedDays, child.AllowedDays),

		AllowedHoursStart: maxInt(parent.AllowedHoursStart, child.AllowedHoursStart),
		AllowedHoursEnd:   minInt(parent.AllowedHoursEnd, child.AllowedHoursEnd),

		ValidFrom:  maxTime(parent.ValidFrom, child.ValidFrom),
		ValidUntil: minTime(parent.ValidUntil, child.ValidUntil),

		CanSubDelegate: andBool(parent.CanSubDelegate, child.CanSubDelegate),
		RequireReason:  andBool(parent.RequireReason, child.RequireReason),
	}

	// Timezone: child overrides.
	out.Timezone = parent.Timezone
	if child.Timezone != "" {
		out.Timezone = child.Timezone
	}

	// Semantic clauses concatenate, order preserved.
	switch {
	case parent.SemanticConstraint != "" && child.SemanticConstraint != "":
		out.SemanticConstraint = parent.SemanticConstraint + " AND " + child.SemanticConstraint
	case parent.SemanticConstraint != "":
		out.SemanticConstraint = parent.SemanticConstraint
	default:
		out.SemanticConstraint = child.SemanticConstraint
	}

	// Custom: shallow merge, child keys override.
	if len(parent.Custom) > 0 || len(child.Custom) > 0 {
		out.Custom = make(map[string]any, len(parent.Custom)+len(child.Custom))
		for k, v := range parent.Custom {
			out.Custom[k] = v
		}
		for k, v := range child.Custom {
			out.Custom[k] = v
		}
	}

	return out
}

// RefinementViolations returns why child is NOT a refinement of parent.
// Minting rejects any loosening: higher caps, broader allow-sets,
// narrower block-sets, later expiry, re-enabling sub-delegation.
func RefinementViolations(parent, child *Constraints) []string {
	if parent == nil || child == nil {
		return nil
	}
	var v []string

	checkMax := func(name string, p, c *float64) {
		if p != nil && (c == nil || *c > *p) {
			v = append(v, name+" looser than parent")
		}
	}
	checkMax("maxAmount", parent.MaxAmount, child.MaxAmount)
	checkMax("maxDailySpend", parent.MaxDailySpend, child.MaxDailySpend)
	checkMax("maxWeeklySpend", parent.MaxWeeklySpend, child.MaxWeeklySpend)
	checkMax("maxMonthlySpend", parent.MaxMonthlySpend, child.MaxMonthlySpend)
	checkMax("maxTotalSpend", parent.MaxTotalSpend, child.MaxTotalSpend)

	if parent.MaxUsageCount != nil && (child.MaxUsageCount == nil || *child.MaxUsageCount > *parent.MaxUsageCount) {
		v = append(v, "maxUsageCount looser than parent")
	}
	if parent.MaxDelegationDepth != nil && (child.MaxDelegationDepth == nil || *child.MaxDelegationDepth > *parent.MaxDelegationDepth) {
		v = append(v, "maxDelegationDepth looser than parent")
	}

	checkAllow := func(name string, p, c []string) {
		if p == nil {
			return
		}
		if c == nil {
			v = append(v, name+" broader than parent")
			return
		}
		for _, item := range c {
			if !containsFold(p, item) {
				v = append(v, name+" includes "+item+" not allowed by parent")
			}
		}
	}
	checkAllow("allowedMerchants", parent.AllowedMerchants, child.AllowedMerchants)
	checkAllow("allowedCategories", parent.AllowedCategories, child.AllowedCategories)
	checkAllow("allowedCurrencies", parent.AllowedCurrencies, child.AllowedCurrencies)
	checkAllow("allowedDays", parent.AllowedDays, child.AllowedDays)

	checkBlock := func(name string, p, c []string) {
		for _, item := range p {
			if !containsFold(c, item) {
				v = append(v, name+" drops "+item+" blocked by parent")
			}
		}
	}
	checkBlock("blockedMerchants", parent.BlockedMerchants, child.BlockedMerchants)
	checkBlock("blockedCategories", parent.BlockedCategories, child.BlockedCategories)

	if parent.ValidUntil != nil && (child.ValidUntil == nil || child.ValidUntil.After(*parent.ValidUntil)) {
		v = append(v, "validUntil later than parent")
	}
	if parent.CanSubDelegate != nil && !*parent.CanSubDelegate &&
		child.CanSubDelegate != nil && *child.CanSubDelegate {
		v = append(v, "canSubDelegate re-enabled against parent")
	}

	return v
}

// CheckContext carries the request-time facts constraints are checked
// against. Spend aggregates are rolling sums over the approved
// transaction history.
type CheckContext struct {
	Amount     float64
	Currency   string
	MerchantID string
	Category   string
	Reason     string
	Now        time.Time
	SpendToday float64
	SpendWeek  float64
	SpendMonth float64
	SpendTotal float64
	UsageCount int
}

// Evaluate checks all applicable caps against a request and returns
// machine-readable reason codes for every violation.
func (c *Constraints) Evaluate(rc CheckContext) []string {
	if c == nil {
		return nil
	}
	var codes []string

	if c.MaxAmount != nil && rc.Amount > *c.MaxAmount {
		codes = append(codes, CodeAmountExceedsCap)
	}
	if c.MaxDailySpend != nil && rc.SpendToday+rc.Amount > *c.MaxDailySpend {
		codes = append(codes, CodeDailySpendExceeded)
	}
	if c.MaxWeeklySpend != nil && rc.SpendWeek+rc.Amount > *c.MaxWeeklySpend {
		codes = append(codes, CodeWeeklySpendExceeded)
	}
	if c.MaxMonthlySpend != nil && rc.SpendMonth+rc.Amount > *c.MaxMonthlySpend {
		codes = append(codes, CodeMonthlySpendExceeded)
	}
	if c.MaxTotalSpend != nil && rc.SpendTotal+rc.Amount > *c.MaxTotalSpend {
		codes = append(codes, CodeTotalSpendExceeded)
	}
	if c.MaxUsageCount != nil && rc.UsageCount >= *c.MaxUsageCount {
		codes = append(codes, CodeUsageCountExceeded)
	}

	if c.AllowedCurrencies != nil && !containsFold(c.AllowedCurrencies, rc.Currency) {
		codes = append(codes, CodeCurrencyNotAllowed)
	}
	if containsFold(c.BlockedMerchants, rc.MerchantID) {
		codes = append(codes, CodeMerchantBlocked)
	}
	if c.AllowedMerchants != nil && !containsFold(c.AllowedMerchants, rc.MerchantID) {
		codes = append(codes, CodeMerchantNotAllowed)
	}
	if rc.Category != "" && containsFold(c.BlockedCategories, rc.Category) {
		codes = append(codes, CodeCategoryBlocked)
	}
	if c.AllowedCategories != nil && rc.Category != "" && !containsFold(c.AllowedCategories, rc.Category) {
		codes = append(codes, CodeCategoryNotAllowed)
	}

	if c.ValidFrom != nil && rc.Now.Before(*c.ValidFrom) {
		codes = append(codes, CodeNotYetValid)
	}
	if c.ValidUntil != nil && rc.Now.After(*c.ValidUntil) {
		codes = append(codes, CodeExpired)
	}

	local := rc.Now
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			local = rc.Now.In(loc)
		}
	}
	if len(c.AllowedDays) > 0 && !containsFold(c.AllowedDays, strings.ToLower(local.Weekday().String())) {
		codes = append(codes, CodeOutsideDays)
	}
	if c.AllowedHoursStart != nil || c.AllowedHoursEnd != nil {
		hour := local.Hour()
		start, end := 0, 24
		if c.AllowedHoursStart != nil {
			start = *c.AllowedHoursStart
		}
		if c.AllowedHoursEnd != nil {
			end = *c.AllowedHoursEnd
		}
		inWindow := hour >= start && hour < end
		if start > end { // overnight window
			inWindow = hour >= start || hour < end
		}
		if !inWindow {
			codes = append(codes, CodeOutsideHours)
		}
	}

	if c.RequireReason != nil && *c.RequireReason && strings.TrimSpace(rc.Reason) == "" {
		codes = append(codes, CodeReasonRequired)
	}

	return codes
}

// --- merge helpers (null means unconstrained) ---

func minFloat(a, b *float64) *float64 {
	if a == nil {
		return copyFloat(b)
	}
	if b == nil || *a <= *b {
		return copyFloat(a)
	}
	return copyFloat(b)
}

func minInt(a, b *int) *int {
	if a == nil {
		return copyInt(b)
	}
	if b == nil || *a <= *b {
		return copyInt(a)
	}
	return copyInt(b)
}

func maxInt(a, b *int) *int {
	if a == nil {
		return copyInt(b)
	}
	if b == nil || *a >= *b {
		return copyInt(a)
	}
	return copyInt(b)
}

func minTime(a, b *time.Time) *time.Time {
	if a == nil {
		return copyTime(b)
	}
	if b == nil || a.Before(*b) {
		return copyTime(a)
	}
	return copyTime(b)
}

func maxTime(a, b *time.Time) *time.Time {
	if a == nil {
		return copyTime(b)
	}
	if b == nil || a.After(*b) {
		return copyTime(a)
	}
	return copyTime(b)
}

func andBool(a, b *bool) *bool {
	if a == nil {
		return copyBool(b)
	}
	if b == nil {
		return copyBool(a)
	}
	v := *a && *b
	return &v
}

// intersect returns the intersection when either side is set; nil only
// when both sides are unconstrained.
func intersect(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		return append([]string(nil), b...)
	}
	if b == nil {
		return append([]string(nil), a...)
	}
	out := []string{}
	for _, item := range a {
		if containsFold(b, item) {
			out = append(out, item)
		}
	}
	return out
}

func union(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	out := append([]string(nil), a...)
	for _, item := range b {
		if !containsFold(out, item) {
			out = append(out, item)
		}
	}
	return out
}

func containsFold(set []string, item string) bool {
	for _, s := range set {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
