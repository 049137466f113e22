package policy

// Templates for the common constraint-style policies. Template names
// double as the machine-readable reason code surfaced on a deny.

// AmountCap denies transactions above the cap.
func AmountCap(orgID string, max float64) *Policy {
	return &Policy{
		OrgID:    orgID,
		Name:     "AMOUNT_EXCEEDS_CAP",
		Priority: 100,
		Action:   ActionDeny,
		Rule:     map[string]any{">": []any{map[string]any{"var": "amount"}, max}},
	}
}

// AllowedCurrencies denies transactions in any other currency.
func AllowedCurrencies(orgID string, currencies []string) *Policy {
	list := make([]any, len(currencies))
	for i, c := range currencies {
		list[i] = c
	}
	return &Policy{
		OrgID:    orgID,
		Name:     "CURRENCY_NOT_ALLOWED",
		Priority: 100,
		Action:   ActionDeny,
		Rule:     map[string]any{"!in": []any{map[string]any{"var": "currency"}, list}},
	}
}

// BlockedMerchants denies transactions at the listed merchants.
func BlockedMerchants(orgID string, merchants []string) *Policy {
	list := make([]any, len(merchants))
	for i, m := range merchants {
		list[i] = m
	}
	return &Policy{
		OrgID:    orgID,
		Name:     "MERCHANT_BLOCKED",
		Priority: 110,
		Action:   ActionDeny,
		Rule:     map[string]any{"in": []any{map[string]any{"var": "merchant.id"}, list}},
	}
}

// BusinessHoursOnly denies transactions outside business hours as
// computed in the temporal section of the context document.
func BusinessHoursOnly(orgID string) *Policy {
	return &Policy{
		OrgID:    orgID,
		Name:     "OUTSIDE_BUSINESS_HOURS",
		Priority: 50,
		Action:   ActionDeny,
		Rule:     map[string]any{"!": []any{map[string]any{"var": "temporal.isBusinessHours"}}},
	}
}

// FlagLargeAmounts marks high-value transactions for review without
// denying them.
func FlagLargeAmounts(orgID string, threshold float64) *Policy {
	return &Policy{
		OrgID:    orgID,
		Name:     "LARGE_AMOUNT_FLAG",
		Priority: 10,
		Action:   ActionFlag,
		Rule:     map[string]any{">=": []any{map[string]any{"var": "amount"}, threshold}},
	}
}
