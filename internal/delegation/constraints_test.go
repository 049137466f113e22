package delegation

import (
	"testing"
	"time"
)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }
func bp(v bool) *bool       { return &v }

func TestMergeNumericCaps(t *testing.T) {
	parent := &Constraints{MaxAmount: fp(500), MaxDailySpend: fp(1000)}
	child := &Constraints{MaxAmount: fp(100), MaxMonthlySpend: fp(2000)}

	got := Merge(parent, child)
	if got.MaxAmount == nil || *got.MaxAmount != 100 {
		t.Errorf("MaxAmount = %v, want 100", got.MaxAmount)
	}
	if got.MaxDailySpend == nil || *got.MaxDailySpend != 1000 {
		t.Errorf("MaxDailySpend = %v, want 1000", got.MaxDailySpend)
	}
	if got.MaxMonthlySpend == nil || *got.MaxMonthlySpend != 2000 {
		t.Errorf("MaxMonthlySpend = %v, want 2000", got.MaxMonthlySpend)
	}
}

func TestMergeSets(t *testing.T) {
	parent := &Constraints{
		AllowedMerchants: []string{"acme", "globex", "initech"},
		BlockedMerchants: []string{"evilcorp"},
	}
	child := &Constraints{
		AllowedMerchants: []string{"globex", "initech", "hooli"},
		BlockedMerchants: []string{"wonka"},
	}

	got := Merge(parent, child)
	if len(got.AllowedMerchants) != 2 {
		t.Fatalf("AllowedMerchants = %v, want intersection of 2", got.AllowedMerchants)
	}
	if len(got.BlockedMerchants) != 2 {
		t.Fatalf("BlockedMerchants = %v, want union of 2", got.BlockedMerchants)
	}
}

func TestMergeAllowSetWithNilSide(t *testing.T) {
	parent := &Constraints{AllowedCurrencies: []string{"USD", "EUR"}}
	child := &Constraints{}

	got := Merge(parent, child)
	if len(got.AllowedCurrencies) != 2 {
		t.Errorf("nil child side must not widen: got %v", got.AllowedCurrencies)
	}
}

func TestMergeBooleansAndSemantic(t *testing.T) {
	parent := &Constraints{CanSubDelegate: bp(true), SemanticConstraint: "only office supplies"}
	child := &Constraints{CanSubDelegate: bp(false), SemanticConstraint: "under review budget"}

	got := Merge(parent, child)
	if got.CanSubDelegate == nil || *got.CanSubDelegate {
		t.Error("CanSubDelegate must AND to false")
	}
	if got.SemanticConstraint != "only office supplies AND under review budget" {
		t.Errorf("SemanticConstraint = %q", got.SemanticConstraint)
	}
}

func TestMergeTemporal(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	parent := &Constraints{ValidFrom: &early, ValidUntil: &late}
	child := &Constraints{ValidFrom: &late}

	got := Merge(parent, child)
	if !got.ValidFrom.Equal(late) {
		t.Errorf("ValidFrom = %v, want max %v", got.ValidFrom, late)
	}
	if !got.ValidUntil.Equal(late) {
		t.Errorf("ValidUntil = %v, want min %v", got.ValidUntil, late)
	}
}

func TestMergeNilSides(t *testing.T) {
	c := &Constraints{MaxAmount: fp(50)}
	if got := Merge(nil, c); got == nil || *got.MaxAmount != 50 {
		t.Error("Merge(nil, c) must copy c")
	}
	if got := Merge(c, nil); got == nil || *got.MaxAmount != 50 {
		t.Error("Merge(c, nil) must copy c")
	}
	if Merge(nil, nil) != nil {
		t.Error("Merge(nil, nil) must be nil")
	}
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	parent := &Constraints{MaxAmount: fp(500)}
	child := &Constraints{MaxAmount: fp(100)}
	got := Merge(parent, child)
	*got.MaxAmount = 1
	if *child.MaxAmount != 100 {
		t.Error("merge result aliases child pointer")
	}
}

func TestRefinementViolations(t *testing.T) {
	tests := []struct {
		name   string
		parent *Constraints
		child  *Constraints
		wantOK bool
	}{
		{"tighter amount", &Constraints{MaxAmount: fp(500)}, &Constraints{MaxAmount: fp(100)}, true},
		{"looser amount", &Constraints{MaxAmount: fp(100)}, &Constraints{MaxAmount: fp(500)}, false},
		{"dropped amount cap", &Constraints{MaxAmount: fp(100)}, &Constraints{}, false},
		{"subset merchants", &Constraints{AllowedMerchants: []string{"a", "b"}}, &Constraints{AllowedMerchants: []string{"a"}}, true},
		{"new merchant", &Constraints{AllowedMerchants: []string{"a"}}, &Constraints{AllowedMerchants: []string{"a", "c"}}, false},
		{"dropped blocklist entry", &Constraints{BlockedMerchants: []string{"x"}}, &Constraints{BlockedMerchants: []string{}}, false},
		{"kept blocklist", &Constraints{BlockedMerchants: []string{"x"}}, &Constraints{BlockedMerchants: []string{"x", "y"}}, true},
		{"re-enabled subdelegation", &Constraints{CanSubDelegate: bp(false)}, &Constraints{CanSubDelegate: bp(true)}, false},
		{"unconstrained parent", &Constraints{}, &Constraints{MaxAmount: fp(9999)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := RefinementViolations(tt.parent, tt.child)
			if (len(v) == 0) != tt.wantOK {
				t.Errorf("violations = %v, wantOK %v", v, tt.wantOK)
			}
		})
	}
}

func TestEvaluateReasonCodes(t *testing.T) {
	now := time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC) // a Wednesday

	tests := []struct {
		name string
		c    *Constraints
		rc   CheckContext
		want []string
	}{
		{
			"amount over cap",
			&Constraints{MaxAmount: fp(200)},
			CheckContext{Amount: 1000, Now: now},
			[]string{CodeAmountExceedsCap},
		},
		{
			"within cap",
			&Constraints{MaxAmount: fp(200)},
			CheckContext{Amount: 150, Now: now},
			nil,
		},
		{
			"daily spend accumulates",
			&Constraints{MaxDailySpend: fp(500)},
			CheckContext{Amount: 100, SpendToday: 450, Now: now},
			[]string{CodeDailySpendExceeded},
		},
		{
			"blocked merchant wins over allowlist",
			&Constraints{AllowedMerchants: []string{"acme"}, BlockedMerchants: []string{"acme"}},
			CheckContext{MerchantID: "acme", Now: now},
			[]string{CodeMerchantBlocked},
		},
		{
			"currency not allowed",
			&Constraints{AllowedCurrencies: []string{"USD"}},
			CheckContext{Currency: "EUR", Now: now},
			[]string{CodeCurrencyNotAllowed},
		},
		{
			"outside hours",
			&Constraints{AllowedHoursStart: ip(9), AllowedHoursEnd: ip(12)},
			CheckContext{Now: now},
			[]string{CodeOutsideHours},
		},
		{
			"overnight window",
			&Constraints{AllowedHoursStart: ip(22), AllowedHoursEnd: ip(6)},
			CheckContext{Now: now.Add(9 * time.Hour)}, // 23:00
			nil,
		},
		{
			"outside days",
			&Constraints{AllowedDays: []string{"saturday", "sunday"}},
			CheckContext{Now: now},
			[]string{CodeOutsideDays},
		},
		{
			"reason required",
			&Constraints{RequireReason: bp(true)},
			CheckContext{Now: now},
			[]string{CodeReasonRequired},
		},
		{
			"usage count exhausted",
			&Constraints{MaxUsageCount: ip(3)},
			CheckContext{UsageCount: 3, Now: now},
			[]string{CodeUsageCountExceeded},
		},
		{
			"multiple violations all reported",
			&Constraints{MaxAmount: fp(10), AllowedCurrencies: []string{"USD"}},
			CheckContext{Amount: 50, Currency: "GBP", Now: now},
			[]string{CodeAmountExceedsCap, CodeCurrencyNotAllowed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.c.Evaluate(tt.rc)
			if len(got) != len(tt.want) {
				t.Fatalf("codes = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("codes[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEvaluateNilConstraints(t *testing.T) {
	var c *Constraints
	if codes := c.Evaluate(CheckContext{Amount: 1e9, Now: time.Now()}); codes != nil {
		t.Errorf("nil constraints must allow everything, got %v", codes)
	}
}
