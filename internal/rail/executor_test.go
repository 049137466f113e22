package rail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guthwine/guthwine/internal/authz"
	"github.com/guthwine/guthwine/internal/keystore"
	"github.com/guthwine/guthwine/internal/mandate"
)

func testExecutor(t *testing.T, r Rail) (*Executor, *mandate.Issuer, *authz.MemoryTxnStore) {
	t.Helper()
	keys, err := keystore.NewLocal("test-master-secret-0123456789", "test-salt", nil)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	keyID, err := keys.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	issuer := mandate.NewIssuer(keys, keyID, "guthwine", mandate.NewMemoryNonceStore(), nil)
	txns := authz.NewMemoryTxnStore()
	return NewExecutor(r, issuer, txns, nil, nil, nil), issuer, txns
}

func approvedTxn(t *testing.T, ctx context.Context, issuer *mandate.Issuer, txns *authz.MemoryTxnStore) (*authz.TransactionRecord, string) {
	t.Helper()
	m, err := issuer.Issue(ctx, mandate.IssueRequest{
		AgentDID:    "did:guthwine:agent1",
		OrgID:       "org_test",
		Permissions: []string{"transaction.execute"},
	})
	if err != nil {
		t.Fatalf("issue mandate: %v", err)
	}
	txn := &authz.TransactionRecord{
		ID:        "txn_exec_test",
		OrgID:     "org_test",
		AgentDID:  "did:guthwine:agent1",
		Amount:    49.99,
		Currency:  "USD",
		Status:    authz.TxnApproved,
		Decision:  authz.DecisionAllow,
		MandateID: m.Claims.ID,
		CreatedAt: time.Now(),
	}
	if err := txns.Create(ctx, txn); err != nil {
		t.Fatalf("create txn: %v", err)
	}
	return txn, m.Token
}

func TestExecuteSettlesApprovedTransaction(t *testing.T) {
	ctx := context.Background()
	static := &StaticRail{}
	exec, issuer, txns := testExecutor(t, static)
	txn, token := approvedTxn(t, ctx, issuer, txns)

	receipt, err := exec.Execute(ctx, txn.ID, token)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Reference == "" {
		t.Error("empty receipt reference")
	}

	got, _ := txns.Get(ctx, txn.ID)
	if got.Status != authz.TxnExecuted {
		t.Errorf("status = %s, want EXECUTED", got.Status)
	}
	charges := static.Charges()
	if len(charges) != 1 || charges[0].Amount != 49.99 {
		t.Errorf("charges = %+v, want one of 49.99", charges)
	}
}

func TestExecuteRejectsSecondSettlement(t *testing.T) {
	ctx := context.Background()
	exec, issuer, txns := testExecutor(t, &StaticRail{})
	txn, token := approvedTxn(t, ctx, issuer, txns)

	if _, err := exec.Execute(ctx, txn.ID, token); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := exec.Execute(ctx, txn.ID, token); !errors.Is(err, ErrNotApproved) {
		t.Errorf("second execute err = %v, want ErrNotApproved", err)
	}
}

func TestExecuteRejectsForeignMandate(t *testing.T) {
	ctx := context.Background()
	exec, issuer, txns := testExecutor(t, &StaticRail{})
	txn, _ := approvedTxn(t, ctx, issuer, txns)

	other, err := issuer.Issue(ctx, mandate.IssueRequest{
		AgentDID: "did:guthwine:agent1",
		OrgID:    "org_test",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := exec.Execute(ctx, txn.ID, other.Token); !errors.Is(err, ErrMandateMismatch) {
		t.Errorf("err = %v, want ErrMandateMismatch", err)
	}
}

func TestExecuteMarksFailedOnRailError(t *testing.T) {
	ctx := context.Background()
	static := &StaticRail{Fail: ErrDeclined}
	exec, issuer, txns := testExecutor(t, static)
	txn, token := approvedTxn(t, ctx, issuer, txns)

	if _, err := exec.Execute(ctx, txn.ID, token); !errors.Is(err, ErrDeclined) {
		t.Fatalf("err = %v, want ErrDeclined", err)
	}
	got, _ := txns.Get(ctx, txn.ID)
	if got.Status != authz.TxnFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount   float64
		currency string
		want     int64
	}{
		{12.34, "USD", 1234},
		{12.34, "usd", 1234},
		{100, "JPY", 100},
		{0.1, "EUR", 10},
		{19.999, "USD", 2000},
	}
	for _, tt := range tests {
		if got := minorUnits(tt.amount, tt.currency); got != tt.want {
			t.Errorf("minorUnits(%v, %s) = %d, want %d", tt.amount, tt.currency, got, tt.want)
		}
	}
}
