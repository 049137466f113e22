package rail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guthwine/guthwine/internal/authz"
	"github.com/guthwine/guthwine/internal/events"
	"github.com/guthwine/guthwine/internal/mandate"
)

// Auditor appends to the audit ledger. Matches audit.Ledger.Record.
type Auditor interface {
	Record(ctx context.Context, orgID, actorType, actorID, action string, payload map[string]any) error
}

// Executor settles an approved transaction: it verifies and consumes
// the mandate, runs the charge on the rail, and advances the
// transaction record to EXECUTED or FAILED.
type Executor struct {
	rail    Rail
	issuer  *mandate.Issuer
	txns    authz.TxnStore
	auditor Auditor
	bus     events.Bus
	logger  *slog.Logger
}

// NewExecutor wires the execution path.
func NewExecutor(r Rail, issuer *mandate.Issuer, txns authz.TxnStore, auditor Auditor, bus events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{rail: r, issuer: issuer, txns: txns, auditor: auditor, bus: bus, logger: logger}
}

// Execute settles one transaction. The mandate token is consumed here:
// a second call with the same token fails nonce verification before
// any money moves.
func (e *Executor) Execute(ctx context.Context, txnID, mandateToken string) (*Receipt, error) {
	txn, err := e.txns.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != authz.TxnApproved {
		return nil, fmt.Errorf("%w: %s", ErrNotApproved, txn.Status)
	}

	claims, err := e.issuer.Verify(ctx, mandateToken)
	if err != nil {
		return nil, fmt.Errorf("rail: mandate verification: %w", err)
	}
	if claims.ID != txn.MandateID || claims.Subject != txn.AgentDID {
		return nil, ErrMandateMismatch
	}

	receipt, err := e.rail.Execute(ctx, &Charge{
		TransactionID: txn.ID,
		OrgID:         txn.OrgID,
		AgentDID:      txn.AgentDID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		MerchantID:    txn.MerchantID,
		Description:   txn.Reasoning,
	})
	if err != nil {
		if uerr := e.txns.UpdateStatus(ctx, txn.ID, authz.TxnFailed); uerr != nil {
			e.logger.Error("failed to mark transaction FAILED", "txn", txn.ID, "error", uerr)
		}
		e.audit(ctx, txn, "transaction.execution_failed", map[string]any{
			"rail": e.rail.Name(), "error": err.Error(),
		})
		return nil, err
	}

	if err := e.txns.UpdateStatus(ctx, txn.ID, authz.TxnExecuted); err != nil {
		return nil, fmt.Errorf("rail: update transaction: %w", err)
	}
	e.audit(ctx, txn, "transaction.executed", map[string]any{
		"rail": e.rail.Name(), "reference": receipt.Reference, "amount": txn.Amount,
	})
	if e.bus != nil {
		evt := events.NewEvent("transaction.executed", txn.OrgID, txn.AgentDID, map[string]any{
			"transaction_id": txn.ID, "reference": receipt.Reference,
		})
		if err := e.bus.Publish(ctx, events.ChannelTransaction, evt); err != nil {
			e.logger.Warn("execution event publish failed", "error", err)
		}
	}
	return receipt, nil
}

func (e *Executor) audit(ctx context.Context, txn *authz.TransactionRecord, action string, payload map[string]any) {
	if e.auditor == nil {
		return
	}
	payload["transaction_id"] = txn.ID
	if err := e.auditor.Record(ctx, txn.OrgID, "agent", txn.AgentDID, action, payload); err != nil {
		e.logger.Error("execution audit append failed", "txn", txn.ID, "error", err)
	}
}
