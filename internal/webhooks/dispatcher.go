package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mbd888/lendbridge/internal/escrow"
	"github.com/mbd888/lendbridge/internal/lending"
)

// HandlerFunc applies one event. It runs inside the transaction that
// records the delivery's outcome, so every write it makes through ctx
// commits or rolls back with that outcome.
type HandlerFunc func(ctx context.Context, ev *WebhookEvent, p Payload) error

// Dispatcher routes normalized event types to handlers.
type Dispatcher struct {
	handlers map[EventType]HandlerFunc
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with no routes.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handlers: make(map[EventType]HandlerFunc), logger: logger}
}

// Handle routes t to fn, replacing any earlier route.
func (d *Dispatcher) Handle(t EventType, fn HandlerFunc) {
	d.handlers[t] = fn
}

// Types lists the routed event types.
func (d *Dispatcher) Types() []EventType {
	out := make([]EventType, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs the handler for ev.EventType. Unknown types return
// ErrUnsupportedEventType.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *WebhookEvent, p Payload) error {
	fn, ok := d.handlers[ev.EventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEventType, ev.EventType)
	}
	return fn(ctx, ev, p)
}

// EscrowApplier records settlements the ledger reports.
type EscrowApplier interface {
	ApplyChainOutcome(ctx context.Context, contractAddress string, target escrow.Status, txHash string) (*escrow.Escrow, escrow.Decision, error)
}

// LoanLedger is the lending side mutated by provider events.
type LoanLedger interface {
	ApplyCreditStatus(ctx context.Context, proposalID, status string) (*lending.Loan, error)
	MarkContractSigned(ctx context.Context, proposalID, contractID, escrowID string) (*lending.Loan, error)
	RecordPayment(ctx context.Context, p lending.Payment) (*lending.Loan, error)
	MarkRepaid(ctx context.Context, proposalID string) (*lending.Loan, error)
}

// RegisterDefaults routes the six supported event types.
func (d *Dispatcher) RegisterDefaults(escrows EscrowApplier, loans LoanLedger) {
	d.Handle(EventCreditStatusChanged, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		_, err := loans.ApplyCreditStatus(ctx, p.String("proposalId"), p.String("status"))
		return err
	})

	d.Handle(EventContractSigned, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		_, err := loans.MarkContractSigned(ctx, p.String("proposalId"), p.String("contractId"), p.String("escrowId"))
		return err
	})

	d.Handle(EventPaymentReceived, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		amount, err := p.Int64("amount")
		if err != nil {
			return err
		}
		_, err = loans.RecordPayment(ctx, lending.Payment{
			ID:         p.String("paymentId"),
			ProposalID: p.String("proposalId"),
			Amount:     amount,
			ReceivedAt: ev.ReceivedAt,
		})
		return err
	})

	d.Handle(EventLoanRepaid, func(ctx context.Context, ev *WebhookEvent, p Payload) error {
		_, err := loans.MarkRepaid(ctx, p.String("proposalId"))
		return err
	})

	chainOutcome := func(target escrow.Status) HandlerFunc {
		return func(ctx context.Context, ev *WebhookEvent, p Payload) error {
			contract := p.String("contractAddress")
			if contract == "" {
				return fmt.Errorf("%w: contractAddress is required", ErrInvalidPayload)
			}
			e, decision, err := escrows.ApplyChainOutcome(ctx, contract, target, p.String("txHash"))
			if err != nil {
				return err
			}
			d.logger.Info("ledger outcome applied",
				"escrowId", e.ID, "status", target, "decision", decision.String(), "webhookId", ev.ID)
			return nil
		}
	}
	d.Handle(EventEscrowFundsReleased, chainOutcome(escrow.StatusReleased))
	d.Handle(EventEscrowFundsRefunded, chainOutcome(escrow.StatusRefunded))
}
