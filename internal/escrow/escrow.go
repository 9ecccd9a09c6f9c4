// Package escrow holds borrower/lender/arbitrator escrows whose funds live
// on an external ledger (see package chain).
//
// Flow:
//  1. Create funds a contract on the ledger, then records the escrow as PENDING.
//  2. Release or Refund settle it on the ledger, then record the terminal state.
//  3. Dispute moves a PENDING escrow to DISPUTED; only the arbitrator can
//     Resolve it to RELEASED or REFUNDED.
//  4. Ledger notifications (ApplyChainOutcome) converge local state onto the
//     ledger without calling it.
//
// The database row is the only source of truth. Every transition appends one
// Event and the log replays to the current status.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/lendbridge/internal/chain"
	"github.com/mbd888/lendbridge/internal/idgen"
	"github.com/mbd888/lendbridge/internal/pagination"
	"github.com/mbd888/lendbridge/internal/storage"
	"github.com/mbd888/lendbridge/internal/syncutil"
	"github.com/mbd888/lendbridge/internal/traces"
	"github.com/mbd888/lendbridge/internal/validation"
)

var (
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrEscrowExists           = errors.New("escrow id already used with different parties")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTransitionInProgress   = errors.New("escrow transition already in progress")
	ErrUnauthorized           = errors.New("not authorized for this escrow operation")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending  Status = "PENDING"  // funded, awaiting a decision
	StatusReleased Status = "RELEASED" // paid out, terminal
	StatusRefunded Status = "REFUNDED" // returned, terminal
	StatusDisputed Status = "DISPUTED" // awaiting arbitrator ruling
)

// IsTerminal returns true for RELEASED and REFUNDED.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReleased, StatusRefunded, StatusDisputed:
		return true
	}
	return false
}

// EventType labels an entry in the escrow audit log.
type EventType string

const (
	EventCreated  EventType = "ESCROW_CREATED"
	EventReleased EventType = "ESCROW_RELEASED"
	EventRefunded EventType = "ESCROW_REFUNDED"
	EventDisputed EventType = "ESCROW_DISPUTED"
)

// Escrow is a held balance tied to a borrower/lender/arbitrator triple.
type Escrow struct {
	ID              string     `json:"id"`
	ContractAddress string     `json:"contractAddress"`
	Borrower        string     `json:"borrowerAddress"`
	Lender          string     `json:"lenderAddress"`
	Arbitrator      string     `json:"arbitratorAddress"`
	Amount          int64      `json:"amount"`
	Status          Status     `json:"status"`
	PendingAction   Status     `json:"pendingAction,omitempty"` // target of an in-flight ledger call
	PendingSince    *time.Time `json:"pendingSince,omitempty"`
	DisputeReason   string     `json:"disputeReason,omitempty"`
	DisputedBy      string     `json:"disputedBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool { return e.Status.IsTerminal() }

// Event is one append-only audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	EscrowID  string         `json:"escrowId"`
	Type      EventType      `json:"eventType"`
	Amount    int64          `json:"amount"`
	TxHash    string         `json:"txHash,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists escrows and their event log. Writes made with a ctx from
// storage.Transactor join that transaction.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// GetForUpdate reads the row and holds its lock until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Escrow, error)
	GetByContract(ctx context.Context, contractAddress string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	AppendEvent(ctx context.Context, ev *Event) error
	Events(ctx context.Context, escrowID string) ([]*Event, error)
	ListStuck(ctx context.Context, pendingBefore time.Time, limit int) ([]*Escrow, error)
	// ListByStatus lists newest first, ordered by (created_at, id) descending.
	// A non-nil after starts strictly past that position.
	ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error)
}

// Notifier is told about every committed transition. It must not block.
type Notifier interface {
	EscrowChanged(ctx context.Context, e *Escrow, ev *Event)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	EscrowID   string `json:"escrowId"`
	Borrower   string `json:"borrowerAddress"`
	Lender     string `json:"lenderAddress"`
	Arbitrator string `json:"arbitratorAddress"`
	Amount     int64  `json:"amount"`
}

// Validate checks that all parties and a positive amount are present.
func (r CreateRequest) Validate() error {
	if errs := validation.Validate(
		validation.OptionalID("escrowId", r.EscrowID),
		validation.Identity("borrowerAddress", r.Borrower),
		validation.Identity("lenderAddress", r.Lender),
		validation.Identity("arbitratorAddress", r.Arbitrator),
		validation.PositiveAmount("amount", r.Amount),
	); len(errs) > 0 {
		return errs
	}
	return nil
}

// DisputeRequest raises a dispute on a PENDING escrow.
type DisputeRequest struct {
	RaisedBy string `json:"raisedBy"`
	Reason   string `json:"reason"`
}

// ResolveRequest is the arbitrator's ruling on a DISPUTED escrow.
type ResolveRequest struct {
	Arbitrator string `json:"arbitratorAddress"`
	Outcome    Status `json:"outcome"`
}

// CreateResult is returned by Create.
type CreateResult struct {
	Escrow *Escrow              `json:"escrow"`
	Chain  *chain.DepositResult `json:"chain"`
}

// StatusView is the local row plus an optional live ledger read.
type StatusView struct {
	Escrow     *Escrow                `json:"escrow"`
	Chain      *chain.ContractStatus  `json:"chain,omitempty"`
	ChainError string                 `json:"chainError,omitempty"`
	Warning    *ReconciliationWarning `json:"reconciliationWarning,omitempty"`
}

// DefaultIntentTTL is how long a recorded intent blocks other callers
// before it is considered abandoned.
const DefaultIntentTTL = 2*chain.DefaultCallTimeout + chain.DefaultPollInterval

// Service implements escrow business logic.
type Service struct {
	store     Store
	tx        storage.Transactor
	chain     chain.Gateway
	locks     *syncutil.KeyedMutex // serializes same-escrow callers in this process
	notifier  Notifier
	logger    *slog.Logger
	intentTTL   time.Duration
	callTimeout time.Duration
	now         func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, tx storage.Transactor, gw chain.Gateway) *Service {
	return &Service{
		store:     store,
		tx:        tx,
		chain:     gw,
		locks:     syncutil.NewKeyedMutex(),
		logger:    slog.Default(),
		intentTTL:   DefaultIntentTTL,
		callTimeout: chain.DefaultCallTimeout,
		now:         time.Now,
	}
}

// WithNotifier adds a transition notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithIntentTTL overrides DefaultIntentTTL. IntentTTL never reports less
// than chain.MinIntentTTL of the ledger call timeout.
func (s *Service) WithIntentTTL(d time.Duration) *Service {
	if d > 0 {
		s.intentTTL = d
	}
	return s
}

// WithCallTimeout tells the service how long one ledger call may run. It
// must match the timeout the gateway enforces.
func (s *Service) WithCallTimeout(d time.Duration) *Service {
	if d > 0 {
		s.callTimeout = d
	}
	return s
}

// IntentTTL is how long a recorded intent blocks other callers.
func (s *Service) IntentTTL() time.Duration {
	return max(s.intentTTL, chain.MinIntentTTL(s.callTimeout))
}

// Create funds the escrow on the ledger and records it. Nothing is stored
// unless the deposit succeeds. Repeating a call with the same escrow id and
// parties returns the existing escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.EscrowID == "" {
		req.EscrowID = idgen.WithPrefix("esc_")
	}

	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.EscrowID(req.EscrowID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.Get(ctx, req.EscrowID)
	switch {
	case err == nil:
		if !existing.sameParties(req) {
			return nil, ErrEscrowExists
		}
		return &CreateResult{Escrow: existing, Chain: s.depositOf(ctx, existing)}, nil
	case !errors.Is(err, ErrEscrowNotFound):
		return nil, err
	}

	// The deposit is keyed by escrow id, so a retry after any failure
	// below lands on the same contract.
	dep, err := s.chain.Deposit(ctx, chain.DepositRequest{
		EscrowID:   req.EscrowID,
		Borrower:   req.Borrower,
		Lender:     req.Lender,
		Arbitrator: req.Arbitrator,
		Amount:     req.Amount,
	})
	if err != nil {
		traces.Fail(span, err)
		s.logger.Warn("escrow deposit failed", "escrowId", req.EscrowID, "error", err)
		return nil, err
	}

	now := s.now()
	e := &Escrow{
		ID:              req.EscrowID,
		ContractAddress: dep.ContractAddress,
		Borrower:        req.Borrower,
		Lender:          req.Lender,
		Arbitrator:      req.Arbitrator,
		Amount:          req.Amount,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := &Event{
		EscrowID:  e.ID,
		Type:      EventCreated,
		Amount:    e.Amount,
		TxHash:    dep.TxHash,
		Metadata:  map[string]any{"contractAddress": dep.ContractAddress},
		CreatedAt: now,
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, e); err != nil {
			return fmt.Errorf("create escrow: %w", err)
		}
		if err := s.store.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		s.afterCommit(ctx, e, ev, "")
		return nil
	})
	if errors.Is(err, ErrEscrowExists) {
		// Another instance recorded the same id first.
		return s.createdConcurrently(ctx, req)
	}
	if err != nil {
		traces.Fail(span, err)
		s.logger.Error("CRITICAL: escrow funded on ledger but not recorded; retry create with the same id",
			"escrowId", e.ID, "contract", dep.ContractAddress, "txHash", dep.TxHash, "error", err)
		return nil, err
	}

	s.logger.Info("escrow created", "escrowId", e.ID, "contract", e.ContractAddress, "amount", e.Amount)
	return &CreateResult{Escrow: e, Chain: dep}, nil
}

func (s *Service) createdConcurrently(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	existing, err := s.store.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if !existing.sameParties(req) {
		return nil, ErrEscrowExists
	}
	return &CreateResult{Escrow: existing, Chain: s.depositOf(ctx, existing)}, nil
}

// Get returns an escrow. With withChain it also reads the ledger and
// reports any disagreement as a warning; it never fixes it.
func (s *Service) Get(ctx context.Context, id string, withChain bool) (*StatusView, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Escrow: e}
	if !withChain {
		return view, nil
	}

	st, err := s.chain.Status(ctx, e.ContractAddress)
	if err != nil {
		view.ChainError = err.Error()
		return view, nil
	}
	view.Chain = st
	view.Warning = CheckConsistency(e, st)
	if view.Warning != nil {
		reconciliationWarnings.WithLabelValues(view.Warning.Kind).Inc()
		s.logger.Warn("escrow reconciliation warning",
			"escrowId", e.ID, "local", e.Status, "chain", st.State, "kind", view.Warning.Kind)
	}
	return view, nil
}

// Events returns the escrow's audit log, oldest first.
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// StuckIntents lists escrows whose ledger call was recorded before cutoff
// and never finalized.
func (s *Service) StuckIntents(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	return s.store.ListStuck(ctx, cutoff, limit)
}

// Page is one slice of a status listing. NextCursor resumes after the last
// escrow in Escrows.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// ListByStatus lists escrows in status, newest first. cursor is empty for
// the first page, otherwise the NextCursor of the previous one.
func (s *Service) ListByStatus(ctx context.Context, status Status, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, validation.ValidationErrors{{Field: "cursor", Message: "must be the nextCursor of a previous page"}}
	}
	if limit <= 0 {
		limit = 50
	}
	list, err := s.store.ListByStatus(ctx, status, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(list, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if items == nil {
		items = []*Escrow{}
	}
	return &Page{Escrows: items, NextCursor: next, HasMore: more}, nil
}

// ChainStatus reads the ledger state of e's contract.
func (s *Service) ChainStatus(ctx context.Context, e *Escrow) (*chain.ContractStatus, error) {
	return s.chain.Status(ctx, e.ContractAddress)
}

func (s *Service) depositOf(ctx context.Context, e *Escrow) *chain.DepositResult {
	res := &chain.DepositResult{ContractAddress: e.ContractAddress}
	events, err := s.store.Events(ctx, e.ID)
	if err == nil && len(events) > 0 && events[0].Type == EventCreated {
		res.TxHash = events[0].TxHash
	}
	return res
}

func (s *Service) afterCommit(ctx context.Context, e *Escrow, ev *Event, cause Cause) {
	snapshot := *e
	storage.AfterCommit(ctx, func() {
		transitionsTotal.WithLabelValues(string(ev.Type), string(cause)).Inc()
		if s.notifier != nil {
			s.notifier.EscrowChanged(context.WithoutCancel(ctx), &snapshot, ev)
		}
	})
}

func (e *Escrow) sameParties(r CreateRequest) bool {
	return strings.EqualFold(e.Borrower, r.Borrower) &&
		strings.EqualFold(e.Lender, r.Lender) &&
		strings.EqualFold(e.Arbitrator, r.Arbitrator) &&
		e.Amount == r.Amount
}

// MultiNotifier fans a transition out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) EscrowChanged(ctx context.Context, e *Escrow, ev *Event) {
	for _, n := range m {
		if n != nil {
			n.EscrowChanged(ctx, e, ev)
		}
	}
}
