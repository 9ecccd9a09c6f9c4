package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Simulated is a deterministic in-process ledger. Contract addresses are
// derived from the escrow id and tx hashes from the operation sequence, so
// runs are reproducible. Tests use its fault hooks; the server falls back
// to it when no RPC endpoint is configured.
type Simulated struct {
	mu        sync.Mutex
	contracts map[string]*simContract // by lowercase address
	byEscrow  map[string]string       // escrow id -> address
	seq       int
	calls     map[string]int
	faults    map[string][]error
	latency   time.Duration
}

type simContract struct {
	escrowID  string
	amount    int64
	state     ContractState
	createTx  string
	settleTx  string
	createdAt time.Time
}

var _ Gateway = (*Simulated)(nil)

// NewSimulated creates an empty simulated ledger.
func NewSimulated() *Simulated {
	return &Simulated{
		contracts: make(map[string]*simContract),
		byEscrow:  make(map[string]string),
		calls:     make(map[string]int),
		faults:    make(map[string][]error),
	}
}

// FailNext queues err as the outcome of the next call to op
// (deposit, release, refund, status). Queued errors are consumed in order.
func (s *Simulated) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// SetLatency makes every call block for d or until ctx is done.
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls returns how many times op reached the ledger.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Settle moves a contract to state out of band, as if another party acted
// on chain. It returns the settlement tx hash.
func (s *Simulated) Settle(contractAddress string, state ContractState) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[strings.ToLower(contractAddress)]
	if !ok {
		return "", ErrContractNotFound
	}
	c.state = state
	c.settleTx = s.nextTx("settle", contractAddress)
	return c.settleTx, nil
}

// ContractFor returns the address deployed for escrowID, if any.
func (s *Simulated) ContractFor(escrowID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.byEscrow[escrowID]
	return addr, ok
}

func (s *Simulated) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	const op = "deposit"
	if err := s.enter(ctx, op); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, Permanent(op, ErrInvalidAmount)
	}
	for _, p := range []string{req.Borrower, req.Lender, req.Arbitrator} {
		if strings.TrimSpace(p) == "" {
			return nil, Permanent(op, fmt.Errorf("%w: empty party", ErrInvalidAddress))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if addr, ok := s.byEscrow[req.EscrowID]; ok {
		return &DepositResult{ContractAddress: addr, TxHash: s.contracts[strings.ToLower(addr)].createTx}, nil
	}

	addr := common.BytesToAddress(crypto.Keccak256([]byte("escrow:" + req.EscrowID))).Hex()
	c := &simContract{
		escrowID:  req.EscrowID,
		amount:    req.Amount,
		state:     StatePending,
		createTx:  s.nextTx(op, addr),
		createdAt: time.Now(),
	}
	s.contracts[strings.ToLower(addr)] = c
	s.byEscrow[req.EscrowID] = addr
	return &DepositResult{ContractAddress: addr, TxHash: c.createTx}, nil
}

func (s *Simulated) Release(ctx context.Context, contractAddress string) (string, error) {
	return s.settle(ctx, "release", contractAddress, StateReleased)
}

func (s *Simulated) Refund(ctx context.Context, contractAddress string) (string, error) {
	return s.settle(ctx, "refund", contractAddress, StateRefunded)
}

func (s *Simulated) Status(ctx context.Context, contractAddress string) (*ContractStatus, error) {
	const op = "status"
	if err := s.enter(ctx, op); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[strings.ToLower(contractAddress)]
	if !ok {
		return nil, Permanent(op, fmt.Errorf("%w: %s", ErrContractNotFound, contractAddress))
	}
	return StatusOf(c.state), nil
}

func (s *Simulated) settle(ctx context.Context, op, contractAddress string, target ContractState) (string, error) {
	if err := s.enter(ctx, op); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[strings.ToLower(contractAddress)]
	if !ok {
		return "", Permanent(op, fmt.Errorf("%w: %s", ErrContractNotFound, contractAddress))
	}
	switch c.state {
	case target:
		return c.settleTx, nil
	case StatePending, StateDisputed:
		c.state = target
		c.settleTx = s.nextTx(op, contractAddress)
		return c.settleTx, nil
	default:
		return "", Permanent(op, fmt.Errorf("%w: contract is %s", ErrWrongState, c.state))
	}
}

// enter counts the call, applies latency and pops an injected fault.
func (s *Simulated) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	latency := s.latency
	var fault error
	if q := s.faults[op]; len(q) > 0 {
		fault, s.faults[op] = q[0], q[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Retryable(op, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err()))
		}
	}
	if fault != nil {
		if Classified(fault) {
			return fault
		}
		return Retryable(op, fault)
	}
	return nil
}

// caller must hold s.mu
func (s *Simulated) nextTx(op, addr string) string {
	s.seq++
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%d", op, strings.ToLower(addr), s.seq))).Hex()
}
