package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of *ethclient.Client the gateway needs.
type Backend interface {
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// The factory deploys one escrow contract per escrow id and refuses a
// second createEscrow for the same id.
const factoryABIJSON = `[
	{"inputs":[{"name":"escrowId","type":"bytes32"},{"name":"borrower","type":"address"},{"name":"lender","type":"address"},{"name":"arbitrator","type":"address"},{"name":"amount","type":"uint256"}],"name":"createEscrow","outputs":[{"name":"escrow","type":"address"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"escrowId","type":"bytes32"}],"name":"escrowOf","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"bytes32"},{"indexed":false,"name":"escrow","type":"address"}],"name":"EscrowCreated","type":"event"}
]`

const escrowABIJSON = `[
	{"inputs":[],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"refund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"state","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[],"name":"Released","type":"event"},
	{"anonymous":false,"inputs":[],"name":"Refunded","type":"event"}
]`

// contractStates maps the contract's uint8 state enum.
var contractStates = []ContractState{StatePending, StateReleased, StateRefunded, StateDisputed}

var settleEvents = map[string]string{"release": "Released", "refund": "Refunded"}

const (
	DefaultPollInterval = 2 * time.Second
	revertErrorCode     = 3
)

// EVMConfig configures an EVMGateway.
type EVMConfig struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x
	ChainID        int64
	FactoryAddress string
}

// EVMOption configures an EVMGateway.
type EVMOption func(*EVMGateway)

// WithBackend injects a backend instead of dialing RPCURL.
func WithBackend(b Backend) EVMOption {
	return func(g *EVMGateway) { g.backend = b }
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) EVMOption {
	return func(g *EVMGateway) { g.pollInterval = d }
}

// WithEVMLogger sets the logger.
func WithEVMLogger(l *slog.Logger) EVMOption {
	return func(g *EVMGateway) { g.logger = l }
}

// EVMGateway talks to an escrow factory contract on an EVM chain.
type EVMGateway struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	factory      common.Address
	factoryABI   abi.ABI
	escrowABI    abi.ABI
	pollInterval time.Duration
	logger       *slog.Logger

	// serializes nonce assignment
	sendMu sync.Mutex
}

var _ Gateway = (*EVMGateway)(nil)

// NewEVMGateway validates cfg, parses the contract ABIs and dials the RPC
// endpoint unless a backend was injected.
func NewEVMGateway(cfg EVMConfig, opts ...EVMOption) (*EVMGateway, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, fmt.Errorf("%w: factory %q", ErrInvalidAddress, cfg.FactoryAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}
	factoryABI, err := abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse factory ABI: %w", err)
	}
	escrowABI, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow ABI: %w", err)
	}

	g := &EVMGateway{
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		factory:      common.HexToAddress(cfg.FactoryAddress),
		factoryABI:   factoryABI,
		escrowABI:    escrowABI,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.backend == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("chain: RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
		}
		g.backend = client
	}
	return g, nil
}

// EscrowKey is the bytes32 the factory indexes escrows by.
func EscrowKey(escrowID string) common.Hash {
	return crypto.Keccak256Hash([]byte(escrowID))
}

// Address returns the signing account.
func (g *EVMGateway) Address() string { return g.from.Hex() }

// Close releases the RPC connection.
func (g *EVMGateway) Close() { g.backend.Close() }

// Deposit creates and funds the escrow contract for req.EscrowID. If the
// factory already knows the id, the existing contract is returned.
func (g *EVMGateway) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	const op = "deposit"

	if req.Amount <= 0 {
		return nil, Permanent(op, ErrInvalidAmount)
	}
	parties := []string{req.Borrower, req.Lender, req.Arbitrator}
	addrs := make([]common.Address, len(parties))
	for i, p := range parties {
		if !common.IsHexAddress(p) {
			return nil, Permanent(op, fmt.Errorf("%w: %q", ErrInvalidAddress, p))
		}
		addrs[i] = common.HexToAddress(p)
	}
	id := EscrowKey(req.EscrowID)

	// An earlier attempt may have been mined after its caller gave up.
	existing, err := g.escrowOf(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if existing != (common.Address{}) {
		g.logger.Info("escrow contract already exists", "escrowId", req.EscrowID, "contract", existing.Hex())
		return &DepositResult{ContractAddress: existing.Hex(), TxHash: g.creationTx(ctx, id)}, nil
	}

	data, err := g.factoryABI.Pack("createEscrow", [32]byte(id), addrs[0], addrs[1], addrs[2], big.NewInt(req.Amount))
	if err != nil {
		return nil, Permanent(op, err)
	}
	receipt, txHash, err := g.transact(ctx, op, g.factory, data)
	if err != nil {
		return nil, err
	}

	addr, ok := g.createdAddress(receipt, id)
	if !ok {
		if addr, err = g.escrowOf(ctx, op, id); err != nil {
			return nil, err
		}
		if addr == (common.Address{}) {
			return nil, &Error{Op: op, Kind: KindPermanent, TxHash: txHash, Err: ErrContractNotFound}
		}
	}
	return &DepositResult{ContractAddress: addr.Hex(), TxHash: txHash}, nil
}

// Release pays the escrowed funds to the lender side of the contract.
func (g *EVMGateway) Release(ctx context.Context, contractAddress string) (string, error) {
	return g.settle(ctx, "release", contractAddress, StateReleased)
}

// Refund returns the escrowed funds to the depositor.
func (g *EVMGateway) Refund(ctx context.Context, contractAddress string) (string, error) {
	return g.settle(ctx, "refund", contractAddress, StateRefunded)
}

// Status reads the contract's state.
func (g *EVMGateway) Status(ctx context.Context, contractAddress string) (*ContractStatus, error) {
	const op = "status"
	if !common.IsHexAddress(contractAddress) {
		return nil, Permanent(op, fmt.Errorf("%w: %q", ErrInvalidAddress, contractAddress))
	}
	state, err := g.state(ctx, op, common.HexToAddress(contractAddress))
	if err != nil {
		return nil, err
	}
	return StatusOf(state), nil
}

func (g *EVMGateway) settle(ctx context.Context, op, contractAddress string, target ContractState) (string, error) {
	if !common.IsHexAddress(contractAddress) {
		return "", Permanent(op, fmt.Errorf("%w: %q", ErrInvalidAddress, contractAddress))
	}
	addr := common.HexToAddress(contractAddress)

	state, err := g.state(ctx, op, addr)
	if err != nil {
		return "", err
	}
	switch state {
	case target:
		return g.settlementTx(ctx, op, addr), nil
	case StatePending, StateDisputed:
	default:
		return "", Permanent(op, fmt.Errorf("%w: contract is %s", ErrWrongState, state))
	}

	data, err := g.escrowABI.Pack(op)
	if err != nil {
		return "", Permanent(op, err)
	}
	_, txHash, err := g.transact(ctx, op, addr, data)
	return txHash, err
}

// transact signs, broadcasts and waits for the receipt of one call.
func (g *EVMGateway) transact(ctx context.Context, op string, to common.Address, data []byte) (*types.Receipt, string, error) {
	g.sendMu.Lock()
	signed, err := g.send(ctx, op, to, data)
	g.sendMu.Unlock()
	if err != nil {
		return nil, "", err
	}

	txHash := signed.Hash().Hex()
	g.logger.Info("chain transaction sent", "op", op, "to", to.Hex(), "txHash", txHash)

	receipt, err := g.waitReceipt(ctx, op, signed.Hash())
	if err != nil {
		return nil, txHash, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, txHash, &Error{Op: op, Kind: KindPermanent, TxHash: txHash, Err: ErrReverted}
	}
	return receipt, txHash, nil
}

func (g *EVMGateway) send(ctx context.Context, op string, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := g.backend.PendingNonceAt(ctx, g.from)
	if err != nil {
		return nil, classify(op, "", err)
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(op, "", err)
	}
	// Estimation executes the call, so a revert here is the ledger refusing it.
	gasLimit, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.from,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		return nil, classify(op, "", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.key)
	if err != nil {
		return nil, Permanent(op, err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return nil, classify(op, signed.Hash().Hex(), err)
	}
	return signed, nil
}

func (g *EVMGateway) waitReceipt(ctx context.Context, op string, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			g.logger.Debug("receipt lookup failed", "txHash", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, &Error{
				Op:     op,
				Kind:   KindRetryable,
				TxHash: hash.Hex(),
				Err:    fmt.Errorf("%w: waiting for receipt: %v", ErrTimeout, ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}

func (g *EVMGateway) state(ctx context.Context, op string, addr common.Address) (ContractState, error) {
	code, err := g.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return "", classify(op, "", err)
	}
	if len(code) == 0 {
		return "", Permanent(op, fmt.Errorf("%w: %s", ErrContractNotFound, addr.Hex()))
	}

	out, err := g.call(ctx, g.escrowABI, addr, "state")
	if err != nil {
		return "", classify(op, "", err)
	}
	v, ok := out[0].(uint8)
	if !ok || int(v) >= len(contractStates) {
		return "", Permanent(op, fmt.Errorf("chain: unknown contract state %v", out[0]))
	}
	return contractStates[v], nil
}

func (g *EVMGateway) escrowOf(ctx context.Context, op string, id common.Hash) (common.Address, error) {
	out, err := g.call(ctx, g.factoryABI, g.factory, "escrowOf", [32]byte(id))
	if err != nil {
		return common.Address{}, classify(op, "", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, Permanent(op, fmt.Errorf("chain: unexpected escrowOf output %T", out[0]))
	}
	return addr, nil
}

func (g *EVMGateway) call(ctx context.Context, a abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := a.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: empty %s output", method)
	}
	return out, nil
}

func (g *EVMGateway) createdAddress(receipt *types.Receipt, id common.Hash) (common.Address, bool) {
	ev := g.factoryABI.Events["EscrowCreated"]
	for _, l := range receipt.Logs {
		if l.Address != g.factory || len(l.Topics) < 2 || l.Topics[0] != ev.ID || l.Topics[1] != id {
			continue
		}
		vals, err := g.factoryABI.Unpack("EscrowCreated", l.Data)
		if err != nil || len(vals) == 0 {
			continue
		}
		if addr, ok := vals[0].(common.Address); ok {
			return addr, true
		}
	}
	return common.Address{}, false
}

// creationTx looks up the createEscrow transaction. Best effort.
func (g *EVMGateway) creationTx(ctx context.Context, id common.Hash) string {
	logs, err := g.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{g.factory},
		Topics:    [][]common.Hash{{g.factoryABI.Events["EscrowCreated"].ID}, {id}},
	})
	if err != nil || len(logs) == 0 {
		return ""
	}
	return logs[0].TxHash.Hex()
}

// settlementTx looks up the release/refund transaction. Best effort.
func (g *EVMGateway) settlementTx(ctx context.Context, op string, addr common.Address) string {
	logs, err := g.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{g.escrowABI.Events[settleEvents[op]].ID}},
	})
	if err != nil || len(logs) == 0 {
		return ""
	}
	return logs[0].TxHash.Hex()
}

// classify turns a backend error into a gateway failure. Reverts are the
// ledger rejecting the call; anything else may not have reached it.
func classify(op, txHash string, err error) error {
	if isRevert(err) {
		return &Error{Op: op, Kind: KindPermanent, TxHash: txHash, Err: fmt.Errorf("%w: %v", ErrReverted, err)}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &Error{Op: op, Kind: KindRetryable, TxHash: txHash, Err: err}
}

func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertErrorCode {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
