package escrow

import (
	"fmt"

	"github.com/mbd888/lendbridge/internal/chain"
)

// Warning kinds.
const (
	WarningChainAhead = "chain_ahead" // ledger settled, local row has not caught up
	WarningLocalAhead = "local_ahead" // local row settled, ledger still holds funds
	WarningConflict   = "conflict"    // both settled, in opposite directions
)

// ReconciliationWarning describes a disagreement between the local row and
// the ledger. It is reported, never auto-corrected.
type ReconciliationWarning struct {
	EscrowID    string              `json:"escrowId"`
	Kind        string              `json:"kind"`
	LocalStatus Status              `json:"localStatus"`
	ChainState  chain.ContractState `json:"chainState"`
	Message     string              `json:"message"`
}

// CheckConsistency compares e with a ledger read. It returns nil when they
// agree. An in-flight intent whose target matches the ledger counts as
// agreement, since finalize is about to record it.
func CheckConsistency(e *Escrow, st *chain.ContractStatus) *ReconciliationWarning {
	onChain, settled := chainTarget(st)

	var kind string
	switch {
	case !settled && !e.Status.IsTerminal():
		return nil
	case settled && e.Status == onChain:
		return nil
	case settled && !e.Status.IsTerminal():
		if e.PendingAction == onChain {
			return nil
		}
		kind = WarningChainAhead
	case !settled:
		kind = WarningLocalAhead
	default:
		kind = WarningConflict
	}

	return &ReconciliationWarning{
		EscrowID:    e.ID,
		Kind:        kind,
		LocalStatus: e.Status,
		ChainState:  st.State,
		Message:     fmt.Sprintf("local status %s but ledger reports %s", e.Status, st.State),
	}
}
