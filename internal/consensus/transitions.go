package consensus

import (
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
)

// validTransitions is the total transition function of the state
// machine. Anything not listed fails with ErrInvalidState. Guards on
// top of the table (principal identity, grace window, freeze) live in
// the Machine methods; the table only encodes shape.
var validTransitions = map[core.TxState][]core.TxState{
	core.StateInitiated: {
		core.StateSenderConfirmed,
		core.StateDisputed,
		core.StateTimeout,
		core.StateValidated, // auto-approval fast path
	},
	core.StateSenderConfirmed: {
		core.StateReceiverConfirmed,
		core.StateValidated,
		core.StateDisputed,
		core.StateTimeout,
	},
	core.StateReceiverConfirmed: {
		core.StateValidated,
	},
	// VALIDATED is terminal except for the post-validation grace window.
	core.StateValidated: {
		core.StateDisputed,
	},
	// TIMEOUT is terminal-like: a party may appeal into a dispute.
	core.StateTimeout: {
		core.StateDisputed,
	},
	core.StateDisputed: {
		core.StateValidated,    // resolved in favor of sender
		core.StateCancelled,    // in favor of receiver, no action
		core.StateCompensating, // in favor of receiver, remedial action
		core.StateResolved,     // split / no fault
		core.StateEscalated,
	},
	// An escalated dispute re-enters with an external decision, applied
	// exactly like a DISPUTED resolution.
	core.StateEscalated: {
		core.StateValidated,
		core.StateCancelled,
		core.StateCompensating,
		core.StateResolved,
	},
	core.StateCompensating: {
		core.StateResolved,
	},
}

// canTransition reports whether from → to is in the table.
func canTransition(from, to core.TxState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves the transaction to the target state, stamping
// terminalAt when the target is terminal.
func transition(tx *core.Transaction, to core.TxState, now time.Time) error {
	if !canTransition(tx.State, to) {
		return core.InvalidStatef("transaction %s: %s -> %s", tx.ID, tx.State, to)
	}
	tx.State = to
	if to.IsTerminal() {
		t := now
		tx.TerminalAt = &t
	}
	return nil
}
