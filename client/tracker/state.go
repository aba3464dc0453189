// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tracker

import "decred.org/acctracker/acct/utils"

// AccountBalance is the last known native-coin balance of an address. A nil
// Balance means the balance is unknown.
type AccountBalance struct {
	Address string  `json:"address"`
	Balance *string `json:"balance"`
}

func (ab *AccountBalance) copy() *AccountBalance {
	c := &AccountBalance{Address: ab.Address}
	if ab.Balance != nil {
		b := *ab.Balance
		c.Balance = &b
	}
	return c
}

// AccountsMap is a set of account balances keyed by address.
type AccountsMap map[string]*AccountBalance

// Copy is a deep copy of the map.
func (m AccountsMap) Copy() AccountsMap {
	c := make(AccountsMap, len(m))
	for addr, ab := range m {
		if ab == nil {
			c[addr] = &AccountBalance{Address: addr}
			continue
		}
		c[addr] = ab.copy()
	}
	return c
}

// State is the tracker's view of account balances and block gas limits.
type State struct {
	// Accounts are the balances on the selected network's chain.
	Accounts AccountsMap `json:"accounts"`
	// AccountsByChainID are balances keyed by hex chain ID.
	AccountsByChainID map[string]AccountsMap `json:"accountsByChainId"`
	// CurrentBlockGasLimit is the gas limit of the most recent block on the
	// default subscription's network.
	CurrentBlockGasLimit string `json:"currentBlockGasLimit"`
	// CurrentBlockGasLimitByChainID are the most recent gas limits keyed by
	// hex chain ID.
	CurrentBlockGasLimitByChainID map[string]string `json:"currentBlockGasLimitByChainId"`
}

// DefaultState is the empty state.
func DefaultState() *State {
	return &State{
		Accounts:                      make(AccountsMap),
		AccountsByChainID:             make(map[string]AccountsMap),
		CurrentBlockGasLimitByChainID: make(map[string]string),
	}
}

// NewState builds a State from a possibly partial saved state, filling any
// missing fields with defaults.
func NewState(saved *State) *State {
	s := DefaultState()
	if saved == nil {
		return s
	}
	if saved.Accounts != nil {
		s.Accounts = saved.Accounts.Copy()
	}
	for chainID, accts := range saved.AccountsByChainID {
		s.AccountsByChainID[chainID] = accts.Copy()
	}
	s.CurrentBlockGasLimit = saved.CurrentBlockGasLimit
	if saved.CurrentBlockGasLimitByChainID != nil {
		s.CurrentBlockGasLimitByChainID = utils.CopyMap(saved.CurrentBlockGasLimitByChainID)
	}
	return s
}

// Copy is a deep copy of the state.
func (s *State) Copy() *State {
	return NewState(s)
}

// FieldMetadata describes how a top-level state field is treated outside the
// tracker.
type FieldMetadata struct {
	Persist                bool
	IncludeInDebugSnapshot bool
}

var stateMetadata = map[string]FieldMetadata{
	"accounts":                      {Persist: true, IncludeInDebugSnapshot: false},
	"accountsByChainId":             {Persist: true, IncludeInDebugSnapshot: false},
	"currentBlockGasLimit":          {Persist: true, IncludeInDebugSnapshot: true},
	"currentBlockGasLimitByChainId": {Persist: true, IncludeInDebugSnapshot: true},
}

// StateMetadata returns the per-field metadata, keyed by JSON field name.
func StateMetadata() map[string]FieldMetadata {
	return utils.CopyMap(stateMetadata)
}

// DebugSnapshot is the subset of the state that may be attached to error
// reports. Account addresses and balances are never included.
func (s *State) DebugSnapshot() map[string]any {
	snap := make(map[string]any)
	for field, md := range stateMetadata {
		if !md.IncludeInDebugSnapshot {
			continue
		}
		switch field {
		case "accounts":
			snap[field] = s.Accounts.Copy()
		case "accountsByChainId":
			snap[field] = s.Copy().AccountsByChainID
		case "currentBlockGasLimit":
			snap[field] = s.CurrentBlockGasLimit
		case "currentBlockGasLimitByChainId":
			snap[field] = utils.CopyMap(s.CurrentBlockGasLimitByChainID)
		}
	}
	return snap
}
