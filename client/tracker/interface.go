// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tracker

import (
	"context"
	"math/big"

	"decred.org/acctracker/acct/networks/eth"
	"github.com/ethereum/go-ethereum/common"
)

// ListenerID identifies a block listener registered with a BlockTracker.
type ListenerID uint64

// BalanceProvider is the chain access the tracker needs from a network.
type BalanceProvider interface {
	// Balance is the native-coin balance of the address at the latest block.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	// CallContract performs a read-only contract call at the latest block.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	// BlockGasLimit is the gas limit of the block. A nil blockNumber is the
	// latest block.
	BlockGasLimit(ctx context.Context, blockNumber *big.Int) (uint64, error)
}

// BlockTracker emits new block numbers to registered listeners.
type BlockTracker interface {
	AddListener(func(blockNumber uint64)) ListenerID
	RemoveListener(ListenerID)
}

// NetworkClient is a resolved network.
type NetworkClient struct {
	ID string
	// ChainID is the 0x-prefixed hex chain ID, the key of the per-chain state.
	ChainID string
	RPCURL  string
	// CheckerKind is the return encoding of the chain's balance checker
	// contract, if the chain has one.
	CheckerKind  eth.CheckerKind
	Provider     BalanceProvider
	BlockTracker BlockTracker
}

// NetworkRegistry resolves network client IDs.
type NetworkRegistry interface {
	// NetworkClientByID returns an ErrUnknownNetwork error for unknown IDs.
	NetworkClientByID(id string) (*NetworkClient, error)
	SelectedNetworkClientID() string
	SetSelected(id string) error
}

// AccountsSource supplies the wallet's selected account.
type AccountsSource interface {
	SelectedAccount() string
}

// OnboardingSource reports whether the user has finished onboarding. No
// balances are fetched before then.
type OnboardingSource interface {
	CompletedOnboarding() bool
}

// PreferencesSource supplies user preferences.
type PreferencesSource interface {
	UseMultiAccountBalanceChecker() bool
}

// Events delivers wallet notifications. Each Subscribe method returns a
// function that cancels the subscription.
type Events interface {
	SubscribeAccountRemoved(func(addr string)) (unsubscribe func())
	SubscribeSelectedAccountChange(func(addr string)) (unsubscribe func())
	SubscribeOnboardingChange(func(completed bool)) (unsubscribe func())
}
