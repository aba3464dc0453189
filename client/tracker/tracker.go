// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/acct/networks/eth"
	"decred.org/acctracker/acct/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentBalanceRequests limits the per-account eth_getBalance requests
// in flight for a single update.
const maxConcurrentBalanceRequests = 8

// fetchStrategy is how balances are fetched for a network. It is resolved once
// per update.
type fetchStrategy uint8

const (
	strategyPerAccount fetchStrategy = iota
	strategyMulticall
)

func (s fetchStrategy) String() string {
	if s == strategyMulticall {
		return "multicall"
	}
	return "per-account"
}

// Config is the configuration for a Tracker.
type Config struct {
	Registry    NetworkRegistry
	Accounts    AccountsSource
	Onboarding  OnboardingSource
	Preferences PreferencesSource
	Events      Events
	// State is an optional saved state to start from.
	State *State
	// StateChanged, if set, is called with a copy of the state after every
	// change. It is called without any tracker locks held.
	StateChanged func(*State)
	Logger       acct.Logger
}

// Tracker keeps account balances and block gas limits current for the
// selected network and any networks polled with
// StartPollingByNetworkClientID.
type Tracker struct {
	log          acct.Logger
	registry     NetworkRegistry
	accounts     AccountsSource
	onboarding   OnboardingSource
	prefs        PreferencesSource
	stateChanged func(*State)

	// ctx is used for updates triggered by block events and subscriptions.
	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()

	stateMtx sync.RWMutex
	state    *State

	pollMtx    sync.Mutex
	defaultSub *subscription
	subs       map[string]*subscription // by network client ID
	subOrder   []string
	tokens     map[string]string // polling token -> network client ID

	// updateAccounts is UpdateAccounts. Polling and block events go through
	// this field.
	updateAccounts func(ctx context.Context, networkClientID string) error
}

var _ acct.Runner = (*Tracker)(nil)

// New is the constructor for a Tracker. The tracker subscribes to account
// removals immediately. Polling does not begin until Start or
// StartPollingByNetworkClientID is called.
func New(cfg *Config) (*Tracker, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("no network registry")
	case cfg.Accounts == nil:
		return nil, errors.New("no accounts source")
	case cfg.Onboarding == nil:
		return nil, errors.New("no onboarding source")
	case cfg.Preferences == nil:
		return nil, errors.New("no preferences source")
	}
	log := cfg.Logger
	if log == nil {
		log = acct.Disabled
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		log:          log,
		registry:     cfg.Registry,
		accounts:     cfg.Accounts,
		onboarding:   cfg.Onboarding,
		prefs:        cfg.Preferences,
		stateChanged: cfg.StateChanged,
		ctx:          ctx,
		cancel:       cancel,
		state:        NewState(cfg.State),
		subs:         make(map[string]*subscription),
		tokens:       make(map[string]string),
	}
	t.updateAccounts = t.UpdateAccounts
	if cfg.Events != nil {
		t.unsubs = append(t.unsubs,
			cfg.Events.SubscribeAccountRemoved(t.handleAccountRemoved),
			cfg.Events.SubscribeSelectedAccountChange(t.handleSelectedAccountChange),
			cfg.Events.SubscribeOnboardingChange(t.handleOnboardingChange),
		)
	}
	return t, nil
}

// Run blocks until the context is canceled, then stops all polling and
// unsubscribes from wallet events.
func (t *Tracker) Run(ctx context.Context) {
	<-ctx.Done()
	t.StopAllPolling()
	t.cancel()
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.log.Infof("Account tracker stopped")
}

// State is a deep copy of the current state.
func (t *Tracker) State() *State {
	t.stateMtx.RLock()
	defer t.stateMtx.RUnlock()
	return t.state.Copy()
}

// ClearAccounts forgets all account balances. The selected network's chain
// keeps an empty bucket. Gas limits are not affected.
func (t *Tracker) ClearAccounts() {
	chainID := t.selectedChainID()
	t.mutate(func(s *State) {
		s.Accounts = make(AccountsMap)
		s.AccountsByChainID = map[string]AccountsMap{chainID: make(AccountsMap)}
	})
}

// mutate applies f to the state under lock and notifies the StateChanged
// callback.
func (t *Tracker) mutate(f func(s *State)) {
	t.stateMtx.Lock()
	f(t.state)
	var s *State
	if t.stateChanged != nil {
		s = t.state.Copy()
	}
	t.stateMtx.Unlock()
	if s != nil {
		t.stateChanged(s)
	}
}

func (t *Tracker) selectedChainID() string {
	nc, err := t.registry.NetworkClientByID(t.registry.SelectedNetworkClientID())
	if err != nil {
		return ""
	}
	return nc.ChainID
}

// resolve returns the network for the ID. An empty ID is the selected
// network.
func (t *Tracker) resolve(networkClientID string) (*NetworkClient, error) {
	if networkClientID == "" {
		networkClientID = t.registry.SelectedNetworkClientID()
	}
	return t.registry.NetworkClientByID(networkClientID)
}

// knownAccountsLocked is a copy of the chain's accounts. If the chain has no
// bucket yet, the addresses of the selected network's accounts are used with
// unknown balances. The stateMtx MUST be held.
func (t *Tracker) knownAccountsLocked(chainID string) AccountsMap {
	if accts, found := t.state.AccountsByChainID[chainID]; found {
		return accts.Copy()
	}
	accts := make(AccountsMap, len(t.state.Accounts))
	for addr := range t.state.Accounts {
		accts[addr] = &AccountBalance{Address: addr}
	}
	return accts
}

// UpdateAccounts refreshes the balances of the network's known accounts. An
// empty networkClientID is the selected network. Nothing is fetched before
// onboarding is complete. When multi-account balances are disabled, only the
// selected account is fetched and all other balances are cleared.
func (t *Tracker) UpdateAccounts(ctx context.Context, networkClientID string) error {
	if !t.onboarding.CompletedOnboarding() {
		return nil
	}
	nc, err := t.resolve(networkClientID)
	if err != nil {
		return err
	}
	strategy := t.fetchStrategy(nc)

	multi := t.prefs.UseMultiAccountBalanceChecker()
	var selected string
	var addrs []string
	if multi {
		t.stateMtx.RLock()
		addrs = utils.SortedKeys(t.knownAccountsLocked(nc.ChainID))
		t.stateMtx.RUnlock()
	} else if selected = t.accounts.SelectedAccount(); selected != "" {
		addrs = []string{selected}
	}

	t.log.Tracef("Updating %d account balances on %s (chain %s) with %s strategy",
		len(addrs), nc.ID, nc.ChainID, strategy)

	var bals map[string]*string
	if len(addrs) > 0 {
		if strategy == strategyMulticall {
			bals, err = t.fetchMulticall(ctx, nc, addrs)
			if err != nil {
				t.log.Warnf("Balance checker call failed on %s, fetching accounts individually: %v", nc.ID, err)
				bals = t.fetchPerAccount(ctx, nc, addrs)
			}
		} else {
			bals = t.fetchPerAccount(ctx, nc, addrs)
		}
	}

	selectedChainID := t.selectedChainID()
	t.mutate(func(s *State) {
		accts := t.knownAccountsLocked(nc.ChainID)
		if !multi {
			for _, ab := range accts {
				ab.Balance = nil
			}
			if selected != "" {
				accts[selected] = &AccountBalance{Address: selected}
			}
		}
		for addr, bal := range bals {
			ab, found := accts[addr]
			if !found {
				// Removed while fetching.
				continue
			}
			ab.Balance = bal
		}
		s.AccountsByChainID[nc.ChainID] = accts
		if nc.ChainID == selectedChainID {
			s.Accounts = accts.Copy()
		}
	})
	return nil
}

// UpdateAccountByAddress refreshes one account on the selected network using
// eth_getBalance. An empty address is the selected account. Addresses are
// matched case-insensitively, and those that are not already tracked are not
// added. Nothing is fetched before onboarding is complete.
func (t *Tracker) UpdateAccountByAddress(ctx context.Context, address string) error {
	if !t.onboarding.CompletedOnboarding() {
		return nil
	}
	if address == "" {
		address = t.accounts.SelectedAccount()
	}
	if address == "" {
		return errors.New("no address and no selected account")
	}
	address, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	nc, err := t.resolve("")
	if err != nil {
		return err
	}
	bal, err := nc.Provider.Balance(ctx, common.HexToAddress(address))
	if err != nil {
		return fmt.Errorf("error fetching balance for %s on %s: %w", address, nc.ID, err)
	}
	balStr := eth.EncodeBalanceRPC(bal)

	selectedChainID := t.selectedChainID()
	t.mutate(func(s *State) {
		accts := t.knownAccountsLocked(nc.ChainID)
		ab, found := accts[address]
		if !found {
			return
		}
		ab.Balance = &balStr
		s.AccountsByChainID[nc.ChainID] = accts
		if nc.ChainID == selectedChainID {
			if _, found := s.Accounts[address]; found {
				s.Accounts[address] = &AccountBalance{Address: address, Balance: &balStr}
			}
		}
	})
	return nil
}

// NormalizeAddress validates a hex account address and returns it in the
// lowercase form used as a state key.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", acct.NewError(ErrInvalidAddress, addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// UpdateAccountsAllActiveNetworks updates the selected network and then every
// polled network, in the order polling began. Errors are collected rather
// than stopping the sweep.
func (t *Tracker) UpdateAccountsAllActiveNetworks(ctx context.Context) error {
	var errs []error
	if err := t.updateAccounts(ctx, ""); err != nil {
		errs = append(errs, fmt.Errorf("selected network: %w", err))
	}
	for _, id := range t.activeNetworkClientIDs() {
		if err := t.updateAccounts(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("network %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) fetchStrategy(nc *NetworkClient) fetchStrategy {
	if _, found := eth.BalanceCheckerAddresses[nc.ChainID]; found && !eth.IsLocalRPC(nc.RPCURL) {
		return strategyMulticall
	}
	return strategyPerAccount
}

// fetchMulticall gets all balances with one call to the chain's balance
// checker contract. Absent balances are nil.
func (t *Tracker) fetchMulticall(ctx context.Context, nc *NetworkClient, addrs []string) (map[string]*string, error) {
	checker := eth.BalanceCheckerAddresses[nc.ChainID]
	users := make([]common.Address, len(addrs))
	for i, addr := range addrs {
		users[i] = common.HexToAddress(addr)
	}
	data, err := eth.PackBalances(users)
	if err != nil {
		return nil, fmt.Errorf("error packing balances call: %w", err)
	}
	ret, err := nc.Provider.CallContract(ctx, checker, data)
	if err != nil {
		return nil, fmt.Errorf("balance checker %s call error: %w", checker, err)
	}
	vals, err := eth.UnpackBalances(nc.CheckerKind, ret, len(addrs))
	if err != nil {
		return nil, err
	}
	bals := make(map[string]*string, len(addrs))
	for i, addr := range addrs {
		if vals[i] == nil {
			bals[addr] = nil
			continue
		}
		b := eth.EncodeBalanceHex(vals[i])
		bals[addr] = &b
	}
	return bals, nil
}

// fetchPerAccount gets each balance with eth_getBalance. A failed request
// leaves that balance nil.
func (t *Tracker) fetchPerAccount(ctx context.Context, nc *NetworkClient, addrs []string) map[string]*string {
	vals := make([]*big.Int, len(addrs))
	var g errgroup.Group
	g.SetLimit(maxConcurrentBalanceRequests)
	for i, addr := range addrs {
		g.Go(func() error {
			bal, err := nc.Provider.Balance(ctx, common.HexToAddress(addr))
			if err != nil {
				t.log.Warnf("Error fetching balance for %s on %s: %v", addr, nc.ID, err)
				return nil
			}
			vals[i] = bal
			return nil
		})
	}
	_ = g.Wait()
	bals := make(map[string]*string, len(addrs))
	for i, addr := range addrs {
		if vals[i] == nil {
			bals[addr] = nil
			continue
		}
		b := eth.EncodeBalanceRPC(vals[i])
		bals[addr] = &b
	}
	return bals
}

// handleBlock records the gas limit of a block from the network's block
// tracker and updates balances. The gas limit always comes from the network
// that emitted the block. Blocks from the default subscription also set
// CurrentBlockGasLimit and trigger an update of the selected network.
func (t *Tracker) handleBlock(ctx context.Context, networkClientID string, isDefault bool, blockNumber uint64) {
	nc, err := t.registry.NetworkClientByID(networkClientID)
	if err != nil {
		t.log.Errorf("Block %d: %v", blockNumber, err)
		return
	}
	gasLimit, err := nc.Provider.BlockGasLimit(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		t.log.Errorf("Error getting gas limit for block %d on %s: %v", blockNumber, nc.ID, err)
	} else {
		lim := hexutil.EncodeUint64(gasLimit)
		t.mutate(func(s *State) {
			if isDefault {
				s.CurrentBlockGasLimit = lim
			}
			s.CurrentBlockGasLimitByChainID[nc.ChainID] = lim
		})
	}
	// The default subscription's update is unscoped.
	if isDefault {
		networkClientID = ""
	}
	t.logUpdateError(networkClientID, t.updateAccounts(ctx, networkClientID))
}

func (t *Tracker) logUpdateError(networkClientID string, err error) {
	if err == nil {
		return
	}
	if networkClientID == "" {
		networkClientID = "selected network"
	}
	t.log.Errorf("Error updating accounts for %s: %v", networkClientID, err)
}

// handleAccountRemoved forgets the address everywhere. Gas limits are not
// affected.
func (t *Tracker) handleAccountRemoved(addr string) {
	t.RemoveAccounts([]string{addr})
}

func (t *Tracker) handleSelectedAccountChange(addr string) {
	if t.prefs.UseMultiAccountBalanceChecker() {
		return
	}
	t.log.Debugf("Selected account changed to %s", addr)
	if err := t.UpdateAccountsAllActiveNetworks(t.ctx); err != nil {
		t.log.Errorf("Error refreshing balances after account change: %v", err)
	}
}

func (t *Tracker) handleOnboardingChange(completed bool) {
	if !completed {
		return
	}
	if err := t.UpdateAccountsAllActiveNetworks(t.ctx); err != nil {
		t.log.Errorf("Error refreshing balances after onboarding: %v", err)
	}
}

// AddAccounts starts tracking the addresses with unknown balances. Addresses
// already tracked are unchanged.
func (t *Tracker) AddAccounts(addrs []string) {
	t.mutate(func(s *State) {
		addMissing(s, addrs)
	})
}

func addMissing(s *State, addrs []string) {
	for _, addr := range addrs {
		if _, found := s.Accounts[addr]; !found {
			s.Accounts[addr] = &AccountBalance{Address: addr}
		}
		for _, accts := range s.AccountsByChainID {
			if _, found := accts[addr]; !found {
				accts[addr] = &AccountBalance{Address: addr}
			}
		}
	}
}

// RemoveAccounts stops tracking the addresses. Unknown addresses are ignored.
func (t *Tracker) RemoveAccounts(addrs []string) {
	t.mutate(func(s *State) {
		for _, addr := range addrs {
			delete(s.Accounts, addr)
			for _, accts := range s.AccountsByChainID {
				delete(accts, addr)
			}
		}
	})
}

// SyncWithAddresses makes the tracked accounts exactly the addresses, adding
// missing ones and removing the rest.
func (t *Tracker) SyncWithAddresses(addrs []string) {
	keep := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		keep[addr] = true
	}
	t.mutate(func(s *State) {
		for addr := range s.Accounts {
			if !keep[addr] {
				delete(s.Accounts, addr)
			}
		}
		for _, accts := range s.AccountsByChainID {
			for addr := range accts {
				if !keep[addr] {
					delete(accts, addr)
				}
			}
		}
		addMissing(s, addrs)
	})
}
