// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/client/db"
	"decred.org/acctracker/client/events"
	"decred.org/acctracker/client/tracker"
)

// ErrUnknownAccount is returned when removing or selecting an account that is
// not in the wallet.
const ErrUnknownAccount = acct.ErrorKind("unknown account")

// walletKey is the db key of the saved wallet settings.
const walletKey = "wallet"

type walletSettings struct {
	Accounts     []string `json:"accounts"`
	Selected     string   `json:"selected"`
	Onboarded    bool     `json:"onboarded"`
	MultiAccount bool     `json:"multiAccountBalanceChecker"`
}

// kvStore is the part of db.DB used for the wallet settings.
type kvStore interface {
	Store(string, []byte) error
	Get(string) ([]byte, error)
}

// AccountStore is the wallet's account list and user preferences. It is the
// tracker's accounts, onboarding and preferences source, and it publishes
// wallet changes on the event bus. Settings are saved on every change.
type AccountStore struct {
	db  kvStore
	bus *events.Bus
	log acct.Logger

	mtx      sync.RWMutex
	settings walletSettings
	added    func(addrs []string)
}

var (
	_ tracker.AccountsSource    = (*AccountStore)(nil)
	_ tracker.OnboardingSource  = (*AccountStore)(nil)
	_ tracker.PreferencesSource = (*AccountStore)(nil)
)

// NewAccountStore loads the saved wallet settings. On first run the settings
// are taken from the WalletConfig. Configured accounts missing from saved
// settings are added, and the onboarding and multi-account flags can be
// turned on, but not off, from the config.
func NewAccountStore(kv kvStore, bus *events.Bus, cfg *WalletConfig, log acct.Logger) (*AccountStore, error) {
	if log == nil {
		log = acct.Disabled
	}
	s := &AccountStore{
		db:  kv,
		bus: bus,
		log: log,
	}
	b, err := kv.Get(walletKey)
	switch {
	case errors.Is(err, db.ErrNotFound):
		log.Infof("No saved wallet settings. Starting with %d configured accounts.", len(cfg.Accounts))
	case err != nil:
		return nil, fmt.Errorf("error loading wallet settings: %w", err)
	default:
		if err := json.Unmarshal(b, &s.settings); err != nil {
			return nil, fmt.Errorf("error decoding wallet settings: %w", err)
		}
	}

	for _, addr := range cfg.Accounts {
		if !slices.Contains(s.settings.Accounts, addr) {
			s.settings.Accounts = append(s.settings.Accounts, addr)
		}
	}
	if cfg.SelectedAccount != "" {
		if !slices.Contains(s.settings.Accounts, cfg.SelectedAccount) {
			s.settings.Accounts = append(s.settings.Accounts, cfg.SelectedAccount)
		}
		s.settings.Selected = cfg.SelectedAccount
	}
	if s.settings.Selected == "" && len(s.settings.Accounts) > 0 {
		s.settings.Selected = s.settings.Accounts[0]
	}
	s.settings.Onboarded = s.settings.Onboarded || cfg.Onboarded
	s.settings.MultiAccount = s.settings.MultiAccount || cfg.MultiAccount

	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// commitLocked saves the settings, restoring prev if the save fails. The mtx
// MUST be held.
func (s *AccountStore) commitLocked(prev walletSettings) error {
	if err := s.saveLocked(); err != nil {
		s.settings = prev
		return err
	}
	return nil
}

func (s *AccountStore) snapshotLocked() walletSettings {
	prev := s.settings
	prev.Accounts = slices.Clone(s.settings.Accounts)
	return prev
}

func (s *AccountStore) saveLocked() error {
	b, err := json.Marshal(&s.settings)
	if err != nil {
		return fmt.Errorf("error encoding wallet settings: %w", err)
	}
	if err := s.db.Store(walletKey, b); err != nil {
		return fmt.Errorf("error saving wallet settings: %w", err)
	}
	return nil
}

// OnAccountsAdded sets a function to be called with the addresses added by
// AddAccount.
func (s *AccountStore) OnAccountsAdded(f func(addrs []string)) {
	s.mtx.Lock()
	s.added = f
	s.mtx.Unlock()
}

// SelectedAccount is the selected account address. It is empty if the wallet
// has no accounts.
func (s *AccountStore) SelectedAccount() string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.settings.Selected
}

// CompletedOnboarding is true once onboarding is complete.
func (s *AccountStore) CompletedOnboarding() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.settings.Onboarded
}

// UseMultiAccountBalanceChecker is the multi-account preference.
func (s *AccountStore) UseMultiAccountBalanceChecker() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.settings.MultiAccount
}

// Accounts is the wallet's account addresses in the order they were added.
func (s *AccountStore) Accounts() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return slices.Clone(s.settings.Accounts)
}

// AddAccount adds the address to the wallet. The first account becomes the
// selected account. Adding a known address is a no-op.
func (s *AccountStore) AddAccount(addr string) error {
	addr, err := normalizeAddress(addr)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	prev := s.snapshotLocked()
	if slices.Contains(s.settings.Accounts, addr) {
		s.mtx.Unlock()
		return nil
	}
	s.settings.Accounts = append(s.settings.Accounts, addr)
	selected := s.settings.Selected == ""
	if selected {
		s.settings.Selected = addr
	}
	err = s.commitLocked(prev)
	added := s.added
	s.mtx.Unlock()
	if err != nil {
		return err
	}

	if added != nil {
		added([]string{addr})
	}
	if selected {
		s.bus.PublishSelectedAccountChange(addr)
	}
	return nil
}

// RemoveAccount removes the address from the wallet and publishes the
// removal. If the selected account is removed, the first remaining account is
// selected.
func (s *AccountStore) RemoveAccount(addr string) error {
	addr, err := normalizeAddress(addr)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	prev := s.snapshotLocked()
	i := slices.Index(s.settings.Accounts, addr)
	if i < 0 {
		s.mtx.Unlock()
		return acct.NewError(ErrUnknownAccount, addr)
	}
	s.settings.Accounts = slices.Delete(s.settings.Accounts, i, i+1)
	var newSelected string
	reselect := s.settings.Selected == addr
	if reselect {
		if len(s.settings.Accounts) > 0 {
			newSelected = s.settings.Accounts[0]
		}
		s.settings.Selected = newSelected
	}
	err = s.commitLocked(prev)
	s.mtx.Unlock()
	if err != nil {
		return err
	}

	s.bus.PublishAccountRemoved(addr)
	if reselect && newSelected != "" {
		s.bus.PublishSelectedAccountChange(newSelected)
	}
	return nil
}

// SelectAccount changes the selected account.
func (s *AccountStore) SelectAccount(addr string) error {
	addr, err := normalizeAddress(addr)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	prev := s.snapshotLocked()
	if !slices.Contains(s.settings.Accounts, addr) {
		s.mtx.Unlock()
		return acct.NewError(ErrUnknownAccount, addr)
	}
	if s.settings.Selected == addr {
		s.mtx.Unlock()
		return nil
	}
	s.settings.Selected = addr
	err = s.commitLocked(prev)
	s.mtx.Unlock()
	if err != nil {
		return err
	}
	s.bus.PublishSelectedAccountChange(addr)
	return nil
}

// SetOnboarded records the onboarding state. Changes are published.
func (s *AccountStore) SetOnboarded(completed bool) error {
	s.mtx.Lock()
	prev := s.snapshotLocked()
	if s.settings.Onboarded == completed {
		s.mtx.Unlock()
		return nil
	}
	s.settings.Onboarded = completed
	err := s.commitLocked(prev)
	s.mtx.Unlock()
	if err != nil {
		return err
	}
	s.bus.PublishOnboardingChange(completed)
	return nil
}

// SetMultiAccountBalanceChecker sets the multi-account preference. It takes
// effect on the next update.
func (s *AccountStore) SetMultiAccountBalanceChecker(on bool) error {
	s.mtx.Lock()
	prev := s.snapshotLocked()
	defer s.mtx.Unlock()
	if s.settings.MultiAccount == on {
		return nil
	}
	s.settings.MultiAccount = on
	return s.commitLocked(prev)
}
