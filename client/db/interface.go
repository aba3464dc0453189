// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"errors"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/client/tracker"
)

// ErrNotFound is returned by Get and TrackerState when nothing has been
// stored.
var ErrNotFound = errors.New("not found")

// DB is an interface that must be satisfied by the account tracker's
// persistent storage manager.
type DB interface {
	acct.Runner
	// Store allows the storage of arbitrary data.
	Store(string, []byte) error
	// Get retrieves values stored with Store.
	Get(string) ([]byte, error)
	// ValueExists checks if a value was previously stored.
	ValueExists(k string) (bool, error)
	// StoreTrackerState saves the tracker state, overwriting any saved state.
	StoreTrackerState(*tracker.State) error
	// TrackerState loads the saved tracker state.
	TrackerState() (*tracker.State, error)
	// Backup makes a copy of the database.
	Backup() error
}
