// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tracker

import "decred.org/acctracker/acct"

const (
	// ErrInvalidToken is returned when stopping polling without a token.
	ErrInvalidToken = acct.ErrorKind("pollingToken required")
	// ErrUnknownNetwork is returned for network client IDs the registry does
	// not know.
	ErrUnknownNetwork = acct.ErrorKind("unknown network client")
	// ErrInvalidAddress is returned for addresses that are not 20-byte hex.
	ErrInvalidAddress = acct.ErrorKind("invalid address")
)
