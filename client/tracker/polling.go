// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tracker

import (
	"fmt"

	"decred.org/acctracker/acct/utils"
	"github.com/google/uuid"
)

// subscription is a block listener attached to a network's block tracker.
type subscription struct {
	networkClientID string
	listener        ListenerID
	blockTracker    BlockTracker
	// refs is the number of outstanding polling tokens. Unused for the
	// default subscription.
	refs int
}

// Start (re)establishes the default subscription on the selected network and
// runs one update of the selected network. Any existing default subscription
// is torn down first, so Start may be called again after the selected network
// changes.
func (t *Tracker) Start() error {
	t.pollMtx.Lock()
	t.stopDefaultLocked()
	id := t.registry.SelectedNetworkClientID()
	nc, err := t.registry.NetworkClientByID(id)
	if err != nil {
		t.pollMtx.Unlock()
		return fmt.Errorf("error resolving selected network %q: %w", id, err)
	}
	t.defaultSub = &subscription{
		networkClientID: id,
		blockTracker:    nc.BlockTracker,
		listener: nc.BlockTracker.AddListener(func(blockNumber uint64) {
			t.handleBlock(t.ctx, id, true, blockNumber)
		}),
	}
	t.pollMtx.Unlock()

	t.logUpdateError("", t.updateAccounts(t.ctx, ""))
	return nil
}

// SelectNetwork changes the selected network and moves the default
// subscription to it.
func (t *Tracker) SelectNetwork(networkClientID string) error {
	if err := t.registry.SetSelected(networkClientID); err != nil {
		return err
	}
	t.log.Infof("Selected network %s", networkClientID)
	return t.Start()
}

// Stop tears down the default subscription. Scoped subscriptions are not
// affected.
func (t *Tracker) Stop() {
	t.pollMtx.Lock()
	t.stopDefaultLocked()
	t.pollMtx.Unlock()
}

// stopDefaultLocked removes the default subscription's listener. The pollMtx
// MUST be held.
func (t *Tracker) stopDefaultLocked() {
	if t.defaultSub == nil {
		return
	}
	t.defaultSub.blockTracker.RemoveListener(t.defaultSub.listener)
	t.defaultSub = nil
}

// StartPollingByNetworkClientID starts polling the network and returns a token
// for StopPollingByPollingToken. Only the first outstanding token for a network
// attaches a block listener and triggers an immediate update.
func (t *Tracker) StartPollingByNetworkClientID(networkClientID string) (string, error) {
	t.pollMtx.Lock()
	sub, found := t.subs[networkClientID]
	if !found {
		nc, err := t.registry.NetworkClientByID(networkClientID)
		if err != nil {
			t.pollMtx.Unlock()
			return "", err
		}
		sub = &subscription{
			networkClientID: networkClientID,
			blockTracker:    nc.BlockTracker,
			listener: nc.BlockTracker.AddListener(func(blockNumber uint64) {
				t.handleBlock(t.ctx, networkClientID, false, blockNumber)
			}),
		}
		t.subs[networkClientID] = sub
		t.subOrder = append(t.subOrder, networkClientID)
		t.log.Debugf("Started polling network %s", networkClientID)
	}
	sub.refs++
	token := uuid.NewString()
	t.tokens[token] = networkClientID
	t.pollMtx.Unlock()

	if !found {
		t.logUpdateError(networkClientID, t.updateAccounts(t.ctx, networkClientID))
	}
	return token, nil
}

// StopPollingByPollingToken releases a polling token. The network's block
// listener is removed when its last token is released. Unknown tokens are
// ignored.
func (t *Tracker) StopPollingByPollingToken(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	t.pollMtx.Lock()
	defer t.pollMtx.Unlock()
	id, found := t.tokens[token]
	if !found {
		return nil
	}
	delete(t.tokens, token)
	sub := t.subs[id]
	if sub == nil {
		return nil
	}
	sub.refs--
	if sub.refs > 0 {
		return nil
	}
	t.removeSubLocked(id)
	return nil
}

// removeSubLocked detaches and forgets a scoped subscription. The pollMtx
// MUST be held.
func (t *Tracker) removeSubLocked(id string) {
	sub := t.subs[id]
	sub.blockTracker.RemoveListener(sub.listener)
	delete(t.subs, id)
	t.subOrder = utils.Filter(t.subOrder, func(subID string) bool { return subID != id })
	t.log.Debugf("Stopped polling network %s", id)
}

// StopAllPolling tears down every scoped subscription and the default
// subscription. All outstanding tokens become unknown.
func (t *Tracker) StopAllPolling() {
	t.pollMtx.Lock()
	defer t.pollMtx.Unlock()
	for _, id := range append([]string(nil), t.subOrder...) {
		t.removeSubLocked(id)
	}
	t.tokens = make(map[string]string)
	t.stopDefaultLocked()
}

// activeNetworkClientIDs are the networks with scoped subscriptions, in the
// order they were established.
func (t *Tracker) activeNetworkClientIDs() []string {
	t.pollMtx.Lock()
	defer t.pollMtx.Unlock()
	return append([]string(nil), t.subOrder...)
}
