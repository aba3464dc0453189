// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package network

import (
	"context"
	"sync"
	"time"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/client/tracker"
	"github.com/ethereum/go-ethereum/core/types"
)

// defaultPollInterval is how often a provider without a header feed is asked
// for the latest header.
const defaultPollInterval = 5 * time.Second

// BlockTracker emits new block numbers from a Provider. It only runs while it
// has listeners.
type BlockTracker struct {
	p            *Provider
	log          acct.Logger
	pollInterval time.Duration

	mtx       sync.Mutex
	nextID    tracker.ListenerID
	listeners map[tracker.ListenerID]func(uint64)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastBlock uint64
}

var _ tracker.BlockTracker = (*BlockTracker)(nil)

func newBlockTracker(p *Provider, pollInterval time.Duration, log acct.Logger) *BlockTracker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &BlockTracker{
		p:            p,
		log:          log,
		pollInterval: pollInterval,
		listeners:    make(map[tracker.ListenerID]func(uint64)),
	}
}

// AddListener registers a function to be called with each new block number.
// The first listener starts block monitoring.
func (bt *BlockTracker) AddListener(f func(blockNumber uint64)) tracker.ListenerID {
	bt.mtx.Lock()
	defer bt.mtx.Unlock()
	bt.nextID++
	id := bt.nextID
	bt.listeners[id] = f
	if bt.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		bt.cancel = cancel
		bt.wg.Add(1)
		go func() {
			defer bt.wg.Done()
			bt.monitorBlocks(ctx)
		}()
	}
	return id
}

// RemoveListener unregisters the listener. Removing the last listener stops
// block monitoring.
func (bt *BlockTracker) RemoveListener(id tracker.ListenerID) {
	bt.mtx.Lock()
	defer bt.mtx.Unlock()
	delete(bt.listeners, id)
	if len(bt.listeners) == 0 && bt.cancel != nil {
		bt.cancel()
		bt.cancel = nil
	}
}

// Listeners is the number of registered listeners.
func (bt *BlockTracker) Listeners() int {
	bt.mtx.Lock()
	defer bt.mtx.Unlock()
	return len(bt.listeners)
}

// Running is true while block monitoring is active.
func (bt *BlockTracker) Running() bool {
	bt.mtx.Lock()
	defer bt.mtx.Unlock()
	return bt.cancel != nil
}

// wait blocks until any stopped monitoring goroutines have returned.
func (bt *BlockTracker) wait() {
	bt.wg.Wait()
}

// monitorBlocks follows the provider's header feed if it has one, otherwise
// it polls for the latest header.
func (bt *BlockTracker) monitorBlocks(ctx context.Context) {
	if bt.p.ws {
		h := make(chan *types.Header, 8)
		if bt.p.subscribeHeaders(ctx, h) {
			bt.log.Tracef("following %q header feed", bt.p.host)
			for {
				select {
				case hdr := <-h:
					bt.p.setTip(hdr)
					bt.tipChange(ctx, hdr)
				case <-ctx.Done():
					return
				}
			}
		}
	}

	bt.checkForNewBlocks(ctx)
	ticker := time.NewTicker(bt.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if bt.p.Failed() {
				continue
			}
			bt.checkForNewBlocks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkForNewBlocks asks the provider for the latest header and notifies
// listeners if it is new.
func (bt *BlockTracker) checkForNewBlocks(ctx context.Context) {
	hdr, err := bt.p.headerByNumber(ctx, nil /* latest */)
	if err != nil {
		if ctx.Err() == nil {
			bt.log.Errorf("failed to get best header from %q: %v", bt.p.host, err)
		}
		return
	}
	bt.p.setTip(hdr)
	bt.tipChange(ctx, hdr)
}

func (bt *BlockTracker) tipChange(ctx context.Context, hdr *types.Header) {
	if hdr == nil || hdr.Number == nil {
		return
	}
	n := hdr.Number.Uint64()
	bt.mtx.Lock()
	if n == bt.lastBlock || ctx.Err() != nil {
		bt.mtx.Unlock()
		return
	}
	bt.lastBlock = n
	fs := make([]func(uint64), 0, len(bt.listeners))
	for _, f := range bt.listeners {
		fs = append(fs, f)
	}
	bt.mtx.Unlock()

	bt.log.Tracef("tip change on %q: %d", bt.p.host, n)
	for _, f := range fs {
		f(n)
	}
}
