// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package network

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/client/tracker"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

const (
	// failQuarantine is how long we will wait after a failed request before
	// polling a provider again.
	failQuarantine = time.Minute
	// tipStaleness is how long a cached header is used for latest-block
	// requests on providers without a header feed.
	tipStaleness = 10 * time.Second
)

// ethClient is the subset of *ethclient.Client used by a Provider.
type ethClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Provider is a rate-limited RPC provider for one network.
type Provider struct {
	host    string
	ec      ethClient
	ws      bool
	limiter *rate.Limiter
	log     acct.Logger

	// tip tracks the best known header as well as any error encountered.
	tip struct {
		sync.RWMutex
		header      *types.Header
		headerStamp time.Time
		failStamp   time.Time
		failCount   int
	}
}

var _ tracker.BalanceProvider = (*Provider)(nil)

// newProvider wraps the client. A zero rateLimit disables rate limiting.
func newProvider(host string, ec ethClient, ws bool, rateLimit float64, log acct.Logger) *Provider {
	lim := rate.Inf
	if rateLimit > 0 {
		lim = rate.Limit(rateLimit)
	}
	burst := int(rateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Provider{
		host:    host,
		ec:      ec,
		ws:      ws,
		limiter: rate.NewLimiter(lim, burst),
		log:     log,
	}
}

func (p *Provider) setTip(header *types.Header) {
	p.tip.Lock()
	p.tip.header = header
	p.tip.headerStamp = time.Now()
	p.tip.failStamp = time.Time{}
	p.tip.failCount = 0
	p.tip.Unlock()
}

// cachedTip retrieves the last known best header.
func (p *Provider) cachedTip() *types.Header {
	p.tip.RLock()
	defer p.tip.RUnlock()
	if time.Since(p.tip.failStamp) < failQuarantine || time.Since(p.tip.headerStamp) > tipStaleness {
		return nil
	}
	return p.tip.header
}

// setFailed should be called after a failed request. The provider is
// considered failed for failQuarantine.
func (p *Provider) setFailed() {
	p.tip.Lock()
	p.tip.failStamp = time.Now()
	p.tip.failCount++
	p.tip.Unlock()
}

// Failed will be true if a request has failed in the last failQuarantine.
func (p *Provider) Failed() bool {
	p.tip.RLock()
	defer p.tip.RUnlock()
	return time.Since(p.tip.failStamp) < failQuarantine
}

func (p *Provider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Balance is the native-coin balance at the latest block.
func (p *Provider) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	bal, err := p.ec.BalanceAt(ctx, addr, nil /* latest */)
	if err != nil {
		p.setFailed()
		return nil, fmt.Errorf("BalanceAt error from %q: %w", p.host, err)
	}
	return bal, nil
}

// CallContract performs an eth_call at the latest block.
func (p *Provider) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	ret, err := p.ec.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil /* latest */)
	if err != nil {
		p.setFailed()
		return nil, fmt.Errorf("CallContract error from %q: %w", p.host, err)
	}
	return ret, nil
}

// BlockGasLimit is the gas limit of the block, or the latest block if
// blockNumber is nil.
func (p *Provider) BlockGasLimit(ctx context.Context, blockNumber *big.Int) (uint64, error) {
	if blockNumber == nil {
		hdr, err := p.bestHeader(ctx)
		if err != nil {
			return 0, err
		}
		return hdr.GasLimit, nil
	}
	if tip := p.cachedTip(); tip != nil && tip.Number != nil && tip.Number.Cmp(blockNumber) == 0 {
		return tip.GasLimit, nil
	}
	hdr, err := p.headerByNumber(ctx, blockNumber)
	if err != nil {
		return 0, err
	}
	return hdr.GasLimit, nil
}

// bestHeader gets the best known header from the provider, cached if
// available, otherwise a new RPC call is made.
func (p *Provider) bestHeader(ctx context.Context) (*types.Header, error) {
	if tip := p.cachedTip(); tip != nil {
		p.log.Tracef("using cached header from %q", p.host)
		return tip, nil
	}
	p.log.Tracef("fetching fresh header from %q", p.host)
	hdr, err := p.headerByNumber(ctx, nil /* latest */)
	if err != nil {
		return nil, err
	}
	p.setTip(hdr)
	return hdr, nil
}

func (p *Provider) headerByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	hdr, err := p.ec.HeaderByNumber(ctx, n)
	if err != nil {
		p.setFailed()
		return nil, fmt.Errorf("HeaderByNumber error from %q: %w", p.host, err)
	}
	if hdr == nil || hdr.Number == nil {
		p.setFailed()
		return nil, fmt.Errorf("%q returned no header", p.host)
	}
	return hdr, nil
}

// subscribeHeaders sends new headers to h until the context is canceled,
// resubscribing on error. It returns false if the provider does not support
// header subscriptions.
func (p *Provider) subscribeHeaders(ctx context.Context, h chan *types.Header) bool {
	sub, err := p.ec.SubscribeNewHead(ctx, h)
	if err != nil {
		p.log.Debugf("%q headers subscription not supported. Falling back to polling: %v", p.host, err)
		return false
	}
	go func() {
		defer func() {
			if sub != nil {
				sub.Unsubscribe()
			}
		}()
		var lastWarning time.Time
		newSub := func() (ethereum.Subscription, error) {
			for {
				sub, err := p.ec.SubscribeNewHead(ctx, h)
				if err == nil {
					return sub, nil
				}
				if time.Since(lastWarning) > 5*time.Minute {
					p.log.Warnf("can't resubscribe to %q headers: %v", p.host, err)
					lastWarning = time.Now()
				}
				select {
				case <-time.After(time.Second * 30):
				case <-ctx.Done():
					return nil, context.Canceled
				}
			}
		}
		for {
			select {
			case err, ok := <-sub.Err():
				if !ok {
					// Subscription cancelled
					return
				}
				p.log.Errorf("%q header subscription error: %v", p.host, err)
				p.setFailed()
				if sub, err = newSub(); err != nil { // context cancelled
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return true
}
