// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package network resolves configured EVM networks into RPC providers and
// block trackers.
package network

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/acct/networks/eth"
	"decred.org/acctracker/client/tracker"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const ipcHost = "IPC"

// NetworkConfig is a configured network.
type NetworkConfig struct {
	ID string
	// ChainID is the hex chain ID.
	ChainID string
	RPCURL  string
	Checker eth.CheckerKind
}

// ParseNetwork parses a network definition of the form
// id,chainID,rpcURL[,checker]. The chain ID may be decimal or hex.
func ParseNetwork(s string) (*NetworkConfig, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 || len(parts) > 4 {
		return nil, fmt.Errorf("network %q: expected id,chainID,rpcURL[,checker]", s)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("network %q: empty id", s)
	}
	chainID, err := eth.NormalizeChainID(parts[1])
	if err != nil {
		return nil, fmt.Errorf("network %q: %w", s, err)
	}
	if parts[2] == "" {
		return nil, fmt.Errorf("network %q: empty RPC URL", s)
	}
	cfg := &NetworkConfig{
		ID:      parts[0],
		ChainID: chainID,
		RPCURL:  parts[2],
	}
	if _, kind, found := eth.BalanceChecker(chainID); found {
		cfg.Checker = kind
	}
	if len(parts) == 4 {
		if cfg.Checker, err = eth.ParseCheckerKind(parts[3]); err != nil {
			return nil, fmt.Errorf("network %q: %w", s, err)
		}
	}
	return cfg, nil
}

// dialFunc connects to an endpoint. ws is true if the connection can carry
// subscriptions.
type dialFunc func(ctx context.Context, endpoint string) (ec ethClient, ws bool, err error)

func dialEndpoint(ctx context.Context, endpoint string) (ethClient, bool, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, false, err
	}
	return ethclient.NewClient(rpcClient), isSubscriptionEndpoint(endpoint), nil
}

func isSubscriptionEndpoint(endpoint string) bool {
	if strings.HasSuffix(endpoint, ".ipc") {
		return true
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}

func endpointHost(endpoint string) string {
	if strings.HasSuffix(endpoint, ".ipc") {
		return ipcHost
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// RegistryConfig is the configuration for a Registry.
type RegistryConfig struct {
	Networks []*NetworkConfig
	// Selected is the ID of the selected network. Defaults to the first
	// network.
	Selected string
	// PollInterval is how often HTTP providers are polled for new blocks.
	PollInterval time.Duration
	// RateLimit is the maximum requests per second per provider. Zero is
	// unlimited.
	RateLimit float64
	Logger    acct.Logger
}

// Registry is the set of configured networks. Connect dials every network and
// checks its chain ID.
type Registry struct {
	log          acct.Logger
	pollInterval time.Duration
	rateLimit    float64
	dial         dialFunc

	mtx      sync.RWMutex
	cfgs     map[string]*NetworkConfig
	order    []string
	clients  map[string]*tracker.NetworkClient
	trackers map[string]*BlockTracker
	ecs      []ethClient
	selected string
}

var (
	_ tracker.NetworkRegistry = (*Registry)(nil)
	_ acct.Connector          = (*Registry)(nil)
)

// NewRegistry is the constructor for a Registry.
func NewRegistry(cfg *RegistryConfig) (*Registry, error) {
	if len(cfg.Networks) == 0 {
		return nil, errors.New("no networks configured")
	}
	log := cfg.Logger
	if log == nil {
		log = acct.Disabled
	}
	r := &Registry{
		log:          log,
		pollInterval: cfg.PollInterval,
		rateLimit:    cfg.RateLimit,
		dial:         dialEndpoint,
		cfgs:         make(map[string]*NetworkConfig, len(cfg.Networks)),
		clients:      make(map[string]*tracker.NetworkClient),
		trackers:     make(map[string]*BlockTracker),
		selected:     cfg.Selected,
	}
	for _, n := range cfg.Networks {
		if _, found := r.cfgs[n.ID]; found {
			return nil, fmt.Errorf("duplicate network ID %q", n.ID)
		}
		r.cfgs[n.ID] = n
		r.order = append(r.order, n.ID)
	}
	if r.selected == "" {
		r.selected = r.order[0]
	}
	if _, found := r.cfgs[r.selected]; !found {
		return nil, fmt.Errorf("selected network %q is not configured", r.selected)
	}
	return r, nil
}

// Connect dials every network. Networks that fail to connect or that report
// the wrong chain ID are logged and left unavailable. It is an error if the
// selected network cannot be connected. The clients are closed when the
// context is canceled.
func (r *Registry) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	var connected int
	for _, id := range r.order {
		cfg := r.cfgs[id]
		nc, err := r.connectNetwork(ctx, cfg)
		if err != nil {
			r.log.Errorf("Failed to connect to network %s: %v", id, err)
			continue
		}
		r.mtx.Lock()
		r.clients[id] = nc
		r.mtx.Unlock()
		connected++
	}

	r.mtx.RLock()
	_, selectedOK := r.clients[r.selected]
	selected := r.selected
	r.mtx.RUnlock()
	if !selectedOK {
		r.close()
		return nil, fmt.Errorf("selected network %s is not available", selected)
	}

	r.log.Infof("Connected to %d of %d networks", connected, len(r.order))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		r.close()
	}()
	return &wg, nil
}

func (r *Registry) connectNetwork(ctx context.Context, cfg *NetworkConfig) (*tracker.NetworkClient, error) {
	ec, ws, err := r.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %q: %w", endpointHost(cfg.RPCURL), err)
	}
	reportedChainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	chainID, _ := new(big.Int).SetString(strings.TrimPrefix(cfg.ChainID, "0x"), 16)
	if chainID == nil || chainID.Cmp(reportedChainID) != 0 {
		ec.Close()
		return nil, fmt.Errorf("%q reported wrong chain ID. expected %s, got %d",
			endpointHost(cfg.RPCURL), cfg.ChainID, reportedChainID)
	}

	p := newProvider(endpointHost(cfg.RPCURL), ec, ws, r.rateLimit, r.log)
	bt := newBlockTracker(p, r.pollInterval, r.log)
	r.mtx.Lock()
	r.ecs = append(r.ecs, ec)
	r.trackers[cfg.ID] = bt
	r.mtx.Unlock()
	return &tracker.NetworkClient{
		ID:           cfg.ID,
		ChainID:      cfg.ChainID,
		RPCURL:       cfg.RPCURL,
		CheckerKind:  cfg.Checker,
		Provider:     p,
		BlockTracker: bt,
	}, nil
}

func (r *Registry) close() {
	r.mtx.Lock()
	ecs := r.ecs
	r.ecs = nil
	trackers := make([]*BlockTracker, 0, len(r.trackers))
	for _, bt := range r.trackers {
		trackers = append(trackers, bt)
	}
	r.mtx.Unlock()
	for _, bt := range trackers {
		bt.mtx.Lock()
		if bt.cancel != nil {
			bt.cancel()
			bt.cancel = nil
		}
		bt.mtx.Unlock()
		bt.wait()
	}
	for _, ec := range ecs {
		ec.Close()
	}
}

// NetworkClientByID returns the connected network. IDs that are not configured
// return an error wrapping tracker.ErrUnknownNetwork.
func (r *Registry) NetworkClientByID(id string) (*tracker.NetworkClient, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if nc, found := r.clients[id]; found {
		return nc, nil
	}
	if _, found := r.cfgs[id]; found {
		return nil, fmt.Errorf("network %s is not connected", id)
	}
	return nil, acct.NewError(tracker.ErrUnknownNetwork, id)
}

// SelectedNetworkClientID is the ID of the selected network.
func (r *Registry) SelectedNetworkClientID() string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.selected
}

// SetSelected changes the selected network. Tracker.SelectNetwork calls it
// and then moves the default subscription.
func (r *Registry) SetSelected(id string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, found := r.clients[id]; !found {
		if _, configured := r.cfgs[id]; configured {
			return fmt.Errorf("network %s is not connected", id)
		}
		return acct.NewError(tracker.ErrUnknownNetwork, id)
	}
	r.selected = id
	return nil
}

// NetworkIDs are the configured network IDs, in configuration order.
func (r *Registry) NetworkIDs() []string {
	return append([]string(nil), r.order...)
}

// BlockTracker is the block tracker of a connected network.
func (r *Registry) BlockTracker(id string) (*BlockTracker, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	bt, found := r.trackers[id]
	return bt, found
}
