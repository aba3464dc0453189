// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"decred.org/acctracker/acct/ws"
	"decred.org/acctracker/client/caipstream"
	"decred.org/acctracker/client/tracker"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// pingPeriod is how often pings are sent to the websocket client.
	pingPeriod = 30 * time.Second
	// readTimeout is how long the connection may be silent, pongs included.
	readTimeout = pingPeriod * 2
	// rpcNamespace prefixes the JSON-RPC method names, e.g. wallet_getState.
	rpcNamespace = "wallet"
)

// walletAPI is the JSON-RPC service exposed over the CAIP-348 channel.
// Polling tokens obtained through a connection are released when the
// connection ends.
type walletAPI struct {
	core trackerCore

	mtx    sync.Mutex
	tokens map[string]struct{}
}

func newWalletAPI(core trackerCore) *walletAPI {
	return &walletAPI{
		core:   core,
		tokens: make(map[string]struct{}),
	}
}

// GetState returns the full tracker state.
func (api *walletAPI) GetState() *tracker.State {
	return api.core.State()
}

// DebugState returns the fields of the state that are safe for error reports.
func (api *walletAPI) DebugState() map[string]any {
	return api.core.State().DebugSnapshot()
}

// UpdateAccounts updates balances for the network. The selected network is
// used when no ID is given.
func (api *walletAPI) UpdateAccounts(ctx context.Context, networkClientID *string) (bool, error) {
	var id string
	if networkClientID != nil {
		id = *networkClientID
	}
	if err := api.core.UpdateAccounts(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateAccountByAddress refreshes one account on the selected network. The
// selected account is used when no address is given.
func (api *walletAPI) UpdateAccountByAddress(ctx context.Context, address *string) (bool, error) {
	var addr string
	if address != nil {
		addr = *address
	}
	if err := api.core.UpdateAccountByAddress(ctx, addr); err != nil {
		return false, err
	}
	return true, nil
}

// StartPolling begins polling the network and returns the polling token.
func (api *walletAPI) StartPolling(networkClientID string) (string, error) {
	token, err := api.core.StartPollingByNetworkClientID(networkClientID)
	if err != nil {
		return "", err
	}
	api.mtx.Lock()
	api.tokens[token] = struct{}{}
	api.mtx.Unlock()
	return token, nil
}

// StopPolling releases a polling token.
func (api *walletAPI) StopPolling(token string) (bool, error) {
	if err := api.core.StopPollingByPollingToken(token); err != nil {
		return false, err
	}
	api.mtx.Lock()
	delete(api.tokens, token)
	api.mtx.Unlock()
	return true, nil
}

// release stops every polling session still held by the connection.
func (api *walletAPI) release() {
	api.mtx.Lock()
	tokens := api.tokens
	api.tokens = make(map[string]struct{})
	api.mtx.Unlock()
	for token := range tokens {
		if err := api.core.StopPollingByPollingToken(token); err != nil {
			log.Debugf("Error releasing polling token: %v", err)
		}
	}
}

// handleWS upgrades the request to a websocket and serves JSON-RPC over the
// CAIP-348 channel until either side ends it.
func (s *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.NewConnection(w, r, readTimeout)
	if err != nil {
		log.Errorf("ws connection error: %v", err)
		return
	}
	go s.serveStream(conn, r.RemoteAddr)
}

func (s *WebServer) serveStream(conn ws.Connection, remote string) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	stream := caipstream.New(ctx, conn, log)
	s.mtx.Lock()
	s.streams[stream] = struct{}{}
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		delete(s.streams, stream)
		s.mtx.Unlock()
	}()

	go ws.KeepAlive(ctx, conn, pingPeriod)

	api := newWalletAPI(s.core)
	defer api.release()

	srv := rpc.NewServer()
	if err := srv.RegisterName(rpcNamespace, api); err != nil {
		log.Errorf("error registering %s API: %v", rpcNamespace, err)
		stream.Close()
		return
	}
	defer srv.Stop()

	log.Debugf("New CAIP-348 stream from %s", remote)
	srv.ServeCodec(rpc.NewFuncCodec(stream, streamEncoder(stream), streamDecoder(stream)), 0)
	stream.Close()
	stream.Wait()
	log.Debugf("CAIP-348 stream from %s ended", remote)
}

// streamEncoder writes JSON-RPC payloads to the channel.
func streamEncoder(stream *caipstream.Substream) func(v any, isErrorResponse bool) error {
	return func(v any, _ bool) error {
		return stream.WriteJSON(v)
	}
}

// streamDecoder reads JSON-RPC payloads from the channel. io.EOF signals the
// end of the channel to the rpc server.
func streamDecoder(stream *caipstream.Substream) func(v any) error {
	return func(v any) error {
		msg, ok := <-stream.Messages()
		if !ok {
			return io.EOF
		}
		raw, is := v.(*json.RawMessage)
		if !is {
			if err := json.Unmarshal(msg, v); err != nil {
				return fmt.Errorf("error decoding message: %w", err)
			}
			return nil
		}
		if len(msg) == 0 {
			return errors.New("empty message")
		}
		*raw = msg
		return nil
	}
}
