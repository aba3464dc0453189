// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"decred.org/acctracker/client/caipstream"
	"decred.org/acctracker/client/tracker"
	"github.com/gorilla/websocket"
)

type TCore struct {
	mtx        sync.Mutex
	state      *tracker.State
	updateErr  error
	updatedIDs []string
	addrs      []string
	allActive  int
	nextToken  int
	tokens     map[string]string
	cleared    bool
	selected   string
}

func newTCore() *TCore {
	bal := "0x01"
	s := tracker.DefaultState()
	s.Accounts["0xabc"] = &tracker.AccountBalance{Address: "0xabc", Balance: &bal}
	s.CurrentBlockGasLimit = "0x1c9c380"
	return &TCore{
		state:  s,
		tokens: make(map[string]string),
	}
}

func (c *TCore) State() *tracker.State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state.Copy()
}

func (c *TCore) UpdateAccounts(_ context.Context, id string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.updatedIDs = append(c.updatedIDs, id)
	return c.updateErr
}

func (c *TCore) UpdateAccountByAddress(_ context.Context, addr string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.addrs = append(c.addrs, addr)
	return c.updateErr
}

func (c *TCore) UpdateAccountsAllActiveNetworks(context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.allActive++
	return c.updateErr
}

func (c *TCore) StartPollingByNetworkClientID(id string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if id == "nope" {
		return "", tracker.ErrUnknownNetwork
	}
	c.nextToken++
	token := "token" + string(rune('0'+c.nextToken))
	c.tokens[token] = id
	return token, nil
}

func (c *TCore) StopPollingByPollingToken(token string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if token == "" {
		return tracker.ErrInvalidToken
	}
	delete(c.tokens, token)
	return nil
}

func (c *TCore) ClearAccounts() {
	c.mtx.Lock()
	c.cleared = true
	c.mtx.Unlock()
}

func (c *TCore) SelectNetwork(id string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if id == "nope" {
		return tracker.ErrUnknownNetwork
	}
	c.selected = id
	return nil
}

func (c *TCore) activeTokens() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.tokens)
}

func newTServer(t *testing.T, core *TCore) *WebServer {
	t.Helper()
	s, err := New(&Config{Core: core, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("error creating server: %v", err)
	}
	return s
}

func doRequest(s *WebServer, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestNew(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Fatalf("no error for missing tracker")
	}
}

func TestTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "web.cert"), filepath.Join(dir, "web.key")
	s, err := New(&Config{Core: newTCore(), Addr: "127.0.0.1:0", CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("error creating TLS server: %v", err)
	}
	if s.tlsCfg == nil || len(s.tlsCfg.Certificates) != 1 {
		t.Fatalf("TLS not configured")
	}
	if !fileExists(certFile) || !fileExists(keyFile) {
		t.Fatalf("cert pair not generated")
	}
	// The existing pair is reused.
	if _, err := New(&Config{Core: newTCore(), CertFile: certFile, KeyFile: keyFile}); err != nil {
		t.Fatalf("error reloading cert pair: %v", err)
	}
	os.Remove(keyFile)
	if _, err := New(&Config{Core: newTCore(), CertFile: certFile, KeyFile: keyFile}); err == nil {
		t.Fatalf("no error for missing key file")
	}
}

func TestAPIState(t *testing.T) {
	s := newTServer(t, newTCore())
	w := doRequest(s, http.MethodGet, "/api/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("wrong status %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers not set")
	}
	var st tracker.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("error decoding state: %v", err)
	}
	ab := st.Accounts["0xabc"]
	if ab == nil || ab.Balance == nil || *ab.Balance != "0x01" {
		t.Fatalf("wrong account %+v", ab)
	}

	w = doRequest(s, http.MethodGet, "/api/debugstate", "")
	var snap map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("error decoding snapshot: %v", err)
	}
	if _, found := snap["accounts"]; found {
		t.Fatalf("accounts included in debug snapshot")
	}
	if snap["currentBlockGasLimit"] != "0x1c9c380" {
		t.Fatalf("wrong gas limit in snapshot: %v", snap["currentBlockGasLimit"])
	}
}

func TestAPIUpdate(t *testing.T) {
	core := newTCore()
	s := newTServer(t, core)

	w := doRequest(s, http.MethodPost, "/api/update", `{"networkClientId":"sepolia"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("wrong status %d", w.Code)
	}
	// An empty body means the selected network.
	doRequest(s, http.MethodPost, "/api/update", "")
	if len(core.updatedIDs) != 2 || core.updatedIDs[0] != "sepolia" || core.updatedIDs[1] != "" {
		t.Fatalf("wrong updates %v", core.updatedIDs)
	}

	doRequest(s, http.MethodPost, "/api/updateaccount", `{"address":"0xdef"}`)
	if len(core.addrs) != 1 || core.addrs[0] != "0xdef" {
		t.Fatalf("wrong account updates %v", core.addrs)
	}

	doRequest(s, http.MethodPost, "/api/updateall", "")
	if core.allActive != 1 {
		t.Fatalf("all active networks not updated")
	}

	core.updateErr = errors.New("rpc down")
	w = doRequest(s, http.MethodPost, "/api/update", `{}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("wrong status for update error %d", w.Code)
	}
	var resp standardResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.OK || !strings.Contains(resp.Msg, "rpc down") {
		t.Fatalf("wrong error response %+v", resp)
	}

	w = doRequest(s, http.MethodPost, "/api/update", `{bad json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("wrong status for bad json %d", w.Code)
	}

	core.updateErr = fmt.Errorf("%w: 0xdef", tracker.ErrInvalidAddress)
	w = doRequest(s, http.MethodPost, "/api/updateaccount", `{"address":"0xdef"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("wrong status for invalid address %d", w.Code)
	}
}

func TestAPISelectNetwork(t *testing.T) {
	core := newTCore()
	s := newTServer(t, core)

	w := doRequest(s, http.MethodPost, "/api/selectnetwork", `{"networkClientId":"sepolia"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("wrong status %d", w.Code)
	}
	if core.selected != "sepolia" {
		t.Fatalf("wrong selected network %q", core.selected)
	}

	for _, body := range []string{`{"networkClientId":"nope"}`, `{}`} {
		w = doRequest(s, http.MethodPost, "/api/selectnetwork", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("wrong status for %s: %d", body, w.Code)
		}
	}
	if core.selected != "sepolia" {
		t.Fatalf("selection changed to %q", core.selected)
	}
}

func TestAPIPolling(t *testing.T) {
	core := newTCore()
	s := newTServer(t, core)

	w := doRequest(s, http.MethodPost, "/api/poll", `{"networkClientId":"mainnet"}`)
	var resp struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if !resp.OK || resp.Token == "" {
		t.Fatalf("no token %+v", resp)
	}

	w = doRequest(s, http.MethodPost, "/api/poll", `{"networkClientId":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("wrong status for unknown network %d", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/api/unpoll", `{"token":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("wrong status for empty token %d", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/api/unpoll", `{"token":"`+resp.Token+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("wrong status for unpoll %d", w.Code)
	}
	if core.activeTokens() != 0 {
		t.Fatalf("token not released")
	}

	doRequest(s, http.MethodPost, "/api/clear", "")
	if !core.cleared {
		t.Fatalf("accounts not cleared")
	}
}

type rpcMsg struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func TestWebsocketRPC(t *testing.T) {
	core := newTCore()
	s := newTServer(t, core)
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	send := func(v string) {
		t.Helper()
		env := `{"type":"` + caipstream.StreamType + `","data":` + v + `}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(env)); err != nil {
			t.Fatalf("write error: %v", err)
		}
	}
	recv := func() *rpcMsg {
		t.Helper()
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("error decoding envelope: %v", err)
		}
		if env.Type != caipstream.StreamType {
			t.Fatalf("wrong envelope type %q", env.Type)
		}
		msg := new(rpcMsg)
		if err := json.Unmarshal(env.Data, msg); err != nil {
			t.Fatalf("error decoding rpc message: %v", err)
		}
		return msg
	}

	// Other envelope types are ignored.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"other","data":{}}`))

	send(`{"jsonrpc":"2.0","id":1,"method":"wallet_getState","params":[]}`)
	msg := recv()
	if msg.ID != 1 || msg.Error != nil {
		t.Fatalf("wrong getState response %+v", msg)
	}
	var st tracker.State
	if err := json.Unmarshal(msg.Result, &st); err != nil {
		t.Fatalf("error decoding state: %v", err)
	}
	if st.Accounts["0xabc"] == nil {
		t.Fatalf("account missing from state")
	}

	send(`{"jsonrpc":"2.0","id":2,"method":"wallet_startPolling","params":["mainnet"]}`)
	msg = recv()
	var token string
	if err := json.Unmarshal(msg.Result, &token); err != nil || token == "" {
		t.Fatalf("no token: %s, %v", msg.Result, err)
	}

	send(`{"jsonrpc":"2.0","id":3,"method":"wallet_updateAccounts","params":[]}`)
	msg = recv()
	if msg.Error != nil {
		t.Fatalf("updateAccounts error: %s", msg.Error.Message)
	}

	send(`{"jsonrpc":"2.0","id":4,"method":"wallet_startPolling","params":["nope"]}`)
	msg = recv()
	if msg.Error == nil {
		t.Fatalf("no error for unknown network")
	}

	// Polling sessions held by the connection are released when it ends.
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for core.activeTokens() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("polling token not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWalletAPIRelease(t *testing.T) {
	core := newTCore()
	api := newWalletAPI(core)
	t1, _ := api.StartPolling("mainnet")
	api.StartPolling("sepolia")
	if _, err := api.StopPolling(t1); err != nil {
		t.Fatalf("StopPolling error: %v", err)
	}
	if core.activeTokens() != 1 {
		t.Fatalf("wrong token count %d", core.activeTokens())
	}
	api.release()
	if core.activeTokens() != 0 {
		t.Fatalf("tokens not released")
	}
}

type TWallet struct {
	accounts  []string
	selected  string
	onboarded bool
	multi     bool
}

func (w *TWallet) Accounts() []string      { return w.accounts }
func (w *TWallet) SelectedAccount() string { return w.selected }

func (w *TWallet) AddAccount(addr string) error {
	if addr == "" {
		return errors.New("invalid address")
	}
	w.accounts = append(w.accounts, addr)
	return nil
}

func (w *TWallet) RemoveAccount(addr string) error {
	for i, a := range w.accounts {
		if a == addr {
			w.accounts = append(w.accounts[:i], w.accounts[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown account")
}

func (w *TWallet) SelectAccount(addr string) error {
	w.selected = addr
	return nil
}

func (w *TWallet) SetOnboarded(completed bool) error {
	w.onboarded = completed
	return nil
}

func (w *TWallet) SetMultiAccountBalanceChecker(on bool) error {
	w.multi = on
	return nil
}

func TestAPIWallet(t *testing.T) {
	// Without a wallet, the routes are not served.
	s := newTServer(t, newTCore())
	if w := doRequest(s, http.MethodGet, "/api/wallet/accounts", ""); w.Code != http.StatusNotFound {
		t.Fatalf("wallet route served without a wallet: %d", w.Code)
	}

	wallet := &TWallet{}
	s, err := New(&Config{Core: newTCore(), Wallet: wallet})
	if err != nil {
		t.Fatalf("error creating server: %v", err)
	}

	if w := doRequest(s, http.MethodPost, "/api/wallet/add", `{"address":"0xabc"}`); w.Code != http.StatusOK {
		t.Fatalf("wrong status for add %d", w.Code)
	}
	if w := doRequest(s, http.MethodPost, "/api/wallet/add", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("wrong status for bad add %d", w.Code)
	}
	doRequest(s, http.MethodPost, "/api/wallet/select", `{"address":"0xabc"}`)
	doRequest(s, http.MethodPost, "/api/wallet/onboarding", `{"on":true}`)
	doRequest(s, http.MethodPost, "/api/wallet/multiaccount", `{"on":true}`)
	if !wallet.onboarded || !wallet.multi {
		t.Fatalf("preferences not set")
	}

	w := doRequest(s, http.MethodGet, "/api/wallet/accounts", "")
	var resp struct {
		Accounts []string `json:"accounts"`
		Selected string   `json:"selected"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error decoding accounts: %v", err)
	}
	if len(resp.Accounts) != 1 || resp.Selected != "0xabc" {
		t.Fatalf("wrong accounts response %+v", resp)
	}

	if w := doRequest(s, http.MethodPost, "/api/wallet/remove", `{"address":"0xdef"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("wrong status for unknown account %d", w.Code)
	}
	doRequest(s, http.MethodPost, "/api/wallet/remove", `{"address":"0xabc"}`)
	if len(wallet.accounts) != 0 {
		t.Fatalf("account not removed")
	}
}
