// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package webserver

import (
	"errors"
	"fmt"
	"net/http"

	"decred.org/acctracker/client/tracker"
)

// standardResponse is a basic API response when no data needs to be returned.
type standardResponse struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg,omitempty"`
}

// simpleAck is a plain standardResponse with "ok" = true.
func simpleAck() *standardResponse {
	return &standardResponse{
		OK: true,
	}
}

type networkForm struct {
	NetworkClientID string `json:"networkClientId"`
}

type tokenForm struct {
	Token string `json:"token"`
}

type addressForm struct {
	Address string `json:"address"`
}

type toggleForm struct {
	On bool `json:"on"`
}

// apiState is the handler for the '/state' API request.
func (s *WebServer) apiState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.core.State(), s.indent)
}

// apiDebugState is the handler for the '/debugstate' API request. Only the
// fields safe for error reports are included.
func (s *WebServer) apiDebugState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.core.State().DebugSnapshot(), s.indent)
}

// apiUpdate is the handler for the '/update' API request. An empty network
// client ID updates the selected network.
func (s *WebServer) apiUpdate(w http.ResponseWriter, r *http.Request) {
	form := new(networkForm)
	if !readPost(w, r, form) {
		return
	}
	if err := s.core.UpdateAccounts(r.Context(), form.NetworkClientID); err != nil {
		s.writeAPIError(w, err, "update error: %v", err)
		return
	}
	writeJSON(w, simpleAck(), s.indent)
}

// apiUpdateAll is the handler for the '/updateall' API request.
func (s *WebServer) apiUpdateAll(w http.ResponseWriter, r *http.Request) {
	if err := s.core.UpdateAccountsAllActiveNetworks(r.Context()); err != nil {
		s.writeAPIError(w, err, "update error: %v", err)
		return
	}
	writeJSON(w, simpleAck(), s.indent)
}

// apiUpdateAccount is the handler for the '/updateaccount' API request. An
// empty address updates the selected account.
func (s *WebServer) apiUpdateAccount(w http.ResponseWriter, r *http.Request) {
	form := new(addressForm)
	if !readPost(w, r, form) {
		return
	}
	if err := s.core.UpdateAccountByAddress(r.Context(), form.Address); err != nil {
		s.writeAPIError(w, err, "update error: %v", err)
		return
	}
	writeJSON(w, simpleAck(), s.indent)
}

// apiSelectNetwork is the handler for the '/selectnetwork' API request. The
// default block subscription moves to the new network.
func (s *WebServer) apiSelectNetwork(w http.ResponseWriter, r *http.Request) {
	form := new(networkForm)
	if !readPost(w, r, form) {
		return
	}
	if form.NetworkClientID == "" {
		s.writeAPIError(w, errBadRequest{errors.New("no network")}, "select network error: no network")
		return
	}
	if err := s.core.SelectNetwork(form.NetworkClientID); err != nil {
		s.writeAPIError(w, err, "select network error: %v", err)
		return
	}
	writeJSON(w, simpleAck(), s.indent)
}

// apiPoll is the handler for the '/poll' API request.
func (s *WebServer) apiPoll(w http.ResponseWriter, r *http.Request) {
	form := new(networkForm)
	if !readPost(w, r, form) {
		return
	}
	token, err := s.core.StartPollingByNetworkClientID(form.NetworkClientID)
	if err != nil {
		s.writeAPIError(w, err, "poll error: %v", err)
		return
	}
	writeJSON(w, struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
	}{
		OK:    true,
		Token: token,
	}, s.indent)
}

// apiUnpoll is the handler for the '/unpoll' API request.
func (s *WebServer) apiUnpoll(w http.ResponseWriter, r *http.Request) {
	form := new(tokenForm)
	if !readPost(w, r, form) {
		return
	}
	if err := s.core.StopPollingByPollingToken(form.Token); err != nil {
		s.writeAPIError(w, err, "unpoll error: %v", err)
		return
	}
	writeJSON(w, simpleAck(), s.indent)
}

// apiClear is the handler for the '/clear' API request.
func (s *WebServer) apiClear(w http.ResponseWriter, r *http.Request) {
	s.core.ClearAccounts()
	writeJSON(w, simpleAck(), s.indent)
}

// apiAccounts is the handler for the '/wallet/accounts' API request.
func (s *WebServer) apiAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, &struct {
		OK       bool     `json:"ok"`
		Accounts []string `json:"accounts"`
		Selected string   `json:"selected"`
	}{
		OK:       true,
		Accounts: s.wallet.Accounts(),
		Selected: s.wallet.SelectedAccount(),
	}, s.indent)
}

// apiAddAccount is the handler for the '/wallet/add' API request.
func (s *WebServer) apiAddAccount(w http.ResponseWriter, r *http.Request) {
	s.walletAddressRequest(w, r, s.wallet.AddAccount, "add account error: %v")
}

// apiRemoveAccount is the handler for the '/wallet/remove' API request.
func (s *WebServer) apiRemoveAccount(w http.ResponseWriter, r *http.Request) {
	s.walletAddressRequest(w, r, s.wallet.RemoveAccount, "remove account error: %v")
}

// apiSelectAccount is the handler for the '/wallet/select' API request.
func (s *WebServer) apiSelectAccount(w http.ResponseWriter, r *http.Request) {
	s.walletAddressRequest(w, r, s.wallet.SelectAccount, "select account error: %v")
}

func (s *WebServer) walletAddressRequest(w http.ResponseWriter, r *http.Request, f func(string) error, errFmt string) {
	form := new(addressForm)
	if !readPost(w, r, form) {
		return
	}
	if err := f(form.Address); err != nil {
		s.writeAPIError(w, errBadRequest{err}, errFmt, err)
		return
	}
	writeJSON(w, simpleAck(), s.indent)
}

// apiSetOnboarded is the handler for the '/wallet/onboarding' API request.
func (s *WebServer) apiSetOnboarded(w http.ResponseWriter, r *http.Request) {
	form := new(toggleForm)
	if !readPost(w, r, form) {
		return
	}
	if err := s.wallet.SetOnboarded(form.On); err != nil {
		s.writeAPIError(w, err, "onboarding error: %v", err)
		return
	}
	writeJSON(w, simpleAck(), s.indent)
}

// apiSetMultiAccount is the handler for the '/wallet/multiaccount' API
// request.
func (s *WebServer) apiSetMultiAccount(w http.ResponseWriter, r *http.Request) {
	form := new(toggleForm)
	if !readPost(w, r, form) {
		return
	}
	if err := s.wallet.SetMultiAccountBalanceChecker(form.On); err != nil {
		s.writeAPIError(w, err, "preference error: %v", err)
		return
	}
	writeJSON(w, simpleAck(), s.indent)
}

// errBadRequest marks an error as the caller's fault.
type errBadRequest struct {
	error
}

func (e errBadRequest) Unwrap() error {
	return e.error
}

// writeAPIError logs the formatted error and sends a standardResponse with the
// error message. Caller errors get a 400 status.
func (s *WebServer) writeAPIError(w http.ResponseWriter, err error, format string, a ...any) {
	errMsg := fmt.Sprintf(format, a...)
	code := http.StatusInternalServerError
	var badReq errBadRequest
	if errors.As(err, &badReq) || errors.Is(err, tracker.ErrInvalidToken) || errors.Is(err, tracker.ErrUnknownNetwork) ||
		errors.Is(err, tracker.ErrInvalidAddress) {
		code = http.StatusBadRequest
	}
	log.Error(errMsg)
	resp := &standardResponse{
		OK:  false,
		Msg: errMsg,
	}
	writeJSONWithStatus(w, resp, code, s.indent)
}
