// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package webserver serves the tracker state over a JSON HTTP API and a
// CAIP-348 websocket carrying JSON-RPC.
package webserver

import (
	"context"
	"crypto/elliptic"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/client/caipstream"
	"decred.org/acctracker/client/tracker"
	"github.com/decred/dcrd/certgen"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// rpcTimeoutSeconds is the number of seconds a request is allowed to take
	// before its connection is closed.
	rpcTimeoutSeconds = 10
	// maxBodyBytes limits the size of POST bodies.
	maxBodyBytes = 1 << 16
)

var log = acct.Disabled

// trackerCore is satisfied by *tracker.Tracker.
type trackerCore interface {
	State() *tracker.State
	UpdateAccounts(ctx context.Context, networkClientID string) error
	UpdateAccountByAddress(ctx context.Context, address string) error
	UpdateAccountsAllActiveNetworks(ctx context.Context) error
	StartPollingByNetworkClientID(networkClientID string) (string, error)
	StopPollingByPollingToken(token string) error
	ClearAccounts()
	SelectNetwork(networkClientID string) error
}

var _ trackerCore = (*tracker.Tracker)(nil)

// walletCore manages the wallet's accounts and preferences.
type walletCore interface {
	Accounts() []string
	SelectedAccount() string
	AddAccount(addr string) error
	RemoveAccount(addr string) error
	SelectAccount(addr string) error
	SetOnboarded(completed bool) error
	SetMultiAccountBalanceChecker(on bool) error
}

// Config is the configuration for a WebServer.
type Config struct {
	Core trackerCore
	// Wallet is optional. The /api/wallet routes are only served when it is
	// set.
	Wallet walletCore
	Addr   string
	Logger acct.Logger
	// Indent pretty-prints JSON responses.
	Indent bool
	// CertFile and KeyFile enable TLS. A self-signed pair is generated if
	// neither file exists.
	CertFile string
	KeyFile  string
}

// WebServer is an http and websocket server for the account tracker.
type WebServer struct {
	ctx    context.Context
	core   trackerCore
	wallet walletCore
	addr   string
	srv    *http.Server
	tlsCfg *tls.Config
	mux    *chi.Mux
	indent bool

	mtx     sync.Mutex
	streams map[*caipstream.Substream]struct{}
}

// New is the constructor for a new WebServer.
func New(cfg *Config) (*WebServer, error) {
	if cfg.Core == nil {
		return nil, errors.New("no tracker")
	}
	if cfg.Logger != nil {
		log = cfg.Logger
	}

	var tlsConfig *tls.Config
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		keyExists := fileExists(cfg.KeyFile)
		certExists := fileExists(cfg.CertFile)
		if certExists != keyExists {
			return nil, fmt.Errorf("missing cert pair file")
		}
		if !keyExists {
			if err := genCertPair(cfg.CertFile, cfg.KeyFile, cfg.Addr); err != nil {
				return nil, err
			}
		}
		keypair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
	}

	// Create an HTTP router.
	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: rpcTimeoutSeconds * time.Second, // slow requests should not hold connections opened
	}

	// Make the server here so its methods can be registered.
	s := &WebServer{
		ctx:     context.Background(),
		core:    cfg.Core,
		wallet:  cfg.Wallet,
		srv:     httpServer,
		tlsCfg:  tlsConfig,
		mux:     mux,
		addr:    cfg.Addr,
		indent:  cfg.Indent,
		streams: make(map[*caipstream.Substream]struct{}),
	}

	// Middleware
	mux.Use(middleware.Recoverer)
	mux.Use(securityMiddleware)
	// Websocket endpoint
	mux.Get("/ws", s.handleWS)
	mux.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(rpcTimeoutSeconds * time.Second))
		r.Get("/state", s.apiState)
		r.Get("/debugstate", s.apiDebugState)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/update", s.apiUpdate)
			r.Post("/updateall", s.apiUpdateAll)
			r.Post("/updateaccount", s.apiUpdateAccount)
			r.Post("/poll", s.apiPoll)
			r.Post("/unpoll", s.apiUnpoll)
			r.Post("/clear", s.apiClear)
			r.Post("/selectnetwork", s.apiSelectNetwork)
		})
		if s.wallet != nil {
			r.Route("/wallet", func(r chi.Router) {
				r.Get("/accounts", s.apiAccounts)
				r.Group(func(r chi.Router) {
					r.Use(middleware.AllowContentType("application/json"))
					r.Post("/add", s.apiAddAccount)
					r.Post("/remove", s.apiRemoveAccount)
					r.Post("/select", s.apiSelectAccount)
					r.Post("/onboarding", s.apiSetOnboarded)
					r.Post("/multiaccount", s.apiSetMultiAccount)
				})
			})
		}
	})

	return s, nil
}

// Run starts the web server. Satisfies the acct.Runner interface.
func (s *WebServer) Run(ctx context.Context) {
	// The context is used for websocket streams.
	s.ctx = ctx
	// Start serving.
	var listener net.Listener
	var err error
	scheme := "http"
	if s.tlsCfg != nil {
		listener, err = tls.Listen("tcp", s.addr, s.tlsCfg)
		scheme = "https"
	} else {
		listener, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		log.Errorf("Can't listen on %s. web server quitting: %v", s.addr, err)
		return
	}

	// Shutdown the server on context cancellation.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		err := s.srv.Shutdown(context.Background())
		if err != nil {
			log.Errorf("Problem shutting down web server: %v", err)
		}
	}()

	log.Infof("Web server listening on %s://%s", scheme, listener.Addr())
	err = s.srv.Serve(listener)
	if !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}
	log.Infof("Web server off")

	// Close the websocket streams since Shutdown does not deal with hijacked
	// websocket connections.
	s.mtx.Lock()
	for stream := range s.streams {
		stream.Close()
	}
	s.mtx.Unlock()

	wg.Wait()
}

// ServeHTTP lets the WebServer be used as an http.Handler, e.g. in tests.
func (s *WebServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// genCertPair generates a self-signed key/cert pair to the paths provided. The
// host of the listen address is added to the certificate's names.
func genCertPair(certFile, keyFile, addr string) error {
	log.Infof("Generating TLS certificates...")

	var altDNSNames []string
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		altDNSNames = append(altDNSNames, host)
	}
	org := "acctracker autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, altDNSNames)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}

// readPost unmarshals the request body into the provided interface. An empty
// body leaves it unchanged.
func readPost(w http.ResponseWriter, r *http.Request, thing any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil {
		log.Debugf("Error reading request body: %v", err)
		http.Error(w, "error reading JSON message", http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	err = json.Unmarshal(body, thing)
	if err != nil {
		log.Debugf("failed to unmarshal JSON request: %v", err)
		http.Error(w, "failed to unmarshal JSON request", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any, indent bool) {
	writeJSONWithStatus(w, thing, http.StatusOK, indent)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes to
// the ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int, indent bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	indentStr := ""
	if indent {
		indentStr = "    "
	}
	encoder.SetIndent("", indentStr)
	if err := encoder.Encode(thing); err != nil {
		log.Infof("JSON encode error: %v", err)
	}
}
