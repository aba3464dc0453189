// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"decred.org/acctracker/acct/networks/eth"
)

const tAddr = "0x00000000000000000000000000000000000000AA"

func TestParseFileConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, configFilename)
	ini := `
network=mainnet,1,https://mainnet.example.com
network=local,0x539,http://127.0.0.1:8545,exists
selectednetwork=local
account=` + tAddr + `
onboarded=1
pollinterval=5s
`
	if err := os.WriteFile(cfgPath, []byte(ini), 0600); err != nil {
		t.Fatalf("error writing config: %v", err)
	}

	cfg := DefaultConfig
	err := parseFileConfig(cfgPath, &cfg, []string{"--webaddr=127.0.0.1:9999", "--multiaccountbalancechecker"})
	if err != nil {
		t.Fatalf("parseFileConfig error: %v", err)
	}
	if err := ResolveConfig(dir, &cfg); err != nil {
		t.Fatalf("ResolveConfig error: %v", err)
	}

	if len(cfg.NetworkConfigs) != 2 {
		t.Fatalf("expected 2 networks, got %d", len(cfg.NetworkConfigs))
	}
	local := cfg.NetworkConfigs[1]
	if local.ID != "local" || local.ChainID != eth.LocalhostChainID || local.Checker != eth.CheckerExistsTuple {
		t.Fatalf("wrong local network %+v", local)
	}
	if cfg.SelectedNetwork != "local" {
		t.Fatalf("wrong selected network %q", cfg.SelectedNetwork)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0] != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("account not normalized: %v", cfg.Accounts)
	}
	if !cfg.Onboarded || !cfg.MultiAccount {
		t.Fatalf("wallet flags not parsed")
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("wrong poll interval %s", cfg.PollInterval)
	}
	if cfg.WebAddr != "127.0.0.1:9999" {
		t.Fatalf("command line did not override web address: %s", cfg.WebAddr)
	}
	if cfg.DBPath != filepath.Join(dir, "acctracker.db") {
		t.Fatalf("wrong default db path %s", cfg.DBPath)
	}
	if cfg.LogPath != filepath.Join(dir, "logs", "acctracker.log") {
		t.Fatalf("wrong default log path %s", cfg.LogPath)
	}

	rc := cfg.Registry(nil)
	if len(rc.Networks) != 2 || rc.Selected != "local" || rc.PollInterval != 5*time.Second {
		t.Fatalf("wrong registry config %+v", rc)
	}
}

func TestResolveConfigErrors(t *testing.T) {
	dir := t.TempDir()
	for name, cfg := range map[string]Config{
		"no networks": {},
		"bad network": {
			NetConfig: NetConfig{Networks: []string{"mainnet"}},
		},
		"bad account": {
			NetConfig:    NetConfig{Networks: []string{"mainnet,1,https://mainnet.example.com"}},
			WalletConfig: WalletConfig{Accounts: []string{"0x123"}},
		},
		"bad selected account": {
			NetConfig:    NetConfig{Networks: []string{"mainnet,1,https://mainnet.example.com"}},
			WalletConfig: WalletConfig{SelectedAccount: "abc"},
		},
		"negative rate limit": {
			NetConfig: NetConfig{
				Networks:     []string{"mainnet,1,https://mainnet.example.com"},
				RPCRateLimit: -1,
			},
		},
	} {
		if err := ResolveConfig(dir, &cfg); err == nil {
			t.Fatalf("%s: no error", name)
		}
	}
}

func TestResolveCLIConfigPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig
	cfg.AppData = dir
	appData, cfgPath := ResolveCLIConfigPaths(&cfg)
	if appData != dir {
		t.Fatalf("wrong app data %s", appData)
	}
	if cfgPath != filepath.Join(dir, configFilename) {
		t.Fatalf("config path not moved to new app data dir: %s", cfgPath)
	}
}

func TestWebCertPair(t *testing.T) {
	for _, tt := range []struct {
		addr   string
		webTLS bool
		tls    bool
	}{
		{"127.0.0.1:5760", false, false},
		{"localhost:5760", false, false},
		{"192.168.1.5:5760", false, false},
		{"[::1]:5760", false, false},
		{"127.0.0.1:5760", true, true},
		{"8.8.8.8:443", false, true},
		{"tracker.example.com:443", false, true},
	} {
		cfg := &Config{AppData: "/data", WebAddr: tt.addr, WebTLS: tt.webTLS}
		certFile, keyFile := cfg.webCertPair()
		if (certFile != "") != tt.tls || (keyFile != "") != tt.tls {
			t.Fatalf("%s (webtls = %t): wanted TLS %t, got cert %q, key %q",
				tt.addr, tt.webTLS, tt.tls, certFile, keyFile)
		}
	}
}
