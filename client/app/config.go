// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/client/network"
	"decred.org/acctracker/client/tracker"
	"decred.org/acctracker/client/webserver"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/jessevdk/go-flags"
)

const (
	defaultHost         = "127.0.0.1"
	defaultWebPort      = "5760"
	defaultLogLevel     = "info"
	defaultPollInterval = 20 * time.Second
	configFilename      = "acctracker.conf"
)

// Version is the application version. It may be overridden at build time with
// -ldflags "-X decred.org/acctracker/client/app.Version=...".
var Version = "0.1.0-pre"

var (
	defaultApplicationDirectory = dcrutil.AppDataDir("acctracker", false)
	defaultConfigPath           = filepath.Join(defaultApplicationDirectory, configFilename)
)

// LogConfig encapsulates the logging-related settings.
type LogConfig struct {
	LogPath    string `long:"logpath" description:"A file to save app logs"`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, optionally followed by subsystem=level pairs, e.g. info,TRACKER=debug"`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries."`
	LogStdout  bool   `long:"logstdout" description:"Copy log output to stdout."`
}

// NetConfig encapsulates the network and provider settings.
type NetConfig struct {
	Networks        []string      `long:"network" description:"A network as id,chainID,rpcURL[,checker], where checker is uint256 or exists. chainID may be decimal or 0x-prefixed hex. May be repeated."`
	SelectedNetwork string        `long:"selectednetwork" description:"ID of the selected network. Defaults to the first network."`
	PollInterval    time.Duration `long:"pollinterval" description:"How often HTTP providers are polled for new blocks."`
	RPCRateLimit    float64       `long:"rpcratelimit" description:"Maximum requests per second to each provider. 0 is unlimited."`
	// NetworkConfigs is a derivative field set by ResolveConfig.
	NetworkConfigs []*network.NetworkConfig
}

// WalletConfig encapsulates the initial wallet settings. Values stored in the
// database from an earlier run take precedence over Accounts.
type WalletConfig struct {
	Accounts        []string `long:"account" description:"An account address to track. May be repeated."`
	SelectedAccount string   `long:"selectedaccount" description:"The selected account. Defaults to the first account."`
	MultiAccount    bool     `long:"multiaccountbalancechecker" description:"Fetch balances for every tracked account, not just the selected one."`
	Onboarded       bool     `long:"onboarded" description:"Treat onboarding as complete. Balances are not fetched before onboarding."`
}

// Config is the application configuration definition.
type Config struct {
	LogConfig
	NetConfig
	WalletConfig
	// AppData and ConfigPath should be parsed from the command-line,
	// as it makes no sense to set these in the config file itself. If no values
	// are assigned, defaults will be used.
	AppData    string `long:"appdata" description:"Path to application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`
	DBPath     string `long:"db" description:"Database filepath. Database will be created if it does not exist."`
	WebAddr    string `long:"webaddr" description:"HTTP server address"`
	WebTLS     bool   `long:"webtls" description:"Use a self-signed certificate for HTTPS with the web server. This is implied for a publicly routable (not loopback or private subnet) webaddr."`
	NoWeb      bool   `long:"noweb" description:"disable the web server."`
	ShowVer    bool   `short:"V" long:"version" description:"Display version information and exit"`
}

// Web creates a configuration for the webserver.
func (cfg *Config) Web(t *tracker.Tracker, store *AccountStore, log acct.Logger) *webserver.Config {
	certFile, keyFile := cfg.webCertPair()
	return &webserver.Config{
		Core:     t,
		Wallet:   store,
		Addr:     cfg.WebAddr,
		Logger:   log,
		CertFile: certFile,
		KeyFile:  keyFile,
	}
}

// webCertPair is the TLS cert and key paths for the web server, or empty
// strings if TLS is not used.
func (cfg *Config) webCertPair() (certFile, keyFile string) {
	addr := cfg.WebAddr
	host, _, err := net.SplitHostPort(addr)
	if err == nil && host != "" {
		addr = host
	} else {
		// If SplitHostPort failed, IPv6 addresses may still have brackets.
		addr = strings.Trim(addr, "[]")
	}
	ip := net.ParseIP(addr)
	if cfg.WebTLS || (ip != nil && !ip.IsLoopback() && !ip.IsPrivate()) || (ip == nil && addr != "localhost") {
		return filepath.Join(cfg.AppData, "web.cert"), filepath.Join(cfg.AppData, "web.key")
	}
	return "", ""
}

// Registry creates a network registry configuration.
func (cfg *Config) Registry(log acct.Logger) *network.RegistryConfig {
	return &network.RegistryConfig{
		Networks:     cfg.NetworkConfigs,
		Selected:     cfg.SelectedNetwork,
		PollInterval: cfg.PollInterval,
		RateLimit:    cfg.RPCRateLimit,
		Logger:       log,
	}
}

var DefaultConfig = Config{
	AppData:    defaultApplicationDirectory,
	ConfigPath: defaultConfigPath,
	LogConfig:  LogConfig{DebugLevel: defaultLogLevel},
	NetConfig:  NetConfig{PollInterval: defaultPollInterval},
}

// ParseCLIConfig parses the command-line arguments into the provided struct
// with go-flags tags. If the --help flag has been passed, the struct is
// described back to the terminal and the program exits using os.Exit.
func ParseCLIConfig(cfg any) error {
	preParser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	_, flagerr := preParser.Parse()

	if flagerr != nil {
		e, ok := flagerr.(*flags.Error)
		if !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		if ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return flagerr
	}
	return nil
}

// ResolveCLIConfigPaths resolves the app data directory path and the
// configuration file path from the CLI config, (presumably parsed with
// ParseCLIConfig).
func ResolveCLIConfigPaths(cfg *Config) (appData, configPath string) {
	// If the app directory has been changed, replace shortcut chars such
	// as "~" with the full path.
	if cfg.AppData != defaultApplicationDirectory {
		cfg.AppData = acct.CleanAndExpandPath(cfg.AppData)
		// If the app directory has been changed, but the config file path hasn't,
		// reform the config file path with the new directory.
		if cfg.ConfigPath == defaultConfigPath {
			cfg.ConfigPath = filepath.Join(cfg.AppData, configFilename)
		}
	}
	cfg.ConfigPath = acct.CleanAndExpandPath(cfg.ConfigPath)
	return cfg.AppData, cfg.ConfigPath
}

// ParseFileConfig parses the INI file into the provided struct with go-flags
// tags. The CLI args are then parsed, and take precedence over the file values.
func ParseFileConfig(path string, cfg any) error {
	return parseFileConfig(path, cfg, os.Args[1:])
}

func parseFileConfig(path string, cfg any, args []string) error {
	parser := flags.NewParser(cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(path)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return err
		}
		// Missing file is not an error.
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return err
	}
	return nil
}

// ResolveConfig sets derivative fields of the Config struct using the specified
// app data directory (presumably returned from ResolveCLIConfigPaths). Some
// unset values are given defaults.
func ResolveConfig(appData string, cfg *Config) error {
	cfg.AppData = appData

	if len(cfg.Networks) == 0 {
		return fmt.Errorf("no networks configured. use --network=id,chainID,rpcURL")
	}
	cfg.NetworkConfigs = make([]*network.NetworkConfig, 0, len(cfg.Networks))
	for _, s := range cfg.Networks {
		n, err := network.ParseNetwork(s)
		if err != nil {
			return err
		}
		cfg.NetworkConfigs = append(cfg.NetworkConfigs, n)
	}

	for i, addr := range cfg.Accounts {
		norm, err := normalizeAddress(addr)
		if err != nil {
			return err
		}
		cfg.Accounts[i] = norm
	}
	if cfg.SelectedAccount != "" {
		norm, err := normalizeAddress(cfg.SelectedAccount)
		if err != nil {
			return err
		}
		cfg.SelectedAccount = norm
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RPCRateLimit < 0 {
		return fmt.Errorf("negative rpc rate limit %f", cfg.RPCRateLimit)
	}

	if cfg.WebAddr == "" {
		cfg.WebAddr = net.JoinHostPort(defaultHost, defaultWebPort)
	}

	dbPath, logPath := setPaths(appData)
	if cfg.DBPath == "" {
		cfg.DBPath = dbPath
	}
	cfg.DBPath = acct.CleanAndExpandPath(cfg.DBPath)
	if cfg.LogPath == "" {
		cfg.LogPath = logPath
	}
	cfg.LogPath = acct.CleanAndExpandPath(cfg.LogPath)
	return nil
}

// setPaths returns suggested paths for the database file and a log file. If
// using a file rotator, the directory of the log filepath as parsed by
// filepath.Dir is suitable for use.
func setPaths(applicationDirectory string) (dbPath, logPath string) {
	logDirectory := filepath.Join(applicationDirectory, "logs")
	return filepath.Join(applicationDirectory, "acctracker.db"),
		filepath.Join(logDirectory, "acctracker.log")
}

func normalizeAddress(addr string) (string, error) {
	return tracker.NormalizeAddress(addr)
}
