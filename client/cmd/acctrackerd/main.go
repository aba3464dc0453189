// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"decred.org/acctracker/acct"
	"decred.org/acctracker/client/app"
	dbi "decred.org/acctracker/client/db"
	"decred.org/acctracker/client/db/bolt"
	"decred.org/acctracker/client/events"
	"decred.org/acctracker/client/network"
	"decred.org/acctracker/client/tracker"
	"decred.org/acctracker/client/webserver"
)

// appName defines the application name.
const appName = "acctrackerd"

var (
	appCtx, cancel = context.WithCancel(context.Background())
	log            acct.Logger
)

func runTracker(cfg *app.Config) error {
	defer cancel() // for the earliest returns

	// Initialize logging.
	utc := !cfg.LocalLogs
	logMaker, closeLogger := app.InitLogging(cfg.LogPath, cfg.DebugLevel, cfg.LogStdout, utc)
	defer closeLogger()
	log = logMaker.NewLogger("ACCT")
	log.Infof("%s version %v (Go version %s)", appName, app.Version, runtime.Version())
	if utc {
		log.Infof("Logging with UTC time stamps. Current local time is %v",
			time.Now().Local().Format("15:04:05 MST"))
	}

	defer func() {
		if pv := recover(); pv != nil {
			log.Criticalf("Uh-oh! \n\nPanic:\n\n%v\n\nStack:\n\n%v\n\n",
				pv, string(debug.Stack()))
		}
	}()

	db, err := bolt.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	// The database outlives the tracker so that the final state is saved. It
	// is backed up and closed when dbCancel is called.
	dbCtx, dbCancel := context.WithCancel(context.Background())
	dbSSW := acct.NewStartStopWaiter(db)
	dbSSW.Start(dbCtx)
	defer func() {
		dbCancel()
		dbSSW.WaitForShutdown()
	}()

	savedState, err := db.TrackerState()
	switch {
	case errors.Is(err, dbi.ErrNotFound):
		log.Infof("No saved tracker state. Starting fresh.")
	case err != nil:
		return fmt.Errorf("error loading tracker state: %w", err)
	default:
		log.Infof("Loaded tracker state with %d accounts", len(savedState.Accounts))
	}

	bus := events.NewBus()
	store, err := app.NewAccountStore(db, bus, &cfg.WalletConfig, logMaker.NewLogger("WLLT"))
	if err != nil {
		return err
	}

	registry, err := network.NewRegistry(cfg.Registry(logMaker.NewLogger("NET")))
	if err != nil {
		return fmt.Errorf("error creating network registry: %w", err)
	}

	trk, err := tracker.New(&tracker.Config{
		Registry:    registry,
		Accounts:    store,
		Onboarding:  store,
		Preferences: store,
		Events:      bus,
		State:       savedState,
		StateChanged: func(s *tracker.State) {
			if err := db.StoreTrackerState(s); err != nil {
				log.Errorf("Error saving tracker state: %v", err)
			}
		},
		Logger: logMaker.NewLogger("TRACKER"),
	})
	if err != nil {
		return fmt.Errorf("error creating tracker: %w", err)
	}
	trk.SyncWithAddresses(store.Accounts())
	store.OnAccountsAdded(trk.AddAccounts)

	// Catch interrupt signal (e.g. ctrl+c).
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt)
	go func() {
		for range killChan {
			log.Infof("Shutting down...")
			cancel()
			return
		}
	}()

	netCM := acct.NewConnectionMaster(registry)
	if err := netCM.Connect(appCtx); err != nil {
		return fmt.Errorf("error connecting networks: %w", err)
	}
	defer netCM.Disconnect()

	// Run stops all polling when appCtx is canceled.
	trackerSSW := acct.NewStartStopWaiter(trk)
	trackerSSW.Start(appCtx)
	defer func() {
		cancel()
		trackerSSW.WaitForShutdown()
	}()

	if err := trk.Start(); err != nil {
		return fmt.Errorf("error starting tracker: %w", err)
	}

	var wg sync.WaitGroup
	if !cfg.NoWeb {
		webSrv, err := webserver.New(cfg.Web(trk, store, logMaker.NewLogger("WEB")))
		if err != nil {
			return fmt.Errorf("failed creating web server: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			webSrv.Run(appCtx)
			cancel() // in the event that Run returns prematurely prior to context cancellation
		}()
	}

	<-appCtx.Done()
	wg.Wait()
	log.Info("Exiting acctrackerd main.")
	return nil
}

func main() {
	// Parse configuration.
	cfg := app.DefaultConfig
	if err := app.ParseCLIConfig(&cfg); err != nil {
		os.Exit(1)
	}
	if cfg.ShowVer {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName, app.Version,
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}
	appData, configPath := app.ResolveCLIConfigPaths(&cfg)
	if err := app.ParseFileConfig(configPath, &cfg); err != nil {
		os.Exit(1)
	}
	if err := app.ResolveConfig(appData, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := runTracker(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
