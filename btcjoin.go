// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcjoin/build"
	"github.com/btcsuite/btcjoin/coinjoin"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/btcsuite/btcjoin/internal/cfgutil"
	"github.com/btcsuite/btcjoin/netparams"
	"github.com/btcsuite/btcjoin/registry"
	"github.com/btcsuite/btcjoin/rpcwallet"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const dbTimeout = 10 * time.Second

var (
	cfg       *config
	activeNet = &netparams.MainNetParams
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := joinMain(); err != nil {
		os.Exit(1)
	}
}

// joinMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func joinMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s (%v build)", version(), build.Deployment)

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	db, err := openDB(cfg.DataDir)
	if err != nil {
		log.Errorf("Unable to open database: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close database: %v", err)
		}
	})

	bans, err := registry.NewDBBanStore(db)
	if err != nil {
		log.Errorf("Unable to open ban list: %v", err)
		return err
	}
	reg, err := registry.New(bans)
	if err != nil {
		log.Errorf("Unable to load ban list: %v", err)
		return err
	}
	scores, err := rpcwallet.NewScoreStore(db)
	if err != nil {
		log.Errorf("Unable to open anonymity scores: %v", err)
		return err
	}

	rpcClient, err := startRPCClient()
	if err != nil {
		log.Errorf("Unable to connect to wallet RPC server: %v", err)
		return err
	}
	addInterruptHandler(func() {
		rpcClient.Shutdown()
		rpcClient.WaitForShutdown()
	})

	wallet, err := rpcwallet.New(rpcwallet.Config{
		Backend:     rpcClient,
		Scores:      scores,
		ChainParams: activeNet.Params,
		MinConf:     cfg.MinConf,
		Account:     cfg.Account,
	})
	if err != nil {
		log.Errorf("Unable to create wallet: %v", err)
		return err
	}

	client, err := coordinator.NewHTTPClient(coordinator.HTTPConfig{
		URL:      cfg.Coordinator,
		TorProxy: cfg.Proxy,
		Timeout:  cfg.CoordinatorTimeout,
	})
	if err != nil {
		log.Errorf("Unable to create coordinator client: %v", err)
		return err
	}

	manager := coinjoin.NewManager(coinjoin.Config{
		Wallet:                wallet,
		Keys:                  wallet,
		Broadcaster:           wallet,
		Client:                client,
		Registry:              reg,
		AnonymityTarget:       cfg.AnonScoreTarget,
		MaxConcurrentRounds:   cfg.MaxRounds,
		MaxRoundValue:         cfg.MaxRoundValue.Amount,
		MaxCoordinatorFeeRate: cfg.MaxCoordFeeRate.Fraction,
		BanCooldown:           cfg.BanCooldown,
		BanAddressCluster:     cfg.BanAddressCluster,
		PollInterval:          cfg.PollInterval,
		DeadlineGrace:         cfg.DeadlineGrace,
		SigningGrace:          cfg.SigningGrace,
		OnFatal:               onFatal,
		OnOutcome:             logOutcome,
	})
	if err := manager.Start(); err != nil {
		log.Errorf("Unable to start mixing: %v", err)
		return err
	}
	addInterruptHandler(manager.Stop)

	log.Infof("Mixing %s coins with coordinator %s up to anonymity "+
		"score %d", activeNet.Params.Name, cfg.Coordinator,
		cfg.AnonScoreTarget)

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// openDB opens the database holding bans and anonymity scores, creating
// it on first start.
func openDB(dataDir string) (walletdb.DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, joinDbName)
	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		log.Infof("Creating database %s", dbPath)
		return walletdb.Create("bdb", dbPath, true, dbTimeout, false)
	}

	return walletdb.Open("bdb", dbPath, true, dbTimeout, false)
}

// startRPCClient connects to the wallet RPC server and checks that it
// answers on the configured network.
func startRPCClient() (*rpcclient.Client, error) {
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			log.Warnf("Cannot open CA file %s: %v", cfg.CAFile, err)
			certs = nil
		}
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.RPCConnect,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableClientTLS,
		Certificates: certs,
	}, nil)
	if err != nil {
		return nil, err
	}

	info, err := client.GetBlockChainInfo()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	if !netparams.SameChain(activeNet, info.Chain) {
		client.Shutdown()
		return nil, fmt.Errorf("wallet is on chain %q, expected %s",
			info.Chain, activeNet.Params.Name)
	}

	log.Infof("Connected to wallet RPC server at %s", cfg.RPCConnect)
	return client, nil
}

// onFatal reports rounds that failed with a protocol violation or a
// cryptographic failure, shutting down when configured to.
func onFatal(id coordinator.RoundID, err error) {
	log.Criticalf("Round %v: %v", id, err)

	if cfg.StopOnFatal {
		log.Warn("Shutting down after fatal round failure")
		simulateInterrupt()
	}
}

// logOutcome summarizes the result of a round.
func logOutcome(outcome coinjoin.RoundOutcome) {
	fates := outcome.Fates()
	counts := make(map[coinjoin.InputFate]int)
	for _, fate := range fates {
		counts[fate]++
	}

	switch o := outcome.(type) {
	case *coinjoin.Success:
		log.Infof("Round %v: mixed %d %s into %d %s (tx %v)",
			o.Round(), len(o.Spent), pickNoun(len(o.Spent), "coin",
				"coins"), len(o.Outputs), pickNoun(len(o.Outputs),
				"output", "outputs"), o.Tx.TxHash())

	case *coinjoin.Failed:
		log.Infof("Round %v failed with %d %s committed: %v",
			o.Round(), len(fates), pickNoun(len(fates), "coin",
				"coins"), o.Err)

	case *coinjoin.Disqualified:
		log.Infof("Round %v: disqualified: %v", o.Round(), o.Reason)
	}

	for fate, n := range counts {
		log.Debugf("Round %v: %d %s %v", outcome.Round(), n,
			pickNoun(n, "coin", "coins"), fate)
	}
}
