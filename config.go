// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcjoin/build"
	"github.com/btcsuite/btcjoin/coinjoin"
	"github.com/btcsuite/btcjoin/internal/cfgutil"
	"github.com/btcsuite/btcjoin/internal/prompt"
	"github.com/btcsuite/btcjoin/netparams"
	"github.com/btcsuite/btcjoin/rpcwallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultCAFilename       = "rpc.cert"
	defaultConfigFilename   = "btcjoin.conf"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultLogFilename      = "btcjoin.log"
	defaultAnonScoreTarget  = 5
	defaultBanCooldown      = coinjoin.DefaultBanCooldown
	defaultDeadlineGrace    = coinjoin.DefaultDeadlineGrace
	defaultSigningGrace     = coinjoin.DefaultSigningGrace
	defaultPollInterval     = coinjoin.DefaultPollInterval
	defaultMaxRounds        = coinjoin.DefaultMaxConcurrentRounds
	defaultMaxCoordFeeRate  = coinjoin.DefaultMaxCoordinatorFeeRate
	defaultCoordTimeout     = time.Minute
	defaultMinPollInterval  = time.Second
	defaultMaxAnonScoreGoal = 100

	joinDbName = "btcjoin.db"
)

var (
	btcjoinHomeDir    = btcutil.AppDataDir("btcjoin", false)
	btcwalletHomeDir  = btcutil.AppDataDir("btcwallet", false)
	walletCAFile      = filepath.Join(btcwalletHomeDir, "rpc.cert")
	defaultConfigFile = filepath.Join(btcjoinHomeDir, defaultConfigFilename)
	defaultDataDir    = btcjoinHomeDir
	defaultLogDir     = filepath.Join(btcjoinHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the ban list and anonymity scores"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Profile     string `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`

	// Network selection
	TestNet3      bool `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	RegressionNet bool `long:"regtest" description:"Use the regression test network (default mainnet)"`
	SimNet        bool `long:"simnet" description:"Use the simulation test network (default mainnet)"`
	SigNet        bool `long:"signet" description:"Use the signet test network (default mainnet)"`

	// Coordinator options
	Coordinator        string        `long:"coordinator" description:"URL of the coordinator API, e.g. http://<onion>/api/v1"`
	Proxy              string        `long:"proxy" description:"Connect to the coordinator via the Tor SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	NoProxy            bool          `long:"noproxy" description:"Connect to the coordinator directly -- NOTE: Release builds only allow this for coordinators on localhost"`
	CoordinatorTimeout time.Duration `long:"coordinatortimeout" description:"Timeout of a single coordinator request"`

	// Wallet backend options
	RPCConnect       string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the wallet RPC server to connect to (default localhost:8332, testnet: localhost:18332, regtest: localhost:18443, simnet: localhost:18554, signet: localhost:38332)"`
	CAFile           string `long:"cafile" description:"File containing root certificates to authenticate a TLS connection with the wallet"`
	DisableClientTLS bool   `long:"noclienttls" description:"Disable TLS for the RPC client -- NOTE: This is only allowed if the RPC client is connecting to localhost"`
	RPCUser          string `short:"u" long:"rpcuser" description:"Username for wallet RPC authentication"`
	RPCPass          string `short:"P" long:"rpcpass" default-mask:"-" description:"Password for wallet RPC authentication -- prompted for when unset"`
	Account          string `long:"account" description:"Wallet account mix outputs are paid to"`
	MinConf          int    `long:"minconf" description:"Confirmations a coin needs before it is mixed"`

	// Mixing policy
	AnonScoreTarget   int                  `long:"anonscoretarget" description:"Anonymity score at which a coin stops being mixed"`
	MaxRounds         int                  `long:"maxrounds" description:"Maximum number of rounds to take part in at once"`
	MaxRoundValue     *cfgutil.AmountFlag  `long:"maxroundvalue" description:"Maximum value in BTC to commit to a single round (0 for no limit)"`
	MaxCoordFeeRate   *cfgutil.PercentFlag `long:"maxcoordfeerate" description:"Highest coordinator fee to accept, as a percentage of the input value"`
	BanCooldown       time.Duration        `long:"bancooldown" description:"How long an input is kept out of rounds after it caused one to fail"`
	BanAddressCluster bool                 `long:"banaddresscluster" description:"Also keep every other coin paying to a banned input's address out of rounds"`
	PollInterval      time.Duration        `long:"pollinterval" description:"Base interval the coordinator is polled at; every poll is randomly jittered"`
	DeadlineGrace     time.Duration        `long:"deadlinegrace" description:"Extra time allowed after a coordinator phase deadline"`
	SigningGrace      time.Duration        `long:"signinggrace" description:"Time allowed to finish signing after a shutdown request"`
	StopOnFatal       bool                 `long:"stoponfatal" description:"Shut down when a round fails with a protocol violation or cryptographic failure"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(btcjoinHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// isLocalhost reports whether host names the local machine.
func isLocalhost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// defaultConfig returns the configuration used before the config file and
// command line are applied.
func defaultConfig() config {
	return config{
		ConfigFile:         defaultConfigFile,
		DataDir:            defaultDataDir,
		LogDir:             defaultLogDir,
		DebugLevel:         defaultLogLevel,
		CoordinatorTimeout: defaultCoordTimeout,
		Account:            rpcwallet.DefaultAccount,
		MinConf:            rpcwallet.DefaultMinConf,
		AnonScoreTarget:    defaultAnonScoreTarget,
		MaxRounds:          defaultMaxRounds,
		MaxRoundValue:      cfgutil.NewAmountFlag(0),
		MaxCoordFeeRate:    cfgutil.NewPercentFlag(defaultMaxCoordFeeRate),
		BanCooldown:        defaultBanCooldown,
		PollInterval:       defaultPollInterval,
		DeadlineGrace:      defaultDeadlineGrace,
		SigningGrace:       defaultSigningGrace,
	}
}

// validateMixingPolicy checks the mixing options for values the engine
// cannot work with.
func validateMixingPolicy(cfg *config) error {
	switch {
	case cfg.AnonScoreTarget < 1 ||
		cfg.AnonScoreTarget > defaultMaxAnonScoreGoal:

		return fmt.Errorf("anonscoretarget must be between 1 and %d",
			defaultMaxAnonScoreGoal)

	case cfg.MaxRounds < 1:
		return fmt.Errorf("maxrounds must be positive")

	case cfg.MaxCoordFeeRate.Fraction <= 0:
		return fmt.Errorf("maxcoordfeerate must be positive")

	case cfg.BanCooldown <= 0:
		return fmt.Errorf("bancooldown must be positive")

	case cfg.PollInterval < defaultMinPollInterval:
		return fmt.Errorf("pollinterval must be at least %v",
			defaultMinPollInterval)

	case cfg.DeadlineGrace < 0 || cfg.SigningGrace < 0:
		return fmt.Errorf("grace periods may not be negative")

	case cfg.MinConf < 0:
		return fmt.Errorf("minconf may not be negative")
	}

	return nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in btcjoin functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.RegressionNet {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if cfg.SigNet {
		activeNet = &netparams.SigNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: The testnet, regtest, simnet and signet params " +
			"can't be used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they
	// are "namespaced" per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, activeNet.Params.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	if err := validateMixingPolicy(&cfg); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// The coordinator is reached over Tor unless it runs on this machine.
	if cfg.Coordinator == "" {
		err := fmt.Errorf("%s: --coordinator is required", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	coordURL, err := url.Parse(cfg.Coordinator)
	if err != nil || coordURL.Host == "" {
		err := fmt.Errorf("%s: invalid coordinator url %q", funcName,
			cfg.Coordinator)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	switch {
	case cfg.NoProxy && cfg.Proxy != "":
		err := fmt.Errorf("%s: --proxy and --noproxy can not be used "+
			"together", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err

	case cfg.NoProxy && !isLocalhost(coordURL.Hostname()) &&
		build.Deployment == build.Production:

		err := fmt.Errorf("%s: the --noproxy option may not be used "+
			"with a coordinator that is not on localhost: %s",
			funcName, cfg.Coordinator)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err

	case !cfg.NoProxy && cfg.Proxy == "":
		err := fmt.Errorf("%s: --proxy is required to reach the "+
			"coordinator", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if cfg.RPCConnect == "" {
		cfg.RPCConnect = net.JoinHostPort("localhost", activeNet.RPCPort)
	}

	// Add default port to connect flag if missing.
	cfg.RPCConnect, err = cfgutil.NormalizeAddress(cfg.RPCConnect,
		activeNet.RPCPort)
	if err != nil {
		fmt.Fprintf(os.Stderr,
			"Invalid rpcconnect network address: %v\n", err)
		return nil, nil, err
	}

	rpcHost, _, err := net.SplitHostPort(cfg.RPCConnect)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DisableClientTLS {
		if !isLocalhost(rpcHost) {
			str := "%s: the --noclienttls option may not be used " +
				"when connecting RPC to non localhost " +
				"addresses: %s"
			err := fmt.Errorf(str, funcName, cfg.RPCConnect)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	} else if cfg.CAFile == "" {
		// If CAFile is unset, choose either the copy in the data
		// directory or the certificate of a local btcwallet.
		cfg.CAFile = filepath.Join(cfg.DataDir, defaultCAFilename)

		certExists, err := cfgutil.FileExists(cfg.CAFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		if !certExists && isLocalhost(rpcHost) {
			walletCertExists, err := cfgutil.FileExists(walletCAFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return nil, nil, err
			}
			if walletCertExists {
				cfg.CAFile = walletCAFile
			}
		}
	}

	// Expand environment variable and leading ~ for filepaths.
	cfg.CAFile = cleanAndExpandPath(cfg.CAFile)

	if cfg.RPCUser == "" {
		err := fmt.Errorf("%s: --rpcuser is required", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Keep the RPC password out of the process arguments by asking for
	// it when it is not in the config file.
	if cfg.RPCPass == "" {
		prefix := fmt.Sprintf("Wallet RPC password for %s@%s",
			cfg.RPCUser, cfg.RPCConnect)
		pass, err := prompt.PassPrompt(
			bufio.NewReader(os.Stdin), prefix, false,
		)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.RPCPass = string(pass)
	}

	return &cfg, remainingArgs, nil
}
