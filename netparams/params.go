// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// RPCPort is the default port of the wallet backend's JSON-RPC
	// server.
	RPCPort string
}

// MainNetParams contains parameters specific to running btcjoin on the
// main network (wire.MainNet).
var MainNetParams = Params{
	Params:  &chaincfg.MainNetParams,
	RPCPort: "8332",
}

// TestNet3Params contains parameters specific to running btcjoin on the
// test network (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:  &chaincfg.TestNet3Params,
	RPCPort: "18332",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:  &chaincfg.RegressionNetParams,
	RPCPort: "18443",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:  &chaincfg.SimNetParams,
	RPCPort: "18554",
}

// SigNetParams contains parameters specific to the default signet network
// (wire.SigNet).
var SigNetParams = Params{
	Params:  &chaincfg.SigNetParams,
	RPCPort: "38332",
}

// networks lists every supported network in the order they are shown to
// users.
var networks = []*Params{
	&MainNetParams, &TestNet3Params, &RegressionNetParams,
	&SimNetParams, &SigNetParams,
}

// ByName returns the parameters of the named network. Both the chaincfg
// names and the short forms "testnet" and "regtest" are accepted.
func ByName(name string) (*Params, error) {
	switch name {
	case "testnet":
		return &TestNet3Params, nil
	case "regtest":
		return &RegressionNetParams, nil
	}

	for _, params := range networks {
		if params.Name == name {
			return params, nil
		}
	}

	return nil, fmt.Errorf("unknown network %q", name)
}

// Names returns the names of every supported network.
func Names() []string {
	names := make([]string, 0, len(networks))
	for _, params := range networks {
		names = append(names, params.Name)
	}
	return names
}

// coreChainNames maps the chain names bitcoind reports in
// getblockchaininfo to their parameters.
var coreChainNames = map[string]*Params{
	"main":    &MainNetParams,
	"test":    &TestNet3Params,
	"regtest": &RegressionNetParams,
	"signet":  &SigNetParams,
}

// SameChain reports whether chain, as returned by a backend's
// getblockchaininfo, names the network of params. Both btcd and bitcoind
// naming is understood.
func SameChain(params *Params, chain string) bool {
	if chain == params.Name {
		return true
	}
	other, ok := coreChainNames[chain]
	return ok && other == params
}
