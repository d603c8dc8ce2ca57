// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Amount.String(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface. Values are
// given in BTC with an optional " BTC" suffix.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(strings.TrimSpace(value), " BTC")
	valueF64, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	amount, err := btcutil.NewAmount(valueF64)
	if err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("amount %v is negative", amount)
	}
	a.Amount = amount
	return nil
}

// PercentFlag is a fraction configured as a percentage, e.g. "0.3%" or
// "0.3" both yield 0.003.
type PercentFlag struct {
	Fraction float64
}

// NewPercentFlag creates a PercentFlag from a fraction.
func NewPercentFlag(fraction float64) *PercentFlag {
	return &PercentFlag{Fraction: fraction}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (p *PercentFlag) MarshalFlag() (string, error) {
	return strconv.FormatFloat(p.Fraction*100, 'f', -1, 64) + "%", nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (p *PercentFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(strings.TrimSpace(value), "%")
	pct, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("percentage %v out of range", pct)
	}
	p.Fraction = pct / 100
	return nil
}
