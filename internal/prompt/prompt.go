// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !js

package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var (
	// stdinFd is the descriptor passphrases are read from when it refers
	// to a terminal.
	stdinFd = int(os.Stdin.Fd())

	// isTerminal and readPassword are swapped out by tests.
	isTerminal   = term.IsTerminal
	readPassword = term.ReadPassword

	out io.Writer = os.Stdout
)

// readPass reads a single passphrase.  Terminal input is not echoed, while
// input from a pipe is read a line at a time from reader.
func readPass(reader *bufio.Reader) ([]byte, error) {
	if !isTerminal(stdinFd) {
		line, err := reader.ReadBytes('\n')
		if err != nil && (err != io.EOF || len(line) == 0) {
			return nil, err
		}
		return bytes.TrimSpace(line), nil
	}

	pass, err := readPassword(stdinFd)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(out, "\n")
	return bytes.TrimSpace(pass), nil
}

// PassPrompt prompts the user for a passphrase with the given prefix.  The
// function will ask the user to confirm the passphrase and will repeat the
// prompts until they enter a matching response.
func PassPrompt(reader *bufio.Reader, prefix string, confirm bool) ([]byte, error) {
	// Prompt the user until they enter a passphrase.
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Fprint(out, prompt)
		pass, err := readPass(reader)
		if err != nil {
			return nil, err
		}
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		fmt.Fprint(out, "Confirm passphrase: ")
		confirm, err := readPass(reader)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(pass, confirm) {
			fmt.Fprintln(out, "The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}
