// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/net/proxy"
)

const (
	// DefaultRequestTimeout bounds a single HTTP exchange when no timeout
	// is configured. Tor round trips are slow, so this is generous.
	DefaultRequestTimeout = 60 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 4 << 20
)

// ErrProxyDialer is returned when the configured proxy cannot dial with a
// context.
var ErrProxyDialer = errors.New("socks5 dialer does not support contexts")

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// URL is the API root, e.g. http://<onion>/api/v1.
	URL string

	// TorProxy is the host:port of a SOCKS5 proxy. Requests are sent
	// directly when empty, which is only sensible for tests and local
	// coordinators.
	TorProxy string

	// Timeout bounds a single request. Zero means
	// DefaultRequestTimeout.
	Timeout time.Duration
}

// HTTPClient implements Client over JSON/HTTP. Every transport identity
// gets its own SOCKS5 credentials, which makes Tor build a separate
// circuit for it.
type HTTPClient struct {
	cfg  HTTPConfig
	base *url.URL

	// shared serves DefaultIdentity requests.
	shared *http.Client
}

// A compile-time assertion to ensure HTTPClient satisfies Client.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the coordinator at cfg.URL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid coordinator url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}

	c := &HTTPClient{cfg: cfg, base: base}

	tr, err := c.newTransport(DefaultIdentity)
	if err != nil {
		return nil, err
	}
	c.shared = &http.Client{Transport: tr, Timeout: cfg.Timeout}

	return c, nil
}

// newTransport returns a transport that dials through the proxy with
// identity as SOCKS5 credentials.
func (c *HTTPClient) newTransport(identity string) (*http.Transport, error) {
	tr := &http.Transport{
		MaxIdleConns:    2,
		IdleConnTimeout: 30 * time.Second,
	}
	if c.cfg.TorProxy == "" {
		return tr, nil
	}

	auth := &proxy.Auth{User: identity, Password: identity}
	dialer, err := proxy.SOCKS5("tcp", c.cfg.TorProxy, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, ErrProxyDialer
	}
	tr.DialContext = ctxDialer.DialContext

	return tr, nil
}

// clientFor returns the http.Client for the identity carried by ctx and a
// function releasing its connections.
func (c *HTTPClient) clientFor(ctx context.Context) (*http.Client, func(),
	error) {

	identity := IdentityFromContext(ctx)
	if identity == DefaultIdentity {
		return c.shared, func() {}, nil
	}

	tr, err := c.newTransport(identity)
	if err != nil {
		return nil, nil, err
	}

	client := &http.Client{Transport: tr, Timeout: c.cfg.Timeout}
	return client, tr.CloseIdleConnections, nil
}

// do performs one JSON exchange. A non-2xx response is decoded into an
// *Error.
func (c *HTTPClient) do(ctx context.Context, method string, out interface{},
	body interface{}, path ...string) error {

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	endpoint := c.base.JoinPath(path...)
	req, err := http.NewRequestWithContext(
		ctx, method, endpoint.String(), reqBody,
	)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client, release, err := c.clientFor(ctx)
	if err != nil {
		return err
	}
	defer release()

	log.Debugf("%s %s", method, endpoint.Path)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cerr := &Error{}
		if err := json.Unmarshal(respBody, cerr); err != nil {
			return NewError(ErrInternal, "unexpected status %d",
				resp.StatusCode)
		}
		return cerr
	}

	if out == nil {
		return nil
	}

	return json.Unmarshal(respBody, out)
}

// Rounds returns the status of every running round.
func (c *HTTPClient) Rounds(ctx context.Context) ([]*RoundStatus, error) {
	var rounds []*RoundStatus
	err := c.do(ctx, http.MethodGet, &rounds, nil, "rounds")
	if err != nil {
		return nil, err
	}

	log.Tracef("Rounds: %v", logClosure(func() string {
		return spew.Sdump(rounds)
	}))

	return rounds, nil
}

// RoundStatus returns the status of one round.
func (c *HTTPClient) RoundStatus(ctx context.Context,
	id RoundID) (*RoundStatus, error) {

	var status RoundStatus
	err := c.do(ctx, http.MethodGet, &status, nil, "rounds", id.String())
	if err != nil {
		return nil, err
	}

	log.Tracef("Round %v status: %v", id, logClosure(func() string {
		return spew.Sdump(&status)
	}))

	return &status, nil
}

// RegisterInput registers a UTXO.
func (c *HTTPClient) RegisterInput(ctx context.Context,
	req *InputRegistrationRequest) (*InputRegistrationResponse, error) {

	var resp InputRegistrationResponse
	err := c.do(
		ctx, http.MethodPost, &resp, req, "rounds",
		req.RoundID.String(), "inputs",
	)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// Unregister withdraws an input.
func (c *HTTPClient) Unregister(ctx context.Context,
	req *UnregisterRequest) error {

	return c.do(
		ctx, http.MethodPost, nil, req, "rounds", req.RoundID.String(),
		"unregister",
	)
}

// ConfirmConnection sends a heartbeat or credential request.
func (c *HTTPClient) ConfirmConnection(ctx context.Context,
	req *ConnectionConfirmationRequest) (*ConnectionConfirmationResponse,
	error) {

	var resp ConnectionConfirmationResponse
	err := c.do(
		ctx, http.MethodPost, &resp, req, "rounds",
		req.RoundID.String(), "confirmations",
	)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// RegisterOutput registers an anonymous output.
func (c *HTTPClient) RegisterOutput(ctx context.Context,
	req *OutputRegistrationRequest) error {

	return c.do(
		ctx, http.MethodPost, nil, req, "rounds", req.RoundID.String(),
		"outputs",
	)
}

// RegisterChange registers an input's leftover output.
func (c *HTTPClient) RegisterChange(ctx context.Context,
	req *ChangeRegistrationRequest) error {

	return c.do(
		ctx, http.MethodPost, nil, req, "rounds", req.RoundID.String(),
		"change",
	)
}

// ReadyToSign reports that all outputs of an input are registered.
func (c *HTTPClient) ReadyToSign(ctx context.Context,
	req *ReadyToSignRequest) error {

	return c.do(
		ctx, http.MethodPost, nil, req, "rounds", req.RoundID.String(),
		"ready",
	)
}

// SubmitSignature submits an input witness.
func (c *HTTPClient) SubmitSignature(ctx context.Context,
	req *SignatureRequest) error {

	return c.do(
		ctx, http.MethodPost, nil, req, "rounds", req.RoundID.String(),
		"signatures",
	)
}
