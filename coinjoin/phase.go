// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/btcsuite/btcjoin/registry"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDeadlineGrace is added to every phase deadline the
	// coordinator reports before local units are cancelled.
	DefaultDeadlineGrace = 10 * time.Second

	// DefaultSigningGrace bounds how long signature submissions may
	// continue after shutdown was requested.
	DefaultSigningGrace = 30 * time.Second

	// DefaultBanCooldown is how long an input this wallet failed to sign
	// is kept out of new rounds.
	DefaultBanCooldown = 24 * time.Hour

	// defaultPhaseTimeout is used when the coordinator reports no phase
	// deadline.
	defaultPhaseTimeout = 10 * time.Minute
)

// PhaseObserver is notified of every phase a round moves through, in
// order.
type PhaseObserver func(id coordinator.RoundID, phase coordinator.Phase)

// RoundConfig holds the collaborators and limits shared by every round.
type RoundConfig struct {
	Client   coordinator.Client
	Keys     KeyRing
	Registry *registry.Registry

	// NewTicker creates the ticker a round polls the coordinator with.
	// The ticker is returned paused.
	NewTicker func() ticker.Ticker

	DeadlineGrace time.Duration
	SigningGrace  time.Duration
	BanCooldown   time.Duration

	// BanAddressCluster extends local bans from the outpoint to every
	// coin paying to the same script.
	BanAddressCluster bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Observer is optional.
	Observer PhaseObserver
}

// ban records a ban of utxo. A zero until means the configured cooldown.
func (c *RoundConfig) ban(utxo *Utxo, until time.Time, reason string) error {
	if until.IsZero() {
		until = c.Now().Add(c.BanCooldown)
	}

	var pkScript []byte
	if c.BanAddressCluster {
		pkScript = utxo.PkScript
	}

	return c.Registry.BanUTXO(utxo.OutPoint, pkScript, until, reason)
}

// PhaseCoordinator drives this wallet's participation in rounds. It holds
// no per-round state and may run any number of rounds concurrently.
type PhaseCoordinator struct {
	cfg RoundConfig
}

// NewPhaseCoordinator creates a PhaseCoordinator, filling in defaults for
// unset limits.
func NewPhaseCoordinator(cfg RoundConfig) *PhaseCoordinator {
	if cfg.NewTicker == nil {
		cfg.NewTicker = func() ticker.Ticker {
			return ticker.New(DefaultPollInterval)
		}
	}
	if cfg.DeadlineGrace == 0 {
		cfg.DeadlineGrace = DefaultDeadlineGrace
	}
	if cfg.SigningGrace == 0 {
		cfg.SigningGrace = DefaultSigningGrace
	}
	if cfg.BanCooldown == 0 {
		cfg.BanCooldown = DefaultBanCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &PhaseCoordinator{cfg: cfg}
}

// Start registers utxos into round id and drives the round until it ends
// or this wallet drops out of it. It never returns before every unit it
// started has finished.
//
// Cancelling ctx withdraws registered inputs during InputRegistration and
// lets signatures already being produced complete within the signing
// grace period.
func (p *PhaseCoordinator) Start(ctx context.Context, id coordinator.RoundID,
	utxos []*Utxo) RoundOutcome {

	r := &roundRun{
		cfg:   &p.cfg,
		id:    id,
		ticks: p.cfg.NewTicker(),
	}
	for _, utxo := range utxos {
		r.alices = append(r.alices, NewAlice(utxo, id))
	}

	r.ticks.Resume()
	defer r.ticks.Stop()

	outcome := r.run(ctx)

	log.Infof("Round %v: %v", id, outcome)

	return outcome
}

// roundRun is the state of one round as seen by this wallet.
type roundRun struct {
	cfg   *RoundConfig
	id    coordinator.RoundID
	ticks ticker.Ticker

	// phase is the local phase. It only moves forward.
	phase  coordinator.Phase
	status *coordinator.RoundStatus

	alices   []*Alice
	bobs     []*Bob
	unsigned *UnsignedTransaction
}

func (r *roundRun) run(ctx context.Context) RoundOutcome {
	status, err := r.cfg.Client.RoundStatus(ctx, r.id)
	if err != nil {
		return r.failed(fromCoordinator("unable to query round", err))
	}
	if status.Phase != coordinator.InputRegistration {
		return r.failed(joinError(
			Timeout, ErrPhaseDeadline,
			fmt.Sprintf("round is already in %v", status.Phase), nil,
		))
	}

	r.status = status
	r.notify(coordinator.InputRegistration)

	// InputRegistration.
	err = r.runPhase(ctx, coordinator.InputRegistration, r.registerInputs)
	if err != nil {
		return r.abort(ctx, err)
	}
	if r.count(AliceConfirmingConnection) == 0 {
		return r.disqualified()
	}

	err = r.wait(ctx, coordinator.InputRegistration, r.heartbeat)
	if err != nil {
		return r.abort(ctx, err)
	}
	if r.phase == coordinator.Ended {
		return r.ended()
	}

	// ConnectionConfirmation.
	if r.phase == coordinator.ConnectionConfirmation {
		err := r.runPhase(
			ctx, coordinator.ConnectionConfirmation, r.confirmInputs,
		)
		if err != nil {
			return r.abort(ctx, err)
		}

		if r.count(AliceConfirmed) > 0 {
			err = r.wait(ctx, coordinator.ConnectionConfirmation, nil)
			if err != nil {
				return r.abort(ctx, err)
			}
		}
	}
	r.expire(AliceConfirmingConnection)
	if r.count(AliceConfirmed) == 0 {
		return r.disqualified()
	}
	if r.phase == coordinator.Ended {
		return r.ended()
	}

	// OutputRegistration.
	if r.phase == coordinator.OutputRegistration {
		err := r.runPhase(
			ctx, coordinator.OutputRegistration, r.registerOutputs,
		)
		if err != nil {
			return r.abort(ctx, err)
		}

		err = r.wait(ctx, coordinator.OutputRegistration, nil)
		if err != nil {
			return r.abort(ctx, err)
		}
	}

	// TransactionSigning.
	if r.phase == coordinator.TransactionSigning {
		if err := r.sign(ctx); err != nil {
			return r.abort(ctx, err)
		}

		err := r.wait(ctx, coordinator.TransactionSigning, nil)
		if err != nil {
			return r.abort(ctx, err)
		}
	}

	return r.ended()
}

// notify reports phase to the observer.
func (r *roundRun) notify(phase coordinator.Phase) {
	log.Debugf("Round %v entered %v", r.id, phase)

	if r.cfg.Observer != nil {
		r.cfg.Observer(r.id, phase)
	}
}

// poll refreshes the round status and moves the local phase forward to
// the coordinator's. The coordinator is authoritative: when it is more
// than one phase ahead the skipped phases are passed through in order.
func (r *roundRun) poll(ctx context.Context) error {
	status, err := r.cfg.Client.RoundStatus(ctx, r.id)
	if err != nil {
		return err
	}

	log.Tracef("Round %v status: %v", r.id, logClosure(func() string {
		return fmt.Sprintf("%v, %d inputs, %d outputs", status.Phase,
			status.RegisteredInputs, status.RegisteredOutputs)
	}))

	if status.Phase.Before(r.phase) || !status.Phase.Valid() {
		log.Warnf("Round %v: coordinator reported %v while in %v",
			r.id, status.Phase, r.phase)
		return nil
	}
	r.status = status

	if status.Phase > r.phase.Next() {
		log.Debugf("Round %v: coordinator is in %v, forcing local "+
			"phase forward from %v", r.id, status.Phase, r.phase)
	}
	for r.phase < status.Phase {
		r.phase = r.phase.Next()
		r.notify(r.phase)
	}

	return nil
}

// deadline returns the point local units of the current phase are
// cancelled at.
func (r *roundRun) deadline() time.Time {
	d := r.status.PhaseDeadline
	if d.IsZero() {
		d = r.cfg.Now().Add(defaultPhaseTimeout)
	}
	return d.Add(r.cfg.DeadlineGrace)
}

// runPhase runs units under the deadline of phase while polling the
// coordinator. Units are cancelled once the coordinator leaves the phase.
// Only fatal unit errors are returned.
func (r *roundRun) runPhase(ctx context.Context, phase coordinator.Phase,
	units func(context.Context) error) error {

	pctx, cancel := context.WithDeadline(ctx, r.deadline())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- units(pctx)
	}()

	for {
		select {
		case err := <-done:
			return err

		case <-r.ticks.Ticks():
			if err := r.poll(ctx); err != nil {
				log.Debugf("Round %v: unable to poll: %v", r.id,
					err)
				continue
			}

			if phase.Before(r.phase) {
				cancel()
			}
		}
	}
}

// wait blocks until the coordinator leaves phase, calling onTick before
// every poll. It gives up once the phase deadline passed.
func (r *roundRun) wait(ctx context.Context, phase coordinator.Phase,
	onTick func(context.Context)) error {

	deadline := time.NewTimer(time.Until(r.deadline()))
	defer deadline.Stop()

	for !phase.Before(r.phase) {
		select {
		case <-r.ticks.Ticks():
			if onTick != nil {
				onTick(ctx)
			}

			if err := r.poll(ctx); err != nil {
				log.Debugf("Round %v: unable to poll: %v", r.id,
					err)
			}

		case <-deadline.C:
			return joinError(
				Timeout, ErrPhaseDeadline,
				fmt.Sprintf("coordinator did not leave %v", phase),
				nil,
			)

		case <-ctx.Done():
			return joinError(
				Timeout, ErrPhaseDeadline, "shutting down",
				ctx.Err(),
			)
		}
	}

	return nil
}

// fanOut runs f for every element of units concurrently. Only fatal
// errors cancel the other units and are returned.
func fanOut[T any](ctx context.Context, units []T,
	f func(context.Context, T) error) error {

	g, gctx := errgroup.WithContext(ctx)
	for _, unit := range units {
		g.Go(func() error {
			if err := f(gctx, unit); IsFatal(err) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

func (r *roundRun) registerInputs(ctx context.Context) error {
	status := r.status
	return fanOut(ctx, r.alices, func(ctx context.Context, a *Alice) error {
		return a.Register(ctx, r.cfg, status)
	})
}

// heartbeat keeps every registered input alive during InputRegistration.
func (r *roundRun) heartbeat(ctx context.Context) {
	for _, a := range r.alices {
		if a.state != AliceConfirmingConnection {
			continue
		}

		if _, err := a.Heartbeat(ctx, r.cfg); err != nil {
			log.Debugf("%v: heartbeat failed: %v", a, err)
		}
	}
}

func (r *roundRun) confirmInputs(ctx context.Context) error {
	status := r.status
	alices := r.with(AliceConfirmingConnection)
	return fanOut(ctx, alices, func(ctx context.Context, a *Alice) error {
		return a.Confirm(ctx, r.cfg, status)
	})
}

// registerOutputs derives and registers the outputs of every confirmed
// input, then tells the coordinator the inputs are ready to sign. A
// failed output does not stop the round; its value goes to the miners.
func (r *roundRun) registerOutputs(ctx context.Context) error {
	status := r.status
	alices := r.with(AliceConfirmed)

	var bobs []*Bob
	for _, a := range alices {
		derived, err := newBobs(ctx, r.cfg.Keys, a)
		if err != nil {
			return err
		}
		bobs = append(bobs, derived...)
	}
	shuffleBobs(bobs)
	r.bobs = bobs

	err := fanOut(ctx, bobs, func(ctx context.Context, b *Bob) error {
		return b.Register(ctx, r.cfg, status)
	})
	if err != nil {
		return err
	}

	for _, b := range bobs {
		if b.state == BobFailed {
			log.Warnf("Round %v: %v forfeited: %v", r.id, b, b.err)
		}
	}

	return fanOut(ctx, alices, func(ctx context.Context, a *Alice) error {
		if err := a.ReadyToSign(ctx, r.cfg); err != nil {
			log.Debugf("%v: %v", a, err)
		}
		return nil
	})
}

// sign checks the joint transaction and signs every confirmed input.
// Signing is detached from ctx so shutdown does not abandon signatures
// already being produced.
func (r *roundRun) sign(ctx context.Context) error {
	unsigned, err := Assemble(r.status, r.alices, r.bobs)
	if err != nil {
		return err
	}
	r.unsigned = unsigned

	sctx, cancel := context.WithDeadline(
		context.WithoutCancel(ctx), r.deadline().Add(r.cfg.SigningGrace),
	)
	defer cancel()

	alices := r.with(AliceConfirmed)
	return fanOut(sctx, alices, func(ctx context.Context, a *Alice) error {
		err := a.Sign(ctx, r.cfg, unsigned)
		if err == nil || IsFatal(err) {
			return err
		}

		r.withhold(a, err)
		return nil
	})
}

// withhold bans an input of this wallet that was not signed.
func (r *roundRun) withhold(a *Alice, err error) {
	reason := fmt.Sprintf("signature withheld in round %v", r.id)
	if banErr := r.cfg.ban(a.Utxo, time.Time{}, reason); banErr != nil {
		log.Errorf("Unable to ban %v: %v", a.Utxo, banErr)
	}
	a.state = AliceBanned

	log.Warnf("Round %v: %v was not signed and is banned: %v", r.id,
		a, err)
}

// with returns the inputs in the given state.
func (r *roundRun) with(state AliceState) []*Alice {
	var alices []*Alice
	for _, a := range r.alices {
		if a.state == state {
			alices = append(alices, a)
		}
	}
	return alices
}

func (r *roundRun) count(state AliceState) int {
	return len(r.with(state))
}

// expire fails every input still in state once its phase is over.
func (r *roundRun) expire(state AliceState) {
	for _, a := range r.with(state) {
		a.fail(joinError(
			Timeout, ErrPhaseDeadline,
			fmt.Sprintf("%v ended", r.phase.String()), nil,
		))
	}
}

// withdraw unregisters every input still registered during
// InputRegistration.
func (r *roundRun) withdraw(ctx context.Context) {
	if r.phase != coordinator.InputRegistration {
		return
	}

	wctx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx), r.cfg.DeadlineGrace,
	)
	defer cancel()

	for _, a := range r.with(AliceConfirmingConnection) {
		if err := a.Unregister(wctx, r.cfg); err != nil {
			log.Warnf("Unable to withdraw %v: %v", a, err)
			continue
		}

		log.Infof("Withdrew %v from round %v", a.Utxo, r.id)
	}
}

// fates returns the fate of every input of the round.
func (r *roundRun) fates(mixed bool) map[wire.OutPoint]InputFate {
	fates := make(map[wire.OutPoint]InputFate, len(r.alices))
	for _, a := range r.alices {
		switch {
		case a.state == AliceBanned:
			fates[a.Utxo.OutPoint] = InputBanned
		case mixed && a.signed:
			fates[a.Utxo.OutPoint] = InputMixed
		default:
			fates[a.Utxo.OutPoint] = InputReleased
		}
	}
	return fates
}

func (r *roundRun) failed(err error) RoundOutcome {
	return &Failed{
		outcome: outcome{RoundID: r.id, Inputs: r.fates(false)},
		Err:     err,
	}
}

// abort ends participation after err. Fatal errors are logged at error
// level for the operator.
func (r *roundRun) abort(ctx context.Context, err error) RoundOutcome {
	if IsFatal(err) {
		log.Errorf("Round %v aborted: %v", r.id, err)
	}
	r.withdraw(ctx)

	var jerr Error
	if !errors.As(err, &jerr) {
		err = joinError(Rejected, ErrCoordinator, "round aborted", err)
	}

	return r.failed(err)
}

// disqualified reports that none of the wallet's inputs remain in the
// round.
func (r *roundRun) disqualified() RoundOutcome {
	reason := joinError(Timeout, ErrPhaseDeadline, "no inputs remain", nil)
	for _, a := range r.alices {
		var jerr Error
		if errors.As(a.err, &jerr) {
			reason = jerr
			break
		}
	}

	return &Disqualified{
		outcome: outcome{RoundID: r.id, Inputs: r.fates(false)},
		Reason:  reason,
	}
}

// ended builds the outcome of a round the coordinator has finished.
func (r *roundRun) ended() RoundOutcome {
	status := r.status

	if status.Result == coordinator.ResultSucceeded {
		return r.succeeded(status)
	}

	// Mirror the coordinator's bans of our inputs.
	for _, a := range r.alices {
		if !status.IsBanned(a.Utxo.OutPoint) {
			continue
		}

		reason := fmt.Sprintf("banned by coordinator in round %v",
			r.id)
		if err := r.cfg.ban(a.Utxo, status.BanUntil, reason); err != nil {
			log.Errorf("Unable to ban %v: %v", a.Utxo, err)
		}
		a.state = AliceBanned
	}

	for _, a := range r.alices {
		if a.state == AliceBanned && IsCode(a.err, ErrSignatureWithheld) {
			return r.failed(joinError(
				Timeout, ErrSignatureWithheld,
				fmt.Sprintf("input %v was not signed",
					a.Utxo.OutPoint), a.err,
			))
		}
	}

	return r.failed(joinError(
		Rejected, ErrRoundFailed, status.FailureReason, nil,
	))
}

func (r *roundRun) succeeded(status *coordinator.RoundStatus) RoundOutcome {
	if r.unsigned == nil {
		return r.failed(joinError(
			ProtocolViolation, ErrInvalidTransaction,
			"round succeeded without a signing phase", nil,
		))
	}

	tx, err := status.SignedTx()
	if err != nil {
		return r.failed(joinError(
			ProtocolViolation, ErrInvalidTransaction,
			"invalid signed transaction", err,
		))
	}
	if err := r.unsigned.Validate(tx); err != nil {
		log.Errorf("Round %v: %v", r.id, err)
		return r.failed(err)
	}

	var spent []*Utxo
	for _, a := range r.alices {
		if a.signed {
			spent = append(spent, a.Utxo)
		}
	}

	return &Success{
		outcome: outcome{RoundID: r.id, Inputs: r.fates(true)},
		Tx:      tx,
		Spent:   spent,
		Outputs: r.unsigned.Outputs,
	}
}
