// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinjoin

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/btcsuite/btcjoin/internal/jitter"
	"github.com/btcsuite/btcjoin/registry"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultPollInterval is the base interval rounds are discovered and
	// polled at.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxConcurrentRounds is the default cap on rounds in flight.
	DefaultMaxConcurrentRounds = 1

	// DefaultMaxCoordinatorFeeRate is the default coordinator fee
	// tolerance.
	DefaultMaxCoordinatorFeeRate = 0.003

	// pollJitter is the fraction the poll interval is randomised by.
	pollJitter = 0.2

	// attemptedCacheSize bounds how many round ids are remembered as
	// already attempted.
	attemptedCacheSize = 1024

	// broadcastTimeout bounds publishing a finished transaction.
	broadcastTimeout = time.Minute
)

// ErrManagerStopped is returned by Start on a Manager that was stopped.
var ErrManagerStopped = errors.New("coinjoin manager stopped")

// Config configures a Manager.
type Config struct {
	Wallet      WalletService
	Keys        KeyRing
	Broadcaster Broadcaster
	Client      coordinator.Client
	Registry    *registry.Registry

	// AnonymityTarget is the score at which a coin stops being mixed.
	AnonymityTarget int

	// MaxConcurrentRounds caps the rounds in flight at once.
	MaxConcurrentRounds int

	// MaxRoundValue caps the total value committed to a single round.
	// Zero means no cap.
	MaxRoundValue btcutil.Amount

	// MaxCoordinatorFeeRate is the highest coordinator fee rate a round
	// may charge to be joined.
	MaxCoordinatorFeeRate float64

	BanCooldown       time.Duration
	BanAddressCluster bool

	PollInterval  time.Duration
	DeadlineGrace time.Duration
	SigningGrace  time.Duration

	// NewTicker creates the paused tickers rounds are discovered and
	// polled with. Defaults to a jittered ticker.
	NewTicker func(time.Duration) ticker.Ticker

	// OnFatal is called for rounds that failed with a ProtocolViolation
	// or CryptographicFailure.
	OnFatal func(coordinator.RoundID, error)

	// OnOutcome is called with the outcome of every round.
	OnOutcome func(RoundOutcome)

	Observer PhaseObserver
	Now      func() time.Time
}

// attempt marks a round this wallet already took part in or skipped.
type attempt struct{}

// Size implements cache.Value.
func (attempt) Size() (uint64, error) {
	return 1, nil
}

// Manager discovers rounds, selects coins for them and runs a
// PhaseCoordinator per round. A coin is never committed to two rounds at
// once.
type Manager struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg    Config
	rounds *PhaseCoordinator

	attempted *lru.Cache[coordinator.RoundID, attempt]

	mu     sync.Mutex
	active map[coordinator.RoundID]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager, filling in defaults for unset options.
func NewManager(cfg Config) *Manager {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConcurrentRounds <= 0 {
		cfg.MaxConcurrentRounds = DefaultMaxConcurrentRounds
	}
	if cfg.MaxCoordinatorFeeRate == 0 {
		cfg.MaxCoordinatorFeeRate = DefaultMaxCoordinatorFeeRate
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return jitter.New(d, pollJitter)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	newTicker := cfg.NewTicker
	pollInterval := cfg.PollInterval
	rounds := NewPhaseCoordinator(RoundConfig{
		Client:   cfg.Client,
		Keys:     cfg.Keys,
		Registry: cfg.Registry,
		NewTicker: func() ticker.Ticker {
			return newTicker(pollInterval)
		},
		DeadlineGrace:     cfg.DeadlineGrace,
		SigningGrace:      cfg.SigningGrace,
		BanCooldown:       cfg.BanCooldown,
		BanAddressCluster: cfg.BanAddressCluster,
		Now:               cfg.Now,
		Observer:          cfg.Observer,
	})

	attempted := lru.NewCache[coordinator.RoundID, attempt](
		attemptedCacheSize,
	)

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       cfg,
		rounds:    rounds,
		attempted: attempted,
		active:    make(map[coordinator.RoundID]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		quit:      make(chan struct{}),
	}
}

// Start launches the round selection loop.
func (m *Manager) Start() error {
	if m.stopped.Load() {
		return ErrManagerStopped
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Starting coinjoin manager (max %d rounds, anonymity "+
		"target %d)", m.cfg.MaxConcurrentRounds, m.cfg.AnonymityTarget)

	m.wg.Add(1)
	go m.selectionLoop()

	return nil
}

// Stop shuts down the loop and every round in flight, then waits for
// them to finish.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}

	log.Infof("Stopping coinjoin manager")

	close(m.quit)
	m.cancel()
	m.wg.Wait()
}

// ActiveRounds returns the rounds currently in flight.
func (m *Manager) ActiveRounds() []coordinator.RoundID {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]coordinator.RoundID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) selectionLoop() {
	defer m.wg.Done()

	t := m.cfg.NewTicker(m.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	m.discover()
	for {
		select {
		case <-t.Ticks():
			m.discover()

		case <-m.quit:
			return
		}
	}
}

// discover lists the coordinator's rounds and joins every suitable one
// there is room and coins for.
func (m *Manager) discover() {
	if _, err := m.cfg.Registry.PruneExpired(m.cfg.Now()); err != nil {
		log.Errorf("Unable to prune bans: %v", err)
	}

	rounds, err := m.cfg.Client.Rounds(m.ctx)
	if err != nil {
		log.Warnf("Unable to list rounds: %v", err)
		return
	}

	for _, status := range rounds {
		if status.Phase != coordinator.InputRegistration {
			continue
		}
		if m.wasAttempted(status.ID) {
			continue
		}
		if !m.hasRoom() {
			log.Debugf("%d rounds in flight, not joining %v",
				m.cfg.MaxConcurrentRounds, status.ID)
			return
		}

		if status.CoordinatorFeeRate > m.cfg.MaxCoordinatorFeeRate {
			log.Infof("Skipping round %v: coordinator fee rate %v "+
				"above %v", status.ID, status.CoordinatorFeeRate,
				m.cfg.MaxCoordinatorFeeRate)
			m.markAttempted(status.ID)
			continue
		}

		utxos, err := m.selectUtxos(status)
		if err != nil {
			log.Warnf("Unable to select coins: %v", err)
			return
		}
		if len(utxos) == 0 {
			log.Debugf("No eligible coins for round %v", status.ID)
			continue
		}

		m.join(status.ID, utxos)
	}
}

func (m *Manager) wasAttempted(id coordinator.RoundID) bool {
	_, err := m.attempted.Get(id)
	return !errors.Is(err, cache.ErrElementNotFound)
}

func (m *Manager) markAttempted(id coordinator.RoundID) {
	if _, err := m.attempted.Put(id, attempt{}); err != nil {
		log.Errorf("Unable to remember round %v: %v", id, err)
	}
}

func (m *Manager) hasRoom() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active) < m.cfg.MaxConcurrentRounds
}

// selectUtxos picks the coins to register into a round: below the
// anonymity target, not committed elsewhere, not banned and large enough
// for at least one denomination. Larger coins are preferred, within the
// per-round value cap and the round's free input slots.
func (m *Manager) selectUtxos(
	status *coordinator.RoundStatus) ([]*Utxo, error) {

	candidates, err := m.cfg.Wallet.EligibleUtxos(
		m.ctx, m.cfg.AnonymityTarget,
	)
	if err != nil {
		return nil, err
	}

	now := m.cfg.Now()
	eligible := make([]*Utxo, 0, len(candidates))
	for _, utxo := range candidates {
		switch {
		case m.cfg.AnonymityTarget > 0 &&
			utxo.AnonymityScore >= m.cfg.AnonymityTarget:
			continue

		case m.cfg.Registry.CommittedTo(utxo.OutPoint).IsSome():
			continue

		case m.cfg.Registry.IsBanned(
			utxo.OutPoint, utxo.PkScript, now,
		).IsSome():
			log.Debugf("Not selecting banned coin %v", utxo)
			continue
		}

		if _, err := PlanOutputs(utxo.Value, status); err != nil {
			continue
		}

		eligible = append(eligible, utxo)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Value > eligible[j].Value
	})

	slots := len(eligible)
	if status.MaxInputs > 0 {
		slots = status.MaxInputs - status.RegisteredInputs
	}

	var (
		selected []*Utxo
		total    btcutil.Amount
	)
	for _, utxo := range eligible {
		if len(selected) >= slots {
			break
		}
		if m.cfg.MaxRoundValue > 0 &&
			total+utxo.Value > m.cfg.MaxRoundValue {

			continue
		}

		selected = append(selected, utxo)
		total += utxo.Value
	}

	return selected, nil
}

// join commits utxos to round id and runs the round in the background.
func (m *Manager) join(id coordinator.RoundID, utxos []*Utxo) {
	committed := make([]*Utxo, 0, len(utxos))
	for _, utxo := range utxos {
		err := m.cfg.Registry.Commit(utxo.OutPoint, id)
		if err != nil {
			log.Debugf("Not registering %v: %v", utxo, err)
			continue
		}
		committed = append(committed, utxo)
	}
	if len(committed) == 0 {
		return
	}

	m.markAttempted(id)

	m.mu.Lock()
	m.active[id] = struct{}{}
	m.mu.Unlock()

	log.Infof("Joining round %v with %d coins", id, len(committed))

	m.wg.Add(1)
	go m.runRound(id, committed)
}

func (m *Manager) runRound(id coordinator.RoundID, utxos []*Utxo) {
	defer m.wg.Done()

	outcome := m.rounds.Start(m.ctx, id, utxos)
	m.handleOutcome(outcome)

	for _, utxo := range utxos {
		m.cfg.Registry.Release(utxo.OutPoint, id)
	}

	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// handleOutcome publishes successful transactions, records the new
// anonymity scores and surfaces fatal failures.
func (m *Manager) handleOutcome(outcome RoundOutcome) {
	id := outcome.Round()

	switch o := outcome.(type) {
	case *Success:
		m.publish(o)

	case *Failed:
		if IsFatal(o.Err) {
			log.Criticalf("Round %v failed fatally, the coordinator "+
				"may be compromised: %v", id, o.Err)

			if m.cfg.OnFatal != nil {
				m.cfg.OnFatal(id, o.Err)
			}
		}

	case *Disqualified:
		log.Debugf("Dropped out of round %v: %v", id, o.Reason)
	}

	if m.cfg.OnOutcome != nil {
		m.cfg.OnOutcome(outcome)
	}
}

func (m *Manager) publish(s *Success) {
	ctx, cancel := context.WithTimeout(
		context.WithoutCancel(m.ctx), broadcastTimeout,
	)
	defer cancel()

	txid := s.Tx.TxHash()
	if err := m.cfg.Broadcaster.Broadcast(ctx, s.Tx); err != nil {
		log.Errorf("Unable to broadcast coinjoin %v: %v", txid, err)
	} else {
		log.Infof("Broadcast coinjoin %v", txid)
	}

	minScore := -1
	for _, utxo := range s.Spent {
		if minScore < 0 || utxo.AnonymityScore < minScore {
			minScore = utxo.AnonymityScore
		}
	}
	if minScore < 0 {
		minScore = 0
	}

	for _, out := range s.Outputs {
		score := minScore + 1
		if out.IsChange {
			score = minScore
		}

		op := wire.OutPoint{Hash: txid, Index: out.Index}
		if err := m.cfg.Wallet.RecordMixOutcome(ctx, op, score); err != nil {
			log.Errorf("Unable to record anonymity score of %v: %v",
				op, err)
		}
	}
}
