// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcjoin/coordinator"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrAlreadyCommitted is returned when a UTXO is committed to a round while
// it is still committed to another.
var ErrAlreadyCommitted = errors.New("utxo already committed to a round")

// BanKey identifies what a ban applies to: a single outpoint or every
// output paying to one script.
type BanKey string

const (
	outPointPrefix = "op:"
	scriptPrefix   = "script:"
)

// OutPointKey returns the ban key of a single UTXO.
func OutPointKey(op wire.OutPoint) BanKey {
	return BanKey(outPointPrefix + op.String())
}

// ScriptKey returns the ban key covering every UTXO paying to pkScript.
// Only a hash of the script is kept.
func ScriptKey(pkScript []byte) BanKey {
	return BanKey(scriptPrefix + hex.EncodeToString(
		chainhash.HashB(pkScript),
	))
}

// BanRecord is one entry of the ban list.
type BanRecord struct {
	Key    BanKey
	Until  time.Time
	Reason string
}

// Active reports whether the ban still applies at now.
func (b *BanRecord) Active(now time.Time) bool {
	return now.Before(b.Until)
}

// BanStore persists the ban list across restarts.
type BanStore interface {
	// PutBan inserts or replaces a record.
	PutBan(rec *BanRecord) error

	// DeleteBans removes the records with the given keys.
	DeleteBans(keys []BanKey) error

	// FetchBans returns every stored record.
	FetchBans() ([]*BanRecord, error)
}

// Registry tracks which UTXOs are committed to live rounds and which are
// banned. A UTXO is committed to at most one round at a time.
//
// Registry is safe for concurrent use. Mutations are serialized and
// readers never observe a half-applied update.
type Registry struct {
	mu sync.RWMutex

	// commitments maps a UTXO to the round it is registered in.
	commitments map[wire.OutPoint]coordinator.RoundID

	bans map[BanKey]*BanRecord

	// store is optional. When set, bans are written through to it.
	store BanStore
}

// New creates a registry. When store is non-nil the bans it holds are
// loaded and every later change is written through.
func New(store BanStore) (*Registry, error) {
	r := &Registry{
		commitments: make(map[wire.OutPoint]coordinator.RoundID),
		bans:        make(map[BanKey]*BanRecord),
		store:       store,
	}

	if store == nil {
		return r, nil
	}

	recs, err := store.FetchBans()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		r.bans[rec.Key] = rec
	}

	log.Debugf("Loaded %d persisted bans", len(recs))

	return r, nil
}

// Commit records that op is registered in round id. Committing a UTXO
// again to the round it is already in is a no-op.
func (r *Registry) Commit(op wire.OutPoint, id coordinator.RoundID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.commitments[op]; ok {
		if cur == id {
			return nil
		}
		return ErrAlreadyCommitted
	}
	r.commitments[op] = id

	log.Tracef("Committed %v to round %v", op, id)

	return nil
}

// Release ends op's commitment to round id. Releasing a UTXO that is
// committed elsewhere or not at all does nothing.
func (r *Registry) Release(op wire.OutPoint, id coordinator.RoundID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.commitments[op]; ok && cur == id {
		delete(r.commitments, op)

		log.Tracef("Released %v from round %v", op, id)
	}
}

// CommittedTo returns the round op is committed to, if any.
func (r *Registry) CommittedTo(op wire.OutPoint) fn.Option[coordinator.RoundID] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.commitments[op]
	if !ok {
		return fn.None[coordinator.RoundID]()
	}
	return fn.Some(id)
}

// Committed returns every committed UTXO.
func (r *Registry) Committed() []wire.OutPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]wire.OutPoint, 0, len(r.commitments))
	for op := range r.commitments {
		ops = append(ops, op)
	}
	return ops
}

// Ban adds rec to the ban list. An existing ban for the same key is only
// replaced when rec expires later.
func (r *Registry) Ban(rec *BanRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.bans[rec.Key]; ok && !rec.Until.After(cur.Until) {
		return nil
	}

	if r.store != nil {
		if err := r.store.PutBan(rec); err != nil {
			return err
		}
	}
	r.bans[rec.Key] = rec

	log.Infof("Banned %v until %v: %v", rec.Key,
		rec.Until.Format(time.RFC3339), rec.Reason)

	return nil
}

// BanUTXO bans op until the given time. When pkScript is non-nil the ban
// also covers every other UTXO paying to the same script.
func (r *Registry) BanUTXO(op wire.OutPoint, pkScript []byte, until time.Time,
	reason string) error {

	err := r.Ban(&BanRecord{
		Key: OutPointKey(op), Until: until, Reason: reason,
	})
	if err != nil || pkScript == nil {
		return err
	}

	return r.Ban(&BanRecord{
		Key: ScriptKey(pkScript), Until: until, Reason: reason,
	})
}

// IsBanned returns the ban covering op or its script at now, if any.
// pkScript may be nil to check the outpoint alone.
func (r *Registry) IsBanned(op wire.OutPoint, pkScript []byte,
	now time.Time) fn.Option[BanRecord] {

	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := []BanKey{OutPointKey(op)}
	if pkScript != nil {
		keys = append(keys, ScriptKey(pkScript))
	}

	for _, key := range keys {
		if rec, ok := r.bans[key]; ok && rec.Active(now) {
			return fn.Some(*rec)
		}
	}

	return fn.None[BanRecord]()
}

// PruneExpired drops every ban that has expired at now and returns how
// many were removed.
func (r *Registry) PruneExpired(now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []BanKey
	for key, rec := range r.bans {
		if !rec.Active(now) {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if r.store != nil {
		if err := r.store.DeleteBans(expired); err != nil {
			return 0, err
		}
	}
	for _, key := range expired {
		delete(r.bans, key)
	}

	log.Debugf("Pruned %d expired bans", len(expired))

	return len(expired), nil
}

// Bans returns a copy of the ban list ordered by expiry, then key.
func (r *Registry) Bans() []BanRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := make([]BanRecord, 0, len(r.bans))
	for _, rec := range r.bans {
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Until.Equal(recs[j].Until) {
			return recs[i].Key < recs[j].Key
		}
		return recs[i].Until.Before(recs[j].Until)
	})

	return recs
}
