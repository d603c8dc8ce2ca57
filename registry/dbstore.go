// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// banBucketKey is the top level bucket holding the ban list. Keys are
	// ban keys, values are the expiry followed by the reason.
	banBucketKey = []byte("bans")
)

// banValueMinSize is the size of a serialized record without its reason.
const banValueMinSize = 8

// DBBanStore is a BanStore backed by a walletdb namespace.
type DBBanStore struct {
	db walletdb.DB
}

// A compile-time assertion to ensure DBBanStore satisfies BanStore.
var _ BanStore = (*DBBanStore)(nil)

// NewDBBanStore creates the ban bucket in db if needed.
func NewDBBanStore(db walletdb.DB) (*DBBanStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(banBucketKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &DBBanStore{db: db}, nil
}

func serializeBan(rec *BanRecord) []byte {
	v := make([]byte, banValueMinSize+len(rec.Reason))
	binary.BigEndian.PutUint64(v, uint64(rec.Until.Unix()))
	copy(v[banValueMinSize:], rec.Reason)
	return v
}

func deserializeBan(k, v []byte) (*BanRecord, error) {
	if len(v) < banValueMinSize {
		return nil, fmt.Errorf("short ban record for %s: %d bytes",
			k, len(v))
	}

	return &BanRecord{
		Key:    BanKey(k),
		Until:  time.Unix(int64(binary.BigEndian.Uint64(v)), 0),
		Reason: string(v[banValueMinSize:]),
	}, nil
}

// PutBan inserts or replaces rec.
func (s *DBBanStore) PutBan(rec *BanRecord) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(banBucketKey)
		return ns.Put([]byte(rec.Key), serializeBan(rec))
	})
}

// DeleteBans removes the records with the given keys.
func (s *DBBanStore) DeleteBans(keys []BanKey) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(banBucketKey)
		for _, key := range keys {
			if err := ns.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchBans returns every stored record.
func (s *DBBanStore) FetchBans() ([]*BanRecord, error) {
	var recs []*BanRecord
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(banBucketKey)
		return ns.ForEach(func(k, v []byte) error {
			rec, err := deserializeBan(k, v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return recs, nil
}
