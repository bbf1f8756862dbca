package store

import (
	"encoding/hex"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"
)

// ValueClass distinguishes locally owned DHT values from ones held
// transiently on behalf of the network (spec §3 "Value record").
type ValueClass int

const (
	// Permanent values are locally owned and never expire.
	Permanent ValueClass = iota
	// Distributed values are held transiently and may expire.
	Distributed
)

// valueRecord is one (key, value) pair in the distributed key-value store.
// Id is derived from key and value so repeated Stores of the same pair
// collapse to a single record whose expiry is simply refreshed.
type valueRecord struct {
	Id    string `badgerhold:"key"`
	Key   []byte
	Value []byte
	Class ValueClass     `badgerholdIndex:"Class"`
	Expires time.Time    `badgerholdIndex:"Expires"`
}

func valueRecordID(key, value []byte) string {
	return hex.EncodeToString(key) + ":" + DigestOf(value).String()
}

// StoreValue inserts value under key, per spec §4.4 "storeValue". A
// Distributed value's expiry is (re)set to now+DistributedValueTTL; a
// Permanent value never expires.
func (s *Store) StoreValue(key, value []byte, class ValueClass) error {
	rec := valueRecord{
		Id:    valueRecordID(key, value),
		Key:   key,
		Value: value,
		Class: class,
	}
	if class == Distributed {
		rec.Expires = time.Now().Add(DistributedValueTTL)
	}

	if err := s.bh.Upsert(rec.Id, rec); err != nil {
		return fmt.Errorf("store: store value for key %x: %w", key, err)
	}

	log.WithFields(log.Fields{"key": hex.EncodeToString(key), "class": class}).Debug("Store upserted DHT value")
	return nil
}

// RetrieveValue returns the local view of the value set for key, per spec
// §4.4 "retrieveValue". Readers may see any superset of previously-stored
// values (spec §5); this simply returns what is currently indexed.
func (s *Store) RetrieveValue(key []byte) ([][]byte, error) {
	var recs []valueRecord
	if err := s.bh.Find(&recs, badgerhold.Where("Key").Eq(key)); err != nil {
		return nil, fmt.Errorf("store: retrieve value for key %x: %w", key, err)
	}

	values := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		values = append(values, rec.Value)
	}
	return values, nil
}

// DeleteExpiredValues removes every Distributed value past its expiry,
// mirroring the original's store expiry sweep (SPEC_FULL §2.3).
func (s *Store) DeleteExpiredValues() {
	var recs []valueRecord
	if err := s.bh.Find(&recs, badgerhold.Where("Class").Eq(Distributed).And("Expires").Lt(time.Now())); err != nil {
		log.WithError(err).Warn("Store failed to query expired DHT values")
		return
	}

	for _, rec := range recs {
		if err := s.bh.Delete(rec.Id, valueRecord{}); err != nil {
			log.WithError(err).WithField("key", hex.EncodeToString(rec.Key)).Warn("Store failed to delete expired DHT value")
		}
	}
}
