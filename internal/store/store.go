// Package store implements the content-addressed block store and the
// distributed key-value store of spec §3/§4.4: blocks keyed by digest, plus
// the DHT's permanent/distributed value records. It is grounded on the
// teacher's pkg/storage.Store: badgerhold for metadata, plain files for the
// (potentially large) block payloads.
package store

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/teapotnet/overlay/internal/errs"
)

const (
	dirBadger = "db"
	dirBlocks = "blocks"
)

// DistributedValueTTL is the lifetime of a non-permanent DHT value before it
// is eligible for expiry sweep, refreshed on every re-Store of the same
// (key, value) pair (SPEC_FULL §2.3).
const DistributedValueTTL = time.Hour

// Store holds this node's content-addressed blocks and its view of the
// distributed key-value store (spec §4.4).
type Store struct {
	bh *badgerhold.Store

	blockDir string
}

// Open creates or reopens a Store rooted at dir.
func Open(dir string) (*Store, error) {
	badgerDir := path.Join(dir, dirBadger)
	blockDir := path.Join(dir, dirBlocks)

	if err := os.MkdirAll(badgerDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create badger dir: %w", err)
	}
	if err := os.MkdirAll(blockDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create block dir: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badgerhold: %w", err)
	}

	return &Store{bh: bh, blockDir: blockDir}, nil
}

// Close releases the underlying badger database. The Store must not be used
// afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Digest is a block's content address: the SHA-512 digest of its bytes.
type Digest [sha512.Size]byte

// DigestOf computes the Digest of block.
func DigestOf(block []byte) Digest {
	return Digest(sha512.Sum512(block))
}

// String renders the digest as hex, the form used as a badgerhold key and in
// logs.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (s *Store) blockPath(d Digest) string {
	return path.Join(s.blockDir, d.String())
}

// blockRecord is the badgerhold-indexed metadata for one stored block.
type blockRecord struct {
	Digest string `badgerhold:"key"`
	Size   int64
}

// PutBlock writes block to the store under its own digest, a no-op if the
// digest is already known (blocks are immutable, spec §3).
func (s *Store) PutBlock(block []byte) (Digest, error) {
	d := DigestOf(block)

	if s.HasBlock(d) {
		return d, nil
	}

	if err := os.WriteFile(s.blockPath(d), block, 0600); err != nil {
		return d, fmt.Errorf("store: write block %s: %w", d, err)
	}

	rec := blockRecord{Digest: d.String(), Size: int64(len(block))}
	if err := s.bh.Insert(rec.Digest, rec); err != nil {
		_ = os.Remove(s.blockPath(d))
		return d, fmt.Errorf("store: index block %s: %w", d, err)
	}

	log.WithField("digest", d).Debug("Store stored new block")
	return d, nil
}

// HasBlock reports whether digest is locally known.
func (s *Store) HasBlock(d Digest) bool {
	var rec blockRecord
	return s.bh.Get(d.String(), &rec) == nil
}

// GetBlock returns the bytes of the block with the given digest, or
// errs.ErrUnavailable if it is not locally known (spec §4.4 "getBlock").
func (s *Store) GetBlock(d Digest) ([]byte, error) {
	if !s.HasBlock(d) {
		return nil, fmt.Errorf("store: block %s: %w", d, errs.ErrUnavailable)
	}

	block, err := os.ReadFile(s.blockPath(d))
	if err != nil {
		return nil, fmt.Errorf("store: read block %s: %w", d, err)
	}
	return block, nil
}

// DeleteBlock removes a block and its metadata.
func (s *Store) DeleteBlock(d Digest) error {
	if err := s.bh.Delete(d.String(), blockRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("store: delete block %s metadata: %w", d, err)
	}
	if err := os.Remove(s.blockPath(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete block %s file: %w", d, err)
	}
	return nil
}
