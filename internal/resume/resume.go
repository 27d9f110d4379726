// Package resume persists the one piece of state a restarted client needs
// to avoid re-downloading everything: which pieces have already been
// verified, plus cumulative transfer counters for the status API. A single
// bucket is enough since this client never manages more than one torrent.
package resume

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketName   = []byte("quentin-torrentino")
	bitfieldKey  = []byte("bitfield")
	uploadedKey  = []byte("uploaded")
	downloadedKey = []byte("downloaded")
	infoHashKey  = []byte("info_hash")
)

// Store is a single-torrent boltdb-backed resume database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the boltdb file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("resume: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resume: creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// State is the persisted snapshot written by Save and read by Load.
type State struct {
	InfoHash   [20]byte
	Bitfield   []byte // wire-format verified-piece bitmap
	Uploaded   int64
	Downloaded int64
}

// Save overwrites the persisted state in a single transaction.
func (s *Store) Save(st State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := b.Put(infoHashKey, st.InfoHash[:]); err != nil {
			return err
		}
		if err := b.Put(bitfieldKey, st.Bitfield); err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(st.Uploaded))
		if err := b.Put(uploadedKey, buf[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(buf[:], uint64(st.Downloaded))
		return b.Put(downloadedKey, buf[:])
	})
}

// Load reads back the persisted state. ok is false if nothing has been
// saved yet, or if the stored info hash doesn't match wantInfoHash (the
// download directory points at a different torrent than last time).
func (s *Store) Load(wantInfoHash [20]byte) (st State, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		ih := b.Get(infoHashKey)
		if ih == nil {
			return nil
		}
		var got [20]byte
		copy(got[:], ih)
		if got != wantInfoHash {
			return nil
		}
		st.InfoHash = got
		if bf := b.Get(bitfieldKey); bf != nil {
			st.Bitfield = append([]byte(nil), bf...)
		}
		if u := b.Get(uploadedKey); len(u) == 8 {
			st.Uploaded = int64(binary.BigEndian.Uint64(u))
		}
		if d := b.Get(downloadedKey); len(d) == 8 {
			st.Downloaded = int64(binary.BigEndian.Uint64(d))
		}
		ok = true
		return nil
	})
	return st, ok, err
}
