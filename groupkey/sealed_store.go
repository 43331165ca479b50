package groupkey

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jimmyyip-crypto/chain/shared"
)

var epochBucket = []byte("epochs")

// SealedStore persists the epoch history in a bbolt file, with every record
// sealed to the local platform measurement. A copied database file is
// useless on any other machine or under any other enclave image.
type SealedStore struct {
	db       *bolt.DB
	platform shared.Platform
}

// OpenSealedStore opens (or creates) the sealed epoch database at path.
func OpenSealedStore(path string, platform shared.Platform) (*SealedStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(epochBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create epoch bucket: %w", err)
	}
	return &SealedStore{db: db, platform: platform}, nil
}

// Put seals and stores one epoch, keyed by its big-endian number.
func (ss *SealedStore) Put(e *Epoch) error {
	plaintext, err := shared.MarshalCanonical(e)
	if err != nil {
		return fmt.Errorf("failed to encode epoch %d: %w", e.Number, err)
	}
	sealed, err := ss.platform.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal epoch %d: %w", e.Number, err)
	}
	return ss.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(epochBucket).Put(epochKey(e.Number), sealed)
	})
}

// Load unseals the whole retained history in epoch order.
func (ss *SealedStore) Load() ([]*Epoch, error) {
	var epochs []*Epoch
	err := ss.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(epochBucket).ForEach(func(k, v []byte) error {
			plaintext, err := ss.platform.Unseal(v)
			if err != nil {
				return fmt.Errorf("failed to unseal epoch record %x: %w", k, err)
			}
			var e Epoch
			if err := shared.Unmarshal(plaintext, &e); err != nil {
				return fmt.Errorf("failed to decode epoch record %x: %w", k, err)
			}
			epochs = append(epochs, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return epochs, nil
}

// Prune removes sealed records for epochs older than before.
func (ss *SealedStore) Prune(before uint64) error {
	return ss.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(epochBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) >= before {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (ss *SealedStore) Close() error {
	return ss.db.Close()
}

func epochKey(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}
