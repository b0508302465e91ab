package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/acepool/acepool/pkg/types"
)

var (
	// Bucket names
	bucketStreams = []byte("streams")
	bucketStats   = []byte("stats")
)

// statKeyFormat orders snapshot keys lexicographically by time.
const statKeyFormat = "2006-01-02T15:04:05.000000000Z07:00"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "acepool.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketStreams,
			bucketStats,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Stream operations

// SaveStream upserts a stream record.
func (s *BoltStore) SaveStream(stream *types.Stream) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStreams)
		data, err := json.Marshal(stream)
		if err != nil {
			return err
		}
		return b.Put([]byte(stream.ID), data)
	})
}

func (s *BoltStore) GetStream(id string) (*types.Stream, error) {
	var stream types.Stream
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStreams)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("stream %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &stream)
	})
	if err != nil {
		return nil, err
	}
	return &stream, nil
}

func (s *BoltStore) ListStreams() ([]*types.Stream, error) {
	var streams []*types.Stream
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStreams)
		return b.ForEach(func(k, v []byte) error {
			var stream types.Stream
			if err := json.Unmarshal(v, &stream); err != nil {
				return err
			}
			streams = append(streams, &stream)
			return nil
		})
	})
	return streams, err
}

// DeleteStream removes the stream and its stat series.
func (s *BoltStore) DeleteStream(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketStreams).Delete([]byte(id)); err != nil {
			return err
		}
		stats := tx.Bucket(bucketStats)
		if stats.Bucket([]byte(id)) != nil {
			return stats.DeleteBucket([]byte(id))
		}
		return nil
	})
}

// Stat operations. Snapshots live in a nested bucket per stream with
// time-ordered keys, so a since-query is a cursor seek.

func (s *BoltStore) AppendStats(streamID string, snap *types.StatSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketStats)
		b, err := parent.CreateBucketIfNotExists([]byte(streamID))
		if err != nil {
			return fmt.Errorf("failed to create stats bucket for %s: %w", streamID, err)
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		key := snap.Time.UTC().Format(statKeyFormat)
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) GetStats(streamID string, since time.Time) ([]*types.StatSnapshot, error) {
	var snaps []*types.StatSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats).Bucket([]byte(streamID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		start := []byte(since.UTC().Format(statKeyFormat))
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var snap types.StatSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, &snap)
		}
		return nil
	})
	return snaps, err
}

func (s *BoltStore) DeleteStats(streamID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stats := tx.Bucket(bucketStats)
		if stats.Bucket([]byte(streamID)) == nil {
			return nil
		}
		return stats.DeleteBucket([]byte(streamID))
	})
}
