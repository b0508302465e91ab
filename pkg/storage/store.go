package storage

import (
	"time"

	"github.com/acepool/acepool/pkg/types"
)

// Store defines the interface for durable stream state. Engines are not
// persisted here: they are rebuilt from container labels by the reconciler.
type Store interface {
	// Streams
	SaveStream(stream *types.Stream) error
	GetStream(id string) (*types.Stream, error)
	ListStreams() ([]*types.Stream, error)
	DeleteStream(id string) error

	// Stat snapshots, keyed per stream and ordered by time
	AppendStats(streamID string, snap *types.StatSnapshot) error
	GetStats(streamID string, since time.Time) ([]*types.StatSnapshot, error)
	DeleteStats(streamID string) error

	// Utility
	Close() error
}
