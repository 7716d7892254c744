package storage

import "context"

//go:generate moq -out metadata_mock.go . MetadataStorage

// MetadataStorage defines interface for small host-level metadata.
type MetadataStorage interface {
	// SaveNodeID persists the unique ID of this host installation.
	SaveNodeID(ctx context.Context, nodeID string) error

	// GetNodeID returns the persisted node ID, or "" if none was saved yet.
	GetNodeID(ctx context.Context) (string, error)

	// SaveQueueSalt persists the salt used to derive the at-rest queue key.
	SaveQueueSalt(ctx context.Context, salt []byte) error

	// GetQueueSalt returns the persisted salt, or nil if none was saved yet.
	GetQueueSalt(ctx context.Context) ([]byte, error)

	// SaveLastFlushAt persists the unix timestamp of the last successful flush.
	SaveLastFlushAt(ctx context.Context, ts int64) error

	// GetLastFlushAt returns the unix timestamp of the last successful flush,
	// or 0 if no flush has completed yet.
	GetLastFlushAt(ctx context.Context) (int64, error)
}
