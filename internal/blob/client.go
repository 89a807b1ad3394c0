// Package blob abstracts the chunk storage backends. Chunks are opaque
// ciphertext; every backend is content addressed and returns stable blob
// identifiers that the orchestrator records in file metadata.
package blob

import "context"

// PutResult identifies a stored blob.
type PutResult struct {
	// BlobID is the content identifier used for reads.
	BlobID string

	// ObjectID is the backend's own handle for the stored object, when the
	// backend has one distinct from the blob ID.
	ObjectID string

	// AlreadyCertified is true when the backend already held this content
	// and no new data was written.
	AlreadyCertified bool
}

// HeadResult reports blob existence without transferring the body.
type HeadResult struct {
	Exists bool
	Size   int64
}

// Client stores and retrieves chunk blobs.
type Client interface {
	// Put stores data for at least the given number of storage epochs and
	// returns its identifiers. Storing identical bytes twice is a no-op on
	// content addressed backends.
	Put(ctx context.Context, data []byte, epochs int) (*PutResult, error)

	// Get retrieves a blob by ID.
	Get(ctx context.Context, blobID string) ([]byte, error)

	// Head checks whether a blob exists.
	Head(ctx context.Context, blobID string) (*HeadResult, error)
}
