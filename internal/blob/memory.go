package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/sealstore/sealstore/internal/errs"
)

// Memory is an in-process blob client for tests and local development. The
// hook fields let tests inject failures per operation.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// PutHook, GetHook and HeadHook run before the corresponding operation
	// and abort it when they return an error.
	PutHook  func(data []byte) error
	GetHook  func(blobID string) error
	HeadHook func(blobID string) error
}

// NewMemory creates an empty in-memory blob client.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, data []byte, epochs int) (*PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Classify(err)
	}
	if m.PutHook != nil {
		if err := m.PutHook(data); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(data)
	blobID := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.blobs[blobID]
	if !existed {
		stored := make([]byte, len(data))
		copy(stored, data)
		m.blobs[blobID] = stored
	}
	return &PutResult{BlobID: blobID, ObjectID: blobID, AlreadyCertified: existed}, nil
}

func (m *Memory) Get(ctx context.Context, blobID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Classify(err)
	}
	if m.GetHook != nil {
		if err := m.GetHook(blobID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[blobID]
	if !ok {
		return nil, errs.Newf(errs.KindBlobNotFound, "blob %s not found", blobID)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Head(ctx context.Context, blobID string) (*HeadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Classify(err)
	}
	if m.HeadHook != nil {
		if err := m.HeadHook(blobID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[blobID]
	if !ok {
		return &HeadResult{}, nil
	}
	return &HeadResult{Exists: true, Size: int64(len(data))}, nil
}

// Delete removes a blob, simulating expiry on the network.
func (m *Memory) Delete(blobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, blobID)
}

// Corrupt flips a byte of a stored blob in place.
func (m *Memory) Corrupt(blobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.blobs[blobID]; ok && len(data) > 0 {
		data[0] ^= 0xff
	}
}

// Len reports how many distinct blobs are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
