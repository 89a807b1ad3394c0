package chunk

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/sealstore/sealstore/internal/errs"
)

// DefaultChunkSize is the default size of each ciphertext chunk (10MB).
// Chunks are uploaded as independent blobs, so the size trades per-blob
// overhead against retry granularity.
const DefaultChunkSize = 10 * 1024 * 1024

// Chunk is one contiguous byte range of a payload. Index must match the
// chunk's position in the original payload.
type Chunk struct {
	Index int
	Data  []byte
}

// Split divides data into ordered chunks of chunkSize bytes each, the last
// chunk possibly shorter. Splitting an empty payload yields a single empty
// chunk so that every payload has at least one addressable unit.
func Split(data []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, errs.Newf(errs.KindChunking, "chunk size must be positive, got %d", chunkSize)
	}

	if len(data) == 0 {
		return []Chunk{{Index: 0, Data: []byte{}}}, nil
	}

	count := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{Index: i, Data: data[start:end]})
	}

	return chunks, nil
}

// Reassemble concatenates chunks in index order. Indices must form the exact
// sequence 0..len-1; a gap or duplicate means a chunk was lost or fetched out
// of order and the payload cannot be reconstructed.
func Reassemble(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, errs.New(errs.KindChunking, "no chunks to reassemble")
	}

	total := 0
	for i, c := range chunks {
		if c.Index != i {
			return nil, errs.Newf(errs.KindChunking, "chunk index mismatch at position %d: got %d", i, c.Index)
		}
		total += len(c.Data)
	}

	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out, nil
}

// Hash computes the SHA-256 hex digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether data hashes to the expected SHA-256 hex digest.
func VerifyHash(data []byte, expected string) bool {
	actual := Hash(data)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}
