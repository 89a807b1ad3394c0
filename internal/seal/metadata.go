// Package seal orchestrates the upload and download pipelines: whole-payload
// encryption, ciphertext chunking, sequential blob transfer with retries,
// integrity verification and partial upload recovery.
package seal

import (
	"encoding/json"
	"time"

	"github.com/sealstore/sealstore/internal/errs"
)

// FileStatus is the lifecycle state of a stored file.
type FileStatus string

const (
	StatusActive  FileStatus = "active"
	StatusPending FileStatus = "pending"
	StatusExpired FileStatus = "expired"
)

// ChunkMetadata describes one stored ciphertext chunk.
type ChunkMetadata struct {
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	BlobID   string `json:"blob_id"`
	ObjectID string `json:"object_id,omitempty"`
}

// FileMetadata is the persisted record of a stored file. It never contains
// key material; the encryption key is returned to the caller at upload time.
type FileMetadata struct {
	BlobID              string          `json:"blob_id"`
	FileID              string          `json:"file_id"`
	OriginalSize        int64           `json:"original_size"`
	EncryptedSize       int64           `json:"encrypted_size"`
	MimeType            string          `json:"mime_type,omitempty"`
	IsEncrypted         bool            `json:"is_encrypted"`
	EncryptionAlgorithm string          `json:"encryption_algorithm,omitempty"`
	IV                  string          `json:"iv,omitempty"`
	IsChunked           bool            `json:"is_chunked"`
	ChunkCount          int             `json:"chunk_count"`
	Chunks              []ChunkMetadata `json:"chunks,omitempty"`
	ContentHash         string          `json:"content_hash"`
	UploadedAt          time.Time       `json:"uploaded_at"`
	ExpiresAt           *time.Time      `json:"expires_at,omitempty"`
	Status              FileStatus      `json:"status"`
}

// Validate checks the structural invariants of the record. Inconsistent
// metadata is rejected outright rather than patched with defaults, so a
// corrupted record can never drive a download.
func (m *FileMetadata) Validate() error {
	if m.FileID == "" {
		return errs.New(errs.KindMetadataCorrupted, "metadata missing file ID")
	}

	if m.IsChunked {
		if m.ChunkCount < 2 {
			return errs.Newf(errs.KindMetadataCorrupted, "chunked file %s has chunk count %d", m.FileID, m.ChunkCount)
		}
		if m.ChunkCount != len(m.Chunks) {
			return errs.Newf(errs.KindMetadataCorrupted, "chunked file %s declares %d chunks but lists %d",
				m.FileID, m.ChunkCount, len(m.Chunks))
		}
		for i, c := range m.Chunks {
			if c.Index != i {
				return errs.Newf(errs.KindMetadataCorrupted, "file %s chunk at position %d has index %d", m.FileID, i, c.Index)
			}
			if c.BlobID == "" {
				return errs.Newf(errs.KindMetadataCorrupted, "file %s chunk %d missing blob ID", m.FileID, i)
			}
			if c.Hash == "" {
				return errs.Newf(errs.KindMetadataCorrupted, "file %s chunk %d missing hash", m.FileID, i)
			}
		}
	} else {
		if m.BlobID == "" {
			return errs.Newf(errs.KindMetadataCorrupted, "unchunked file %s missing blob ID", m.FileID)
		}
		if len(m.Chunks) > 1 {
			return errs.Newf(errs.KindMetadataCorrupted, "unchunked file %s lists %d chunks", m.FileID, len(m.Chunks))
		}
	}

	if m.IsEncrypted {
		if m.EncryptionAlgorithm == "" {
			return errs.Newf(errs.KindMetadataCorrupted, "encrypted file %s missing algorithm", m.FileID)
		}
		if m.IV == "" {
			return errs.Newf(errs.KindMetadataCorrupted, "encrypted file %s missing IV", m.FileID)
		}
	}

	return nil
}

// Encode serializes the metadata after validating it.
func (m *FileMetadata) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.KindMetadataCorrupted, "failed to encode metadata", err)
	}
	return data, nil
}

// ParseMetadata deserializes and validates a metadata record. Records that
// fail validation are rejected, never repaired.
func ParseMetadata(data []byte) (*FileMetadata, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.KindMetadataMissing, "metadata record is empty")
	}

	m := &FileMetadata{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errs.Wrap(errs.KindMetadataCorrupted, "failed to decode metadata", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
