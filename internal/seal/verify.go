package seal

import (
	"context"
	"time"

	"github.com/sealstore/sealstore/internal/chunk"
)

// BlobVerification reports one probe against the blob network.
type BlobVerification struct {
	BlobID  string        `json:"blob_id"`
	Exists  bool          `json:"exists"`
	Size    int64         `json:"size"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// FileVerification aggregates per-chunk probes for a file.
type FileVerification struct {
	FileID        string             `json:"file_id"`
	Healthy       bool               `json:"healthy"`
	Chunks        []BlobVerification `json:"chunks"`
	ContentHashOK *bool              `json:"content_hash_ok,omitempty"`
	MissingChunks int                `json:"missing_chunks"`
	ProbeErrors   int                `json:"probe_errors"`
}

// VerifyBlob probes a single blob. Probe failures are reported in the
// result, not returned, so batch callers never abort early.
func (o *Orchestrator) VerifyBlob(ctx context.Context, blobID string) *BlobVerification {
	result := &BlobVerification{BlobID: blobID}

	start := o.now()
	opCtx, cancel := o.opContext(ctx, 0)
	defer cancel()

	head, err := o.blobs.Head(opCtx, blobID)
	result.Latency = o.now().Sub(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Exists = head.Exists
	result.Size = head.Size
	return result
}

// VerifyFile probes every chunk of a file. With deep set it additionally
// downloads and reassembles the ciphertext and checks the content hash; the
// payload is never decrypted. One bad chunk never aborts the rest.
func (o *Orchestrator) VerifyFile(ctx context.Context, meta *FileMetadata, deep bool) (*FileVerification, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	refs := meta.Chunks
	if len(refs) == 0 {
		refs = []ChunkMetadata{{Index: 0, BlobID: meta.BlobID, Size: meta.EncryptedSize}}
	}

	verification := &FileVerification{FileID: meta.FileID, Chunks: make([]BlobVerification, 0, len(refs))}
	for _, ref := range refs {
		probe := o.VerifyBlob(ctx, ref.BlobID)
		if probe.Error != "" {
			verification.ProbeErrors++
		} else if !probe.Exists {
			verification.MissingChunks++
		}
		verification.Chunks = append(verification.Chunks, *probe)
	}
	verification.Healthy = verification.MissingChunks == 0 && verification.ProbeErrors == 0

	if deep && verification.Healthy {
		payload, err := o.Download(ctx, meta, DownloadOptions{})
		if err != nil {
			verification.Healthy = false
			verification.ProbeErrors++
			return verification, nil
		}
		if meta.ContentHash != "" {
			ok := chunk.VerifyHash(payload, meta.ContentHash)
			verification.ContentHashOK = &ok
			verification.Healthy = ok
		}
	}

	return verification, nil
}
