package seal

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/blob"
	"github.com/sealstore/sealstore/internal/chunk"
	"github.com/sealstore/sealstore/internal/crypto"
	"github.com/sealstore/sealstore/internal/errs"
	"github.com/sealstore/sealstore/internal/retry"
	"github.com/sealstore/sealstore/internal/store"
)

const (
	// DefaultMaxFileSize bounds a single upload.
	DefaultMaxFileSize = 1 << 30

	// DefaultEpochs is the storage retention requested from the blob
	// network when the caller does not specify one.
	DefaultEpochs = 5

	// DefaultBaseTimeout is the fixed part of the adaptive per-operation
	// timeout. Each megabyte of payload adds another second.
	DefaultBaseTimeout = 30 * time.Second
)

// SubmitTransaction transfers ownership of a newly created blob object on
// the ledger and returns the transaction digest.
type SubmitTransaction func(ctx context.Context, tx []byte) (string, error)

// Recorder receives crypto measurements from the pipeline. The metrics
// package satisfies it.
type Recorder interface {
	RecordCryptoOperation(operation string, duration time.Duration, bytes int64)
	RecordCryptoError(operation, errorKind string)
}

// nopRecorder is the default when no recorder is installed.
type nopRecorder struct{}

func (nopRecorder) RecordCryptoOperation(string, time.Duration, int64) {}
func (nopRecorder) RecordCryptoError(string, string)                   {}

// Config tunes the orchestrator.
type Config struct {
	ChunkSize   int
	MaxFileSize int64
	Epochs      int
	BaseTimeout time.Duration
}

// Orchestrator drives the storage pipelines against a blob backend, with an
// optional fallback backend for RPC failover.
type Orchestrator struct {
	blobs    blob.Client
	fallback blob.Client
	retry    *retry.Policy
	store    store.Store
	logger   *logrus.Logger

	chunkSize   int
	maxFileSize int64
	epochs      int
	baseTimeout time.Duration
	submitTx    SubmitTransaction
	metrics     Recorder
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFallback installs an alternate blob endpoint tried exactly once after
// RPC retries are exhausted.
func WithFallback(client blob.Client) Option {
	return func(o *Orchestrator) { o.fallback = client }
}

// WithSubmitTransaction installs the ledger callback for ownership transfer
// of newly created blob objects.
func WithSubmitTransaction(submit SubmitTransaction) Option {
	return func(o *Orchestrator) { o.submitTx = submit }
}

// WithMetrics installs a recorder for crypto operation measurements.
func WithMetrics(rec Recorder) Option {
	return func(o *Orchestrator) { o.metrics = rec }
}

// New creates an orchestrator. Zero values in cfg fall back to defaults.
func New(blobs blob.Client, policy *retry.Policy, st store.Store, logger *logrus.Logger, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		blobs:       blobs,
		retry:       policy,
		store:       st,
		logger:      logger,
		chunkSize:   cfg.ChunkSize,
		maxFileSize: cfg.MaxFileSize,
		epochs:      cfg.Epochs,
		baseTimeout: cfg.BaseTimeout,
		metrics:     nopRecorder{},
		now:         time.Now,
	}
	if o.chunkSize <= 0 {
		o.chunkSize = chunk.DefaultChunkSize
	}
	if o.maxFileSize <= 0 {
		o.maxFileSize = DefaultMaxFileSize
	}
	if o.epochs <= 0 {
		o.epochs = DefaultEpochs
	}
	if o.baseTimeout <= 0 {
		o.baseTimeout = DefaultBaseTimeout
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UploadOptions configures one upload.
type UploadOptions struct {
	// FileID names the file; a UUID is assigned when empty. Resume requires
	// the ID of the interrupted upload.
	FileID   string
	MimeType string

	// Encrypt seals the payload before chunking. Key, when set, is used
	// instead of a generated one.
	Encrypt bool
	Key     []byte

	// Epochs overrides the orchestrator default retention.
	Epochs int

	// Progress receives pipeline events; sends never block.
	Progress chan<- Progress
}

// DownloadOptions configures one download.
type DownloadOptions struct {
	// Key decrypts the payload after reassembly. Without it the ciphertext
	// is returned as stored.
	Key []byte

	// VerifyIntegrity checks the whole-ciphertext content hash before any
	// decryption.
	VerifyIntegrity bool

	Progress chan<- Progress
}

// Upload encrypts (optionally), chunks and stores a payload. It returns the
// file metadata and, for encrypted uploads, the base64 exported key. The key
// is never embedded in the metadata.
//
// When a checkpoint exists for opts.FileID the upload resumes: chunks whose
// hash already matches a stored chunk are skipped. Resuming an encrypted
// upload requires the original key in opts.Key.
func (o *Orchestrator) Upload(ctx context.Context, data []byte, opts UploadOptions) (*FileMetadata, string, error) {
	if int64(len(data)) > o.maxFileSize {
		return nil, "", errs.Newf(errs.KindInvalidConfig, "file size %d exceeds limit %d", len(data), o.maxFileSize)
	}

	fileID := opts.FileID
	if fileID == "" {
		fileID = uuid.New().String()
	}
	epochs := opts.Epochs
	if epochs <= 0 {
		epochs = o.epochs
	}

	state, err := o.Checkpoint(fileID)
	if err != nil {
		return nil, "", err
	}

	emit(opts.Progress, Progress{FileID: fileID, Stage: StageEncrypting, Percent: 0})

	payload := data
	exportedKey := ""
	iv := ""
	algorithm := ""
	if opts.Encrypt {
		encOpts := crypto.Options{Key: opts.Key}
		if state != nil && state.IV != "" {
			replayIV, err := base64.StdEncoding.DecodeString(state.IV)
			if err != nil {
				return nil, "", errs.Newf(errs.KindMetadataCorrupted, "upload checkpoint for %s has invalid IV", fileID)
			}
			if opts.Key == nil {
				return nil, "", errs.New(errs.KindEncryption, "resuming an encrypted upload requires the original key")
			}
			encOpts.IV = replayIV
		}

		encStart := time.Now()
		result, err := crypto.Encrypt(data, encOpts)
		if err != nil {
			o.metrics.RecordCryptoError("encrypt", string(errs.Classify(err).Kind))
			return nil, "", err
		}
		o.metrics.RecordCryptoOperation("encrypt", time.Since(encStart), int64(len(data)))
		payload = result.Ciphertext
		exportedKey = crypto.ExportKey(result.Key)
		iv = base64.StdEncoding.EncodeToString(result.IV)
		algorithm = result.Algorithm
	}

	emit(opts.Progress, Progress{FileID: fileID, Stage: StageChunking, Percent: 10})

	chunks, err := chunk.Split(payload, o.chunkSize)
	if err != nil {
		return nil, "", err
	}
	contentHash := chunk.Hash(payload)

	if state != nil && state.TotalChunks != len(chunks) {
		// The payload changed; the checkpoint is useless.
		if err := o.clearCheckpoint(fileID); err != nil {
			return nil, "", err
		}
		state = nil
	}
	if state == nil {
		state = &PartialUploadState{FileID: fileID, TotalChunks: len(chunks), IV: iv}
	}

	emit(opts.Progress, Progress{FileID: fileID, Stage: StageUploading, Percent: 20, TotalChunks: len(chunks)})

	stored := make([]ChunkMetadata, len(chunks))
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, "", errs.Classify(err)
		}

		hash := chunk.Hash(c.Data)
		if meta, ok := state.uploaded(c.Index, hash); ok {
			stored[i] = meta
		} else {
			result, err := o.putChunk(ctx, c.Data, epochs)
			if err != nil {
				state.FailedChunks = append(state.FailedChunks, c.Index)
				if saveErr := o.saveCheckpoint(state); saveErr != nil {
					o.logger.WithError(saveErr).WithField("file_id", fileID).Warn("Failed to persist upload checkpoint")
				}
				return nil, "", errs.Wrap(errs.KindUpload, "chunk upload failed", err)
			}

			stored[i] = ChunkMetadata{
				Index:    c.Index,
				Size:     int64(len(c.Data)),
				Hash:     hash,
				BlobID:   result.BlobID,
				ObjectID: result.ObjectID,
			}
			state.UploadedChunks = append(state.UploadedChunks, stored[i])
			if err := o.saveCheckpoint(state); err != nil {
				o.logger.WithError(err).WithField("file_id", fileID).Warn("Failed to persist upload checkpoint")
			}

			if o.submitTx != nil && result.ObjectID != "" && !result.AlreadyCertified {
				if digest, err := o.submitTx(ctx, []byte(result.ObjectID)); err != nil {
					o.logger.WithError(err).WithField("object_id", result.ObjectID).Warn("Ownership transfer failed")
				} else {
					o.logger.WithField("digest", digest).Debug("Transferred blob ownership")
				}
			}
		}

		percent := 20 + int(float64(i+1)/float64(len(chunks))*70)
		emit(opts.Progress, Progress{
			FileID:      fileID,
			Stage:       StageUploading,
			Percent:     percent,
			ChunkIndex:  c.Index,
			TotalChunks: len(chunks),
		})
	}

	meta := &FileMetadata{
		FileID:              fileID,
		OriginalSize:        int64(len(data)),
		EncryptedSize:       int64(len(payload)),
		MimeType:            opts.MimeType,
		IsEncrypted:         opts.Encrypt,
		EncryptionAlgorithm: algorithm,
		IV:                  iv,
		IsChunked:           len(stored) > 1,
		ChunkCount:          len(stored),
		Chunks:              stored,
		ContentHash:         contentHash,
		UploadedAt:          o.now().UTC(),
		Status:              StatusActive,
	}
	if meta.IsChunked {
		// Chunked files have no single backing blob; the content hash
		// doubles as the stable file-level identifier.
		meta.BlobID = contentHash
	} else {
		meta.BlobID = stored[0].BlobID
	}

	if err := meta.Validate(); err != nil {
		return nil, "", err
	}
	if err := o.clearCheckpoint(fileID); err != nil {
		return nil, "", err
	}

	o.logger.WithFields(logrus.Fields{
		"file_id":   fileID,
		"blob_id":   meta.BlobID,
		"chunks":    meta.ChunkCount,
		"size":      meta.OriginalSize,
		"encrypted": meta.IsEncrypted,
	}).Info("Upload complete")

	emit(opts.Progress, Progress{FileID: fileID, Stage: StageComplete, Percent: 100, TotalChunks: len(chunks)})
	return meta, exportedKey, nil
}

// Resume continues an interrupted upload. It requires an existing checkpoint
// for opts.FileID and the same payload bytes as the original call.
func (o *Orchestrator) Resume(ctx context.Context, data []byte, opts UploadOptions) (*FileMetadata, string, error) {
	if opts.FileID == "" {
		return nil, "", errs.New(errs.KindUpload, "resume requires a file ID")
	}
	state, err := o.Checkpoint(opts.FileID)
	if err != nil {
		return nil, "", err
	}
	if state == nil {
		return nil, "", errs.Newf(errs.KindMetadataMissing, "no upload checkpoint for file %s", opts.FileID)
	}
	return o.Upload(ctx, data, opts)
}

// Download fetches every chunk in index order, verifies per-chunk hashes,
// reassembles the ciphertext and optionally verifies the content hash and
// decrypts. Decryption never starts before full verified reassembly.
func (o *Orchestrator) Download(ctx context.Context, meta *FileMetadata, opts DownloadOptions) ([]byte, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	refs := meta.Chunks
	if len(refs) == 0 {
		refs = []ChunkMetadata{{Index: 0, BlobID: meta.BlobID, Hash: meta.ContentHash, Size: meta.EncryptedSize}}
	}

	emit(opts.Progress, Progress{FileID: meta.FileID, Stage: StageDownloading, Percent: 0, TotalChunks: len(refs)})

	fetched := make([]chunk.Chunk, len(refs))
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, errs.Classify(err)
		}

		data, err := o.getChunk(ctx, ref.BlobID, ref.Size)
		if err != nil {
			if len(refs) > 1 && i > 0 {
				return nil, errs.Wrap(errs.KindPartialDownload, "download failed after retrieving some chunks", err)
			}
			return nil, errs.Wrap(errs.KindDownload, "chunk download failed", err)
		}
		if ref.Hash != "" && !chunk.VerifyHash(data, ref.Hash) {
			return nil, errs.Newf(errs.KindVerification, "chunk %d of file %s failed hash verification", ref.Index, meta.FileID)
		}
		fetched[i] = chunk.Chunk{Index: ref.Index, Data: data}

		percent := int(float64(i+1) / float64(len(refs)) * 70)
		emit(opts.Progress, Progress{
			FileID:      meta.FileID,
			Stage:       StageDownloading,
			Percent:     percent,
			ChunkIndex:  ref.Index,
			TotalChunks: len(refs),
		})
	}

	emit(opts.Progress, Progress{FileID: meta.FileID, Stage: StageReassembling, Percent: 70})

	payload, err := chunk.Reassemble(fetched)
	if err != nil {
		return nil, err
	}

	if opts.VerifyIntegrity && meta.ContentHash != "" {
		if !chunk.VerifyHash(payload, meta.ContentHash) {
			return nil, errs.Newf(errs.KindVerification, "file %s failed content hash verification", meta.FileID)
		}
	}

	emit(opts.Progress, Progress{FileID: meta.FileID, Stage: StageDecrypting, Percent: 85})

	if meta.IsEncrypted && opts.Key != nil {
		iv, err := base64.StdEncoding.DecodeString(meta.IV)
		if err != nil {
			return nil, errs.Newf(errs.KindMetadataCorrupted, "file %s has invalid IV encoding", meta.FileID)
		}
		decStart := time.Now()
		plaintext, err := crypto.Decrypt(payload, opts.Key, iv, meta.EncryptionAlgorithm)
		if err != nil {
			o.metrics.RecordCryptoError("decrypt", string(errs.Classify(err).Kind))
			return nil, err
		}
		o.metrics.RecordCryptoOperation("decrypt", time.Since(decStart), int64(len(payload)))
		payload = plaintext
	}

	emit(opts.Progress, Progress{FileID: meta.FileID, Stage: StageComplete, Percent: 100})
	return payload, nil
}

// putChunk stores one chunk under the retry policy, falling back to the
// alternate endpoint exactly once after RPC retries are exhausted.
func (o *Orchestrator) putChunk(ctx context.Context, data []byte, epochs int) (*blob.PutResult, error) {
	var result *blob.PutResult
	err := o.retry.Do(ctx, "put chunk", func(ctx context.Context) error {
		opCtx, cancel := o.opContext(ctx, len(data))
		defer cancel()

		r, err := o.blobs.Put(opCtx, data, epochs)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err == nil {
		return result, nil
	}

	if o.fallback != nil && errs.IsKind(err, errs.KindRPC) {
		o.logger.WithError(err).Warn("Primary endpoint exhausted, trying fallback")
		opCtx, cancel := o.opContext(ctx, len(data))
		defer cancel()

		r, fbErr := o.fallback.Put(opCtx, data, epochs)
		if fbErr == nil {
			return r, nil
		}
		o.logger.WithError(fbErr).Warn("Fallback endpoint failed")
	}
	return nil, err
}

// getChunk fetches one chunk with the same retry and fallback behavior.
func (o *Orchestrator) getChunk(ctx context.Context, blobID string, size int64) ([]byte, error) {
	var data []byte
	err := o.retry.Do(ctx, "get chunk", func(ctx context.Context) error {
		opCtx, cancel := o.opContext(ctx, int(size))
		defer cancel()

		d, err := o.blobs.Get(opCtx, blobID)
		if err != nil {
			return err
		}
		data = d
		return nil
	})
	if err == nil {
		return data, nil
	}

	if o.fallback != nil && errs.IsKind(err, errs.KindRPC) {
		o.logger.WithError(err).Warn("Primary endpoint exhausted, trying fallback")
		opCtx, cancel := o.opContext(ctx, int(size))
		defer cancel()

		d, fbErr := o.fallback.Get(opCtx, blobID)
		if fbErr == nil {
			return d, nil
		}
		o.logger.WithError(fbErr).Warn("Fallback endpoint failed")
	}
	return nil, err
}

// opContext derives the adaptive per-operation timeout: base plus one second
// per megabyte of payload.
func (o *Orchestrator) opContext(ctx context.Context, size int) (context.Context, context.CancelFunc) {
	timeout := o.baseTimeout + time.Duration(size/(1<<20))*time.Second
	return context.WithTimeout(ctx, timeout)
}
