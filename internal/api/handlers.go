package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/audit"
	"github.com/sealstore/sealstore/internal/config"
	"github.com/sealstore/sealstore/internal/crypto"
	"github.com/sealstore/sealstore/internal/errs"
	"github.com/sealstore/sealstore/internal/keystore"
	"github.com/sealstore/sealstore/internal/metrics"
	"github.com/sealstore/sealstore/internal/seal"
	"github.com/sealstore/sealstore/internal/security"
	"github.com/sealstore/sealstore/internal/store"
)

// Handler handles HTTP requests for the storage API.
type Handler struct {
	orchestrator *seal.Orchestrator
	keys         *keystore.Manager
	security     *security.Manager
	store        store.Store
	policies     *config.PolicyManager
	auditLog     audit.Logger
	metrics      *metrics.Metrics
	logger       *logrus.Logger
	config       *config.Config
}

// NewHandler creates a new API handler.
func NewHandler(
	orchestrator *seal.Orchestrator,
	keys *keystore.Manager,
	securityManager *security.Manager,
	st store.Store,
	policies *config.PolicyManager,
	auditLog audit.Logger,
	m *metrics.Metrics,
	logger *logrus.Logger,
	cfg *config.Config,
) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		keys:         keys,
		security:     securityManager,
		store:        st,
		policies:     policies,
		auditLog:     auditLog,
		metrics:      m,
		logger:       logger,
		config:       cfg,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/files", h.handleUpload).Methods("POST")
	v1.HandleFunc("/files/{blobID}", h.handleDownload).Methods("GET")
	v1.HandleFunc("/files/{blobID}/verify", h.handleVerify).Methods("GET")
	v1.HandleFunc("/keys", h.handleGenerateKey).Methods("POST")
	v1.HandleFunc("/keys/export", h.handleExportKeys).Methods("POST")
	v1.HandleFunc("/keys/import", h.handleImportKeys).Methods("POST")
	v1.HandleFunc("/keys/{keyID}/compromise", h.handleCompromiseKey).Methods("POST")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// uploadResponse is returned by POST /v1/files. The key appears here and
// nowhere else; it is not recoverable from the server afterwards.
type uploadResponse struct {
	Metadata *seal.FileMetadata `json:"metadata"`
	Key      string             `json:"key,omitempty"`
	KeyID    string             `json:"key_id,omitempty"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	filename := r.URL.Query().Get("filename")
	encrypt := r.URL.Query().Get("encrypt") != "false"

	opts := seal.UploadOptions{
		FileID:   r.URL.Query().Get("file_id"),
		MimeType: mimeType,
		Encrypt:  encrypt,
	}

	maxFileSize := h.config.Seal.MaxFileSize
	if policy := h.policies.PolicyForFile(filename, mimeType); policy != nil {
		if policy.Encrypt != nil {
			opts.Encrypt = *policy.Encrypt
		}
		if policy.Epochs != nil {
			opts.Epochs = *policy.Epochs
		}
		if policy.MaxFileSize != nil {
			maxFileSize = *policy.MaxFileSize
		}
	}

	if encoded := r.Header.Get("X-Seal-Key"); encoded != "" {
		key, err := crypto.ImportKey(encoded)
		if err != nil {
			writeError(w, err)
			return
		}
		opts.Key = key
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFileSize+1))
	if err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidConfig, "failed to read request body", err))
		return
	}
	if int64(len(data)) > maxFileSize {
		writeError(w, errs.Newf(errs.KindInvalidConfig, "file size exceeds limit %d", maxFileSize))
		return
	}

	meta, exportedKey, err := h.orchestrator.Upload(r.Context(), data, opts)

	duration := time.Since(start)
	if err != nil {
		h.metrics.RecordTransferError("upload", string(errs.KindOf(err)))
		h.auditLog.LogEncrypt(opts.FileID, "", crypto.AlgorithmAESGCM, 0, int64(len(data)), false, err, duration)
		writeError(w, err)
		return
	}

	h.metrics.RecordTransfer("upload", h.config.Blob.Backend, duration, int64(len(data)), meta.ChunkCount)
	h.auditLog.LogEncrypt(meta.FileID, meta.BlobID, meta.EncryptionAlgorithm, meta.ChunkCount, meta.OriginalSize, true, nil, duration)

	response := uploadResponse{Metadata: meta, Key: exportedKey}

	// Generated keys enter the keystore so compromise handling and rotation
	// can reach them later. The plaintext still leaves only in the response.
	if exportedKey != "" {
		if key, importErr := crypto.ImportKey(exportedKey); importErr == nil {
			if keyID, regErr := h.keys.RegisterKey(key); regErr == nil {
				response.KeyID = keyID
				if assocErr := h.keys.AssociateFileWithKey(keyID, meta.FileID); assocErr != nil {
					h.logger.WithError(assocErr).Warn("Failed to associate file with key")
				}
			} else {
				h.logger.WithError(regErr).Warn("Failed to register upload key")
			}
			crypto.Zero(key)
		}
	}

	if err := h.saveMetadata(meta); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, response)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	blobID := mux.Vars(r)["blobID"]

	meta, err := h.loadMetadata(blobID)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := seal.DownloadOptions{
		VerifyIntegrity: r.URL.Query().Get("verify") == "true",
	}
	if encoded := r.Header.Get("X-Seal-Key"); encoded != "" {
		key, err := crypto.ImportKey(encoded)
		if err != nil {
			writeError(w, err)
			return
		}
		opts.Key = key
		defer crypto.Zero(key)
	}

	data, err := h.orchestrator.Download(r.Context(), meta, opts)

	duration := time.Since(start)
	if err != nil {
		h.metrics.RecordTransferError("download", string(errs.KindOf(err)))
		h.auditLog.LogDecrypt(meta.FileID, meta.BlobID, meta.EncryptionAlgorithm, false, err, duration)
		writeError(w, err)
		return
	}

	h.metrics.RecordTransfer("download", h.config.Blob.Backend, duration, int64(len(data)), meta.ChunkCount)
	h.auditLog.LogDecrypt(meta.FileID, meta.BlobID, meta.EncryptionAlgorithm, true, nil, duration)

	contentType := meta.MimeType
	if meta.IsEncrypted && opts.Key == nil {
		// Undecrypted ciphertext is not the declared media type.
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	blobID := mux.Vars(r)["blobID"]

	meta, err := h.loadMetadata(blobID)
	if err != nil {
		writeError(w, err)
		return
	}

	deep := r.URL.Query().Get("deep") == "true"
	result, err := h.orchestrator.VerifyFile(r.Context(), meta, deep)
	if err != nil {
		writeError(w, err)
		return
	}

	verdict := "healthy"
	if !result.Healthy {
		verdict = "unhealthy"
	}
	h.metrics.RecordVerification(verdict)

	writeJSON(w, http.StatusOK, result)
}

type generateKeyRequest struct {
	Size int `json:"size"`
}

type generateKeyResponse struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"`
}

func (h *Handler) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var request generateKeyRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Size == 0 {
		request.Size = crypto.DefaultKeySize
	}

	generated, err := h.keys.GenerateKey(request.Size)
	if err != nil {
		writeError(w, err)
		return
	}
	defer crypto.Zero(generated.Key)

	h.metrics.RecordKeyOperation("generate")

	writeJSON(w, http.StatusCreated, generateKeyResponse{
		KeyID: generated.KeyID,
		Key:   crypto.ExportKey(generated.Key),
	})
}

type exportKeysRequest struct {
	Password string `json:"password"`
}

type exportKeysResponse struct {
	Backup string `json:"backup"`
}

func (h *Handler) handleExportKeys(w http.ResponseWriter, r *http.Request) {
	var request exportKeysRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Password == "" {
		writeError(w, errs.New(errs.KindInvalidConfig, "password is required"))
		return
	}

	backup, err := h.keys.ExportKeys(request.Password)
	if err != nil {
		h.auditLog.LogKeyBackup(audit.EventTypeKeyExport, 0, false, err)
		writeError(w, err)
		return
	}

	h.metrics.RecordKeyOperation("export")
	h.auditLog.LogKeyBackup(audit.EventTypeKeyExport, 0, true, nil)

	writeJSON(w, http.StatusOK, exportKeysResponse{
		Backup: base64.StdEncoding.EncodeToString(backup),
	})
}

type importKeysRequest struct {
	Backup   string `json:"backup"`
	Password string `json:"password"`
}

type importKeysResponse struct {
	Imported int `json:"imported"`
}

func (h *Handler) handleImportKeys(w http.ResponseWriter, r *http.Request) {
	var request importKeysRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Password == "" {
		writeError(w, errs.New(errs.KindInvalidConfig, "password is required"))
		return
	}

	backup, err := base64.StdEncoding.DecodeString(request.Backup)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidConfig, "backup is not valid base64", err))
		return
	}

	imported, err := h.keys.ImportKeys(backup, request.Password)
	if err != nil {
		h.auditLog.LogKeyBackup(audit.EventTypeKeyImport, 0, false, err)
		writeError(w, err)
		return
	}

	h.metrics.RecordKeyOperation("import")
	h.auditLog.LogKeyBackup(audit.EventTypeKeyImport, imported, true, nil)

	writeJSON(w, http.StatusOK, importKeysResponse{Imported: imported})
}

type compromiseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCompromiseKey(w http.ResponseWriter, r *http.Request) {
	keyID := mux.Vars(r)["keyID"]

	var request compromiseRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Reason == "" {
		writeError(w, errs.New(errs.KindInvalidConfig, "reason is required"))
		return
	}

	result, err := h.security.MarkKeyAsCompromised(keyID, request.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	h.metrics.RecordKeyOperation("compromise")
	h.auditLog.LogCompromise(keyID, request.Reason, len(result.AffectedFiles))

	writeJSON(w, http.StatusOK, result)
}

// saveMetadata persists file metadata under its blob id so downloads can
// locate it later.
func (h *Handler) saveMetadata(meta *seal.FileMetadata) error {
	encoded, err := meta.Encode()
	if err != nil {
		return err
	}
	if err := h.store.Put(store.CollectionFiles, meta.BlobID, encoded); err != nil {
		return errs.Wrap(errs.KindMetadataCorrupted, "failed to persist file metadata", err)
	}
	return nil
}

func (h *Handler) loadMetadata(blobID string) (*seal.FileMetadata, error) {
	raw, err := h.store.Get(store.CollectionFiles, blobID)
	if err != nil {
		return nil, errs.Wrap(errs.KindMetadataMissing, "failed to load file metadata", err)
	}
	if raw == nil {
		return nil, errs.Newf(errs.KindMetadataMissing, "no metadata for blob %s", blobID)
	}
	return seal.ParseMetadata(raw)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "invalid request body", err)
	}
	return nil
}
