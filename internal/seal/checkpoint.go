package seal

import (
	"encoding/json"
	"time"

	"github.com/sealstore/sealstore/internal/errs"
	"github.com/sealstore/sealstore/internal/store"
)

// CheckpointTTL is how long a partial upload checkpoint survives before the
// garbage collector discards it.
const CheckpointTTL = 24 * time.Hour

// PartialUploadState is the persisted checkpoint for an interrupted upload.
// IV records the encryption nonce so a resume with the same key reproduces
// the same ciphertext and the already uploaded chunks stay valid.
type PartialUploadState struct {
	FileID         string          `json:"file_id"`
	TotalChunks    int             `json:"total_chunks"`
	UploadedChunks []ChunkMetadata `json:"uploaded_chunks"`
	FailedChunks   []int           `json:"failed_chunks,omitempty"`
	IV             string          `json:"iv,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// uploaded reports whether the chunk at index was already stored with the
// given hash.
func (s *PartialUploadState) uploaded(index int, hash string) (ChunkMetadata, bool) {
	for _, c := range s.UploadedChunks {
		if c.Index == index && c.Hash == hash {
			return c, true
		}
	}
	return ChunkMetadata{}, false
}

func (o *Orchestrator) saveCheckpoint(state *PartialUploadState) error {
	state.Timestamp = o.now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return errs.Wrap(errs.KindUpload, "failed to encode upload checkpoint", err)
	}
	if err := o.store.Put(store.CollectionCheckpoints, state.FileID, data); err != nil {
		return errs.Wrap(errs.KindUpload, "failed to persist upload checkpoint", err)
	}
	return nil
}

// Checkpoint returns the partial upload state for fileID, or (nil, nil) when
// no upload is pending.
func (o *Orchestrator) Checkpoint(fileID string) (*PartialUploadState, error) {
	data, err := o.store.Get(store.CollectionCheckpoints, fileID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpload, "failed to load upload checkpoint", err)
	}
	if data == nil {
		return nil, nil
	}

	state := &PartialUploadState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, errs.Newf(errs.KindMetadataCorrupted, "upload checkpoint for %s is corrupted", fileID)
	}
	return state, nil
}

func (o *Orchestrator) clearCheckpoint(fileID string) error {
	if err := o.store.Delete(store.CollectionCheckpoints, fileID); err != nil {
		return errs.Wrap(errs.KindUpload, "failed to clear upload checkpoint", err)
	}
	return nil
}

// CleanupCheckpoints removes checkpoints older than CheckpointTTL and
// returns how many were dropped. Run it periodically.
func (o *Orchestrator) CleanupCheckpoints() (int, error) {
	all, err := o.store.GetAll(store.CollectionCheckpoints)
	if err != nil {
		return 0, errs.Wrap(errs.KindUpload, "failed to list upload checkpoints", err)
	}

	cutoff := o.now().Add(-CheckpointTTL)
	removed := 0
	for id, data := range all {
		state := &PartialUploadState{}
		if err := json.Unmarshal(data, state); err != nil || state.Timestamp.Before(cutoff) {
			if err := o.store.Delete(store.CollectionCheckpoints, id); err != nil {
				return removed, errs.Wrap(errs.KindUpload, "failed to delete stale checkpoint", err)
			}
			removed++
		}
	}

	if removed > 0 {
		o.logger.WithField("removed", removed).Info("Garbage collected stale upload checkpoints")
	}
	return removed, nil
}
