package seal

// Stage names a phase of the upload or download pipeline.
type Stage string

const (
	StageEncrypting   Stage = "encrypting"
	StageChunking     Stage = "chunking"
	StageUploading    Stage = "uploading"
	StageDownloading  Stage = "downloading"
	StageReassembling Stage = "reassembling"
	StageDecrypting   Stage = "decrypting"
	StageComplete     Stage = "complete"
)

// Progress is one pipeline progress event.
type Progress struct {
	FileID      string `json:"file_id"`
	Stage       Stage  `json:"stage"`
	Percent     int    `json:"percent"`
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

// emit sends a progress event without blocking. A slow or absent consumer
// never stalls a transfer.
func emit(ch chan<- Progress, p Progress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
	}
}
