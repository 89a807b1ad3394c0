package api

import (
	"encoding/json"
	"net/http"

	"github.com/sealstore/sealstore/internal/errs"
)

// ErrorResponse is the JSON error envelope returned by every failing
// endpoint.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the classified failure and the remediations a client
// can offer its user.
type ErrorBody struct {
	Kind            string                `json:"kind"`
	Message         string                `json:"message"`
	Retryable       bool                  `json:"retryable"`
	RecoveryActions []errs.RecoveryAction `json:"recovery_actions,omitempty"`
}

// statusForKind maps an error kind to an HTTP status code.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidConfig:
		return http.StatusBadRequest
	case errs.KindBlobNotFound, errs.KindMetadataMissing:
		return http.StatusNotFound
	case errs.KindMetadataCorrupted, errs.KindVerification:
		return http.StatusConflict
	case errs.KindDecryption, errs.KindKeyManagement:
		return http.StatusUnprocessableEntity
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindNetwork, errs.KindRPC, errs.KindUpload, errs.KindDownload, errs.KindPartialDownload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the JSON envelope for a classified error.
func writeError(w http.ResponseWriter, err error) {
	classified := errs.Classify(err)

	response := ErrorResponse{
		Error: ErrorBody{
			Kind:            string(classified.Kind),
			Message:         classified.Error(),
			Retryable:       classified.Retryable(),
			RecoveryActions: errs.RecoveryActions(classified),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(classified.Kind))

	if data, marshalErr := json.Marshal(response); marshalErr == nil {
		w.Write(data)
	} else {
		w.Write([]byte(`{"error":{"kind":"unknown","message":"failed to encode error"}}`))
	}
}

// writeJSON writes a success payload.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
