package errs

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
)

// Kind identifies a stable error category. Kinds are part of the API surface:
// callers branch on them to decide whether an operation can be retried and
// which recovery action to offer.
type Kind string

const (
	KindInitialization    Kind = "initialization"
	KindEncryption        Kind = "encryption"
	KindDecryption        Kind = "decryption"
	KindChunking          Kind = "chunking"
	KindUpload            Kind = "upload"
	KindDownload          Kind = "download"
	KindVerification      Kind = "verification"
	KindKeyManagement     Kind = "key_management"
	KindRPC               Kind = "rpc"
	KindNetwork           Kind = "network"
	KindInvalidConfig     Kind = "invalid_config"
	KindTimeout           Kind = "timeout"
	KindBlobNotFound      Kind = "blob_not_found"
	KindMetadataCorrupted Kind = "metadata_corrupted"
	KindMetadataMissing   Kind = "metadata_missing"
	KindPartialDownload   Kind = "partial_download"
)

// retryableKinds is the closed set of kinds that the retry policy may replay.
// Everything else is terminal: cryptographic failures, verification mismatches
// and corrupted metadata never improve on a second attempt.
var retryableKinds = map[Kind]bool{
	KindNetwork:         true,
	KindRPC:             true,
	KindUpload:          true,
	KindDownload:        true,
	KindTimeout:         true,
	KindPartialDownload: true,
}

// Error is the classified error type used throughout the pipeline.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error belongs to the retryable set.
func (e *Error) Retryable() bool {
	return retryableKinds[e.Kind]
}

// New creates a classified error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error while preserving it for errors.Is/As.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains a classified error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether an error may be automatically retried. Foreign
// errors are classified first.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable()
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through unchanged; SDK, network and context errors are
// translated; anything else is treated as a backend RPC failure, which keeps
// unknown transient conditions inside the retry budget.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindTimeout, "operation deadline exceeded", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindNetwork, "network failure", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return Wrap(KindBlobNotFound, "blob not found on backend", err)
		case "RequestTimeout":
			return Wrap(KindTimeout, "backend request timed out", err)
		default:
			return Wrap(KindRPC, "backend request failed", err)
		}
	}

	return Wrap(KindRPC, "unclassified backend failure", err)
}

// RecoveryAction describes one remediation the caller can offer for a
// terminal failure. Exactly one action in a returned set is marked primary.
type RecoveryAction struct {
	Action  string `json:"action"`
	Primary bool   `json:"primary"`
}

const (
	ActionRetry       = "retry"
	ActionRemoveFile  = "remove-file"
	ActionReportIssue = "report-issue"
)

// RecoveryActions returns the ordered set of remediations for an error.
func RecoveryActions(err error) []RecoveryAction {
	e := Classify(err)
	if e == nil {
		return nil
	}

	if e.Retryable() {
		return []RecoveryAction{
			{Action: ActionRetry, Primary: true},
			{Action: ActionReportIssue},
		}
	}

	switch e.Kind {
	case KindBlobNotFound, KindMetadataCorrupted, KindMetadataMissing:
		return []RecoveryAction{
			{Action: ActionRemoveFile, Primary: true},
			{Action: ActionReportIssue},
		}
	case KindDecryption, KindVerification:
		return []RecoveryAction{
			{Action: ActionReportIssue, Primary: true},
			{Action: ActionRemoveFile},
		}
	default:
		return []RecoveryAction{
			{Action: ActionReportIssue, Primary: true},
		}
	}
}
