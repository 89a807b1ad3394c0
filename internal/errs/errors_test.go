package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetryableSet(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindNetwork, true},
		{KindRPC, true},
		{KindUpload, true},
		{KindDownload, true},
		{KindTimeout, true},
		{KindPartialDownload, true},
		{KindInitialization, false},
		{KindEncryption, false},
		{KindDecryption, false},
		{KindChunking, false},
		{KindVerification, false},
		{KindKeyManagement, false},
		{KindInvalidConfig, false},
		{KindBlobNotFound, false},
		{KindMetadataCorrupted, false},
		{KindMetadataMissing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "test failure")
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, got, tt.retryable)
			}
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	orig := New(KindDecryption, "tag mismatch")
	wrapped := fmt.Errorf("download pipeline: %w", orig)

	classified := Classify(wrapped)
	if classified.Kind != KindDecryption {
		t.Errorf("Classify() kind = %s, want %s", classified.Kind, KindDecryption)
	}
	if classified.Retryable() {
		t.Error("decryption errors must never be retryable")
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if got := Classify(context.DeadlineExceeded).Kind; got != KindTimeout {
		t.Errorf("Classify(DeadlineExceeded) = %s, want %s", got, KindTimeout)
	}
	if got := Classify(context.Canceled).Kind; got != KindTimeout {
		t.Errorf("Classify(Canceled) = %s, want %s", got, KindTimeout)
	}
}

func TestClassifyUnknown(t *testing.T) {
	classified := Classify(errors.New("backend exploded"))
	if classified.Kind != KindRPC {
		t.Errorf("Classify(unknown) = %s, want %s", classified.Kind, KindRPC)
	}
	if !classified.Retryable() {
		t.Error("unknown backend failures should stay inside the retry budget")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindNetwork, "chunk upload failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestRecoveryActions(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		primary string
	}{
		{"retryable", New(KindNetwork, "net down"), ActionRetry},
		{"blob missing", New(KindBlobNotFound, "gone"), ActionRemoveFile},
		{"metadata corrupted", New(KindMetadataCorrupted, "bad json"), ActionRemoveFile},
		{"decryption", New(KindDecryption, "tag mismatch"), ActionReportIssue},
		{"verification", New(KindVerification, "hash mismatch"), ActionReportIssue},
		{"encryption", New(KindEncryption, "no key"), ActionReportIssue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := RecoveryActions(tt.err)
			if len(actions) == 0 {
				t.Fatal("expected at least one recovery action")
			}

			primaries := 0
			var primary string
			for _, a := range actions {
				if a.Primary {
					primaries++
					primary = a.Action
				}
			}
			if primaries != 1 {
				t.Errorf("expected exactly one primary action, got %d", primaries)
			}
			if primary != tt.primary {
				t.Errorf("primary action = %s, want %s", primary, tt.primary)
			}
		})
	}
}
