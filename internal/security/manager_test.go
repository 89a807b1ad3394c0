package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealstore/sealstore/internal/audit"
	"github.com/sealstore/sealstore/internal/keystore"
	"github.com/sealstore/sealstore/internal/store"
	"github.com/sealstore/sealstore/internal/wallet"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testSigner() wallet.Signer {
	return wallet.SignerFunc(func(_ context.Context, message []byte) ([]byte, error) {
		mac := hmac.New(sha256.New, []byte("test-wallet-seed"))
		mac.Write(message)
		return mac.Sum(nil), nil
	})
}

type fixture struct {
	store      store.Store
	keys       *keystore.Manager
	derivation *wallet.Derivation
	manager    *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	keys := keystore.NewManager(st, testLogger())
	require.NoError(t, keys.Initialize())
	derivation := wallet.NewDerivation(keys, st, testLogger(), wallet.DefaultCacheTTL)
	return &fixture{
		store:      st,
		keys:       keys,
		derivation: derivation,
		manager:    NewManager(keys, derivation, st, testLogger(), opts...),
	}
}

func TestMarkKeyAsCompromisedWithFiles(t *testing.T) {
	f := newFixture(t)
	generated, err := f.keys.GenerateKey(256)
	require.NoError(t, err)
	require.NoError(t, f.keys.AssociateFileWithKey(generated.KeyID, "file-1"))
	require.NoError(t, f.keys.AssociateFileWithKey(generated.KeyID, "file-2"))

	result, err := f.manager.MarkKeyAsCompromised(generated.KeyID, "leaked in logs")
	require.NoError(t, err)
	assert.Equal(t, generated.KeyID, result.KeyID)
	assert.Equal(t, "leaked in logs", result.Reason)
	assert.Equal(t, ActionReEncrypt, result.RecommendedAction)
	assert.ElementsMatch(t, []string{"file-1", "file-2"}, result.AffectedFiles)

	meta, err := f.keys.KeyMetadata(generated.KeyID)
	require.NoError(t, err)
	assert.True(t, meta.IsCompromised)

	// Compromise purges plaintext caches.
	assert.Equal(t, 0, f.keys.CachedKeys())

	persisted, err := f.manager.CompromiseRecord(generated.KeyID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, ActionReEncrypt, persisted.RecommendedAction)
}

func TestMarkKeyAsCompromisedWithoutFilesRecommendsRevoke(t *testing.T) {
	f := newFixture(t)
	generated, err := f.keys.GenerateKey(256)
	require.NoError(t, err)

	result, err := f.manager.MarkKeyAsCompromised(generated.KeyID, "suspicious access")
	require.NoError(t, err)
	assert.Equal(t, ActionRevoke, result.RecommendedAction)
	assert.Empty(t, result.AffectedFiles)
}

func TestCompromiseRecordMissing(t *testing.T) {
	f := newFixture(t)
	record, err := f.manager.CompromiseRecord("nope")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestReEncryptFilesAfterCompromise(t *testing.T) {
	f := newFixture(t)
	oldKey, err := f.keys.GenerateKey(256)
	require.NoError(t, err)
	newKey, err := f.keys.GenerateKey(256)
	require.NoError(t, err)
	require.NoError(t, f.keys.AssociateFileWithKey(oldKey.KeyID, "file-1"))
	require.NoError(t, f.keys.AssociateFileWithKey(oldKey.KeyID, "file-2"))

	reEncrypted := make([]string, 0)
	tasks, err := f.manager.ReEncryptFilesAfterCompromise(context.Background(), oldKey.KeyID, newKey.KeyID,
		func(_ context.Context, fileID string, old, new []byte) error {
			assert.Len(t, old, 32)
			assert.Len(t, new, 32)
			reEncrypted = append(reEncrypted, fileID)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, TaskCompleted, task.Status)
		assert.Empty(t, task.Error)
	}
	assert.ElementsMatch(t, []string{"file-1", "file-2"}, reEncrypted)

	// Old key is gone once every task completed.
	key, err := f.keys.GetKey(oldKey.KeyID)
	require.NoError(t, err)
	assert.Nil(t, key)

	// Migrated files now belong to the new key.
	files, err := f.keys.AssociatedFiles(newKey.KeyID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"file-1", "file-2"}, files)
}

func TestReEncryptFailureRetainsOldKey(t *testing.T) {
	f := newFixture(t)
	oldKey, err := f.keys.GenerateKey(256)
	require.NoError(t, err)
	newKey, err := f.keys.GenerateKey(256)
	require.NoError(t, err)
	require.NoError(t, f.keys.AssociateFileWithKey(oldKey.KeyID, "file-1"))
	require.NoError(t, f.keys.AssociateFileWithKey(oldKey.KeyID, "file-2"))

	tasks, err := f.manager.ReEncryptFilesAfterCompromise(context.Background(), oldKey.KeyID, newKey.KeyID,
		func(_ context.Context, fileID string, _, _ []byte) error {
			if fileID == "file-2" {
				return errors.New("blob fetch failed")
			}
			return nil
		})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	statuses := map[string]TaskStatus{}
	for _, task := range tasks {
		statuses[task.FileID] = task.Status
	}
	assert.Equal(t, TaskCompleted, statuses["file-1"])
	assert.Equal(t, TaskFailed, statuses["file-2"])

	// A failed task blocks deletion so the file stays decryptable.
	key, err := f.keys.GetKey(oldKey.KeyID)
	require.NoError(t, err)
	assert.NotNil(t, key)

	persisted, err := f.manager.Tasks(oldKey.KeyID)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestReEncryptUnknownKeys(t *testing.T) {
	f := newFixture(t)
	known, err := f.keys.GenerateKey(256)
	require.NoError(t, err)

	_, err = f.manager.ReEncryptFilesAfterCompromise(context.Background(), "missing", known.KeyID, nil)
	assert.Error(t, err)

	_, err = f.manager.ReEncryptFilesAfterCompromise(context.Background(), known.KeyID, "missing", nil)
	assert.Error(t, err)
}

// ageKey rewrites the stored creation timestamp so the rotation policy sees
// an old key.
func ageKey(t *testing.T, st store.Store, keyID string, age time.Duration) {
	t.Helper()
	data, err := st.Get(store.CollectionKeys, keyID)
	require.NoError(t, err)
	require.NotNil(t, data)

	record := keystore.StoredKey{}
	require.NoError(t, json.Unmarshal(data, &record))
	record.CreatedAt = time.Now().Add(-age)
	data, err = json.Marshal(&record)
	require.NoError(t, err)
	require.NoError(t, st.Put(store.CollectionKeys, keyID, data))
}

func TestRotateKeysForLongTermFiles(t *testing.T) {
	f := newFixture(t)
	signer := testSigner()

	derived, err := f.derivation.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)
	fresh, err := f.keys.GenerateKey(256)
	require.NoError(t, err)

	ageKey(t, f.store, derived.KeyID, 90*24*time.Hour)

	outcomes, err := f.manager.RotateKeysForLongTermFiles(context.Background(), "0xabc", signer, 30)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byKey := map[string]RotationOutcome{}
	for _, outcome := range outcomes {
		byKey[outcome.KeyID] = outcome
	}
	aged := byKey[derived.KeyID]
	assert.True(t, aged.Rotated)
	assert.NotEmpty(t, aged.NewKeyID)
	assert.Empty(t, aged.Error)

	recent := byKey[fresh.KeyID]
	assert.False(t, recent.Rotated)
	assert.Empty(t, recent.Error)

	info, err := f.derivation.RotationInfo(aged.NewKeyID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, derived.KeyID, info.PreviousKeyID)
	assert.Equal(t, wallet.ReasonScheduled, info.Reason)
}

func TestRotateKeysToleratesPerKeyFailures(t *testing.T) {
	f := newFixture(t)
	signer := testSigner()

	_, err := f.derivation.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)

	// maxAgeDays <= 0 makes ShouldRotateKey fail per key without aborting
	// the batch.
	outcomes, err := f.manager.RotateKeysForLongTermFiles(context.Background(), "0xabc", signer, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Rotated)
	assert.NotEmpty(t, outcomes[0].Error)
}

func TestBackgroundLoopsStartAndStop(t *testing.T) {
	f := newFixture(t, WithCleanupInterval(10*time.Millisecond), WithScanInterval(10*time.Millisecond))

	generated, err := f.keys.GenerateKey(256)
	require.NoError(t, err)
	_, err = f.keys.GetKey(generated.KeyID)
	require.NoError(t, err)
	require.Equal(t, 1, f.keys.CachedKeys())

	f.manager.Start()
	f.manager.Start() // second Start is a no-op

	deadline := time.After(2 * time.Second)
	for f.keys.CachedKeys() != 0 {
		select {
		case <-deadline:
			t.Fatal("cleanup loop never purged the key cache")
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.manager.Stop()
	f.manager.Stop() // Stop is idempotent
}

func TestDetectorFindingsAreRecorded(t *testing.T) {
	f := newFixture(t)
	generated, err := f.keys.GenerateKey(256)
	require.NoError(t, err)

	f.manager.detector = func(context.Context) ([]CompromiseDetectionResult, error) {
		return []CompromiseDetectionResult{{KeyID: generated.KeyID, Reason: "anomaly"}}, nil
	}
	f.manager.runScan()

	record, err := f.manager.CompromiseRecord(generated.KeyID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "anomaly", record.Reason)
}

func TestTriggerMemoryCleanup(t *testing.T) {
	f := newFixture(t)
	generated, err := f.keys.GenerateKey(256)
	require.NoError(t, err)
	_, err = f.keys.GetKey(generated.KeyID)
	require.NoError(t, err)
	require.NotZero(t, f.keys.CachedKeys())

	f.manager.TriggerMemoryCleanup()
	assert.Zero(t, f.keys.CachedKeys())
	assert.Zero(t, f.derivation.CachedKeys())
}

type discardEvents struct{}

func (discardEvents) WriteEvent(*audit.Event) error { return nil }

func TestRotateKeysAuditsEachRotation(t *testing.T) {
	st := store.NewMemory()
	keys := keystore.NewManager(st, testLogger())
	require.NoError(t, keys.Initialize())
	derivation := wallet.NewDerivation(keys, st, testLogger(), wallet.DefaultCacheTTL)
	auditLog := audit.NewLogger(10, discardEvents{})
	manager := NewManager(keys, derivation, st, testLogger(), WithAuditLogger(auditLog))
	signer := testSigner()

	derived, err := derivation.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)
	ageKey(t, st, derived.KeyID, 90*24*time.Hour)

	outcomes, err := manager.RotateKeysForLongTermFiles(context.Background(), "0xabc", signer, 30)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Rotated)

	events := auditLog.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeKeyRotation, events[0].EventType)
	assert.Equal(t, derived.KeyID, events[0].KeyID)
	assert.Equal(t, outcomes[0].NewKeyID, events[0].Metadata["new_key_id"])
	assert.True(t, events[0].Success)
}

func TestStaleKeysUsesConfiguredMaxAge(t *testing.T) {
	f := newFixture(t, WithMaxKeyAge(30))

	aged, err := f.keys.GenerateKey(256)
	require.NoError(t, err)
	fresh, err := f.keys.GenerateKey(256)
	require.NoError(t, err)

	ageKey(t, f.store, aged.KeyID, 45*24*time.Hour)

	stale, err := f.manager.StaleKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{aged.KeyID}, stale)
	assert.NotContains(t, stale, fresh.KeyID)
}
