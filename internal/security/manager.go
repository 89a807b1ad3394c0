// Package security implements the background key security policy: periodic
// memory cleanup, compromise handling and scheduled rotation. It builds on
// the key manager and the wallet derivation service and never touches file
// content itself; re-encryption of payloads is driven through a caller
// supplied callback.
package security

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/audit"
	"github.com/sealstore/sealstore/internal/errs"
	"github.com/sealstore/sealstore/internal/keystore"
	"github.com/sealstore/sealstore/internal/store"
	"github.com/sealstore/sealstore/internal/wallet"
)

const (
	// DefaultCleanupInterval is how often plaintext key caches are purged.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultScanInterval is how often the compromise detector runs.
	DefaultScanInterval = 1 * time.Hour

	// DefaultMaxKeyAgeDays is the age past which the periodic scan flags a
	// key as due for rotation.
	DefaultMaxKeyAgeDays = 90
)

// RecommendedAction advises the caller how to respond to a compromise.
type RecommendedAction string

const (
	ActionRotate    RecommendedAction = "rotate"
	ActionReEncrypt RecommendedAction = "re-encrypt"
	ActionRevoke    RecommendedAction = "revoke"
)

// CompromiseDetectionResult is the persisted record of a compromise event.
type CompromiseDetectionResult struct {
	KeyID             string            `json:"key_id"`
	Reason            string            `json:"reason"`
	DetectedAt        time.Time         `json:"detected_at"`
	AffectedFiles     []string          `json:"affected_files"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
}

// TaskStatus is the lifecycle state of a re-encryption task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ReEncryptionTask tracks one file's migration from the old key to the new.
type ReEncryptionTask struct {
	FileID   string     `json:"file_id"`
	OldKeyID string     `json:"old_key_id"`
	NewKeyID string     `json:"new_key_id"`
	Status   TaskStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// ReEncryptCallback performs the actual download/decrypt/encrypt/upload for
// one file. It is an external collaborator: the security manager only
// sequences tasks and persists their state.
type ReEncryptCallback func(ctx context.Context, fileID string, oldKey, newKey []byte) error

// DetectorFunc is the pluggable compromise scan hook. The default manager
// runs with no detector, matching the policy placeholder in the source
// system.
type DetectorFunc func(ctx context.Context) ([]CompromiseDetectionResult, error)

// RotationOutcome reports one key's result from a batch rotation.
type RotationOutcome struct {
	KeyID    string `json:"key_id"`
	Rotated  bool   `json:"rotated"`
	NewKeyID string `json:"new_key_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Manager runs the background security tasks. Both loops are cancellable via
// Stop and can also be triggered manually.
type Manager struct {
	keys       *keystore.Manager
	derivation *wallet.Derivation
	store      store.Store
	logger     *logrus.Logger

	cleanupInterval time.Duration
	scanInterval    time.Duration
	maxKeyAgeDays   int
	detector        DetectorFunc
	auditLog        audit.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCleanupInterval overrides the memory cleanup cadence.
func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) { m.cleanupInterval = d }
}

// WithScanInterval overrides the compromise scan cadence.
func WithScanInterval(d time.Duration) Option {
	return func(m *Manager) { m.scanInterval = d }
}

// WithDetector installs a compromise detector.
func WithDetector(detector DetectorFunc) Option {
	return func(m *Manager) { m.detector = detector }
}

// WithMaxKeyAge overrides the age threshold used to flag keys as due for
// rotation.
func WithMaxKeyAge(days int) Option {
	return func(m *Manager) { m.maxKeyAgeDays = days }
}

// WithAuditLogger records rotation and compromise events to the audit log.
func WithAuditLogger(auditLog audit.Logger) Option {
	return func(m *Manager) { m.auditLog = auditLog }
}

// NewManager creates a security manager. Start must be called to launch the
// background loops; all operations also work without them.
func NewManager(keys *keystore.Manager, derivation *wallet.Derivation, st store.Store, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		keys:            keys,
		derivation:      derivation,
		store:           st,
		logger:          logger,
		cleanupInterval: DefaultCleanupInterval,
		scanInterval:    DefaultScanInterval,
		maxKeyAgeDays:   DefaultMaxKeyAgeDays,
		auditLog:        audit.NopLogger(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the cleanup and scan loops. Calling Start on a running
// manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true

	m.wg.Add(2)
	go m.cleanupLoop(m.stopCh)
	go m.scanLoop(m.stopCh)
	m.logger.WithFields(logrus.Fields{
		"cleanup_interval": m.cleanupInterval.String(),
		"scan_interval":    m.scanInterval.String(),
	}).Info("Started key security manager")
}

// Stop cancels both background loops and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Stopped key security manager")
}

func (m *Manager) cleanupLoop(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.TriggerMemoryCleanup()
		}
	}
}

func (m *Manager) scanLoop(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runScan()
		}
	}
}

// TriggerMemoryCleanup purges all plaintext key caches. The UI layer calls
// this on teardown and visibility loss in addition to the periodic loop.
func (m *Manager) TriggerMemoryCleanup() {
	m.keys.ClearMemory()
	m.derivation.ClearCache()
	m.logger.Debug("Purged in-memory key material")
}

// runScan invokes the detector, if any, records every finding and flags
// keys past the rotation age.
func (m *Manager) runScan() {
	if m.detector != nil {
		results, err := m.detector(context.Background())
		if err != nil {
			m.logger.WithError(err).Warn("Compromise scan failed")
		}
		for _, result := range results {
			if _, err := m.MarkKeyAsCompromised(result.KeyID, result.Reason); err != nil {
				m.logger.WithError(err).WithField("key_id", result.KeyID).Warn("Failed to record compromise")
			}
		}
	}

	stale, err := m.StaleKeys()
	if err != nil {
		m.logger.WithError(err).Warn("Key age scan failed")
		return
	}
	for _, keyID := range stale {
		m.logger.WithFields(logrus.Fields{
			"key_id":       keyID,
			"max_age_days": m.maxKeyAgeDays,
		}).Warn("Key exceeds rotation age")
	}
}

// StaleKeys returns the IDs of keys older than the configured rotation age.
// Rotation itself needs a wallet signature, so the manager only reports;
// RotateKeysForLongTermFiles performs the rotation when a signer is at hand.
func (m *Manager) StaleKeys() ([]string, error) {
	records, err := m.keys.Keys()
	if err != nil {
		return nil, err
	}

	stale := make([]string, 0)
	for _, record := range records {
		due, err := m.derivation.ShouldRotateKey(record.KeyID, m.maxKeyAgeDays)
		if err != nil {
			m.logger.WithError(err).WithField("key_id", record.KeyID).Warn("Failed to check key age")
			continue
		}
		if due {
			stale = append(stale, record.KeyID)
		}
	}
	return stale, nil
}

// MarkKeyAsCompromised flags the key, persists a detection record and
// immediately purges in-memory key material. The recommended action is
// re-encrypt when files depend on the key, revoke otherwise.
func (m *Manager) MarkKeyAsCompromised(keyID, reason string) (*CompromiseDetectionResult, error) {
	files, err := m.keys.AssociatedFiles(keyID)
	if err != nil {
		return nil, err
	}
	if err := m.keys.MarkCompromised(keyID); err != nil {
		return nil, err
	}

	action := ActionRevoke
	if len(files) > 0 {
		action = ActionReEncrypt
	}
	result := &CompromiseDetectionResult{
		KeyID:             keyID,
		Reason:            reason,
		DetectedAt:        m.now().UTC(),
		AffectedFiles:     files,
		RecommendedAction: action,
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to encode compromise record", err)
	}
	if err := m.store.Put(store.CollectionCompromises, keyID, data); err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to persist compromise record", err)
	}

	m.logger.WithFields(logrus.Fields{
		"key_id":         keyID,
		"reason":         reason,
		"affected_files": len(files),
		"action":         string(action),
	}).Warn("Key marked as compromised")

	m.TriggerMemoryCleanup()
	return result, nil
}

// CompromiseRecord returns the persisted detection result for keyID, or
// (nil, nil) when the key was never marked.
func (m *Manager) CompromiseRecord(keyID string) (*CompromiseDetectionResult, error) {
	data, err := m.store.Get(store.CollectionCompromises, keyID)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to load compromise record", err)
	}
	if data == nil {
		return nil, nil
	}
	result := &CompromiseDetectionResult{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, errs.Newf(errs.KindMetadataCorrupted, "compromise record for %s is corrupted", keyID)
	}
	return result, nil
}

// ReEncryptFilesAfterCompromise migrates every file from oldKeyID to
// newKeyID via the callback, persisting each task transition. The old key is
// deleted only when every task completes; a single failure blocks deletion
// so the affected files stay decryptable.
func (m *Manager) ReEncryptFilesAfterCompromise(ctx context.Context, oldKeyID, newKeyID string, callback ReEncryptCallback) ([]ReEncryptionTask, error) {
	files, err := m.keys.AssociatedFiles(oldKeyID)
	if err != nil {
		return nil, err
	}

	oldKey, err := m.keys.GetKey(oldKeyID)
	if err != nil {
		return nil, err
	}
	if oldKey == nil {
		return nil, errs.Newf(errs.KindKeyManagement, "old key %s not found", oldKeyID)
	}
	newKey, err := m.keys.GetKey(newKeyID)
	if err != nil {
		return nil, err
	}
	if newKey == nil {
		return nil, errs.Newf(errs.KindKeyManagement, "new key %s not found", newKeyID)
	}

	tasks := make([]ReEncryptionTask, len(files))
	for i, fileID := range files {
		tasks[i] = ReEncryptionTask{
			FileID:   fileID,
			OldKeyID: oldKeyID,
			NewKeyID: newKeyID,
			Status:   TaskPending,
		}
		if err := m.putTask(&tasks[i]); err != nil {
			return tasks, err
		}
	}

	allCompleted := true
	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return tasks, errs.Classify(err)
		}

		tasks[i].Status = TaskInProgress
		if err := m.putTask(&tasks[i]); err != nil {
			return tasks, err
		}

		if err := callback(ctx, tasks[i].FileID, oldKey, newKey); err != nil {
			tasks[i].Status = TaskFailed
			tasks[i].Error = err.Error()
			allCompleted = false
			m.logger.WithError(err).WithField("file_id", tasks[i].FileID).Error("Re-encryption failed for file")
		} else {
			tasks[i].Status = TaskCompleted
			if err := m.keys.AssociateFileWithKey(newKeyID, tasks[i].FileID); err != nil {
				m.logger.WithError(err).WithField("file_id", tasks[i].FileID).Warn("Failed to associate file with new key")
			}
		}
		if err := m.putTask(&tasks[i]); err != nil {
			return tasks, err
		}
	}

	if allCompleted {
		if err := m.keys.DeleteKey(oldKeyID); err != nil {
			return tasks, err
		}
		m.logger.WithFields(logrus.Fields{
			"old_key_id": oldKeyID,
			"new_key_id": newKeyID,
			"files":      len(tasks),
		}).Info("Re-encryption complete, old key deleted")
	} else {
		m.logger.WithField("old_key_id", oldKeyID).Warn("Re-encryption incomplete, old key retained")
	}

	return tasks, nil
}

// RotateKeysForLongTermFiles applies the age policy to every stored key and
// rotates the ones past maxAgeDays. Individual failures are reported per key
// and never abort the batch.
func (m *Manager) RotateKeysForLongTermFiles(ctx context.Context, address string, signer wallet.Signer, maxAgeDays int) ([]RotationOutcome, error) {
	records, err := m.keys.Keys()
	if err != nil {
		return nil, err
	}

	outcomes := make([]RotationOutcome, 0, len(records))
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return outcomes, errs.Classify(err)
		}

		outcome := RotationOutcome{KeyID: record.KeyID}
		due, err := m.derivation.ShouldRotateKey(record.KeyID, maxAgeDays)
		if err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		if !due {
			outcomes = append(outcomes, outcome)
			continue
		}

		rotated, err := m.derivation.RotateKey(ctx, address, signer, record.KeyID, wallet.ReasonScheduled)
		if err != nil {
			outcome.Error = err.Error()
			m.auditLog.LogKeyRotation(record.KeyID, "", false, err)
		} else {
			outcome.Rotated = true
			outcome.NewKeyID = rotated.KeyID
			m.auditLog.LogKeyRotation(record.KeyID, rotated.KeyID, true, nil)
		}
		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

// Tasks returns the persisted re-encryption tasks for an old key.
func (m *Manager) Tasks(oldKeyID string) ([]ReEncryptionTask, error) {
	all, err := m.store.GetAll(store.CollectionTasks)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to list re-encryption tasks", err)
	}

	tasks := make([]ReEncryptionTask, 0)
	for id, data := range all {
		task := ReEncryptionTask{}
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, errs.Newf(errs.KindMetadataCorrupted, "re-encryption task %s is corrupted", id)
		}
		if task.OldKeyID == oldKeyID {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (m *Manager) putTask(task *ReEncryptionTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return errs.Wrap(errs.KindKeyManagement, "failed to encode re-encryption task", err)
	}
	id := task.OldKeyID + ":" + task.FileID
	if err := m.store.Put(store.CollectionTasks, id, data); err != nil {
		return errs.Wrap(errs.KindKeyManagement, "failed to persist re-encryption task", err)
	}
	return nil
}
