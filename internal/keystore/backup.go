package keystore

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/sealstore/sealstore/internal/crypto"
	"github.com/sealstore/sealstore/internal/errs"
)

const (
	backupVersion    = 1
	backupIterations = 100000
	backupKeyBytes   = 32
)

// backupSalt is fixed so a backup file is self-contained: the password alone
// reconstructs the unwrapping key on any machine. Changing it breaks every
// existing backup.
var backupSalt = []byte("sealstore-key-backup-v1")

// Backup is the portable, password-protected export format. Keys inside are
// wrapped under a password-derived key, independent of the local master key.
type Backup struct {
	Version   int         `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	Keys      []BackupKey `json:"keys"`
}

// BackupKey is one exported key record.
type BackupKey struct {
	KeyID           string    `json:"key_id"`
	WrappedKey      string    `json:"wrapped_key"`
	Algorithm       string    `json:"algorithm"`
	KeySize         int       `json:"key_size"`
	CreatedAt       time.Time `json:"created_at"`
	AssociatedFiles []string  `json:"associated_files"`
	RotationCount   int       `json:"rotation_count"`
}

// deriveBackupKey derives the password key for the backup format.
func deriveBackupKey(password string) []byte {
	return pbkdf2.Key([]byte(password), backupSalt, backupIterations, backupKeyBytes, sha256.New)
}

// ExportKeys re-wraps every stored key under a password-derived key and
// returns the serialized backup. The backup is independent of the local
// master key and can be imported on another machine.
func (m *Manager) ExportKeys(password string) ([]byte, error) {
	if password == "" {
		return nil, errs.New(errs.KindKeyManagement, "backup password is required")
	}

	records, err := m.Keys()
	if err != nil {
		return nil, err
	}

	passwordKey := deriveBackupKey(password)
	defer crypto.Zero(passwordKey)

	backup := &Backup{Version: backupVersion, CreatedAt: m.now().UTC()}
	for _, record := range records {
		key, err := m.GetKey(record.KeyID)
		if err != nil {
			return nil, err
		}
		if key == nil {
			continue
		}

		wrapped, err := wrapKey(passwordKey, key)
		crypto.Zero(key)
		if err != nil {
			return nil, errs.Wrap(errs.KindKeyManagement, "failed to wrap key for backup", err)
		}

		backup.Keys = append(backup.Keys, BackupKey{
			KeyID:           record.KeyID,
			WrappedKey:      wrapped,
			Algorithm:       record.Algorithm,
			KeySize:         record.KeySize,
			CreatedAt:       record.CreatedAt,
			AssociatedFiles: record.AssociatedFiles,
			RotationCount:   record.RotationCount,
		})
	}

	data, err := json.Marshal(backup)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to encode backup", err)
	}
	return data, nil
}

// ImportKeys decrypts a backup with the password, re-wraps every key under
// the local master key and restores file associations. It returns the number
// of keys imported. A wrong password surfaces as a key management error on
// the first key; nothing is partially imported in that case.
func (m *Manager) ImportKeys(data []byte, password string) (int, error) {
	if password == "" {
		return 0, errs.New(errs.KindKeyManagement, "backup password is required")
	}

	backup := &Backup{}
	if err := json.Unmarshal(data, backup); err != nil {
		return 0, errs.Wrap(errs.KindMetadataCorrupted, "backup file is not valid JSON", err)
	}
	if backup.Version != backupVersion {
		return 0, errs.Newf(errs.KindMetadataCorrupted, "unsupported backup version %d", backup.Version)
	}

	passwordKey := deriveBackupKey(password)
	defer crypto.Zero(passwordKey)

	// Unwrap everything first so a wrong password fails before any write.
	keys := make([][]byte, len(backup.Keys))
	for i, entry := range backup.Keys {
		key, err := unwrapKey(passwordKey, entry.WrappedKey)
		if err != nil {
			for _, k := range keys {
				crypto.Zero(k)
			}
			return 0, errs.Wrap(errs.KindKeyManagement, "failed to unwrap backup key: wrong password or corrupted backup", err)
		}
		keys[i] = key
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return 0, err
	}

	imported := 0
	for i, entry := range backup.Keys {
		wrapped, err := wrapKey(m.masterKey, keys[i])
		if err != nil {
			crypto.Zero(keys[i])
			return imported, errs.Wrap(errs.KindKeyManagement, "failed to re-wrap imported key", err)
		}

		record := &StoredKey{
			KeyID:           entry.KeyID,
			WrappedKey:      wrapped,
			Algorithm:       entry.Algorithm,
			KeySize:         entry.KeySize,
			CreatedAt:       entry.CreatedAt,
			LastUsed:        m.now().UTC(),
			AssociatedFiles: entry.AssociatedFiles,
			RotationCount:   entry.RotationCount,
		}
		if err := m.putRecordLocked(record); err != nil {
			crypto.Zero(keys[i])
			return imported, err
		}

		m.cache[entry.KeyID] = keys[i]
		imported++
	}

	m.logger.WithField("count", imported).Info("Imported keys from backup")
	return imported, nil
}
