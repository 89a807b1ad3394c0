// Package keystore implements persistent, master-key-wrapped storage of
// encryption keys. Plaintext key material lives only in a mutex-guarded
// in-memory cache; at rest every key is wrapped under the process master key.
package keystore

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/crypto"
	"github.com/sealstore/sealstore/internal/errs"
	"github.com/sealstore/sealstore/internal/store"
)

const masterKeyID = "master"

// StoredKey is the persisted record for one wrapped key. WrappedKey is
// base64(iv || ciphertext) under the master key.
type StoredKey struct {
	KeyID           string    `json:"key_id"`
	WrappedKey      string    `json:"wrapped_key"`
	Algorithm       string    `json:"algorithm"`
	KeySize         int       `json:"key_size"`
	CreatedAt       time.Time `json:"created_at"`
	LastUsed        time.Time `json:"last_used"`
	AssociatedFiles []string  `json:"associated_files"`
	RotationCount   int       `json:"rotation_count"`
	IsCompromised   bool      `json:"is_compromised"`
}

// GeneratedKey pairs a new key id with its plaintext material.
type GeneratedKey struct {
	KeyID string
	Key   []byte
}

// Manager is the key management service. It transitions from uninitialized
// to initialized on the first operation and stays initialized until
// ClearMemory drops the master key reference.
type Manager struct {
	mu          sync.Mutex
	store       store.Store
	logger      *logrus.Logger
	masterKey   []byte
	cache       map[string][]byte
	initialized bool
	now         func() time.Time
}

// NewManager creates a key manager backed by the given store. Initialization
// is lazy: the master key is loaded or created on first use.
func NewManager(st store.Store, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  st,
		logger: logger,
		cache:  make(map[string][]byte),
		now:    time.Now,
	}
}

// Initialize loads the persisted master key or generates and persists a new
// one. It is idempotent and safe to call concurrently.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked()
}

func (m *Manager) initializeLocked() error {
	if m.initialized {
		return nil
	}

	record, err := m.store.Get(store.CollectionMaster, masterKeyID)
	if err != nil {
		return errs.Wrap(errs.KindInitialization, "failed to load master key", err)
	}

	if record != nil {
		key, err := base64.StdEncoding.DecodeString(string(record))
		if err != nil {
			return errs.Wrap(errs.KindInitialization, "persisted master key is corrupted", err)
		}
		m.masterKey = key
	} else {
		key, err := crypto.GenerateKey(crypto.DefaultKeySize)
		if err != nil {
			return errs.Wrap(errs.KindInitialization, "failed to generate master key", err)
		}
		encoded := base64.StdEncoding.EncodeToString(key)
		if err := m.store.Put(store.CollectionMaster, masterKeyID, []byte(encoded)); err != nil {
			return errs.Wrap(errs.KindInitialization, "failed to persist master key", err)
		}
		m.masterKey = key
		m.logger.Info("Generated new master key")
	}

	m.initialized = true
	return nil
}

// GenerateKey generates a new key of size bits (128, 192 or 256), wraps it
// under the master key, persists the wrapped record and caches the plaintext.
func (m *Manager) GenerateKey(size int) (*GeneratedKey, error) {
	key, err := crypto.GenerateKey(size)
	if err != nil {
		return nil, err
	}

	keyID, err := m.RegisterKey(key)
	if err != nil {
		return nil, err
	}
	return &GeneratedKey{KeyID: keyID, Key: key}, nil
}

// RegisterKey wraps externally produced key material (imported or
// wallet-derived) under the master key and persists it, returning the new
// key id.
func (m *Manager) RegisterKey(key []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return "", err
	}

	keyID := uuid.New().String()
	wrapped, err := wrapKey(m.masterKey, key)
	if err != nil {
		return "", errs.Wrap(errs.KindKeyManagement, "failed to wrap key", err)
	}

	record := &StoredKey{
		KeyID:      keyID,
		WrappedKey: wrapped,
		Algorithm:  crypto.AlgorithmAESGCM,
		KeySize:    len(key) * 8,
		CreatedAt:  m.now().UTC(),
		LastUsed:   m.now().UTC(),
	}
	if err := m.putRecordLocked(record); err != nil {
		return "", err
	}

	m.cache[keyID] = append([]byte(nil), key...)
	m.logger.WithField("key_id", keyID).Debug("Registered new key")
	return keyID, nil
}

// GetKey returns the plaintext key for keyID, or (nil, nil) if the key does
// not exist (including after deletion). Cache hits refresh the last-used
// timestamp; misses unwrap from the store and repopulate the cache.
func (m *Manager) GetKey(keyID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return nil, err
	}

	if key, ok := m.cache[keyID]; ok {
		m.touchLocked(keyID)
		return append([]byte(nil), key...), nil
	}

	record, err := m.getRecordLocked(keyID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	key, err := unwrapKey(m.masterKey, record.WrappedKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to unwrap key", err)
	}

	m.cache[keyID] = key
	m.touchLocked(keyID)
	return append([]byte(nil), key...), nil
}

// KeyMetadata returns the persisted record for keyID, or (nil, nil) when the
// key does not exist. The plaintext key is never part of the record.
func (m *Manager) KeyMetadata(keyID string) (*StoredKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return nil, err
	}
	return m.getRecordLocked(keyID)
}

// Keys returns the metadata of every stored key.
func (m *Manager) Keys() ([]*StoredKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return nil, err
	}

	raw, err := m.store.GetAll(store.CollectionKeys)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to list keys", err)
	}

	keys := make([]*StoredKey, 0, len(raw))
	for id, data := range raw {
		record := &StoredKey{}
		if err := json.Unmarshal(data, record); err != nil {
			return nil, errs.Newf(errs.KindMetadataCorrupted, "stored key %s is corrupted", id)
		}
		keys = append(keys, record)
	}
	return keys, nil
}

// AssociateFileWithKey records that fileID is encrypted under keyID.
// The insertion is idempotent.
func (m *Manager) AssociateFileWithKey(keyID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return err
	}

	record, err := m.getRecordLocked(keyID)
	if err != nil {
		return err
	}
	if record == nil {
		return errs.Newf(errs.KindKeyManagement, "key %s not found", keyID)
	}

	for _, f := range record.AssociatedFiles {
		if f == fileID {
			return nil
		}
	}
	record.AssociatedFiles = append(record.AssociatedFiles, fileID)
	return m.putRecordLocked(record)
}

// AssociatedFiles returns the file ids encrypted under keyID.
func (m *Manager) AssociatedFiles(keyID string) ([]string, error) {
	record, err := m.KeyMetadata(keyID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errs.Newf(errs.KindKeyManagement, "key %s not found", keyID)
	}
	return append([]string(nil), record.AssociatedFiles...), nil
}

// MarkCompromised flags the persisted record. The key stays usable for
// decryption until re-encryption of its files completes.
func (m *Manager) MarkCompromised(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return err
	}

	record, err := m.getRecordLocked(keyID)
	if err != nil {
		return err
	}
	if record == nil {
		return errs.Newf(errs.KindKeyManagement, "key %s not found", keyID)
	}

	record.IsCompromised = true
	return m.putRecordLocked(record)
}

// IncrementRotation bumps the rotation counter on a key record.
func (m *Manager) IncrementRotation(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return err
	}

	record, err := m.getRecordLocked(keyID)
	if err != nil {
		return err
	}
	if record == nil {
		return errs.Newf(errs.KindKeyManagement, "key %s not found", keyID)
	}

	record.RotationCount++
	return m.putRecordLocked(record)
}

// DeleteKey irreversibly removes a key from the cache and the store.
func (m *Manager) DeleteKey(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initializeLocked(); err != nil {
		return err
	}

	if key, ok := m.cache[keyID]; ok {
		crypto.Zero(key)
		delete(m.cache, keyID)
	}
	if err := m.store.Delete(store.CollectionKeys, keyID); err != nil {
		return errs.Wrap(errs.KindKeyManagement, "failed to delete key", err)
	}
	m.logger.WithField("key_id", keyID).Info("Deleted key")
	return nil
}

// ClearMemory purges the plaintext cache and the master key reference. It is
// a security control, not a destructive operation: persisted wrapped keys are
// untouched and the manager re-initializes on next use.
func (m *Manager) ClearMemory() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, key := range m.cache {
		crypto.Zero(key)
		delete(m.cache, id)
	}
	crypto.Zero(m.masterKey)
	m.masterKey = nil
	m.initialized = false
	m.logger.Debug("Cleared key material from memory")
}

// CachedKeys reports how many plaintext keys are currently held in memory.
func (m *Manager) CachedKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

func (m *Manager) getRecordLocked(keyID string) (*StoredKey, error) {
	data, err := m.store.Get(store.CollectionKeys, keyID)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to load key record", err)
	}
	if data == nil {
		return nil, nil
	}

	record := &StoredKey{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, errs.Newf(errs.KindMetadataCorrupted, "stored key %s is corrupted", keyID)
	}
	return record, nil
}

func (m *Manager) putRecordLocked(record *StoredKey) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errs.Wrap(errs.KindKeyManagement, "failed to encode key record", err)
	}
	if err := m.store.Put(store.CollectionKeys, record.KeyID, data); err != nil {
		return errs.Wrap(errs.KindKeyManagement, "failed to persist key record", err)
	}
	return nil
}

// touchLocked refreshes the last-used timestamp, tolerating store failures:
// a stale timestamp is not worth failing a read for.
func (m *Manager) touchLocked(keyID string) {
	record, err := m.getRecordLocked(keyID)
	if err != nil || record == nil {
		return
	}
	record.LastUsed = m.now().UTC()
	if err := m.putRecordLocked(record); err != nil {
		m.logger.WithError(err).WithField("key_id", keyID).Warn("Failed to refresh last-used timestamp")
	}
}

// wrapKey seals plaintext key material under the wrapping key with a fresh
// IV, returning base64(iv || ciphertext).
func wrapKey(wrappingKey, key []byte) (string, error) {
	result, err := crypto.Encrypt(key, crypto.Options{Key: wrappingKey})
	if err != nil {
		return "", err
	}

	combined := make([]byte, 0, len(result.IV)+len(result.Ciphertext))
	combined = append(combined, result.IV...)
	combined = append(combined, result.Ciphertext...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// unwrapKey reverses wrapKey.
func unwrapKey(wrappingKey []byte, wrapped string) ([]byte, error) {
	combined, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, err
	}
	if len(combined) < crypto.NonceSize {
		return nil, errs.New(errs.KindKeyManagement, "wrapped key is too short")
	}

	iv := combined[:crypto.NonceSize]
	ciphertext := combined[crypto.NonceSize:]
	return crypto.Decrypt(ciphertext, wrappingKey, iv, crypto.AlgorithmAESGCM)
}
