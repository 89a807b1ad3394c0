// Package wallet derives encryption keys from wallet signatures. Derivation
// is deterministic per (address, context version), so a user can always
// recover their keys by re-signing, and rotation is a context-version bump
// that yields a fresh key without touching the wallet itself.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/crypto"
	"github.com/sealstore/sealstore/internal/errs"
	"github.com/sealstore/sealstore/internal/keystore"
	"github.com/sealstore/sealstore/internal/store"
)

// DefaultCacheTTL bounds how long a derived key is served from memory before
// the wallet must sign again.
const DefaultCacheTTL = 30 * time.Minute

// Signer produces wallet signatures. Signing may prompt the user, so it is a
// suspension point and must honor the context.
type Signer interface {
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, message []byte) ([]byte, error)

// SignMessage implements Signer.
func (f SignerFunc) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return f(ctx, message)
}

// RotationReason records why a key was rotated.
type RotationReason string

const (
	ReasonScheduled  RotationReason = "scheduled"
	ReasonManual     RotationReason = "manual"
	ReasonCompromise RotationReason = "compromise"
)

// RotationMetadata links a rotated key to its predecessor.
type RotationMetadata struct {
	KeyID          string         `json:"key_id"`
	PreviousKeyID  string         `json:"previous_key_id,omitempty"`
	RotationNumber int            `json:"rotation_number"`
	RotatedAt      time.Time      `json:"rotated_at"`
	Reason         RotationReason `json:"reason"`
}

// DerivedKey is the result of a wallet derivation.
type DerivedKey struct {
	KeyID   string
	Key     []byte
	Context string
}

type cachedKey struct {
	keyID     string
	key       []byte
	expiresAt time.Time
}

// Derivation is the wallet key derivation service. Derived keys are cached
// with a TTL so repeated operations within a session do not re-prompt the
// wallet for signatures.
type Derivation struct {
	mu     sync.Mutex
	keys   *keystore.Manager
	store  store.Store
	logger *logrus.Logger
	cache  map[string]*cachedKey
	ttl    time.Duration
	now    func() time.Time
}

// NewDerivation creates the derivation service. A zero ttl uses
// DefaultCacheTTL.
func NewDerivation(keys *keystore.Manager, st store.Store, logger *logrus.Logger, ttl time.Duration) *Derivation {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Derivation{
		keys:   keys,
		store:  st,
		logger: logger,
		cache:  make(map[string]*cachedKey),
		ttl:    ttl,
		now:    time.Now,
	}
}

// derivationMessage is what the wallet signs. Binding the address and context
// version keeps signatures (and therefore keys) distinct across rotations.
func derivationMessage(address, context string) []byte {
	return []byte(fmt.Sprintf("sealstore-key-derivation:%s:%s", address, context))
}

// contextForVersion names a derivation context.
func contextForVersion(version int) string {
	return fmt.Sprintf("seal-v%d", version)
}

// DeriveKey derives (or returns the cached) key for address under its current
// context version and registers it with the key manager.
func (d *Derivation) DeriveKey(ctx context.Context, address string, signer Signer) (*DerivedKey, error) {
	if address == "" {
		return nil, errs.New(errs.KindKeyManagement, "wallet address is required")
	}

	version, err := d.contextVersion(address)
	if err != nil {
		return nil, err
	}
	return d.deriveForContext(ctx, address, signer, contextForVersion(version))
}

func (d *Derivation) deriveForContext(ctx context.Context, address string, signer Signer, derivationContext string) (*DerivedKey, error) {
	cacheID := address + ":" + derivationContext

	d.mu.Lock()
	if entry, ok := d.cache[cacheID]; ok && d.now().Before(entry.expiresAt) {
		key := append([]byte(nil), entry.key...)
		keyID := entry.keyID
		d.mu.Unlock()
		return &DerivedKey{KeyID: keyID, Key: key, Context: derivationContext}, nil
	}
	d.mu.Unlock()

	signature, err := signer.SignMessage(ctx, derivationMessage(address, derivationContext))
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "wallet signature failed", err)
	}

	key := crypto.DeriveKeyFromWallet(address, signature, derivationContext)
	keyID, err := d.keys.RegisterKey(key)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[cacheID] = &cachedKey{
		keyID:     keyID,
		key:       append([]byte(nil), key...),
		expiresAt: d.now().Add(d.ttl),
	}
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"address": address,
		"context": derivationContext,
		"key_id":  keyID,
	}).Debug("Derived wallet key")

	return &DerivedKey{KeyID: keyID, Key: key, Context: derivationContext}, nil
}

// RotateKey derives a replacement key under a fresh context version and
// records the rotation linking old to new. It does not re-encrypt anything:
// the caller drives re-encryption with the returned key.
func (d *Derivation) RotateKey(ctx context.Context, address string, signer Signer, currentKeyID string, reason RotationReason) (*DerivedKey, error) {
	version, err := d.contextVersion(address)
	if err != nil {
		return nil, err
	}

	next := version + 1
	derived, err := d.deriveForContext(ctx, address, signer, contextForVersion(next))
	if err != nil {
		return nil, err
	}
	if err := d.setContextVersion(address, next); err != nil {
		return nil, err
	}

	rotationNumber := 1
	if prev, err := d.RotationInfo(currentKeyID); err == nil && prev != nil {
		rotationNumber = prev.RotationNumber + 1
	}

	meta := &RotationMetadata{
		KeyID:          derived.KeyID,
		PreviousKeyID:  currentKeyID,
		RotationNumber: rotationNumber,
		RotatedAt:      d.now().UTC(),
		Reason:         reason,
	}
	if err := d.putRotation(meta); err != nil {
		return nil, err
	}
	if err := d.keys.IncrementRotation(derived.KeyID); err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"address":     address,
		"old_key_id":  currentKeyID,
		"new_key_id":  derived.KeyID,
		"reason":      string(reason),
		"rotation_no": rotationNumber,
	}).Info("Rotated wallet key")

	return derived, nil
}

// ShouldRotateKey reports whether a key is older than maxAgeDays, measured
// from its last rotation, or from creation if it was never rotated.
func (d *Derivation) ShouldRotateKey(keyID string, maxAgeDays int) (bool, error) {
	if maxAgeDays <= 0 {
		return false, errs.Newf(errs.KindInvalidConfig, "max key age must be positive, got %d days", maxAgeDays)
	}

	record, err := d.keys.KeyMetadata(keyID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, errs.Newf(errs.KindKeyManagement, "key %s not found", keyID)
	}

	reference := record.CreatedAt
	if meta, err := d.RotationInfo(keyID); err == nil && meta != nil {
		reference = meta.RotatedAt
	}

	age := d.now().Sub(reference)
	return age > time.Duration(maxAgeDays)*24*time.Hour, nil
}

// RotationInfo returns the rotation record for keyID, or (nil, nil) when the
// key was never produced by a rotation.
func (d *Derivation) RotationInfo(keyID string) (*RotationMetadata, error) {
	data, err := d.store.Get(store.CollectionRotations, keyID)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to load rotation record", err)
	}
	if data == nil {
		return nil, nil
	}

	meta := &RotationMetadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, errs.Newf(errs.KindMetadataCorrupted, "rotation record for %s is corrupted", keyID)
	}
	return meta, nil
}

// ClearCache drops all cached derived keys, zeroing their material.
func (d *Derivation) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, entry := range d.cache {
		crypto.Zero(entry.key)
		delete(d.cache, id)
	}
}

// CachedKeys reports how many derived keys are currently cached.
func (d *Derivation) CachedKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}

func (d *Derivation) contextVersion(address string) (int, error) {
	data, err := d.store.Get(store.CollectionRotations, "context:"+address)
	if err != nil {
		return 0, errs.Wrap(errs.KindKeyManagement, "failed to load context version", err)
	}
	if data == nil {
		return 1, nil
	}
	version, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, errs.Newf(errs.KindMetadataCorrupted, "context version for %s is corrupted", address)
	}
	return version, nil
}

func (d *Derivation) setContextVersion(address string, version int) error {
	err := d.store.Put(store.CollectionRotations, "context:"+address, []byte(strconv.Itoa(version)))
	if err != nil {
		return errs.Wrap(errs.KindKeyManagement, "failed to persist context version", err)
	}
	return nil
}

func (d *Derivation) putRotation(meta *RotationMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errs.Wrap(errs.KindKeyManagement, "failed to encode rotation record", err)
	}
	if err := d.store.Put(store.CollectionRotations, meta.KeyID, data); err != nil {
		return errs.Wrap(errs.KindKeyManagement, "failed to persist rotation record", err)
	}
	return nil
}
