package wallet

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealstore/sealstore/internal/keystore"
	"github.com/sealstore/sealstore/internal/store"
)

// fakeSigner deterministically signs messages and counts invocations, the
// way a real wallet would prompt the user per signature.
type fakeSigner struct {
	secret []byte
	calls  int
}

func (s *fakeSigner) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	s.calls++
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(message)
	return mac.Sum(nil), nil
}

func newTestDerivation(t *testing.T, ttl time.Duration) *Derivation {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	keys := keystore.NewManager(st, logger)
	return NewDerivation(keys, st, logger, ttl)
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	signer := &fakeSigner{secret: []byte("wallet-secret")}

	d1 := newTestDerivation(t, time.Minute)
	first, err := d1.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)

	// A separate service instance (fresh cache, fresh store) with the same
	// wallet must derive identical key material.
	d2 := newTestDerivation(t, time.Minute)
	second, err := d2.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Context, second.Context)
}

func TestDeriveKeyCachesWithinTTL(t *testing.T) {
	signer := &fakeSigner{secret: []byte("wallet-secret")}
	d := newTestDerivation(t, time.Hour)

	first, err := d.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)
	second, err := d.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)

	assert.Equal(t, 1, signer.calls, "second derivation must hit the cache, not the wallet")
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.KeyID, second.KeyID)
}

func TestDeriveKeyRePromptsAfterCacheClear(t *testing.T) {
	signer := &fakeSigner{secret: []byte("wallet-secret")}
	d := newTestDerivation(t, time.Hour)

	_, err := d.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)

	d.ClearCache()
	assert.Equal(t, 0, d.CachedKeys())

	_, err = d.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)
	assert.Equal(t, 2, signer.calls)
}

func TestRotateKeyProducesNewKeyAndRecord(t *testing.T) {
	signer := &fakeSigner{secret: []byte("wallet-secret")}
	d := newTestDerivation(t, time.Hour)

	original, err := d.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)

	rotated, err := d.RotateKey(context.Background(), "0xabc", signer, original.KeyID, ReasonManual)
	require.NoError(t, err)

	assert.NotEqual(t, original.Key, rotated.Key, "rotation must yield different key material")
	assert.NotEqual(t, original.KeyID, rotated.KeyID)

	meta, err := d.RotationInfo(rotated.KeyID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, original.KeyID, meta.PreviousKeyID)
	assert.Equal(t, 1, meta.RotationNumber)
	assert.Equal(t, ReasonManual, meta.Reason)

	// Subsequent derivations for the address use the new context.
	current, err := d.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)
	assert.Equal(t, rotated.Key, current.Key)
}

func TestRotateKeyIncrementsRotationNumber(t *testing.T) {
	signer := &fakeSigner{secret: []byte("wallet-secret")}
	d := newTestDerivation(t, time.Hour)

	original, err := d.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)

	first, err := d.RotateKey(context.Background(), "0xabc", signer, original.KeyID, ReasonScheduled)
	require.NoError(t, err)
	second, err := d.RotateKey(context.Background(), "0xabc", signer, first.KeyID, ReasonCompromise)
	require.NoError(t, err)

	meta, err := d.RotationInfo(second.KeyID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.RotationNumber)
	assert.Equal(t, ReasonCompromise, meta.Reason)
}

func TestShouldRotateKey(t *testing.T) {
	signer := &fakeSigner{secret: []byte("wallet-secret")}
	d := newTestDerivation(t, time.Hour)

	derived, err := d.DeriveKey(context.Background(), "0xabc", signer)
	require.NoError(t, err)

	fresh, err := d.ShouldRotateKey(derived.KeyID, 90)
	require.NoError(t, err)
	assert.False(t, fresh, "a brand new key must not need rotation")

	// Move the clock past the age limit.
	d.now = func() time.Time { return time.Now().Add(91 * 24 * time.Hour) }
	old, err := d.ShouldRotateKey(derived.KeyID, 90)
	require.NoError(t, err)
	assert.True(t, old)

	_, err = d.ShouldRotateKey(derived.KeyID, 0)
	assert.Error(t, err, "non-positive max age must be rejected")

	_, err = d.ShouldRotateKey("no-such-key", 90)
	assert.Error(t, err)
}

func TestDeriveKeyRequiresAddress(t *testing.T) {
	d := newTestDerivation(t, time.Hour)
	_, err := d.DeriveKey(context.Background(), "", &fakeSigner{secret: []byte("s")})
	assert.Error(t, err)
}
