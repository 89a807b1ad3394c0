package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/sealstore/sealstore/internal/errs"
)

const (
	// AlgorithmAESGCM is the only AEAD algorithm in the stored-metadata
	// format. The exact parameters (96-bit IV, SHA-256 everywhere) must stay
	// fixed so existing metadata remains decryptable.
	AlgorithmAESGCM = "AES-GCM"

	// NonceSize is the GCM nonce size in bytes (96 bits).
	NonceSize = 12

	// DefaultKeySize is the default AES key size in bits.
	DefaultKeySize = 256

	// Wallet-signature derivation parameters.
	walletIterations = 100000

	// Second-stage per-file derivation is cheaper: the input is already
	// high-entropy key material, not a low-entropy password.
	fileKeyIterations = 10000

	derivedKeyBytes = 32
)

// validKeySizes are the accepted AES key sizes in bits.
var validKeySizes = map[int]bool{128: true, 192: true, 256: true}

// Result holds the output of an encryption operation. The key is returned to
// the caller and never embedded in persisted metadata.
type Result struct {
	Ciphertext []byte
	Key        []byte
	IV         []byte
	Algorithm  string
	KeySize    int
}

// Options configures an encryption operation. A nil Key requests a freshly
// generated key of KeySize bits (default 256). IV, when set, must only be
// used to reproduce a previous encryption of the same plaintext under the
// same key; reusing a nonce for different plaintexts breaks GCM.
type Options struct {
	Key     []byte
	KeySize int
	IV      []byte
}

// GenerateKey returns size random bits of AES key material. Size must be one
// of 128, 192 or 256.
func GenerateKey(size int) ([]byte, error) {
	if !validKeySizes[size] {
		return nil, errs.Newf(errs.KindKeyManagement, "invalid key size %d: must be 128, 192 or 256", size)
	}

	key := make([]byte, size/8)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to generate key material", err)
	}
	return key, nil
}

// Encrypt seals the whole payload under AES-GCM. A fresh 96-bit IV is
// generated unless the caller replays one via Options.IV. When no key is
// supplied one is generated.
func Encrypt(plaintext []byte, opts Options) (*Result, error) {
	key := opts.Key
	if key == nil {
		size := opts.KeySize
		if size == 0 {
			size = DefaultKeySize
		}
		generated, err := GenerateKey(size)
		if err != nil {
			return nil, errs.Wrap(errs.KindEncryption, "no key supplied and generation failed", err)
		}
		key = generated
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindEncryption, "failed to construct cipher", err)
	}

	iv := opts.IV
	if iv == nil {
		iv = make([]byte, NonceSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, errs.Wrap(errs.KindEncryption, "failed to generate IV", err)
		}
	} else if len(iv) != NonceSize {
		return nil, errs.Newf(errs.KindEncryption, "invalid IV size %d: expected %d bytes", len(iv), NonceSize)
	}

	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	return &Result{
		Ciphertext: ciphertext,
		Key:        key,
		IV:         iv,
		Algorithm:  AlgorithmAESGCM,
		KeySize:    len(key) * 8,
	}, nil
}

// Decrypt opens an AES-GCM ciphertext. A failed authentication tag surfaces
// as a decryption error whether the cause is tampering or a wrong key; the
// two are indistinguishable and must stay that way.
func Decrypt(ciphertext, key, iv []byte, algorithm string) ([]byte, error) {
	if algorithm != "" && algorithm != AlgorithmAESGCM {
		return nil, errs.Newf(errs.KindDecryption, "unsupported algorithm %q", algorithm)
	}
	if len(iv) != NonceSize {
		return nil, errs.Newf(errs.KindDecryption, "invalid IV size %d: expected %d bytes", len(iv), NonceSize)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryption, "failed to construct cipher", err)
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryption, "authentication failed: wrong key or corrupted data", err)
	}
	return plaintext, nil
}

// ExportKey converts raw key material to its base64 transport form.
func ExportKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ImportKey converts a base64 string back to raw key material.
func ImportKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyManagement, "failed to decode key material", err)
	}
	if !validKeySizes[len(key)*8] {
		return nil, errs.Newf(errs.KindKeyManagement, "imported key has invalid size %d bits", len(key)*8)
	}
	return key, nil
}

// DeriveKeyFromWallet deterministically derives a 256-bit key from a wallet
// signature. The salt binds the key to the wallet address and derivation
// context, so the same signature yields the same key for the same context and
// a different key after a context bump (rotation).
func DeriveKeyFromWallet(address string, signature []byte, context string) []byte {
	salt := []byte(address)
	if context != "" {
		salt = append(salt, ':')
		salt = append(salt, []byte(context)...)
	}
	return pbkdf2.Key(signature, salt, walletIterations, derivedKeyBytes, sha256.New)
}

// DeriveFileKey derives a per-file key from wallet-level master material.
// Salting with the file id isolates the blast radius of a leaked file key.
func DeriveFileKey(masterMaterial []byte, fileID string) ([]byte, error) {
	if len(masterMaterial) == 0 {
		return nil, errs.New(errs.KindEncryption, "master key material is empty")
	}
	if fileID == "" {
		return nil, errs.New(errs.KindEncryption, "file id is required for per-file derivation")
	}
	return pbkdf2.Key(masterMaterial, []byte(fileID), fileKeyIterations, derivedKeyBytes, sha256.New), nil
}

// Zero overwrites key material with zeros for memory cleanup.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// newAEAD builds an AES-GCM cipher for the given key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
