// Package keystore manages signing keys and sealed key material.
//
// KeyStore is the swap point for HSM or cloud KMS backends: the local
// implementation holds Ed25519 keys in memory with the sealed form
// suitable for disk, and everything above it (identity, mandates, audit)
// only sees the interface.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/guthwine/guthwine/internal/clock"
	"github.com/guthwine/guthwine/internal/idgen"
)

// KeyState is the lifecycle state of a managed key.
type KeyState string

const (
	KeyEnabled            KeyState = "ENABLED"
	KeyDisabled           KeyState = "DISABLED"
	KeyPendingDestruction KeyState = "PENDING_DESTRUCTION"
	KeyDestroyed          KeyState = "DESTROYED"
)

// AlgorithmEd25519 tags keys usable for EdDSA signatures.
const AlgorithmEd25519 = "Ed25519"

// Sealing parameters. PBKDF2-HMAC-SHA256, 100k iterations, 32-byte key;
// GCM with 96-bit nonce and 128-bit tag.
const (
	pbkdf2Iterations = 100_000
	masterKeyLen     = 32
	gcmNonceLen      = 12
	gcmTagLen        = 16
)

// Errors surfaced to callers. None are silently retried.
var (
	ErrKeyNotFound    = errors.New("keystore: key not found")
	ErrKeyDisabled    = errors.New("keystore: key is not enabled")
	ErrSealFailure    = errors.New("keystore: seal operation failed")
	ErrVerifyFailure  = errors.New("keystore: signature verification failed")
	ErrNotInitialized = errors.New("keystore: not initialized")
)

// KeyStore is the signing and sealing capability consumed by the core.
type KeyStore interface {
	// GenerateKey creates a new Ed25519 keypair and returns its key ID.
	GenerateKey() (keyID string, err error)
	// PublicKey returns the raw public key for a key ID.
	PublicKey(keyID string) (ed25519.PublicKey, error)
	// Sign produces a detached signature over data.
	Sign(keyID string, data []byte) ([]byte, error)
	// Verify checks a detached signature. Disabled keys still verify;
	// destroyed keys do not.
	Verify(keyID string, data, sig []byte) error
	// Seal encrypts plaintext under the master key.
	Seal(plaintext []byte) ([]byte, error)
	// Unseal decrypts a sealed blob.
	Unseal(sealed []byte) ([]byte, error)
	// ExportSealed returns the key's private material sealed under the
	// master key, in the iv:tag:ciphertext storage form.
	ExportSealed(keyID string) (string, error)
	// ImportSealed restores a key from its sealed storage form under a
	// caller-chosen key ID (used on restart to rehydrate agent keys).
	ImportSealed(keyID, sealed string) error
	// SetKeyState transitions a key's lifecycle state.
	SetKeyState(keyID string, state KeyState) error
	// KeyInfo returns the state and algorithm for a key ID.
	KeyInfo(keyID string) (KeyState, string, error)
}

type managedKey struct {
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
	state KeyState
	algo  string
}

// Local is an in-memory KeyStore. Production deployments front an
// HSM/KMS behind the same interface.
type Local struct {
	mu        sync.RWMutex
	keys      map[string]*managedKey
	masterKey []byte
	rng       clock.RNG
}

// NewLocal derives the master key from secret and salt and returns an
// initialized local keystore.
func NewLocal(secret, salt string, rng clock.RNG) (*Local, error) {
	if secret == "" || salt == "" {
		return nil, ErrNotInitialized
	}
	if rng == nil {
		rng = clock.CryptoRNG{}
	}
	master := pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, masterKeyLen, sha256.New)
	return &Local{
		keys:      make(map[string]*managedKey),
		masterKey: master,
		rng:       rng,
	}, nil
}

func (l *Local) GenerateKey() (string, error) {
	if l == nil || l.masterKey == nil {
		return "", ErrNotInitialized
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := l.rng.Read(seed); err != nil {
		return "", fmt.Errorf("keystore: generate seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	keyID := idgen.WithPrefix("key_")
	l.mu.Lock()
	l.keys[keyID] = &managedKey{pub: pub, priv: priv, state: KeyEnabled, algo: AlgorithmEd25519}
	l.mu.Unlock()
	return keyID, nil
}

func (l *Local) get(keyID string) (*managedKey, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	k, ok := l.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

func (l *Local) PublicKey(keyID string) (ed25519.PublicKey, error) {
	k, err := l.get(keyID)
	if err != nil {
		return nil, err
	}
	if k.state == KeyDestroyed {
		return nil, ErrKeyDisabled
	}
	out := make(ed25519.PublicKey, len(k.pub))
	copy(out, k.pub)
	return out, nil
}

func (l *Local) Sign(keyID string, data []byte) ([]byte, error) {
	k, err := l.get(keyID)
	if err != nil {
		return nil, err
	}
	if k.state != KeyEnabled {
		return nil, ErrKeyDisabled
	}
	return ed25519.Sign(k.priv, data), nil
}

func (l *Local) Verify(keyID string, data, sig []byte) error {
	k, err := l.get(keyID)
	if err != nil {
		return err
	}
	// Rotation contract: DISABLED keys still verify old signatures,
	// DESTROYED keys invalidate them.
	if k.state == KeyDestroyed {
		return ErrKeyDisabled
	}
	if !ed25519.Verify(k.pub, data, sig) {
		return ErrVerifyFailure
	}
	return nil
}

// Seal encrypts plaintext with AES-256-GCM under the master key.
// Output layout: nonce(12) || ciphertext || auth_tag(16).
func (l *Local) Seal(plaintext []byte) ([]byte, error) {
	if l == nil || l.masterKey == nil {
		return nil, ErrNotInitialized
	}
	gcm, err := l.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := l.rng.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrSealFailure, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (l *Local) Unseal(sealed []byte) ([]byte, error) {
	if l == nil || l.masterKey == nil {
		return nil, ErrNotInitialized
	}
	if len(sealed) < gcmNonceLen+gcmTagLen {
		return nil, fmt.Errorf("%w: sealed blob too short", ErrSealFailure)
	}
	gcm, err := l.gcm()
	if err != nil {
		return nil, err
	}
	nonce, ct := sealed[:gcmNonceLen], sealed[gcmNonceLen:]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailure, err)
	}
	return plain, nil
}

func (l *Local) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(l.masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailure, err)
	}
	return gcm, nil
}

func (l *Local) ExportSealed(keyID string) (string, error) {
	k, err := l.get(keyID)
	if err != nil {
		return "", err
	}
	if k.state == KeyDestroyed {
		return "", ErrKeyDisabled
	}
	sealed, err := l.Seal(k.priv.Seed())
	if err != nil {
		return "", err
	}
	return EncodeSealedString(sealed)
}

func (l *Local) ImportSealed(keyID, sealed string) error {
	blob, err := DecodeSealedString(sealed)
	if err != nil {
		return err
	}
	seed, err := l.Unseal(blob)
	if err != nil {
		return err
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("%w: bad seed length %d", ErrSealFailure, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	l.mu.Lock()
	l.keys[keyID] = &managedKey{
		pub:   priv.Public().(ed25519.PublicKey),
		priv:  priv,
		state: KeyEnabled,
		algo:  AlgorithmEd25519,
	}
	l.mu.Unlock()
	return nil
}

func (l *Local) SetKeyState(keyID string, state KeyState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	if k.state == KeyDestroyed {
		return ErrKeyDisabled
	}
	k.state = state
	if state == KeyDestroyed {
		// Zero the private key; the record stays so callers get a
		// definite ErrKeyDisabled instead of ErrKeyNotFound.
		for i := range k.priv {
			k.priv[i] = 0
		}
	}
	return nil
}

func (l *Local) KeyInfo(keyID string) (KeyState, string, error) {
	k, err := l.get(keyID)
	if err != nil {
		return "", "", err
	}
	return k.state, k.algo, nil
}

// EncodeSealedString renders a sealed blob in the portable storage form
// iv_base64 ":" auth_tag_base64 ":" ciphertext_base64.
func EncodeSealedString(sealed []byte) (string, error) {
	if len(sealed) < gcmNonceLen+gcmTagLen {
		return "", fmt.Errorf("%w: sealed blob too short", ErrSealFailure)
	}
	iv := sealed[:gcmNonceLen]
	body := sealed[gcmNonceLen:]
	ct := body[:len(body)-gcmTagLen]
	tag := body[len(body)-gcmTagLen:]
	enc := base64.StdEncoding
	return enc.EncodeToString(iv) + ":" + enc.EncodeToString(tag) + ":" + enc.EncodeToString(ct), nil
}

// DecodeSealedString parses the iv:tag:ciphertext storage form back into
// the binary sealed layout.
func DecodeSealedString(s string) ([]byte, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want iv:tag:ciphertext", ErrSealFailure)
	}
	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrSealFailure, err)
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrSealFailure, err)
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrSealFailure, err)
	}
	out := make([]byte, 0, len(iv)+len(ct)+len(tag))
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

var _ KeyStore = (*Local)(nil)
