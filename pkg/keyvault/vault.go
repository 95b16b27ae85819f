package keyvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrKeyNotFound means the user has no stored custodial key. This is a
	// distinct condition from a ciphertext that fails to decrypt.
	ErrKeyNotFound = errors.New("custodial key not found")

	// ErrDecryptFailed means the stored ciphertext could not be decrypted.
	// Seen for every request when the vault secret has been rotated or lost,
	// which is a fatal operational condition rather than a per-user problem.
	ErrDecryptFailed = errors.New("custodial key decryption failed")
)

// Signer holds a decrypted custodial private key for the duration of a single
// orchestration call. Callers must release it with Zero on every exit path.
type Signer struct {
	key solana.PrivateKey
}

// NewSigner wraps an already-decrypted private key. The signer takes
// ownership of the slice; Zero wipes it.
func NewSigner(key solana.PrivateKey) *Signer {
	return &Signer{key: key}
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// PrivateKey returns the cleartext private key. The returned slice aliases
// the signer's buffer and becomes invalid after Zero.
func (s *Signer) PrivateKey() solana.PrivateKey {
	return s.key
}

// Zero wipes the cleartext key material. Safe to call more than once.
func (s *Signer) Zero() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
}

// Vault encrypts custodial private keys at rest and produces short-lived
// signers on demand. The vault secret is process-wide configuration; losing
// it makes every stored ciphertext permanently undecryptable.
type Vault struct {
	store *Store
	aead  cipher.AEAD
}

// NewVault creates a Vault. The secret is hashed to a 256-bit AES-GCM key,
// so any non-empty passphrase is accepted.
func NewVault(store *Store, secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	return &Vault{store: store, aead: aead}, nil
}

// EncryptKey encrypts a private key for storage. The nonce is random and
// prefixed to the ciphertext; the result is base64-encoded.
func (v *Vault) EncryptKey(key solana.PrivateKey) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(key), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSigner decrypts the stored custodial key for a user into a
// short-lived Signer. The caller owns the signer and must Zero it.
func (v *Vault) DecryptSigner(ctx context.Context, userID string) (*Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, err := v.store.Get(userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("user %q: %w", userID, ErrKeyNotFound)
	}

	sealed, err := base64.StdEncoding.DecodeString(record.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", userID, ErrDecryptFailed)
	}
	if len(sealed) < v.aead.NonceSize() {
		return nil, fmt.Errorf("user %q: %w", userID, ErrDecryptFailed)
	}

	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	cleartext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", userID, ErrDecryptFailed)
	}

	return &Signer{key: solana.PrivateKey(cleartext)}, nil
}

// CreateAccount generates a fresh keypair for a user, encrypts it, and
// stores the account record. Returns the stored record.
func (v *Vault) CreateAccount(userID string) (*CustodialAccountRecord, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate custodial key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	ciphertext, err := v.EncryptKey(key)
	if err != nil {
		return nil, err
	}

	record := &CustodialAccountRecord{
		UserID:              userID,
		PublicKey:           key.PublicKey().String(),
		EncryptedPrivateKey: ciphertext,
	}
	if err := v.store.Create(record); err != nil {
		return nil, err
	}
	return record, nil
}
