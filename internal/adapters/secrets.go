package adapters

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"clawd/internal/store"
)

// SecretStore keeps named credentials encrypted at rest in the store,
// with every access audited. The cipher detail stays inside this
// adapter; callers see plaintext in, plaintext out.
type SecretStore struct {
	store *store.Store
	gcm   cipher.AEAD
	keyID string
	owner string
}

// NewSecretStore derives the data key from passphrase. keyID names the
// key generation so a rotation can re-encrypt selectively.
func NewSecretStore(st *store.Store, passphrase, keyID, ownerUserID string) (*SecretStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secret store passphrase is required")
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if keyID == "" {
		keyID = "k1"
	}
	return &SecretStore{store: st, gcm: gcm, keyID: keyID, owner: ownerUserID}, nil
}

// Store encrypts and persists a secret under name.
func (s *SecretStore) Store(name, value, actor string) error {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(value), []byte(name))
	return s.store.PutSecret(store.Secret{
		Name:            name,
		EncryptedValue:  sealed,
		EncryptionKeyID: s.keyID,
		OwnerUserID:     s.owner,
	}, actor)
}

// Retrieve decrypts a secret by name.
func (s *SecretStore) Retrieve(name, actor string) (string, error) {
	sec, err := s.store.GetSecret(name, actor)
	if err != nil {
		return "", err
	}
	ns := s.gcm.NonceSize()
	if len(sec.EncryptedValue) < ns {
		return "", fmt.Errorf("secret %s: ciphertext too short", name)
	}
	nonce, ct := sec.EncryptedValue[:ns], sec.EncryptedValue[ns:]
	plain, err := s.gcm.Open(nil, nonce, ct, []byte(name))
	if err != nil {
		return "", fmt.Errorf("secret %s: decrypt failed", name)
	}
	return string(plain), nil
}

// Delete removes a secret.
func (s *SecretStore) Delete(name, actor string) error {
	return s.store.DeleteSecret(name, actor)
}
