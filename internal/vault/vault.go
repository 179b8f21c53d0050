// Package vault resolves per-user, per-exchange API credentials. Keys are
// stored AES-GCM encrypted; the master key comes from the application config
// and never touches the database.
package vault

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

	"signaltrader/internal/store"

	"gorm.io/gorm"
)

// ErrNotConfigured is returned when a user has no credentials for the
// requested exchange. Terminal for the executor: never retried.
var ErrNotConfigured = errors.New("credentials not configured")

type Vault struct {
	store *store.Store
	aead  cipher.AEAD
}

// New derives the AES-256 key from masterKey. An empty master key is rejected:
// storing plaintext exchange secrets is not an option.
func New(st *store.Store, masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("vault: master key cannot be empty")
	}
	sum := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{store: st, aead: aead}, nil
}

// Resolve returns the live API key pair for (userID, exchangeName).
func (v *Vault) Resolve(ctx context.Context, userID, exchangeName string) (apiKey, apiSecret string, err error) {
	cred, err := v.store.GetCredential(ctx, userID, exchangeName)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", fmt.Errorf("%w: user %s exchange %s", ErrNotConfigured, userID, exchangeName)
	}
	if err != nil {
		return "", "", err
	}
	if cred.APIKeyEnc == "" || cred.APISecretEnc == "" {
		return "", "", fmt.Errorf("%w: user %s exchange %s", ErrNotConfigured, userID, exchangeName)
	}
	apiKey, err = v.decrypt(cred.APIKeyEnc)
	if err != nil {
		return "", "", fmt.Errorf("vault: decrypt api key: %w", err)
	}
	apiSecret, err = v.decrypt(cred.APISecretEnc)
	if err != nil {
		return "", "", fmt.Errorf("vault: decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// Put encrypts and stores a key pair, replacing any existing row.
func (v *Vault) Put(ctx context.Context, userID, exchangeName, apiKey, apiSecret string) error {
	cred, err := v.store.GetCredential(ctx, userID, exchangeName)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if cred == nil {
		cred = &store.Credential{UserID: userID, ExchangeName: exchangeName}
	}
	if cred.APIKeyEnc, err = v.encrypt(apiKey); err != nil {
		return err
	}
	if cred.APISecretEnc, err = v.encrypt(apiSecret); err != nil {
		return err
	}
	return v.store.SaveCredential(ctx, cred)
}

func (v *Vault) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < v.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
