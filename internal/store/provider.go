package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nidhogg/nuka-experts/internal/provider"
)

// ErrNoEncryptionKey is returned when provider keys are written or read
// without a configured key.
var ErrNoEncryptionKey = fmt.Errorf("provider encryption key not set")

// ProviderRecord is a stored LLM provider. APIKey is plaintext in memory and
// encrypted at rest.
type ProviderRecord struct {
	provider.ProviderConfig
	Default bool `json:"default"`
}

// SetEncryptionKey sets the AES-256 key for provider API keys from 64 hex
// characters.
func (s *Store) SetEncryptionKey(keyHex string) error {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 64 hex chars (32 bytes), got %d bytes", len(key))
	}
	s.secret = key
	return nil
}

func (s *Store) gcm() (cipher.AEAD, error) {
	if len(s.secret) == 0 {
		return nil, ErrNoEncryptionKey
	}
	block, err := aes.NewCipher(s.secret)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *Store) encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *Store) decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(ciphertext) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SaveProvider upserts a provider, encrypting its API key. A default provider
// clears the flag on every other row in the same transaction.
func (s *Store) SaveProvider(ctx context.Context, p ProviderRecord) error {
	encKey, err := s.encrypt(p.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key of %s: %w", p.ID, err)
	}
	models, _ := json.Marshal(nonNil(p.Models))
	extra, _ := json.Marshal(p.Extra)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.Default {
		if _, err := tx.Exec(ctx, `UPDATE providers SET is_default = false WHERE is_default AND id <> $1`, p.ID); err != nil {
			return fmt.Errorf("clear default provider: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO providers (id, name, type, endpoint, api_key_enc, models, extra, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			endpoint = EXCLUDED.endpoint,
			api_key_enc = EXCLUDED.api_key_enc,
			models = EXCLUDED.models,
			extra = EXCLUDED.extra,
			is_default = EXCLUDED.is_default,
			updated_at = now()`,
		p.ID, p.Name, p.Type, p.Endpoint, encKey, models, extra, p.Default,
	)
	if err != nil {
		return fmt.Errorf("save provider %s: %w", p.ID, err)
	}
	return tx.Commit(ctx)
}

// ListProviders returns every stored provider with its API key decrypted.
func (s *Store) ListProviders(ctx context.Context) ([]ProviderRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, type, endpoint, api_key_enc, models, extra, is_default
		FROM providers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []ProviderRecord
	for rows.Next() {
		var (
			p             ProviderRecord
			encKey        []byte
			models, extra []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Endpoint, &encKey, &models, &extra, &p.Default); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if p.APIKey, err = s.decrypt(encKey); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		_ = json.Unmarshal(models, &p.Models)
		_ = json.Unmarshal(extra, &p.Extra)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProvider removes a provider by id.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete provider %s: %w", id, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
