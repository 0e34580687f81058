package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"caseline/internal/domain"
)

// APIKeyPrefix marks keys minted by IssueAPIKey.
const APIKeyPrefix = "cl_"

const apiKeyColumns = `id,user_id,COALESCE(name,''),key_hash,created_at`

// HashAPIKey is the lookup digest stored instead of the key itself.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey mints a random key for userID and stores its digest. The
// plaintext is returned once and never persisted.
func (r Repo) IssueAPIKey(ctx context.Context, userID, name, now string) (string, domain.APIKey, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := APIKeyPrefix + hex.EncodeToString(secret)
	rec := domain.APIKey{ID: uuid.NewString(), UserID: userID, Name: name, KeyHash: HashAPIKey(plain), CreatedAt: now}
	if err := r.InsertAPIKey(ctx, rec); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, rec, nil
}

// InsertAPIKey stores a key record whose KeyHash is already a digest.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	for field, v := range map[string]string{"id": key.ID, "user_id": key.UserID, "key_hash": key.KeyHash, "created_at": key.CreatedAt} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("api key %s required", field)
		}
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,user_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.UserID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func scanAPIKey(s rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	err := s.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.CreatedAt)
	return k, err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

// ListAPIKeys lists keys newest first; an empty userID lists every user's.
func (r Repo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys
WHERE ?='' OR user_id=?
ORDER BY created_at DESC, id DESC`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key. Unknown ids report ErrNotFound.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("api key id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
