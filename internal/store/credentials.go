package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/notzero-app/notzero/internal/types"
	"github.com/notzero-app/notzero/internal/utils"
)

// CredentialStore 上游 API 密钥的加密存储
// 密钥以 AES-256-GCM 加密后落库，加密密钥从环境变量派生。
type CredentialStore struct {
	store *Store
	gcm   cipher.AEAD
}

// NewCredentialStore 创建凭据存储
// encryptionKey 经 SHA-256 派生为 32 字节 AES 密钥。
func NewCredentialStore(s *Store, encryptionKey string) (*CredentialStore, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("未配置加密密钥 CREDENTIAL_SECRET")
	}

	derived := sha256.Sum256([]byte(encryptionKey))
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, fmt.Errorf("初始化加密器失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}

	return &CredentialStore{store: s, gcm: gcm}, nil
}

// SaveAPIKey 保存用户的上游密钥与可选项目 ID
func (c *CredentialStore) SaveAPIKey(userID, apiKey, projectID string) error {
	encrypted, err := c.encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("加密密钥失败: %w", err)
	}

	_, err = c.store.db.Exec(`
		INSERT INTO api_credentials (user_id, encrypted_key, project_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			encrypted_key = excluded.encrypted_key,
			project_id = excluded.project_id,
			updated_at = excluded.updated_at
	`, userID, encrypted, projectID, c.store.now().Unix())
	if err != nil {
		return types.NewStoreError(err, true)
	}
	return nil
}

// GetAPIKey 读取并解密用户的上游密钥
// 未配置时返回 types.ErrNotConfigured。
func (c *CredentialStore) GetAPIKey(userID string) (apiKey, projectID string, err error) {
	var encrypted string
	err = c.store.db.QueryRow(
		"SELECT encrypted_key, project_id FROM api_credentials WHERE user_id = ?", userID,
	).Scan(&encrypted, &projectID)
	if err == sql.ErrNoRows {
		return "", "", types.ErrNotConfigured
	}
	if err != nil {
		return "", "", types.NewStoreError(err, true)
	}

	apiKey, err = c.decrypt(encrypted)
	if err != nil {
		return "", "", fmt.Errorf("解密密钥失败: %w", err)
	}
	return apiKey, projectID, nil
}

// MaskedKey 返回脱敏后的密钥，供状态接口展示
func (c *CredentialStore) MaskedKey(userID string) (string, error) {
	key, _, err := c.GetAPIKey(userID)
	if err != nil {
		return "", err
	}
	return utils.MaskAPIKey(key), nil
}

// Delete 删除用户凭据
func (c *CredentialStore) Delete(userID string) error {
	_, err := c.store.db.Exec("DELETE FROM api_credentials WHERE user_id = ?", userID)
	if err != nil {
		return types.NewStoreError(err, true)
	}
	return nil
}

// Users 列出所有已配置凭据的用户
func (c *CredentialStore) Users() ([]string, error) {
	rows, err := c.store.db.Query("SELECT user_id FROM api_credentials ORDER BY user_id")
	if err != nil {
		return nil, types.NewStoreError(err, true)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, types.NewStoreError(err, false)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (c *CredentialStore) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *CredentialStore) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(data) < c.gcm.NonceSize() {
		return "", fmt.Errorf("密文长度不足")
	}
	nonce, ciphertext := data[:c.gcm.NonceSize()], data[c.gcm.NonceSize():]
	plain, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
