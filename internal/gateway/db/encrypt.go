package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the process-wide AES-256 key used by EncryptedString.
// Set once at startup via InitEncryption, before any database operation that
// touches an encrypted column.
var encryptionKey []byte

// InitEncryption installs the AES-256 key for at-rest encryption of
// credential columns. key must be exactly 32 bytes.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	encryptionKey = make([]byte, 32)
	copy(encryptionKey, key)
	return nil
}

// EncryptedString is a string column encrypted with AES-256-GCM before it is
// written and decrypted after it is read. The stored form is
// base64(nonce + ciphertext). An empty value is stored as an empty string.
type EncryptedString string

// Value implements driver.Valuer; GORM calls it before writing.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	return seal([]byte(e))
}

// Scan implements sql.Scanner; GORM calls it after reading.
func (e *EncryptedString) Scan(value any) error {
	var encoded string
	switch v := value.(type) {
	case nil:
		*e = ""
		return nil
	case string:
		encoded = v
	case []byte:
		encoded = string(v)
	default:
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if encoded == "" {
		*e = ""
		return nil
	}

	plain, err := open(encoded)
	if err != nil {
		return err
	}
	*e = EncryptedString(plain)
	return nil
}

func seal(plain []byte) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	// GCM security depends on a unique nonce per encryption with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("db: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func open(encoded string) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("db: decoding encrypted value: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("db: encrypted value too short to contain nonce")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("db: decrypting value: %w", err)
	}
	return plain, nil
}

func newGCM() (cipher.AEAD, error) {
	if encryptionKey == nil {
		return nil, errors.New("db: encryption key not initialized, call db.InitEncryption first")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("db: creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
