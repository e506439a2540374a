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

// encryptionKey is the AES-256 key used by EncryptedString. When nil,
// encryption is disabled and values are stored as plaintext.
var encryptionKey []byte

// InitEncryption sets the AES-256 key used to encrypt and decrypt sensitive
// fields at rest. key must be exactly 32 bytes. Call once during startup,
// before any database operation touches an encrypted field:
//
//	if err := db.InitEncryption([]byte(cfg.SecretKey)); err != nil {
//	    log.Fatal(err)
//	}
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	encryptionKey = make([]byte, 32)
	copy(encryptionKey, key)
	return nil
}

// EncryptedString is a string that is encrypted with AES-256-GCM before
// being written to the database and decrypted after being read, whenever an
// encryption key has been configured via InitEncryption. Without a key the
// value passes through as plaintext, so small deployments work without any
// secret-key setup. Used for webhook signing secrets.
//
// The stored format is base64(nonce + ciphertext). Rows written before a key
// was configured are read back verbatim.
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" || encryptionKey == nil {
		return string(e), nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("db: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: create GCM: %w", err)
	}

	// GCM requires a unique nonce per encryption under the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Scan implements sql.Scanner. Rows that do not decode as base64, or that
// are too short to hold a nonce, are treated as legacy plaintext written
// before encryption was enabled.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}
	str, ok := value.(string)
	if !ok {
		if b, isBytes := value.([]byte); isBytes {
			str = string(b)
		} else {
			return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
		}
	}
	if str == "" || encryptionKey == nil {
		*e = EncryptedString(str)
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		*e = EncryptedString(str)
		return nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return fmt.Errorf("db: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("db: create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		*e = EncryptedString(str)
		return nil
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return errors.New("db: failed to decrypt value, was the secret key changed?")
	}

	*e = EncryptedString(plaintext)
	return nil
}
