// Package crypt implements field-level encryption for PII. Values are
// sealed with AES-256-GCM under a per-company key derived from the master
// key, and documents carry the list of sealed field names in _encrypted.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/crypto/hkdf"
)

const ciphertextPrefix = "enc:v1:"

var (
	ErrKeyMissing       = errors.New("crypt: encryption master key not configured")
	ErrInvalidKey       = errors.New("crypt: master key must be 32 bytes base64")
	ErrNotCiphertext    = errors.New("crypt: value is not a sealed ciphertext")
	ErrCiphertextFormat = errors.New("crypt: malformed ciphertext")
)

// Cipher seals and opens string fields. Safe for concurrent use.
type Cipher struct {
	masterKey []byte
}

// New parses the base64 master key. An empty key yields a disabled cipher
// whose Seal/Open return ErrKeyMissing.
func New(masterKeyBase64 string) (*Cipher, error) {
	if strings.TrimSpace(masterKeyBase64) == "" {
		return &Cipher{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	return &Cipher{masterKey: key}, nil
}

// Enabled reports whether a master key is configured.
func (c *Cipher) Enabled() bool { return len(c.masterKey) != 0 }

// companyKey derives the tenant data key. Deriving per company means a
// leaked key for one tenant opens nothing for another.
func (c *Cipher) companyKey(companyID snowflake.ID) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrKeyMissing
	}
	r := hkdf.New(sha256.New, c.masterKey, nil, []byte("crewclock/company/"+companyID.String()))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext for companyID.
func (c *Cipher) Seal(companyID snowflake.ID, plaintext string) (string, error) {
	key, err := c.companyKey(companyID)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(companyID snowflake.ID, ciphertext string) (string, error) {
	if !IsSealed(ciphertext) {
		return "", ErrNotCiphertext
	}
	key, err := c.companyKey(companyID)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, ciphertextPrefix))
	if err != nil {
		return "", ErrCiphertextFormat
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrCiphertextFormat
	}
	plaintext, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("crypt: open: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether v looks like a sealed value.
func IsSealed(v string) bool { return strings.HasPrefix(v, ciphertextPrefix) }

// SealFields seals the named string fields of doc in place and returns the
// updated _encrypted list. Fields that are absent or empty are skipped.
func (c *Cipher) SealFields(companyID snowflake.ID, doc map[string]any, fields []string, encrypted []string) ([]string, error) {
	for _, field := range fields {
		raw, ok := doc[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || s == "" || IsSealed(s) {
			continue
		}
		sealed, err := c.Seal(companyID, s)
		if err != nil {
			return encrypted, err
		}
		doc[field] = sealed
		if !contains(encrypted, field) {
			encrypted = append(encrypted, field)
		}
	}
	return encrypted, nil
}

// OpenFields opens the fields named in encrypted in place. Unsealed values
// are left alone so partially migrated documents keep reading.
func (c *Cipher) OpenFields(companyID snowflake.ID, doc map[string]any, encrypted []string) error {
	for _, field := range encrypted {
		raw, ok := doc[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || !IsSealed(s) {
			continue
		}
		plain, err := c.Open(companyID, s)
		if err != nil {
			return err
		}
		doc[field] = plain
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
