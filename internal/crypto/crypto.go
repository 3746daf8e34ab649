// Package crypto provides authenticated symmetric encryption for secrets at
// rest (credential bundles in the vault) backed by a single master key with
// purpose-scoped sub-key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const keyFileName = ".encryption.key"

// Overridable for tests.
var (
	defaultDataDirFn = defaultDataDir
	legacyKeyPath    = ""
	randReader       io.Reader = rand.Reader
	newGCM                     = func(block cipher.Block) (cipher.AEAD, error) { return cipher.NewGCM(block) }
)

func defaultDataDir() string {
	if dir := os.Getenv("PULSE_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/pulsed"
}

// CryptoManager encrypts and decrypts byte slices with a 32-byte master key
// using AES-256-GCM. The key is persisted, base64-encoded, at keyPath.
type CryptoManager struct {
	key     []byte
	keyPath string
}

// NewCryptoManagerAt loads or creates the master key under dataDir. An empty
// dataDir resolves via defaultDataDirFn. Refuses to start if encrypted data
// is already present in dataDir but no key file exists, to avoid silently
// generating a new key that can never decrypt the orphaned data.
func NewCryptoManagerAt(dataDir string) (*CryptoManager, error) {
	if dataDir == "" {
		dataDir = defaultDataDirFn()
	}
	key, err := getOrCreateKeyAt(dataDir)
	if err != nil {
		return nil, err
	}
	return &CryptoManager{key: key, keyPath: filepath.Join(dataDir, keyFileName)}, nil
}

func hasOrphanedEncryptedData(dataDir string) bool {
	matches, _ := filepath.Glob(filepath.Join(dataDir, "*.enc"))
	return len(matches) > 0
}

// getOrCreateKeyAt reads the 32-byte master key from dataDir/.encryption.key,
// migrating it from legacyKeyPath or generating a fresh one when absent.
func getOrCreateKeyAt(dataDir string) ([]byte, error) {
	if dataDir == "" {
		dataDir = defaultDataDirFn()
	}
	keyPath := filepath.Join(dataDir, keyFileName)

	if _, err := os.Stat(keyPath); err == nil {
		if data, rerr := os.ReadFile(keyPath); rerr == nil {
			if key, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data))); derr == nil && len(key) == 32 {
				return key, nil
			}
		}
		// Invalid or undersized key file content: fall through and regenerate.
	} else {
		if hasOrphanedEncryptedData(dataDir) {
			return nil, fmt.Errorf("encrypted data found in %s but no encryption key present; refusing to generate a replacement key", dataDir)
		}

		if legacyKeyPath != "" && legacyKeyPath != keyPath {
			if legacyData, lerr := os.ReadFile(legacyKeyPath); lerr == nil {
				if key, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(legacyData))); derr == nil && len(key) == 32 {
					if mkErr := os.MkdirAll(filepath.Dir(keyPath), 0o700); mkErr == nil {
						_ = os.WriteFile(keyPath, legacyData, 0o600)
					}
					return key, nil
				}
			}
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write encryption key %s: %w", keyPath, err)
	}
	return key, nil
}

// DeriveKey derives a purpose-scoped sub-key from the master key via HKDF-SHA256,
// so that the vault, and any future consumer, never encrypts directly with the
// raw master key.
func (cm *CryptoManager) DeriveKey(purpose string, length int) ([]byte, error) {
	if cm == nil || len(cm.key) == 0 {
		return nil, errors.New("crypto: manager has no master key")
	}
	if length <= 0 {
		return nil, errors.New("crypto: derived key length must be positive")
	}
	if purpose == "" {
		return nil, errors.New("crypto: derive purpose must not be empty")
	}

	reader := hkdf.New(sha256.New, cm.key, nil, []byte(purpose))
	derived := make([]byte, length)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return derived, nil
}

func (cm *CryptoManager) aead() (cipher.AEAD, error) {
	if cm == nil || len(cm.key) != 32 {
		return nil, errors.New("crypto: invalid master key")
	}
	block, err := aes.NewCipher(cm.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: build cipher: %w", err)
	}
	return newGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM, prefixing the ciphertext with a
// random nonce. It refuses to encrypt once the key file has disappeared from
// disk, since data sealed with the in-memory key could not be decrypted after
// a restart.
func (cm *CryptoManager) Encrypt(plaintext []byte) ([]byte, error) {
	if cm != nil && cm.keyPath != "" {
		if _, err := os.Stat(cm.keyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("crypto: key file %s is missing; refusing to encrypt", cm.keyPath)
		}
	}

	gcm, err := cm.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (cm *CryptoManager) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := cm.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("crypto: ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string payloads, base64-encoding the result.
func (cm *CryptoManager) EncryptString(plaintext string) (string, error) {
	encrypted, err := cm.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptString is Decrypt for base64-encoded ciphertext produced by EncryptString.
func (cm *CryptoManager) DecryptString(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}
	plaintext, err := cm.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
