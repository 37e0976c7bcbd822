package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"golang.org/x/crypto/argon2"
)

// serializedIdentity is the JSON structure for storage.
type serializedIdentity struct {
	PrivateKey  []byte `json:"private_key"`
	DisplayName string `json:"display_name"`
}

// deriveKey uses Argon2id to derive an AES-256 key from passphrase.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// SaveIdentity encrypts and saves identity to file.
// File format: salt(16) + nonce(12) + ciphertext.
func SaveIdentity(id *Identity, path, passphrase string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(serializedIdentity{
		PrivateKey:  id.key.Bytes(),
		DisplayName: id.DisplayName,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize identity: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, data, nil)

	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return nil
}

// LoadIdentity decrypts and loads identity from file.
func LoadIdentity(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) < 28 { // 16 salt + 12 nonce minimum
		return nil, fmt.Errorf("file too short")
	}

	gcm, err := newGCM(deriveKey(passphrase, data[:16]))
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	nonce := data[16 : 16+nonceSize]
	ciphertext := data[16+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase?): %w", err)
	}

	var stored serializedIdentity
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, fmt.Errorf("failed to deserialize identity: %w", err)
	}

	key := new(eddsa.PrivateKey)
	if _, err := key.SetBytes(stored.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	return newIdentity(stored.DisplayName, key), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
