// Package vault performs service-role decryption of credential bundles.
// The engine only ever holds plaintext credentials in memory for the span
// of one attempt; nothing here writes plaintext anywhere.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrCredentialNotFound = errors.New("vault: credential not found")

// Credential is the decrypted bundle handed to the workflow for one
// attempt. CVV is optional; its absence triggers the challenge flow.
type Credential struct {
	Alias    string `json:"alias"`
	Email    string `json:"email"`
	Password string `json:"password"`
	CVV      string `json:"cvv,omitempty"`
}

// Cipher is an AES-256-GCM wrapper shared by the credential vault and the
// session snapshot codec.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a hex-encoded 32-byte key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid vault key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext, prepending the random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(blob) < ns {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	return c.aead.Open(nil, blob[:ns], blob[ns:], nil)
}

// Vault resolves credential identifiers to decrypted bundles. The blobs
// live in a JSON file of id → hex ciphertext, written by the credential
// management surface, which is outside this engine.
type Vault struct {
	cipher *Cipher
	path   string
}

func New(hexKey, blobPath string) (*Vault, error) {
	c, err := NewCipher(hexKey)
	if err != nil {
		return nil, err
	}
	return &Vault{cipher: c, path: blobPath}, nil
}

// Fetch loads and decrypts the credential with the given id.
func (v *Vault) Fetch(id string) (*Credential, error) {
	blobs, err := v.readBlobs()
	if err != nil {
		return nil, err
	}
	encoded, ok := blobs[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", id, err)
	}
	plain, err := v.cipher.Open(raw)
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", id, err)
	}
	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// Put seals and stores a credential bundle. Used by the operator CLI; the
// engine itself never calls this.
func (v *Vault) Put(id string, cred *Credential) error {
	blobs, err := v.readBlobs()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		blobs = map[string]string{}
	}
	plain, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	sealed, err := v.cipher.Seal(plain)
	if err != nil {
		return err
	}
	blobs[id] = hex.EncodeToString(sealed)
	data, err := json.MarshalIndent(blobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(v.path, data, 0600)
}

func (v *Vault) readBlobs() (map[string]string, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, err
	}
	var blobs map[string]string
	if err := json.Unmarshal(data, &blobs); err != nil {
		return nil, err
	}
	return blobs, nil
}
