package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const identityPEMType = "ED25519 PRIVATE KEY"

// Identity is the long-term signing key a device pairs with.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Fingerprint returns the identity's public key fingerprint.
func (id Identity) Fingerprint() string {
	return KeyFingerprint(id.Public)
}

// LoadOrCreateIdentity reads the PEM identity at path, generating and saving
// a new one on first run.
func LoadOrCreateIdentity(path string) (Identity, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := SaveIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// GenerateIdentity creates a fresh Ed25519 identity.
func GenerateIdentity() (Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity key: %w", err)
	}
	return Identity{Private: private, Public: public}, nil
}

// LoadIdentity reads an identity PEM file.
func LoadIdentity(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return Identity{}, errors.New("decode identity key: no PEM block")
	}
	if block.Type != identityPEMType {
		return Identity{}, fmt.Errorf("decode identity key: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return Identity{}, fmt.Errorf("decode identity key: invalid key size %d", len(block.Bytes))
	}

	private := ed25519.PrivateKey(block.Bytes)
	return Identity{Private: private, Public: private.Public().(ed25519.PublicKey)}, nil
}

// SaveIdentity writes the private key with 0600 permissions.
func SaveIdentity(path string, id Identity) error {
	if len(id.Private) != ed25519.PrivateKeySize {
		return fmt.Errorf("save identity key: invalid key size %d", len(id.Private))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	block := &pem.Block{Type: identityPEMType, Bytes: id.Private}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// Sign signs data with the identity key.
func (id Identity) Sign(data []byte) ([]byte, error) {
	if len(id.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid identity key length %d", len(id.Private))
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(id.Private, data), nil
}

// Verify checks an Ed25519 signature made by publicKey.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || len(data) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
