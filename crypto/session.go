package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the AES-256 key length.
const SessionKeySize = 32

const sessionKeyInfo = "djmesh session v1"

var x25519 = ecdh.X25519()

// GenerateEphemeral creates a one-shot X25519 key for a single handshake.
func GenerateEphemeral() (*ecdh.PrivateKey, error) {
	key, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return key, nil
}

// DeriveSessionKey combines the local ephemeral key with the peer's public
// ephemeral bytes. Both sides pass the same salt (the handshake nonce) and
// the device IDs in either order.
func DeriveSessionKey(local *ecdh.PrivateKey, peerPublic []byte, salt []byte, localID, peerID string) ([]byte, error) {
	if local == nil {
		return nil, errors.New("local ephemeral key is required")
	}
	remote, err := x25519.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer ephemeral key: %w", err)
	}
	shared, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	first, second := localID, peerID
	if second < first {
		first, second = second, first
	}
	info := []byte(sessionKeyInfo + "|" + first + "|" + second)

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), key); err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and authenticates application frames with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer for a session key.
func NewSealer(sessionKey []byte) (*Sealer, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	size := s.aead.NonceSize()
	if len(sealed) < size+s.aead.Overhead() {
		return nil, errors.New("sealed frame too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:size], sealed[size:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed frame: %w", err)
	}
	return plaintext, nil
}
