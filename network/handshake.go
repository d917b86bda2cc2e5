package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"djmesh/crypto"
)

const challengeNonceSize = 32

// LocalIdentity contains the values a device presents when pairing.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	Keys       crypto.Identity
}

// HandshakeOptions configures pairing and connection behavior.
type HandshakeOptions struct {
	Identity LocalIdentity

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	FrameWriteTimeout time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.FrameWriteTimeout <= 0 {
		out.FrameWriteTimeout = DefaultFrameWriteTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.DeviceName == "" {
		return errors.New("local device name is required")
	}
	if len(o.Identity.Keys.Private) != ed25519.PrivateKeySize {
		return errors.New("local identity key is required")
	}
	return nil
}

func (o HandshakeOptions) connectionOptions(peerID, peerName string) ConnectionOptions {
	return ConnectionOptions{
		LocalDeviceID:     o.Identity.DeviceID,
		PeerDeviceID:      peerID,
		PeerDeviceName:    peerName,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		FrameWriteTimeout: o.FrameWriteTimeout,
	}
}

// buildHello signs a hello bound to the acceptor's challenge nonce.
func buildHello(identity LocalIdentity, msgType string, ephemeral *ecdh.PrivateKey, nonce string) (Hello, error) {
	msg := Hello{
		Type:            msgType,
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		IdentityKey:     base64.StdEncoding.EncodeToString(identity.Keys.Public),
		EphemeralKey:    base64.StdEncoding.EncodeToString(ephemeral.PublicKey().Bytes()),
		Nonce:           nonce,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}

	signable, err := helloSignable(msg)
	if err != nil {
		return Hello{}, err
	}
	signature, err := identity.Keys.Sign(signable)
	if err != nil {
		return Hello{}, fmt.Errorf("sign hello: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// verifyHello checks version, nonce binding and signature, returning the
// peer's identity key.
func verifyHello(msg Hello, expectedType, nonce string) (ed25519.PublicKey, error) {
	if msg.Type != expectedType {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, expectedType, msg.Type)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if msg.DeviceID == "" {
		return nil, errors.New("hello is missing device ID")
	}
	if msg.Nonce != nonce {
		return nil, errors.New("hello nonce does not match challenge")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(msg.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid identity key length")
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode hello signature: %w", err)
	}

	signable, err := helloSignable(msg)
	if err != nil {
		return nil, err
	}
	publicKey := ed25519.PublicKey(keyBytes)
	if !crypto.Verify(publicKey, signable, signature) {
		return nil, ErrInvalidSignature
	}
	return publicKey, nil
}

func helloSignable(msg Hello) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}

func deriveSessionKey(local *ecdh.PrivateKey, peer Hello, localID, nonce string) ([]byte, error) {
	peerKey, err := base64.StdEncoding.DecodeString(peer.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral key: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(salt) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(salt), challengeNonceSize)
	}
	return crypto.DeriveSessionKey(local, peerKey, salt, localID, peer.DeviceID)
}

func generateChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

func decodeHello(payload []byte) (Hello, error) {
	var msg Hello
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	return msg, nil
}
