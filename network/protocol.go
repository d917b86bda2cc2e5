package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1 << 20
	// DefaultConnectionTimeout bounds TCP dial and handshake duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultFrameWriteTimeout bounds each frame write to a stalled peer.
	DefaultFrameWriteTimeout = 10 * time.Second
)

const (
	TypeChallenge     = "challenge"
	TypeHello         = "hello"
	TypeHelloResponse = "hello_response"
	TypeData          = "data"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeDisconnect    = "disconnect"
	TypeError         = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the control frame type.
type Envelope struct {
	Type string `json:"type"`
}

// Challenge is sent by the accepting side before anything else.
type Challenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// Hello introduces a device during pairing. The same shape is used for
// the dialer's hello and the acceptor's response.
type Hello struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	IdentityKey     string `json:"identity_key"`
	EphemeralKey    string `json:"ephemeral_key"`
	Nonce           string `json:"nonce"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
	Signature       string `json:"signature"`
}

// DataFrame carries one sealed application message.
type DataFrame struct {
	Type   string `json:"type"`
	Sealed []byte `json:"sealed"`
}

// ControlMessage is a payload-less keep-alive or teardown frame.
type ControlMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors during pairing.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a control frame.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeMessage(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func remoteError(payload []byte) error {
	var msg ErrorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode remote error: %w", err)
	}
	return fmt.Errorf("remote error [%s]: %s", msg.Code, msg.Message)
}
