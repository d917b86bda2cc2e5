package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"djmesh/crypto"
)

// Dial connects to a peer, pairs with it, and returns a ready PeerConnection.
// ctx bounds the whole dial and handshake.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	deadline, _ := dialCtx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	// unblock handshake reads if ctx is cancelled mid-pairing
	stop := context.AfterFunc(dialCtx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	peerConnection, err := pairOutbound(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return peerConnection, nil
}

func pairOutbound(conn net.Conn, opts HandshakeOptions) (*PeerConnection, error) {
	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType == TypeError {
		return nil, remoteError(payload)
	}
	if msgType != TypeChallenge {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeChallenge, msgType)
	}

	var challenge Challenge
	if err := json.Unmarshal(payload, &challenge); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}

	ephemeral, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	hello, err := buildHello(opts.Identity, TypeHello, ephemeral, challenge.Nonce)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	payload, err = ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello response: %w", err)
	}
	msgType, err = DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType == TypeError {
		return nil, remoteError(payload)
	}

	response, err := decodeHello(payload)
	if err != nil {
		return nil, err
	}
	if _, err := verifyHello(response, TypeHelloResponse, challenge.Nonce); err != nil {
		return nil, fmt.Errorf("verify hello response: %w", err)
	}

	sessionKey, err := deriveSessionKey(ephemeral, response, opts.Identity.DeviceID, challenge.Nonce)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return newPeerConnection(conn, sessionKey, opts.connectionOptions(response.DeviceID, response.DeviceName))
}
