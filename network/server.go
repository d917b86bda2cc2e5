package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"djmesh/crypto"
)

// Server accepts inbound TCP sessions and pairs them into PeerConnections.
// Every peer that completes the handshake is accepted.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns paired peer connections.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	peerConnection, err := s.pair(conn)
	if err != nil {
		_ = conn.Close()
		s.reportError(err)
		return
	}

	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) pair(conn net.Conn) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	if err := writeMessage(conn, Challenge{Type: TypeChallenge, Nonce: nonce}); err != nil {
		return nil, fmt.Errorf("write challenge: %w", err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	hello, err := decodeHello(payload)
	if err != nil {
		return nil, err
	}
	if _, err := verifyHello(hello, TypeHello, nonce); err != nil {
		code := "invalid_hello"
		if errors.Is(err, ErrUnsupportedVersion) {
			code = "version_mismatch"
		}
		_ = writeMessage(conn, ErrorMessage{
			Type:      TypeError,
			Code:      code,
			Message:   err.Error(),
			Timestamp: time.Now().UnixMilli(),
		})
		return nil, fmt.Errorf("verify hello: %w", err)
	}

	ephemeral, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	sessionKey, err := deriveSessionKey(ephemeral, hello, s.options.Identity.DeviceID, nonce)
	if err != nil {
		return nil, err
	}
	response, err := buildHello(s.options.Identity, TypeHelloResponse, ephemeral, nonce)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, response); err != nil {
		return nil, fmt.Errorf("write hello response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return newPeerConnection(conn, sessionKey, s.options.connectionOptions(hello.DeviceID, hello.DeviceName))
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
