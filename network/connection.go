package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"djmesh/crypto"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	LocalDeviceID     string
	PeerDeviceID      string
	PeerDeviceName    string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	FrameWriteTimeout time.Duration
}

// PeerConnection is a paired, sealed TCP session with one remote device.
type PeerConnection struct {
	conn   net.Conn
	sealer *crypto.Sealer

	localDeviceID  string
	peerDeviceID   string
	peerDeviceName string

	sendMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	frameWriteTimeout time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, sessionKey []byte, options ConnectionOptions) (*PeerConnection, error) {
	sealer, err := crypto.NewSealer(sessionKey)
	if err != nil {
		return nil, err
	}

	pc := &PeerConnection{
		conn:              conn,
		sealer:            sealer,
		localDeviceID:     options.LocalDeviceID,
		peerDeviceID:      options.PeerDeviceID,
		peerDeviceName:    options.PeerDeviceName,
		keepAliveInterval: options.KeepAliveInterval,
		keepAliveTimeout:  options.KeepAliveTimeout,
		frameReadTimeout:  options.FrameReadTimeout,
		frameWriteTimeout: options.FrameWriteTimeout,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
	}
	if pc.keepAliveInterval <= 0 {
		pc.keepAliveInterval = DefaultKeepAliveInterval
	}
	if pc.keepAliveTimeout <= 0 {
		pc.keepAliveTimeout = DefaultKeepAliveTimeout
	}
	if pc.frameReadTimeout <= 0 {
		pc.frameReadTimeout = DefaultFrameReadTimeout
	}
	if pc.frameWriteTimeout <= 0 {
		pc.frameWriteTimeout = DefaultFrameWriteTimeout
	}

	pc.touchActivity()
	go pc.readLoop()
	go pc.keepAliveLoop()
	return pc, nil
}

// PeerDeviceID returns the remote device ID presented during pairing.
func (pc *PeerConnection) PeerDeviceID() string {
	return pc.peerDeviceID
}

// PeerDeviceName returns the remote device name presented during pairing.
func (pc *PeerConnection) PeerDeviceName() string {
	return pc.peerDeviceName
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// Send seals data and writes it as one frame.
func (pc *PeerConnection) Send(data []byte) error {
	sealed, err := pc.sealer.Seal(data)
	if err != nil {
		return err
	}
	return pc.sendMessage(DataFrame{Type: TypeData, Sealed: sealed})
}

// Receive waits for the next application message.
func (pc *PeerConnection) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-pc.inbound:
		return data, nil
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect tells the peer the session is over and closes the connection.
func (pc *PeerConnection) Disconnect() error {
	_ = pc.sendMessage(pc.control(TypeDisconnect))
	return pc.Close()
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) sendMessage(message any) error {
	select {
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	// A peer that stops reading must not pin the sender forever.
	_ = pc.conn.SetWriteDeadline(time.Now().Add(pc.frameWriteTimeout))
	err = WriteFrame(pc.conn, payload)
	_ = pc.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		pc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	pc.touchActivity()
	return nil
}

func (pc *PeerConnection) control(msgType string) ControlMessage {
	return ControlMessage{
		Type:         msgType,
		FromDeviceID: pc.localDeviceID,
		Timestamp:    time.Now().UnixMilli(),
	}
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}
			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePing:
			_ = pc.sendMessage(pc.control(TypePong))
		case TypePong:
			pc.ackPong()
		case TypeDisconnect:
			pc.closeWithError(nil)
			return
		case TypeData:
			var frame DataFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			data, err := pc.sealer.Open(frame.Sealed)
			if err != nil {
				pc.closeWithError(fmt.Errorf("open data frame: %w", err))
				return
			}
			select {
			case pc.inbound <- data:
			case <-pc.closed:
				return
			}
		}
	}
}

func (pc *PeerConnection) keepAliveLoop() {
	checkEvery := pc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = pc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastActivity.Load()))
			if idleFor < pc.keepAliveInterval || pc.isWaitingPong() {
				continue
			}

			if err := pc.sendMessage(pc.control(TypePing)); err != nil {
				return
			}
			pc.setWaitingPong(time.Now().Add(pc.keepAliveTimeout))
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)
	})
}
