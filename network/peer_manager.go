package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"djmesh/discovery"
	"djmesh/models"
	"djmesh/session"
)

var (
	// ErrPeerUnknown indicates no address is known for the invited peer.
	ErrPeerUnknown = errors.New("network: peer address unknown")
	// ErrNotConnected indicates a send to a peer without a live connection.
	ErrNotConnected = errors.New("network: peer not connected")
	// ErrNotStarted indicates the manager has not been started.
	ErrNotStarted = errors.New("network: peer manager not started")
	// ErrNotBrowsing indicates a refresh while discovery is stopped.
	ErrNotBrowsing = errors.New("network: not browsing")
)

// Advertiser publishes local presence. *discovery.Advertiser satisfies it.
type Advertiser interface {
	UpdateProfile(name, imageURL string)
	Stop()
}

// Browser finds advertising peers. *discovery.Browser satisfies it.
type Browser interface {
	Start() error
	Stop()
	Events() <-chan discovery.Event
	Lookup(deviceID string) (discovery.DiscoveredPeer, bool)
	Refresh(ctx context.Context) error
}

// PeerManagerOptions configures the transport.
type PeerManagerOptions struct {
	Identity      LocalIdentity
	ListenAddress string

	// Discovery carries service naming and timing; identity and port fields
	// are filled in by the manager.
	Discovery       discovery.Config
	StartAdvertiser func(discovery.Config) (Advertiser, error)
	NewBrowser      func(discovery.Config) (Browser, error)
	// Resolve maps a device ID to host:port before discovery is consulted.
	Resolve func(deviceID string) (string, bool)

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	FrameWriteTimeout time.Duration

	Logger *logrus.Logger
}

// PeerManager implements session.Transport over mDNS discovery and paired
// TCP connections.
type PeerManager struct {
	options PeerManagerOptions
	logger  *logrus.Logger

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	delegateMu sync.RWMutex
	delegate   session.Delegate

	connMu      sync.RWMutex
	connections map[string]*PeerConnection
	states      map[string]models.ConnectionState
	names       map[string]string

	discoveryMu sync.Mutex
	advertiser  Advertiser
	browser     Browser
	browseDone  chan struct{}

	inviteMu sync.Mutex
	invites  map[string]context.CancelFunc
}

var _ session.Transport = (*PeerManager)(nil)

// NewPeerManager creates a peer manager with validated configuration.
func NewPeerManager(options PeerManagerOptions) (*PeerManager, error) {
	hs := HandshakeOptions{Identity: options.Identity}
	if err := hs.validateIdentity(); err != nil {
		return nil, err
	}
	if options.StartAdvertiser == nil {
		options.StartAdvertiser = func(cfg discovery.Config) (Advertiser, error) {
			advertiser, err := discovery.StartAdvertiser(cfg)
			if err != nil {
				return nil, err
			}
			return advertiser, nil
		}
	}
	if options.NewBrowser == nil {
		options.NewBrowser = func(cfg discovery.Config) (Browser, error) {
			browser, err := discovery.NewBrowser(cfg)
			if err != nil {
				return nil, err
			}
			return browser, nil
		}
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &PeerManager{
		options:     options,
		logger:      logger,
		connections: make(map[string]*PeerConnection),
		states:      make(map[string]models.ConnectionState),
		names:       make(map[string]string),
		invites:     make(map[string]context.CancelFunc),
	}, nil
}

// Start begins listening for inbound connections.
func (m *PeerManager) Start() error {
	if m.ctx != nil {
		return nil
	}

	server, err := Listen(m.options.ListenAddress, m.handshakeOptions())
	if err != nil {
		return err
	}
	m.server = server
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.serverLoop()

	m.logger.WithField("addr", server.Addr().String()).Info("NETWORK: listening")
	return nil
}

// Stop tears down discovery, the listener and every connection.
func (m *PeerManager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.StopAdvertising()
		m.StopBrowsing()
		m.cancelInvites("")
		m.cancel()
		_ = m.server.Close()

		m.connMu.Lock()
		for _, conn := range m.connections {
			_ = conn.Close()
		}
		m.connMu.Unlock()

		m.wg.Wait()
	})
}

// Port returns the listening port, or 0 before Start.
func (m *PeerManager) Port() int {
	if m.server == nil {
		return 0
	}
	return m.server.Port()
}

// LocalPeer returns this device's identity.
func (m *PeerManager) LocalPeer() models.PeerIdentity {
	return models.PeerIdentity{ID: m.options.Identity.DeviceID, DisplayName: m.options.Identity.DeviceName}
}

// SetDelegate installs the receiver of transport callbacks.
func (m *PeerManager) SetDelegate(delegate session.Delegate) {
	m.delegateMu.Lock()
	m.delegate = delegate
	m.delegateMu.Unlock()
}

// StartAdvertising publishes presence, or refreshes the advertised profile
// when already advertising.
func (m *PeerManager) StartAdvertising(profile models.PeerProfile) error {
	if m.server == nil {
		return ErrNotStarted
	}

	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()

	if m.advertiser != nil {
		m.advertiser.UpdateProfile(profile.Name, profile.ImageURL)
		return nil
	}

	cfg := m.discoveryConfig()
	cfg.ListeningPort = m.server.Port()
	cfg.ProfileName = profile.Name
	cfg.ImageURL = profile.ImageURL

	advertiser, err := m.options.StartAdvertiser(cfg)
	if err != nil {
		return err
	}
	m.advertiser = advertiser
	return nil
}

// StopAdvertising withdraws presence. Safe when not advertising.
func (m *PeerManager) StopAdvertising() {
	m.discoveryMu.Lock()
	advertiser := m.advertiser
	m.advertiser = nil
	m.discoveryMu.Unlock()

	if advertiser != nil {
		advertiser.Stop()
		m.logger.Info("NETWORK: advertising stopped")
	}
}

// StartBrowsing begins reporting found and lost peers to the delegate.
func (m *PeerManager) StartBrowsing() error {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()

	if m.browser != nil {
		return nil
	}
	browser, err := m.options.NewBrowser(m.discoveryConfig())
	if err != nil {
		return err
	}
	if err := browser.Start(); err != nil {
		return err
	}

	done := make(chan struct{})
	m.browser = browser
	m.browseDone = done
	go m.browseLoop(browser, done)
	return nil
}

// StopBrowsing stops discovery callbacks. Safe when not browsing.
func (m *PeerManager) StopBrowsing() {
	m.discoveryMu.Lock()
	browser, done := m.browser, m.browseDone
	m.browser, m.browseDone = nil, nil
	m.discoveryMu.Unlock()

	if browser != nil {
		browser.Stop()
		<-done
	}
}

// RefreshBrowsing runs one immediate browse window.
func (m *PeerManager) RefreshBrowsing(ctx context.Context) error {
	m.discoveryMu.Lock()
	browser := m.browser
	m.discoveryMu.Unlock()

	if browser == nil {
		return ErrNotBrowsing
	}
	return browser.Refresh(ctx)
}

// Invite dials peer in the background. Outstanding invitations to other
// peers are abandoned.
func (m *PeerManager) Invite(peer models.PeerIdentity, timeout time.Duration) error {
	if m.ctx == nil {
		return ErrNotStarted
	}
	if m.isConnected(peer.ID) {
		return nil
	}
	address, ok := m.resolve(peer.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peer.ID)
	}

	m.cancelInvites(peer.ID)

	m.inviteMu.Lock()
	if _, pending := m.invites[peer.ID]; pending {
		m.inviteMu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	m.invites[peer.ID] = cancel
	m.inviteMu.Unlock()

	m.setState(peer, models.Connecting)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.inviteMu.Lock()
			delete(m.invites, peer.ID)
			m.inviteMu.Unlock()
			cancel()
		}()

		conn, err := Dial(ctx, address, m.handshakeOptions())
		if err != nil {
			m.logger.WithError(err).WithField("peer", peer.ID).Warn("NETWORK: invitation failed")
			m.setState(peer, models.NotConnected)
			return
		}
		if conn.PeerDeviceID() != peer.ID {
			m.logger.WithFields(logrus.Fields{"peer": peer.ID, "answered": conn.PeerDeviceID()}).Warn("NETWORK: unexpected peer answered invitation")
			_ = conn.Close()
			m.setState(peer, models.NotConnected)
			return
		}
		m.registerConnection(conn)
	}()
	return nil
}

// Send delivers data to each peer on a best-effort basis. Failures are
// logged and joined into the returned error.
func (m *PeerManager) Send(data []byte, peers []models.PeerIdentity) error {
	var errs []error
	for _, peer := range peers {
		m.connMu.RLock()
		conn := m.connections[peer.ID]
		m.connMu.RUnlock()

		if conn == nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNotConnected, peer.ID))
			continue
		}
		if err := conn.Send(data); err != nil {
			m.logger.WithError(err).WithField("peer", peer.ID).Debug("NETWORK: send failed")
			errs = append(errs, fmt.Errorf("send to %s: %w", peer.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ConnectedPeers lists peers with a live connection.
func (m *PeerManager) ConnectedPeers() []models.PeerIdentity {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	out := make([]models.PeerIdentity, 0, len(m.connections))
	for id, conn := range m.connections {
		out = append(out, models.PeerIdentity{ID: id, DisplayName: conn.PeerDeviceName()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DisconnectAll abandons pending invitations and ends every connection.
func (m *PeerManager) DisconnectAll() {
	m.cancelInvites("")

	m.connMu.RLock()
	conns := make([]*PeerConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connMu.RUnlock()

	for _, conn := range conns {
		_ = conn.Disconnect()
	}
}

func (m *PeerManager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case conn, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.registerConnection(conn)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.logger.WithError(err).Warn("NETWORK: inbound pairing failed")
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *PeerManager) browseLoop(browser Browser, done chan struct{}) {
	defer close(done)
	for event := range browser.Events() {
		peer := models.PeerIdentity{ID: event.Peer.DeviceID, DisplayName: event.Peer.DeviceName}
		delegate := m.currentDelegate()
		if delegate == nil {
			continue
		}
		switch event.Type {
		case discovery.EventPeerFound:
			var profile *models.PeerProfile
			if event.Peer.ProfileName != "" || event.Peer.ImageURL != "" {
				profile = &models.PeerProfile{Name: event.Peer.ProfileName, ImageURL: event.Peer.ImageURL}
			}
			delegate.PeerFound(peer, profile)
		case discovery.EventPeerLost:
			delegate.PeerLost(peer)
		}
	}
}

// registerConnection accepts every paired peer; a newer connection from
// the same device replaces the older one and is reported as
// NotConnected followed by Connected.
func (m *PeerManager) registerConnection(conn *PeerConnection) {
	peerID := conn.PeerDeviceID()
	if peerID == "" {
		_ = conn.Close()
		return
	}

	peer := models.PeerIdentity{ID: peerID, DisplayName: conn.PeerDeviceName()}

	m.connMu.Lock()
	existing := m.connections[peerID]
	m.connections[peerID] = conn
	m.connMu.Unlock()
	if existing != nil && existing != conn {
		_ = existing.Close()
		// The old session is gone; report it so the replacement is seen as a
		// fresh connection.
		m.logger.WithField("peer", peerID).Info("NETWORK: peer reconnected, replacing connection")
		m.setState(peer, models.NotConnected)
	}

	m.logger.WithField("peer", peerID).Info("NETWORK: peer connected")
	m.setState(peer, models.Connected)

	m.wg.Add(1)
	go m.connectionLoop(conn, peer)
}

func (m *PeerManager) connectionLoop(conn *PeerConnection, peer models.PeerIdentity) {
	defer m.wg.Done()

	for {
		data, err := conn.Receive(m.ctx)
		if err != nil {
			break
		}
		if delegate := m.currentDelegate(); delegate != nil {
			delegate.DataReceived(data, peer)
		}
	}
	_ = conn.Close()

	m.connMu.Lock()
	current := m.connections[peer.ID] == conn
	if current {
		delete(m.connections, peer.ID)
	}
	m.connMu.Unlock()

	if current {
		m.logger.WithField("peer", peer.ID).Info("NETWORK: peer disconnected")
		m.setState(peer, models.NotConnected)
	}
}

func (m *PeerManager) setState(peer models.PeerIdentity, state models.ConnectionState) {
	m.connMu.Lock()
	previous, known := m.states[peer.ID]
	m.states[peer.ID] = state
	if peer.DisplayName != "" {
		m.names[peer.ID] = peer.DisplayName
	} else {
		peer.DisplayName = m.names[peer.ID]
	}
	m.connMu.Unlock()

	if known && previous == state {
		return
	}
	if delegate := m.currentDelegate(); delegate != nil {
		delegate.PeerStateChanged(peer, state)
	}
}

func (m *PeerManager) currentDelegate() session.Delegate {
	m.delegateMu.RLock()
	defer m.delegateMu.RUnlock()
	return m.delegate
}

func (m *PeerManager) isConnected(peerID string) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	_, ok := m.connections[peerID]
	return ok
}

// cancelInvites abandons pending invitations except the one to keep.
func (m *PeerManager) cancelInvites(keep string) {
	m.inviteMu.Lock()
	defer m.inviteMu.Unlock()
	for id, cancel := range m.invites {
		if id == keep {
			continue
		}
		cancel()
	}
}

func (m *PeerManager) resolve(peerID string) (string, bool) {
	if m.options.Resolve != nil {
		if address, ok := m.options.Resolve(peerID); ok {
			return address, true
		}
	}

	m.discoveryMu.Lock()
	browser := m.browser
	m.discoveryMu.Unlock()
	if browser == nil {
		return "", false
	}
	peer, ok := browser.Lookup(peerID)
	if !ok {
		return "", false
	}
	return peer.Address()
}

func (m *PeerManager) discoveryConfig() discovery.Config {
	cfg := m.options.Discovery
	cfg.SelfDeviceID = m.options.Identity.DeviceID
	cfg.DeviceName = m.options.Identity.DeviceName
	cfg.KeyFingerprint = m.options.Identity.Keys.Fingerprint()
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	return cfg
}

func (m *PeerManager) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:          m.options.Identity,
		ConnectionTimeout: m.options.ConnectionTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
		FrameWriteTimeout: m.options.FrameWriteTimeout,
	}
}
