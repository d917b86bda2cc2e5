package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"djmesh/models"
	"djmesh/notify"
	"djmesh/protocol"
	"djmesh/queue"
)

// DefaultInviteTimeout bounds a listener's invitation to a DJ.
const DefaultInviteTimeout = 10 * time.Second

var (
	// ErrRoleNotEstablished is returned when an action needs a role and none is set.
	ErrRoleNotEstablished = errors.New("session: role not established")
	// ErrNoDJConnected is returned when a listener has no live DJ connection.
	ErrNoDJConnected = errors.New("session: no DJ connected")
	// ErrNoQueue is returned by StartAsDJ when no queue controller is configured.
	ErrNoQueue = errors.New("session: no queue controller configured")
)

// Queue is the DJ-side queue the manager feeds and snapshots.
// *queue.Controller satisfies it.
type Queue interface {
	AddRequest(ctx context.Context, song models.Song) ([]models.QueueEntry, error)
	Songs() []models.Song
	NowPlaying() int
}

// Mirror is the listener-side shadow queue. *mirror.Mirror satisfies it.
type Mirror interface {
	ApplySongs(songs []models.Song)
	ApplyNowPlaying(index int)
	Reset()
}

// Store persists the profile book and the remembered DJ.
// *storage.Store satisfies it.
type Store interface {
	SaveProfile(deviceID string, profile models.PeerProfile) error
	LoadProfiles() (map[string]models.PeerProfile, error)
	SaveRememberedDJ(peer models.PeerIdentity) error
	LoadRememberedDJ() (models.PeerIdentity, bool, error)
	ClearRememberedDJ() error
}

// Options configures a Manager.
type Options struct {
	Transport Transport
	Hub       *notify.Hub
	Queue     Queue
	Mirror    Mirror
	// Store is optional; without it nothing survives a restart.
	Store   Store
	Profile models.PeerProfile

	InviteTimeout time.Duration
	Logger        *logrus.Logger
}

// Manager owns the local role, the connectable-peer set and the profile
// book, and keeps connected peers in sync with the DJ queue.
type Manager struct {
	transport     Transport
	hub           *notify.Hub
	queue         Queue
	mirror        Mirror
	store         Store
	inviteTimeout time.Duration
	logger        *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	role         models.Role
	localProfile models.PeerProfile
	rememberedDJ *models.PeerIdentity
	connectable  []models.PeerIdentity
	profiles     map[string]models.PeerProfile
	states       map[string]models.ConnectionState

	syncMu     sync.Mutex
	syncCancel func()

	decodeErrors atomic.Uint64
}

var _ Delegate = (*Manager)(nil)

// NewManager creates a manager and installs it as the transport delegate.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("session: hub is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.InviteTimeout
	if timeout <= 0 {
		timeout = DefaultInviteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport:     opts.Transport,
		hub:           opts.Hub,
		queue:         opts.Queue,
		mirror:        opts.Mirror,
		store:         opts.Store,
		inviteTimeout: timeout,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		localProfile:  opts.Profile,
		profiles:      make(map[string]models.PeerProfile),
		states:        make(map[string]models.ConnectionState),
	}

	if m.store != nil {
		if book, err := m.store.LoadProfiles(); err != nil {
			logger.WithError(err).Warn("SESSION: failed to load cached profiles")
		} else {
			for id, profile := range book {
				m.profiles[id] = profile
			}
		}
		if peer, ok, err := m.store.LoadRememberedDJ(); err != nil {
			logger.WithError(err).Warn("SESSION: failed to load remembered DJ")
		} else if ok {
			m.rememberedDJ = &peer
		}
	}

	m.transport.SetDelegate(m)
	return m, nil
}

// StartBrowsing begins discovering DJs. Failure is reported, not fatal.
func (m *Manager) StartBrowsing() error {
	if err := m.transport.StartBrowsing(); err != nil {
		return m.transportFailed("browse", "", err)
	}
	return nil
}

// RefreshPeers starts browsing if needed and asks discovery for an
// immediate browse window.
func (m *Manager) RefreshPeers(ctx context.Context) error {
	if err := m.transport.StartBrowsing(); err != nil {
		return m.transportFailed("browse", "", err)
	}
	if err := m.transport.RefreshBrowsing(ctx); err != nil {
		return m.transportFailed("refresh", "", err)
	}
	return nil
}

// Close stops browsing, advertising and queue sync, and drops every
// connection.
func (m *Manager) Close() {
	m.stopQueueSync()
	m.transport.StopBrowsing()
	m.transport.StopAdvertising()
	m.transport.DisconnectAll()
	m.cancel()
	m.wg.Wait()
}

// StartAsDJ makes this device the DJ: existing connections are dropped and
// presence is advertised with the local profile. An advertising failure is
// returned but the role stays DJ.
func (m *Manager) StartAsDJ() error {
	if m.queue == nil {
		return ErrNoQueue
	}

	m.Disconnect()

	m.mu.Lock()
	m.role = models.RoleDJ
	profile := m.localProfile
	m.mu.Unlock()

	m.startQueueSync()
	m.publishRole(models.RoleDJ)
	m.logger.WithField("profile", profile.Name).Info("SESSION: started as DJ")

	if err := m.transport.StartAdvertising(profile); err != nil {
		return m.transportFailed("advertise", "", err)
	}
	return nil
}

// StartAsListener joins peer as its listener. Switching to a different DJ
// disconnects first; an invitation that fails to connect leaves the peer
// NotConnected.
func (m *Manager) StartAsListener(peer models.PeerIdentity) error {
	m.mu.RLock()
	sameTarget := m.rememberedDJ != nil && m.rememberedDJ.ID == peer.ID
	m.mu.RUnlock()

	if !sameTarget {
		m.Disconnect()
	}
	m.stopQueueSync()
	m.transport.StopAdvertising()

	m.mu.Lock()
	m.role = models.RoleListener
	remembered := peer
	m.rememberedDJ = &remembered
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveRememberedDJ(peer); err != nil {
			m.logger.WithError(err).Warn("SESSION: failed to persist remembered DJ")
		}
	}
	m.publishRole(models.RoleListener)
	m.logger.WithField("peer", peer.ID).Info("SESSION: started as listener")

	if err := m.transport.Invite(peer, m.inviteTimeout); err != nil {
		return m.transportFailed("invite", peer.ID, err)
	}
	return nil
}

// Disconnect ends every connection and forgets the remembered DJ. The role
// is kept. Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.transport.DisconnectAll()

	m.mu.Lock()
	hadDJ := m.rememberedDJ != nil
	m.rememberedDJ = nil
	wasListener := m.role == models.RoleListener
	m.mu.Unlock()

	if hadDJ && m.store != nil {
		if err := m.store.ClearRememberedDJ(); err != nil {
			m.logger.WithError(err).Warn("SESSION: failed to clear remembered DJ")
		}
	}
	if wasListener && m.mirror != nil {
		m.mirror.Reset()
	}
}

// Reset disconnects, stops advertising and clears the role.
func (m *Manager) Reset() {
	m.Disconnect()
	m.stopQueueSync()
	m.transport.StopAdvertising()

	m.mu.Lock()
	changed := m.role != models.RoleUnset
	m.role = models.RoleUnset
	m.mu.Unlock()

	if changed {
		m.publishRole(models.RoleUnset)
	}
}

// ForegroundResumed re-issues one invitation to the remembered DJ when this
// device is a listener. It never retries.
func (m *Manager) ForegroundResumed() error {
	m.mu.RLock()
	role := m.role
	var peer models.PeerIdentity
	remembered := m.rememberedDJ != nil
	if remembered {
		peer = *m.rememberedDJ
	}
	m.mu.RUnlock()

	if role != models.RoleListener || !remembered {
		return nil
	}
	m.logger.WithField("peer", peer.ID).Debug("SESSION: foreground resumed, re-inviting DJ")
	if err := m.transport.Invite(peer, m.inviteTimeout); err != nil {
		return m.transportFailed("invite", peer.ID, err)
	}
	return nil
}

// RequestSong adds song to the DJ queue. On the DJ it goes straight to the
// queue controller; a listener sends it to its connected DJ.
func (m *Manager) RequestSong(ctx context.Context, song models.Song) error {
	switch m.Role() {
	case models.RoleDJ:
		_, err := m.queue.AddRequest(ctx, song)
		return err
	case models.RoleListener:
		dj, ok := m.ConnectedDJ()
		if !ok {
			return ErrNoDJConnected
		}
		data, err := protocol.EncodeRequestSong(song)
		if err != nil {
			return err
		}
		if err := m.transport.Send(data, []models.PeerIdentity{dj}); err != nil {
			return m.transportFailed("send", dj.ID, err)
		}
		return nil
	default:
		return ErrRoleNotEstablished
	}
}

// SetLocalProfile replaces the profile shared with peers. A DJ re-advertises
// it; connected peers receive it best effort.
func (m *Manager) SetLocalProfile(profile models.PeerProfile) {
	m.mu.Lock()
	m.localProfile = profile
	role := m.role
	m.mu.Unlock()

	if role == models.RoleDJ {
		if err := m.transport.StartAdvertising(profile); err != nil {
			_ = m.transportFailed("advertise", "", err)
		}
	}

	peers := m.transport.ConnectedPeers()
	if len(peers) == 0 {
		return
	}
	data, err := protocol.EncodePeerProfile(&profile)
	if err != nil {
		m.logger.WithError(err).Warn("SESSION: failed to encode local profile")
		return
	}
	m.send(data, peers)
}

// Role returns the local role.
func (m *Manager) Role() models.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// LocalProfile returns the profile shared with peers.
func (m *Manager) LocalProfile() models.PeerProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localProfile
}

// RememberedDJ returns the DJ this device last joined, connected or not.
func (m *Manager) RememberedDJ() (models.PeerIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rememberedDJ == nil {
		return models.PeerIdentity{}, false
	}
	return *m.rememberedDJ, true
}

// ConnectedDJ returns the DJ when this device is a listener with a live
// connection to it.
func (m *Manager) ConnectedDJ() (models.PeerIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.role != models.RoleListener || m.rememberedDJ == nil {
		return models.PeerIdentity{}, false
	}
	if m.states[m.rememberedDJ.ID] != models.Connected {
		return models.PeerIdentity{}, false
	}
	return *m.rememberedDJ, true
}

// ConnectablePeers returns discovered DJs in discovery order.
func (m *Manager) ConnectablePeers() []models.PeerIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PeerIdentity{}, m.connectable...)
}

// Profile returns the last profile seen for peerID.
func (m *Manager) Profile(peerID string) (models.PeerProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[peerID]
	return profile, ok
}

// ConnectionState returns the last reported state of peerID.
func (m *Manager) ConnectionState(peerID string) models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[peerID]
}

// DecodeErrors returns how many inbound messages were dropped as undecodable.
func (m *Manager) DecodeErrors() uint64 {
	return m.decodeErrors.Load()
}

// PeerFound records a discovered peer and its advertised profile.
func (m *Manager) PeerFound(peer models.PeerIdentity, profile *models.PeerProfile) {
	m.mu.Lock()
	known := false
	for i, existing := range m.connectable {
		if existing.ID == peer.ID {
			m.connectable[i] = peer
			known = true
			break
		}
	}
	if !known {
		m.connectable = append(m.connectable, peer)
	}
	if profile != nil {
		m.profiles[peer.ID] = *profile
	}
	peers := append([]models.PeerIdentity{}, m.connectable...)
	m.mu.Unlock()

	if profile != nil {
		m.persistProfile(peer.ID, *profile)
	}
	m.hub.Publish(notify.Event{Type: notify.ConnectablePeersChanged, Peers: peers})
}

// PeerLost removes a peer from the connectable set.
func (m *Manager) PeerLost(peer models.PeerIdentity) {
	m.mu.Lock()
	filtered := m.connectable[:0]
	for _, existing := range m.connectable {
		if existing.ID != peer.ID {
			filtered = append(filtered, existing)
		}
	}
	m.connectable = filtered
	peers := append([]models.PeerIdentity{}, m.connectable...)
	m.mu.Unlock()

	m.hub.Publish(notify.Event{Type: notify.ConnectablePeersChanged, Peers: peers})
}

// PeerStateChanged tracks connection state. The first Connected report for
// a connection shares the local profile and, on the DJ, the queue snapshot.
func (m *Manager) PeerStateChanged(peer models.PeerIdentity, state models.ConnectionState) {
	m.mu.Lock()
	previous := m.states[peer.ID]
	m.states[peer.ID] = state
	role := m.role
	localProfile := m.localProfile
	var profile *models.PeerProfile
	if p, ok := m.profiles[peer.ID]; ok {
		profile = &p
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"peer": peer.ID, "state": state.String()}).Debug("SESSION: peer state changed")

	if state == models.Connected && previous != models.Connected {
		m.onConnected(peer, role, localProfile)
	}

	target := peer
	m.hub.Publish(notify.Event{Type: notify.PeerStateChanged, Peer: &target, State: state, Profile: profile})
}

// DataReceived decodes and dispatches one inbound message. Undecodable
// messages are counted and dropped.
func (m *Manager) DataReceived(data []byte, from models.PeerIdentity) {
	msg, err := protocol.Decode(data)
	if err != nil {
		m.decodeErrors.Add(1)
		m.logger.WithError(err).WithField("peer", from.ID).Warn("SESSION: dropping undecodable message")
		return
	}

	if msg.Kind == protocol.KindPeerProfile {
		m.applyPeerProfile(from, msg.Profile)
		return
	}

	switch m.Role() {
	case models.RoleDJ:
		m.handleAsDJ(msg, from)
	case models.RoleListener:
		m.handleAsListener(msg, from)
	default:
		m.dropped(msg, from, "no role")
	}
}

func (m *Manager) handleAsDJ(msg protocol.Message, from models.PeerIdentity) {
	if msg.Kind != protocol.KindRequestSong {
		m.dropped(msg, from, "not a DJ message")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.queue.AddRequest(m.ctx, msg.Song); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"peer": from.ID,
				"song": msg.Song.CatalogID,
			}).Warn("SESSION: remote request failed")
			// the controller already reported token timeouts
			if !errors.Is(err, queue.ErrMutationTimeout) && !errors.Is(err, context.Canceled) {
				m.hub.Publish(notify.Event{Type: notify.RequestFailed, Message: err.Error()})
			}
		}
	}()
}

func (m *Manager) handleAsListener(msg protocol.Message, from models.PeerIdentity) {
	m.mu.RLock()
	fromDJ := m.rememberedDJ != nil && m.rememberedDJ.ID == from.ID
	m.mu.RUnlock()
	if !fromDJ || m.mirror == nil {
		m.dropped(msg, from, "not from our DJ")
		return
	}

	switch msg.Kind {
	case protocol.KindRequestSongs:
		m.mirror.ApplySongs(msg.Songs)
	case protocol.KindNowPlaying:
		m.mirror.ApplyNowPlaying(msg.NowPlaying)
	default:
		m.dropped(msg, from, "not a listener message")
	}
}

func (m *Manager) applyPeerProfile(from models.PeerIdentity, profile *models.PeerProfile) {
	m.mu.Lock()
	if profile == nil {
		delete(m.profiles, from.ID)
	} else {
		m.profiles[from.ID] = *profile
	}
	state := m.states[from.ID]
	m.mu.Unlock()

	if profile != nil {
		m.persistProfile(from.ID, *profile)
	}
	peer := from
	m.hub.Publish(notify.Event{Type: notify.PeerStateChanged, Peer: &peer, State: state, Profile: profile})
}

func (m *Manager) onConnected(peer models.PeerIdentity, role models.Role, profile models.PeerProfile) {
	targets := []models.PeerIdentity{peer}

	if data, err := protocol.EncodePeerProfile(&profile); err != nil {
		m.logger.WithError(err).Warn("SESSION: failed to encode local profile")
	} else {
		m.send(data, targets)
	}

	if role != models.RoleDJ {
		return
	}
	songs := m.queue.Songs()
	nowPlaying := m.queue.NowPlaying()
	if data, err := protocol.EncodeRequestSongs(songs); err != nil {
		m.logger.WithError(err).Warn("SESSION: failed to encode queue snapshot")
	} else {
		m.send(data, targets)
	}
	if data, err := protocol.EncodeNowPlaying(nowPlaying); err != nil {
		m.logger.WithError(err).Warn("SESSION: failed to encode now playing")
	} else {
		m.send(data, targets)
	}
	m.logger.WithFields(logrus.Fields{"peer": peer.ID, "songs": len(songs)}).Info("SESSION: pushed queue snapshot")
}

func (m *Manager) startQueueSync() {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	if m.syncCancel != nil {
		return
	}

	events, unsubscribe := m.hub.Subscribe(notify.QueueChanged, notify.NowPlayingChanged)
	ctx, stop := context.WithCancel(m.ctx)
	m.syncCancel = func() {
		unsubscribe()
		stop()
	}

	// The subscription is drained into pending without touching the
	// network, so a slow peer delays updates but never loses the newest one.
	pending := newPendingSync()
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		for event := range events {
			pending.put(event)
		}
	}()
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending.wake:
			}
			for _, event := range pending.take() {
				m.broadcast(event)
			}
		}
	}()
}

// pendingSync keeps the newest unsent queue and now-playing events.
type pendingSync struct {
	mu         sync.Mutex
	queue      *notify.Event
	nowPlaying *notify.Event
	wake       chan struct{}
}

func newPendingSync() *pendingSync {
	return &pendingSync{wake: make(chan struct{}, 1)}
}

func (p *pendingSync) put(event notify.Event) {
	p.mu.Lock()
	switch event.Type {
	case notify.QueueChanged:
		p.queue = &event
	case notify.NowPlayingChanged:
		p.nowPlaying = &event
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// take returns the queue update before the now-playing one.
func (p *pendingSync) take() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	if p.queue != nil {
		out = append(out, *p.queue)
		p.queue = nil
	}
	if p.nowPlaying != nil {
		out = append(out, *p.nowPlaying)
		p.nowPlaying = nil
	}
	return out
}

func (m *Manager) stopQueueSync() {
	m.syncMu.Lock()
	cancel := m.syncCancel
	m.syncCancel = nil
	m.syncMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Manager) broadcast(event notify.Event) {
	if m.Role() != models.RoleDJ {
		return
	}
	peers := m.transport.ConnectedPeers()
	if len(peers) == 0 {
		return
	}

	var (
		data []byte
		err  error
	)
	switch event.Type {
	case notify.QueueChanged:
		data, err = protocol.EncodeRequestSongs(event.Songs)
	case notify.NowPlayingChanged:
		data, err = protocol.EncodeNowPlaying(event.NowPlaying)
	default:
		return
	}
	if err != nil {
		m.logger.WithError(err).WithField("event", event.Type).Warn("SESSION: failed to encode queue update")
		return
	}
	m.send(data, peers)
}

// send is best effort; failures are only logged.
func (m *Manager) send(data []byte, peers []models.PeerIdentity) {
	if err := m.transport.Send(data, peers); err != nil {
		m.logger.WithError(err).WithField("peers", len(peers)).Debug("SESSION: send failed")
	}
}

func (m *Manager) persistProfile(peerID string, profile models.PeerProfile) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveProfile(peerID, profile); err != nil {
		m.logger.WithError(err).WithField("peer", peerID).Warn("SESSION: failed to persist profile")
	}
}

func (m *Manager) publishRole(role models.Role) {
	m.hub.Publish(notify.Event{Type: notify.RoleChanged, Role: role})
}

func (m *Manager) transportFailed(op, peerID string, err error) error {
	wrapped := &TransportError{Op: op, Peer: peerID, Err: err}
	m.logger.WithError(err).WithFields(logrus.Fields{"op": op, "peer": peerID}).Warn("SESSION: transport operation failed")
	m.hub.Publish(notify.Event{Type: notify.TransportFailed, Message: wrapped.Error()})
	return wrapped
}

func (m *Manager) dropped(msg protocol.Message, from models.PeerIdentity, reason string) {
	m.logger.WithFields(logrus.Fields{
		"peer":   from.ID,
		"kind":   msg.Kind,
		"reason": reason,
	}).Debug("SESSION: dropping message")
}
