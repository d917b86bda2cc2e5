package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"djmesh/models"
)

var errUnreachable = errors.New("fake: peer unreachable")

// fakeMesh wires fakeTransports together in memory. Delivery is synchronous.
type fakeMesh struct {
	mu    sync.Mutex
	nodes map[string]*fakeTransport
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{nodes: make(map[string]*fakeTransport)}
}

func (m *fakeMesh) join(id, name string) *fakeTransport {
	t := &fakeTransport{
		mesh:      m,
		self:      models.PeerIdentity{ID: id, DisplayName: name},
		connected: make(map[string]bool),
	}
	m.mu.Lock()
	m.nodes[id] = t
	m.mu.Unlock()
	return t
}

func (m *fakeMesh) node(id string) *fakeTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[id]
}

type sentMessage struct {
	to   string
	data []byte
}

type fakeTransport struct {
	mesh *fakeMesh
	self models.PeerIdentity

	mu              sync.Mutex
	delegate        Delegate
	advertising     bool
	advertised      models.PeerProfile
	advertiseCount  int
	browsing        bool
	refreshes       int
	failRefresh     error
	connected       map[string]bool
	invites         []string
	sent            []sentMessage
	disconnectCalls int
	failAdvertise   error
	failInvite      error
	unreachable     bool
	// sendGate, when set, holds every Send until it is closed.
	sendGate chan struct{}
}

func (t *fakeTransport) LocalPeer() models.PeerIdentity {
	return t.self
}

func (t *fakeTransport) StartAdvertising(profile models.PeerProfile) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertiseCount++
	if t.failAdvertise != nil {
		return t.failAdvertise
	}
	t.advertising = true
	t.advertised = profile
	return nil
}

func (t *fakeTransport) StopAdvertising() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertising = false
}

func (t *fakeTransport) StartBrowsing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.browsing = true
	return nil
}

func (t *fakeTransport) RefreshBrowsing(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.browsing {
		return errors.New("fake: not browsing")
	}
	t.refreshes++
	return t.failRefresh
}

func (t *fakeTransport) StopBrowsing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.browsing = false
}

func (t *fakeTransport) Invite(peer models.PeerIdentity, timeout time.Duration) error {
	t.mu.Lock()
	t.invites = append(t.invites, peer.ID)
	failInvite := t.failInvite
	t.mu.Unlock()
	if failInvite != nil {
		return failInvite
	}

	t.notify(peer, models.Connecting)

	target := t.mesh.node(peer.ID)
	if target == nil || target.isUnreachable() {
		t.notify(peer, models.NotConnected)
		return nil
	}

	t.setConnected(peer.ID, true)
	target.setConnected(t.self.ID, true)
	target.notify(t.self, models.Connected)
	t.notify(peer, models.Connected)
	return nil
}

func (t *fakeTransport) Send(data []byte, peers []models.PeerIdentity) error {
	t.mu.Lock()
	gate := t.sendGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	var errs []error
	for _, peer := range peers {
		t.mu.Lock()
		ok := t.connected[peer.ID]
		t.sent = append(t.sent, sentMessage{to: peer.ID, data: append([]byte(nil), data...)})
		t.mu.Unlock()
		if !ok {
			errs = append(errs, errUnreachable)
			continue
		}
		if target := t.mesh.node(peer.ID); target != nil {
			target.receive(append([]byte(nil), data...), t.self)
		}
	}
	return errors.Join(errs...)
}

func (t *fakeTransport) ConnectedPeers() []models.PeerIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.PeerIdentity, 0, len(t.connected))
	for id, ok := range t.connected {
		if !ok {
			continue
		}
		name := id
		if node := t.mesh.node(id); node != nil {
			name = node.self.DisplayName
		}
		out = append(out, models.PeerIdentity{ID: id, DisplayName: name})
	}
	return out
}

func (t *fakeTransport) DisconnectAll() {
	t.mu.Lock()
	t.disconnectCalls++
	var peers []string
	for id, ok := range t.connected {
		if ok {
			peers = append(peers, id)
		}
	}
	t.connected = make(map[string]bool)
	t.mu.Unlock()

	for _, id := range peers {
		target := t.mesh.node(id)
		if target == nil {
			continue
		}
		target.setConnected(t.self.ID, false)
		target.notify(t.self, models.NotConnected)
		t.notify(target.self, models.NotConnected)
	}
}

func (t *fakeTransport) SetDelegate(delegate Delegate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delegate = delegate
}

// announce simulates discovery of peer by this transport's browser.
func (t *fakeTransport) announce(peer models.PeerIdentity, profile *models.PeerProfile) {
	if d := t.currentDelegate(); d != nil {
		d.PeerFound(peer, profile)
	}
}

func (t *fakeTransport) withdraw(peer models.PeerIdentity) {
	if d := t.currentDelegate(); d != nil {
		d.PeerLost(peer)
	}
}

func (t *fakeTransport) receive(data []byte, from models.PeerIdentity) {
	if d := t.currentDelegate(); d != nil {
		d.DataReceived(data, from)
	}
}

func (t *fakeTransport) notify(peer models.PeerIdentity, state models.ConnectionState) {
	if d := t.currentDelegate(); d != nil {
		d.PeerStateChanged(peer, state)
	}
}

func (t *fakeTransport) currentDelegate() Delegate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delegate
}

func (t *fakeTransport) setConnected(id string, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if connected {
		t.connected[id] = true
	} else {
		delete(t.connected, id)
	}
}

func (t *fakeTransport) isUnreachable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unreachable
}

func (t *fakeTransport) sentTo(id string) []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentMessage
	for _, msg := range t.sent {
		if msg.to == id {
			out = append(out, msg)
		}
	}
	return out
}

func (t *fakeTransport) holdSends() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendGate = make(chan struct{})
	return t.sendGate
}

func (t *fakeTransport) inviteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.invites)
}

// memoryStore is an in-memory Store.
type memoryStore struct {
	mu       sync.Mutex
	profiles map[string]models.PeerProfile
	dj       *models.PeerIdentity
}

func newMemoryStore() *memoryStore {
	return &memoryStore{profiles: make(map[string]models.PeerProfile)}
}

func (s *memoryStore) SaveProfile(deviceID string, profile models.PeerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[deviceID] = profile
	return nil
}

func (s *memoryStore) LoadProfiles() (map[string]models.PeerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.PeerProfile, len(s.profiles))
	for id, profile := range s.profiles {
		out[id] = profile
	}
	return out, nil
}

func (s *memoryStore) SaveRememberedDJ(peer models.PeerIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dj = &peer
	return nil
}

func (s *memoryStore) LoadRememberedDJ() (models.PeerIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dj == nil {
		return models.PeerIdentity{}, false, nil
	}
	return *s.dj, true, nil
}

func (s *memoryStore) ClearRememberedDJ() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dj = nil
	return nil
}
