package notify

import (
	"sync"
	"sync/atomic"

	"djmesh/models"
)

// EventType identifies a state-change stream.
type EventType string

const (
	// ConnectablePeersChanged fires when discovery adds or removes a DJ candidate.
	ConnectablePeersChanged EventType = "connectable_peers_changed"
	// PeerStateChanged fires on connection-state or profile changes of a peer.
	PeerStateChanged EventType = "peer_state_changed"
	// QueueChanged fires when the canonical queue or the listener mirror changes.
	QueueChanged EventType = "queue_changed"
	// NowPlayingChanged fires when the now-playing pointer moves.
	NowPlayingChanged EventType = "now_playing_changed"
	// RoleChanged fires when the local role is set or cleared.
	RoleChanged EventType = "role_changed"
	// PlaybackStateChanged fires when the player starts, pauses or stops.
	PlaybackStateChanged EventType = "playback_state_changed"
	// RequestFailed fires when a queue request is dropped; the user should try again.
	RequestFailed EventType = "request_failed"
	// TransportFailed fires when advertising, browsing or an invitation fails.
	TransportFailed EventType = "transport_failed"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Event carries one state change. Only the fields relevant to Type are set.
type Event struct {
	Type       EventType              `json:"type"`
	Peers      []models.PeerIdentity  `json:"peers,omitempty"`
	Peer       *models.PeerIdentity   `json:"peer,omitempty"`
	State      models.ConnectionState `json:"state"`
	Profile    *models.PeerProfile    `json:"profile,omitempty"`
	Songs      []models.Song          `json:"songs,omitempty"`
	NowPlaying int                    `json:"now_playing"`
	Role       models.Role            `json:"role"`
	Playing    bool                   `json:"playing,omitempty"`
	Message    string                 `json:"message,omitempty"`
}

type subscriber struct {
	ch    chan Event
	types map[EventType]struct{}
}

func (s *subscriber) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	bufferSize int

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	dropped atomic.Uint64
}

// NewHub creates a hub with per-subscriber buffers of bufferSize
// (DefaultBufferSize when <= 0).
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		bufferSize: bufferSize,
		subs:       make(map[*subscriber]struct{}),
	}
}

// Subscribe returns a channel receiving events of the given types (all types
// when none are given). cancel unsubscribes and closes the channel; it is
// safe to call more than once.
func (h *Hub) Subscribe(types ...EventType) (<-chan Event, func()) {
	sub := &subscriber{
		ch:    make(chan Event, h.bufferSize),
		types: make(map[EventType]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers event to every interested subscriber.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = make(map[*subscriber]struct{})
}
