package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// EventPeerFound is emitted when a peer appears or its advertised metadata changes.
	EventPeerFound EventType = "peer_found"
	// EventPeerLost is emitted when a previously seen peer goes stale.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies browse updates.
type EventType string

// Event carries one browse update.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a device advertising the service on the LAN.
type DiscoveredPeer struct {
	DeviceID       string
	DeviceName     string
	ProfileName    string
	ImageURL       string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (p DiscoveredPeer) Address() (string, bool) {
	if p.Port <= 0 {
		return "", false
	}
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(addr, strconv.Itoa(p.Port)), true
		}
	}
	if len(p.Addresses) > 0 {
		return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port)), true
	}
	if p.HostName != "" {
		return net.JoinHostPort(strings.TrimSuffix(p.HostName, "."), strconv.Itoa(p.Port)), true
	}
	return "", false
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Browser discovers peers with periodic and manual mDNS browse windows.
type Browser struct {
	cfg        Config
	browse     browseFunc
	staleAfter time.Duration
	logger     *logrus.Logger

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBrowse(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Browser{
		cfg:             cfg,
		browse:          browse,
		staleAfter:      3 * cfg.RefreshInterval,
		logger:          cfg.Logger,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (b *Browser) Start() error {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.loop()
	})
	return nil
}

// Stop stops browsing and closes the event channel.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		close(b.events)
	})
}

// Events provides asynchronous found/lost updates.
func (b *Browser) Events() <-chan Event {
	return b.events
}

// Refresh triggers an immediate browse window.
func (b *Browser) Refresh(ctx context.Context) error {
	if b.ctx == nil {
		return errors.New("browser is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("browser is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("browser is stopped")
	}
}

// Peers returns the current discovered peers sorted by name.
func (b *Browser) Peers() []DiscoveredPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(b.peers))
	for _, peer := range b.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Lookup returns the last advertisement seen for deviceID.
func (b *Browser) Lookup(deviceID string) (DiscoveredPeer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peer, ok := b.peers[deviceID]
	return peer, ok
}

func (b *Browser) loop() {
	defer b.wg.Done()

	b.runScan(context.Background())

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.runScan(context.Background()); err != nil {
				b.logger.WithError(err).Warn("DISCOVERY: browse failed")
			}
		case req := <-b.refreshRequests:
			req.done <- b.runScan(req.ctx)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Browser) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// resolver closed its channel; wait out the window
					in = nil
					continue
				}
				peer, valid := parseEntry(entry, b.cfg.SelfDeviceID)
				if !valid {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.DeviceID] = peer
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	b.applySnapshot(collected, time.Now())
	return nil
}

// applySnapshot merges one browse window into the peer set. Peers missing
// from the window are kept until they have not been seen for staleAfter.
func (b *Browser) applySnapshot(seen map[string]DiscoveredPeer, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, peer := range seen {
		old, exists := b.peers[id]
		b.peers[id] = peer
		if !exists || !peersEqual(old, peer) {
			b.emitEvent(Event{Type: EventPeerFound, Peer: peer})
		}
	}

	for id, peer := range b.peers {
		if _, fresh := seen[id]; fresh {
			continue
		}
		if now.Sub(peer.LastSeen) >= b.staleAfter {
			delete(b.peers, id)
			b.emitEvent(Event{Type: EventPeerLost, Peer: peer})
		}
	}
}

func (b *Browser) emitEvent(event Event) {
	select {
	case b.events <- event:
	default:
		b.logger.WithField("peer", event.Peer.DeviceID).Warn("DISCOVERY: event buffer full, dropping event")
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	if entry == nil {
		return DiscoveredPeer{}, false
	}
	txt := txtToMap(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if parsed, err := strconv.Atoi(txt["version"]); err == nil {
		version = parsed
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:       deviceID,
		DeviceName:     name,
		ProfileName:    txt["name"],
		ImageURL:       txt["image_url"],
		KeyFingerprint: txt["key_fingerprint"],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.ProfileName != b.ProfileName ||
		a.ImageURL != b.ImageURL ||
		a.KeyFingerprint != b.KeyFingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
