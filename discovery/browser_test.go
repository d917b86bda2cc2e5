package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestBrowserFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	browser, err := NewBrowser(cfg)
	if err != nil {
		t.Fatalf("NewBrowser failed: %v", err)
	}
	if err := browser.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer browser.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := browser.Peers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})

	if err := browser.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return len(browser.Peers()) == 2
	})

	peer, ok := browser.Lookup("peer-1")
	if !ok {
		t.Fatalf("expected peer-1 to be known")
	}
	if peer.ProfileName != "Profile Bob" || peer.ImageURL != "https://example.com/peer-1.png" {
		t.Fatalf("unexpected advertised profile: %+v", peer)
	}
	if addr, ok := peer.Address(); !ok || addr != "10.0.0.2:9998" {
		t.Fatalf("unexpected address %q", addr)
	}
}

func TestBrowserEmitsFoundAndLost(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			}
			entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	browser, err := NewBrowser(cfg)
	if err != nil {
		t.Fatalf("NewBrowser failed: %v", err)
	}
	if err := browser.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer browser.Stop()

	if !waitForEvent(browser.Events(), EventPeerFound, "peer-1", time.Second) {
		t.Fatalf("expected found event for peer-1")
	}
	if !waitForEvent(browser.Events(), EventPeerLost, "peer-1", 2*time.Second) {
		t.Fatalf("expected lost event for peer-1")
	}
	waitForCondition(t, time.Second, func() bool {
		peers := browser.Peers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-2"
	})
}

func TestApplySnapshotReemitsOnProfileChange(t *testing.T) {
	browser, err := NewBrowser(Config{
		SelfDeviceID: "self",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewBrowser failed: %v", err)
	}

	now := time.Now()
	peer := DiscoveredPeer{DeviceID: "p", DeviceName: "P", ProfileName: "Old", LastSeen: now}
	browser.applySnapshot(map[string]DiscoveredPeer{"p": peer}, now)
	browser.applySnapshot(map[string]DiscoveredPeer{"p": peer}, now)
	peer.ProfileName = "New"
	browser.applySnapshot(map[string]DiscoveredPeer{"p": peer}, now)

	var found []string
	for len(browser.events) > 0 {
		event := <-browser.events
		found = append(found, event.Peer.ProfileName)
	}
	if len(found) != 2 || found[0] != "Old" || found[1] != "New" {
		t.Fatalf("expected found events for first sighting and profile change, got %v", found)
	}
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
			"name=Profile " + instance,
			"image_url=https://example.com/" + deviceID + ".png",
			"key_fingerprint=fingerprint-" + deviceID,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
