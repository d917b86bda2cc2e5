package session

import (
	"context"
	"fmt"
	"time"

	"djmesh/models"
)

// Transport is the peer-to-peer layer the session manager drives. Delivery
// is best effort: Send never confirms receipt.
type Transport interface {
	// LocalPeer identifies this device to others.
	LocalPeer() models.PeerIdentity
	// StartAdvertising publishes presence with profile as discovery metadata.
	StartAdvertising(profile models.PeerProfile) error
	StopAdvertising()
	StartBrowsing() error
	StopBrowsing()
	// RefreshBrowsing runs one immediate browse window.
	RefreshBrowsing(ctx context.Context) error
	// Invite asks peer to connect, giving up after timeout. Progress is
	// reported through Delegate.PeerStateChanged; a returned error means the
	// invitation could not be issued at all.
	Invite(peer models.PeerIdentity, timeout time.Duration) error
	Send(data []byte, peers []models.PeerIdentity) error
	ConnectedPeers() []models.PeerIdentity
	DisconnectAll()
	SetDelegate(delegate Delegate)
}

// Delegate receives transport callbacks. Calls may arrive on any goroutine.
type Delegate interface {
	// PeerFound reports a browsed peer and its advertised profile, if any.
	PeerFound(peer models.PeerIdentity, profile *models.PeerProfile)
	PeerLost(peer models.PeerIdentity)
	PeerStateChanged(peer models.PeerIdentity, state models.ConnectionState)
	DataReceived(data []byte, from models.PeerIdentity)
}

// TransportError reports an advertise, browse, invite or send failure.
// It is never fatal to the session.
type TransportError struct {
	Op   string
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
