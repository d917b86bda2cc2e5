package models

import "fmt"

// PeerIdentity identifies a remote device as reported by the transport.
type PeerIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// PeerProfile is the user-facing profile a device shares with its peers.
// An empty ImageURL means the peer has no profile image.
type PeerProfile struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
}

// Role is the session role of the local process.
type Role int

const (
	RoleUnset Role = iota
	RoleDJ
	RoleListener
)

func (r Role) String() string {
	switch r {
	case RoleDJ:
		return "dj"
	case RoleListener:
		return "listener"
	default:
		return "unset"
	}
}

// MarshalText lets roles appear as strings in JSON event payloads.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "dj":
		*r = RoleDJ
	case "listener":
		*r = RoleListener
	case "unset", "":
		*r = RoleUnset
	default:
		return fmt.Errorf("models: unknown role %q", text)
	}
	return nil
}

// ConnectionState is the lifecycle state of one remote peer.
type ConnectionState int

const (
	NotConnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "not_connected"
	}
}

// MarshalText lets connection states appear as strings in JSON event payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	case "not_connected", "":
		*s = NotConnected
	default:
		return fmt.Errorf("models: unknown connection state %q", text)
	}
	return nil
}
