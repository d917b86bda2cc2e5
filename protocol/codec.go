package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"djmesh/models"
)

// Kind identifies the payload carried by a message.
type Kind string

const (
	KindRequestSong  Kind = "request_song"
	KindRequestSongs Kind = "request_songs"
	KindNowPlaying   Kind = "now_playing"
	KindPeerProfile  Kind = "peer_profile"
)

var (
	// ErrUnknownKind indicates the envelope names a kind this build does not handle.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrMalformedEnvelope indicates the bytes are not a valid message envelope.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	// ErrMalformedPayload indicates the payload does not match its kind.
	ErrMalformedPayload = errors.New("protocol: malformed payload")
	// ErrKindMismatch indicates an encode call with a value of the wrong type.
	ErrKindMismatch = errors.New("protocol: value does not match kind")
)

// DecodeError reports why inbound bytes could not be turned into a Message.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("decode message: %v", e.Err)
	}
	return fmt.Sprintf("decode %s message: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Envelope is the wire document exchanged between peers.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Message is a decoded envelope. Exactly one payload field is meaningful,
// selected by Kind.
type Message struct {
	Kind       Kind
	Song       models.Song
	Songs      []models.Song
	NowPlaying int
	Profile    *models.PeerProfile
}

// Value returns the payload as the type Encode accepts for Kind.
func (m Message) Value() any {
	switch m.Kind {
	case KindRequestSong:
		return m.Song
	case KindRequestSongs:
		return m.Songs
	case KindNowPlaying:
		return m.NowPlaying
	case KindPeerProfile:
		return m.Profile
	default:
		return nil
	}
}

// Encode serializes value under kind. Accepted value types are models.Song
// for request_song, []models.Song for request_songs, int for now_playing and
// *models.PeerProfile (nil for no profile) for peer_profile.
func Encode(kind Kind, value any) ([]byte, error) {
	var payload any
	switch kind {
	case KindRequestSong:
		song, ok := value.(models.Song)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants models.Song, got %T", ErrKindMismatch, kind, value)
		}
		payload = song
	case KindRequestSongs:
		songs, ok := value.([]models.Song)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants []models.Song, got %T", ErrKindMismatch, kind, value)
		}
		if songs == nil {
			songs = []models.Song{}
		}
		payload = songs
	case KindNowPlaying:
		index, ok := value.(int)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants int, got %T", ErrKindMismatch, kind, value)
		}
		payload = index
	case KindPeerProfile:
		switch profile := value.(type) {
		case *models.PeerProfile:
			payload = profile
		case nil:
			payload = nil
		default:
			return nil, fmt.Errorf("%w: %s wants *models.PeerProfile, got %T", ErrKindMismatch, kind, value)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{Kind: kind, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// EncodeRequestSong builds a request_song message.
func EncodeRequestSong(song models.Song) ([]byte, error) {
	return Encode(KindRequestSong, song)
}

// EncodeRequestSongs builds a request_songs snapshot message.
func EncodeRequestSongs(songs []models.Song) ([]byte, error) {
	return Encode(KindRequestSongs, songs)
}

// EncodeNowPlaying builds a now_playing message.
func EncodeNowPlaying(index int) ([]byte, error) {
	return Encode(KindNowPlaying, index)
}

// EncodePeerProfile builds a peer_profile message. A nil profile is sent as
// the absent-profile sentinel.
func EncodePeerProfile(profile *models.PeerProfile) ([]byte, error) {
	return Encode(KindPeerProfile, profile)
}

// Decode parses one envelope. It never panics; every failure is a *DecodeError.
func Decode(data []byte) (Message, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
	}
	if envelope.Kind == "" {
		return Message{}, &DecodeError{Err: fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)}
	}

	msg := Message{Kind: envelope.Kind}
	payload := bytes.TrimSpace(envelope.Payload)

	switch envelope.Kind {
	case KindRequestSong:
		if isNull(payload) {
			return Message{}, malformed(envelope.Kind, errors.New("song is required"))
		}
		if err := strictUnmarshal(payload, &msg.Song); err != nil {
			return Message{}, malformed(envelope.Kind, err)
		}
		if msg.Song.CatalogID == "" {
			return Message{}, malformed(envelope.Kind, errors.New("catalog_id is required"))
		}
	case KindRequestSongs:
		if isNull(payload) {
			return Message{}, malformed(envelope.Kind, errors.New("song list is required"))
		}
		songs := []models.Song{}
		if err := strictUnmarshal(payload, &songs); err != nil {
			return Message{}, malformed(envelope.Kind, err)
		}
		msg.Songs = songs
	case KindNowPlaying:
		if isNull(payload) {
			return Message{}, malformed(envelope.Kind, errors.New("index is required"))
		}
		if err := strictUnmarshal(payload, &msg.NowPlaying); err != nil {
			return Message{}, malformed(envelope.Kind, err)
		}
	case KindPeerProfile:
		if len(payload) == 0 {
			return Message{}, malformed(envelope.Kind, errors.New("payload is required"))
		}
		if isNull(payload) {
			break
		}
		var profile models.PeerProfile
		if err := strictUnmarshal(payload, &profile); err != nil {
			return Message{}, malformed(envelope.Kind, err)
		}
		msg.Profile = &profile
	default:
		return Message{}, &DecodeError{Kind: envelope.Kind, Err: ErrUnknownKind}
	}

	return msg, nil
}

func strictUnmarshal(payload []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("trailing data after payload")
	}
	return nil
}

func isNull(payload []byte) bool {
	return len(payload) == 0 || bytes.Equal(payload, []byte("null"))
}

func malformed(kind Kind, err error) *DecodeError {
	return &DecodeError{Kind: kind, Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
}
