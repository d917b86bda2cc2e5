package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"djmesh/models"
	"djmesh/notify"
	"djmesh/queue"
	"djmesh/session"
)

const (
	// DefaultAddress keeps the bridge on loopback.
	DefaultAddress = "127.0.0.1:8787"

	writeWait       = 5 * time.Second
	shutdownTimeout = 3 * time.Second
)

// ErrNotDJ is returned by queue editing endpoints when the local role is not DJ.
var ErrNotDJ = errors.New("bridge: queue editing requires the DJ role")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The bridge only listens on loopback; the local UI may be served from anywhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is the session surface the UI drives. *session.Manager satisfies it.
type Session interface {
	Role() models.Role
	StartAsDJ() error
	StartAsListener(peer models.PeerIdentity) error
	Disconnect()
	ForegroundResumed() error
	RefreshPeers(ctx context.Context) error
	RequestSong(ctx context.Context, song models.Song) error
	ConnectablePeers() []models.PeerIdentity
	ConnectedDJ() (models.PeerIdentity, bool)
	RememberedDJ() (models.PeerIdentity, bool)
	Profile(peerID string) (models.PeerProfile, bool)
	LocalProfile() models.PeerProfile
	ConnectionState(peerID string) models.ConnectionState
}

// Queue is the DJ queue editing surface. *queue.Controller satisfies it.
type Queue interface {
	Remove(ctx context.Context, index int) ([]models.QueueEntry, error)
	Swap(ctx context.Context, from, to int) ([]models.QueueEntry, error)
	Play(ctx context.Context, index int) error
	Pause(ctx context.Context) error
	Refresh(ctx context.Context) ([]models.QueueEntry, error)
	Songs() []models.Song
	NowPlaying() int
	Playing() bool
}

// Mirror is the listener's read-only queue view. *mirror.Mirror satisfies it.
type Mirror interface {
	Songs() []models.Song
	NowPlaying() (int, bool)
	NowPlayingSong() (models.Song, bool)
}

// Options configures a Server.
type Options struct {
	Address string
	Session Session
	Queue   Queue
	Mirror  Mirror
	Hub     *notify.Hub
	Logger  *logrus.Logger
}

// Server exposes session state and actions to a local UI over HTTP, and
// streams hub events over a websocket.
type Server struct {
	session Session
	queue   Queue
	mirror  Mirror
	hub     *notify.Hub
	logger  *logrus.Logger

	http *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// PeerView is one connectable DJ as shown to the UI.
type PeerView struct {
	ID          string                 `json:"id"`
	DisplayName string                 `json:"display_name"`
	Profile     *models.PeerProfile    `json:"profile,omitempty"`
	State       models.ConnectionState `json:"state"`
}

// State is the GET /api/state payload.
type State struct {
	Role           models.Role          `json:"role"`
	Profile        models.PeerProfile   `json:"profile"`
	Peers          []PeerView           `json:"peers"`
	ConnectedDJ    *models.PeerIdentity `json:"connected_dj,omitempty"`
	RememberedDJ   *models.PeerIdentity `json:"remembered_dj,omitempty"`
	Songs          []models.Song        `json:"songs"`
	NowPlaying     int                  `json:"now_playing"`
	NowPlayingSong *models.Song         `json:"now_playing_song,omitempty"`
	Playing        bool                 `json:"playing"`
	// DroppedEvents counts hub deliveries lost to slow subscribers.
	DroppedEvents uint64 `json:"dropped_events"`
}

// New builds a server. Session and Hub are required.
func New(opts Options) (*Server, error) {
	if opts.Session == nil {
		return nil, errors.New("bridge: session is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("bridge: hub is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	addr := opts.Address
	if addr == "" {
		addr = DefaultAddress
	}

	s := &Server{
		session: opts.Session,
		queue:   opts.Queue,
		mirror:  opts.Mirror,
		hub:     opts.Hub,
		logger:  logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the bridge routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleEvents)
	handleGet(mux, "/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.State())
	})

	handlePost(mux, "/api/dj", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.session.StartAsDJ(); err != nil {
			s.writeError(w, "start dj", err)
			return
		}
		writeJSON(w, map[string]string{"role": models.RoleDJ.String()})
	})

	handlePost(mux, "/api/listen", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		peer, ok := s.lookupPeer(req.PeerID)
		if !ok {
			http.Error(w, "unknown peer", http.StatusNotFound)
			return
		}
		if err := s.session.StartAsListener(peer); err != nil {
			s.writeError(w, "listen", err)
			return
		}
		writeJSON(w, map[string]string{"role": models.RoleListener.String(), "peer_id": peer.ID})
	})

	handlePost(mux, "/api/disconnect", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.session.Disconnect()
		writeJSON(w, map[string]string{"status": "disconnected"})
	})

	handlePost(mux, "/api/foreground", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.session.ForegroundResumed(); err != nil {
			s.writeError(w, "foreground", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/peers/refresh", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.session.RefreshPeers(r.Context()); err != nil {
			s.writeError(w, "refresh peers", err)
			return
		}
		writeJSON(w, map[string]any{"peers": s.peerViews()})
	})

	handlePost(mux, "/api/requests", func(w http.ResponseWriter, r *http.Request, req struct {
		Song models.Song `json:"song"`
	}) {
		if req.Song.CatalogID == "" {
			http.Error(w, "missing song.catalog_id", http.StatusBadRequest)
			return
		}
		if err := s.session.RequestSong(r.Context(), req.Song); err != nil {
			s.writeError(w, "request", err)
			return
		}
		writeJSON(w, map[string]string{"status": "requested"})
	})

	handlePost(mux, "/api/queue/remove", func(w http.ResponseWriter, r *http.Request, req struct {
		Index int `json:"index"`
	}) {
		q, err := s.djQueue()
		if err != nil {
			s.writeError(w, "remove", err)
			return
		}
		entries, err := q.Remove(r.Context(), req.Index)
		if err != nil {
			s.writeError(w, "remove", err)
			return
		}
		writeJSON(w, map[string]any{"songs": models.SongsOf(entries)})
	})

	handlePost(mux, "/api/queue/swap", func(w http.ResponseWriter, r *http.Request, req struct {
		From int `json:"from"`
		To   int `json:"to"`
	}) {
		q, err := s.djQueue()
		if err != nil {
			s.writeError(w, "swap", err)
			return
		}
		entries, err := q.Swap(r.Context(), req.From, req.To)
		if err != nil {
			s.writeError(w, "swap", err)
			return
		}
		writeJSON(w, map[string]any{"songs": models.SongsOf(entries)})
	})

	handlePost(mux, "/api/queue/play", func(w http.ResponseWriter, r *http.Request, req struct {
		Index int `json:"index"`
	}) {
		q, err := s.djQueue()
		if err != nil {
			s.writeError(w, "play", err)
			return
		}
		if err := q.Play(r.Context(), req.Index); err != nil {
			s.writeError(w, "play", err)
			return
		}
		writeJSON(w, map[string]any{"now_playing": req.Index})
	})

	handlePost(mux, "/api/queue/pause", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		q, err := s.djQueue()
		if err != nil {
			s.writeError(w, "pause", err)
			return
		}
		if err := q.Pause(r.Context()); err != nil {
			s.writeError(w, "pause", err)
			return
		}
		writeJSON(w, map[string]string{"status": "paused"})
	})

	handlePost(mux, "/api/queue/refresh", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		q, err := s.djQueue()
		if err != nil {
			s.writeError(w, "refresh", err)
			return
		}
		entries, err := q.Refresh(r.Context())
		if err != nil {
			s.writeError(w, "refresh", err)
			return
		}
		writeJSON(w, map[string]any{"songs": models.SongsOf(entries)})
	})

	return logMiddleware(s.logger, mux)
}

// ListenAndServe serves until ctx is done, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithField("addr", ln.Addr().String()).Info("BRIDGE: listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.http.Shutdown(shctx)
		return nil
	}
}

// Addr returns the bound address once ListenAndServe is running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// State snapshots what the UI shows. A DJ sees its canonical queue, a
// listener sees the mirror.
func (s *Server) State() State {
	role := s.session.Role()
	state := State{
		Role:       role,
		Profile:    s.session.LocalProfile(),
		Peers:      s.peerViews(),
		Songs:         []models.Song{},
		NowPlaying:    models.NowPlayingUnknown,
		DroppedEvents: s.hub.Dropped(),
	}
	if dj, ok := s.session.ConnectedDJ(); ok {
		state.ConnectedDJ = &dj
	}
	if dj, ok := s.session.RememberedDJ(); ok {
		state.RememberedDJ = &dj
	}

	switch role {
	case models.RoleDJ:
		if s.queue != nil {
			state.Songs = s.queue.Songs()
			state.NowPlaying = s.queue.NowPlaying()
			state.Playing = s.queue.Playing()
			if i := state.NowPlaying; i >= 0 && i < len(state.Songs) {
				current := state.Songs[i]
				state.NowPlayingSong = &current
			}
		}
	case models.RoleListener:
		if s.mirror != nil {
			state.Songs = s.mirror.Songs()
			state.NowPlaying, _ = s.mirror.NowPlaying()
			if current, ok := s.mirror.NowPlayingSong(); ok {
				state.NowPlayingSong = &current
			}
		}
	}
	return state
}

func (s *Server) peerViews() []PeerView {
	peers := s.session.ConnectablePeers()
	views := make([]PeerView, 0, len(peers))
	for _, peer := range peers {
		view := PeerView{
			ID:          peer.ID,
			DisplayName: peer.DisplayName,
			State:       s.session.ConnectionState(peer.ID),
		}
		if profile, ok := s.session.Profile(peer.ID); ok {
			view.Profile = &profile
		}
		views = append(views, view)
	}
	return views
}

func (s *Server) lookupPeer(id string) (models.PeerIdentity, bool) {
	for _, peer := range s.session.ConnectablePeers() {
		if peer.ID == id {
			return peer, true
		}
	}
	if dj, ok := s.session.RememberedDJ(); ok && dj.ID == id {
		return dj, true
	}
	return models.PeerIdentity{}, false
}

func (s *Server) djQueue() (Queue, error) {
	if s.session.Role() != models.RoleDJ || s.queue == nil {
		return nil, ErrNotDJ
	}
	return s.queue, nil
}

// handleEvents upgrades to a websocket and streams every hub event as JSON
// until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("BRIDGE: websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// Drain client frames so close and ping frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.WithField("remote", r.RemoteAddr).Debug("BRIDGE: event stream opened")
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.WithField("remote", r.RemoteAddr).Debug("BRIDGE: event stream closed")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.WithError(err).Debug("BRIDGE: event write failed")
				return
			}
		}
	}
}

// writeError maps session and queue failures onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	var deviceErr *queue.DeviceError
	var transportErr *session.TransportError
	switch {
	case errors.Is(err, queue.ErrMutationTimeout):
		status = http.StatusConflict
		message = "request failed, try again"
	case errors.Is(err, queue.ErrIndexOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotDJ),
		errors.Is(err, session.ErrRoleNotEstablished),
		errors.Is(err, session.ErrNoDJConnected),
		errors.Is(err, session.ErrNoQueue):
		status = http.StatusConflict
	case errors.As(err, &deviceErr), errors.As(err, &transportErr):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	s.logger.WithFields(logrus.Fields{"op": op, "status": status}).WithError(err).Debug("BRIDGE: request failed")
	http.Error(w, message, status)
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes an optional JSON body into T before calling fn.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
