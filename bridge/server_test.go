package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"djmesh/models"
	"djmesh/notify"
	"djmesh/queue"
	"djmesh/session"
)

type fakeSession struct {
	mu          sync.Mutex
	role        models.Role
	peers       []models.PeerIdentity
	profiles    map[string]models.PeerProfile
	connectedDJ *models.PeerIdentity
	remembered  *models.PeerIdentity
	listenedTo  []models.PeerIdentity
	requested   []models.Song
	requestErr  error
	djErr       error
	refreshErr  error
	refreshes   int
	disconnects int
}

func (f *fakeSession) Role() models.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role
}

func (f *fakeSession) StartAsDJ() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.djErr != nil {
		return f.djErr
	}
	f.role = models.RoleDJ
	return nil
}

func (f *fakeSession) StartAsListener(peer models.PeerIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.role = models.RoleListener
	f.listenedTo = append(f.listenedTo, peer)
	f.remembered = &peer
	return nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSession) ForegroundResumed() error {
	return nil
}

func (f *fakeSession) RefreshPeers(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeSession) RequestSong(ctx context.Context, song models.Song) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return f.requestErr
	}
	f.requested = append(f.requested, song)
	return nil
}

func (f *fakeSession) ConnectablePeers() []models.PeerIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PeerIdentity{}, f.peers...)
}

func (f *fakeSession) ConnectedDJ() (models.PeerIdentity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectedDJ == nil {
		return models.PeerIdentity{}, false
	}
	return *f.connectedDJ, true
}

func (f *fakeSession) RememberedDJ() (models.PeerIdentity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remembered == nil {
		return models.PeerIdentity{}, false
	}
	return *f.remembered, true
}

func (f *fakeSession) Profile(peerID string) (models.PeerProfile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[peerID]
	return profile, ok
}

func (f *fakeSession) LocalProfile() models.PeerProfile {
	return models.PeerProfile{Name: "Local"}
}

func (f *fakeSession) ConnectionState(peerID string) models.ConnectionState {
	return models.NotConnected
}

type fakeQueue struct {
	mu        sync.Mutex
	songs     []models.Song
	removed   []int
	refreshes int
	err       error
}

func (q *fakeQueue) Remove(ctx context.Context, index int) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if index < 0 || index >= len(q.songs) {
		return nil, queue.ErrIndexOutOfRange
	}
	q.removed = append(q.removed, index)
	q.songs = append(q.songs[:index:index], q.songs[index+1:]...)
	return entriesOf(q.songs), nil
}

func (q *fakeQueue) Swap(ctx context.Context, from, to int) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.songs[from], q.songs[to] = q.songs[to], q.songs[from]
	return entriesOf(q.songs), nil
}

func (q *fakeQueue) Play(ctx context.Context, index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *fakeQueue) Pause(ctx context.Context) error {
	return nil
}

func (q *fakeQueue) Refresh(ctx context.Context) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.refreshes++
	return entriesOf(q.songs), nil
}

func (q *fakeQueue) Songs() []models.Song {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Song{}, q.songs...)
}

func (q *fakeQueue) NowPlaying() int {
	return 0
}

func (q *fakeQueue) Playing() bool {
	return true
}

type fakeMirror struct {
	songs   []models.Song
	current int
}

func (m *fakeMirror) Songs() []models.Song {
	return m.songs
}

func (m *fakeMirror) NowPlaying() (int, bool) {
	if m.current <= 0 || m.current > len(m.songs) {
		return models.NowPlayingUnknown, false
	}
	return m.current - 1, true
}

func (m *fakeMirror) NowPlayingSong() (models.Song, bool) {
	index, ok := m.NowPlaying()
	if !ok {
		return models.Song{}, false
	}
	return m.songs[index], true
}

func entriesOf(songs []models.Song) []models.QueueEntry {
	entries := make([]models.QueueEntry, 0, len(songs))
	for i, song := range songs {
		entries = append(entries, models.QueueEntry{ItemID: song.CatalogID, Song: song, Position: i})
	}
	return entries
}

func song(id string) models.Song {
	return models.Song{Title: "Song " + id, Artist: "Artist", CatalogID: id}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestServer(t *testing.T, sess *fakeSession, q *fakeQueue, m *fakeMirror, hub *notify.Hub) *httptest.Server {
	t.Helper()
	opts := Options{Session: sess, Hub: hub, Logger: quietLogger()}
	if q != nil {
		opts.Queue = q
	}
	if m != nil {
		opts.Mirror = m
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (int, string) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func getState(t *testing.T, srv *httptest.Server) State {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/state status = %d", resp.StatusCode)
	}
	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func TestNewRequiresSessionAndHub(t *testing.T) {
	if _, err := New(Options{Hub: notify.NewHub(0)}); err == nil {
		t.Fatalf("expected error without session")
	}
	if _, err := New(Options{Session: &fakeSession{}}); err == nil {
		t.Fatalf("expected error without hub")
	}
}

func TestStateShowsCanonicalQueueForDJ(t *testing.T) {
	sess := &fakeSession{
		role:     models.RoleDJ,
		peers:    []models.PeerIdentity{{ID: "dj-2", DisplayName: "Other DJ"}},
		profiles: map[string]models.PeerProfile{"dj-2": {Name: "Other", ImageURL: "http://img/2"}},
	}
	q := &fakeQueue{songs: []models.Song{song("a"), song("b")}}
	srv := newTestServer(t, sess, q, &fakeMirror{songs: []models.Song{song("z")}}, notify.NewHub(0))

	state := getState(t, srv)
	if state.Role != models.RoleDJ {
		t.Fatalf("role = %v, want dj", state.Role)
	}
	if len(state.Songs) != 2 || state.Songs[0].CatalogID != "a" || state.Songs[1].CatalogID != "b" {
		t.Fatalf("songs = %+v, want canonical queue", state.Songs)
	}
	if !state.Playing || state.NowPlaying != 0 {
		t.Fatalf("playback = %v/%d, want playing at 0", state.Playing, state.NowPlaying)
	}
	if len(state.Peers) != 1 || state.Peers[0].Profile == nil || state.Peers[0].Profile.Name != "Other" {
		t.Fatalf("peers = %+v, want one peer with profile", state.Peers)
	}
	if state.NowPlayingSong == nil || state.NowPlayingSong.CatalogID != "a" {
		t.Fatalf("now playing song = %+v, want a", state.NowPlayingSong)
	}
}

func TestStateShowsMirrorForListener(t *testing.T) {
	dj := models.PeerIdentity{ID: "dj-1", DisplayName: "DJ"}
	sess := &fakeSession{role: models.RoleListener, connectedDJ: &dj, remembered: &dj}
	srv := newTestServer(t, sess, &fakeQueue{songs: []models.Song{song("a")}}, &fakeMirror{songs: []models.Song{song("z")}}, notify.NewHub(0))

	state := getState(t, srv)
	if len(state.Songs) != 1 || state.Songs[0].CatalogID != "z" {
		t.Fatalf("songs = %+v, want mirror", state.Songs)
	}
	if state.NowPlaying != models.NowPlayingUnknown {
		t.Fatalf("now playing = %d, want unknown", state.NowPlaying)
	}
	if state.ConnectedDJ == nil || state.ConnectedDJ.ID != "dj-1" {
		t.Fatalf("connected dj = %+v", state.ConnectedDJ)
	}
}

func TestStateReportsListenerSongAndDroppedEvents(t *testing.T) {
	dj := models.PeerIdentity{ID: "dj-1", DisplayName: "DJ"}
	sess := &fakeSession{role: models.RoleListener, connectedDJ: &dj, remembered: &dj}
	hub := notify.NewHub(1)
	_, cancel := hub.Subscribe(notify.QueueChanged)
	defer cancel()
	hub.Publish(notify.Event{Type: notify.QueueChanged})
	hub.Publish(notify.Event{Type: notify.QueueChanged})

	// current is one-based so the zero value means unknown
	m := &fakeMirror{songs: []models.Song{song("x"), song("y")}, current: 2}
	srv := newTestServer(t, sess, nil, m, hub)

	state := getState(t, srv)
	if state.NowPlaying != 1 || state.NowPlayingSong == nil || state.NowPlayingSong.CatalogID != "y" {
		t.Fatalf("now playing = %d/%+v, want 1/y", state.NowPlaying, state.NowPlayingSong)
	}
	if state.DroppedEvents != 1 {
		t.Fatalf("dropped events = %d, want 1", state.DroppedEvents)
	}
}

func TestRefreshEndpoints(t *testing.T) {
	sess := &fakeSession{role: models.RoleDJ, peers: []models.PeerIdentity{{ID: "dj-2", DisplayName: "Other DJ"}}}
	q := &fakeQueue{songs: []models.Song{song("a"), song("b")}}
	srv := newTestServer(t, sess, q, nil, notify.NewHub(0))

	status, body := postJSON(t, srv.URL+"/api/queue/refresh", nil)
	if status != http.StatusOK {
		t.Fatalf("queue refresh status = %d body = %q", status, body)
	}
	var songs struct {
		Songs []models.Song `json:"songs"`
	}
	if err := json.Unmarshal([]byte(body), &songs); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}
	if len(songs.Songs) != 2 || songs.Songs[0].CatalogID != "a" {
		t.Fatalf("songs = %+v, want [a b]", songs.Songs)
	}

	status, body = postJSON(t, srv.URL+"/api/peers/refresh", nil)
	if status != http.StatusOK {
		t.Fatalf("peers refresh status = %d body = %q", status, body)
	}
	var peers struct {
		Peers []PeerView `json:"peers"`
	}
	if err := json.Unmarshal([]byte(body), &peers); err != nil {
		t.Fatalf("decode peers response: %v", err)
	}
	if len(peers.Peers) != 1 || peers.Peers[0].ID != "dj-2" {
		t.Fatalf("peers = %+v, want dj-2", peers.Peers)
	}

	sess.mu.Lock()
	sess.refreshErr = &session.TransportError{Op: "refresh", Err: errors.New("mdns down")}
	sess.role = models.RoleListener
	sess.mu.Unlock()
	if status, _ := postJSON(t, srv.URL+"/api/peers/refresh", nil); status != http.StatusBadGateway {
		t.Fatalf("failed refresh status = %d, want 502", status)
	}
	if status, _ := postJSON(t, srv.URL+"/api/queue/refresh", nil); status != http.StatusConflict {
		t.Fatalf("listener queue refresh status = %d, want 409", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.refreshes != 1 {
		t.Fatalf("queue refreshes = %d, want 1", q.refreshes)
	}
}

func TestListenRequiresKnownPeer(t *testing.T) {
	sess := &fakeSession{peers: []models.PeerIdentity{{ID: "dj-1", DisplayName: "DJ One"}}}
	srv := newTestServer(t, sess, nil, nil, notify.NewHub(0))

	if status, _ := postJSON(t, srv.URL+"/api/listen", map[string]string{}); status != http.StatusBadRequest {
		t.Fatalf("missing peer status = %d, want 400", status)
	}
	if status, _ := postJSON(t, srv.URL+"/api/listen", map[string]string{"peer_id": "ghost"}); status != http.StatusNotFound {
		t.Fatalf("unknown peer status = %d, want 404", status)
	}
	if status, body := postJSON(t, srv.URL+"/api/listen", map[string]string{"peer_id": "dj-1"}); status != http.StatusOK {
		t.Fatalf("listen status = %d body = %q", status, body)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.listenedTo) != 1 || sess.listenedTo[0].DisplayName != "DJ One" {
		t.Fatalf("listenedTo = %+v, want DJ One", sess.listenedTo)
	}
}

func TestQueueEditingRequiresDJ(t *testing.T) {
	sess := &fakeSession{role: models.RoleListener}
	q := &fakeQueue{songs: []models.Song{song("a")}}
	srv := newTestServer(t, sess, q, nil, notify.NewHub(0))

	status, _ := postJSON(t, srv.URL+"/api/queue/remove", map[string]int{"index": 0})
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	if len(q.Songs()) != 1 {
		t.Fatalf("queue changed without DJ role")
	}
}

func TestQueueRemoveAndSwap(t *testing.T) {
	sess := &fakeSession{role: models.RoleDJ}
	q := &fakeQueue{songs: []models.Song{song("a"), song("b"), song("c")}}
	srv := newTestServer(t, sess, q, nil, notify.NewHub(0))

	status, body := postJSON(t, srv.URL+"/api/queue/swap", map[string]int{"from": 0, "to": 2})
	if status != http.StatusOK {
		t.Fatalf("swap status = %d body = %q", status, body)
	}
	status, body = postJSON(t, srv.URL+"/api/queue/remove", map[string]int{"index": 1})
	if status != http.StatusOK {
		t.Fatalf("remove status = %d body = %q", status, body)
	}

	var resp struct {
		Songs []models.Song `json:"songs"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode remove response: %v", err)
	}
	if len(resp.Songs) != 2 || resp.Songs[0].CatalogID != "c" || resp.Songs[1].CatalogID != "a" {
		t.Fatalf("songs = %+v, want [c a]", resp.Songs)
	}

	if status, _ := postJSON(t, srv.URL+"/api/queue/remove", map[string]int{"index": 9}); status != http.StatusBadRequest {
		t.Fatalf("out of range status = %d, want 400", status)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"mutation timeout", queue.ErrMutationTimeout, http.StatusConflict, "request failed, try again"},
		{"device failure", &queue.DeviceError{Op: "insert", Err: errors.New("offline")}, http.StatusBadGateway, "offline"},
		{"no role", session.ErrRoleNotEstablished, http.StatusConflict, "role not established"},
		{"no dj", session.ErrNoDJConnected, http.StatusConflict, "no DJ connected"},
		{"transport", &session.TransportError{Op: "send", Peer: "dj-1", Err: errors.New("closed")}, http.StatusBadGateway, "closed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := &fakeSession{role: models.RoleListener, requestErr: tc.err}
			srv := newTestServer(t, sess, nil, nil, notify.NewHub(0))

			status, body := postJSON(t, srv.URL+"/api/requests", map[string]any{"song": song("a")})
			if status != tc.status {
				t.Fatalf("status = %d, want %d", status, tc.status)
			}
			if !strings.Contains(body, tc.body) {
				t.Fatalf("body = %q, want it to contain %q", body, tc.body)
			}
		})
	}
}

func TestRequestValidatesSong(t *testing.T) {
	sess := &fakeSession{role: models.RoleDJ}
	srv := newTestServer(t, sess, nil, nil, notify.NewHub(0))

	if status, _ := postJSON(t, srv.URL+"/api/requests", map[string]any{"song": map[string]string{"title": "x"}}); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if status, _ := postJSON(t, srv.URL+"/api/requests", map[string]any{"song": song("a")}); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.requested) != 1 || sess.requested[0].CatalogID != "a" {
		t.Fatalf("requested = %+v", sess.requested)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, nil, nil, notify.NewHub(0))

	resp, err := http.Get(srv.URL + "/api/dj")
	if err != nil {
		t.Fatalf("GET /api/dj: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestEventStreamForwardsHubEvents(t *testing.T) {
	hub := notify.NewHub(0)
	srv := newTestServer(t, &fakeSession{}, nil, nil, hub)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// The subscription is made after the upgrade, so keep publishing until
	// the first event arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish(notify.Event{Type: notify.NowPlayingChanged, NowPlaying: 3})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event struct {
		Type       string `json:"type"`
		NowPlaying int    `json:"now_playing"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != string(notify.NowPlayingChanged) || event.NowPlaying != 3 {
		t.Fatalf("event = %+v, want now_playing_changed 3", event)
	}
}
