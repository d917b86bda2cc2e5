package mirror

import (
	"sync"

	"github.com/sirupsen/logrus"

	"djmesh/models"
	"djmesh/notify"
)

// Mirror is a listener's read-only copy of the DJ queue. Every snapshot
// replaces the previous one wholesale.
type Mirror struct {
	hub    *notify.Hub
	logger *logrus.Logger

	mu         sync.RWMutex
	songs      []models.Song
	nowPlaying int
}

// New creates an empty mirror publishing to hub.
func New(hub *notify.Hub, logger *logrus.Logger) *Mirror {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Mirror{
		hub:        hub,
		logger:     logger,
		nowPlaying: models.NowPlayingUnknown,
	}
}

// ApplySongs replaces the mirrored queue with songs.
func (m *Mirror) ApplySongs(songs []models.Song) {
	replacement := append([]models.Song{}, songs...)

	m.mu.Lock()
	m.songs = replacement
	index := m.clampedLocked()
	m.mu.Unlock()

	m.logger.WithField("count", len(replacement)).Debug("MIRROR: queue replaced")
	m.hub.Publish(notify.Event{
		Type:       notify.QueueChanged,
		Songs:      append([]models.Song{}, replacement...),
		NowPlaying: index,
	})
}

// ApplyNowPlaying records the index pushed by the DJ. The raw value is kept
// so it becomes valid again if a later snapshot grows the queue.
func (m *Mirror) ApplyNowPlaying(index int) {
	m.mu.Lock()
	m.nowPlaying = index
	clamped := m.clampedLocked()
	m.mu.Unlock()

	if clamped != index {
		m.logger.WithFields(logrus.Fields{"index": index}).Debug("MIRROR: now playing outside queue, treating as unknown")
	}
	m.hub.Publish(notify.Event{Type: notify.NowPlayingChanged, NowPlaying: clamped})
}

// Songs returns a copy of the mirrored queue.
func (m *Mirror) Songs() []models.Song {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Song{}, m.songs...)
}

// NowPlaying returns the current index and true, or -1 and false when the
// last pushed index does not address a mirrored song.
func (m *Mirror) NowPlaying() (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	index := m.clampedLocked()
	return index, index != models.NowPlayingUnknown
}

// NowPlayingSong returns the song being played, if known.
func (m *Mirror) NowPlayingSong() (models.Song, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	index := m.clampedLocked()
	if index == models.NowPlayingUnknown {
		return models.Song{}, false
	}
	return m.songs[index], true
}

// Reset clears the mirror after the DJ connection ends.
func (m *Mirror) Reset() {
	m.mu.Lock()
	m.songs = nil
	m.nowPlaying = models.NowPlayingUnknown
	m.mu.Unlock()

	m.hub.Publish(notify.Event{Type: notify.QueueChanged, NowPlaying: models.NowPlayingUnknown})
}

func (m *Mirror) clampedLocked() int {
	if m.nowPlaying < 0 || m.nowPlaying >= len(m.songs) {
		return models.NowPlayingUnknown
	}
	return m.nowPlaying
}
