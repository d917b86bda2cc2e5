package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"djmesh/models"
	"djmesh/queue"
)

// Operation names accepted by FailNext.
const (
	OpSetQueue    = "set_queue"
	OpInsertAfter = "insert_after"
	OpRemove      = "remove"
	OpSkipTo      = "skip_to"
	OpPlay        = "play"
	OpPause       = "pause"
	OpItems       = "items"
)

const defaultEventBuffer = 32

// DefaultTrackLength is how long each simulated track plays.
const DefaultTrackLength = 3 * time.Minute

var (
	// ErrItemNotFound is returned when a referenced item is not in the queue.
	ErrItemNotFound = errors.New("player: item not found")
	// ErrEmptyQueue is returned by playback operations on an empty queue.
	ErrEmptyQueue = errors.New("player: queue is empty")
)

// Options configures a simulated Device.
type Options struct {
	// Latency delays every operation to mimic an asynchronous device.
	Latency time.Duration
	// TrackLength is how long Run lets each item play. Zero disables
	// auto-advance.
	TrackLength time.Duration
	EventBuffer int
	Logger      *logrus.Logger
}

// Device is an in-memory media player that repeats its whole queue.
type Device struct {
	latency     time.Duration
	trackLength time.Duration
	logger      *logrus.Logger
	events      chan queue.PlayerEvent

	mu       sync.Mutex
	items    []models.QueueEntry
	index    int
	playing  bool
	failures map[string]error
	closed   bool
}

var _ queue.Player = (*Device)(nil)

// New creates an empty device.
func New(opts Options) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Device{
		latency:     opts.Latency,
		trackLength: opts.TrackLength,
		logger:      logger,
		events:      make(chan queue.PlayerEvent, buffer),
		index:       models.NowPlayingUnknown,
		failures:    make(map[string]error),
	}
}

// FailNext makes the next call of op return err.
func (d *Device) FailNext(op string, err error) {
	d.mu.Lock()
	d.failures[op] = err
	d.mu.Unlock()
}

// SetQueue replaces the queue with a single item and rewinds to it.
func (d *Device) SetQueue(ctx context.Context, song models.Song) ([]models.QueueEntry, error) {
	if err := d.begin(ctx, OpSetQueue); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.items = []models.QueueEntry{newEntry(song)}
	d.index = 0
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	d.emit(queue.PlayerEvent{Type: queue.NowPlayingIndexChanged, Index: 0})
	return snapshot, nil
}

// InsertAfter inserts song after afterItemID, or first when afterItemID is empty.
func (d *Device) InsertAfter(ctx context.Context, afterItemID string, song models.Song) ([]models.QueueEntry, error) {
	if err := d.begin(ctx, OpInsertAfter); err != nil {
		return nil, err
	}

	d.mu.Lock()
	at := 0
	if afterItemID != "" {
		pos := d.positionLocked(afterItemID)
		if pos < 0 {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, afterItemID)
		}
		at = pos + 1
	}

	d.items = append(d.items, models.QueueEntry{})
	copy(d.items[at+1:], d.items[at:])
	d.items[at] = newEntry(song)

	moved := false
	if d.index >= at && d.index != models.NowPlayingUnknown {
		d.index++
		moved = true
	}
	index := d.index
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	if moved {
		d.emit(queue.PlayerEvent{Type: queue.NowPlayingIndexChanged, Index: index})
	}
	return snapshot, nil
}

// Remove deletes itemID from the queue.
func (d *Device) Remove(ctx context.Context, itemID string) ([]models.QueueEntry, error) {
	if err := d.begin(ctx, OpRemove); err != nil {
		return nil, err
	}

	d.mu.Lock()
	pos := d.positionLocked(itemID)
	if pos < 0 {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	d.items = append(d.items[:pos], d.items[pos+1:]...)

	before := d.index
	switch {
	case len(d.items) == 0:
		d.index = models.NowPlayingUnknown
		d.playing = false
	case pos < d.index:
		d.index--
	case d.index >= len(d.items):
		d.index = 0
	}
	index := d.index
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	if index != before {
		d.emit(queue.PlayerEvent{Type: queue.NowPlayingIndexChanged, Index: index})
	}
	return snapshot, nil
}

// SkipTo moves the play head to index.
func (d *Device) SkipTo(ctx context.Context, index int) error {
	if err := d.begin(ctx, OpSkipTo); err != nil {
		return err
	}

	d.mu.Lock()
	if index < 0 || index >= len(d.items) {
		n := len(d.items)
		d.mu.Unlock()
		return fmt.Errorf("player: skip to %d of %d: %w", index, n, ErrItemNotFound)
	}
	changed := d.index != index
	d.index = index
	d.mu.Unlock()

	if changed {
		d.emit(queue.PlayerEvent{Type: queue.NowPlayingIndexChanged, Index: index})
	}
	return nil
}

// Play starts playback.
func (d *Device) Play(ctx context.Context) error {
	return d.setPlaying(ctx, OpPlay, true)
}

// Pause pauses playback.
func (d *Device) Pause(ctx context.Context) error {
	return d.setPlaying(ctx, OpPause, false)
}

func (d *Device) setPlaying(ctx context.Context, op string, playing bool) error {
	if err := d.begin(ctx, op); err != nil {
		return err
	}

	d.mu.Lock()
	if playing && len(d.items) == 0 {
		d.mu.Unlock()
		return ErrEmptyQueue
	}
	changed := d.playing != playing
	d.playing = playing
	d.mu.Unlock()

	if changed {
		d.emit(queue.PlayerEvent{Type: queue.PlaybackStateChanged, Playing: playing})
	}
	return nil
}

// Items returns the current queue.
func (d *Device) Items(ctx context.Context) ([]models.QueueEntry, error) {
	if err := d.begin(ctx, OpItems); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(), nil
}

// Next advances to the following item, wrapping to the start of the queue.
func (d *Device) Next() {
	d.mu.Lock()
	if len(d.items) == 0 {
		d.mu.Unlock()
		return
	}
	d.index = (d.index + 1) % len(d.items)
	index := d.index
	d.mu.Unlock()

	d.emit(queue.PlayerEvent{Type: queue.NowPlayingIndexChanged, Index: index})
}

// Run advances to the next item each time a track finishes while the
// device is playing. It returns when ctx is done, or at once when
// TrackLength is zero.
func (d *Device) Run(ctx context.Context) {
	if d.trackLength <= 0 {
		return
	}
	ticker := time.NewTicker(d.trackLength)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.IsPlaying() {
				d.Next()
				d.logger.WithField("now_playing", d.NowPlaying()).Debug("PLAYER: track finished")
			}
		}
	}
}

// NowPlaying returns the play head, or -1 when nothing is queued.
func (d *Device) NowPlaying() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index
}

// IsPlaying reports whether the device is playing.
func (d *Device) IsPlaying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// Events returns the device notification stream. It is closed by Close.
func (d *Device) Events() <-chan queue.PlayerEvent {
	return d.events
}

// Close stops event delivery.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.events)
}

func (d *Device) begin(ctx context.Context, op string) error {
	if d.latency > 0 {
		timer := time.NewTimer(d.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failures[op]; ok {
		delete(d.failures, op)
		return err
	}
	return nil
}

func (d *Device) emit(event queue.PlayerEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- event:
	default:
		d.logger.WithField("type", event.Type).Warn("PLAYER: event buffer full, dropping event")
	}
}

func (d *Device) positionLocked(itemID string) int {
	for i, item := range d.items {
		if item.ItemID == itemID {
			return i
		}
	}
	return -1
}

func (d *Device) snapshotLocked() []models.QueueEntry {
	snapshot := make([]models.QueueEntry, len(d.items))
	for i, item := range d.items {
		item.Position = i
		snapshot[i] = item
	}
	return snapshot
}

func newEntry(song models.Song) models.QueueEntry {
	return models.QueueEntry{ItemID: uuid.NewString(), Song: song}
}
