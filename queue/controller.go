package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"djmesh/models"
	"djmesh/notify"
)

// DefaultAcquireTimeout bounds how long a mutation waits for the token.
const DefaultAcquireTimeout = 4 * time.Second

// Options configures a Controller.
type Options struct {
	Player         Player
	Hub            *notify.Hub
	Logger         *logrus.Logger
	AcquireTimeout time.Duration
}

// Controller owns the canonical queue on the DJ device. At most one device
// mutation is in flight at any time.
type Controller struct {
	player         Player
	hub            *notify.Hub
	logger         *logrus.Logger
	acquireTimeout time.Duration
	token          *semaphore.Weighted

	mu          sync.RWMutex
	entries     []models.QueueEntry
	initialized bool
	nowPlaying  int
	playing     bool
}

// NewController creates a controller for opts.Player.
func NewController(opts Options) (*Controller, error) {
	if opts.Player == nil {
		return nil, errors.New("queue: player is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	return &Controller{
		player:         opts.Player,
		hub:            opts.Hub,
		logger:         logger,
		acquireTimeout: timeout,
		token:          semaphore.NewWeighted(1),
		nowPlaying:     models.NowPlayingUnknown,
	}, nil
}

// AddRequest appends song. The first request creates the device queue and
// starts playback; later requests insert after the current last entry.
func (c *Controller) AddRequest(ctx context.Context, song models.Song) ([]models.QueueEntry, error) {
	if err := c.acquire(ctx, "add"); err != nil {
		return nil, err
	}
	defer c.token.Release(1)

	c.mu.RLock()
	initialized := c.initialized
	afterID := ""
	if n := len(c.entries); n > 0 {
		afterID = c.entries[n-1].ItemID
	}
	c.mu.RUnlock()

	if !initialized {
		return c.create(ctx, song)
	}

	entries, err := c.player.InsertAfter(ctx, afterID, song)
	if err != nil {
		return nil, c.deviceError("insert", err)
	}
	c.logger.WithField("catalog_id", song.CatalogID).Debug("QUEUE: inserted request")
	return c.adopt(entries), nil
}

// create sets up the device queue and starts playback. Once SetQueue has
// succeeded the device owns the queue, so it is adopted even when Play then
// fails; the caller gets the snapshot together with the play error.
func (c *Controller) create(ctx context.Context, song models.Song) ([]models.QueueEntry, error) {
	entries, err := c.player.SetQueue(ctx, song)
	if err != nil {
		return nil, c.deviceError("create", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.nowPlaying = 0
	c.mu.Unlock()

	c.logger.WithField("catalog_id", song.CatalogID).Info("QUEUE: created")
	snapshot := c.adopt(entries)
	c.hub.Publish(notify.Event{Type: notify.NowPlayingChanged, NowPlaying: 0})

	if err := c.player.Play(ctx); err != nil {
		return snapshot, c.deviceError("play", err)
	}
	c.mu.Lock()
	c.playing = true
	c.mu.Unlock()
	c.hub.Publish(notify.Event{Type: notify.PlaybackStateChanged, Playing: true, NowPlaying: 0})
	return snapshot, nil
}

// Remove deletes the entry at index from the device queue.
func (c *Controller) Remove(ctx context.Context, index int) ([]models.QueueEntry, error) {
	if err := c.acquire(ctx, "remove"); err != nil {
		return nil, err
	}
	defer c.token.Release(1)

	entry, err := c.entryAt(index)
	if err != nil {
		return nil, err
	}
	entries, err := c.player.Remove(ctx, entry.ItemID)
	if err != nil {
		return nil, c.deviceError("remove", err)
	}
	c.logger.WithFields(logrus.Fields{"index": index, "catalog_id": entry.Song.CatalogID}).Debug("QUEUE: removed entry")
	return c.adopt(entries), nil
}

// Swap moves the entry at from by removing it and reinserting it after the
// entry that occupies position to once the removal is done. Both device
// operations run under one token. If the reinsert fails the entry stays
// removed and the returned *DeviceError has Op "swap.reinsert".
func (c *Controller) Swap(ctx context.Context, from, to int) ([]models.QueueEntry, error) {
	if err := c.acquire(ctx, "swap"); err != nil {
		return nil, err
	}
	defer c.token.Release(1)

	moved, err := c.entryAt(from)
	if err != nil {
		return nil, err
	}
	if _, err := c.entryAt(to); err != nil {
		return nil, err
	}

	remaining, err := c.player.Remove(ctx, moved.ItemID)
	if err != nil {
		return nil, c.deviceError("swap.remove", err)
	}
	remaining = c.adopt(remaining)

	afterID := ""
	if n := len(remaining); n > 0 {
		target := to
		if target >= n {
			target = n - 1
		}
		afterID = remaining[target].ItemID
	}

	entries, err := c.player.InsertAfter(ctx, afterID, moved.Song)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"from":       from,
			"to":         to,
			"catalog_id": moved.Song.CatalogID,
		}).Warn("QUEUE: reinsert failed, entry dropped from queue")
		return remaining, c.deviceError("swap.reinsert", err)
	}
	return c.adopt(entries), nil
}

// Play jumps playback to index. It holds the mutation token so the index
// cannot go stale halfway through a Swap. The queue itself is left
// untouched; the device reports the new position through its event stream.
func (c *Controller) Play(ctx context.Context, index int) error {
	if err := c.acquire(ctx, "play"); err != nil {
		return err
	}
	defer c.token.Release(1)

	if _, err := c.entryAt(index); err != nil {
		return err
	}
	if err := c.player.SkipTo(ctx, index); err != nil {
		return c.deviceError("skip", err)
	}
	if err := c.player.Play(ctx); err != nil {
		return c.deviceError("play", err)
	}
	return nil
}

// Pause pauses the device. It does not touch the queue and takes no token.
func (c *Controller) Pause(ctx context.Context) error {
	if err := c.player.Pause(ctx); err != nil {
		return c.deviceError("pause", err)
	}
	return nil
}

// Refresh re-reads the device queue without mutating it.
func (c *Controller) Refresh(ctx context.Context) ([]models.QueueEntry, error) {
	if err := c.acquire(ctx, "refresh"); err != nil {
		return nil, err
	}
	defer c.token.Release(1)

	entries, err := c.player.Items(ctx)
	if err != nil {
		return nil, c.deviceError("items", err)
	}
	return c.adopt(entries), nil
}

// Run forwards device notifications until ctx is done or the device closes
// its event stream.
func (c *Controller) Run(ctx context.Context) {
	events := c.player.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.handlePlayerEvent(event)
		}
	}
}

func (c *Controller) handlePlayerEvent(event PlayerEvent) {
	switch event.Type {
	case NowPlayingIndexChanged:
		c.mu.Lock()
		changed := c.nowPlaying != event.Index
		c.nowPlaying = event.Index
		c.mu.Unlock()
		if changed {
			c.hub.Publish(notify.Event{Type: notify.NowPlayingChanged, NowPlaying: event.Index})
		}
	case PlaybackStateChanged:
		c.mu.Lock()
		c.playing = event.Playing
		index := c.nowPlaying
		c.mu.Unlock()
		c.hub.Publish(notify.Event{Type: notify.PlaybackStateChanged, Playing: event.Playing, NowPlaying: index})
	default:
		c.logger.WithField("type", event.Type).Debug("QUEUE: ignoring player event")
	}
}

// Entries returns a copy of the canonical queue.
func (c *Controller) Entries() []models.QueueEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.QueueEntry(nil), c.entries...)
}

// Songs returns the canonical queue as songs.
func (c *Controller) Songs() []models.Song {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.SongsOf(c.entries)
}

// NowPlaying returns the index last reported by the device, or -1.
func (c *Controller) NowPlaying() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nowPlaying
}

// Playing reports whether the device is playing.
func (c *Controller) Playing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playing
}

// Initialized reports whether the device queue has been created.
func (c *Controller) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Controller) acquire(ctx context.Context, op string) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	defer cancel()

	if err := c.token.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.WithField("op", op).Warn("QUEUE: mutation token busy, dropping request")
		c.hub.Publish(notify.Event{
			Type:    notify.RequestFailed,
			Message: fmt.Sprintf("%s failed, try again", op),
		})
		return ErrMutationTimeout
	}
	return nil
}

func (c *Controller) entryAt(index int) (models.QueueEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.entries) {
		return models.QueueEntry{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(c.entries))
	}
	return c.entries[index], nil
}

// adopt stores the device's list as the canonical queue and publishes it.
func (c *Controller) adopt(entries []models.QueueEntry) []models.QueueEntry {
	snapshot := make([]models.QueueEntry, len(entries))
	for i, entry := range entries {
		entry.Position = i
		snapshot[i] = entry
	}

	c.mu.Lock()
	c.entries = snapshot
	c.mu.Unlock()

	c.hub.Publish(notify.Event{
		Type:  notify.QueueChanged,
		Songs: models.SongsOf(snapshot),
	})
	return append([]models.QueueEntry(nil), snapshot...)
}

func (c *Controller) deviceError(op string, err error) error {
	c.logger.WithError(err).WithField("op", op).Error("QUEUE: device operation failed")
	return &DeviceError{Op: op, Err: err}
}
