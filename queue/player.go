package queue

import (
	"context"

	"djmesh/models"
)

// PlayerEventType identifies an asynchronous notification from the player device.
type PlayerEventType int

const (
	// NowPlayingIndexChanged reports that the device moved to another queue item.
	NowPlayingIndexChanged PlayerEventType = iota + 1
	// PlaybackStateChanged reports that the device started, paused or stopped.
	PlaybackStateChanged
)

// PlayerEvent is emitted by the device outside of any mutation.
type PlayerEvent struct {
	Type    PlayerEventType
	Index   int
	Playing bool
}

// Player is the external media device that consumes the queue. Mutating
// calls complete with the device's refreshed item list.
type Player interface {
	SetQueue(ctx context.Context, song models.Song) ([]models.QueueEntry, error)
	// InsertAfter inserts song after the item with afterItemID, or at the
	// head of the queue when afterItemID is empty.
	InsertAfter(ctx context.Context, afterItemID string, song models.Song) ([]models.QueueEntry, error)
	Remove(ctx context.Context, itemID string) ([]models.QueueEntry, error)
	SkipTo(ctx context.Context, index int) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Items(ctx context.Context) ([]models.QueueEntry, error)
	Events() <-chan PlayerEvent
}
