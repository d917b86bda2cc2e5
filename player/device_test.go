package player

import (
	"context"
	"errors"
	"testing"
	"time"

	"djmesh/models"
	"djmesh/queue"
)

func TestInsertAfterAndRemoveKeepPlayHead(t *testing.T) {
	ctx := context.Background()
	device := New(Options{})
	defer device.Close()

	items, err := device.SetQueue(ctx, song("a"))
	if err != nil {
		t.Fatalf("SetQueue failed: %v", err)
	}
	items, err = device.InsertAfter(ctx, items[0].ItemID, song("b"))
	if err != nil {
		t.Fatalf("InsertAfter failed: %v", err)
	}
	items, err = device.InsertAfter(ctx, "", song("c"))
	if err != nil {
		t.Fatalf("InsertAfter at head failed: %v", err)
	}
	assertOrder(t, items, "c", "a", "b")
	if device.NowPlaying() != 1 {
		t.Fatalf("expected play head to follow a to index 1, got %d", device.NowPlaying())
	}

	items, err = device.Remove(ctx, items[0].ItemID)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	assertOrder(t, items, "a", "b")
	if device.NowPlaying() != 0 {
		t.Fatalf("expected play head 0 after removing an earlier item, got %d", device.NowPlaying())
	}
	for i, item := range items {
		if item.Position != i {
			t.Fatalf("expected position %d, got %d", i, item.Position)
		}
	}
}

func TestRemoveUnknownItem(t *testing.T) {
	device := New(Options{})
	if _, err := device.Remove(context.Background(), "missing"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestFailNextIsOneShot(t *testing.T) {
	ctx := context.Background()
	device := New(Options{})
	boom := errors.New("boom")
	device.FailNext(OpSetQueue, boom)

	if _, err := device.SetQueue(ctx, song("a")); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := device.SetQueue(ctx, song("a")); err != nil {
		t.Fatalf("expected second call to succeed, got %v", err)
	}
}

func TestNextRepeatsWholeQueue(t *testing.T) {
	ctx := context.Background()
	device := New(Options{})
	items, _ := device.SetQueue(ctx, song("a"))
	if _, err := device.InsertAfter(ctx, items[0].ItemID, song("b")); err != nil {
		t.Fatalf("InsertAfter failed: %v", err)
	}
	drain(device.Events())

	device.Next()
	device.Next()
	if device.NowPlaying() != 0 {
		t.Fatalf("expected wrap to index 0, got %d", device.NowPlaying())
	}

	got := drain(device.Events())
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 0 {
		t.Fatalf("unexpected now-playing events: %+v", got)
	}
	for _, event := range got {
		if event.Type != queue.NowPlayingIndexChanged {
			t.Fatalf("unexpected event type %v", event.Type)
		}
	}
}

func TestRunAdvancesWhilePlaying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	device := New(Options{TrackLength: 20 * time.Millisecond})
	defer device.Close()

	items, err := device.SetQueue(ctx, song("a"))
	if err != nil {
		t.Fatalf("SetQueue failed: %v", err)
	}
	if _, err := device.InsertAfter(ctx, items[0].ItemID, song("b")); err != nil {
		t.Fatalf("InsertAfter failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		device.Run(ctx)
	}()

	// paused devices hold their position
	time.Sleep(60 * time.Millisecond)
	if device.NowPlaying() != 0 {
		t.Fatalf("expected paused device to stay on 0, got %d", device.NowPlaying())
	}

	if err := device.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for advanced := false; !advanced; {
		select {
		case event := <-device.Events():
			advanced = event.Type == queue.NowPlayingIndexChanged && event.Index == 1
		case <-timeout:
			t.Fatalf("expected auto-advance to index 1")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRunWithoutTrackLengthReturns(t *testing.T) {
	device := New(Options{})
	defer device.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		device.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return without a track length")
	}
}

func TestLatencyHonorsContext(t *testing.T) {
	device := New(Options{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := device.SetQueue(ctx, song("a")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPlayEmptyQueue(t *testing.T) {
	device := New(Options{})
	if err := device.Play(context.Background()); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
}

func song(id string) models.Song {
	return models.Song{Title: "Title " + id, Artist: "Artist", CatalogID: id}
}

func assertOrder(t *testing.T, items []models.QueueEntry, ids ...string) {
	t.Helper()
	if len(items) != len(ids) {
		t.Fatalf("expected %d items, got %d", len(ids), len(items))
	}
	for i, id := range ids {
		if items[i].Song.CatalogID != id {
			t.Fatalf("item %d: expected %q, got %q", i, id, items[i].Song.CatalogID)
		}
	}
}

func drain(events <-chan queue.PlayerEvent) []queue.PlayerEvent {
	var out []queue.PlayerEvent
	for {
		select {
		case event := <-events:
			out = append(out, event)
		default:
			return out
		}
	}
}
