package storage

import (
	"errors"
	"testing"
	"time"

	"djmesh/models"
)

func TestProfileUpsertAndLastWriteWins(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveProfile("peer-1", models.PeerProfile{Name: "Ana", ImageURL: "https://example.com/a.png"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := store.SaveProfile("peer-1", models.PeerProfile{Name: "DJ Ana"}); err != nil {
		t.Fatalf("second SaveProfile failed: %v", err)
	}

	record, err := store.GetProfile("peer-1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if record.Name != "DJ Ana" {
		t.Fatalf("expected latest name, got %q", record.Name)
	}
	if record.ImageURL != nil {
		t.Fatalf("expected image to be cleared, got %q", *record.ImageURL)
	}
}

func TestLoadProfilesBuildsBook(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveProfile("peer-1", models.PeerProfile{Name: "Ana", ImageURL: "https://example.com/a.png"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := store.SaveProfile("peer-2", models.PeerProfile{Name: "Ben"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	book, err := store.LoadProfiles()
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}
	if len(book) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(book))
	}
	if book["peer-1"].ImageURL != "https://example.com/a.png" || book["peer-2"].Name != "Ben" {
		t.Fatalf("unexpected book %+v", book)
	}
}

func TestProfileValidationAndMissingRows(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertProfile(ProfileRecord{Name: "No ID"}); err == nil {
		t.Fatalf("expected error for missing device_id")
	}
	if _, err := store.GetProfile("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteProfile("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestPruneProfiles(t *testing.T) {
	store := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if err := store.UpsertProfile(ProfileRecord{DeviceID: "stale", Name: "Old", UpdatedAt: old}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}
	if err := store.SaveProfile("fresh", models.PeerProfile{Name: "New"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	pruned, err := store.PruneProfiles(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneProfiles failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned profile, got %d", pruned)
	}

	records, err := store.ListProfiles()
	if err != nil {
		t.Fatalf("ListProfiles failed: %v", err)
	}
	if len(records) != 1 || records[0].DeviceID != "fresh" {
		t.Fatalf("unexpected remaining profiles %+v", records)
	}
}
