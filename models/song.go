package models

// Song is an immutable catalog track reference.
type Song struct {
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	ArtworkURL      string `json:"artwork_url"`
	CatalogID       string `json:"catalog_id"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
}

// Equal reports whether two songs refer to the same catalog track.
func (s Song) Equal(other Song) bool {
	return s.CatalogID == other.CatalogID
}

// QueueEntry is one slot of the player's canonical queue.
type QueueEntry struct {
	ItemID   string `json:"item_id"`
	Song     Song   `json:"song"`
	Position int    `json:"position"`
}

// SongsOf returns the songs of entries in queue order.
func SongsOf(entries []QueueEntry) []Song {
	songs := make([]Song, 0, len(entries))
	for _, entry := range entries {
		songs = append(songs, entry.Song)
	}
	return songs
}

// NowPlayingUnknown marks a now-playing pointer that does not reference any entry.
const NowPlayingUnknown = -1
