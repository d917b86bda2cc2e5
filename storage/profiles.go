package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"djmesh/models"
)

// UpsertProfile stores the latest profile for a peer. Last write wins.
func (s *Store) UpsertProfile(record ProfileRecord) error {
	if record.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peer_profiles (device_id, name, image_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			image_url = excluded.image_url,
			updated_at = excluded.updated_at`,
		record.DeviceID,
		record.Name,
		nullString(record.ImageURL),
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %q: %w", record.DeviceID, err)
	}
	return nil
}

// GetProfile fetches the cached profile for deviceID.
func (s *Store) GetProfile(deviceID string) (*ProfileRecord, error) {
	row := s.db.QueryRow(
		`SELECT device_id, name, image_url, updated_at
		FROM peer_profiles
		WHERE device_id = ?`,
		deviceID,
	)

	record, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile %q: %w", deviceID, err)
	}
	return record, nil
}

// ListProfiles returns every cached profile, most recently updated first.
func (s *Store) ListProfiles() ([]ProfileRecord, error) {
	rows, err := s.db.Query(
		`SELECT device_id, name, image_url, updated_at
		FROM peer_profiles
		ORDER BY updated_at DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	records := make([]ProfileRecord, 0)
	for rows.Next() {
		record, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile rows: %w", err)
	}
	return records, nil
}

// DeleteProfile removes a cached profile.
func (s *Store) DeleteProfile(deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM peer_profiles WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete profile %q: %w", deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneProfiles deletes profiles not updated since cutoff.
func (s *Store) PruneProfiles(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM peer_profiles WHERE updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune profiles: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune profiles rows affected: %w", err)
	}
	return affected, nil
}

// SaveProfile caches profile for deviceID.
func (s *Store) SaveProfile(deviceID string, profile models.PeerProfile) error {
	record := ProfileRecord{DeviceID: deviceID, Name: profile.Name}
	if profile.ImageURL != "" {
		imageURL := profile.ImageURL
		record.ImageURL = &imageURL
	}
	return s.UpsertProfile(record)
}

// LoadProfiles returns the cached profile book keyed by device ID.
func (s *Store) LoadProfiles() (map[string]models.PeerProfile, error) {
	records, err := s.ListProfiles()
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.PeerProfile, len(records))
	for _, record := range records {
		profile := models.PeerProfile{Name: record.Name}
		if record.ImageURL != nil {
			profile.ImageURL = *record.ImageURL
		}
		out[record.DeviceID] = profile
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(scanner rowScanner) (*ProfileRecord, error) {
	var (
		record   ProfileRecord
		imageURL sql.NullString
	)
	if err := scanner.Scan(&record.DeviceID, &record.Name, &imageURL, &record.UpdatedAt); err != nil {
		return nil, err
	}
	record.ImageURL = stringPtr(imageURL)
	return &record, nil
}
