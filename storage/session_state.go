package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"djmesh/models"
)

// SetState stores a session state value.
func (s *Store) SetState(key, value string) error {
	if key == "" {
		return errors.New("state key is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO session_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// GetState returns a session state value, or ErrNotFound.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM session_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return value, nil
}

// DeleteState removes keys. Missing keys are ignored.
func (s *Store) DeleteState(keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.Exec(`DELETE FROM session_state WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete state %q: %w", key, err)
		}
	}
	return nil
}

// SaveRememberedDJ persists the DJ a listener last joined.
func (s *Store) SaveRememberedDJ(peer models.PeerIdentity) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin remembered dj transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := nowUnixMilli()
	for key, value := range map[string]string{
		stateKeyRememberedDJID:   peer.ID,
		stateKeyRememberedDJName: peer.DisplayName,
	} {
		if _, err := tx.Exec(
			`INSERT INTO session_state (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			key, value, now,
		); err != nil {
			return fmt.Errorf("save remembered dj: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remembered dj: %w", err)
	}
	return nil
}

// LoadRememberedDJ returns the persisted DJ, if any.
func (s *Store) LoadRememberedDJ() (models.PeerIdentity, bool, error) {
	id, err := s.GetState(stateKeyRememberedDJID)
	if errors.Is(err, ErrNotFound) {
		return models.PeerIdentity{}, false, nil
	}
	if err != nil {
		return models.PeerIdentity{}, false, err
	}

	name, err := s.GetState(stateKeyRememberedDJName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.PeerIdentity{}, false, err
	}
	return models.PeerIdentity{ID: id, DisplayName: name}, true, nil
}

// ClearRememberedDJ forgets the persisted DJ.
func (s *Store) ClearRememberedDJ() error {
	return s.DeleteState(stateKeyRememberedDJID, stateKeyRememberedDJName)
}
