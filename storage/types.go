package storage

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	stateKeyRememberedDJID   = "remembered_dj.id"
	stateKeyRememberedDJName = "remembered_dj.name"
)

// ProfileRecord is the cached profile last received from a peer.
type ProfileRecord struct {
	DeviceID  string
	Name      string
	ImageURL  *string
	UpdatedAt int64
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
