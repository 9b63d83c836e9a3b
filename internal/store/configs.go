package store

import (
	"database/sql"
	"fmt"
)

// GetConfig returns the value for a config key, or "" when absent.
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM configs WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig inserts or replaces a config key.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO configs (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// DeleteConfig removes a config key.
func (s *Store) DeleteConfig(key string) error {
	_, err := s.db.Exec("DELETE FROM configs WHERE key = ?", key)
	return err
}
