package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Well-known key-value keys.
const (
	KeyLastIndexedBlock = "last-indexed-block"
)

// GetKeyValue returns the value for key, or "" if the key is absent.
func (s *Store) GetKeyValue(key string) (string, error) {
	var value string
	err := s.q.QueryRow(`SELECT value FROM key_values WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get key value %q: %w", key, err)
	}
	return value, nil
}

// SetKeyValue upserts a key-value pair.
func (s *Store) SetKeyValue(key, value string) error {
	if _, err := s.q.Exec(`
		INSERT INTO key_values (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value,
	); err != nil {
		return fmt.Errorf("set key value %q: %w", key, err)
	}
	return nil
}

// GetLastIndexedBlock returns the last sidechain block whose events were
// indexed, or fallback when no block has been recorded yet.
func (s *Store) GetLastIndexedBlock(fallback uint64) (uint64, error) {
	v, err := s.GetKeyValue(KeyLastIndexedBlock)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last indexed block %q: %w", v, err)
	}
	return n, nil
}

// SetLastIndexedBlock records the last indexed sidechain block.
func (s *Store) SetLastIndexedBlock(block uint64) error {
	return s.SetKeyValue(KeyLastIndexedBlock, strconv.FormatUint(block, 10))
}
