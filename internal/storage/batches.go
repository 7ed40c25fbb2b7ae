package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fedbtc/fedbtcd/internal/models"
)

// BatchKey derives the stable identifier of a stored batch: the hash of its
// sorted transfer id set.
func BatchKey(transferIDs []string) string {
	ids := make([]string, len(transferIDs))
	for i, id := range transferIDs {
		ids[i] = strings.ToLower(id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetCurrentPendingBatch returns the oldest non-terminal stored batch, or nil
// if none exists. When more than one non-terminal batch exists the oldest wins.
func (s *Store) GetCurrentPendingBatch() (*models.StoredTransferBatch, error) {
	row := s.q.QueryRow(`
		SELECT id, batch_key, created_at, terminal, dto_json
		FROM transfer_batches
		WHERE terminal = 0
		ORDER BY created_at, id
		LIMIT 1`)

	var sb models.StoredTransferBatch
	var terminal int
	err := row.Scan(&sb.ID, &sb.BatchKey, &sb.CreatedAt, &terminal, &sb.DTOJson)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current pending batch: %w", err)
	}
	sb.Terminal = terminal != 0
	return &sb, nil
}

// UpsertBatch persists a batch snapshot, keyed by its sorted transfer id set.
// An existing row keeps its created_at so the oldest-wins ordering is stable.
func (s *Store) UpsertBatch(b *models.TransferBatch) error {
	dto, err := models.EncodeBatchDTO(b)
	if err != nil {
		return err
	}

	key := BatchKey(b.TransferIDs())
	terminal := 0
	if b.IsTerminal() {
		terminal = 1
	}

	if _, err := s.q.Exec(`
		INSERT INTO transfer_batches (batch_key, terminal, dto_json)
		VALUES (?, ?, ?)
		ON CONFLICT (batch_key) DO UPDATE SET
			terminal = excluded.terminal,
			dto_json = excluded.dto_json`,
		key, terminal, dto,
	); err != nil {
		return fmt.Errorf("upsert batch %s: %w", key, err)
	}
	return nil
}

// CountNonTerminalBatches returns the number of stored batches still in flight.
func (s *Store) CountNonTerminalBatches() (int, error) {
	var n int
	if err := s.q.QueryRow(
		`SELECT COUNT(*) FROM transfer_batches WHERE terminal = 0`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count non-terminal batches: %w", err)
	}
	return n, nil
}
