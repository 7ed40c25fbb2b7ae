package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
)

const transferColumns = `transfer_id, status, btc_address, nonce, total_amount_sat,
	rsk_address, rsk_tx_hash, rsk_tx_index, rsk_log_index, rsk_block_number, btc_tx_hash`

// InsertTransfer stores a newly indexed transfer. Re-inserting an existing
// transfer id is a no-op so event replay stays idempotent.
func (s *Store) InsertTransfer(t models.Transfer) error {
	_, err := s.q.Exec(`
		INSERT INTO transfers (transfer_id, status, btc_address, nonce, total_amount_sat,
			rsk_address, rsk_tx_hash, rsk_tx_index, rsk_log_index, rsk_block_number, btc_tx_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transfer_id) DO NOTHING`,
		strings.ToLower(t.TransferID), t.Status, t.BtcAddress, t.Nonce, t.TotalAmountSat,
		strings.ToLower(t.RskAddress), t.RskTxHash, t.RskTxIndex, t.RskLogIndex,
		t.RskBlockNumber, nullable(t.BtcTxHash),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %s: %w", t.TransferID, err)
	}
	return nil
}

// FindTransfers returns the transfers for the given ids, in the order the ids
// were given. Missing ids yield ErrTransferNotFound.
func (s *Store) FindTransfers(ids []string) ([]models.Transfer, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = strings.ToLower(id)
	}

	rows, err := s.q.Query(
		`SELECT `+transferColumns+` FROM transfers WHERE transfer_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("find transfers: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Transfer, len(ids))
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		byID[strings.ToLower(t.TransferID)] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find transfers rows: %w", err)
	}

	out := make([]models.Transfer, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[strings.ToLower(id)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", config.ErrTransferNotFound, id)
		}
		out = append(out, t)
	}
	return out, nil
}

// NextNewTransfers returns up to limit transfers with status New, in the
// deterministic batch order (block, tx index, log index).
func (s *Store) NextNewTransfers(limit int) ([]models.Transfer, error) {
	rows, err := s.q.Query(`
		SELECT `+transferColumns+` FROM transfers
		WHERE status = ?
		ORDER BY rsk_block_number, rsk_tx_index, rsk_log_index
		LIMIT ?`,
		models.StatusNew, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("next new transfers: %w", err)
	}
	defer rows.Close()

	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("next new transfers rows: %w", err)
	}
	return out, nil
}

// UpdateTransferStatus bulk-updates the status of the given transfers.
func (s *Store) UpdateTransferStatus(ids []string, status models.TransferStatus) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, status)
	for _, id := range ids {
		args = append(args, strings.ToLower(id))
	}

	if _, err := s.q.Exec(
		`UPDATE transfers SET status = ? WHERE transfer_id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	return nil
}

// SetTransferBtcTxHash records the Bitcoin transaction chosen for the transfers.
func (s *Store) SetTransferBtcTxHash(ids []string, btcTxHash string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, btcTxHash)
	for _, id := range ids {
		args = append(args, strings.ToLower(id))
	}

	if _, err := s.q.Exec(
		`UPDATE transfers SET btc_tx_hash = ? WHERE transfer_id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("set transfer btc tx hash: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(r rowScanner) (models.Transfer, error) {
	var t models.Transfer
	var btcTxHash sql.NullString
	if err := r.Scan(
		&t.TransferID, &t.Status, &t.BtcAddress, &t.Nonce, &t.TotalAmountSat,
		&t.RskAddress, &t.RskTxHash, &t.RskTxIndex, &t.RskLogIndex,
		&t.RskBlockNumber, &btcTxHash,
	); err != nil {
		return models.Transfer{}, fmt.Errorf("scan transfer: %w", err)
	}
	t.BtcTxHash = btcTxHash.String
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
