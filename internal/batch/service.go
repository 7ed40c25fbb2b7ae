package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fedbtc/fedbtcd/internal/bitcoin"
	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
	"github.com/fedbtc/fedbtcd/internal/rsk"
	"github.com/fedbtc/fedbtcd/internal/storage"
)

// ChainAdapter is the sidechain surface the batch service drives.
// Implemented by *rsk.Client.
type ChainAdapter interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	GetUpdateHashForSending(ctx context.Context, btcTxHash string, transferIDs []string) ([]byte, error)
	GetUpdateHashForMined(ctx context.Context, transferIDs []string) ([]byte, error)
	MarkAsSending(ctx context.Context, btcTxHash string, transferIDs, signatures []string) error
	MarkAsMined(ctx context.Context, transferIDs, signatures []string) error
	SignMessage(msg []byte) ([]byte, error)
	Address() string
}

// BitcoinAdapter is the Bitcoin surface the batch service drives.
// Implemented by *bitcoin.Adapter.
type BitcoinAdapter interface {
	CreatePartialTx(ctx context.Context, transfers []models.Transfer, opts bitcoin.CreateOptions) (*bitcoin.PartialTx, error)
	Sign(p *bitcoin.PartialTx) error
	Submit(ctx context.Context, p *bitcoin.PartialTx) error
	GetTx(ctx context.Context, txHash string) (*bitcoin.WalletTransaction, error)
	NumRequired() int
}

// Validator is the gate run before signing or state transitions.
// Implemented by *validator.Validator.
type Validator interface {
	ValidateForSigningSendingUpdate(ctx context.Context, b *models.TransferBatch) error
	ValidateForSigningBitcoinTx(ctx context.Context, b *models.TransferBatch) error
	ValidateForSendingToBitcoin(ctx context.Context, b *models.TransferBatch) error
	ValidateForSigningMinedUpdate(ctx context.Context, b *models.TransferBatch) error
	ValidateSingleSignature(ctx context.Context, updateHash []byte, signer, signature string) error
}

// Service creates, loads, and advances transfer batches. The batch itself is
// a plain value object; all persistence goes through the store, one
// transaction per state transition.
type Service struct {
	db        *storage.DB
	chain     ChainAdapter
	btc       BitcoinAdapter
	validator Validator

	maxTransfers    int
	maxPassedBlocks uint64
	numSigners      int
}

// NewService wires the batch service.
func NewService(db *storage.DB, chain ChainAdapter, btc BitcoinAdapter, v Validator, maxTransfers int, maxPassedBlocks uint64, numSigners int) *Service {
	return &Service{
		db:              db,
		chain:           chain,
		btc:             btc,
		validator:       v,
		maxTransfers:    maxTransfers,
		maxPassedBlocks: maxPassedBlocks,
		numSigners:      numSigners,
	}
}

// GetCurrentBatch rehydrates the oldest non-terminal stored batch, or builds
// a fresh unpersisted batch from the next New transfers. A fresh batch is
// only persisted later, once it is due.
func (s *Service) GetCurrentBatch(ctx context.Context) (*models.TransferBatch, error) {
	var stored *models.StoredTransferBatch
	var transfers []models.Transfer

	err := s.db.InTransaction(func(st *storage.Store) error {
		var err error
		stored, err = st.GetCurrentPendingBatch()
		if err != nil {
			return err
		}
		if stored != nil {
			return nil
		}
		transfers, err = st.NextNewTransfers(s.maxTransfers)
		return err
	})
	if err != nil {
		return nil, err
	}

	if stored != nil {
		b, err := models.DecodeBatchDTO(stored.DTOJson)
		if err != nil {
			return nil, fmt.Errorf("rehydrate batch %s: %w", stored.BatchKey, err)
		}
		slog.Debug("rehydrated stored batch",
			"batchKey", stored.BatchKey,
			"transfers", len(b.Transfers),
		)
		return b, nil
	}

	if len(transfers) == 0 {
		return &models.TransferBatch{}, nil
	}

	partial, err := s.btc.CreatePartialTx(ctx, transfers, bitcoin.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("build partial tx: %w", err)
	}

	txHash, err := partial.EarlyTxHash()
	if err != nil {
		return nil, err
	}
	initialB64, err := partial.Base64()
	if err != nil {
		return nil, err
	}

	b := &models.TransferBatch{
		Transfers:     transfers,
		BitcoinTxHash: txHash,
		InitialPsbt:   initialB64,
	}

	slog.Info("new batch constructed",
		"transfers", len(transfers),
		"bitcoinTxHash", txHash,
	)
	return b, nil
}

// IsDue reports whether the batch should start its signing pipeline: either
// full, or its oldest transfer has waited long enough.
func (s *Service) IsDue(ctx context.Context, b *models.TransferBatch) (bool, error) {
	if len(b.Transfers) == 0 {
		return false, nil
	}
	if len(b.Transfers) >= s.maxTransfers {
		return true, nil
	}

	current, err := s.chain.CurrentBlock(ctx)
	if err != nil {
		return false, err
	}

	oldest := b.Transfers[0].RskBlockNumber
	return current >= oldest && current-oldest >= s.maxPassedBlocks, nil
}

// Persist stores the batch snapshot inside one transaction, refusing to
// create a second non-terminal batch.
func (s *Service) Persist(b *models.TransferBatch) error {
	if len(b.Transfers) == 0 {
		return fmt.Errorf("refusing to persist an empty batch")
	}

	return s.db.InTransaction(func(st *storage.Store) error {
		pending, err := st.GetCurrentPendingBatch()
		if err != nil {
			return err
		}
		if pending != nil && pending.BatchKey != storage.BatchKey(b.TransferIDs()) {
			return fmt.Errorf("%w: %s", config.ErrBatchExists, pending.BatchKey)
		}
		return st.UpsertBatch(b)
	})
}

// AddSendingSignatures merges peer signatures over the Sending update hash
// into the batch. Duplicates and post-threshold contributions are dropped.
// When the count reaches M-1 the local node co-signs to complete the set.
// Returns whether the batch changed; changed batches are persisted.
func (s *Service) AddSendingSignatures(ctx context.Context, b *models.TransferBatch, sigs []models.SignerSignature) (bool, error) {
	updateHash, err := s.chain.GetUpdateHashForSending(ctx, b.BitcoinTxHash, b.TransferIDs())
	if err != nil {
		return false, err
	}

	changed := false
	for _, ss := range sigs {
		if b.HasEnoughSendingSignatures(s.numSigners) {
			break
		}
		if b.HasSendingSigner(ss.Signer) {
			slog.Debug("duplicate sending signer dropped", "signer", ss.Signer)
			continue
		}
		if err := s.validator.ValidateSingleSignature(ctx, updateHash, ss.Signer, ss.Signature); err != nil {
			slog.Warn("rejected sending signature", "signer", ss.Signer, "error", err)
			continue
		}

		b.SendingSigners = append(b.SendingSigners, rsk.NormalizeAddress(ss.Signer))
		b.SendingSignatures = append(b.SendingSignatures, ss.Signature)
		changed = true

		// One short of the threshold: complete the set with our own signature.
		if len(b.SendingSignatures) == s.numSigners-1 && !b.HasSendingSigner(s.chain.Address()) {
			addr, sig, err := s.SignSendingUpdate(ctx, b)
			if err != nil {
				slog.Warn("local sending co-sign failed", "error", err)
				continue
			}
			b.SendingSigners = append(b.SendingSigners, addr)
			b.SendingSignatures = append(b.SendingSignatures, sig)
		}
	}

	if changed {
		if err := s.Persist(b); err != nil {
			return true, err
		}
	}
	return changed, nil
}

// AddMinedSignatures is the Mined-update analogue of AddSendingSignatures.
func (s *Service) AddMinedSignatures(ctx context.Context, b *models.TransferBatch, sigs []models.SignerSignature) (bool, error) {
	updateHash, err := s.chain.GetUpdateHashForMined(ctx, b.TransferIDs())
	if err != nil {
		return false, err
	}

	changed := false
	for _, ss := range sigs {
		if b.HasEnoughMinedSignatures(s.numSigners) {
			break
		}
		if b.HasMinedSigner(ss.Signer) {
			slog.Debug("duplicate mined signer dropped", "signer", ss.Signer)
			continue
		}
		if err := s.validator.ValidateSingleSignature(ctx, updateHash, ss.Signer, ss.Signature); err != nil {
			slog.Warn("rejected mined signature", "signer", ss.Signer, "error", err)
			continue
		}

		b.MinedSigners = append(b.MinedSigners, rsk.NormalizeAddress(ss.Signer))
		b.MinedSignatures = append(b.MinedSignatures, ss.Signature)
		changed = true

		if len(b.MinedSignatures) == s.numSigners-1 && !b.HasMinedSigner(s.chain.Address()) {
			addr, sig, err := s.SignMinedUpdate(ctx, b)
			if err != nil {
				slog.Warn("local mined co-sign failed", "error", err)
				continue
			}
			b.MinedSigners = append(b.MinedSigners, addr)
			b.MinedSignatures = append(b.MinedSignatures, sig)
		}
	}

	if changed {
		if err := s.Persist(b); err != nil {
			return true, err
		}
	}
	return changed, nil
}

// AddBitcoinSignatures absorbs peer PSBT contributions into the cumulative
// signed PSBT. Empty contributions and already-seen signers are dropped. The
// local node signs its own contribution first if it has not yet.
func (s *Service) AddBitcoinSignatures(ctx context.Context, b *models.TransferBatch, psbts []string) (bool, error) {
	signed, err := s.currentSignedPartialTx(b)
	if err != nil {
		return false, err
	}

	changed := false

	// Our own contribution comes first.
	before := signed.SignatureCount()
	if err := s.btc.Sign(signed); err != nil {
		return false, err
	}
	if signed.SignatureCount() > before {
		changed = true
	}

	for _, contributed := range psbts {
		if signed.SignatureCount() >= s.btc.NumRequired() {
			break
		}

		theirs, err := bitcoin.DecodePartialTx(contributed)
		if err != nil {
			slog.Warn("rejected unparseable psbt contribution", "error", err)
			continue
		}
		if theirs.SignatureCount() == 0 {
			slog.Warn("rejected empty psbt contribution")
			continue
		}

		added, err := signed.Combine(theirs)
		if err != nil {
			slog.Warn("rejected psbt contribution", "error", err)
			continue
		}
		if added > 0 {
			changed = true
		}
	}

	if changed {
		b.SignedPsbt, err = signed.Base64()
		if err != nil {
			return true, err
		}
		if err := s.Persist(b); err != nil {
			return true, err
		}
	}
	return changed, nil
}

// HasEnoughBitcoinSignatures reports whether the cumulative signed PSBT meets
// the Bitcoin multisig threshold.
func (s *Service) HasEnoughBitcoinSignatures(b *models.TransferBatch) bool {
	if b.SignedPsbt == "" {
		return false
	}
	signed, err := bitcoin.DecodePartialTx(b.SignedPsbt)
	if err != nil {
		return false
	}
	return signed.SignatureCount() >= s.btc.NumRequired()
}

// MarkAsSendingInChain submits markTransfersAsSending, waits out the
// confirmation window, then moves transfer statuses and the batch flag in one
// transaction. Re-marking an already marked batch is a no-op.
func (s *Service) MarkAsSendingInChain(ctx context.Context, b *models.TransferBatch) error {
	if b.MarkedSending {
		return nil
	}
	if !b.HasEnoughSendingSignatures(s.numSigners) {
		return fmt.Errorf("batch has %d of %d required sending signatures",
			len(b.SendingSignatures), s.numSigners)
	}

	if err := s.chain.MarkAsSending(ctx, b.BitcoinTxHash, b.TransferIDs(), b.SendingSignatures); err != nil {
		return err
	}

	b.MarkedSending = true
	for i := range b.Transfers {
		b.Transfers[i].Status = models.StatusSending
		b.Transfers[i].BtcTxHash = b.BitcoinTxHash
	}

	return s.db.InTransaction(func(st *storage.Store) error {
		ids := b.TransferIDs()
		if err := st.UpdateTransferStatus(ids, models.StatusSending); err != nil {
			return err
		}
		if err := st.SetTransferBtcTxHash(ids, b.BitcoinTxHash); err != nil {
			return err
		}
		return st.UpsertBatch(b)
	})
}

// MarkAsMinedInChain is the Mined analogue of MarkAsSendingInChain; the batch
// becomes terminal.
func (s *Service) MarkAsMinedInChain(ctx context.Context, b *models.TransferBatch) error {
	if b.MarkedMined {
		return nil
	}
	if !b.HasEnoughMinedSignatures(s.numSigners) {
		return fmt.Errorf("batch has %d of %d required mined signatures",
			len(b.MinedSignatures), s.numSigners)
	}

	if err := s.chain.MarkAsMined(ctx, b.TransferIDs(), b.MinedSignatures); err != nil {
		return err
	}

	b.MarkedMined = true
	for i := range b.Transfers {
		b.Transfers[i].Status = models.StatusMined
	}

	return s.db.InTransaction(func(st *storage.Store) error {
		if err := st.UpdateTransferStatus(b.TransferIDs(), models.StatusMined); err != nil {
			return err
		}
		return st.UpsertBatch(b)
	})
}

// SendToBitcoin validates and broadcasts the signed batch transaction. An
// already confirmed transaction counts as sent without error.
func (s *Service) SendToBitcoin(ctx context.Context, b *models.TransferBatch) error {
	if b.SentToBitcoin {
		return nil
	}

	if err := s.validator.ValidateForSendingToBitcoin(ctx, b); err != nil {
		return err
	}

	tx, err := s.btc.GetTx(ctx, b.BitcoinTxHash)
	if err != nil {
		return err
	}
	if tx == nil || tx.Confirmations < 1 {
		signed, err := bitcoin.DecodePartialTx(b.SignedPsbt)
		if err != nil {
			return fmt.Errorf("decode signed psbt: %w", err)
		}
		if err := s.btc.Submit(ctx, signed); err != nil {
			return err
		}
	}

	b.SentToBitcoin = true
	return s.Persist(b)
}

// IsSentToBitcoin reports whether the batch transaction is on the network:
// either flagged locally or confirmed in at least one block on the node.
func (s *Service) IsSentToBitcoin(ctx context.Context, b *models.TransferBatch) (bool, error) {
	if b.SentToBitcoin {
		return true, nil
	}
	tx, err := s.btc.GetTx(ctx, b.BitcoinTxHash)
	if err != nil {
		return false, err
	}
	return tx != nil && tx.Confirmations >= 1, nil
}

// SignSendingUpdate validates the batch and signs the Sending update hash
// with the local federator key.
func (s *Service) SignSendingUpdate(ctx context.Context, b *models.TransferBatch) (string, string, error) {
	if err := s.validator.ValidateForSigningSendingUpdate(ctx, b); err != nil {
		return "", "", err
	}

	updateHash, err := s.chain.GetUpdateHashForSending(ctx, b.BitcoinTxHash, b.TransferIDs())
	if err != nil {
		return "", "", err
	}

	sig, err := s.chain.SignMessage(updateHash)
	if err != nil {
		return "", "", err
	}
	return s.chain.Address(), rsk.EncodeHexSignature(sig), nil
}

// SignMinedUpdate validates the batch and signs the Mined update hash with
// the local federator key.
func (s *Service) SignMinedUpdate(ctx context.Context, b *models.TransferBatch) (string, string, error) {
	if err := s.validator.ValidateForSigningMinedUpdate(ctx, b); err != nil {
		return "", "", err
	}

	updateHash, err := s.chain.GetUpdateHashForMined(ctx, b.TransferIDs())
	if err != nil {
		return "", "", err
	}

	sig, err := s.chain.SignMessage(updateHash)
	if err != nil {
		return "", "", err
	}
	return s.chain.Address(), rsk.EncodeHexSignature(sig), nil
}

// SignBitcoinTx validates the batch and returns the local PSBT contribution.
func (s *Service) SignBitcoinTx(ctx context.Context, b *models.TransferBatch) (string, error) {
	if err := s.validator.ValidateForSigningBitcoinTx(ctx, b); err != nil {
		return "", err
	}

	contribution, err := bitcoin.DecodePartialTx(b.InitialPsbt)
	if err != nil {
		return "", fmt.Errorf("decode initial psbt: %w", err)
	}
	if err := s.btc.Sign(contribution); err != nil {
		return "", err
	}
	return contribution.Base64()
}

func (s *Service) currentSignedPartialTx(b *models.TransferBatch) (*bitcoin.PartialTx, error) {
	src := b.SignedPsbt
	if src == "" {
		src = b.InitialPsbt
	}
	p, err := bitcoin.DecodePartialTx(src)
	if err != nil {
		return nil, fmt.Errorf("decode cumulative psbt: %w", err)
	}
	return p, nil
}
