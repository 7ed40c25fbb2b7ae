package validator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/fedbtc/fedbtcd/internal/bitcoin"
	"github.com/fedbtc/fedbtcd/internal/models"
	"github.com/fedbtc/fedbtcd/internal/rsk"
)

// ChainReader is the sidechain state the validator reads. Implemented by
// *rsk.Client.
type ChainReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	GetTransfer(ctx context.Context, btcAddress string, nonce uint8, block *big.Int) (*rsk.TransferView, error)
	Federators(ctx context.Context) ([]string, error)
	GetUpdateHashForSending(ctx context.Context, btcTxHash string, transferIDs []string) ([]byte, error)
	GetUpdateHashForMined(ctx context.Context, transferIDs []string) ([]byte, error)
	Recover(msg, sig []byte) (string, error)
	RequiredConfirmations() uint64
}

// BitcoinReader is the Bitcoin-side state the validator reads. Implemented by
// *bitcoin.Adapter.
type BitcoinReader interface {
	TransfersFrom(p *bitcoin.PartialTx) ([]bitcoin.PaymentOutput, error)
	GetTx(ctx context.Context, txHash string) (*bitcoin.WalletTransaction, error)
	NumRequired() int
}

// Validator is the pure gate run before every state transition and before
// accepting any peer-provided artefact. It reads chain state but never
// mutates anything.
type Validator struct {
	chain      ChainReader
	btc        BitcoinReader
	numSigners int
}

// New creates a batch validator. numSigners is the sidechain signature
// threshold (M).
func New(chain ChainReader, btc BitcoinReader, numSigners int) *Validator {
	return &Validator{chain: chain, btc: btc, numSigners: numSigners}
}

// ValidateForSigningSendingUpdate checks that a batch is safe to sign the
// Sending update for: every transfer is still New on chain and its amount is
// stable across the reorg window, and the PSBT matches the batch exactly.
func (v *Validator) ValidateForSigningSendingUpdate(ctx context.Context, batch *models.TransferBatch) error {
	return v.validateBase(ctx, batch, models.StatusNew)
}

// ValidateForSigningBitcoinTx additionally requires the sidechain Sending
// signatures to have reached the threshold and the chain status to be Sending.
func (v *Validator) ValidateForSigningBitcoinTx(ctx context.Context, batch *models.TransferBatch) error {
	if err := v.validateBase(ctx, batch, models.StatusSending); err != nil {
		return err
	}
	if !batch.HasEnoughSendingSignatures(v.numSigners) {
		return Errorf("batch has %d of %d required sending signatures",
			len(batch.SendingSignatures), v.numSigners)
	}
	return nil
}

// ValidateForSendingToBitcoin additionally requires a signed PSBT carrying at
// least M signatures and the batch to be marked Sending on chain.
func (v *Validator) ValidateForSendingToBitcoin(ctx context.Context, batch *models.TransferBatch) error {
	if err := v.ValidateForSigningBitcoinTx(ctx, batch); err != nil {
		return err
	}
	if batch.SignedPsbt == "" {
		return Errorf("batch has no signed psbt")
	}

	signed, err := bitcoin.DecodePartialTx(batch.SignedPsbt)
	if err != nil {
		return Errorf("signed psbt does not parse: %v", err)
	}
	if err := v.validatePsbtShape(signed, batch); err != nil {
		return err
	}
	if got := signed.SignatureCount(); got < v.btc.NumRequired() {
		return Errorf("signed psbt has %d of %d required bitcoin signatures",
			got, v.btc.NumRequired())
	}
	if !batch.MarkedSending {
		return Errorf("batch is not marked as sending on chain")
	}
	return nil
}

// ValidateForSigningMinedUpdate additionally requires the Bitcoin transaction
// to be confirmed at least one block deep while the chain still says Sending.
func (v *Validator) ValidateForSigningMinedUpdate(ctx context.Context, batch *models.TransferBatch) error {
	if err := v.validateBase(ctx, batch, models.StatusSending); err != nil {
		return err
	}

	tx, err := v.btc.GetTx(ctx, batch.BitcoinTxHash)
	if err != nil {
		return fmt.Errorf("query bitcoin tx %s: %w", batch.BitcoinTxHash, err)
	}
	if tx == nil || tx.Confirmations < 1 {
		return Errorf("bitcoin tx %s is not confirmed", batch.BitcoinTxHash)
	}
	return nil
}

// ValidateComplete checks that the batch is terminal-ready.
func (v *Validator) ValidateComplete(ctx context.Context, batch *models.TransferBatch) error {
	if err := v.ValidateForSigningMinedUpdate(ctx, batch); err != nil {
		return err
	}
	if !batch.HasEnoughMinedSignatures(v.numSigners) {
		return Errorf("batch has %d of %d required mined signatures",
			len(batch.MinedSignatures), v.numSigners)
	}
	if !batch.SentToBitcoin {
		return Errorf("batch is not sent to bitcoin")
	}
	return nil
}

// validateBase runs the checks common to every transition: non-empty batch,
// expected chain status, reorg-stable amounts, and PSBT shape.
func (v *Validator) validateBase(ctx context.Context, batch *models.TransferBatch, wantStatus models.TransferStatus) error {
	if len(batch.Transfers) == 0 {
		return Errorf("batch has no transfers")
	}

	currentBlock, err := v.chain.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("read current block: %w", err)
	}

	var reorgBlock *big.Int
	if depth := v.chain.RequiredConfirmations(); currentBlock > depth {
		reorgBlock = new(big.Int).SetUint64(currentBlock - depth)
	}

	for _, t := range batch.Transfers {
		view, err := v.chain.GetTransfer(ctx, t.BtcAddress, t.Nonce, nil)
		if err != nil {
			return fmt.Errorf("read transfer %s: %w", t.TransferID, err)
		}

		if view.Status != wantStatus {
			return Errorf("transfer %s has chain status %s, want %s",
				t.TransferID, view.Status, wantStatus)
		}
		if view.TotalAmountSatoshi != t.TotalAmountSat {
			return Errorf("transfer %s amount %d does not match chain amount %d",
				t.TransferID, t.TotalAmountSat, view.TotalAmountSatoshi)
		}
		if derived := rsk.DeriveTransferID(t.BtcAddress, t.Nonce); !strings.EqualFold(derived, t.TransferID) {
			return Errorf("transfer id %s does not match derivation %s", t.TransferID, derived)
		}

		if reorgBlock != nil {
			old, err := v.chain.GetTransfer(ctx, t.BtcAddress, t.Nonce, reorgBlock)
			if err != nil {
				return fmt.Errorf("read transfer %s at block %s: %w", t.TransferID, reorgBlock, err)
			}
			if old.TotalAmountSatoshi != t.TotalAmountSat {
				return Errorf("transfer %s amount %d differs at reorg depth (%d)",
					t.TransferID, t.TotalAmountSat, old.TotalAmountSatoshi)
			}
		}
	}

	initial, err := bitcoin.DecodePartialTx(batch.InitialPsbt)
	if err != nil {
		return Errorf("initial psbt does not parse: %v", err)
	}
	return v.validatePsbtShape(initial, batch)
}

// validatePsbtShape checks that a PSBT pays exactly the batch's transfers in
// order and that its early txid matches the recorded hash.
func (v *Validator) validatePsbtShape(p *bitcoin.PartialTx, batch *models.TransferBatch) error {
	payments, err := v.btc.TransfersFrom(p)
	if err != nil {
		return Errorf("psbt shape: %v", err)
	}
	if len(payments) != len(batch.Transfers) {
		return Errorf("psbt pays %d transfers, batch has %d", len(payments), len(batch.Transfers))
	}

	for i, payment := range payments {
		t := batch.Transfers[i]
		if payment.BtcAddress != t.BtcAddress || payment.Nonce != t.Nonce {
			return Errorf("psbt payment %d is %s/%d, batch has %s/%d",
				i, payment.BtcAddress, payment.Nonce, t.BtcAddress, t.Nonce)
		}
		if payment.AmountSat != int64(t.TotalAmountSat) {
			return Errorf("psbt payment %d pays %d sats, batch has %d",
				i, payment.AmountSat, t.TotalAmountSat)
		}
	}

	txHash, err := p.EarlyTxHash()
	if err != nil {
		return Errorf("psbt early txid: %v", err)
	}
	if txHash != batch.BitcoinTxHash {
		return Errorf("psbt txid %s does not match batch txid %s", txHash, batch.BitcoinTxHash)
	}
	return nil
}
