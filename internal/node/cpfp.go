package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fedbtc/fedbtcd/internal/bitcoin"
	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
	"github.com/fedbtc/fedbtcd/internal/p2p"
	"github.com/fedbtc/fedbtcd/internal/rsk"
)

// cpfpState tracks an in-progress child-pays-for-parent fee bump.
type cpfpState struct {
	parentTxHash     string
	requestID        string
	child            *bitcoin.PartialTx
	firstUnconfirmed time.Time
}

// maybeCpfp bumps the batch transaction with a child spending its change
// output once it has been stuck unconfirmed past the threshold.
func (n *Node) maybeCpfp(ctx context.Context, b *models.TransferBatch) {
	tx, err := n.btc.GetTx(ctx, b.BitcoinTxHash)
	if err != nil {
		slog.Warn("cpfp confirmation check failed", "error", err)
		return
	}
	if tx != nil && tx.Confirmations >= 1 {
		n.cpfp = nil
		return
	}

	if n.cpfp == nil || n.cpfp.parentTxHash != b.BitcoinTxHash {
		n.cpfp = &cpfpState{
			parentTxHash:     b.BitcoinTxHash,
			firstUnconfirmed: time.Now(),
		}
		return
	}

	if time.Since(n.cpfp.firstUnconfirmed) < config.CpfpStuckThreshold {
		return
	}

	slog.Info("batch transaction stuck, starting cpfp fee bump",
		"parentTxHash", b.BitcoinTxHash,
		"stuckFor", time.Since(n.cpfp.firstUnconfirmed).Round(time.Second),
	)

	if err := n.runCpfp(ctx, b); err != nil {
		slog.Warn("cpfp fee bump failed", "error", err)
	}
}

// runCpfp builds the child transaction, gathers co-signatures in a bounded
// inner loop, and submits the bump.
func (n *Node) runCpfp(ctx context.Context, b *models.TransferBatch) error {
	child, err := n.btc.CreateCpfpTx(ctx, b.SignedPsbt)
	if err != nil {
		return err
	}
	if err := n.btc.Sign(child); err != nil {
		return err
	}

	n.cpfp.child = child
	n.cpfp.requestID = uuid.NewString()

	dto, err := models.EncodeBatchDTO(b)
	if err != nil {
		return err
	}
	childB64, err := child.Base64()
	if err != nil {
		return err
	}

	request := p2p.CpfpRequestPayload{
		DTO:       dto,
		CpfpTx:    childB64,
		RequestID: n.cpfp.requestID,
	}

	deadline := time.Now().Add(config.CpfpGatherTimeout)
	for n.cpfp.child.SignatureCount() < n.btc.NumRequired() {
		if time.Now().After(deadline) {
			return config.ErrCpfpTimeout
		}

		if err := n.group.Broadcast(ctx, p2p.MsgRequestCpfpSignature, request); err != nil {
			slog.Debug("cpfp request broadcast failed", "error", err)
		}

		if done := n.sleepAndDrain(ctx, config.CpfpRebroadcastEvery); done {
			return ctx.Err()
		}
	}

	if err := n.btc.Submit(ctx, n.cpfp.child); err != nil {
		return err
	}

	childHash, _ := n.cpfp.child.EarlyTxHash()
	slog.Info("cpfp child transaction submitted",
		"parentTxHash", n.cpfp.parentTxHash,
		"childTxHash", childHash,
	)
	n.cpfp = nil
	return nil
}

func (n *Node) handleCpfpRequest(ctx context.Context, env p2p.Envelope) {
	if !rsk.SameAddress(env.SourceNodeID, n.election.Current()) {
		slog.Info("ignoring cpfp request from non-initiator", "source", env.SourceNodeID)
		return
	}

	var payload p2p.CpfpRequestPayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad cpfp request payload", "error", err)
		return
	}

	b, err := models.DecodeBatchDTO(payload.DTO)
	if err != nil {
		slog.Warn("bad dto in cpfp request", "error", err)
		return
	}

	child, err := n.btc.ValidateCpfpChild(payload.CpfpTx, b.BitcoinTxHash)
	if err != nil {
		slog.Warn("rejected cpfp request", "error", err)
		return
	}

	// The parent must be ours and genuinely unconfirmed.
	tx, err := n.btc.GetTx(ctx, b.BitcoinTxHash)
	if err != nil {
		slog.Warn("cpfp parent lookup failed", "error", err)
		return
	}
	if tx == nil {
		slog.Warn("rejected cpfp request for unknown parent", "parentTxHash", b.BitcoinTxHash)
		return
	}
	if tx.Confirmations >= 1 {
		slog.Info("ignoring cpfp request for confirmed parent", "parentTxHash", b.BitcoinTxHash)
		return
	}

	if err := n.btc.Sign(child); err != nil {
		slog.Warn("cpfp co-sign failed", "error", err)
		return
	}

	signed, err := child.Base64()
	if err != nil {
		slog.Warn("cpfp serialize failed", "error", err)
		return
	}

	if err := n.group.Send(ctx, env.SourceNodeID, p2p.MsgCpfpSignatureResponse, p2p.CpfpResponsePayload{
		CpfpTx:    signed,
		RequestID: payload.RequestID,
	}); err != nil {
		slog.Debug("cpfp response delivery failed", "error", err)
	}
}

func (n *Node) handleCpfpResponse(env p2p.Envelope) {
	if n.cpfp == nil || n.cpfp.child == nil {
		return
	}

	var payload p2p.CpfpResponsePayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad cpfp response payload", "error", err)
		return
	}
	if payload.RequestID != n.cpfp.requestID {
		slog.Debug("dropping cpfp response for stale request", "requestId", payload.RequestID)
		return
	}

	theirs, err := bitcoin.DecodePartialTx(payload.CpfpTx)
	if err != nil {
		slog.Warn("bad cpfp response psbt", "error", err)
		return
	}

	if _, err := n.cpfp.child.Combine(theirs); err != nil {
		slog.Warn("combining cpfp response failed", "error", err)
	}
}
