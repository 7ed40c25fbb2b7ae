package node

import (
	"context"
	"log/slog"

	"github.com/fedbtc/fedbtcd/internal/models"
	"github.com/fedbtc/fedbtcd/internal/p2p"
	"github.com/fedbtc/fedbtcd/internal/rsk"
	"github.com/fedbtc/fedbtcd/internal/validator"
)

// handleMessage dispatches one inbound peer message. Errors never propagate
// past this boundary: a bad message is logged and dropped.
func (n *Node) handleMessage(ctx context.Context, env p2p.Envelope) {
	switch env.Type {
	case p2p.MsgInitiatorSyncRequest:
		n.handleInitiatorSync(ctx, env, true)
	case p2p.MsgInitiatorSyncResponse:
		n.handleInitiatorSync(ctx, env, false)

	case p2p.MsgRequestSendingSignature:
		n.handleSignatureRequest(ctx, env, n.answerSendingRequest)
	case p2p.MsgRequestBitcoinSignature:
		n.handleSignatureRequest(ctx, env, n.answerBitcoinRequest)
	case p2p.MsgRequestMinedSignature:
		n.handleSignatureRequest(ctx, env, n.answerMinedRequest)

	case p2p.MsgSendingSignatureResponse:
		n.handleSendingResponse(env)
	case p2p.MsgBitcoinSignatureResponse:
		n.handleBitcoinResponse(env)
	case p2p.MsgMinedSignatureResponse:
		n.handleMinedResponse(env)

	case p2p.MsgRequestReplenishSignature:
		n.handleReplenishRequest(ctx, env)
	case p2p.MsgReplenishSignatureResponse:
		n.handleReplenishResponse(ctx, env)

	case p2p.MsgRequestCpfpSignature:
		n.handleCpfpRequest(ctx, env)
	case p2p.MsgCpfpSignatureResponse:
		n.handleCpfpResponse(env)

	default:
		slog.Debug("unknown message type", "type", env.Type, "source", env.SourceNodeID)
	}
}

func (n *Node) handleInitiatorSync(ctx context.Context, env p2p.Envelope, reply bool) {
	var payload p2p.InitiatorSyncPayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad initiator sync payload", "error", err)
		return
	}

	n.election.RecordReport(env.SourceNodeID, payload.InitiatorID)

	if reply {
		if err := n.group.Send(ctx, env.SourceNodeID, p2p.MsgInitiatorSyncResponse, p2p.InitiatorSyncPayload{
			InitiatorID: n.election.Current(),
		}); err != nil {
			slog.Debug("initiator sync reply failed", "peer", env.SourceNodeID, "error", err)
		}
	}
}

// handleSignatureRequest applies the common gate for request-* messages: the
// source must be the agreed initiator, and validation failures reject the
// request without crashing or replying.
func (n *Node) handleSignatureRequest(ctx context.Context, env p2p.Envelope, answer func(ctx context.Context, source string, b *models.TransferBatch) error) {
	if !rsk.SameAddress(env.SourceNodeID, n.election.Current()) {
		// Not our initiator; a byzantine or stale requester is simply ignored.
		slog.Info("ignoring request from non-initiator",
			"type", env.Type,
			"source", env.SourceNodeID,
			"initiator", n.election.Current(),
		)
		return
	}

	var payload p2p.BatchPayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad batch payload", "type", env.Type, "error", err)
		return
	}

	b, err := models.DecodeBatchDTO(payload.DTO)
	if err != nil {
		slog.Warn("bad batch dto", "type", env.Type, "error", err)
		return
	}

	if err := answer(ctx, env.SourceNodeID, b); err != nil {
		if validator.IsValidationError(err) {
			slog.Warn("rejected peer batch", "type", env.Type, "error", err)
		} else {
			slog.Warn("answering request failed", "type", env.Type, "error", err)
		}
	}
}

func (n *Node) answerSendingRequest(ctx context.Context, source string, b *models.TransferBatch) error {
	addr, sig, err := n.batches.SignSendingUpdate(ctx, b)
	if err != nil {
		return err
	}

	dto, err := models.EncodeBatchDTO(b)
	if err != nil {
		return err
	}
	return n.group.Send(ctx, source, p2p.MsgSendingSignatureResponse, p2p.SendingSignaturePayload{
		DTO:       dto,
		Address:   addr,
		Signature: sig,
	})
}

func (n *Node) answerBitcoinRequest(ctx context.Context, source string, b *models.TransferBatch) error {
	signed, err := n.batches.SignBitcoinTx(ctx, b)
	if err != nil {
		return err
	}

	dto, err := models.EncodeBatchDTO(b)
	if err != nil {
		return err
	}
	return n.group.Send(ctx, source, p2p.MsgBitcoinSignatureResponse, p2p.BitcoinSignaturePayload{
		DTO:        dto,
		SignedPsbt: signed,
	})
}

func (n *Node) answerMinedRequest(ctx context.Context, source string, b *models.TransferBatch) error {
	addr, sig, err := n.batches.SignMinedUpdate(ctx, b)
	if err != nil {
		return err
	}

	dto, err := models.EncodeBatchDTO(b)
	if err != nil {
		return err
	}
	return n.group.Send(ctx, source, p2p.MsgMinedSignatureResponse, p2p.MinedSignaturePayload{
		DTO:       dto,
		Address:   addr,
		Signature: sig,
	})
}

func (n *Node) handleSendingResponse(env p2p.Envelope) {
	var payload p2p.SendingSignaturePayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad sending signature response", "error", err)
		return
	}

	b, err := models.DecodeBatchDTO(payload.DTO)
	if err != nil {
		slog.Warn("bad dto in sending signature response", "error", err)
		return
	}

	n.scratch.addSending(b.TransferIDs(), models.SignerSignature{
		Signer:    payload.Address,
		Signature: payload.Signature,
	})
}

func (n *Node) handleBitcoinResponse(env p2p.Envelope) {
	var payload p2p.BitcoinSignaturePayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad bitcoin signature response", "error", err)
		return
	}

	b, err := models.DecodeBatchDTO(payload.DTO)
	if err != nil {
		slog.Warn("bad dto in bitcoin signature response", "error", err)
		return
	}

	n.scratch.addBitcoinPsbt(b.TransferIDs(), payload.SignedPsbt)
}

func (n *Node) handleMinedResponse(env p2p.Envelope) {
	var payload p2p.MinedSignaturePayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad mined signature response", "error", err)
		return
	}

	b, err := models.DecodeBatchDTO(payload.DTO)
	if err != nil {
		slog.Warn("bad dto in mined signature response", "error", err)
		return
	}

	n.scratch.addMined(b.TransferIDs(), models.SignerSignature{
		Signer:    payload.Address,
		Signature: payload.Signature,
	})
}

func (n *Node) handleReplenishRequest(ctx context.Context, env p2p.Envelope) {
	if n.replenisher == nil {
		return
	}
	if !rsk.SameAddress(env.SourceNodeID, n.election.Current()) {
		slog.Info("ignoring replenish request from non-initiator", "source", env.SourceNodeID)
		return
	}

	var payload p2p.ReplenishRequestPayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad replenish request payload", "error", err)
		return
	}

	partial, err := n.replenisher.ValidateRequest(payload.Psbt, payload.PeriodIndex, payload.TimesInPeriod)
	if err != nil {
		slog.Warn("rejected replenish request", "error", err)
		return
	}

	signed, err := n.replenisher.CoSign(partial)
	if err != nil {
		slog.Warn("replenish co-sign failed", "error", err)
		return
	}

	if err := n.group.Send(ctx, env.SourceNodeID, p2p.MsgReplenishSignatureResponse, p2p.ReplenishResponsePayload{
		Psbt: signed,
	}); err != nil {
		slog.Debug("replenish response delivery failed", "error", err)
	}
}

func (n *Node) handleReplenishResponse(ctx context.Context, env p2p.Envelope) {
	if n.replenisher == nil {
		return
	}

	var payload p2p.ReplenishResponsePayload
	if err := env.Decode(&payload); err != nil {
		slog.Warn("bad replenish response payload", "error", err)
		return
	}

	if err := n.replenisher.AddSignature(ctx, payload.Psbt); err != nil {
		slog.Warn("absorbing replenish signature failed", "error", err)
	}
}
