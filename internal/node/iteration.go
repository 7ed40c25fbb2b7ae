package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
	"github.com/fedbtc/fedbtcd/internal/p2p"
	"github.com/fedbtc/fedbtcd/internal/rsk"
	"github.com/fedbtc/fedbtcd/internal/storage"
)

// iterate runs one main-loop pass: index chain events, converge the
// initiator election, run the replenisher, then drive the batch state
// machine when this node is the initiator.
func (n *Node) iterate(ctx context.Context) error {
	if err := n.indexEvents(ctx); err != nil {
		return err
	}

	n.syncInitiator(ctx)

	if n.replenisher != nil {
		n.runReplenisher(ctx)
	}

	if !n.election.IsInitiator() {
		return nil
	}

	// Signature gathering is pointless below the signer threshold.
	if len(n.group.Members()) < n.cfg.NumRequiredSigners {
		slog.Debug("idling below signer threshold",
			"members", len(n.group.Members()),
			"required", n.cfg.NumRequiredSigners,
		)
		return nil
	}

	return n.driveBatch(ctx)
}

// indexEvents copies new bridge contract events into local storage and
// advances the last-indexed block marker.
func (n *Node) indexEvents(ctx context.Context) error {
	currentBlock, err := n.chain.CurrentBlock(ctx)
	if err != nil {
		return err
	}

	var from uint64
	if err := n.db.InTransaction(func(st *storage.Store) error {
		last, err := st.GetLastIndexedBlock(n.cfg.StartBlock)
		if err != nil {
			return err
		}
		from = last + 1
		return nil
	}); err != nil {
		return err
	}

	if from > currentBlock {
		return nil
	}

	events, err := n.chain.ScanEvents(ctx, from, currentBlock)
	if err != nil {
		return err
	}

	return n.db.InTransaction(func(st *storage.Store) error {
		for _, event := range events {
			switch e := event.(type) {
			case rsk.NewTransferEvent:
				if err := st.InsertTransfer(e.Transfer); err != nil {
					return err
				}
			case rsk.TransferStatusUpdatedEvent:
				if err := st.UpdateTransferStatus([]string{e.TransferID}, e.NewStatus); err != nil {
					return err
				}
			}
		}
		return st.SetLastIndexedBlock(currentBlock)
	})
}

// syncInitiator broadcasts the election sync on its cadence and adopts the
// tally outcome.
func (n *Node) syncInitiator(ctx context.Context) {
	n.group.RefreshMembership(ctx)

	if time.Since(n.lastInitiatorSync) < config.InitiatorSyncInterval {
		return
	}
	n.lastInitiatorSync = time.Now()

	if err := n.group.Broadcast(ctx, p2p.MsgInitiatorSyncRequest, p2p.InitiatorSyncPayload{
		InitiatorID: n.election.Current(),
	}); err != nil {
		slog.Warn("initiator sync broadcast failed", "error", err)
	}

	// Give replies a moment to land before tallying.
	n.sleepAndDrain(ctx, config.InitiatorSyncWait)

	adopted := n.election.Tally(n.group.Members())

	if err := n.group.Broadcast(ctx, p2p.MsgInitiatorSyncResponse, p2p.InitiatorSyncPayload{
		InitiatorID: adopted,
	}); err != nil {
		slog.Warn("initiator sync response broadcast failed", "error", err)
	}
}

// runReplenisher performs one replenisher pass; failures are logged and
// retried next iteration.
func (n *Node) runReplenisher(ctx context.Context) {
	psbt, err := n.replenisher.CheckBalance(ctx)
	if err != nil {
		slog.Warn("replenisher check failed", "error", err)
		return
	}
	if psbt == "" {
		return
	}

	if err := n.group.Broadcast(ctx, p2p.MsgRequestReplenishSignature, p2p.ReplenishRequestPayload{
		Psbt:          psbt,
		PeriodIndex:   n.replenisher.PeriodIndex(),
		TimesInPeriod: n.replenisher.TimesInPeriod(),
	}); err != nil {
		slog.Warn("replenish signature request failed", "error", err)
	}
}

// driveBatch advances the current batch one step along the pipeline. Each
// call performs at most one transition; gathering steps broadcast a request
// and let responses accumulate until the next iteration.
func (n *Node) driveBatch(ctx context.Context) error {
	b, err := n.batches.GetCurrentBatch(ctx)
	if err != nil {
		return err
	}
	if len(b.Transfers) == 0 {
		return nil
	}

	n.scratch.retarget(b.TransferIDs())

	// Merge responses gathered since the last pass.
	sending, mined, psbts := n.scratch.drain()
	if len(sending) > 0 {
		if _, err := n.batches.AddSendingSignatures(ctx, b, sending); err != nil {
			slog.Warn("merging gathered sending signatures failed", "error", err)
		}
	}
	if len(mined) > 0 {
		if _, err := n.batches.AddMinedSignatures(ctx, b, mined); err != nil {
			slog.Warn("merging gathered mined signatures failed", "error", err)
		}
	}
	if len(psbts) > 0 {
		if _, err := n.batches.AddBitcoinSignatures(ctx, b, psbts); err != nil {
			slog.Warn("merging gathered bitcoin signatures failed", "error", err)
		}
	}

	due, err := n.batches.IsDue(ctx, b)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	if err := n.batches.Persist(b); err != nil {
		return err
	}

	dto, err := models.EncodeBatchDTO(b)
	if err != nil {
		return err
	}

	switch {
	case !b.HasEnoughSendingSignatures(n.cfg.NumRequiredSigners):
		return n.group.Broadcast(ctx, p2p.MsgRequestSendingSignature, p2p.BatchPayload{DTO: dto})

	case !b.MarkedSending:
		return n.batches.MarkAsSendingInChain(ctx, b)

	case !n.batches.HasEnoughBitcoinSignatures(b):
		return n.group.Broadcast(ctx, p2p.MsgRequestBitcoinSignature, p2p.BatchPayload{DTO: dto})

	default:
	}

	sent, err := n.batches.IsSentToBitcoin(ctx, b)
	if err != nil {
		return err
	}
	if !sent {
		return n.batches.SendToBitcoin(ctx, b)
	}

	// The transaction is out; bump it if it has been stuck too long.
	n.maybeCpfp(ctx, b)

	switch {
	case !b.HasEnoughMinedSignatures(n.cfg.NumRequiredSigners):
		return n.group.Broadcast(ctx, p2p.MsgRequestMinedSignature, p2p.BatchPayload{DTO: dto})

	case !b.MarkedMined:
		return n.batches.MarkAsMinedInChain(ctx, b)
	}

	return nil
}
