package rsk

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
)

// Event is a decoded bridge contract event.
type Event interface {
	isEvent()
}

// NewTransferEvent is emitted when a user locks tokens for a Bitcoin payout.
type NewTransferEvent struct {
	Transfer models.Transfer
}

// TransferStatusUpdatedEvent is emitted when a transfer's status changes.
type TransferStatusUpdatedEvent struct {
	TransferID string
	NewStatus  models.TransferStatus
}

func (NewTransferEvent) isEvent()           {}
func (TransferStatusUpdatedEvent) isEvent() {}

// ScanEvents reads bridge events in [fromBlock, toBlock], windowed into
// retry-capable batches of EventScanBatchSize blocks.
func (c *Client) ScanEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error) {
	if fromBlock > toBlock {
		return nil, nil
	}

	var events []Event
	for start := fromBlock; start <= toBlock; start += config.EventScanBatchSize {
		end := start + config.EventScanBatchSize - 1
		if end > toBlock {
			end = toBlock
		}

		windowEvents, err := c.scanWindow(ctx, start, end)
		if err != nil {
			return nil, err
		}
		events = append(events, windowEvents...)
	}

	slog.Debug("event scan complete",
		"fromBlock", fromBlock,
		"toBlock", toBlock,
		"events", len(events),
	)
	return events, nil
}

func (c *Client) scanWindow(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{{
			c.abi.Events["NewTransfer"].ID,
			c.abi.Events["TransferStatusUpdated"].ID,
		}},
	}

	var logs []types.Log
	var err error
	for attempt := 1; attempt <= config.EventScanMaxRetries; attempt++ {
		logs, err = c.eth.FilterLogs(ctx, query)
		if err == nil {
			break
		}

		slog.Warn("event scan window failed",
			"fromBlock", fromBlock,
			"toBlock", toBlock,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("event scan: %w", ctx.Err())
		case <-time.After(config.EventScanRetryDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: blocks %d-%d: %v", config.ErrEventScanFailed, fromBlock, toBlock, err)
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		event, err := c.decodeLog(lg)
		if err != nil {
			slog.Warn("skipping undecodable bridge log",
				"block", lg.BlockNumber,
				"txHash", lg.TxHash.Hex(),
				"logIndex", lg.Index,
				"error", err,
			)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (c *Client) decodeLog(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	switch lg.Topics[0] {
	case c.abi.Events["NewTransfer"].ID:
		if len(lg.Topics) != 3 {
			return nil, fmt.Errorf("NewTransfer log has %d topics, want 3", len(lg.Topics))
		}

		values, err := c.abi.Unpack("NewTransfer", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack NewTransfer: %w", err)
		}

		nonce := values[1].(uint8)
		if nonce == config.ReservedNonce {
			return nil, fmt.Errorf("%w: transfer %s", config.ErrReservedNonce, lg.Topics[1].Hex())
		}

		return NewTransferEvent{Transfer: models.Transfer{
			TransferID:     NormalizeAddress(lg.Topics[1].Hex()),
			Status:         models.StatusNew,
			BtcAddress:     values[0].(string),
			Nonce:          nonce,
			TotalAmountSat: values[2].(*big.Int).Uint64(),
			RskAddress:     NormalizeAddress(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
			RskTxHash:      lg.TxHash.Hex(),
			RskTxIndex:     lg.TxIndex,
			RskLogIndex:    lg.Index,
			RskBlockNumber: lg.BlockNumber,
		}}, nil

	case c.abi.Events["TransferStatusUpdated"].ID:
		if len(lg.Topics) != 2 {
			return nil, fmt.Errorf("TransferStatusUpdated log has %d topics, want 2", len(lg.Topics))
		}

		values, err := c.abi.Unpack("TransferStatusUpdated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack TransferStatusUpdated: %w", err)
		}

		return TransferStatusUpdatedEvent{
			TransferID: NormalizeAddress(lg.Topics[1].Hex()),
			NewStatus:  models.TransferStatus(values[0].(uint8)),
		}, nil

	default:
		return nil, fmt.Errorf("unknown event topic %s", lg.Topics[0].Hex())
	}
}
