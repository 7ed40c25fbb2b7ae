package bitcoin

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/fedbtc/fedbtcd/internal/config"
)

// CreateCpfpTx builds a child transaction spending the parent batch
// transaction's change output back to the multisig at an aggressive fee,
// pulling the stuck parent into a block with it.
func (a *Adapter) CreateCpfpTx(ctx context.Context, parentPsbtB64 string) (*PartialTx, error) {
	parent, err := DecodePartialTx(parentPsbtB64)
	if err != nil {
		return nil, fmt.Errorf("decode parent psbt: %w", err)
	}

	parentTx := parent.Packet.UnsignedTx
	changeIndex := len(parentTx.TxOut) - 1
	change := parentTx.TxOut[changeIndex]
	if !txscript.IsPayToWitnessScriptHash(change.PkScript) {
		return nil, fmt.Errorf("parent has no multisig change output to bump with")
	}

	feeRate, err := a.fees.FeeRateSatsPerVB(ctx)
	if err != nil {
		return nil, err
	}

	// The child pays for both itself and the stuck parent, so budget the
	// child's fee against the combined weight at double the current rate.
	childVsize := EstimateVsize(a.multisig.M, a.multisig.N, 1, map[string]int{OutputP2WSH: 1}, 0)
	parentVsize := parentTx.SerializeSizeStripped() + 50 // rough witness allowance
	fee := 2 * feeRate * int64(childVsize+parentVsize)

	amount := change.Value - fee
	if amount < config.BtcDustThresholdSats {
		return nil, fmt.Errorf("%w: change %d sats cannot fund the fee bump", config.ErrDustOutput, change.Value)
	}

	parentHash := parentTx.TxHash()
	child := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(wire.NewOutPoint(&parentHash, uint32(changeIndex)), nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	child.AddTxIn(txIn)
	child.AddTxOut(wire.NewTxOut(amount, a.multisig.PkScript))

	return NewPartialTx(child, []*wire.TxOut{change}, a.multisig.WitnessScript)
}

// ValidateCpfpChild checks a peer-proposed fee-bump child: one input spending
// the recorded parent, one output paying the canonical multisig.
func (a *Adapter) ValidateCpfpChild(childB64, parentTxHash string) (*PartialTx, error) {
	child, err := DecodePartialTx(childB64)
	if err != nil {
		return nil, fmt.Errorf("decode cpfp child: %w", err)
	}

	tx := child.Packet.UnsignedTx
	if len(tx.TxIn) != 1 {
		return nil, fmt.Errorf("cpfp child has %d inputs, want 1", len(tx.TxIn))
	}
	if tx.TxIn[0].PreviousOutPoint.Hash.String() != parentTxHash {
		return nil, fmt.Errorf("cpfp child spends %s, not parent %s",
			tx.TxIn[0].PreviousOutPoint.Hash, parentTxHash)
	}
	if len(tx.TxOut) != 1 {
		return nil, fmt.Errorf("cpfp child has %d outputs, want 1", len(tx.TxOut))
	}

	addr, err := addressForScript(tx.TxOut[0].PkScript, a.net)
	if err != nil || addr != a.multisig.Address {
		return nil, fmt.Errorf("cpfp child does not pay the multisig address")
	}
	return child, nil
}
