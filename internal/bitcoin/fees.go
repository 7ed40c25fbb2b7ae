package bitcoin

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/btcsuite/btcd/txscript"

	"github.com/fedbtc/fedbtcd/internal/config"
)

// Output type tags for the size estimator.
const (
	OutputP2WPKH = "p2wpkh"
	OutputP2WSH  = "p2wsh"
	OutputP2PKH  = "p2pkh"
	OutputP2SH   = "p2sh"
)

var outputWeightUnits = map[string]int{
	OutputP2WPKH: config.BtcOutputP2WPKHWU,
	OutputP2WSH:  config.BtcOutputP2WSHWU,
	OutputP2PKH:  config.BtcOutputP2PKHWU,
	OutputP2SH:   config.BtcOutputP2SHWU,
}

// multisigInputWitnessWU returns the witness weight of one P2WSH M-of-N input:
// item-count varint, empty dummy element, M DER signatures, and the witness
// script push.
func multisigInputWitnessWU(m, n int) int {
	const sigBytes = 73 // 72-byte DER sig + sighash flag, plus length prefix rounding
	scriptBytes := 3 + n*34
	return 1 + 1 + m*(1+sigBytes) + (2 + scriptBytes)
}

// EstimateVsize estimates the virtual size of a transaction with the given
// P2WSH multisig input count, output type counts, and OP_RETURN payload size.
// Weight units are divided by 4 with a ceiling; the segwit marker and flag add
// 2 WU.
func EstimateVsize(m, n, numInputs int, outputs map[string]int, opReturnPayloadLen int) int {
	weight := config.BtcTxOverheadWU

	weight += numInputs * (config.BtcInputNonWitnessWU + multisigInputWitnessWU(m, n))

	for typ, count := range outputs {
		weight += count * outputWeightUnits[typ]
	}

	if opReturnPayloadLen > 0 {
		weight += config.BtcOpReturnBaseWU + opReturnPayloadLen*4
	}

	return (weight + 3) / 4
}

// OutputTypeForScript classifies a pkScript for the size estimator.
func OutputTypeForScript(pkScript []byte) string {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.WitnessV0PubKeyHashTy:
		return OutputP2WPKH
	case txscript.WitnessV0ScriptHashTy:
		return OutputP2WSH
	case txscript.ScriptHashTy:
		return OutputP2SH
	default:
		return OutputP2PKH
	}
}

// FeeEstimator caches the last good fee rate so estimation never regresses
// below a previously observed rate on fallback.
type FeeEstimator struct {
	rpc     *RPCClient
	regtest bool

	mu         sync.Mutex
	lastSatsVB int64
}

// NewFeeEstimator creates a fee estimator over the node RPC.
func NewFeeEstimator(rpc *RPCClient, regtest bool) *FeeEstimator {
	return &FeeEstimator{rpc: rpc, regtest: regtest}
}

// FeeRateSatsPerVB returns the fee rate to use, in sat/vB, with the 5% safety
// margin applied. Estimation order: estimaterawfee(1), then estimaterawfee(2)
// floored at the last cached rate. Regtest uses a fixed rate.
func (f *FeeEstimator) FeeRateSatsPerVB(ctx context.Context) (int64, error) {
	if f.regtest {
		return config.RegtestFeeRateSatsPerVB, nil
	}

	rate, err := f.estimate(ctx, 1)
	if err != nil {
		slog.Warn("estimaterawfee(1) failed, falling back", "error", err)

		rate, err = f.estimate(ctx, 2)
		if err != nil {
			return 0, err
		}

		f.mu.Lock()
		if rate < f.lastSatsVB {
			rate = f.lastSatsVB
		}
		f.mu.Unlock()
	}

	f.mu.Lock()
	f.lastSatsVB = rate
	f.mu.Unlock()

	withMargin := rate + (rate*config.FeeSafetyMarginPercent+99)/100
	slog.Debug("fee rate estimated", "satsPerVB", rate, "withMargin", withMargin)
	return withMargin, nil
}

func (f *FeeEstimator) estimate(ctx context.Context, confTarget int) (int64, error) {
	btcPerKvB, err := f.rpc.EstimateRawFee(ctx, confTarget)
	if err != nil {
		return 0, err
	}
	satsPerVB := int64(math.Ceil(btcPerKvB * config.SatoshisPerBitcoin / 1000))
	if satsPerVB < 1 {
		satsPerVB = 1
	}
	return satsPerVB, nil
}
