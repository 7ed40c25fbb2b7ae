package replenish

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/fedbtc/fedbtcd/internal/bitcoin"
	"github.com/fedbtc/fedbtcd/internal/config"
)

var testNet = &chaincfg.RegressionNetParams

func testAdapter(t *testing.T, seedBase byte) *bitcoin.Adapter {
	t.Helper()

	xpubs := make([]string, 3)
	for i := range xpubs {
		seed := make([]byte, 32)
		for j := range seed {
			seed[j] = seedBase + byte(i)
		}
		master, err := hdkeychain.NewMaster(seed, testNet)
		if err != nil {
			t.Fatal(err)
		}
		neutered, err := master.Neuter()
		if err != nil {
			t.Fatal(err)
		}
		xpubs[i] = neutered.String()
	}

	a, err := bitcoin.NewAdapter(nil, nil, nil, xpubs, "0/0/0", 2, testNet)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testReplenisher(t *testing.T) *Replenisher {
	t.Helper()

	payout := testAdapter(t, 0x01)
	own := testAdapter(t, 0x40)
	return New(payout, own, 100_000_000, 10_000_000, 500_000_000, 50_000_000, 3)
}

// replenishPsbt builds a well-shaped replenishment transaction: OP_RETURN
// nonce 0, payment to the payout multisig, change to the replenisher multisig.
func replenishPsbt(t *testing.T, r *Replenisher, amount int64) string {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)

	var fakeParent chainhash.Hash
	fakeParent[0] = 0xcc
	txIn := wire.NewTxIn(wire.NewOutPoint(&fakeParent, 0), nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	opReturn, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData([]byte{0}).Script()
	if err != nil {
		t.Fatal(err)
	}
	tx.AddTxOut(wire.NewTxOut(0, opReturn))

	payoutAddr, err := btcutil.DecodeAddress(r.payout.MultisigAddress(), testNet)
	if err != nil {
		t.Fatal(err)
	}
	payoutScript, err := txscript.PayToAddrScript(payoutAddr)
	if err != nil {
		t.Fatal(err)
	}
	tx.AddTxOut(wire.NewTxOut(amount, payoutScript))

	ownAddr, err := btcutil.DecodeAddress(r.own.MultisigAddress(), testNet)
	if err != nil {
		t.Fatal(err)
	}
	ownScript, err := txscript.PayToAddrScript(ownAddr)
	if err != nil {
		t.Fatal(err)
	}
	tx.AddTxOut(wire.NewTxOut(1_000_000, ownScript))

	prevOuts := []*wire.TxOut{wire.NewTxOut(amount+2_000_000, ownScript)}
	p, err := bitcoin.NewPartialTx(tx, prevOuts, ownScript)
	if err != nil {
		t.Fatal(err)
	}

	b64, err := p.Base64()
	if err != nil {
		t.Fatal(err)
	}
	return b64
}

func TestValidateRequest_RateLimited(t *testing.T) {
	r := testReplenisher(t)

	_, err := r.ValidateRequest("ignored", r.PeriodIndex(), 3)
	if !errors.Is(err, config.ErrReplenishRateLimited) {
		t.Errorf("error = %v, want ErrReplenishRateLimited", err)
	}
}

func TestValidateRequest_GoodShape(t *testing.T) {
	r := testReplenisher(t)

	psbt := replenishPsbt(t, r, 100_000_000)
	partial, err := r.ValidateRequest(psbt, r.PeriodIndex(), 0)
	if err != nil {
		t.Fatalf("ValidateRequest() error = %v", err)
	}
	if partial == nil {
		t.Fatal("nil partial tx for valid request")
	}
}

func TestValidateRequest_AmountOutOfBounds(t *testing.T) {
	r := testReplenisher(t)

	// Below the minimum.
	psbt := replenishPsbt(t, r, 1_000_000)
	if _, err := r.ValidateRequest(psbt, r.PeriodIndex(), 0); err == nil {
		t.Error("amount below minimum accepted")
	}

	// Above the maximum.
	psbt = replenishPsbt(t, r, 600_000_000)
	if _, err := r.ValidateRequest(psbt, r.PeriodIndex(), 0); err == nil {
		t.Error("amount above maximum accepted")
	}
}

func TestValidateRequest_WrongDestination(t *testing.T) {
	r := testReplenisher(t)

	// A psbt paying the replenisher's own multisig instead of the payout one.
	wrong := testReplenisher(t)
	wrong.payout = wrong.own
	psbt := replenishPsbt(t, wrong, 100_000_000)

	if _, err := r.ValidateRequest(psbt, r.PeriodIndex(), 0); err == nil {
		t.Error("wrong payout destination accepted")
	}
}

func TestValidateRequest_BadPsbt(t *testing.T) {
	r := testReplenisher(t)

	if _, err := r.ValidateRequest("not a psbt", r.PeriodIndex(), 0); err == nil {
		t.Error("junk psbt accepted")
	}
}

func TestTimesInPeriod_StartsAtZero(t *testing.T) {
	r := testReplenisher(t)

	if got := r.TimesInPeriod(); got != 0 {
		t.Errorf("TimesInPeriod() = %d, want 0", got)
	}
	if r.PeriodIndex() <= 0 {
		t.Errorf("PeriodIndex() = %d, want positive", r.PeriodIndex())
	}
}

func TestAddSignature_NoInflightIsNoop(t *testing.T) {
	r := testReplenisher(t)

	if err := r.AddSignature(context.Background(), "whatever"); err != nil {
		t.Errorf("AddSignature() with no in-flight psbt error = %v", err)
	}
}
