package bitcoin

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()

	_, xpubs := testFederation(t, 3)
	a, err := NewAdapter(nil, nil, nil, xpubs, testPath, 2, testNet)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	return a
}

func TestCheckEarlyTxHashStability(t *testing.T) {
	if err := checkEarlyTxHashStability(); err != nil {
		t.Fatalf("checkEarlyTxHashStability() error = %v", err)
	}
}

func TestCheckNonces_ReservedRejected(t *testing.T) {
	err := checkNonces([]models.Transfer{
		{TransferID: "0x01", BtcAddress: "bcrt1qa", Nonce: 255},
	})
	if !errors.Is(err, config.ErrReservedNonce) {
		t.Errorf("error = %v, want ErrReservedNonce", err)
	}
}

func TestCheckNonces_DuplicateRejected(t *testing.T) {
	err := checkNonces([]models.Transfer{
		{TransferID: "0x01", BtcAddress: "bcrt1qa", Nonce: 3},
		{TransferID: "0x02", BtcAddress: "BCRT1QA", Nonce: 3},
	})
	if !errors.Is(err, config.ErrDuplicateTransfer) {
		t.Errorf("error = %v, want ErrDuplicateTransfer", err)
	}
}

func TestCheckNonces_DistinctPairsAccepted(t *testing.T) {
	err := checkNonces([]models.Transfer{
		{TransferID: "0x01", BtcAddress: "bcrt1qa", Nonce: 0},
		{TransferID: "0x02", BtcAddress: "bcrt1qa", Nonce: 1},
		{TransferID: "0x03", BtcAddress: "bcrt1qb", Nonce: 0},
	})
	if err != nil {
		t.Errorf("checkNonces() error = %v", err)
	}
}

func TestParseOpReturnNonces(t *testing.T) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData([]byte{0, 7, 254}).
		Script()
	if err != nil {
		t.Fatal(err)
	}

	nonces, err := ParseOpReturnNonces(script)
	if err != nil {
		t.Fatalf("ParseOpReturnNonces() error = %v", err)
	}
	if len(nonces) != 3 || nonces[0] != 0 || nonces[1] != 7 || nonces[2] != 254 {
		t.Errorf("nonces = %v, want [0 7 254]", nonces)
	}
}

func TestParseOpReturnNonces_ReservedRejected(t *testing.T) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData([]byte{0, 255}).
		Script()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ParseOpReturnNonces(script); !errors.Is(err, config.ErrReservedNonce) {
		t.Errorf("error = %v, want ErrReservedNonce", err)
	}
}

func TestParseOpReturnNonces_NotOpReturn(t *testing.T) {
	if _, err := ParseOpReturnNonces([]byte{txscript.OP_DUP}); err == nil {
		t.Error("expected error for non-OP_RETURN script")
	}
	if _, err := ParseOpReturnNonces(nil); err == nil {
		t.Error("expected error for empty script")
	}
}

func TestSelectInputs_OldestFirst(t *testing.T) {
	_, xpubs := testFederation(t, 3)
	ms, err := DeriveMultisig(xpubs, testPath, 2, testNet)
	if err != nil {
		t.Fatal(err)
	}

	utxos := []models.UTXO{
		{TxID: "young", AmountSat: 10_000_000, Confirmations: 1},
		{TxID: "old", AmountSat: 10_000_000, Confirmations: 500},
		{TxID: "middle", AmountSat: 10_000_000, Confirmations: 50},
	}

	selected, fee, err := selectInputs(utxos, 1_000_000, 10, ms,
		map[string]int{OutputP2WPKH: 1, OutputP2WSH: 1}, 1, 0)
	if err != nil {
		t.Fatalf("selectInputs() error = %v", err)
	}
	if len(selected) != 1 || selected[0].TxID != "old" {
		t.Errorf("selected %v, want the oldest utxo first", selected)
	}
	if fee <= 0 {
		t.Errorf("fee = %d, want positive", fee)
	}
}

func TestSelectInputs_AccumulatesUntilCovered(t *testing.T) {
	_, xpubs := testFederation(t, 3)
	ms, err := DeriveMultisig(xpubs, testPath, 2, testNet)
	if err != nil {
		t.Fatal(err)
	}

	utxos := []models.UTXO{
		{TxID: "a", AmountSat: 400_000, Confirmations: 300},
		{TxID: "b", AmountSat: 400_000, Confirmations: 200},
		{TxID: "c", AmountSat: 400_000, Confirmations: 100},
	}

	selected, fee, err := selectInputs(utxos, 700_000, 10, ms,
		map[string]int{OutputP2WPKH: 1, OutputP2WSH: 1}, 1, 0)
	if err != nil {
		t.Fatalf("selectInputs() error = %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("selected %d inputs, want 2", len(selected))
	}

	var total int64
	for _, u := range selected {
		total += u.AmountSat
	}
	if total < 700_000+fee {
		t.Errorf("selected %d sats does not cover %d + fee %d", total, 700_000, fee)
	}
}

func TestSelectInputs_Insufficient(t *testing.T) {
	_, xpubs := testFederation(t, 3)
	ms, err := DeriveMultisig(xpubs, testPath, 2, testNet)
	if err != nil {
		t.Fatal(err)
	}

	utxos := []models.UTXO{{TxID: "a", AmountSat: 1000, Confirmations: 10}}

	_, _, err = selectInputs(utxos, 1_000_000, 10, ms, map[string]int{OutputP2WPKH: 1}, 1, 0)
	if !errors.Is(err, config.ErrInsufficientFunds) {
		t.Errorf("error = %v, want ErrInsufficientFunds", err)
	}
}

func TestTransfersFrom_RoundTrip(t *testing.T) {
	a := testAdapter(t)

	payAddr := testPaymentAddress(t, 0x33)
	tx, prevOuts := testBatchTx(t, a.multisig, []byte{5},
		[]string{payAddr}, []int64{123_456}, 1_000_000, 800_000)

	p, err := NewPartialTx(tx, prevOuts, a.multisig.WitnessScript)
	if err != nil {
		t.Fatal(err)
	}

	payments, err := a.TransfersFrom(p)
	if err != nil {
		t.Fatalf("TransfersFrom() error = %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("got %d payments, want 1", len(payments))
	}
	if payments[0].BtcAddress != payAddr || payments[0].Nonce != 5 || payments[0].AmountSat != 123_456 {
		t.Errorf("payment = %+v", payments[0])
	}
}

func TestTransfersFrom_ChangeToWrongAddressRejected(t *testing.T) {
	a := testAdapter(t)

	// Build a second multisig to pose as a wrong change destination.
	_, otherXpubs := testFederation(t, 2)
	other, err := DeriveMultisig(otherXpubs, "0/0/9", 2, testNet)
	if err != nil {
		t.Fatal(err)
	}

	tx, prevOuts := testBatchTx(t, a.multisig, []byte{0},
		[]string{testPaymentAddress(t, 0x44)}, []int64{100_000}, 1_000_000, 0)
	tx.AddTxOut(wire.NewTxOut(800_000, other.PkScript))

	p, err := NewPartialTx(tx, prevOuts, a.multisig.WitnessScript)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.TransfersFrom(p); err == nil {
		t.Error("expected wrong change destination to be rejected")
	}
}

func TestTransfersFrom_NonceCountMismatch(t *testing.T) {
	a := testAdapter(t)

	// Two nonces but only one payment output.
	tx, prevOuts := testBatchTx(t, a.multisig, []byte{0, 1},
		[]string{testPaymentAddress(t, 0x55)}, []int64{100_000}, 1_000_000, 0)

	p, err := NewPartialTx(tx, prevOuts, a.multisig.WitnessScript)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.TransfersFrom(p); err == nil {
		t.Error("expected nonce/payment count mismatch to be rejected")
	}
}

func TestValidateCpfpChild(t *testing.T) {
	a := testAdapter(t)

	// Parent: batch-shaped tx with multisig change.
	parentTx, parentPrev := testBatchTx(t, a.multisig, []byte{0},
		[]string{testPaymentAddress(t, 0x66)}, []int64{100_000}, 1_000_000, 850_000)
	parent, err := NewPartialTx(parentTx, parentPrev, a.multisig.WitnessScript)
	if err != nil {
		t.Fatal(err)
	}
	parentHash, err := parent.EarlyTxHash()
	if err != nil {
		t.Fatal(err)
	}
	parentB64, err := parent.Base64()
	if err != nil {
		t.Fatal(err)
	}

	// The parent itself is not a valid child: wrong input and output shape.
	if _, err := a.ValidateCpfpChild(parentB64, parentHash); err == nil {
		t.Fatal("expected parent psbt to fail child validation")
	}

	// A proper child: one input spending the parent change, one output back
	// to the multisig.
	childTx := wire.NewMsgTx(wire.TxVersion)
	parentWireHash := parent.Packet.UnsignedTx.TxHash()
	childTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&parentWireHash, 2), nil, nil))
	childTx.AddTxOut(wire.NewTxOut(800_000, a.multisig.PkScript))

	child, err := NewPartialTx(childTx, []*wire.TxOut{parentTx.TxOut[2]}, a.multisig.WitnessScript)
	if err != nil {
		t.Fatal(err)
	}
	childB64, err := child.Base64()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.ValidateCpfpChild(childB64, parentHash); err != nil {
		t.Fatalf("ValidateCpfpChild() error = %v", err)
	}

	// The same child against a different parent hash must fail.
	if _, err := a.ValidateCpfpChild(childB64,
		"0000000000000000000000000000000000000000000000000000000000000002"); err == nil {
		t.Error("child accepted against the wrong parent")
	}
}
