package bitcoin

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/fedbtc/fedbtcd/internal/keys"
)

const testPath = "0/0/0"

var testNet = &chaincfg.RegressionNetParams

// testFederation derives n deterministic master keys and their xpubs.
func testFederation(t *testing.T, n int) ([]*hdkeychain.ExtendedKey, []string) {
	t.Helper()

	masters := make([]*hdkeychain.ExtendedKey, n)
	xpubs := make([]string, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		for j := range seed {
			seed[j] = byte(i + 1)
		}

		master, err := hdkeychain.NewMaster(seed, testNet)
		if err != nil {
			t.Fatalf("NewMaster() error = %v", err)
		}
		masters[i] = master

		neutered, err := master.Neuter()
		if err != nil {
			t.Fatalf("Neuter() error = %v", err)
		}
		xpubs[i] = neutered.String()
	}
	return masters, xpubs
}

// signingKey derives the private key a federation member signs with.
func signingKey(t *testing.T, master *hdkeychain.ExtendedKey) *btcec.PrivateKey {
	t.Helper()

	indices, err := keys.ParsePath(testPath)
	if err != nil {
		t.Fatal(err)
	}

	key := master
	for _, idx := range indices {
		key, err = key.Derive(idx)
		if err != nil {
			t.Fatalf("Derive() error = %v", err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		t.Fatalf("ECPrivKey() error = %v", err)
	}
	return priv
}

// testPaymentAddress returns a deterministic P2WPKH destination.
func testPaymentAddress(t *testing.T, seedByte byte) string {
	t.Helper()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}

	master, err := hdkeychain.NewMaster(seed, testNet)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := master.ECPubKey()
	if err != nil {
		t.Fatal(err)
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), testNet)
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress()
}

// testBatchTx builds an unsigned batch-shaped transaction spending one
// multisig input: OP_RETURN nonces, one payment per nonce, change to the
// multisig.
func testBatchTx(t *testing.T, ms *Multisig, nonces []byte, payAddrs []string, payAmounts []int64, inputSats, changeSats int64) (*wire.MsgTx, []*wire.TxOut) {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)

	var fakeParent chainhash.Hash
	fakeParent[0] = 0xaa
	txIn := wire.NewTxIn(wire.NewOutPoint(&fakeParent, 0), nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	opReturn, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData(nonces).Script()
	if err != nil {
		t.Fatal(err)
	}
	tx.AddTxOut(wire.NewTxOut(0, opReturn))

	for i, addr := range payAddrs {
		decoded, err := btcutil.DecodeAddress(addr, testNet)
		if err != nil {
			t.Fatal(err)
		}
		script, err := txscript.PayToAddrScript(decoded)
		if err != nil {
			t.Fatal(err)
		}
		tx.AddTxOut(wire.NewTxOut(payAmounts[i], script))
	}

	if changeSats > 0 {
		tx.AddTxOut(wire.NewTxOut(changeSats, ms.PkScript))
	}

	prevOuts := []*wire.TxOut{wire.NewTxOut(inputSats, ms.PkScript)}
	return tx, prevOuts
}
