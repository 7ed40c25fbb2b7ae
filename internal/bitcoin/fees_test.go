package bitcoin

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

func TestEstimateVsize_GrowsWithInputs(t *testing.T) {
	outputs := map[string]int{OutputP2WPKH: 1, OutputP2WSH: 1}

	one := EstimateVsize(2, 3, 1, outputs, 1)
	two := EstimateVsize(2, 3, 2, outputs, 1)

	if one <= 0 {
		t.Fatalf("vsize = %d, want positive", one)
	}
	if two <= one {
		t.Errorf("vsize did not grow with inputs: %d then %d", one, two)
	}
}

func TestEstimateVsize_GrowsWithThreshold(t *testing.T) {
	outputs := map[string]int{OutputP2WPKH: 1}

	twoOfThree := EstimateVsize(2, 3, 1, outputs, 1)
	threeOfFive := EstimateVsize(3, 5, 1, outputs, 1)

	if threeOfFive <= twoOfThree {
		t.Errorf("vsize did not grow with signature count: %d then %d", twoOfThree, threeOfFive)
	}
}

func TestEstimateVsize_OpReturnPayload(t *testing.T) {
	outputs := map[string]int{OutputP2WPKH: 1}

	small := EstimateVsize(2, 3, 1, outputs, 1)
	large := EstimateVsize(2, 3, 1, outputs, 40)

	if large <= small {
		t.Errorf("vsize did not grow with OP_RETURN payload: %d then %d", small, large)
	}
}

func TestEstimateVsize_WitnessDiscount(t *testing.T) {
	// A P2WSH 2-of-3 input carries ~250 witness bytes; with the witness
	// discount one input plus two outputs must stay well under the raw size.
	vsize := EstimateVsize(2, 3, 1, map[string]int{OutputP2WPKH: 1, OutputP2WSH: 1}, 1)
	if vsize > 250 {
		t.Errorf("vsize = %d, want witness-discounted (< 250)", vsize)
	}
	if vsize < 100 {
		t.Errorf("vsize = %d, implausibly small", vsize)
	}
}

func TestOutputTypeForScript(t *testing.T) {
	_, xpubs := testFederation(t, 3)
	ms, err := DeriveMultisig(xpubs, testPath, 2, testNet)
	if err != nil {
		t.Fatal(err)
	}
	if got := OutputTypeForScript(ms.PkScript); got != OutputP2WSH {
		t.Errorf("multisig script classified as %s, want %s", got, OutputP2WSH)
	}

	addr, err := btcutil.DecodeAddress(testPaymentAddress(t, 0x12), testNet)
	if err != nil {
		t.Fatal(err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}
	if got := OutputTypeForScript(script); got != OutputP2WPKH {
		t.Errorf("p2wpkh script classified as %s, want %s", got, OutputP2WPKH)
	}
}
