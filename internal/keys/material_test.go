package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
)

func writeKeyFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_HexKey(t *testing.T) {
	path := writeKeyFile(t, "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f\n")

	m, err := Load(path, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.EVMKey() == nil {
		t.Fatal("EVM key missing")
	}

	xpub, err := m.MasterXpub()
	if err != nil {
		t.Fatalf("MasterXpub() error = %v", err)
	}
	if xpub == "" {
		t.Error("empty master xpub")
	}
}

func TestLoad_Deterministic(t *testing.T) {
	content := "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"
	a, err := Load(writeKeyFile(t, content), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(writeKeyFile(t, content), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}

	xa, _ := a.MasterXpub()
	xb, _ := b.MasterXpub()
	if xa != xb {
		t.Error("same seed produced different master keys")
	}
}

func TestLoad_Mnemonic(t *testing.T) {
	// Standard BIP-39 test mnemonic.
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	path := writeKeyFile(t, mnemonic+"\n")

	m, err := Load(path, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.EVMKey() == nil {
		t.Fatal("EVM key missing")
	}
}

func TestLoad_BadContent(t *testing.T) {
	if _, err := Load(writeKeyFile(t, "not a key"), &chaincfg.RegressionNetParams); err == nil {
		t.Error("expected error for junk content")
	}
	if _, err := Load(writeKeyFile(t, ""), &chaincfg.RegressionNetParams); err == nil {
		t.Error("expected error for empty file")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing"), &chaincfg.RegressionNetParams); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWithBitcoinKey(t *testing.T) {
	path := writeKeyFile(t, "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f")
	m, err := Load(path, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}

	var first, second []byte
	if err := m.WithBitcoinKey("0/0/0", func(priv *btcec.PrivateKey) error {
		first = priv.PubKey().SerializeCompressed()
		return nil
	}); err != nil {
		t.Fatalf("WithBitcoinKey() error = %v", err)
	}

	// Derivation is repeatable.
	if err := m.WithBitcoinKey("0/0/0", func(priv *btcec.PrivateKey) error {
		second = priv.PubKey().SerializeCompressed()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("same path derived different keys")
	}

	// Different paths derive different keys.
	if err := m.WithBitcoinKey("0/0/1", func(priv *btcec.PrivateKey) error {
		second = priv.PubKey().SerializeCompressed()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if string(first) == string(second) {
		t.Error("different paths derived the same key")
	}
}

func TestParsePath(t *testing.T) {
	got, err := ParsePath("0/5/12")
	if err != nil {
		t.Fatalf("ParsePath() error = %v", err)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 5 || got[2] != 12 {
		t.Errorf("ParsePath() = %v", got)
	}

	if _, err := ParsePath(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := ParsePath("0/x/1"); err == nil {
		t.Error("expected error for non-numeric segment")
	}
	if _, err := ParsePath("0/2147483648"); err == nil {
		t.Error("expected error for hardened index")
	}
}

func TestNetworkParams(t *testing.T) {
	if NetworkParams("mainnet") != &chaincfg.MainNetParams {
		t.Error("mainnet mapping wrong")
	}
	if NetworkParams("regtest") != &chaincfg.RegressionNetParams {
		t.Error("regtest mapping wrong")
	}
	if NetworkParams("testnet") != &chaincfg.TestNet3Params {
		t.Error("testnet mapping wrong")
	}
}
