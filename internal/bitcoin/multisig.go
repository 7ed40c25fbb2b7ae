package bitcoin

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/fedbtc/fedbtcd/internal/keys"
)

// Multisig describes an M-of-N P2WSH address derived from a sorted tuple of N
// extended public keys at a fixed BIP-32 path.
type Multisig struct {
	M             int
	N             int
	Address       string
	WitnessScript []byte
	PkScript      []byte
	PubKeys       [][]byte // compressed, in witness script order
}

// DeriveMultisig derives the federation multisig from the xpub set. The xpubs
// are sorted before derivation so every node arrives at the same script
// regardless of configuration order.
func DeriveMultisig(xpubs []string, path string, m int, net *chaincfg.Params) (*Multisig, error) {
	if m < 1 || m > len(xpubs) {
		return nil, fmt.Errorf("multisig requires 1 <= m <= n, got m=%d n=%d", m, len(xpubs))
	}

	sorted := make([]string, len(xpubs))
	copy(sorted, xpubs)
	sort.Strings(sorted)

	indices, err := keys.ParsePath(path)
	if err != nil {
		return nil, err
	}

	addrPubKeys := make([]*btcutil.AddressPubKey, len(sorted))
	pubKeys := make([][]byte, len(sorted))
	for i, xpub := range sorted {
		key, err := hdkeychain.NewKeyFromString(xpub)
		if err != nil {
			return nil, fmt.Errorf("parse xpub %d: %w", i, err)
		}

		for _, idx := range indices {
			key, err = key.Derive(idx)
			if err != nil {
				return nil, fmt.Errorf("derive xpub %d at %q: %w", i, path, err)
			}
		}

		pub, err := key.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("extract pubkey from xpub %d: %w", i, err)
		}

		compressed := pub.SerializeCompressed()
		pubKeys[i] = compressed

		addrPubKeys[i], err = btcutil.NewAddressPubKey(compressed, net)
		if err != nil {
			return nil, fmt.Errorf("address pubkey %d: %w", i, err)
		}
	}

	witnessScript, err := txscript.MultiSigScript(addrPubKeys, m)
	if err != nil {
		return nil, fmt.Errorf("build multisig witness script: %w", err)
	}

	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
	if err != nil {
		return nil, fmt.Errorf("build P2WSH address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("build P2WSH pkScript: %w", err)
	}

	slog.Info("multisig derived",
		"address", addr.EncodeAddress(),
		"m", m,
		"n", len(sorted),
		"path", path,
		"network", net.Name,
	)

	return &Multisig{
		M:             m,
		N:             len(sorted),
		Address:       addr.EncodeAddress(),
		WitnessScript: witnessScript,
		PkScript:      pkScript,
		PubKeys:       pubKeys,
	}, nil
}
