package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/fedbtc/fedbtcd/internal/config"
)

// Material holds the node's signing keys: the EVM federator key and the BIP-32
// master key used for Bitcoin multisig co-signing. Bitcoin private keys are
// only handed out through the borrowing accessor, which zeroes them after use.
type Material struct {
	evmKey    *ecdsa.PrivateKey
	btcMaster *hdkeychain.ExtendedKey
}

// Load reads key material from the master key file. The file holds either a
// hex-encoded 32-byte seed or a BIP-39 mnemonic. The resulting seed yields the
// Bitcoin master extended key, and its keccak256 hash is the EVM key.
func Load(path string, net *chaincfg.Params) (*Material, error) {
	slog.Info("reading master key file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key file %q: %w", path, err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, fmt.Errorf("%w: master key file %q is empty", config.ErrKeyMaterial, path)
	}

	var seed []byte
	if bip39.IsMnemonicValid(content) {
		seed, err = bip39.NewSeedWithErrorChecking(content, "")
		if err != nil {
			return nil, fmt.Errorf("mnemonic to seed: %w", err)
		}
	} else {
		seed, err = hex.DecodeString(strings.TrimPrefix(content, "0x"))
		if err != nil || len(seed) != 32 {
			return nil, fmt.Errorf("%w: master key file is neither a mnemonic nor a 32-byte hex key", config.ErrKeyMaterial)
		}
	}

	btcMaster, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("derive bitcoin master key: %w", err)
	}

	evmKey, err := crypto.ToECDSA(crypto.Keccak256(seed))
	if err != nil {
		return nil, fmt.Errorf("derive evm key: %w", err)
	}

	slog.Info("key material loaded", "network", net.Name)
	return &Material{evmKey: evmKey, btcMaster: btcMaster}, nil
}

// EVMKey returns the federator's EVM signing key.
func (m *Material) EVMKey() *ecdsa.PrivateKey {
	return m.evmKey
}

// MasterXpub returns the neutered Bitcoin master key (for membership checks
// against the configured federation xpub set).
func (m *Material) MasterXpub() (string, error) {
	neutered, err := m.btcMaster.Neuter()
	if err != nil {
		return "", fmt.Errorf("neuter master key: %w", err)
	}
	return neutered.String(), nil
}

// WithBitcoinKey derives the private key at the given non-hardened path,
// passes it to fn, and zeroes it afterwards.
func (m *Material) WithBitcoinKey(path string, fn func(*btcec.PrivateKey) error) error {
	indices, err := ParsePath(path)
	if err != nil {
		return err
	}

	key := m.btcMaster
	for _, idx := range indices {
		key, err = key.Derive(idx)
		if err != nil {
			return fmt.Errorf("derive bitcoin key at %q: %w", path, err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return fmt.Errorf("extract bitcoin private key at %q: %w", path, err)
	}
	defer priv.Zero()

	return fn(priv)
}

// ParsePath parses a slash-separated non-hardened derivation path like "0/0/0".
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return nil, fmt.Errorf("%w: empty derivation path", config.ErrKeyMaterial)
	}

	indices := make([]uint32, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad derivation path segment %q", config.ErrKeyMaterial, p)
		}
		if n >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: hardened segments not allowed in multisig path %q", config.ErrKeyMaterial, path)
		}
		indices[i] = uint32(n)
	}
	return indices, nil
}

// NetworkParams maps a configured network name to chain parameters.
func NetworkParams(network string) *chaincfg.Params {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}
