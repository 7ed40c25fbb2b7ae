package rsk

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// PersonalMessageHash returns the EIP-191 hash of msg: keccak256 over the
// standard Ethereum personal-message prefix followed by the message bytes.
func PersonalMessageHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// SignPersonalMessage signs msg as an EIP-191 personal message. The returned
// 65-byte signature carries a legacy recovery id (v = 27 or 28).
func SignPersonalMessage(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(PersonalMessageHash(msg), key)
	if err != nil {
		return nil, fmt.Errorf("sign personal message: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverPersonalMessage recovers the lowercase signer address of an EIP-191
// personal-message signature. Both v ∈ {0,1} and v ∈ {27,28} are accepted.
func RecoverPersonalMessage(msg, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	adjusted := make([]byte, 65)
	copy(adjusted, sig)
	if adjusted[64] >= 27 {
		adjusted[64] -= 27
	}

	pub, err := crypto.SigToPub(PersonalMessageHash(msg), adjusted)
	if err != nil {
		return "", fmt.Errorf("recover personal message: %w", err)
	}
	return NormalizeAddress(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// NormalizeAddress lowercases a hex address so federator addresses compare
// case-insensitively everywhere.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// DeriveTransferID mirrors the contract's transfer id derivation:
// keccak256(lowercase btc address bytes ‖ nonce as big-endian uint256).
func DeriveTransferID(btcAddress string, nonce uint8) string {
	nonceWord := make([]byte, 32)
	nonceWord[31] = nonce
	id := crypto.Keccak256([]byte(strings.ToLower(btcAddress)), nonceWord)
	return "0x" + hex.EncodeToString(id)
}

// DecodeHexSignature decodes a 0x-prefixed hex signature.
func DecodeHexSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature hex: %w", err)
	}
	return raw, nil
}

// EncodeHexSignature encodes a signature as 0x-prefixed hex.
func EncodeHexSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// TransferIDToBytes32 parses a 0x-prefixed 32-byte transfer id.
func TransferIDToBytes32(id string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(id), "0x"))
	if err != nil {
		return out, fmt.Errorf("decode transfer id %q: %w", id, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("transfer id %q is %d bytes, want 32", id, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// BtcTxHashToBytes32 parses a 64-char hex Bitcoin txid.
func BtcTxHashToBytes32(h string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(h), "0x"))
	if err != nil {
		return out, fmt.Errorf("decode btc tx hash %q: %w", h, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("btc tx hash %q is %d bytes, want 32", h, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// AddressFromKey returns the lowercase hex address of an ECDSA private key.
func AddressFromKey(key *ecdsa.PrivateKey) string {
	return NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())
}
