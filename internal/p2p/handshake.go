package p2p

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/rsk"
)

// FederatorLookup answers whether an address is currently a federator.
// Implemented over the live contract so membership follows the chain.
type FederatorLookup func(ctx context.Context, addr string) (bool, error)

// handshakeInitRequest opens a handshake: the client presents its challenge
// material for the server to sign.
type handshakeInitRequest struct {
	Version         byte   `json:"version"`
	ClientChallenge string `json:"clientChallenge"` // hex
	ClientSecurity  string `json:"clientSecurity"`  // hex
}

// handshakeInitResponse returns the server's proof plus its own challenge
// material for the client to sign.
type handshakeInitResponse struct {
	ServerSignature string `json:"serverSignature"`
	ServerChallenge string `json:"serverChallenge"`
	ServerSecurity  string `json:"serverSecurity"`
}

// handshakeCompleteRequest closes the handshake with the client's proof.
type handshakeCompleteRequest struct {
	ClientChallenge string `json:"clientChallenge"`
	ClientSignature string `json:"clientSignature"`
}

// handshakeCompleteResponse hands the client its session token.
type handshakeCompleteResponse struct {
	SessionToken string `json:"sessionToken"`
	NodeID       string `json:"nodeId"`
}

// newChallenge returns a fresh random challenge.
func newChallenge() (string, error) {
	buf := make([]byte, config.ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// handshakeMessage assembles the bytes both sides sign: version byte followed
// by the challenge and security material. The EIP-191 personal-message prefix
// is applied by the signer.
func handshakeMessage(challengeHex, securityHex string) ([]byte, error) {
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	security, err := hex.DecodeString(securityHex)
	if err != nil {
		return nil, fmt.Errorf("decode security: %w", err)
	}

	msg := make([]byte, 0, 1+len(challenge)+len(security))
	msg = append(msg, config.HandshakeVersion)
	msg = append(msg, challenge...)
	msg = append(msg, security...)
	return msg, nil
}

// signHandshake signs the handshake material with the node key.
func signHandshake(challengeHex, securityHex string, key *ecdsa.PrivateKey) (string, error) {
	msg, err := handshakeMessage(challengeHex, securityHex)
	if err != nil {
		return "", err
	}
	sig, err := rsk.SignPersonalMessage(msg, key)
	if err != nil {
		return "", err
	}
	return rsk.EncodeHexSignature(sig), nil
}

// verifyHandshake recovers the signer of the handshake material and checks it
// is a current federator. Returns the lowercase signer address.
func verifyHandshake(ctx context.Context, challengeHex, securityHex, sigHex string, isFederator FederatorLookup) (string, error) {
	msg, err := handshakeMessage(challengeHex, securityHex)
	if err != nil {
		return "", err
	}

	sig, err := rsk.DecodeHexSignature(sigHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrHandshakeFailed, err)
	}

	signer, err := rsk.RecoverPersonalMessage(msg, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrHandshakeFailed, err)
	}

	ok, err := isFederator(ctx, signer)
	if err != nil {
		return "", fmt.Errorf("federator lookup for %s: %w", signer, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s is not a federator", config.ErrHandshakeFailed, signer)
	}
	return signer, nil
}
