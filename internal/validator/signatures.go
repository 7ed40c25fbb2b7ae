package validator

import (
	"context"
	"fmt"

	"github.com/fedbtc/fedbtcd/internal/rsk"
)

// ValidateSignatures checks a signer/signature pair list against an update
// hash: parallel arrays, no duplicate signers (case-insensitive), every
// signer a current federator, and every signature recovering to its signer.
func (v *Validator) ValidateSignatures(ctx context.Context, updateHash []byte, signers, signatures []string) error {
	if len(signers) != len(signatures) {
		return Errorf("%d signers but %d signatures", len(signers), len(signatures))
	}

	federators, err := v.chain.Federators(ctx)
	if err != nil {
		return fmt.Errorf("read federators: %w", err)
	}
	fedSet := make(map[string]bool, len(federators))
	for _, f := range federators {
		fedSet[rsk.NormalizeAddress(f)] = true
	}

	seen := make(map[string]bool, len(signers))
	for i, signer := range signers {
		normalized := rsk.NormalizeAddress(signer)

		if !fedSet[normalized] {
			return Errorf("signer %s is not a federator", normalized)
		}
		if seen[normalized] {
			return Errorf("signer %s appears twice", normalized)
		}
		seen[normalized] = true

		raw, err := rsk.DecodeHexSignature(signatures[i])
		if err != nil {
			return Errorf("signature %d: %v", i, err)
		}

		recovered, err := v.chain.Recover(updateHash, raw)
		if err != nil {
			return Errorf("signature %d does not recover: %v", i, err)
		}
		if !rsk.SameAddress(recovered, normalized) {
			return Errorf("signature %d recovers to %s, claimed %s", i, recovered, normalized)
		}
	}
	return nil
}

// ValidateSingleSignature checks one (signer, signature) pair against an
// update hash and the current federator set.
func (v *Validator) ValidateSingleSignature(ctx context.Context, updateHash []byte, signer, signature string) error {
	return v.ValidateSignatures(ctx, updateHash, []string{signer}, []string{signature})
}
