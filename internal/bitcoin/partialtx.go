package bitcoin

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/fedbtc/fedbtcd/internal/config"
)

// PartialTx wraps a PSBT packet with the operations the batch pipeline needs:
// early txid, co-signing, combining contributions, and finalization.
type PartialTx struct {
	Packet *psbt.Packet
}

// NewPartialTx wraps an unsigned transaction into a PSBT, attaching the
// witness utxo and witness script of every input. Inputs that are not segwit
// are rejected: the early-txid guarantee only holds when signatures live in
// the witness.
func NewPartialTx(unsigned *wire.MsgTx, prevOuts []*wire.TxOut, witnessScript []byte) (*PartialTx, error) {
	if len(unsigned.TxIn) != len(prevOuts) {
		return nil, fmt.Errorf("input count %d does not match prevout count %d",
			len(unsigned.TxIn), len(prevOuts))
	}

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, fmt.Errorf("wrap unsigned tx into psbt: %w", err)
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, fmt.Errorf("create psbt updater: %w", err)
	}

	for i, prevOut := range prevOuts {
		if !txscript.IsPayToWitnessScriptHash(prevOut.PkScript) {
			return nil, fmt.Errorf("%w: input %d", config.ErrNonSegwitInput, i)
		}
		if err := updater.AddInWitnessUtxo(prevOut, i); err != nil {
			return nil, fmt.Errorf("add witness utxo %d: %w", i, err)
		}
		if err := updater.AddInWitnessScript(witnessScript, i); err != nil {
			return nil, fmt.Errorf("add witness script %d: %w", i, err)
		}
		if err := updater.AddInSighashType(txscript.SigHashAll, i); err != nil {
			return nil, fmt.Errorf("add sighash type %d: %w", i, err)
		}
	}

	return &PartialTx{Packet: packet}, nil
}

// DecodePartialTx parses a base64 PSBT.
func DecodePartialTx(b64 string) (*PartialTx, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	if err != nil {
		return nil, fmt.Errorf("decode psbt: %w", err)
	}
	return &PartialTx{Packet: packet}, nil
}

// Base64 serializes the PSBT.
func (p *PartialTx) Base64() (string, error) {
	s, err := p.Packet.B64Encode()
	if err != nil {
		return "", fmt.Errorf("encode psbt: %w", err)
	}
	return s, nil
}

// EarlyTxHash returns the final Bitcoin txid computed from the unsigned
// transaction. All inputs are segwit, so later signatures cannot change it.
func (p *PartialTx) EarlyTxHash() (string, error) {
	for i, in := range p.Packet.Inputs {
		if in.WitnessUtxo == nil {
			return "", fmt.Errorf("%w: input %d has no witness utxo", config.ErrNonSegwitInput, i)
		}
	}
	return p.Packet.UnsignedTx.TxHash().String(), nil
}

// SignatureCount returns the number of complete signature sets: the minimum
// partial-signature count across inputs.
func (p *PartialTx) SignatureCount() int {
	if len(p.Packet.Inputs) == 0 {
		return 0
	}
	count := len(p.Packet.Inputs[0].PartialSigs)
	for _, in := range p.Packet.Inputs[1:] {
		if len(in.PartialSigs) < count {
			count = len(in.PartialSigs)
		}
	}
	return count
}

// SignerPubKeys returns the hex-agnostic pubkey set that has signed input 0.
func (p *PartialTx) SignerPubKeys() [][]byte {
	if len(p.Packet.Inputs) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(p.Packet.Inputs[0].PartialSigs))
	for _, ps := range p.Packet.Inputs[0].PartialSigs {
		out = append(out, ps.PubKey)
	}
	return out
}

// HasSignerPubKey reports whether pub has already signed this partial tx.
func (p *PartialTx) HasSignerPubKey(pub []byte) bool {
	for _, existing := range p.SignerPubKeys() {
		if bytes.Equal(existing, pub) {
			return true
		}
	}
	return false
}

// Sign adds the local signature to every input using the federation witness
// script. Signing twice with the same key is rejected by the caller via
// HasSignerPubKey.
func (p *PartialTx) Sign(priv *btcec.PrivateKey, witnessScript []byte) error {
	pub := priv.PubKey().SerializeCompressed()

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range p.Packet.Inputs {
		if in.WitnessUtxo == nil {
			return fmt.Errorf("%w: input %d has no witness utxo", config.ErrNonSegwitInput, i)
		}
		fetcher.AddPrevOut(p.Packet.UnsignedTx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}

	sigHashes := txscript.NewTxSigHashes(p.Packet.UnsignedTx, fetcher)

	updater, err := psbt.NewUpdater(p.Packet)
	if err != nil {
		return fmt.Errorf("create psbt updater: %w", err)
	}

	for i, in := range p.Packet.Inputs {
		sig, err := txscript.RawTxInWitnessSignature(
			p.Packet.UnsignedTx,
			sigHashes,
			i,
			in.WitnessUtxo.Value,
			witnessScript,
			txscript.SigHashAll,
			priv,
		)
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}

		if _, err := updater.Sign(i, sig, pub, nil, witnessScript); err != nil {
			return fmt.Errorf("attach signature to input %d: %w", i, err)
		}
	}
	return nil
}

// Combine merges another contribution's partial signatures into this PSBT.
// The contribution must describe the same unsigned transaction. Returns the
// number of new signatures absorbed.
func (p *PartialTx) Combine(other *PartialTx) (int, error) {
	ours, err := p.EarlyTxHash()
	if err != nil {
		return 0, err
	}
	theirs, err := other.EarlyTxHash()
	if err != nil {
		return 0, err
	}
	if ours != theirs {
		return 0, fmt.Errorf("cannot combine psbt for tx %s into tx %s", theirs, ours)
	}

	added := 0
	for i := range p.Packet.Inputs {
		for _, ps := range other.Packet.Inputs[i].PartialSigs {
			duplicate := false
			for _, existing := range p.Packet.Inputs[i].PartialSigs {
				if bytes.Equal(existing.PubKey, ps.PubKey) {
					duplicate = true
					break
				}
			}
			if !duplicate {
				p.Packet.Inputs[i].PartialSigs = append(p.Packet.Inputs[i].PartialSigs, ps)
				added++
			}
		}
	}
	return added, nil
}

// Finalize assembles the multisig witnesses and extracts the network
// transaction. Requires at least M signatures per input.
func (p *PartialTx) Finalize() (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(p.Packet); err != nil {
		return nil, fmt.Errorf("finalize psbt: %w", err)
	}

	tx, err := psbt.Extract(p.Packet)
	if err != nil {
		return nil, fmt.Errorf("extract final tx: %w", err)
	}
	return tx, nil
}

// Copy deep-copies the partial transaction via its serialized form.
func (p *PartialTx) Copy() (*PartialTx, error) {
	b64, err := p.Base64()
	if err != nil {
		return nil, err
	}
	return DecodePartialTx(b64)
}
