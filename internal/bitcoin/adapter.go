package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/keys"
	"github.com/fedbtc/fedbtcd/internal/models"
)

// PaymentOutput is one user payment parsed back out of a partial transaction.
type PaymentOutput struct {
	BtcAddress string
	Nonce      uint8
	AmountSat  int64
}

// CreateOptions tune partial transaction construction.
type CreateOptions struct {
	SignSelf  bool
	NoChange  bool // replenishment only: single output absorbs all remaining value
	MaxInputs int  // 0 = unlimited
}

// Adapter is the Bitcoin-side of the bridge: it owns the federation multisig,
// builds and co-signs partial transactions, and talks to the node RPC.
type Adapter struct {
	rpc      *RPCClient
	fees     *FeeEstimator
	multisig *Multisig
	material *keys.Material
	path     string
	net      *chaincfg.Params
}

// NewAdapter derives the federation multisig and verifies the early-txid
// property against a fixed test vector. A node whose serialization breaks
// that property must not start.
func NewAdapter(rpc *RPCClient, fees *FeeEstimator, material *keys.Material, xpubs []string, path string, m int, net *chaincfg.Params) (*Adapter, error) {
	multisig, err := DeriveMultisig(xpubs, path, m, net)
	if err != nil {
		return nil, err
	}

	if err := checkEarlyTxHashStability(); err != nil {
		return nil, err
	}

	return &Adapter{
		rpc:      rpc,
		fees:     fees,
		multisig: multisig,
		material: material,
		path:     path,
		net:      net,
	}, nil
}

// MultisigAddress returns the canonical payout multisig address.
func (a *Adapter) MultisigAddress() string {
	return a.multisig.Address
}

// NumRequired returns M, the signature threshold.
func (a *Adapter) NumRequired() int {
	return a.multisig.M
}

// ValidateAddress reports whether addr parses for the configured network.
func (a *Adapter) ValidateAddress(addr string) bool {
	decoded, err := btcutil.DecodeAddress(addr, a.net)
	if err != nil {
		return false
	}
	return decoded.IsForNet(a.net)
}

// CreatePartialTx builds the unsigned batch payout transaction: an OP_RETURN
// nonce commitment, one output per transfer, and change back to the multisig.
func (a *Adapter) CreatePartialTx(ctx context.Context, transfers []models.Transfer, opts CreateOptions) (*PartialTx, error) {
	if len(transfers) == 0 {
		return nil, fmt.Errorf("no transfers to pay")
	}
	if opts.NoChange && len(transfers) != 1 {
		return nil, fmt.Errorf("no-change transaction requires exactly one transfer, got %d", len(transfers))
	}

	if err := checkNonces(transfers); err != nil {
		return nil, err
	}

	payScripts := make([][]byte, len(transfers))
	outputTypes := map[string]int{}
	var amountNeeded int64
	for i, t := range transfers {
		addr, err := btcutil.DecodeAddress(t.BtcAddress, a.net)
		if err != nil {
			return nil, fmt.Errorf("decode destination %q: %w", t.BtcAddress, err)
		}
		payScripts[i], err = txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("script for destination %q: %w", t.BtcAddress, err)
		}
		outputTypes[OutputTypeForScript(payScripts[i])]++
		amountNeeded += int64(t.TotalAmountSat)
	}
	if !opts.NoChange {
		outputTypes[OutputP2WSH]++ // change
	}

	feeRate, err := a.fees.FeeRateSatsPerVB(ctx)
	if err != nil {
		return nil, err
	}

	utxos, err := a.listMultisigUnspent(ctx)
	if err != nil {
		return nil, err
	}

	selected, fee, err := selectInputs(utxos, amountNeeded, feeRate, a.multisig, outputTypes, len(transfers), opts.MaxInputs)
	if err != nil {
		return nil, err
	}

	var totalIn int64
	for _, u := range selected {
		totalIn += u.AmountSat
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make([]*wire.TxOut, len(selected))
	for i, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("parse utxo txid %q: %w", u.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(txIn)
		prevOuts[i] = wire.NewTxOut(u.AmountSat, a.multisig.PkScript)
	}

	// Output 0 commits the transfer nonces.
	nonces := make([]byte, len(transfers))
	for i, t := range transfers {
		nonces[i] = t.Nonce
	}
	opReturn, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData(nonces).Script()
	if err != nil {
		return nil, fmt.Errorf("build OP_RETURN script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(0, opReturn))

	if opts.NoChange {
		// The single transfer absorbs everything left after fees.
		amount := totalIn - fee
		if amount < config.BtcDustThresholdSats {
			return nil, fmt.Errorf("%w: %d sats after fee", config.ErrDustOutput, amount)
		}
		tx.AddTxOut(wire.NewTxOut(amount, payScripts[0]))
	} else {
		for i, t := range transfers {
			if int64(t.TotalAmountSat) < config.BtcDustThresholdSats {
				return nil, fmt.Errorf("%w: transfer %s pays %d sats", config.ErrDustOutput, t.TransferID, t.TotalAmountSat)
			}
			tx.AddTxOut(wire.NewTxOut(int64(t.TotalAmountSat), payScripts[i]))
		}

		change := totalIn - amountNeeded - fee
		if change >= config.BtcDustThresholdSats {
			tx.AddTxOut(wire.NewTxOut(change, a.multisig.PkScript))
		}
	}

	partial, err := NewPartialTx(tx, prevOuts, a.multisig.WitnessScript)
	if err != nil {
		return nil, err
	}

	txHash, err := partial.EarlyTxHash()
	if err != nil {
		return nil, err
	}

	slog.Info("partial transaction created",
		"txHash", txHash,
		"transfers", len(transfers),
		"inputs", len(selected),
		"feeSats", fee,
		"feeRate", feeRate,
		"noChange", opts.NoChange,
	)

	if opts.SignSelf {
		if err := a.Sign(partial); err != nil {
			return nil, err
		}
	}
	return partial, nil
}

// Sign co-signs every input with the local federation key. Signing an already
// co-signed partial transaction is a no-op.
func (a *Adapter) Sign(p *PartialTx) error {
	return a.material.WithBitcoinKey(a.path, func(priv *btcec.PrivateKey) error {
		if p.HasSignerPubKey(priv.PubKey().SerializeCompressed()) {
			slog.Debug("partial tx already signed by local key")
			return nil
		}
		return p.Sign(priv, a.multisig.WitnessScript)
	})
}

// Submit finalizes and broadcasts the partial transaction. A transaction the
// node already reports confirmed counts as submitted.
func (a *Adapter) Submit(ctx context.Context, p *PartialTx) error {
	txHash, err := p.EarlyTxHash()
	if err != nil {
		return err
	}

	known, err := a.rpc.GetTransaction(ctx, txHash)
	if err != nil {
		return err
	}
	if known != nil && known.Confirmations >= 1 {
		slog.Info("transaction already confirmed, skipping broadcast",
			"txHash", txHash,
			"confirmations", known.Confirmations,
		)
		return nil
	}

	if got := p.SignatureCount(); got < a.multisig.M {
		return fmt.Errorf("cannot submit with %d of %d required signatures", got, a.multisig.M)
	}

	final, err := p.Finalize()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := final.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize final tx: %w", err)
	}

	txid, err := a.rpc.SendRawTransaction(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		if isAlreadyKnown(err) {
			slog.Info("transaction already known to node", "txHash", txHash)
			return nil
		}
		return err
	}

	slog.Info("transaction broadcast", "txHash", txid)
	return nil
}

// GetTx returns the node's view of a transaction, nil if unknown.
func (a *Adapter) GetTx(ctx context.Context, txHash string) (*WalletTransaction, error) {
	return a.rpc.GetTransaction(ctx, txHash)
}

// TransfersFrom parses the payment outputs back out of a partial transaction,
// pairing each payment with its OP_RETURN nonce. The change output, when
// present, must pay the canonical multisig address.
func (a *Adapter) TransfersFrom(p *PartialTx) ([]PaymentOutput, error) {
	outs := p.Packet.UnsignedTx.TxOut
	if len(outs) < 2 {
		return nil, fmt.Errorf("transaction has %d outputs, want at least 2", len(outs))
	}

	nonces, err := ParseOpReturnNonces(outs[0].PkScript)
	if err != nil {
		return nil, err
	}

	// Outputs 1..k are payments, one per nonce; anything after must be change.
	if len(outs) < 1+len(nonces) {
		return nil, fmt.Errorf("%d nonces but only %d payment outputs", len(nonces), len(outs)-1)
	}
	extra := len(outs) - 1 - len(nonces)
	if extra > 1 {
		return nil, fmt.Errorf("transaction has %d trailing outputs, want at most one change", extra)
	}
	if extra == 1 {
		change := outs[len(outs)-1]
		addr, err := addressForScript(change.PkScript, a.net)
		if err != nil || addr != a.multisig.Address {
			return nil, fmt.Errorf("change output does not pay the multisig address")
		}
	}

	seen := map[string]bool{}
	payments := make([]PaymentOutput, len(nonces))
	for i, nonce := range nonces {
		out := outs[1+i]
		addr, err := addressForScript(out.PkScript, a.net)
		if err != nil {
			return nil, fmt.Errorf("payment output %d: %w", i, err)
		}

		key := fmt.Sprintf("%s/%d", addr, nonce)
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", config.ErrDuplicateTransfer, key)
		}
		seen[key] = true

		payments[i] = PaymentOutput{BtcAddress: addr, Nonce: nonce, AmountSat: out.Value}
	}
	return payments, nil
}

// MultisigBalance returns the spendable multisig balance in satoshis. Only
// unspent outputs of the canonical multisig address are listed, so changeOnly
// does not change the total.
func (a *Adapter) MultisigBalance(ctx context.Context, changeOnly bool) (int64, error) {
	utxos, err := a.rpc.ListUnspent(ctx, []string{a.multisig.Address})
	if err != nil {
		return 0, err
	}

	var total int64
	for _, u := range utxos {
		if changeOnly && u.Address != a.multisig.Address {
			continue
		}
		total += btcToSats(u.Amount)
	}
	return total, nil
}

// EarlyTxHash exposes the partial transaction's stable txid.
func (a *Adapter) EarlyTxHash(p *PartialTx) (string, error) {
	return p.EarlyTxHash()
}

func (a *Adapter) listMultisigUnspent(ctx context.Context) ([]models.UTXO, error) {
	raw, err := a.rpc.ListUnspent(ctx, []string{a.multisig.Address})
	if err != nil {
		return nil, err
	}

	utxos := make([]models.UTXO, 0, len(raw))
	for _, u := range raw {
		if u.Confirmations < 1 {
			continue
		}
		utxos = append(utxos, models.UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			AmountSat:     btcToSats(u.Amount),
			Confirmations: u.Confirmations,
			Address:       u.Address,
		})
	}
	return utxos, nil
}

// selectInputs picks UTXOs oldest-first until they cover amount + fee, where
// the fee is recomputed after every addition.
func selectInputs(utxos []models.UTXO, amount int64, feeRate int64, ms *Multisig, outputTypes map[string]int, opReturnLen int, maxInputs int) ([]models.UTXO, int64, error) {
	sorted := make([]models.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Confirmations > sorted[j].Confirmations
	})

	var selected []models.UTXO
	var totalIn int64
	for _, u := range sorted {
		if maxInputs > 0 && len(selected) >= maxInputs {
			break
		}
		selected = append(selected, u)
		totalIn += u.AmountSat

		vsize := EstimateVsize(ms.M, ms.N, len(selected), outputTypes, opReturnLen)
		fee := feeRate * int64(vsize)
		if totalIn >= amount+fee {
			return selected, fee, nil
		}
	}

	return nil, 0, fmt.Errorf("%w: have %d sats, need %d plus fees", config.ErrInsufficientFunds, totalIn, amount)
}

func checkNonces(transfers []models.Transfer) error {
	seen := map[string]bool{}
	for _, t := range transfers {
		if t.Nonce == config.ReservedNonce {
			return fmt.Errorf("%w: transfer %s", config.ErrReservedNonce, t.TransferID)
		}
		key := fmt.Sprintf("%s/%d", strings.ToLower(t.BtcAddress), t.Nonce)
		if seen[key] {
			return fmt.Errorf("%w: %s", config.ErrDuplicateTransfer, key)
		}
		seen[key] = true
	}
	return nil
}

// ParseOpReturnNonces extracts the nonce payload committed in output 0.
// The script must be a bare OP_RETURN with a single data push, and every
// nonce must stay below the reserved value. A one-byte payload may appear as
// the small-integer opcode (OP_0, OP_1..OP_16, OP_1NEGATE) that
// txscript.ScriptBuilder.AddData emits in place of a data push.
func ParseOpReturnNonces(script []byte) ([]uint8, error) {
	if len(script) == 0 || script[0] != txscript.OP_RETURN {
		return nil, fmt.Errorf("output 0 is not an OP_RETURN")
	}

	if len(script) == 2 {
		switch op := script[1]; {
		case op == txscript.OP_0:
			return []uint8{0}, nil
		case op >= txscript.OP_1 && op <= txscript.OP_16:
			return []uint8{op - txscript.OP_1 + 1}, nil
		case op == txscript.OP_1NEGATE:
			return []uint8{0x81}, nil
		}
	}

	pushes, err := txscript.PushedData(script)
	if err != nil {
		return nil, fmt.Errorf("parse OP_RETURN pushes: %w", err)
	}
	if len(pushes) != 1 {
		return nil, fmt.Errorf("OP_RETURN has %d pushes, want 1", len(pushes))
	}

	nonces := make([]uint8, len(pushes[0]))
	for i, b := range pushes[0] {
		if b == config.ReservedNonce {
			return nil, fmt.Errorf("%w: position %d", config.ErrReservedNonce, i)
		}
		nonces[i] = b
	}
	return nonces, nil
}

func addressForScript(pkScript []byte, net *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, net)
	if err != nil || len(addrs) != 1 {
		return "", fmt.Errorf("cannot resolve output address")
	}
	return addrs[0].EncodeAddress(), nil
}

func btcToSats(btc float64) int64 {
	amt, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0
	}
	return int64(amt)
}

func isAlreadyKnown(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "txn-already-known") ||
		strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "Transaction already in block chain")
}

// checkEarlyTxHashStability verifies, against a fixed vector, that attaching
// witness data leaves the txid untouched. This is the property the whole
// early-txid design rests on.
func checkEarlyTxHashStability() error {
	tx := wire.NewMsgTx(wire.TxVersion)
	var zero chainhash.Hash
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&zero, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, make([]byte, 34)))

	before := tx.TxHash()
	tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 72), make([]byte, 72), make([]byte, 105)}
	after := tx.TxHash()

	if before != after {
		return fmt.Errorf("%w: %s != %s", config.ErrEarlyTxHashUnstable, before, after)
	}
	return nil
}
