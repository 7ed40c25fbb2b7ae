package models

import "strings"

// TransferStatus mirrors the bridge contract's transfer status enum.
type TransferStatus uint8

const (
	StatusNew TransferStatus = iota
	StatusSending
	StatusMined
	StatusRefunded
	StatusReclaimed
)

// String returns the human-readable status name.
func (s TransferStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusSending:
		return "sending"
	case StatusMined:
		return "mined"
	case StatusRefunded:
		return "refunded"
	case StatusReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// Transfer is a single user's request to receive Bitcoin, as recorded by the
// bridge contract and indexed locally.
type Transfer struct {
	TransferID     string         `json:"transferId"` // 0x-prefixed 32-byte hex
	Status         TransferStatus `json:"status"`
	BtcAddress     string         `json:"btcAddress"`
	Nonce          uint8          `json:"nonce"` // 0..254; 255 reserved
	TotalAmountSat uint64         `json:"totalAmountSatoshi"`
	RskAddress     string         `json:"rskAddress"`
	RskTxHash      string         `json:"rskTxHash"`
	RskTxIndex     uint           `json:"rskTxIndex"`
	RskLogIndex    uint           `json:"rskLogIndex"`
	RskBlockNumber uint64         `json:"rskBlockNumber"`
	BtcTxHash      string         `json:"btcTxHash,omitempty"` // filled once batched
}

// SignerSignature pairs a federator address with its signature over an update hash.
type SignerSignature struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"` // 0x-prefixed 65-byte hex
}

// TransferBatch is a bundle of transfers paid out by one Bitcoin transaction.
// It is a plain value object; the batch service owns it and passes copies to
// validators and peers. The JSON encoding of this struct is the wire and
// storage DTO.
type TransferBatch struct {
	Transfers         []Transfer `json:"transfers"`
	SendingSigners    []string   `json:"sendingSigners"`
	SendingSignatures []string   `json:"sendingSignatures"`
	MinedSigners      []string   `json:"minedSigners"`
	MinedSignatures   []string   `json:"minedSignatures"`
	BitcoinTxHash     string     `json:"bitcoinTxHash"`
	InitialPsbt       string     `json:"initialPsbt"`          // base64
	SignedPsbt        string     `json:"signedPsbt,omitempty"` // base64, cumulative
	MarkedSending     bool       `json:"markedSending"`
	SentToBitcoin     bool       `json:"sentToBitcoin"`
	MarkedMined       bool       `json:"markedMined"`
}

// TransferIDs returns the batch's transfer ids in batch order.
func (b *TransferBatch) TransferIDs() []string {
	ids := make([]string, len(b.Transfers))
	for i, t := range b.Transfers {
		ids[i] = t.TransferID
	}
	return ids
}

// SameTransfers reports whether ids matches the batch's transfer ids element-wise.
func (b *TransferBatch) SameTransfers(ids []string) bool {
	if len(ids) != len(b.Transfers) {
		return false
	}
	for i, t := range b.Transfers {
		if !strings.EqualFold(t.TransferID, ids[i]) {
			return false
		}
	}
	return true
}

// HasSendingSigner reports whether addr already signed the sending update.
// Comparison is case-insensitive.
func (b *TransferBatch) HasSendingSigner(addr string) bool {
	return containsFold(b.SendingSigners, addr)
}

// HasMinedSigner reports whether addr already signed the mined update.
func (b *TransferBatch) HasMinedSigner(addr string) bool {
	return containsFold(b.MinedSigners, addr)
}

// HasEnoughSendingSignatures reports whether the sending signature count meets
// the required signer threshold.
func (b *TransferBatch) HasEnoughSendingSignatures(required int) bool {
	return len(b.SendingSignatures) >= required
}

// HasEnoughMinedSignatures reports whether the mined signature count meets the
// required signer threshold.
func (b *TransferBatch) HasEnoughMinedSignatures(required int) bool {
	return len(b.MinedSignatures) >= required
}

// IsTerminal reports whether the batch has completed its lifecycle: every
// transfer confirmed mined and acknowledged on chain.
func (b *TransferBatch) IsTerminal() bool {
	return b.MarkedMined
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// StoredTransferBatch is a persisted batch row.
type StoredTransferBatch struct {
	ID        int64
	BatchKey  string // hash over the sorted transfer id set
	CreatedAt string
	Terminal  bool
	DTOJson   string
}

// UTXO is an unspent multisig output as reported by the Bitcoin node.
type UTXO struct {
	TxID          string
	Vout          uint32
	AmountSat     int64
	Confirmations int64
	Address       string
}

// FeeStructure is a static snapshot of the contract's fee parameters.
// Owned by the contract; read-only here.
type FeeStructure struct {
	Index         uint32 `json:"index"`
	BaseFeeSat    uint64 `json:"baseFeeSatoshi"`
	DynamicFeePPM uint64 `json:"dynamicFee"`
}
