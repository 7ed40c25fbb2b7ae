package p2p

import (
	"encoding/json"
	"fmt"
)

// Message types exchanged inside the federation.
const (
	MsgRequestSendingSignature    = "request-sending-signature"
	MsgSendingSignatureResponse   = "sending-signature-response"
	MsgRequestBitcoinSignature    = "request-bitcoin-signature"
	MsgBitcoinSignatureResponse   = "bitcoin-signature-response"
	MsgRequestMinedSignature      = "request-mined-signature"
	MsgMinedSignatureResponse     = "mined-signature-response"
	MsgInitiatorSyncRequest       = "initiator:sync-request"
	MsgInitiatorSyncResponse      = "initiator:sync-response"
	MsgRequestReplenishSignature  = "request-replenish-signature"
	MsgReplenishSignatureResponse = "replenish-signature-response"
	MsgRequestCpfpSignature       = "request-cpfp-signature"
	MsgCpfpSignatureResponse      = "cpfp-signature-response"
)

// Envelope is the wire frame for every federation message.
type Envelope struct {
	Type         string          `json:"type"`
	SourceNodeID string          `json:"sourceNodeId"`
	Data         json.RawMessage `json:"data"`
}

// NewEnvelope wraps payload into an envelope from the given node.
func NewEnvelope(msgType, sourceNodeID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, SourceNodeID: sourceNodeID, Data: data}, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// BatchPayload carries a batch DTO in a signature request.
type BatchPayload struct {
	DTO string `json:"dto"`
}

// SendingSignaturePayload answers a sending-signature request.
type SendingSignaturePayload struct {
	DTO       string `json:"dto"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// BitcoinSignaturePayload answers a bitcoin-signature request.
type BitcoinSignaturePayload struct {
	DTO        string `json:"dto"`
	SignedPsbt string `json:"signedPsbt"`
}

// MinedSignaturePayload answers a mined-signature request.
type MinedSignaturePayload struct {
	DTO       string `json:"dto"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// InitiatorSyncPayload carries a node's current initiator pick.
type InitiatorSyncPayload struct {
	InitiatorID string `json:"initiatorId"`
}

// ReplenishRequestPayload asks peers to co-sign a replenishment PSBT.
type ReplenishRequestPayload struct {
	Psbt          string `json:"psbt"`
	PeriodIndex   int64  `json:"periodIndex"`
	TimesInPeriod int    `json:"timesInPeriod"`
}

// ReplenishResponsePayload returns a co-signed replenishment PSBT.
type ReplenishResponsePayload struct {
	Psbt string `json:"psbt"`
}

// CpfpRequestPayload asks peers to co-sign a fee-bump child transaction.
type CpfpRequestPayload struct {
	DTO       string `json:"dto"`
	CpfpTx    string `json:"cpfpTx"` // base64 psbt
	RequestID string `json:"requestId"`
}

// CpfpResponsePayload returns a co-signed fee-bump child transaction.
type CpfpResponsePayload struct {
	CpfpTx    string `json:"cpfpTx"`
	RequestID string `json:"requestId"`
}
