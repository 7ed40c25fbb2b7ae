package models

import (
	"encoding/json"
	"fmt"
)

// EncodeBatchDTO serializes a batch snapshot to its canonical JSON form.
func EncodeBatchDTO(b *TransferBatch) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode batch dto: %w", err)
	}
	return string(data), nil
}

// DecodeBatchDTO deserializes a batch snapshot from its JSON form.
func DecodeBatchDTO(s string) (*TransferBatch, error) {
	var b TransferBatch
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return nil, fmt.Errorf("decode batch dto: %w", err)
	}
	return &b, nil
}
