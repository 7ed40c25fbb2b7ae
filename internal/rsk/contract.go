package rsk

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// bridgeABIJSON covers the bridge contract surface the coordinator touches.
const bridgeABIJSON = `[
	{"type":"function","name":"federators","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getTransfer","stateMutability":"view",
		"inputs":[{"name":"btcAddress","type":"string"},{"name":"nonce","type":"uint8"}],
		"outputs":[
			{"name":"rskAddress","type":"address"},
			{"name":"status","type":"uint8"},
			{"name":"nonce","type":"uint8"},
			{"name":"feeStructureIndex","type":"uint32"},
			{"name":"blockNumber","type":"uint256"},
			{"name":"totalAmountSatoshi","type":"uint256"},
			{"name":"btcAddress","type":"string"}
		]},
	{"type":"function","name":"getTransferBatchUpdateHashWithTxHash","stateMutability":"view",
		"inputs":[{"name":"btcTxHash","type":"bytes32"},{"name":"transferIds","type":"bytes32[]"},{"name":"newStatus","type":"uint8"}],
		"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"getTransferBatchUpdateHash","stateMutability":"view",
		"inputs":[{"name":"transferIds","type":"bytes32[]"},{"name":"newStatus","type":"uint8"}],
		"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"markTransfersAsSending","stateMutability":"nonpayable",
		"inputs":[{"name":"btcTxHash","type":"bytes32"},{"name":"transferIds","type":"bytes32[]"},{"name":"signatures","type":"bytes[]"}],
		"outputs":[]},
	{"type":"function","name":"markTransfersAsMined","stateMutability":"nonpayable",
		"inputs":[{"name":"transferIds","type":"bytes32[]"},{"name":"signatures","type":"bytes[]"}],
		"outputs":[]},
	{"type":"event","name":"NewTransfer","anonymous":false,
		"inputs":[
			{"name":"transferId","type":"bytes32","indexed":true},
			{"name":"rskAddress","type":"address","indexed":true},
			{"name":"btcAddress","type":"string","indexed":false},
			{"name":"nonce","type":"uint8","indexed":false},
			{"name":"amountSatoshi","type":"uint256","indexed":false},
			{"name":"feeStructureIndex","type":"uint256","indexed":false}
		]},
	{"type":"event","name":"TransferStatusUpdated","anonymous":false,
		"inputs":[
			{"name":"transferId","type":"bytes32","indexed":true},
			{"name":"newStatus","type":"uint8","indexed":false}
		]}
]`

// parseBridgeABI parses the embedded bridge ABI once at client construction.
func parseBridgeABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse bridge ABI: %w", err)
	}
	return parsed, nil
}
