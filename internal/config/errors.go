package config

import "errors"

// Sentinel errors for internal use.
var (
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrNotFederator         = errors.New("node is not a federator")
	ErrNeverFederator       = errors.New("node never became a federator within the wait window")
	ErrContractCallFailed   = errors.New("contract call failed")
	ErrEventScanFailed      = errors.New("event scan failed")
	ErrChainTxTimeout       = errors.New("chain transaction confirmation timeout")
	ErrChainTxReverted      = errors.New("chain transaction reverted")
	ErrBitcoinRPCFailed     = errors.New("bitcoin RPC call failed")
	ErrInsufficientFunds    = errors.New("insufficient multisig funds")
	ErrDustOutput           = errors.New("output below dust threshold")
	ErrNonSegwitInput       = errors.New("non-segwit input rejected")
	ErrReservedNonce        = errors.New("nonce 255 is reserved")
	ErrDuplicateTransfer    = errors.New("duplicate (address, nonce) in transaction")
	ErrEarlyTxHashUnstable  = errors.New("unsigned txid changed after signing")
	ErrFeeEstimateFailed    = errors.New("fee estimation failed")
	ErrBatchExists          = errors.New("a non-terminal batch already exists")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrKeyMaterial          = errors.New("key material unavailable")
	ErrHandshakeFailed      = errors.New("peer handshake failed")
	ErrPeerUnavailable      = errors.New("peer unavailable")
	ErrReplenishRateLimited = errors.New("replenishment rate limit reached")
	ErrCpfpTimeout          = errors.New("CPFP signature gathering timed out")
)
