package config

import "time"

// Node loop
const (
	IterationInterval       = 10 * time.Second
	ShutdownPollInterval    = 1 * time.Second
	FederatorRecheckEvery   = 6 // iterations between federator-role re-checks
	FederatorWaitWindow     = 5 * time.Minute
	FederatorWaitPoll       = 10 * time.Second
)

// Exit codes
const (
	ExitCleanShutdown      = 0
	ExitBitcoinHealthCheck = 1
	ExitLostFederatorRole  = 101
	ExitNeverFederator     = 102
)

// Transfers
const (
	MaxNonce      = 254 // 255 is reserved and rejected everywhere
	ReservedNonce = 255
)

// Event scanning
const (
	EventScanBatchSize  = 1000 // blocks per getLogs window
	EventScanMaxRetries = 3
	EventScanRetryDelay = 2 * time.Second
)

// Chain transactions
const (
	ChainTxPollInterval = 5 * time.Second
	ChainTxPollTimeout  = 10 * time.Minute
	ChainGasLimit       = 2_000_000
)

// Bitcoin RPC
const (
	BitcoinRPCTimeout       = 30 * time.Second
	BitcoinRPCSlowThreshold = 5 * time.Second
	BitcoinRPCRateLimit     = 20 // requests per second
	RegtestFeeRateSatsPerVB = 10
	FeeSafetyMarginPercent  = 5
)

// Bitcoin transaction weight units (P2WSH multisig)
const (
	BtcTxOverheadWU        = 10*4 + 2 // version, locktime, counts + segwit marker/flag
	BtcInputNonWitnessWU   = 41 * 4   // outpoint + empty script + sequence
	BtcOutputP2WPKHWU      = 31 * 4
	BtcOutputP2WSHWU       = 43 * 4
	BtcOutputP2SHWU        = 32 * 4
	BtcOutputP2PKHWU       = 34 * 4
	BtcOpReturnBaseWU      = 11 * 4 // value + script overhead, payload added per byte
	BtcDustThresholdSats   = 546
)

// P2P
const (
	PeerRequestTimeout    = 15 * time.Second
	HandshakeVersion      = byte(1)
	ChallengeSize         = 32
	SessionTokenTTL       = 1 * time.Hour
	MessageQueueCapacity  = 256
)

// Initiator voting
const (
	InitiatorSyncInterval = 10 * time.Second
	InitiatorSyncWait     = 2 * time.Second
)

// CPFP fee bumping
const (
	CpfpStuckThreshold   = 30 * time.Minute
	CpfpGatherTimeout    = 2 * time.Minute
	CpfpRebroadcastEvery = 1 * time.Second
)

// Replenisher
const (
	ReplenishPeriod     = 24 * time.Hour
	AlertRearmInterval  = 6 * time.Hour
	SatoshisPerBitcoin  = 100_000_000
)

// Logging
const (
	LogFilePattern = "fedbtc-%s-%s.log"
	LogFilePrefix  = "fedbtc-"
	LogMaxAgeDays  = 14
)
