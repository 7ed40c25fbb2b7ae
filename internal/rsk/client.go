package rsk

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
)

// TransferView is the contract's view of a single transfer.
type TransferView struct {
	RskAddress         string
	Status             models.TransferStatus
	Nonce              uint8
	FeeStructureIndex  uint32
	BlockNumber        uint64
	TotalAmountSatoshi uint64
	BtcAddress         string
}

// Client is the sidechain adapter: contract reads and writes, EIP-191 signing,
// and event scanning against the bridge contract.
type Client struct {
	eth                   *ethclient.Client
	contract              common.Address
	abi                   abi.ABI
	key                   *ecdsa.PrivateKey
	address               string
	chainID               *big.Int
	requiredConfirmations uint64
}

// NewClient dials the RSK RPC endpoint and binds the bridge contract.
func NewClient(ctx context.Context, rpcURL, contractAddr string, key *ecdsa.PrivateKey, chainID int64, requiredConfirmations uint64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial RSK RPC %q: %w", rpcURL, err)
	}

	parsed, err := parseBridgeABI()
	if err != nil {
		return nil, err
	}

	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("%w: bad bridge contract address %q", config.ErrInvalidConfig, contractAddr)
	}

	c := &Client{
		eth:                   eth,
		contract:              common.HexToAddress(contractAddr),
		abi:                   parsed,
		key:                   key,
		address:               AddressFromKey(key),
		chainID:               big.NewInt(chainID),
		requiredConfirmations: requiredConfirmations,
	}

	slog.Info("RSK client created",
		"contract", NormalizeAddress(contractAddr),
		"nodeAddress", c.address,
		"chainId", chainID,
	)
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Address returns the local node's lowercase federator address.
func (c *Client) Address() string {
	return c.address
}

// CurrentBlock returns the latest sidechain block number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", config.ErrContractCallFailed, err)
	}
	return n, nil
}

// call performs a read-only contract call at the given block (nil = latest).
func (c *Client) call(ctx context.Context, block *big.Int, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", config.ErrContractCallFailed, method, err)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// GetTransfer reads a transfer from the contract, optionally at a historical
// block (block == nil means latest).
func (c *Client) GetTransfer(ctx context.Context, btcAddress string, nonce uint8, block *big.Int) (*TransferView, error) {
	values, err := c.call(ctx, block, "getTransfer", btcAddress, nonce)
	if err != nil {
		return nil, err
	}
	if len(values) != 7 {
		return nil, fmt.Errorf("getTransfer returned %d values, want 7", len(values))
	}

	view := &TransferView{
		RskAddress:         NormalizeAddress(values[0].(common.Address).Hex()),
		Status:             models.TransferStatus(values[1].(uint8)),
		Nonce:              values[2].(uint8),
		FeeStructureIndex:  values[3].(uint32),
		BlockNumber:        values[4].(*big.Int).Uint64(),
		TotalAmountSatoshi: values[5].(*big.Int).Uint64(),
		BtcAddress:         values[6].(string),
	}
	return view, nil
}

// Federators returns the current federator address set, lowercased.
func (c *Client) Federators(ctx context.Context) ([]string, error) {
	values, err := c.call(ctx, nil, "federators")
	if err != nil {
		return nil, err
	}
	addrs := values[0].([]common.Address)

	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = NormalizeAddress(a.Hex())
	}
	return out, nil
}

// IsFederator reports whether addr is in the current federator set.
func (c *Client) IsFederator(ctx context.Context, addr string) (bool, error) {
	feds, err := c.Federators(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range feds {
		if SameAddress(f, addr) {
			return true, nil
		}
	}
	return false, nil
}

// GetUpdateHashForSending asks the contract for the update hash covering the
// transition to Sending, bound to the Bitcoin transaction hash.
func (c *Client) GetUpdateHashForSending(ctx context.Context, btcTxHash string, transferIDs []string) ([]byte, error) {
	txHash, err := BtcTxHashToBytes32(btcTxHash)
	if err != nil {
		return nil, err
	}
	ids, err := packTransferIDs(transferIDs)
	if err != nil {
		return nil, err
	}

	values, err := c.call(ctx, nil, "getTransferBatchUpdateHashWithTxHash", txHash, ids, uint8(models.StatusSending))
	if err != nil {
		return nil, err
	}
	hash := values[0].([32]byte)
	return hash[:], nil
}

// GetUpdateHashForMined asks the contract for the update hash covering the
// transition to Mined.
func (c *Client) GetUpdateHashForMined(ctx context.Context, transferIDs []string) ([]byte, error) {
	ids, err := packTransferIDs(transferIDs)
	if err != nil {
		return nil, err
	}

	values, err := c.call(ctx, nil, "getTransferBatchUpdateHash", ids, uint8(models.StatusMined))
	if err != nil {
		return nil, err
	}
	hash := values[0].([32]byte)
	return hash[:], nil
}

// SignMessage signs msg with the node key as an EIP-191 personal message.
func (c *Client) SignMessage(msg []byte) ([]byte, error) {
	return SignPersonalMessage(msg, c.key)
}

// Recover recovers the lowercase signer address of an EIP-191 signature.
func (c *Client) Recover(msg, sig []byte) (string, error) {
	return RecoverPersonalMessage(msg, sig)
}

// MarkAsSending submits markTransfersAsSending and waits for confirmation.
func (c *Client) MarkAsSending(ctx context.Context, btcTxHash string, transferIDs []string, signatures []string) error {
	txHash, err := BtcTxHashToBytes32(btcTxHash)
	if err != nil {
		return err
	}
	ids, err := packTransferIDs(transferIDs)
	if err != nil {
		return err
	}
	sigs, err := packSignatures(signatures)
	if err != nil {
		return err
	}
	return c.transact(ctx, "markTransfersAsSending", txHash, ids, sigs)
}

// MarkAsMined submits markTransfersAsMined and waits for confirmation.
func (c *Client) MarkAsMined(ctx context.Context, transferIDs []string, signatures []string) error {
	ids, err := packTransferIDs(transferIDs)
	if err != nil {
		return err
	}
	sigs, err := packSignatures(signatures)
	if err != nil {
		return err
	}
	return c.transact(ctx, "markTransfersAsMined", ids, sigs)
}

// transact signs, submits, and waits out the confirmation window for a
// contract transaction. Status updates count as durable after
// max(1, requiredConfirmations/2) confirmations.
func (c *Client) transact(ctx context.Context, method string, args ...any) error {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	from := common.HexToAddress(c.address)
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("%w: pending nonce: %v", config.ErrContractCallFailed, err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("%w: suggest gas price: %v", config.ErrContractCallFailed, err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), config.ChainGasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("sign %s transaction: %w", method, err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("%w: send %s: %v", config.ErrContractCallFailed, method, err)
	}

	slog.Info("chain transaction submitted",
		"method", method,
		"txHash", signedTx.Hash().Hex(),
		"nonce", nonce,
	)

	return c.waitForConfirmations(ctx, signedTx.Hash(), method)
}

// RequiredConfirmations returns the full reorg-safety window used by the
// validator's historical amount checks.
func (c *Client) RequiredConfirmations() uint64 {
	return c.requiredConfirmations
}

// ConfirmationTarget returns the confirmation count after which a status
// update is considered durable.
func (c *Client) ConfirmationTarget() uint64 {
	target := c.requiredConfirmations / 2
	if target < 1 {
		target = 1
	}
	return target
}

func (c *Client) waitForConfirmations(ctx context.Context, txHash common.Hash, method string) error {
	target := c.ConfirmationTarget()
	deadline := time.Now().Add(config.ChainTxPollTimeout)

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s tx %s", config.ErrChainTxReverted, method, txHash.Hex())
			}

			head, err := c.eth.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64() {
				confirmations := head - receipt.BlockNumber.Uint64() + 1
				if confirmations >= target {
					slog.Info("chain transaction confirmed",
						"method", method,
						"txHash", txHash.Hex(),
						"confirmations", confirmations,
					)
					return nil
				}
				slog.Debug("waiting for chain confirmations",
					"method", method,
					"confirmations", confirmations,
					"target", target,
				)
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s tx %s", config.ErrChainTxTimeout, method, txHash.Hex())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s confirmations: %w", method, ctx.Err())
		case <-time.After(config.ChainTxPollInterval):
		}
	}
}

func packTransferIDs(transferIDs []string) ([][32]byte, error) {
	ids := make([][32]byte, len(transferIDs))
	for i, id := range transferIDs {
		b, err := TransferIDToBytes32(id)
		if err != nil {
			return nil, err
		}
		ids[i] = b
	}
	return ids, nil
}

func packSignatures(signatures []string) ([][]byte, error) {
	sigs := make([][]byte, len(signatures))
	for i, s := range signatures {
		raw, err := DecodeHexSignature(s)
		if err != nil {
			return nil, err
		}
		sigs[i] = raw
	}
	return sigs, nil
}
