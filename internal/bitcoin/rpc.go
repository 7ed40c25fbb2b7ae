package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fedbtc/fedbtcd/internal/config"
)

// RPCClient is a basic-auth JSON-RPC client for the Bitcoin node. Calls are
// rate limited and calls slower than the slow-call threshold are warned about.
type RPCClient struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRPCClient creates a Bitcoin JSON-RPC client.
func NewRPCClient(url, user, password string) *RPCClient {
	return &RPCClient{
		url:        url,
		user:       user,
		password:   password,
		httpClient: &http.Client{Timeout: config.BitcoinRPCTimeout},
		limiter:    rate.NewLimiter(rate.Limit(config.BitcoinRPCRateLimit), 1),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// RPCError is the structured error body returned by the Bitcoin node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bitcoin rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call performs a JSON-RPC call and decodes the result into out (out may be
// nil to discard the result).
func (c *RPCClient) Call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("bitcoin rpc rate limit wait: %w", err)
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	if elapsed > config.BitcoinRPCSlowThreshold {
		slog.Warn("slow bitcoin rpc call",
			"method", method,
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}

	if err != nil {
		return fmt.Errorf("%w: %s: %v", config.ErrBitcoinRPCFailed, method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode %s response (HTTP %d): %v",
			config.ErrBitcoinRPCFailed, method, resp.StatusCode, err)
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: %w", config.ErrBitcoinRPCFailed, method, rpcResp.Error)
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// UnspentOutput is one listunspent entry.
type UnspentOutput struct {
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount"` // BTC
	Confirmations int64   `json:"confirmations"`
	Spendable     bool    `json:"spendable"`
	Solvable      bool    `json:"solvable"`
}

// ListUnspent lists unspent outputs paying the given addresses.
func (c *RPCClient) ListUnspent(ctx context.Context, addresses []string) ([]UnspentOutput, error) {
	var out []UnspentOutput
	if err := c.Call(ctx, "listunspent", []any{0, 9_999_999, addresses}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WalletTransaction is the slice of gettransaction the coordinator needs.
type WalletTransaction struct {
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
	BlockHash     string `json:"blockhash"`
}

// GetTransaction returns the wallet's view of a transaction, or nil if the
// node does not know it.
func (c *RPCClient) GetTransaction(ctx context.Context, txid string) (*WalletTransaction, error) {
	var out WalletTransaction
	err := c.Call(ctx, "gettransaction", []any{txid}, &out)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -5 {
			// Invalid or non-wallet transaction id: unknown, not an error.
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// SendRawTransaction broadcasts a raw transaction hex and returns its txid.
func (c *RPCClient) SendRawTransaction(ctx context.Context, rawHex string) (string, error) {
	var txid string
	if err := c.Call(ctx, "sendrawtransaction", []any{rawHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

type estimateRawFeeResult struct {
	Short struct {
		FeeRate float64 `json:"feerate"` // BTC/kvB
	} `json:"short"`
}

// EstimateRawFee returns the short-horizon fee rate estimate in BTC/kvB for
// the given confirmation target.
func (c *RPCClient) EstimateRawFee(ctx context.Context, confTarget int) (float64, error) {
	var out estimateRawFeeResult
	if err := c.Call(ctx, "estimaterawfee", []any{confTarget}, &out); err != nil {
		return 0, err
	}
	if out.Short.FeeRate <= 0 {
		return 0, fmt.Errorf("%w: estimaterawfee(%d) returned no feerate", config.ErrFeeEstimateFailed, confTarget)
	}
	return out.Short.FeeRate, nil
}

// BlockchainInfo is the slice of getblockchaininfo the coordinator needs.
type BlockchainInfo struct {
	Chain  string `json:"chain"`
	Blocks int64  `json:"blocks"`
}

// GetBlockchainInfo returns basic node state; used as the startup health check.
func (c *RPCClient) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	var out BlockchainInfo
	if err := c.Call(ctx, "getblockchaininfo", []any{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddressInfo is the slice of getaddressinfo the coordinator needs.
type AddressInfo struct {
	Address   string `json:"address"`
	IsValid   bool   `json:"isvalid"`
	IsWitness bool   `json:"iswitness"`
}

// GetAddressInfo queries the node about an address.
func (c *RPCClient) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var out AddressInfo
	if err := c.Call(ctx, "getaddressinfo", []any{address}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
