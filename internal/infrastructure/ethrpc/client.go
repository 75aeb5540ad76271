package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"poolrelay/internal/domain"
)

const (
	defaultCallTimeout = 10 * time.Second
	readRetries        = 2
	readRetryDelay     = 200 * time.Millisecond
)

type Client struct {
	url         string
	httpClient  *http.Client
	idCounter   uint64
	callTimeout time.Duration
}

type Config struct {
	URL         string
	CallTimeout time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		url:         cfg.URL,
		httpClient:  &http.Client{Timeout: timeout},
		callTimeout: timeout,
	}, nil
}

// CallMsg describes a contract call for gas estimation and eth_call.
type CallMsg struct {
	From  string
	To    string
	Value *big.Int
	Data  string
}

func (m CallMsg) toParams() map[string]any {
	params := map[string]any{
		"from": strings.ToLower(m.From),
		"to":   strings.ToLower(m.To),
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		params["value"] = "0x" + m.Value.Text(16)
	}
	if m.Data != "" {
		params["data"] = m.Data
	}
	return params
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var result string
	if err := c.callRead(ctx, "eth_chainId", []any{}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

// TransactionCount returns the on-chain nonce for an address. Used at
// startup and on operator resync only.
func (c *Client) TransactionCount(ctx context.Context, address string) (uint64, error) {
	var result string
	if err := c.callRead(ctx, "eth_getTransactionCount", []any{strings.ToLower(address), "latest"}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var result string
	if err := c.callRead(ctx, "eth_gasPrice", []any{}, &result); err != nil {
		return nil, err
	}
	return parseHexBig(result)
}

func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_estimateGas", []any{msg.toParams()}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	var result string
	if err := c.callRead(ctx, "eth_getBalance", []any{strings.ToLower(address), "latest"}, &result); err != nil {
		return nil, err
	}
	return parseHexBig(result)
}

func (c *Client) CallContract(ctx context.Context, msg CallMsg) (string, error) {
	var result string
	if err := c.callRead(ctx, "eth_call", []any{msg.toParams(), "latest"}, &result); err != nil {
		return "", err
	}
	return result, nil
}

// SendRawTransaction broadcasts a signed transaction. It is never retried at
// the transport layer: a network failure after the request was written does
// not prove the node dropped it, so such errors come back wrapped as
// ambiguous and the caller must not reclaim the nonce or resend.
func (c *Client) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	var result string
	if err := c.call(ctx, "eth_sendRawTransaction", []any{rawTx}, &result); err != nil {
		return "", err
	}
	return result, nil
}

type rpcReceipt struct {
	TxHash            string `json:"transactionHash"`
	BlockNumber       string `json:"blockNumber"`
	BlockHash         string `json:"blockHash"`
	TxIndex           string `json:"transactionIndex"`
	Status            string `json:"status"`
	GasUsed           string `json:"gasUsed"`
	CumulativeGasUsed string `json:"cumulativeGasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
}

// TransactionReceipt fetches the receipt for a hash. A missing receipt is a
// normal outcome and reported via the bool, not an error.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (domain.Receipt, bool, error) {
	var result *rpcReceipt
	if err := c.callRead(ctx, "eth_getTransactionReceipt", []any{strings.ToLower(txHash)}, &result); err != nil {
		if errors.Is(err, errEmptyResult) {
			return domain.Receipt{}, false, nil
		}
		return domain.Receipt{}, false, err
	}
	if result == nil {
		return domain.Receipt{}, false, nil
	}
	blockNumber, err := parseHexUint(result.BlockNumber)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	txIndex, err := parseHexUint(result.TxIndex)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	status, err := parseHexUint(result.Status)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	gasUsed, err := parseHexUint(result.GasUsed)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	cumulative, err := parseHexUint(result.CumulativeGasUsed)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	effective := "0"
	if result.EffectiveGasPrice != "" {
		price, err := parseHexBig(result.EffectiveGasPrice)
		if err != nil {
			return domain.Receipt{}, false, err
		}
		effective = price.String()
	}
	return domain.Receipt{
		TxHash:            strings.ToLower(result.TxHash),
		BlockNumber:       blockNumber,
		BlockHash:         strings.ToLower(result.BlockHash),
		TxIndex:           txIndex,
		Status:            status,
		GasUsed:           gasUsed,
		CumulativeGasUsed: cumulative,
		EffectiveGasPrice: effective,
	}, true, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var errEmptyResult = errors.New("rpc result is empty")

// AmbiguousError marks a submission whose fate is unknown: the request may
// have reached the node even though the response never arrived.
type AmbiguousError struct {
	Err error
}

func (e *AmbiguousError) Error() string   { return fmt.Sprintf("ambiguous rpc outcome: %v", e.Err) }
func (e *AmbiguousError) Unwrap() error   { return e.Err }
func (e *AmbiguousError) Ambiguous() bool { return true }

func IsAmbiguous(err error) bool {
	var ambiguous *AmbiguousError
	return errors.As(err, &ambiguous)
}

// callRead wraps call with a small retry for idempotent read methods.
func (c *Client) callRead(ctx context.Context, method string, params []any, result any) error {
	var err error
	for attempt := 0; attempt <= readRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readRetryDelay):
			}
		}
		if err = c.call(ctx, method, params, result); err == nil {
			return nil
		}
		if errors.Is(err, errEmptyResult) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	id := atomic.AddUint64(&c.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request may have been delivered before the failure.
		return &AmbiguousError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return &AmbiguousError{Err: err}
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return errEmptyResult
	}
	return json.Unmarshal(decoded.Result, result)
}

func parseHexUint(value string) (uint64, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return 0, errors.New("empty hex value")
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

func parseHexBig(value string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return nil, errors.New("empty hex value")
	}
	parsed, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex value: %s", value)
	}
	return parsed, nil
}
