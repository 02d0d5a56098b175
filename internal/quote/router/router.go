// Package router routes ERC-20 fills through a self-hosted swap-routing
// service speaking the Uniswap routing-api wire format. Operators point
// it at their own deployment to reach liquidity the hosted aggregators
// miss.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/quote"
	"github.com/memswap/solver/internal/settlement"
)

const (
	slippageBps = 100
	// Permit2 expirations are short-lived; the plan is dead long before.
	permitLifetime = 30 * time.Minute
)

// DecimalsReader resolves ERC-20 decimals, usually backed by an RPC node.
type DecimalsReader interface {
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Client quotes and plans fills against a routing-api deployment.
type Client struct {
	baseURL string
	book    *addrbook.Book
	tokens  DecimalsReader
	httpc   *http.Client
	log     *zap.Logger

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

func New(baseURL string, book *addrbook.Book, tokens DecimalsReader, log *zap.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		book:     book,
		tokens:   tokens,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		log:      log.Named("quote.router"),
		decimals: make(map[common.Address]uint8),
	}
}

type routeResponse struct {
	Quote            string `json:"quote"`
	EstimatedGasUsed string `json:"estimatedGasUsed"`
	MethodParameters struct {
		Calldata hexutil.Bytes  `json:"calldata"`
		Value    string         `json:"value"`
		To       common.Address `json:"to"`
	} `json:"methodParameters"`
}

type routeError struct {
	ErrorCode string `json:"errorCode"`
	Detail    string `json:"detail"`
}

// Solve implements quote.Source for ERC-20 intents. Buys quote exact-out,
// sells exact-in. ERC-20 inputs go through the two-step Permit2 allowance
// the universal router expects; native and wrapped-native inputs ride on
// call value.
func (c *Client) Solve(ctx context.Context, p intent.Protocol, i *intent.Intent, fillAmount *big.Int) (*quote.Plan, error) {
	if p != intent.ERC20 {
		return nil, quote.ErrUnsupported
	}

	tradeType := "exactIn"
	if i.IsBuy {
		tradeType = "exactOut"
	}
	r, err := c.fetchRoute(ctx, c.routeToken(i.SellToken), c.routeToken(i.BuyToken), fillAmount, tradeType)
	if err != nil {
		return nil, err
	}
	quoted, ok := new(big.Int).SetString(r.Quote, 10)
	if !ok {
		return nil, fmt.Errorf("router quote: malformed quote %q", r.Quote)
	}

	var execute *big.Int
	var executeToken common.Address
	var inputAmount *big.Int
	if i.IsBuy {
		// quoted is the input needed; pad for slippage, rounding against us.
		execute = new(big.Int).Mul(quoted, big.NewInt(intent.BpsDenominator+slippageBps))
		execute.Add(execute, big.NewInt(intent.BpsDenominator-1))
		execute.Div(execute, big.NewInt(intent.BpsDenominator))
		executeToken = i.SellToken
		inputAmount = execute
	} else {
		// quoted is the output; trim the slippage allowance.
		execute = new(big.Int).Mul(quoted, big.NewInt(intent.BpsDenominator-slippageBps))
		execute.Div(execute, big.NewInt(intent.BpsDenominator))
		executeToken = i.BuyToken
		inputAmount = fillAmount
	}

	calls, err := c.inputCalls(i.SellToken, inputAmount, r)
	if err != nil {
		return nil, err
	}
	price, decimals, err := c.priceOf(ctx, executeToken)
	if err != nil {
		return nil, err
	}
	plan := &quote.Plan{
		Calls:         calls,
		ExecuteAmount: execute,
		FillAmount:    new(big.Int).Set(fillAmount),
		Price:         price,
		Decimals:      decimals,
	}
	if gas, err := parseUint(r.EstimatedGasUsed); err == nil {
		plan.GasEstimate = gas
	}
	return plan, nil
}

func (c *Client) inputCalls(sellToken common.Address, amount *big.Int, r *routeResponse) ([]settlement.Call, error) {
	routerCall := settlement.Call{
		To:    r.MethodParameters.To,
		Data:  r.MethodParameters.Calldata,
		Value: new(big.Int),
	}
	switch sellToken {
	case c.book.MemswapWETH:
		routerCall.Value = amount
		return []settlement.Call{
			{To: c.book.MemswapWETH, Data: chain.WithdrawCalldata(amount), Value: new(big.Int)},
			routerCall,
		}, nil
	case addrbook.Zero:
		routerCall.Value = amount
		return []settlement.Call{routerCall}, nil
	default:
		value, err := parseHexValue(r.MethodParameters.Value)
		if err != nil {
			return nil, fmt.Errorf("router quote: malformed value %q", r.MethodParameters.Value)
		}
		routerCall.Value = value
		expiration := big.NewInt(time.Now().Add(permitLifetime).Unix())
		return []settlement.Call{
			{To: sellToken, Data: chain.ApproveCalldata(c.book.Permit2, amount), Value: new(big.Int)},
			{To: c.book.Permit2, Data: chain.Permit2ApproveCalldata(sellToken, r.MethodParameters.To, amount, expiration), Value: new(big.Int)},
			routerCall,
		}, nil
	}
}

// priceOf values one whole execute-token unit in wei via an exact-in
// probe against the canonical WETH. Native-ish tokens are 1:1.
func (c *Client) priceOf(ctx context.Context, token common.Address) (*big.Int, uint8, error) {
	if token == addrbook.Zero || c.book.IsWrappedNative(token) {
		return new(big.Int).Set(weiPerEther), 18, nil
	}
	decimals, err := c.tokenDecimals(ctx, token)
	if err != nil {
		return nil, 0, err
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r, err := c.fetchRoute(ctx, token, c.book.WETH9, unit, "exactIn")
	if err != nil {
		return nil, 0, fmt.Errorf("router price probe for %s: %w", token.Hex(), err)
	}
	price, ok := new(big.Int).SetString(r.Quote, 10)
	if !ok || price.Sign() <= 0 {
		return nil, 0, fmt.Errorf("router price probe for %s: malformed quote %q", token.Hex(), r.Quote)
	}
	return price, decimals, nil
}

func (c *Client) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	c.mu.Lock()
	d, ok := c.decimals[token]
	c.mu.Unlock()
	if ok {
		return d, nil
	}
	d, err := c.tokens.TokenDecimals(ctx, token)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.decimals[token] = d
	c.mu.Unlock()
	return d, nil
}

func (c *Client) fetchRoute(ctx context.Context, tokenIn, tokenOut common.Address, amount *big.Int, tradeType string) (*routeResponse, error) {
	chainID := strconv.FormatInt(c.book.ChainID, 10)
	params := url.Values{}
	params.Set("tokenInAddress", tokenIn.Hex())
	params.Set("tokenInChainId", chainID)
	params.Set("tokenOutAddress", tokenOut.Hex())
	params.Set("tokenOutChainId", chainID)
	params.Set("amount", amount.String())
	params.Set("type", tradeType)
	params.Set("recipient", c.book.MemswapERC20.Hex())
	params.Set("slippageTolerance", "1")
	params.Set("deadline", "1800")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var e routeError
		if json.Unmarshal(body, &e) == nil && e.Detail != "" {
			return nil, fmt.Errorf("router quote: status %d: %s", resp.StatusCode, e.Detail)
		}
		return nil, fmt.Errorf("router quote: status %d", resp.StatusCode)
	}
	var r routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("router quote: decode response: %w", err)
	}
	return &r, nil
}

// routeToken maps the protocol's wrapped-native token to the router's
// native placeholder.
func (c *Client) routeToken(t common.Address) common.Address {
	if t == c.book.MemswapWETH || t == addrbook.Zero {
		return addrbook.NativeToken
	}
	return t
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func parseHexValue(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("malformed hex %q", s)
	}
	return v, nil
}

func parseUint(s string) (uint64, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !v.IsUint64() {
		return 0, fmt.Errorf("malformed uint %q", s)
	}
	return v.Uint64(), nil
}
