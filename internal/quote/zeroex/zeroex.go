// Package zeroex routes ERC-20 fills through the 0x swap API.
package zeroex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
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

// DefaultBaseURL is the hosted 0x API.
const DefaultBaseURL = "https://api.0x.org"

// slippageBps pads the quoted input (buys) or trims the quoted output
// (sells) so the plan survives small price moves between quote and
// inclusion.
const slippageBps = 100

// DecimalsReader resolves ERC-20 decimals, usually backed by an RPC node.
type DecimalsReader interface {
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Client quotes and plans fills against the 0x aggregator.
type Client struct {
	baseURL string
	apiKey  string
	book    *addrbook.Book
	tokens  DecimalsReader
	httpc   *http.Client
	log     *zap.Logger

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

func New(baseURL, apiKey string, book *addrbook.Book, tokens DecimalsReader, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		book:     book,
		tokens:   tokens,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		log:      log.Named("quote.zeroex"),
		decimals: make(map[common.Address]uint8),
	}
}

type swapQuote struct {
	To                 common.Address `json:"to"`
	Data               hexutil.Bytes  `json:"data"`
	Value              json.Number    `json:"value"`
	BuyAmount          json.Number    `json:"buyAmount"`
	SellAmount         json.Number    `json:"sellAmount"`
	AllowanceTarget    common.Address `json:"allowanceTarget"`
	EstimatedGas       json.Number    `json:"estimatedGas"`
	BuyTokenToEthRate  json.Number    `json:"buyTokenToEthRate"`
	SellTokenToEthRate json.Number    `json:"sellTokenToEthRate"`
}

type apiError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Solve implements quote.Source for ERC-20 intents. Buys quote an exact
// output and pad the input, sells quote an exact input and trim the
// output. The protocol's wrapped-native token has no external market, so
// it maps to the aggregator's native placeholder and the plan unwraps or
// receives raw ether around the swap.
func (c *Client) Solve(ctx context.Context, p intent.Protocol, i *intent.Intent, fillAmount *big.Int) (*quote.Plan, error) {
	if p != intent.ERC20 {
		return nil, quote.ErrUnsupported
	}

	params := url.Values{}
	params.Set("buyToken", c.aggToken(i.BuyToken).Hex())
	params.Set("sellToken", c.aggToken(i.SellToken).Hex())
	params.Set("slippagePercentage", "0.01")
	if i.IsBuy {
		params.Set("buyAmount", fillAmount.String())
	} else {
		params.Set("sellAmount", fillAmount.String())
	}

	q, err := c.fetchQuote(ctx, params)
	if err != nil {
		return nil, err
	}
	if i.IsBuy {
		return c.buyPlan(ctx, i, fillAmount, q)
	}
	return c.sellPlan(ctx, i, fillAmount, q)
}

func (c *Client) buyPlan(ctx context.Context, i *intent.Intent, fillAmount *big.Int, q *swapQuote) (*quote.Plan, error) {
	sellAmount, err := bigFromNumber(q.SellAmount)
	if err != nil {
		return nil, fmt.Errorf("0x quote sellAmount: %w", err)
	}
	// Pad the input so the callback can cover slippage, rounding against us.
	execute := new(big.Int).Mul(sellAmount, big.NewInt(intent.BpsDenominator+slippageBps))
	execute.Add(execute, big.NewInt(intent.BpsDenominator-1))
	execute.Div(execute, big.NewInt(intent.BpsDenominator))

	calls, err := c.inputCalls(i.SellToken, execute, q)
	if err != nil {
		return nil, err
	}
	price, decimals, err := c.priceOf(ctx, i.SellToken, q.SellTokenToEthRate)
	if err != nil {
		return nil, err
	}
	return &quote.Plan{
		Calls:         calls,
		ExecuteAmount: execute,
		FillAmount:    new(big.Int).Set(fillAmount),
		Price:         price,
		Decimals:      decimals,
		GasEstimate:   gasFromNumber(q.EstimatedGas),
	}, nil
}

func (c *Client) sellPlan(ctx context.Context, i *intent.Intent, fillAmount *big.Int, q *swapQuote) (*quote.Plan, error) {
	buyAmount, err := bigFromNumber(q.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("0x quote buyAmount: %w", err)
	}
	// Trim the output by the slippage allowance, rounding against us.
	execute := new(big.Int).Mul(buyAmount, big.NewInt(intent.BpsDenominator-slippageBps))
	execute.Div(execute, big.NewInt(intent.BpsDenominator))

	calls, err := c.inputCalls(i.SellToken, fillAmount, q)
	if err != nil {
		return nil, err
	}
	price, decimals, err := c.priceOf(ctx, i.BuyToken, q.BuyTokenToEthRate)
	if err != nil {
		return nil, err
	}
	return &quote.Plan{
		Calls:         calls,
		ExecuteAmount: execute,
		FillAmount:    new(big.Int).Set(fillAmount),
		Price:         price,
		Decimals:      decimals,
		GasEstimate:   gasFromNumber(q.EstimatedGas),
	}, nil
}

// Liquidation is a quoted swap of a held token back into raw ether.
type Liquidation struct {
	To              common.Address
	Data            []byte
	Value           *big.Int
	AllowanceTarget common.Address
	EtherOut        *big.Int
	GasEstimate     uint64
}

// LiquidationQuote prices selling the full `amount` of `token` for raw
// ether. Wrapped-native positions never reach here; callers unwrap those
// directly.
func (c *Client) LiquidationQuote(ctx context.Context, token common.Address, amount *big.Int) (*Liquidation, error) {
	params := url.Values{}
	params.Set("buyToken", addrbook.NativeToken.Hex())
	params.Set("sellToken", token.Hex())
	params.Set("sellAmount", amount.String())
	params.Set("slippagePercentage", "0.01")

	q, err := c.fetchQuote(ctx, params)
	if err != nil {
		return nil, err
	}
	out, err := bigFromNumber(q.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("0x quote buyAmount: %w", err)
	}
	value, err := bigFromNumber(q.Value)
	if err != nil {
		return nil, fmt.Errorf("0x quote value: %w", err)
	}
	return &Liquidation{
		To:              q.To,
		Data:            q.Data,
		Value:           value,
		AllowanceTarget: q.AllowanceTarget,
		EtherOut:        out,
		GasEstimate:     gasFromNumber(q.EstimatedGas),
	}, nil
}

// inputCalls builds the callback prefix that makes `amount` of the input
// token spendable by the aggregator, then the aggregator call itself.
func (c *Client) inputCalls(sellToken common.Address, amount *big.Int, q *swapQuote) ([]settlement.Call, error) {
	switch sellToken {
	case c.book.MemswapWETH:
		return []settlement.Call{
			{To: c.book.MemswapWETH, Data: chain.WithdrawCalldata(amount), Value: new(big.Int)},
			{To: q.To, Data: q.Data, Value: amount},
		}, nil
	case addrbook.Zero:
		return []settlement.Call{
			{To: q.To, Data: q.Data, Value: amount},
		}, nil
	default:
		value, err := bigFromNumber(q.Value)
		if err != nil {
			return nil, fmt.Errorf("0x quote value: %w", err)
		}
		return []settlement.Call{
			{To: sellToken, Data: chain.ApproveCalldata(q.AllowanceTarget, amount), Value: new(big.Int)},
			{To: q.To, Data: q.Data, Value: value},
		}, nil
	}
}

// priceOf resolves the execute token's wei price and decimals. Native and
// wrapped-native tokens short-circuit to 1:1.
func (c *Client) priceOf(ctx context.Context, token common.Address, rate json.Number) (*big.Int, uint8, error) {
	if token == addrbook.Zero || c.book.IsWrappedNative(token) {
		return new(big.Int).Set(weiPerEther), 18, nil
	}
	price, err := quote.PriceFromTokensPerEther(rate.String())
	if err != nil {
		return nil, 0, fmt.Errorf("0x quote rate for %s: %w", token.Hex(), err)
	}
	decimals, err := c.tokenDecimals(ctx, token)
	if err != nil {
		return nil, 0, err
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

func (c *Client) fetchQuote(ctx context.Context, params url.Values) (*swapQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/swap/v1/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("0x-api-key", c.apiKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var e apiError
		if json.Unmarshal(body, &e) == nil && e.Reason != "" {
			return nil, fmt.Errorf("0x quote: status %d: %s", resp.StatusCode, e.Reason)
		}
		return nil, fmt.Errorf("0x quote: status %d", resp.StatusCode)
	}
	var q swapQuote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, fmt.Errorf("0x quote: decode response: %w", err)
	}
	return &q, nil
}

// aggToken maps the protocol's wrapped-native token to the aggregator's
// native-ETH placeholder. The canonical WETH trades directly.
func (c *Client) aggToken(t common.Address) common.Address {
	if t == c.book.MemswapWETH || t == addrbook.Zero {
		return addrbook.NativeToken
	}
	return t
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func bigFromNumber(n json.Number) (*big.Int, error) {
	if n.String() == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(n.String(), 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", n.String())
	}
	return v, nil
}

func gasFromNumber(n json.Number) uint64 {
	v, err := n.Int64()
	if err != nil || v < 0 {
		return 0
	}
	return uint64(v)
}
