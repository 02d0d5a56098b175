// Package reservoir fills ERC-721 buy intents through the Reservoir
// execute API, which aggregates listings across marketplaces.
//
// Two modes come out of one quote. When every purchase is a plain
// transaction it routes through the settlement contract as relayer and
// the purchases run inside the callback. Marketplaces that refuse a
// contract taker fall back to solver-side pre-transactions followed by
// callback transfers to the maker.
package reservoir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/quote"
	"github.com/memswap/solver/internal/settlement"
)

// DefaultBaseURL is the hosted Reservoir API for mainnet.
const DefaultBaseURL = "https://api.reservoir.tools"

// Purchase routes vary too much across marketplaces for per-call gas
// estimates, so the plan carries flat allowances.
const (
	purchaseGas = 250_000
	transferGas = 85_000
	approvalGas = 60_000
)

// ChallengeSigner signs marketplace auth challenges with the solver key.
// *wallet.Wallet satisfies it.
type ChallengeSigner interface {
	Address() common.Address
	SignMessage(msg []byte) ([]byte, error)
	SignTypedData(td *apitypes.TypedData) ([]byte, error)
}

// Client quotes and plans NFT purchases.
type Client struct {
	baseURL string
	apiKey  string
	book    *addrbook.Book
	signer  ChallengeSigner
	solver  common.Address
	httpc   *http.Client
	log     *zap.Logger
}

func New(baseURL, apiKey string, book *addrbook.Book, signer ChallengeSigner, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		book:    book,
		signer:  signer,
		solver:  signer.Address(),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log.Named("quote.reservoir"),
	}
}

type buyItem struct {
	Token      string `json:"token,omitempty"`
	Collection string `json:"collection,omitempty"`
	Quantity   int64  `json:"quantity"`
}

type buyRequest struct {
	Items            []buyItem `json:"items"`
	Taker            string    `json:"taker"`
	Relayer          string    `json:"relayer,omitempty"`
	Currency         string    `json:"currency"`
	SkipBalanceCheck bool      `json:"skipBalanceCheck"`
	Partial          bool      `json:"partial"`
}

// Solve implements quote.Source for ERC-721 buy intents. The maker pays
// in native or wrapped-native currency; anything else has no on-the-fly
// conversion path and is rejected.
func (c *Client) Solve(ctx context.Context, p intent.Protocol, i *intent.Intent, fillAmount *big.Int) (*quote.Plan, error) {
	if p != intent.ERC721 || !i.IsBuy {
		return nil, quote.ErrUnsupported
	}
	if i.SellToken != addrbook.Zero && !c.book.IsWrappedNative(i.SellToken) {
		return nil, fmt.Errorf("erc721 fills pay native or wrapped-native only: %w", quote.ErrUnsupported)
	}
	items, err := c.items(i, fillAmount)
	if err != nil {
		return nil, err
	}

	// Prefer routing the purchases through the settlement callback.
	res, err := c.execute(ctx, buyRequest{
		Items:            items,
		Taker:            i.Maker.Hex(),
		Relayer:          c.book.MemswapERC721.Hex(),
		Currency:         addrbook.Zero.Hex(),
		SkipBalanceCheck: true,
		Partial:          true,
	})
	if err == nil {
		if plan, ok := c.relayedPlan(i, res); ok {
			return plan, nil
		}
	}

	// Fallback: buy with the solver's own account, then hand over inside
	// the callback.
	res, err = c.execute(ctx, buyRequest{
		Items:            items,
		Taker:            c.solver.Hex(),
		Currency:         addrbook.Zero.Hex(),
		SkipBalanceCheck: true,
		Partial:          true,
	})
	if err != nil {
		return nil, err
	}
	return c.solverSidePlan(ctx, i, res)
}

func (c *Client) items(i *intent.Intent, fillAmount *big.Int) ([]buyItem, error) {
	if !fillAmount.IsInt64() || fillAmount.Sign() <= 0 {
		return nil, fmt.Errorf("erc721 fill amount %s out of range", fillAmount)
	}
	quantity := fillAmount.Int64()
	if i.IsCriteriaOrder {
		return []buyItem{{Collection: i.BuyToken.Hex(), Quantity: quantity}}, nil
	}
	tokenID := new(big.Int)
	if i.TokenIDOrCriteria != nil {
		tokenID = i.TokenIDOrCriteria
	}
	return []buyItem{{Token: i.BuyToken.Hex() + ":" + tokenID.String(), Quantity: quantity}}, nil
}

// relayedPlan builds the single-bundle plan: withdraw maker funds, then
// run the purchase transactions inside the callback. Returns ok=false
// when any step cannot execute from a contract.
func (c *Client) relayedPlan(i *intent.Intent, res gjson.Result) (*quote.Plan, bool) {
	var purchases []settlement.Call
	total := new(big.Int)
	for _, step := range res.Get("steps").Array() {
		if step.Get("kind").String() != "transaction" {
			return nil, false
		}
		for _, item := range step.Get("items").Array() {
			if item.Get("status").String() == "complete" {
				continue
			}
			data := item.Get("data")
			if !data.Get("to").Exists() {
				return nil, false
			}
			value, err := weiValue(data.Get("value"))
			if err != nil {
				return nil, false
			}
			purchases = append(purchases, settlement.Call{
				To:    common.HexToAddress(data.Get("to").String()),
				Data:  common.FromHex(data.Get("data").String()),
				Value: value,
			})
			total.Add(total, value)
		}
	}
	filled := pathQuantity(res)
	if len(purchases) == 0 || filled.Sign() == 0 {
		return nil, false
	}

	calls := purchases
	if i.SellToken != addrbook.Zero {
		calls = append([]settlement.Call{
			{To: i.SellToken, Data: chain.WithdrawCalldata(total), Value: new(big.Int)},
		}, purchases...)
	}
	return &quote.Plan{
		Calls:         calls,
		ExecuteAmount: total,
		FillAmount:    filled,
		Price:         new(big.Int).Set(weiPerEther),
		Decimals:      18,
		GasEstimate:   uint64(len(purchases)) * purchaseGas,
	}, true
}

// solverSidePlan builds the pre-transaction plan: the solver answers any
// marketplace auth challenge, buys the tokens itself, approves the
// settlement as operator, and the callback moves each token to the maker.
func (c *Client) solverSidePlan(ctx context.Context, i *intent.Intent, res gjson.Result) (*quote.Plan, error) {
	var preTxs []quote.PreTx
	total := new(big.Int)
	for _, step := range res.Get("steps").Array() {
		switch kind := step.Get("kind").String(); kind {
		case "signature":
			// Restricted marketplaces gate their listings behind a signed
			// challenge. Answer it and the purchase steps stay usable.
			if err := c.completeAuth(ctx, step); err != nil {
				return nil, err
			}
			continue
		case "transaction":
		default:
			return nil, fmt.Errorf("marketplace needs a %s step, cannot fill", kind)
		}
		for _, item := range step.Get("items").Array() {
			if item.Get("status").String() == "complete" {
				continue
			}
			data := item.Get("data")
			if !data.Get("to").Exists() {
				return nil, fmt.Errorf("purchase step missing transaction data")
			}
			value, err := weiValue(data.Get("value"))
			if err != nil {
				return nil, err
			}
			preTxs = append(preTxs, quote.PreTx{
				To:    common.HexToAddress(data.Get("to").String()),
				Data:  common.FromHex(data.Get("data").String()),
				Value: value,
				Gas:   purchaseGas,
			})
			total.Add(total, value)
		}
	}
	if len(preTxs) == 0 {
		return nil, fmt.Errorf("no executable listings returned")
	}

	var calls []settlement.Call
	filled := new(big.Int)
	for _, leg := range res.Get("path").Array() {
		tokenID, ok := new(big.Int).SetString(leg.Get("tokenId").String(), 10)
		if !ok {
			return nil, fmt.Errorf("malformed path tokenId %q", leg.Get("tokenId").String())
		}
		calls = append(calls, settlement.Call{
			To:    i.BuyToken,
			Data:  chain.TransferFromCalldata(c.solver, i.Maker, tokenID),
			Value: new(big.Int),
		})
		filled.Add(filled, legQuantity(leg))
	}
	if filled.Sign() == 0 {
		return nil, fmt.Errorf("no executable listings returned")
	}

	// The settlement moves the tokens out of the solver account, so it
	// needs operator rights first.
	preTxs = append(preTxs, quote.PreTx{
		To:    i.BuyToken,
		Data:  chain.SetApprovalForAllCalldata(c.book.MemswapERC721, true),
		Value: new(big.Int),
		Gas:   approvalGas,
	})

	return &quote.Plan{
		Calls:         calls,
		PreTxs:        preTxs,
		ExecuteAmount: total,
		FillAmount:    filled,
		Price:         new(big.Int).Set(weiPerEther),
		Decimals:      18,
		GasEstimate:   uint64(len(calls)) * transferGas,
	}, nil
}

func (c *Client) execute(ctx context.Context, body buyRequest) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute/buy/v7", bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		if msg := gjson.GetBytes(raw, "message").String(); msg != "" {
			return gjson.Result{}, fmt.Errorf("reservoir execute: status %d: %s", resp.StatusCode, msg)
		}
		return gjson.Result{}, fmt.Errorf("reservoir execute: status %d", resp.StatusCode)
	}
	return gjson.ParseBytes(raw), nil
}

// completeAuth answers one signature step: sign each pending challenge
// with the solver key and post it back where the step says.
func (c *Client) completeAuth(ctx context.Context, step gjson.Result) error {
	for _, item := range step.Get("items").Array() {
		if item.Get("status").String() == "complete" {
			continue
		}
		data := item.Get("data")
		sig, err := c.signChallenge(data.Get("sign"))
		if err != nil {
			return err
		}
		if err := c.postAuth(ctx, data.Get("post"), sig); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) signChallenge(sign gjson.Result) ([]byte, error) {
	switch kind := sign.Get("signatureKind").String(); kind {
	case "eip191":
		return c.signer.SignMessage([]byte(sign.Get("message").String()))
	case "eip712":
		td, err := challengeTypedData(sign)
		if err != nil {
			return nil, err
		}
		return c.signer.SignTypedData(td)
	default:
		return nil, fmt.Errorf("unknown challenge signature kind %q", kind)
	}
}

// challengeTypedData reassembles the EIP-712 payload a signature step
// carries. The step omits the EIP712Domain type, so it is rebuilt from
// the domain fields present.
func challengeTypedData(sign gjson.Result) (*apitypes.TypedData, error) {
	td := &apitypes.TypedData{PrimaryType: sign.Get("primaryType").String()}
	if err := json.Unmarshal([]byte(sign.Get("domain").Raw), &td.Domain); err != nil {
		return nil, fmt.Errorf("malformed challenge domain: %w", err)
	}
	if err := json.Unmarshal([]byte(sign.Get("types").Raw), &td.Types); err != nil {
		return nil, fmt.Errorf("malformed challenge types: %w", err)
	}
	if err := json.Unmarshal([]byte(sign.Get("value").Raw), &td.Message); err != nil {
		return nil, fmt.Errorf("malformed challenge value: %w", err)
	}
	if _, ok := td.Types["EIP712Domain"]; !ok {
		td.Types["EIP712Domain"] = challengeDomainType(td.Domain)
	}
	return td, nil
}

func challengeDomainType(d apitypes.TypedDataDomain) []apitypes.Type {
	var t []apitypes.Type
	if d.Name != "" {
		t = append(t, apitypes.Type{Name: "name", Type: "string"})
	}
	if d.Version != "" {
		t = append(t, apitypes.Type{Name: "version", Type: "string"})
	}
	if d.ChainId != nil {
		t = append(t, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if d.VerifyingContract != "" {
		t = append(t, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	return t
}

// postAuth delivers the challenge signature, carried as a query parameter
// next to the step's own body.
func (c *Client) postAuth(ctx context.Context, post gjson.Result, sig []byte) error {
	endpoint := post.Get("endpoint").String()
	if endpoint == "" {
		return fmt.Errorf("auth challenge missing post-back endpoint")
	}
	method := strings.ToUpper(post.Get("method").String())
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if raw := post.Get("body").Raw; raw != "" {
		body = strings.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("signature", hexutil.Encode(sig))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("auth post-back: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("auth post-back: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func pathQuantity(res gjson.Result) *big.Int {
	total := new(big.Int)
	for _, leg := range res.Get("path").Array() {
		total.Add(total, legQuantity(leg))
	}
	return total
}

func legQuantity(leg gjson.Result) *big.Int {
	if q := leg.Get("quantity"); q.Exists() {
		return big.NewInt(q.Int())
	}
	return big.NewInt(1)
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// weiValue parses a step value that may be missing, decimal or 0x-hex.
func weiValue(v gjson.Result) (*big.Int, error) {
	s := v.String()
	if s == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("malformed value %q", s)
		}
		return n, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed value %q", s)
	}
	return n, nil
}
