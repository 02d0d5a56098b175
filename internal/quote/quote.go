// Package quote turns intents into executable fill plans. Each source
// talks to one external liquidity venue and returns the calls to run
// inside the settlement callback, plus the economics the solver needs to
// price the fill.
package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/settlement"
)

// ErrUnsupported marks intents a source cannot route: wrong protocol,
// wrong direction or a token pair outside its reach.
var ErrUnsupported = errors.New("intent not routable by this source")

// PreTx is a transaction the solver must send from its own account ahead
// of the settlement call, for purchases that cannot run inside the
// settlement callback.
type PreTx struct {
	To    common.Address `json:"to"`
	Data  []byte         `json:"data"`
	Value *big.Int       `json:"value"`
	Gas   uint64         `json:"gas"`
}

// Plan is a priced route for one fill.
type Plan struct {
	// Calls run inside the settlement callback, in order.
	Calls []settlement.Call `json:"calls"`
	// PreTxs precede the settlement call in the bundle, solver-signed.
	PreTxs []PreTx `json:"preTxs,omitempty"`
	// ExecuteAmount is the solver-side counterparty amount: the most the
	// route needs on a buy, the least it yields on a sell.
	ExecuteAmount *big.Int `json:"executeAmount"`
	// FillAmount is what the route can actually fill. Venues with thin
	// listings may return less than asked.
	FillAmount *big.Int `json:"fillAmount"`
	// Price is the value of one whole execute-token unit in wei.
	Price *big.Int `json:"price"`
	// Decimals of the execute token.
	Decimals uint8 `json:"decimals"`
	// GasEstimate covers the inner calls, zero when unknown.
	GasEstimate uint64 `json:"gasEstimate"`
}

// Source produces a plan for filling fillAmount of the intent.
type Source interface {
	Solve(ctx context.Context, p intent.Protocol, i *intent.Intent, fillAmount *big.Int) (*Plan, error)
}

// SwapGas returns the gas the inner calls are budgeted at, falling back
// to the default when the source reported no estimate.
func (p *Plan) SwapGas() uint64 {
	if p.GasEstimate > 0 {
		return p.GasEstimate
	}
	return settlement.DefaultSwapGas
}

// GrossProfit converts the gap between the maker bound and the plan's
// execute amount into wei. Buy fills profit by spending less than the
// bound, sell fills by receiving more.
func (p *Plan) GrossProfit(isBuy bool, bound *big.Int) *big.Int {
	diff := new(big.Int)
	if isBuy {
		diff.Sub(bound, p.ExecuteAmount)
	} else {
		diff.Sub(p.ExecuteAmount, bound)
	}
	if diff.Sign() <= 0 {
		return new(big.Int)
	}
	diff.Mul(diff, p.Price)
	return diff.Div(diff, decimalsUnit(p.Decimals))
}

// TokensForWei converts a wei amount back into execute-token units,
// rounded down. Used when giving part of the profit back to the maker.
func (p *Plan) TokensForWei(wei *big.Int) *big.Int {
	if p.Price == nil || p.Price.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(wei, decimalsUnit(p.Decimals))
	return out.Div(out, p.Price)
}

func decimalsUnit(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// PriceFromDecimal converts a decimal price string (native units per
// whole token, as aggregators report it) into wei per whole token.
func PriceFromDecimal(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("malformed decimal price %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerEther))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// PriceFromTokensPerEther inverts a tokens-per-ETH rate into wei per
// whole token. Zero and negative rates are rejected.
func PriceFromTokensPerEther(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("malformed rate %q", s)
	}
	if r.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive rate %q", s)
	}
	inv := new(big.Rat).Inv(r)
	inv.Mul(inv, new(big.Rat).SetInt(weiPerEther))
	return new(big.Int).Quo(inv.Num(), inv.Denom()), nil
}
