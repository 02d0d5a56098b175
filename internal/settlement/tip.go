package settlement

import (
	"math/big"

	"github.com/memswap/solver/internal/intent"
)

// Gas accounting constants of the settlement path.
const (
	// SolveGas approximates the settlement-module overhead of one fill,
	// excluding the inner swap calls.
	SolveGas = 150_000
	// DefaultSwapGas is assumed for the inner calls when the quote source
	// reports no estimate.
	DefaultSwapGas = 200_000
	// AuthorizeGas covers one authorize() transaction.
	AuthorizeGas = 100_000
)

// MinIncentivizedPriorityFee is the floor the modules enforce on the
// priority fee of incentivized fills.
var MinIncentivizedPriorityFee = big.NewInt(1_000_000_000) // 1 gwei

// Tip bounds of the incentivization schedule, in wei.
var (
	minIncentivizedTip = big.NewInt(50_000_000_000_000)    // 0.00005 ether
	maxIncentivizedTip = big.NewInt(1_000_000_000_000_000) // 0.001 ether
)

// IncentivizationTip returns the block-builder tip an incentivized fill
// must attach. The tip grows linearly with the solver's surplus over the
// expected amount and saturates once the relative surplus covers the
// expectedAmountBps band. No surplus pays the minimum tip.
func IncentivizationTip(isBuy bool, executeAmount, expectedAmount *big.Int, expectedAmountBps uint16) *big.Int {
	if expectedAmount == nil || expectedAmount.Sign() <= 0 || executeAmount == nil {
		return new(big.Int).Set(minIncentivizedTip)
	}
	surplus := new(big.Int)
	if isBuy {
		surplus.Sub(expectedAmount, executeAmount)
	} else {
		surplus.Sub(executeAmount, expectedAmount)
	}
	if surplus.Sign() <= 0 {
		return new(big.Int).Set(minIncentivizedTip)
	}
	if expectedAmountBps == 0 {
		return new(big.Int).Set(maxIncentivizedTip)
	}

	relBps := new(big.Int).Mul(surplus, big.NewInt(intent.BpsDenominator))
	relBps.Div(relBps, expectedAmount)
	band := big.NewInt(int64(expectedAmountBps))
	if relBps.Cmp(band) >= 0 {
		return new(big.Int).Set(maxIncentivizedTip)
	}

	span := new(big.Int).Sub(maxIncentivizedTip, minIncentivizedTip)
	span.Mul(span, relBps)
	span.Div(span, band)
	return span.Add(span, minIncentivizedTip)
}
