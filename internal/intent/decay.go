package intent

import "math/big"

// BpsDenominator is the basis-point scale used by every bps field.
const BpsDenominator = 10000

var bpsDen = big.NewInt(BpsDenominator)

// StartAmount derives the bound at startTime from endAmount. Buy intents
// open below endAmount and decay up, sell intents open above and decay
// down, so endAmount is always the worst price the maker accepts.
func (i *Intent) StartAmount() *big.Int {
	return i.amountFromBps(i.StartAmountBps)
}

// ExpectedAmount derives the reference amount used for surplus sharing.
func (i *Intent) ExpectedAmount() *big.Int {
	return i.amountFromBps(i.ExpectedAmountBps)
}

// ExpectedAmountFor scales the expected amount pro rata to a partial fill.
func (i *Intent) ExpectedAmountFor(fillAmount *big.Int) *big.Int {
	return i.scaleToFill(i.ExpectedAmount(), fillAmount)
}

func (i *Intent) amountFromBps(bps uint16) *big.Int {
	end := bigOrZero(i.EndAmount)
	delta := new(big.Int).Mul(end, big.NewInt(int64(bps)))
	delta.Div(delta, bpsDen)
	if i.IsBuy {
		return new(big.Int).Sub(end, delta)
	}
	return new(big.Int).Add(end, delta)
}

// Interpolate returns the linear value between start and end over
// [startTime, endTime] sampled at now, clamped to the window edges.
// roundUp selects ceiling division for the elapsed fraction.
func Interpolate(start, end *big.Int, startTime, endTime, now uint64, roundUp bool) *big.Int {
	if now <= startTime || endTime <= startTime {
		return new(big.Int).Set(start)
	}
	if now >= endTime {
		return new(big.Int).Set(end)
	}
	elapsed := new(big.Int).SetUint64(now - startTime)
	window := new(big.Int).SetUint64(endTime - startTime)
	delta := new(big.Int).Sub(end, start)
	delta.Mul(delta, elapsed)
	if roundUp {
		delta = ceilDiv(delta, window)
	} else {
		delta = floorDiv(delta, window)
	}
	return delta.Add(delta, start)
}

// BoundAt returns the decayed maker bound at now, scaled pro rata to
// fillAmount: the most the solver may take from the maker on a buy intent,
// or the least it must deliver on a sell intent. Rounding always favors
// the maker.
func (i *Intent) BoundAt(now uint64, fillAmount *big.Int) *big.Int {
	full := Interpolate(i.StartAmount(), bigOrZero(i.EndAmount), uint64(i.StartTime), uint64(i.EndTime), now, !i.IsBuy)
	return i.scaleToFill(full, fillAmount)
}

// EffectiveLimit is BoundAt with the buy-side fee and surplus adjustments
// applied. Buy intents lose feeBps of the bound to the fee recipient and,
// while the bound is still better than the expected amount, a surplusBps
// share of the gap. Sell intents settle fees out of the delivered amount,
// so their limit is the raw decayed bound.
func (i *Intent) EffectiveLimit(now uint64, fillAmount *big.Int) *big.Int {
	limit := i.BoundAt(now, fillAmount)
	if !i.IsBuy {
		return limit
	}
	if i.FeeBps > 0 {
		limit.Mul(limit, big.NewInt(int64(BpsDenominator-i.FeeBps)))
		limit.Div(limit, bpsDen)
	}
	if i.SurplusBps > 0 {
		expected := i.scaleToFill(i.ExpectedAmount(), fillAmount)
		if limit.Cmp(expected) < 0 {
			share := new(big.Int).Sub(expected, limit)
			share.Mul(share, big.NewInt(int64(i.SurplusBps)))
			share.Div(share, bpsDen)
			limit.Sub(limit, share)
		}
	}
	return limit
}

func (i *Intent) scaleToFill(full, fillAmount *big.Int) *big.Int {
	amount := bigOrZero(i.Amount)
	if fillAmount == nil || amount.Sign() == 0 || fillAmount.Cmp(amount) == 0 {
		return full
	}
	full.Mul(full, fillAmount)
	if i.IsBuy {
		return floorDiv(full, amount)
	}
	return ceilDiv(full, amount)
}

func floorDiv(x, y *big.Int) *big.Int {
	return x.Div(x, y)
}

func ceilDiv(x, y *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(x, y, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
