package intent

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/memswap/solver/internal/addrbook"
)

// Intents travel as an ABI-encoded tuple, either appended to the calldata
// of the approval that funds them or as the whole calldata of a direct
// submission.

var (
	approveSelector           = crypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	depositAndApproveSelector = crypto.Keccak256([]byte("depositAndApprove(address,uint256)"))[:4]
)

type wireIntentERC20 struct {
	IsBuy               bool
	BuyToken            common.Address
	SellToken           common.Address
	Maker               common.Address
	Solver              common.Address
	Source              common.Address
	FeeBps              uint16
	SurplusBps          uint16
	StartTime           uint32
	EndTime             uint32
	Nonce               *big.Int
	IsPartiallyFillable bool
	IsSmartOrder        bool
	IsIncentivized      bool
	Amount              *big.Int
	EndAmount           *big.Int
	StartAmountBps      uint16
	ExpectedAmountBps   uint16
	Signature           []byte
}

type wireIntentERC721 struct {
	IsBuy               bool
	BuyToken            common.Address
	SellToken           common.Address
	Maker               common.Address
	Solver              common.Address
	Source              common.Address
	FeeBps              uint16
	SurplusBps          uint16
	StartTime           uint32
	EndTime             uint32
	Nonce               *big.Int
	IsPartiallyFillable bool
	IsSmartOrder        bool
	IsIncentivized      bool
	Amount              *big.Int
	EndAmount           *big.Int
	StartAmountBps      uint16
	ExpectedAmountBps   uint16
	IsCriteriaOrder     bool
	TokenIdOrCriteria   *big.Int
	Signature           []byte
}

var intentComponentsERC20 = []abi.ArgumentMarshaling{
	{Name: "isBuy", Type: "bool"},
	{Name: "buyToken", Type: "address"},
	{Name: "sellToken", Type: "address"},
	{Name: "maker", Type: "address"},
	{Name: "solver", Type: "address"},
	{Name: "source", Type: "address"},
	{Name: "feeBps", Type: "uint16"},
	{Name: "surplusBps", Type: "uint16"},
	{Name: "startTime", Type: "uint32"},
	{Name: "endTime", Type: "uint32"},
	{Name: "nonce", Type: "uint256"},
	{Name: "isPartiallyFillable", Type: "bool"},
	{Name: "isSmartOrder", Type: "bool"},
	{Name: "isIncentivized", Type: "bool"},
	{Name: "amount", Type: "uint128"},
	{Name: "endAmount", Type: "uint128"},
	{Name: "startAmountBps", Type: "uint16"},
	{Name: "expectedAmountBps", Type: "uint16"},
	{Name: "signature", Type: "bytes"},
}

var intentComponentsERC721 = func() []abi.ArgumentMarshaling {
	c := make([]abi.ArgumentMarshaling, 0, len(intentComponentsERC20)+2)
	c = append(c, intentComponentsERC20[:len(intentComponentsERC20)-1]...)
	c = append(c,
		abi.ArgumentMarshaling{Name: "isCriteriaOrder", Type: "bool"},
		abi.ArgumentMarshaling{Name: "tokenIdOrCriteria", Type: "uint256"},
		abi.ArgumentMarshaling{Name: "signature", Type: "bytes"},
	)
	return c
}()

var (
	intentTupleERC20  = mustTupleType(intentComponentsERC20)
	intentTupleERC721 = mustTupleType(intentComponentsERC721)
)

func mustTupleType(components []abi.ArgumentMarshaling) abi.Type {
	t, err := abi.NewType("tuple", "", components)
	if err != nil {
		panic(err)
	}
	return t
}

// ABIType returns the settlement-facing tuple type of the intent struct,
// for embedding into function argument lists.
func ABIType(p Protocol) abi.Type {
	if p == ERC721 {
		return intentTupleERC721
	}
	return intentTupleERC20
}

// ABIValue returns i shaped for abi.Arguments.Pack against ABIType(p).
func ABIValue(p Protocol, i *Intent) interface{} {
	if p == ERC721 {
		return wireIntentERC721{
			IsBuy:               i.IsBuy,
			BuyToken:            i.BuyToken,
			SellToken:           i.SellToken,
			Maker:               i.Maker,
			Solver:              i.Solver,
			Source:              i.Source,
			FeeBps:              i.FeeBps,
			SurplusBps:          i.SurplusBps,
			StartTime:           i.StartTime,
			EndTime:             i.EndTime,
			Nonce:               bigOrZero(i.Nonce),
			IsPartiallyFillable: i.IsPartiallyFillable,
			IsSmartOrder:        i.IsSmartOrder,
			IsIncentivized:      i.IsIncentivized,
			Amount:              bigOrZero(i.Amount),
			EndAmount:           bigOrZero(i.EndAmount),
			StartAmountBps:      i.StartAmountBps,
			ExpectedAmountBps:   i.ExpectedAmountBps,
			IsCriteriaOrder:     i.IsCriteriaOrder,
			TokenIdOrCriteria:   bigOrZero(i.TokenIDOrCriteria),
			Signature:           i.Signature,
		}
	}
	return wireIntentERC20{
		IsBuy:               i.IsBuy,
		BuyToken:            i.BuyToken,
		SellToken:           i.SellToken,
		Maker:               i.Maker,
		Solver:              i.Solver,
		Source:              i.Source,
		FeeBps:              i.FeeBps,
		SurplusBps:          i.SurplusBps,
		StartTime:           i.StartTime,
		EndTime:             i.EndTime,
		Nonce:               bigOrZero(i.Nonce),
		IsPartiallyFillable: i.IsPartiallyFillable,
		IsSmartOrder:        i.IsSmartOrder,
		IsIncentivized:      i.IsIncentivized,
		Amount:              bigOrZero(i.Amount),
		EndAmount:           bigOrZero(i.EndAmount),
		StartAmountBps:      i.StartAmountBps,
		ExpectedAmountBps:   i.ExpectedAmountBps,
		Signature:           i.Signature,
	}
}

// ABISliceValue returns intents shaped for packing against a tuple[] of
// ABIType(p).
func ABISliceValue(p Protocol, intents []*Intent) interface{} {
	if p == ERC721 {
		out := make([]wireIntentERC721, len(intents))
		for idx, i := range intents {
			out[idx] = ABIValue(p, i).(wireIntentERC721)
		}
		return out
	}
	out := make([]wireIntentERC20, len(intents))
	for idx, i := range intents {
		out[idx] = ABIValue(p, i).(wireIntentERC20)
	}
	return out
}

// EncodeIntent ABI-encodes the intent tuple, signature included.
func EncodeIntent(p Protocol, i *Intent) ([]byte, error) {
	args := abi.Arguments{{Type: ABIType(p)}}
	packed, err := args.Pack(ABIValue(p, i))
	if err != nil {
		return nil, fmt.Errorf("encode %s intent: %w", p, err)
	}
	return packed, nil
}

// DecodeIntent parses an ABI-encoded intent tuple. The encoding must be
// canonical: re-encoding the parsed intent has to reproduce data exactly,
// which rejects trailing garbage and cross-protocol misreads.
func DecodeIntent(p Protocol, data []byte) (*Intent, error) {
	args := abi.Arguments{{Type: ABIType(p)}}
	out, err := args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s intent: %w", p, err)
	}
	var i *Intent
	if p == ERC721 {
		w := abi.ConvertType(out[0], new(wireIntentERC721)).(*wireIntentERC721)
		i = &Intent{
			IsBuy:               w.IsBuy,
			BuyToken:            w.BuyToken,
			SellToken:           w.SellToken,
			Maker:               w.Maker,
			Solver:              w.Solver,
			Source:              w.Source,
			FeeBps:              w.FeeBps,
			SurplusBps:          w.SurplusBps,
			StartTime:           w.StartTime,
			EndTime:             w.EndTime,
			Nonce:               w.Nonce,
			IsPartiallyFillable: w.IsPartiallyFillable,
			IsSmartOrder:        w.IsSmartOrder,
			IsIncentivized:      w.IsIncentivized,
			Amount:              w.Amount,
			EndAmount:           w.EndAmount,
			StartAmountBps:      w.StartAmountBps,
			ExpectedAmountBps:   w.ExpectedAmountBps,
			IsCriteriaOrder:     w.IsCriteriaOrder,
			TokenIDOrCriteria:   w.TokenIdOrCriteria,
			Signature:           w.Signature,
		}
	} else {
		w := abi.ConvertType(out[0], new(wireIntentERC20)).(*wireIntentERC20)
		i = &Intent{
			IsBuy:               w.IsBuy,
			BuyToken:            w.BuyToken,
			SellToken:           w.SellToken,
			Maker:               w.Maker,
			Solver:              w.Solver,
			Source:              w.Source,
			FeeBps:              w.FeeBps,
			SurplusBps:          w.SurplusBps,
			StartTime:           w.StartTime,
			EndTime:             w.EndTime,
			Nonce:               w.Nonce,
			IsPartiallyFillable: w.IsPartiallyFillable,
			IsSmartOrder:        w.IsSmartOrder,
			IsIncentivized:      w.IsIncentivized,
			Amount:              w.Amount,
			EndAmount:           w.EndAmount,
			StartAmountBps:      w.StartAmountBps,
			ExpectedAmountBps:   w.ExpectedAmountBps,
			Signature:           w.Signature,
		}
	}
	canonical, err := EncodeIntent(p, i)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, data) {
		return nil, fmt.Errorf("decode %s intent: non-canonical encoding", p)
	}
	return i, nil
}

// ParsedEntry is an intent recovered from transaction calldata.
type ParsedEntry struct {
	Protocol Protocol
	Intent   *Intent
	// HasApproval is set when the carrying transaction itself grants the
	// settlement its allowance, so filling must wait for (or bundle) it.
	HasApproval bool
}

// ParseCalldata extracts an intent from calldata. Three shapes are
// recognized: approve(settlement, amount) with the intent tuple appended,
// depositAndApprove(settlement, amount) on the wrapped-native helper with
// the tuple appended, and bare tuple calldata as a direct submission.
// Anything else, malformed tails included, yields false with no error.
func ParseCalldata(book *addrbook.Book, to *common.Address, data []byte) (*ParsedEntry, bool) {
	if len(data) < 32 {
		return nil, false
	}
	if len(data) >= 68 {
		sel := data[:4]
		isApprove := bytes.Equal(sel, approveSelector)
		isDeposit := bytes.Equal(sel, depositAndApproveSelector) &&
			to != nil && *to == book.MemswapWETH
		if isApprove || isDeposit {
			var p Protocol
			switch common.BytesToAddress(data[4:36]) {
			case book.MemswapERC20:
				p = ERC20
			case book.MemswapERC721:
				p = ERC721
			default:
				return nil, false
			}
			i, err := DecodeIntent(p, data[68:])
			if err != nil {
				return nil, false
			}
			return &ParsedEntry{Protocol: p, Intent: i, HasApproval: true}, true
		}
	}
	if i, err := DecodeIntent(ERC20, data); err == nil {
		return &ParsedEntry{Protocol: ERC20, Intent: i}, true
	}
	if i, err := DecodeIntent(ERC721, data); err == nil {
		return &ParsedEntry{Protocol: ERC721, Intent: i}, true
	}
	return nil, false
}
