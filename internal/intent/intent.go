// Package intent defines the Memswap intent model: the order struct shared
// by the ERC-20 and ERC-721 settlement modules, its EIP-712 hashing and
// signing, the calldata wire codec and the price-decay math.
package intent

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Protocol selects which settlement module an intent belongs to.
type Protocol uint8

const (
	ERC20 Protocol = iota
	ERC721
)

func (p Protocol) String() string {
	switch p {
	case ERC20:
		return "erc20"
	case ERC721:
		return "erc721"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// ParseProtocol maps the route segment used by the HTTP API to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "erc20":
		return ERC20, nil
	case "erc721":
		return ERC721, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// MarshalText renders the protocol as its route segment, so JSON payloads
// carry "erc20"/"erc721" instead of raw enum values.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Intent is a signed, time-decaying swap order. The maker commits to buy
// (isBuy) or sell a fixed amount of one token against a variable amount of
// the other, with the variable bound interpolating from its start value to
// endAmount over [startTime, endTime].
//
// IsCriteriaOrder and TokenIDOrCriteria are only meaningful on the ERC-721
// module and stay zero elsewhere.
type Intent struct {
	IsBuy               bool           `json:"isBuy"`
	BuyToken            common.Address `json:"buyToken"`
	SellToken           common.Address `json:"sellToken"`
	Maker               common.Address `json:"maker"`
	Solver              common.Address `json:"solver"`
	Source              common.Address `json:"source"`
	FeeBps              uint16         `json:"feeBps"`
	SurplusBps          uint16         `json:"surplusBps"`
	StartTime           uint32         `json:"startTime"`
	EndTime             uint32         `json:"endTime"`
	Nonce               *big.Int       `json:"nonce"`
	IsPartiallyFillable bool           `json:"isPartiallyFillable"`
	IsSmartOrder        bool           `json:"isSmartOrder"`
	IsIncentivized      bool           `json:"isIncentivized"`
	Amount              *big.Int       `json:"amount"`
	EndAmount           *big.Int       `json:"endAmount"`
	StartAmountBps      uint16         `json:"startAmountBps"`
	ExpectedAmountBps   uint16         `json:"expectedAmountBps"`
	IsCriteriaOrder     bool           `json:"isCriteriaOrder,omitempty"`
	TokenIDOrCriteria   *big.Int       `json:"tokenIdOrCriteria,omitempty"`
	Signature           hexutil.Bytes  `json:"signature"`
}

// Authorization is a matchmaker grant letting a named solver fill an intent
// within a block deadline, with caps on the fill and execute amounts.
type Authorization struct {
	IntentHash           common.Hash    `json:"intentHash"`
	Solver               common.Address `json:"solver"`
	FillAmountToCheck    *big.Int       `json:"fillAmountToCheck"`
	ExecuteAmountToCheck *big.Int       `json:"executeAmountToCheck"`
	BlockDeadline        uint32         `json:"blockDeadline"`
	Signature            hexutil.Bytes  `json:"signature,omitempty"`
}

// IsOpen reports whether the intent is fillable by any solver.
func (i *Intent) IsOpen() bool {
	return i.Solver == (common.Address{})
}

// Started reports whether the decay window has opened at now.
func (i *Intent) Started(now uint64) bool {
	return now >= uint64(i.StartTime)
}

// Expired reports whether the decay window has closed at now. The window
// is half-open: the endTime instant is already outside it.
func (i *Intent) Expired(now uint64) bool {
	return now >= uint64(i.EndTime)
}

func bigOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
