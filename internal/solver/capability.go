package solver

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/quote"
)

// Capability is the protocol-specific slice of the solve pipeline. The
// engine owns the state machine (price window, profit accounting, relay
// choice); a capability owns what differs between the settlement modules:
// which intents it can fill, how a plan is built, and which token the fill
// leaves behind for the inventory sweep.
type Capability interface {
	Protocol() intent.Protocol
	// Validate rejects intents the module cannot fill. Failures are
	// precondition stops, never retried.
	Validate(i *intent.Intent) error
	BuildPlan(ctx context.Context, i *intent.Intent, fillAmount *big.Int) (*quote.Plan, error)
	// PostFillToken names the token a successful fill accrues to the
	// solver, false when the fill pays out in native currency.
	PostFillToken(i *intent.Intent) (common.Address, bool)
}

// ERC20Capability fills token-for-token intents through a swap aggregator.
type ERC20Capability struct {
	book   *addrbook.Book
	source quote.Source
}

func NewERC20Capability(book *addrbook.Book, source quote.Source) *ERC20Capability {
	return &ERC20Capability{book: book, source: source}
}

func (c *ERC20Capability) Protocol() intent.Protocol { return intent.ERC20 }

func (c *ERC20Capability) Validate(i *intent.Intent) error {
	// The settlement module wraps native currency on the way in, so the
	// sell side is always a token.
	if i.SellToken == addrbook.Zero {
		return fmt.Errorf("sell token is the native placeholder")
	}
	if c.book.IsTrivialWrapPair(i.SellToken, i.BuyToken) {
		return fmt.Errorf("wrap/unwrap pair %s -> %s has no solvable spread", i.SellToken.Hex(), i.BuyToken.Hex())
	}
	return nil
}

func (c *ERC20Capability) BuildPlan(ctx context.Context, i *intent.Intent, fillAmount *big.Int) (*quote.Plan, error) {
	return c.source.Solve(ctx, intent.ERC20, i, fillAmount)
}

func (c *ERC20Capability) PostFillToken(i *intent.Intent) (common.Address, bool) {
	return heldToken(i)
}

// ERC721Capability fills collection-wide NFT buy intents through a
// marketplace routing source.
type ERC721Capability struct {
	book   *addrbook.Book
	source quote.Source
}

func NewERC721Capability(book *addrbook.Book, source quote.Source) *ERC721Capability {
	return &ERC721Capability{book: book, source: source}
}

func (c *ERC721Capability) Protocol() intent.Protocol { return intent.ERC721 }

func (c *ERC721Capability) Validate(i *intent.Intent) error {
	if !i.IsBuy {
		return fmt.Errorf("nft sell intents are not supported")
	}
	if i.TokenIDOrCriteria != nil && i.TokenIDOrCriteria.Sign() != 0 {
		return fmt.Errorf("only collection-wide criteria are supported")
	}
	if i.SellToken == addrbook.Zero {
		return fmt.Errorf("sell token is the native placeholder")
	}
	return nil
}

func (c *ERC721Capability) BuildPlan(ctx context.Context, i *intent.Intent, fillAmount *big.Int) (*quote.Plan, error) {
	return c.source.Solve(ctx, intent.ERC721, i, fillAmount)
}

func (c *ERC721Capability) PostFillToken(i *intent.Intent) (common.Address, bool) {
	return heldToken(i)
}

// heldToken is the token the solution executor holds its surplus in: the
// maker's payment token for buys, the swap output for sells.
func heldToken(i *intent.Intent) (common.Address, bool) {
	token := i.SellToken
	if !i.IsBuy {
		token = i.BuyToken
	}
	if token == addrbook.Zero {
		return common.Address{}, false
	}
	return token, true
}
