// Package addrbook holds the per-chain well-known addresses the solver
// interacts with: the Memswap settlement modules, the protocol's
// wrapped-native helper, the canonical WETH9, the Permit2 singleton and
// the external aggregator entrypoints.
package addrbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Book is the resolved address set for one chain.
type Book struct {
	ChainID int64

	// Memswap protocol deployments.
	MemswapERC20  common.Address // ERC-20 settlement module
	MemswapERC721 common.Address // ERC-721 settlement module
	MemswapWETH   common.Address // wrapped-native helper with depositAndApprove

	// Canonical third-party singletons.
	WETH9   common.Address
	Permit2 common.Address

	// External aggregator entrypoints.
	ZeroExProxy common.Address
}

// NativeToken is the aggregator-side placeholder for the chain's native
// currency (the 0x convention).
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// Zero is the all-zeroes address. An intent with solver == Zero is open to
// any solver; buyToken == Zero means the maker receives native currency.
var Zero = common.Address{}

// permit2 and the 0x exchange proxy are deployed at the same address on
// every supported chain.
var (
	permit2     = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	zeroExProxy = common.HexToAddress("0xDef1C0ded9bec7F1a1670819833240f027b25EfF")
)

var books = map[int64]*Book{
	1: {
		ChainID:       1,
		MemswapERC20:  common.HexToAddress("0x2c7ad2d801BC06d6FC9e3bdB87b14Fbc5dBf29e1"),
		MemswapERC721: common.HexToAddress("0x3E024FD6dF465B77493f8B8Ff0bAC0Fbc38Ca442"),
		MemswapWETH:   common.HexToAddress("0x8adDa31FE63696Ac64DED7D0Ea208102b1358c44"),
		WETH9:         common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Permit2:       permit2,
		ZeroExProxy:   zeroExProxy,
	},
	5: {
		ChainID:       5,
		MemswapERC20:  common.HexToAddress("0x62E6915B4fAD9A20fBEbA9d4aF933b8F52A1Ff12"),
		MemswapERC721: common.HexToAddress("0x05F73E1a2baF4f4b4498F6Fcd1F30c79e862fdAa"),
		MemswapWETH:   common.HexToAddress("0x6cb5504B957625D01Ad07dBC33A979109AB747A5"),
		WETH9:         common.HexToAddress("0xB4FBF271143F4FBf7B91A5ded31805e42b2208d6"),
		Permit2:       permit2,
		ZeroExProxy:   zeroExProxy,
	},
}

// ForChain returns the address book for a chain id.
func ForChain(chainID int64) (*Book, error) {
	b, ok := books[chainID]
	if !ok {
		return nil, fmt.Errorf("no address book for chain %d", chainID)
	}
	return b, nil
}

// IsWrappedNative reports whether token is one of the two wrapped-native
// deployments (the protocol helper or canonical WETH9).
func (b *Book) IsWrappedNative(token common.Address) bool {
	return token == b.MemswapWETH || token == b.WETH9
}

// IsTrivialWrapPair reports whether (sell, buy) is a wrap/unwrap-only pair
// that a swap venue cannot improve on: wrapped-protocol, wrapped-canonical
// and native in their trivial directions.
func (b *Book) IsTrivialWrapPair(sell, buy common.Address) bool {
	switch {
	case sell == b.MemswapWETH && (buy == b.WETH9 || buy == Zero):
		return true
	case sell == b.WETH9 && buy == Zero:
		return true
	default:
		return false
	}
}
