package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal token call surface used by the solver: ERC-20 reads and the
// calldata builders for approvals, wrapped-native unwrapping and ERC-721
// transfers.

func mustMethod(name string, inputs, outputs abi.Arguments) abi.Method {
	return abi.NewMethod(name, name, abi.Function, "", false, false, inputs, outputs)
}

func mustArg(kind string) abi.Type {
	t, err := abi.NewType(kind, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	addressArg = mustArg("address")
	uint256Arg = mustArg("uint256")
	uint160Arg = mustArg("uint160")
	uint48Arg  = mustArg("uint48")
	uint8Arg   = mustArg("uint8")
	boolArg    = mustArg("bool")
)

var (
	balanceOfMethod = mustMethod("balanceOf",
		abi.Arguments{{Type: addressArg}},
		abi.Arguments{{Type: uint256Arg}})
	allowanceMethod = mustMethod("allowance",
		abi.Arguments{{Type: addressArg}, {Type: addressArg}},
		abi.Arguments{{Type: uint256Arg}})
	approveMethod = mustMethod("approve",
		abi.Arguments{{Type: addressArg}, {Type: uint256Arg}}, nil)
	transferMethod = mustMethod("transfer",
		abi.Arguments{{Type: addressArg}, {Type: uint256Arg}}, nil)
	withdrawMethod = mustMethod("withdraw",
		abi.Arguments{{Type: uint256Arg}}, nil)
	transferFromMethod = mustMethod("transferFrom",
		abi.Arguments{{Type: addressArg}, {Type: addressArg}, {Type: uint256Arg}}, nil)
	setApprovalForAllMethod = mustMethod("setApprovalForAll",
		abi.Arguments{{Type: addressArg}, {Type: boolArg}}, nil)
	decimalsMethod = mustMethod("decimals",
		nil,
		abi.Arguments{{Type: uint8Arg}})
	depositMethod = mustMethod("deposit", nil, nil)
	// Permit2's approve(token, spender, amount, expiration).
	permit2ApproveMethod = mustMethod("approve",
		abi.Arguments{{Type: addressArg}, {Type: addressArg}, {Type: uint160Arg}, {Type: uint48Arg}}, nil)
)

// MaxUint256 is the unlimited-allowance sentinel.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func packCall(m abi.Method, values ...interface{}) []byte {
	args, err := m.Inputs.Pack(values...)
	if err != nil {
		// static shapes, cannot fail at runtime
		panic(err)
	}
	return append(append([]byte{}, m.ID...), args...)
}

// ApproveCalldata encodes approve(spender, amount).
func ApproveCalldata(spender common.Address, amount *big.Int) []byte {
	return packCall(approveMethod, spender, amount)
}

// TransferCalldata encodes transfer(to, amount).
func TransferCalldata(to common.Address, amount *big.Int) []byte {
	return packCall(transferMethod, to, amount)
}

// WithdrawCalldata encodes the WETH-style withdraw(amount).
func WithdrawCalldata(amount *big.Int) []byte {
	return packCall(withdrawMethod, amount)
}

// TransferFromCalldata encodes transferFrom(from, to, tokenId).
func TransferFromCalldata(from, to common.Address, tokenID *big.Int) []byte {
	return packCall(transferFromMethod, from, to, tokenID)
}

// SetApprovalForAllCalldata encodes the ERC-721 operator approval.
func SetApprovalForAllCalldata(operator common.Address, approved bool) []byte {
	return packCall(setApprovalForAllMethod, operator, approved)
}

// DepositCalldata encodes the WETH-style deposit(), value carried on the call.
func DepositCalldata() []byte {
	return packCall(depositMethod)
}

// Permit2ApproveCalldata encodes approve(token, spender, amount, expiration)
// on the canonical Permit2 contract.
func Permit2ApproveCalldata(token, spender common.Address, amount, expiration *big.Int) []byte {
	return packCall(permit2ApproveMethod, token, spender, amount, expiration)
}

func (c *Client) readUint256(ctx context.Context, m abi.Method, token common.Address, values ...interface{}) (*big.Int, error) {
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: packCall(m, values...),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", m.RawName, token.Hex(), err)
	}
	out, err := m.Outputs.Unpack(ret)
	if err != nil {
		return nil, fmt.Errorf("decode %s return: %w", m.RawName, err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// TokenBalance reads balanceOf(owner) on an ERC-20.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.readUint256(ctx, balanceOfMethod, token, owner)
}

// TokenAllowance reads allowance(owner, spender) on an ERC-20.
func (c *Client) TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.readUint256(ctx, allowanceMethod, token, owner, spender)
}

// TokenDecimals reads decimals() on an ERC-20.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: packCall(decimalsMethod),
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals on %s: %w", token.Hex(), err)
	}
	out, err := decimalsMethod.Outputs.Unpack(ret)
	if err != nil {
		return 0, fmt.Errorf("decode decimals return: %w", err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}
