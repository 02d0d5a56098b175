package intent

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP-712 domains of the settlement modules. Both share the version and
// differ only in name and verifying contract.
const (
	domainNameERC20  = "MemswapERC20"
	domainNameERC721 = "MemswapERC721"
	domainVersion    = "1.0"
)

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var intentTypeERC20 = []apitypes.Type{
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
}

var intentTypeERC721 = func() []apitypes.Type {
	t := make([]apitypes.Type, 0, len(intentTypeERC20)+2)
	t = append(t, intentTypeERC20...)
	t = append(t,
		apitypes.Type{Name: "isCriteriaOrder", Type: "bool"},
		apitypes.Type{Name: "tokenIdOrCriteria", Type: "uint256"},
	)
	return t
}()

var authorizationType = []apitypes.Type{
	{Name: "intentHash", Type: "bytes32"},
	{Name: "solver", Type: "address"},
	{Name: "fillAmountToCheck", Type: "uint128"},
	{Name: "executeAmountToCheck", Type: "uint128"},
	{Name: "blockDeadline", Type: "uint32"},
}

// Codec binds the typed-data domains and wire encodings to one chain's
// settlement deployments.
type Codec struct {
	chainID     int64
	settlements map[Protocol]common.Address
}

func NewCodec(chainID int64, erc20, erc721 common.Address) *Codec {
	return &Codec{
		chainID: chainID,
		settlements: map[Protocol]common.Address{
			ERC20:  erc20,
			ERC721: erc721,
		},
	}
}

func (c *Codec) ChainID() int64 { return c.chainID }

// SettlementAddress returns the settlement module the protocol settles on.
func (c *Codec) SettlementAddress(p Protocol) common.Address {
	return c.settlements[p]
}

func (c *Codec) domain(p Protocol) apitypes.TypedDataDomain {
	name := domainNameERC20
	if p == ERC721 {
		name = domainNameERC721
	}
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           domainVersion,
		ChainId:           math.NewHexOrDecimal256(c.chainID),
		VerifyingContract: c.settlements[p].Hex(),
	}
}

func intentType(p Protocol) []apitypes.Type {
	if p == ERC721 {
		return intentTypeERC721
	}
	return intentTypeERC20
}

func intentMessage(p Protocol, i *Intent) apitypes.TypedDataMessage {
	m := apitypes.TypedDataMessage{
		"isBuy":               i.IsBuy,
		"buyToken":            i.BuyToken.Hex(),
		"sellToken":           i.SellToken.Hex(),
		"maker":               i.Maker.Hex(),
		"solver":              i.Solver.Hex(),
		"source":              i.Source.Hex(),
		"feeBps":              strconv.FormatUint(uint64(i.FeeBps), 10),
		"surplusBps":          strconv.FormatUint(uint64(i.SurplusBps), 10),
		"startTime":           strconv.FormatUint(uint64(i.StartTime), 10),
		"endTime":             strconv.FormatUint(uint64(i.EndTime), 10),
		"nonce":               bigOrZero(i.Nonce).String(),
		"isPartiallyFillable": i.IsPartiallyFillable,
		"isSmartOrder":        i.IsSmartOrder,
		"isIncentivized":      i.IsIncentivized,
		"amount":              bigOrZero(i.Amount).String(),
		"endAmount":           bigOrZero(i.EndAmount).String(),
		"startAmountBps":      strconv.FormatUint(uint64(i.StartAmountBps), 10),
		"expectedAmountBps":   strconv.FormatUint(uint64(i.ExpectedAmountBps), 10),
	}
	if p == ERC721 {
		m["isCriteriaOrder"] = i.IsCriteriaOrder
		m["tokenIdOrCriteria"] = bigOrZero(i.TokenIDOrCriteria).String()
	}
	return m
}

// IntentHash returns the EIP-712 digest the maker signed. Every duplicate
// suppression key, status entry and authorization in the system is keyed
// by this hash.
func (c *Codec) IntentHash(p Protocol, i *Intent) (common.Hash, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			"Intent":       intentType(p),
		},
		PrimaryType: "Intent",
		Domain:      c.domain(p),
		Message:     intentMessage(p, i),
	}
	return typedDataHash(&td)
}

// AuthorizationHash returns the EIP-712 digest of a matchmaker
// authorization under the protocol's settlement domain.
func (c *Codec) AuthorizationHash(p Protocol, a *Authorization) (common.Hash, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":  eip712DomainType,
			"Authorization": authorizationType,
		},
		PrimaryType: "Authorization",
		Domain:      c.domain(p),
		Message: apitypes.TypedDataMessage{
			"intentHash":           hexutil.Encode(a.IntentHash[:]),
			"solver":               a.Solver.Hex(),
			"fillAmountToCheck":    bigOrZero(a.FillAmountToCheck).String(),
			"executeAmountToCheck": bigOrZero(a.ExecuteAmountToCheck).String(),
			"blockDeadline":        strconv.FormatUint(uint64(a.BlockDeadline), 10),
		},
	}
	return typedDataHash(&td)
}

func typedDataHash(td *apitypes.TypedData) (common.Hash, error) {
	domainSep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash message: %w", err)
	}
	raw := make([]byte, 0, 2+len(domainSep)+len(msgHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSep...)
	raw = append(raw, msgHash...)
	return common.BytesToHash(crypto.Keccak256(raw)), nil
}

// SignIntent fills i.Signature with a 65-byte secp256k1 signature over the
// typed-data digest, V normalized to 27/28.
func (c *Codec) SignIntent(key *ecdsa.PrivateKey, p Protocol, i *Intent) error {
	digest, err := c.IntentHash(p, i)
	if err != nil {
		return err
	}
	sig, err := signDigest(key, digest)
	if err != nil {
		return err
	}
	i.Signature = sig
	return nil
}

// SignAuthorization fills a.Signature the same way under the protocol's
// settlement domain.
func (c *Codec) SignAuthorization(key *ecdsa.PrivateKey, p Protocol, a *Authorization) error {
	digest, err := c.AuthorizationHash(p, a)
	if err != nil {
		return err
	}
	sig, err := signDigest(key, digest)
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// RecoverIntentSigner returns the EOA behind i.Signature. Smart orders
// carry contract signatures and cannot be recovered this way.
func (c *Codec) RecoverIntentSigner(p Protocol, i *Intent) (common.Address, error) {
	digest, err := c.IntentHash(p, i)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(digest, i.Signature)
}

// RecoverAuthorizationSigner returns the EOA behind a.Signature.
func (c *Codec) RecoverAuthorizationSigner(p Protocol, a *Authorization) (common.Address, error) {
	digest, err := c.AuthorizationHash(p, a)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(digest, a.Signature)
}

func signDigest(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	// Contracts expect the Ethereum 27/28 recovery id.
	sig[64] += 27
	return sig, nil
}

func recoverDigest(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
