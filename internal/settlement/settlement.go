// Package settlement is the ABI surface of the Memswap settlement modules.
// It owns the closed table of solve entrypoints, the authorize and
// intentStatus encodings and the contract's incentivization parameters.
package settlement

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/memswap/solver/internal/intent"
)

// Variant selects the settlement entrypoint a fill goes through.
type Variant uint8

const (
	// Solve fills directly with no matchmaker involvement.
	Solve Variant = iota
	// SolveOnChainAuth expects a prior authorize() call in the same block.
	SolveOnChainAuth
	// SolveSignatureAuth carries the matchmaker authorization inline.
	SolveSignatureAuth
)

func (v Variant) String() string {
	switch v {
	case Solve:
		return "solve"
	case SolveOnChainAuth:
		return "solveWithOnChainAuthorizationCheck"
	case SolveSignatureAuth:
		return "solveWithSignatureAuthorizationCheck"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// Call is one step executed inside the settlement callback.
type Call struct {
	To    common.Address `json:"to"`
	Data  []byte         `json:"data"`
	Value *big.Int       `json:"value"`
}

// Solution is the executable part of a fill: the inner calls plus the
// amounts the settlement verifies against the intent's bounds.
type Solution struct {
	ExecuteAmount *big.Int `json:"executeAmount"`
	Calls         []Call   `json:"calls"`
	FillAmount    *big.Int `json:"fillAmount"`
}

// Status mirrors the intentStatus(bytes32) return values.
type Status struct {
	IsValidated  bool
	IsCancelled  bool
	AmountFilled *big.Int
}

// Remaining returns how much of amount is still fillable.
func (s *Status) Remaining(amount *big.Int) *big.Int {
	if s == nil || s.AmountFilled == nil {
		return new(big.Int).Set(amount)
	}
	rem := new(big.Int).Sub(amount, s.AmountFilled)
	if rem.Sign() < 0 {
		return new(big.Int)
	}
	return rem
}

// Fillable reports whether the intent can still be (partially) filled.
func (s *Status) Fillable(amount *big.Int) bool {
	return !s.IsCancelled && s.Remaining(amount).Sign() > 0
}

// ── ABI plumbing ──

type wireCall struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

type wireSolution struct {
	ExecuteAmount *big.Int
	Calls         []wireCall
	FillAmount    *big.Int
}

type wireAuthCheck struct {
	FillAmountToCheck    *big.Int
	ExecuteAmountToCheck *big.Int
	BlockDeadline        uint32
}

type wirePermit struct {
	Token common.Address
	Data  []byte
}

var (
	solutionComponents = []abi.ArgumentMarshaling{
		{Name: "executeAmount", Type: "uint128"},
		{Name: "calls", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "to", Type: "address"},
			{Name: "data", Type: "bytes"},
			{Name: "value", Type: "uint256"},
		}},
		{Name: "fillAmount", Type: "uint128"},
	}
	authCheckComponents = []abi.ArgumentMarshaling{
		{Name: "fillAmountToCheck", Type: "uint128"},
		{Name: "executeAmountToCheck", Type: "uint128"},
		{Name: "blockDeadline", Type: "uint32"},
	}
	permitComponents = []abi.ArgumentMarshaling{
		{Name: "token", Type: "address"},
		{Name: "data", Type: "bytes"},
	}
)

var (
	solutionType   = mustType("tuple", solutionComponents)
	authCheckType  = mustType("tuple", authCheckComponents)
	authCheckSlice = mustType("tuple[]", authCheckComponents)
	permitSlice    = mustType("tuple[]", permitComponents)
	addressType    = mustType("address", nil)
	bytesType      = mustType("bytes", nil)
	bytes32Type    = mustType("bytes32", nil)
	boolType       = mustType("bool", nil)
	uint128Type    = mustType("uint128", nil)
)

func mustType(kind string, components []abi.ArgumentMarshaling) abi.Type {
	t, err := abi.NewType(kind, "", components)
	if err != nil {
		panic(err)
	}
	return t
}

func mustSliceOfIntent(p intent.Protocol) abi.Type {
	t, err := abi.NewType("tuple[]", "", intentComponents(p))
	if err != nil {
		panic(err)
	}
	return t
}

func intentComponents(p intent.Protocol) []abi.ArgumentMarshaling {
	// The tuple layout is owned by the intent package; recovering its
	// marshaling from the built type keeps the two in sync.
	typ := intent.ABIType(p)
	comps := make([]abi.ArgumentMarshaling, len(typ.TupleElems))
	for i, elem := range typ.TupleElems {
		comps[i] = abi.ArgumentMarshaling{
			Name: typ.TupleRawNames[i],
			Type: elem.String(),
		}
	}
	return comps
}

// methods is the per-protocol closed table of settlement entrypoints.
type methods struct {
	solve        abi.Method
	solveOnChain abi.Method
	solveSigAuth abi.Method
	authorize    abi.Method
	intentStatus abi.Method
}

var methodTable = map[intent.Protocol]*methods{
	intent.ERC20:  buildMethods(intent.ERC20),
	intent.ERC721: buildMethods(intent.ERC721),
}

func buildMethods(p intent.Protocol) *methods {
	intentType := intent.ABIType(p)
	solveArgs := abi.Arguments{
		{Name: "intent", Type: intentType},
		{Name: "solution", Type: solutionType},
		{Name: "permits", Type: permitSlice},
	}
	sigAuthArgs := abi.Arguments{
		{Name: "intent", Type: intentType},
		{Name: "solution", Type: solutionType},
		{Name: "auth", Type: authCheckType},
		{Name: "authSignature", Type: bytesType},
		{Name: "permits", Type: permitSlice},
	}
	authorizeArgs := abi.Arguments{
		{Name: "intents", Type: mustSliceOfIntent(p)},
		{Name: "auths", Type: authCheckSlice},
		{Name: "solver", Type: addressType},
	}
	statusArgs := abi.Arguments{
		{Name: "intentHash", Type: bytes32Type},
	}
	statusReturns := abi.Arguments{
		{Name: "isValidated", Type: boolType},
		{Name: "isCancelled", Type: boolType},
		{Name: "amountFilled", Type: uint128Type},
	}
	return &methods{
		solve: abi.NewMethod("solve", "solve",
			abi.Function, "payable", false, true, solveArgs, nil),
		solveOnChain: abi.NewMethod("solveWithOnChainAuthorizationCheck", "solveWithOnChainAuthorizationCheck",
			abi.Function, "payable", false, true, solveArgs, nil),
		solveSigAuth: abi.NewMethod("solveWithSignatureAuthorizationCheck", "solveWithSignatureAuthorizationCheck",
			abi.Function, "payable", false, true, sigAuthArgs, nil),
		authorize: abi.NewMethod("authorize", "authorize",
			abi.Function, "nonpayable", false, false, authorizeArgs, nil),
		intentStatus: abi.NewMethod("intentStatus", "intentStatus",
			abi.Function, "view", true, false, statusArgs, statusReturns),
	}
}

func wireCalls(calls []Call) []wireCall {
	out := make([]wireCall, len(calls))
	for i, c := range calls {
		value := c.Value
		if value == nil {
			value = new(big.Int)
		}
		out[i] = wireCall{To: c.To, Data: c.Data, Value: value}
	}
	return out
}

func wireSolutionOf(s *Solution) wireSolution {
	return wireSolution{
		ExecuteAmount: s.ExecuteAmount,
		Calls:         wireCalls(s.Calls),
		FillAmount:    s.FillAmount,
	}
}

func wireAuthCheckOf(a *intent.Authorization) wireAuthCheck {
	return wireAuthCheck{
		FillAmountToCheck:    a.FillAmountToCheck,
		ExecuteAmountToCheck: a.ExecuteAmountToCheck,
		BlockDeadline:        a.BlockDeadline,
	}
}

func pack(m abi.Method, values ...interface{}) ([]byte, error) {
	args, err := m.Inputs.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", m.RawName, err)
	}
	return append(append([]byte{}, m.ID...), args...), nil
}

// SolveCalldata encodes a fill through the requested entrypoint. For the
// signature-check variant auth must carry the matchmaker signature.
func SolveCalldata(p intent.Protocol, v Variant, i *intent.Intent, s *Solution, auth *intent.Authorization) ([]byte, error) {
	t := methodTable[p]
	switch v {
	case Solve:
		return pack(t.solve, intent.ABIValue(p, i), wireSolutionOf(s), []wirePermit{})
	case SolveOnChainAuth:
		return pack(t.solveOnChain, intent.ABIValue(p, i), wireSolutionOf(s), []wirePermit{})
	case SolveSignatureAuth:
		if auth == nil {
			return nil, fmt.Errorf("%s requires an authorization", v)
		}
		return pack(t.solveSigAuth, intent.ABIValue(p, i), wireSolutionOf(s),
			wireAuthCheckOf(auth), []byte(auth.Signature), []wirePermit{})
	default:
		return nil, fmt.Errorf("unknown settlement variant %d", v)
	}
}

// AuthorizeCalldata encodes the matchmaker's on-chain grant for solver.
// Intents and auths are parallel slices.
func AuthorizeCalldata(p intent.Protocol, intents []*intent.Intent, auths []*intent.Authorization, solver common.Address) ([]byte, error) {
	if len(intents) != len(auths) {
		return nil, fmt.Errorf("authorize: %d intents vs %d auths", len(intents), len(auths))
	}
	wireIntents := intent.ABISliceValue(p, intents)
	wireAuths := make([]wireAuthCheck, len(auths))
	for i, a := range auths {
		wireAuths[i] = wireAuthCheckOf(a)
	}
	return pack(methodTable[p].authorize, wireIntents, wireAuths, solver)
}

// IntentStatusCalldata encodes the read of an intent's on-chain state.
func IntentStatusCalldata(p intent.Protocol, intentHash common.Hash) []byte {
	data, err := pack(methodTable[p].intentStatus, intentHash)
	if err != nil {
		// bytes32 packing cannot fail
		panic(err)
	}
	return data
}

// DecodeIntentStatus parses the intentStatus return data.
func DecodeIntentStatus(p intent.Protocol, ret []byte) (*Status, error) {
	out, err := methodTable[p].intentStatus.Outputs.Unpack(ret)
	if err != nil {
		return nil, fmt.Errorf("decode intentStatus: %w", err)
	}
	return &Status{
		IsValidated:  out[0].(bool),
		IsCancelled:  out[1].(bool),
		AmountFilled: abi.ConvertType(out[2], new(big.Int)).(*big.Int),
	}, nil
}

// DecodeSolution recovers the solution tuple from solve calldata. The
// matchmaker side uses it to score bids it did not build.
func DecodeSolution(p intent.Protocol, data []byte) (Variant, *Solution, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("solve calldata too short: %d bytes", len(data))
	}
	t := methodTable[p]
	var (
		m abi.Method
		v Variant
	)
	switch {
	case bytes.Equal(data[:4], t.solve.ID):
		m, v = t.solve, Solve
	case bytes.Equal(data[:4], t.solveOnChain.ID):
		m, v = t.solveOnChain, SolveOnChainAuth
	case bytes.Equal(data[:4], t.solveSigAuth.ID):
		m, v = t.solveSigAuth, SolveSignatureAuth
	default:
		return 0, nil, fmt.Errorf("not a solve selector: 0x%x", data[:4])
	}
	out, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return 0, nil, fmt.Errorf("decode %s: %w", m.RawName, err)
	}
	wire := abi.ConvertType(out[1], new(wireSolution)).(*wireSolution)
	calls := make([]Call, len(wire.Calls))
	for i, c := range wire.Calls {
		calls[i] = Call{To: c.To, Data: c.Data, Value: c.Value}
	}
	return v, &Solution{
		ExecuteAmount: wire.ExecuteAmount,
		Calls:         calls,
		FillAmount:    wire.FillAmount,
	}, nil
}

// Selector returns the 4-byte id of a solve variant, for tests and
// simulation diagnostics.
func Selector(p intent.Protocol, v Variant) [4]byte {
	t := methodTable[p]
	var m abi.Method
	switch v {
	case Solve:
		m = t.solve
	case SolveOnChainAuth:
		m = t.solveOnChain
	default:
		m = t.solveSigAuth
	}
	var id [4]byte
	copy(id[:], m.ID)
	return id
}
