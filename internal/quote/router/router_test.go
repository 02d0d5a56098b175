package router

import (
	"bytes"
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/intent"
)

var (
	usdc      = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	universal = common.HexToAddress("0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45")
)

type staticDecimals uint8

func (d staticDecimals) TokenDecimals(_ context.Context, _ common.Address) (uint8, error) {
	return uint8(d), nil
}

func testBook(t *testing.T) *addrbook.Book {
	t.Helper()
	book, err := addrbook.ForChain(1)
	if err != nil {
		t.Fatal(err)
	}
	return book
}

func routeJSON(quote, value string) string {
	return `{
		"quote": "` + quote + `",
		"estimatedGasUsed": "113000",
		"methodParameters": {
			"calldata": "0x24856bc3",
			"value": "` + value + `",
			"to": "` + universal.Hex() + `"
		}
	}`
}

// newClient backs the adapter with a fake routing service. Price probes
// (exact-in quotes against WETH for one whole unit) get a fixed 5e14
// rate; everything else gets the main response.
func newClient(t *testing.T, mainJSON string) *Client {
	t.Helper()
	book := testBook(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		probe := q.Get("type") == "exactIn" &&
			q.Get("tokenOutAddress") == book.WETH9.Hex() &&
			q.Get("amount") == "1000000"
		if probe {
			w.Write([]byte(routeJSON("500000000000000", "0x0")))
			return
		}
		w.Write([]byte(mainJSON))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, book, staticDecimals(6), zap.NewNop())
}

func TestSolveBuyUsesPermit2Sequence(t *testing.T) {
	book := testBook(t)
	client := newClient(t, routeJSON("1000000000", "0x0"))

	i := &intent.Intent{
		IsBuy:     true,
		BuyToken:  book.WETH9,
		SellToken: usdc,
	}
	plan, err := client.Solve(context.Background(), intent.ERC20, i, big.NewInt(500_000_000_000_000_000))
	if err != nil {
		t.Fatal(err)
	}

	// Quoted input padded 1%.
	if plan.ExecuteAmount.String() != "1010000000" {
		t.Errorf("execute = %s, want 1010000000", plan.ExecuteAmount)
	}

	// approve token -> Permit2, Permit2 approve -> router, router call.
	if len(plan.Calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(plan.Calls))
	}
	if plan.Calls[0].To != usdc {
		t.Errorf("call 0 to %s, want the input token", plan.Calls[0].To.Hex())
	}
	if !bytes.Equal(plan.Calls[0].Data, chain.ApproveCalldata(book.Permit2, plan.ExecuteAmount)) {
		t.Error("call 0 is not the Permit2 token approval")
	}
	if plan.Calls[1].To != book.Permit2 {
		t.Errorf("call 1 to %s, want Permit2", plan.Calls[1].To.Hex())
	}
	if plan.Calls[2].To != universal {
		t.Errorf("call 2 to %s, want the router", plan.Calls[2].To.Hex())
	}

	// Execute token priced through the probe.
	if plan.Price.String() != "500000000000000" {
		t.Errorf("price = %s, want 500000000000000", plan.Price)
	}
	if plan.Decimals != 6 {
		t.Errorf("decimals = %d, want 6", plan.Decimals)
	}
	if plan.GasEstimate != 113000 {
		t.Errorf("gas = %d, want 113000", plan.GasEstimate)
	}
}

func TestSolveSellUnwrapsAndTrims(t *testing.T) {
	book := testBook(t)
	client := newClient(t, routeJSON("500000000000000000", "0x6f05b59d3b20000"))

	i := &intent.Intent{
		IsBuy:     false,
		BuyToken:  book.WETH9,
		SellToken: book.MemswapWETH,
	}
	fill := big.NewInt(500_000_000_000_000_000)
	plan, err := client.Solve(context.Background(), intent.ERC20, i, fill)
	if err != nil {
		t.Fatal(err)
	}

	// Quoted output trimmed 1%.
	if plan.ExecuteAmount.String() != "495000000000000000" {
		t.Errorf("execute = %s, want 495000000000000000", plan.ExecuteAmount)
	}

	if len(plan.Calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(plan.Calls))
	}
	if !bytes.Equal(plan.Calls[0].Data, chain.WithdrawCalldata(fill)) {
		t.Error("call 0 is not withdraw of the fill amount")
	}
	// Native input rides on the router call.
	if plan.Calls[1].Value.Cmp(fill) != 0 {
		t.Errorf("router call value = %s, want %s", plan.Calls[1].Value, fill)
	}

	// WETH output needs no probe.
	if plan.Price.String() != "1000000000000000000" {
		t.Errorf("price = %s", plan.Price)
	}
}

func TestParseHexValue(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0x0", "0"},
		{"0x00", "0"},
		{"0x6f05b59d3b20000", "500000000000000000"},
		{"", "0"},
	}
	for _, c := range cases {
		got, err := parseHexValue(c.in)
		if err != nil {
			t.Fatalf("parseHexValue(%q): %v", c.in, err)
		}
		if got.String() != c.want {
			t.Errorf("parseHexValue(%q) = %s, want %s", c.in, got, c.want)
		}
	}
	if _, err := parseHexValue("0xzz"); err == nil {
		t.Error("expected error for malformed hex")
	}
}
