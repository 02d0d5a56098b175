package quote

import (
	"math/big"
	"testing"
)

func TestPriceFromDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"0.5", "500000000000000000"},
		{"0.000000000000000001", "1"},
		{"1795.25", "1795250000000000000000"},
	}
	for _, c := range cases {
		got, err := PriceFromDecimal(c.in)
		if err != nil {
			t.Fatalf("PriceFromDecimal(%q): %v", c.in, err)
		}
		if got.String() != c.want {
			t.Errorf("PriceFromDecimal(%q) = %s, want %s", c.in, got, c.want)
		}
	}
	if _, err := PriceFromDecimal("not-a-number"); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestPriceFromTokensPerEther(t *testing.T) {
	// 2000 tokens per ETH means each token is worth 5e14 wei.
	got, err := PriceFromTokensPerEther("2000")
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "500000000000000" {
		t.Errorf("price = %s, want 500000000000000", got)
	}

	if _, err := PriceFromTokensPerEther("0"); err == nil {
		t.Error("expected error for zero rate")
	}
	if _, err := PriceFromTokensPerEther("-3"); err == nil {
		t.Error("expected error for negative rate")
	}
}

func TestGrossProfit(t *testing.T) {
	// 6-decimal token priced at 5e14 wei per unit.
	plan := &Plan{
		ExecuteAmount: big.NewInt(990_000_000),
		Price:         big.NewInt(500_000_000_000_000),
		Decimals:      6,
	}

	// Buy: bound 1000 units, spend 990 units, profit 10 units = 5e15 wei.
	got := plan.GrossProfit(true, big.NewInt(1_000_000_000))
	if got.String() != "5000000000000000" {
		t.Errorf("buy profit = %s, want 5000000000000000", got)
	}

	// Sell with the same numbers is under water: clamp to zero.
	if got := plan.GrossProfit(false, big.NewInt(1_000_000_000)); got.Sign() != 0 {
		t.Errorf("sell profit = %s, want 0", got)
	}

	// Sell: receive 990 units against a 980-unit floor.
	got = plan.GrossProfit(false, big.NewInt(980_000_000))
	if got.String() != "5000000000000000" {
		t.Errorf("sell profit = %s, want 5000000000000000", got)
	}
}

func TestTokensForWei(t *testing.T) {
	plan := &Plan{
		Price:    big.NewInt(500_000_000_000_000),
		Decimals: 6,
	}
	// 5e15 wei buys back exactly 10 whole units.
	got := plan.TokensForWei(big.NewInt(5_000_000_000_000_000))
	if got.String() != "10000000" {
		t.Errorf("tokens = %s, want 10000000", got)
	}

	// Zero price never converts.
	empty := &Plan{Price: new(big.Int), Decimals: 6}
	if got := empty.TokensForWei(big.NewInt(1)); got.Sign() != 0 {
		t.Errorf("tokens = %s, want 0", got)
	}
}
