package reservoir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/quote"
	"github.com/memswap/solver/internal/wallet"
)

// solverKey is a throwaway test key; solverAddr is the address it
// resolves to.
const solverKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var (
	collection  = common.HexToAddress("0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D")
	marketplace = common.HexToAddress("0x00000000000000ADc04C56Bf30aC9d3c0aAF14dC")
	maker       = common.HexToAddress("0x1111111111111111111111111111111111111111")
	solverAddr  = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func testBook(t *testing.T) *addrbook.Book {
	t.Helper()
	book, err := addrbook.ForChain(1)
	if err != nil {
		t.Fatal(err)
	}
	return book
}

func testSigner(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.New(solverKey, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func purchaseSteps(value string) string {
	return `{
		"steps": [{
			"id": "sale",
			"kind": "transaction",
			"items": [{
				"status": "incomplete",
				"data": {"from": "0x0", "to": "` + marketplace.Hex() + `", "data": "0xabcdef01", "value": "` + value + `"}
			}]
		}],
		"path": [{"orderId": "o1", "tokenId": "123", "quantity": 1, "rawQuote": "` + value + `"}]
	}`
}

func TestSolveRoutesThroughSettlement(t *testing.T) {
	book := testBook(t)
	var reqs []buyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req buyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		reqs = append(reqs, req)
		w.Write([]byte(purchaseSteps("50000000000000000")))
	}))
	t.Cleanup(srv.Close)
	client := New(srv.URL, "test-key", book, testSigner(t), zap.NewNop())

	i := &intent.Intent{
		IsBuy:           true,
		BuyToken:        collection,
		SellToken:       book.MemswapWETH,
		Maker:           maker,
		IsCriteriaOrder: true,
	}
	plan, err := client.Solve(context.Background(), intent.ERC721, i, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}

	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].Taker != maker.Hex() || reqs[0].Relayer != book.MemswapERC721.Hex() {
		t.Errorf("taker/relayer = %s/%s", reqs[0].Taker, reqs[0].Relayer)
	}
	if !reqs[0].SkipBalanceCheck {
		t.Error("balance check not skipped")
	}
	if reqs[0].Items[0].Collection != collection.Hex() {
		t.Errorf("collection = %q", reqs[0].Items[0].Collection)
	}

	// Withdraw the maker's wrapped native, then buy.
	if len(plan.Calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(plan.Calls))
	}
	if !bytes.Equal(plan.Calls[0].Data, chain.WithdrawCalldata(big.NewInt(50_000_000_000_000_000))) {
		t.Error("call 0 is not withdraw of the purchase total")
	}
	if plan.Calls[1].To != marketplace {
		t.Errorf("call 1 to %s, want the marketplace", plan.Calls[1].To.Hex())
	}
	if plan.Calls[1].Value.String() != "50000000000000000" {
		t.Errorf("call 1 value = %s", plan.Calls[1].Value)
	}
	if len(plan.PreTxs) != 0 {
		t.Errorf("preTxs = %d, want 0", len(plan.PreTxs))
	}

	if plan.ExecuteAmount.String() != "50000000000000000" {
		t.Errorf("execute = %s", plan.ExecuteAmount)
	}
	if plan.FillAmount.String() != "1" {
		t.Errorf("fill = %s", plan.FillAmount)
	}
	if plan.Decimals != 18 {
		t.Errorf("decimals = %d, want 18", plan.Decimals)
	}
}

func TestSolveFallsBackToSolverSidePurchase(t *testing.T) {
	book := testBook(t)
	var reqs []buyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req buyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		reqs = append(reqs, req)
		if req.Relayer != "" {
			// This marketplace wants a taker signature: a contract relayer
			// cannot provide one.
			w.Write([]byte(`{"steps":[{"id":"auth","kind":"signature","items":[{"status":"incomplete"}]}],"path":[]}`))
			return
		}
		w.Write([]byte(purchaseSteps("70000000000000000")))
	}))
	t.Cleanup(srv.Close)
	client := New(srv.URL, "", book, testSigner(t), zap.NewNop())

	i := &intent.Intent{
		IsBuy:             true,
		BuyToken:          collection,
		SellToken:         book.MemswapWETH,
		Maker:             maker,
		TokenIDOrCriteria: big.NewInt(123),
	}
	plan, err := client.Solve(context.Background(), intent.ERC721, i, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}

	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[1].Taker != solverAddr.Hex() || reqs[1].Relayer != "" {
		t.Errorf("fallback taker/relayer = %s/%s", reqs[1].Taker, reqs[1].Relayer)
	}
	if reqs[1].Items[0].Token != collection.Hex()+":123" {
		t.Errorf("fallback item = %q", reqs[1].Items[0].Token)
	}

	// Purchase from the solver account, then grant the settlement operator
	// rights so the callback can move the token.
	if len(plan.PreTxs) != 2 {
		t.Fatalf("preTxs = %d, want 2", len(plan.PreTxs))
	}
	if plan.PreTxs[0].To != marketplace || plan.PreTxs[0].Value.String() != "70000000000000000" {
		t.Errorf("purchase preTx = %s value %s", plan.PreTxs[0].To.Hex(), plan.PreTxs[0].Value)
	}
	if plan.PreTxs[1].To != collection {
		t.Errorf("approval preTx to %s, want the collection", plan.PreTxs[1].To.Hex())
	}
	if !bytes.Equal(plan.PreTxs[1].Data, chain.SetApprovalForAllCalldata(book.MemswapERC721, true)) {
		t.Error("approval preTx is not setApprovalForAll")
	}

	// The callback hands the purchased token to the maker.
	if len(plan.Calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(plan.Calls))
	}
	if !bytes.Equal(plan.Calls[0].Data, chain.TransferFromCalldata(solverAddr, maker, big.NewInt(123))) {
		t.Error("call 0 is not the maker hand-over")
	}

	if plan.ExecuteAmount.String() != "70000000000000000" {
		t.Errorf("execute = %s", plan.ExecuteAmount)
	}
	if plan.FillAmount.String() != "1" {
		t.Errorf("fill = %s", plan.FillAmount)
	}
}

func TestSolveAnswersMarketplaceAuthChallenge(t *testing.T) {
	book := testBook(t)
	const challenge = "Sign in to procure listings"

	var authQuery string
	var authBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/execute/auth-signature/v1" {
			authQuery = r.URL.Query().Get("signature")
			var err error
			if authBody, err = io.ReadAll(r.Body); err != nil {
				t.Errorf("read auth body: %v", err)
			}
			w.Write([]byte(`{}`))
			return
		}
		var req buyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Relayer != "" {
			// A contract relayer cannot answer the challenge.
			w.Write([]byte(`{"steps":[{"id":"auth","kind":"signature","items":[{"status":"incomplete"}]}],"path":[]}`))
			return
		}
		w.Write([]byte(`{
			"steps": [{
				"id": "auth",
				"kind": "signature",
				"items": [{
					"status": "incomplete",
					"data": {
						"sign": {"signatureKind": "eip191", "message": "` + challenge + `"},
						"post": {"endpoint": "/execute/auth-signature/v1", "method": "POST", "body": {"kind": "blur"}}
					}
				}]
			}, {
				"id": "sale",
				"kind": "transaction",
				"items": [{
					"status": "incomplete",
					"data": {"to": "` + marketplace.Hex() + `", "data": "0xabcdef01", "value": "70000000000000000"}
				}]
			}],
			"path": [{"orderId": "o1", "tokenId": "123", "quantity": 1}]
		}`))
	}))
	t.Cleanup(srv.Close)
	client := New(srv.URL, "", book, testSigner(t), zap.NewNop())

	i := &intent.Intent{
		IsBuy:             true,
		BuyToken:          collection,
		SellToken:         book.MemswapWETH,
		Maker:             maker,
		TokenIDOrCriteria: big.NewInt(123),
	}
	plan, err := client.Solve(context.Background(), intent.ERC721, i, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}

	// The challenge signature was posted back and recovers to the solver.
	if authQuery == "" {
		t.Fatal("auth challenge never answered")
	}
	sig, err := hexutil.Decode(authQuery)
	if err != nil || len(sig) != 65 {
		t.Fatalf("signature %q: %v", authQuery, err)
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	norm[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(challenge)), norm)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != solverAddr {
		t.Fatal("challenge not signed by the solver key")
	}
	if !bytes.Contains(authBody, []byte(`"blur"`)) {
		t.Fatalf("post-back body = %s", authBody)
	}

	// The purchase steps after the challenge still become the plan.
	if len(plan.PreTxs) != 2 {
		t.Fatalf("preTxs = %d, want purchase+approval", len(plan.PreTxs))
	}
	if plan.PreTxs[0].To != marketplace || plan.PreTxs[0].Value.String() != "70000000000000000" {
		t.Errorf("purchase preTx = %s value %s", plan.PreTxs[0].To.Hex(), plan.PreTxs[0].Value)
	}
	if len(plan.Calls) != 1 {
		t.Fatalf("calls = %d, want the maker hand-over", len(plan.Calls))
	}
	if !bytes.Equal(plan.Calls[0].Data, chain.TransferFromCalldata(solverAddr, maker, big.NewInt(123))) {
		t.Error("call 0 is not the maker hand-over")
	}
	if plan.ExecuteAmount.String() != "70000000000000000" {
		t.Errorf("execute = %s", plan.ExecuteAmount)
	}
}

func TestSolveRejectsUnpayableIntents(t *testing.T) {
	book := testBook(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	}))
	t.Cleanup(srv.Close)
	client := New(srv.URL, "", book, testSigner(t), zap.NewNop())

	// Sells are out of scope for the NFT module.
	_, err := client.Solve(context.Background(), intent.ERC721, &intent.Intent{IsBuy: false}, big.NewInt(1))
	if !errors.Is(err, quote.ErrUnsupported) {
		t.Errorf("sell err = %v, want ErrUnsupported", err)
	}

	// Payment in a random ERC-20 has no conversion path.
	i := &intent.Intent{
		IsBuy:     true,
		BuyToken:  collection,
		SellToken: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	}
	_, err = client.Solve(context.Background(), intent.ERC721, i, big.NewInt(1))
	if !errors.Is(err, quote.ErrUnsupported) {
		t.Errorf("payment err = %v, want ErrUnsupported", err)
	}
}
