package submitter

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/matchmaker"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/relay"
	"github.com/memswap/solver/internal/settlement"
	"github.com/memswap/solver/internal/wallet"
)

var (
	oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	tokenA   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeNode struct {
	head    uint64
	baseFee *big.Int
	nonce   uint64
}

func (n *fakeNode) BlockNumber(ctx context.Context) (uint64, error) { return n.head, nil }

func (n *fakeNode) PaddedBaseFee(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(n.baseFee), nil
}

func (n *fakeNode) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return n.nonce, nil
}

type fakeRelay struct {
	err     error
	bundles []*relay.Bundle
	targets []uint64
}

func (r *fakeRelay) Name() string { return "fake" }

func (r *fakeRelay) Submit(ctx context.Context, b *relay.Bundle, targetBlock uint64) error {
	r.bundles = append(r.bundles, b)
	r.targets = append(r.targets, targetBlock)
	return r.err
}

type subRig struct {
	s      *Service
	node   *fakeNode
	rel    *fakeRelay
	q      *queue.Queue
	rdb    *redis.Client
	codec  *intent.Codec
	solver *wallet.Wallet
	mm     *wallet.Wallet
}

func newWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	w, err := wallet.New(hex.EncodeToString(crypto.FromECDSA(key)), big.NewInt(1))
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w
}

func newSubRig(t *testing.T) *subRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	book, err := addrbook.ForChain(1)
	if err != nil {
		t.Fatalf("address book: %v", err)
	}
	codec := intent.NewCodec(1, book.MemswapERC20, book.MemswapERC721)
	node := &fakeNode{head: 100, baseFee: big.NewInt(13_000_000_000), nonce: 5}
	rel := &fakeRelay{}
	q := queue.New(rdb, "authorize", zap.NewNop())
	mm := newWallet(t)
	return &subRig{
		s:      New(codec, node, mm, rel, q, rdb, nil, zap.NewNop()),
		node:   node,
		rel:    rel,
		q:      q,
		rdb:    rdb,
		codec:  codec,
		solver: newWallet(t),
		mm:     mm,
	}
}

func auctionIntent() *intent.Intent {
	return &intent.Intent{
		IsBuy:     false,
		BuyToken:  tokenB,
		SellToken: tokenA,
		Maker:     common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		Nonce:     big.NewInt(1),
		StartTime: 1_699_999_000,
		EndTime:   1_700_000_600,
		Amount:    new(big.Int).Set(oneEther),
		EndAmount: new(big.Int).Set(oneEther),
	}
}

// bidFor signs a filler transaction carrying the given execute amount and
// wraps it as a posted solution.
func (r *subRig) bidFor(t *testing.T, uuid string, i *intent.Intent, v settlement.Variant, execute *big.Int) *matchmaker.Solution {
	t.Helper()
	calldata, err := settlement.SolveCalldata(intent.ERC20, v, i, &settlement.Solution{
		ExecuteAmount: execute,
		Calls:         []settlement.Call{{To: tokenB, Data: []byte{0xde, 0xad}, Value: new(big.Int)}},
		FillAmount:    new(big.Int).Set(oneEther),
	}, nil)
	if err != nil {
		t.Fatalf("solve calldata: %v", err)
	}
	to := r.codec.SettlementAddress(intent.ERC20)
	tx, err := r.solver.SignTx(r.solver.NewTx(9, &to, new(big.Int), 350_000,
		big.NewInt(1_000_000_000), big.NewInt(14_000_000_000), calldata))
	if err != nil {
		t.Fatalf("sign filler: %v", err)
	}
	raw, err := wallet.RawTx(tx)
	if err != nil {
		t.Fatalf("raw filler: %v", err)
	}
	return &matchmaker.Solution{UUID: uuid, Intent: i, Txs: []hexutil.Bytes{raw}}
}

func (r *subRig) acceptedJob(t *testing.T) *queue.Job {
	t.Helper()
	jobs, err := r.q.Peek(context.Background(), 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("peek: %v (%d jobs)", err, len(jobs))
	}
	return jobs[0]
}

func TestAcceptRunsAuctionAndAuthorizesBestBid(t *testing.T) {
	r := newSubRig(t)
	ctx := context.Background()
	i := auctionIntent()

	low := r.bidFor(t, "bid-low", i, settlement.SolveOnChainAuth,
		new(big.Int).Add(oneEther, big.NewInt(500_000_000_000_000)))
	highExecute := new(big.Int).Add(oneEther, big.NewInt(900_000_000_000_000))
	high := r.bidFor(t, "bid-high", i, settlement.SolveOnChainAuth, highExecute)

	target, err := r.s.Accept(ctx, intent.ERC20, low)
	if err != nil {
		t.Fatalf("accept low: %v", err)
	}
	if target != 101 {
		t.Fatalf("targetBlock = %d, want 101", target)
	}
	if _, err := r.s.Accept(ctx, intent.ERC20, high); err != nil {
		t.Fatalf("accept high: %v", err)
	}

	stats, err := r.q.Stats(ctx)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("waiting = %d, want one deduped job", stats.Waiting)
	}

	job := r.acceptedJob(t)
	if err := r.s.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(r.rel.bundles) != 1 || r.rel.targets[0] != 101 {
		t.Fatalf("submitted %d bundles, targets %v", len(r.rel.bundles), r.rel.targets)
	}

	txs := r.rel.bundles[0].Txs
	if len(txs) != 2 {
		t.Fatalf("bundle holds %d txs, want authorize+filler", len(txs))
	}

	authTx := txs[0]
	if *authTx.To() != r.codec.SettlementAddress(intent.ERC20) {
		t.Fatalf("authorize tx to %s", authTx.To().Hex())
	}
	if authTx.Gas() != settlement.AuthorizeGas || authTx.Nonce() != 5 {
		t.Fatalf("authorize gas %d nonce %d", authTx.Gas(), authTx.Nonce())
	}
	if authTx.GasTipCap().Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("tip = %s, want 1 gwei", authTx.GasTipCap())
	}
	if authTx.GasFeeCap().Cmp(big.NewInt(14_000_000_000)) != 0 {
		t.Fatalf("feeCap = %s", authTx.GasFeeCap())
	}

	intentHash, err := r.codec.IntentHash(intent.ERC20, i)
	if err != nil {
		t.Fatalf("intent hash: %v", err)
	}
	wantCalldata, err := settlement.AuthorizeCalldata(intent.ERC20,
		[]*intent.Intent{i},
		[]*intent.Authorization{{
			IntentHash:           intentHash,
			Solver:               r.solver.Address(),
			FillAmountToCheck:    new(big.Int).Set(oneEther),
			ExecuteAmountToCheck: highExecute,
			BlockDeadline:        101,
		}},
		r.solver.Address())
	if err != nil {
		t.Fatalf("authorize calldata: %v", err)
	}
	if !bytes.Equal(authTx.Data(), wantCalldata) {
		t.Fatal("authorization does not match the winning bid")
	}

	wantFiller, err := wallet.DecodeRawTx(high.Txs[0])
	if err != nil {
		t.Fatalf("decode filler: %v", err)
	}
	if txs[1].Hash() != wantFiller.Hash() {
		t.Fatal("bundle does not carry the winning bid's transactions")
	}
}

func TestHandleNotifiesWinnerWithSignedAuthorization(t *testing.T) {
	r := newSubRig(t)
	ctx := context.Background()
	i := auctionIntent()

	var gotPath string
	var got struct {
		UUID          string                `json:"uuid"`
		Authorization *intent.Authorization `json:"authorization"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Errorf("decode callback: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	sol := r.bidFor(t, "bid", i, settlement.SolveOnChainAuth, oneEther)
	sol.BaseURL = srv.URL
	if _, err := r.s.Accept(ctx, intent.ERC20, sol); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := r.s.Handle(ctx, r.acceptedJob(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if gotPath != "/erc20/authorizations" {
		t.Fatalf("callback path = %q", gotPath)
	}
	if got.UUID != "bid" {
		t.Fatalf("callback uuid = %q", got.UUID)
	}
	if got.Authorization == nil {
		t.Fatal("callback carries no authorization")
	}
	if got.Authorization.BlockDeadline != 101 || got.Authorization.Solver != r.solver.Address() {
		t.Fatalf("authorization = %+v", got.Authorization)
	}
	signer, err := r.codec.RecoverAuthorizationSigner(intent.ERC20, got.Authorization)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if signer != r.mm.Address() {
		t.Fatalf("authorization signed by %s, want the matchmaker", signer.Hex())
	}
}

func TestAcceptRejectsDirectFillVariant(t *testing.T) {
	r := newSubRig(t)
	i := auctionIntent()
	sol := r.bidFor(t, "bid", i, settlement.Solve, new(big.Int).Set(oneEther))

	if _, err := r.s.Accept(context.Background(), intent.ERC20, sol); err == nil {
		t.Fatal("accepted a bid that skips the authorization check")
	}
}

func TestHandleDropsMissedTargetBlock(t *testing.T) {
	r := newSubRig(t)
	ctx := context.Background()
	i := auctionIntent()
	if _, err := r.s.Accept(ctx, intent.ERC20, r.bidFor(t, "bid", i, settlement.SolveOnChainAuth, oneEther)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	job := r.acceptedJob(t)

	r.node.head = 101
	if err := r.s.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(r.rel.bundles) != 0 {
		t.Fatal("submitted past the target block")
	}
}

func TestHandleSubmitsEachSolutionSetOnce(t *testing.T) {
	r := newSubRig(t)
	ctx := context.Background()
	i := auctionIntent()
	if _, err := r.s.Accept(ctx, intent.ERC20, r.bidFor(t, "bid", i, settlement.SolveOnChainAuth, oneEther)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	job := r.acceptedJob(t)

	if err := r.s.Handle(ctx, job); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := r.s.Handle(ctx, job); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if len(r.rel.bundles) != 1 {
		t.Fatalf("submitted %d times, want 1", len(r.rel.bundles))
	}
}

func TestHandleReleasesLockWhenRelayFails(t *testing.T) {
	r := newSubRig(t)
	ctx := context.Background()
	i := auctionIntent()
	if _, err := r.s.Accept(ctx, intent.ERC20, r.bidFor(t, "bid", i, settlement.SolveOnChainAuth, oneEther)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	job := r.acceptedJob(t)

	r.rel.err = relay.ErrNotIncluded
	if err := r.s.Handle(ctx, job); err == nil {
		t.Fatal("relay failure swallowed")
	}

	intentHash, err := r.codec.IntentHash(intent.ERC20, i)
	if err != nil {
		t.Fatalf("intent hash: %v", err)
	}
	lock := auctionKey(intent.ERC20, intentHash, 101) + ":locked"
	if n, err := r.rdb.Exists(ctx, lock).Result(); err != nil || n != 0 {
		t.Fatalf("lock still held after failure (exists=%d, err=%v)", n, err)
	}

	// With the lock back, the retry can land it.
	r.rel.err = nil
	if err := r.s.Handle(ctx, job); err != nil {
		t.Fatalf("retry handle: %v", err)
	}
	if len(r.rel.bundles) != 2 {
		t.Fatalf("bundles = %d, want the retry submission", len(r.rel.bundles))
	}
}

func TestBidScoreFavorsTheMaker(t *testing.T) {
	sell := auctionIntent()
	if bidScore(sell, big.NewInt(200)) <= bidScore(sell, big.NewInt(100)) {
		t.Fatal("sell bids must rank by higher payout")
	}
	buy := auctionIntent()
	buy.IsBuy = true
	if bidScore(buy, big.NewInt(100)) <= bidScore(buy, big.NewInt(200)) {
		t.Fatal("buy bids must rank by lower charge")
	}
}
