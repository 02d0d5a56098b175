package listener

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/solver"
)

type fakeSub struct {
	errs chan error
}

func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.errs }

type fakeFeed struct {
	mu      sync.Mutex
	txs     map[common.Hash]*types.Transaction
	subs    int
	lookups int
	ch      chan<- common.Hash
	errs    chan error
}

func (f *fakeFeed) SubscribePendingTxHashes(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.ch = ch
	f.errs = make(chan error, 1)
	return &fakeSub{errs: f.errs}, nil
}

func (f *fakeFeed) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, true, nil
}

func (f *fakeFeed) addTx(to common.Address, data []byte) common.Hash {
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), To: &to, Data: data, Gas: 100_000})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txs == nil {
		f.txs = make(map[common.Hash]*types.Transaction)
	}
	f.txs[tx.Hash()] = tx
	return tx.Hash()
}

func (f *fakeFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

func (f *fakeFeed) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type listenerRig struct {
	l    *Listener
	feed *fakeFeed
	q20  *queue.Queue
	rdb  *redis.Client
	book *addrbook.Book
}

func newListenerRig(t *testing.T) *listenerRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	book, err := addrbook.ForChain(1)
	if err != nil {
		t.Fatalf("address book: %v", err)
	}
	codec := intent.NewCodec(1, book.MemswapERC20, book.MemswapERC721)
	feed := &fakeFeed{}
	q20 := queue.New(rdb, "solve:erc20", zap.NewNop())
	q721 := queue.New(rdb, "solve:erc721", zap.NewNop())
	queues := map[intent.Protocol]*queue.Queue{intent.ERC20: q20, intent.ERC721: q721}
	return &listenerRig{
		l:    New(book, codec, feed, queues, rdb, nil, zap.NewNop()),
		feed: feed,
		q20:  q20,
		rdb:  rdb,
		book: book,
	}
}

// carriedCalldata builds approve(settlement, amount) with the intent tuple
// appended, the shape makers broadcast.
func carriedCalldata(t *testing.T, book *addrbook.Book, i *intent.Intent) []byte {
	t.Helper()
	tail, err := intent.EncodeIntent(intent.ERC20, i)
	if err != nil {
		t.Fatalf("encode intent: %v", err)
	}
	return append(chain.ApproveCalldata(book.MemswapERC20, i.EndAmount), tail...)
}

func liveIntent() *intent.Intent {
	return &intent.Intent{
		BuyToken:  common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		SellToken: common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		Maker:     common.HexToAddress("0x00000000000000000000000000000000000000d3"),
		Nonce:     big.NewInt(44),
		StartTime: uint32(time.Now().Add(-time.Minute).Unix()),
		EndTime:   uint32(time.Now().Add(10 * time.Minute).Unix()),
		Amount:    big.NewInt(1_000_000),
		EndAmount: big.NewInt(900_000),
		Signature: []byte{0x01, 0x02},
	}
}

func waiting(t *testing.T, q *queue.Queue) int64 {
	t.Helper()
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	return stats.Waiting
}

func TestHandleEnqueuesCarriedIntent(t *testing.T) {
	r := newListenerRig(t)
	i := liveIntent()
	hash := r.feed.addTx(i.SellToken, carriedCalldata(t, r.book, i))

	r.l.handle(context.Background(), hash)
	if got := waiting(t, r.q20); got != 1 {
		t.Fatalf("waiting = %d, want 1", got)
	}

	jobs, err := r.q20.Peek(context.Background(), 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("peek: %v (%d jobs)", err, len(jobs))
	}
	job, err := solver.DecodeJob(jobs[0].Payload)
	if err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Protocol != intent.ERC20 {
		t.Fatalf("protocol = %s", job.Protocol)
	}
	if job.ApprovalTxHash == nil || *job.ApprovalTxHash != hash {
		t.Fatal("approval hash not carried on the job")
	}
	if job.Intent.Maker != i.Maker || job.Intent.Nonce.Cmp(i.Nonce) != 0 {
		t.Fatal("intent did not round-trip through the queue")
	}

	// The same transaction seen again is suppressed.
	r.l.handle(context.Background(), hash)
	if got := waiting(t, r.q20); got != 1 {
		t.Fatalf("waiting after duplicate = %d, want 1", got)
	}
}

func TestHandleSuppressesRenotifiedTransactions(t *testing.T) {
	r := newListenerRig(t)
	ctx := context.Background()
	i := liveIntent()
	hash := r.feed.addTx(i.SellToken, carriedCalldata(t, r.book, i))

	r.l.handle(ctx, hash)
	if got := waiting(t, r.q20); got != 1 {
		t.Fatalf("waiting = %d, want 1", got)
	}

	// A fast solve finishes the job and releases the queue's dedup key
	// before a reorg replays the hash.
	jobs, err := r.q20.Peek(ctx, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("peek: %v (%d jobs)", err, len(jobs))
	}
	if err := r.rdb.Del(ctx, "q:solve:erc20:dedup:"+jobs[0].ID).Err(); err != nil {
		t.Fatalf("release dedup key: %v", err)
	}

	r.l.handle(ctx, hash)
	if got := waiting(t, r.q20); got != 1 {
		t.Fatalf("waiting after replay = %d, want 1", got)
	}
	// The guard fires before the node lookup.
	if got := r.feed.lookupCount(); got != 1 {
		t.Fatalf("node lookups = %d, want 1", got)
	}
}

func TestHandleIgnoresForeignTraffic(t *testing.T) {
	r := newListenerRig(t)
	// Plain transfer calldata, no intent tail.
	hash := r.feed.addTx(r.book.WETH9, chain.ApproveCalldata(r.book.MemswapERC20, big.NewInt(5)))

	r.l.handle(context.Background(), hash)
	r.l.handle(context.Background(), common.HexToHash("0xdead")) // unknown hash
	if got := waiting(t, r.q20); got != 0 {
		t.Fatalf("waiting = %d, want 0", got)
	}
}

func TestHandleSkipsExpiredIntents(t *testing.T) {
	r := newListenerRig(t)
	i := liveIntent()
	i.StartTime = uint32(time.Now().Add(-2 * time.Hour).Unix())
	i.EndTime = uint32(time.Now().Add(-time.Hour).Unix())
	hash := r.feed.addTx(i.SellToken, carriedCalldata(t, r.book, i))

	r.l.handle(context.Background(), hash)
	if got := waiting(t, r.q20); got != 0 {
		t.Fatalf("waiting = %d, want 0", got)
	}
}

func TestRunResubscribesAfterDrop(t *testing.T) {
	r := newListenerRig(t)
	r.l.Concurrency = 4
	r.l.ResubscribeDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitCond(t, func() bool { return r.feed.subscriptions() == 1 })
	r.feed.mu.Lock()
	r.feed.errs <- context.DeadlineExceeded
	r.feed.mu.Unlock()
	waitCond(t, func() bool { return r.feed.subscriptions() == 2 })

	// The replacement subscription still delivers.
	i := liveIntent()
	hash := r.feed.addTx(i.SellToken, carriedCalldata(t, r.book, i))
	r.feed.mu.Lock()
	ch := r.feed.ch
	r.feed.mu.Unlock()
	ch <- hash
	waitCond(t, func() bool { return waitingQuiet(r.q20) == 1 })
}

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func waitingQuiet(q *queue.Queue) int64 {
	stats, err := q.Stats(context.Background())
	if err != nil {
		return -1
	}
	return stats.Waiting
}
