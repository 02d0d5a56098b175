// Package listener watches the mempool for transactions carrying Memswap
// intents and feeds the solve queues.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/addrbook"
	"github.com/memswap/solver/internal/chain"
	"github.com/memswap/solver/internal/intent"
	"github.com/memswap/solver/internal/metrics"
	"github.com/memswap/solver/internal/queue"
	"github.com/memswap/solver/internal/solver"
)

// TxFeed is the node surface the listener consumes: the pending-hash
// subscription and the lookup for each hash. *chain.Client satisfies it.
type TxFeed interface {
	SubscribePendingTxHashes(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Listener decodes pending transactions into solve jobs. Decoding never
// propagates failures: the mempool is mostly noise.
type Listener struct {
	book   *addrbook.Book
	codec  *intent.Codec
	node   TxFeed
	queues map[intent.Protocol]*queue.Queue
	rdb    *redis.Client
	met    *metrics.Set
	log    *zap.Logger

	// Concurrency bounds the hash-resolution pool.
	Concurrency int
	// ResubscribeDelay paces reconnects after a dropped subscription.
	ResubscribeDelay time.Duration
}

func New(book *addrbook.Book, codec *intent.Codec, node TxFeed, queues map[intent.Protocol]*queue.Queue, rdb *redis.Client, met *metrics.Set, log *zap.Logger) *Listener {
	return &Listener{
		book:             book,
		codec:            codec,
		node:             node,
		queues:           queues,
		rdb:              rdb,
		met:              met,
		log:              log.Named("listener"),
		Concurrency:      500,
		ResubscribeDelay: 2 * time.Second,
	}
}

// Run blocks until ctx is done, resubscribing whenever the websocket feed
// drops.
func (l *Listener) Run(ctx context.Context) {
	hashes := make(chan common.Hash, 1024)
	var wg sync.WaitGroup
	for n := 0; n < l.Concurrency; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.consume(ctx, hashes)
		}()
	}

	for {
		if err := l.stream(ctx, hashes); err != nil && ctx.Err() == nil {
			l.log.Warn("pending-tx stream interrupted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-time.After(l.ResubscribeDelay):
		}
	}
}

func (l *Listener) stream(ctx context.Context, hashes chan common.Hash) error {
	sub, err := l.node.SubscribePendingTxHashes(ctx, hashes)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-sub.Err():
		return err
	}
}

func (l *Listener) consume(ctx context.Context, hashes <-chan common.Hash) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-hashes:
			l.handle(ctx, h)
		}
	}
}

func (l *Listener) handle(ctx context.Context, hash common.Hash) {
	// Reorgs and gossip replay the same hash, and the queue's dedup key is
	// already gone if the job solved fast. One block of SETNX suppression
	// covers both.
	first, err := l.rdb.SetNX(ctx, "listener:seen:"+hash.Hex(), "1", chain.BlockTime).Result()
	if err != nil {
		l.log.Warn("seen guard unavailable", zap.Error(err))
	} else if !first {
		return
	}

	tx, _, err := l.node.TransactionByHash(ctx, hash)
	if err != nil {
		// Evicted before we got to it, or a transient node error. Either
		// way the hash is not worth chasing.
		return
	}
	entry, ok := intent.ParseCalldata(l.book, tx.To(), tx.Data())
	if !ok {
		return
	}
	q, ok := l.queues[entry.Protocol]
	if !ok {
		return
	}

	job := &solver.Job{Protocol: entry.Protocol, Intent: entry.Intent}
	if entry.HasApproval {
		h := hash
		job.ApprovalTxHash = &h
	}
	ttl := time.Until(time.Unix(int64(entry.Intent.EndTime), 0))
	if ttl <= 0 {
		return
	}

	id, err := job.ID(l.codec)
	if err != nil {
		l.log.Warn("discarding unhashable intent", zap.String("tx", hash.Hex()), zap.Error(err))
		return
	}
	payload, err := job.Encode()
	if err != nil {
		l.log.Warn("discarding unencodable job", zap.String("tx", hash.Hex()), zap.Error(err))
		return
	}
	accepted, err := q.Enqueue(ctx, id, payload, queue.Options{TTL: ttl, MaxAttempts: solver.SolveAttempts})
	if err != nil {
		l.log.Warn("enqueue intent", zap.String("intent", id), zap.Error(err))
		return
	}
	if !accepted {
		return
	}
	if l.met != nil {
		l.met.IntentsSeen.WithLabelValues(entry.Protocol.String(), "mempool").Inc()
	}
	l.log.Info("intent discovered",
		zap.String("protocol", entry.Protocol.String()),
		zap.String("intent", id),
		zap.String("tx", hash.Hex()),
		zap.Bool("carriesApproval", entry.HasApproval))
}
