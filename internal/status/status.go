// Package status keeps a small per-intent progress board in Redis, mainly
// so NFT makers can poll what happened to their order.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// State is the lifecycle stage of an intent as seen by this solver.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// ErrNotFound is returned for intents this solver never saw or whose
// entry already expired.
var ErrNotFound = errors.New("no status entry")

// Entries expire after a day; the board is a progress report, not an
// archive.
const entryTTL = 24 * time.Hour

// Entry is one board row.
type Entry struct {
	State     State        `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	TxHash    *common.Hash `json:"txHash,omitempty"`
	UpdatedAt int64        `json:"updatedAt"`
}

// Board reads and writes status entries.
type Board struct {
	rdb *redis.Client
}

func NewBoard(rdb *redis.Client) *Board {
	return &Board{rdb: rdb}
}

func entryKey(intentHash common.Hash) string {
	return "status:" + intentHash.Hex()
}

func (b *Board) set(ctx context.Context, intentHash common.Hash, e Entry) error {
	e.UpdatedAt = time.Now().Unix()
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.rdb.Set(ctx, entryKey(intentHash), payload, entryTTL).Err(); err != nil {
		return fmt.Errorf("write status for %s: %w", intentHash.Hex(), err)
	}
	return nil
}

// MarkPending records that a fill attempt is underway.
func (b *Board) MarkPending(ctx context.Context, intentHash common.Hash) error {
	return b.set(ctx, intentHash, Entry{State: StatePending})
}

// MarkSuccess records the inclusion transaction.
func (b *Board) MarkSuccess(ctx context.Context, intentHash, txHash common.Hash) error {
	return b.set(ctx, intentHash, Entry{State: StateSuccess, TxHash: &txHash})
}

// MarkFailure records a terse, user-visible reason.
func (b *Board) MarkFailure(ctx context.Context, intentHash common.Hash, reason string) error {
	return b.set(ctx, intentHash, Entry{State: StateFailure, Reason: reason})
}

// Get returns the board entry for an intent.
func (b *Board) Get(ctx context.Context, intentHash common.Hash) (*Entry, error) {
	payload, err := b.rdb.Get(ctx, entryKey(intentHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read status for %s: %w", intentHash.Hex(), err)
	}
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode status for %s: %w", intentHash.Hex(), err)
	}
	return &e, nil
}
