package matchmaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/memswap/solver/internal/chain"
)

// ErrNoSolution is returned when a uuid has no cached solution, either
// because it never existed or because its window lapsed.
var ErrNoSolution = errors.New("no cached solution")

// Posted solutions stay retrievable for four blocks. A matchmaker that
// has not called back by then has picked someone else.
const solutionTTL = 4 * chain.BlockTime

// SolutionCache keeps posted solve jobs addressable by the uuid handed to
// the matchmaker, so the authorization callback can resume them.
type SolutionCache struct {
	rdb *redis.Client
}

func NewSolutionCache(rdb *redis.Client) *SolutionCache {
	return &SolutionCache{rdb: rdb}
}

func solutionKey(uuid string) string {
	return "solver:" + uuid
}

// Put stores the serialized job payload under the uuid.
func (c *SolutionCache) Put(ctx context.Context, uuid string, payload []byte) error {
	if err := c.rdb.Set(ctx, solutionKey(uuid), payload, solutionTTL).Err(); err != nil {
		return fmt.Errorf("cache solution %s: %w", uuid, err)
	}
	return nil
}

// Get returns the payload stored under the uuid.
func (c *SolutionCache) Get(ctx context.Context, uuid string) ([]byte, error) {
	payload, err := c.rdb.Get(ctx, solutionKey(uuid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSolution
	}
	if err != nil {
		return nil, fmt.Errorf("load solution %s: %w", uuid, err)
	}
	return payload, nil
}
