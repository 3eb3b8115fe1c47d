package notify

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ConfirmGuard records which purchases already had a confirmation sent.
type ConfirmGuard interface {
	// Claim marks ids as confirmed for ttl and returns the ids that were
	// not claimed before.
	Claim(ctx context.Context, ids []string, ttl time.Duration) ([]string, error)
	// Release drops claims so a later completion can confirm ids again.
	Release(ctx context.Context, ids []string) error
}

// RedisConfirmGuard stores claims as "confirm:<purchase id>" keys.
type RedisConfirmGuard struct {
	Client redis.Cmdable
}

func confirmKey(purchaseID string) string {
	return "confirm:" + purchaseID
}

// Claim issues one SETNX per id in a single pipeline.
func (g RedisConfirmGuard) Claim(ctx context.Context, ids []string, ttl time.Duration) ([]string, error) {
	if g.Client == nil || len(ids) == 0 {
		return ids, nil
	}
	cmds := make([]*redis.BoolCmd, len(ids))
	_, err := g.Client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.SetNX(ctx, confirmKey(id), time.Now().UTC().Format(time.RFC3339), ttl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	claimed := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		if cmd.Val() {
			claimed = append(claimed, ids[i])
		}
	}
	return claimed, nil
}

// Release deletes the claims for ids.
func (g RedisConfirmGuard) Release(ctx context.Context, ids []string) error {
	if g.Client == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = confirmKey(id)
	}
	return g.Client.Del(ctx, keys...).Err()
}
