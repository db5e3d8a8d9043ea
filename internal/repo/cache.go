package repo

import (
	"context"
	"strconv"
	"time"
)

const balanceTTL = 5 * time.Minute

func balanceKey(accountUUID string) string { return "balance:" + accountUUID }

// CacheBalance writes Redis. Called after a committed mutation with the new balance.
func (r *Repository) CacheBalance(ctx context.Context, accountUUID string, bal int64) error {
	return r.rdb.Set(ctx, balanceKey(accountUUID), strconv.FormatInt(bal, 10), balanceTTL).Err()
}

// FillBalance caches a balance read from the database unless a value is already
// present, so a fill racing a mutation never replaces the mutation's write.
func (r *Repository) FillBalance(ctx context.Context, accountUUID string, bal int64) (bool, error) {
	return r.rdb.SetNX(ctx, balanceKey(accountUUID), strconv.FormatInt(bal, 10), balanceTTL).Result()
}

// GetCachedBalance reads Redis. A miss surfaces as redis.Nil.
func (r *Repository) GetCachedBalance(ctx context.Context, accountUUID string) (int64, error) {
	str, err := r.rdb.Get(ctx, balanceKey(accountUUID)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}

// InvalidateBalance drops the cached value, used when writing the new balance failed.
func (r *Repository) InvalidateBalance(ctx context.Context, accountUUID string) error {
	return r.rdb.Del(ctx, balanceKey(accountUUID)).Err()
}
