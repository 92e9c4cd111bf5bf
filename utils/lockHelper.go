package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/billsync_backend/config"
	"github.com/bsm/redislock"
)

var ErrCycleInProgress = errors.New("a sync cycle is already in progress")

// ObtainCycleLock guards against overlapping sync cycles (a slow previous run
// plus a newly scheduled one). The caller must Release the returned lock.
func ObtainCycleLock(ctx context.Context, lockType string, ttl time.Duration, moduleName string, functionName string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when the redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", lockType, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}

	lockKey := fmt.Sprintf("lock:%s", lockType)
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrCycleInProgress
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining cycle lock", lockKey, err)
		return nil, err
	}
	return lock, nil
}
