package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errLocked means another writer holds the lock file.
var errLocked = errors.New("lock held")

const lockWaitMax = 5 * time.Second

// acquireLock creates path exclusively, waiting with backoff while another
// writer holds it. A lock file older than stale is treated as abandoned.
func acquireLock(ctx context.Context, path string, stale time.Duration) (func(), error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = lockWaitMax

	err := backoff.Retry(func() error {
		err := tryLock(path, stale)
		if errors.Is(err, errLocked) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return func() { os.Remove(path) }, nil
}

func tryLock(path string, stale time.Duration) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		return f.Close()
	}
	if !os.IsExist(err) {
		return fmt.Errorf("create lock %s: %w", path, err)
	}
	info, statErr := os.Stat(path)
	if statErr == nil && time.Since(info.ModTime()) > stale {
		os.Remove(path)
	}
	return errLocked
}
