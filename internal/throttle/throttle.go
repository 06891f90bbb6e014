// Package throttle bounds the source daemon's resource usage with two
// independently acquirable permit kinds (operations and open files) plus an
// optional iops token bucket. It composes with the data-connection pool's
// own semaphores; neither knows about the other.
package throttle

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Throttle struct {
	ops       *rate.Limiter
	iops      *rate.Limiter
	chunkSize int64
	openFiles *semaphore.Weighted
}

// New builds a throttle. Zero for any limit disables that limit.
// chunkSize is the byte granularity one iops token buys.
func New(opsPerSec, iopsPerSec float64, chunkSize int64, maxOpenFiles int64) *Throttle {
	t := &Throttle{chunkSize: chunkSize}
	if opsPerSec > 0 {
		t.ops = rate.NewLimiter(rate.Limit(opsPerSec), int(opsPerSec)+1)
	}
	if iopsPerSec > 0 {
		if chunkSize <= 0 {
			t.chunkSize = 1 << 20
		}
		t.iops = rate.NewLimiter(rate.Limit(iopsPerSec), int(iopsPerSec)+1)
	}
	if maxOpenFiles > 0 {
		t.openFiles = semaphore.NewWeighted(maxOpenFiles)
	}
	return t
}

// AcquireOp blocks for one operation permit.
func (t *Throttle) AcquireOp(ctx context.Context) error {
	if t == nil || t.ops == nil {
		return nil
	}
	if err := t.ops.Wait(ctx); err != nil {
		return fmt.Errorf("ops throttle: %w", err)
	}
	return nil
}

// AcquireIO blocks for enough iops tokens to move n bytes.
func (t *Throttle) AcquireIO(ctx context.Context, n int64) error {
	if t == nil || t.iops == nil || n <= 0 {
		return nil
	}
	tokens := int((n + t.chunkSize - 1) / t.chunkSize)
	burst := t.iops.Burst()
	for tokens > 0 {
		take := tokens
		if take > burst {
			take = burst
		}
		if err := t.iops.WaitN(ctx, take); err != nil {
			return fmt.Errorf("iops throttle: %w", err)
		}
		tokens -= take
	}
	return nil
}

// AcquireFile blocks for an open-file permit. Callers must pair it with
// ReleaseFile on every exit path.
func (t *Throttle) AcquireFile(ctx context.Context) error {
	if t == nil || t.openFiles == nil {
		return nil
	}
	if err := t.openFiles.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("open-file throttle: %w", err)
	}
	return nil
}

func (t *Throttle) ReleaseFile() {
	if t != nil && t.openFiles != nil {
		t.openFiles.Release(1)
	}
}
