package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBudgetExceeded is returned when an acquisition would exceed the budget.
var ErrBudgetExceeded = errors.New("resource: budget exceeded")

// Config holds the limits of one budget.
type Config struct {
	// LimitBytes is the hard limit for the budget.
	// If 0, no hard limit is enforced (only tracking).
	LimitBytes int64

	// IOLimitBytesPerSec is the maximum flush throughput.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller tracks and limits a byte budget shared by every segment of a tier.
type Controller struct {
	cfg Config

	sem  *semaphore.Weighted // nil if unlimited
	used atomic.Int64
	peak atomic.Int64

	ioLimiter *rate.Limiter
}

// NewController creates a new budget controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}

	if cfg.LimitBytes > 0 {
		c.sem = semaphore.NewWeighted(cfg.LimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// Acquire reserves bytes from the budget.
// Returns ErrBudgetExceeded if the limit would be exceeded.
// Non-blocking - callers evict and retry.
func (c *Controller) Acquire(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.sem != nil && !c.sem.TryAcquire(bytes) {
		return ErrBudgetExceeded
	}

	used := c.used.Add(bytes)
	for {
		peak := c.peak.Load()
		if used <= peak || c.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	return nil
}

// Release returns bytes to the budget.
func (c *Controller) Release(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.sem != nil {
		c.sem.Release(bytes)
	}
	c.used.Add(-bytes)
}

// Used returns the currently reserved bytes.
func (c *Controller) Used() int64 {
	if c == nil {
		return 0
	}
	return c.used.Load()
}

// Peak returns the highest reservation observed.
func (c *Controller) Peak() int64 {
	if c == nil {
		return 0
	}
	return c.peak.Load()
}

// Limit returns the configured limit in bytes (0 if unlimited).
func (c *Controller) Limit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.LimitBytes
}

// Available returns the unreserved bytes, or -1 when unlimited.
func (c *Controller) Available() int64 {
	if c == nil || c.cfg.LimitBytes <= 0 {
		return -1
	}
	return c.cfg.LimitBytes - c.used.Load()
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// Requests larger than the burst are split.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// TryAcquireIO attempts to acquire IO tokens without blocking.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}
