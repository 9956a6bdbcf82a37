// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
)

const defaultTargetRefresh = 10 * time.Second

// TargetCache wraps a TargetStore and serves ListEnabled from an in-memory
// snapshot, so matching targets at enqueue time never waits on target
// storage. Writes pass through to the inner store and refresh the snapshot;
// a background loop refreshes on an interval to pick up out-of-band changes.
type TargetCache struct {
	inner    TargetStore
	logger   *slog.Logger
	interval time.Duration

	mu      sync.RWMutex
	enabled []domain.DeliveryTarget

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewTargetCache(inner TargetStore, interval time.Duration, logger *slog.Logger) *TargetCache {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultTargetRefresh
	}

	c := &TargetCache{
		inner:    inner,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
	c.refresh()

	c.wg.Add(1)
	go c.refreshLoop()

	return c
}

// Close stops the background refresher.
func (c *TargetCache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

func (c *TargetCache) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.refresh()
		}
	}
}

// refresh replaces the snapshot. A failed load keeps the last known
// snapshot so transient storage outages do not stop matching.
func (c *TargetCache) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	enabled, err := c.inner.ListEnabled(ctx)
	if err != nil {
		c.logger.Error("refresh target snapshot failed", "error", err)
		return
	}

	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// ListEnabled returns a copy of the current snapshot without touching
// storage.
func (c *TargetCache) ListEnabled(ctx context.Context) ([]domain.DeliveryTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.DeliveryTarget, len(c.enabled))
	copy(out, c.enabled)
	return out, nil
}

func (c *TargetCache) Create(ctx context.Context, t domain.DeliveryTarget) (domain.DeliveryTarget, error) {
	created, err := c.inner.Create(ctx, t)
	if err == nil {
		c.refresh()
	}
	return created, err
}

func (c *TargetCache) Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryTarget, error) {
	return c.inner.Get(ctx, tenantID, id)
}

func (c *TargetCache) List(ctx context.Context, tenantID string) ([]domain.DeliveryTarget, error) {
	return c.inner.List(ctx, tenantID)
}

func (c *TargetCache) SetEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error {
	err := c.inner.SetEnabled(ctx, tenantID, id, enabled)
	if err == nil {
		c.refresh()
	}
	return err
}

func (c *TargetCache) SetLastError(ctx context.Context, tenantID string, id uuid.UUID, lastError string) error {
	err := c.inner.SetLastError(ctx, tenantID, id, lastError)
	if err == nil {
		c.refresh()
	}
	return err
}

func (c *TargetCache) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	err := c.inner.Delete(ctx, tenantID, id)
	if err == nil {
		c.refresh()
	}
	return err
}
