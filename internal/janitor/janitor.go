package janitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"semcache/internal/cache"
)

// Sweeper is the slice of the cache facade the janitor drives.
type Sweeper interface {
	SweepExpired(ctx context.Context) (cache.SweepResult, error)
}

// Janitor runs the expiry sweep on a cron schedule. Key expiry happens
// server-side in the store; the sweep exists to clear the membership
// sets and chunk sets that expiry leaves behind.
type Janitor struct {
	sweeper  Sweeper
	schedule string
	cron     *cron.Cron
	logger   *log.Logger

	mu       sync.RWMutex
	running  bool
	lastRun  time.Time
	lastSwep cache.SweepResult
}

// New creates a janitor with the given cron schedule.
func New(sweeper Sweeper, schedule string, logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start begins the scheduled sweeps
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	if _, err := j.cron.AddFunc(j.schedule, func() {
		j.sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	j.cron.Start()
	j.running = true
	j.logger.Printf("[Janitor] Started with schedule: %s", j.schedule)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return nil
	}

	ctx := j.cron.Stop()
	j.running = false

	select {
	case <-ctx.Done():
		j.logger.Println("[Janitor] Stopped gracefully")
	case <-time.After(30 * time.Second):
		j.logger.Println("[Janitor] Stop timed out")
	}
	return nil
}

// RunNow executes one sweep immediately, outside the schedule.
func (j *Janitor) RunNow(ctx context.Context) (cache.SweepResult, error) {
	return j.sweep(ctx)
}

// IsRunning returns true if the scheduler is active
func (j *Janitor) IsRunning() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.running
}

// LastSweep reports when the last sweep ran and what it removed.
func (j *Janitor) LastSweep() (time.Time, cache.SweepResult) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastRun, j.lastSwep
}

func (j *Janitor) sweep(ctx context.Context) (cache.SweepResult, error) {
	start := time.Now()
	res, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		j.logger.Printf("[Janitor] Sweep failed after %v: %v", time.Since(start), err)
		return res, err
	}

	j.mu.Lock()
	j.lastRun = start
	j.lastSwep = res
	j.mu.Unlock()

	if res.MembersRemoved > 0 || res.ChunkSetsPurged > 0 {
		j.logger.Printf("[Janitor] Sweep completed in %v: %d members removed, %d chunk sets purged across %d namespaces",
			time.Since(start), res.MembersRemoved, res.ChunkSetsPurged, res.Namespaces)
	}
	return res, nil
}
