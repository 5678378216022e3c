package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dan-solli/patternguard/pkg/ledger"
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dan-solli/patternguard/pkg/store"
	"github.com/dan-solli/patternguard/pkg/workpool"
	"github.com/robfig/cron/v3"
)

// SweepSummary reports what one deep sweep did.
type SweepSummary struct {
	Projects        int
	Validated       int
	Failed          int
	Recovered       int
	RecoveryFailed  int
	OpenAfterRepair int
	Duration        time.Duration
}

// SampleSummary reports what one shallow sampling pass did.
type SampleSummary struct {
	Projects  int
	Validated int
	Dropped   int
	Failed    int
}

// Start schedules the deep sweep and the shallow sampling pass. It is a no-op
// when the cadences are already running.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.closed.Load() {
		return pattern.ErrClosed
	}

	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.scheduler != nil {
		return nil
	}

	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	sched := cron.New()
	if _, err := sched.AddFunc(c.cfg.SweepSpec, c.runSweep); err != nil {
		c.runCancel()
		return fmt.Errorf("invalid sweep cadence %q: %w", c.cfg.SweepSpec, err)
	}
	if _, err := sched.AddFunc(c.cfg.SamplingSpec, c.runSample); err != nil {
		c.runCancel()
		return fmt.Errorf("invalid sampling cadence %q: %w", c.cfg.SamplingSpec, err)
	}
	sched.Start()
	c.scheduler = sched

	c.log().Info("cadences started", "sweep", c.cfg.SweepSpec, "sampling", c.cfg.SamplingSpec)
	return nil
}

// Stop halts the cadences and waits for running passes to return.
func (c *Coordinator) Stop() {
	c.cronMu.Lock()
	sched, cancel := c.scheduler, c.runCancel
	c.scheduler, c.runCancel = nil, nil
	c.cronMu.Unlock()

	if sched == nil {
		return
	}
	cancel()
	<-sched.Stop().Done()
	c.log().Info("cadences stopped")
}

func (c *Coordinator) runSweep() {
	summary, err := c.Sweep(c.runCtx)
	if err != nil {
		c.log().Error("sweep failed", "error", err)
		return
	}
	c.log().Info("sweep finished",
		"projects", summary.Projects,
		"validated", summary.Validated,
		"recovered", summary.Recovered,
		"recovery_failed", summary.RecoveryFailed,
		"duration_ms", summary.Duration.Milliseconds())
}

func (c *Coordinator) runSample() {
	summary, err := c.Sample(c.runCtx)
	if err != nil {
		c.log().Error("sampling failed", "error", err)
		return
	}
	c.log().Debug("sampling finished", "projects", summary.Projects, "validated", summary.Validated, "dropped", summary.Dropped)
}

// Sweep deep-validates every pattern of every project, checks each project
// across stores, and re-invokes recovery for discrepancies that are still open.
func (c *Coordinator) Sweep(ctx context.Context) (SweepSummary, error) {
	start := time.Now()
	var summary SweepSummary

	projects, err := c.stores.Relational.Projects(ctx)
	if err != nil {
		return summary, fmt.Errorf("list projects: %w", err)
	}
	summary.Projects = len(projects)
	c.publishStoreCounts(ctx)

	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if _, err := c.Check(ctx, project, nil); err != nil {
			c.log().Warn("sweep check failed", "project_id", project, "error", err)
		}

		patterns, err := c.stores.Relational.ListPatterns(ctx, store.ListOptions{ProjectID: project})
		if err != nil {
			c.log().Warn("sweep listing failed", "project_id", project, "error", err)
			continue
		}
		validated, failed := c.validateAll(ctx, patterns, true, workpool.Deep)
		summary.Validated += validated
		summary.Failed += failed

		if c.cfg.AutoRecover {
			recovered, recoveryFailed, open := c.retryOpen(ctx, project)
			summary.Recovered += recovered
			summary.RecoveryFailed += recoveryFailed
			summary.OpenAfterRepair += open
		}
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// Sample shallow-validates a random batch of patterns per project. Requests
// dropped under backpressure are counted, never retried.
func (c *Coordinator) Sample(ctx context.Context) (SampleSummary, error) {
	var summary SampleSummary

	projects, err := c.stores.Relational.Projects(ctx)
	if err != nil {
		return summary, fmt.Errorf("list projects: %w", err)
	}
	summary.Projects = len(projects)

	for _, project := range projects {
		patterns, err := c.stores.Relational.ListPatterns(ctx, store.ListOptions{ProjectID: project})
		if err != nil {
			c.log().Warn("sampling listing failed", "project_id", project, "error", err)
			continue
		}
		if n := c.cfg.SamplingBatch; n > 0 && len(patterns) > n {
			rand.Shuffle(len(patterns), func(i, j int) { patterns[i], patterns[j] = patterns[j], patterns[i] })
			patterns = patterns[:n]
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, p := range patterns {
			wg.Add(1)
			go func(p *pattern.Pattern) {
				defer wg.Done()
				_, err := c.Validate(ctx, p.ID, p.Type, false, workpool.Shallow)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					summary.Validated++
				case errors.Is(err, pattern.ErrQueueFull):
					summary.Dropped++
				default:
					summary.Failed++
				}
			}(p)
		}
		wg.Wait()
	}
	return summary, nil
}

// validateAll validates patterns with at most one goroutine per pool worker.
func (c *Coordinator) validateAll(ctx context.Context, patterns []*pattern.Pattern, deep bool, prio workpool.Priority) (validated, failed int) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.pool.Workers())

	for _, p := range patterns {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return validated, failed
		}
		wg.Add(1)
		go func(p *pattern.Pattern) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := c.Validate(ctx, p.ID, p.Type, deep, prio)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				c.log().Warn("validation failed", "pattern_id", p.ID, "error", err)
				return
			}
			validated++
		}(p)
	}
	wg.Wait()
	return validated, failed
}

// retryOpen re-invokes recovery for the project's open discrepancies.
func (c *Coordinator) retryOpen(ctx context.Context, projectID string) (recovered, failed, open int) {
	discrepancies, err := c.ledger.Open(ctx, ledger.DiscrepancyFilter{ProjectID: projectID})
	if err != nil {
		c.log().Warn("failed to list open discrepancies", "project_id", projectID, "error", err)
		return 0, 0, 0
	}

	for _, d := range discrepancies {
		if ctx.Err() != nil {
			break
		}
		attempt, err := c.Recover(ctx, d.ID)
		switch {
		case attempt != nil && attempt.Success:
			recovered++
		case attempt != nil:
			failed++
		case errors.Is(err, pattern.ErrDiscrepancyResolved):
			// Closed by an earlier repair of the same pattern in this pass.
		case err != nil:
			c.log().Warn("recovery skipped", "discrepancy_id", d.ID, "error", err)
		}
	}

	remaining, err := c.ledger.Open(ctx, ledger.DiscrepancyFilter{ProjectID: projectID})
	if err == nil {
		open = len(remaining)
	}
	return recovered, failed, open
}

func (c *Coordinator) publishStoreCounts(ctx context.Context) {
	for _, kind := range pattern.AllStores() {
		a, err := c.stores.Get(kind)
		if err != nil {
			continue
		}
		counter, ok := a.(store.Counter)
		if !ok {
			continue
		}
		n, err := counter.Count(ctx)
		if err != nil {
			c.log().Warn("store count failed", "store", kind, "error", err)
			continue
		}
		c.metrics.SetStorageCount(ctx, string(kind), n)
	}
}
