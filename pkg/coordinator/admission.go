package coordinator

import (
	"context"

	"github.com/dan-solli/patternguard/pkg/pattern"
)

// admitIntegrity persists a validation result unless a newer epoch has already
// been admitted for the pattern. Flagging assigns discrepancy IDs in place, and
// stores the validation confirmed as agreeing have their open discrepancies resolved.
func (c *Coordinator) admitIntegrity(ctx context.Context, r *pattern.IntegrityResult) {
	ctx = context.WithoutCancel(ctx)

	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	if last := c.patternEpochs[r.PatternID]; r.Epoch < last {
		c.log().Debug("stale validation discarded", "pattern_id", r.PatternID, "epoch", r.Epoch, "latest", last)
		return
	}
	c.patternEpochs[r.PatternID] = r.Epoch

	if err := c.flag(ctx, r.Discrepancies); err != nil {
		c.log().Error("failed to flag discrepancies", "pattern_id", r.PatternID, "error", err)
	}
	if r.ProjectID != "" {
		probed := []pattern.StoreKind{pattern.Relational}
		for _, s := range r.Snapshots {
			probed = append(probed, s.Store)
		}
		c.resolveAgreeing(ctx, r.PatternID, probed, r.Discrepancies)
	}

	if err := c.ledger.RecordIntegrity(ctx, r); err != nil {
		c.log().Error("failed to record integrity result", "pattern_id", r.PatternID, "error", err)
	}
	if r.ProjectID != "" {
		c.observeLocked(ctx, r.ProjectID)
	}
}

// admitReport persists a consistency report unless a newer report was admitted
// for the project. Pattern lines older than the pattern's latest admitted epoch
// neither flag nor resolve anything.
func (c *Coordinator) admitReport(ctx context.Context, r *pattern.ConsistencyReport) {
	ctx = context.WithoutCancel(ctx)

	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	if last := c.projectEpochs[r.ProjectID]; r.Epoch < last {
		c.log().Debug("stale report discarded", "project_id", r.ProjectID, "epoch", r.Epoch, "latest", last)
		return
	}
	c.projectEpochs[r.ProjectID] = r.Epoch

	byPattern := make(map[string][]pattern.Discrepancy)
	for _, d := range r.Discrepancies {
		byPattern[d.PatternID] = append(byPattern[d.PatternID], d)
	}

	var fresh []pattern.Discrepancy
	for _, line := range r.Patterns {
		if last := c.patternEpochs[line.PatternID]; r.Epoch < last {
			c.log().Debug("stale pattern line discarded", "pattern_id", line.PatternID, "epoch", r.Epoch, "latest", last)
			continue
		}
		c.patternEpochs[line.PatternID] = r.Epoch
		fresh = append(fresh, byPattern[line.PatternID]...)
		c.resolveAgreeing(ctx, line.PatternID, pattern.AllStores(), byPattern[line.PatternID])
	}

	flagged, err := c.flagged(ctx, fresh)
	if err != nil {
		c.log().Error("failed to flag discrepancies", "project_id", r.ProjectID, "error", err)
	} else {
		ids := make(map[string]string, len(flagged))
		for _, d := range flagged {
			ids[d.Key()] = d.ID
		}
		for i := range r.Discrepancies {
			if id, ok := ids[r.Discrepancies[i].Key()]; ok {
				r.Discrepancies[i].ID = id
			}
		}
	}

	if err := c.ledger.RecordConsistency(ctx, r); err != nil {
		c.log().Error("failed to record consistency report", "project_id", r.ProjectID, "error", err)
	}
	c.observeLocked(ctx, r.ProjectID)
}

// flag registers ds and writes the assigned IDs and severities back into ds.
func (c *Coordinator) flag(ctx context.Context, ds []pattern.Discrepancy) error {
	flagged, err := c.flagged(ctx, ds)
	if err != nil {
		return err
	}
	copy(ds, flagged)
	return nil
}

func (c *Coordinator) flagged(ctx context.Context, ds []pattern.Discrepancy) ([]pattern.Discrepancy, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	return c.ledger.Flag(ctx, ds)
}

// resolveAgreeing closes open discrepancies in every probed store that produced
// no discrepancy of any kind, timeouts included.
func (c *Coordinator) resolveAgreeing(ctx context.Context, patternID string, probed []pattern.StoreKind, ds []pattern.Discrepancy) {
	disagree := make(map[pattern.StoreKind]bool, len(ds))
	for _, d := range ds {
		disagree[d.Store] = true
	}
	for _, kind := range probed {
		if disagree[kind] {
			continue
		}
		n, err := c.ledger.Resolve(ctx, patternID, kind)
		if err != nil {
			c.log().Error("failed to resolve discrepancies", "pattern_id", patternID, "store", kind, "error", err)
			continue
		}
		if n > 0 {
			c.log().Info("discrepancy resolved", "pattern_id", patternID, "store", kind, "count", n)
		}
	}
}

func (c *Coordinator) observe(ctx context.Context, projectID string) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()
	c.observeLocked(context.WithoutCancel(ctx), projectID)
}

func (c *Coordinator) observeLocked(ctx context.Context, projectID string) {
	if projectID == "" {
		return
	}
	if _, err := c.monitor.Observe(ctx, projectID); err != nil {
		c.log().Error("failed to update health", "project_id", projectID, "error", err)
	}
	c.publishOpenCounts(ctx)
}

func (c *Coordinator) publishOpenCounts(ctx context.Context) {
	counts, err := c.ledger.OpenCounts(ctx)
	if err != nil {
		c.log().Warn("failed to count open discrepancies", "error", err)
		return
	}
	for _, reason := range []pattern.DiscrepancyReason{pattern.ReasonMissing, pattern.ReasonChecksumMismatch, pattern.ReasonStale} {
		c.metrics.SetOpenDiscrepancies(ctx, string(reason), counts[reason])
	}
}
