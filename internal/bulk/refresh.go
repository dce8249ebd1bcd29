package bulk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/segment"
)

// SegmentCheck pins a count refresh to the segment revision it was
// scheduled for. A segment edited mid-refresh keeps its dirty count.
type SegmentCheck struct {
	ID       string `json:"id"`
	Modified int64  `json:"modified"`
}

type refreshPartial struct {
	Counts map[string]int `json:"counts"`
}

type activePartial struct {
	Counts map[string]contactstore.ActiveCounts `json:"counts"`
}

// RefreshCounts recomputes the cached match count of every segment in
// checks. Single-partition tenants are counted inline; larger tenants
// scatter one task per partition and the last worker writes the counts
// back. The returned job id is empty when the refresh ran inline.
func (o *Operator) RefreshCounts(ctx context.Context, tenantID string, checks []SegmentCheck) (string, error) {
	if len(checks) == 0 {
		return "", nil
	}
	store, err := o.store(tenantID)
	if err != nil {
		return "", err
	}
	hashlimit, listIDs, err := o.params(ctx, store, false)
	if err != nil {
		return "", err
	}

	if hashlimit == 1 {
		counts, err := o.refreshPartition(ctx, store, checks, 0, 1, listIDs)
		if err != nil {
			return "", err
		}
		return "", finalizeRefresh(ctx, store, checks, []map[string]int{counts})
	}

	jobID, err := o.gather.Init(ctx, taskRefreshCounts, hashlimit)
	if err != nil {
		return "", err
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := refreshCountsTask{
			Tenant:    tenantID,
			Checks:    checks,
			Partition: partition,
			HashLimit: hashlimit,
			ListIDs:   listIDs,
			JobID:     jobID,
		}
		if _, err := o.queue.Enqueue(ctx, taskRefreshCounts, task, lowPriority); err != nil {
			return "", err
		}
	}
	return jobID, nil
}

// refreshPartition counts the matches of every checked segment within one
// partition using a single row scan.
func (o *Operator) refreshPartition(ctx context.Context, store *contactstore.Store, checks []SegmentCheck, partition, hashlimit int, listIDs []string) (map[string]int, error) {
	segs := make([]*segment.Segment, 0, len(checks))
	closures := make([]map[string]*segment.Segment, 0, len(checks))
	campaignSet := map[string]struct{}{}
	for _, check := range checks {
		seg, err := store.GetSegment(ctx, check.ID)
		if err != nil {
			return nil, err
		}
		if seg == nil || seg.Modified != check.Modified {
			continue
		}
		closure, campaignIDs, err := evalPrep(ctx, store, seg)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
		closures = append(closures, closure)
		for _, id := range campaignIDs {
			campaignSet[id] = struct{}{}
		}
	}
	counts := make(map[string]int, len(segs))
	if len(segs) == 0 {
		return counts, nil
	}

	campaignIDs := make([]string, 0, len(campaignSet))
	for id := range campaignSet {
		campaignIDs = append(campaignIDs, id)
	}
	sent, err := store.SentRows(ctx, campaignIDs, partition, hashlimit)
	if err != nil {
		return nil, err
	}
	rows, err := store.SegmentRows(ctx, partition, listIDs, hashlimit, nil)
	if err != nil {
		return nil, err
	}

	for i, seg := range segs {
		env := segment.NewEnv(closures[i], sent, hashlimit, len(rows))
		n := 0
		for _, row := range rows {
			if segment.EvalSegment(env, seg, row) {
				n++
			}
		}
		counts[seg.ID] = n
	}
	return counts, nil
}

func finalizeRefresh(ctx context.Context, store *contactstore.Store, checks []SegmentCheck, partials []map[string]int) error {
	totals := map[string]int{}
	seen := map[string]bool{}
	for _, partial := range partials {
		for id, n := range partial {
			totals[id] += n
			seen[id] = true
		}
	}
	for _, check := range checks {
		if !seen[check.ID] {
			continue
		}
		if err := store.PatchSegmentCount(ctx, check.ID, totals[check.ID], check.Modified); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) handleRefreshCounts(ctx context.Context, payload json.RawMessage) error {
	var task refreshCountsTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}

	counts, err := o.refreshPartition(ctx, store, task.Checks, task.Partition, task.HashLimit, task.ListIDs)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(refreshPartial{Counts: counts})
	if err != nil {
		return err
	}
	partials, err := o.gather.Complete(ctx, task.JobID, raw, true)
	if err != nil || partials == nil {
		return err
	}

	decoded := make([]map[string]int, 0, len(partials))
	for _, raw := range partials {
		var partial refreshPartial
		if err := decodeJSON(raw, &partial); err != nil {
			return err
		}
		decoded = append(decoded, partial.Counts)
	}
	return finalizeRefresh(ctx, store, task.Checks, decoded)
}

// RefreshActive recomputes the activity-window and status counters cached
// on every list of the tenant.
func (o *Operator) RefreshActive(ctx context.Context, tenantID string) (string, error) {
	store, err := o.store(tenantID)
	if err != nil {
		return "", err
	}
	hashlimit, _, err := o.params(ctx, store, false)
	if err != nil {
		return "", err
	}
	now := time.Now().Unix()

	if hashlimit == 1 {
		counts, err := store.ActiveCountsPartition(ctx, 0, 1, now)
		if err != nil {
			return "", err
		}
		return "", store.PatchActiveCounts(ctx, counts)
	}

	jobID, err := o.gather.Init(ctx, taskRefreshActive, hashlimit)
	if err != nil {
		return "", err
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := refreshActiveTask{
			Tenant:    tenantID,
			Partition: partition,
			HashLimit: hashlimit,
			Now:       now,
			JobID:     jobID,
		}
		if _, err := o.queue.Enqueue(ctx, taskRefreshActive, task, lowPriority); err != nil {
			return "", err
		}
	}
	return jobID, nil
}

func (o *Operator) handleRefreshActive(ctx context.Context, payload json.RawMessage) error {
	var task refreshActiveTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}

	counts, err := store.ActiveCountsPartition(ctx, task.Partition, task.HashLimit, task.Now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(activePartial{Counts: counts})
	if err != nil {
		return err
	}
	partials, err := o.gather.Complete(ctx, task.JobID, raw, true)
	if err != nil || partials == nil {
		return err
	}

	totals := map[string]contactstore.ActiveCounts{}
	for _, raw := range partials {
		var partial activePartial
		if err := decodeJSON(raw, &partial); err != nil {
			return err
		}
		for listID, counts := range partial.Counts {
			sum := totals[listID]
			sum.Add(counts)
			totals[listID] = sum
		}
	}
	return store.PatchActiveCounts(ctx, totals)
}
