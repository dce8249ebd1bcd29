package bulk

import (
	"context"
	"encoding/json"

	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/segment"
)

type eraseDomainsPartial struct {
	Result contactstore.EraseDomainsResult `json:"result"`
}

type removeListDomainsPartial struct {
	Stats contactstore.StatusCounts `json:"stats"`
}

// Tag applies tag deltas to every contact matching a segment. Entries
// prefixed with "-" are removed instead of added.
func (o *Operator) Tag(ctx context.Context, tenantID string, seg *segment.Segment, tags []string) error {
	store, err := o.store(tenantID)
	if err != nil {
		return err
	}
	hashlimit, listIDs, err := o.params(ctx, store, false)
	if err != nil {
		return err
	}

	if hashlimit == 1 {
		return o.tagPartition(ctx, store, seg, 0, 1, listIDs, tags)
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := tagTask{
			Tenant:    tenantID,
			Segment:   seg,
			Partition: partition,
			HashLimit: hashlimit,
			ListIDs:   listIDs,
			Tags:      tags,
		}
		if _, err := o.queue.Enqueue(ctx, taskTag, task, lowPriority); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) tagPartition(ctx context.Context, store *contactstore.Store, seg *segment.Segment, partition, hashlimit int, listIDs, tags []string) error {
	closure, campaignIDs, err := evalPrep(ctx, store, seg)
	if err != nil {
		return err
	}
	matched, _, err := partitionMatches(ctx, store, seg, closure, campaignIDs, partition, hashlimit, listIDs)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}
	emails := make([]string, len(matched))
	for i, row := range matched {
		emails[i] = row.Email
	}
	return store.UpdateTags(ctx, emails, tags)
}

func (o *Operator) handleTag(ctx context.Context, payload json.RawMessage) error {
	var task tagTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}
	return o.tagPartition(ctx, store, task.Segment, task.Partition, task.HashLimit, task.ListIDs, task.Tags)
}

// RemoveFromList drops every contact matching a segment from one list.
// Contacts left without any membership are destroyed.
func (o *Operator) RemoveFromList(ctx context.Context, tenantID string, seg *segment.Segment, listID string) error {
	store, err := o.store(tenantID)
	if err != nil {
		return err
	}
	hashlimit, listIDs, err := o.params(ctx, store, false)
	if err != nil {
		return err
	}

	if hashlimit == 1 {
		return o.listRemovePartition(ctx, store, seg, 0, 1, listIDs, listID)
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := listRemoveTask{
			Tenant:    tenantID,
			Segment:   seg,
			Partition: partition,
			HashLimit: hashlimit,
			ListIDs:   listIDs,
			ListID:    listID,
		}
		if _, err := o.queue.Enqueue(ctx, taskListRemove, task, lowPriority); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) listRemovePartition(ctx context.Context, store *contactstore.Store, seg *segment.Segment, partition, hashlimit int, listIDs []string, listID string) error {
	closure, campaignIDs, err := evalPrep(ctx, store, seg)
	if err != nil {
		return err
	}
	matched, _, err := partitionMatches(ctx, store, seg, closure, campaignIDs, partition, hashlimit, listIDs)
	if err != nil {
		return err
	}

	var emails []string
	for _, row := range matched {
		for _, id := range row.Lists {
			if id == listID {
				emails = append(emails, row.Email)
				break
			}
		}
	}
	if len(emails) == 0 {
		return nil
	}
	_, err = store.RemoveListContacts(ctx, listID, emails)
	return err
}

func (o *Operator) handleListRemove(ctx context.Context, payload json.RawMessage) error {
	var task listRemoveTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}
	return o.listRemovePartition(ctx, store, task.Segment, task.Partition, task.HashLimit, task.ListIDs, task.ListID)
}

// RemoveTagEverywhere strips a tag from every contact of the tenant and
// then drops the tag itself.
func (o *Operator) RemoveTagEverywhere(ctx context.Context, tenantID, tag string) error {
	store, err := o.store(tenantID)
	if err != nil {
		return err
	}
	hashlimit, _, err := o.params(ctx, store, false)
	if err != nil {
		return err
	}

	if hashlimit == 1 {
		if err := store.RemoveTagPartition(ctx, 0, 1, tag); err != nil {
			return err
		}
		return store.DeleteTag(ctx, tag)
	}

	jobID, err := o.gather.Init(ctx, taskRemoveTagAll, hashlimit)
	if err != nil {
		return err
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := removeTagAllTask{
			Tenant:    tenantID,
			Partition: partition,
			HashLimit: hashlimit,
			Tag:       tag,
			JobID:     jobID,
		}
		if _, err := o.queue.Enqueue(ctx, taskRemoveTagAll, task, lowPriority); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) handleRemoveTagAll(ctx context.Context, payload json.RawMessage) error {
	var task removeTagAllTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}
	if err := store.RemoveTagPartition(ctx, task.Partition, task.HashLimit, task.Tag); err != nil {
		return err
	}
	partials, err := o.gather.Complete(ctx, task.JobID, json.RawMessage(`{}`), true)
	if err != nil || partials == nil {
		return err
	}
	return store.DeleteTag(ctx, task.Tag)
}

// EraseDomains destroys every contact of the tenant whose address
// belongs to one of the given domains, adjusting the cached counters of
// every affected list.
func (o *Operator) EraseDomains(ctx context.Context, tenantID string, domains []string) error {
	store, err := o.store(tenantID)
	if err != nil {
		return err
	}
	hashlimit, _, err := o.params(ctx, store, false)
	if err != nil {
		return err
	}

	if hashlimit == 1 {
		result, err := store.EraseDomainsPartition(ctx, 0, 1, domains)
		if err != nil {
			return err
		}
		return store.EraseDomainsFinalize(ctx, domains, []contactstore.EraseDomainsResult{result})
	}

	jobID, err := o.gather.Init(ctx, taskEraseDomains, hashlimit)
	if err != nil {
		return err
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := eraseDomainsTask{
			Tenant:    tenantID,
			Partition: partition,
			HashLimit: hashlimit,
			Domains:   domains,
			JobID:     jobID,
		}
		if _, err := o.queue.Enqueue(ctx, taskEraseDomains, task, lowPriority); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) handleEraseDomains(ctx context.Context, payload json.RawMessage) error {
	var task eraseDomainsTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}

	result, err := store.EraseDomainsPartition(ctx, task.Partition, task.HashLimit, task.Domains)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(eraseDomainsPartial{Result: result})
	if err != nil {
		return err
	}
	partials, err := o.gather.Complete(ctx, task.JobID, raw, true)
	if err != nil || partials == nil {
		return err
	}

	results := make([]contactstore.EraseDomainsResult, 0, len(partials))
	for _, raw := range partials {
		var partial eraseDomainsPartial
		if err := decodeJSON(raw, &partial); err != nil {
			return err
		}
		results = append(results, partial.Result)
	}
	return store.EraseDomainsFinalize(ctx, task.Domains, results)
}

// RemoveListDomains drops every member of one list whose address belongs
// to one of the given domains.
func (o *Operator) RemoveListDomains(ctx context.Context, tenantID, listID string, domains []string) error {
	store, err := o.store(tenantID)
	if err != nil {
		return err
	}
	hashlimit, _, err := o.params(ctx, store, false)
	if err != nil {
		return err
	}

	if hashlimit == 1 {
		stats, err := store.RemoveListDomainsPartition(ctx, 0, 1, listID, domains)
		if err != nil {
			return err
		}
		return store.RemoveListDomainsFinalize(ctx, listID, domains, []contactstore.StatusCounts{stats})
	}

	jobID, err := o.gather.Init(ctx, taskRemoveListDomains, hashlimit)
	if err != nil {
		return err
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := removeListDomainsTask{
			Tenant:    tenantID,
			Partition: partition,
			HashLimit: hashlimit,
			ListID:    listID,
			Domains:   domains,
			JobID:     jobID,
		}
		if _, err := o.queue.Enqueue(ctx, taskRemoveListDomains, task, lowPriority); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) handleRemoveListDomains(ctx context.Context, payload json.RawMessage) error {
	var task removeListDomainsTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}

	stats, err := store.RemoveListDomainsPartition(ctx, task.Partition, task.HashLimit, task.ListID, task.Domains)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(removeListDomainsPartial{Stats: stats})
	if err != nil {
		return err
	}
	partials, err := o.gather.Complete(ctx, task.JobID, raw, true)
	if err != nil || partials == nil {
		return err
	}

	all := make([]contactstore.StatusCounts, 0, len(partials))
	for _, raw := range partials {
		var partial removeListDomainsPartial
		if err := decodeJSON(raw, &partial); err != nil {
			return err
		}
		all = append(all, partial.Stats)
	}
	return store.RemoveListDomainsFinalize(ctx, task.ListID, task.Domains, all)
}
