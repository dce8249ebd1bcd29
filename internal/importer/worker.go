package importer

import (
	"context"
	"encoding/json"

	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/pkg/pgutil"
	"github.com/ignite/audience-engine/internal/taskq"
)

const taskWriteBlock = "write_block"

// deadlockRetries bounds how often a block write restarts after losing a
// deadlock abort to a concurrent partition task.
const deadlockRetries = 100

type writeBlockTask struct {
	Tenant   string                `json:"tenant"`
	Kind     contactstore.ListKind `json:"kind"`
	ListID   string                `json:"list_id"`
	BlockKey string                `json:"block_key"`
	Props    []string              `json:"props"`
	Opts     Options               `json:"opts"`
	JobID    string                `json:"job_id"`
}

type writePartial struct {
	Count        int64                     `json:"count"`
	DomainCounts map[string]int64          `json:"domain_counts"`
	Stats        contactstore.StatusCounts `json:"stats"`
}

// RegisterHandlers binds the import tasks to the worker.
func (im *Importer) RegisterHandlers(w *taskq.Worker) {
	w.Register(taskWriteBlock, im.handleWriteBlock)
}

func (im *Importer) handleWriteBlock(ctx context.Context, payload json.RawMessage) error {
	var task writeBlockTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return err
	}
	store, err := contactstore.New(im.db, task.Tenant, im.sink)
	if err != nil {
		return err
	}

	partial, err := im.writeBlock(ctx, store, task)
	if err != nil {
		if failErr := store.SetProcessing(ctx, task.Kind, task.ListID, "", err.Error()); failErr != nil {
			return failErr
		}
		return err
	}
	raw, err := json.Marshal(partial)
	if err != nil {
		return err
	}
	partials, err := im.gather.Complete(ctx, task.JobID, raw, true)
	if err != nil || partials == nil {
		return err
	}
	if err := im.finalize(ctx, store, task, partials); err != nil {
		if failErr := store.SetProcessing(ctx, task.Kind, task.ListID, "", err.Error()); failErr != nil {
			return failErr
		}
		return err
	}
	return nil
}

func (im *Importer) writeBlock(ctx context.Context, store *contactstore.Store, task writeBlockTask) (writePartial, error) {
	data, err := im.blobs.Get(ctx, task.BlockKey)
	if err != nil {
		return writePartial{}, err
	}
	rows, err := decodeBlock(data)
	if err != nil {
		return writePartial{}, err
	}

	var partial writePartial
	opts := contactstore.FeedOptions{Override: task.Opts.Override, Unsubscribe: task.Opts.Unsubscribe}
	err = pgutil.RetryDeadlock(ctx, deadlockRetries, func() error {
		var err error
		partial.Count, partial.DomainCounts, partial.Stats, err = store.ImportRows(ctx, task.Kind, task.ListID, rows, opts)
		return err
	})
	if err != nil {
		return writePartial{}, err
	}
	if err := im.blobs.Delete(ctx, task.BlockKey); err != nil {
		return writePartial{}, err
	}
	return partial, nil
}

// finalize folds the block partials into the list's cached aggregates,
// clears the processing flag, and gives the tenant directory a chance to
// grow the partition fan-out.
func (im *Importer) finalize(ctx context.Context, store *contactstore.Store, task writeBlockTask, partials []json.RawMessage) error {
	var count int64
	domains := map[string]int64{}
	var stats contactstore.StatusCounts
	for _, raw := range partials {
		var partial writePartial
		if err := json.Unmarshal(raw, &partial); err != nil {
			return err
		}
		count += partial.Count
		for domain, n := range partial.DomainCounts {
			domains[domain] += n
		}
		stats.Add(partial.Stats)
	}

	if task.Kind == contactstore.KindSupp {
		if err := store.BumpSuppCount(ctx, task.ListID, count); err != nil {
			return err
		}
	} else {
		if err := store.BumpListDomains(ctx, im.db, task.ListID, domains); err != nil {
			return err
		}
		if err := store.PatchListStats(ctx, im.db, task.ListID, count, stats, task.Props); err != nil {
			return err
		}
		if err := store.SetProcessing(ctx, task.Kind, task.ListID, "", ""); err != nil {
			return err
		}
		if im.Post != nil && count > 0 && !task.Opts.SkipValidation {
			im.Post.ImportFinished(ctx, store.Tenant(), task.ListID, count)
		}
	}
	return im.dir.Reshard(ctx, store.Tenant())
}
