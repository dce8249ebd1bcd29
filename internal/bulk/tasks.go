package bulk

import (
	"context"
	"encoding/json"

	"github.com/ignite/audience-engine/internal/segment"
	"github.com/ignite/audience-engine/internal/taskq"
)

const (
	taskFind              = "list_find"
	taskRefreshCounts     = "refresh_segment_counts"
	taskExportBlock       = "export_segment_block"
	taskExportFinal       = "export_segment_final"
	taskExportList        = "export_list"
	taskExportContact     = "export_contact"
	taskTag               = "tag_bucket"
	taskListRemove        = "list_remove_bucket"
	taskRemoveTagAll      = "remove_tag_all_bucket"
	taskEraseDomains      = "erase_domains_bucket"
	taskRemoveListDomains = "remove_list_domains_bucket"
	taskRefreshActive     = "refresh_active_bucket"
)

const (
	highPriority = taskq.High
	lowPriority  = taskq.Low
)

func decodeJSON(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

type findTask struct {
	Tenant    string           `json:"tenant"`
	Segment   *segment.Segment `json:"segment"`
	Sort      SortSpec         `json:"sort"`
	Before    string           `json:"before,omitempty"`
	After     string           `json:"after,omitempty"`
	Partition int              `json:"partition"`
	HashLimit int              `json:"hashlimit"`
	ListIDs   []string         `json:"list_ids"`
	JobID     string           `json:"job_id"`
}

type refreshCountsTask struct {
	Tenant    string         `json:"tenant"`
	Checks    []SegmentCheck `json:"checks"`
	Partition int            `json:"partition"`
	HashLimit int            `json:"hashlimit"`
	ListIDs   []string       `json:"list_ids"`
	JobID     string         `json:"job_id"`
}

type exportBlockTask struct {
	Tenant    string   `json:"tenant"`
	SegmentID string   `json:"segment_id"`
	Partition int      `json:"partition"`
	HashLimit int      `json:"hashlimit"`
	ListIDs   []string `json:"list_ids"`
	JobID     string   `json:"job_id"`
	ExportID  string   `json:"export_id"`
	Path      string   `json:"path"`
}

type exportFinalTask struct {
	Tenant    string   `json:"tenant"`
	BlockPath string   `json:"block_path"`
	AllProps  []string `json:"allprops"`
	ExportID  string   `json:"export_id"`
	Path      string   `json:"path"`
}

type exportListTask struct {
	Tenant   string   `json:"tenant"`
	ListID   string   `json:"list_id"`
	AllProps []string `json:"allprops"`
	ExportID string   `json:"export_id"`
	Path     string   `json:"path"`
}

type exportContactTask struct {
	Tenant   string `json:"tenant"`
	Email    string `json:"email"`
	Erase    bool   `json:"erase"`
	ExportID string `json:"export_id"`
	Path     string `json:"path"`
}

type tagTask struct {
	Tenant    string           `json:"tenant"`
	Segment   *segment.Segment `json:"segment"`
	Partition int              `json:"partition"`
	HashLimit int              `json:"hashlimit"`
	ListIDs   []string         `json:"list_ids"`
	Tags      []string         `json:"tags"`
}

type listRemoveTask struct {
	Tenant    string           `json:"tenant"`
	Segment   *segment.Segment `json:"segment"`
	Partition int              `json:"partition"`
	HashLimit int              `json:"hashlimit"`
	ListIDs   []string         `json:"list_ids"`
	ListID    string           `json:"list_id"`
}

type removeTagAllTask struct {
	Tenant    string `json:"tenant"`
	Partition int    `json:"partition"`
	HashLimit int    `json:"hashlimit"`
	Tag       string `json:"tag"`
	JobID     string `json:"job_id"`
}

type eraseDomainsTask struct {
	Tenant    string   `json:"tenant"`
	Partition int      `json:"partition"`
	HashLimit int      `json:"hashlimit"`
	Domains   []string `json:"domains"`
	JobID     string   `json:"job_id"`
}

type removeListDomainsTask struct {
	Tenant    string   `json:"tenant"`
	Partition int      `json:"partition"`
	HashLimit int      `json:"hashlimit"`
	ListID    string   `json:"list_id"`
	Domains   []string `json:"domains"`
	JobID     string   `json:"job_id"`
}

type refreshActiveTask struct {
	Tenant    string `json:"tenant"`
	Partition int    `json:"partition"`
	HashLimit int    `json:"hashlimit"`
	Now       int64  `json:"now"`
	JobID     string `json:"job_id"`
}

// RegisterHandlers binds every bulk task to the worker.
func (o *Operator) RegisterHandlers(w *taskq.Worker) {
	w.Register(taskFind, o.handleFind)
	w.Register(taskRefreshCounts, o.handleRefreshCounts)
	w.Register(taskExportBlock, o.handleExportBlock)
	w.Register(taskExportFinal, o.handleExportFinal)
	w.Register(taskExportList, o.handleExportList)
	w.Register(taskExportContact, o.handleExportContact)
	w.Register(taskTag, o.handleTag)
	w.Register(taskListRemove, o.handleListRemove)
	w.Register(taskRemoveTagAll, o.handleRemoveTagAll)
	w.Register(taskEraseDomains, o.handleEraseDomains)
	w.Register(taskRemoveListDomains, o.handleRemoveListDomains)
	w.Register(taskRefreshActive, o.handleRefreshActive)
}

func (o *Operator) handleFind(ctx context.Context, payload json.RawMessage) error {
	var task findTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}

	partial, err := o.findPartition(ctx, store, task.Segment, task.Sort, task.Before, task.After, task.Partition, task.HashLimit, task.ListIDs)
	if err != nil {
		partial = FindPartial{Error: err.Error()}
	}
	raw, err := json.Marshal(partial)
	if err != nil {
		return err
	}
	_, err = o.gather.Complete(ctx, task.JobID, raw, false)
	return err
}
