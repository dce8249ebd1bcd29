package bulk

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/segment"
)

// pageSize is the row window a find returns per call.
const pageSize = 50

// builtinProps render after the custom columns, in this order.
var builtinProps = []string{
	"Opened",
	"Clicked",
	"Soft Bounced",
	"Bounced",
	"Complained",
	"Unsubscribed",
}

// SortSpec names the column a find orders by.
type SortSpec struct {
	ID   string `json:"id"`
	Desc bool   `json:"desc,omitempty"`
}

// FindPartial is one partition's contribution to a find.
type FindPartial struct {
	Rows        []map[string]string `json:"rows"`
	Count       int                 `json:"count"`
	Sort        SortSpec            `json:"sort"`
	Before      string              `json:"before,omitempty"`
	After       string              `json:"after,omitempty"`
	HasPrevious bool                `json:"has_previous"`
	HasNext     bool                `json:"has_next"`
	Error       string              `json:"error,omitempty"`
}

// FindResult is the merged page returned to the caller.
type FindResult struct {
	AllProps    []string            `json:"allprops"`
	Rows        []map[string]string `json:"rows"`
	Count       int                 `json:"count"`
	HasPrevious bool                `json:"has_previous"`
	HasNext     bool                `json:"has_next"`
	Error       string              `json:"error,omitempty"`
}

// Find evaluates a segment and returns one page of matching contacts.
// Single-partition tenants resolve synchronously; larger tenants return a
// job id the caller polls with FindStatus.
func (o *Operator) Find(ctx context.Context, tenantID string, seg *segment.Segment, sortBy SortSpec, before, after string) (*FindResult, string, error) {
	store, err := o.store(tenantID)
	if err != nil {
		return nil, "", err
	}
	hashlimit, listIDs, err := o.params(ctx, store, false)
	if err != nil {
		return nil, "", err
	}

	if hashlimit == 1 {
		partial, err := o.findPartition(ctx, store, seg, sortBy, before, after, 0, 1, listIDs)
		if err != nil {
			return nil, "", err
		}
		return mergeFind([]FindPartial{partial}), "", nil
	}

	jobID, err := o.gather.Init(ctx, taskFind, hashlimit)
	if err != nil {
		return nil, "", err
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := findTask{
			Tenant:    tenantID,
			Segment:   seg,
			Sort:      sortBy,
			Before:    before,
			After:     after,
			Partition: partition,
			HashLimit: hashlimit,
			ListIDs:   listIDs,
			JobID:     jobID,
		}
		if _, err := o.queue.Enqueue(ctx, taskFind, task, highPriority); err != nil {
			return nil, "", err
		}
	}
	return nil, jobID, nil
}

// FindStatus polls a scattered find. Returns nil while partitions are
// still working.
func (o *Operator) FindStatus(ctx context.Context, jobID string) (*FindResult, error) {
	partials, err := o.gather.Check(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if partials == nil {
		return nil, nil
	}

	decoded := make([]FindPartial, 0, len(partials))
	for _, raw := range partials {
		var p FindPartial
		if err := decodeJSON(raw, &p); err != nil {
			return nil, err
		}
		decoded = append(decoded, p)
	}
	return mergeFind(decoded), nil
}

func (o *Operator) findPartition(ctx context.Context, store *contactstore.Store, seg *segment.Segment, sortBy SortSpec, before, after string, partition, hashlimit int, listIDs []string) (FindPartial, error) {
	closure, campaignIDs, err := evalPrep(ctx, store, seg)
	if err != nil {
		return FindPartial{}, err
	}
	matched, _, err := partitionMatches(ctx, store, seg, closure, campaignIDs, partition, hashlimit, listIDs)
	if err != nil {
		return FindPartial{}, err
	}

	tmp := make([]map[string]string, 0, len(matched))
	for _, row := range matched {
		tmp = append(tmp, fixRow(row))
	}
	return paginate(tmp, sortBy, before, after), nil
}

// fixRow flattens an evaluation row into the single-value find projection.
func fixRow(r *segment.Row) map[string]string {
	out := map[string]string{"Email": r.Email}
	for k, v := range r.Props {
		if strings.HasPrefix(k, "!") {
			continue
		}
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}

	tagSet := r.TagSet()
	if len(tagSet) > 0 {
		tags := make([]string, 0, len(tagSet))
		for tag := range tagSet {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		out["!!tags"] = strings.Join(tags, ",")
	}
	if r.Added != 0 {
		out["!!added"] = strconv.FormatInt(r.Added, 10)
	}
	return out
}

// paginate sorts one partition's matches and cuts the page window around
// the before/after cursor.
func paginate(tmp []map[string]string, sortBy SortSpec, before, after string) FindPartial {
	sort.SliceStable(tmp, func(i, j int) bool {
		return tmp[i][sortBy.ID] < tmp[j][sortBy.ID]
	})
	if sortBy.Desc {
		for i, j := 0, len(tmp)-1; i < j; i, j = i+1, j-1 {
			tmp[i], tmp[j] = tmp[j], tmp[i]
		}
	}

	count := len(tmp)
	var found []map[string]string
	var hasPrevious, hasNext bool
	switch {
	case before != "":
		for _, f := range tmp {
			if f[sortBy.ID] < before {
				found = append(found, f)
			} else {
				break
			}
		}
		hasPrevious = len(found) > pageSize
		hasNext = len(tmp) > len(found)
	case after != "":
		for _, f := range tmp {
			if f[sortBy.ID] > after {
				found = append(found, f)
			}
		}
		hasPrevious = len(tmp) > len(found)
		hasNext = len(found) > pageSize
	default:
		found = tmp
		hasNext = len(found) > pageSize
	}

	rows := found
	if before != "" {
		if len(rows) > pageSize {
			rows = rows[len(rows)-pageSize:]
		}
	} else if len(rows) > pageSize {
		rows = rows[:pageSize]
	}

	return FindPartial{
		Rows:        rows,
		Count:       count,
		Sort:        sortBy,
		Before:      before,
		After:       after,
		HasPrevious: hasPrevious,
		HasNext:     hasNext,
	}
}

// mergeFind folds partition pages into the final page: re-sort, re-cut,
// and collect the union of columns.
func mergeFind(partials []FindPartial) *FindResult {
	var rows []map[string]string
	var sortBy SortSpec
	var before string
	count := 0
	hasPrevious, hasNext := false, false

	for _, p := range partials {
		if p.Error != "" {
			return &FindResult{Error: p.Error}
		}
		rows = append(rows, p.Rows...)
		count += p.Count
		sortBy = p.Sort
		if p.Before != "" {
			before = p.Before
		}
		if p.HasPrevious {
			hasPrevious = true
		}
		if p.HasNext {
			hasNext = true
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i][sortBy.ID] < rows[j][sortBy.ID]
	})
	if sortBy.Desc {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	if before != "" && !hasPrevious {
		hasPrevious = len(rows) > pageSize
	} else if !hasNext {
		hasNext = len(rows) > pageSize
	}

	if before != "" {
		if len(rows) > pageSize {
			rows = rows[len(rows)-pageSize:]
		}
	} else if len(rows) > pageSize {
		rows = rows[:pageSize]
	}

	props := make(map[string]struct{})
	for _, row := range rows {
		for p := range row {
			if p != "Email" {
				props[p] = struct{}{}
			}
		}
	}

	return &FindResult{
		AllProps:    sortProps(props),
		Rows:        rows,
		Count:       count,
		HasPrevious: hasPrevious,
		HasNext:     hasNext,
	}
}

// sortProps orders find columns: Email, tags, customs alphabetically,
// builtins last in their fixed order.
func sortProps(props map[string]struct{}) []string {
	ret := []string{"Email"}
	if _, ok := props["!!tags"]; ok {
		delete(props, "!!tags")
		ret = append(ret, "!!tags")
	}

	var builtins []string
	for _, prop := range builtinProps {
		if _, ok := props[prop]; ok {
			delete(props, prop)
			builtins = append(builtins, prop)
		}
	}

	customs := make([]string, 0, len(props))
	for p := range props {
		customs = append(customs, p)
	}
	sort.Slice(customs, func(i, j int) bool {
		return strings.ToLower(customs[i]) < strings.ToLower(customs[j])
	})

	ret = append(ret, customs...)
	ret = append(ret, builtins...)
	return ret
}
