// Package bulk implements audience-wide operations: paginated finds,
// count refreshes, exports, tagging, and removals. Every operation
// computes its partition parameters, then either runs in-process when the
// tenant fits a single partition or scatters one task per partition and
// gathers the partials.
package bulk

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ignite/audience-engine/internal/blob"
	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/gather"
	"github.com/ignite/audience-engine/internal/segment"
	"github.com/ignite/audience-engine/internal/taskq"
	"github.com/ignite/audience-engine/internal/tenant"
)

// Throttle limits how many messages a route may still send to a domain.
type Throttle interface {
	RemainingCapacity(ctx context.Context, tenantID, route, domain string) (int, error)
}

// Operator ties the bulk operations to their collaborators.
type Operator struct {
	db     *sql.DB
	queue  *taskq.Queue
	gather *gather.Coordinator
	dir    *tenant.Directory
	blobs  blob.Store
	sink   contactstore.Notifier

	// Throttle clamps SendableRows output; nil means unlimited.
	Throttle Throttle
}

// New builds an Operator.
func New(db *sql.DB, queue *taskq.Queue, coord *gather.Coordinator, dir *tenant.Directory, blobs blob.Store, sink contactstore.Notifier) *Operator {
	return &Operator{db: db, queue: queue, gather: coord, dir: dir, blobs: blobs, sink: sink}
}

func (o *Operator) store(tenantID string) (*contactstore.Store, error) {
	return contactstore.New(o.db, tenantID, o.sink)
}

// params resolves the partition fan-out and contributing lists for a
// tenant. approvedOnly drops lists still waiting on review.
func (o *Operator) params(ctx context.Context, store *contactstore.Store, approvedOnly bool) (int, []string, error) {
	lists, err := store.Lists(ctx)
	if err != nil {
		return 0, nil, err
	}

	counts := make([]tenant.ListCount, 0, len(lists))
	listIDs := make([]string, 0, len(lists))
	for _, l := range lists {
		if approvedOnly && l.Unapproved {
			continue
		}
		counts = append(counts, tenant.ListCount{ListID: l.ID, Count: int(l.Count)})
		listIDs = append(listIDs, l.ID)
	}

	hashlimit, err := o.dir.HashLimit(ctx, store.Tenant(), counts)
	if err != nil {
		return 0, nil, err
	}
	return hashlimit, listIDs, nil
}

// evalPrep loads everything one partition evaluation needs beyond the
// rows: the sub-segment closure and the campaign send sets.
func evalPrep(ctx context.Context, store *contactstore.Store, seg *segment.Segment) (map[string]*segment.Segment, []string, error) {
	closure, err := segment.LoadClosure(ctx, store, seg.Parts)
	if err != nil {
		return nil, nil, err
	}
	return closure, segment.CollectCampaignIDs(seg, closure), nil
}

// partitionMatches evaluates a segment against one partition and returns
// the matching rows plus the partition's total row count.
func partitionMatches(ctx context.Context, store *contactstore.Store, seg *segment.Segment, closure map[string]*segment.Segment, campaignIDs []string, partition, hashlimit int, listIDs []string) ([]*segment.Row, int, error) {
	sent, err := store.SentRows(ctx, campaignIDs, partition, hashlimit)
	if err != nil {
		return nil, 0, err
	}
	rows, err := store.SegmentRows(ctx, partition, listIDs, hashlimit, nil)
	if err != nil {
		return nil, 0, err
	}

	env := segment.NewEnv(closure, sent, hashlimit, len(rows))
	var matched []*segment.Row
	for _, row := range rows {
		if segment.EvalSegment(env, seg, row) {
			matched = append(matched, row)
		}
	}
	return matched, len(rows), nil
}

// SendableRows evaluates a segment across every partition and returns the
// matched addresses grouped by domain, each group clamped to the route's
// remaining per-domain capacity. Contacts in a suppressed status or on any
// of the tenant's suppression lists never make it into a group.
func (o *Operator) SendableRows(ctx context.Context, tenantID string, seg *segment.Segment, route string) (map[string][]string, error) {
	store, err := o.store(tenantID)
	if err != nil {
		return nil, err
	}
	hashlimit, listIDs, err := o.params(ctx, store, true)
	if err != nil {
		return nil, err
	}
	closure, campaignIDs, err := evalPrep(ctx, store, seg)
	if err != nil {
		return nil, err
	}
	supplistIDs, err := store.SuppLists(ctx)
	if err != nil {
		return nil, err
	}

	byDomain := make(map[string][]string)
	for partition := 0; partition < hashlimit; partition++ {
		matched, _, err := partitionMatches(ctx, store, seg, closure, campaignIDs, partition, hashlimit, listIDs)
		if err != nil {
			return nil, err
		}
		suppressed, err := store.SuppressionRows(ctx, partition, hashlimit, supplistIDs)
		if err != nil {
			return nil, err
		}
		for _, row := range matched {
			if suppressedStatus(row) {
				continue
			}
			sum := md5.Sum([]byte(row.Email))
			if _, onSupp := suppressed[hex.EncodeToString(sum[:])]; onSupp {
				continue
			}
			domain := row.Domain()
			if domain == "" {
				continue
			}
			byDomain[domain] = append(byDomain[domain], row.Email)
		}
	}

	if o.Throttle != nil {
		for domain, emails := range byDomain {
			capacity, err := o.Throttle.RemainingCapacity(ctx, tenantID, route, domain)
			if err != nil {
				return nil, err
			}
			if capacity <= 0 {
				delete(byDomain, domain)
			} else if len(emails) > capacity {
				byDomain[domain] = emails[:capacity]
			}
		}
	}
	return byDomain, nil
}

// suppressedStatus reports whether a row carries any terminal delivery
// status.
func suppressedStatus(row *segment.Row) bool {
	for _, prop := range []string{"Bounced", "Unsubscribed", "Complained"} {
		vals := row.Props[prop]
		if len(vals) > 0 && isTrue(vals[0]) {
			return true
		}
	}
	return false
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "f", "n", "no", "0":
		return false
	}
	return true
}

func blockKey(jobID string, partition int) string {
	return fmt.Sprintf("segmentexports/%s/%08d.blk", jobID, partition)
}
