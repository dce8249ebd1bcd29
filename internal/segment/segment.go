package segment

import (
	"context"
	"errors"
	"fmt"
)

// Segment is a stored audience definition.
type Segment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Operator string `json:"operator"` // and, or, nor
	Parts    []Part `json:"parts"`
	Modified int64  `json:"modified,omitempty"`
	Count    int    `json:"count,omitempty"`

	Subset     bool    `json:"subset,omitempty"`
	SubsetType string  `json:"subsettype,omitempty"` // count, percent
	SubsetNum  int     `json:"subsetnum,omitempty"`
	SubsetPct  float64 `json:"subsetpct,omitempty"`
	SubsetSort string  `json:"subsetsort,omitempty"` // "", oldest, newest
}

// Validate rejects empty or structurally broken definitions.
func (s *Segment) Validate() error {
	if len(s.Parts) == 0 {
		return errors.New("segment: no rules in segment")
	}
	switch s.Operator {
	case "and", "or", "nor":
	default:
		return fmt.Errorf("segment: unknown operator %q", s.Operator)
	}
	for i := range s.Parts {
		if err := s.Parts[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Loader fetches stored segments by id. A nil segment with nil error means
// the id is unknown; the evaluator then treats insegment as false and
// notinsegment as true.
type Loader interface {
	GetSegment(ctx context.Context, id string) (*Segment, error)
}

// CollectSegmentIDs walks the parts and records every sub-segment id
// referenced by insegment/notinsegment tests, including addl siblings and
// nested groups.
func CollectSegmentIDs(parts []Part, ids map[string]struct{}) {
	for i := range parts {
		collectSegmentIDs(&parts[i], ids)
	}
}

func collectSegmentIDs(p *Part, ids map[string]struct{}) {
	switch p.Kind {
	case KindLists:
		if p.Lists != nil && (p.Lists.Operator == "insegment" || p.Lists.Operator == "notinsegment") {
			ids[p.Lists.Segment] = struct{}{}
		}
	case KindGroup:
		if p.Group != nil {
			CollectSegmentIDs(p.Group.Parts, ids)
		}
	}
	for i := range p.Addl {
		collectSegmentIDs(&p.Addl[i], ids)
	}
}

// LoadClosure resolves every sub-segment transitively reachable from parts.
// Unknown ids map to nil so the evaluator can distinguish "missing" from
// "not loaded".
func LoadClosure(ctx context.Context, loader Loader, parts []Part) (map[string]*Segment, error) {
	closure := make(map[string]*Segment)
	if err := loadClosure(ctx, loader, parts, closure); err != nil {
		return nil, err
	}
	return closure, nil
}

func loadClosure(ctx context.Context, loader Loader, parts []Part, closure map[string]*Segment) error {
	ids := make(map[string]struct{})
	CollectSegmentIDs(parts, ids)
	for id := range ids {
		if _, seen := closure[id]; seen {
			continue
		}
		seg, err := loader.GetSegment(ctx, id)
		if err != nil {
			return fmt.Errorf("load segment %s: %w", id, err)
		}
		closure[id] = seg
		if seg != nil {
			if err := loadClosure(ctx, loader, seg.Parts, closure); err != nil {
				return err
			}
		}
	}
	return nil
}

// CollectCampaignIDs returns every campaign id referenced by sent/notsent
// tests in the segment and its resolved sub-segments. The partition tasks
// load sent-row sets for exactly these campaigns.
func CollectCampaignIDs(seg *Segment, closure map[string]*Segment) []string {
	ids := make(map[string]struct{})
	collectCampaignIDs(seg.Parts, ids)
	for _, sub := range closure {
		if sub != nil {
			collectCampaignIDs(sub.Parts, ids)
		}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

func collectCampaignIDs(parts []Part, ids map[string]struct{}) {
	for i := range parts {
		p := &parts[i]
		switch p.Kind {
		case KindResponses:
			if p.Responses != nil && (p.Responses.Action == "sent" || p.Responses.Action == "notsent") {
				if c := p.Responses.SentCampaign(); c != "" {
					ids[c] = struct{}{}
				}
			}
		case KindGroup:
			if p.Group != nil {
				collectCampaignIDs(p.Group.Parts, ids)
			}
		}
		for j := range p.Addl {
			a := &p.Addl[j]
			if a.Kind == KindResponses && a.Responses != nil &&
				(a.Responses.Action == "sent" || a.Responses.Action == "notsent") {
				if c := a.Responses.SentCampaign(); c != "" {
					ids[c] = struct{}{}
				}
			}
		}
	}
}

// ErrCycle is returned when an edited segment references itself through its
// transitive sub-segment closure.
var ErrCycle = errors.New("segment: cyclic segment reference")

// CheckCycles walks the referenced-id set transitively and rejects the edit
// if the edited segment's own id reappears.
func CheckCycles(ctx context.Context, loader Loader, editedID string, parts []Part) error {
	seen := make(map[string]struct{})
	frontier := make(map[string]struct{})
	CollectSegmentIDs(parts, frontier)

	for len(frontier) > 0 {
		next := make(map[string]struct{})
		for id := range frontier {
			if id == editedID {
				return ErrCycle
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			seg, err := loader.GetSegment(ctx, id)
			if err != nil {
				return fmt.Errorf("cycle check %s: %w", id, err)
			}
			if seg != nil {
				CollectSegmentIDs(seg.Parts, next)
			}
		}
		frontier = next
	}
	return nil
}
