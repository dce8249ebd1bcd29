// Package segment implements audience definitions: the predicate tree, the
// per-row evaluator, deterministic subset sampling, and the reference
// helpers (sub-segment closure, campaign collection, cycle detection).
//
// Evaluation is pure per row. The only cross-row state is subset sampling,
// which keeps running per-segment match counts inside the Env.
package segment

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the predicate node variants.
type Kind string

const (
	KindInfo      Kind = "Info"
	KindLists     Kind = "Lists"
	KindResponses Kind = "Responses"
	KindGroup     Kind = "Group"
)

// Part is one node of a predicate tree. Exactly one of the variant fields
// matching Kind is set. Addl siblings are OR'd with the node into a single
// disjunction unit before the parent operator combines it.
type Part struct {
	Kind      Kind
	Info      *InfoTest
	Lists     *ListsTest
	Responses *ResponsesTest
	Group     *GroupTest
	Addl      []Part
}

// InfoTest matches contact properties, tags, or the added timestamp.
// Test selects the mode: "" for a property comparison, "tag"/"notag" for
// tag membership, "added" for a time-window test.
type InfoTest struct {
	Test     string `json:"test,omitempty"`
	Prop     string `json:"prop,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
	Tag      string `json:"tag,omitempty"`

	AddedType  string `json:"addedtype,omitempty"` // inpast, between
	AddedNum   int    `json:"addednum,omitempty"`  // days
	AddedStart string `json:"addedstart,omitempty"`
	AddedEnd   string `json:"addedend,omitempty"`
}

// WildcardProp matches the comparison against every property value plus
// the contact's tags.
const WildcardProp = "!!*"

// DomainProp is the synthetic property holding the address domain.
const DomainProp = "Domain"

// ListsTest matches list membership or delegates to another segment.
type ListsTest struct {
	Operator string `json:"operator"` // in, notin, insegment, notinsegment
	List     string `json:"list,omitempty"`
	Segment  string `json:"segment,omitempty"`
}

// ResponsesTest matches event history: sends, opens, clicks, and client
// attribute sets.
type ResponsesTest struct {
	Action string `json:"action"`

	// from
	FromType    string `json:"fromtype,omitempty"` // device, os, browser, country, region, zip
	FromDevice  string `json:"fromdevice,omitempty"`
	FromOS      string `json:"fromos,omitempty"`
	FromBrowser string `json:"frombrowser,omitempty"`
	FromCountry string `json:"fromcountry,omitempty"`
	FromRegion  string `json:"fromregion,omitempty"`
	FromZip     string `json:"fromzip,omitempty"`

	// sent / opened / clicked
	Broadcast        string `json:"broadcast,omitempty"`
	DefaultBroadcast string `json:"defaultbroadcast,omitempty"`
	Campaign         string `json:"campaign,omitempty"`
	DefaultCampaign  string `json:"defaultcampaign,omitempty"`

	TimeType  string `json:"timetype,omitempty"` // anytime, inpast, between
	TimeNum   int    `json:"timenum,omitempty"`  // days
	TimeStart string `json:"timestart,omitempty"`
	TimeEnd   string `json:"timeend,omitempty"`

	LinkIndex int    `json:"linkindex"`
	UpdatedTS string `json:"updatedts,omitempty"`

	CntOperator string `json:"cntoperator,omitempty"` // more, equal, less
	CntValue    int    `json:"cntvalue,omitempty"`
}

// SentCampaign resolves the campaign id a sent/notsent test targets.
func (r *ResponsesTest) SentCampaign() string {
	for _, c := range []string{r.Broadcast, r.DefaultBroadcast, r.Campaign, r.DefaultCampaign} {
		if c != "" {
			return c
		}
	}
	return ""
}

// GroupTest nests a boolean combination of child parts.
type GroupTest struct {
	Operator string `json:"operator"` // and, or, nor
	Parts    []Part `json:"parts"`
}

// UnmarshalJSON decodes the flat wire form into the matching variant.
// Unknown kinds decode into a Part with only Kind set; the evaluator treats
// them as non-matching.
func (p *Part) UnmarshalJSON(data []byte) error {
	var head struct {
		Type Kind   `json:"type"`
		Addl []Part `json:"addl"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	p.Kind = head.Type
	p.Addl = head.Addl
	p.Info, p.Lists, p.Responses, p.Group = nil, nil, nil, nil

	switch head.Type {
	case KindInfo:
		p.Info = &InfoTest{}
		return json.Unmarshal(data, p.Info)
	case KindLists:
		p.Lists = &ListsTest{}
		return json.Unmarshal(data, p.Lists)
	case KindResponses:
		p.Responses = &ResponsesTest{LinkIndex: -1}
		return json.Unmarshal(data, p.Responses)
	case KindGroup:
		p.Group = &GroupTest{}
		return json.Unmarshal(data, p.Group)
	}
	return nil
}

// MarshalJSON re-emits the flat wire form.
func (p Part) MarshalJSON() ([]byte, error) {
	var variant any
	switch p.Kind {
	case KindInfo:
		variant = p.Info
	case KindLists:
		variant = p.Lists
	case KindResponses:
		variant = p.Responses
	case KindGroup:
		variant = p.Group
	}

	m := map[string]any{"type": p.Kind}
	if variant != nil {
		raw, err := json.Marshal(variant)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		m["type"] = p.Kind
	}
	if len(p.Addl) > 0 {
		m["addl"] = p.Addl
	}
	return json.Marshal(m)
}

// Validate rejects structurally broken parts before they are stored.
func (p *Part) Validate() error {
	switch p.Kind {
	case KindInfo, KindLists, KindResponses:
	case KindGroup:
		if p.Group == nil || len(p.Group.Parts) == 0 {
			return fmt.Errorf("segment: empty group")
		}
		for i := range p.Group.Parts {
			if err := p.Group.Parts[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("segment: unknown part type %q", p.Kind)
	}
	for i := range p.Addl {
		if err := p.Addl[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
