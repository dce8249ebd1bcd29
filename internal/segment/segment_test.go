package segment

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartJSONRoundTrip(t *testing.T) {
	raw := `{
		"type": "Group",
		"operator": "or",
		"parts": [
			{"type": "Info", "prop": "First Name", "operator": "equals", "value": "jane",
			 "addl": [{"type": "Lists", "operator": "in", "list": "list-a"}]},
			{"type": "Responses", "action": "clicked", "campaign": "camp-1",
			 "timetype": "inpast", "timenum": 30, "linkindex": 2}
		]
	}`

	var p Part
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Equal(t, KindGroup, p.Kind)
	require.NotNil(t, p.Group)
	require.Len(t, p.Group.Parts, 2)

	info := p.Group.Parts[0]
	assert.Equal(t, KindInfo, info.Kind)
	assert.Equal(t, "First Name", info.Info.Prop)
	require.Len(t, info.Addl, 1)
	assert.Equal(t, KindLists, info.Addl[0].Kind)
	assert.Equal(t, "list-a", info.Addl[0].Lists.List)

	resp := p.Group.Parts[1]
	require.NotNil(t, resp.Responses)
	assert.Equal(t, "clicked", resp.Responses.Action)
	assert.Equal(t, 2, resp.Responses.LinkIndex)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	var p2 Part
	require.NoError(t, json.Unmarshal(out, &p2))
	assert.Equal(t, p, p2)
}

func TestPartLinkIndexDefaultsToAny(t *testing.T) {
	var p Part
	require.NoError(t, json.Unmarshal([]byte(`{"type":"Responses","action":"clicked"}`), &p))
	assert.Equal(t, -1, p.Responses.LinkIndex)
}

func TestSegmentValidate(t *testing.T) {
	seg := &Segment{Operator: "and"}
	assert.Error(t, seg.Validate())

	seg.Parts = []Part{{Kind: KindInfo, Info: &InfoTest{Prop: "X", Operator: "equals"}}}
	assert.NoError(t, seg.Validate())

	seg.Operator = "xor"
	assert.Error(t, seg.Validate())

	seg.Operator = "and"
	seg.Parts = []Part{{Kind: Kind("Mystery")}}
	assert.Error(t, seg.Validate())

	seg.Parts = []Part{{Kind: KindGroup, Group: &GroupTest{Operator: "or"}}}
	assert.Error(t, seg.Validate())
}

func TestCollectSegmentIDs(t *testing.T) {
	parts := []Part{
		{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "a"},
			Addl: []Part{{Kind: KindLists, Lists: &ListsTest{Operator: "notinsegment", Segment: "b"}}}},
		{Kind: KindGroup, Group: &GroupTest{Operator: "and", Parts: []Part{
			{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "c"}},
		}}},
		{Kind: KindLists, Lists: &ListsTest{Operator: "in", List: "not-a-segment"}},
	}
	ids := map[string]struct{}{}
	CollectSegmentIDs(parts, ids)
	assert.Len(t, ids, 3)
	assert.Contains(t, ids, "a")
	assert.Contains(t, ids, "b")
	assert.Contains(t, ids, "c")
}

func TestCollectCampaignIDs(t *testing.T) {
	seg := &Segment{
		ID: "root", Operator: "and",
		Parts: []Part{
			{Kind: KindResponses, Responses: &ResponsesTest{Action: "sent", Campaign: "camp-1", LinkIndex: -1}},
			{Kind: KindResponses, Responses: &ResponsesTest{Action: "opened", Campaign: "ignored", LinkIndex: -1}},
		},
	}
	closure := map[string]*Segment{
		"sub": {ID: "sub", Operator: "or", Parts: []Part{
			{Kind: KindResponses, Responses: &ResponsesTest{Action: "notsent", Broadcast: "camp-2", LinkIndex: -1}},
		}},
		"missing": nil,
	}
	ids := CollectCampaignIDs(seg, closure)
	assert.ElementsMatch(t, []string{"camp-1", "camp-2"}, ids)
}

type mapLoader map[string]*Segment

func (m mapLoader) GetSegment(ctx context.Context, id string) (*Segment, error) {
	return m[id], nil
}

func TestLoadClosure(t *testing.T) {
	loader := mapLoader{
		"a": {ID: "a", Operator: "and", Parts: []Part{
			{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "b"}},
		}},
		"b": {ID: "b", Operator: "and", Parts: []Part{
			{Kind: KindLists, Lists: &ListsTest{Operator: "in", List: "l"}},
		}},
	}
	parts := []Part{{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "a"}}}

	closure, err := LoadClosure(context.Background(), loader, parts)
	require.NoError(t, err)
	assert.Len(t, closure, 2)
	assert.NotNil(t, closure["a"])
	assert.NotNil(t, closure["b"])
}

func TestCheckCycles(t *testing.T) {
	loader := mapLoader{
		"a": {ID: "a", Operator: "and", Parts: []Part{
			{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "b"}},
		}},
		"b": {ID: "b", Operator: "and", Parts: []Part{
			{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "edited"}},
		}},
	}

	// edited -> a -> b -> edited is a cycle
	parts := []Part{{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "a"}}}
	err := CheckCycles(context.Background(), loader, "edited", parts)
	assert.ErrorIs(t, err, ErrCycle)

	// referencing a chain that never returns to the edited id is fine
	err = CheckCycles(context.Background(), loader, "other", parts)
	assert.NoError(t, err)
}

func TestRowHelpers(t *testing.T) {
	r := &Row{Email: "x@y.z", Tags: []string{"a,b", "c", ""}}
	assert.Equal(t, "y.z", r.Domain())
	tags := r.TagSet()
	assert.Len(t, tags, 3)

	bad := &Row{Email: "nodomain"}
	assert.Equal(t, "", bad.Domain())
}
