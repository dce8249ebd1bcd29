package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func infoPart(prop, op, value string) Part {
	return Part{Kind: KindInfo, Info: &InfoTest{Prop: prop, Operator: op, Value: value}}
}

func testRow() *Row {
	return &Row{
		Email: "jane.doe@example.com",
		Added: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC).Unix(),
		Lists: []string{"list-a", "list-b"},
		Props: map[string][]string{
			"First Name": {"Jane"},
			"Last Name":  {"Doe"},
			"City":       {"Portland", "Salem"},
		},
		Tags:    []string{"buyer", "vip,beta"},
		Device:  []int{1},
		OS:      []int{3},
		Country: []string{"US"},
		Zip:     []string{"97201"},
		OpenLogs: []EventRef{
			{TS: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC).Unix(), Campaign: "camp-1"},
			{TS: time.Date(2026, 7, 2, 8, 0, 0, 0, time.UTC).Unix(), Campaign: "camp-2"},
		},
		ClickLogs: []ClickRef{
			{TS: time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC).Unix(), Campaign: "camp-2", LinkIndex: 2},
		},
	}
}

func fixedEnv() *Env {
	env := NewEnv(nil, nil, 1, 1)
	env.Now = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return env
}

func TestInfoPropertyOperators(t *testing.T) {
	row := testRow()
	env := fixedEnv()

	tests := []struct {
		name string
		part Part
		want bool
	}{
		{"equals", infoPart("First Name", "equals", "jane"), true},
		{"equals case insensitive", infoPart("First Name", "equals", "JANE"), true},
		{"equals miss", infoPart("First Name", "equals", "john"), false},
		{"notequals", infoPart("First Name", "notequals", "john"), true},
		{"contains", infoPart("Last Name", "contains", "oe"), true},
		{"notcontains", infoPart("Last Name", "notcontains", "zz"), true},
		{"startswith", infoPart("First Name", "startswith", "ja"), true},
		{"endswith", infoPart("Last Name", "endswith", "oe"), true},
		{"multivalue any matches", infoPart("City", "equals", "salem"), true},
		{"missing prop equals empty", infoPart("Nickname", "equals", ""), true},
		{"domain", infoPart("Domain", "equals", "example.com"), true},
		{"domain miss", infoPart("Domain", "equals", "example.org"), false},
		{"email prop", infoPart("Email", "endswith", "@example.com"), true},
		{"wildcard", infoPart(WildcardProp, "contains", "portl"), true},
		{"wildcard covers tags", infoPart(WildcardProp, "equals", "buyer"), true},
		{"reserved prop never matches", infoPart("!!added", "equals", "1"), false},
		{"unknown operator", infoPart("First Name", "matches", "jane"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EvalParts(env, []Part{tc.part}, "and", row, nil)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInfoTagTests(t *testing.T) {
	row := testRow()
	env := fixedEnv()

	buyer := Part{Kind: KindInfo, Info: &InfoTest{Test: "tag", Tag: "buyer"}}
	assert.True(t, EvalParts(env, []Part{buyer}, "and", row, nil))

	// comma-joined tag values are split
	beta := Part{Kind: KindInfo, Info: &InfoTest{Test: "tag", Tag: "beta"}}
	assert.True(t, EvalParts(env, []Part{beta}, "and", row, nil))

	missing := Part{Kind: KindInfo, Info: &InfoTest{Test: "tag", Tag: "gone"}}
	assert.False(t, EvalParts(env, []Part{missing}, "and", row, nil))

	notag := Part{Kind: KindInfo, Info: &InfoTest{Test: "notag", Tag: "gone"}}
	assert.True(t, EvalParts(env, []Part{notag}, "and", row, nil))
}

func TestInfoAddedWindows(t *testing.T) {
	row := testRow() // added 2026-06-01
	env := fixedEnv()

	inpast := Part{Kind: KindInfo, Info: &InfoTest{Test: "added", AddedType: "inpast", AddedNum: 90}}
	assert.True(t, EvalParts(env, []Part{inpast}, "and", row, nil))

	tooOld := Part{Kind: KindInfo, Info: &InfoTest{Test: "added", AddedType: "inpast", AddedNum: 30}}
	assert.False(t, EvalParts(env, []Part{tooOld}, "and", row, nil))

	between := Part{Kind: KindInfo, Info: &InfoTest{
		Test: "added", AddedType: "between", AddedStart: "2026-05-01", AddedEnd: "2026-06-01"}}
	// end date is inclusive through its last second
	assert.True(t, EvalParts(env, []Part{between}, "and", row, nil))

	before := Part{Kind: KindInfo, Info: &InfoTest{
		Test: "added", AddedType: "between", AddedStart: "2026-01-01", AddedEnd: "2026-05-31"}}
	assert.False(t, EvalParts(env, []Part{before}, "and", row, nil))
}

func TestListsMembership(t *testing.T) {
	row := testRow()
	env := fixedEnv()

	in := Part{Kind: KindLists, Lists: &ListsTest{Operator: "in", List: "list-a"}}
	assert.True(t, EvalParts(env, []Part{in}, "and", row, nil))

	notin := Part{Kind: KindLists, Lists: &ListsTest{Operator: "notin", List: "list-z"}}
	assert.True(t, EvalParts(env, []Part{notin}, "and", row, nil))
}

func TestListsSubSegments(t *testing.T) {
	row := testRow()
	env := fixedEnv()
	env.Segments["sub-1"] = &Segment{
		ID:       "sub-1",
		Operator: "and",
		Parts:    []Part{infoPart("First Name", "equals", "jane")},
	}

	in := Part{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "sub-1"}}
	assert.True(t, EvalParts(env, []Part{in}, "and", row, nil))

	// missing sub-segment: insegment is false, notinsegment is true
	missingIn := Part{Kind: KindLists, Lists: &ListsTest{Operator: "insegment", Segment: "gone"}}
	assert.False(t, EvalParts(env, []Part{missingIn}, "and", row, nil))
	missingNot := Part{Kind: KindLists, Lists: &ListsTest{Operator: "notinsegment", Segment: "gone"}}
	assert.True(t, EvalParts(env, []Part{missingNot}, "and", row, nil))

	not := Part{Kind: KindLists, Lists: &ListsTest{Operator: "notinsegment", Segment: "sub-1"}}
	assert.False(t, EvalParts(env, []Part{not}, "and", row, nil))
}

func TestResponsesSent(t *testing.T) {
	row := testRow()
	env := fixedEnv()
	env.SentRows["camp-9"] = map[string]struct{}{"jane.doe@example.com": {}}

	sent := Part{Kind: KindResponses, Responses: &ResponsesTest{Action: "sent", Campaign: "camp-9", LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{sent}, "and", row, nil))

	notsent := Part{Kind: KindResponses, Responses: &ResponsesTest{Action: "notsent", Campaign: "camp-9", LinkIndex: -1}}
	assert.False(t, EvalParts(env, []Part{notsent}, "and", row, nil))

	// no campaign resolvable: sent is false, notsent is true
	empty := Part{Kind: KindResponses, Responses: &ResponsesTest{Action: "sent", LinkIndex: -1}}
	assert.False(t, EvalParts(env, []Part{empty}, "and", row, nil))
	emptyNot := Part{Kind: KindResponses, Responses: &ResponsesTest{Action: "notsent", LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{emptyNot}, "and", row, nil))
}

func TestResponsesFrom(t *testing.T) {
	row := testRow()
	env := fixedEnv()

	tests := []struct {
		name string
		resp *ResponsesTest
		want bool
	}{
		{"device hit", &ResponsesTest{Action: "from", FromType: "device", FromDevice: "1", LinkIndex: -1}, true},
		{"device miss", &ResponsesTest{Action: "from", FromType: "device", FromDevice: "2", LinkIndex: -1}, false},
		{"os hit", &ResponsesTest{Action: "from", FromType: "os", FromOS: "3", LinkIndex: -1}, true},
		{"country hit", &ResponsesTest{Action: "from", FromType: "country", FromCountry: "US", LinkIndex: -1}, true},
		{"region miss", &ResponsesTest{Action: "from", FromType: "region", FromRegion: "OR", LinkIndex: -1}, false},
		{"zip glob", &ResponsesTest{Action: "from", FromType: "zip", FromZip: "972*", LinkIndex: -1}, true},
		{"zip glob miss", &ResponsesTest{Action: "from", FromType: "zip", FromZip: "980*", LinkIndex: -1}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Part{Kind: KindResponses, Responses: tc.resp}
			assert.Equal(t, tc.want, EvalParts(env, []Part{p}, "and", row, nil))
		})
	}
}

func TestResponsesEngagement(t *testing.T) {
	row := testRow()
	env := fixedEnv()

	opened := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "opened", TimeType: "anytime", LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{opened}, "and", row, nil))

	openedCampaign := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "opened", Campaign: "camp-1", TimeType: "anytime", LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{openedCampaign}, "and", row, nil))

	openedRecent := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "opened", TimeType: "inpast", TimeNum: 45, LinkIndex: -1}}
	// only the camp-2 open (July 2) is within 45 days of Aug 1
	assert.True(t, EvalParts(env, []Part{openedRecent}, "and", row, nil))

	openedStale := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "opened", Campaign: "camp-1", TimeType: "inpast", TimeNum: 45, LinkIndex: -1}}
	assert.False(t, EvalParts(env, []Part{openedStale}, "and", row, nil))

	notOpened := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "notopened", Campaign: "camp-3", TimeType: "anytime", LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{notOpened}, "and", row, nil))

	clickedLink := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "clicked", Campaign: "camp-2", TimeType: "anytime", LinkIndex: 2}}
	assert.True(t, EvalParts(env, []Part{clickedLink}, "and", row, nil))

	clickedWrongLink := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "clicked", Campaign: "camp-2", TimeType: "anytime", LinkIndex: 3}}
	assert.False(t, EvalParts(env, []Part{clickedWrongLink}, "and", row, nil))

	betweenWindow := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "opened", TimeType: "between", TimeStart: "2026-07-01", TimeEnd: "2026-07-02", LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{betweenWindow}, "and", row, nil))
}

func TestResponsesDistinctCampaignCount(t *testing.T) {
	row := testRow() // opens on camp-1 and camp-2
	env := fixedEnv()

	more := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "opencnt", TimeType: "anytime", CntOperator: "more", CntValue: 1, LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{more}, "and", row, nil))

	equal := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "opencnt", TimeType: "anytime", CntOperator: "equal", CntValue: 2, LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{equal}, "and", row, nil))

	less := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "opencnt", TimeType: "anytime", CntOperator: "less", CntValue: 2, LinkIndex: -1}}
	assert.False(t, EvalParts(env, []Part{less}, "and", row, nil))

	// openclickcnt counts campaigns across both logs
	both := Part{Kind: KindResponses, Responses: &ResponsesTest{
		Action: "openclickcnt", TimeType: "anytime", CntOperator: "equal", CntValue: 2, LinkIndex: -1}}
	assert.True(t, EvalParts(env, []Part{both}, "and", row, nil))
}

func TestOperatorsAndAddl(t *testing.T) {
	row := testRow()
	env := fixedEnv()

	hit := infoPart("First Name", "equals", "jane")
	miss := infoPart("First Name", "equals", "john")

	assert.False(t, EvalParts(env, []Part{hit, miss}, "and", row, nil))
	assert.True(t, EvalParts(env, []Part{hit, miss}, "or", row, nil))
	assert.False(t, EvalParts(env, []Part{hit, miss}, "nor", row, nil))
	assert.True(t, EvalParts(env, []Part{miss}, "nor", row, nil))

	// an addl sibling ORs into its parent part even under "and"
	withAddl := miss
	withAddl.Addl = []Part{hit}
	assert.True(t, EvalParts(env, []Part{withAddl}, "and", row, nil))

	group := Part{Kind: KindGroup, Group: &GroupTest{Operator: "nor", Parts: []Part{miss}}}
	assert.True(t, EvalParts(env, []Part{group, hit}, "and", row, nil))
}

func TestUnknownKindNeverMatches(t *testing.T) {
	row := testRow()
	env := fixedEnv()
	p := Part{Kind: Kind("Mystery")}
	assert.False(t, EvalParts(env, []Part{p}, "or", row, nil))
	assert.True(t, EvalParts(env, []Part{p}, "nor", row, nil))
}
