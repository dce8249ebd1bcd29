package segment

import (
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"time"
)

// Env carries the per-batch evaluation state: the resolved sub-segment
// closure, the sent-row sets, the partition parameters, and the running
// subset counters. One Env serves one partition's batch and must not be
// shared across goroutines.
type Env struct {
	Segments  map[string]*Segment
	SentRows  map[string]map[string]struct{}
	HashLimit int
	NumRows   int
	SegCounts map[string]int

	// Now is fixed per batch so relative windows are consistent across
	// the whole evaluation. Zero means wall clock.
	Now time.Time

	fixed    map[int64]time.Time
	relative map[int]time.Time
	parsed   map[string]time.Time
	offset   map[string]time.Time
}

// NewEnv creates an evaluation environment for one partition batch.
func NewEnv(segments map[string]*Segment, sentRows map[string]map[string]struct{}, hashlimit, numRows int) *Env {
	if segments == nil {
		segments = map[string]*Segment{}
	}
	if sentRows == nil {
		sentRows = map[string]map[string]struct{}{}
	}
	if hashlimit < 1 {
		hashlimit = 1
	}
	return &Env{
		Segments:  segments,
		SentRows:  sentRows,
		HashLimit: hashlimit,
		NumRows:   numRows,
		SegCounts: map[string]int{},
		fixed:     map[int64]time.Time{},
		relative:  map[int]time.Time{},
		parsed:    map[string]time.Time{},
		offset:    map[string]time.Time{},
	}
}

func (e *Env) now() time.Time {
	if e.Now.IsZero() {
		e.Now = time.Now().UTC()
	}
	return e.Now
}

func (e *Env) fromUnix(ts int64) time.Time {
	if dt, ok := e.fixed[ts]; ok {
		return dt
	}
	dt := time.Unix(ts, 0).UTC()
	e.fixed[ts] = dt
	return dt
}

func (e *Env) pastCutoff(days int) time.Time {
	if dt, ok := e.relative[days]; ok {
		return dt
	}
	dt := e.now().AddDate(0, 0, -days)
	e.relative[days] = dt
	return dt
}

func (e *Env) parseStart(s string) (time.Time, bool) {
	if dt, ok := e.parsed[s]; ok {
		return dt, !dt.IsZero()
	}
	dt, err := parseDate(s)
	if err != nil {
		e.parsed[s] = time.Time{}
		return time.Time{}, false
	}
	e.parsed[s] = dt
	return dt, true
}

// parseEnd resolves the inclusive end of a between window: the named day's
// last second.
func (e *Env) parseEnd(s string) (time.Time, bool) {
	if dt, ok := e.offset[s]; ok {
		return dt, !dt.IsZero()
	}
	dt, err := parseDate(s)
	if err != nil {
		e.offset[s] = time.Time{}
		return time.Time{}, false
	}
	dt = dt.AddDate(0, 0, 1).Add(-time.Second)
	e.offset[s] = dt
	return dt, true
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if dt, err := time.Parse(layout, s); err == nil {
			return dt.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("segment: unparseable date %q", s)
}

// EvalSegment evaluates one row against a full segment definition,
// including its subset sampling.
func EvalSegment(env *Env, seg *Segment, row *Row) bool {
	return EvalParts(env, seg.Parts, seg.Operator, row, seg)
}

// EvalParts reduces the parts under operator ("and", "or", "nor"; nor means
// none match) and then applies sub's subset sampling when sub declares it.
func EvalParts(env *Env, parts []Part, operator string, row *Row, sub *Segment) bool {
	var results []bool
	for i := range parts {
		results = append(results, evalPartAll(env, &parts[i], row)...)
	}

	var ret bool
	switch operator {
	case "or":
		ret = anyOf(results)
	case "and":
		ret = allOf(results)
	default: // nor
		ret = !anyOf(results)
	}

	if !ret || sub == nil || !sub.Subset {
		return ret
	}
	return env.sample(sub, row)
}

// evalPartAll evaluates a part and its addl siblings; the caller combines
// them as one disjunction unit.
func evalPartAll(env *Env, p *Part, row *Row) []bool {
	results := []bool{evalPart(env, p, row)}
	for i := range p.Addl {
		results = append(results, evalPart(env, &p.Addl[i], row))
	}
	return results
}

func evalPart(env *Env, p *Part, row *Row) bool {
	switch p.Kind {
	case KindGroup:
		if p.Group == nil {
			return false
		}
		return EvalParts(env, p.Group.Parts, p.Group.Operator, row, nil)
	case KindInfo:
		if p.Info == nil {
			return false
		}
		return evalInfo(env, p.Info, row)
	case KindLists:
		if p.Lists == nil {
			return false
		}
		return evalLists(env, p.Lists, row)
	case KindResponses:
		if p.Responses == nil {
			return false
		}
		return evalResponses(env, p.Responses, row)
	}
	return false
}

// =============================================================================
// Info: property, tag, and added-window tests
// =============================================================================

func evalInfo(env *Env, t *InfoTest, row *Row) bool {
	switch t.Test {
	case "":
		return evalPropCompare(t, row)
	case "added":
		return evalAdded(env, t, row)
	default:
		rightval := strings.ToLower(strings.TrimSpace(t.Tag))
		tags := row.TagSet()
		_, in := tags[rightval]
		return t.Test == "tag" && in || t.Test == "notag" && !in
	}
}

func evalPropCompare(t *InfoTest, row *Row) bool {
	rightval := strings.ToLower(strings.TrimSpace(t.Value))

	var left []string
	switch {
	case t.Prop == WildcardProp:
		left = append(left, row.Email)
		for _, vals := range row.Props {
			if len(vals) > 0 {
				left = append(left, vals[0])
			}
		}
		left = append(left, row.Tags...)
	case strings.HasPrefix(t.Prop, "!"):
		return false
	case t.Prop == DomainProp:
		left = []string{row.Domain()}
	case t.Prop == "Email":
		left = []string{row.Email}
	default:
		vals, ok := row.Props[t.Prop]
		if !ok {
			vals = []string{""}
		}
		left = vals
	}

	for _, lv := range left {
		lv = strings.ToLower(strings.TrimSpace(lv))
		var r bool
		switch t.Operator {
		case "equals":
			r = lv == rightval
		case "notequals":
			r = lv != rightval
		case "contains":
			r = strings.Contains(lv, rightval)
		case "notcontains":
			r = !strings.Contains(lv, rightval)
		case "startswith":
			r = strings.HasPrefix(lv, rightval)
		case "endswith":
			r = strings.HasSuffix(lv, rightval)
		default:
			continue
		}
		if r {
			return true
		}
	}
	return false
}

func evalAdded(env *Env, t *InfoTest, row *Row) bool {
	dt := env.fromUnix(row.Added)
	if t.AddedType == "inpast" {
		return dt.After(env.pastCutoff(t.AddedNum))
	}
	st, ok := env.parseStart(t.AddedStart)
	if !ok {
		return false
	}
	ed, ok := env.parseEnd(t.AddedEnd)
	if !ok {
		return false
	}
	return !dt.Before(st) && !dt.After(ed)
}

// =============================================================================
// Lists: membership and delegated sub-segments
// =============================================================================

func evalLists(env *Env, t *ListsTest, row *Row) bool {
	switch t.Operator {
	case "in":
		return contains(row.Lists, t.List)
	case "notin":
		return !contains(row.Lists, t.List)
	case "insegment":
		sub := env.Segments[t.Segment]
		if sub == nil {
			return false
		}
		return EvalParts(env, sub.Parts, sub.Operator, row, sub)
	case "notinsegment":
		sub := env.Segments[t.Segment]
		if sub == nil {
			return true
		}
		return !EvalParts(env, sub.Parts, sub.Operator, row, sub)
	}
	return false
}

// =============================================================================
// Responses: sends, opens, clicks, client attributes
// =============================================================================

func evalResponses(env *Env, t *ResponsesTest, row *Row) bool {
	switch t.Action {
	case "from":
		return evalFrom(t, row)
	case "sent", "notsent":
		campaign := t.SentCampaign()
		if campaign == "" {
			return t.Action != "sent"
		}
		_, in := env.SentRows[campaign][row.Email]
		return in && t.Action == "sent" || !in && t.Action == "notsent"
	default:
		return evalEngagement(env, t, row)
	}
}

func evalFrom(t *ResponsesTest, row *Row) bool {
	switch t.FromType {
	case "device":
		return containsIntStr(row.Device, t.FromDevice)
	case "os":
		return containsIntStr(row.OS, t.FromOS)
	case "browser":
		return containsIntStr(row.Browser, t.FromBrowser)
	case "country":
		return contains(row.Country, t.FromCountry)
	case "region":
		return contains(row.Region, t.FromRegion)
	default: // zip, glob pattern
		if t.FromZip == "" {
			return false
		}
		for _, z := range row.Zip {
			if ok, _ := path.Match(t.FromZip, z); ok {
				return true
			}
		}
		return false
	}
}

// evalEngagement handles opened/clicked/openclicked, their not- and cnt-
// variants. It collects the distinct campaigns whose matching events pass
// the campaign, link, and time filters, then interprets the count.
func evalEngagement(env *Env, t *ResponsesTest, row *Row) bool {
	action := t.Action
	checkOpens := strings.Contains(action, "openclick") || strings.Contains(action, "open")
	checkClicks := strings.Contains(action, "openclick") || !strings.Contains(action, "open")
	checkLinks := action == "clicked" || action == "openclicked"
	countVariant := strings.HasSuffix(action, "cnt")

	campaign := t.Broadcast
	if campaign == "" {
		campaign = t.Campaign
	}

	var partUpdated int64
	if t.UpdatedTS != "" {
		if dt, err := parseDate(t.UpdatedTS); err == nil {
			partUpdated = dt.Unix()
		}
	}

	camps := make(map[string]struct{})

	if checkOpens {
		for _, ev := range row.OpenLogs {
			if campaign != "" && !countVariant && campaign != ev.Campaign {
				continue
			}
			if !env.inWindow(t, ev.TS) {
				continue
			}
			camps[ev.Campaign] = struct{}{}
		}
	}
	if checkClicks {
		for _, ev := range row.ClickLogs {
			if campaign != "" && !countVariant && campaign != ev.Campaign {
				continue
			}
			if checkLinks && t.LinkIndex >= 0 && campaign != "" &&
				(t.LinkIndex != ev.LinkIndex || partUpdated != ev.UpdatedTS) {
				continue
			}
			if !env.inWindow(t, ev.TS) {
				continue
			}
			camps[ev.Campaign] = struct{}{}
		}
	}

	cnt := len(camps)
	switch {
	case countVariant:
		switch t.CntOperator {
		case "more":
			return cnt > t.CntValue
		case "equal":
			return cnt == t.CntValue
		default:
			return cnt < t.CntValue
		}
	case strings.HasPrefix(action, "not"):
		return cnt == 0
	default:
		return cnt > 0
	}
}

func (e *Env) inWindow(t *ResponsesTest, ts int64) bool {
	switch t.TimeType {
	case "", "anytime":
		return true
	case "inpast":
		return !e.fromUnix(ts).Before(e.pastCutoff(t.TimeNum))
	default: // between
		st, ok := e.parseStart(t.TimeStart)
		if !ok {
			return false
		}
		ed, ok := e.parseEnd(t.TimeEnd)
		if !ok {
			return false
		}
		dt := e.fromUnix(ts)
		return !dt.Before(st) && !dt.After(ed)
	}
}

// =============================================================================
// Deterministic subset sampling
// =============================================================================

// sample decides whether a positive match counts toward a subset-sampled
// segment. Count sampling apportions round(N/hashlimit) first matches per
// partition; percent sampling thresholds the stable address hash; recency
// sorting thresholds the ordinal position instead. Repeated evaluations of
// unchanged data always pick the same members.
func (e *Env) sample(sub *Segment, row *Row) bool {
	key := sub.ID
	if key == "" {
		key = fmt.Sprintf("%p", sub)
	}

	index := e.SegCounts[key]
	sorted := sub.SubsetSort == "oldest" || sub.SubsetSort == "newest"
	if sorted {
		index = int(row.AddedIndex)
		if sub.SubsetSort == "newest" {
			index = (e.NumRows - 1) - index
		}
	}

	if sub.SubsetType == "count" && !sorted {
		blockindex := int(math.Round(float64(sub.SubsetNum) / float64(e.HashLimit)))
		ret := index < blockindex
		if ret {
			e.SegCounts[key]++
		}
		return ret
	}

	var pct float64
	if sub.SubsetType == "count" {
		if e.NumRows == 0 {
			return false
		}
		pct = (float64(sub.SubsetNum) / float64(e.HashLimit)) / float64(e.NumRows)
	} else {
		pct = sub.SubsetPct / 100.0
	}

	var ret bool
	if sorted {
		ret = float64(index)/float64(e.NumRows) <= pct
	} else {
		ret = float64(StableHash(row.Email)) <= float64(0xFFFFFFFF)*pct
	}
	if ret {
		e.SegCounts[key]++
	}
	return ret
}

func anyOf(results []bool) bool {
	for _, r := range results {
		if r {
			return true
		}
	}
	return false
}

func allOf(results []bool) bool {
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func contains(vals []string, want string) bool {
	for _, v := range vals {
		if v == want {
			return true
		}
	}
	return false
}

func containsIntStr(vals []int, want string) bool {
	if want == "" || len(vals) == 0 {
		return false
	}
	n, err := strconv.Atoi(want)
	if err != nil {
		return false
	}
	for _, v := range vals {
		if v == n {
			return true
		}
	}
	return false
}
