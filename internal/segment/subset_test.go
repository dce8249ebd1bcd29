package segment

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subsetRows(n int) []*Row {
	rows := make([]*Row, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	for i := 0; i < n; i++ {
		rows[i] = &Row{
			Email: fmt.Sprintf("member%04d@example.com", i),
			Added: base + int64(i),
			Props: map[string][]string{},
		}
	}
	SortRows(rows)
	// ordinal position by (added, email), independent of the hash order
	for i := range rows {
		rows[i].AddedIndex = int64(rows[i].Added - base)
	}
	return rows
}

func matchAll() []Part {
	return []Part{{Kind: KindInfo, Info: &InfoTest{Prop: "Missing", Operator: "equals", Value: ""}}}
}

func evalSubset(seg *Segment, rows []*Row, hashlimit int) []string {
	env := NewEnv(nil, nil, hashlimit, len(rows))
	env.Now = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var matched []string
	for _, r := range rows {
		if EvalSegment(env, seg, r) {
			matched = append(matched, r.Email)
		}
	}
	return matched
}

func TestSubsetCountApportionsPerPartition(t *testing.T) {
	rows := subsetRows(200)
	seg := &Segment{
		ID: "s1", Operator: "and", Parts: matchAll(),
		Subset: true, SubsetType: "count", SubsetNum: 40,
	}

	// hashlimit 4: each partition contributes round(40/4) = 10 first matches
	matched := evalSubset(seg, rows, 4)
	assert.Len(t, matched, 10)

	// single partition takes the whole budget
	matched = evalSubset(seg, rows, 1)
	assert.Len(t, matched, 40)
}

func TestSubsetPercentDeterministic(t *testing.T) {
	rows := subsetRows(500)
	seg := &Segment{
		ID: "s2", Operator: "and", Parts: matchAll(),
		Subset: true, SubsetType: "percent", SubsetPct: 25,
	}

	first := evalSubset(seg, rows, 8)
	second := evalSubset(seg, rows, 8)
	require.Equal(t, first, second)

	// roughly a quarter; the stable hash is uniform but not exact
	assert.InDelta(t, 125, len(first), 60)
}

func TestSubsetPercentMembershipIndependentOfOrder(t *testing.T) {
	rows := subsetRows(300)
	seg := &Segment{
		ID: "s3", Operator: "and", Parts: matchAll(),
		Subset: true, SubsetType: "percent", SubsetPct: 50,
	}

	forward := evalSubset(seg, rows, 2)

	reversed := make([]*Row, len(rows))
	for i, r := range rows {
		reversed[len(rows)-1-i] = r
	}
	backward := evalSubset(seg, reversed, 2)

	assert.ElementsMatch(t, forward, backward)
}

func TestSubsetSortedByRecency(t *testing.T) {
	rows := subsetRows(100)
	seg := &Segment{
		ID: "s4", Operator: "and", Parts: matchAll(),
		Subset: true, SubsetType: "percent", SubsetPct: 10, SubsetSort: "oldest",
	}

	matched := evalSubset(seg, rows, 1)
	// ordinal threshold: added_index / numrows <= 0.10
	require.NotEmpty(t, matched)
	assert.Len(t, matched, 11)
	assert.Contains(t, matched, "member0000@example.com")
	assert.NotContains(t, matched, "member0099@example.com")

	seg.SubsetSort = "newest"
	matched = evalSubset(seg, rows, 1)
	assert.Contains(t, matched, "member0099@example.com")
	assert.NotContains(t, matched, "member0000@example.com")
}

func TestStableHashAgreesAcrossCalls(t *testing.T) {
	assert.Equal(t, StableHash("a@b.c"), StableHash("a@b.c"))
	assert.NotEqual(t, StableHash("a@b.c"), StableHash("a@b.d"))
}

func TestSubsetPropertyDeterministicAndBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("percent sampling is deterministic for any pct", prop.ForAll(
		func(pct int, n int) bool {
			rows := subsetRows(n)
			seg := &Segment{
				ID: "p1", Operator: "and", Parts: matchAll(),
				Subset: true, SubsetType: "percent", SubsetPct: float64(pct),
			}
			a := evalSubset(seg, rows, 4)
			b := evalSubset(seg, rows, 4)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 100),
		gen.IntRange(1, 200),
	))

	properties.Property("count sampling never exceeds the per-partition block", prop.ForAll(
		func(num int, hashlimit int, n int) bool {
			rows := subsetRows(n)
			seg := &Segment{
				ID: "p2", Operator: "and", Parts: matchAll(),
				Subset: true, SubsetType: "count", SubsetNum: num,
			}
			matched := evalSubset(seg, rows, hashlimit)
			block := int(float64(num)/float64(hashlimit) + 0.5)
			return len(matched) <= block
		},
		gen.IntRange(0, 500),
		gen.IntRange(1, 128),
		gen.IntRange(1, 300),
	))

	properties.TestingRun(t)
}
