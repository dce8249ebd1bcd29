package bulk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/segment"
)

func findRow(email string, extra map[string]string) map[string]string {
	row := map[string]string{"Email": email}
	for k, v := range extra {
		row[k] = v
	}
	return row
}

func TestFixRow(t *testing.T) {
	row := &segment.Row{
		Email: "a@example.com",
		Added: 1700000000,
		Props: map[string][]string{
			"City":    {"Lyon", "ignored"},
			"Empty":   {},
			"!hidden": {"x"},
			"!!tags":  {"vip, beta"},
		},
	}

	fixed := fixRow(row)
	assert.Equal(t, "a@example.com", fixed["Email"])
	assert.Equal(t, "Lyon", fixed["City"])
	assert.Equal(t, "", fixed["Empty"])
	assert.Equal(t, "beta,vip", fixed["!!tags"])
	assert.Equal(t, "1700000000", fixed["!!added"])
	_, hidden := fixed["!hidden"]
	assert.False(t, hidden)
}

func TestFixRowNoTagsNoAdded(t *testing.T) {
	fixed := fixRow(&segment.Row{Email: "a@example.com"})
	assert.Equal(t, map[string]string{"Email": "a@example.com"}, fixed)
}

func TestPaginateFirstPage(t *testing.T) {
	var rows []map[string]string
	for i := 0; i < 70; i++ {
		rows = append(rows, findRow(fmt.Sprintf("u%02d@example.com", i), nil))
	}

	page := paginate(rows, SortSpec{ID: "Email"}, "", "")
	require.Len(t, page.Rows, pageSize)
	assert.Equal(t, 70, page.Count)
	assert.Equal(t, "u00@example.com", page.Rows[0]["Email"])
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrevious)
}

func TestPaginateAfterCursor(t *testing.T) {
	var rows []map[string]string
	for i := 0; i < 10; i++ {
		rows = append(rows, findRow(fmt.Sprintf("u%02d@example.com", i), nil))
	}

	page := paginate(rows, SortSpec{ID: "Email"}, "", "u04@example.com")
	require.Len(t, page.Rows, 5)
	assert.Equal(t, "u05@example.com", page.Rows[0]["Email"])
	assert.True(t, page.HasPrevious)
	assert.False(t, page.HasNext)
}

func TestPaginateBeforeCursorTakesTail(t *testing.T) {
	var rows []map[string]string
	for i := 0; i < 70; i++ {
		rows = append(rows, findRow(fmt.Sprintf("u%02d@example.com", i), nil))
	}

	page := paginate(rows, SortSpec{ID: "Email"}, "u60@example.com", "")
	require.Len(t, page.Rows, pageSize)
	assert.Equal(t, "u59@example.com", page.Rows[len(page.Rows)-1]["Email"])
	assert.Equal(t, "u10@example.com", page.Rows[0]["Email"])
	assert.True(t, page.HasPrevious)
	assert.True(t, page.HasNext)
}

func TestPaginateDescending(t *testing.T) {
	rows := []map[string]string{
		findRow("a@example.com", nil),
		findRow("c@example.com", nil),
		findRow("b@example.com", nil),
	}

	page := paginate(rows, SortSpec{ID: "Email", Desc: true}, "", "")
	require.Len(t, page.Rows, 3)
	assert.Equal(t, "c@example.com", page.Rows[0]["Email"])
	assert.Equal(t, "a@example.com", page.Rows[2]["Email"])
}

func TestMergeFindResortsAndRecuts(t *testing.T) {
	sortBy := SortSpec{ID: "Email"}
	a := paginate([]map[string]string{
		findRow("b@example.com", map[string]string{"City": "Lyon"}),
		findRow("d@example.com", nil),
	}, sortBy, "", "")
	b := paginate([]map[string]string{
		findRow("a@example.com", nil),
		findRow("c@example.com", map[string]string{"Bounced": "true"}),
	}, sortBy, "", "")

	merged := mergeFind([]FindPartial{a, b})
	require.Len(t, merged.Rows, 4)
	assert.Equal(t, "a@example.com", merged.Rows[0]["Email"])
	assert.Equal(t, "d@example.com", merged.Rows[3]["Email"])
	assert.Equal(t, 4, merged.Count)
	assert.Equal(t, []string{"Email", "City", "Bounced"}, merged.AllProps)
}

func TestMergeFindPartitionErrorWins(t *testing.T) {
	merged := mergeFind([]FindPartial{
		{Rows: []map[string]string{findRow("a@example.com", nil)}, Count: 1},
		{Error: "partition 3: connection refused"},
	})
	assert.Equal(t, "partition 3: connection refused", merged.Error)
	assert.Empty(t, merged.Rows)
}

func TestMergeFindCutsOverfullPage(t *testing.T) {
	sortBy := SortSpec{ID: "Email"}
	var a, b []map[string]string
	for i := 0; i < 40; i++ {
		a = append(a, findRow(fmt.Sprintf("a%02d@example.com", i), nil))
		b = append(b, findRow(fmt.Sprintf("b%02d@example.com", i), nil))
	}

	merged := mergeFind([]FindPartial{
		paginate(a, sortBy, "", ""),
		paginate(b, sortBy, "", ""),
	})
	require.Len(t, merged.Rows, pageSize)
	assert.Equal(t, "a00@example.com", merged.Rows[0]["Email"])
	assert.Equal(t, "b09@example.com", merged.Rows[pageSize-1]["Email"])
	assert.True(t, merged.HasNext)
	assert.Equal(t, 80, merged.Count)
}

func TestSortProps(t *testing.T) {
	props := map[string]struct{}{
		"zebra":        {},
		"Apple":        {},
		"Bounced":      {},
		"Opened":       {},
		"!!tags":       {},
		"Unsubscribed": {},
	}
	assert.Equal(t,
		[]string{"Email", "!!tags", "Apple", "zebra", "Opened", "Bounced", "Unsubscribed"},
		sortProps(props))
}

func TestIsTrue(t *testing.T) {
	for _, v := range []string{"", "false", "f", "n", "no", "0"} {
		assert.False(t, isTrue(v), v)
	}
	for _, v := range []string{"true", "t", "yes", "1", "anything"} {
		assert.True(t, isTrue(v), v)
	}
}

func TestBlockKey(t *testing.T) {
	assert.Equal(t, "segmentexports/job-1/00000007.blk", blockKey("job-1", 7))
}
