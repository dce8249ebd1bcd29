package segment

import (
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"
)

// EventRef is one open-log entry: a campaign and when it happened.
type EventRef struct {
	TS       int64  `json:"ts"`
	Campaign string `json:"campid"`
}

// ClickRef is one click-log entry. UpdatedTS distinguishes link revisions;
// zero means the original revision.
type ClickRef struct {
	TS        int64  `json:"ts"`
	Campaign  string `json:"campid"`
	LinkIndex int    `json:"linkindex"`
	UpdatedTS int64  `json:"updatedts"`
}

// Row is one contact's projected view for evaluation: the free-form
// properties plus the attribute sets and event logs the predicate kinds
// test against. AddedIndex is the contact's ordinal position by (added,
// email) within the full partition batch; recency-sorted subset sampling
// depends on it.
type Row struct {
	Email      string              `json:"email"`
	Added      int64               `json:"added"`
	AddedIndex int64               `json:"added_index"`
	Lists      []string            `json:"lists"`
	Props      map[string][]string `json:"props"`
	Tags       []string            `json:"tags,omitempty"`
	Device     []int               `json:"device,omitempty"`
	OS         []int               `json:"os,omitempty"`
	Browser    []int               `json:"browser,omitempty"`
	Country    []string            `json:"country,omitempty"`
	Region     []string            `json:"region,omitempty"`
	Zip        []string            `json:"zip,omitempty"`
	OpenLogs   []EventRef          `json:"open_logs,omitempty"`
	ClickLogs  []ClickRef          `json:"click_logs,omitempty"`
}

// Domain returns the address domain, empty when the address is malformed.
func (r *Row) Domain() string {
	at := strings.LastIndex(r.Email, "@")
	if at < 0 {
		return ""
	}
	return r.Email[at+1:]
}

// TagSet expands the row's comma-joined tag values into a set.
func (r *Row) TagSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, raw := range r.Tags {
		if raw == "" {
			continue
		}
		for _, tag := range strings.Split(raw, ",") {
			set[tag] = struct{}{}
		}
	}
	return set
}

// StableHash is the reproducible per-address hash used both to order rows
// and as the sampling tiebreaker. The same address always lands at the
// same point of the 32-bit range, so percent sampling picks the same
// members across pagination calls and across partitions.
func StableHash(email string) uint32 {
	return murmur3.Sum32([]byte(email))
}

// SortRows orders rows by their stable address hash. Partition tasks sort
// before evaluating so that running subset counts are reproducible.
func SortRows(rows []*Row) {
	sort.Slice(rows, func(i, j int) bool {
		hi, hj := StableHash(rows[i].Email), StableHash(rows[j].Email)
		if hi != hj {
			return hi < hj
		}
		return rows[i].Email < rows[j].Email
	})
}
