package contactstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/audience-engine/internal/tenant"
)

// Store is a tenant-scoped repository over the seven contact relation
// families plus the shared aggregate tables (lists, supplists,
// list_domains, alltags, unsublogs, exclusions). All relation names come
// from tenant.Relations; nothing here formats them ad hoc.
type Store struct {
	db   *sql.DB
	rel  tenant.Relations
	sink Notifier

	// Advance, when set, is called after a first open or first click is
	// recorded for a (contact, campaign) pair so automation sequences can
	// move the contact forward.
	Advance func(ctx context.Context, tenantID, email, campaignID, kind string)
}

// New builds a Store for one tenant. The tenant id is validated because it
// is embedded in relation names.
func New(db *sql.DB, tenantID string, sink Notifier) (*Store, error) {
	if !tenant.ValidID(tenantID) {
		return nil, fmt.Errorf("contactstore: %w: %q", tenant.ErrBadTenantID, tenantID)
	}
	if sink == nil {
		sink = NopNotifier{}
	}
	return &Store{db: db, rel: tenant.Relations{Tenant: tenantID}, sink: sink}, nil
}

// Tenant returns the tenant id the store is bound to.
func (s *Store) Tenant() string { return s.rel.Tenant }

// querier is satisfied by both *sql.DB and *sql.Tx so the aggregate
// helpers can run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// StatusCounts carries the four suppression status tallies that every
// mutation path reports back into list aggregates.
type StatusCounts struct {
	Bounced      int64
	Unsubscribed int64
	Complained   int64
	SoftBounced  int64
}

// Add accumulates another tally into the receiver.
func (c *StatusCounts) Add(o StatusCounts) {
	c.Bounced += o.Bounced
	c.Unsubscribed += o.Unsubscribed
	c.Complained += o.Complained
	c.SoftBounced += o.SoftBounced
}

// Neg returns the negated tally, for decrement patches.
func (c StatusCounts) Neg() StatusCounts {
	return StatusCounts{-c.Bounced, -c.Unsubscribed, -c.Complained, -c.SoftBounced}
}

// Notification is a contact change event for outbound delivery. Timestamp
// is RFC 3339 UTC.
type Notification struct {
	Type      string `json:"type"`
	List      string `json:"list,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Email     string `json:"email"`
	Timestamp string `json:"timestamp"`
}

// Notifier receives contact change events. Delivery failures must not
// affect the mutation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, tenantID string, msgs []Notification)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, []Notification) {}

// statusProps are maintained by event processing and may not be imported
// as ordinary data columns.
var statusProps = map[string]bool{
	"Bounced":      true,
	"Unsubscribed": true,
	"Complained":   true,
	"Soft Bounced": true,
}

// IsStatusProp reports whether a property name is one of the maintained
// delivery status columns.
func IsStatusProp(name string) bool {
	return statusProps[name]
}

// ValidProp reports whether a name may be stored as a contact property.
// Bang-prefixed names are reserved for computed pseudo-properties and
// commas collide with the tag list encoding.
func ValidProp(name string) bool {
	return strings.TrimSpace(name) != "" &&
		!strings.Contains(name, "!") &&
		!strings.Contains(name, ",")
}

var md5Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

func domainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func stampFromUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// statusExpr yields the boolean projection of one status property on a
// contacts row aliased c. Empty string and null both read as false.
func statusExpr(prop string) string {
	return fmt.Sprintf(`coalesce((nullif(props->'%s'->>0, ''))::bool, false)`, prop)
}
