package tenant

import (
	"fmt"
	"regexp"
)

// Relations resolves the per-tenant relation names under the contacts
// schema. All query building goes through this type; nothing else formats
// relation names.
type Relations struct {
	Tenant string
}

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidID reports whether a tenant id is safe to embed in a relation name.
func ValidID(id string) bool {
	return id != "" && len(id) <= 64 && tenantIDPattern.MatchString(id)
}

func (r Relations) rel(family string) string {
	return fmt.Sprintf(`contacts."%s_%s"`, family, r.Tenant)
}

// Contacts is the identity relation: one row per unique address.
func (r Relations) Contacts() string { return r.rel("contacts") }

// Lists holds (list_id, contact_id) membership edges.
func (r Relations) Lists() string { return r.rel("contact_lists") }

// SuppLists holds (supplist_id, contact_id) suppression membership edges.
func (r Relations) SuppLists() string { return r.rel("contact_supplists") }

// Values holds typed attribute edges (tag, device, os, browser, country,
// region, zip).
func (r Relations) Values() string { return r.rel("contact_values") }

// OpenLogs holds per-(contact, campaign) open facts.
func (r Relations) OpenLogs() string { return r.rel("contact_open_logs") }

// ClickLogs holds per-(contact, campaign, link, revision) click facts.
func (r Relations) ClickLogs() string { return r.rel("contact_click_logs") }

// SendLogs holds per-(contact, campaign) send facts.
func (r Relations) SendLogs() string { return r.rel("contact_send_logs") }

// families in fixed reorganization order. Reshard and schema bootstrap
// both iterate this list so the seven families never drift apart.
var families = []string{
	"contacts",
	"contact_lists",
	"contact_supplists",
	"contact_values",
	"contact_open_logs",
	"contact_click_logs",
	"contact_send_logs",
}

// All returns the seven relation names in fixed order.
func (r Relations) All() []string {
	out := make([]string, len(families))
	for i, f := range families {
		out[i] = r.rel(f)
	}
	return out
}

func (r Relations) hashIndex(family string) string {
	return fmt.Sprintf(`"%s_%s_hash_idx"`, family, r.Tenant)
}
