package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience-engine/internal/bulk"
	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/importer"
	"github.com/ignite/audience-engine/internal/pkg/httputil"
	"github.com/ignite/audience-engine/internal/segment"
)

type segmentBody struct {
	Segment *segment.Segment `json:"segment"`
	ListID  string           `json:"list_id,omitempty"`
	Tags    []string         `json:"tags,omitempty"`
	Tag     string           `json:"tag,omitempty"`
	Domains []string         `json:"domains,omitempty"`
	Route   string           `json:"route,omitempty"`
}

// BulkTag applies tag deltas to every contact matching a segment.
func (h *Handlers) BulkTag(w http.ResponseWriter, r *http.Request) {
	var body segmentBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Segment == nil || len(body.Tags) == 0 {
		httputil.BadRequest(w, "segment and tags are required")
		return
	}
	if err := h.ops.Tag(r.Context(), chi.URLParam(r, "tenant"), body.Segment, body.Tags); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// BulkRemoveList drops every contact matching a segment from one list.
func (h *Handlers) BulkRemoveList(w http.ResponseWriter, r *http.Request) {
	var body segmentBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Segment == nil || body.ListID == "" {
		httputil.BadRequest(w, "segment and list_id are required")
		return
	}
	if err := h.ops.RemoveFromList(r.Context(), chi.URLParam(r, "tenant"), body.Segment, body.ListID); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// BulkRemoveTag strips a tag from the whole tenant.
func (h *Handlers) BulkRemoveTag(w http.ResponseWriter, r *http.Request) {
	var body segmentBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Tag == "" {
		httputil.BadRequest(w, "tag is required")
		return
	}
	if err := h.ops.RemoveTagEverywhere(r.Context(), chi.URLParam(r, "tenant"), body.Tag); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// BulkEraseDomains destroys every contact whose address belongs to one of
// the given domains.
func (h *Handlers) BulkEraseDomains(w http.ResponseWriter, r *http.Request) {
	var body segmentBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if len(body.Domains) == 0 {
		httputil.BadRequest(w, "domains are required")
		return
	}
	if err := h.ops.EraseDomains(r.Context(), chi.URLParam(r, "tenant"), body.Domains); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// RemoveListDomains drops every member of one list whose address belongs
// to one of the given domains.
func (h *Handlers) RemoveListDomains(w http.ResponseWriter, r *http.Request) {
	var body segmentBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if len(body.Domains) == 0 {
		httputil.BadRequest(w, "domains are required")
		return
	}
	if err := h.ops.RemoveListDomains(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "listID"), body.Domains); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// SendableAudience computes the dispatchable audience of a segment,
// grouped by domain and clamped to the route's remaining per-domain send
// capacity. Suppressed contacts never appear in the result.
func (h *Handlers) SendableAudience(w http.ResponseWriter, r *http.Request) {
	var body segmentBody
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Segment == nil || body.Route == "" {
		httputil.BadRequest(w, "segment and route are required")
		return
	}
	byDomain, err := h.ops.SendableRows(r.Context(), chi.URLParam(r, "tenant"), body.Segment, body.Route)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, byDomain)
}

// RefreshCounts schedules a match count refresh for every segment of the
// tenant.
func (h *Handlers) RefreshCounts(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	segments, err := store.Segments(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	checks := make([]bulk.SegmentCheck, 0, len(segments))
	for _, si := range segments {
		checks = append(checks, bulk.SegmentCheck{ID: si.ID, Modified: si.Modified})
	}
	jobID, err := h.ops.RefreshCounts(r.Context(), store.Tenant(), checks)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// RefreshActive schedules a recount of the activity-window counters.
func (h *Handlers) RefreshActive(w http.ResponseWriter, r *http.Request) {
	jobID, err := h.ops.RefreshActive(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// ExportList starts a zipped CSV export of one list's membership.
func (h *Handlers) ExportList(w http.ResponseWriter, r *http.Request) {
	exportID, err := h.ops.ExportList(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "listID"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"export_id": exportID})
}

// ExportStatus reports an export's state.
func (h *Handlers) ExportStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.ops.ExportStatus(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "exportID"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if state == nil {
		httputil.NotFound(w, "unknown export")
		return
	}
	httputil.OK(w, state)
}

// ImportList ingests a CSV upload into a list. The body is the raw CSV;
// override and unsubscribe arrive as query flags.
func (h *Handlers) ImportList(w http.ResponseWriter, r *http.Request) {
	h.importUpload(w, r, contactstore.KindList)
}

// ImportSuppList ingests a CSV upload into a suppression list.
func (h *Handlers) ImportSuppList(w http.ResponseWriter, r *http.Request) {
	h.importUpload(w, r, contactstore.KindSupp)
}

func (h *Handlers) importUpload(w http.ResponseWriter, r *http.Request, kind contactstore.ListKind) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 256<<20))
	if err != nil {
		httputil.BadRequest(w, "read upload: "+err.Error())
		return
	}
	opts := importer.Options{
		Override:       r.URL.Query().Get("override") == "true",
		Unsubscribe:    r.URL.Query().Get("unsubscribe") == "true",
		SkipValidation: r.URL.Query().Get("skip_validation") == "true",
	}
	jobID, err := h.imp.Submit(r.Context(), chi.URLParam(r, "tenant"), kind, chi.URLParam(r, "listID"), data, opts)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// Reshard re-evaluates the tenant's partition fan-out.
func (h *Handlers) Reshard(w http.ResponseWriter, r *http.Request) {
	if err := h.dir.Reshard(r.Context(), chi.URLParam(r, "tenant")); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}
