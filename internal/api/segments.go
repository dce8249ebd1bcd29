package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience-engine/internal/bulk"
	"github.com/ignite/audience-engine/internal/gather"
	"github.com/ignite/audience-engine/internal/pkg/httputil"
	"github.com/ignite/audience-engine/internal/segment"
)

// ListSegments returns every segment id with its revision stamp.
func (h *Handlers) ListSegments(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	segments, err := store.Segments(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, segments)
}

// SaveSegment validates and stores a segment definition, then schedules a
// count refresh for it.
func (h *Handlers) SaveSegment(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var seg segment.Segment
	if !httputil.Decode(w, r, &seg) {
		return
	}
	seg.ID = chi.URLParam(r, "segmentID")

	if err := segment.CheckCycles(r.Context(), store, seg.ID, seg.Parts); err != nil {
		if errors.Is(err, segment.ErrCycle) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}
	if err := store.SaveSegment(r.Context(), &seg); err != nil {
		httputil.InternalError(w, err)
		return
	}

	jobID, err := h.ops.RefreshCounts(r.Context(), store.Tenant(), []bulk.SegmentCheck{{ID: seg.ID, Modified: seg.Modified}})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"id": seg.ID, "refresh_job": jobID})
}

// ValidateSegment checks a candidate definition for reference cycles
// without storing it.
func (h *Handlers) ValidateSegment(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var seg segment.Segment
	if !httputil.Decode(w, r, &seg) {
		return
	}
	if err := segment.CheckCycles(r.Context(), store, seg.ID, seg.Parts); err != nil {
		if errors.Is(err, segment.ErrCycle) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"valid": true})
}

// ExportSegment starts a zipped CSV export of a segment's matches.
func (h *Handlers) ExportSegment(w http.ResponseWriter, r *http.Request) {
	exportID, err := h.ops.ExportSegment(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "segmentID"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"export_id": exportID})
}

// Find evaluates a segment and returns one page of matching contacts, or
// a job id to poll when the tenant spans several partitions.
func (h *Handlers) Find(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Segment *segment.Segment `json:"segment"`
		Sort    bulk.SortSpec    `json:"sort"`
		Before  string           `json:"before,omitempty"`
		After   string           `json:"after,omitempty"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.Segment == nil {
		httputil.BadRequest(w, "segment is required")
		return
	}
	if body.Sort.ID == "" {
		body.Sort.ID = "Email"
	}

	result, jobID, err := h.ops.Find(r.Context(), chi.URLParam(r, "tenant"), body.Segment, body.Sort, body.Before, body.After)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if result != nil {
		httputil.OK(w, result)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// FindStatus polls a scattered find.
func (h *Handlers) FindStatus(w http.ResponseWriter, r *http.Request) {
	result, err := h.ops.FindStatus(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, gather.ErrNoJob) {
		httputil.NotFound(w, "unknown find job")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if result == nil {
		httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	httputil.OK(w, result)
}
