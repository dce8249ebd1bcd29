package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/pkg/httputil"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

func (h *Handlers) store(w http.ResponseWriter, r *http.Request) (*contactstore.Store, bool) {
	store, err := contactstore.New(h.db, chi.URLParam(r, "tenant"), h.sink)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	return store, true
}

func emailParam(r *http.Request) string {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		return ""
	}
	return email
}

// GetContact returns a contact's full profile.
func (h *Handlers) GetContact(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	profile, err := store.ContactData(r.Context(), emailParam(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if profile == nil {
		httputil.NotFound(w, "unknown contact")
		return
	}
	httputil.OK(w, profile)
}

// PatchContact replaces a contact's property document.
func (h *Handlers) PatchContact(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var body struct {
		Props map[string]string `json:"props"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if err := store.OverwriteProps(r.Context(), emailParam(r), body.Props); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// DeleteContact erases a contact and all its traces.
func (h *Handlers) DeleteContact(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	dropUnsubLog := r.URL.Query().Get("unsublog") == "true"
	email := emailParam(r)
	if err := store.Erase(r.Context(), []string{email}, dropUnsubLog); err != nil {
		httputil.InternalError(w, err)
		return
	}
	logger.Info("contact erased", "tenant", store.Tenant(), "email", logger.RedactEmail(email))
	httputil.NoContent(w)
}

// ExportContact starts a single-contact archive export, optionally erasing
// the contact once it is written.
func (h *Handlers) ExportContact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Erase bool `json:"erase,omitempty"`
	}
	if r.ContentLength > 0 && !httputil.Decode(w, r, &body) {
		return
	}
	exportID, err := h.ops.ExportContact(r.Context(), chi.URLParam(r, "tenant"), emailParam(r), body.Erase)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"export_id": exportID})
}

// RecordEvent ingests one engagement or delivery status event.
func (h *Handlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var ev contactstore.Event
	if !httputil.Decode(w, r, &ev) {
		return
	}
	if err := store.RecordEvent(r.Context(), ev); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.NoContent(w)
}

// UpdateTags applies tag deltas to a set of addresses.
func (h *Handlers) UpdateTags(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var body struct {
		Emails []string `json:"emails"`
		Tags   []string `json:"tags"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if err := store.UpdateTags(r.Context(), body.Emails, body.Tags); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// RecordSends logs a campaign dispatch against a set of addresses and
// applies the campaign's tag deltas. Responds with the addresses newly
// logged so the dispatcher can reconcile retries.
func (h *Handlers) RecordSends(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var body struct {
		CampaignID string   `json:"campaign_id"`
		Emails     []string `json:"emails"`
		Tags       []string `json:"tags,omitempty"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.CampaignID == "" || len(body.Emails) == 0 {
		httputil.BadRequest(w, "campaign_id and emails are required")
		return
	}
	logged, err := store.RecordSends(r.Context(), body.CampaignID, body.Emails, body.Tags)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"logged": logged})
}

// Feed adds one signup to a list.
func (h *Handlers) Feed(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var body struct {
		Data        map[string]string `json:"data"`
		Tags        []string          `json:"tags,omitempty"`
		Override    bool              `json:"override,omitempty"`
		Unsubscribe bool              `json:"unsubscribe,omitempty"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	opts := contactstore.FeedOptions{Override: body.Override, Unsubscribe: body.Unsubscribe}
	if err := store.Feed(r.Context(), chi.URLParam(r, "listID"), body.Data, body.Tags, opts); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.NoContent(w)
}
