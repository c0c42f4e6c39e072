package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"revealgate.dev/internal/audit"
	"revealgate.dev/internal/links"
)

type linkView struct {
	links.Link
	URL           string `json:"url"`
	Status        string `json:"status"`
	RemainingUses int    `json:"remaining_uses"`
}

type createdLinkResponse struct {
	LinkID    string    `json:"link_id"`
	URL       string    `json:"url"`
	QRCode    string    `json:"qr_code"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses"`
	Doctype   string    `json:"doctype"`
	Docname   string    `json:"docname"`
	Field     string    `json:"field"`
}

type guestLinkResponse struct {
	Doctype       string    `json:"doctype"`
	Docname       string    `json:"docname"`
	Field         string    `json:"field"`
	Value         string    `json:"value"`
	ExpiresAt     time.Time `json:"expires_at"`
	RemainingUses int       `json:"remaining_uses"`
}

func (a *API) viewLink(l links.Link) linkView {
	return linkView{
		Link:          l,
		URL:           a.svc.Links.URL(l.ID),
		Status:        l.Status(a.now()),
		RemainingUses: l.RemainingUses(),
	}
}

func (a *API) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.Links == nil {
		unavailable(w, r, "links")
		return
	}
	var req links.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Creator = user

	created, err := a.svc.Links.Create(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "link.created", map[string]any{
		"link_id":    created.Link.ID,
		"doctype":    created.Link.Doctype,
		"docname":    created.Link.Docname,
		"field":      created.Link.Field,
		"max_uses":   created.Link.MaxUses,
		"expires_at": created.Link.ExpiresAt.Format(time.RFC3339),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/links/%s", created.Link.ID))
	noStore(w)
	writeJSON(w, http.StatusCreated, createdLinkResponse{
		LinkID:    created.Link.ID,
		URL:       created.URL,
		QRCode:    created.QRCode,
		ExpiresAt: created.Link.ExpiresAt,
		MaxUses:   created.Link.MaxUses,
		Doctype:   created.Link.Doctype,
		Docname:   created.Link.Docname,
		Field:     created.Link.Field,
	})
}

func (a *API) handleListLinks(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.Links == nil {
		unavailable(w, r, "links")
		return
	}
	limit, err := intParam(r, "limit", links.DefaultListLimit, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.svc.Links.ListByCreator(r.Context(), user, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	items := make([]linkView, 0, len(list))
	for _, l := range list {
		items = append(items, a.viewLink(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleRevokeLink(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.Links == nil {
		unavailable(w, r, "links")
		return
	}
	l, err := a.svc.Links.Revoke(r.Context(), r.PathValue("id"), user)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "link.revoked", map[string]any{"link_id": l.ID})
	writeJSON(w, http.StatusOK, a.viewLink(l))
}

// handleGuestLink serves an unauthenticated capability link. The token in
// the path is the only credential.
func (a *API) handleGuestLink(w http.ResponseWriter, r *http.Request) {
	if a.svc.Links == nil {
		unavailable(w, r, "links")
		return
	}
	consumed, err := a.svc.Links.ValidateAndConsume(r.Context(), r.PathValue("id"), links.Access{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, guestLinkResponse{
		Doctype:       consumed.Link.Doctype,
		Docname:       consumed.Link.Docname,
		Field:         consumed.Link.Field,
		Value:         consumed.Value,
		ExpiresAt:     consumed.Link.ExpiresAt,
		RemainingUses: consumed.Link.RemainingUses(),
	})
}
