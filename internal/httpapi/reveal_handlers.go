package httpapi

import (
	"net/http"
	"strings"

	"revealgate.dev/internal/ledger"
	"revealgate.dev/internal/reveal"
)

type revealRequest struct {
	Doctype  string `json:"doctype"`
	Docname  string `json:"docname"`
	Field    string `json:"field"`
	MFAToken string `json:"mfa_token"`
}

type revealResponse struct {
	Doctype string `json:"doctype"`
	Docname string `json:"docname"`
	Field   string `json:"field"`
	Value   string `json:"value"`
}

func (a *API) handleDoctypes(w http.ResponseWriter, r *http.Request) {
	if a.svc.Gate == nil {
		unavailable(w, r, "reveal gate")
		return
	}
	doctypes, err := a.svc.Gate.AllowedDoctypes(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	if doctypes == nil {
		doctypes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"doctypes": doctypes})
}

func (a *API) handlePermission(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.Gate == nil {
		unavailable(w, r, "reveal gate")
		return
	}
	q := r.URL.Query()
	doctype, field := strings.TrimSpace(q.Get("doctype")), strings.TrimSpace(q.Get("field"))
	if doctype == "" || field == "" {
		writeError(w, r, http.StatusBadRequest, "doctype and field are required")
		return
	}
	allowed, err := a.svc.Gate.CanReveal(r.Context(), user, doctype, field)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctype": doctype,
		"field":   field,
		"allowed": allowed,
	})
}

func (a *API) handleReveal(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.Gate == nil {
		unavailable(w, r, "reveal gate")
		return
	}
	var req revealRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ip, ua := clientIP(r), r.UserAgent()
	value, err := a.svc.Gate.Reveal(r.Context(), reveal.Request{
		Doctype:     req.Doctype,
		Docname:     req.Docname,
		Field:       req.Field,
		User:        user,
		MFAToken:    req.MFAToken,
		IP:          ip,
		UserAgent:   ua,
		Fingerprint: reveal.Fingerprint(ua, ip),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, revealResponse{
		Doctype: req.Doctype,
		Docname: req.Docname,
		Field:   req.Field,
		Value:   value,
	})
}

// handleHistory lists the caller's own reveal sessions, newest first.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if a.svc.Ledger == nil {
		unavailable(w, r, "ledger")
		return
	}
	limit, err := intParam(r, "limit", 50, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.Ledger.List(r.Context(), ledger.Filter{
		User:    user,
		Doctype: strings.TrimSpace(r.URL.Query().Get("doctype")),
		Limit:   limit,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.RevealSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
