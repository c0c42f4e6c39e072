package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"revealgate.dev/internal/audit"
	"revealgate.dev/internal/ledger"
	"revealgate.dev/internal/rotation"
)

const (
	maxReportDays = 3650
	maxReportRows = 1000
)

func (a *API) handleRotationRun(w http.ResponseWriter, r *http.Request) {
	if a.svc.Rotation == nil {
		unavailable(w, r, "rotation")
		return
	}
	name := r.PathValue("policy")
	var opts []rotation.RunOption
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		opts = append(opts, rotation.Force())
	}
	res, err := a.svc.Rotation.Run(r.Context(), name, opts...)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rotation.run", map[string]any{
		"policy":  res.Policy,
		"success": res.Success,
		"failed":  res.Failed,
		"forced":  len(opts) > 0,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRotationPolicies(w http.ResponseWriter, r *http.Request) {
	if a.svc.Rotation == nil {
		unavailable(w, r, "rotation")
		return
	}
	policies, err := a.svc.Rotation.Policies(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	if policies == nil {
		policies = []rotation.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": policies})
}

func (a *API) handleSavePolicy(w http.ResponseWriter, r *http.Request) {
	if a.svc.Rotation == nil {
		unavailable(w, r, "rotation")
		return
	}
	var p rotation.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Rotation.SavePolicy(r.Context(), p); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rotation.policy.saved", map[string]any{"policy": p.Name})
	writeJSON(w, http.StatusOK, map[string]any{"policy": p.Name})
}

func (a *API) handleRotationHistory(w http.ResponseWriter, r *http.Request) {
	if a.svc.Rotation == nil {
		unavailable(w, r, "rotation")
		return
	}
	limit, err := intParam(r, "limit", 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.Rotation.History(r.Context(), strings.TrimSpace(r.URL.Query().Get("policy")), limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if items == nil {
		items = []rotation.History{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if a.svc.Reports == nil {
		unavailable(w, r, "reports")
		return
	}
	stats, err := a.svc.Reports.Statistics(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	if a.svc.Reports == nil {
		unavailable(w, r, "reports")
		return
	}
	days, err := intParam(r, "days", 30, 1, maxReportDays)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.Reports.SecurityMetrics(r.Context(), days)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleSecurityExport(w http.ResponseWriter, r *http.Request) {
	if a.svc.Reports == nil {
		unavailable(w, r, "reports")
		return
	}
	days, err := intParam(r, "days", 30, 1, maxReportDays)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Buffered so a mid-export failure can still become a JSON error.
	var buf bytes.Buffer
	if err := a.svc.Reports.ExportCSV(r.Context(), &buf, days); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "report.exported", map[string]any{"days": days})
	filename := fmt.Sprintf("security_report_%s.csv", a.now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (a *API) handleCompliance(w http.ResponseWriter, r *http.Request) {
	if a.svc.Reports == nil {
		unavailable(w, r, "reports")
		return
	}
	days, err := intParam(r, "days", 30, 1, maxReportDays)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.Reports.Compliance(r.Context(), days)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleSuspiciousSessions(w http.ResponseWriter, r *http.Request) {
	a.sessionReport(w, r, a.svc.Reports.SuspiciousSessions)
}

func (a *API) handleFailedAttempts(w http.ResponseWriter, r *http.Request) {
	a.sessionReport(w, r, a.svc.Reports.FailedAttempts)
}

// sessionReport serves a filtered ledger view bounded by days and limit.
func (a *API) sessionReport(w http.ResponseWriter, r *http.Request, list func(context.Context, int, int) ([]ledger.RevealSession, error)) {
	if a.svc.Reports == nil {
		unavailable(w, r, "reports")
		return
	}
	days, err := intParam(r, "days", 7, 1, maxReportDays)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", 100, 1, maxReportRows)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := list(r.Context(), days, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.RevealSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
