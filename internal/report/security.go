package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"revealgate.dev/internal/ledger"
)

// Severity of a dashboard alert.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert is a dashboard finding.
type Alert struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// DayCount is one timeline bucket.
type DayCount struct {
	Date       string `json:"date"`
	Normal     int    `json:"normal"`
	Suspicious int    `json:"suspicious"`
}

// IPCount is a source address with the users seen behind it.
type IPCount struct {
	IP    string   `json:"ip"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// DeviceCount groups sessions by coarse device class.
type DeviceCount struct {
	DeviceType string  `json:"device_type"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// SecurityMetrics is the security dashboard payload.
type SecurityMetrics struct {
	Days                 int                    `json:"days"`
	Since                time.Time              `json:"since"`
	Total                int                    `json:"total_sessions"`
	Suspicious           int                    `json:"suspicious_count"`
	SuspiciousRate       float64                `json:"suspicious_rate"`
	UniqueUsers          int                    `json:"unique_users"`
	AverageScore         float64                `json:"avg_anomaly_score"`
	Timeline             []DayCount             `json:"timeline"`
	TopUsers             []Count                `json:"top_users"`
	TopIPs               []IPCount              `json:"top_ips"`
	Devices              []DeviceCount          `json:"device_stats"`
	SuspiciousActivities []ledger.RevealSession `json:"suspicious_activities"`
	Alerts               []Alert                `json:"alerts"`
}

// SecurityMetrics builds the dashboard over the last days.
func (s *Service) SecurityMetrics(ctx context.Context, days int) (SecurityMetrics, error) {
	rows, since, until, err := s.sessions(ctx, days)
	if err != nil {
		return SecurityMetrics{}, err
	}

	m := SecurityMetrics{Days: days, Since: since, Total: len(rows)}
	users := map[string]int{}
	ips := map[string]int{}
	ipUsers := map[string]map[string]struct{}{}
	devices := map[string]int{}
	byDay := map[string]*DayCount{}
	var scoreSum, scored, recent int
	var suspicious []ledger.RevealSession
	dayAgo := until.Add(-24 * time.Hour)

	for _, r := range rows {
		if r.Suspicious {
			m.Suspicious++
			suspicious = append(suspicious, r)
			if !r.Timestamp.Before(dayAgo) {
				recent++
			}
		}
		if r.AnomalyScore > 0 {
			scoreSum += r.AnomalyScore
			scored++
		}
		if r.Via != ledger.ViaLink {
			users[r.User]++
		}
		if r.IP != "" {
			ips[r.IP]++
			if ipUsers[r.IP] == nil {
				ipUsers[r.IP] = map[string]struct{}{}
			}
			ipUsers[r.IP][r.User] = struct{}{}
		}
		devices[deviceClass(r.UserAgent)]++

		key := r.Timestamp.UTC().Format(time.DateOnly)
		dc, ok := byDay[key]
		if !ok {
			dc = &DayCount{Date: key}
			byDay[key] = dc
		}
		if r.Suspicious {
			dc.Suspicious++
		} else {
			dc.Normal++
		}
	}

	m.UniqueUsers = len(users)
	m.SuspiciousRate = percent(m.Suspicious, m.Total)
	if scored > 0 {
		m.AverageScore = round1(float64(scoreSum) / float64(scored))
	}
	for d := since.Truncate(24 * time.Hour); !d.After(until); d = d.AddDate(0, 0, 1) {
		key := d.Format(time.DateOnly)
		if dc, ok := byDay[key]; ok {
			m.Timeline = append(m.Timeline, *dc)
		} else {
			m.Timeline = append(m.Timeline, DayCount{Date: key})
		}
	}
	m.TopUsers = top(users, topN)
	for _, c := range top(ips, topN) {
		entry := IPCount{IP: c.Key, Count: c.Count}
		for u := range ipUsers[c.Key] {
			entry.Users = append(entry.Users, u)
		}
		sort.Strings(entry.Users)
		m.TopIPs = append(m.TopIPs, entry)
	}
	for _, c := range top(devices, 0) {
		m.Devices = append(m.Devices, DeviceCount{DeviceType: c.Key, Count: c.Count, Percentage: percent(c.Count, m.Total)})
	}

	sort.SliceStable(suspicious, func(i, j int) bool {
		if suspicious[i].AnomalyScore == suspicious[j].AnomalyScore {
			return suspicious[i].Timestamp.After(suspicious[j].Timestamp)
		}
		return suspicious[i].AnomalyScore > suspicious[j].AnomalyScore
	})
	if len(suspicious) > suspiciousListN {
		suspicious = suspicious[:suspiciousListN]
	}
	m.SuspiciousActivities = suspicious
	m.Alerts = Alerts(m.SuspiciousRate, m.AverageScore, recent, m.Total)
	return m, nil
}

// Alerts grades the dashboard figures. It always returns at least one alert.
func Alerts(suspiciousRate, avgScore float64, recentSuspicious, total int) []Alert {
	var out []Alert
	if total > 0 {
		switch {
		case suspiciousRate > 20:
			out = append(out, Alert{SeverityCritical, "Critical: High Suspicious Activity Rate",
				fmt.Sprintf("%.1f%% of sessions are flagged as suspicious. Immediate investigation recommended.", suspiciousRate)})
		case suspiciousRate > 10:
			out = append(out, Alert{SeverityWarning, "Warning: Elevated Suspicious Activity",
				fmt.Sprintf("%.1f%% of sessions are flagged as suspicious. Monitor closely.", suspiciousRate)})
		}
	}
	switch {
	case avgScore > 60:
		out = append(out, Alert{SeverityCritical, "Critical: High Anomaly Score",
			fmt.Sprintf("Average anomaly score is %.1f/100. Review security policies.", avgScore)})
	case avgScore > 40:
		out = append(out, Alert{SeverityWarning, "Warning: Elevated Anomaly Score",
			fmt.Sprintf("Average anomaly score is %.1f/100. Consider tightening security.", avgScore)})
	}
	if recentSuspicious > recentSpikeLimit {
		out = append(out, Alert{SeverityWarning, "Warning: Recent Activity Spike",
			fmt.Sprintf("%d suspicious activities in the last 24 hours.", recentSuspicious)})
	}
	if len(out) == 0 {
		out = append(out, Alert{SeverityInfo, "All Clear", "No significant security concerns detected."})
	}
	return out
}

func deviceClass(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return "Unknown"
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		return "Mobile"
	case strings.Contains(ua, "tablet"), strings.Contains(ua, "ipad"):
		return "Tablet"
	}
	return "Desktop"
}

// CSVHeader is the first row of ExportCSV.
var CSVHeader = []string{"Timestamp", "User", "DocType", "Document", "Field", "IP Address", "Success", "Suspicious", "Anomaly Score", "Reasons"}

// ExportCSV writes the sessions of the last days to w, newest first.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, days int) error {
	rows, _, _, err := s.sessions(ctx, days)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range rows {
		ip := r.IP
		if ip == "" {
			ip = "N/A"
		}
		reasons := strings.Join(r.AnomalyReasons, "; ")
		if reasons == "" {
			reasons = "N/A"
		}
		rec := []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.User,
			r.Doctype,
			r.Docname,
			r.Field,
			ip,
			yesNo(r.Success),
			yesNo(r.Suspicious),
			strconv.Itoa(r.AnomalyScore),
			reasons,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
