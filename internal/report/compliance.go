package report

import (
	"context"
	"fmt"

	"revealgate.dev/internal/ledger"
)

// MFAAdoption compares MFA-enabled users against enabled trusted users.
type MFAAdoption struct {
	Enabled    int     `json:"enabled"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Compliance is the audit summary for a period.
type Compliance struct {
	Period      string      `json:"period"`
	Days        int         `json:"days"`
	Total       int         `json:"total_reveals"`
	Successful  int         `json:"successful_reveals"`
	Failed      int         `json:"failed_attempts"`
	SuccessRate float64     `json:"success_rate"`
	ByUser      []Count     `json:"by_user"`
	ByDoctype   []Count     `json:"by_doctype"`
	MFA         MFAAdoption `json:"mfa_adoption"`
}

// Compliance summarises the last days of reveals with MFA adoption.
func (s *Service) Compliance(ctx context.Context, days int) (Compliance, error) {
	rows, _, _, err := s.sessions(ctx, days)
	if err != nil {
		return Compliance{}, err
	}

	c := Compliance{Period: fmt.Sprintf("Last %d days", days), Days: days, Total: len(rows)}
	users := map[string]int{}
	doctypes := map[string]int{}
	for _, r := range rows {
		if r.Success {
			c.Successful++
		}
		if r.Via != ledger.ViaLink {
			users[r.User]++
		}
		doctypes[r.Doctype]++
	}
	c.Failed = c.Total - c.Successful
	c.SuccessRate = percent(c.Successful, c.Total)
	c.ByUser = top(users, 0)
	c.ByDoctype = top(doctypes, 0)

	if s.mfa != nil {
		n, err := s.mfa.CountEnabled(ctx)
		if err != nil {
			return Compliance{}, fmt.Errorf("report: count mfa: %w", err)
		}
		c.MFA.Enabled = n
	}
	if s.trusted != nil {
		trusted, err := s.trusted.ListTrusted(ctx)
		if err != nil {
			return Compliance{}, fmt.Errorf("report: list trusted: %w", err)
		}
		for _, t := range trusted {
			if t.Enabled {
				c.MFA.Total++
			}
		}
	}
	c.MFA.Percentage = percent(c.MFA.Enabled, c.MFA.Total)
	return c, nil
}
