package watchdog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/regtruth/regtruth/pkg/store"
)

// Digest summarizes the last 24 hours of pipeline activity for the
// daily audit mail.
type Digest struct {
	Since          time.Time
	RulesCreated   int
	RulesApproved  int
	RulesRejected  int
	RulesPublished int
	Releases       int
	Conflicts      int
	Warnings       int
	Criticals      int
	Alerts         []*store.Alert
}

// BuildDigest aggregates audit-log and alert counts over the window.
func (w *Watchdog) BuildDigest(ctx context.Context, window time.Duration) (*Digest, error) {
	since := w.clock().Add(-window)
	d := &Digest{Since: since}

	counts := []struct {
		action string
		dst    *int
	}{
		{store.AuditRuleCreated, &d.RulesCreated},
		{store.AuditRuleApproved, &d.RulesApproved},
		{store.AuditRuleRejected, &d.RulesRejected},
		{store.AuditRulePublished, &d.RulesPublished},
		{store.AuditReleasePublished, &d.Releases},
		{store.AuditConflictDetected, &d.Conflicts},
	}
	for _, c := range counts {
		n, err := w.store.Audit.CountByAction(ctx, c.action, since)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}

	severities, err := w.store.Alerts.CountBySeverity(ctx, since)
	if err != nil {
		return nil, err
	}
	d.Warnings = severities[store.SeverityWarning]
	d.Criticals = severities[store.SeverityCritical]

	if d.Alerts, err = w.store.Alerts.ListSince(ctx, since); err != nil {
		return nil, err
	}
	return d, nil
}

// Render formats the digest as plain text.
func (d *Digest) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline digest since %s\n\n", d.Since.Format(time.RFC3339))
	fmt.Fprintf(&b, "Rules:    %d created, %d approved, %d rejected, %d published\n",
		d.RulesCreated, d.RulesApproved, d.RulesRejected, d.RulesPublished)
	fmt.Fprintf(&b, "Releases: %d\n", d.Releases)
	fmt.Fprintf(&b, "Conflicts detected: %d\n", d.Conflicts)
	fmt.Fprintf(&b, "Alerts:   %d warning, %d critical\n", d.Warnings, d.Criticals)
	if len(d.Alerts) > 0 {
		b.WriteString("\n")
		for _, a := range d.Alerts {
			fmt.Fprintf(&b, "- [%s] %s: %s (seen %dx)\n",
				a.Severity, a.Type, a.Message, a.Occurrences)
		}
	}
	return b.String()
}

// SendDigest builds and mails the daily digest.
func (w *Watchdog) SendDigest(ctx context.Context, window time.Duration, send EmailSender, recipient string) (*Digest, error) {
	d, err := w.BuildDigest(ctx, window)
	if err != nil {
		return nil, err
	}
	if send != nil && recipient != "" {
		subject := fmt.Sprintf("Pipeline digest: %d critical, %d warning", d.Criticals, d.Warnings)
		if err := send(ctx, recipient, subject, d.Render()); err != nil {
			w.logger.Warn("digest mail failed", "recipient", recipient, "error", err)
		}
	}
	return d, nil
}
