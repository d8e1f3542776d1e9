package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"MarketCrawler/internal/model"

	"github.com/dustin/go-humanize"
)

// maxListedKeys caps how many failed keys are listed in one message.
const maxListedKeys = 10

// FormatRunReport formats a completed run into a Telegram message.
func FormatRunReport(r *model.RunReport) string {
	var b strings.Builder

	icon := "✅"
	if r.Degraded() {
		icon = "⚠️"
	}
	b.WriteString(fmt.Sprintf("%s <b>MarketCrawler run</b> | %s\n\n", icon, r.StartedAt.Format("2006-01-02 15:04")))
	b.WriteString(fmt.Sprintf("Run: <code>%s</code>\n", r.RunID))
	b.WriteString(fmt.Sprintf("Duration: %s\n", r.Duration().Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("Planned: %s\n", humanize.Comma(int64(r.Planned))))
	b.WriteString(fmt.Sprintf("Persisted: %s (%s)\n", humanize.Comma(int64(r.Persisted)), percent(r.Persisted, r.Planned)))

	if r.Failures() > 0 || r.Cancelled > 0 {
		b.WriteString("\n📉 <b>Failures:</b>\n")
		writeCount(&b, "fetch failed", r.FetchFailed)
		writeCount(&b, "retries exhausted", r.FetchExhausted)
		writeCount(&b, "parse failed", r.ParseFailed)
		writeCount(&b, "persist failed", r.PersistFailed)
		writeCount(&b, "cancelled", r.Cancelled)
	}

	if len(r.FailedKeys) > 0 {
		b.WriteString("\n<b>Failed keys:</b>\n")
		for i, k := range r.FailedKeys {
			if i == maxListedKeys {
				b.WriteString(fmt.Sprintf("  … and %d more\n", len(r.FailedKeys)-maxListedKeys))
				break
			}
			b.WriteString(fmt.Sprintf("  %s\n", html.EscapeString(k)))
		}
	}
	return b.String()
}

// FormatLatest formats the last recorded run with its age.
func FormatLatest(r *model.RunReport, now time.Time) string {
	if r == nil {
		return "No runs recorded yet."
	}
	return fmt.Sprintf("Last run finished %s.\n\n%s", humanize.RelTime(r.FinishedAt, now, "ago", "from now"), FormatRunReport(r))
}

func writeCount(b *strings.Builder, label string, n int) {
	if n == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("  %s: %s\n", label, humanize.Comma(int64(n))))
}

func percent(n, total int) string {
	if total == 0 {
		return "0%"
	}
	return humanize.FtoaWithDigits(float64(n)*100/float64(total), 1) + "%"
}
