package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// Render turns an event into a notification title and body.
func Render(ev domain.Event) (string, string) {
	title := fmt.Sprintf("Treasury %s.%s", ev.Stream, ev.Type)

	var fields map[string]any
	if err := json.Unmarshal(ev.Payload, &fields); err != nil || len(fields) == 0 {
		return title, fmt.Sprintf("seq %s at %s", humanize.Comma(int64(ev.Seq)), ev.RecordedAt.Time().Format("2006-01-02 15:04:05Z"))
	}

	switch ev.Stream + "." + ev.Type {
	case "fallback.status_changed":
		return title, fmt.Sprintf("System status %v -> %v (collateral ratio %s)",
			fields["from"], fields["to"], humanize.FtoaWithDigits(number(fields["ratio"]), 4))
	case "splitter.distribution_failed":
		return title, fmt.Sprintf("Distribution #%v of %s failed: %v",
			fields["id"], humanize.Comma(int64(number(fields["total_amount"]))), fields["failure_reason"])
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, value(k, fields[k])))
	}
	return title, strings.Join(lines, "\n")
}

func value(key string, v any) string {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) && (strings.Contains(key, "amount") || key == "value") {
			return humanize.Comma(int64(t))
		}
		return humanize.FtoaWithDigits(t, 4)
	case map[string]any:
		if d, ok := t["description"]; ok {
			return fmt.Sprint(d)
		}
		b, _ := json.Marshal(t)
		return string(b)
	case nil:
		return "-"
	default:
		return fmt.Sprint(t)
	}
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}
