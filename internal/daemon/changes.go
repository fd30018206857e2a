package daemon

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/twilsync/internal/cache"
	"github.com/alexjbarnes/twilsync/internal/syncclient"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxEqualRun is the longest unchanged run kept verbatim in a rendered
// diff. Longer runs keep their ends around an ellipsis.
const maxEqualRun = 24

// logChange writes one change event for the entity named name.
func logChange(logger *slog.Logger, name string, ev syncclient.ChangeEvent) {
	attrs := []any{
		slog.String("entity", name),
		slog.String("sid", ev.EntitySid),
		slog.Bool("remote", ev.Remote),
	}

	switch {
	case ev.EntityRemoved:
		logger.Warn("entity removed", attrs...)

	case ev.Message != nil:
		attrs = append(attrs, slog.String("message_sid", ev.Message.Sid), slog.Int("bytes", len(ev.Message.Data)))
		logger.Info("stream message", attrs...)

	case ev.Item != nil:
		attrs = append(attrs,
			slog.String("result", ev.Result.String()),
			slog.String("id", ev.Item.ID.String()),
			slog.Int64("event_id", ev.Item.LastEventID),
		)

		if ev.Result == cache.Updated && ev.Previous != nil {
			attrs = append(attrs, slog.String("diff", renderDiff(ev.Previous.Data, ev.Item.Data)))
		}

		logger.Info("item changed", attrs...)

	default:
		attrs = append(attrs, slog.String("result", ev.Result.String()))

		if ev.Result == cache.Updated && ev.PreviousData != nil {
			attrs = append(attrs, slog.String("diff", renderDiff(ev.PreviousData, ev.Data)))
		}

		logger.Info("document changed", attrs...)
	}
}

// renderDiff shows the difference between two JSON values in a word-diff
// style: "[-removed-]{+added+}" with long unchanged runs shortened.
func renderDiff(before, after json.RawMessage) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(compactJSON(before), compactJSON(after), false)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+" + d.Text + "+}")
		case diffmatchpatch.DiffEqual:
			b.WriteString(shorten(d.Text))
		}
	}

	return b.String()
}

func shorten(s string) string {
	r := []rune(s)
	if len(r) <= maxEqualRun {
		return s
	}

	keep := maxEqualRun / 3

	return string(r[:keep]) + "…" + string(r[len(r)-keep:])
}

func compactJSON(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}

	return b.String()
}
