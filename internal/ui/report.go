package ui

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/steveyegge/wisync/internal/cache"
	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/types"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(MutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			return CellStyle
		})
}

// RenderReport writes a human summary of a run.
func RenderReport(w io.Writer, rep *wsync.Report) {
	phase := string(rep.Phase)
	switch {
	case rep.Phase == wsync.PhaseFailed || rep.Phase == wsync.PhaseCancelled:
		phase = RenderFail(phase)
	case !rep.Clean():
		phase = RenderWarn(phase)
	default:
		phase = RenderPass(phase)
	}
	title := "Sync"
	if rep.DryRun {
		title = "Dry run"
	}
	fmt.Fprintf(w, "%s %s %s (%s, %s", RenderBold(title), shortID(rep.RunID), phase, rep.Direction, rep.Scope)
	if rep.Window != "" {
		fmt.Fprintf(w, ", %s", rep.Window)
	}
	fmt.Fprintf(w, ") in %s\n", rep.Elapsed.Round(time.Millisecond))

	names := rep.TypeNames()
	if len(names) > 0 {
		t := newTable("type", "down", "up", "conflicts", "merged", "deleted", "skipped", "unchanged", "errors")
		for _, name := range names {
			t.Row(typeRow(name, rep.Types[name])...)
		}
		if len(names) > 1 {
			totals := rep.Totals()
			t.Row(typeRow("total", &totals)...)
		}
		fmt.Fprintln(w, t.Render())
	}

	if rep.DryRun && len(rep.Planned) > 0 {
		fmt.Fprintln(w, RenderBold("Planned actions"))
		t := newTable("type", "item", "class", "action", "detail")
		for _, a := range rep.Planned {
			detail := string(a.Strategy)
			if len(a.Fields) > 0 {
				detail = strings.TrimSpace(detail + " " + strings.Join(a.Fields, ","))
			}
			t.Row(a.Type, a.ItemID, string(a.Classification), string(a.Action), detail)
		}
		fmt.Fprintln(w, t.Render())
	}

	for _, c := range rep.Renamed {
		fmt.Fprintf(w, "%s %s/%s is now %s\n", RenderAccent("→"), c.Type, c.From, c.To)
	}

	if len(rep.Conflicts) > 0 {
		fmt.Fprintln(w, RenderWarn(fmt.Sprintf("%d conflict(s) need manual action", len(rep.Conflicts))))
		for _, c := range rep.Conflicts {
			fmt.Fprintf(w, "  %s %s\n", types.ItemKey(c.Type, c.ItemID), conflictDetail(c))
		}
	}

	if len(rep.Errors) > 0 {
		fmt.Fprintln(w, RenderFail(fmt.Sprintf("%d item(s) failed", len(rep.Errors))))
		for _, e := range rep.Errors {
			fmt.Fprintf(w, "  %s [%s] %s\n", types.ItemKey(e.Type, e.ItemID), e.Code, e.Message)
		}
	}
}

func typeRow(name string, tr *wsync.TypeReport) []string {
	return []string{
		name,
		strconv.Itoa(tr.Downloaded),
		strconv.Itoa(tr.Uploaded),
		strconv.Itoa(tr.Conflicts),
		strconv.Itoa(tr.AutoResolved),
		strconv.Itoa(tr.Deleted),
		strconv.Itoa(tr.Skipped),
		strconv.Itoa(tr.Unchanged),
		strconv.Itoa(tr.Errored),
	}
}

func conflictDetail(c types.ConflictResolution) string {
	switch {
	case c.RemoteDeleted:
		return RenderMuted("deleted remotely, edited locally")
	case len(c.Overlapping) > 0:
		return RenderMuted("both sides changed " + strings.Join(c.Overlapping, ", "))
	case c.Reason != "":
		return RenderMuted(c.Reason)
	default:
		return ""
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RenderStatus writes the cache summary and the last run.
func RenderStatus(w io.Writer, meta *types.SyncMetadata, stats cache.Stats, pending int) {
	fmt.Fprintln(w, RenderBold("Cache"))
	if len(stats.Items) == 0 {
		fmt.Fprintln(w, "  "+RenderMuted("empty"))
	} else {
		t := newTable("type", "items")
		names := make([]string, 0, len(stats.Items))
		for name := range stats.Items {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			t.Row(name, strconv.Itoa(stats.Items[name]))
		}
		fmt.Fprintln(w, t.Render())
	}
	fmt.Fprintf(w, "  %d item(s), %d local edit(s), %d tombstone(s), %s\n",
		stats.Total(), stats.Dirty, stats.Tombstones, humanBytes(stats.SizeBytes))

	fmt.Fprintln(w, RenderBold("Last run"))
	if meta == nil || meta.RunID == "" {
		fmt.Fprintln(w, "  "+RenderMuted("never synced"))
	} else {
		state := string(meta.State)
		switch meta.State {
		case types.RunStateFinalized:
			state = RenderPass(state)
		case types.RunStateRunning:
			state = RenderAccent(state)
		default:
			state = RenderFail(state)
		}
		fmt.Fprintf(w, "  %s %s (%s, %s) at %s\n", shortID(meta.RunID), state, meta.Direction, meta.Mode,
			meta.LastRunAt.Local().Format(time.DateTime))
		if meta.LastSyncAt.IsZero() {
			fmt.Fprintln(w, "  last successful sync: "+RenderMuted("none"))
		} else {
			fmt.Fprintf(w, "  last successful sync: %s\n", meta.LastSyncAt.Local().Format(time.DateTime))
		}
		if meta.Errored > 0 {
			fmt.Fprintln(w, "  "+RenderFail(fmt.Sprintf("%d item error(s)", meta.Errored)))
		}
	}

	if pending > 0 {
		fmt.Fprintln(w, RenderWarn(fmt.Sprintf("%d conflict(s) awaiting resolution", pending)))
	}
}

// RenderConflicts lists journaled conflicts.
func RenderConflicts(w io.Writer, entries []*cache.ConflictEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, RenderPass("No unresolved conflicts"))
		return
	}
	t := newTable("item", "recorded", "run", "detail")
	for _, e := range entries {
		detail := "edited on both sides"
		switch {
		case e.RemoteDeleted:
			detail = "deleted remotely"
		case len(e.Overlapping) > 0:
			detail = strings.Join(e.Overlapping, ", ")
		}
		t.Row(types.ItemKey(e.Type, e.ItemID), e.RecordedAt.Local().Format(time.DateTime), shortID(e.RunID), detail)
	}
	fmt.Fprintln(w, t.Render())
}

// RenderFieldDiff shows the fields that differ between the local and the
// remote side of a conflict.
func RenderFieldDiff(w io.Writer, c *types.ConflictResolution) {
	names := map[string]bool{}
	for _, k := range c.LocalFields.Keys() {
		names[k] = true
	}
	for _, k := range c.RemoteFields.Keys() {
		names[k] = true
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	t := newTable("field", "local", "remote")
	rows := 0
	for _, k := range sorted {
		lv, lok := c.LocalFields.Get(k)
		rv, rok := c.RemoteFields.Get(k)
		if lok == rok && types.ValuesEqual(lv, rv) {
			continue
		}
		t.Row(k, valueString(lv, lok), valueString(rv, rok))
		rows++
	}
	if rows == 0 {
		fmt.Fprintln(w, RenderMuted("no field differences"))
		return
	}
	fmt.Fprintln(w, t.Render())
}

func valueString(v any, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprint(v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
