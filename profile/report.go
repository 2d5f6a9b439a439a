package profile

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// Report writes a table of the limit most invoked entries of snap (all of
// them when limit <= 0).
func Report(w io.Writer, snap *Snapshot, limit int) error {
	var total uint64
	for _, e := range snap.Entries {
		total += e.Count
	}
	fmt.Fprintf(w, "snapshot %d %q taken %s: %s invocations in %d iseqs\n",
		snap.ID, snap.Label, snap.TakenAt.Format("2006-01-02 15:04:05"), humanize.Comma(int64(total)), len(snap.Entries))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "calls\tshare\tcache hit\tkind\t name\t")
	entries := snap.Entries
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for _, e := range entries {
		hot := ""
		if e.Hot {
			hot = " (hot)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t %s%s\t\n",
			humanize.Comma(int64(e.Count)),
			percent(e.Count, total),
			percent(e.CacheHits, e.CacheHits+e.CacheMisses),
			e.Kind, e.Name, hot)
	}
	return tw.Flush()
}

func percent(n, of uint64) string {
	if of == 0 {
		return "-"
	}
	return humanize.FormatFloat("#,###.#", float64(n)*100/float64(of)) + "%"
}
