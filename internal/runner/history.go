package runner

import (
	"errors"
	"fmt"
	"io"

	"github.com/gwlsn/mediashrink/internal/config"
	"github.com/gwlsn/mediashrink/internal/store"
	"github.com/gwlsn/mediashrink/internal/util"
)

// ErrNoHistory is returned when history_db is not configured
var ErrNoHistory = errors.New("history_db is not configured")

// RecentRuns reads up to n past runs from the history database, newest
// first. The run lock is not needed.
func RecentRuns(cfg *config.Config, n int) ([]store.RunRecord, error) {
	if cfg.HistoryDB == "" {
		return nil, ErrNoHistory
	}
	h, err := store.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	return h.RecentRuns(n)
}

// PrintRuns writes one line per run
func PrintRuns(w io.Writer, runs []store.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "  No runs recorded")
		return
	}
	for _, r := range runs {
		status := ""
		switch {
		case r.DryRun:
			status = " (dry run)"
		case r.Interrupted:
			status = " (interrupted)"
		}
		fmt.Fprintf(w, "  %s  %-9s transcoded %d, kept %d, failed %d, saved %s%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			util.FormatDuration(r.FinishedAt.Sub(r.StartedAt)),
			r.Transcoded, r.Reverted, r.Failed, util.FormatBytes(r.BytesSaved), status)
	}
}
