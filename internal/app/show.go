package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/source"
	"gold-monitor/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	// Source limits the table to one source; empty shows all.
	Source source.ID
}

// Show prints the persisted per-source daily stats.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	state, err := store.Load(ctx)
	if errors.Is(err, storage.ErrStateNotFound) {
		fmt.Fprintln(out, "no persisted state found")
		return nil
	}
	if err != nil {
		return err
	}

	ids := make([]source.ID, 0, len(state.Stats))
	for id := range state.Stats {
		if opts.Source != "" && id != opts.Source {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) == 0 {
		fmt.Fprintln(out, "no stats recorded")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tDate\tLast\tHigh\tLow\tPrevClose\tPrevHigh\tPrevLow")
	for _, id := range ids {
		st := state.Stats[id]
		name := string(id)
		if meta, ok := source.KnownMeta[id]; ok {
			name = meta.Name
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			name,
			st.Date,
			formatNull(st.LastPrice),
			formatNull(st.High),
			formatNull(st.Low),
			formatNull(st.PrevClose),
			formatNull(st.PrevHigh),
			formatNull(st.PrevLow),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if !state.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "\nupdated at %s\n", state.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func formatNull(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}
