// Package reporter renders human-readable summaries of the grid
// registry, used when the daemon shuts down.
package reporter

import (
	"fmt"
	"io"

	"grid-engine-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// WriteSummary prints one table covering both active and completed
// grids, followed by the aggregate P&L.
func WriteSummary(w io.Writer, list *models.GridList) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "SYMBOL", "STATUS", "RANGE", "LEVELS", "OPEN", "FILLS", "P&L"})

	var total float64
	appendRows := func(snaps []*models.GridSnapshot) {
		for _, snap := range snaps {
			t.AppendRow(table.Row{
				snap.ID,
				snap.Params.Symbol,
				snap.Status,
				fmt.Sprintf("%v - %v", snap.Params.LowerPrice, snap.Params.UpperPrice),
				snap.Params.NumGrids,
				openOrderCount(snap),
				len(snap.FilledOrders),
				fmt.Sprintf("%.4f", snap.ProfitLoss),
			})
			total += snap.ProfitLoss
		}
	}
	appendRows(list.Active)
	appendRows(list.Completed)

	if t.Length() == 0 {
		fmt.Fprintln(w, "no grids")
		return
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "TOTAL", fmt.Sprintf("%.4f", total)})
	t.Render()
}

func openOrderCount(snap *models.GridSnapshot) int {
	n := 0
	for _, ord := range snap.Orders {
		if ord.Status == models.OrderStatusOpen {
			n++
		}
	}
	return n
}
