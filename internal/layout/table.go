package layout

import (
	"context"

	"github.com/PuerkitoBio/goquery"

	"github.com/kavitha/snapseat/pkg/config"
)

// TableAdapter handles portals that render their listing as a table: one
// <tr> per program, register control in one of the cells.
type TableAdapter struct{}

func (a *TableAdapter) Name() string { return "table" }

func (a *TableAdapter) Detect(doc *goquery.Document) Verdict {
	claimed := NoClaim
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		rows := table.Find("tr")
		if rows.Length() < 2 {
			return true
		}
		// A listing table has interactive controls in its rows; a layout
		// or pricing table does not.
		if rows.Find("a, button, input[type=submit]").Length() > 0 {
			claimed = Definite
			return false
		}
		return true
	})
	return claimed
}

func (a *TableAdapter) OpenListing(ctx context.Context, pg Pager, origin string, profile config.SiteProfile) error {
	return pg.Navigate(ctx, ListingURL(origin, profile))
}

func (a *TableAdapter) Rows(doc *goquery.Document, profile config.SiteProfile) []Row {
	var rows []Row
	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		text := rowText(tr)
		if text == "" {
			return
		}
		row := Row{Text: text, Path: CSSPath(tr)}
		if ctrl := registerControl(tr, profile.RegisterTexts); ctrl != nil {
			row.RegisterPath = CSSPath(ctrl)
		}
		rows = append(rows, row)
	})
	return rows
}
