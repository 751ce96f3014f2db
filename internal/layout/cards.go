package layout

import (
	"context"

	"github.com/PuerkitoBio/goquery"

	"github.com/kavitha/snapseat/pkg/config"
)

// cardSelector matches the class vocabulary card-grid portals tend to use.
const cardSelector = `[class*="card"], [class*="tile"], [class*="program-item"], [class*="grid-item"]`

// CardsAdapter handles portals that render programs as a grid of cards,
// each card carrying its own register control.
type CardsAdapter struct{}

func (a *CardsAdapter) Name() string { return "cards" }

func (a *CardsAdapter) Detect(doc *goquery.Document) Verdict {
	cards := doc.Find(cardSelector)
	if cards.Length() < 2 {
		return NoClaim
	}
	if cards.Find("a, button, input[type=submit]").Length() == 0 {
		return NoClaim
	}
	return Definite
}

func (a *CardsAdapter) OpenListing(ctx context.Context, pg Pager, origin string, profile config.SiteProfile) error {
	return pg.Navigate(ctx, ListingURL(origin, profile))
}

func (a *CardsAdapter) Rows(doc *goquery.Document, profile config.SiteProfile) []Row {
	var rows []Row
	doc.Find(cardSelector).Each(func(_ int, card *goquery.Selection) {
		// Skip wrappers that contain other cards; only leaf cards are
		// program containers.
		if card.Find(cardSelector).Length() > 0 {
			return
		}
		text := rowText(card)
		if text == "" {
			return
		}
		row := Row{Text: text, Path: CSSPath(card)}
		if ctrl := registerControl(card, profile.RegisterTexts); ctrl != nil {
			row.RegisterPath = CSSPath(ctrl)
		}
		rows = append(rows, row)
	})
	return rows
}
