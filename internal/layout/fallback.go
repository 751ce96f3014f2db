package layout

import (
	"context"

	"github.com/PuerkitoBio/goquery"

	"github.com/kavitha/snapseat/pkg/config"
)

// FallbackAdapter is used when no adapter claims the page. It works
// backwards from register controls: whatever container surrounds one is
// treated as a program row. Approximate, but real listings tolerate it.
type FallbackAdapter struct{}

func (a *FallbackAdapter) Name() string { return "fallback" }

// Detect always declines; the registry only reaches the fallback when
// everything else has declined too.
func (a *FallbackAdapter) Detect(doc *goquery.Document) Verdict { return NoClaim }

func (a *FallbackAdapter) OpenListing(ctx context.Context, pg Pager, origin string, profile config.SiteProfile) error {
	return pg.Navigate(ctx, ListingURL(origin, profile))
}

func (a *FallbackAdapter) Rows(doc *goquery.Document, profile config.SiteProfile) []Row {
	var rows []Row
	seen := map[string]bool{}
	doc.Find("a, button, input[type=submit]").Each(func(_ int, ctrl *goquery.Selection) {
		if !matchesRegisterText(ctrl, profile.RegisterTexts) {
			return
		}
		// Climb so the row text includes the program description, not just
		// the button label, but stop before a level that spans other
		// programs' controls.
		container := ctrl
		for i := 0; i < 3; i++ {
			parent := container.Parent()
			if parent.Length() == 0 || parent.Is("body, html") {
				break
			}
			others := 0
			parent.Find("a, button, input[type=submit]").Each(func(_ int, c *goquery.Selection) {
				if matchesRegisterText(c, profile.RegisterTexts) {
					others++
				}
			})
			if others > 1 {
				break
			}
			container = parent
		}
		path := CSSPath(container)
		if seen[path] {
			return
		}
		seen[path] = true
		rows = append(rows, Row{
			Text:         rowText(container),
			Path:         path,
			RegisterPath: CSSPath(ctrl),
		})
	})
	return rows
}
