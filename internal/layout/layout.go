// Package layout abstracts over the structurally different ways target
// portals present their program listings. Each known page shape gets one
// Adapter; the workflow stays shape-agnostic. Supporting a new portal
// shape means adding an adapter here, not touching the workflow.
package layout

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/kavitha/snapseat/internal/match"
	"github.com/kavitha/snapseat/pkg/config"
)

// Verdict is an adapter's claim about a page.
type Verdict int

const (
	NoClaim Verdict = iota
	Definite
)

// Probe is the closed outcome set for a program search. Downstream logic
// switches over all three cases; there is no boolean "found" helper.
type Probe int

const (
	ProbeFound Probe = iota
	ProbeNotFound
	ProbeAmbiguous
)

func (p Probe) String() string {
	switch p {
	case ProbeFound:
		return "found"
	case ProbeNotFound:
		return "not-found"
	case ProbeAmbiguous:
		return "ambiguous"
	}
	return "unknown"
}

// Row is one program container extracted from a listing page: its visible
// text (markup stripped), a CSS path to the container, and a CSS path to
// the register control inside it (empty when the row carries none).
type Row struct {
	Text         string
	Path         string
	RegisterPath string
}

// Pager is the slice of page behavior adapters need for navigation and
// clicking. The browser session satisfies it; tests use fakes.
type Pager interface {
	Navigate(ctx context.Context, url string) error
	ClickHuman(ctx context.Context, sel string) error
	HTML(ctx context.Context) (string, error)
}

// Adapter locates listing and registration controls for one page-structure
// family. Adapters hold no mutable state; they inspect documents.
type Adapter interface {
	Name() string
	// Detect reports whether the document belongs to this adapter's
	// structure family.
	Detect(doc *goquery.Document) Verdict
	// OpenListing navigates the page to this site's program listing.
	OpenListing(ctx context.Context, pg Pager, origin string, profile config.SiteProfile) error
	// Rows extracts the candidate program containers from the listing.
	Rows(doc *goquery.Document, profile config.SiteProfile) []Row
}

// Registry probes adapters in a fixed priority order; the first definite
// claim wins, and when nothing claims the page the fallback adapter is
// used rather than failing outright.
type Registry struct {
	adapters []Adapter
	fallback Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: []Adapter{&TableAdapter{}, &CardsAdapter{}},
		fallback: &FallbackAdapter{},
	}
}

// Select returns the adapter claiming the document, or the fallback.
func (r *Registry) Select(doc *goquery.Document) Adapter {
	for _, a := range r.adapters {
		if a.Detect(doc) == Definite {
			return a
		}
	}
	return r.fallback
}

// OpenListing brings the page to the site's program listing. The adapter
// cannot be chosen until the listing is loaded, so the fallback does the
// navigation; classification happens on the resulting document.
func (r *Registry) OpenListing(ctx context.Context, pg Pager, origin string, profile config.SiteProfile) error {
	return r.fallback.OpenListing(ctx, pg, origin, profile)
}

// FindProgram searches rows for the target description: exact
// case-insensitive substring first, then edit-distance similarity at the
// acceptance threshold. Two equally plausible winners are reported as
// ambiguous instead of guessing.
func FindProgram(rows []Row, target string) (Row, Probe) {
	var exact []Row
	for _, row := range rows {
		if match.ContainsFold(row.Text, target) {
			exact = append(exact, row)
		}
	}
	switch {
	case len(exact) == 1:
		return exact[0], ProbeFound
	case len(exact) > 1:
		return Row{}, ProbeAmbiguous
	}

	texts := make([]string, len(rows))
	for i, row := range rows {
		texts[i] = row.Text
	}
	best, score := match.BestMatch(target, texts)
	if best < 0 || score < match.AcceptThreshold {
		return Row{}, ProbeNotFound
	}
	// A runner-up within a hair of the winner means the page has two rows
	// we cannot tell apart.
	for i, t := range texts {
		if i == best {
			continue
		}
		if s := match.Similarity(target, t); s >= match.AcceptThreshold && score-s < 0.02 {
			return Row{}, ProbeAmbiguous
		}
	}
	return rows[best], ProbeFound
}

// stripper removes every tag so row text can be compared without markup
// noise.
var stripper = bluemonday.StrictPolicy()

// rowText sanitizes a container's inner HTML down to plain text. Tags are
// padded before stripping so adjacent cells don't concatenate into one
// word, then whitespace runs are collapsed.
func rowText(sel *goquery.Selection) string {
	raw, err := sel.Html()
	if err != nil {
		raw = sel.Text()
	}
	clean := stripper.Sanitize(strings.ReplaceAll(raw, "<", " <"))
	return strings.Join(strings.Fields(clean), " ")
}

// matchesRegisterText reports whether a control's visible label is one of
// the profile's register labels.
func matchesRegisterText(c *goquery.Selection, texts []string) bool {
	label := strings.ToLower(strings.TrimSpace(c.Text()))
	if label == "" {
		label = strings.ToLower(c.AttrOr("value", ""))
	}
	for _, want := range texts {
		if strings.Contains(label, strings.ToLower(want)) {
			return true
		}
	}
	return false
}

// registerControl finds the first link or button inside the container whose
// text matches one of the profile's register labels.
func registerControl(sel *goquery.Selection, texts []string) *goquery.Selection {
	var found *goquery.Selection
	sel.Find("a, button, input[type=submit]").EachWithBreak(func(_ int, c *goquery.Selection) bool {
		if matchesRegisterText(c, texts) {
			found = c
			return false
		}
		return true
	})
	return found
}

// CSSPath builds a stable child-index selector from the document root to
// the node, so a control located in parsed HTML can be clicked in the live
// page.
func CSSPath(sel *goquery.Selection) string {
	var parts []string
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		node := cur.Get(0)
		tag := node.Data
		if tag == "html" || tag == "" {
			break
		}
		idx := 1
		for sib := node.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode {
				idx++
			}
		}
		parts = append([]string{fmt.Sprintf("%s:nth-child(%d)", tag, idx)}, parts...)
	}
	return strings.Join(parts, " > ")
}

// ListingURL joins the origin with the profile's listing path.
func ListingURL(origin string, profile config.SiteProfile) string {
	return strings.TrimSuffix(origin, "/") + profile.ListingPath
}
