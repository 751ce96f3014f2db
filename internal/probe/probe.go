// Package probe performs cheap static inspections of portal pages: a
// plain HTTP pre-check of the listing before a browser session is spent on
// discovery, and the heuristics for spotting a full card-entry form the
// engine refuses to operate.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/kavitha/snapseat/internal/match"
)

type Prober struct {
	UserAgent string
	Client    *http.Client
}

func New() *Prober {
	return &Prober{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PageText fetches a URL and extracts its readable text content, markup
// stripped.
func (p *Prober) PageText(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", p.UserAgent)

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %v", err)
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %v", err)
	}

	sanitized := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	return article.Title + "\n" + sanitized, nil
}

// ListingMentions reports whether the listing page's readable text refers
// to the target label, exactly or near the fuzzy acceptance threshold. A
// transport failure is reported as mentioned=true: the static probe is an
// optimization, and its absence must never veto a browser pass.
func (p *Prober) ListingMentions(ctx context.Context, listingURL, label string) bool {
	text, err := p.PageText(ctx, listingURL)
	if err != nil {
		return true
	}
	if match.ContainsFold(text, label) {
		return true
	}
	// Line-by-line fuzzy pass catches labels that render with noise.
	for _, line := range strings.Split(text, "\n") {
		if match.Similarity(line, label) >= match.AcceptThreshold {
			return true
		}
	}
	return false
}

// cardNumberField matches input attributes used for primary account
// numbers across common checkout implementations.
var cardNumberField = regexp.MustCompile(`(?i)(card[-_ ]?number|cc[-_ ]?num|pan\b|credit[-_ ]?card)`)

// LooksLikeCardForm reports whether the page asks for a full card number.
// The engine never enters primary account numbers, so detecting one of
// these forms fails the attempt closed unless the plan opts out.
func LooksLikeCardForm(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// Unparseable checkout markup is treated as a card form: refuse
		// rather than guess.
		return true
	}
	found := false
	doc.Find("input").EachWithBreak(func(_ int, in *goquery.Selection) bool {
		if in.AttrOr("autocomplete", "") == "cc-number" {
			found = true
			return false
		}
		attrs := in.AttrOr("name", "") + " " + in.AttrOr("id", "") + " " + in.AttrOr("placeholder", "")
		if cardNumberField.MatchString(attrs) {
			found = true
			return false
		}
		return true
	})
	return found
}

// PricedOption matches currency-like patterns in add-on option text, the
// signal that choosing it would incur a charge.
var PricedOption = regexp.MustCompile(`(?:[$€£]\s?\d+(?:[.,]\d{2})?)|(?:\d+(?:[.,]\d{2})?\s?(?:USD|EUR|GBP|CAD))`)
