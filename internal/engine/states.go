package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kavitha/snapseat/internal/layout"
	"github.com/kavitha/snapseat/internal/match"
	"github.com/kavitha/snapseat/internal/probe"
	"github.com/kavitha/snapseat/internal/store"
)

// fail ends the attempt at the current state.
func fail(code Code, format string, args ...any) (State, *Outcome) {
	return "", &Outcome{Code: code, Message: fmt.Sprintf(format, args...)}
}

func done() (State, *Outcome) {
	return "", &Outcome{Code: CodeOK, Message: "registration confirmed"}
}

// stepLogin restores a seeded session when one is available and verified,
// and performs an interactive login otherwise. Authentication is always
// confirmed by inspecting the resulting page; a snapshot is never trusted
// blindly.
func (e *Engine) stepLogin(ctx context.Context, a *attempt) (State, *Outcome) {
	if e.restoreSession(ctx, a) {
		e.log(a.plan.ID, "session restored from snapshot")
		return StateLoggedIn, nil
	}

	loginURL := strings.TrimSuffix(a.plan.OriginURL, "/") + a.profile.LoginPath
	if err := a.page.Navigate(ctx, loginURL); err != nil {
		return fail(CodeAuthFailed, "login page unreachable: %v", err)
	}
	if err := a.page.TypeHuman(ctx, a.profile.EmailSelector, a.cred.Email); err != nil {
		return fail(CodeAuthFailed, "email field: %v", err)
	}
	if err := a.page.TypeHuman(ctx, a.profile.PasswordSelector, a.cred.Password); err != nil {
		return fail(CodeAuthFailed, "password field: %v", err)
	}
	if err := a.page.ClickHuman(ctx, a.profile.SubmitSelector); err != nil {
		return fail(CodeAuthFailed, "login submit: %v", err)
	}

	// Classify the result. An explicit error marker, or the absence of any
	// authenticated signal within the step timeout, is a failure; ambiguity
	// fails closed.
	deadline := time.Now().Add(e.cfg.StepTimeout.Std())
	for time.Now().Before(deadline) {
		if e.authenticated(ctx, a) {
			e.captureSnapshot(ctx, a)
			return StateLoggedIn, nil
		}
		html, err := a.page.HTML(ctx)
		if err == nil {
			for _, marker := range a.profile.LoginErrorTexts {
				if match.ContainsFold(html, marker) {
					return fail(CodeAuthFailed, "login rejected: page shows %q", marker)
				}
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fail(CodeAuthFailed, "no authenticated signal after login submit")
}

// restoreSession replays the newest unexpired snapshot and reports whether
// the session is verifiably authenticated afterwards.
func (e *Engine) restoreSession(ctx context.Context, a *attempt) bool {
	snap, err := e.store.LatestSnapshot(a.plan.ID)
	if err != nil {
		return false
	}
	state, err := e.codec.Open(snap.Blob)
	if err != nil {
		e.log(a.plan.ID, fmt.Sprintf("snapshot unreadable, falling back to login: %v", err))
		return false
	}
	if err := a.page.RestoreState(ctx, state); err != nil {
		return false
	}
	if err := a.page.Navigate(ctx, a.plan.OriginURL); err != nil {
		return false
	}
	if err := a.page.RestoreStorage(ctx, state); err != nil {
		return false
	}
	return e.authenticated(ctx, a)
}

// authenticated inspects the live page for a logout affordance or an
// authenticated URL pattern.
func (e *Engine) authenticated(ctx context.Context, a *attempt) bool {
	if ok, err := a.page.Exists(ctx, a.profile.LogoutSelector); err == nil && ok {
		return true
	}
	loc, err := a.page.Location(ctx)
	if err != nil {
		return false
	}
	re, err := regexp.Compile(a.profile.AuthedURLPattern)
	if err != nil {
		return false
	}
	return re.MatchString(loc)
}

func (e *Engine) captureSnapshot(ctx context.Context, a *attempt) {
	state, err := a.page.CaptureState(ctx)
	if err != nil {
		return
	}
	blob, err := e.codec.Seal(state)
	if err != nil {
		return
	}
	if err := e.store.PutSnapshot(a.plan.ID, blob, e.cfg.SnapshotTTL.Std()); err != nil {
		e.log(a.plan.ID, fmt.Sprintf("snapshot persist failed: %v", err))
	}
}

// targetText builds the description a slot is matched against: class hint
// plus the free-text label.
func targetText(s store.SlotSpec) string {
	return strings.TrimSpace(s.ClassHint + " " + s.Label)
}

// stepDiscoverAndSelect locates the registration listing (cached deep link
// first, adapter discovery otherwise) and picks the target row.
func (e *Engine) stepDiscoverAndSelect(ctx context.Context, a *attempt) (State, *Outcome) {
	if a.plan.DiscoveredURL != "" {
		if err := a.page.Navigate(ctx, a.plan.DiscoveredURL); err != nil {
			return fail(CodeSlotNotFound, "cached listing unreachable: %v", err)
		}
	} else {
		listing := layout.ListingURL(a.plan.OriginURL, a.profile)
		if e.prober != nil && !e.prober.ListingMentions(ctx, listing, a.plan.Preferred.Label) {
			e.log(a.plan.ID, "static probe: preferred label not on listing page")
		}
		if err := e.registry.OpenListing(ctx, a.page, a.plan.OriginURL, a.profile); err != nil {
			return fail(CodeSlotNotFound, "listing unreachable: %v", err)
		}
	}

	html, err := a.page.HTML(ctx)
	if err != nil {
		return fail(CodeInternal, "listing read: %v", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fail(CodeInternal, "listing parse: %v", err)
	}

	adapter := e.registry.Select(doc)
	rows := adapter.Rows(doc, a.profile)
	e.log(a.plan.ID, fmt.Sprintf("layout %s: %d candidate rows", adapter.Name(), len(rows)))

	specs := []store.SlotSpec{a.plan.Preferred}
	if a.plan.Alternate != nil {
		specs = append(specs, *a.plan.Alternate)
	}
	for i, spec := range specs {
		row, outcome := layout.FindProgram(rows, targetText(spec))
		switch outcome {
		case layout.ProbeFound:
			a.row = row
			a.matchedLabel = spec.Label
			if i > 0 {
				e.log(a.plan.ID, "preferred slot unavailable, using alternate")
			}
			if a.plan.DiscoveredURL == "" {
				if loc, err := a.page.Location(ctx); err == nil {
					if err := e.store.SetDiscoveredURL(a.plan.ID, loc); err == nil {
						a.plan.DiscoveredURL = loc
					}
				}
			}
			return StateSlotSelected, nil
		case layout.ProbeAmbiguous:
			e.log(a.plan.ID, fmt.Sprintf("slot %q matches multiple rows, skipping", spec.Label))
		case layout.ProbeNotFound:
			e.log(a.plan.ID, fmt.Sprintf("slot %q not found on listing", spec.Label))
		}
	}
	return fail(CodeSlotNotFound, "no listing row matched the preferred or alternate slot")
}

// stepRegisterClick clicks the selected row's register control.
func (e *Engine) stepRegisterClick(ctx context.Context, a *attempt) (State, *Outcome) {
	if a.row.RegisterPath == "" {
		return fail(CodeSlotNotFound, "matched row %q has no register control", a.matchedLabel)
	}
	if err := a.page.ClickHuman(ctx, a.row.RegisterPath); err != nil {
		return fail(CodeInternal, "register click: %v", err)
	}
	return StateParticipantSelected, nil
}

// selectField is one <select> on the options page.
type selectField struct {
	path        string
	label       string
	options     []selectOption
	placeholder int // count of leading placeholder options
}

type selectOption struct {
	value string
	text  string
}

var placeholderText = regexp.MustCompile(`(?i)^(select|choose|pick|--|please)`)

// selectFields parses every dropdown on the current page along with a
// usable label (name, id, or preceding label text).
func selectFields(html string) ([]selectField, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	var fields []selectField
	doc.Find("select").Each(func(_ int, sel *goquery.Selection) {
		f := selectField{
			path:  layout.CSSPath(sel),
			label: strings.ToLower(sel.AttrOr("name", "") + " " + sel.AttrOr("id", "")),
		}
		if id, ok := sel.Attr("id"); ok {
			f.label += " " + strings.ToLower(doc.Find(`label[for="`+id+`"]`).Text())
		}
		sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
			f.options = append(f.options, selectOption{
				value: opt.AttrOr("value", ""),
				text:  strings.TrimSpace(opt.Text()),
			})
		})
		for _, o := range f.options {
			if o.value == "" || placeholderText.MatchString(o.text) {
				f.placeholder++
			} else {
				break
			}
		}
		fields = append(fields, f)
	})
	return fields, nil
}

// realOptions returns the options past any leading placeholders.
func (f selectField) realOptions() []selectOption {
	if f.placeholder >= len(f.options) {
		return nil
	}
	return f.options[f.placeholder:]
}

func (f selectField) labelMatches(words ...string) bool {
	for _, w := range words {
		if strings.Contains(f.label, w) {
			return true
		}
	}
	return false
}

// stepParticipant chooses the participant when the page asks for one. Not
// every site requires this step, so a missing match defaults to the first
// real option rather than blocking.
func (e *Engine) stepParticipant(ctx context.Context, a *attempt) (State, *Outcome) {
	html, err := a.page.HTML(ctx)
	if err != nil {
		return fail(CodeInternal, "options page read: %v", err)
	}
	fields, err := selectFields(html)
	if err != nil {
		return fail(CodeInternal, "options page parse: %v", err)
	}

	for _, f := range fields {
		if !f.labelMatches("participant", "child", "member", "attendee") {
			continue
		}
		real := f.realOptions()
		if len(real) == 0 {
			break
		}
		chosen := real[0]
		matched := false
		for _, o := range real {
			if match.ContainsFold(o.text, a.plan.Participant) {
				chosen, matched = o, true
				break
			}
		}
		if !matched {
			e.log(a.plan.ID, fmt.Sprintf("participant %q not listed, defaulting to %q", a.plan.Participant, chosen.text))
		}
		if err := a.page.SelectOption(ctx, f.path, chosen.value); err != nil {
			return fail(CodeInternal, "participant select: %v", err)
		}
		break
	}
	return StateAddonsHandled, nil
}

// addonCategories maps recognized add-on kinds to the plan extras key and
// the label vocabulary that identifies their dropdown.
var addonCategories = []struct {
	key   string
	words []string
}{
	{"rental", []string{"rental", "rent", "equipment", "gear"}},
	{"color_group", []string{"color", "group", "team"}},
	{"volunteer", []string{"volunteer"}},
}

// stepAddons fills the recognized add-on dropdowns. Unpriced categories
// default when the plan is silent; a priced category never defaults,
// because guessing could incur a charge.
func (e *Engine) stepAddons(ctx context.Context, a *attempt) (State, *Outcome) {
	html, err := a.page.HTML(ctx)
	if err != nil {
		return fail(CodeInternal, "add-ons page read: %v", err)
	}
	fields, err := selectFields(html)
	if err != nil {
		return fail(CodeInternal, "add-ons page parse: %v", err)
	}

	for _, f := range fields {
		for _, cat := range addonCategories {
			if !f.labelMatches(cat.words...) {
				continue
			}
			real := f.realOptions()
			if len(real) == 0 {
				break
			}
			want := a.plan.Extras[cat.key]
			priced := false
			for _, o := range real {
				if probe.PricedOption.MatchString(o.text) {
					priced = true
					break
				}
			}
			if want == "" {
				if priced {
					return fail(CodeRentalRequired,
						"add-on %q offers priced options and the plan names none", cat.key)
				}
				if err := a.page.SelectOption(ctx, f.path, real[0].value); err != nil {
					return fail(CodeInternal, "add-on select: %v", err)
				}
				e.log(a.plan.ID, fmt.Sprintf("add-on %q defaulted to %q", cat.key, real[0].text))
				break
			}
			chosen := real[0]
			matched := false
			for _, o := range real {
				if match.ContainsFold(o.text, want) || strings.EqualFold(o.value, want) {
					chosen, matched = o, true
					break
				}
			}
			if !matched {
				e.log(a.plan.ID, fmt.Sprintf("add-on %q option %q not listed, defaulting to %q", cat.key, want, chosen.text))
			}
			if err := a.page.SelectOption(ctx, f.path, chosen.value); err != nil {
				return fail(CodeInternal, "add-on select: %v", err)
			}
			break
		}
	}

	// Submit the options form: the add/continue control, falling back to
	// the generic submit.
	if sel := findControl(html, append(a.profile.RegisterTexts, "add to cart", "continue", "next")); sel != "" {
		if err := a.page.ClickHuman(ctx, sel); err != nil {
			return fail(CodeInternal, "add action: %v", err)
		}
	} else if err := a.page.ClickHuman(ctx, a.profile.SubmitSelector); err != nil {
		return fail(CodeInternal, "add action: %v", err)
	}
	return StateInCart, nil
}

// findControl locates a link/button whose label contains one of the texts
// and returns its CSS path.
func findControl(html string, texts []string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var path string
	doc.Find("a, button, input[type=submit]").EachWithBreak(func(_ int, c *goquery.Selection) bool {
		label := strings.ToLower(strings.TrimSpace(c.Text()))
		if label == "" {
			label = strings.ToLower(c.AttrOr("value", ""))
		}
		for _, want := range texts {
			if strings.Contains(label, strings.ToLower(want)) {
				path = layout.CSSPath(c)
				return false
			}
		}
		return true
	})
	return path
}

// stepCartVerify reloads the cart and asserts the selected slot is really
// in it. A silently-failed add is indistinguishable from a race and must
// surface as a hard failure, never a retry.
func (e *Engine) stepCartVerify(ctx context.Context, a *attempt) (State, *Outcome) {
	cartURL := strings.TrimSuffix(a.plan.OriginURL, "/") + a.profile.CartPath
	if err := a.page.Navigate(ctx, cartURL); err != nil {
		return fail(CodeCartMismatch, "cart unreachable: %v", err)
	}
	html, err := a.page.HTML(ctx)
	if err != nil {
		return fail(CodeInternal, "cart read: %v", err)
	}

	if !cartContains(html, a.matchedLabel) {
		return fail(CodeCartMismatch, "cart does not list %q after add", a.matchedLabel)
	}
	e.log(a.plan.ID, fmt.Sprintf("cart verified: %q present", a.matchedLabel))

	// The engine never enters primary account numbers. A cart that leads
	// into full card entry fails closed unless the plan opted out.
	if probe.LooksLikeCardForm(html) && !a.plan.AllowNoCVV() {
		return fail(CodePaymentNotReady,
			"checkout requires full card entry and no saved payment method is usable")
	}
	return StateCheckoutStarted, nil
}

// cartContains checks the cart's sanitized text for the slot description,
// exactly or per-line at the fuzzy threshold.
func cartContains(html, label string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	text := doc.Text()
	if match.ContainsFold(text, label) {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		if match.Similarity(line, label) >= match.AcceptThreshold {
			return true
		}
	}
	return false
}

// stepCheckout moves from the verified cart into the checkout flow.
func (e *Engine) stepCheckout(ctx context.Context, a *attempt) (State, *Outcome) {
	html, err := a.page.HTML(ctx)
	if err != nil {
		return fail(CodeInternal, "cart read: %v", err)
	}
	// Some portals fold payment into the cart page itself; then there is
	// nothing to click here.
	if sel := findControl(html, []string{"checkout", "proceed", "place order", "pay"}); sel != "" {
		if err := a.page.ClickHuman(ctx, sel); err != nil {
			return fail(CodeInternal, "checkout click: %v", err)
		}
	}
	return StatePaymentPending, nil
}

// stepPayment enters the security code when asked, submits, and classifies
// the result by racing a success navigation against success text. Timeout
// yields action-required, never a false completed.
func (e *Engine) stepPayment(ctx context.Context, a *attempt) (State, *Outcome) {
	cvvSel := ""
	for _, sel := range a.profile.CVVSelectors {
		if ok, err := a.page.Exists(ctx, sel); err == nil && ok {
			cvvSel = sel
			break
		}
	}

	if cvvSel != "" {
		if a.effCVV == "" {
			if a.plan.AllowNoCVV() {
				e.log(a.plan.ID, "security code field present but plan allows proceeding without one")
			} else {
				// Reachable when the secret evaporated mid-flight (e.g. a
				// resolved challenge consumed by a competing invocation).
				out := e.secretRequired(a.plan, "checkout asks for a security code and none is available")
				return "", &out
			}
		} else {
			if err := a.page.TypeHuman(ctx, cvvSel, a.effCVV); err != nil {
				return fail(CodeInternal, "security code entry: %v", err)
			}
		}
	}

	html, err := a.page.HTML(ctx)
	if err != nil {
		return fail(CodeInternal, "checkout read: %v", err)
	}
	submit := findControl(html, []string{"place order", "complete", "pay", "submit order", "confirm"})
	if submit == "" {
		submit = a.profile.SubmitSelector
	}
	if err := a.page.ClickHuman(ctx, submit); err != nil {
		return fail(CodeInternal, "final submit: %v", err)
	}

	successURL, err := regexp.Compile(a.profile.SuccessURLRegex)
	if err != nil {
		return fail(CodeMissingConfig, "bad success url pattern: %v", err)
	}

	deadline := time.Now().Add(e.cfg.ConfirmTimeout.Std())
	for time.Now().Before(deadline) {
		if loc, err := a.page.Location(ctx); err == nil && successURL.MatchString(loc) {
			return done()
		}
		if html, err := a.page.HTML(ctx); err == nil {
			for _, text := range a.profile.SuccessTexts {
				if match.ContainsFold(html, text) {
					return done()
				}
			}
		}
		time.Sleep(300 * time.Millisecond)
	}
	return fail(CodeConfirmTimeout,
		"no success signal within %s; verify the registration manually", e.cfg.ConfirmTimeout.Std())
}
