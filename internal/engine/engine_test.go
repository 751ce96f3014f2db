package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kavitha/snapseat/internal/browser"
	"github.com/kavitha/snapseat/internal/challenge"
	"github.com/kavitha/snapseat/internal/observability"
	"github.com/kavitha/snapseat/internal/store"
	"github.com/kavitha/snapseat/internal/vault"
	"github.com/kavitha/snapseat/pkg/config"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

const testOrigin = "https://portal.test"

// fakePage simulates a portal as a map of paths to HTML. Clicks resolve
// their selector against the current document and follow the element's
// href (or data-nav for buttons), so the engine exercises the same
// selector paths it would hand a real browser.
type fakePage struct {
	pages    map[string]string
	loc      string
	typed    map[string]string
	selected map[string]string
	captured int
	restored int
	closed   bool
}

func newFakePage(pages map[string]string) *fakePage {
	return &fakePage{
		pages:    pages,
		typed:    map[string]string{},
		selected: map[string]string{},
	}
}

func (p *fakePage) doc() (*goquery.Document, error) {
	html, ok := p.pages[p.loc]
	if !ok {
		return nil, fmt.Errorf("no page at %s", p.loc)
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	path := strings.TrimPrefix(url, testOrigin)
	if path == "" {
		path = "/"
	}
	if _, ok := p.pages[path]; !ok {
		return fmt.Errorf("404 at %s", path)
	}
	p.loc = path
	return nil
}

func (p *fakePage) Location(_ context.Context) (string, error) {
	return testOrigin + p.loc, nil
}

func (p *fakePage) HTML(_ context.Context) (string, error) {
	html, ok := p.pages[p.loc]
	if !ok {
		return "", fmt.Errorf("no page at %s", p.loc)
	}
	return html, nil
}

func (p *fakePage) Exists(_ context.Context, sel string) (bool, error) {
	doc, err := p.doc()
	if err != nil {
		return false, err
	}
	return doc.Find(sel).Length() > 0, nil
}

func (p *fakePage) WaitVisible(ctx context.Context, sel string, _ time.Duration) error {
	ok, err := p.Exists(ctx, sel)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s never became visible", sel)
	}
	return nil
}

func (p *fakePage) WaitLocation(ctx context.Context, pattern *regexp.Regexp, _ time.Duration) error {
	loc, _ := p.Location(ctx)
	if !pattern.MatchString(loc) {
		return fmt.Errorf("location %s never matched %s", loc, pattern)
	}
	return nil
}

func (p *fakePage) ClickHuman(ctx context.Context, sel string) error {
	doc, err := p.doc()
	if err != nil {
		return err
	}
	el := doc.Find(sel).First()
	if el.Length() == 0 {
		return fmt.Errorf("click target %s not found", sel)
	}
	dest := el.AttrOr("href", el.AttrOr("data-nav", ""))
	if dest == "" {
		return nil
	}
	return p.Navigate(ctx, testOrigin+dest)
}

func (p *fakePage) TypeHuman(ctx context.Context, sel, text string) error {
	ok, err := p.Exists(ctx, sel)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("input %s not found", sel)
	}
	p.typed[sel] = text
	return nil
}

func (p *fakePage) SelectOption(_ context.Context, sel, value string) error {
	p.selected[sel] = value
	return nil
}

func (p *fakePage) ScrollBy(_ context.Context, _ int) error { return nil }

func (p *fakePage) Hover(ctx context.Context, sel string) error {
	ok, err := p.Exists(ctx, sel)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("hover target %s not found", sel)
	}
	return nil
}

func (p *fakePage) CaptureState(_ context.Context) (*browser.State, error) {
	p.captured++
	return &browser.State{
		Cookies: []browser.Cookie{{Name: "session", Value: "tok", Domain: "portal.test"}},
		Storage: map[string]string{"auth": "1"},
	}, nil
}

func (p *fakePage) RestoreState(_ context.Context, _ *browser.State) error {
	p.restored++
	return nil
}

func (p *fakePage) RestoreStorage(_ context.Context, _ *browser.State) error { return nil }

func (p *fakePage) Close() { p.closed = true }

type fakeBrowser struct {
	page  *fakePage
	opens int
}

func (b *fakeBrowser) NewPage(_ context.Context) (Page, error) {
	b.opens++
	return b.page, nil
}

type fakeCreds struct {
	creds map[string]*vault.Credential
}

func (f *fakeCreds) Fetch(id string) (*vault.Credential, error) {
	c, ok := f.creds[id]
	if !ok {
		return nil, errors.New("credential not found")
	}
	return c, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *fakeNotifier) Send(chatID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return nil
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

// Portal fixture. A plain table listing, a participant dropdown, a cart
// that echoes the slot, and a checkout page asking for a security code.
var portalPages = map[string]string{
	"/login": `<html><body><form>
		<input type="email" name="email">
		<input type="password" name="password">
		<button type="submit" data-nav="/account">Sign In</button>
	</form></body></html>`,
	"/account": `<html><body>
		<a href="/logout">Log Out</a>
		<p>Welcome back</p>
	</body></html>`,
	"/": `<html><body><a href="/logout">Log Out</a><h1>Portal</h1></body></html>`,
	"/programs": `<html><body><a href="/logout">Log Out</a>
	<table><thead><tr><th>Program</th><th>Day</th><th></th></tr></thead><tbody>
		<tr><td>Beginner Swim</td><td>Tuesday 6pm</td><td><a href="/register/42">Register</a></td></tr>
		<tr><td>Advanced Swim</td><td>Thursday 7pm</td><td><a href="/register/43">Register</a></td></tr>
	</tbody></table></body></html>`,
	"/register/42": `<html><body><form>
		<select name="participant">
			<option value="">Select participant</option>
			<option value="p1">Asha</option>
			<option value="p2">Ravi</option>
		</select>
		<button data-nav="/cart">Add to Cart</button>
	</form></body></html>`,
	"/cart": `<html><body>
		<div class="cart-line">Beginner Swim Tuesday 6pm</div>
		<a href="/checkout">Checkout</a>
	</body></html>`,
	"/checkout": `<html><body><form>
		<input name="cvv" autocomplete="cc-csc">
		<button data-nav="/confirmation">Place Order</button>
	</form></body></html>`,
	"/confirmation": `<html><body><h1>Registration complete</h1></body></html>`,
}

func testCfg() config.EngineConfig {
	return config.EngineConfig{
		PollInterval:   config.Duration(10 * time.Millisecond),
		Lookahead:      config.Duration(5 * time.Minute),
		SeedLead:       config.Duration(time.Minute),
		StartMargin:    config.Duration(time.Millisecond),
		StepTimeout:    config.Duration(time.Second),
		ConfirmTimeout: config.Duration(time.Second),
		ChallengeTTL:   config.Duration(5 * time.Minute),
		SnapshotTTL:    config.Duration(30 * time.Minute),
		MaxConcurrent:  2,
	}
}

type harness struct {
	store      *store.Store
	challenges *challenge.Service
	notifier   *fakeNotifier
	browser    *fakeBrowser
	page       *fakePage
	engine     *Engine
}

func newHarness(t *testing.T, pages map[string]string, cred *vault.Credential) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cipher, err := vault.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}

	page := newFakePage(pages)
	b := &fakeBrowser{page: page}
	notifier := &fakeNotifier{}
	challenges := challenge.NewService(st, 5*time.Minute)

	eng := New(
		st,
		&fakeCreds{creds: map[string]*vault.Credential{"cred-1": cred}},
		challenges,
		notifier,
		b,
		browser.NewCodec(cipher),
		nil, // generic site profile
		observability.NewLogger(),
		testCfg(),
		"https://snapseat.test",
	)
	// The static reachability probe does live HTTP; tests run without it.
	eng.prober = nil

	return &harness{store: st, challenges: challenges, notifier: notifier, browser: b, page: page, engine: eng}
}

func (h *harness) addPlan(t *testing.T, mutate func(*store.Plan)) *store.Plan {
	t.Helper()
	p := &store.Plan{
		Owner:        "owner-1",
		OriginURL:    testOrigin,
		Preferred:    store.SlotSpec{Label: "Tuesday 6pm", ClassHint: "Beginner Swim"},
		Participant:  "Asha",
		CredentialID: "cred-1",
		NotifyChatID: "chat-9",
		OpenTime:     time.Now().Add(-time.Minute),
		Extras:       map[string]string{},
	}
	if mutate != nil {
		mutate(p)
	}
	if err := h.store.CreatePlan(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func fullCred() *vault.Credential {
	return &vault.Credential{Alias: "visa", Email: "a@example.com", Password: "hunter2", CVV: "123"}
}

func TestExecuteCompletesRegistration(t *testing.T) {
	h := newHarness(t, portalPages, fullCred())
	p := h.addPlan(t, nil)

	out, err := h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeOK {
		t.Fatalf("outcome = %s (%s), want ok", out.Code, out.Message)
	}

	got, _ := h.store.GetPlan(p.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("plan status = %s, want completed", got.Status)
	}
	if got.DiscoveredURL == "" {
		t.Error("discovered listing URL should be cached after a successful match")
	}
	if h.page.typed[`input[name="cvv"]`] != "123" {
		t.Errorf("cvv typed = %q", h.page.typed[`input[name="cvv"]`])
	}
	if !h.page.closed {
		t.Error("page must be closed when the attempt ends")
	}
	if h.page.captured == 0 {
		t.Error("a fresh login should leave a session snapshot behind")
	}

	msgs := h.notifier.messages()
	if len(msgs) == 0 || !strings.Contains(msgs[len(msgs)-1], "completed") {
		t.Errorf("owner notification missing or wrong: %v", msgs)
	}
}

func TestExecuteInvalidStatusIsNoOp(t *testing.T) {
	h := newHarness(t, portalPages, fullCred())
	p := h.addPlan(t, nil)
	if err := h.store.SetStatus(p.ID, store.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	out, err := h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeInvalidStatus {
		t.Fatalf("outcome = %s, want invalid-status", out.Code)
	}
	if h.browser.opens != 0 {
		t.Error("a no-op invocation must not provision a browser")
	}
	got, _ := h.store.GetPlan(p.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("status changed to %s on a no-op", got.Status)
	}
}

func TestExecuteCancelledPlanIsNoOp(t *testing.T) {
	h := newHarness(t, portalPages, fullCred())
	p := h.addPlan(t, nil)
	if err := h.store.CancelPlan("owner-1", p.ID); err != nil {
		t.Fatal(err)
	}

	out, _ := h.engine.Execute(context.Background(), p.ID, CallerScheduler)
	if out.Code != CodeInvalidStatus {
		t.Fatalf("outcome = %s, want invalid-status", out.Code)
	}
}

func TestExecuteMissingCVVPausesForSecret(t *testing.T) {
	cred := fullCred()
	cred.CVV = ""
	h := newHarness(t, portalPages, cred)
	p := h.addPlan(t, nil)

	out, err := h.engine.Execute(context.Background(), p.ID, CallerScheduler)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeSecretRequired {
		t.Fatalf("outcome = %s (%s), want secret-required", out.Code, out.Message)
	}
	if h.browser.opens != 0 {
		t.Error("the payment-readiness gate must fire before a browser is spent")
	}

	got, _ := h.store.GetPlan(p.ID)
	if got.Status != store.StatusActionRequired {
		t.Errorf("plan status = %s, want action_required", got.Status)
	}

	c, err := h.store.PendingChallenge(p.ID)
	if err != nil {
		t.Fatal("expected a pending challenge:", err)
	}
	msgs := h.notifier.messages()
	if len(msgs) == 0 || !strings.Contains(msgs[0], c.Token) {
		t.Errorf("challenge link not delivered: %v", msgs)
	}
}

func TestExecuteResumesWithResolvedSecret(t *testing.T) {
	cred := fullCred()
	cred.CVV = ""
	h := newHarness(t, portalPages, cred)
	p := h.addPlan(t, nil)

	// First pass pauses.
	out, _ := h.engine.Execute(context.Background(), p.ID, CallerScheduler)
	if out.Code != CodeSecretRequired {
		t.Fatalf("first pass = %s, want secret-required", out.Code)
	}
	c, err := h.store.PendingChallenge(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.challenges.Resolve(c.Token, "456"); err != nil {
		t.Fatal(err)
	}

	// Second pass consumes the resolved secret and completes.
	out, err = h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeOK {
		t.Fatalf("second pass = %s (%s), want ok", out.Code, out.Message)
	}
	if h.page.typed[`input[name="cvv"]`] != "456" {
		t.Errorf("resolved secret not replayed: typed %q", h.page.typed[`input[name="cvv"]`])
	}
	got, _ := h.store.GetPlan(p.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("plan status = %s, want completed", got.Status)
	}
	for _, m := range h.notifier.messages() {
		if strings.Contains(m, "456") {
			t.Error("notification must never carry the secret")
		}
	}
}

func TestExecuteCartMismatchFailsHard(t *testing.T) {
	pages := map[string]string{}
	for k, v := range portalPages {
		pages[k] = v
	}
	pages["/cart"] = `<html><body>
		<div class="cart-line">Pottery for Beginners Monday 5pm</div>
		<a href="/checkout">Checkout</a>
	</body></html>`

	h := newHarness(t, pages, fullCred())
	p := h.addPlan(t, nil)

	out, err := h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeCartMismatch {
		t.Fatalf("outcome = %s (%s), want cart-verification-failed", out.Code, out.Message)
	}
	got, _ := h.store.GetPlan(p.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("plan status = %s, want failed", got.Status)
	}
}

func TestExecutePricedRentalNeedsPlanChoice(t *testing.T) {
	pages := map[string]string{}
	for k, v := range portalPages {
		pages[k] = v
	}
	pages["/register/42"] = `<html><body><form>
		<select name="rental">
			<option value="">Choose rental</option>
			<option value="skis">Ski package $15.00</option>
			<option value="board">Board package $20.00</option>
		</select>
		<button data-nav="/cart">Add to Cart</button>
	</form></body></html>`

	h := newHarness(t, pages, fullCred())
	p := h.addPlan(t, nil)

	out, err := h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeRentalRequired {
		t.Fatalf("outcome = %s (%s), want rental-required", out.Code, out.Message)
	}
}

func TestExecutePricedRentalHonorsPlanChoice(t *testing.T) {
	pages := map[string]string{}
	for k, v := range portalPages {
		pages[k] = v
	}
	pages["/register/42"] = `<html><body><form>
		<select name="rental">
			<option value="">Choose rental</option>
			<option value="skis">Ski package $15.00</option>
		</select>
		<button data-nav="/cart">Add to Cart</button>
	</form></body></html>`

	h := newHarness(t, pages, fullCred())
	p := h.addPlan(t, func(p *store.Plan) {
		p.Extras["rental"] = "skis"
	})

	out, err := h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeOK {
		t.Fatalf("outcome = %s (%s), want ok", out.Code, out.Message)
	}
	if len(h.page.selected) == 0 {
		t.Error("rental dropdown was never selected")
	}
}

func TestExecuteFullCardEntryFailsClosed(t *testing.T) {
	pages := map[string]string{}
	for k, v := range portalPages {
		pages[k] = v
	}
	pages["/cart"] = `<html><body>
		<div class="cart-line">Beginner Swim Tuesday 6pm</div>
		<form><input name="card_number" placeholder="Card number"></form>
		<a href="/checkout">Checkout</a>
	</body></html>`

	h := newHarness(t, pages, fullCred())
	p := h.addPlan(t, nil)

	out, err := h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodePaymentNotReady {
		t.Fatalf("outcome = %s (%s), want payment-not-ready", out.Code, out.Message)
	}
}

func TestExecuteAlternateSlotWhenPreferredMissing(t *testing.T) {
	h := newHarness(t, portalPages, fullCred())
	p := h.addPlan(t, func(p *store.Plan) {
		p.Preferred = store.SlotSpec{Label: "Saturday 9am", ClassHint: "Diving"}
		p.Alternate = &store.SlotSpec{Label: "Tuesday 6pm", ClassHint: "Beginner Swim"}
	})

	out, err := h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeOK {
		t.Fatalf("outcome = %s (%s), want ok", out.Code, out.Message)
	}

	logs, err := h.store.Logs(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	var sawFallback bool
	for _, l := range logs {
		if strings.Contains(l.Note, "using alternate") {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Error("alternate fallback should be recorded in the attempt log")
	}
}

func TestExecuteLoginRejectionFailsClosed(t *testing.T) {
	pages := map[string]string{}
	for k, v := range portalPages {
		pages[k] = v
	}
	pages["/login"] = `<html><body><form>
		<input type="email" name="email">
		<input type="password" name="password">
		<button type="submit" data-nav="/login-error">Sign In</button>
	</form></body></html>`
	pages["/login-error"] = `<html><body><p>Invalid password. Try again.</p></body></html>`

	h := newHarness(t, pages, fullCred())
	p := h.addPlan(t, nil)

	out, err := h.engine.Execute(context.Background(), p.ID, CallerOwner)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != CodeAuthFailed {
		t.Fatalf("outcome = %s (%s), want authentication-failed", out.Code, out.Message)
	}
}

func TestSeedStoresSnapshot(t *testing.T) {
	h := newHarness(t, portalPages, fullCred())
	p := h.addPlan(t, nil)

	if err := h.engine.Seed(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	if h.page.captured == 0 {
		t.Error("seeding must capture a session snapshot")
	}
	snap, err := h.store.LatestSnapshot(p.ID)
	if err != nil {
		t.Fatal("no snapshot persisted:", err)
	}
	if len(snap.Blob) == 0 {
		t.Error("snapshot blob is empty")
	}
	if strings.Contains(string(snap.Blob), "tok") {
		t.Error("snapshot blob must be encrypted at rest")
	}
}

func TestSeedRefusesCancelledPlan(t *testing.T) {
	h := newHarness(t, portalPages, fullCred())
	p := h.addPlan(t, nil)
	if err := h.store.CancelPlan("owner-1", p.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Seed(context.Background(), p.ID); err == nil {
		t.Error("seeding a cancelled plan should refuse")
	}
	if h.browser.opens != 0 {
		t.Error("no browser should be provisioned for a refused seed")
	}
}
