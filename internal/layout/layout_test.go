package layout

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/kavitha/snapseat/pkg/config"
)

var testProfile = config.SiteProfile{
	RegisterTexts: []string{"register", "sign up"},
	ListingPath:   "/programs",
}

const tableHTML = `<html><body>
<h1>Fall Programs</h1>
<table>
  <tr><th>Program</th><th>Time</th><th></th></tr>
  <tr><td>Beginner <b>Swim</b></td><td>Tuesday 6pm</td><td><button>Register</button></td></tr>
  <tr><td>Advanced Pottery</td><td>Wednesday 7pm</td><td><a href="/r/2">Register</a></td></tr>
  <tr><td>Waitlist Only Yoga</td><td>Friday 8am</td><td>Full</td></tr>
</table>
</body></html>`

const cardsHTML = `<html><body>
<div class="listing-grid">
  <div class="program-card"><h3>Beginner Swim</h3><p>Tuesday 6pm</p><button>Sign Up</button></div>
  <div class="program-card"><h3>Advanced Pottery</h3><p>Wednesday 7pm</p><button>Sign Up</button></div>
</div>
</body></html>`

const plainHTML = `<html><body>
<ul>
  <li><span>Beginner Swim Tuesday 6pm</span> <a href="/go/1">Register</a></li>
  <li><span>Advanced Pottery Wednesday 7pm</span> <a href="/go/2">Register</a></li>
</ul>
</body></html>`

func parse(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestTableAdapterDetectAndRows(t *testing.T) {
	doc := parse(t, tableHTML)
	a := &TableAdapter{}
	if a.Detect(doc) != Definite {
		t.Fatal("table adapter did not claim a listing table")
	}

	rows := a.Rows(doc, testProfile)
	var swim *Row
	for i := range rows {
		if strings.Contains(rows[i].Text, "Beginner Swim") {
			swim = &rows[i]
		}
	}
	if swim == nil {
		t.Fatal("swim row not extracted")
	}
	// Markup inside cells is stripped from row text.
	if strings.Contains(swim.Text, "<b>") {
		t.Errorf("row text contains markup: %q", swim.Text)
	}
	if swim.RegisterPath == "" {
		t.Fatal("swim row has no register path")
	}
	// The generated path must resolve back to the same control.
	ctrl := doc.Find(swim.RegisterPath)
	if ctrl.Length() != 1 || !strings.EqualFold(strings.TrimSpace(ctrl.Text()), "register") {
		t.Errorf("register path %q resolves to %d nodes (%q)", swim.RegisterPath, ctrl.Length(), ctrl.Text())
	}
}

func TestTableAdapterRowWithoutControl(t *testing.T) {
	doc := parse(t, tableHTML)
	rows := (&TableAdapter{}).Rows(doc, testProfile)
	for _, r := range rows {
		if strings.Contains(r.Text, "Waitlist Only Yoga") && r.RegisterPath != "" {
			t.Errorf("full row should have no register path, got %q", r.RegisterPath)
		}
	}
}

func TestCardsAdapter(t *testing.T) {
	doc := parse(t, cardsHTML)
	a := &CardsAdapter{}
	if a.Detect(doc) != Definite {
		t.Fatal("cards adapter did not claim a card grid")
	}
	rows := a.Rows(doc, testProfile)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if r.RegisterPath == "" {
			t.Errorf("card %q has no register path", r.Text)
		}
	}
}

func TestCardsAdapterDeclinesTable(t *testing.T) {
	if (&CardsAdapter{}).Detect(parse(t, tableHTML)) != NoClaim {
		t.Error("cards adapter claimed a table listing")
	}
}

func TestFallbackAdapterRows(t *testing.T) {
	doc := parse(t, plainHTML)
	rows := (&FallbackAdapter{}).Rows(doc, testProfile)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if !strings.Contains(rows[0].Text, "Beginner Swim") {
		t.Errorf("row text = %q", rows[0].Text)
	}
}

func TestRegistrySelection(t *testing.T) {
	r := NewRegistry()
	if got := r.Select(parse(t, tableHTML)).Name(); got != "table" {
		t.Errorf("table page selected %q", got)
	}
	if got := r.Select(parse(t, cardsHTML)).Name(); got != "cards" {
		t.Errorf("cards page selected %q", got)
	}
	if got := r.Select(parse(t, plainHTML)).Name(); got != "fallback" {
		t.Errorf("plain page selected %q, want fallback", got)
	}
}

func TestFindProgramExact(t *testing.T) {
	rows := []Row{
		{Text: "Advanced Pottery Wednesday 7pm"},
		{Text: "Beginner Swim  Tuesday 6pm (8 spots left)"},
	}
	row, probe := FindProgram(rows, "Beginner Swim Tuesday 6pm")
	if probe != ProbeFound {
		t.Fatalf("probe = %s, want found", probe)
	}
	if !strings.Contains(row.Text, "Beginner Swim") {
		t.Errorf("matched row = %q", row.Text)
	}
}

func TestFindProgramFuzzy(t *testing.T) {
	rows := []Row{
		{Text: "Advanced Pottery Wednesday 7pm"},
		{Text: "Beginner Swimm Tuesday 6pm"}, // one inserted character
	}
	_, probe := FindProgram(rows, "Beginner Swim Tuesday 6pm")
	if probe != ProbeFound {
		t.Errorf("probe = %s, want found via fuzzy match", probe)
	}
}

func TestFindProgramNotFound(t *testing.T) {
	rows := []Row{
		{Text: "Advanced Pottery Wednesday 7pm"},
		{Text: "Junior Chess Club Monday 4pm"},
	}
	_, probe := FindProgram(rows, "Beginner Swim Tuesday 6pm")
	if probe != ProbeNotFound {
		t.Errorf("probe = %s, want not-found", probe)
	}
}

func TestFindProgramAmbiguous(t *testing.T) {
	rows := []Row{
		{Text: "Beginner Swim Tuesday 6pm - Pool A"},
		{Text: "Beginner Swim Tuesday 6pm - Pool B"},
	}
	_, probe := FindProgram(rows, "Beginner Swim Tuesday 6pm")
	if probe != ProbeAmbiguous {
		t.Errorf("probe = %s, want ambiguous", probe)
	}
}
