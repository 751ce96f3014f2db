package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kavitha/snapseat/internal/layout"
)

// Seed performs the preparatory browsing pass: several minutes of
// plausible traffic (home page, listing, hovering the target row) that
// leaves behind a warmed, persisted session for the timed pass to restore.
// Seeding is best-effort; a failure is logged and the timed pass simply
// starts cold.
func (e *Engine) Seed(ctx context.Context, planID string) error {
	plan, err := e.store.GetPlan(planID)
	if err != nil {
		return err
	}
	if !executable(plan.Status) {
		return fmt.Errorf("plan is %s, not seeding", plan.Status)
	}
	a := &attempt{plan: plan, profile: e.sites.For(plan.OriginURL)}

	cred, err := e.creds.Fetch(plan.CredentialID)
	if err != nil {
		return fmt.Errorf("credential unavailable: %w", err)
	}
	a.cred = cred

	page, err := e.browser.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("browser provisioning: %w", err)
	}
	defer page.Close()
	a.page = page

	// Land on the home page like a returning visitor and wander a little.
	if err := page.Navigate(ctx, plan.OriginURL); err != nil {
		return err
	}
	_ = page.ScrollBy(ctx, 300+rand.Intn(400))

	// Log in during seeding so the timed pass starts authenticated.
	if next, out := e.stepLogin(ctx, a); out != nil || next != StateLoggedIn {
		if out != nil {
			return fmt.Errorf("seeding login: %s", out.Message)
		}
	}

	if err := e.registry.OpenListing(ctx, page, plan.OriginURL, a.profile); err != nil {
		return err
	}
	_ = page.ScrollBy(ctx, 200+rand.Intn(500))

	// Hover the target row if it is already published; browsing interest
	// in the page we will hit later is part of looking human.
	if html, err := page.HTML(ctx); err == nil {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
			adapter := e.registry.Select(doc)
			rows := adapter.Rows(doc, a.profile)
			if row, outcome := layout.FindProgram(rows, targetText(plan.Preferred)); outcome == layout.ProbeFound {
				_ = page.Hover(ctx, row.Path)
			}
		}
	}

	e.captureSnapshot(ctx, a)
	e.log(plan.ID, "seeding pass complete, session snapshot stored")
	return nil
}
