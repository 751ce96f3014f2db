package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPlan(open time.Time) *Plan {
	return &Plan{
		Owner:        "owner-1",
		OriginURL:    "https://portal.example.com",
		Preferred:    SlotSpec{Label: "Tuesday 6pm", ClassHint: "Beginner Swim"},
		Participant:  "Asha",
		Extras:       map[string]string{"color_group": "blue"},
		CredentialID: "cred-1",
		OpenTime:     open,
	}
}

func TestPlanRoundTrip(t *testing.T) {
	s := newTestStore(t)

	p := testPlan(time.Now().Add(time.Hour))
	p.Alternate = &SlotSpec{Label: "Thursday 6pm"}
	if err := s.CreatePlan(p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPlan(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusScheduled {
		t.Errorf("new plan status = %s, want scheduled", got.Status)
	}
	if got.Preferred.ClassHint != "Beginner Swim" {
		t.Errorf("preferred hint = %q", got.Preferred.ClassHint)
	}
	if got.Alternate == nil || got.Alternate.Label != "Thursday 6pm" {
		t.Errorf("alternate not preserved: %+v", got.Alternate)
	}
	if got.Extras["color_group"] != "blue" {
		t.Errorf("extras not preserved: %v", got.Extras)
	}
}

func TestClaimPlanExclusive(t *testing.T) {
	s := newTestStore(t)
	p := testPlan(time.Now().Add(time.Minute))
	if err := s.CreatePlan(p); err != nil {
		t.Fatal(err)
	}

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimPlan(p.ID)
			if err != nil {
				t.Errorf("claim error: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for won := range wins {
		if won {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 winning claim, got %d", count)
	}

	got, _ := s.GetPlan(p.ID)
	if got.Status != StatusExecuting {
		t.Errorf("claimed plan status = %s, want executing", got.Status)
	}
}

func TestDuePlansWindow(t *testing.T) {
	s := newTestStore(t)

	soon := testPlan(time.Now().Add(2 * time.Minute))
	far := testPlan(time.Now().Add(2 * time.Hour))
	cancelled := testPlan(time.Now().Add(2 * time.Minute))
	for _, p := range []*Plan{soon, far, cancelled} {
		if err := s.CreatePlan(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CancelPlan("owner-1", cancelled.ID); err != nil {
		t.Fatal(err)
	}

	due, err := s.DuePlans(5 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != soon.ID {
		t.Errorf("due plans = %d, want only the near scheduled plan", len(due))
	}
}

func TestAppendLogOrdering(t *testing.T) {
	s := newTestStore(t)
	p := testPlan(time.Now())
	if err := s.CreatePlan(p); err != nil {
		t.Fatal(err)
	}

	notes := []string{"execution started", "logged in", "slot selected"}
	for _, n := range notes {
		if err := s.AppendLog(p.ID, n); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.Logs(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(notes) {
		t.Fatalf("got %d entries, want %d", len(entries), len(notes))
	}
	for i, e := range entries {
		if e.Note != notes[i] {
			t.Errorf("entry %d = %q, want %q", i, e.Note, notes[i])
		}
	}
}

func TestChallengeSingleShotResolution(t *testing.T) {
	s := newTestStore(t)
	p := testPlan(time.Now())
	if err := s.CreatePlan(p); err != nil {
		t.Fatal(err)
	}

	c := &Challenge{
		Token:     "ABCD2345",
		PlanID:    p.ID,
		Kind:      ChallengeCVV,
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := s.CreateChallenge(c); err != nil {
		t.Fatal(err)
	}

	resolved, err := s.ResolveChallenge("ABCD2345", "123")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != ChallengeResolved || resolved.Payload != "123" {
		t.Errorf("resolved challenge = %+v", resolved)
	}

	if _, err := s.ResolveChallenge("ABCD2345", "456"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolution error = %v, want ErrAlreadyResolved", err)
	}
}

func TestChallengeLazyExpiry(t *testing.T) {
	s := newTestStore(t)
	p := testPlan(time.Now())
	if err := s.CreatePlan(p); err != nil {
		t.Fatal(err)
	}

	c := &Challenge{
		Token:     "EXPD2345",
		PlanID:    p.ID,
		Kind:      ChallengeCVV,
		ExpiresAt: time.Now().Add(-time.Second),
	}
	if err := s.CreateChallenge(c); err != nil {
		t.Fatal(err)
	}

	got, err := s.ChallengeByToken("EXPD2345")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ChallengeExpired {
		t.Errorf("status = %s, want expired on read", got.Status)
	}

	if _, err := s.ResolveChallenge("EXPD2345", "123"); !errors.Is(err, ErrChallengeExpired) {
		t.Errorf("resolution of expired challenge error = %v, want ErrChallengeExpired", err)
	}
}

func TestLatestSnapshotPrefersNewestUnexpired(t *testing.T) {
	s := newTestStore(t)
	p := testPlan(time.Now())
	if err := s.CreatePlan(p); err != nil {
		t.Fatal(err)
	}

	if err := s.PutSnapshot(p.ID, []byte("stale"), -time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSnapshot(p.ID, []byte("old"), time.Hour); err != nil {
		t.Fatal(err)
	}
	// Distinct created_at so ordering is deterministic.
	time.Sleep(5 * time.Millisecond)
	if err := s.PutSnapshot(p.ID, []byte("fresh"), time.Hour); err != nil {
		t.Fatal(err)
	}

	snap, err := s.LatestSnapshot(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(snap.Blob) != "fresh" {
		t.Errorf("latest snapshot blob = %q, want fresh", snap.Blob)
	}
}

func TestCancelPlanOwnerScoped(t *testing.T) {
	s := newTestStore(t)
	p := testPlan(time.Now().Add(time.Hour))
	if err := s.CreatePlan(p); err != nil {
		t.Fatal(err)
	}

	if err := s.CancelPlan("intruder", p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign cancel error = %v, want ErrNotFound", err)
	}
	if err := s.CancelPlan("owner-1", p.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetPlan(p.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}
