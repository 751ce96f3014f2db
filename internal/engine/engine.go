// Package engine contains the plan execution workflow and the scheduler
// that decides when plans run. The workflow is a forward-only state
// machine with one function per state and a single dispatcher, so each
// state's pre/post-conditions and failure codes are testable on their own.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/kavitha/snapseat/internal/browser"
	"github.com/kavitha/snapseat/internal/layout"
	"github.com/kavitha/snapseat/internal/observability"
	"github.com/kavitha/snapseat/internal/probe"
	"github.com/kavitha/snapseat/internal/store"
	"github.com/kavitha/snapseat/internal/vault"
	"github.com/kavitha/snapseat/pkg/config"
)

// Caller identifies who invoked an execution. Both run the same entry
// guard and state machine.
type Caller string

const (
	CallerOwner     Caller = "owner"
	CallerScheduler Caller = "scheduler"
)

// Store is the slice of persistence the workflow needs.
type Store interface {
	GetPlan(id string) (*store.Plan, error)
	ClaimPlan(id string) (bool, error)
	SetStatus(id string, status store.Status) error
	SetDiscoveredURL(id, url string) error
	AppendLog(planID, note string) error
	LatestSnapshot(planID string) (*store.Snapshot, error)
	PutSnapshot(planID string, blob []byte, ttl time.Duration) error
}

// CredentialSource resolves a credential id to a decrypted bundle for the
// span of one attempt.
type CredentialSource interface {
	Fetch(id string) (*vault.Credential, error)
}

// Challenges is the pause/resume surface of the challenge subsystem.
type Challenges interface {
	Create(planID string, kind store.ChallengeKind) (*store.Challenge, error)
	Consume(planID string, kind store.ChallengeKind) string
}

// Notifier delivers a human-readable message. Delivery failure never
// aborts an attempt.
type Notifier interface {
	Send(chatID string, text string) error
}

// Page is the browser surface one attempt drives. *browser.Session
// implements it; tests use fakes.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, sel string, timeout time.Duration) error
	WaitLocation(ctx context.Context, pattern *regexp.Regexp, timeout time.Duration) error
	Exists(ctx context.Context, sel string) (bool, error)
	ClickHuman(ctx context.Context, sel string) error
	TypeHuman(ctx context.Context, sel, text string) error
	SelectOption(ctx context.Context, sel, value string) error
	ScrollBy(ctx context.Context, pixels int) error
	Hover(ctx context.Context, sel string) error
	HTML(ctx context.Context) (string, error)
	CaptureState(ctx context.Context) (*browser.State, error)
	RestoreState(ctx context.Context, state *browser.State) error
	RestoreStorage(ctx context.Context, state *browser.State) error
	Close()
}

// Browser provisions one page per attempt.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
}

type Engine struct {
	store      Store
	creds      CredentialSource
	challenges Challenges
	notifier   Notifier
	browser    Browser
	codec      *browser.Codec
	prober     *probe.Prober
	registry   *layout.Registry
	sites      *config.Sites
	logger     *observability.Logger
	cfg        config.EngineConfig
	linkBase   string
}

func New(
	st Store,
	creds CredentialSource,
	challenges Challenges,
	notifier Notifier,
	b Browser,
	codec *browser.Codec,
	sites *config.Sites,
	logger *observability.Logger,
	cfg config.EngineConfig,
	linkBase string,
) *Engine {
	return &Engine{
		store:      st,
		creds:      creds,
		challenges: challenges,
		notifier:   notifier,
		browser:    b,
		codec:      codec,
		prober:     probe.New(),
		registry:   layout.NewRegistry(),
		sites:      sites,
		logger:     logger,
		cfg:        cfg,
		linkBase:   linkBase,
	}
}

// attempt carries the mutable context of one end-to-end run.
type attempt struct {
	plan         *store.Plan
	profile      config.SiteProfile
	cred         *vault.Credential
	effCVV       string
	page         Page
	row          layout.Row
	matchedLabel string
}

// executable is the entry guard's allow set. Anything else makes an
// invocation a no-op, which is how cancellation and double completion are
// enforced on every path, not just the scheduler's.
func executable(s store.Status) bool {
	switch s {
	case store.StatusScheduled, store.StatusActionRequired, store.StatusExecuting:
		return true
	}
	return false
}

// Execute runs one attempt for the plan. It is the single invocation
// surface shared by the scheduler, the owner's manual trigger, and
// challenge-resolution re-invocations.
func (e *Engine) Execute(ctx context.Context, planID string, caller Caller) (Outcome, error) {
	plan, err := e.store.GetPlan(planID)
	if err != nil {
		return Outcome{Code: CodeInternal, Message: err.Error()}, err
	}

	if !executable(plan.Status) {
		return Outcome{
			Code:    CodeInvalidStatus,
			Message: fmt.Sprintf("plan is %s; execution is a no-op", plan.Status),
		}, nil
	}

	// Win or confirm the executing transition before touching anything.
	switch plan.Status {
	case store.StatusScheduled:
		won, err := e.store.ClaimPlan(planID)
		if err != nil {
			return Outcome{Code: CodeInternal, Message: err.Error()}, err
		}
		if !won {
			return Outcome{
				Code:    CodeInvalidStatus,
				Message: "another invocation claimed this plan",
			}, nil
		}
	case store.StatusActionRequired:
		if err := e.store.SetStatus(planID, store.StatusExecuting); err != nil {
			return Outcome{Code: CodeInternal, Message: err.Error()}, err
		}
	}

	e.log(planID, fmt.Sprintf("execution started (%s)", caller))
	e.logger.LogState(planID, string(StateDiscoveringLogin), string(caller))

	out := e.run(ctx, plan)
	return out, e.finish(plan, out)
}

// run drives the state machine, guaranteeing session teardown and turning
// panics from deep inside the workflow into structured internal errors.
func (e *Engine) run(ctx context.Context, plan *store.Plan) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Code: CodeInternal, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	a := &attempt{plan: plan, profile: e.sites.For(plan.OriginURL)}

	cred, err := e.creds.Fetch(plan.CredentialID)
	if err != nil {
		return Outcome{Code: CodeMissingConfig, Message: fmt.Sprintf("credential %s unavailable: %v", plan.CredentialID, err)}
	}
	a.cred = cred

	// Effective secret for this attempt: the stored CVV, or one supplied
	// out of band through a resolved challenge.
	a.effCVV = cred.CVV
	if a.effCVV == "" {
		a.effCVV = e.challenges.Consume(plan.ID, store.ChallengeCVV)
	}

	// Payment-readiness gate, checked before a browser is spent: without a
	// usable secret checkout cannot complete, so pause for a human now.
	if a.effCVV == "" && !plan.AllowNoCVV() {
		return e.secretRequired(plan, "credential has no security code saved")
	}

	page, err := e.browser.NewPage(ctx)
	if err != nil {
		return Outcome{Code: CodeInternal, Message: fmt.Sprintf("browser provisioning: %v", err)}
	}
	defer page.Close()
	a.page = page
	e.logger.LogBrowser(plan.ID, "session-provisioned", plan.OriginURL)

	steps := map[State]func(context.Context, *attempt) (State, *Outcome){
		StateDiscoveringLogin:    e.stepLogin,
		StateLoggedIn:            e.stepDiscoverAndSelect,
		StateSlotSelected:        e.stepRegisterClick,
		StateParticipantSelected: e.stepParticipant,
		StateAddonsHandled:       e.stepAddons,
		StateInCart:              e.stepCartVerify,
		StateCheckoutStarted:     e.stepCheckout,
		StatePaymentPending:      e.stepPayment,
	}

	state := StateDiscoveringLogin
	for {
		step, ok := steps[state]
		if !ok {
			return Outcome{Code: CodeInternal, Message: fmt.Sprintf("no handler for state %s", state)}
		}
		next, terminal := step(ctx, a)
		if terminal != nil {
			if !terminal.OK() {
				e.log(plan.ID, fmt.Sprintf("failed in state %s: %s (%s)", state, terminal.Message, terminal.Code))
			}
			return *terminal
		}
		e.logger.LogState(plan.ID, string(next), "")
		e.log(plan.ID, fmt.Sprintf("reached state %s", next))
		state = next
	}
}

// finish records the terminal outcome: status, log, notification.
func (e *Engine) finish(plan *store.Plan, out Outcome) error {
	status, change := out.PlanStatus()
	if !change {
		return nil
	}
	if err := e.store.SetStatus(plan.ID, status); err != nil {
		return err
	}
	e.log(plan.ID, fmt.Sprintf("attempt finished: %s (%s)", out.Code, out.Message))
	if plan.NotifyChatID != "" && e.notifier != nil {
		msg := fmt.Sprintf("Plan %q: %s\n%s", plan.Preferred.Label, status, out.Message)
		if err := e.notifier.Send(plan.NotifyChatID, msg); err != nil {
			e.log(plan.ID, fmt.Sprintf("notification failed: %v", err))
		} else {
			e.logger.LogNotify(plan.ID, plan.NotifyChatID)
		}
	}
	return nil
}

// secretRequired opens (or reuses) a CVV challenge and pauses the attempt.
func (e *Engine) secretRequired(plan *store.Plan, why string) Outcome {
	c, err := e.challenges.Create(plan.ID, store.ChallengeCVV)
	if err != nil {
		return Outcome{Code: CodeInternal, Message: fmt.Sprintf("challenge creation: %v", err)}
	}
	e.logger.LogChallenge(plan.ID, c.Token, c.ExpiresAt)
	if plan.NotifyChatID != "" && e.notifier != nil {
		link := fmt.Sprintf("%s/c/%s", e.linkBase, c.Token)
		msg := fmt.Sprintf("Action needed for %q: %s.\nSupply it here within %s: %s",
			plan.Preferred.Label, why, time.Until(c.ExpiresAt).Round(time.Second), link)
		if err := e.notifier.Send(plan.NotifyChatID, msg); err != nil {
			e.log(plan.ID, fmt.Sprintf("notification failed: %v", err))
		}
	}
	return Outcome{Code: CodeSecretRequired, Message: why}
}

func (e *Engine) log(planID, note string) {
	if err := e.store.AppendLog(planID, note); err != nil {
		e.logger.LogStep(planID, "log-write-failed", err.Error())
	}
}
