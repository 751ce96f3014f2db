package store

import "time"

// Status enumerates the lifecycle states of a plan. A plan row is the sole
// record of one scheduled attempt; editing a plan resets it to
// StatusScheduled so it can be re-attempted.
type Status string

const (
	StatusScheduled      Status = "scheduled"
	StatusExecuting      Status = "executing"
	StatusActionRequired Status = "action_required"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// SlotSpec names the offering a plan targets: a free-text label plus an
// optional class-name hint used to build the match target.
type SlotSpec struct {
	Label     string `json:"label"`
	ClassHint string `json:"class_hint,omitempty"`
}

// Plan is one signup intent against a target portal.
type Plan struct {
	ID              string
	Owner           string
	OriginURL       string
	DiscoveredURL   string // cached deep link, empty until first discovery
	Preferred       SlotSpec
	Alternate       *SlotSpec
	Participant     string
	Extras          map[string]string // rental, color_group, volunteer, allow_no_cvv
	CredentialID    string
	NotifyChatID    string
	OpenTime        time.Time
	Status          Status
	StatusUpdatedAt time.Time
	CreatedAt       time.Time
}

// AllowNoCVV reports the plan-level override that lets checkout proceed
// without a stored security code.
func (p *Plan) AllowNoCVV() bool {
	return p.Extras["allow_no_cvv"] == "true"
}

// LogEntry is one line of a plan's append-only attempt log.
type LogEntry struct {
	ID        int64
	PlanID    string
	Note      string
	CreatedAt time.Time
}

// ChallengeKind distinguishes what a paused execution is waiting for.
type ChallengeKind string

const (
	ChallengeCVV     ChallengeKind = "cvv"
	ChallengeConfirm ChallengeKind = "confirm"
)

type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeResolved ChallengeStatus = "resolved"
	ChallengeExpired  ChallengeStatus = "expired"
)

// Challenge is a short-lived, single-use token gating resumption of an
// execution that needs a human-supplied secret or confirmation.
type Challenge struct {
	ID         string
	Token      string
	PlanID     string
	Kind       ChallengeKind
	Status     ChallengeStatus
	Payload    string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Snapshot is an encrypted browser-session bundle (cookies + storage)
// captured after a seeding or login pass. Only the newest unexpired row per
// plan is meaningful; superseded rows are stale, not deleted.
type Snapshot struct {
	ID        string
	PlanID    string
	Blob      []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}
