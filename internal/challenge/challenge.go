// Package challenge manages the token-gated pauses that let an execution
// wait for a human-supplied secret and resume later, possibly in a
// different process.
package challenge

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/kavitha/snapseat/internal/store"
)

// tokenAlphabet excludes visually confusable characters (0/O, 1/I/L) so a
// token survives being read off a phone screen and typed back.
const tokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const tokenLength = 8

var (
	ErrBadSecret   = errors.New("challenge: secret must be 3 or 4 digits")
	ErrPlanUnknown = errors.New("challenge: plan not found")
)

var cvvPattern = regexp.MustCompile(`^\d{3,4}$`)

// Store is the slice of persistence the subsystem needs.
type Store interface {
	GetPlan(id string) (*store.Plan, error)
	CreateChallenge(c *store.Challenge) error
	ChallengeByToken(token string) (*store.Challenge, error)
	ResolveChallenge(token, payload string) (*store.Challenge, error)
	LatestResolvedChallenge(planID string, kind store.ChallengeKind) (*store.Challenge, error)
	PendingChallenge(planID string) (*store.Challenge, error)
	AppendLog(planID, note string) error
}

type Service struct {
	store Store
	ttl   time.Duration
}

func NewService(s Store, ttl time.Duration) *Service {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Service{store: s, ttl: ttl}
}

// Create opens a pending challenge for a plan. Callers are the execution
// workflow (owner-authorized or service role); the plan reference must
// resolve. An existing unexpired pending challenge is reused so repeated
// invocations do not mint a pile of live tokens.
func (s *Service) Create(planID string, kind store.ChallengeKind) (*store.Challenge, error) {
	if _, err := s.store.GetPlan(planID); err != nil {
		return nil, ErrPlanUnknown
	}
	if existing, err := s.store.PendingChallenge(planID); err == nil {
		return existing, nil
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	c := &store.Challenge{
		Token:     token,
		PlanID:    planID,
		Kind:      kind,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	if err := s.store.CreateChallenge(c); err != nil {
		return nil, err
	}
	_ = s.store.AppendLog(planID, fmt.Sprintf("challenge %s created (%s), expires %s",
		token, kind, c.ExpiresAt.Format(time.RFC3339)))
	return c, nil
}

// Lookup returns a challenge by token; expiry is enforced on read.
func (s *Service) Lookup(token string) (*store.Challenge, error) {
	return s.store.ChallengeByToken(token)
}

// Resolve supplies the missing secret or confirmation. The token itself is
// the credential; no other authentication is required. Resolution happens
// exactly once per challenge.
func (s *Service) Resolve(token, value string) (*store.Challenge, error) {
	c, err := s.store.ChallengeByToken(token)
	if err != nil {
		return nil, err
	}
	if c.Kind == store.ChallengeCVV && !cvvPattern.MatchString(value) {
		return nil, ErrBadSecret
	}
	resolved, err := s.store.ResolveChallenge(token, value)
	if err != nil {
		return nil, err
	}
	// The log records that a secret arrived out of band, never the secret.
	_ = s.store.AppendLog(c.PlanID, fmt.Sprintf("challenge %s resolved (%s)", token, c.Kind))
	return resolved, nil
}

// Consume returns the most recent resolved secret of the given kind for a
// plan, for the re-invoked attempt to replay into checkout. Returns empty
// when nothing has been resolved.
func (s *Service) Consume(planID string, kind store.ChallengeKind) string {
	c, err := s.store.LatestResolvedChallenge(planID, kind)
	if err != nil {
		return ""
	}
	return c.Payload
}

// NewToken draws a short token from the unambiguous alphabet using
// crypto/rand.
func NewToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, tokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
