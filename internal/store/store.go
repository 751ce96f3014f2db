package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrAlreadyResolved  = errors.New("store: challenge already resolved")
	ErrChallengeExpired = errors.New("store: challenge expired")
)

type Store struct {
	DB *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; funneling everything through a single
	// connection avoids SQLITE_BUSY under concurrent claims.
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			owner TEXT,
			origin_url TEXT,
			discovered_url TEXT,
			preferred_label TEXT,
			preferred_hint TEXT,
			alternate_label TEXT,
			alternate_hint TEXT,
			participant TEXT,
			extras TEXT,
			credential_id TEXT,
			notify_chat_id TEXT,
			open_time DATETIME,
			status TEXT DEFAULT 'scheduled',
			status_updated_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS attempt_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			plan_id TEXT,
			note TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS challenges (
			id TEXT PRIMARY KEY,
			token TEXT UNIQUE,
			plan_id TEXT,
			kind TEXT,
			status TEXT DEFAULT 'pending',
			payload TEXT,
			expires_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			id TEXT PRIMARY KEY,
			plan_id TEXT,
			blob BLOB,
			expires_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range queries {
		_, err = db.Exec(q)
		if err != nil {
			return nil, err
		}
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// ---- plans ----

func (s *Store) CreatePlan(p *Plan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = StatusScheduled
	}
	p.StatusUpdatedAt = now
	p.CreatedAt = now

	extras, err := json.Marshal(p.Extras)
	if err != nil {
		return err
	}
	altLabel, altHint := "", ""
	if p.Alternate != nil {
		altLabel, altHint = p.Alternate.Label, p.Alternate.ClassHint
	}
	_, err = s.DB.Exec(`INSERT INTO plans
		(id, owner, origin_url, discovered_url, preferred_label, preferred_hint,
		 alternate_label, alternate_hint, participant, extras, credential_id,
		 notify_chat_id, open_time, status, status_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Owner, p.OriginURL, p.DiscoveredURL, p.Preferred.Label, p.Preferred.ClassHint,
		altLabel, altHint, p.Participant, string(extras), p.CredentialID,
		p.NotifyChatID, p.OpenTime.UTC(), p.Status, p.StatusUpdatedAt, p.CreatedAt)
	return err
}

const planCols = `id, owner, origin_url, discovered_url, preferred_label, preferred_hint,
	alternate_label, alternate_hint, participant, extras, credential_id,
	notify_chat_id, open_time, status, status_updated_at, created_at`

func scanPlan(row interface{ Scan(...any) error }) (*Plan, error) {
	var p Plan
	var extras, altLabel, altHint string
	err := row.Scan(&p.ID, &p.Owner, &p.OriginURL, &p.DiscoveredURL,
		&p.Preferred.Label, &p.Preferred.ClassHint, &altLabel, &altHint,
		&p.Participant, &extras, &p.CredentialID, &p.NotifyChatID,
		&p.OpenTime, &p.Status, &p.StatusUpdatedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if altLabel != "" {
		p.Alternate = &SlotSpec{Label: altLabel, ClassHint: altHint}
	}
	if extras != "" {
		if err := json.Unmarshal([]byte(extras), &p.Extras); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *Store) GetPlan(id string) (*Plan, error) {
	row := s.DB.QueryRow(`SELECT `+planCols+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Store) ListPlans(owner string) ([]*Plan, error) {
	rows, err := s.DB.Query(`SELECT `+planCols+` FROM plans WHERE owner = ? ORDER BY open_time`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// DuePlans returns scheduled plans whose open time falls inside the
// lookahead window starting now.
func (s *Store) DuePlans(lookahead time.Duration) ([]*Plan, error) {
	now := time.Now().UTC()
	rows, err := s.DB.Query(`SELECT `+planCols+` FROM plans
		WHERE status = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time`,
		StatusScheduled, now.Add(-lookahead), now.Add(lookahead))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// ClaimPlan performs the conditional scheduled→executing transition. Only
// the caller that wins the update may run the attempt; the WHERE clause
// re-checks the status so concurrent claimants cannot both win.
func (s *Store) ClaimPlan(id string) (bool, error) {
	res, err := s.DB.Exec(`UPDATE plans SET status = ?, status_updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusExecuting, time.Now().UTC(), id, StatusScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetStatus(id string, status Status) error {
	_, err := s.DB.Exec(`UPDATE plans SET status = ?, status_updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return err
}

func (s *Store) SetDiscoveredURL(id, url string) error {
	_, err := s.DB.Exec(`UPDATE plans SET discovered_url = ? WHERE id = ?`, url, id)
	return err
}

// CancelPlan is owner-scoped so one owner cannot cancel another's plan.
func (s *Store) CancelPlan(owner, id string) error {
	res, err := s.DB.Exec(`UPDATE plans SET status = ?, status_updated_at = ?
		WHERE id = ? AND owner = ?`, StatusCancelled, time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetPlan puts an edited plan back into the scheduled state for
// re-attempt.
func (s *Store) ResetPlan(id string) error {
	return s.SetStatus(id, StatusScheduled)
}

// ---- attempt log ----

// AppendLog writes one note to the plan's append-only attempt log. Entries
// are never updated or deleted.
func (s *Store) AppendLog(planID, note string) error {
	_, err := s.DB.Exec(`INSERT INTO attempt_logs (plan_id, note, created_at) VALUES (?, ?, ?)`,
		planID, note, time.Now().UTC())
	return err
}

func (s *Store) Logs(planID string) ([]LogEntry, error) {
	rows, err := s.DB.Query(`SELECT id, plan_id, note, created_at FROM attempt_logs
		WHERE plan_id = ? ORDER BY id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- challenges ----

func (s *Store) CreateChallenge(c *Challenge) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = ChallengePending
	c.CreatedAt = time.Now().UTC()
	_, err := s.DB.Exec(`INSERT INTO challenges
		(id, token, plan_id, kind, status, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Token, c.PlanID, c.Kind, c.Status, c.Payload, c.ExpiresAt.UTC(), c.CreatedAt)
	return err
}

func scanChallenge(row interface{ Scan(...any) error }) (*Challenge, error) {
	var c Challenge
	var resolved sql.NullTime
	err := row.Scan(&c.ID, &c.Token, &c.PlanID, &c.Kind, &c.Status,
		&c.Payload, &c.ExpiresAt, &c.CreatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	if resolved.Valid {
		c.ResolvedAt = &resolved.Time
	}
	return &c, nil
}

const challengeCols = `id, token, plan_id, kind, status, payload, expires_at, created_at, resolved_at`

// ChallengeByToken loads a challenge, lazily expiring it if the deadline
// has passed while it was still pending.
func (s *Store) ChallengeByToken(token string) (*Challenge, error) {
	row := s.DB.QueryRow(`SELECT `+challengeCols+` FROM challenges WHERE token = ?`, token)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Status == ChallengePending && time.Now().After(c.ExpiresAt) {
		c.Status = ChallengeExpired
		_, err = s.DB.Exec(`UPDATE challenges SET status = ? WHERE id = ? AND status = ?`,
			ChallengeExpired, c.ID, ChallengePending)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ResolveChallenge flips pending→resolved exactly once. A second
// resolution, a missing token, or a passed deadline is rejected.
func (s *Store) ResolveChallenge(token, payload string) (*Challenge, error) {
	c, err := s.ChallengeByToken(token)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case ChallengeResolved:
		return nil, ErrAlreadyResolved
	case ChallengeExpired:
		return nil, ErrChallengeExpired
	}
	now := time.Now().UTC()
	res, err := s.DB.Exec(`UPDATE challenges SET status = ?, payload = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		ChallengeResolved, payload, now, c.ID, ChallengePending)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost a race with another resolver.
		return nil, ErrAlreadyResolved
	}
	c.Status = ChallengeResolved
	c.Payload = payload
	c.ResolvedAt = &now
	return c, nil
}

// LatestResolvedChallenge returns the newest resolved challenge of the
// given kind for a plan, if any.
func (s *Store) LatestResolvedChallenge(planID string, kind ChallengeKind) (*Challenge, error) {
	row := s.DB.QueryRow(`SELECT `+challengeCols+` FROM challenges
		WHERE plan_id = ? AND kind = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, planID, kind, ChallengeResolved)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// PendingChallenge returns the newest still-pending challenge for a plan.
func (s *Store) PendingChallenge(planID string) (*Challenge, error) {
	row := s.DB.QueryRow(`SELECT `+challengeCols+` FROM challenges
		WHERE plan_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`, planID, ChallengePending, time.Now().UTC())
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ---- session snapshots ----

// PutSnapshot stores a new encrypted session bundle. Older rows for the
// plan become logically stale but are kept.
func (s *Store) PutSnapshot(planID string, blob []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.DB.Exec(`INSERT INTO session_snapshots (id, plan_id, blob, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), planID, blob, now.Add(ttl), now)
	return err
}

// LatestSnapshot returns the newest unexpired snapshot for a plan.
func (s *Store) LatestSnapshot(planID string) (*Snapshot, error) {
	row := s.DB.QueryRow(`SELECT id, plan_id, blob, expires_at, created_at
		FROM session_snapshots
		WHERE plan_id = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`, planID, time.Now().UTC())
	var snap Snapshot
	err := row.Scan(&snap.ID, &snap.PlanID, &snap.Blob, &snap.ExpiresAt, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
