package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"prospectd/internal/logging"
	"prospectd/internal/pipeline"
)

// ErrNotFound is returned when no profile exists for the given public id.
var ErrNotFound = errors.New("profile not found")

// Profile is one discovered external identity plus its deal position.
type Profile struct {
	ID               int64
	PublicID         string
	URL              string
	Payload          json.RawMessage
	Disqualified     bool
	DisqualifyReason string
	Stage            pipeline.State
	Backoff          *pipeline.Backoff
	CreatedAt        time.Time
}

// makeTicket generates a unique 16-char ticket for a deal.
func makeTicket() string {
	return uuid.New().String()[:16]
}

// ProfileExists reports whether a profile with this public id is known.
func (s *Store) ProfileExists(publicID string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM profiles WHERE public_id = ?", publicID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("profile lookup: %w", err)
	}
	return true, nil
}

// CreateDiscovered registers a newly discovered profile with a fresh deal at
// the discovered stage. Returns the profile id, or ErrExists semantics via
// (0, nil) when the profile is already known (discovery is idempotent).
func (s *Store) CreateDiscovered(publicID, url string) (int64, error) {
	exists, err := s.ProfileExists(publicID)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO profiles (public_id, url) VALUES (?, ?)", publicID, url)
	if err != nil {
		return 0, fmt.Errorf("insert profile: %w", err)
	}
	profileID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert profile id: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO deals (ticket, profile_id, stage) VALUES (?, ?, ?)",
		makeTicket(), profileID, string(pipeline.StateDiscovered),
	); err != nil {
		return 0, fmt.Errorf("insert deal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	logging.StoreDebug("Discovered profile %s (id=%d)", publicID, profileID)
	return profileID, nil
}

// SaveEnrichment stores the scraped payload and advances the deal to the
// enriched stage.
func (s *Store) SaveEnrichment(publicID string, payload json.RawMessage) error {
	if _, err := s.db.Exec(
		"UPDATE profiles SET payload = ?, updated_at = ? WHERE public_id = ?",
		string(payload), s.now().UTC(), publicID,
	); err != nil {
		return fmt.Errorf("save enrichment: %w", err)
	}
	_, err := s.SetState(publicID, pipeline.StateEnriched)
	return err
}

// Disqualify flags the profile and moves its deal to the disqualified stage.
func (s *Store) Disqualify(publicID, reason string) error {
	if _, err := s.db.Exec(
		"UPDATE profiles SET disqualified = 1, disqualify_reason = ?, updated_at = ? WHERE public_id = ?",
		reason, s.now().UTC(), publicID,
	); err != nil {
		return fmt.Errorf("disqualify: %w", err)
	}
	_, err := s.SetState(publicID, pipeline.StateDisqualified)
	return err
}

// PromoteToOutreach advances an enriched profile to the qualified stage.
func (s *Store) PromoteToOutreach(publicID string) error {
	_, err := s.SetState(publicID, pipeline.StateQualified)
	return err
}

// SetState requests a deal stage transition and returns the resolved stage.
//
// Legality is decided by pipeline.Transition: terminal stages are sticky
// no-ops, illegal jumps return *pipeline.IllegalTransitionError with the
// stored stage untouched. Backoff bookkeeping rides along in the same
// transaction: entering pending seeds the backoff from the configured base,
// a pending -> pending observation doubles it, and pending -> connected
// clears it.
func (s *Store) SetState(publicID string, to pipeline.State) (pipeline.State, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var dealID int64
	var stageRaw string
	var backoffRaw sql.NullString
	err = tx.QueryRow(`
		SELECT d.id, d.stage, d.backoff
		FROM deals d JOIN profiles p ON p.id = d.profile_id
		WHERE p.public_id = ?`, publicID,
	).Scan(&dealID, &stageRaw, &backoffRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	if err != nil {
		return "", fmt.Errorf("load deal: %w", err)
	}

	from, err := pipeline.ParseState(stageRaw)
	if err != nil {
		// Malformed persisted state is not recoverable.
		return "", fmt.Errorf("deal %d: %w", dealID, err)
	}

	resolved, err := pipeline.Transition(from, to)
	if err != nil {
		return from, err
	}

	now := s.now()
	var backoff *pipeline.Backoff
	switch {
	case from == pipeline.StatePending && to == pipeline.StatePending:
		// Still pending: double the recheck backoff.
		current := pipeline.NewBackoff(s.baseBackoffHours, now)
		if backoffRaw.Valid && backoffRaw.String != "" {
			if err := json.Unmarshal([]byte(backoffRaw.String), &current); err != nil {
				return "", fmt.Errorf("deal %d: malformed backoff metadata: %w", dealID, err)
			}
		}
		doubled := current.Doubled(now)
		backoff = &doubled
		logging.StoreDebug("%s still pending, backoff %.1fh -> %.1fh", publicID, current.Hours, doubled.Hours)
	case resolved == pipeline.StatePending && from != pipeline.StatePending:
		seeded := pipeline.NewBackoff(s.baseBackoffHours, now)
		backoff = &seeded
	case from == pipeline.StatePending && resolved == pipeline.StateConnected:
		backoff = nil // accepted: clear the backoff metadata
	default:
		if backoffRaw.Valid && backoffRaw.String != "" && !pipeline.IsTerminal(resolved) {
			var kept pipeline.Backoff
			if err := json.Unmarshal([]byte(backoffRaw.String), &kept); err == nil {
				backoff = &kept
			}
		}
	}

	var backoffJSON interface{}
	var nextCheck interface{}
	if backoff != nil {
		raw, err := json.Marshal(backoff)
		if err != nil {
			return "", fmt.Errorf("marshal backoff: %w", err)
		}
		backoffJSON = string(raw)
		nextCheck = backoff.NextCheckAt.UTC()
	}

	if _, err := tx.Exec(
		"UPDATE deals SET stage = ?, backoff = ?, next_check_at = ?, updated_at = ? WHERE id = ?",
		string(resolved), backoffJSON, nextCheck, now.UTC(), dealID,
	); err != nil {
		return "", fmt.Errorf("update deal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	if resolved != from {
		logging.Get(logging.CategoryPipeline).Info("%s: %s -> %s", publicID, from, resolved)
	}
	return resolved, nil
}

// GetState returns the current deal stage for a profile.
func (s *Store) GetState(publicID string) (pipeline.State, error) {
	var stageRaw string
	err := s.db.QueryRow(`
		SELECT d.stage FROM deals d JOIN profiles p ON p.id = d.profile_id
		WHERE p.public_id = ?`, publicID,
	).Scan(&stageRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	if err != nil {
		return "", fmt.Errorf("load stage: %w", err)
	}
	return pipeline.ParseState(stageRaw)
}

// GetBackoff returns the backoff metadata for a profile's deal, if any.
func (s *Store) GetBackoff(publicID string) (*pipeline.Backoff, error) {
	var backoffRaw sql.NullString
	err := s.db.QueryRow(`
		SELECT d.backoff FROM deals d JOIN profiles p ON p.id = d.profile_id
		WHERE p.public_id = ?`, publicID,
	).Scan(&backoffRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	if err != nil {
		return nil, fmt.Errorf("load backoff: %w", err)
	}
	if !backoffRaw.Valid || backoffRaw.String == "" {
		return nil, nil
	}
	var b pipeline.Backoff
	if err := json.Unmarshal([]byte(backoffRaw.String), &b); err != nil {
		return nil, fmt.Errorf("malformed backoff metadata for %s: %w", publicID, err)
	}
	return &b, nil
}

// SetBackoff overwrites the backoff metadata for a profile's deal.
func (s *Store) SetBackoff(publicID string, b pipeline.Backoff) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal backoff: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE deals SET backoff = ?, next_check_at = ?, updated_at = ?
		WHERE profile_id = (SELECT id FROM profiles WHERE public_id = ?)`,
		string(raw), b.NextCheckAt.UTC(), s.now().UTC(), publicID,
	)
	if err != nil {
		return fmt.Errorf("set backoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	return err
}

// GetProfiles returns profiles whose deal sits in the given stage, oldest
// first. When backoffReady is true (meaningful for pending), profiles whose
// next check time has not arrived yet are excluded.
func (s *Store) GetProfiles(state pipeline.State, limit int, backoffReady bool) ([]Profile, error) {
	query := `
		SELECT p.id, p.public_id, p.url, p.payload, p.disqualified, p.disqualify_reason,
		       d.stage, d.backoff, p.created_at
		FROM profiles p JOIN deals d ON d.profile_id = p.id
		WHERE d.stage = ?`
	args := []interface{}{string(state)}
	if backoffReady {
		query += " AND (d.next_check_at IS NULL OR d.next_check_at <= ?)"
		args = append(args, s.now().UTC())
	}
	query += " ORDER BY d.updated_at ASC, p.id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("profiles in %s: %w", state, err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		var payload, reason, stageRaw, backoffRaw sql.NullString
		if err := rows.Scan(&p.ID, &p.PublicID, &p.URL, &payload, &p.Disqualified, &reason,
			&stageRaw, &backoffRaw, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if payload.Valid {
			p.Payload = json.RawMessage(payload.String)
		}
		p.DisqualifyReason = reason.String
		p.Stage, err = pipeline.ParseState(stageRaw.String)
		if err != nil {
			return nil, err
		}
		if backoffRaw.Valid && backoffRaw.String != "" {
			var b pipeline.Backoff
			if err := json.Unmarshal([]byte(backoffRaw.String), &b); err != nil {
				return nil, fmt.Errorf("malformed backoff metadata for %s: %w", p.PublicID, err)
			}
			p.Backoff = &b
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountProfiles counts deals in the given stage.
func (s *Store) CountProfiles(state pipeline.State) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM deals WHERE stage = ?", string(state)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", state, err)
	}
	return count, nil
}

// GetProfile loads one profile by public id.
func (s *Store) GetProfile(publicID string) (*Profile, error) {
	rows, err := s.db.Query(`
		SELECT p.id, p.public_id, p.url, p.payload, p.disqualified, p.disqualify_reason,
		       d.stage, d.backoff, p.created_at
		FROM profiles p JOIN deals d ON d.profile_id = p.id
		WHERE p.public_id = ?`, publicID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	var p Profile
	var payload, reason, stageRaw, backoffRaw sql.NullString
	if err := rows.Scan(&p.ID, &p.PublicID, &p.URL, &payload, &p.Disqualified, &reason,
		&stageRaw, &backoffRaw, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	if payload.Valid {
		p.Payload = json.RawMessage(payload.String)
	}
	p.DisqualifyReason = reason.String
	if p.Stage, err = pipeline.ParseState(stageRaw.String); err != nil {
		return nil, err
	}
	if backoffRaw.Valid && backoffRaw.String != "" {
		var b pipeline.Backoff
		if err := json.Unmarshal([]byte(backoffRaw.String), &b); err != nil {
			return nil, fmt.Errorf("malformed backoff metadata for %s: %w", publicID, err)
		}
		p.Backoff = &b
	}
	return &p, nil
}
