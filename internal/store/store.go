// Package store is the persistence layer. All reads and writes go
// through Store; JSON-encoded list columns are marshalled here so the
// rest of the code only sees typed models.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"registrar/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func marshalList(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func unmarshalRules(raw string) []models.RuleConfig {
	var out []models.RuleConfig
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

const regColumns = `id, user_email, creator_email, program_id, activity_id,
	schedule_ids, access_point_ids, queue_time, status, confirmed, active,
	online_freed, rule_tags, affecting_tags, affecting_configs, force_status,
	notify_email, last_notified, parent_id, last_modified`

func scanRegistration(row interface{ Scan(...any) error }) (models.Registration, error) {
	var r models.Registration
	var schedules, aps, ruleTags, affTags, affConfigs string
	err := row.Scan(&r.ID, &r.UserEmail, &r.CreatorEmail, &r.ProgramID, &r.ActivityID,
		&schedules, &aps, &r.QueueTime, &r.Status, &r.Confirmed, &r.Active,
		&r.OnlineFreed, &ruleTags, &affTags, &affConfigs, &r.ForceStatus,
		&r.NotifyEmail, &r.LastNotified, &r.ParentID, &r.LastModified)
	if err != nil {
		return models.Registration{}, err
	}
	r.ScheduleIDs = unmarshalStrings(schedules)
	r.AccessPointIDs = unmarshalStrings(aps)
	r.RuleTags = unmarshalStrings(ruleTags)
	r.AffectingTags = unmarshalStrings(affTags)
	r.AffectingConfigs = unmarshalRules(affConfigs)
	return r, nil
}

// SaveRegistration inserts or fully overwrites a registration row and
// mirrors its affecting tags into registration_tags.
func (s *Store) SaveRegistration(ctx context.Context, r models.Registration) error {
	r.LastModified = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (`+regColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schedule_ids = excluded.schedule_ids,
			access_point_ids = excluded.access_point_ids,
			status = excluded.status,
			confirmed = excluded.confirmed,
			active = excluded.active,
			online_freed = excluded.online_freed,
			rule_tags = excluded.rule_tags,
			affecting_tags = excluded.affecting_tags,
			affecting_configs = excluded.affecting_configs,
			force_status = excluded.force_status,
			notify_email = excluded.notify_email,
			last_notified = excluded.last_notified,
			parent_id = excluded.parent_id,
			last_modified = excluded.last_modified`,
		r.ID, r.UserEmail, r.CreatorEmail, r.ProgramID, r.ActivityID,
		marshalList(r.ScheduleIDs), marshalList(r.AccessPointIDs), r.QueueTime,
		r.Status, r.Confirmed, r.Active, r.OnlineFreed,
		marshalList(r.RuleTags), marshalList(r.AffectingTags), marshalList(r.AffectingConfigs),
		r.ForceStatus, r.NotifyEmail, r.LastNotified, r.ParentID, r.LastModified)
	if err != nil {
		return fmt.Errorf("save registration %s: %w", r.ID, err)
	}
	return s.replaceTags(ctx, r.ID, r.AffectingTags)
}

func (s *Store) replaceTags(ctx context.Context, regID string, tags []string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM registration_tags WHERE registration_id = ?`, regID); err != nil {
		return fmt.Errorf("clear tags for %s: %w", regID, err)
	}
	for _, tag := range tags {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO registration_tags (registration_id, tag) VALUES (?, ?)`,
			regID, tag); err != nil {
			return fmt.Errorf("tag %s for %s: %w", tag, regID, err)
		}
	}
	return nil
}

func (s *Store) GetRegistration(ctx context.Context, id string) (models.Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+regColumns+` FROM registrations WHERE id = ?`, id)
	r, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Registration{}, fmt.Errorf("registration %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *Store) DeleteRegistration(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete registration %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM registration_tags WHERE registration_id = ?`, id); err != nil {
		return fmt.Errorf("delete tags for %s: %w", id, err)
	}
	return nil
}

// ActiveRegistration returns the single ACTIVE row for the pair, or
// ErrNotFound.
func (s *Store) ActiveRegistration(ctx context.Context, user, activityID string) (models.Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+regColumns+` FROM registrations
		 WHERE user_email = ? AND activity_id = ? AND active = ?`,
		user, activityID, models.ActiveYes)
	r, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Registration{}, fmt.Errorf("active registration %s/%s: %w", user, activityID, ErrNotFound)
	}
	return r, err
}

func (s *Store) queryRegistrations(ctx context.Context, query string, args ...any) ([]models.Registration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextReady returns the oldest READY registration with the given status.
// Ties on queue_time break on user email so the order is total.
func (s *Store) NextReady(ctx context.Context, status models.Status) (models.Registration, error) {
	rows, err := s.queryRegistrations(ctx,
		`SELECT `+regColumns+` FROM registrations
		 WHERE status = ? AND confirmed = ?
		 ORDER BY queue_time, user_email LIMIT 1`,
		status, models.ConfirmReady)
	if err != nil {
		return models.Registration{}, fmt.Errorf("next ready %s: %w", status, err)
	}
	if len(rows) == 0 {
		return models.Registration{}, ErrNotFound
	}
	return rows[0], nil
}

// AccountableRegistrations returns the rows for an activity that count
// against capacity. Online reservations include optimistic and
// in-flight rows; offline only counts fully processed enrollments.
func (s *Store) AccountableRegistrations(ctx context.Context, activityID string, offline bool) ([]models.Registration, error) {
	if offline {
		return s.queryRegistrations(ctx,
			`SELECT `+regColumns+` FROM registrations
			 WHERE activity_id = ? AND status = ? AND confirmed = ?`,
			activityID, models.StatusEnrolled, models.ConfirmProcessed)
	}
	return s.queryRegistrations(ctx,
		`SELECT `+regColumns+` FROM registrations
		 WHERE activity_id = ? AND (
			active = ?
			OR (status = ? AND confirmed = ?)
			OR (status = ? AND confirmed = ?))`,
		activityID, models.ActiveYes,
		models.StatusEnrolled, models.ConfirmNotReady,
		models.StatusUnregistered, models.ConfirmReady)
}

// WaitlistedRegistrations returns the activity's active waitlist in
// queue order. Ties on queue_time break on user email.
func (s *Store) WaitlistedRegistrations(ctx context.Context, activityID string) ([]models.Registration, error) {
	return s.queryRegistrations(ctx,
		`SELECT `+regColumns+` FROM registrations
		 WHERE activity_id = ? AND status = ? AND active = ?
		 ORDER BY queue_time, user_email`,
		activityID, models.StatusWaitlisted, models.ActiveYes)
}

// ReprocessCandidatesByTags returns the ids of active, processed,
// waitlisted registrations stamped with any of the given tags. These
// are the rows a freed-up resource may now admit.
func (s *Store) ReprocessCandidatesByTags(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(tags)+3)
	for _, t := range tags {
		args = append(args, t)
	}
	args = append(args, models.StatusWaitlisted, models.ConfirmProcessed, models.ActiveYes)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT rt.registration_id
		 FROM registration_tags rt
		 JOIN registrations r ON r.id = rt.registration_id
		 WHERE rt.tag IN (`+placeholders(len(tags))+`)
		   AND r.status = ? AND r.confirmed = ? AND r.active = ?
		 ORDER BY rt.registration_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("reprocess candidates: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RegistrationsByActivity returns every row for the activity, ACTIVE
// first, oldest first.
func (s *Store) RegistrationsByActivity(ctx context.Context, activityID string) ([]models.Registration, error) {
	return s.queryRegistrations(ctx,
		`SELECT `+regColumns+` FROM registrations
		 WHERE activity_id = ? ORDER BY active, queue_time`, activityID)
}

func (s *Store) RegistrationsByUser(ctx context.Context, user string) ([]models.Registration, error) {
	return s.queryRegistrations(ctx,
		`SELECT `+regColumns+` FROM registrations
		 WHERE user_email = ? AND active = ? ORDER BY queue_time`, user, models.ActiveYes)
}
