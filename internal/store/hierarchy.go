package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"registrar/internal/models"
)

func (s *Store) SaveProgram(ctx context.Context, p models.Program) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs (id, name, description, rules, visible, deleted, to_be_deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			rules = excluded.rules,
			visible = excluded.visible,
			deleted = excluded.deleted,
			to_be_deleted = excluded.to_be_deleted`,
		p.ID, p.Name, p.Description, marshalList(p.Rules), p.Visible, p.Deleted, p.ToBeDeleted, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("save program %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProgram(ctx context.Context, id string) (models.Program, error) {
	var p models.Program
	var rules string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, rules, visible, deleted, to_be_deleted, created_at
		 FROM programs WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &rules, &p.Visible, &p.Deleted, &p.ToBeDeleted, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Program{}, fmt.Errorf("program %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Program{}, err
	}
	p.Rules = unmarshalRules(rules)
	return p, nil
}

func (s *Store) SaveActivity(ctx context.Context, a models.Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, program_id, name, start_time, end_time, rules, visible, deleted, to_be_deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			rules = excluded.rules,
			visible = excluded.visible,
			deleted = excluded.deleted,
			to_be_deleted = excluded.to_be_deleted`,
		a.ID, a.ProgramID, a.Name, a.StartTime, a.EndTime, marshalList(a.Rules),
		a.Visible, a.Deleted, a.ToBeDeleted, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("save activity %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetActivity(ctx context.Context, id string) (models.Activity, error) {
	var a models.Activity
	var rules string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, program_id, name, start_time, end_time, rules, visible, deleted, to_be_deleted, created_at
		 FROM activities WHERE id = ?`, id).
		Scan(&a.ID, &a.ProgramID, &a.Name, &a.StartTime, &a.EndTime, &rules,
			&a.Visible, &a.Deleted, &a.ToBeDeleted, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Activity{}, fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Activity{}, err
	}
	a.Rules = unmarshalRules(rules)
	return a, nil
}

func (s *Store) ActivitiesByProgram(ctx context.Context, programID string) ([]models.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM activities WHERE program_id = ? AND deleted = 0`, programID)
	if err != nil {
		return nil, fmt.Errorf("activities by program: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Activity, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetActivity(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) SaveSchedule(ctx context.Context, sc models.Schedule) error {
	sc.LastModified = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, activity_id, start_time, end_time, access_point_ids, access_point_ids_backup, deleted, to_be_deleted, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			access_point_ids = excluded.access_point_ids,
			access_point_ids_backup = excluded.access_point_ids_backup,
			deleted = excluded.deleted,
			to_be_deleted = excluded.to_be_deleted,
			last_modified = excluded.last_modified`,
		sc.ID, sc.ActivityID, sc.StartTime, sc.EndTime,
		marshalList(sc.AccessPointIDs), marshalList(sc.AccessPointIDsBackup),
		sc.Deleted, sc.ToBeDeleted, sc.LastModified)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", sc.ID, err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	var sc models.Schedule
	var aps, backup string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, activity_id, start_time, end_time, access_point_ids, access_point_ids_backup, deleted, to_be_deleted, last_modified
		 FROM schedules WHERE id = ?`, id).
		Scan(&sc.ID, &sc.ActivityID, &sc.StartTime, &sc.EndTime, &aps, &backup,
			&sc.Deleted, &sc.ToBeDeleted, &sc.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Schedule{}, err
	}
	sc.AccessPointIDs = unmarshalStrings(aps)
	sc.AccessPointIDsBackup = unmarshalStrings(backup)
	return sc, nil
}

func (s *Store) SchedulesByActivity(ctx context.Context, activityID string) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM schedules WHERE activity_id = ? AND deleted = 0 ORDER BY start_time`, activityID)
	if err != nil {
		return nil, fmt.Errorf("schedules by activity: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Schedule, 0, len(ids))
	for _, id := range ids {
		sc, err := s.GetSchedule(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// ScheduleIDsModifiedSince pages through schedules touched at or after
// since, in id order starting after afterID. The calendar sync scan
// uses it with a watermark it advances itself.
func (s *Store) ScheduleIDsModifiedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM schedules
		 WHERE last_modified >= ? AND id > ? AND deleted = 0
		 ORDER BY id LIMIT ?`, since, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("schedules modified since: %w", err)
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

func (s *Store) SaveAccessPoint(ctx context.Context, ap models.AccessPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_points (id, type, uri, location, tags, rules, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			uri = excluded.uri,
			location = excluded.location,
			tags = excluded.tags,
			rules = excluded.rules,
			deleted = excluded.deleted`,
		ap.ID, ap.Type, ap.URI, ap.Location, marshalList(ap.Tags), marshalList(ap.Rules), ap.Deleted)
	if err != nil {
		return fmt.Errorf("save access point %s: %w", ap.ID, err)
	}
	return nil
}

func (s *Store) GetAccessPoint(ctx context.Context, id string) (models.AccessPoint, error) {
	var ap models.AccessPoint
	var tags, rules string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, uri, location, tags, rules, deleted FROM access_points WHERE id = ?`, id).
		Scan(&ap.ID, &ap.Type, &ap.URI, &ap.Location, &tags, &rules, &ap.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AccessPoint{}, fmt.Errorf("access point %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.AccessPoint{}, err
	}
	ap.Tags = unmarshalStrings(tags)
	ap.Rules = unmarshalRules(rules)
	return ap, nil
}
