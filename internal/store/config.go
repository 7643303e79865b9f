package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"registrar/internal/models"
)

// Configurations double as a small control plane: offline run markers,
// query cursors and the waitlist reprocessing ledger all live here.

func (s *Store) SetConfig(ctx context.Context, key, value string, binary []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO configurations (key, value, binary_value, last_modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			binary_value = excluded.binary_value,
			last_modified = excluded.last_modified`,
		key, value, binary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, key string) (string, []byte, error) {
	var value string
	var binary []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value, binary_value FROM configurations WHERE key = ?`, key).
		Scan(&value, &binary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("config %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", nil, err
	}
	return value, binary, nil
}

func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM configurations WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}

func (s *Store) SaveApproval(ctx context.Context, a models.ManagerApproval) error {
	a.LastUpdate = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manager_approvals (id, candidate_email, manager_email, activity_id, program_id, nominator_email, queue_time, approved, manager_decision, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			manager_email = excluded.manager_email,
			approved = excluded.approved,
			manager_decision = excluded.manager_decision,
			last_update = excluded.last_update`,
		a.ID, a.CandidateEmail, a.ManagerEmail, a.ActivityID, a.ProgramID,
		a.NominatorEmail, a.QueueTime, a.Approved, a.ManagerDecision, a.LastUpdate)
	if err != nil {
		return fmt.Errorf("save approval %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (models.ManagerApproval, error) {
	var a models.ManagerApproval
	err := s.db.QueryRowContext(ctx,
		`SELECT id, candidate_email, manager_email, activity_id, program_id, nominator_email, queue_time, approved, manager_decision, last_update
		 FROM manager_approvals WHERE id = ?`, id).
		Scan(&a.ID, &a.CandidateEmail, &a.ManagerEmail, &a.ActivityID, &a.ProgramID,
			&a.NominatorEmail, &a.QueueTime, &a.Approved, &a.ManagerDecision, &a.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ManagerApproval{}, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *Store) DeleteApproval(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM manager_approvals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete approval %s: %w", id, err)
	}
	return nil
}
