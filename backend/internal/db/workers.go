package db

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) CreateWorker(ctx context.Context, w Worker) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO worker (id, pubkey_pem, pubkey_fingerprint, last_seen_on)
		VALUES ($1, $2, $3, $4)
	`, w.ID, w.PubkeyPEM, w.PubkeyFingerprint, w.LastSeenOn)
	if err != nil {
		return fmt.Errorf("failed to create worker %q: %w", w.ID, wrapErr(err))
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (Worker, error) {
	var w Worker
	err := s.q.QueryRow(ctx, `
		SELECT id, pubkey_pem, pubkey_fingerprint, last_seen_on FROM worker WHERE id = $1
	`, id).Scan(&w.ID, &w.PubkeyPEM, &w.PubkeyFingerprint, &w.LastSeenOn)
	if err != nil {
		return Worker{}, fmt.Errorf("failed to get worker %q: %w", id, wrapErr(err))
	}
	return w, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	return s.listWorkers(ctx, `
		SELECT id, pubkey_pem, pubkey_fingerprint, last_seen_on FROM worker ORDER BY id ASC
	`)
}

// ListIdleWorkers returns workers whose last report is older than since.
// Workers that never reported sort as the epoch and always qualify.
func (s *Store) ListIdleWorkers(ctx context.Context, since time.Time) ([]Worker, error) {
	return s.listWorkers(ctx, `
		SELECT id, pubkey_pem, pubkey_fingerprint, last_seen_on
		FROM worker
		WHERE COALESCE(last_seen_on, 'epoch'::timestamptz) < $1
		ORDER BY id ASC
	`, since)
}

func (s *Store) listWorkers(ctx context.Context, query string, args ...any) ([]Worker, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", wrapErr(err))
	}
	defer rows.Close()

	workers := []Worker{}
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.PubkeyPEM, &w.PubkeyFingerprint, &w.LastSeenOn); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workers: %w", err)
	}
	return workers, nil
}

// TouchWorker records when the worker last reported a result.
func (s *Store) TouchWorker(ctx context.Context, id string, seenAt time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE worker SET last_seen_on = $2 WHERE id = $1
	`, id, seenAt)
	if err != nil {
		return fmt.Errorf("failed to touch worker %q: %w", id, wrapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to touch worker %q: %w", id, ErrNotFound)
	}
	return nil
}

// SetWorkerCountries replaces the worker's country assignments with codes,
// atomically. All codes must already exist in the country table.
func (s *Store) SetWorkerCountries(ctx context.Context, workerID string, codes []string) error {
	return s.InTx(ctx, func(tx *Store) error {
		var exists bool
		if err := tx.q.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM worker WHERE id = $1)
		`, workerID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up worker %q: %w", workerID, err)
		}
		if !exists {
			return fmt.Errorf("failed to assign countries to worker %q: %w", workerID, ErrNotFound)
		}

		if _, err := tx.q.Exec(ctx, `
			DELETE FROM worker_country WHERE worker_id = $1
		`, workerID); err != nil {
			return fmt.Errorf("failed to clear worker %q countries: %w", workerID, err)
		}
		if len(codes) == 0 {
			return nil
		}
		if _, err := tx.q.Exec(ctx, `
			INSERT INTO worker_country (worker_id, country_code)
			SELECT $1, unnest($2::text[])
		`, workerID, codes); err != nil {
			return fmt.Errorf("failed to assign countries to worker %q: %w", workerID, wrapErr(err))
		}
		return nil
	})
}

// AssignWorkerCountries upserts the given countries and replaces the
// worker's assignment set with them, atomically, returning the stored set.
func (s *Store) AssignWorkerCountries(ctx context.Context, workerID string, countries []Country) ([]Country, error) {
	var assigned []Country
	err := s.InTx(ctx, func(tx *Store) error {
		codes := make([]string, 0, len(countries))
		for _, c := range countries {
			if err := tx.CreateCountry(ctx, c); err != nil {
				return err
			}
			codes = append(codes, c.Code)
		}
		if err := tx.SetWorkerCountries(ctx, workerID, codes); err != nil {
			return err
		}
		var err error
		assigned, err = tx.WorkerCountries(ctx, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// WorkerCountries returns the countries assigned to the worker, ordered by
// code.
func (s *Store) WorkerCountries(ctx context.Context, workerID string) ([]Country, error) {
	rows, err := s.q.Query(ctx, `
		SELECT c.code, c.name, c.region_code
		FROM worker_country wc
		JOIN country c ON c.code = wc.country_code
		WHERE wc.worker_id = $1
		ORDER BY c.code ASC
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker %q countries: %w", workerID, wrapErr(err))
	}
	defer rows.Close()

	countries := []Country{}
	for rows.Next() {
		var c Country
		if err := rows.Scan(&c.Code, &c.Name, &c.RegionCode); err != nil {
			return nil, fmt.Errorf("failed to scan country: %w", err)
		}
		countries = append(countries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate countries: %w", err)
	}
	return countries, nil
}
