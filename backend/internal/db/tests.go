package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openzim/mirrors-qa/backend/pkg/api"
)

const testColumns = `id, requested_on, started_on, status, worker_id, mirror_url, country_code,
	ip_address, asn, isp, city, latency, download_size, duration, speed, error`

func scanTest(row pgx.Row) (Test, error) {
	var t Test
	err := row.Scan(
		&t.ID, &t.RequestedOn, &t.StartedOn, &t.Status, &t.WorkerID, &t.MirrorURL, &t.CountryCode,
		&t.IPAddress, &t.ASN, &t.ISP, &t.City, &t.Latency, &t.DownloadSize, &t.Duration, &t.Speed, &t.Error,
	)
	return t, err
}

// CreateTest inserts a test record, generating its id when unset.
func (s *Store) CreateTest(ctx context.Context, t Test) (Test, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	created, err := scanTest(s.q.QueryRow(ctx, `
		INSERT INTO test (id, requested_on, started_on, status, worker_id, mirror_url, country_code,
			ip_address, asn, isp, city, latency, download_size, duration, speed, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+testColumns,
		t.ID, t.RequestedOn, t.StartedOn, t.Status, t.WorkerID, t.MirrorURL, t.CountryCode,
		t.IPAddress, t.ASN, t.ISP, t.City, t.Latency, t.DownloadSize, t.Duration, t.Speed, t.Error))
	if err != nil {
		return Test{}, fmt.Errorf("failed to create test: %w", wrapErr(err))
	}
	return created, nil
}

func (s *Store) GetTest(ctx context.Context, id uuid.UUID) (Test, error) {
	t, err := scanTest(s.q.QueryRow(ctx, `
		SELECT `+testColumns+` FROM test WHERE id = $1
	`, id))
	if err != nil {
		return Test{}, fmt.Errorf("failed to get test %s: %w", id, wrapErr(err))
	}
	return t, nil
}

// UpdateTest applies the non-nil fields of u to a pending test and returns
// the result. SUCCEEDED, ERRORED and MISSED are final: updating a test that
// already reached one of them fails with ErrTestFinished. The status guard
// lives in the UPDATE itself so two racing writers cannot both land.
func (s *Store) UpdateTest(ctx context.Context, id uuid.UUID, u TestUpdate) (Test, error) {
	t, err := scanTest(s.q.QueryRow(ctx, `
		UPDATE test
		SET status = COALESCE($2, status),
			started_on = COALESCE($3, started_on),
			ip_address = COALESCE($4, ip_address),
			asn = COALESCE($5, asn),
			isp = COALESCE($6, isp),
			city = COALESCE($7, city),
			latency = COALESCE($8, latency),
			download_size = COALESCE($9, download_size),
			duration = COALESCE($10, duration),
			speed = COALESCE($11, speed),
			error = COALESCE($12, error)
		WHERE id = $1 AND status = $13
		RETURNING `+testColumns,
		id, u.Status, u.StartedOn, u.IPAddress, u.ASN, u.ISP, u.City,
		u.Latency, u.DownloadSize, u.Duration, u.Speed, u.Error, api.StatusPending))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Test{}, fmt.Errorf("failed to update test %s: %w", id, wrapErr(err))
	}
	// The guarded update matched nothing: either the id is unknown or the
	// test already left PENDING. Tests are never deleted, so one lookup
	// tells the two apart.
	if _, getErr := s.GetTest(ctx, id); getErr != nil {
		return Test{}, getErr
	}
	return Test{}, fmt.Errorf("failed to update test %s: %w", id, ErrTestFinished)
}

// TestFilter narrows and orders a test listing. PageSize and PageNum are
// 1-based and must be positive.
type TestFilter struct {
	WorkerID    string
	CountryCode string
	Statuses    []string
	SortBy      string
	Order       string
	PageSize    int
	PageNum     int
}

var testSortColumns = map[string]struct{}{
	"id": {}, "requested_on": {}, "started_on": {}, "status": {},
	"worker_id": {}, "mirror_url": {}, "country_code": {}, "city": {},
	"latency": {}, "download_size": {}, "duration": {}, "speed": {},
}

// ValidSortColumn reports whether col can be used as a test sort key.
func ValidSortColumn(col string) bool {
	_, ok := testSortColumns[col]
	return ok
}

// ListTests returns one page of matching tests plus the total match count.
// Listings sort by SortBy/Order with requested_on ascending as the stable
// tiebreaker whenever another column leads.
func (s *Store) ListTests(ctx context.Context, f TestFilter) ([]Test, int, error) {
	sortBy := f.SortBy
	if sortBy == "" {
		sortBy = "requested_on"
	}
	if !ValidSortColumn(sortBy) {
		return nil, 0, fmt.Errorf("cannot sort tests by %q", sortBy)
	}
	order := strings.ToUpper(f.Order)
	if order == "" {
		order = "ASC"
	}
	if order != "ASC" && order != "DESC" {
		return nil, 0, fmt.Errorf("invalid sort order %q", f.Order)
	}
	if f.PageSize < 1 || f.PageNum < 1 {
		return nil, 0, fmt.Errorf("invalid page %d with size %d", f.PageNum, f.PageSize)
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if f.WorkerID != "" {
		args = append(args, f.WorkerID)
		where = append(where, fmt.Sprintf("worker_id = $%d", len(args)))
	}
	if f.CountryCode != "" {
		args = append(args, f.CountryCode)
		where = append(where, fmt.Sprintf("country_code = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, f.Statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q.QueryRow(ctx, "SELECT COUNT(*) FROM test "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tests: %w", err)
	}

	orderClause := fmt.Sprintf("ORDER BY %s %s", sortBy, order)
	if sortBy != "requested_on" {
		orderClause += ", requested_on ASC"
	}

	args = append(args, f.PageSize)
	limitPos := len(args)
	args = append(args, (f.PageNum-1)*f.PageSize)
	offsetPos := len(args)

	query := fmt.Sprintf("SELECT %s FROM test %s %s LIMIT $%d OFFSET $%d",
		testColumns, clause, orderClause, limitPos, offsetPos)
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	tests := []Test{}
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate tests: %w", err)
	}
	return tests, total, nil
}

// RecordTestResult applies a worker's partial update to a test and advances
// the worker's last_seen_on, atomically.
func (s *Store) RecordTestResult(ctx context.Context, id uuid.UUID, workerID string, u TestUpdate, seenAt time.Time) (Test, error) {
	var updated Test
	err := s.InTx(ctx, func(tx *Store) error {
		var err error
		if updated, err = tx.UpdateTest(ctx, id, u); err != nil {
			return err
		}
		return tx.TouchWorker(ctx, workerID, seenAt)
	})
	if err != nil {
		return Test{}, err
	}
	return updated, nil
}

// CountPendingTests returns how many tests the worker has not picked up yet.
func (s *Store) CountPendingTests(ctx context.Context, workerID string) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM test WHERE worker_id = $1 AND status = $2
	`, workerID, api.StatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tests for worker %q: %w", workerID, err)
	}
	return count, nil
}

// ExpireTests marks every PENDING test requested before olderThan as MISSED
// and returns the newly expired records.
func (s *Store) ExpireTests(ctx context.Context, olderThan time.Time) ([]Test, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE test SET status = $1
		WHERE status = $2 AND requested_on < $3
		RETURNING `+testColumns,
		api.StatusMissed, api.StatusPending, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to expire tests: %w", err)
	}
	defer rows.Close()

	expired := []Test{}
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired test: %w", err)
		}
		expired = append(expired, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired tests: %w", err)
	}
	return expired, nil
}

// HasRecentSucceeded reports whether any test succeeded with a start time at
// or after since.
func (s *Store) HasRecentSucceeded(ctx context.Context, since time.Time) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM test WHERE status = $1 AND started_on >= $2)
	`, api.StatusSucceeded, since).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check recent succeeded tests: %w", err)
	}
	return ok, nil
}
